package checkoutclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/policy"
)

type GuardianClient struct {
	t *transport
}

func NewGuardian(baseURL string, opts ...Option) *GuardianClient {
	return &GuardianClient{t: newTransport(baseURL, opts)}
}

type PolicyWrite struct {
	MaxAmount         string   `json:"maxAmount"`
	AllowedRecipients []string `json:"allowedRecipients,omitempty"`
	AllowedTokens     []string `json:"allowedTokens,omitempty"`
	ExpiresAt         int64    `json:"expiresAt"`
}

type policyEnvelope struct {
	RequestID string        `json:"request_id"`
	Policy    policy.Policy `json:"policy"`
}

func (c *GuardianClient) GetPolicy(ctx context.Context, owner string) (policy.Policy, error) {
	var out policyEnvelope
	err := c.t.do(ctx, http.MethodGet, "/api/policies/"+url.PathEscape(owner), nil, nil, false, true, &out)
	return out.Policy, err
}

func (c *GuardianClient) PutPolicy(ctx context.Context, owner string, in PolicyWrite) (policy.Policy, error) {
	var out policyEnvelope
	err := c.t.do(ctx, http.MethodPut, "/api/policies/"+url.PathEscape(owner), in, nil, true, true, &out)
	return out.Policy, err
}
