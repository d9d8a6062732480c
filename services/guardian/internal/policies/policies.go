// Package policies stores delegation policies keyed by owner address.
package policies

import (
	"context"
	"log"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/policy"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/statestore"
)

type Service struct {
	doc      *statestore.Document
	policies *statestore.Collection[policy.Policy]
	limits   policy.Limits
	now      func() time.Time
}

// New registers the "policies" collection in doc. Call doc.Load afterwards.
func New(doc *statestore.Document, limits policy.Limits, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		doc:      doc,
		policies: statestore.NewCollection[policy.Policy](doc, "policies"),
		limits:   limits,
		now:      now,
	}
}

func (s *Service) Get(owner string) (policy.Policy, error) {
	key, err := policy.NormalizeOwner(owner)
	if err != nil {
		return policy.Policy{}, err
	}
	p, ok := s.policies.Get(key)
	if !ok {
		return policy.Policy{}, apperr.NotFound("policy_not_found", "no policy for owner").With("owner", key)
	}
	return p, nil
}

// Put validates c and replaces the owner's policy. The document is persisted
// before Put returns; a failed write leaves the previous policy in place.
func (s *Service) Put(ctx context.Context, owner string, c policy.Candidate) (policy.Policy, error) {
	p, err := policy.Validate(owner, c, s.limits, s.now())
	if err != nil {
		return policy.Policy{}, err
	}
	if err := s.policies.Put(ctx, p.Owner, p); err != nil {
		return policy.Policy{}, err
	}
	log.Printf("guardian: policy written owner=%s maxAmount=%s expiresAt=%d", p.Owner, p.MaxAmount, p.ExpiresAt)
	return p, nil
}

// Len is the number of stored policies.
func (s *Service) Len() int { return s.policies.Len() }
