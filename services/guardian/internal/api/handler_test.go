package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/checkoutclient"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/policy"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ratelimit"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/statestore"
	"github.com/AdamBeaudoin/Agent-Checkout/services/guardian/internal/policies"
	"github.com/go-chi/chi/v5"
)

const (
	adminToken = "guardian-admin-token"
	owner      = "0x1111111111111111111111111111111111111111"
)

type nopPersister struct{}

func (nopPersister) Load(context.Context) ([]byte, error) { return nil, nil }
func (nopPersister) Save(context.Context, []byte) error   { return nil }

func newTestHandler(writeLimit int) *Handler {
	svc := policies.New(statestore.NewDocument(nopPersister{}), policy.DefaultLimits(), nil)
	return NewHandler(svc, adminToken, ratelimit.NewFixedWindow(writeLimit, time.Minute), nil)
}

func putBody(maxAmount string, expiresIn time.Duration) string {
	return `{"maxAmount":"` + maxAmount + `","allowedRecipients":[],"expiresAt":` +
		strconv.FormatInt(time.Now().Add(expiresIn).Unix(), 10) + `}`
}

func serve(h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "198.51.100.4:1234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func reason(t *testing.T, rr *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var out struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	r, _ := out.Error.Details["reason"].(string)
	return out.Error.Code, r
}

func TestPutRequiresAdminToken(t *testing.T) {
	routes := newTestHandler(10).Routes()
	if rr := serve(routes, http.MethodPut, "/api/policies/"+owner, putBody("100", time.Hour), ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr := serve(routes, http.MethodPut, "/api/policies/"+owner, putBody("100", time.Hour), "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", rr.Code)
	}
}

func TestEmptyAdminTokenNeverAuthorizes(t *testing.T) {
	svc := policies.New(statestore.NewDocument(nopPersister{}), policy.DefaultLimits(), nil)
	routes := NewHandler(svc, "", nil, nil).Routes()
	req := httptest.NewRequest(http.MethodPut, "/api/policies/"+owner, strings.NewReader(putBody("1", time.Hour)))
	req.Header.Set("Authorization", "Bearer ")
	rr := httptest.NewRecorder()
	routes.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestPutThenGet(t *testing.T) {
	routes := newTestHandler(10).Routes()
	rr := serve(routes, http.MethodPut, "/api/policies/not-an-address", putBody("100", time.Hour), adminToken)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected malformed owner to be rejected, got %d", rr.Code)
	}

	rr = serve(routes, http.MethodPut, "/api/policies/"+owner, putBody("250", time.Hour), adminToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rr.Code, rr.Body.String())
	}

	client := checkoutclient.NewGuardian("http://guardian.test", checkoutclient.WithHTTPClient(&http.Client{Transport: handlerTransport{routes}}))
	p, err := client.GetPolicy(context.Background(), owner)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if p.Owner != owner || p.MaxAmount != "250" || p.UpdatedAt == 0 {
		t.Fatalf("unexpected policy %+v", p)
	}
}

func TestPutValidation(t *testing.T) {
	routes := newTestHandler(10).Routes()
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"expired", putBody("1", -time.Minute), "expires_in_past"},
		{"beyond horizon", putBody("1", 100*24*time.Hour), "expires_beyond_horizon"},
		{"zero amount", putBody("0", time.Hour), "invalid_max_amount"},
		{"unknown field", `{"maxAmount":"1","expiresAt":1,"owner":"x"}`, "unknown_field"},
		{"bad json", `{"maxAmount":`, "invalid_json"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(routes, http.MethodPut, "/api/policies/"+owner, tc.body, adminToken)
			code, r := reason(t, rr)
			if rr.Code != http.StatusBadRequest || code != string(apperr.KindValidation) || r != tc.reason {
				t.Fatalf("expected %s, got %d %s", tc.reason, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestPutRateLimited(t *testing.T) {
	routes := newTestHandler(1).Routes()
	if rr := serve(routes, http.MethodPut, "/api/policies/"+owner, putBody("1", time.Hour), adminToken); rr.Code != http.StatusOK {
		t.Fatalf("first put: %d", rr.Code)
	}
	rr := serve(routes, http.MethodPut, "/api/policies/"+owner, putBody("1", time.Hour), adminToken)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestGetMissingPolicy(t *testing.T) {
	h := newTestHandler(10)
	req := httptest.NewRequest(http.MethodGet, "/api/policies/"+owner, nil)
	req = withChiParams(req, "owner", owner)
	rr := httptest.NewRecorder()
	h.HandleGet(rr, req)
	if code, r := reason(t, rr); rr.Code != http.StatusNotFound || code != "NOT_FOUND" || r != "policy_not_found" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

type handlerTransport struct{ h http.Handler }

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rr := httptest.NewRecorder()
	t.h.ServeHTTP(rr, req)
	return rr.Result(), nil
}

func withChiParams(req *http.Request, kv ...string) *http.Request {
	rc := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rc.URLParams.Add(kv[i], kv[i+1])
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}
