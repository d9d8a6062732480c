package api

import (
	"net/http"
	"strings"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/httpx"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/policy"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ratelimit"
	"github.com/AdamBeaudoin/Agent-Checkout/services/guardian/internal/policies"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const BucketPolicyWrite = "policy_write"

type Handler struct {
	svc            *policies.Service
	adminToken     string
	writeLimiter   ratelimit.Limiter
	trustedProxies map[string]struct{}
}

// NewHandler builds the guardian API. X-Forwarded-For is honored only from
// peers in trustedProxies.
func NewHandler(svc *policies.Service, adminToken string, writeLimiter ratelimit.Limiter, trustedProxies map[string]struct{}) *Handler {
	return &Handler{svc: svc, adminToken: adminToken, writeLimiter: writeLimiter, trustedProxies: trustedProxies}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpx.TrustProxies(h.trustedProxies))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Route("/api/policies", func(api chi.Router) {
		api.Get("/{owner}", h.HandleGet)
		api.Put("/{owner}", h.HandlePut)
	})
	return r
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(strings.TrimSpace(chi.URLParam(r, "owner")))
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "policy": p})
}

// HandlePut authenticates before rate limiting so anonymous callers cannot
// drain the admin's write quota.
func (h *Handler) HandlePut(w http.ResponseWriter, r *http.Request) {
	if !httpx.RequireBearer(w, r, h.adminToken) {
		return
	}
	if !httpx.EnforceRateLimit(w, r, h.writeLimiter, BucketPolicyWrite) {
		return
	}
	raw, err := httpx.DecodeUntyped(r)
	if err != nil {
		httpx.WriteAppError(w, apperr.Wrap(apperr.KindValidation, "invalid_json", err))
		return
	}
	c, err := policy.ParseCandidate(raw)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	p, err := h.svc.Put(r.Context(), strings.TrimSpace(chi.URLParam(r, "owner")), c)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.NewRequestID(), "policy": p})
}
