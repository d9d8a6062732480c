package api

import (
	"net/http"
	"strings"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/httpx"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ratelimit"
	"github.com/AdamBeaudoin/Agent-Checkout/services/merchant/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	BucketInvoiceCreate     = "invoice_create"
	BucketSettlementConfirm = "settlement_confirm"
)

type Handler struct {
	svc            *orders.Service
	confirmToken   string
	createLimiter  ratelimit.Limiter
	confirmLimiter ratelimit.Limiter
	trustedProxies map[string]struct{}
}

// NewHandler builds the merchant API. Rate limits key on the peer address;
// X-Forwarded-For is honored only from peers in trustedProxies.
func NewHandler(svc *orders.Service, confirmToken string, createLimiter, confirmLimiter ratelimit.Limiter, trustedProxies map[string]struct{}) *Handler {
	return &Handler{svc: svc, confirmToken: confirmToken, createLimiter: createLimiter, confirmLimiter: confirmLimiter, trustedProxies: trustedProxies}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpx.TrustProxies(h.trustedProxies))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Route("/api", func(api chi.Router) {
		api.Get("/merchant", h.HandleIdentity)
		api.Post("/invoices", h.HandleCreateInvoice)
		api.Post("/invoices/confirm", h.HandleConfirm)
		api.Get("/invoices/{invoice_id}", h.HandleGetInvoice)
	})
	return r
}

func (h *Handler) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	cfg := h.svc.Config()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"address":       h.svc.MerchantAddress(),
		"chainId":       cfg.ChainID,
		"token":         cfg.Token,
		"recipient":     cfg.Recipient,
		"tokenDecimals": cfg.TokenDecimals,
	})
}

func (h *Handler) HandleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	if !httpx.EnforceRateLimit(w, r, h.createLimiter, BucketInvoiceCreate) {
		return
	}
	var req orders.CreateRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteAppError(w, apperr.Wrap(apperr.KindValidation, "invalid_json", err))
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	created, err := h.svc.CreateInvoice(r.Context(), req, key)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	status := http.StatusCreated
	if created.Replayed {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, map[string]any{
		"request_id":       httpx.NewRequestID(),
		"invoice":          created.Order.Invoice,
		"status":           created.Order.Status,
		"idempotentReplay": created.Replayed,
	})
}

func (h *Handler) HandleGetInvoice(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetOrder(strings.TrimSpace(chi.URLParam(r, "invoice_id")))
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	resp := map[string]any{
		"request_id": httpx.NewRequestID(),
		"invoice":    o.Invoice,
		"status":     o.Status,
	}
	if o.TxHash != "" {
		resp["txHash"] = o.TxHash
		resp["confirmedAt"] = o.ConfirmedAt
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	if !httpx.RequireBearer(w, r, h.confirmToken) {
		return
	}
	if !httpx.EnforceRateLimit(w, r, h.confirmLimiter, BucketSettlementConfirm) {
		return
	}
	// transactionReference is accepted as another name for txHash.
	var req struct {
		InvoiceID            string `json:"invoiceId"`
		TxHash               string `json:"txHash"`
		TransactionReference string `json:"transactionReference"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteAppError(w, apperr.Wrap(apperr.KindValidation, "invalid_json", err))
		return
	}
	txHash := strings.TrimSpace(req.TxHash)
	if ref := strings.TrimSpace(req.TransactionReference); ref != "" {
		if txHash != "" && !strings.EqualFold(txHash, ref) {
			httpx.WriteAppError(w, apperr.Validation("conflicting_fields", "txHash and transactionReference differ"))
			return
		}
		txHash = ref
	}
	if strings.TrimSpace(req.InvoiceID) == "" || txHash == "" {
		httpx.WriteAppError(w, apperr.Validation("missing_field", "invoiceId and txHash are required"))
		return
	}
	res, err := h.svc.ConfirmSettlement(r.Context(), strings.TrimSpace(req.InvoiceID), txHash)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id":       httpx.NewRequestID(),
		"invoiceId":        res.InvoiceID,
		"status":           res.Status,
		"txHash":           res.TxHash,
		"confirmedAt":      res.ConfirmedAt,
		"matched":          res.Matched,
		"idempotentReplay": res.IdempotentReplay,
	})
}
