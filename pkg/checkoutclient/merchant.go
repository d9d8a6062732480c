package checkoutclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// MerchantClient talks to the merchant service. Invoices are returned as
// raw JSON so callers run them through invoice.ParseSigned themselves.
type MerchantClient struct {
	t *transport
}

func NewMerchant(baseURL string, opts ...Option) *MerchantClient {
	return &MerchantClient{t: newTransport(baseURL, opts)}
}

type MerchantIdentity struct {
	Address       string `json:"address"`
	ChainID       int64  `json:"chainId"`
	Token         string `json:"token"`
	Recipient     string `json:"recipient"`
	TokenDecimals int32  `json:"tokenDecimals"`
}

type LineItemInput struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Category    string `json:"category,omitempty"`
	Quantity    *int64 `json:"quantity,omitempty"`
	UnitAmount  string `json:"unitAmount,omitempty"`
	TotalAmount string `json:"totalAmount"`
}

type CreateInvoiceInput struct {
	Amount            string          `json:"amount"`
	Description       string          `json:"description"`
	Recipient         string          `json:"recipient,omitempty"`
	Token             string          `json:"token,omitempty"`
	Payer             string          `json:"payer,omitempty"`
	DueInSeconds      int64           `json:"dueInSeconds,omitempty"`
	ChainID           int64           `json:"chainId,omitempty"`
	MerchantReference string          `json:"merchantReference,omitempty"`
	Purpose           string          `json:"purpose,omitempty"`
	LineItems         []LineItemInput `json:"lineItems,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
}

type CreatedInvoice struct {
	RequestID        string          `json:"request_id"`
	Invoice          json.RawMessage `json:"invoice"`
	Status           string          `json:"status"`
	IdempotentReplay bool            `json:"idempotentReplay"`
}

type InvoiceView struct {
	RequestID   string          `json:"request_id"`
	Invoice     json.RawMessage `json:"invoice"`
	Status      string          `json:"status"`
	TxHash      string          `json:"txHash,omitempty"`
	ConfirmedAt int64           `json:"confirmedAt,omitempty"`
}

type ConfirmResult struct {
	RequestID        string `json:"request_id"`
	InvoiceID        string `json:"invoiceId"`
	Status           string `json:"status"`
	TxHash           string `json:"txHash,omitempty"`
	ConfirmedAt      int64  `json:"confirmedAt,omitempty"`
	Matched          bool   `json:"matched"`
	IdempotentReplay bool   `json:"idempotentReplay"`
}

func (c *MerchantClient) Identity(ctx context.Context) (MerchantIdentity, error) {
	var out MerchantIdentity
	err := c.t.do(ctx, http.MethodGet, "/api/merchant", nil, nil, false, true, &out)
	return out, err
}

// CreateInvoice is retried only when idempotencyKey is set.
func (c *MerchantClient) CreateInvoice(ctx context.Context, in CreateInvoiceInput, idempotencyKey string) (CreatedInvoice, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var out CreatedInvoice
	err := c.t.do(ctx, http.MethodPost, "/api/invoices", in, headers, false, idempotencyKey != "", &out)
	return out, err
}

func (c *MerchantClient) GetInvoice(ctx context.Context, invoiceID string) (InvoiceView, error) {
	var out InvoiceView
	err := c.t.do(ctx, http.MethodGet, "/api/invoices/"+url.PathEscape(invoiceID), nil, nil, false, true, &out)
	return out, err
}

// ConfirmSettlement reports txHash for invoiceID. Safe to retry: the merchant
// treats a repeated confirmation with the same hash as a replay.
func (c *MerchantClient) ConfirmSettlement(ctx context.Context, invoiceID, txHash string) (ConfirmResult, error) {
	body := map[string]string{"invoiceId": invoiceID, "txHash": txHash}
	var out ConfirmResult
	err := c.t.do(ctx, http.MethodPost, "/api/invoices/confirm", body, nil, true, true, &out)
	return out, err
}
