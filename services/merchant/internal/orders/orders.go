// Package orders issues signed invoices and confirms their settlement.
package orders

import (
	"context"
	"encoding/hex"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/canonical"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/envcfg"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/idempotency"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/invoice"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/keylock"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ledger"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/settlement"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/statestore"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Config struct {
	ChainID       int64
	Token         string
	Recipient     string
	TokenDecimals int32
	InvoiceTTL    time.Duration
	MaxInvoiceTTL time.Duration
	LedgerTimeout time.Duration
}

type LineItemRequest struct {
	ID          string `json:"id,omitempty" validate:"max=64"`
	Title       string `json:"title" validate:"required,max=200"`
	Category    string `json:"category,omitempty" validate:"max=64"`
	Quantity    *int64 `json:"quantity,omitempty" validate:"omitempty,min=1"`
	UnitAmount  string `json:"unitAmount,omitempty" validate:"omitempty,max=78"`
	TotalAmount string `json:"totalAmount" validate:"required,max=78"`
}

// CreateRequest is the invoice issuance body. Merchant, invoice id and memo
// are filled in by the service.
type CreateRequest struct {
	Amount            string            `json:"amount" validate:"required,max=78"`
	Description       string            `json:"description" validate:"required,max=500"`
	Recipient         string            `json:"recipient,omitempty" validate:"omitempty,eth_addr"`
	Token             string            `json:"token,omitempty" validate:"omitempty,eth_addr"`
	Payer             string            `json:"payer,omitempty" validate:"omitempty,eth_addr"`
	DueInSeconds      int64             `json:"dueInSeconds,omitempty" validate:"gte=0"`
	ChainID           int64             `json:"chainId,omitempty" validate:"gte=0"`
	MerchantReference string            `json:"merchantReference,omitempty" validate:"max=128"`
	Purpose           string            `json:"purpose,omitempty" validate:"max=128"`
	LineItems         []LineItemRequest `json:"lineItems,omitempty" validate:"max=50,dive"`
	Metadata          map[string]any    `json:"metadata,omitempty" validate:"max=32"`
}

type Created struct {
	Order    settlement.Order
	Replayed bool
}

type ConfirmResult struct {
	InvoiceID        string            `json:"invoiceId"`
	Status           settlement.Status `json:"status"`
	TxHash           string            `json:"txHash,omitempty"`
	ConfirmedAt      int64             `json:"confirmedAt,omitempty"`
	Matched          bool              `json:"matched"`
	IdempotentReplay bool              `json:"idempotentReplay"`
}

type Service struct {
	signer ledger.MessageSigner
	events ledger.EventSource
	doc    *statestore.Document
	orders *statestore.Collection[settlement.Order]
	idem   *idempotency.Store
	locks  *keylock.Locker
	cfg    Config
	now    func() time.Time
	newID  func() string
}

// New registers the "orders" and "idempotency" collections in doc. Call
// doc.Load afterwards to restore persisted state.
func New(doc *statestore.Document, signer ledger.MessageSigner, events ledger.EventSource, cfg Config, now func() time.Time) (*Service, error) {
	if signer == nil || events == nil {
		return nil, errors.New("orders: signer and event source are required")
	}
	var ok bool
	if cfg.Token, ok = ledger.NormalizeAddress(cfg.Token); !ok {
		return nil, errors.New("orders: token must be a 20-byte hex address")
	}
	if cfg.Recipient == "" {
		cfg.Recipient = signer.Address()
	}
	if cfg.Recipient, ok = ledger.NormalizeAddress(cfg.Recipient); !ok {
		return nil, errors.New("orders: recipient must be a 20-byte hex address")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("orders: chain id must be positive")
	}
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = 15 * time.Minute
	}
	if cfg.MaxInvoiceTTL < cfg.InvoiceTTL {
		cfg.MaxInvoiceTTL = cfg.InvoiceTTL
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 15 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	records := statestore.NewCollection[idempotency.Record](doc, "idempotency")
	return &Service{
		signer: signer,
		events: events,
		doc:    doc,
		orders: statestore.NewCollection[settlement.Order](doc, "orders"),
		idem:   idempotency.New(doc, records, now),
		locks:  keylock.New(),
		cfg:    cfg,
		now:    now,
		newID:  newInvoiceID,
	}, nil
}

func (s *Service) Config() Config { return s.cfg }

func (s *Service) MerchantAddress() string { return s.signer.Address() }

func newInvoiceID() string {
	id := uuid.New()
	return "inv_" + hex.EncodeToString(id[:12])
}

// CreateInvoice signs and stores a new pending order. With an idempotency
// key a repeated identical request returns the original order.
func (s *Service) CreateInvoice(ctx context.Context, req CreateRequest, idempotencyKey string) (Created, error) {
	if err := envcfg.Struct(req); err != nil {
		return Created{}, requestError(err)
	}
	base, err := s.draft(req)
	if err != nil {
		return Created{}, err
	}
	hash, err := canonical.HashHex(req)
	if err != nil {
		return Created{}, apperr.Wrap(apperr.KindInternal, "request_hash_failed", err)
	}
	id, replayed, err := s.idem.RecordOrReplay(ctx, idempotencyKey, hash, func(ctx context.Context) (idempotency.Result, error) {
		u := base
		u.InvoiceID = s.newID()
		memo, err := invoice.DeriveMemo(u.InvoiceID)
		if err != nil {
			return idempotency.Result{}, err
		}
		u.Memo = memo
		issued := s.now().Unix()
		u.IssuedAt = issued
		u.DueAt = issued + int64(s.ttl(req).Seconds())
		signed, err := invoice.Sign(s.signer, u)
		if err != nil {
			return idempotency.Result{}, err
		}
		return idempotency.Result{ID: u.InvoiceID, Ops: []statestore.Op{s.orders.Set(u.InvoiceID, settlement.NewOrder(signed))}}, nil
	})
	if err != nil {
		return Created{}, err
	}
	order, ok := s.orders.Get(id)
	if !ok {
		return Created{}, apperr.New(apperr.KindInternal, "order_missing", "idempotency record points at a missing order")
	}
	if !replayed {
		log.Printf("merchant: invoice issued id=%s amount=%s", id, order.Invoice.Amount)
	}
	return Created{Order: order, Replayed: replayed}, nil
}

func (s *Service) draft(req CreateRequest) (invoice.Unsigned, error) {
	if _, ok := invoice.ParseAmount(req.Amount); !ok {
		return invoice.Unsigned{}, apperr.Validation("invalid_amount", "amount must be a base-unit integer string")
	}
	chainID := s.cfg.ChainID
	if req.ChainID != 0 && req.ChainID != chainID {
		return invoice.Unsigned{}, apperr.Validation("unsupported_chain", "merchant does not accept this chain").With("chainId", chainID)
	}
	recipient := s.cfg.Recipient
	if req.Recipient != "" {
		recipient = req.Recipient
	}
	token := s.cfg.Token
	if req.Token != "" {
		token = req.Token
	}
	items := make([]invoice.LineItem, 0, len(req.LineItems))
	for _, li := range req.LineItems {
		items = append(items, invoice.LineItem{
			ID:          li.ID,
			Title:       li.Title,
			Category:    li.Category,
			Quantity:    li.Quantity,
			UnitAmount:  li.UnitAmount,
			TotalAmount: li.TotalAmount,
		})
	}
	return invoice.Unsigned{
		Version:           invoice.Version,
		ChainID:           chainID,
		Merchant:          s.signer.Address(),
		Recipient:         recipient,
		Payer:             req.Payer,
		Token:             token,
		Amount:            req.Amount,
		Description:       strings.TrimSpace(req.Description),
		MerchantReference: req.MerchantReference,
		Purpose:           req.Purpose,
		LineItems:         items,
		Metadata:          req.Metadata,
	}, nil
}

func (s *Service) ttl(req CreateRequest) time.Duration {
	if req.DueInSeconds <= 0 {
		return s.cfg.InvoiceTTL
	}
	d := time.Duration(req.DueInSeconds) * time.Second
	if d > s.cfg.MaxInvoiceTTL {
		return s.cfg.MaxInvoiceTTL
	}
	return d
}

func (s *Service) GetOrder(invoiceID string) (settlement.Order, error) {
	o, ok := s.orders.Get(invoiceID)
	if !ok {
		return settlement.Order{}, apperr.NotFound("invoice_not_found", "invoice not found")
	}
	return o, nil
}

// ConfirmSettlement looks up txHash on the ledger and confirms the invoice
// when one of its transfer events pays it. No lock is held during the ledger
// fetch; the transition is re-checked under the invoice's lock before it is
// persisted. An unmatched transaction leaves the order pending.
func (s *Service) ConfirmSettlement(ctx context.Context, invoiceID, txHash string) (ConfirmResult, error) {
	tx, ok := ledger.NormalizeHash32(txHash)
	if !ok {
		return ConfirmResult{}, apperr.Validation("invalid_tx_hash", "txHash must be 0x-prefixed 32-byte hex")
	}
	order, err := s.GetOrder(invoiceID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if replayed, err := settlement.Precheck(order, tx); err != nil {
		return ConfirmResult{}, err
	} else if replayed {
		return result(invoiceID, order, true, true), nil
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	events, err := s.events.GetTransactionEvents(lctx, tx)
	cancel()
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return ConfirmResult{}, err
		}
		return ConfirmResult{}, apperr.TransientLedger("ledger_unavailable", err)
	}
	if _, ok := settlement.Match(order.Invoice, events); !ok {
		log.Printf("merchant: no matching transfer invoice=%s tx=%s events=%d", invoiceID, tx, len(events))
		return result(invoiceID, order, false, false), nil
	}

	unlock := s.locks.Lock(invoiceID)
	defer unlock()
	order, err = s.GetOrder(invoiceID)
	if err != nil {
		return ConfirmResult{}, err
	}
	updated, replayed, err := settlement.Confirm(order, tx, s.now())
	if err != nil {
		return ConfirmResult{}, err
	}
	if !replayed {
		if err := s.doc.Commit(ctx, s.orders.Set(invoiceID, updated)); err != nil {
			return ConfirmResult{}, err
		}
		log.Printf("merchant: settlement confirmed invoice=%s tx=%s", invoiceID, tx)
	}
	return result(invoiceID, updated, true, replayed), nil
}

func result(invoiceID string, o settlement.Order, matched, replayed bool) ConfirmResult {
	return ConfirmResult{
		InvoiceID:        invoiceID,
		Status:           o.Status,
		TxHash:           o.TxHash,
		ConfirmedAt:      o.ConfirmedAt,
		Matched:          matched,
		IdempotentReplay: replayed,
	}
}

func requestError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Wrap(apperr.KindValidation, "invalid_request", err)
	}
	fe := verrs[0]
	return apperr.Validation("invalid_request", fe.Namespace()+" failed "+fe.Tag()).With("field", fe.Field())
}
