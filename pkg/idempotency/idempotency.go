package idempotency

import (
	"context"
	"regexp"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/keylock"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/statestore"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// Record is what a used key maps to. Records are never expired.
type Record struct {
	RequestHash string `json:"requestHash"`
	InvoiceID   string `json:"invoiceId"`
	CreatedAt   int64  `json:"createdAt"`
}

// Result is produced by a compute step: the id of the created resource and
// the writes that must be committed together with the key's record.
type Result struct {
	ID  string
	Ops []statestore.Op
}

type Compute func(ctx context.Context) (Result, error)

type Store struct {
	doc     *statestore.Document
	records *statestore.Collection[Record]
	locks   *keylock.Locker
	now     func() time.Time
}

func New(doc *statestore.Document, records *statestore.Collection[Record], now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{doc: doc, records: records, locks: keylock.New(), now: now}
}

func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return apperr.Validation("invalid_idempotency_key", "Idempotency-Key must be 1-128 characters of [A-Za-z0-9_.:-]")
	}
	return nil
}

func (s *Store) Get(key string) (Record, bool) {
	return s.records.Get(key)
}

// RecordOrReplay runs compute at most once per key. A reused key with the
// same requestHash returns the stored id with replayed=true; with a different
// hash it is a conflict. Same-key callers are serialized, so a concurrent
// loser waits and then replays. If compute or the commit fails nothing is
// recorded. An empty key disables deduplication.
func (s *Store) RecordOrReplay(ctx context.Context, key, requestHash string, compute Compute) (string, bool, error) {
	if key == "" {
		res, err := compute(ctx)
		if err != nil {
			return "", false, err
		}
		if err := s.doc.Commit(ctx, res.Ops...); err != nil {
			return "", false, err
		}
		return res.ID, false, nil
	}
	if err := ValidateKey(key); err != nil {
		return "", false, err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	if rec, ok := s.records.Get(key); ok {
		if rec.RequestHash != requestHash {
			return "", false, apperr.Conflict("idempotency_key_reused", "Idempotency-Key was already used with a different request").
				With("invoiceId", rec.InvoiceID)
		}
		return rec.InvoiceID, true, nil
	}
	res, err := compute(ctx)
	if err != nil {
		return "", false, err
	}
	rec := Record{RequestHash: requestHash, InvoiceID: res.ID, CreatedAt: s.now().Unix()}
	ops := append(append([]statestore.Op(nil), res.Ops...), s.records.Set(key, rec))
	if err := s.doc.Commit(ctx, ops...); err != nil {
		return "", false, err
	}
	return res.ID, false, nil
}
