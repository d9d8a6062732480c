package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindStructural      Kind = "STRUCTURAL_ERROR"
	KindSignature       Kind = "SIGNATURE_ERROR"
	KindPolicyViolation Kind = "POLICY_VIOLATION"
	KindValidation      Kind = "VALIDATION_ERROR"
	KindConflict        Kind = "CONFLICT"
	KindNotFound        Kind = "NOT_FOUND"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindTransientLedger Kind = "TRANSIENT_LEDGER_ERROR"
	KindUnauthorized    Kind = "UNAUTHORIZED"
	KindUnavailable     Kind = "UNAVAILABLE"
	KindInternal        Kind = "INTERNAL"
)

// Error is the single error type crossing package boundaries. Code is the
// machine-readable reason within a Kind (e.g. "amount_exceeds_max").
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// With attaches a detail entry and returns e for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func Structural(code, message string) *Error { return New(KindStructural, code, message) }

func Signature(code, message string) *Error { return New(KindSignature, code, message) }

func Policy(code, message string) *Error { return New(KindPolicyViolation, code, message) }

func Validation(code, message string) *Error { return New(KindValidation, code, message) }

func Conflict(code, message string) *Error { return New(KindConflict, code, message) }

func NotFound(code, message string) *Error { return New(KindNotFound, code, message) }

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Code: "rate_limited", Message: "rate limit exceeded", RetryAfter: retryAfter}
}

func TransientLedger(code string, err error) *Error { return Wrap(KindTransientLedger, code, err) }

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientLedger, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindStructural, KindValidation:
		return http.StatusBadRequest
	case KindSignature:
		return http.StatusUnprocessableEntity
	case KindPolicyViolation:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTransientLedger, KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindFromStatus is the inverse mapping used by HTTP clients.
func KindFromStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusUnprocessableEntity:
		return KindSignature
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindUnavailable
	default:
		return KindInternal
	}
}

var knownKinds = map[Kind]struct{}{
	KindStructural:      {},
	KindSignature:       {},
	KindPolicyViolation: {},
	KindValidation:      {},
	KindConflict:        {},
	KindNotFound:        {},
	KindRateLimited:     {},
	KindTransientLedger: {},
	KindUnauthorized:    {},
	KindUnavailable:     {},
	KindInternal:        {},
}

func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	_, ok := knownKinds[k]
	return k, ok
}
