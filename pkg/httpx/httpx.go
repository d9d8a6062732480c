package httpx

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ratelimit"
	"github.com/google/uuid"
)

const MaxBodyBytes = 1 << 20

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a typed body, rejecting unknown fields. Untyped values
// inside dst keep their number text.
func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	return dec.Decode(dst)
}

// DecodeUntyped decodes a body into generic JSON values with numbers kept
// as json.Number, for the parse/validate gates.
func DecodeUntyped(r *http.Request) (any, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxBodyBytes {
		return nil, errors.New("request body too large")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON body")
	}
	return v, nil
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteAppError maps err onto the error envelope. The envelope code is the
// error kind; the specific reason goes in details.reason.
func WriteAppError(w http.ResponseWriter, err error) {
	e, ok := apperr.As(err)
	if !ok {
		log.Printf("internal error: %v", err)
		WriteError(w, http.StatusInternalServerError, string(apperr.KindInternal), "internal error", nil)
		return
	}
	status := apperr.HTTPStatus(e.Kind)
	if status >= 500 {
		log.Printf("request failed kind=%s code=%s err=%v", e.Kind, e.Code, e)
	}
	details := map[string]any{}
	for k, v := range e.Details {
		details[k] = v
	}
	if e.Code != "" {
		details["reason"] = e.Code
	}
	if e.RetryAfter > 0 {
		secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		details["retryAfterSeconds"] = secs
	}
	msg := e.Message
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	WriteError(w, status, string(e.Kind), msg, details)
}

func ParseBearer(authorization string) (string, bool) {
	const prefix = "Bearer "
	v := strings.TrimSpace(authorization)
	if !strings.HasPrefix(v, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(v, prefix))
	if tok == "" {
		return "", false
	}
	return tok, true
}

// RequireBearer checks the Authorization header against want in constant
// time and writes a 401 on mismatch. An empty want never authorizes.
func RequireBearer(w http.ResponseWriter, r *http.Request, want string) bool {
	tok, ok := ParseBearer(r.Header.Get("Authorization"))
	if !ok || want == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(want)) != 1 {
		WriteError(w, http.StatusUnauthorized, string(apperr.KindUnauthorized), "bearer token required", nil)
		return false
	}
	return true
}

type clientIPKey struct{}

// TrustProxies resolves the client address from X-Forwarded-For, but only for
// requests whose peer is one of trusted. The client is the rightmost hop that
// is not itself a trusted proxy. Other requests keep their peer address.
func TrustProxies(trusted map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip := forwardedClient(r, trusted); ip != "" {
				r = r.WithContext(context.WithValue(r.Context(), clientIPKey{}, ip))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(r *http.Request, trusted map[string]struct{}) string {
	if len(trusted) == 0 {
		return ""
	}
	if _, ok := trusted[strings.ToLower(peerHost(r))]; !ok {
		return ""
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, ok := trusted[strings.ToLower(hop)]; !ok {
			return hop
		}
	}
	return ""
}

// ClientIP is the address set by TrustProxies, else the connection peer.
// X-Forwarded-For is never read directly.
func ClientIP(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	if host := peerHost(r); host != "" {
		return host
	}
	return "unknown"
}

func peerHost(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// EnforceRateLimit admits the request under bucket for the client IP or
// answers 429 with Retry-After. Limiter errors fail open.
func EnforceRateLimit(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, bucket string) bool {
	if limiter == nil {
		return true
	}
	d, err := limiter.Check(r.Context(), ratelimit.Key(bucket, ClientIP(r)), time.Now().UTC())
	if err != nil {
		log.Printf("rate limit check failed bucket=%s err=%v", bucket, err)
		return true
	}
	if d.Allowed {
		return true
	}
	WriteAppError(w, apperr.RateLimited(time.Duration(d.RetryAfterSeconds)*time.Second))
	return false
}
