package checkoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/apperr"
)

const userAgent = "agent-checkout-go/0.1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

type transport struct {
	baseURL    string
	httpClient *http.Client
	token      string
	retry      RetryConfig
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*transport)

func WithHTTPClient(h *http.Client) Option {
	return func(t *transport) { t.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(t *transport) { t.retry = cfg }
}

// WithBearerToken authenticates privileged calls (confirmation, policy
// writes).
func WithBearerToken(token string) Option {
	return func(t *transport) { t.token = strings.TrimSpace(token) }
}

func newTransport(baseURL string, opts []Option) *transport {
	t := &transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      DefaultRetry(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.retry.MaxAttempts < 1 {
		t.retry.MaxAttempts = 1
	}
	if t.retry.BaseDelay <= 0 {
		t.retry.BaseDelay = 200 * time.Millisecond
	}
	if t.retry.MaxDelay <= 0 {
		t.retry.MaxDelay = 5 * time.Second
	}
	return t
}

// do sends one request, retrying network failures and 429/502/503/504 when
// retryable. The response body is decoded into out with UseNumber.
func (t *transport) do(ctx context.Context, method, path string, body any, headers map[string]string, auth, retryable bool, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return err
		}
	}
	attempts := 1
	if retryable {
		attempts = t.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if auth && t.token != "" {
			req.Header.Set("Authorization", "Bearer "+t.token)
		}
		resp, err := t.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < attempts {
				if serr := t.sleep(ctx, t.backoff(attempt, "")); serr != nil {
					return apperr.Wrap(apperr.KindUnavailable, "network_error", serr)
				}
				continue
			}
			return apperr.Wrap(apperr.KindUnavailable, "network_error", err)
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			dec := json.NewDecoder(bytes.NewReader(respBody))
			dec.UseNumber()
			if err := dec.Decode(out); err != nil {
				return apperr.Wrap(apperr.KindInternal, "invalid_response", err)
			}
			return nil
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			if serr := t.sleep(ctx, t.backoff(attempt, resp.Header.Get("Retry-After"))); serr != nil {
				return apperr.Wrap(apperr.KindUnavailable, "network_error", serr)
			}
			continue
		}
		return parseError(resp.StatusCode, resp.Header.Get("Retry-After"), respBody)
	}
	return fmt.Errorf("%s %s: no attempts made", method, path)
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func (t *transport) backoff(attempt int, retryAfter string) time.Duration {
	if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > t.retry.MaxDelay {
			d = t.retry.MaxDelay
		}
		return d
	}
	max := t.retry.BaseDelay << (attempt - 1)
	if max > t.retry.MaxDelay || max <= 0 {
		max = t.retry.MaxDelay
	}
	return rand.N(max) + 1
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseError turns an error envelope into an *apperr.Error. The envelope
// code is the kind; details.reason carries the specific code.
func parseError(status int, retryAfter string, body []byte) error {
	kind := apperr.KindFromStatus(status)
	out := &apperr.Error{Kind: kind, Code: strings.ToLower(string(kind)), Message: http.StatusText(status)}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		if msg := strings.TrimSpace(string(body)); msg != "" {
			out.Message = msg
		}
		return out
	}
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	if code, _ := obj["code"].(string); code != "" {
		if k, ok := apperr.ParseKind(code); ok {
			out.Kind = k
		}
		out.Code = strings.ToLower(code)
	}
	if msg, _ := obj["message"].(string); msg != "" {
		out.Message = msg
	}
	if d, ok := obj["details"].(map[string]any); ok {
		out.Details = d
		if reason, _ := d["reason"].(string); reason != "" {
			out.Code = reason
		}
	}
	if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && sec > 0 {
		out.RetryAfter = time.Duration(sec) * time.Second
	}
	return out
}
