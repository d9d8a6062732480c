package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int64
}

// Limiter admits requests per key. Implementations may over-admit slightly
// under concurrent bursts but never deny a key that is under its quota.
type Limiter interface {
	Check(ctx context.Context, key string, now time.Time) (Decision, error)
}

// Key builds the window key for a bucket (endpoint class) and a client.
func Key(bucket, client string) string {
	client = strings.TrimSpace(client)
	if client == "" {
		client = "anonymous"
	}
	return bucket + ":" + client
}

const pruneThreshold = 4096

// FixedWindow is an in-process fixed-window counter.
type FixedWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	byKey  map[string]windowState
}

type windowState struct {
	resetAt time.Time
	count   int
}

func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		limit:  limit,
		window: window,
		byKey:  map[string]windowState{},
	}
}

func (l *FixedWindow) Check(_ context.Context, key string, now time.Time) (Decision, error) {
	if l == nil || l.limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.byKey[key]
	if !ok || !now.Before(cur.resetAt) {
		if !ok && len(l.byKey) >= pruneThreshold {
			l.prune(now)
		}
		l.byKey[key] = windowState{resetAt: now.Add(l.window), count: 1}
		return Decision{Allowed: true}, nil
	}
	if cur.count >= l.limit {
		return Decision{Allowed: false, RetryAfterSeconds: retryAfter(cur.resetAt.Sub(now))}, nil
	}
	cur.count++
	l.byKey[key] = cur
	return Decision{Allowed: true}, nil
}

func (l *FixedWindow) prune(now time.Time) {
	for k, st := range l.byKey {
		if !now.Before(st.resetAt) {
			delete(l.byKey, k)
		}
	}
}

// retryAfter rounds the remaining window up to whole seconds, minimum 1.
func retryAfter(remaining time.Duration) int64 {
	ms := remaining.Milliseconds()
	secs := (ms + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}
