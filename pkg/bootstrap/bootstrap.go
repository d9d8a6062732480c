// Package bootstrap wires process-level dependencies shared by the merchant
// and guardian servers: the state document backend and rate limiters.
package bootstrap

import (
	"context"
	"log"
	"time"

	"github.com/AdamBeaudoin/Agent-Checkout/pkg/db"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/ratelimit"
	"github.com/AdamBeaudoin/Agent-Checkout/pkg/statestore"
	"github.com/redis/go-redis/v9"
)

// OpenState returns a document persisted in Postgres when databaseURL is set,
// else in stateFile. Register collections on it, then call Load.
func OpenState(ctx context.Context, role, databaseURL, stateFile string) (*statestore.Document, func(), error) {
	if databaseURL == "" {
		log.Printf("%s: state file=%s", role, stateFile)
		return statestore.NewDocument(statestore.FilePersister{Path: stateFile}), func() {}, nil
	}
	pool, err := db.Connect(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	p := statestore.NewPGPersister(pool, role)
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Printf("%s: state in postgres", role)
	return statestore.NewDocument(p), pool.Close, nil
}

// Limiters hands out limiters backed by Redis when configured, else by
// process memory. Callers key checks with ratelimit.Key, so one limiter per
// quota is enough.
type Limiters struct {
	client *redis.Client
	prefix string
}

func OpenLimiters(ctx context.Context, redisURL, prefix string) (*Limiters, error) {
	if redisURL == "" {
		return &Limiters{prefix: prefix}, nil
	}
	client, err := ratelimit.DialRedis(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return &Limiters{client: client, prefix: prefix}, nil
}

func (l *Limiters) PerMinute(n int) ratelimit.Limiter {
	if l.client == nil {
		return ratelimit.NewFixedWindow(n, time.Minute)
	}
	return ratelimit.NewRedis(l.client, "rl:"+l.prefix+":", n, time.Minute)
}

func (l *Limiters) Close() {
	if l.client != nil {
		_ = l.client.Close()
	}
}
