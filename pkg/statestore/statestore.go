// Package statestore keeps keyed records in memory and persists every
// mutation as one JSON document through a Persister.
package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Document groups named collections persisted together.
type Document struct {
	mu          sync.Mutex
	persister   Persister
	collections map[string]snapshotter
}

type snapshotter interface {
	snapshot(pending []Op) (json.RawMessage, error)
	restore(raw json.RawMessage) error
}

func NewDocument(p Persister) *Document {
	return &Document{persister: p, collections: map[string]snapshotter{}}
}

// Load replaces the contents of every registered collection with the
// persisted document. Unknown top-level keys are ignored.
func (d *Document) Load(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	for name, c := range d.collections {
		part, ok := top[name]
		if !ok {
			continue
		}
		if err := c.restore(part); err != nil {
			return fmt.Errorf("decode state %s: %w", name, err)
		}
	}
	return nil
}

// Op is a staged mutation. It becomes visible to readers only after the
// Commit that carries it has been persisted.
type Op struct {
	target  snapshotter
	key     string
	value   any
	publish func()
}

// Commit encodes the document with ops applied on top of the current
// contents, persists it, and only then publishes ops to readers. If the
// write fails nothing changes and the error is returned.
func (d *Document) Commit(ctx context.Context, ops ...Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.persistLocked(ctx, ops); err != nil {
		return err
	}
	for _, op := range ops {
		op.publish()
	}
	return nil
}

func (d *Document) persistLocked(ctx context.Context, pending []Op) error {
	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	top := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		raw, err := d.collections[name].snapshot(pending)
		if err != nil {
			return fmt.Errorf("encode state %s: %w", name, err)
		}
		top[name] = raw
	}
	doc, err := json.MarshalIndent(top, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := d.persister.Save(ctx, doc); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Collection is a keyed map of V inside a Document.
type Collection[V any] struct {
	doc   *Document
	mu    sync.RWMutex
	items map[string]V
}

// NewCollection registers name in d. Register every collection before
// calling d.Load.
func NewCollection[V any](d *Document, name string) *Collection[V] {
	c := &Collection[V]{doc: d, items: map[string]V{}}
	d.mu.Lock()
	d.collections[name] = c
	d.mu.Unlock()
	return c
}

func (c *Collection[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *Collection[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Scan calls fn for each entry in key order until fn returns false.
func (c *Collection[V]) Scan(fn func(key string, v V) bool) {
	c.mu.RLock()
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]V, len(keys))
	for i, k := range keys {
		vals[i] = c.items[k]
	}
	c.mu.RUnlock()
	for i, k := range keys {
		if !fn(k, vals[i]) {
			return
		}
	}
}

// Put stores v under key and persists the document.
func (c *Collection[V]) Put(ctx context.Context, key string, v V) error {
	return c.doc.Commit(ctx, c.Set(key, v))
}

// Set stages a write for Document.Commit.
func (c *Collection[V]) Set(key string, v V) Op {
	return Op{target: c, key: key, value: v, publish: func() {
		c.mu.Lock()
		c.items[key] = v
		c.mu.Unlock()
	}}
}

// snapshot encodes the collection as it will be once pending is published.
func (c *Collection[V]) snapshot(pending []Op) (json.RawMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var staged map[string]V
	for _, op := range pending {
		if op.target != snapshotter(c) {
			continue
		}
		if staged == nil {
			staged = make(map[string]V, len(c.items)+len(pending))
			for k, v := range c.items {
				staged[k] = v
			}
		}
		staged[op.key] = op.value.(V)
	}
	if staged == nil {
		return json.Marshal(c.items)
	}
	return json.Marshal(staged)
}

func (c *Collection[V]) restore(raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	items := map[string]V{}
	if err := dec.Decode(&items); err != nil {
		return err
	}
	if items == nil {
		items = map[string]V{}
	}
	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
	return nil
}
