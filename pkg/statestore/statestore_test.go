package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type record struct {
	Name  string         `json:"name"`
	Extra map[string]any `json:"extra,omitempty"`
}

type memPersister struct {
	doc     []byte
	saves   int
	failErr error
}

func (m *memPersister) Load(context.Context) ([]byte, error) { return m.doc, nil }

func (m *memPersister) Save(_ context.Context, doc []byte) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.saves++
	m.doc = append([]byte(nil), doc...)
	return nil
}

func TestCollectionPutPersistsWholeDocument(t *testing.T) {
	p := &memPersister{}
	doc := NewDocument(p)
	orders := NewCollection[record](doc, "orders")
	idem := NewCollection[string](doc, "idempotency")
	ctx := context.Background()

	if err := orders.Put(ctx, "inv_1", record{Name: "first"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := doc.Commit(ctx, orders.Set("inv_2", record{Name: "second"}), idem.Set("key-1", "inv_2")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if p.saves != 2 {
		t.Fatalf("expected one save per mutation, got %d", p.saves)
	}
	var top map[string]map[string]json.RawMessage
	if err := json.Unmarshal(p.doc, &top); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(top["orders"]) != 2 || len(top["idempotency"]) != 1 {
		t.Fatalf("unexpected document %s", p.doc)
	}
}

func TestCommitLeavesStateOnPersistFailure(t *testing.T) {
	p := &memPersister{}
	doc := NewDocument(p)
	c := NewCollection[record](doc, "orders")
	ctx := context.Background()
	if err := c.Put(ctx, "inv_1", record{Name: "kept"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	p.failErr = errors.New("disk full")
	if err := c.Put(ctx, "inv_1", record{Name: "replaced"}); err == nil {
		t.Fatal("expected persist error")
	}
	if err := c.Put(ctx, "inv_2", record{Name: "new"}); err == nil {
		t.Fatal("expected persist error")
	}
	got, _ := c.Get("inv_1")
	if got.Name != "kept" {
		t.Fatalf("failed write replaced the stored value: %+v", got)
	}
	if _, ok := c.Get("inv_2"); ok {
		t.Fatal("failed insert is visible")
	}
}

// gatedPersister blocks Save until release is closed, then returns err.
type gatedPersister struct {
	entered chan struct{}
	release chan struct{}
	err     error
	doc     []byte
}

func (g *gatedPersister) Load(context.Context) ([]byte, error) { return nil, nil }

func (g *gatedPersister) Save(_ context.Context, doc []byte) error {
	g.doc = append([]byte(nil), doc...)
	close(g.entered)
	<-g.release
	return g.err
}

func TestCommitHidesWritesUntilPersisted(t *testing.T) {
	for _, tc := range []struct {
		name    string
		saveErr error
		visible bool
	}{
		{"persist fails", errors.New("disk full"), false},
		{"persist succeeds", nil, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := &gatedPersister{entered: make(chan struct{}), release: make(chan struct{}), err: tc.saveErr}
			doc := NewDocument(p)
			c := NewCollection[string](doc, "orders")

			done := make(chan error, 1)
			go func() { done <- c.Put(context.Background(), "inv_1", "confirmed") }()
			<-p.entered
			if v, ok := c.Get("inv_1"); ok {
				t.Fatalf("write visible while persisting: %q", v)
			}
			if !strings.Contains(string(p.doc), "confirmed") {
				t.Fatalf("persisted document lacks the staged write: %s", p.doc)
			}
			close(p.release)

			err := <-done
			if (err != nil) != (tc.saveErr != nil) {
				t.Fatalf("Put error = %v, want %v", err, tc.saveErr)
			}
			if _, ok := c.Get("inv_1"); ok != tc.visible {
				t.Fatalf("after commit present=%v, want %v", ok, tc.visible)
			}
		})
	}
}

func TestCommitAppliesOpsInOrder(t *testing.T) {
	p := &memPersister{}
	doc := NewDocument(p)
	c := NewCollection[string](doc, "orders")
	if err := doc.Commit(context.Background(), c.Set("inv_1", "pending"), c.Set("inv_1", "confirmed")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got, _ := c.Get("inv_1"); got != "confirmed" {
		t.Fatalf("expected last write to win, got %q", got)
	}
	if !strings.Contains(string(p.doc), "confirmed") || strings.Contains(string(p.doc), "pending") {
		t.Fatalf("unexpected document %s", p.doc)
	}
}

func TestLoadRestoresCollectionsWithNumbers(t *testing.T) {
	p := &memPersister{doc: []byte(`{"orders":{"inv_1":{"name":"a","extra":{"n":1.50}}},"legacy":{}}`)}
	doc := NewDocument(p)
	c := NewCollection[record](doc, "orders")
	if err := doc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := c.Get("inv_1")
	if !ok {
		t.Fatal("expected restored record")
	}
	n, ok := got.Extra["n"].(json.Number)
	if !ok || n.String() != "1.50" {
		t.Fatalf("expected number text preserved, got %#v", got.Extra["n"])
	}
}

func TestLoadEmptyAndNull(t *testing.T) {
	doc := NewDocument(&memPersister{doc: []byte(`{"orders":null}`)})
	c := NewCollection[record](doc, "orders")
	if err := doc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Put(context.Background(), "k", record{}); err != nil {
		t.Fatalf("Put after null restore: %v", err)
	}
	if err := NewDocument(&memPersister{}).Load(context.Background()); err != nil {
		t.Fatalf("Load of empty persister: %v", err)
	}
}

func TestScanIsOrderedAndStoppable(t *testing.T) {
	doc := NewDocument(&memPersister{})
	c := NewCollection[int](doc, "n")
	ctx := context.Background()
	for _, k := range []string{"c", "a", "b"} {
		if err := c.Put(ctx, k, len(k)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	var seen []string
	c.Scan(func(k string, _ int) bool {
		seen = append(seen, k)
		return k != "b"
	})
	if strings.Join(seen, ",") != "a,b" {
		t.Fatalf("unexpected scan order %v", seen)
	}
}

func TestFilePersisterAtomicReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "merchant-state.json")
	p := FilePersister{Path: path}
	ctx := context.Background()
	if b, err := p.Load(ctx); err != nil || b != nil {
		t.Fatalf("expected empty load, got %q %v", b, err)
	}
	if err := p.Save(ctx, []byte(`{"orders":{}}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := p.Save(ctx, []byte(`{"orders":{"a":1}}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := p.Load(ctx)
	if err != nil || string(b) != `{"orders":{"a":1}}` {
		t.Fatalf("unexpected content %q %v", b, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected temp files to be gone, found %d entries", len(entries))
	}

	doc := NewDocument(p)
	NewCollection[record](doc, "orders")
	if err := doc.Load(ctx); err == nil {
		t.Fatal("expected mistyped document to fail loading")
	}
}

type fakeRow struct {
	val string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.val
	return nil
}

type fakeDB struct {
	rows  map[string]string
	execs []string
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	if len(args) == 2 {
		f.rows[args[0].(string)] = args[1].(string)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	v, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{val: v}
}

func TestPGPersisterRoundTrip(t *testing.T) {
	db := &fakeDB{rows: map[string]string{}}
	p := NewPGPersister(db, "guardian")
	ctx := context.Background()
	if err := p.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if b, err := p.Load(ctx); err != nil || b != nil {
		t.Fatalf("expected missing row to load empty, got %q %v", b, err)
	}
	doc := NewDocument(p)
	policies := NewCollection[record](doc, "policies")
	if err := policies.Put(ctx, "0xabc", record{Name: "p"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.Contains(db.rows["guardian"], `"0xabc"`) {
		t.Fatalf("unexpected stored document %q", db.rows["guardian"])
	}

	reloaded := NewDocument(p)
	again := NewCollection[record](reloaded, "policies")
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, ok := again.Get("0xabc"); !ok || got.Name != "p" {
		t.Fatalf("unexpected reload %+v %v", got, ok)
	}
}
