package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Persister stores one whole JSON document. Load returns nil, nil when
// nothing has been saved yet.
type Persister interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, doc []byte) error
}

// FilePersister replaces the file atomically: write a temp file in the same
// directory, fsync, rename.
type FilePersister struct {
	Path string
}

func (p FilePersister) Load(_ context.Context) ([]byte, error) {
	b, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (p FilePersister) Save(_ context.Context, doc []byte) error {
	dir := filepath.Dir(p.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(p.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("state temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(doc); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, p.Path); err != nil {
		cleanup()
		return fmt.Errorf("replace state: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// DB is the part of *pgxpool.Pool used by PGPersister.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const Schema = `
CREATE TABLE IF NOT EXISTS state_documents (
  role       text PRIMARY KEY,
  document   jsonb NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
)`

// PGPersister keeps the document in the state_documents row for Role.
type PGPersister struct {
	DB   DB
	Role string
}

func NewPGPersister(db DB, role string) *PGPersister {
	return &PGPersister{DB: db, Role: role}
}

func (p *PGPersister) EnsureSchema(ctx context.Context) error {
	_, err := p.DB.Exec(ctx, Schema)
	return err
}

func (p *PGPersister) Load(ctx context.Context) ([]byte, error) {
	var doc string
	err := p.DB.QueryRow(ctx, `
SELECT document::text
FROM state_documents
WHERE role=$1
`, p.Role).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return []byte(doc), nil
}

func (p *PGPersister) Save(ctx context.Context, doc []byte) error {
	_, err := p.DB.Exec(ctx, `
INSERT INTO state_documents(role,document,updated_at)
VALUES($1,$2::jsonb,now())
ON CONFLICT (role) DO UPDATE SET document=EXCLUDED.document, updated_at=EXCLUDED.updated_at
`, p.Role, string(doc))
	return err
}
