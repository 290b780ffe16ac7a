package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DefaultQueryTimeout bounds every database call issued by the gateway.
const DefaultQueryTimeout = 30 * time.Second

// Stream names for coverage and stats rows. The blocks stream is keyed by
// block number, the milestones stream by sequence id.
const (
	StreamBlocks     = "blocks"
	StreamMilestones = "milestones"
)

// Store is the gateway to the time-series relational store. Every mutating
// operation is idempotent, so concurrent backfills and tip updates may
// interleave freely.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration

	// compressionThreshold is the age beyond which partitions are compressed
	// and therefore not updatable. Finality and priority-fee repair queries
	// carry a timestamp predicate derived from it.
	compressionThreshold time.Duration
}

// Open connects to the database and pings it.
func Open(databaseURL string, compressionThreshold time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	return NewStore(db, compressionThreshold), nil
}

// NewStore wraps an existing connection; used by tests.
func NewStore(db *sqlx.DB, compressionThreshold time.Duration) *Store {
	return &Store{
		db:                   db,
		timeout:              DefaultQueryTimeout,
		compressionThreshold: compressionThreshold,
	}
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// opCtx derives the per-call timeout context for a database operation.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}
