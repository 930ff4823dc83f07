// Package ledgersync implements the authoritative side of the ledger sync
// protocol: versioned transaction storage on PostgreSQL, the apply endpoint
// queued client mutations replay against, snapshot reads for cache refresh,
// and receipt blob storage.
package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service provides the core sync functionality. It owns no HTTP concerns;
// HTTPHandlers adapts it to the wire.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
	blobs  BlobStore

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName         string // Application name for status reporting
	PublicBaseURL   string // Base URL receipts are served from when stored in Postgres
	MaxApplyBatch   int    // Maximum items in a single apply request (0 = unlimited)
	MaxPayloadBytes int    // Maximum JSON payload size per item in bytes (0 = unlimited)
	MaxReceiptBytes int    // Maximum receipt blob size in bytes (0 = unlimited)

	// Blobs overrides where receipt blobs live. Nil means Postgres-backed
	// storage served from PublicBaseURL.
	Blobs BlobStore `json:"-"`
}

// NewService creates a sync service on an existing pool and initializes the
// ledger schema. The caller owns the pool lifecycle.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "go-ledgersync-app"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &Service{
		pool:   pool,
		logger: logger,
		config: config,
		blobs:  config.Blobs,
	}
	if service.blobs == nil {
		service.blobs = NewPgBlobStore(pool, config.PublicBaseURL)
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("failed to initialize database schema", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	return service, nil
}

// initializeSchemaInTx creates the ledger tables within an existing transaction.
func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS ledger`,

		// Authoritative transaction rows; version gates optimistic updates.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ledger.transactions (
			user_id        TEXT        NOT NULL,
			id             UUID        NOT NULL,
			amount         BIGINT      NOT NULL DEFAULT 0,
			occurred_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			category_id    TEXT,
			payee          TEXT,
			payment_method TEXT        NOT NULL DEFAULT '',
			notes          TEXT,
			receipt_url    TEXT,
			version        BIGINT      NOT NULL DEFAULT 1,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, id)
		)`,

		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_ledger_transactions_updated
			ON ledger.transactions (user_id, updated_at)`,

		// Idempotency log: one row per applied item, so redelivered items
		// answer with their original outcome.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ledger.apply_log (
			user_id     TEXT        NOT NULL,
			item_id     UUID        NOT NULL,
			device_id   TEXT        NOT NULL,
			op          TEXT        NOT NULL CHECK (op IN ('create','update','delete','upload_receipt')),
			tx_id       UUID        NOT NULL,
			new_version BIGINT      NOT NULL DEFAULT 0,
			receipt_url TEXT,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, item_id)
		)`,

		// Receipt blobs when Postgres-backed storage is in use.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ledger.receipts (
			user_id    TEXT        NOT NULL,
			receipt_id UUID        NOT NULL,
			tx_id      UUID        NOT NULL,
			mime       TEXT        NOT NULL,
			size       BIGINT      NOT NULL,
			blob       BYTEA       NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, receipt_id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run ledger migration: %w", err)
		}
	}
	return nil
}

// Close gracefully shuts down the sync service. Safe to call multiple
// times. It does NOT close the database pool - the caller owns it.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("sync service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
// This allows advanced users to execute custom queries
func (s *Service) Pool() *pgxpool.Pool {
	return s.pool
}

// checkClosed returns an error if the service has been closed
func (s *Service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}
