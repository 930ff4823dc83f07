// Package ledgersqlite implements the offline mutation queue and
// conflict-resolution engine of the ledger client.
//
// Edits apply to the local SQLite store optimistically and enqueue durable
// mutation descriptors. A drain loop replays pending descriptors against the
// authoritative store through an Applier; version collisions become conflict
// records that a user resolves with keep-mine, keep-server, or a per-field
// merge.
package ledgersqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors returned by engine operations.
var (
	ErrNotFound     = errors.New("not found")
	ErrClosed       = errors.New("client is closed")
	ErrEmptyPatch   = errors.New("update patch touches no fields")
	ErrNotRemovable = errors.New("queue item is not in error status")
	ErrCannotMerge  = errors.New("conflict cannot be merged field by field")
)

// Client owns the local record store, the sync queue, the conflict store and
// the receipt blob store, all inside one SQLite database.
type Client struct {
	DB      *sql.DB
	Applier Applier

	UserID   string
	DeviceID string

	config  *Config
	logger  *slog.Logger
	writeMu sync.Mutex // serializes every logical mutation against the stores

	hub     *hintHub
	drainCh chan struct{}

	loopMu   sync.Mutex
	loopStop context.CancelFunc
	loopDone chan struct{}
}

// Config holds tunables for the engine.
type Config struct {
	DrainLimit    int           // max items handed to the applier per pass
	BackoffMin    time.Duration // first delay after a failed pass
	BackoffMax    time.Duration // backoff ceiling
	DoneRetention time.Duration // how long done items stay visible as history
	Logger        *slog.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		DrainLimit:    100,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
		DoneRetention: 24 * time.Hour,
	}
}

// NewClient initializes the store schema and returns a ready engine.
// Items left in processing status by a crash are reset to pending.
func NewClient(db *sql.DB, userID string, applier Applier, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}

	// One connection keeps every transaction serialized alongside writeMu.
	db.SetMaxOpenConns(1)

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deviceID, err := ensureDeviceID(db, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure device id: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		DB:       db,
		Applier:  applier,
		UserID:   userID,
		DeviceID: deviceID,
		config:   config,
		logger:   logger,
		hub:      newHintHub(),
		drainCh:  make(chan struct{}, 1),
	}

	if err := c.recoverProcessing(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to recover processing items: %w", err)
	}

	return c, nil
}

// ensureDeviceID generates and persists a device ID if not already present.
func ensureDeviceID(db *sql.DB, userID string) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _ledger_client_info WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _ledger_client_info (user_id, device_id)
			VALUES (?, ?)
		`, userID, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

// initializeDatabase creates the record, queue, conflict and receipt tables.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id              TEXT PRIMARY KEY,               -- client-generated UUIDv4
			remote_id       TEXT,                           -- server id once known
			amount          INTEGER NOT NULL DEFAULT 0,     -- minor units
			occurred_at     TEXT NOT NULL,
			category_id     TEXT,
			payee           TEXT,
			payment_method  TEXT NOT NULL DEFAULT '',
			notes           TEXT,
			pending         INTEGER NOT NULL DEFAULT 0,
			conflict        INTEGER NOT NULL DEFAULT 0,
			base_version    INTEGER NOT NULL DEFAULT 0,     -- 0 = never synced
			last_synced_at  TEXT,
			receipt_url     TEXT,
			receipt_pending INTEGER NOT NULL DEFAULT 0,
			deleted         INTEGER NOT NULL DEFAULT 0      -- delete awaiting server commit
		)`,

		`CREATE INDEX IF NOT EXISTS idx_transactions_remote_id ON transactions(remote_id)`,

		// Sync queue, drained strictly in seq order.
		`CREATE TABLE IF NOT EXISTS _ledger_queue (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id       TEXT NOT NULL UNIQUE,
			op            TEXT NOT NULL CHECK (op IN ('create','update','delete','upload_receipt')),
			local_id      TEXT,
			remote_id     TEXT,
			payload       TEXT,                             -- JSON, shape depends on op
			base_version  INTEGER,                          -- NULL = no precondition
			unconditional INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL DEFAULT 'pending'
			              CHECK (status IN ('pending','processing','error','conflict','done')),
			error         TEXT,
			created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_ledger_queue_status ON _ledger_queue(status)`,

		// Conflict store; the primary key enforces one record per transaction.
		`CREATE TABLE IF NOT EXISTS _ledger_conflicts (
			tx_id             TEXT PRIMARY KEY,
			op                TEXT NOT NULL,
			my_payload        TEXT,
			my_base_version   INTEGER,
			server_payload    TEXT NOT NULL,
			server_version    INTEGER NOT NULL,
			server_updated_at TEXT NOT NULL,
			decided           TEXT CHECK (decided IN ('mine','server','merge')),
			created_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Receipt blobs, content-addressed by a generated key.
		`CREATE TABLE IF NOT EXISTS _ledger_receipts (
			receipt_key TEXT PRIMARY KEY,
			blob        BLOB NOT NULL,
			mime        TEXT NOT NULL,
			size        INTEGER NOT NULL,
			tx_id       TEXT NOT NULL,
			created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS _ledger_client_info (
			user_id         TEXT NOT NULL,
			device_id       TEXT NOT NULL,
			last_refresh_at TEXT,
			PRIMARY KEY (user_id)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create ledger table: %w", err)
		}
	}

	return nil
}

// recoverProcessing resets items stranded in processing by a crash between
// claiming an item and recording its outcome.
func (c *Client) recoverProcessing(ctx context.Context) error {
	res, err := c.DB.ExecContext(ctx, `
		UPDATE _ledger_queue
		SET status = 'pending', updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = 'processing'
	`)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		c.logger.Warn("reset stranded processing items", "count", n)
	}
	return nil
}

// Start launches the background drain loop. The loop runs until the context
// is canceled or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.loopStop != nil {
		return fmt.Errorf("drain loop already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.loopStop = cancel
	c.loopDone = make(chan struct{})
	go c.drainLoop(loopCtx, c.loopDone)
	return nil
}

// Stop halts the background drain loop and waits for it to exit.
func (c *Client) Stop(ctx context.Context) error {
	c.loopMu.Lock()
	stop := c.loopStop
	done := c.loopDone
	c.loopStop = nil
	c.loopDone = nil
	c.loopMu.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestDrain asks the drain loop to attempt a pass soon. It never blocks;
// external triggers (connectivity restored, user action) call this.
func (c *Client) RequestDrain() {
	select {
	case c.drainCh <- struct{}{}:
	default:
	}
}

// Subscribe registers for advisory hints. The returned cancel func must be
// called when the subscriber goes away.
func (c *Client) Subscribe() (<-chan Hint, func()) {
	return c.hub.subscribe()
}

func (c *Client) publish(h Hint) {
	c.hub.publish(h)
}

// Close stops the drain loop and closes the hint bus. The database handle
// stays open; the caller owns it.
func (c *Client) Close() error {
	if err := c.Stop(context.Background()); err != nil {
		return err
	}
	c.hub.close()
	return nil
}

// sqliteTimeLayout matches strftime('%Y-%m-%dT%H:%M:%fZ','now').
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
