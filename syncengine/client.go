// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

// Package syncengine implements the offline-first synchronization core of the
// almoxerifado client: a durable local snapshot of every tracked record, an
// append-only mutation log for changes made while offline, and an
// orchestrated reconcile-and-push loop that reconverges with the remote
// backend once connectivity returns.
package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Config holds tuning knobs for the sync engine.
type Config struct {
	Entities          []string      // tracked entity types, e.g. item, transfer, user, obra
	BatchSize         int           // mutations claimed per drain pass
	SyncInterval      time.Duration // periodic trigger while online
	RequestTimeout    time.Duration // per remote call
	CommitConcurrency int           // parallel in-flight remote calls
	RetryCeiling      int           // transient failures before dead-letter
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	LeaseTimeout      time.Duration // in_flight claims older than this are reclaimable
}

// DefaultConfig returns the engine defaults for the given entity types.
func DefaultConfig(entities []string) *Config {
	return &Config{
		Entities:          entities,
		BatchSize:         25,
		SyncInterval:      30 * time.Second,
		RequestTimeout:    15 * time.Second,
		CommitConcurrency: 4,
		RetryCeiling:      5,
		BackoffBase:       2 * time.Second,
		BackoffCap:        5 * time.Minute,
		LeaseTimeout:      60 * time.Second,
	}
}

// Client is the engine facade handed to the UI layer. All mutation of the
// mutation log and snapshot store goes through it or the orchestrator; no
// other component touches their storage directly.
type Client struct {
	DB       *sql.DB
	Remote   RemoteAPI
	SourceID string

	config   *Config
	logger   *slog.Logger
	validate *validator.Validate

	log  *MutationLog
	snap *SnapshotStore
	orch *Orchestrator

	// writeMu serializes local writes against commit-phase writes so a claim
	// never observes a half-written mutation and a local edit never
	// interleaves with a remote-outcome write to the same record.
	writeMu sync.Mutex

	entities map[string]struct{}

	runMu     sync.Mutex
	runCancel context.CancelFunc
}

// NewClient initializes the sync schema on db and wires the engine together.
// In-flight mutations found in the log (from a crashed process) are reset to
// pending.
func NewClient(db *sql.DB, remote RemoteAPI, config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(config.Entities) == 0 {
		return nil, fmt.Errorf("config.Entities must list at least one entity type")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	sourceID, err := ensureSourceID(db)
	if err != nil {
		return nil, err
	}

	c := &Client{
		DB:       db,
		Remote:   remote,
		SourceID: sourceID,
		config:   config,
		logger:   logger,
		validate: validator.New(),
		entities: make(map[string]struct{}, len(config.Entities)),
	}
	for _, e := range config.Entities {
		c.entities[e] = struct{}{}
	}

	c.log = NewMutationLog(db, config, logger)
	c.snap = NewSnapshotStore(db, logger)
	rec := NewReconciler(nil, logger)
	c.orch = NewOrchestrator(db, c.log, c.snap, remote, rec, &c.writeMu, config, logger)
	return c, nil
}

// initializeDatabase creates the sync metadata tables and recovers from a
// crashed process: any in_flight mutation found at startup is treated as
// lease-expired and reset to pending.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Device info (one row)
		`CREATE TABLE IF NOT EXISTS _sync_device_info (
			source_id  TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		// Pending mutation queue, FIFO per (entity_type, record_id) by seq
		`CREATE TABLE IF NOT EXISTS _sync_pending_mutations (
			seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
			id                  TEXT NOT NULL UNIQUE,
			entity_type         TEXT NOT NULL,
			record_id           TEXT NOT NULL,
			op                  TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload             TEXT,
			base_remote_version TEXT NOT NULL DEFAULT '',
			created_at          TEXT NOT NULL,
			retry_count         INTEGER NOT NULL DEFAULT 0,
			next_retry_at       TEXT,
			status              TEXT NOT NULL DEFAULT 'pending'
			                    CHECK (status IN ('pending','in_flight','failed_permanent')),
			claimed_at          TEXT,
			last_error          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_pending_record
			ON _sync_pending_mutations(entity_type, record_id, seq)`,

		// Believed current state of every record
		`CREATE TABLE IF NOT EXISTS _sync_records (
			entity_type    TEXT NOT NULL,
			record_id      TEXT NOT NULL,
			fields         TEXT NOT NULL,
			sync_state     TEXT NOT NULL DEFAULT 'clean'
			               CHECK (sync_state IN ('clean','dirty','conflict')),
			local_version  INTEGER NOT NULL DEFAULT 0,
			remote_version TEXT NOT NULL DEFAULT '',
			updated_at     TEXT NOT NULL,
			PRIMARY KEY (entity_type, record_id)
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	if _, err := db.Exec(`
		UPDATE _sync_pending_mutations SET status = 'pending', claimed_at = NULL
		WHERE status = 'in_flight'
	`); err != nil {
		return fmt.Errorf("failed to recover in-flight mutations: %w", err)
	}
	return nil
}

// ensureSourceID generates and persists a device id on first run.
func ensureSourceID(db *sql.DB) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _sync_device_info LIMIT 1`).Scan(&sourceID)
	if err == sql.ErrNoRows {
		sourceID = uuid.New().String()
		if _, err := db.Exec(`INSERT INTO _sync_device_info (source_id, created_at) VALUES (?, ?)`,
			sourceID, formatTime(time.Now())); err != nil {
			return "", fmt.Errorf("failed to persist source id: %w", err)
		}
		return sourceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query device info: %w", err)
	}
	return sourceID, nil
}

// Start launches the orchestrator loop, consuming the given connectivity
// stream. Returns a stop function; Stop is also available on the client.
func (c *Client) Start(ctx context.Context, connectivity <-chan bool) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.runCancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	go c.orch.Run(runCtx, connectivity)
}

// Stop cancels the orchestrator loop. In-flight remote calls complete;
// already-committed outcomes remain committed; unstarted claims are released
// or recovered by lease timeout.
func (c *Client) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
}

// EnqueueLocalChange records a locally made mutation: writes the believed
// state to the snapshot store (dirty) and appends to the mutation log in one
// transaction. Returns the mutation id used as the idempotency key for the
// eventual push. A delete of a record the server never saw cancels out the
// queued create and returns with nothing queued.
func (c *Client) EnqueueLocalChange(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := c.validate.Struct(req); err != nil {
		return "", &ValidationError{Reason: err.Error()}
	}
	if _, ok := c.entities[req.EntityType]; !ok {
		return "", &ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unrecognized entity type %q", req.EntityType)}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	// The remote version observed now becomes the conflict-detection baseline
	// for this mutation.
	baseVersion := ""
	if rec, err := c.snap.GetInTx(ctx, tx, req.EntityType, req.RecordID); err == nil {
		baseVersion = rec.RemoteVersion
	} else if err != ErrNotFound {
		return "", err
	}

	m := &PendingMutation{
		ID:                uuid.New().String(),
		EntityType:        req.EntityType,
		RecordID:          req.RecordID,
		Operation:         req.Operation,
		Payload:           req.Payload,
		BaseRemoteVersion: baseVersion,
		CreatedAt:         time.Now().UTC(),
	}

	queued, err := c.log.EnqueueInTx(ctx, tx, m)
	if err != nil {
		return "", err
	}

	switch {
	case !queued:
		// create+delete annihilated while offline; the record never existed
		// anywhere but here.
		if err := c.snap.DeleteInTx(ctx, tx, req.EntityType, req.RecordID); err != nil {
			return "", err
		}
	case req.Operation == OpDelete:
		if err := c.snap.SetSyncStateInTx(ctx, tx, req.EntityType, req.RecordID, SyncDirty); err != nil {
			return "", err
		}
	default:
		if err := c.snap.PutLocalInTx(ctx, tx, req.EntityType, req.RecordID, req.Payload); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit enqueue transaction: %w", err)
	}

	c.logger.Debug("local change enqueued",
		"entity_type", req.EntityType, "record_id", req.RecordID,
		"op", req.Operation, "mutation_id", m.ID, "queued", queued)

	// Nudge the orchestrator; while offline the trigger is a no-op.
	c.orch.Trigger()
	return m.ID, nil
}

// GetRecord returns the current believed state of one record.
func (c *Client) GetRecord(ctx context.Context, entityType, recordID string) (*LocalRecord, error) {
	return c.snap.Get(ctx, entityType, recordID)
}

// ListRecords returns every believed record of one entity type.
func (c *Client) ListRecords(ctx context.Context, entityType string) ([]LocalRecord, error) {
	return c.snap.ListByEntityType(ctx, entityType)
}

// ListPending returns all not-yet-confirmed mutations in queue order.
func (c *Client) ListPending(ctx context.Context) ([]PendingMutation, error) {
	return c.log.ListPending(ctx)
}

// ListDeadLetters returns mutations that exhausted their retries and await
// explicit user action.
func (c *Client) ListDeadLetters(ctx context.Context) ([]PendingMutation, error) {
	return c.log.DeadLetters(ctx)
}

// RetryDeadLetter puts a dead-letter mutation back in the queue.
func (c *Client) RetryDeadLetter(ctx context.Context, id string) error {
	return c.log.RetryDeadLetter(ctx, id)
}

// DiscardDeadLetter drops a dead-letter mutation permanently.
func (c *Client) DiscardDeadLetter(ctx context.Context, id string) error {
	return c.log.DiscardDeadLetter(ctx, id)
}

// ForceSyncNow runs a full sync cycle synchronously (e.g. pull-to-refresh).
// Returns ErrSyncPaused while syncing is paused.
func (c *Client) ForceSyncNow(ctx context.Context) error {
	return c.orch.RunCycle(ctx)
}

// PauseSync suspends sync cycles.
func (c *Client) PauseSync() { c.orch.Pause() }

// ResumeSync re-enables sync cycles (e.g. after re-authentication).
func (c *Client) ResumeSync() { c.orch.Resume() }

// SyncPaused reports whether syncing is suspended, including the automatic
// pause after an authentication failure.
func (c *Client) SyncPaused() bool { return c.orch.Paused() }

// SubscribeStatus registers a callback for sync-cycle status transitions.
func (c *Client) SubscribeStatus(fn func(status string)) { c.orch.SubscribeStatus(fn) }

// SubscribeConflicts registers a callback for conflict notifications.
func (c *Client) SubscribeConflicts(fn func(ConflictNotification)) { c.orch.SubscribeConflicts(fn) }

// Stats returns queue and snapshot counters for observability.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := c.DB.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'in_flight' THEN 1 END),
			COUNT(CASE WHEN status = 'failed_permanent' THEN 1 END)
		FROM _sync_pending_mutations
	`).Scan(&s.Pending, &s.InFlight, &s.DeadLetters)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	if s.Dirty, err = c.snap.DirtyCount(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

// Hydrate pulls every server record of the configured entity types into the
// snapshot store. Records with unconfirmed local edits are left alone so
// hydration never clobbers offline work.
func (c *Client) Hydrate(ctx context.Context) error {
	for _, entity := range c.config.Entities {
		records, err := c.Remote.List(ctx, entity)
		if err != nil {
			return fmt.Errorf("hydration of %s failed: %w", entity, err)
		}

		c.writeMu.Lock()
		err = func() error {
			tx, err := c.DB.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("failed to begin hydration transaction: %w", err)
			}
			defer tx.Rollback()

			for i := range records {
				rec := &records[i]
				existing, err := c.snap.GetInTx(ctx, tx, entity, rec.ID)
				if err != nil && err != ErrNotFound {
					return err
				}
				if existing != nil && existing.SyncState != SyncClean {
					continue
				}
				if err := c.snap.PutRemoteInTx(ctx, tx, entity, rec.ID, rec.Fields, rec.RemoteVersion(), SyncClean); err != nil {
					return err
				}
			}
			return tx.Commit()
		}()
		c.writeMu.Unlock()
		if err != nil {
			return err
		}
		c.logger.Info("hydrated entity type", "entity_type", entity, "records", len(records))
	}
	return nil
}
