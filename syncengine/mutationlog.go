// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// MutationLog is the append-only durable queue of pending local mutations.
// Rows live in _sync_pending_mutations; applied mutations are deleted, failed
// ones accumulate retry metadata until they hit the ceiling and become
// dead letters.
type MutationLog struct {
	db     *sql.DB
	cfg    *Config
	logger *slog.Logger
	now    func() time.Time
	jitter func() float64 // in [0,1)
}

// NewMutationLog creates a mutation log over an initialized database.
func NewMutationLog(db *sql.DB, cfg *Config, logger *slog.Logger) *MutationLog {
	return &MutationLog{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		jitter: rand.Float64,
	}
}

// EnqueueInTx appends a mutation to the log within an existing transaction.
// Coalescing rules (mirroring the one-row-per-PK queue of the original
// trigger-based design, but keeping FIFO across distinct intents):
//   - update over a queued pending create/update for the same record replaces
//     the queued payload in place, keeping the original mutation id so retried
//     pushes stay idempotent
//   - delete swallows all still-pending mutations for the record; a create
//     that never reached the server annihilates with the delete entirely
//
// Returns the id of the queued mutation and whether anything remains queued.
func (l *MutationLog) EnqueueInTx(ctx context.Context, tx *sql.Tx, m *PendingMutation) (queued bool, err error) {
	switch m.Operation {
	case OpUpdate:
		// Coalesce into the newest still-pending create/update for this record.
		var seq int64
		var id, op string
		err := tx.QueryRowContext(ctx, `
			SELECT seq, id, op FROM _sync_pending_mutations
			WHERE entity_type = ? AND record_id = ? AND status = 'pending'
			  AND op IN ('create','update')
			ORDER BY seq DESC LIMIT 1
		`, m.EntityType, m.RecordID).Scan(&seq, &id, &op)
		if err == nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE _sync_pending_mutations
				SET payload = ?, created_at = ?
				WHERE seq = ?
			`, string(m.Payload), formatTime(m.CreatedAt), seq)
			if err != nil {
				return false, fmt.Errorf("failed to coalesce update: %w", err)
			}
			m.ID = id
			return true, nil
		}
		if err != sql.ErrNoRows {
			return false, fmt.Errorf("failed to look up coalesce target: %w", err)
		}

	case OpDelete:
		// A pending create for a record the server never saw means the whole
		// history of this record is local; the pair annihilates.
		var neverPushed bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM _sync_pending_mutations
				WHERE entity_type = ? AND record_id = ? AND status = 'pending'
				  AND op = 'create' AND base_remote_version = ''
			) AND NOT EXISTS(
				SELECT 1 FROM _sync_pending_mutations
				WHERE entity_type = ? AND record_id = ? AND status = 'in_flight'
			)
		`, m.EntityType, m.RecordID, m.EntityType, m.RecordID).Scan(&neverPushed)
		if err != nil {
			return false, fmt.Errorf("failed to check annihilation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM _sync_pending_mutations
			WHERE entity_type = ? AND record_id = ? AND status = 'pending'
		`, m.EntityType, m.RecordID); err != nil {
			return false, fmt.Errorf("failed to supersede pending mutations: %w", err)
		}
		if neverPushed {
			return false, nil
		}
	}

	var payload any
	if m.Payload != nil {
		payload = string(m.Payload)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_pending_mutations
			(id, entity_type, record_id, op, payload, base_remote_version, created_at, retry_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 'pending')
	`, m.ID, m.EntityType, m.RecordID, m.Operation, payload, m.BaseRemoteVersion, formatTime(m.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	return true, nil
}

// ClaimBatch atomically selects up to maxSize eligible pending mutations and
// marks them in_flight. Only the head of each per-record queue is eligible,
// and never while another mutation for the same record is in flight. Expired
// leases are reclaimed first. Returns an empty batch when nothing is eligible.
func (l *MutationLog) ClaimBatch(ctx context.Context, maxSize int) ([]PendingMutation, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UTC()
	leaseCutoff := now.Add(-l.cfg.LeaseTimeout)

	// Reclaim leases from crashed or cancelled cycles.
	res, err := tx.ExecContext(ctx, `
		UPDATE _sync_pending_mutations
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'in_flight' AND claimed_at <= ?
	`, formatTime(leaseCutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		l.logger.Warn("reclaimed expired in-flight leases", "count", n)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT seq, id, entity_type, record_id, op, payload, base_remote_version,
		       created_at, retry_count, next_retry_at
		FROM _sync_pending_mutations p
		WHERE p.status = 'pending'
		  AND (p.next_retry_at IS NULL OR p.next_retry_at <= ?)
		  AND p.seq = (
			SELECT MIN(q.seq) FROM _sync_pending_mutations q
			WHERE q.entity_type = p.entity_type AND q.record_id = p.record_id
			  AND q.status IN ('pending','in_flight')
		  )
		ORDER BY p.seq
		LIMIT ?
	`, formatTime(now), maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable mutations: %w", err)
	}
	defer rows.Close()

	var batch []PendingMutation
	for rows.Next() {
		var m PendingMutation
		var payload, nextRetry sql.NullString
		var createdAt string
		if err := rows.Scan(&m.Seq, &m.ID, &m.EntityType, &m.RecordID, &m.Operation,
			&payload, &m.BaseRemoteVersion, &createdAt, &m.RetryCount, &nextRetry); err != nil {
			return nil, fmt.Errorf("failed to scan claimable mutation: %w", err)
		}
		if payload.Valid {
			m.Payload = []byte(payload.String)
		}
		m.CreatedAt = parseTime(createdAt)
		if nextRetry.Valid {
			m.NextRetryAt = parseTime(nextRetry.String)
		}
		m.Status = StatusInFlight
		m.ClaimedAt = now
		batch = append(batch, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimable mutations: %w", err)
	}
	rows.Close()

	for i := range batch {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_pending_mutations SET status = 'in_flight', claimed_at = ? WHERE seq = ?
		`, formatTime(now), batch[i].Seq); err != nil {
			return nil, fmt.Errorf("failed to claim mutation %s: %w", batch[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return batch, nil
}

// MarkAppliedInTx removes a confirmed mutation from the log. Replaying it for
// an already-applied id is a no-op. Returns the number of non-applied
// mutations still referencing the record, so the caller can decide whether
// the record is clean.
func (l *MutationLog) MarkAppliedInTx(ctx context.Context, tx *sql.Tx, id string) (remaining int, err error) {
	var entityType, recordID string
	err = tx.QueryRowContext(ctx, `
		SELECT entity_type, record_id FROM _sync_pending_mutations WHERE id = ?
	`, id).Scan(&entityType, &recordID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up mutation %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_pending_mutations WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to delete applied mutation %s: %w", id, err)
	}
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM _sync_pending_mutations
		WHERE entity_type = ? AND record_id = ? AND status != 'failed_permanent'
	`, entityType, recordID).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("failed to count remaining mutations: %w", err)
	}
	return remaining, nil
}

// DiscardInTx drops a mutation from the log without delivery (used when the
// reconciler decides remote state wins). Same no-op semantics as MarkApplied.
func (l *MutationLog) DiscardInTx(ctx context.Context, tx *sql.Tx, id string) (remaining int, err error) {
	return l.MarkAppliedInTx(ctx, tx, id)
}

// MarkFailed records a failed delivery attempt. Transient failures go back to
// pending with an exponential backoff schedule until the retry ceiling is
// exceeded; permanent failures move straight to the dead-letter set.
func (l *MutationLog) MarkFailed(ctx context.Context, id string, permanent bool, reason string) error {
	if permanent {
		_, err := l.db.ExecContext(ctx, `
			UPDATE _sync_pending_mutations
			SET status = 'failed_permanent', claimed_at = NULL, last_error = ?
			WHERE id = ?
		`, reason, id)
		if err != nil {
			return fmt.Errorf("failed to dead-letter mutation %s: %w", id, err)
		}
		l.logger.Error("mutation moved to dead-letter set", "mutation_id", id, "reason", reason)
		return nil
	}

	var retryCount int
	err := l.db.QueryRowContext(ctx, `
		SELECT retry_count FROM _sync_pending_mutations WHERE id = ?
	`, id).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read retry count for %s: %w", id, err)
	}

	retryCount++
	if retryCount > l.cfg.RetryCeiling {
		_, err := l.db.ExecContext(ctx, `
			UPDATE _sync_pending_mutations
			SET status = 'failed_permanent', retry_count = ?, claimed_at = NULL, last_error = ?
			WHERE id = ?
		`, retryCount, reason, id)
		if err != nil {
			return fmt.Errorf("failed to dead-letter mutation %s: %w", id, err)
		}
		l.logger.Error("retry ceiling exceeded, mutation moved to dead-letter set",
			"mutation_id", id, "retry_count", retryCount, "reason", reason)
		return nil
	}

	next := l.now().UTC().Add(l.backoffDelay(retryCount))
	_, err = l.db.ExecContext(ctx, `
		UPDATE _sync_pending_mutations
		SET status = 'pending', retry_count = ?, next_retry_at = ?, claimed_at = NULL, last_error = ?
		WHERE id = ?
	`, retryCount, formatTime(next), reason, id)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for %s: %w", id, err)
	}
	l.logger.Debug("mutation scheduled for retry",
		"mutation_id", id, "retry_count", retryCount, "next_retry_at", next)
	return nil
}

// backoffDelay computes the delay before the given retry attempt:
// exponential from BackoffBase, capped at BackoffCap, with ±20% jitter.
func (l *MutationLog) backoffDelay(retryCount int) time.Duration {
	d := l.cfg.BackoffBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= l.cfg.BackoffCap {
			d = l.cfg.BackoffCap
			break
		}
	}
	if d > l.cfg.BackoffCap {
		d = l.cfg.BackoffCap
	}
	factor := 0.8 + 0.4*l.jitter()
	return time.Duration(float64(d) * factor)
}

// Release returns claimed mutations to pending without counting a retry.
// Used when a cycle is cancelled before the remote call started, and when
// syncing pauses on an auth failure.
func (l *MutationLog) Release(ctx context.Context, ids []string) error {
	for _, id := range ids {
		_, err := l.db.ExecContext(ctx, `
			UPDATE _sync_pending_mutations
			SET status = 'pending', claimed_at = NULL
			WHERE id = ? AND status = 'in_flight'
		`, id)
		if err != nil {
			return fmt.Errorf("failed to release mutation %s: %w", id, err)
		}
	}
	return nil
}

// PendingCount returns the number of pending plus in-flight mutations.
func (l *MutationLog) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM _sync_pending_mutations WHERE status IN ('pending','in_flight')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return n, nil
}

// ListPending returns pending and in-flight mutations in queue order.
func (l *MutationLog) ListPending(ctx context.Context) ([]PendingMutation, error) {
	return l.list(ctx, `status IN ('pending','in_flight')`)
}

// DeadLetters returns mutations that exhausted their retries, in queue order.
func (l *MutationLog) DeadLetters(ctx context.Context) ([]PendingMutation, error) {
	return l.list(ctx, `status = 'failed_permanent'`)
}

// RetryDeadLetter resets a dead-letter mutation to pending with a fresh retry
// budget. Explicit user action per the error-handling contract.
func (l *MutationLog) RetryDeadLetter(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE _sync_pending_mutations
		SET status = 'pending', retry_count = 0, next_retry_at = NULL, last_error = NULL
		WHERE id = ? AND status = 'failed_permanent'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to retry dead letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ValidationError{Field: "id", Reason: "no dead-letter mutation with this id"}
	}
	return nil
}

// DiscardDeadLetter drops a dead-letter mutation for good.
func (l *MutationLog) DiscardDeadLetter(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM _sync_pending_mutations WHERE id = ? AND status = 'failed_permanent'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to discard dead letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ValidationError{Field: "id", Reason: "no dead-letter mutation with this id"}
	}
	return nil
}

func (l *MutationLog) list(ctx context.Context, where string) ([]PendingMutation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, id, entity_type, record_id, op, payload, base_remote_version,
		       created_at, retry_count, next_retry_at, status, claimed_at, last_error
		FROM _sync_pending_mutations
		WHERE `+where+`
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var out []PendingMutation
	for rows.Next() {
		var m PendingMutation
		var payload, nextRetry, claimedAt, lastError sql.NullString
		var createdAt string
		if err := rows.Scan(&m.Seq, &m.ID, &m.EntityType, &m.RecordID, &m.Operation,
			&payload, &m.BaseRemoteVersion, &createdAt, &m.RetryCount,
			&nextRetry, &m.Status, &claimedAt, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		if payload.Valid {
			m.Payload = []byte(payload.String)
		}
		m.CreatedAt = parseTime(createdAt)
		if nextRetry.Valid {
			m.NextRetryAt = parseTime(nextRetry.String)
		}
		if claimedAt.Valid {
			m.ClaimedAt = parseTime(claimedAt.String)
		}
		if lastError.Valid {
			m.LastError = lastError.String
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
