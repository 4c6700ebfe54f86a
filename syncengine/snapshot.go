// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// SnapshotStore holds the client's current believed state of every record
// (_sync_records). Local writes bump local_version and mark the row dirty;
// writes originating from confirmed remote data mark it clean and record the
// observed remote version.
type SnapshotStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSnapshotStore creates a snapshot store over an initialized database.
func NewSnapshotStore(db *sql.DB, logger *slog.Logger) *SnapshotStore {
	return &SnapshotStore{db: db, logger: logger, now: time.Now}
}

// Get returns the believed state of one record, or ErrNotFound.
func (s *SnapshotStore) Get(ctx context.Context, entityType, recordID string) (*LocalRecord, error) {
	return s.get(ctx, s.db.QueryRowContext, entityType, recordID)
}

// GetInTx is Get within an existing transaction.
func (s *SnapshotStore) GetInTx(ctx context.Context, tx *sql.Tx, entityType, recordID string) (*LocalRecord, error) {
	return s.get(ctx, tx.QueryRowContext, entityType, recordID)
}

type queryRowFunc func(ctx context.Context, query string, args ...any) *sql.Row

func (s *SnapshotStore) get(ctx context.Context, queryRow queryRowFunc, entityType, recordID string) (*LocalRecord, error) {
	var rec LocalRecord
	var fields string
	err := queryRow(ctx, `
		SELECT entity_type, record_id, fields, sync_state, local_version, remote_version
		FROM _sync_records
		WHERE entity_type = ? AND record_id = ?
	`, entityType, recordID).Scan(&rec.EntityType, &rec.ID, &fields, &rec.SyncState, &rec.LocalVersion, &rec.RemoteVersion)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", entityType, recordID, err)
	}
	rec.Fields = json.RawMessage(fields)
	return &rec, nil
}

// PutLocalInTx writes a locally originated edit: merges fields over the
// current believed state, bumps local_version and marks the row dirty.
// Callers hold the engine write lock, so local_version is a total order per
// record.
func (s *SnapshotStore) PutLocalInTx(ctx context.Context, tx *sql.Tx, entityType, recordID string, fields json.RawMessage) error {
	merged, err := s.mergeFieldsInTx(ctx, tx, entityType, recordID, fields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_records (entity_type, record_id, fields, sync_state, local_version, remote_version, updated_at)
		VALUES (?, ?, ?, 'dirty', 1, '', ?)
		ON CONFLICT(entity_type, record_id) DO UPDATE SET
			fields = excluded.fields,
			sync_state = 'dirty',
			local_version = local_version + 1,
			updated_at = excluded.updated_at
	`, entityType, recordID, string(merged), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to put local record %s/%s: %w", entityType, recordID, err)
	}
	return nil
}

// PutRemoteInTx writes confirmed remote state: replaces fields, records the
// remote version and marks the row with the given sync state (clean after a
// push or pull, conflict when a discarded local edit must stay observable).
func (s *SnapshotStore) PutRemoteInTx(ctx context.Context, tx *sql.Tx, entityType, recordID string, fields json.RawMessage, remoteVersion, syncState string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_records (entity_type, record_id, fields, sync_state, local_version, remote_version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(entity_type, record_id) DO UPDATE SET
			fields = excluded.fields,
			sync_state = excluded.sync_state,
			local_version = local_version + 1,
			remote_version = excluded.remote_version,
			updated_at = excluded.updated_at
	`, entityType, recordID, string(fields), syncState, remoteVersion, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to put remote record %s/%s: %w", entityType, recordID, err)
	}
	return nil
}

// SetSyncStateInTx transitions the sync flag of one record.
func (s *SnapshotStore) SetSyncStateInTx(ctx context.Context, tx *sql.Tx, entityType, recordID, state string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_records SET sync_state = ?, updated_at = ? WHERE entity_type = ? AND record_id = ?
	`, state, formatTime(s.now()), entityType, recordID)
	if err != nil {
		return fmt.Errorf("failed to set sync state for %s/%s: %w", entityType, recordID, err)
	}
	return nil
}

// DeleteInTx removes a record from the snapshot.
func (s *SnapshotStore) DeleteInTx(ctx context.Context, tx *sql.Tx, entityType, recordID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_records WHERE entity_type = ? AND record_id = ?
	`, entityType, recordID)
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", entityType, recordID, err)
	}
	return nil
}

// ListDirty returns every record with at least one unconfirmed local
// mutation, oldest first.
func (s *SnapshotStore) ListDirty(ctx context.Context) ([]LocalRecord, error) {
	return s.list(ctx, `sync_state = 'dirty'`, nil)
}

// ListByEntityType returns every record of one entity type.
func (s *SnapshotStore) ListByEntityType(ctx context.Context, entityType string) ([]LocalRecord, error) {
	return s.list(ctx, `entity_type = ?`, []any{entityType})
}

// AckConflicts flips conflict-tagged records back to clean. The orchestrator
// calls this at the start of a cycle so a discard stays observable for
// exactly one cycle.
func (s *SnapshotStore) AckConflicts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE _sync_records SET sync_state = 'clean', updated_at = ?
		WHERE sync_state = 'conflict'
		  AND NOT EXISTS (
			SELECT 1 FROM _sync_pending_mutations p
			WHERE p.entity_type = _sync_records.entity_type
			  AND p.record_id = _sync_records.record_id
			  AND p.status IN ('pending','in_flight')
		  )
	`, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to acknowledge conflicts: %w", err)
	}
	return nil
}

// DirtyCount returns the number of dirty records.
func (s *SnapshotStore) DirtyCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM _sync_records WHERE sync_state = 'dirty'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dirty records: %w", err)
	}
	return n, nil
}

func (s *SnapshotStore) list(ctx context.Context, where string, args []any) ([]LocalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, record_id, fields, sync_state, local_version, remote_version
		FROM _sync_records
		WHERE `+where+`
		ORDER BY updated_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []LocalRecord
	for rows.Next() {
		var rec LocalRecord
		var fields string
		if err := rows.Scan(&rec.EntityType, &rec.ID, &fields, &rec.SyncState, &rec.LocalVersion, &rec.RemoteVersion); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Fields = json.RawMessage(fields)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

// mergeFieldsInTx overlays new fields on the current believed state so a
// partial local edit does not drop fields the server knows about.
func (s *SnapshotStore) mergeFieldsInTx(ctx context.Context, tx *sql.Tx, entityType, recordID string, fields json.RawMessage) (json.RawMessage, error) {
	existing, err := s.GetInTx(ctx, tx, entityType, recordID)
	if err == ErrNotFound {
		return fields, nil
	}
	if err != nil {
		return nil, err
	}

	var base, overlay map[string]any
	if err := json.Unmarshal(existing.Fields, &base); err != nil {
		return nil, fmt.Errorf("failed to parse stored fields for %s/%s: %w", entityType, recordID, err)
	}
	if err := json.Unmarshal(fields, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse new fields for %s/%s: %w", entityType, recordID, err)
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to merge fields for %s/%s: %w", entityType, recordID, err)
	}
	return merged, nil
}
