// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"encoding/json"
	"time"
)

// Operation constants for local mutations
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Mutation status constants. Applied mutations are removed from the log
// instead of being kept with an "applied" status.
const (
	StatusPending         = "pending"
	StatusInFlight        = "in_flight"
	StatusFailedPermanent = "failed_permanent"
)

// Sync state constants for local records
const (
	SyncClean    = "clean"
	SyncDirty    = "dirty"
	SyncConflict = "conflict"
)

// PendingMutation is a single create/update/delete intent recorded locally
// before confirmation by the remote server. The ID doubles as the idempotency
// key for retried pushes.
type PendingMutation struct {
	Seq               int64           `json:"seq"` // local queue order (FIFO per record)
	ID                string          `json:"id"`
	EntityType        string          `json:"entity_type"`
	RecordID          string          `json:"record_id"`
	Operation         string          `json:"operation"`
	Payload           json.RawMessage `json:"payload,omitempty"` // nil for DELETE
	BaseRemoteVersion string          `json:"base_remote_version,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	RetryCount        int             `json:"retry_count"`
	NextRetryAt       time.Time       `json:"next_retry_at,omitempty"`
	Status            string          `json:"status"`
	ClaimedAt         time.Time       `json:"claimed_at,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
}

// LocalRecord is the client's current believed state of one record.
type LocalRecord struct {
	EntityType    string          `json:"entity_type"`
	ID            string          `json:"id"`
	Fields        json.RawMessage `json:"fields"`
	SyncState     string          `json:"sync_state"`
	LocalVersion  int64           `json:"local_version"`
	RemoteVersion string          `json:"remote_version,omitempty"`
}

// RemoteRecord is the server-side representation returned by the REST API.
// RemoteVersion() is the conflict-detection marker stored in local metadata.
type RemoteRecord struct {
	ID         string          `json:"id"`
	ModifiedAt time.Time       `json:"modified_at"`
	Fields     json.RawMessage `json:"fields"`
}

// RemoteVersion returns the opaque version marker for this server state.
func (r *RemoteRecord) RemoteVersion() string {
	return r.ModifiedAt.UTC().Format(time.RFC3339Nano)
}

// EnqueueRequest describes a locally made change handed to the engine.
type EnqueueRequest struct {
	EntityType string          `json:"entity_type" validate:"required,lowercase"`
	RecordID   string          `json:"record_id" validate:"required"`
	Operation  string          `json:"operation" validate:"required,oneof=create update delete"`
	Payload    json.RawMessage `json:"payload,omitempty" validate:"required_unless=Operation delete"`
}

// SyncStatus values reported to status subscribers.
const (
	SyncStatusIdle    = "idle"
	SyncStatusSyncing = "syncing"
	SyncStatusError   = "error"
)

// ConflictNotification is emitted when a local mutation is discarded in favor
// of remote state, or when a remote deletion wins over a local edit.
type ConflictNotification struct {
	EntityType   string          `json:"entity_type"`
	RecordID     string          `json:"record_id"`
	MutationID   string          `json:"mutation_id"`
	Winner       string          `json:"winner"` // "remote" or "remote-deleted"
	RemoteFields json.RawMessage `json:"remote_fields,omitempty"`
}

// Stats is a point-in-time observability snapshot of the engine.
type Stats struct {
	Pending     int `json:"pending"`
	InFlight    int `json:"in_flight"`
	DeadLetters int `json:"dead_letters"`
	Dirty       int `json:"dirty"`
}
