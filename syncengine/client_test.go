// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewClientInitializesSchema(t *testing.T) {
	client := newTestClient(t, newFakeRemote(), nil)

	for _, table := range []string{"_sync_device_info", "_sync_pending_mutations", "_sync_records"} {
		var count int
		err := client.DB.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}
	require.NotEmpty(t, client.SourceID)
}

func TestNewClientRecoversInFlightMutations(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, initializeDatabase(db))
	_, err := db.Exec(`
		INSERT INTO _sync_pending_mutations (id, entity_type, record_id, op, payload, created_at, status, claimed_at)
		VALUES ('m1', 'item', 'a', 'create', '{"id":"a"}', ?, 'in_flight', ?)
	`, formatTime(time.Now()), formatTime(time.Now()))
	require.NoError(t, err)

	client, err := NewClient(db, newFakeRemote(), testConfig(), testLogger())
	require.NoError(t, err)

	pending, err := client.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, StatusPending, pending[0].Status, "stale in_flight claims are lease-expired at startup")
}

func TestEnqueueRejectsUnknownEntityAndOperation(t *testing.T) {
	client := newTestClient(t, newFakeRemote(), nil)
	ctx := context.Background()

	_, err := client.EnqueueLocalChange(ctx, EnqueueRequest{
		EntityType: "spaceship", RecordID: "a", Operation: OpCreate, Payload: json.RawMessage(`{}`),
	})
	require.True(t, IsValidation(err), "unknown entity type must be rejected, got %v", err)

	_, err = client.EnqueueLocalChange(ctx, EnqueueRequest{
		EntityType: "item", RecordID: "a", Operation: "upsert", Payload: json.RawMessage(`{}`),
	})
	require.True(t, IsValidation(err), "unknown operation must be rejected, got %v", err)

	_, err = client.EnqueueLocalChange(ctx, EnqueueRequest{
		EntityType: "item", RecordID: "a", Operation: OpUpdate,
	})
	require.True(t, IsValidation(err), "update without payload must be rejected, got %v", err)
}

func TestEnqueueMarksRecordDirty(t *testing.T) {
	client := newTestClient(t, newFakeRemote(), nil)
	ctx := context.Background()

	_, err := client.EnqueueLocalChange(ctx, EnqueueRequest{
		EntityType: "item", RecordID: "abc", Operation: OpCreate,
		Payload: json.RawMessage(`{"id":"abc","name":"drill","qty":3}`),
	})
	require.NoError(t, err)

	rec, err := client.GetRecord(ctx, "item", "abc")
	require.NoError(t, err)
	require.Equal(t, SyncDirty, rec.SyncState)
	require.Equal(t, int64(1), rec.LocalVersion)

	pending, err := client.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, OpCreate, pending[0].Operation)
}

// Scenario: create an item while offline, go online, exactly one POST with
// the mutation id as idempotency key reaches the server, and the local
// record ends clean.
func TestOfflineCreateSyncsOnce(t *testing.T) {
	remote := newFakeRemote()
	client := newTestClient(t, remote, nil)
	ctx := context.Background()

	mutID, err := client.EnqueueLocalChange(ctx, EnqueueRequest{
		EntityType: "item", RecordID: "abc", Operation: OpCreate,
		Payload: json.RawMessage(`{"id":"abc","name":"drill","qty":3}`),
	})
	require.NoError(t, err)

	drainQueue(t, client)

	creates := remote.callsOf("CREATE")
	require.Len(t, creates, 1)
	require.Equal(t, mutID, creates[0].IdemKey)
	require.NotNil(t, remote.get("item", "abc"))

	rec, err := client.GetRecord(ctx, "item", "abc")
	require.NoError(t, err)
	require.Equal(t, SyncClean, rec.SyncState)
	require.NotEmpty(t, rec.RemoteVersion)
}

// Update-then-update while offline: the last payload wins on push and only
// one delivery happens.
func TestOfflineUpdatesCoalesceLastWins(t *testing.T) {
	remote := newFakeRemote()
	remote.put("item", "abc", json.RawMessage(`{"id":"abc","qty":1}`), time.Now().Add(-time.Hour))

	client := newTestClient(t, remote, nil)
	ctx := context.Background()
	require.NoError(t, client.Hydrate(ctx))

	for _, qty := range []string{`{"qty":2}`, `{"qty":3}`, `{"qty":4}`} {
		_, err := client.EnqueueLocalChange(ctx, EnqueueRequest{
			EntityType: "item", RecordID: "abc", Operation: OpUpdate, Payload: json.RawMessage(qty),
		})
		require.NoError(t, err)
	}

	drainQueue(t, client)

	updates := remote.callsOf("UPDATE")
	require.Len(t, updates, 1, "coalesced edits push once")
	srv := remote.get("item", "abc")
	require.JSONEq(t, `{"id":"abc","qty":4}`, string(srv.Fields))
}

func TestOfflineCreateThenDeleteNeverReachesServer(t *testing.T) {
	remote := newFakeRemote()
	client := newTestClient(t, remote, nil)
	ctx := context.Background()

	_, err := client.EnqueueLocalChange(ctx, EnqueueRequest{
		EntityType: "item", RecordID: "ghost", Operation: OpCreate,
		Payload: json.RawMessage(`{"id":"ghost"}`),
	})
	require.NoError(t, err)
	_, err = client.EnqueueLocalChange(ctx, EnqueueRequest{
		EntityType: "item", RecordID: "ghost", Operation: OpDelete,
	})
	require.NoError(t, err)

	drainQueue(t, client)

	require.Empty(t, remote.callsOf("CREATE"))
	require.Empty(t, remote.callsOf("DELETE"))
	_, err = client.GetRecord(ctx, "item", "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHydratePullsServerStateButKeepsDirtyRecords(t *testing.T) {
	remote := newFakeRemote()
	remote.put("item", "a", json.RawMessage(`{"id":"a","qty":1}`), time.Now())
	remote.put("obra", "site-1", json.RawMessage(`{"id":"site-1","name":"galpao"}`), time.Now())

	client := newTestClient(t, remote, nil)
	ctx := context.Background()

	// A local edit made before hydration must survive it.
	_, err := client.EnqueueLocalChange(ctx, EnqueueRequest{
		EntityType: "item", RecordID: "a", Operation: OpUpdate, Payload: json.RawMessage(`{"id":"a","qty":99}`),
	})
	require.NoError(t, err)

	require.NoError(t, client.Hydrate(ctx))

	a, err := client.GetRecord(ctx, "item", "a")
	require.NoError(t, err)
	require.Equal(t, SyncDirty, a.SyncState)
	require.JSONEq(t, `{"id":"a","qty":99}`, string(a.Fields))

	site, err := client.GetRecord(ctx, "obra", "site-1")
	require.NoError(t, err)
	require.Equal(t, SyncClean, site.SyncState)
}

func TestStatsCounters(t *testing.T) {
	remote := newFakeRemote()
	client := newTestClient(t, remote, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := client.EnqueueLocalChange(ctx, EnqueueRequest{
			EntityType: "item", RecordID: id, Operation: OpCreate,
			Payload: json.RawMessage(`{"id":"` + id + `"}`),
		})
		require.NoError(t, err)
	}

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Pending)
	require.Equal(t, 2, stats.Dirty)
	require.Zero(t, stats.DeadLetters)
}
