// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the in-memory database shared between the
	// orchestrator workers and the test goroutine.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() *Config {
	cfg := DefaultConfig([]string{"item", "transfer", "user", "obra", "notification"})
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	cfg.SyncInterval = 20 * time.Millisecond
	cfg.LeaseTimeout = 10 * time.Second
	return cfg
}

func newTestClient(t *testing.T, remote RemoteAPI, cfg *Config) *Client {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	client, err := NewClient(newTestDB(t), remote, cfg, testLogger())
	require.NoError(t, err)
	return client
}

// drainQueue runs sync cycles until the pending queue is empty or attempts
// run out, leaving room for backoff delays between cycles.
func drainQueue(t *testing.T, client *Client) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, client.ForceSyncNow(ctx))
		stats, err := client.Stats(ctx)
		require.NoError(t, err)
		if stats.Pending == 0 && stats.InFlight == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue did not drain")
}

type remoteCall struct {
	Method     string
	EntityType string
	RecordID   string
	IdemKey    string
}

// fakeRemote is an in-memory authoritative server with programmable failures
// and idempotency-key deduplication, standing in for the warehouse backend.
type fakeRemote struct {
	mu      sync.Mutex
	records map[string]map[string]*RemoteRecord
	applied map[string]*RemoteRecord // idempotency key -> result of first delivery
	calls   []remoteCall

	// failNext returns an error for the next n matching calls.
	failNext map[string]int
	failErr  error

	clock func() time.Time
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records:  make(map[string]map[string]*RemoteRecord),
		applied:  make(map[string]*RemoteRecord),
		failNext: make(map[string]int),
		clock:    time.Now,
	}
}

// put seeds a record as if another device had written it at the given time.
func (f *fakeRemote) put(entityType, id string, fields json.RawMessage, modifiedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[entityType] == nil {
		f.records[entityType] = make(map[string]*RemoteRecord)
	}
	f.records[entityType][id] = &RemoteRecord{ID: id, ModifiedAt: modifiedAt.UTC(), Fields: fields}
}

// remove drops a record as if another device had deleted it.
func (f *fakeRemote) remove(entityType, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records[entityType], id)
}

func (f *fakeRemote) get(entityType, id string) *RemoteRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[entityType][id]
}

// failTimes programs the next n calls of the given method to fail with err.
func (f *fakeRemote) failTimes(method string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[method] = n
	f.failErr = err
}

func (f *fakeRemote) callsOf(method string) []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remoteCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) record(method, entityType, id, idemKey string) error {
	f.calls = append(f.calls, remoteCall{Method: method, EntityType: entityType, RecordID: id, IdemKey: idemKey})
	if n := f.failNext[method]; n > 0 {
		f.failNext[method] = n - 1
		return f.failErr
	}
	return nil
}

func (f *fakeRemote) Fetch(ctx context.Context, entityType, recordID string) (*RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FETCH", entityType, recordID, ""); err != nil {
		return nil, err
	}
	rec, ok := f.records[entityType][recordID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRemote) List(ctx context.Context, entityType string) ([]RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("LIST", entityType, "", ""); err != nil {
		return nil, err
	}
	var out []RemoteRecord
	for _, rec := range f.records[entityType] {
		out = append(out, *rec)
	}
	return out, nil
}

func (f *fakeRemote) Create(ctx context.Context, entityType, idemKey string, payload json.RawMessage) (*RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CREATE", entityType, "", idemKey); err != nil {
		return nil, err
	}
	if prev, ok := f.applied[idemKey]; ok {
		cp := *prev
		return &cp, nil
	}
	id := extractID(payload)
	rec := &RemoteRecord{ID: id, ModifiedAt: f.clock().UTC(), Fields: payload}
	if f.records[entityType] == nil {
		f.records[entityType] = make(map[string]*RemoteRecord)
	}
	f.records[entityType][id] = rec
	f.applied[idemKey] = rec
	cp := *rec
	return &cp, nil
}

func (f *fakeRemote) Update(ctx context.Context, entityType, recordID, idemKey string, payload json.RawMessage) (*RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UPDATE", entityType, recordID, idemKey); err != nil {
		return nil, err
	}
	if prev, ok := f.applied[idemKey]; ok {
		cp := *prev
		return &cp, nil
	}
	rec := &RemoteRecord{ID: recordID, ModifiedAt: f.clock().UTC(), Fields: payload}
	if f.records[entityType] == nil {
		f.records[entityType] = make(map[string]*RemoteRecord)
	}
	f.records[entityType][recordID] = rec
	f.applied[idemKey] = rec
	cp := *rec
	return &cp, nil
}

func (f *fakeRemote) Delete(ctx context.Context, entityType, recordID, idemKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DELETE", entityType, recordID, idemKey); err != nil {
		return err
	}
	delete(f.records[entityType], recordID)
	return nil
}

func extractID(payload json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err == nil {
		if id, ok := m["id"].(string); ok {
			return id
		}
	}
	return fmt.Sprintf("generated-%d", time.Now().UnixNano())
}
