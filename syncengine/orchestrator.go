// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Orchestrator drives sync cycles: Idle → Draining → Reconciling → Committing
// → Idle, with backoff handled per mutation by the log's retry schedule. At
// most one cycle runs at a time; triggers arriving mid-cycle coalesce into a
// single rerun.
type Orchestrator struct {
	db     *sql.DB
	log    *MutationLog
	snap   *SnapshotStore
	remote RemoteAPI
	rec    *Reconciler
	cfg    *Config
	logger *slog.Logger

	// writeMu serializes all local store writes (enqueue path and commit
	// path share it) so claims never observe half-written state.
	writeMu *sync.Mutex

	mu      sync.Mutex
	running bool
	rerun   bool

	online atomic.Bool
	paused atomic.Bool

	trigger chan struct{}

	subMu        sync.Mutex
	statusSubs   []func(status string)
	conflictSubs []func(ConflictNotification)
}

// NewOrchestrator wires the sync driving loop over the two stores, the
// reconciler and the remote API.
func NewOrchestrator(db *sql.DB, log *MutationLog, snap *SnapshotStore, remote RemoteAPI, rec *Reconciler, writeMu *sync.Mutex, cfg *Config, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		db:      db,
		log:     log,
		snap:    snap,
		remote:  remote,
		rec:     rec,
		cfg:     cfg,
		logger:  logger,
		writeMu: writeMu,
		trigger: make(chan struct{}, 1),
	}
	o.online.Store(true)
	return o
}

// Trigger requests a sync cycle. Non-blocking; triggers during a running
// cycle coalesce.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Pause suspends sync cycles (manual triggers return ErrSyncPaused).
func (o *Orchestrator) Pause() { o.paused.Store(true) }

// Resume re-enables sync cycles and immediately requests one.
func (o *Orchestrator) Resume() {
	o.paused.Store(false)
	o.Trigger()
}

// Paused reports whether syncing is suspended.
func (o *Orchestrator) Paused() bool { return o.paused.Load() }

// Run processes triggers until ctx is cancelled: connectivity offline→online
// transitions, the periodic timer while online, and manual Trigger calls.
// No busy-polling; the loop sleeps between events.
func (o *Orchestrator) Run(ctx context.Context, connectivity <-chan bool) {
	ticker := time.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-connectivity:
			if !ok {
				connectivity = nil
				continue
			}
			wasOnline := o.online.Swap(online)
			if online && !wasOnline {
				o.logger.Info("connectivity restored, triggering sync")
				o.Trigger()
			}
		case <-ticker.C:
			if o.online.Load() {
				o.Trigger()
			}
		case <-o.trigger:
			if !o.online.Load() || o.paused.Load() {
				continue
			}
			if err := o.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

// RunCycle executes one full sync cycle, draining the mutation log until no
// eligible mutations remain. A concurrent call while a cycle is in progress
// sets the rerun flag and returns nil instead of starting a second cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if o.paused.Load() {
		return ErrSyncPaused
	}

	o.mu.Lock()
	if o.running {
		o.rerun = true
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		rerun := o.rerun
		o.rerun = false
		o.mu.Unlock()
		if rerun {
			o.Trigger()
		}
	}()

	o.notifyStatus(SyncStatusSyncing)
	err := o.cycle(ctx)
	if err != nil {
		o.notifyStatus(SyncStatusError)
		return err
	}
	o.notifyStatus(SyncStatusIdle)
	return nil
}

// cycle drains the log batch by batch. Expected conditions (transient
// failures, conflicts, invalid payloads) are consumed internally; only
// unexpected errors (storage failures, auth) propagate and abort the cycle,
// leaving claimed mutations for lease-timeout recovery.
func (o *Orchestrator) cycle(ctx context.Context) error {
	// Records tagged conflict last cycle have been observable long enough.
	if err := o.snap.AckConflicts(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := o.log.ClaimBatch(ctx, o.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("draining failed: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := o.processBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// processBatch reconciles and commits one claimed batch with bounded
// concurrency. Network calls run in parallel up to CommitConcurrency;
// per-record ordering is safe because a claim holds at most one mutation per
// record. If an auth failure or cancellation interrupts the batch, unstarted
// claims are released back to pending.
func (o *Orchestrator) processBatch(ctx context.Context, batch []PendingMutation) error {
	sem := make(chan struct{}, o.cfg.CommitConcurrency)
	var wg sync.WaitGroup

	var stateMu sync.Mutex
	var firstErr error
	stopped := false

	setErr := func(err error) {
		stateMu.Lock()
		defer stateMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
		stopped = true
	}
	isStopped := func() bool {
		stateMu.Lock()
		defer stateMu.Unlock()
		return stopped
	}

	var released []string
	for i := range batch {
		m := batch[i]
		if ctx.Err() != nil || isStopped() {
			released = append(released, m.ID)
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := o.processMutation(ctx, &m); err != nil {
				if IsAuth(err) {
					o.paused.Store(true)
					o.logger.Warn("authentication failure, pausing sync", "error", err)
					// The claim was not delivered; hand it back untouched.
					if relErr := o.log.Release(ctx, []string{m.ID}); relErr != nil {
						o.logger.Error("failed to release claim after auth failure",
							"mutation_id", m.ID, "error", relErr)
					}
				}
				setErr(err)
			}
		}()
	}
	wg.Wait()

	if len(released) > 0 {
		if err := o.log.Release(ctx, released); err != nil {
			o.logger.Error("failed to release unstarted claims", "count", len(released), "error", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return firstErr
}

// processMutation runs the Reconciling and Committing phases for a single
// claimed mutation. Transient failures and validation rejections are recorded
// on the mutation and do not propagate; auth and storage errors do.
func (o *Orchestrator) processMutation(ctx context.Context, m *PendingMutation) error {
	remote, err := o.remote.Fetch(ctx, m.EntityType, m.RecordID)
	if err != nil {
		if IsTransient(err) {
			return o.log.MarkFailed(ctx, m.ID, false, err.Error())
		}
		return err
	}

	local, err := o.snap.Get(ctx, m.EntityType, m.RecordID)
	if err != nil && err != ErrNotFound {
		return err
	}

	outcome := o.rec.Reconcile(m, local, remote)

	switch outcome.Action {
	case ActionPush:
		return o.commitPush(ctx, &outcome)
	case ActionDiscardAndPull:
		return o.commitDiscardAndPull(ctx, &outcome)
	case ActionSkip:
		return o.commitSkip(ctx, &outcome)
	default:
		return fmt.Errorf("reconciler returned unknown action %q", outcome.Action)
	}
}

// commitPush delivers the local mutation to the server and, on success,
// removes it from the log and marks the snapshot clean in one transaction.
func (o *Orchestrator) commitPush(ctx context.Context, out *Outcome) error {
	m := &out.Mutation

	var srv *RemoteRecord
	var err error
	switch m.Operation {
	case OpCreate:
		if out.Remote != nil {
			// The record already exists remotely and the local side won the
			// conflict; replaying a POST would collide, so overwrite instead.
			srv, err = o.remote.Update(ctx, m.EntityType, m.RecordID, m.ID, m.Payload)
		} else {
			srv, err = o.remote.Create(ctx, m.EntityType, m.ID, m.Payload)
		}
	case OpUpdate:
		srv, err = o.remote.Update(ctx, m.EntityType, m.RecordID, m.ID, m.Payload)
	case OpDelete:
		err = o.remote.Delete(ctx, m.EntityType, m.RecordID, m.ID)
	default:
		err = &ValidationError{Field: "operation", Reason: "unknown operation " + m.Operation}
	}

	if err != nil {
		switch {
		case IsTransient(err):
			return o.log.MarkFailed(ctx, m.ID, false, err.Error())
		case IsValidation(err):
			// The server rejected the payload itself; retrying cannot help.
			return o.log.MarkFailed(ctx, m.ID, true, err.Error())
		default:
			return err
		}
	}

	if out.Conflict {
		o.logger.Info("local mutation won conflict and overwrote remote state",
			"entity_type", m.EntityType, "record_id", m.RecordID, "mutation_id", m.ID)
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	remaining, err := o.log.MarkAppliedInTx(ctx, tx, m.ID)
	if err != nil {
		return err
	}

	if m.Operation == OpDelete {
		if err := o.snap.DeleteInTx(ctx, tx, m.EntityType, m.RecordID); err != nil {
			return err
		}
	} else {
		fields := m.Payload
		version := ""
		if srv != nil {
			version = srv.RemoteVersion()
			if len(srv.Fields) > 0 {
				fields = srv.Fields
			}
		}
		state := SyncClean
		if remaining > 0 {
			state = SyncDirty
		}
		if err := o.snap.PutRemoteInTx(ctx, tx, m.EntityType, m.RecordID, fields, version, state); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit push outcome: %w", err)
	}
	o.logger.Debug("mutation applied",
		"entity_type", m.EntityType, "record_id", m.RecordID, "mutation_id", m.ID, "op", m.Operation)
	return nil
}

// commitDiscardAndPull drops the losing local mutation, adopts the remote
// fields and tags the record conflict for one cycle so the discard is
// observable. Never silent: subscribers get a notification.
func (o *Orchestrator) commitDiscardAndPull(ctx context.Context, out *Outcome) error {
	m := &out.Mutation

	o.writeMu.Lock()
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		o.writeMu.Unlock()
		return fmt.Errorf("failed to begin discard transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
		o.writeMu.Unlock()
	}()

	if _, err := o.log.DiscardInTx(ctx, tx, m.ID); err != nil {
		return err
	}
	if err := o.snap.PutRemoteInTx(ctx, tx, m.EntityType, m.RecordID, out.Remote.Fields, out.Remote.RemoteVersion(), SyncConflict); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit discard outcome: %w", err)
	}
	committed = true

	o.notifyConflict(ConflictNotification{
		EntityType:   m.EntityType,
		RecordID:     m.RecordID,
		MutationID:   m.ID,
		Winner:       "remote",
		RemoteFields: out.Remote.Fields,
	})
	return nil
}

// commitSkip resolves a mutation locally with no remote call: the server no
// longer has the record, so the local copy goes away too.
func (o *Orchestrator) commitSkip(ctx context.Context, out *Outcome) error {
	m := &out.Mutation

	o.writeMu.Lock()
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		o.writeMu.Unlock()
		return fmt.Errorf("failed to begin skip transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
		o.writeMu.Unlock()
	}()

	if _, err := o.log.DiscardInTx(ctx, tx, m.ID); err != nil {
		return err
	}
	if out.DeleteLocal {
		if err := o.snap.DeleteInTx(ctx, tx, m.EntityType, m.RecordID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit skip outcome: %w", err)
	}
	committed = true

	if out.Conflict {
		o.notifyConflict(ConflictNotification{
			EntityType: m.EntityType,
			RecordID:   m.RecordID,
			MutationID: m.ID,
			Winner:     "remote-deleted",
		})
	}
	return nil
}

// SubscribeStatus registers a callback for sync-cycle status changes
// (idle|syncing|error). Callbacks run on the orchestrator goroutine and must
// not block.
func (o *Orchestrator) SubscribeStatus(fn func(status string)) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.statusSubs = append(o.statusSubs, fn)
}

// SubscribeConflicts registers a callback for conflict notifications.
func (o *Orchestrator) SubscribeConflicts(fn func(ConflictNotification)) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.conflictSubs = append(o.conflictSubs, fn)
}

func (o *Orchestrator) notifyStatus(status string) {
	o.subMu.Lock()
	subs := make([]func(string), len(o.statusSubs))
	copy(subs, o.statusSubs)
	o.subMu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

func (o *Orchestrator) notifyConflict(n ConflictNotification) {
	o.subMu.Lock()
	subs := make([]func(ConflictNotification), len(o.conflictSubs))
	copy(subs, o.conflictSubs)
	o.subMu.Unlock()
	for _, fn := range subs {
		fn(n)
	}
}
