// Copyright 2025 Thiago Bauken
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"log/slog"
)

// Reconcile actions. Push sends the local mutation to the server,
// DiscardAndPull drops the local mutation and adopts remote state,
// Skip resolves the mutation locally with no remote call.
const (
	ActionPush           = "push"
	ActionDiscardAndPull = "discard-and-pull"
	ActionSkip           = "skip"
)

// Outcome is the per-mutation decision of the reconciler, carrying everything
// the committing phase needs to finish the record atomically.
type Outcome struct {
	Mutation PendingMutation
	Action   string
	Remote   *RemoteRecord // server state the decision was made against (nil if absent)
	// DeleteLocal is set when the record must be removed from the snapshot
	// store (remote authoritative deletion wins).
	DeleteLocal bool
	// Conflict is set when a concurrent remote edit was detected, whether the
	// local or the remote side won.
	Conflict bool
}

// Resolver decides the outcome of a detected concurrent edit. The default is
// last-writer-wins by timestamp; callers needing stricter ordering plug in
// their own.
type Resolver interface {
	// Resolve returns true when the local mutation should still be pushed
	// (overwriting the server), false when remote state wins and the local
	// mutation is discarded.
	Resolve(m *PendingMutation, local *LocalRecord, remote *RemoteRecord) (keepLocal bool)
}

// LastWriterWins compares the remote modification timestamp against the local
// mutation's creation time; the later write wins. Ties go to the local side
// so a client editing against fresh state is not penalized.
type LastWriterWins struct{}

func (LastWriterWins) Resolve(m *PendingMutation, _ *LocalRecord, remote *RemoteRecord) bool {
	return !m.CreatedAt.Before(remote.ModifiedAt)
}

// Reconciler produces a deterministic merge outcome for each claimed mutation
// given the latest fetched remote representation.
type Reconciler struct {
	resolver Resolver
	logger   *slog.Logger
}

// NewReconciler creates a reconciler. A nil resolver selects LastWriterWins.
func NewReconciler(resolver Resolver, logger *slog.Logger) *Reconciler {
	if resolver == nil {
		resolver = LastWriterWins{}
	}
	return &Reconciler{resolver: resolver, logger: logger}
}

// Reconcile decides what to do with one claimed mutation. remote is nil when
// the record does not exist on the server.
func (r *Reconciler) Reconcile(m *PendingMutation, local *LocalRecord, remote *RemoteRecord) Outcome {
	out := Outcome{Mutation: *m, Remote: remote}

	if remote == nil {
		if m.Operation == OpCreate {
			// Never seen by the server; safe to create.
			out.Action = ActionPush
			return out
		}
		// Update/delete against a record the server no longer has: the remote
		// deletion is authoritative. A local delete trivially agrees with it;
		// a local update loses and must be surfaced.
		out.Action = ActionSkip
		out.DeleteLocal = true
		out.Conflict = m.Operation == OpUpdate
		return out
	}

	if remote.RemoteVersion() == m.BaseRemoteVersion {
		// No intervening remote change since this mutation was enqueued.
		out.Action = ActionPush
		return out
	}

	// Remote advanced since enqueue: concurrent edit.
	out.Conflict = true

	// A delete takes precedence even when it loses the timestamp race: from
	// the deleter's perspective the record is gone regardless.
	if m.Operation == OpDelete {
		out.Action = ActionPush
		return out
	}

	if r.resolver.Resolve(m, local, remote) {
		out.Action = ActionPush
		return out
	}

	r.logger.Info("local mutation loses conflict, adopting remote state",
		"entity_type", m.EntityType, "record_id", m.RecordID, "mutation_id", m.ID,
		"local_created_at", m.CreatedAt, "remote_modified_at", remote.ModifiedAt)
	out.Action = ActionDiscardAndPull
	return out
}
