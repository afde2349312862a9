// Package store defines the Store abstraction backing the action queue.
//
// Design principle: the worker loop (and every layer above it) must ONLY
// interact with persistence through this interface. The store is the single
// source of truth — every scheduling decision must be re-derivable from it,
// which is what makes the pipeline crash-resumable. Implementations:
//
//   - bolt.Store   — embedded bbolt file, the desktop default
//   - sqlite.Store — relational file, one row per item plus attempt history
//
// All methods must be safe for concurrent use, and ClaimNextReady /
// RecordOutcome must be atomic (one transaction each): they are the only
// cross-worker coordination points in the system.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/trimbox/actionq/internal/types"
)

// ErrNotFound is returned when an item does not exist.
var ErrNotFound = errors.New("store: item not found")

// ErrInvalidTransition is returned when an outcome would move an item
// through an illegal state change (in particular, out of a terminal state).
var ErrInvalidTransition = errors.New("store: invalid status transition")

// ErrDuplicateID is returned when an enqueue batch collides with an
// existing item ID; the whole batch is rolled back.
var ErrDuplicateID = errors.New("store: duplicate item id")

// Outcome is everything RecordOutcome persists for one finished (or
// rescheduled) attempt. The worker computes the policy — resulting status,
// retry bookkeeping, backoff deadline — and the store applies it atomically
// together with the appended attempt record.
type Outcome struct {
	// Status the item transitions to. Must be a legal transition from the
	// item's current status or RecordOutcome fails with ErrInvalidTransition.
	Status types.Status

	// RetryCount is the item's new retry count.
	RetryCount int

	// NextRetryAfter gates the next claim; zero clears any previous gate.
	NextRetryAfter time.Time

	// ErrorMessage replaces the item's last failure detail; empty clears it.
	ErrorMessage string

	// CompletedAt is set on terminal transitions.
	CompletedAt time.Time

	// Attempt is appended to the history table.
	Attempt types.AttemptRecord
}

// Store is durable CRUD over ActionQueueItems plus append-only attempt
// history.
type Store interface {
	// Enqueue inserts a batch atomically (all-or-nothing) so a bulk group is
	// never partially persisted.
	Enqueue(ctx context.Context, items []*types.ActionQueueItem) error

	// ClaimNextReady atomically selects and marks Processing the
	// highest-priority, oldest-created item that is ready at now
	// (status Pending or Retrying, NextRetryAfter unset or elapsed),
	// excluding any email that already has an item Processing
	// (single-flight per email). Returns nil, nil when nothing is ready.
	ClaimNextReady(ctx context.Context, now time.Time) (*types.ActionQueueItem, error)

	// Release returns a claimed item to Pending without recording an attempt
	// or touching its retry count. Used when the rate limiter denies budget
	// after the claim.
	Release(ctx context.Context, itemID string) error

	// RecordOutcome transitions the item, updates retry bookkeeping, and
	// appends the attempt record, all in one transaction.
	RecordOutcome(ctx context.Context, itemID string, oc Outcome) error

	// Get returns the item by ID, or ErrNotFound.
	Get(ctx context.Context, itemID string) (*types.ActionQueueItem, error)

	// QueryByBulkGroup returns every item sharing bulkGroupID, ordered by
	// creation.
	QueryByBulkGroup(ctx context.Context, bulkGroupID string) ([]*types.ActionQueueItem, error)

	// StatusCounts tallies the whole queue for UI polling. Retrying items
	// count as pending.
	StatusCounts(ctx context.Context) (types.StatusCounts, error)

	// AttemptHistory returns the attempt records for an item, oldest first.
	AttemptHistory(ctx context.Context, itemID string) ([]types.AttemptRecord, error)

	// RecoverStale converts items abandoned in Processing (claimed before
	// now minus olderThan) into Retrying — or Failed when the extra counted
	// attempt exhausts their budget — exactly as if the attempt had failed
	// with an unknown error. Returns how many items were recovered.
	RecoverStale(ctx context.Context, now time.Time, olderThan time.Duration) (int, error)

	// Close flushes pending writes and releases the underlying database.
	Close() error
}
