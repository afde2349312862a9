// Package bolt implements store.Store on a single bbolt file.
//
// bbolt is the desktop default because it is:
//   - Pure Go (no cgo, no external process)
//   - ACID — queue state is always consistent even after a crash
//   - A single file living in the app's data directory
//   - Well-maintained (used by etcd in production)
//
// Layout: the "items" bucket maps item ID → JSON-encoded ActionQueueItem;
// the "history" bucket maps itemID + 0x00 + big-endian sequence → JSON
// attempt record. Claims scan the items bucket inside one Update
// transaction — O(N) per claim, which is fine at desktop-queue sizes where
// N is thousands, not millions.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/trimbox/actionq/internal/store"
	"github.com/trimbox/actionq/internal/types"
)

var (
	bucketItems   = []byte("items")
	bucketHistory = []byte("history")
)

// Store is a bbolt-backed store.Store.
type Store struct {
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// Open creates or reopens the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketItems); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketHistory)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error { return s.db.Close() }

// ─── Enqueue ─────────────────────────────────────────────────────────────────

// Enqueue writes the batch in one Update transaction — all or nothing.
func (s *Store) Enqueue(_ context.Context, items []*types.ActionQueueItem) error {
	if len(items) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketItems)
		for _, it := range items {
			key := []byte(it.ID)
			if b.Get(key) != nil {
				return fmt.Errorf("%w: %s", store.ErrDuplicateID, it.ID)
			}
			val, err := json.Marshal(it)
			if err != nil {
				return fmt.Errorf("bolt: marshal %s: %w", it.ID, err)
			}
			if err := b.Put(key, val); err != nil {
				return fmt.Errorf("bolt: put %s: %w", it.ID, err)
			}
		}
		return nil
	})
}

// ─── Claim / release ─────────────────────────────────────────────────────────

// ClaimNextReady scans for the ready item with the smallest (priority,
// createdAt, id) tuple whose email has nothing Processing, and flips it to
// Processing — all inside one Update transaction, so concurrent workers
// serialise on bbolt's single writer and can never double-claim.
func (s *Store) ClaimNextReady(_ context.Context, now time.Time) (*types.ActionQueueItem, error) {
	var claimed *types.ActionQueueItem

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketItems)

		// First pass: every email with an item in flight is excluded.
		busy := make(map[string]bool)
		if err := b.ForEach(func(_, v []byte) error {
			var it types.ActionQueueItem
			if err := json.Unmarshal(v, &it); err != nil {
				return err
			}
			if it.Status == types.StatusProcessing {
				busy[it.EmailID] = true
			}
			return nil
		}); err != nil {
			return err
		}

		// Second pass: pick the best ready candidate.
		var best *types.ActionQueueItem
		if err := b.ForEach(func(_, v []byte) error {
			var it types.ActionQueueItem
			if err := json.Unmarshal(v, &it); err != nil {
				return err
			}
			if !it.Ready(now) || busy[it.EmailID] {
				return nil
			}
			if best == nil || claimLess(&it, best) {
				best = it.Clone()
			}
			return nil
		}); err != nil {
			return err
		}
		if best == nil {
			return nil
		}

		best.Status = types.StatusProcessing
		best.LastAttemptedAt = now
		val, err := json.Marshal(best)
		if err != nil {
			return fmt.Errorf("bolt: marshal claim %s: %w", best.ID, err)
		}
		if err := b.Put([]byte(best.ID), val); err != nil {
			return fmt.Errorf("bolt: put claim %s: %w", best.ID, err)
		}
		claimed = best
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: claim: %w", err)
	}
	return claimed, nil
}

// claimLess orders candidates by (priority asc, createdAt asc, id asc).
// ULID ids make the final tie-break agree with creation order.
func claimLess(a, b *types.ActionQueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Release puts a claimed item back into the ready pool with no attempt
// record and no retry penalty.
func (s *Store) Release(_ context.Context, itemID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketItems)
		it, err := readItem(b, itemID)
		if err != nil {
			return err
		}
		if it.Status != types.StatusProcessing {
			return fmt.Errorf("%w: release of %s item %s", store.ErrInvalidTransition, it.Status, itemID)
		}
		it.Status = types.StatusPending
		it.LastAttemptedAt = time.Time{}
		return writeItem(b, it)
	})
}

// ─── Outcomes ────────────────────────────────────────────────────────────────

// RecordOutcome applies the transition and appends the attempt record in one
// transaction.
func (s *Store) RecordOutcome(_ context.Context, itemID string, oc store.Outcome) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketItems)
		it, err := readItem(b, itemID)
		if err != nil {
			return err
		}
		if !types.ValidTransition(it.Status, oc.Status) {
			return fmt.Errorf("%w: %s → %s for %s", store.ErrInvalidTransition, it.Status, oc.Status, itemID)
		}

		it.Status = oc.Status
		it.RetryCount = oc.RetryCount
		it.NextRetryAfter = oc.NextRetryAfter
		it.ErrorMessage = oc.ErrorMessage
		it.CompletedAt = oc.CompletedAt
		if err := writeItem(b, it); err != nil {
			return err
		}

		return appendHistory(tx, itemID, oc.Attempt)
	})
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// Get returns the item by ID.
func (s *Store) Get(_ context.Context, itemID string) (*types.ActionQueueItem, error) {
	var it *types.ActionQueueItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		found, err := readItem(tx.Bucket(bucketItems), itemID)
		if err != nil {
			return err
		}
		it = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

// QueryByBulkGroup returns the group's items in creation order. ULID keys
// iterate in lexical = creation order, so no extra sort is needed.
func (s *Store) QueryByBulkGroup(_ context.Context, bulkGroupID string) ([]*types.ActionQueueItem, error) {
	var items []*types.ActionQueueItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(_, v []byte) error {
			var it types.ActionQueueItem
			if err := json.Unmarshal(v, &it); err != nil {
				return err
			}
			if it.BulkGroupID == bulkGroupID {
				items = append(items, &it)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: query group %s: %w", bulkGroupID, err)
	}
	return items, nil
}

// StatusCounts tallies the queue; retrying folds into pending.
func (s *Store) StatusCounts(_ context.Context) (types.StatusCounts, error) {
	var c types.StatusCounts
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(_, v []byte) error {
			var it types.ActionQueueItem
			if err := json.Unmarshal(v, &it); err != nil {
				return err
			}
			switch it.Status {
			case types.StatusPending, types.StatusRetrying:
				c.Pending++
			case types.StatusProcessing:
				c.Processing++
			case types.StatusCompleted:
				c.Completed++
			case types.StatusFailed:
				c.Failed++
			}
			return nil
		})
	})
	if err != nil {
		return types.StatusCounts{}, fmt.Errorf("bolt: status counts: %w", err)
	}
	return c, nil
}

// AttemptHistory returns the item's attempts, oldest first (sequence order).
func (s *Store) AttemptHistory(_ context.Context, itemID string) ([]types.AttemptRecord, error) {
	prefix := historyPrefix(itemID)
	var recs []types.AttemptRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketHistory).Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var r types.AttemptRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			recs = append(recs, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: history %s: %w", itemID, err)
	}
	return recs, nil
}

// ─── Crash recovery ──────────────────────────────────────────────────────────

// RecoverStale sweeps items abandoned in Processing by a previous run,
// treating each as a failed attempt with an unknown error.
func (s *Store) RecoverStale(_ context.Context, now time.Time, olderThan time.Duration) (int, error) {
	cutoff := now.Add(-olderThan)
	recovered := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketItems)

		var stale []*types.ActionQueueItem
		if err := b.ForEach(func(_, v []byte) error {
			var it types.ActionQueueItem
			if err := json.Unmarshal(v, &it); err != nil {
				return err
			}
			if it.Status == types.StatusProcessing && !it.LastAttemptedAt.After(cutoff) {
				stale = append(stale, it.Clone())
			}
			return nil
		}); err != nil {
			return err
		}

		for _, it := range stale {
			attemptNumber := it.RetryCount + 1
			msg := "attempt abandoned by interrupted run"

			it.RetryCount++
			it.NextRetryAfter = time.Time{}
			if it.RetryCount > it.MaxRetries {
				it.RetryCount = it.MaxRetries // invariant: retryCount <= maxRetries
				it.Status = types.StatusFailed
				it.CompletedAt = now
				msg += "; retries exhausted"
			} else {
				it.Status = types.StatusRetrying
			}
			it.ErrorMessage = msg

			if err := writeItem(b, it); err != nil {
				return err
			}
			if err := appendHistory(tx, it.ID, types.AttemptRecord{
				ItemID:          it.ID,
				AttemptNumber:   attemptNumber,
				Category:        types.AttemptAPIError,
				ResponseMessage: msg,
				AttemptedAt:     now,
			}); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt: recover stale: %w", err)
	}
	return recovered, nil
}

// ─── Bucket plumbing ─────────────────────────────────────────────────────────

func readItem(b *bbolt.Bucket, itemID string) (*types.ActionQueueItem, error) {
	val := b.Get([]byte(itemID))
	if val == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, itemID)
	}
	var it types.ActionQueueItem
	if err := json.Unmarshal(val, &it); err != nil {
		return nil, fmt.Errorf("bolt: unmarshal %s: %w", itemID, err)
	}
	return &it, nil
}

func writeItem(b *bbolt.Bucket, it *types.ActionQueueItem) error {
	val, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("bolt: marshal %s: %w", it.ID, err)
	}
	if err := b.Put([]byte(it.ID), val); err != nil {
		return fmt.Errorf("bolt: put %s: %w", it.ID, err)
	}
	return nil
}

func historyPrefix(itemID string) []byte {
	// Item IDs are ULIDs (no NUL bytes), so NUL safely separates the ID from
	// the sequence suffix.
	return append([]byte(itemID), 0x00)
}

func appendHistory(tx *bbolt.Tx, itemID string, rec types.AttemptRecord) error {
	hb := tx.Bucket(bucketHistory)
	seq, err := hb.NextSequence()
	if err != nil {
		return fmt.Errorf("bolt: history sequence: %w", err)
	}
	key := historyPrefix(itemID)
	key = binary.BigEndian.AppendUint64(key, seq)

	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("bolt: marshal history %s: %w", itemID, err)
	}
	if err := hb.Put(key, val); err != nil {
		return fmt.Errorf("bolt: put history %s: %w", itemID, err)
	}
	return nil
}
