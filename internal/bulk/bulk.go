// Package bulk tracks the progress of bulk approvals. A bulk approval fans
// out into N queue items sharing one group id; this package answers "how far
// along is group X" and pushes snapshots to subscribers as members finish.
//
// Progress is always derived from the store on demand, never from in-memory
// counters, so a snapshot is correct even right after a restart.
package bulk

import (
	"context"
	"log/slog"
	"sync"

	"github.com/trimbox/actionq/internal/store"
	"github.com/trimbox/actionq/internal/types"
)

// Coordinator derives group progress and fans snapshots out to subscribers.
type Coordinator struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string][]chan types.GroupStatus
	global []chan types.GroupStatus
}

// New creates a Coordinator backed by st.
func New(st store.Store, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  st,
		logger: logger,
		groups: make(map[string][]chan types.GroupStatus),
	}
}

// GroupStatus derives the aggregate progress of one bulk group.
// Retrying members count as pending: from the user's perspective they are
// still queued work.
func (c *Coordinator) GroupStatus(ctx context.Context, bulkGroupID string) (types.GroupStatus, error) {
	items, err := c.store.QueryByBulkGroup(ctx, bulkGroupID)
	if err != nil {
		return types.GroupStatus{}, err
	}

	gs := types.GroupStatus{BulkGroupID: bulkGroupID, Total: len(items)}
	for _, it := range items {
		switch it.Status {
		case types.StatusPending, types.StatusRetrying:
			gs.Pending++
		case types.StatusProcessing:
			gs.Processing++
		case types.StatusCompleted:
			gs.Completed++
		case types.StatusFailed:
			gs.Failed++
		}
	}
	return gs, nil
}

// Subscribe registers interest in one group. The returned cancel func must be
// called to release the channel. Slow subscribers miss intermediate snapshots
// rather than blocking the workers; the final snapshot of a finished group is
// always re-derivable via GroupStatus.
func (c *Coordinator) Subscribe(bulkGroupID string) (<-chan types.GroupStatus, func()) {
	ch := make(chan types.GroupStatus, 16)

	c.mu.Lock()
	c.groups[bulkGroupID] = append(c.groups[bulkGroupID], ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.groups[bulkGroupID]
		for i, s := range subs {
			if s == ch {
				c.groups[bulkGroupID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(c.groups[bulkGroupID]) == 0 {
			delete(c.groups, bulkGroupID)
		}
	}
	return ch, cancel
}

// SubscribeAll registers interest in every group's snapshots.
func (c *Coordinator) SubscribeAll() (<-chan types.GroupStatus, func()) {
	ch := make(chan types.GroupStatus, 16)

	c.mu.Lock()
	c.global = append(c.global, ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.global {
			if s == ch {
				c.global = append(c.global[:i], c.global[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// MemberFinished is called by the worker loop after a group member reaches a
// terminal state. It re-derives the group snapshot and broadcasts it.
// Best-effort: a store error here only costs a progress update, never
// correctness, so it is logged and swallowed.
func (c *Coordinator) MemberFinished(ctx context.Context, bulkGroupID string) {
	if bulkGroupID == "" {
		return
	}
	gs, err := c.GroupStatus(ctx, bulkGroupID)
	if err != nil {
		c.logger.Warn("bulk progress snapshot failed", "group", bulkGroupID, "error", err)
		return
	}
	c.broadcast(gs)

	if gs.Done() {
		c.logger.Info("bulk group finished",
			"group", bulkGroupID,
			"total", gs.Total,
			"completed", gs.Completed,
			"failed", gs.Failed,
		)
	}
}

func (c *Coordinator) broadcast(gs types.GroupStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.groups[gs.BulkGroupID] {
		select {
		case ch <- gs:
		default: // subscriber lagging; drop the intermediate snapshot
		}
	}
	for _, ch := range c.global {
		select {
		case ch <- gs:
		default:
		}
	}
}
