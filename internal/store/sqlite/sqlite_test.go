package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trimbox/actionq/internal/store"
	"github.com/trimbox/actionq/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "actionq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newItem builds a pending item with a lexically ordered ID so the FIFO
// tie-break is predictable in tests.
func newItem(seq int, email string, typ types.ActionType, created time.Time) *types.ActionQueueItem {
	return &types.ActionQueueItem{
		ID:         fmt.Sprintf("item-%04d", seq),
		EmailID:    email,
		ActionType: typ,
		Status:     types.StatusPending,
		Priority:   typ.DefaultPriority(),
		MaxRetries: types.DefaultMaxRetries,
		CreatedAt:  created,
	}
}

func TestEnqueueAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	it := newItem(1, "m1", types.ActionLabel, now)
	it.Params = types.ActionParams{Label: &types.LabelParams{Add: []string{"Newsletters"}, Remove: []string{"INBOX"}}}
	it.BulkGroupID = "grp-1"

	require.NoError(t, s.Enqueue(ctx, []*types.ActionQueueItem{it}))

	got, err := s.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it.EmailID, got.EmailID)
	assert.Equal(t, types.ActionLabel, got.ActionType)
	assert.Equal(t, []string{"Newsletters"}, got.Params.Label.Add)
	assert.Equal(t, "grp-1", got.BulkGroupID)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(now))

	_, err = s.Get(ctx, "item-9999")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnqueue_DuplicateRollsBackWholeBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := newItem(1, "m1", types.ActionTrash, now)
	require.NoError(t, s.Enqueue(ctx, []*types.ActionQueueItem{first}))

	fresh := newItem(2, "m2", types.ActionTrash, now)
	dup := newItem(1, "m3", types.ActionTrash, now) // collides with first
	err := s.Enqueue(ctx, []*types.ActionQueueItem{fresh, dup})
	require.ErrorIs(t, err, store.ErrDuplicateID)

	// The non-colliding half of the batch must not have been persisted.
	_, err = s.Get(ctx, fresh.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimNextReady_PriorityThenFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Enqueued with priorities [5, 1, 3] — claim order must be 1, 3, 5.
	a := newItem(1, "m1", types.ActionUnsubscribe, base)          // priority 5
	b := newItem(2, "m2", types.ActionReportPhishing, base.Add(time.Second)) // priority 1
	c := newItem(3, "m3", types.ActionDelete, base.Add(2*time.Second))       // priority 3
	require.NoError(t, s.Enqueue(ctx, []*types.ActionQueueItem{a, b, c}))

	now := base.Add(time.Minute)
	var order []string
	for i := 0; i < 3; i++ {
		it, err := s.ClaimNextReady(ctx, now)
		require.NoError(t, err)
		require.NotNil(t, it)
		assert.Equal(t, types.StatusProcessing, it.Status)
		order = append(order, it.ID)
	}
	assert.Equal(t, []string{b.ID, c.ID, a.ID}, order)

	it, err := s.ClaimNextReady(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, it, "empty queue must claim nothing")
}

func TestClaimNextReady_FIFOWithinPriority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var want []string
	var items []*types.ActionQueueItem
	for i := 0; i < 5; i++ {
		it := newItem(i, fmt.Sprintf("m%d", i), types.ActionTrash, base.Add(time.Duration(i)*time.Second))
		items = append(items, it)
		want = append(want, it.ID)
	}
	require.NoError(t, s.Enqueue(ctx, items))

	now := base.Add(time.Minute)
	var got []string
	for range items {
		it, err := s.ClaimNextReady(ctx, now)
		require.NoError(t, err)
		require.NotNil(t, it)
		got = append(got, it.ID)
	}
	assert.Equal(t, want, got, "equal priorities must drain oldest first")
}

func TestClaimNextReady_SingleFlightPerEmail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Two items target the same message; the second must stay unclaimable
	// while the first is Processing.
	first := newItem(1, "m1", types.ActionReportSpam, base)
	second := newItem(2, "m1", types.ActionTrash, base.Add(time.Second))
	require.NoError(t, s.Enqueue(ctx, []*types.ActionQueueItem{first, second}))

	now := base.Add(time.Minute)
	it, err := s.ClaimNextReady(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, first.ID, it.ID)

	blocked, err := s.ClaimNextReady(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, blocked, "same-email item must not be claimable while first is in flight")

	// Completing the first frees the email.
	require.NoError(t, s.RecordOutcome(ctx, first.ID, store.Outcome{
		Status:      types.StatusCompleted,
		CompletedAt: now,
		Attempt:     types.AttemptRecord{ItemID: first.ID, AttemptNumber: 1, Category: types.AttemptSuccess, AttemptedAt: now},
	}))

	it, err = s.ClaimNextReady(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, second.ID, it.ID)
}

func TestClaimNextReady_HonorsNextRetryAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	it := newItem(1, "m1", types.ActionTrash, base)
	it.Status = types.StatusRetrying
	it.NextRetryAfter = base.Add(10 * time.Second)
	require.NoError(t, s.Enqueue(ctx, []*types.ActionQueueItem{it}))

	early, err := s.ClaimNextReady(ctx, base.Add(5*time.Second))
	require.NoError(t, err)
	assert.Nil(t, early, "item must not be claimable before NextRetryAfter")

	due, err := s.ClaimNextReady(ctx, base.Add(10*time.Second))
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, it.ID, due.ID)
}

func TestRelease_ReturnsItemWithoutPenalty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	it := newItem(1, "m1", types.ActionTrash, now)
	require.NoError(t, s.Enqueue(ctx, []*types.ActionQueueItem{it}))

	claimed, err := s.ClaimNextReady(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.Release(ctx, it.ID))

	got, err := s.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount, "release must not consume a retry")

	hist, err := s.AttemptHistory(ctx, it.ID)
	require.NoError(t, err)
	assert.Empty(t, hist, "release must not record an attempt")

	// Releasing a non-processing item is a transition error.
	assert.ErrorIs(t, s.Release(ctx, it.ID), store.ErrInvalidTransition)
}

func TestRecordOutcome_TerminalStatesAreImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	it := newItem(1, "m1", types.ActionTrash, now)
	require.NoError(t, s.Enqueue(ctx, []*types.ActionQueueItem{it}))

	claimed, err := s.ClaimNextReady(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.RecordOutcome(ctx, it.ID, store.Outcome{
		Status:      types.StatusCompleted,
		CompletedAt: now,
		Attempt:     types.AttemptRecord{ItemID: it.ID, AttemptNumber: 1, Category: types.AttemptSuccess, AttemptedAt: now},
	}))

	err = s.RecordOutcome(ctx, it.ID, store.Outcome{
		Status:  types.StatusFailed,
		Attempt: types.AttemptRecord{ItemID: it.ID, AttemptNumber: 2, Category: types.AttemptAPIError, AttemptedAt: now},
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
}

func TestRecordOutcome_RetryBookkeepingAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	it := newItem(1, "m1", types.ActionDelete, base)
	require.NoError(t, s.Enqueue(ctx, []*types.ActionQueueItem{it}))

	claimed, err := s.ClaimNextReady(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	retryAt := base.Add(2 * time.Second)
	require.NoError(t, s.RecordOutcome(ctx, it.ID, store.Outcome{
		Status:         types.StatusRetrying,
		RetryCount:     1,
		NextRetryAfter: retryAt,
		ErrorMessage:   "connection reset",
		Attempt: types.AttemptRecord{
			ItemID: it.ID, AttemptNumber: 1, Category: types.AttemptNetError,
			ResponseMessage: "connection reset", Duration: 120 * time.Millisecond,
			AttemptedAt: base,
		},
	}))

	got, err := s.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.NextRetryAfter.Equal(retryAt))
	assert.Equal(t, "connection reset", got.ErrorMessage)

	hist, err := s.AttemptHistory(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 1, hist[0].AttemptNumber)
	assert.Equal(t, types.AttemptNetError, hist[0].Category)
	assert.Equal(t, 120*time.Millisecond, hist[0].Duration)
}

func TestQueryByBulkGroupAndStatusCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var batch []*types.ActionQueueItem
	for i := 0; i < 4; i++ {
		it := newItem(i, fmt.Sprintf("m%d", i), types.ActionTrash, base.Add(time.Duration(i)*time.Second))
		it.BulkGroupID = "grp-1"
		batch = append(batch, it)
	}
	other := newItem(99, "m99", types.ActionTrash, base)
	other.BulkGroupID = "grp-2"
	require.NoError(t, s.Enqueue(ctx, append(batch, other)))

	group, err := s.QueryByBulkGroup(ctx, "grp-1")
	require.NoError(t, err)
	require.Len(t, group, 4)
	for i := 1; i < len(group); i++ {
		assert.True(t, group[i].ID > group[i-1].ID, "group results must be in creation order")
	}

	// Drive one member to each interesting state.
	now := base.Add(time.Minute)
	first, err := s.ClaimNextReady(ctx, now)
	require.NoError(t, err)
	require.NoError(t, s.RecordOutcome(ctx, first.ID, store.Outcome{
		Status:      types.StatusCompleted,
		CompletedAt: now,
		Attempt:     types.AttemptRecord{ItemID: first.ID, AttemptNumber: 1, Category: types.AttemptSuccess, AttemptedAt: now},
	}))
	second, err := s.ClaimNextReady(ctx, now)
	require.NoError(t, err)

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCounts{Pending: 3, Processing: 1, Completed: 1, Failed: 0}, counts)
	_ = second
}

func TestRecoverStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	healthy := newItem(1, "m1", types.ActionTrash, base)
	abandoned := newItem(2, "m2", types.ActionTrash, base)
	exhausted := newItem(3, "m3", types.ActionTrash, base)
	exhausted.RetryCount = types.DefaultMaxRetries
	require.NoError(t, s.Enqueue(ctx, []*types.ActionQueueItem{healthy, abandoned, exhausted}))

	// Claim all three, then simulate a crash old enough for two of them.
	for range 3 {
		it, err := s.ClaimNextReady(ctx, base)
		require.NoError(t, err)
		require.NotNil(t, it)
	}

	// "healthy" was re-claimed recently by the current run.
	require.NoError(t, s.Release(ctx, healthy.ID))
	recent := base.Add(5 * time.Minute)
	reclaimed, err := s.ClaimNextReady(ctx, recent)
	require.NoError(t, err)
	require.Equal(t, healthy.ID, reclaimed.ID)

	n, err := s.RecoverStale(ctx, recent, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Get(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount, "recovery counts as one retry")

	// The recovered item is claimable again immediately.
	next, err := s.ClaimNextReady(ctx, recent)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, abandoned.ID, next.ID)

	dead, err := s.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, dead.Status)
	assert.LessOrEqual(t, dead.RetryCount, dead.MaxRetries)

	fresh, err := s.Get(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, fresh.Status, "recent claims must survive recovery")
}
