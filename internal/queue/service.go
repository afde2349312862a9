// Package queue is the public face of the action execution queue: the desktop
// app enqueues approved actions here and observes their progress. Everything
// else (claiming, quota, retries, recovery) happens behind this facade.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trimbox/actionq/internal/bulk"
	"github.com/trimbox/actionq/internal/clock"
	"github.com/trimbox/actionq/internal/config"
	"github.com/trimbox/actionq/internal/id"
	"github.com/trimbox/actionq/internal/metrics"
	"github.com/trimbox/actionq/internal/quota"
	"github.com/trimbox/actionq/internal/store"
	"github.com/trimbox/actionq/internal/types"
	"github.com/trimbox/actionq/internal/worker"
)

// Service wires the store, the worker pool, the quota tracker, and the bulk
// coordinator into one lifecycle.
type Service struct {
	cfg    *config.Config
	store  store.Store
	clk    clock.Clock
	logger *slog.Logger
	reg    *metrics.Registry

	groups *bulk.Coordinator
	pool   *worker.Pool
}

// New assembles a Service around an opened store and a provider executor.
func New(cfg *config.Config, st store.Store, exec worker.Executor,
	clk clock.Clock, reg *metrics.Registry, logger *slog.Logger) *Service {

	groups := bulk.New(st, logger)
	tracker := quota.New(quota.Config{
		DailyUnits:  cfg.Quota.DailyUnits,
		BurstUnits:  cfg.Quota.BurstUnits,
		Cooldown:    ms(cfg.Quota.CooldownMs),
		BackoffBase: ms(cfg.Quota.BackoffBaseMs),
		BackoffCap:  ms(cfg.Quota.BackoffCapMs),
		JitterPct:   cfg.Quota.JitterPct,
	}, clk)

	pool := worker.New(worker.Config{
		Workers:             cfg.Queue.Workers,
		PollInterval:        ms(cfg.Queue.PollIntervalMs),
		ExecTimeout:         ms(cfg.Queue.ExecTimeoutMs),
		StoreRetryDelay:     ms(cfg.Queue.StoreRetryDelayMs),
		AuthWaitCeiling:     ms(cfg.Auth.WaitCeilingMs),
		Costs:               cfg.Quota.Costs,
		UnsubscribeFallback: cfg.Queue.UnsubscribeFallback,
	}, st, exec, tracker, clk, groups, reg, logger)

	return &Service{
		cfg:    cfg,
		store:  st,
		clk:    clk,
		logger: logger,
		reg:    reg,
		groups: groups,
		pool:   pool,
	}
}

// Start repairs claims abandoned by a previous run, then launches the worker
// pool. Recovery must complete before any new claim so an interrupted attempt
// is counted exactly once.
func (s *Service) Start(ctx context.Context) error {
	recovered, err := s.store.RecoverStale(ctx, s.clk.Now(), ms(s.cfg.Queue.StaleClaimAfterMs))
	if err != nil {
		return fmt.Errorf("stale claim recovery: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("recovered items abandoned by a previous run", "count", recovered)
	}
	s.pool.Start(ctx)
	return nil
}

// Stop shuts the worker pool down, letting in-flight provider calls finish.
func (s *Service) Stop() {
	s.pool.Stop()
}

// TokensRefreshed signals that the app refreshed its provider credentials;
// dispatch paused on expired auth resumes.
func (s *Service) TokensRefreshed() {
	s.pool.TokensRefreshed()
}

// EnqueueBulkAction persists one item per email, all sharing a bulk group.
// The batch is atomic: either every email is queued or none are. When
// bulkGroupID is empty a fresh group id is generated. The enqueued items are
// returned with their assigned ids.
func (s *Service) EnqueueBulkAction(ctx context.Context, emailIDs []string,
	actionType types.ActionType, params types.ActionParams, bulkGroupID string,
) ([]*types.ActionQueueItem, error) {

	if len(emailIDs) == 0 {
		return nil, fmt.Errorf("enqueue: no email ids")
	}
	if !actionType.Valid() {
		return nil, fmt.Errorf("enqueue: unknown action type %q", actionType)
	}
	if err := params.Validate(actionType); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	if bulkGroupID == "" {
		bulkGroupID = id.MustNew()
	}

	now := s.clk.Now()
	items := make([]*types.ActionQueueItem, 0, len(emailIDs))
	for _, emailID := range emailIDs {
		if emailID == "" {
			return nil, fmt.Errorf("enqueue: empty email id")
		}
		items = append(items, &types.ActionQueueItem{
			ID:          id.MustNew(),
			EmailID:     emailID,
			ActionType:  actionType,
			Params:      params,
			BulkGroupID: bulkGroupID,
			Status:      types.StatusPending,
			Priority:    actionType.DefaultPriority(),
			MaxRetries:  s.cfg.Queue.MaxRetries,
			CreatedAt:   now,
		})
	}

	if err := s.store.Enqueue(ctx, items); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	for range items {
		s.reg.Enqueued.Inc(string(actionType))
	}
	s.logger.Info("bulk action enqueued",
		"group", bulkGroupID,
		"action", string(actionType),
		"count", len(items),
	)
	return items, nil
}

// EnqueueAction queues a single ungrouped action.
func (s *Service) EnqueueAction(ctx context.Context, emailID string,
	actionType types.ActionType, params types.ActionParams,
) (*types.ActionQueueItem, error) {

	if emailID == "" {
		return nil, fmt.Errorf("enqueue: empty email id")
	}
	if !actionType.Valid() {
		return nil, fmt.Errorf("enqueue: unknown action type %q", actionType)
	}
	if err := params.Validate(actionType); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	item := &types.ActionQueueItem{
		ID:         id.MustNew(),
		EmailID:    emailID,
		ActionType: actionType,
		Params:     params,
		Status:     types.StatusPending,
		Priority:   actionType.DefaultPriority(),
		MaxRetries: s.cfg.Queue.MaxRetries,
		CreatedAt:  s.clk.Now(),
	}
	if err := s.store.Enqueue(ctx, []*types.ActionQueueItem{item}); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	s.reg.Enqueued.Inc(string(actionType))
	return item, nil
}

// Item returns one queue item by id.
func (s *Service) Item(ctx context.Context, itemID string) (*types.ActionQueueItem, error) {
	return s.store.Get(ctx, itemID)
}

// AttemptHistory returns an item's attempt records, oldest first.
func (s *Service) AttemptHistory(ctx context.Context, itemID string) ([]types.AttemptRecord, error) {
	return s.store.AttemptHistory(ctx, itemID)
}

// GroupStatus derives the progress of one bulk group.
func (s *Service) GroupStatus(ctx context.Context, bulkGroupID string) (types.GroupStatus, error) {
	return s.groups.GroupStatus(ctx, bulkGroupID)
}

// StatusCounts tallies the whole queue.
func (s *Service) StatusCounts(ctx context.Context) (types.StatusCounts, error) {
	return s.store.StatusCounts(ctx)
}

// SubscribeGroup streams progress snapshots for one bulk group.
func (s *Service) SubscribeGroup(bulkGroupID string) (<-chan types.GroupStatus, func()) {
	return s.groups.Subscribe(bulkGroupID)
}

// SubscribeProgress streams progress snapshots for every bulk group.
func (s *Service) SubscribeProgress() (<-chan types.GroupStatus, func()) {
	return s.groups.SubscribeAll()
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
