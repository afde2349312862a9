// Package quota owns the provider request budget and the retry backoff
// policy. Centralizing both here guarantees an identical policy for every
// action type and keeps the worker loop free of numeric tuning logic.
//
// The budget is a token bucket (golang.org/x/time/rate) refilled at the
// configured daily ceiling spread evenly across the day, with a burst cap so
// a big bulk approval cannot drain hours of budget in one spike. A 429 from
// the provider freezes acquisition entirely for the hinted (or default)
// cool-down window.
package quota

import (
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trimbox/actionq/internal/clock"
)

// Config tunes the tracker. All fields must be positive; config validation
// upstream enforces that.
type Config struct {
	// DailyUnits is the quota ceiling per UTC day.
	DailyUnits int64
	// BurstUnits caps instantaneous spend.
	BurstUnits int
	// Cooldown applies after a rate-limited response without a Retry-After.
	Cooldown time.Duration

	// BackoffBase doubles per attempt up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// JitterPct adds up to this percentage of random jitter on top.
	JitterPct int
}

// Tracker is the shared budget/backoff authority for all workers.
// All methods are safe for concurrent use; the raw counters are never
// exposed to callers.
type Tracker struct {
	cfg Config
	clk clock.Clock

	mu            sync.Mutex
	limiter       *rate.Limiter
	cooldownUntil time.Time
}

// New creates a Tracker using clk for all time decisions.
func New(cfg Config, clk clock.Clock) *Tracker {
	perSecond := rate.Limit(float64(cfg.DailyUnits) / (24 * 60 * 60))
	return &Tracker{
		cfg:     cfg,
		clk:     clk,
		limiter: rate.NewLimiter(perSecond, cfg.BurstUnits),
	}
}

// TryAcquire non-blockingly takes costUnits from the budget. It returns
// false during a cool-down window or when the bucket cannot cover the cost;
// the caller releases its claim and waits rather than queueing up.
func (t *Tracker) TryAcquire(costUnits int) bool {
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Before(t.cooldownUntil) {
		return false
	}
	return t.limiter.AllowN(now, costUnits)
}

// RecordRateLimited freezes acquisition after a 429-style response.
// retryAfterHint is the provider's Retry-After when present; zero applies
// the configured default cool-down. An already-later freeze is kept.
func (t *Tracker) RecordRateLimited(retryAfterHint time.Duration) {
	if retryAfterHint <= 0 {
		retryAfterHint = t.cfg.Cooldown
	}
	until := t.clk.Now().Add(retryAfterHint)

	t.mu.Lock()
	if until.After(t.cooldownUntil) {
		t.cooldownUntil = until
	}
	t.mu.Unlock()
}

// CoolingDown reports whether acquisition is currently frozen.
func (t *Tracker) CoolingDown() bool {
	now := t.clk.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return now.Before(t.cooldownUntil)
}

// Backoff computes the delay before retry number attempt (1-based): the base
// doubled per attempt, capped, plus up to JitterPct percent of random jitter
// so a burst of failures does not retry in lockstep.
func (t *Tracker) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := t.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.cfg.BackoffCap {
			d = t.cfg.BackoffCap
			break
		}
	}
	if d > t.cfg.BackoffCap {
		d = t.cfg.BackoffCap
	}

	if t.cfg.JitterPct > 0 {
		maxJitter := d * time.Duration(t.cfg.JitterPct) / 100
		if maxJitter > 0 {
			d += time.Duration(rand.Int64N(int64(maxJitter) + 1))
		}
	}
	return d
}

// NextQuotaReset returns the start of the next quota window: the upcoming
// UTC midnight. Items that exhausted the daily quota are gated to this
// instant regardless of their retry count.
func (t *Tracker) NextQuotaReset() time.Time {
	now := t.clk.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
