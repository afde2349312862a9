// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for actionq. It deliberately avoids the prometheus/client_golang
// package so the desktop binary stays small with no additional dependencies.
//
// # Counter naming convention
//
// Every counter is keyed by the action type label, so a single sync.Map per
// counter holds all label combinations without map nesting.
//
//	Enqueued / Completed / Failed / Retried / Downgraded  →  key = action type
//	RateLimited / QuotaDenied / AuthPauses                →  key = "" (global)
//	ExecDurMs / ExecDurCnt                                →  key = action type
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all actionq application metrics. The zero value is ready to
// use.
type Registry struct {
	// Item-level counters.  key = action type
	Enqueued   labelCounter
	Completed  labelCounter
	Failed     labelCounter
	Retried    labelCounter
	Downgraded labelCounter

	// Throttling counters.  key = "" (no labels)
	RateLimited labelCounter // 429-style responses observed
	QuotaDenied labelCounter // claims released because the budget said no
	AuthPauses  labelCounter // dispatch pauses waiting for a token refresh

	// Execution duration.  key = action type (sum + count, for avg)
	ExecDurMs  labelCounter
	ExecDurCnt labelCounter
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── item counters ─────────────────────────────────────────────────────
		byAction := func(lc *labelCounter) func(fn func(labels, val string)) {
			return func(fn func(labels, val string)) {
				lc.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`action=%q`, key), fmt.Sprintf("%d", val))
				})
			}
		}
		global := func(lc *labelCounter) func(fn func(labels, val string)) {
			return func(fn func(labels, val string)) {
				lc.Each(func(_ string, val int64) {
					fn("", fmt.Sprintf("%d", val))
				})
			}
		}

		writeFamily(&b, "actionq_items_enqueued_total",
			"Total items accepted into the queue", "counter", byAction(&r.Enqueued))
		writeFamily(&b, "actionq_items_completed_total",
			"Total items that completed successfully", "counter", byAction(&r.Completed))
		writeFamily(&b, "actionq_items_failed_total",
			"Total items that reached the failed terminal state", "counter", byAction(&r.Failed))
		writeFamily(&b, "actionq_items_retried_total",
			"Total retry attempts scheduled", "counter", byAction(&r.Retried))
		writeFamily(&b, "actionq_items_downgraded_total",
			"Total unsubscribe items downgraded to their delete fallback", "counter", byAction(&r.Downgraded))

		// ── throttling counters ───────────────────────────────────────────────
		writeFamily(&b, "actionq_rate_limited_total",
			"Total rate-limited provider responses observed", "counter", global(&r.RateLimited))
		writeFamily(&b, "actionq_quota_denied_total",
			"Total claims released because the quota budget was exhausted", "counter", global(&r.QuotaDenied))
		writeFamily(&b, "actionq_auth_pauses_total",
			"Total dispatch pauses waiting for a credential refresh", "counter", global(&r.AuthPauses))

		// ── execution duration ────────────────────────────────────────────────
		writeFamily(&b, "actionq_execution_duration_milliseconds_sum",
			"Sum of provider call durations in milliseconds", "counter", byAction(&r.ExecDurMs))
		writeFamily(&b, "actionq_execution_duration_milliseconds_count",
			"Count of observed provider call durations", "counter", byAction(&r.ExecDurCnt))

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		if labels == "" {
			lines = append(lines, fmt.Sprintf("%s %s\n", name, val))
			return
		}
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}
