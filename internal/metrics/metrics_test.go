package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/trimbox/actionq/internal/metrics"
	"github.com/trimbox/actionq/internal/types"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

func TestRegistry_ItemCounters(t *testing.T) {
	var reg metrics.Registry

	key := string(types.ActionTrash)
	reg.Completed.Inc(key)
	reg.Completed.Inc(key)
	reg.Completed.Add(key, 3)

	got := int64(0)
	reg.Completed.Each(func(k string, v int64) {
		if k == key {
			got = v
		}
	})
	if got != 5 {
		t.Fatalf("Completed count = %d, want 5", got)
	}
}

func TestRegistry_DurationCounters(t *testing.T) {
	var reg metrics.Registry

	key := string(types.ActionUnsubscribe)
	reg.ExecDurMs.Add(key, 42)
	reg.ExecDurMs.Add(key, 18)
	reg.ExecDurCnt.Inc(key)
	reg.ExecDurCnt.Inc(key)

	durSum := int64(0)
	reg.ExecDurMs.Each(func(k string, v int64) {
		if k == key {
			durSum = v
		}
	})
	if durSum != 60 {
		t.Fatalf("ExecDurMs sum = %d, want 60", durSum)
	}
}

// ─── Prometheus output format ─────────────────────────────────────────────────

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func mustContain(t *testing.T, body, want string) {
	t.Helper()
	if !strings.Contains(body, want) {
		t.Fatalf("metrics output missing %q:\n%s", want, body)
	}
}

func TestHandler_ContentType(t *testing.T) {
	var reg metrics.Registry
	reg.Enqueued.Inc(string(types.ActionTrash))

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}

func TestHandler_EmptyRegistry(t *testing.T) {
	var reg metrics.Registry
	body := scrape(t, &reg)
	if body != "" {
		t.Fatalf("expected empty body for empty registry, got:\n%s", body)
	}
}

func TestHandler_ItemCounters(t *testing.T) {
	var reg metrics.Registry

	reg.Enqueued.Add(string(types.ActionTrash), 5)
	reg.Enqueued.Inc(string(types.ActionReportSpam))
	reg.Failed.Inc(string(types.ActionUnsubscribe))

	body := scrape(t, &reg)

	mustContain(t, body, "# HELP actionq_items_enqueued_total")
	mustContain(t, body, "# TYPE actionq_items_enqueued_total counter")
	mustContain(t, body, `action="trash"`)
	mustContain(t, body, `action="report_spam"`)
	mustContain(t, body, `actionq_items_failed_total{action="unsubscribe"} 1`)
}

func TestHandler_GlobalCounters(t *testing.T) {
	var reg metrics.Registry

	reg.RateLimited.Inc("")
	reg.RateLimited.Inc("")
	reg.QuotaDenied.Inc("")
	reg.AuthPauses.Inc("")

	body := scrape(t, &reg)

	mustContain(t, body, "actionq_rate_limited_total 2")
	mustContain(t, body, "actionq_quota_denied_total 1")
	mustContain(t, body, "actionq_auth_pauses_total 1")
}

func TestHandler_MultipleMetricFamilies(t *testing.T) {
	var reg metrics.Registry

	k := string(types.ActionDelete)
	reg.Enqueued.Add(k, 10)
	reg.Completed.Add(k, 8)
	reg.Retried.Add(k, 3)
	reg.Failed.Add(k, 2)
	reg.Downgraded.Inc(string(types.ActionUnsubscribe))
	reg.ExecDurMs.Add(k, 120)
	reg.ExecDurCnt.Add(k, 8)

	body := scrape(t, &reg)

	mustContain(t, body, "actionq_items_enqueued_total")
	mustContain(t, body, "actionq_items_completed_total")
	mustContain(t, body, "actionq_items_retried_total")
	mustContain(t, body, "actionq_items_failed_total")
	mustContain(t, body, "actionq_items_downgraded_total")
	mustContain(t, body, "actionq_execution_duration_milliseconds_sum")
	mustContain(t, body, "actionq_execution_duration_milliseconds_count")
}
