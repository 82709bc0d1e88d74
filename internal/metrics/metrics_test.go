package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordBillingEvent("invoice.payment_succeeded", "applied")
	c.RecordSettlement("completed")
	c.RecordReconcile("sessions", "updated", 3)
	c.RecordTaskRun("reconcile", "ok", time.Second)
	c.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
	c.SetMetalPrice("gold", "g", "usd", 70)
}

func TestCollectorCountsAndServes(t *testing.T) {
	c := NewCollector()
	c.RecordBillingEvent("invoice.payment_succeeded", "applied")
	c.RecordBillingEvent("invoice.payment_succeeded", "applied")
	c.RecordReconcile("sessions", "updated", 0)

	if got := testutil.ToFloat64(c.BillingEvents.WithLabelValues("invoice.payment_succeeded", "applied")); got != 2 {
		t.Fatalf("expected 2 applied events, got %v", got)
	}
	if got := testutil.CollectAndCount(c.ReconcileOrders); got != 0 {
		t.Fatalf("expected zero-count reconcile records to be skipped, got %d series", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "settlement_billing_events_total") {
		t.Fatal("expected billing events metric in exposition output")
	}
}
