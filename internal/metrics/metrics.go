package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "settlement"

// Collector holds the service's Prometheus metrics on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	BillingEvents       *prometheus.CounterVec
	Settlements         *prometheus.CounterVec
	ReconcileOrders     *prometheus.CounterVec
	ScheduledTaskRuns   *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	MetalPrice          *prometheus.GaugeVec
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		BillingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_total",
			Help:      "Billing events processed, by type and outcome",
		}, []string{"event_type", "outcome"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawal_settlements_total",
			Help:      "Withdrawal settlement attempts, by result",
		}, []string{"result"}),
		ReconcileOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_orders_total",
			Help:      "Orders touched by the reconciliation sweep, by pass and result",
		}, []string{"pass", "result"}),
		ScheduledTaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_task_runs_total",
			Help:      "Scheduled task executions, by task and status",
		}, []string{"task", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduled_task_duration_seconds",
			Help:      "Duration of scheduled task executions in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		MetalPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "metal_price_per_base_unit",
			Help:      "Latest cached metal price per base unit",
		}, []string{"metal", "unit", "currency"}),
	}
	reg.MustRegister(
		c.BillingEvents,
		c.Settlements,
		c.ReconcileOrders,
		c.ScheduledTaskRuns,
		c.TaskDuration,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
		c.MetalPrice,
	)
	return c
}

func (c *Collector) RecordBillingEvent(eventType, outcome string) {
	if c == nil {
		return
	}
	c.BillingEvents.WithLabelValues(eventType, outcome).Inc()
}

func (c *Collector) RecordSettlement(result string) {
	if c == nil {
		return
	}
	c.Settlements.WithLabelValues(result).Inc()
}

func (c *Collector) RecordReconcile(pass, result string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ReconcileOrders.WithLabelValues(pass, result).Add(float64(n))
}

func (c *Collector) RecordTaskRun(task, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.ScheduledTaskRuns.WithLabelValues(task, status).Inc()
	c.TaskDuration.WithLabelValues(task).Observe(elapsed.Seconds())
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (c *Collector) SetMetalPrice(metal, unit, currency string, price float64) {
	if c == nil {
		return
	}
	c.MetalPrice.WithLabelValues(metal, unit, currency).Set(price)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
