// Package metrics exposes safeline's own Prometheus collectors.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "safeline"

// Registry holds every safeline collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Accepted operation state transitions.",
		},
		[]string{"from_state", "to_state", "trigger"},
	)

	rejectedTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "rejected_transitions_total",
			Help:      "Transition attempts refused by the transition table.",
		},
		[]string{"from_state", "to_state"},
	)

	gateResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gates",
			Name:      "results_total",
			Help:      "Safety gate verdicts by gate and result.",
		},
		[]string{"gate", "result"},
	)

	gateErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gates",
			Name:      "evaluation_errors_total",
			Help:      "Gate evaluations that could not reach a verdict.",
		},
	)

	gateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gates",
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of a full gate evaluation.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	lockAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Service lock acquisition attempts by result.",
		},
		[]string{"result"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by channel and result.",
		},
		[]string{"channel", "result"},
	)

	escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "escalations_total",
			Help:      "Stale human-review pauses escalated.",
		},
	)
)

var registerMetrics sync.Once

// Register adds every collector to Registry once.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			transitions,
			rejectedTransitions,
			gateResults,
			gateErrors,
			gateDuration,
			lockAttempts,
			notifications,
			escalations,
			operations,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Reset clears every vector; used by tests.
func Reset() {
	transitions.Reset()
	rejectedTransitions.Reset()
	gateResults.Reset()
	lockAttempts.Reset()
	notifications.Reset()
}

func RecordTransition(from, to, trigger string) {
	transitions.WithLabelValues(from, to, trigger).Inc()
}

func RecordRejectedTransition(from, to string) {
	rejectedTransitions.WithLabelValues(from, to).Inc()
}

func RecordGateResult(gate string, passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	gateResults.WithLabelValues(gate, result).Inc()
}

func RecordGateEvaluation(d time.Duration, err error) {
	gateDuration.Observe(d.Seconds())
	if err != nil {
		gateErrors.Inc()
	}
}

// RecordLockAttempt counts an acquisition; result is acquired, held or error.
func RecordLockAttempt(result string) {
	lockAttempts.WithLabelValues(result).Inc()
}

func RecordNotification(channel string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	notifications.WithLabelValues(channel, result).Inc()
}

func RecordEscalation() {
	escalations.Inc()
}

var descOperations = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "lifecycle", "operations"),
	"Stored operations by current state.",
	[]string{"state"}, nil,
)

// StateCounter reports how many operations sit in each state.
type StateCounter func(ctx context.Context) (map[string]int, error)

type operationsCollector struct {
	count   StateCounter
	timeout time.Duration

	mu    sync.Mutex
	bound *binding
}

type binding struct {
	count StateCounter
}

var _ prometheus.Collector = &operationsCollector{}

// operations is the Registry's collector; the open workspace binds its counter.
var operations = &operationsCollector{timeout: 5 * time.Second}

// NewOperationsCollector exposes operation counts per state, read at scrape time.
func NewOperationsCollector(count StateCounter) prometheus.Collector {
	return &operationsCollector{count: count, timeout: 5 * time.Second}
}

// BindOperations points the registered operations gauge at count. The returned
// func unbinds it unless a later bind replaced it.
func BindOperations(count StateCounter) (unbind func()) {
	Register()
	b := &binding{count: count}
	operations.mu.Lock()
	operations.bound = b
	operations.mu.Unlock()
	return func() {
		operations.mu.Lock()
		defer operations.mu.Unlock()
		if operations.bound == b {
			operations.bound = nil
		}
	}
}

func (c *operationsCollector) counter() StateCounter {
	if c.count != nil {
		return c.count
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound == nil {
		return nil
	}
	return c.bound.count
}

func (c *operationsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descOperations
}

func (c *operationsCollector) Collect(ch chan<- prometheus.Metric) {
	count := c.counter()
	if count == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	counts, err := count(ctx)
	if err != nil {
		return
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(descOperations, prometheus.GaugeValue, float64(n), state)
	}
}
