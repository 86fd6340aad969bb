package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "genledger"

var (
	ledgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Credit ledger operations broken out by operation and result.",
		},
		[]string{"op", "result"},
	)

	generationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_transitions_total",
			Help:      "Terminal generation transitions broken out by status and failure reason.",
		},
		[]string{"status", "reason"},
	)

	webhookCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_callbacks_total",
			Help:      "Provider webhook deliveries broken out by provider and disposition.",
		},
		[]string{"provider", "result"},
	)

	sweepGenerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_generations_total",
			Help:      "Generations inspected by the reconciliation sweeper broken out by action taken.",
		},
		[]string{"action"},
	)

	auditViolations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_violations",
			Help:      "Findings of the last integrity audit broken out by kind.",
		},
		[]string{"kind"},
	)

	providerRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_seconds",
			Help:      "Latency of outbound provider calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "op"},
	)
)

var registerOnce sync.Once

// Register 把所有指标注册到 reg，重复调用只生效一次
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			ledgerOperations,
			generationTransitions,
			webhookCallbacks,
			sweepGenerations,
			auditViolations,
			providerRequestSeconds,
		)
	})
}

func RecordLedgerOperation(op, result string) {
	ledgerOperations.WithLabelValues(op, result).Inc()
}

func RecordTransition(status, reason string) {
	generationTransitions.WithLabelValues(status, reason).Inc()
}

func RecordWebhook(provider, result string) {
	webhookCallbacks.WithLabelValues(provider, result).Inc()
}

func RecordSweep(action string) {
	sweepGenerations.WithLabelValues(action).Inc()
}

func SetAuditViolations(kind string, n int) {
	auditViolations.WithLabelValues(kind).Set(float64(n))
}

func ObserveProviderRequest(provider, op string, start time.Time) {
	providerRequestSeconds.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
}
