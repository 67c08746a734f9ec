package observability

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks escrow operations and custody movements.
type EscrowMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	transfers  *prometheus.CounterVec
	volume     *prometheus.CounterVec
	funds      *prometheus.GaugeVec
	events     *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registered with the
// default Prometheus registerer.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = newEscrowMetrics()
		prometheus.MustRegister(escrowRegistry.Collectors()...)
	})
	return escrowRegistry
}

func newEscrowMetrics() *EscrowMetrics {
	return &EscrowMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proofpay",
			Subsystem: "escrow",
			Name:      "operations_total",
			Help:      "Escrow operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proofpay",
			Subsystem: "escrow",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for escrow operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proofpay",
			Subsystem: "custody",
			Name:      "transfers_total",
			Help:      "Custody transfers segmented by asset and direction.",
		}, []string{"asset", "direction"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proofpay",
			Subsystem: "custody",
			Name:      "transfer_volume",
			Help:      "Approximate value moved through custody in base units.",
		}, []string{"asset", "direction"}),
		funds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proofpay",
			Subsystem: "escrow",
			Name:      "funds",
			Help:      "Funds currently held by the registry segmented by status.",
		}, []string{"status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proofpay",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Engine events segmented by type.",
		}, []string{"type"}),
	}
}

// Collectors exposes the underlying collectors for custom registries.
func (m *EscrowMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.operations, m.latency, m.transfers, m.volume, m.funds, m.events}
}

// ObserveOperation records one escrow operation. Outcome is "ok" or the
// failure name.
func (m *EscrowMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "unknown"
	}
	if strings.TrimSpace(outcome) == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	if duration > 0 {
		m.latency.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordTransfer counts a custody movement. Direction is "in" for deposits
// into custody and "out" for payouts.
func (m *EscrowMetrics) RecordTransfer(asset, direction string, amount *big.Int) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.transfers.WithLabelValues(normalized, direction).Inc()
	if amount != nil && amount.Sign() > 0 {
		value, _ := new(big.Float).SetInt(amount).Float64()
		m.volume.WithLabelValues(normalized, direction).Add(value)
	}
}

// SetFunds overwrites the gauge for status with a count rebuilt from
// storage.
func (m *EscrowMetrics) SetFunds(status string, count int) {
	if m == nil {
		return
	}
	m.funds.WithLabelValues(status).Set(float64(count))
}

// RecordEvent counts one engine event.
func (m *EscrowMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	if eventType = strings.TrimSpace(eventType); eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType).Inc()
}
