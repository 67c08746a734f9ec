package escrowd

import (
	"log/slog"
	"math/big"
	"sync"

	"proofpay/core/events"
	"proofpay/native/escrow"
	"proofpay/observability"
)

// EventSink logs engine events and feeds the custody metrics. Nothing leaves
// the process.
type EventSink struct {
	logger  *slog.Logger
	metrics *observability.EscrowMetrics

	mu    sync.RWMutex
	asset string
}

func NewEventSink(logger *slog.Logger, metrics *observability.EscrowMetrics) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{logger: logger.With("component", "events"), metrics: metrics}
}

// SetAsset labels transfer metrics recorded before the initialized event
// is observed, e.g. after a restart.
func (s *EventSink) SetAsset(asset string) {
	s.mu.Lock()
	s.asset = asset
	s.mu.Unlock()
}

func (s *EventSink) currentAsset() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.asset
}

// Emit implements events.Emitter.
func (s *EventSink) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	s.metrics.RecordEvent(evt.EventType())
	record, ok := evt.(events.Record)
	if !ok {
		s.logger.Info("event", "type", evt.EventType())
		return
	}
	attrs := make([]any, 0, 2*len(record.Attributes)+2)
	attrs = append(attrs, "type", record.Type)
	for k, v := range record.Attributes {
		attrs = append(attrs, k, v)
	}
	s.logger.Info("event", attrs...)

	amount, _ := new(big.Int).SetString(record.Attributes["amount"], 10)
	switch record.Type {
	case escrow.EventTypeInitialized:
		s.SetAsset(record.Attributes["asset"])
	case escrow.EventTypeFundCreated:
		s.metrics.RecordTransfer(s.currentAsset(), "in", amount)
	case escrow.EventTypeFundReleased:
		s.metrics.RecordTransfer(s.currentAsset(), "out", amount)
	case escrow.EventTypeFundRefunded:
		s.metrics.RecordTransfer(s.currentAsset(), "out", amount)
	}
}
