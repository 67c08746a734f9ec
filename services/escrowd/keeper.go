package escrowd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"proofpay/native/escrow"
	"proofpay/observability"
)

// Keeper periodically restarts the retention window of the configuration
// records, so an idle escrow keeps its asset and counter, and rebuilds the
// per-status fund gauges from storage.
type Keeper struct {
	engine   *escrow.Engine
	interval time.Duration
	metrics  *observability.EscrowMetrics
	logger   *slog.Logger
}

func NewKeeper(engine *escrow.Engine, interval time.Duration, metrics *observability.EscrowMetrics, logger *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{engine: engine, interval: interval, metrics: metrics, logger: logger.With("component", "keeper")}
}

// Run ticks until ctx is cancelled. The first tick runs immediately.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		if err := k.Tick(ctx); err != nil && ctx.Err() == nil {
			k.logger.Warn("keeper tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one refresh and recount.
func (k *Keeper) Tick(ctx context.Context) error {
	err := k.engine.RefreshConfiguration(ctx)
	switch {
	case err == nil:
	case errors.Is(err, escrow.ErrNotInitialized):
		return nil
	default:
		return err
	}
	return k.Recount(ctx)
}

// Recount rebuilds the fund gauges by scanning the registry.
func (k *Keeper) Recount(ctx context.Context) error {
	counts := make(map[escrow.FundStatus]int, len(escrow.AllStatuses()))
	opts := escrow.ListOptions{Limit: escrow.MaxListLimit}
	for {
		page, err := k.engine.ListFunds(ctx, opts)
		if err != nil {
			return err
		}
		for _, fund := range page.Funds {
			counts[fund.Status]++
		}
		if page.Next >= page.Total {
			break
		}
		opts.Offset = page.Next
	}
	for _, status := range escrow.AllStatuses() {
		k.metrics.SetFunds(status.String(), counts[status])
	}
	return nil
}
