// =================================
// File: internal/engine/metrics.go
// =================================
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/witthawin/signalbot/internal/exchange"
)

// MetricsSnapshot is the read-only balance/orders/positions view consumed by
// sizing and the UI projections.
type MetricsSnapshot struct {
	Balance       exchange.Balance
	OpenOrders    []exchange.Order
	OpenPositions []exchange.Position
	UpdatedAt     time.Time
}

// MetricsRefresher periodically refreshes the snapshot on its own cadence,
// cheaper and more frequent than the reconciliation pass. Fetch failures
// leave the previous values in place: stale-but-available beats unavailable.
type MetricsRefresher struct {
	gw       exchange.Gateway
	interval time.Duration
	logger   *zap.Logger

	mu   sync.RWMutex
	snap MetricsSnapshot
}

// NewMetricsRefresher creates a refresher polling at the given interval.
func NewMetricsRefresher(gw exchange.Gateway, interval time.Duration, logger *zap.Logger) *MetricsRefresher {
	return &MetricsRefresher{
		gw:       gw,
		interval: interval,
		logger:   logger.Named("metrics"),
	}
}

// Run polls until ctx is cancelled. The first refresh happens immediately.
func (m *MetricsRefresher) Run(ctx context.Context) {
	m.logger.Info("Starting metrics refresher", zap.Duration("interval", m.interval))

	if err := m.RefreshOnce(ctx); err != nil {
		m.logger.Warn("Initial metrics refresh incomplete", zap.Error(err))
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.RefreshOnce(ctx); err != nil {
				m.logger.Warn("Metrics refresh incomplete", zap.Error(err))
			}
		case <-ctx.Done():
			m.logger.Debug("Metrics refresher stopped")
			return
		}
	}
}

// RefreshOnce fetches balance, open orders and open positions in parallel.
// Each field is updated independently, so one failed call does not discard
// the other two results.
func (m *MetricsRefresher) RefreshOnce(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		balance, err := m.gw.GetBalance(gctx)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.snap.Balance = balance
		m.snap.UpdatedAt = time.Now()
		m.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		orders, err := m.gw.GetOpenOrders(gctx, "")
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.snap.OpenOrders = orders
		m.snap.UpdatedAt = time.Now()
		m.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		positions, err := m.gw.GetOpenPositions(gctx, "")
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.snap.OpenPositions = positions
		m.snap.UpdatedAt = time.Now()
		m.mu.Unlock()
		return nil
	})

	return g.Wait()
}

// Snapshot returns a copy of the current metrics view.
func (m *MetricsRefresher) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.snap
	snap.OpenOrders = append([]exchange.Order(nil), m.snap.OpenOrders...)
	snap.OpenPositions = append([]exchange.Position(nil), m.snap.OpenPositions...)
	return snap
}
