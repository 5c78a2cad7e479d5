// ===============================
// File: internal/engine/engine.go
// ===============================
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/witthawin/signalbot/internal/config"
	"github.com/witthawin/signalbot/internal/exchange"
	"github.com/witthawin/signalbot/internal/signal"
)

// Engine owns the position store, trade history, entry executor, metrics
// refresher and reconciler, and runs the background loops.
type Engine struct {
	cfg      *config.Config
	gw       exchange.Gateway
	notifier Notifier
	logger   *zap.Logger

	store      *Store
	history    *History
	metrics    *MetricsRefresher
	executor   *Executor
	reconciler *Reconciler

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
	running   bool
}

// New builds an engine from the configuration, exchange gateway and notifier.
// Persisted position state and trade history are loaded here; a corrupt state
// file fails construction rather than silently discarding positions.
func New(cfg *config.Config, gw exchange.Gateway, notifier Notifier, logger *zap.Logger) (*Engine, error) {
	if notifier == nil {
		notifier = NoopNotifier{}
	}

	store, err := NewStore(cfg.Engine.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("init position store: %w", err)
	}
	history, err := NewHistory(cfg.Engine.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("init trade history: %w", err)
	}

	metrics := NewMetricsRefresher(gw,
		time.Duration(cfg.Engine.MetricsIntervalSec)*time.Second, logger)

	fallback := exchange.InstrumentInfo{
		MinOrderQty: mustDecimal(cfg.Trading.FallbackMinOrderQty),
		QtyStep:     mustDecimal(cfg.Trading.FallbackQtyStep),
		TickSize:    mustDecimal(cfg.Trading.FallbackTickSize),
	}
	instruments := newInstrumentCache(gw, fallback, logger)

	reconciler := &Reconciler{
		gw:            gw,
		store:         store,
		history:       history,
		instruments:   instruments,
		notifier:      notifier,
		trading:       cfg.Trading,
		interval:      time.Duration(cfg.Engine.ReconcileIntervalSec) * time.Second,
		driftAttempts: cfg.Engine.DriftRetryAttempts,
		driftDelay:    time.Duration(cfg.Engine.DriftRetryDelaySec) * time.Second,
		logger:        logger.Named("reconciler"),
	}

	executor := &Executor{
		gw:          gw,
		store:       store,
		history:     history,
		metrics:     metrics,
		instruments: instruments,
		notifier:    notifier,
		trading:     cfg.Trading,
		settleDelay: time.Duration(cfg.Engine.SettleDelaySec) * time.Second,
		closeDelay:  time.Duration(cfg.Engine.CloseBeforeOpenDelaySec) * time.Second,
		logger:      logger.Named("executor"),
		verify:      reconciler.VerifyKey,
	}

	return &Engine{
		cfg:        cfg,
		gw:         gw,
		notifier:   notifier,
		logger:     logger.Named("engine"),
		store:      store,
		history:    history,
		metrics:    metrics,
		executor:   executor,
		reconciler: reconciler,
	}, nil
}

// Start primes the metrics snapshot and launches the background loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = time.Now()
	e.running = true

	if err := e.metrics.RefreshOnce(runCtx); err != nil {
		e.logger.Warn("Initial metrics refresh incomplete", zap.Error(err))
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.metrics.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.reconciler.Run(runCtx)
	}()

	e.logger.Info("Engine started",
		zap.String("symbol", e.cfg.Trading.Symbol),
		zap.Int("tracked_positions", e.store.Len()))
	return nil
}

// Stop cancels the loops, waits for them to drain and flushes durable state.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	if err := e.store.Flush(); err != nil {
		e.logger.Error("Failed to flush position state on shutdown", zap.Error(err))
	}
	if err := e.history.Flush(); err != nil {
		e.logger.Error("Failed to flush trade history on shutdown", zap.Error(err))
	}
	e.logger.Info("Engine stopped", zap.String("uptime", e.Uptime()))
}

// ExecuteSignal runs the entry flow for a validated signal.
func (e *Engine) ExecuteSignal(ctx context.Context, sig *signal.TradingSignal) bool {
	return e.executor.ExecuteSignal(ctx, sig)
}

// HistoryRows returns the most recent trade history entries for display.
func (e *Engine) HistoryRows() []HistoryEntry {
	return e.history.Recent(e.cfg.Engine.HistoryDisplayLimit)
}

// PositionRow is the display projection of one tracked position, merged with
// the latest live metrics when available.
type PositionRow struct {
	SymbolSlot  string
	SideSize    string
	Entry       string
	PnL         string
	StopLoss    string
	TakeProfit1 string
	Breakeven   string
	OrderStatus string
}

// PositionRows merges tracked state with the metrics snapshot into display
// rows, sorted by key for stable output.
func (e *Engine) PositionRows() []PositionRow {
	snap := e.metrics.Snapshot()
	liveBy := make(map[PositionKey]exchange.Position, len(snap.OpenPositions))
	for _, p := range snap.OpenPositions {
		liveBy[PositionKey{Symbol: p.Symbol, Slot: p.Slot}] = p
	}

	tracked := e.store.All()
	sort.Slice(tracked, func(i, j int) bool {
		return tracked[i].Key().String() < tracked[j].Key().String()
	})

	rows := make([]PositionRow, 0, len(tracked))
	for _, p := range tracked {
		row := PositionRow{
			SymbolSlot:  p.Key().String(),
			SideSize:    fmt.Sprintf("%s %s", p.Side, p.LastKnownSize),
			Entry:       priceOrNA(p.BestEntryPrice()),
			PnL:         "N/A",
			StopLoss:    priceOrNA(p.IntendedStopLoss),
			TakeProfit1: priceOrNA(p.IntendedTakeProfit1),
			Breakeven:   boolYesNo(p.BreakevenApplied),
			OrderStatus: p.MainOrderStatus,
		}
		if live, ok := liveBy[p.Key()]; ok {
			row.SideSize = fmt.Sprintf("%s %s", p.Side, live.Size)
			row.PnL = live.UnrealisedPnL.StringFixed(4)
		}
		rows = append(rows, row)
	}
	return rows
}

// Metrics returns the latest balance/orders/positions snapshot.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// TrackedCount returns the number of tracked positions.
func (e *Engine) TrackedCount() int {
	return e.store.Len()
}

// Uptime returns the engine run time as HH:MM:SS.
func (e *Engine) Uptime() string {
	e.mu.Lock()
	started := e.startedAt
	e.mu.Unlock()
	if started.IsZero() {
		return "00:00:00"
	}
	d := time.Since(started)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func boolYesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
