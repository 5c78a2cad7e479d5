// ========================================
// File: internal/engine/reconciler_test.go
// ========================================
package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witthawin/signalbot/internal/exchange"
	"github.com/witthawin/signalbot/internal/signal"
)

func trackedLong(t *testing.T) *TrackedPosition {
	t.Helper()
	return &TrackedPosition{
		Symbol:              "BTCUSDT",
		Slot:                0,
		Side:                signal.Long,
		SignalEntryPrice:    dp(t, "100"),
		IntendedStopLoss:    dp(t, "95"),
		IntendedTakeProfit1: dp(t, "110"),
		MainOrderID:         "order-1",
		MainOrderStatus:     StatusFilled,
		LastKnownSize:       d(t, "1"),
		LastUpdateTime:      time.Now().UTC(),
	}
}

func livePosition(t *testing.T, size, avg, sl, tp string) exchange.Position {
	t.Helper()
	p := exchange.Position{
		Symbol:   "BTCUSDT",
		Slot:     0,
		Side:     exchange.SideBuy,
		Size:     d(t, size),
		AvgPrice: d(t, avg),
	}
	if sl != "" {
		p.StopLoss = dp(t, sl)
	}
	if tp != "" {
		p.TakeProfit = dp(t, tp)
	}
	return p
}

func TestReconcilePendingEntryConfirmed(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.Position{livePosition(t, "1", "100.5", "95", "110")}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	pending := trackedLong(t)
	pending.MainOrderStatus = StatusNew
	pending.EntryPrice = nil
	fx.store.Put(pending)

	fx.reconciler.runOnce(context.Background())

	pos, ok := fx.store.Get(pending.Key())
	require.True(t, ok)
	assert.Equal(t, StatusFilled, pos.MainOrderStatus)
	require.NotNil(t, pos.EntryPrice)
	assert.True(t, pos.EntryPrice.Equal(d(t, "100.5")))
	// SignalEntryPrice is never overwritten by the backfill.
	assert.True(t, pos.SignalEntryPrice.Equal(d(t, "100")))
}

func TestReconcilePendingEntryStillOpen(t *testing.T) {
	gw := newFakeGateway()
	gw.orders = []exchange.Order{{
		OrderID: "order-1",
		Symbol:  "BTCUSDT",
		Status:  "PartiallyFilled",
	}}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	pending := trackedLong(t)
	pending.MainOrderStatus = StatusNew
	fx.store.Put(pending)

	fx.reconciler.runOnce(context.Background())

	pos, ok := fx.store.Get(pending.Key())
	require.True(t, ok)
	assert.Equal(t, "PartiallyFilled", pos.MainOrderStatus)
}

func TestReconcileEntryFailedRemoval(t *testing.T) {
	gw := newFakeGateway() // no live position, no open order
	fx := newTestFixture(t, gw, defaultTradingConfig())

	pending := trackedLong(t)
	pending.MainOrderStatus = StatusNew
	fx.store.Put(pending)

	fx.reconciler.runOnce(context.Background())

	_, ok := fx.store.Get(pending.Key())
	assert.False(t, ok)
	assert.Contains(t, historyStatuses(fx.history),
		"Position Closed (Entry Order Failed/Cancelled)")
}

func TestReconcileClosureRecordedExactlyOnce(t *testing.T) {
	gw := newFakeGateway()
	fx := newTestFixture(t, gw, defaultTradingConfig())

	fx.store.Put(trackedLong(t))

	fx.reconciler.runOnce(context.Background())
	fx.reconciler.runOnce(context.Background())

	assert.Equal(t, 0, fx.store.Len())
	count := 0
	for _, s := range historyStatuses(fx.history) {
		if s == "Position Closed (Closed on Exchange)" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestReconcileAdoptsUntrackedPosition(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.Position{livePosition(t, "2", "101", "96", "111")}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	fx.reconciler.runOnce(context.Background())

	pos, ok := fx.store.Get(PositionKey{Symbol: "BTCUSDT", Slot: 0})
	require.True(t, ok)
	assert.Equal(t, StatusFilledExternal, pos.MainOrderStatus)
	assert.Equal(t, signal.Long, pos.Side)
	assert.True(t, pos.LastKnownSize.Equal(d(t, "2")))
	require.NotNil(t, pos.IntendedStopLoss)
	assert.True(t, pos.IntendedStopLoss.Equal(d(t, "96")))
	require.NotNil(t, pos.IntendedTakeProfit1)
	assert.True(t, pos.IntendedTakeProfit1.Equal(d(t, "111")))
	assert.False(t, pos.BreakevenApplied)
	assert.Contains(t, historyStatuses(fx.history), "External Position Adopted")
}

func TestReconcileBreakevenOnPartialClose(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.Position{livePosition(t, "0.5", "100.5", "95", "110")}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	fx.store.Put(trackedLong(t)) // last known size 1

	fx.reconciler.runOnce(context.Background())

	pos, ok := fx.store.Get(PositionKey{Symbol: "BTCUSDT", Slot: 0})
	require.True(t, ok)
	assert.True(t, pos.BreakevenApplied)
	require.NotNil(t, pos.IntendedStopLoss)
	// Stop pinned to the confirmed entry, not the signal price.
	assert.True(t, pos.IntendedStopLoss.Equal(d(t, "100.5")),
		"sl = %s", pos.IntendedStopLoss)
	assert.True(t, pos.LastKnownSize.Equal(d(t, "0.5")))
	assert.Contains(t, historyStatuses(fx.history), "SL to Break-Even (Partial TP)")

	// Drift correction re-asserts the new stop in the same pass.
	require.NotEmpty(t, gw.tradingStops)
	assert.Equal(t, "100.5", gw.tradingStops[len(gw.tradingStops)-1].StopLoss)
}

func TestReconcileBreakevenMonotonic(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.Position{livePosition(t, "0.5", "100.5", "100.5", "110")}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	applied := trackedLong(t)
	applied.BreakevenApplied = true
	applied.IntendedStopLoss = dp(t, "100.5")
	applied.LastKnownSize = d(t, "1")
	fx.store.Put(applied)

	fx.reconciler.runOnce(context.Background())

	pos, _ := fx.store.Get(applied.Key())
	assert.True(t, pos.BreakevenApplied)
	assert.True(t, pos.IntendedStopLoss.Equal(d(t, "100.5")))
	// Already at break-even: no second promotion record.
	for _, s := range historyStatuses(fx.history) {
		assert.NotContains(t, s, "Break-Even")
	}
}

func TestReconcileBreakevenOnTP1Cross(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.Position{livePosition(t, "1", "100.5", "95", "110")}
	gw.ticker = exchange.Ticker{Symbol: "BTCUSDT", LastPrice: d(t, "110.2")}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	fx.store.Put(trackedLong(t))

	fx.reconciler.runOnce(context.Background())

	pos, ok := fx.store.Get(PositionKey{Symbol: "BTCUSDT", Slot: 0})
	require.True(t, ok)
	assert.True(t, pos.BreakevenApplied)
	assert.True(t, pos.IntendedStopLoss.Equal(d(t, "100.5")))
	assert.Contains(t, historyStatuses(fx.history), "SL to Break-Even (TP1 Hit)")
}

func TestReconcileTP1NotCrossed(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.Position{livePosition(t, "1", "100.5", "95", "110")}
	gw.ticker = exchange.Ticker{Symbol: "BTCUSDT", LastPrice: d(t, "105")}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	fx.store.Put(trackedLong(t))

	fx.reconciler.runOnce(context.Background())

	pos, _ := fx.store.Get(PositionKey{Symbol: "BTCUSDT", Slot: 0})
	assert.False(t, pos.BreakevenApplied)
	assert.True(t, pos.IntendedStopLoss.Equal(d(t, "95")))
}

func TestReconcileDriftCorrectionIdempotent(t *testing.T) {
	gw := newFakeGateway()
	// Exchange dropped the stop loss.
	gw.positions = []exchange.Position{livePosition(t, "1", "100.5", "", "110")}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	fx.store.Put(trackedLong(t))

	fx.reconciler.runOnce(context.Background())
	require.Len(t, gw.tradingStops, 1)
	assert.Equal(t, "95", gw.tradingStops[0].StopLoss)
	assert.Equal(t, "110", gw.tradingStops[0].TakeProfit)

	// Exchange now agrees: the next pass must not touch it.
	gw.positions = []exchange.Position{livePosition(t, "1", "100.5", "95", "110")}
	fx.reconciler.runOnce(context.Background())
	assert.Len(t, gw.tradingStops, 1)
}

func TestReconcileDriftClearsRemovedIntent(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.Position{livePosition(t, "1", "100.5", "95", "110")}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	pos := trackedLong(t)
	pos.IntendedTakeProfit1 = nil
	fx.store.Put(pos)

	fx.reconciler.runOnce(context.Background())

	require.Len(t, gw.tradingStops, 1)
	assert.Equal(t, "0", gw.tradingStops[0].TakeProfit)
	assert.Equal(t, "95", gw.tradingStops[0].StopLoss)
}

func TestReconcileDriftNotModifiedIsSuccess(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.Position{livePosition(t, "1", "100.5", "", "110")}
	gw.tradingStopErr = &exchange.APIError{Code: 34040, Msg: "not modified"}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	fx.store.Put(trackedLong(t))

	fx.reconciler.runOnce(context.Background())

	assert.Len(t, gw.tradingStops, 1)
	for _, s := range historyStatuses(fx.history) {
		assert.NotContains(t, s, "CRITICAL")
	}
}

func TestReconcileDriftRetryExhaustion(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.Position{livePosition(t, "1", "100.5", "", "110")}
	gw.tradingStopErr = &exchange.APIError{Code: 10001, Msg: "params error"}
	fx := newTestFixture(t, gw, defaultTradingConfig())
	fx.reconciler.driftAttempts = 2

	fx.store.Put(trackedLong(t))

	fx.reconciler.runOnce(context.Background())

	assert.Len(t, gw.tradingStops, 2)
	assert.Contains(t, historyStatuses(fx.history), "CRITICAL: TP/SL Set Fail")
	// Still tracked for the next pass.
	_, ok := fx.store.Get(PositionKey{Symbol: "BTCUSDT", Slot: 0})
	assert.True(t, ok)
}

func TestVerifyKeyConfirmsSingleKey(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.Position{livePosition(t, "1", "100.5", "95", "110")}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	pending := trackedLong(t)
	pending.MainOrderStatus = StatusNew
	fx.store.Put(pending)

	fx.reconciler.VerifyKey(context.Background(), pending.Key())

	pos, ok := fx.store.Get(pending.Key())
	require.True(t, ok)
	assert.Equal(t, StatusFilled, pos.MainOrderStatus)
}
