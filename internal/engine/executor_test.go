// ======================================
// File: internal/engine/executor_test.go
// ======================================
package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witthawin/signalbot/internal/exchange"
	"github.com/witthawin/signalbot/internal/signal"
)

func TestExecuteSignalFixedSizing(t *testing.T) {
	gw := newFakeGateway()
	fx := newTestFixture(t, gw, defaultTradingConfig())

	sig := &signal.TradingSignal{
		Symbol:     "BTCUSDT",
		Direction:  signal.Long,
		EntryPrice: dp(t, "100"),
		StopLoss:   dp(t, "95"),
	}
	ok := fx.executor.ExecuteSignal(context.Background(), sig)
	require.True(t, ok)

	require.Len(t, gw.placed, 1)
	entry := gw.placed[0]
	assert.Equal(t, exchange.SideBuy, entry.Side)
	assert.Equal(t, exchange.OrderTypeLimit, entry.OrderType)
	assert.True(t, entry.Qty.Equal(d(t, "0.01")), "qty = %s", entry.Qty)
	require.NotNil(t, entry.StopLoss)
	assert.True(t, entry.StopLoss.Equal(d(t, "95")))

	pos, tracked := fx.store.Get(PositionKey{Symbol: "BTCUSDT", Slot: 0})
	require.True(t, tracked)
	assert.Equal(t, StatusNew, pos.MainOrderStatus)
	assert.True(t, pos.LastKnownSize.Equal(d(t, "0.01")))
	assert.False(t, pos.BreakevenApplied)
}

func TestExecuteSignalRiskSizing(t *testing.T) {
	gw := newFakeGateway()
	gw.balance = exchange.Balance{Available: d(t, "1000")}
	gw.info.QtyStep = d(t, "0.1")
	gw.info.MinOrderQty = d(t, "0.1")

	cfg := defaultTradingConfig()
	cfg.PositionSizeMode = "risk_percentage"
	cfg.RiskPerTradePercent = 1.0
	fx := newTestFixture(t, gw, cfg)

	sig := &signal.TradingSignal{
		Symbol:     "BTCUSDT",
		Direction:  signal.Long,
		EntryPrice: dp(t, "100"),
		StopLoss:   dp(t, "95"),
	}
	require.True(t, fx.executor.ExecuteSignal(context.Background(), sig))

	// risk = 1000 * 1% = 10, distance = 5, qty = 2.0
	require.Len(t, gw.placed, 1)
	assert.True(t, gw.placed[0].Qty.Equal(d(t, "2")), "qty = %s", gw.placed[0].Qty)
}

func TestExecuteSignalRiskSizingFailsClosed(t *testing.T) {
	gw := newFakeGateway()
	gw.balance = exchange.Balance{Available: d(t, "1000")}

	cfg := defaultTradingConfig()
	cfg.PositionSizeMode = "risk_percentage"
	fx := newTestFixture(t, gw, cfg)

	// Missing stop loss: no distance, no size.
	sig := &signal.TradingSignal{
		Symbol:     "BTCUSDT",
		Direction:  signal.Long,
		EntryPrice: dp(t, "100"),
	}
	assert.False(t, fx.executor.ExecuteSignal(context.Background(), sig))
	assert.Empty(t, gw.placed)
	assert.Contains(t, historyStatuses(fx.history), "Fail: Qty Calc")

	// Inconsistent LONG: stop above entry.
	sig.StopLoss = dp(t, "105")
	assert.False(t, fx.executor.ExecuteSignal(context.Background(), sig))
	assert.Empty(t, gw.placed)
}

func TestExecuteSignalBelowMinQtyAborts(t *testing.T) {
	gw := newFakeGateway()
	cfg := defaultTradingConfig()
	cfg.MaxPositionSize = "0.0004"
	fx := newTestFixture(t, gw, cfg)

	sig := &signal.TradingSignal{
		Symbol:     "BTCUSDT",
		Direction:  signal.Long,
		EntryPrice: dp(t, "100"),
		StopLoss:   dp(t, "95"),
	}
	assert.False(t, fx.executor.ExecuteSignal(context.Background(), sig))
	assert.Empty(t, gw.placed)
	assert.Equal(t, 0, fx.store.Len())
	assert.Contains(t, historyStatuses(fx.history), "Fail: Qty < Min")
}

func TestExecuteSignalLeverageFailureAborts(t *testing.T) {
	gw := newFakeGateway()
	gw.leverageErr = errors.New("leverage rejected")
	fx := newTestFixture(t, gw, defaultTradingConfig())

	sig := &signal.TradingSignal{
		Symbol:     "BTCUSDT",
		Direction:  signal.Short,
		EntryPrice: dp(t, "100"),
		StopLoss:   dp(t, "105"),
	}
	assert.False(t, fx.executor.ExecuteSignal(context.Background(), sig))
	assert.Empty(t, gw.placed)
	assert.Contains(t, historyStatuses(fx.history), "Fail: Leverage Set")
}

func TestExecuteSignalClosesExistingFirst(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []exchange.Position{{
		Symbol:   "BTCUSDT",
		Slot:     0,
		Side:     exchange.SideBuy,
		Size:     d(t, "0.5"),
		AvgPrice: d(t, "90"),
	}}
	fx := newTestFixture(t, gw, defaultTradingConfig())

	sig := &signal.TradingSignal{
		Symbol:     "BTCUSDT",
		Direction:  signal.Short,
		EntryPrice: dp(t, "100"),
		StopLoss:   dp(t, "105"),
	}
	require.True(t, fx.executor.ExecuteSignal(context.Background(), sig))

	require.Len(t, gw.placed, 2)
	closeOrder, entryOrder := gw.placed[0], gw.placed[1]
	assert.True(t, closeOrder.ReduceOnly)
	assert.Equal(t, exchange.SideSell, closeOrder.Side)
	assert.Equal(t, exchange.OrderTypeMarket, closeOrder.OrderType)
	assert.True(t, closeOrder.Qty.Equal(d(t, "0.5")))
	assert.False(t, entryOrder.ReduceOnly)
	assert.Equal(t, exchange.SideSell, entryOrder.Side)
}

func TestExecuteSignalSymbolGate(t *testing.T) {
	gw := newFakeGateway()
	fx := newTestFixture(t, gw, defaultTradingConfig())

	sig := &signal.TradingSignal{
		Symbol:    "ETHUSDT",
		Direction: signal.Long,
	}
	assert.False(t, fx.executor.ExecuteSignal(context.Background(), sig))
	assert.Empty(t, gw.calls)
	assert.Contains(t, historyStatuses(fx.history), "Ignored (Not BTCUSDT)")
}

func TestExecuteSignalPercentageOffsets(t *testing.T) {
	gw := newFakeGateway()
	gw.ticker = exchange.Ticker{Symbol: "BTCUSDT", LastPrice: d(t, "200")}

	cfg := defaultTradingConfig()
	cfg.StopLossPercent = 5
	cfg.TakeProfitPercent = 10
	fx := newTestFixture(t, gw, cfg)

	// Market entry, no explicit SL/TP: offsets computed from the ticker.
	sig := &signal.TradingSignal{Symbol: "BTCUSDT", Direction: signal.Long}
	require.True(t, fx.executor.ExecuteSignal(context.Background(), sig))

	require.Len(t, gw.placed, 1)
	entry := gw.placed[0]
	assert.Equal(t, exchange.OrderTypeMarket, entry.OrderType)
	assert.Nil(t, entry.Price)
	require.NotNil(t, entry.StopLoss)
	require.NotNil(t, entry.TakeProfit)
	assert.True(t, entry.StopLoss.Equal(d(t, "190")), "sl = %s", entry.StopLoss)
	assert.True(t, entry.TakeProfit.Equal(d(t, "220")), "tp = %s", entry.TakeProfit)
}

func TestExecuteSignalPlaceOrderFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.placeErr = errors.New("insufficient margin")
	fx := newTestFixture(t, gw, defaultTradingConfig())

	sig := &signal.TradingSignal{
		Symbol:     "BTCUSDT",
		Direction:  signal.Long,
		EntryPrice: dp(t, "100"),
		StopLoss:   dp(t, "95"),
	}
	assert.False(t, fx.executor.ExecuteSignal(context.Background(), sig))
	assert.Equal(t, 0, fx.store.Len())

	statuses := historyStatuses(fx.history)
	require.NotEmpty(t, statuses)
	assert.Contains(t, statuses[0], "Fail: Entry")
}
