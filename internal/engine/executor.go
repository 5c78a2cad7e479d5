// =================================
// File: internal/engine/executor.go
// =================================
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/witthawin/signalbot/internal/config"
	"github.com/witthawin/signalbot/internal/exchange"
	"github.com/witthawin/signalbot/internal/signal"
)

// Notifier delivers operator notifications for lifecycle events. A nil-safe
// no-op implementation is used when notifications are disabled.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string, string) error { return nil }

// Executor turns a validated signal into a sized, leveraged, priced order
// plus initial protective-stop intent, and seeds the position store.
type Executor struct {
	gw          exchange.Gateway
	store       *Store
	history     *History
	metrics     *MetricsRefresher
	instruments *instrumentCache
	notifier    Notifier
	trading     config.TradingConfig
	settleDelay time.Duration
	closeDelay  time.Duration
	logger      *zap.Logger

	// verify is the post-placement verification hook, wired to the
	// reconciler; exchanges may silently drop attached stops on some order
	// types, so a single-key pass runs shortly after placement.
	verify func(ctx context.Context, key PositionKey)
}

// ExecuteSignal places an entry order for the signal. It returns false when
// the trade is aborted for any reason; aborts are recorded in the trade
// history and never retried.
func (e *Executor) ExecuteSignal(ctx context.Context, sig *signal.TradingSignal) bool {
	if !strings.EqualFold(sig.Symbol, e.trading.Symbol) {
		e.logger.Info("Ignoring signal for unconfigured symbol",
			zap.String("signal_symbol", sig.Symbol),
			zap.String("trading_symbol", e.trading.Symbol))
		e.history.Append(HistoryEntry{
			Symbol: sig.Symbol,
			Type:   fmt.Sprintf("%s Signal", sideForDirection(sig.Direction)),
			Amount: "0",
			Price:  "N/A",
			Status: fmt.Sprintf("Ignored (Not %s)", e.trading.Symbol),
		})
		return false
	}

	// At most one directional position per symbol: close whatever is live
	// before acting on the new signal. Best-effort precondition, not a
	// race-free guarantee; the reconciliation pass heals any interleaving.
	if !e.closeExisting(ctx, sig.Symbol) {
		return false
	}

	if e.trading.CancelOrdersOnNewSignal {
		e.cancelOpenOrders(ctx, sig.Symbol)
	}

	info := e.instruments.Get(ctx, sig.Symbol)

	qty := e.determineQty(sig)
	if !qty.IsPositive() {
		e.logger.Error("Computed quantity is zero, aborting trade",
			zap.String("symbol", sig.Symbol),
			zap.String("mode", e.trading.PositionSizeMode))
		e.history.Append(HistoryEntry{
			Symbol: sig.Symbol,
			Type:   "System",
			Amount: qty.String(),
			Price:  priceOrMarket(sig.EntryPrice),
			Status: "Fail: Qty Calc",
		})
		return false
	}
	qty = exchange.FloorToStep(qty, info.QtyStep)
	if qty.Cmp(info.MinOrderQty) < 0 {
		e.logger.Error("Quantity below instrument minimum, aborting trade",
			zap.String("symbol", sig.Symbol),
			zap.String("qty", qty.String()),
			zap.String("min_order_qty", info.MinOrderQty.String()))
		e.history.Append(HistoryEntry{
			Symbol: sig.Symbol,
			Type:   "System",
			Amount: qty.String(),
			Price:  priceOrMarket(sig.EntryPrice),
			Status: "Fail: Qty < Min",
		})
		return false
	}

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = e.trading.DefaultLeverage
	}
	if err := e.gw.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
		e.logger.Error("Failed to set leverage, aborting trade",
			zap.String("symbol", sig.Symbol),
			zap.Int("leverage", leverage),
			zap.Error(err))
		e.history.Append(HistoryEntry{
			Symbol: sig.Symbol,
			Type:   "System",
			Amount: qty.String(),
			Price:  priceOrMarket(sig.EntryPrice),
			Status: "Fail: Leverage Set",
		})
		return false
	}

	entryForCalc, stopLoss, takeProfit := e.resolveTargets(ctx, sig)

	orderType := exchange.OrderTypeMarket
	var orderPrice *decimal.Decimal
	if sig.EntryPrice != nil {
		orderType = exchange.OrderTypeLimit
		p := exchange.FloorToStep(*sig.EntryPrice, info.TickSize)
		orderPrice = &p
	}
	side := sideForDirection(sig.Direction)

	req := exchange.PlaceOrderRequest{
		Symbol:      sig.Symbol,
		Side:        side,
		OrderType:   orderType,
		Qty:         qty,
		Price:       orderPrice,
		TakeProfit:  roundOpt(takeProfit, info.TickSize),
		StopLoss:    roundOpt(stopLoss, info.TickSize),
		Slot:        0,
		OrderLinkID: uuid.NewString(),
	}

	e.logger.Info("Placing entry order",
		zap.String("symbol", sig.Symbol),
		zap.String("side", side),
		zap.String("type", orderType),
		zap.String("qty", qty.String()),
		zap.String("price", priceOrMarket(orderPrice)),
		zap.String("take_profit", priceOrNA(req.TakeProfit)),
		zap.String("stop_loss", priceOrNA(req.StopLoss)),
		zap.Int("leverage", leverage))

	result, err := e.gw.PlaceOrder(ctx, req)
	if err != nil {
		e.logger.Error("Entry order placement failed",
			zap.String("symbol", sig.Symbol), zap.Error(err))
		e.history.Append(HistoryEntry{
			Symbol: sig.Symbol,
			Type:   fmt.Sprintf("%s %s", side, orderType),
			Amount: qty.String(),
			Price:  priceOrMarket(orderPrice),
			Status: fmt.Sprintf("Fail: Entry - %s", err),
		})
		return false
	}

	e.history.Append(HistoryEntry{
		Symbol:  sig.Symbol,
		Type:    fmt.Sprintf("%s %s", side, orderType),
		Amount:  qty.String(),
		Price:   priceOrMarket(orderPrice),
		OrderID: result.OrderID,
		Status:  "Entry Placed",
		Notes:   fmt.Sprintf("Initial TP@%s, SL@%s", priceOrNA(req.TakeProfit), priceOrNA(req.StopLoss)),
	})

	pos := &TrackedPosition{
		Symbol:              sig.Symbol,
		Slot:                0,
		Side:                sig.Direction,
		SignalEntryPrice:    copyDecimal(entryForCalc),
		IntendedStopLoss:    copyDecimal(stopLoss),
		IntendedTakeProfit1: copyDecimal(takeProfit),
		MainOrderID:         result.OrderID,
		MainOrderStatus:     StatusNew,
		LastKnownSize:       qty,
		LastUpdateTime:      time.Now().UTC(),
	}
	e.store.Put(pos)

	e.logger.Info("Entry order placed and position seeded",
		zap.String("symbol", sig.Symbol),
		zap.String("order_id", result.OrderID),
		zap.String("intended_sl", priceOrNA(pos.IntendedStopLoss)),
		zap.String("intended_tp1", priceOrNA(pos.IntendedTakeProfit1)))

	e.scheduleVerification(ctx, pos.Key())
	return true
}

// closeExisting fully closes any live position on the symbol with a
// reduce-only market order. It returns false when the live state could not
// even be read, which aborts the signal.
func (e *Executor) closeExisting(ctx context.Context, symbol string) bool {
	positions, err := e.gw.GetOpenPositions(ctx, symbol)
	if err != nil {
		e.logger.Error("Cannot check existing positions, aborting signal",
			zap.String("symbol", symbol), zap.Error(err))
		return false
	}
	for _, pos := range positions {
		if !pos.Size.IsPositive() {
			continue
		}
		closeSide := exchange.SideSell
		if pos.Side == exchange.SideSell {
			closeSide = exchange.SideBuy
		}
		_, err := e.gw.PlaceOrder(ctx, exchange.PlaceOrderRequest{
			Symbol:      pos.Symbol,
			Side:        closeSide,
			OrderType:   exchange.OrderTypeMarket,
			Qty:         pos.Size,
			ReduceOnly:  true,
			Slot:        pos.Slot,
			OrderLinkID: uuid.NewString(),
		})
		if err != nil {
			e.logger.Error("Failed to close existing position before new signal",
				zap.String("symbol", pos.Symbol),
				zap.Int("slot", pos.Slot),
				zap.Error(err))
			continue
		}
		e.history.Append(HistoryEntry{
			Symbol: pos.Symbol,
			Type:   fmt.Sprintf("%s Market", closeSide),
			Amount: pos.Size.String(),
			Status: "Close Before New Signal",
			Notes:  fmt.Sprintf("Slot %d", pos.Slot),
		})
		if err := e.notifier.Notify(ctx, "Position Closed",
			fmt.Sprintf("Closed %s %s (size %s) before acting on new signal",
				pos.Symbol, pos.Side, pos.Size)); err != nil {
			e.logger.Warn("Notification failed", zap.Error(err))
		}
		select {
		case <-time.After(e.closeDelay):
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (e *Executor) cancelOpenOrders(ctx context.Context, symbol string) {
	orders, err := e.gw.GetOpenOrders(ctx, symbol)
	if err != nil {
		e.logger.Warn("Cannot list open orders for cancellation",
			zap.String("symbol", symbol), zap.Error(err))
		return
	}
	for _, o := range orders {
		if err := e.gw.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			e.logger.Warn("Failed to cancel stale order",
				zap.String("order_id", o.OrderID), zap.Error(err))
		}
	}
}

// determineQty computes the raw entry quantity per the configured sizing
// strategy. Risk-percentage mode fails closed to zero on any missing or
// inconsistent input.
func (e *Executor) determineQty(sig *signal.TradingSignal) decimal.Decimal {
	switch strings.ToLower(e.trading.PositionSizeMode) {
	case "risk_percentage":
		return e.riskQty(sig)
	default:
		return e.fixedQty()
	}
}

func (e *Executor) fixedQty() decimal.Decimal {
	qty, err := decimal.NewFromString(e.trading.MaxPositionSize)
	if err != nil {
		e.logger.Error("Invalid fixed position size in config",
			zap.String("max_position_size", e.trading.MaxPositionSize), zap.Error(err))
		return decimal.Zero
	}
	return qty
}

func (e *Executor) riskQty(sig *signal.TradingSignal) decimal.Decimal {
	available := e.metrics.Snapshot().Balance.Available
	if !available.IsPositive() {
		e.logger.Error("No available balance for risk-based sizing",
			zap.String("available", available.String()))
		return decimal.Zero
	}
	if sig.EntryPrice == nil || !sig.EntryPrice.IsPositive() {
		e.logger.Error("Risk-based sizing requires a valid entry price")
		return decimal.Zero
	}
	if sig.StopLoss == nil || !sig.StopLoss.IsPositive() {
		e.logger.Error("Risk-based sizing requires a valid stop loss")
		return decimal.Zero
	}
	if sig.Direction == signal.Long && sig.EntryPrice.Cmp(*sig.StopLoss) <= 0 {
		e.logger.Error("Invalid LONG signal for risk sizing: entry <= stop loss")
		return decimal.Zero
	}
	if sig.Direction == signal.Short && sig.EntryPrice.Cmp(*sig.StopLoss) >= 0 {
		e.logger.Error("Invalid SHORT signal for risk sizing: entry >= stop loss")
		return decimal.Zero
	}

	priceDiff := sig.EntryPrice.Sub(*sig.StopLoss).Abs()
	riskAmount := available.Mul(decimal.NewFromFloat(e.trading.RiskPerTradePercent)).Div(decimal.NewFromInt(100))
	qty := riskAmount.Div(priceDiff)

	e.logger.Info("Risk-based sizing",
		zap.String("available", available.String()),
		zap.Float64("risk_percent", e.trading.RiskPerTradePercent),
		zap.String("risk_amount", riskAmount.String()),
		zap.String("price_diff", priceDiff.String()),
		zap.String("qty", qty.String()))
	return qty
}

// resolveTargets resolves the entry price used for protective-price math and
// the intended SL/TP1, in priority order: explicit signal values, configured
// percentage offsets against the resolved entry price, else nil.
func (e *Executor) resolveTargets(ctx context.Context, sig *signal.TradingSignal) (entry, stopLoss, takeProfit *decimal.Decimal) {
	entry = sig.EntryPrice
	if entry == nil {
		ticker, err := e.gw.GetTicker(ctx, sig.Symbol)
		if err != nil {
			e.logger.Warn("Cannot fetch ticker for market-entry target math; "+
				"percentage-based TP/SL will be skipped",
				zap.String("symbol", sig.Symbol), zap.Error(err))
		} else if ticker.LastPrice.IsPositive() {
			p := ticker.LastPrice
			entry = &p
		}
	}

	stopLoss = sig.StopLoss
	takeProfit = sig.FirstTakeProfit()
	if entry == nil {
		return entry, stopLoss, takeProfit
	}

	hundred := decimal.NewFromInt(100)
	if stopLoss == nil && e.trading.StopLossPercent > 0 {
		offset := entry.Mul(decimal.NewFromFloat(e.trading.StopLossPercent)).Div(hundred)
		var sl decimal.Decimal
		if sig.Direction == signal.Long {
			sl = entry.Sub(offset)
		} else {
			sl = entry.Add(offset)
		}
		stopLoss = &sl
	}
	if takeProfit == nil && e.trading.TakeProfitPercent > 0 {
		offset := entry.Mul(decimal.NewFromFloat(e.trading.TakeProfitPercent)).Div(hundred)
		var tp decimal.Decimal
		if sig.Direction == signal.Long {
			tp = entry.Add(offset)
		} else {
			tp = entry.Sub(offset)
		}
		takeProfit = &tp
	}
	return entry, stopLoss, takeProfit
}

func (e *Executor) scheduleVerification(ctx context.Context, key PositionKey) {
	if e.verify == nil {
		return
	}
	go func() {
		timer := time.NewTimer(e.settleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.verify(ctx, key)
		case <-ctx.Done():
		}
	}()
}

func sideForDirection(d signal.Direction) string {
	if d == signal.Short {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func roundOpt(d *decimal.Decimal, tick decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	r := exchange.FloorToStep(*d, tick)
	return &r
}

func priceOrMarket(d *decimal.Decimal) string {
	if d == nil {
		return "Market"
	}
	return d.String()
}

func priceOrNA(d *decimal.Decimal) string {
	if d == nil {
		return "N/A"
	}
	return d.String()
}
