// ===================================
// File: internal/engine/reconciler.go
// ===================================
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/witthawin/signalbot/internal/config"
	"github.com/witthawin/signalbot/internal/exchange"
	"github.com/witthawin/signalbot/internal/signal"
)

// Reconciler converges tracked state with the exchange. Each pass it fetches
// live positions and open orders once, then walks every tracked key:
// confirming pending entries, retiring closed positions, promoting stops to
// break-even, correcting protective-order drift and adopting untracked live
// positions. Passes are idempotent; a crash mid-pass loses nothing that the
// next pass cannot re-derive.
type Reconciler struct {
	gw          exchange.Gateway
	store       *Store
	history     *History
	instruments *instrumentCache
	notifier    Notifier
	trading     config.TradingConfig
	interval    time.Duration

	driftAttempts int
	driftDelay    time.Duration

	logger *zap.Logger
}

// Run executes reconciliation passes until ctx is cancelled. The first pass
// happens immediately so restart recovery is not delayed by the interval.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Starting reconciler", zap.Duration("interval", r.interval))

	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-ctx.Done():
			r.logger.Debug("Reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	live, orders, err := r.fetchLive(ctx)
	if err != nil {
		r.logger.Error("Reconciliation pass skipped, cannot read exchange state", zap.Error(err))
		return
	}

	for _, key := range r.store.Keys() {
		var lp *exchange.Position
		if p, ok := live[key]; ok {
			cp := p
			lp = &cp
		}
		r.reconcileKey(ctx, key, lp, orders)
	}

	r.adoptUntracked(live)
}

// VerifyKey runs a single-key reconciliation pass, used shortly after order
// placement to confirm the fill and re-assert protective stops the exchange
// may have dropped.
func (r *Reconciler) VerifyKey(ctx context.Context, key PositionKey) {
	live, orders, err := r.fetchLive(ctx)
	if err != nil {
		r.logger.Warn("Post-entry verification skipped, cannot read exchange state",
			zap.String("key", key.String()), zap.Error(err))
		return
	}
	var lp *exchange.Position
	if p, ok := live[key]; ok {
		cp := p
		lp = &cp
	}
	r.reconcileKey(ctx, key, lp, orders)
}

// fetchLive reads the exchange's view once per pass: live nonzero positions
// keyed by symbol+slot, and open orders keyed by order ID.
func (r *Reconciler) fetchLive(ctx context.Context) (map[PositionKey]exchange.Position, map[string]exchange.Order, error) {
	positions, err := r.gw.GetOpenPositions(ctx, r.trading.Symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch positions: %w", err)
	}
	orders, err := r.gw.GetOpenOrders(ctx, r.trading.Symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch open orders: %w", err)
	}

	live := make(map[PositionKey]exchange.Position, len(positions))
	for _, p := range positions {
		if p.Size.IsPositive() {
			live[PositionKey{Symbol: p.Symbol, Slot: p.Slot}] = p
		}
	}
	byID := make(map[string]exchange.Order, len(orders))
	for _, o := range orders {
		byID[o.OrderID] = o
	}
	return live, byID, nil
}

func (r *Reconciler) reconcileKey(ctx context.Context, key PositionKey, live *exchange.Position, orders map[string]exchange.Order) {
	tracked, ok := r.store.Get(key)
	if !ok {
		return
	}

	if live == nil {
		if tracked.Pending() && tracked.MainOrderID != "" {
			if order, open := orders[tracked.MainOrderID]; open {
				r.store.Update(key, func(p *TrackedPosition) {
					p.MainOrderStatus = order.Status
					p.LastUpdateTime = time.Now().UTC()
				})
				return
			}
			// Order gone without a position: never filled.
			r.retire(ctx, key, tracked, "Entry Order Failed/Cancelled")
			return
		}
		r.retire(ctx, key, tracked, "Closed on Exchange")
		return
	}

	r.confirmAndPromote(ctx, key, live)

	tracked, ok = r.store.Get(key)
	if !ok {
		return
	}
	r.correctDrift(ctx, tracked, live)
}

// confirmAndPromote backfills the confirmed entry price, marks pending
// entries filled, and applies the partial-close and TP1-cross break-even
// promotions. Break-even is monotonic: once applied it never reverts.
func (r *Reconciler) confirmAndPromote(ctx context.Context, key PositionKey, live *exchange.Position) {
	now := time.Now().UTC()
	var promotedPartial bool
	var promotedEntry *decimal.Decimal

	r.store.Update(key, func(p *TrackedPosition) {
		if !live.AvgPrice.IsZero() {
			avg := live.AvgPrice
			p.EntryPrice = &avg
		}
		if p.Pending() {
			r.logger.Info("Entry confirmed filled",
				zap.String("key", key.String()),
				zap.String("avg_price", live.AvgPrice.String()),
				zap.String("size", live.Size.String()))
			p.MainOrderStatus = StatusFilled
		}

		if r.trading.BreakevenOnPartialClose && !p.BreakevenApplied &&
			p.LastKnownSize.IsPositive() && live.Size.Cmp(p.LastKnownSize) < 0 {
			if entry := p.BestEntryPrice(); entry != nil {
				p.IntendedStopLoss = copyDecimal(entry)
				p.BreakevenApplied = true
				promotedPartial = true
				promotedEntry = copyDecimal(entry)
			}
		}

		p.LastKnownSize = live.Size
		p.LastUpdateTime = now
	})

	if promotedPartial {
		r.recordBreakeven(ctx, key, promotedEntry, "SL to Break-Even (Partial TP)")
		return
	}

	tracked, ok := r.store.Get(key)
	if !ok || !r.trading.BreakevenOnTP1 || tracked.BreakevenApplied {
		return
	}
	tp1 := tracked.IntendedTakeProfit1
	entry := tracked.BestEntryPrice()
	if tp1 == nil || entry == nil {
		return
	}

	ticker, err := r.gw.GetTicker(ctx, key.Symbol)
	if err != nil {
		r.logger.Warn("Ticker fetch failed, skipping TP1 break-even check",
			zap.String("key", key.String()), zap.Error(err))
		return
	}
	crossed := false
	if tracked.Side == signal.Long {
		crossed = ticker.LastPrice.Cmp(*tp1) >= 0
	} else {
		crossed = ticker.LastPrice.Cmp(*tp1) <= 0
	}
	if !crossed {
		return
	}

	applied := r.store.Update(key, func(p *TrackedPosition) {
		if p.BreakevenApplied {
			return
		}
		p.IntendedStopLoss = copyDecimal(entry)
		p.BreakevenApplied = true
		p.LastUpdateTime = time.Now().UTC()
	})
	if applied {
		r.recordBreakeven(ctx, key, entry, "SL to Break-Even (TP1 Hit)")
	}
}

func (r *Reconciler) recordBreakeven(ctx context.Context, key PositionKey, entry *decimal.Decimal, status string) {
	r.logger.Info("Stop loss promoted to break-even",
		zap.String("key", key.String()),
		zap.String("status", status),
		zap.String("entry", priceOrNA(entry)))
	r.history.Append(HistoryEntry{
		Symbol: key.Symbol,
		Type:   "System",
		Amount: "0",
		Price:  priceOrNA(entry),
		Status: status,
	})
	if err := r.notifier.Notify(ctx, "Break-Even",
		fmt.Sprintf("%s: stop loss moved to entry %s", key, priceOrNA(entry))); err != nil {
		r.logger.Warn("Notification failed", zap.Error(err))
	}
}

// correctDrift compares the exchange's protective orders with the tracked
// intent, both tick-rounded, and re-asserts intent on mismatch. A nil intent
// clears the corresponding side. Retries run in-pass on a fixed delay; after
// exhaustion a critical history alert is written and the position stays
// tracked for the next pass.
func (r *Reconciler) correctDrift(ctx context.Context, tracked *TrackedPosition, live *exchange.Position) {
	info := r.instruments.Get(ctx, tracked.Symbol)

	wantSL := roundOpt(tracked.IntendedStopLoss, info.TickSize)
	wantTP := roundOpt(tracked.IntendedTakeProfit1, info.TickSize)
	haveSL := roundOpt(live.StopLoss, info.TickSize)
	haveTP := roundOpt(live.TakeProfit, info.TickSize)

	if decimalPtrEqual(wantSL, haveSL) && decimalPtrEqual(wantTP, haveTP) {
		return
	}

	req := exchange.TradingStopRequest{
		Symbol:     tracked.Symbol,
		Slot:       tracked.Slot,
		StopLoss:   stopValue(wantSL),
		TakeProfit: stopValue(wantTP),
	}
	r.logger.Warn("Protective order drift detected, re-asserting intent",
		zap.String("key", tracked.Key().String()),
		zap.String("want_sl", priceOrNA(wantSL)),
		zap.String("have_sl", priceOrNA(haveSL)),
		zap.String("want_tp", priceOrNA(wantTP)),
		zap.String("have_tp", priceOrNA(haveTP)))

	operation := func() (struct{}, error) {
		err := r.gw.SetTradingStop(ctx, req)
		switch {
		case err == nil, exchange.IsNotModified(err):
			return struct{}{}, nil
		case exchange.IsPositionGone(err):
			// Closed between the snapshot and the correction; the next pass
			// retires it.
			return struct{}{}, nil
		default:
			return struct{}{}, err
		}
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(r.driftDelay)),
		backoff.WithMaxTries(uint(r.driftAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("Trading stop correction failed, retrying",
				zap.String("key", tracked.Key().String()),
				zap.Duration("next_attempt_in", next),
				zap.Error(err))
		}))
	if err != nil {
		r.logger.Error("Trading stop correction exhausted retries",
			zap.String("key", tracked.Key().String()),
			zap.Int("attempts", r.driftAttempts),
			zap.Error(err))
		r.history.Append(HistoryEntry{
			Symbol: tracked.Symbol,
			Type:   "System",
			Amount: "0",
			Price:  priceOrNA(wantSL),
			Status: "CRITICAL: TP/SL Set Fail",
			Notes:  err.Error(),
		})
		if nerr := r.notifier.Notify(ctx, "CRITICAL: TP/SL Set Fail",
			fmt.Sprintf("%s: could not set SL=%s TP=%s after %d attempts: %v",
				tracked.Key(), stopValue(wantSL), stopValue(wantTP), r.driftAttempts, err)); nerr != nil {
			r.logger.Warn("Notification failed", zap.Error(nerr))
		}
		return
	}

	r.logger.Info("Protective orders re-asserted",
		zap.String("key", tracked.Key().String()),
		zap.String("stop_loss", stopValue(wantSL)),
		zap.String("take_profit", stopValue(wantTP)))
}

// adoptUntracked starts tracking live positions the engine has no record of,
// seeding intent from whatever protective orders the exchange reports.
func (r *Reconciler) adoptUntracked(live map[PositionKey]exchange.Position) {
	now := time.Now().UTC()
	for key, p := range live {
		if _, ok := r.store.Get(key); ok {
			continue
		}
		r.logger.Warn("Adopting untracked live position",
			zap.String("key", key.String()),
			zap.String("side", p.Side),
			zap.String("size", p.Size.String()),
			zap.String("avg_price", p.AvgPrice.String()))

		tracked := &TrackedPosition{
			Symbol:              key.Symbol,
			Slot:                key.Slot,
			Side:                directionForSide(p.Side),
			IntendedStopLoss:    copyDecimal(p.StopLoss),
			IntendedTakeProfit1: copyDecimal(p.TakeProfit),
			MainOrderStatus:     StatusFilledExternal,
			LastKnownSize:       p.Size,
			LastUpdateTime:      now,
		}
		if !p.AvgPrice.IsZero() {
			avg := p.AvgPrice
			tracked.EntryPrice = &avg
		}
		r.store.Put(tracked)

		r.history.Append(HistoryEntry{
			Symbol: key.Symbol,
			Type:   "System",
			Amount: p.Size.String(),
			Price:  p.AvgPrice.String(),
			Status: "External Position Adopted",
			Notes:  fmt.Sprintf("Slot %d, %s", key.Slot, p.Side),
		})
	}
}

// retire removes the position and writes exactly one closure record.
func (r *Reconciler) retire(ctx context.Context, key PositionKey, tracked *TrackedPosition, reason string) {
	if _, ok := r.store.Remove(key); !ok {
		return
	}
	status := fmt.Sprintf("Position Closed (%s)", reason)
	r.logger.Info("Position retired",
		zap.String("key", key.String()),
		zap.String("reason", reason),
		zap.String("last_known_size", tracked.LastKnownSize.String()))
	r.history.Append(HistoryEntry{
		Symbol:  key.Symbol,
		Type:    "System Close",
		Amount:  tracked.LastKnownSize.String(),
		Price:   priceOrNA(tracked.BestEntryPrice()),
		OrderID: tracked.MainOrderID,
		Status:  status,
	})
	if err := r.notifier.Notify(ctx, "Position Closed",
		fmt.Sprintf("%s %s (last size %s): %s",
			key, tracked.Side, tracked.LastKnownSize, reason)); err != nil {
		r.logger.Warn("Notification failed", zap.Error(err))
	}
}

func directionForSide(side string) signal.Direction {
	if side == exchange.SideSell {
		return signal.Short
	}
	return signal.Long
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// stopValue renders an intended protective price for the trading-stop call;
// "0" clears the side on the exchange.
func stopValue(d *decimal.Decimal) string {
	if d == nil {
		return "0"
	}
	return d.String()
}
