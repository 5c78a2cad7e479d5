// =================================
// File: internal/engine/position.go
// =================================

// Package engine implements the position state reconciliation engine: the
// position store, trade history log, entry executor, reconciliation loop and
// metrics refresher.
package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/witthawin/signalbot/internal/signal"
)

// Main-order lifecycle statuses. The exchange's own order statuses pass
// through opaquely; these are the values the engine assigns itself.
const (
	StatusNew             = "New"
	StatusPartiallyFilled = "PartiallyFilled"
	StatusFilled          = "Filled"
	StatusCancelled       = "Cancelled"
	StatusRejected        = "Rejected"
	StatusFilledExternal  = "Filled (External)"
)

// PositionKey identifies one tracked position: a symbol plus the hedge-mode
// slot index distinguishing simultaneous long/short exposure.
type PositionKey struct {
	Symbol string
	Slot   int
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s_%d", k.Symbol, k.Slot)
}

// ParsePositionKey parses the persisted "SYMBOL_SLOT" form.
func ParsePositionKey(s string) (PositionKey, error) {
	idx := strings.LastIndex(s, "_")
	if idx <= 0 || idx == len(s)-1 {
		return PositionKey{}, fmt.Errorf("malformed position key %q", s)
	}
	slot, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return PositionKey{}, fmt.Errorf("malformed position key %q: %w", s, err)
	}
	return PositionKey{Symbol: s[:idx], Slot: slot}, nil
}

// TrackedPosition is the engine's belief about one pending or open position.
// Decimal fields marshal as JSON strings, so a persist/reload round trip is
// lossless.
type TrackedPosition struct {
	Symbol string           `json:"symbol"`
	Slot   int              `json:"position_slot"`
	Side   signal.Direction `json:"side"`

	// EntryPrice is the exchange-confirmed average fill price; it stays nil
	// until the exchange reports a non-zero average. SignalEntryPrice is the
	// price used for sizing and TP/SL math and is never overwritten by the
	// backfill.
	EntryPrice       *decimal.Decimal `json:"entry_price,omitempty"`
	SignalEntryPrice *decimal.Decimal `json:"signal_entry_price,omitempty"`

	IntendedStopLoss    *decimal.Decimal `json:"intended_stop_loss,omitempty"`
	IntendedTakeProfit1 *decimal.Decimal `json:"intended_take_profit_1,omitempty"`

	// BreakevenApplied transitions false to true at most once per position.
	BreakevenApplied bool `json:"breakeven_applied"`

	MainOrderID     string `json:"main_order_id,omitempty"`
	MainOrderStatus string `json:"main_order_status"`

	LastKnownSize  decimal.Decimal `json:"last_known_size"`
	LastUpdateTime time.Time       `json:"last_update_time"`
}

// Key returns the store key for this position.
func (p *TrackedPosition) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Slot: p.Slot}
}

// Pending reports whether the entry order has not yet been confirmed filled.
func (p *TrackedPosition) Pending() bool {
	return p.MainOrderStatus != StatusFilled && p.MainOrderStatus != StatusFilledExternal
}

// BestEntryPrice returns the confirmed entry price when available, falling
// back to the signal's entry price.
func (p *TrackedPosition) BestEntryPrice() *decimal.Decimal {
	if p.EntryPrice != nil {
		return p.EntryPrice
	}
	return p.SignalEntryPrice
}

// Clone returns a deep copy, so store reads never alias live state.
func (p *TrackedPosition) Clone() *TrackedPosition {
	cp := *p
	cp.EntryPrice = copyDecimal(p.EntryPrice)
	cp.SignalEntryPrice = copyDecimal(p.SignalEntryPrice)
	cp.IntendedStopLoss = copyDecimal(p.IntendedStopLoss)
	cp.IntendedTakeProfit1 = copyDecimal(p.IntendedTakeProfit1)
	return &cp
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
