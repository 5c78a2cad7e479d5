// =================================
// File: internal/signal/signal.go
// =================================

// Package signal defines the validated trading-signal type consumed by the
// engine and the parser that extracts it from raw chat text.
package signal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction is the side of a signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// TradingSignal is one parsed, validated signal. EntryPrice, StopLoss and
// Leverage are optional; a nil EntryPrice means market entry, and missing
// protective prices mean "compute from configured percentage offsets".
type TradingSignal struct {
	Symbol      string
	Direction   Direction
	EntryPrice  *decimal.Decimal
	TakeProfits []decimal.Decimal
	StopLoss    *decimal.Decimal
	Leverage    int // 0 means unset
}

// FirstTakeProfit returns the first positive take-profit target, or nil.
func (s *TradingSignal) FirstTakeProfit() *decimal.Decimal {
	for i := range s.TakeProfits {
		if s.TakeProfits[i].IsPositive() {
			tp := s.TakeProfits[i]
			return &tp
		}
	}
	return nil
}

// Validate checks internal consistency: positive prices, and stop/target
// ordering matching the direction.
func (s *TradingSignal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if s.Direction != Long && s.Direction != Short {
		return fmt.Errorf("signal has invalid direction %q", s.Direction)
	}
	if s.EntryPrice != nil && !s.EntryPrice.IsPositive() {
		return fmt.Errorf("signal entry price %s is not positive", s.EntryPrice)
	}
	if s.StopLoss != nil && !s.StopLoss.IsPositive() {
		return fmt.Errorf("signal stop loss %s is not positive", s.StopLoss)
	}
	for _, tp := range s.TakeProfits {
		if !tp.IsPositive() {
			return fmt.Errorf("signal take profit %s is not positive", tp)
		}
	}
	if s.EntryPrice != nil {
		if s.StopLoss != nil {
			if s.Direction == Long && s.EntryPrice.Cmp(*s.StopLoss) <= 0 {
				return fmt.Errorf("LONG signal: entry %s <= stop loss %s", s.EntryPrice, s.StopLoss)
			}
			if s.Direction == Short && s.EntryPrice.Cmp(*s.StopLoss) >= 0 {
				return fmt.Errorf("SHORT signal: entry %s >= stop loss %s", s.EntryPrice, s.StopLoss)
			}
		}
		for _, tp := range s.TakeProfits {
			if s.Direction == Long && tp.Cmp(*s.EntryPrice) <= 0 {
				return fmt.Errorf("LONG signal: take profit %s <= entry %s", tp, s.EntryPrice)
			}
			if s.Direction == Short && tp.Cmp(*s.EntryPrice) >= 0 {
				return fmt.Errorf("SHORT signal: take profit %s >= entry %s", tp, s.EntryPrice)
			}
		}
	}
	return nil
}
