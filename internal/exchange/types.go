// =================================
// File: internal/exchange/types.go
// =================================
package exchange

import (
	"github.com/shopspring/decimal"
)

// Order sides and types in the venue's nomenclature.
const (
	SideBuy  = "Buy"
	SideSell = "Sell"

	OrderTypeMarket = "Market"
	OrderTypeLimit  = "Limit"
)

// Balance is the settle-coin account balance.
type Balance struct {
	Total     decimal.Decimal
	Available decimal.Decimal
	Used      decimal.Decimal
}

// Order is one open order as reported by the exchange.
type Order struct {
	OrderID     string
	OrderLinkID string
	Symbol      string
	Side        string
	OrderType   string
	Status      string
	Qty         decimal.Decimal
	Price       decimal.Decimal
	ReduceOnly  bool
	Slot        int
}

// Position is one live position slot. StopLoss/TakeProfit are nil when the
// exchange reports no protective order on that side.
type Position struct {
	Symbol        string
	Slot          int
	Side          string // SideBuy or SideSell
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	UnrealisedPnL decimal.Decimal
	Leverage      decimal.Decimal
}

// Ticker is a market snapshot.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
}

// InstrumentInfo carries the filters needed for order sizing and price
// formatting.
type InstrumentInfo struct {
	Symbol      string
	MinOrderQty decimal.Decimal
	QtyStep     decimal.Decimal
	TickSize    decimal.Decimal
}

// PlaceOrderRequest describes one order submission.
type PlaceOrderRequest struct {
	Symbol      string
	Side        string
	OrderType   string
	Qty         decimal.Decimal
	Price       *decimal.Decimal // nil for market orders
	TakeProfit  *decimal.Decimal
	StopLoss    *decimal.Decimal
	ReduceOnly  bool
	Slot        int
	OrderLinkID string
}

// PlaceOrderResult is the venue's acknowledgement of a placed order.
type PlaceOrderResult struct {
	OrderID     string
	OrderLinkID string
}

// TradingStopRequest replaces a position's protective prices. TakeProfit and
// StopLoss are formatted price strings; "0" clears the side.
type TradingStopRequest struct {
	Symbol     string
	Slot       int
	TakeProfit string
	StopLoss   string
}
