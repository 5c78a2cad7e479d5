// =================================
// File: internal/exchange/gateway.go
// =================================

// Package exchange defines the typed request/response contract between the
// engine and an exchange, independent of any concrete venue.
package exchange

import "context"

// Gateway is the stateless request/response facade the engine calls. Every
// method either returns a payload or a typed failure; implementations carry
// their own transport retry policy, so the engine only adds a coarser retry
// layer around protective-stop calls.
type Gateway interface {
	// GetBalance returns the settle-coin wallet balance.
	GetBalance(ctx context.Context) (Balance, error)

	// GetOpenOrders returns open orders. An empty symbol means all orders for
	// the configured settle coin.
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// GetOpenPositions returns live positions, including zero-size slots some
	// venues report after a close.
	GetOpenPositions(ctx context.Context, symbol string) ([]Position, error)

	// PlaceOrder submits an order, optionally carrying attached take-profit
	// and stop-loss prices where the venue supports it in one call.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error)

	// CancelOrder cancels one open order by id.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// SetLeverage sets the symbol leverage; must be confirmed before any
	// order placement.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SetTradingStop replaces the position's protective stop and target.
	// "0" on a side explicitly clears it.
	SetTradingStop(ctx context.Context, req TradingStopRequest) error

	// GetTicker returns the current market snapshot for the symbol.
	GetTicker(ctx context.Context, symbol string) (Ticker, error)

	// GetInstrumentInfo returns the lot-size and price filters for rounding
	// and minimum-quantity checks.
	GetInstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error)
}
