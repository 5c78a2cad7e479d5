// =================================
// File: internal/engine/instruments.go
// =================================
package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/witthawin/signalbot/internal/exchange"
)

// instrumentCache memoizes per-symbol instrument filters. When the exchange
// lookup fails it falls back to configured defaults so sizing never blocks on
// a flaky metadata endpoint.
type instrumentCache struct {
	gw       exchange.Gateway
	fallback exchange.InstrumentInfo
	logger   *zap.Logger

	mu     sync.Mutex
	cached map[string]exchange.InstrumentInfo
}

func newInstrumentCache(gw exchange.Gateway, fallback exchange.InstrumentInfo, logger *zap.Logger) *instrumentCache {
	return &instrumentCache{
		gw:       gw,
		fallback: fallback,
		logger:   logger.Named("instruments"),
		cached:   make(map[string]exchange.InstrumentInfo),
	}
}

func (c *instrumentCache) Get(ctx context.Context, symbol string) exchange.InstrumentInfo {
	c.mu.Lock()
	if info, ok := c.cached[symbol]; ok {
		c.mu.Unlock()
		return info
	}
	c.mu.Unlock()

	info, err := c.gw.GetInstrumentInfo(ctx, symbol)
	if err != nil {
		c.logger.Warn("Instrument info fetch failed, using configured fallbacks",
			zap.String("symbol", symbol), zap.Error(err))
		fb := c.fallback
		fb.Symbol = symbol
		return fb
	}

	c.mu.Lock()
	c.cached[symbol] = info
	c.mu.Unlock()

	c.logger.Info("Cached instrument info",
		zap.String("symbol", symbol),
		zap.String("min_order_qty", info.MinOrderQty.String()),
		zap.String("qty_step", info.QtyStep.String()),
		zap.String("tick_size", info.TickSize.String()))
	return info
}
