// ========================================
// File: internal/engine/testsupport_test.go
// ========================================
package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/witthawin/signalbot/internal/config"
	"github.com/witthawin/signalbot/internal/exchange"
)

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return v
}

func dp(t *testing.T, s string) *decimal.Decimal {
	t.Helper()
	v := d(t, s)
	return &v
}

// fakeGateway is a scriptable exchange.Gateway that records the ordered call
// log so tests can assert sequencing, e.g. close-before-open.
type fakeGateway struct {
	mu    sync.Mutex
	calls []string

	balance   exchange.Balance
	orders    []exchange.Order
	positions []exchange.Position
	ticker    exchange.Ticker
	info      exchange.InstrumentInfo

	positionsErr   error
	ordersErr      error
	tickerErr      error
	placeErr       error
	leverageErr    error
	tradingStopErr error

	placed       []exchange.PlaceOrderRequest
	cancelled    []string
	tradingStops []exchange.TradingStopRequest
	leverages    []int
}

var _ exchange.Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balance: exchange.Balance{},
		ticker:  exchange.Ticker{},
		info: exchange.InstrumentInfo{
			Symbol:      "BTCUSDT",
			MinOrderQty: decimal.RequireFromString("0.001"),
			QtyStep:     decimal.RequireFromString("0.001"),
			TickSize:    decimal.RequireFromString("0.1"),
		},
	}
}

func (f *fakeGateway) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeGateway) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGateway) GetBalance(context.Context) (exchange.Balance, error) {
	f.record("GetBalance")
	return f.balance, nil
}

func (f *fakeGateway) GetOpenOrders(context.Context, string) ([]exchange.Order, error) {
	f.record("GetOpenOrders")
	return append([]exchange.Order(nil), f.orders...), f.ordersErr
}

func (f *fakeGateway) GetOpenPositions(context.Context, string) ([]exchange.Position, error) {
	f.record("GetOpenPositions")
	return append([]exchange.Position(nil), f.positions...), f.positionsErr
}

func (f *fakeGateway) PlaceOrder(_ context.Context, req exchange.PlaceOrderRequest) (exchange.PlaceOrderResult, error) {
	f.record("PlaceOrder")
	f.mu.Lock()
	f.placed = append(f.placed, req)
	n := len(f.placed)
	f.mu.Unlock()
	if f.placeErr != nil {
		return exchange.PlaceOrderResult{}, f.placeErr
	}
	return exchange.PlaceOrderResult{
		OrderID:     fmt.Sprintf("order-%d", n),
		OrderLinkID: req.OrderLinkID,
	}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.record("CancelOrder")
	f.mu.Lock()
	f.cancelled = append(f.cancelled, orderID)
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) SetLeverage(_ context.Context, _ string, leverage int) error {
	f.record("SetLeverage")
	f.mu.Lock()
	f.leverages = append(f.leverages, leverage)
	f.mu.Unlock()
	return f.leverageErr
}

func (f *fakeGateway) SetTradingStop(_ context.Context, req exchange.TradingStopRequest) error {
	f.record("SetTradingStop")
	f.mu.Lock()
	f.tradingStops = append(f.tradingStops, req)
	f.mu.Unlock()
	return f.tradingStopErr
}

func (f *fakeGateway) GetTicker(context.Context, string) (exchange.Ticker, error) {
	f.record("GetTicker")
	return f.ticker, f.tickerErr
}

func (f *fakeGateway) GetInstrumentInfo(context.Context, string) (exchange.InstrumentInfo, error) {
	f.record("GetInstrumentInfo")
	return f.info, nil
}

func defaultTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		Symbol:                  "BTCUSDT",
		DefaultLeverage:         10,
		PositionSizeMode:        "fixed",
		MaxPositionSize:         "0.01",
		RiskPerTradePercent:     1.0,
		BreakevenOnTP1:          true,
		BreakevenOnPartialClose: true,
		FallbackMinOrderQty:     "0.001",
		FallbackQtyStep:         "0.001",
		FallbackTickSize:        "0.1",
	}
}

type testFixture struct {
	gw         *fakeGateway
	store      *Store
	history    *History
	metrics    *MetricsRefresher
	executor   *Executor
	reconciler *Reconciler
}

func newTestFixture(t *testing.T, gw *fakeGateway, trading config.TradingConfig) *testFixture {
	t.Helper()
	logger := zap.NewNop()

	store, err := NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	history, err := NewHistory(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}

	metrics := NewMetricsRefresher(gw, time.Minute, logger)
	metrics.snap.Balance = gw.balance

	fallback := gw.info
	instruments := newInstrumentCache(gw, fallback, logger)

	reconciler := &Reconciler{
		gw:            gw,
		store:         store,
		history:       history,
		instruments:   instruments,
		notifier:      NoopNotifier{},
		trading:       trading,
		interval:      time.Minute,
		driftAttempts: 3,
		driftDelay:    time.Millisecond,
		logger:        logger,
	}
	executor := &Executor{
		gw:          gw,
		store:       store,
		history:     history,
		metrics:     metrics,
		instruments: instruments,
		notifier:    NoopNotifier{},
		trading:     trading,
		settleDelay: time.Millisecond,
		closeDelay:  time.Millisecond,
		logger:      logger,
	}
	return &testFixture{
		gw:         gw,
		store:      store,
		history:    history,
		metrics:    metrics,
		executor:   executor,
		reconciler: reconciler,
	}
}

func historyStatuses(h *History) []string {
	entries := h.Recent(0)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Status)
	}
	return out
}
