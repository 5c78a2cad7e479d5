// =================================
// File: internal/exchange/bybit/types.go
// =================================
package bybit

import (
	"github.com/shopspring/decimal"
)

// envelope is the v5 REST response wrapper. retCode 0 means success; any
// other value is surfaced as an exchange.APIError.
type envelope struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
}

type walletBalanceResult struct {
	List []struct {
		AccountType           string `json:"accountType"`
		TotalEquity           string `json:"totalEquity"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
		TotalInitialMargin    string `json:"totalInitialMargin"`
	} `json:"list"`
}

type openOrdersResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrderType   string `json:"orderType"`
		OrderStatus string `json:"orderStatus"`
		Qty         string `json:"qty"`
		Price       string `json:"price"`
		ReduceOnly  bool   `json:"reduceOnly"`
		PositionIdx int    `json:"positionIdx"`
	} `json:"list"`
}

type positionListResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		PositionIdx   int    `json:"positionIdx"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		AvgPrice      string `json:"avgPrice"`
		StopLoss      string `json:"stopLoss"`
		TakeProfit    string `json:"takeProfit"`
		UnrealisedPnl string `json:"unrealisedPnl"`
		Leverage      string `json:"leverage"`
	} `json:"list"`
}

type orderCreateResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type tickersResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

type instrumentsInfoResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		LotSizeFilter struct {
			MinOrderQty string `json:"minOrderQty"`
			QtyStep     string `json:"qtyStep"`
		} `json:"lotSizeFilter"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
	} `json:"list"`
}

// parseDecimal converts a wire string to a decimal, treating "" as zero.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseOptDecimal converts a wire string to an optional decimal. Bybit
// reports "absent" protective prices as "" or "0".
func parseOptDecimal(s string) *decimal.Decimal {
	if s == "" || s == "0" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsZero() {
		return nil
	}
	return &d
}
