// =================================
// File: internal/signal/parser.go
// =================================
package signal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	symbolRe   = regexp.MustCompile(`(?i)Coin\s*:\s*#?([A-Z0-9]+(?:USDT\.P|USDT|\.P)?)`)
	positionRe = regexp.MustCompile(`(?i)Position\s*:\s*[^A-Za-z\n]*(LONG|SHORT)`)
	entryRe    = regexp.MustCompile(`(?i)(?:Open Price|Entry)\s*:\s*([\d,]+\.?\d*)`)
	tpRe       = regexp.MustCompile(`(?i)Take Profit \d+\s*:\s*([\d,]+\.?\d*)`)
	slRe       = regexp.MustCompile(`(?i)Stoploss\s*:\s*([\d,]+\.?\d*)`)
	leverageRe = regexp.MustCompile(`(?i)Leverage\s*:\s*x?(\d+)`)
)

// Parser turns raw chat messages into TradingSignal values.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a Parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger.Named("signal_parser")}
}

// Parse extracts a trading signal from a chat message. It returns an error if
// the symbol or direction cannot be found, or if the extracted signal fails
// validation; statistics lines in the message are ignored.
func (p *Parser) Parse(message string) (*TradingSignal, error) {
	sig := &TradingSignal{}

	if m := symbolRe.FindStringSubmatch(message); m != nil {
		sig.Symbol = normalizeSymbol(m[1])
	}
	if m := positionRe.FindStringSubmatch(message); m != nil {
		sig.Direction = Direction(strings.ToUpper(m[1]))
	}
	if sig.Symbol == "" || sig.Direction == "" {
		return nil, fmt.Errorf("signal message missing symbol or position")
	}

	if m := entryRe.FindStringSubmatch(message); m != nil {
		if d, err := parsePrice(m[1]); err == nil {
			sig.EntryPrice = &d
		} else {
			p.logger.Warn("Unparseable entry price in signal", zap.String("raw", m[1]))
		}
	}
	for _, m := range tpRe.FindAllStringSubmatch(message, -1) {
		if d, err := parsePrice(m[1]); err == nil {
			sig.TakeProfits = append(sig.TakeProfits, d)
		} else {
			p.logger.Warn("Unparseable take profit in signal", zap.String("raw", m[1]))
		}
	}
	if m := slRe.FindStringSubmatch(message); m != nil {
		if d, err := parsePrice(m[1]); err == nil {
			sig.StopLoss = &d
		} else {
			p.logger.Warn("Unparseable stop loss in signal", zap.String("raw", m[1]))
		}
	}
	if m := leverageRe.FindStringSubmatch(message); m != nil {
		if lev, err := strconv.Atoi(m[1]); err == nil {
			sig.Leverage = lev
		}
	}

	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("parsed signal invalid: %w", err)
	}

	p.logger.Info("Parsed trading signal",
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.Int("take_profits", len(sig.TakeProfits)),
		zap.Int("leverage", sig.Leverage))
	return sig, nil
}

// normalizeSymbol strips the perpetual suffix and defaults the quote asset to
// USDT for bare base symbols like "BTC".
func normalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".P")
	if !strings.HasSuffix(s, "USDT") && !containsDigit(s) {
		s += "USDT"
	}
	return s
}

func containsDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func parsePrice(raw string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	return decimal.NewFromString(cleaned)
}
