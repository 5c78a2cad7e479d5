// =================================
// File: internal/exchange/errors.go
// =================================
package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is a machine-readable exchange failure. Code values are passed
// through opaquely from the venue; the engine only pattern-matches the benign
// ones below.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error %d: %s", e.Code, e.Msg)
}

// Bybit v5 codes the engine treats as "already in the requested state".
const (
	codeTradingStopNotModified = 34040
	codePositionZero           = 110025
	codeLeverageNotModified    = 110043
)

// IsNotModified reports whether err is a benign "value not modified" style
// failure that should be treated as success.
func IsNotModified(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case codeTradingStopNotModified, codeLeverageNotModified:
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Msg), "not modified")
}

// IsPositionGone reports whether err indicates the position no longer exists,
// e.g. a trading-stop call racing a close.
func IsPositionGone(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == codePositionZero {
		return true
	}
	msg := strings.ToLower(apiErr.Msg)
	return strings.Contains(msg, "position is zero") || strings.Contains(msg, "already closed")
}
