// =================================
// File: internal/engine/history.go
// =================================
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const tradeHistoryFile = "trade_history.json"

// historyTimeLayout matches the display format persisted by the bot.
const historyTimeLayout = "2006-01-02 15:04:05"

// HistoryEntry is one immutable audit record of an order or lifecycle event.
type HistoryEntry struct {
	Time    string `json:"time"`
	Symbol  string `json:"symbol"`
	Type    string `json:"type"` // e.g. "Buy Limit", "System Close"
	Amount  string `json:"amount"`
	Price   string `json:"price"` // price or "Market"
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	PnL     string `json:"pnl"`
	Notes   string `json:"notes,omitempty"`
}

// History is the append-only trade history log, durably mirrored to disk and
// exposed read-only to the UI.
type History struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	path    string
	logger  *zap.Logger
}

// NewHistory creates the history log and loads any persisted entries. A
// missing file means "start empty".
func NewHistory(stateDir string, logger *zap.Logger) (*History, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}
	h := &History{
		path:   filepath.Join(stateDir, tradeHistoryFile),
		logger: logger.Named("trade_history"),
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

// Append records an event and flushes to disk. Missing Time, OrderID and PnL
// fields are defaulted.
func (h *History) Append(e HistoryEntry) {
	if e.Time == "" {
		e.Time = time.Now().UTC().Format(historyTimeLayout)
	}
	if e.OrderID == "" {
		e.OrderID = "N/A"
	}
	if e.PnL == "" {
		e.PnL = "N/A"
	}
	if e.Price == "" {
		e.Price = "Market"
	}

	h.mu.Lock()
	h.entries = append(h.entries, e)
	if err := h.persist(); err != nil {
		h.logger.Error("Failed to persist trade history", zap.Error(err))
	}
	h.mu.Unlock()

	h.logger.Info("Trade history updated",
		zap.String("symbol", e.Symbol),
		zap.String("type", e.Type),
		zap.String("status", e.Status),
		zap.String("order_id", e.OrderID))
}

// Recent returns up to limit entries, most recent first.
func (h *History) Recent(limit int) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]HistoryEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.entries[i])
	}
	return out
}

// Len returns the total number of recorded entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Flush persists the history synchronously.
func (h *History) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.persist()
}

func (h *History) persist() error {
	if len(h.entries) == 0 {
		return nil
	}
	data, err := json.MarshalIndent(h.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trade history: %w", err)
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write trade history: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		return fmt.Errorf("replace trade history: %w", err)
	}
	return nil
}

func (h *History) load() error {
	data, err := os.ReadFile(h.path)
	if os.IsNotExist(err) {
		h.logger.Info("No trade history file found, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read trade history: %w", err)
	}
	if err := json.Unmarshal(data, &h.entries); err != nil {
		return fmt.Errorf("parse trade history %s: %w", h.path, err)
	}
	h.logger.Info("Loaded trade history", zap.Int("entries", len(h.entries)))
	return nil
}
