// =================================
// File: internal/engine/store.go
// =================================
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const positionsStateFile = "active_positions_state.json"

// Store is the in-memory map of tracked positions, durably mirrored to disk.
// Every mutation flushes before returning; a failed disk write is logged and
// the in-memory state stays authoritative for the running process.
type Store struct {
	mu        sync.RWMutex
	positions map[PositionKey]*TrackedPosition
	path      string
	logger    *zap.Logger
}

// NewStore creates the store and loads any persisted state. A missing state
// file means "start empty", not an error.
func NewStore(stateDir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}
	s := &Store{
		positions: make(map[PositionKey]*TrackedPosition),
		path:      filepath.Join(stateDir, positionsStateFile),
		logger:    logger.Named("position_store"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a copy of the tracked position for key.
func (s *Store) Get(key PositionKey) (*TrackedPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[key]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// Put upserts a position and flushes to disk.
func (s *Store) Put(pos *TrackedPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.Key()] = pos.Clone()
	s.flushLocked()
}

// Update applies fn to the position under the store lock and flushes. It
// returns false if the key is no longer tracked.
func (s *Store) Update(key PositionKey, fn func(*TrackedPosition)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[key]
	if !ok {
		return false
	}
	fn(pos)
	s.flushLocked()
	return true
}

// Remove pops the position for key, flushing the shrunken state. The removed
// copy is returned so the caller can record the closure reason.
func (s *Store) Remove(key PositionKey) (*TrackedPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[key]
	if !ok {
		return nil, false
	}
	delete(s.positions, key)
	s.flushLocked()
	return pos, true
}

// Keys returns the tracked keys in unspecified order.
func (s *Store) Keys() []PositionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]PositionKey, 0, len(s.positions))
	for k := range s.positions {
		keys = append(keys, k)
	}
	return keys
}

// All returns copies of every tracked position.
func (s *Store) All() []*TrackedPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TrackedPosition, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	return out
}

// Len returns the number of tracked positions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// Flush persists the current state synchronously.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// flushLocked persists under an already-held lock, logging instead of
// propagating I/O failures.
func (s *Store) flushLocked() {
	if err := s.persist(); err != nil {
		s.logger.Error("Failed to persist position state", zap.Error(err))
	}
}

func (s *Store) persist() error {
	if len(s.positions) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove empty state file: %w", err)
		}
		return nil
	}

	doc := make(map[string]*TrackedPosition, len(s.positions))
	for k, v := range s.positions {
		doc[k.String()] = v
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal position state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write position state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace position state: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info("No position state file found, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read position state: %w", err)
	}

	var doc map[string]*TrackedPosition
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse position state %s: %w", s.path, err)
	}
	for keyStr, pos := range doc {
		key, err := ParsePositionKey(keyStr)
		if err != nil {
			s.logger.Error("Skipping malformed position key in state file",
				zap.String("key", keyStr), zap.Error(err))
			continue
		}
		pos.Symbol = key.Symbol
		pos.Slot = key.Slot
		s.positions[key] = pos
	}
	s.logger.Info("Loaded position state", zap.Int("positions", len(s.positions)))
	return nil
}
