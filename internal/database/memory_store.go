package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"upbit-trading-bot/internal/settlement"
	"upbit-trading-bot/internal/strategy"
)

// MemoryStore keeps everything in process memory. It backs dry runs without a
// database and the engine tests.
type MemoryStore struct {
	mu       sync.RWMutex
	states   map[string]strategy.AssetState
	trades   []settlement.TradeLogEntry
	tradeIDs map[string]struct{}
	capital  []CapitalSnapshot
	nextID   int64

	// saveErr, when set, fails every state write
	saveErr error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string]strategy.AssetState),
		tradeIDs: make(map[string]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

// FailSaves makes state writes return err (nil clears it)
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *MemoryStore) LoadState(ctx context.Context, market string) (strategy.AssetState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[market]
	if !ok {
		return strategy.AssetState{}, ErrStateNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) SaveState(ctx context.Context, state strategy.AssetState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.states[state.Market] = state.Clone()
	return nil
}

func (m *MemoryStore) ListStates(ctx context.Context) ([]strategy.AssetState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]strategy.AssetState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out, nil
}

func (m *MemoryStore) SaveSettlement(ctx context.Context, state strategy.AssetState, trade *settlement.TradeLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if trade != nil {
		m.appendTradeLocked(trade)
	}
	m.states[state.Market] = state.Clone()
	return nil
}

func (m *MemoryStore) AppendTrade(ctx context.Context, trade *settlement.TradeLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.appendTradeLocked(trade) {
		return ErrDuplicateTrade
	}
	return nil
}

func (m *MemoryStore) appendTradeLocked(trade *settlement.TradeLogEntry) bool {
	if _, dup := m.tradeIDs[trade.OrderUUID]; dup {
		return false
	}
	m.nextID++
	trade.ID = m.nextID
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now()
	}
	m.tradeIDs[trade.OrderUUID] = struct{}{}
	m.trades = append(m.trades, *trade)
	return true
}

// ListTrades returns trades exited at or after since, newest first
func (m *MemoryStore) ListTrades(ctx context.Context, since time.Time, limit int) ([]settlement.TradeLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []settlement.TradeLogEntry
	for i := len(m.trades) - 1; i >= 0; i-- {
		t := m.trades[i]
		if t.ExitTime.Before(since) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendCapital(ctx context.Context, snapshot *CapitalSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	snapshot.ID = m.nextID
	m.capital = append(m.capital, *snapshot)
	return nil
}

// ListCapital returns snapshots at or after since, oldest first
func (m *MemoryStore) ListCapital(ctx context.Context, since time.Time, limit int) ([]CapitalSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CapitalSnapshot
	for _, c := range m.capital {
		if c.Timestamp.Before(since) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
