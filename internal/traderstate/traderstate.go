// Package traderstate tracks per-trader activity counters (trades today,
// success/failure/partial counts, total copied USD) with a UTC-midnight
// daily reset.
package traderstate

import (
	"sync"
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// State is the running tally for one configured trader.
type State struct {
	Address          string
	Label            string
	TotalCopiedUSD   float64
	TradesToday      int
	SuccessfulTrades int
	FailedTrades     int
	PartialTrades    int
	LastTradeAt      *time.Time
	DailyResetAt     time.Time
}

// newState seeds a fresh State for a trader, with DailyResetAt pinned to
// construction time so the first check_daily_reset has a baseline.
func newState(address, label string) *State {
	return &State{
		Address:      address,
		Label:        label,
		DailyResetAt: time.Now().UTC(),
	}
}

// Manager owns State for every configured trader and aggregates summary
// stats. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewManager seeds one State per trader in traders.
func NewManager(traders *config.TradersConfig) *Manager {
	m := &Manager{states: make(map[string]*State)}
	for _, t := range traders.Entries() {
		m.states[t.Address] = newState(t.Address, t.Label)
	}
	return m
}

// RecordTrade updates the named trader's counters for a completed trade.
// Unknown addresses are ignored — a trader removed from config between
// ingest and completion should not resurrect a deleted state entry.
func (m *Manager) RecordTrade(address string, usdAmount float64, status types.TradeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[address]
	if !ok {
		return
	}

	now := time.Now()
	state.LastTradeAt = &now
	state.TradesToday++

	switch status {
	case types.StatusSuccess:
		state.SuccessfulTrades++
		state.TotalCopiedUSD += usdAmount
	case types.StatusFailed:
		state.FailedTrades++
	case types.StatusPartial:
		state.PartialTrades++
		state.TotalCopiedUSD += usdAmount
	case types.StatusSkipped:
		// trades_today still increments; no other counter moves.
	}
}

// GetState returns a copy of the named trader's state.
func (m *Manager) GetState(address string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[address]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// GetAllStates returns a copy of every tracked trader's state.
func (m *Manager) GetAllStates() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, *s)
	}
	return out
}

// CheckDailyReset zeroes trades_today for any trader whose daily_reset_ts
// falls on an earlier UTC calendar date than now, and bumps daily_reset_ts
// to now. Intended to run on a periodic tick (every 60s).
func (m *Manager) CheckDailyReset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	today := now.Format("2006-01-02")

	for _, s := range m.states {
		if s.DailyResetAt.UTC().Format("2006-01-02") != today && now.After(s.DailyResetAt) {
			s.TradesToday = 0
			s.DailyResetAt = now
		}
	}
}

// SummaryStats aggregates counters across every tracked trader.
type SummaryStats struct {
	TotalTraders    int
	TotalTrades     int
	TotalSuccessful int
	TotalFailed     int
	TotalPartial    int
	TotalCopiedUSD  float64
}

// GetSummaryStats computes SummaryStats across all tracked traders.
func (m *Manager) GetSummaryStats() SummaryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := SummaryStats{TotalTraders: len(m.states)}
	for _, s := range m.states {
		stats.TotalTrades += s.TradesToday
		stats.TotalSuccessful += s.SuccessfulTrades
		stats.TotalFailed += s.FailedTrades
		stats.TotalPartial += s.PartialTrades
		stats.TotalCopiedUSD += s.TotalCopiedUSD
	}
	return stats
}

// Persister is the subset of the persistence store's trader-stats API the
// manager needs, kept as an interface so tests can substitute a fake.
type Persister interface {
	UpsertTraderStats(row types.TraderStatsRow) error
}

// PersistToDB writes every tracked trader's current state to store.
func (m *Manager) PersistToDB(store Persister) error {
	m.mu.Lock()
	states := make([]*State, 0, len(m.states))
	for _, s := range m.states {
		states = append(states, s)
	}
	m.mu.Unlock()

	for _, s := range states {
		var lastTradeMs int64
		if s.LastTradeAt != nil {
			lastTradeMs = s.LastTradeAt.UnixMilli()
		}
		row := types.TraderStatsRow{
			Address:        s.Address,
			Label:          s.Label,
			TradesToday:    s.TradesToday,
			Successful:     s.SuccessfulTrades,
			Failed:         s.FailedTrades,
			Partial:        s.PartialTrades,
			TotalCopiedUSD: s.TotalCopiedUSD,
			LastTradeAtMs:  lastTradeMs,
			DailyResetAtMs: s.DailyResetAt.UnixMilli(),
		}
		if err := store.UpsertTraderStats(row); err != nil {
			return err
		}
	}
	return nil
}
