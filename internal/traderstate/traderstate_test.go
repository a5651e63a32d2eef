package traderstate

import (
	"testing"
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

func twoTraderConfig(t *testing.T) *config.TradersConfig {
	t.Helper()
	t1, err := config.NewTrader("0xabcabcabcabcabcabcabcabcabcabcabcabcabca", "Whale1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t2, err := config.NewTrader("0xdefdefdefdefdefdefdefdefdefdefdefdefdefd", "Whale2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return config.NewTradersConfig([]config.Trader{t1, t2})
}

func TestNewManagerInitializesFromConfig(t *testing.T) {
	t.Parallel()

	m := NewManager(twoTraderConfig(t))
	states := m.GetAllStates()
	if len(states) != 2 {
		t.Fatalf("GetAllStates() returned %d states, want 2", len(states))
	}

	s1, ok := m.GetState("abcabcabcabcabcabcabcabcabcabcabcabcabca")
	if !ok || s1.Label != "Whale1" {
		t.Fatalf("unexpected state for trader1: %+v, ok=%v", s1, ok)
	}
	if s1.TradesToday != 0 || s1.TotalCopiedUSD != 0 || s1.LastTradeAt != nil {
		t.Errorf("expected zeroed initial state, got %+v", s1)
	}
}

func TestRecordTradeSuccess(t *testing.T) {
	t.Parallel()

	m := NewManager(twoTraderConfig(t))
	m.RecordTrade("abcabcabcabcabcabcabcabcabcabcabcabcabca", 150, types.StatusSuccess)

	s, _ := m.GetState("abcabcabcabcabcabcabcabcabcabcabcabcabca")
	if s.TradesToday != 1 || s.SuccessfulTrades != 1 || s.TotalCopiedUSD != 150 {
		t.Errorf("unexpected state after success: %+v", s)
	}
	if s.LastTradeAt == nil {
		t.Error("expected LastTradeAt to be set")
	}
}

func TestRecordTradeFailedDoesNotAddUSD(t *testing.T) {
	t.Parallel()

	m := NewManager(twoTraderConfig(t))
	m.RecordTrade("abcabcabcabcabcabcabcabcabcabcabcabcabca", 150, types.StatusFailed)

	s, _ := m.GetState("abcabcabcabcabcabcabcabcabcabcabcabcabca")
	if s.TradesToday != 1 || s.FailedTrades != 1 || s.TotalCopiedUSD != 0 {
		t.Errorf("unexpected state after failure: %+v", s)
	}
}

func TestRecordTradeSkippedOnlyIncrementsTradesToday(t *testing.T) {
	t.Parallel()

	m := NewManager(twoTraderConfig(t))
	m.RecordTrade("abcabcabcabcabcabcabcabcabcabcabcabcabca", 150, types.StatusSkipped)

	s, _ := m.GetState("abcabcabcabcabcabcabcabcabcabcabcabcabca")
	if s.TradesToday != 1 {
		t.Errorf("TradesToday = %d, want 1", s.TradesToday)
	}
	if s.SuccessfulTrades != 0 || s.FailedTrades != 0 || s.PartialTrades != 0 || s.TotalCopiedUSD != 0 {
		t.Errorf("expected no other counters to move on skip: %+v", s)
	}
}

func TestRecordTradeUnknownAddressIgnored(t *testing.T) {
	t.Parallel()

	m := NewManager(twoTraderConfig(t))
	m.RecordTrade("000000000000000000000000000000000000dead", 100, types.StatusSuccess)

	if len(m.GetAllStates()) != 2 {
		t.Error("unknown trader should not create a new state entry")
	}
}

func TestCheckDailyResetClearsPastMidnight(t *testing.T) {
	t.Parallel()

	m := NewManager(twoTraderConfig(t))
	m.RecordTrade("abcabcabcabcabcabcabcabcabcabcabcabcabca", 10, types.StatusSuccess)

	m.mu.Lock()
	m.states["abcabcabcabcabcabcabcabcabcabcabcabcabca"].DailyResetAt = time.Now().UTC().Add(-25 * time.Hour)
	m.mu.Unlock()

	m.CheckDailyReset()

	s, _ := m.GetState("abcabcabcabcabcabcabcabcabcabcabcabcabca")
	if s.TradesToday != 0 {
		t.Errorf("TradesToday = %d, want 0 after cross-midnight reset", s.TradesToday)
	}
	if s.SuccessfulTrades != 1 {
		t.Errorf("SuccessfulTrades should survive a daily reset, got %d", s.SuccessfulTrades)
	}
}

func TestCheckDailyResetSameDayNoOp(t *testing.T) {
	t.Parallel()

	m := NewManager(twoTraderConfig(t))
	m.RecordTrade("abcabcabcabcabcabcabcabcabcabcabcabcabca", 10, types.StatusSuccess)
	m.CheckDailyReset()

	s, _ := m.GetState("abcabcabcabcabcabcabcabcabcabcabcabcabca")
	if s.TradesToday != 1 {
		t.Errorf("TradesToday = %d, want 1 (same-day reset should not clear)", s.TradesToday)
	}
}

func TestGetSummaryStats(t *testing.T) {
	t.Parallel()

	m := NewManager(twoTraderConfig(t))
	m.RecordTrade("abcabcabcabcabcabcabcabcabcabcabcabcabca", 100, types.StatusSuccess)
	m.RecordTrade("defdefdefdefdefdefdefdefdefdefdefdefdefd", 50, types.StatusPartial)

	stats := m.GetSummaryStats()
	if stats.TotalTraders != 2 || stats.TotalTrades != 2 {
		t.Errorf("unexpected summary: %+v", stats)
	}
	if stats.TotalSuccessful != 1 || stats.TotalPartial != 1 {
		t.Errorf("unexpected summary counts: %+v", stats)
	}
	if stats.TotalCopiedUSD != 150 {
		t.Errorf("TotalCopiedUSD = %v, want 150", stats.TotalCopiedUSD)
	}
}

type fakePersister struct {
	rows []types.TraderStatsRow
}

func (f *fakePersister) UpsertTraderStats(row types.TraderStatsRow) error {
	f.rows = append(f.rows, row)
	return nil
}

func TestPersistToDB(t *testing.T) {
	t.Parallel()

	m := NewManager(twoTraderConfig(t))
	m.RecordTrade("abcabcabcabcabcabcabcabcabcabcabcabcabca", 100, types.StatusSuccess)

	fp := &fakePersister{}
	if err := m.PersistToDB(fp); err != nil {
		t.Fatalf("PersistToDB: %v", err)
	}
	if len(fp.rows) != 2 {
		t.Fatalf("expected one row per tracked trader, got %d", len(fp.rows))
	}
}
