package persistence

import (
	"testing"

	"polycopy/pkg/types"
)

func f64(v float64) *float64 { return &v }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, 1, true, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordTradeAndFlushCount(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		r := types.TradeRecord{
			TimestampMs: int64(1000 + i),
			TokenID:     "tok-a",
			Side:        types.BUY,
			Status:      types.StatusSuccess,
			OurShares:   f64(10),
			OurPrice:    f64(0.5),
		}
		if err := s.RecordTrade(r); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}

	trades, err := s.GetRecentTrades(100)
	if err != nil {
		t.Fatalf("GetRecentTrades: %v", err)
	}
	if len(trades) != 5 {
		t.Fatalf("got %d trades, want 5", len(trades))
	}
}

func TestGetRecentTradesGlobalTimestampOrder(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	// Two tokens interleaved: "tok-a" sorts after "tok-b" lexicographically,
	// but tok-b's rows are strictly older. A token-major key would surface
	// tok-a's oldest row ahead of tok-b's newest, which this guards against.
	records := []types.TradeRecord{
		{TimestampMs: 1000, TokenID: "tok-b", Side: types.BUY, OurShares: f64(1), OurPrice: f64(0.1)},
		{TimestampMs: 2000, TokenID: "tok-a", Side: types.BUY, OurShares: f64(1), OurPrice: f64(0.2)},
		{TimestampMs: 3000, TokenID: "tok-b", Side: types.BUY, OurShares: f64(1), OurPrice: f64(0.3)},
		{TimestampMs: 4000, TokenID: "tok-a", Side: types.BUY, OurShares: f64(1), OurPrice: f64(0.4)},
	}
	for _, r := range records {
		if err := s.RecordTrade(r); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}

	got, err := s.GetRecentTrades(10)
	if err != nil {
		t.Fatalf("GetRecentTrades: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d trades, want 4", len(got))
	}

	wantOrder := []int64{4000, 3000, 2000, 1000}
	for i, ts := range wantOrder {
		if got[i].TimestampMs != ts {
			t.Errorf("position %d: timestamp_ms = %d, want %d (full order: %v)", i, got[i].TimestampMs, ts, tsList(got))
		}
	}
}

func tsList(trades []types.TradeRecord) []int64 {
	out := make([]int64, len(trades))
	for i, r := range trades {
		out[i] = r.TimestampMs
	}
	return out
}

func TestGetPositionsAggregatesAndOrdersByToken(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	records := []types.TradeRecord{
		{TimestampMs: 1, TokenID: "tok-z", Side: types.BUY, OurShares: f64(10), OurPrice: f64(0.40)},
		{TimestampMs: 2, TokenID: "tok-z", Side: types.BUY, OurShares: f64(10), OurPrice: f64(0.60)},
		{TimestampMs: 3, TokenID: "tok-z", Side: types.SELL, OurShares: f64(5), OurPrice: f64(0.70)},
		{TimestampMs: 4, TokenID: "tok-a", Side: types.BUY, OurShares: f64(3), OurPrice: f64(0.25)},
	}
	for _, r := range records {
		if err := s.RecordTrade(r); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}

	positions, err := s.GetPositions()
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, want 2", len(positions))
	}

	// Sorted by token_id: "tok-a" before "tok-z".
	if positions[0].TokenID != "tok-a" || positions[1].TokenID != "tok-z" {
		t.Fatalf("unexpected token order: %+v", positions)
	}

	z := positions[1]
	if z.NetShares != 15 {
		t.Errorf("tok-z NetShares = %v, want 15", z.NetShares)
	}
	if z.TradeCount != 3 {
		t.Errorf("tok-z TradeCount = %v, want 3", z.TradeCount)
	}
	if z.AvgEntryPrice == nil {
		t.Fatal("tok-z AvgEntryPrice is nil, want a value")
	}
	// (10*0.40 + 10*0.60) / 20 = 0.50; SELL does not move the average.
	if got := *z.AvgEntryPrice; got < 0.4999 || got > 0.5001 {
		t.Errorf("tok-z AvgEntryPrice = %v, want ~0.50", got)
	}
}

func TestGetPositionsHidesNettedOutToken(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	records := []types.TradeRecord{
		{TimestampMs: 1, TokenID: "tok-flat", Side: types.BUY, OurShares: f64(10), OurPrice: f64(0.5)},
		{TimestampMs: 2, TokenID: "tok-flat", Side: types.SELL, OurShares: f64(10), OurPrice: f64(0.6)},
		{TimestampMs: 3, TokenID: "tok-open", Side: types.BUY, OurShares: f64(4), OurPrice: f64(0.3)},
	}
	for _, r := range records {
		if err := s.RecordTrade(r); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}

	positions, err := s.GetPositions()
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1 (tok-flat should be hidden): %+v", len(positions), positions)
	}
	if positions[0].TokenID != "tok-open" {
		t.Errorf("visible position = %q, want tok-open", positions[0].TokenID)
	}
}

func TestGetPositionsOrderInvariant(t *testing.T) {
	t.Parallel()

	records := []types.TradeRecord{
		{TimestampMs: 1, TokenID: "tok-a", Side: types.BUY, OurShares: f64(10), OurPrice: f64(0.4)},
		{TimestampMs: 2, TokenID: "tok-b", Side: types.BUY, OurShares: f64(5), OurPrice: f64(0.7)},
		{TimestampMs: 3, TokenID: "tok-a", Side: types.SELL, OurShares: f64(2), OurPrice: f64(0.5)},
		{TimestampMs: 4, TokenID: "tok-b", Side: types.BUY, OurShares: f64(5), OurPrice: f64(0.3)},
	}

	forward := buildPositions(t, records)

	reversed := make([]types.TradeRecord, len(records))
	for i, r := range records {
		reversed[len(records)-1-i] = r
	}
	backward := buildPositions(t, reversed)

	if len(forward) != len(backward) {
		t.Fatalf("position count differs by insertion order: %d vs %d", len(forward), len(backward))
	}
	for i := range forward {
		f, b := forward[i], backward[i]
		if f.TokenID != b.TokenID || f.NetShares != b.NetShares || f.TradeCount != b.TradeCount {
			t.Errorf("position %d differs by insertion order: %+v vs %+v", i, f, b)
		}
	}
}

func buildPositions(t *testing.T, records []types.TradeRecord) []types.Position {
	t.Helper()
	s := openTestStore(t)
	for _, r := range records {
		if err := s.RecordTrade(r); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}
	positions, err := s.GetPositions()
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	return positions
}

func TestGetTradeCountCountsOnlyFlushed(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir(), 50, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	r := types.TradeRecord{TimestampMs: 1000, TokenID: "tok", Side: types.BUY, Status: types.StatusSuccess}
	if err := s.RecordTrade(r); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}

	n, err := s.GetTradeCount()
	if err != nil {
		t.Fatalf("GetTradeCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("GetTradeCount() = %d before flush, want 0 (record still buffered)", n)
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	n, err = s.GetTradeCount()
	if err != nil {
		t.Fatalf("GetTradeCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("GetTradeCount() = %d after flush, want 1", n)
	}
}

func TestInsertTradeBypassesBuffer(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir(), 50, false, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	r := types.TradeRecord{TimestampMs: 2000, TxHash: "0xdead", TokenID: "tok", Side: types.SELL, Status: types.StatusFailed}
	if err := s.InsertTrade(r); err != nil {
		t.Fatalf("InsertTrade: %v", err)
	}

	n, err := s.GetTradeCount()
	if err != nil {
		t.Fatalf("GetTradeCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("GetTradeCount() = %d, want 1 (insert is not buffered)", n)
	}

	trades, err := s.GetRecentTrades(1)
	if err != nil {
		t.Fatalf("GetRecentTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].TxHash != "0xdead" {
		t.Fatalf("GetRecentTrades(1) = %+v, want the inserted record", trades)
	}
}
