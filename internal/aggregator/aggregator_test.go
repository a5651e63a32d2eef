package aggregator

import (
	"testing"
	"time"

	"polycopy/pkg/types"
)

func defaultConfig() Config {
	return Config{
		WindowDuration:  800 * time.Millisecond,
		MinTrades:       2,
		MaxPendingUSD:   500,
		BypassThreshold: 4000,
	}
}

func TestBypass(t *testing.T) {
	t.Parallel()

	a := New(defaultConfig())
	agg, ok := a.AddTrade("T", types.BUY, 5000, 0.5, "A")
	if !ok {
		t.Fatal("expected bypass trade to return immediately")
	}
	if agg.TotalShares != 5000 || agg.AvgPrice != 0.5 || agg.TradeCount != 1 {
		t.Errorf("unexpected aggregate: %+v", agg)
	}
	if a.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", a.PendingCount())
	}
}

func TestValueCapFlush(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.MaxPendingUSD = 100

	a := New(cfg)

	_, ok := a.AddTrade("T", types.BUY, 50, 0.5, "A")
	if ok {
		t.Fatal("expected first trade to remain pending")
	}

	agg, ok := a.AddTrade("T", types.BUY, 200, 0.5, "B")
	if !ok {
		t.Fatal("expected second trade to trigger value-cap flush")
	}
	if agg.TradeCount != 2 || agg.TotalShares != 250 || agg.TotalUSD != 125 {
		t.Errorf("unexpected aggregate: %+v", agg)
	}
	if a.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", a.PendingCount())
	}
}

func TestWindowExpiry(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.WindowDuration = 50 * time.Millisecond

	a := New(cfg)
	a.AddTrade("T", types.BUY, 100, 0.4, "A")
	a.AddTrade("T", types.BUY, 200, 0.5, "B")

	time.Sleep(100 * time.Millisecond)

	out := a.FlushExpired(time.Now())
	if len(out) != 1 {
		t.Fatalf("FlushExpired() returned %d aggregates, want 1", len(out))
	}
	if out[0].TotalShares != 300 {
		t.Errorf("TotalShares = %v, want 300", out[0].TotalShares)
	}
	want := 0.4667
	if diff := out[0].AvgPrice - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("AvgPrice = %v, want ≈%v", out[0].AvgPrice, want)
	}
}

func TestMinTradesNotMetOnFlushAll(t *testing.T) {
	t.Parallel()

	a := New(defaultConfig())
	a.AddTrade("T1", types.BUY, 100, 0.5, "A")
	a.AddTrade("T2", types.BUY, 100, 0.5, "A")
	a.AddTrade("T2", types.BUY, 100, 0.5, "B")

	out := a.FlushAll()
	if len(out) != 1 {
		t.Fatalf("FlushAll() returned %d aggregates, want 1", len(out))
	}
	if out[0].TokenID != "T2" {
		t.Errorf("expected T2's aggregate to survive, got %q", out[0].TokenID)
	}
}

func TestBypassDoesNotFlushPending(t *testing.T) {
	t.Parallel()

	// Documents the preserved asymmetry from the design notes: a bypass
	// fill ignores whatever is already pending for the same key.
	a := New(defaultConfig())
	a.AddTrade("T", types.BUY, 100, 0.5, "A")

	_, ok := a.AddTrade("T", types.BUY, 4000, 0.6, "B")
	if !ok {
		t.Fatal("expected bypass trade to return immediately")
	}
	if a.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1 (pending trade untouched by bypass)", a.PendingCount())
	}
}

func TestAggregatedTradeRoundTrip(t *testing.T) {
	t.Parallel()

	a := New(defaultConfig())
	agg, ok := a.AddTrade("T", types.BUY, 5000, 0.5, "A")
	if !ok {
		t.Fatal("expected bypass")
	}

	ev := agg.ToParsedEvent()
	if ev.Order.Shares != agg.TotalShares || ev.Order.PricePerShare != agg.AvgPrice || ev.Order.USDValue != agg.TotalUSD {
		t.Errorf("ToParsedEvent() did not preserve aggregate fields: %+v vs %+v", ev.Order, agg)
	}
	if ev.TraderLabel != "AGGREGATED" {
		t.Errorf("TraderLabel = %q, want AGGREGATED", ev.TraderLabel)
	}
	if ev.AggCount != agg.TradeCount {
		t.Errorf("AggCount = %d, want %d", ev.AggCount, agg.TradeCount)
	}
}
