package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/market"
	"polycopy/internal/risk"
	"polycopy/internal/traderstate"
	"polycopy/pkg/types"
)

type fakeClient struct {
	mu        sync.Mutex
	responses [][]types.OrderResponse
	errs      []error
	calls     int
}

func (f *fakeClient) PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []types.TradeRecord
}

func (f *fakeRecorder) RecordTrade(r types.TradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeRecorder) last() types.TradeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[len(f.records)-1]
}

type fakeBookFetcher struct{}

func (fakeBookFetcher) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	return &types.BookResponse{
		Bids: []types.PriceLevel{{Price: "0.49", Size: "1000"}},
		Asks: []types.PriceLevel{{Price: "0.50", Size: "100000"}},
	}, nil
}

func newTestPool(t *testing.T, client OrderPlacer, recorder Recorder, guardCfg config.RiskConfig) *Pool {
	t.Helper()

	tradersPath := filepath.Join(t.TempDir(), "traders.json")
	const tradersJSON = `[{"address":"aaaa000000000000000000000000000000000000","label":"Whale1","scaling_ratio":0.1,"min_shares":10}]`
	if err := os.WriteFile(tradersPath, []byte(tradersJSON), 0o644); err != nil {
		t.Fatalf("write traders.json: %v", err)
	}

	rt, err := config.NewReloadableTraders(tradersPath, slog.Default())
	if err != nil {
		t.Fatalf("NewReloadableTraders: %v", err)
	}

	prices := market.NewPriceCache(fakeBookFetcher{}, time.Minute, 100, nil)
	guard := risk.NewGuard(guardCfg, "zzzz")
	states := traderstate.NewManager(rt.Snapshot())

	return NewPool(4, client, guard, prices, nil, rt, states, recorder,
		[]config.RetryTier{{MinWhaleShares: 0, MaxAttempts: 3}}, 200, nil)
}

func event(shares, price float64) types.ParsedEvent {
	return types.ParsedEvent{
		TxHash:          "0xabc",
		TraderAddress:   "aaaa000000000000000000000000000000000000",
		TraderLabel:     "Whale1",
		TraderMinShares: 10,
		IngestTime:      time.Now(),
		Order: types.OrderInfo{
			TokenID:       "tok1",
			Side:          types.BUY,
			Shares:        shares,
			PricePerShare: price,
			USDValue:      shares * price,
		},
	}
}

func TestHandleSkipsBelowMinShares(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	rec := &fakeRecorder{}
	pool := newTestPool(t, client, rec, config.RiskConfig{DepthMultiplier: 1})

	pool.handle(context.Background(), event(1, 0.5), slog.Default())

	got := rec.last()
	if got.Status != types.StatusSkipped {
		t.Fatalf("Status = %v, want SKIPPED", got.Status)
	}
	if client.calls != 0 {
		t.Fatal("expected no order submitted")
	}
}

func TestHandleFullFillSuccess(t *testing.T) {
	t.Parallel()
	client := &fakeClient{responses: [][]types.OrderResponse{
		{{Success: true, OrderID: "1", SizeMatched: "100"}},
	}}
	rec := &fakeRecorder{}
	pool := newTestPool(t, client, rec, config.RiskConfig{DepthMultiplier: 1})

	pool.handle(context.Background(), event(1000, 0.5), slog.Default())

	got := rec.last()
	if got.Status != types.StatusSuccess {
		t.Fatalf("Status = %v, want SUCCESS", got.Status)
	}
	if got.OurShares == nil || *got.OurShares != 100 {
		t.Fatalf("OurShares = %v, want 100", got.OurShares)
	}
}

func TestHandlePartialThenExhausted(t *testing.T) {
	t.Parallel()
	client := &fakeClient{responses: [][]types.OrderResponse{
		{{Success: true, OrderID: "1", SizeMatched: "30"}},
		{{Success: true, OrderID: "2", SizeMatched: "0"}},
		{{Success: true, OrderID: "3", SizeMatched: "0"}},
	}}
	rec := &fakeRecorder{}
	pool := newTestPool(t, client, rec, config.RiskConfig{DepthMultiplier: 1})

	pool.handle(context.Background(), event(1000, 0.5), slog.Default())

	got := rec.last()
	if got.Status != types.StatusPartial {
		t.Fatalf("Status = %v, want PARTIAL", got.Status)
	}
	if got.OurShares == nil || *got.OurShares != 30 {
		t.Fatalf("OurShares = %v, want 30", got.OurShares)
	}
	if client.calls != 3 {
		t.Fatalf("calls = %d, want 3 (attempts exhausted)", client.calls)
	}
}

func TestHandleTransportErrorRecordsFailed(t *testing.T) {
	t.Parallel()
	client := &fakeClient{errs: []error{errors.New("boom")}}
	rec := &fakeRecorder{}
	pool := newTestPool(t, client, rec, config.RiskConfig{DepthMultiplier: 1})

	pool.handle(context.Background(), event(1000, 0.5), slog.Default())

	got := rec.last()
	if got.Status != types.StatusFailed {
		t.Fatalf("Status = %v, want FAILED", got.Status)
	}
}

func TestHandleRejectedByGuard(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	rec := &fakeRecorder{}
	// DepthMultiplier huge so the liquidity-depth check always fails.
	pool := newTestPool(t, client, rec, config.RiskConfig{DepthMultiplier: 1_000_000})

	pool.handle(context.Background(), event(1000, 0.5), slog.Default())

	got := rec.last()
	if got.Status != types.StatusSkipped {
		t.Fatalf("Status = %v, want SKIPPED", got.Status)
	}
	if client.calls != 0 {
		t.Fatal("expected no order submitted when guard rejects")
	}
}

func TestDispatchRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	pool := NewPool(1, &fakeClient{}, nil, nil, nil, nil, nil, &fakeRecorder{}, nil, 0, nil)

	// Fill the single-slot queue first so Dispatch would otherwise block.
	pool.events <- event(1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := pool.Dispatch(ctx, event(1, 1)); err == nil {
		t.Fatal("Dispatch() expected error on cancelled context with full queue")
	}
}

func TestHandleCopiesAggregationMetadata(t *testing.T) {
	t.Parallel()
	client := &fakeClient{responses: [][]types.OrderResponse{
		{{Success: true, OrderID: "1", SizeMatched: "100"}},
	}}
	rec := &fakeRecorder{}
	pool := newTestPool(t, client, rec, config.RiskConfig{DepthMultiplier: 1})

	ev := event(1000, 0.5)
	ev.AggCount = 3
	ev.AggWindowMs = 250
	pool.handle(context.Background(), ev, slog.Default())

	got := rec.last()
	if got.AggCount == nil || *got.AggCount != 3 {
		t.Fatalf("AggCount = %v, want 3", got.AggCount)
	}
	if got.AggWindowMs == nil || *got.AggWindowMs != 250 {
		t.Fatalf("AggWindowMs = %v, want 250", got.AggWindowMs)
	}
	if got.LatencyMs == nil {
		t.Fatal("LatencyMs should be set once an order was submitted")
	}
}
