package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"polycopy/internal/aggregator"
	"polycopy/internal/config"
	"polycopy/pkg/types"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []types.ParsedEvent
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, ev types.ParsedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestTraders(t *testing.T) *config.ReloadableTraders {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traders.json")
	const body = `[{"address":"aaaa000000000000000000000000000000000000","label":"Whale1","min_shares":1}]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write traders.json: %v", err)
	}
	rt, err := config.NewReloadableTraders(path, nil)
	if err != nil {
		t.Fatalf("NewReloadableTraders: %v", err)
	}
	return rt
}

func TestHandleFrameBypassDispatchesImmediately(t *testing.T) {
	t.Parallel()
	traders := newTestTraders(t)
	agg := aggregator.New(aggregator.Config{WindowDuration: time.Minute, MinTrades: 2, MaxPendingUSD: 1e9, BypassThreshold: 100})
	out := &fakeDispatcher{}
	loop := New("ws://unused", traders, agg, out, nil)

	trader, _ := traders.Snapshot().GetByAddress("aaaa000000000000000000000000000000000000")
	frame := types.WhaleEventFrame{
		Type: "fill", TxHash: "0x1", Topic: trader.TopicHex,
		TokenID: "tok", Side: "BUY", Shares: "500", Price: "0.50",
	}
	data, _ := json.Marshal(frame)

	loop.handleFrame(context.Background(), data)

	if out.count() != 1 {
		t.Fatalf("dispatched %d events, want 1 (bypass)", out.count())
	}
}

func TestHandleFrameUnknownTopicIsDropped(t *testing.T) {
	t.Parallel()
	traders := newTestTraders(t)
	agg := aggregator.New(aggregator.Config{WindowDuration: time.Minute, MinTrades: 2, MaxPendingUSD: 1e9, BypassThreshold: 1e9})
	out := &fakeDispatcher{}
	loop := New("ws://unused", traders, agg, out, nil)

	frame := types.WhaleEventFrame{
		Type: "fill", TxHash: "0x1", Topic: "deadbeef", // not a configured trader
		TokenID: "tok", Side: "BUY", Shares: "1", Price: "0.50",
	}
	data, _ := json.Marshal(frame)

	loop.handleFrame(context.Background(), data)

	if out.count() != 0 {
		t.Fatalf("dispatched %d events, want 0 for unknown topic", out.count())
	}
}

func TestHandleFrameHeartbeatIgnored(t *testing.T) {
	t.Parallel()
	traders := newTestTraders(t)
	agg := aggregator.New(aggregator.Config{WindowDuration: time.Minute, MinTrades: 2, MaxPendingUSD: 1e9, BypassThreshold: 1e9})
	out := &fakeDispatcher{}
	loop := New("ws://unused", traders, agg, out, nil)

	data, _ := json.Marshal(types.WhaleEventFrame{Type: "heartbeat"})
	loop.handleFrame(context.Background(), data)

	if out.count() != 0 {
		t.Fatalf("dispatched %d events, want 0 for heartbeat", out.count())
	}
}

func TestHandleFrameBelowThresholdDefers(t *testing.T) {
	t.Parallel()
	traders := newTestTraders(t)
	agg := aggregator.New(aggregator.Config{WindowDuration: time.Minute, MinTrades: 5, MaxPendingUSD: 1e9, BypassThreshold: 1e9})
	out := &fakeDispatcher{}
	loop := New("ws://unused", traders, agg, out, nil)

	trader, _ := traders.Snapshot().GetByAddress("aaaa000000000000000000000000000000000000")
	frame := types.WhaleEventFrame{
		Type: "fill", TxHash: "0x1", Topic: trader.TopicHex,
		TokenID: "tok", Side: "BUY", Shares: "1", Price: "0.50",
	}
	data, _ := json.Marshal(frame)

	loop.handleFrame(context.Background(), data)

	if out.count() != 0 {
		t.Fatalf("dispatched %d events, want 0 (still pending, below min_trades)", out.count())
	}
	if agg.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", agg.PendingCount())
	}
}

func TestDispatchAggregateForwardsToDispatcher(t *testing.T) {
	t.Parallel()
	traders := newTestTraders(t)
	agg := aggregator.New(aggregator.Config{WindowDuration: time.Minute, MinTrades: 1, MaxPendingUSD: 1e9, BypassThreshold: 1e9})
	out := &fakeDispatcher{}
	loop := New("ws://unused", traders, agg, out, nil)

	synthetic := aggregator.AggregatedTrade{TokenID: "tok", TotalShares: 10, AvgPrice: 0.5, TradeCount: 2}
	if err := loop.DispatchAggregate(context.Background(), synthetic); err != nil {
		t.Fatalf("DispatchAggregate() error = %v", err)
	}
	if out.count() != 1 {
		t.Fatalf("dispatched %d events, want 1", out.count())
	}
}
