// Package aggregator coalesces whale fills that arrive close together into
// single mirror orders, reducing the number of orders placed (and fees
// paid) per whale trading burst.
package aggregator

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/pkg/types"
)

// Config tunes aggregation behavior. Zero values are never used directly —
// config.applyDefaults fills these in (window_duration 800ms, min_trades 2,
// max_pending_usd $500, bypass_threshold 4000 shares).
type Config struct {
	WindowDuration  time.Duration
	MinTrades       int
	MaxPendingUSD   float64
	BypassThreshold float64
}

// PendingTrade is a single whale fill waiting inside an aggregation window.
type PendingTrade struct {
	TokenID   string
	Side      types.Side
	Shares    float64
	Price     float64
	Timestamp time.Time
	Trader    string
}

// USDValue returns the notional value of this trade, computed in decimal
// rather than float64 so repeated accumulation across a burst of small
// whale fills doesn't drift.
func (p PendingTrade) USDValue() float64 {
	v, _ := usdDecimal(p.Shares, p.Price).Float64()
	return v
}

func usdDecimal(shares, price float64) decimal.Decimal {
	return decimal.NewFromFloat(shares).Mul(decimal.NewFromFloat(price))
}

// aggregationKey groups pending trades by token and side.
func (p PendingTrade) aggregationKey() string {
	return fmt.Sprintf("%s:%s", p.TokenID, p.Side)
}

// AggregatedTrade is the result of coalescing one or more PendingTrades into
// a single order to submit.
type AggregatedTrade struct {
	TokenID        string
	Side           types.Side
	TotalShares    float64
	AvgPrice       float64
	TradeCount     int
	TotalUSD       float64
	FirstTradeTime time.Time
	LastTradeTime  time.Time
	Traders        []string
}

// ToParsedEvent synthesizes a ParsedEvent representing this aggregation, so
// it can flow through the same worker pipeline as a single whale fill.
// The synthetic tx hash is never a real transaction hash; it only labels
// the resulting TradeRecord as an aggregate.
func (a AggregatedTrade) ToParsedEvent() types.ParsedEvent {
	prefix := a.TokenID
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}

	trader := ""
	if len(a.Traders) > 0 {
		trader = a.Traders[0]
	}

	return types.ParsedEvent{
		BlockNumber:     0,
		TxHash:          fmt.Sprintf("AGG_%d_%s", a.TradeCount, prefix),
		TraderAddress:   trader,
		TraderLabel:     "AGGREGATED",
		TraderMinShares: 0,
		IngestTime:      a.FirstTradeTime,
		AggCount:        a.TradeCount,
		AggWindowMs:     a.LastTradeTime.Sub(a.FirstTradeTime).Milliseconds(),
		Order: types.OrderInfo{
			OrderType:     fmt.Sprintf("%s_FILL", a.Side),
			TokenID:       a.TokenID,
			Side:          a.Side,
			Shares:        a.TotalShares,
			PricePerShare: a.AvgPrice,
			USDValue:      a.TotalUSD,
		},
	}
}

// fromTrades builds an AggregatedTrade from one or more pending trades that
// share a token/side. Returns false if trades is empty.
func fromTrades(trades []PendingTrade) (AggregatedTrade, bool) {
	if len(trades) == 0 {
		return AggregatedTrade{}, false
	}

	agg := AggregatedTrade{
		TokenID:        trades[0].TokenID,
		Side:           trades[0].Side,
		FirstTradeTime: trades[0].Timestamp,
		LastTradeTime:  trades[len(trades)-1].Timestamp,
		TradeCount:     len(trades),
	}

	totalUSD := decimal.Zero
	seen := make(map[string]struct{})
	for _, t := range trades {
		totalUSD = totalUSD.Add(usdDecimal(t.Shares, t.Price))
		agg.TotalShares += t.Shares
		if _, ok := seen[t.Trader]; !ok {
			seen[t.Trader] = struct{}{}
			agg.Traders = append(agg.Traders, t.Trader)
		}
	}
	agg.TotalUSD, _ = totalUSD.Float64()

	if agg.TotalShares > 0 {
		agg.AvgPrice = agg.TotalUSD / agg.TotalShares
	}

	return agg, true
}

// TradeAggregator holds trades pending aggregation, grouped by token+side.
// Safe for concurrent use: every method takes the aggregator's own mutex.
type TradeAggregator struct {
	mu      sync.Mutex
	cfg     Config
	pending map[string][]PendingTrade
}

// New creates an aggregator with the given configuration.
func New(cfg Config) *TradeAggregator {
	return &TradeAggregator{
		cfg:     cfg,
		pending: make(map[string][]PendingTrade),
	}
}

// AddTrade adds a trade to the aggregator. If the trade itself meets the
// bypass threshold, or adding it pushes the pending window's USD total over
// MaxPendingUSD, the resulting AggregatedTrade is returned immediately
// (ready to execute); otherwise it is held until FlushExpired or FlushAll
// releases it.
//
// Known asymmetry, preserved intentionally: a bypass-triggered trade is
// flushed on its own and never interacts with whatever is already pending
// for the same key — a large trade can race ahead of smaller trades still
// waiting out their window.
func (a *TradeAggregator) AddTrade(tokenID string, side types.Side, shares, price float64, trader string) (AggregatedTrade, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if shares >= a.cfg.BypassThreshold {
		trade := PendingTrade{TokenID: tokenID, Side: side, Shares: shares, Price: price, Timestamp: time.Now(), Trader: trader}
		return fromTrades([]PendingTrade{trade})
	}

	trade := PendingTrade{TokenID: tokenID, Side: side, Shares: shares, Price: price, Timestamp: time.Now(), Trader: trader}
	key := trade.aggregationKey()
	a.pending[key] = append(a.pending[key], trade)

	totalUSD := decimal.Zero
	for _, t := range a.pending[key] {
		totalUSD = totalUSD.Add(usdDecimal(t.Shares, t.Price))
	}
	if totalUSD.GreaterThanOrEqual(decimal.NewFromFloat(a.cfg.MaxPendingUSD)) {
		return a.flushKeyLocked(key)
	}

	return AggregatedTrade{}, false
}

// flushKeyLocked flushes the pending trades for key, but only if there are
// at least MinTrades of them; otherwise it leaves the key's trades in
// place for a later flush. Caller must hold a.mu.
func (a *TradeAggregator) flushKeyLocked(key string) (AggregatedTrade, bool) {
	trades, ok := a.pending[key]
	if !ok {
		return AggregatedTrade{}, false
	}
	delete(a.pending, key)

	if len(trades) < a.cfg.MinTrades {
		a.pending[key] = trades
		return AggregatedTrade{}, false
	}

	return fromTrades(trades)
}

// FlushExpired releases every pending group whose oldest trade has sat
// at least WindowDuration. Groups below MinTrades are left pending: a later
// FlushExpired releases them once enough trades have joined, AddTrade's
// value-cap path can release them, and FlushAll drops them.
func (a *TradeAggregator) FlushExpired(now time.Time) []AggregatedTrade {
	a.mu.Lock()
	defer a.mu.Unlock()

	var expiredKeys []string
	for key, trades := range a.pending {
		if len(trades) == 0 {
			continue
		}
		if now.Sub(trades[0].Timestamp) >= a.cfg.WindowDuration {
			expiredKeys = append(expiredKeys, key)
		}
	}

	var out []AggregatedTrade
	for _, key := range expiredKeys {
		if agg, ok := a.flushKeyLocked(key); ok {
			out = append(out, agg)
		}
	}
	return out
}

// FlushAll releases every pending group, dropping any group that never
// reached MinTrades — those trades were never going to fire on their own
// and shutdown is not a reason to trade them now.
func (a *TradeAggregator) FlushAll() []AggregatedTrade {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []AggregatedTrade
	for key, trades := range a.pending {
		delete(a.pending, key)
		if len(trades) < a.cfg.MinTrades {
			continue
		}
		if agg, ok := fromTrades(trades); ok {
			out = append(out, agg)
		}
	}
	return out
}

// PendingCount returns the total number of trades currently held across all
// pending groups.
func (a *TradeAggregator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n int
	for _, trades := range a.pending {
		n += len(trades)
	}
	return n
}
