// Package market provides the price/book cache the risk guard and order
// worker consult before sizing and bounding a mirror order.
//
// There is no local order-book mirror in this bot (unlike a market maker
// quoting continuously on one book, a copy-trader only needs a fresh read
// at the moment it reacts to a whale fill). PriceCache wraps the exchange
// REST client with a short TTL and a token-bucket rate limiter so a
// burst of whale fills on the same token doesn't hammer the book endpoint.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"polycopy/internal/exchange"
	"polycopy/pkg/types"
)

// BookFetcher is the subset of exchange.Client the cache needs. Kept as an
// interface so tests can substitute a fake without standing up HTTP.
type BookFetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// waiter is the subset of exchange.TokenBucket the cache rate-limits through.
type waiter interface {
	Wait(ctx context.Context) error
}

// BookQuote is the cached view of one token's book: best bid/ask plus the
// raw levels needed for the risk guard's liquidity-depth check.
type BookQuote struct {
	TokenID   string
	Bid       float64
	Ask       float64
	Bids      []types.PriceLevel
	Asks      []types.PriceLevel
	FetchedAt time.Time
}

// Stale reports whether this quote is older than ttl as of now.
func (q BookQuote) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(q.FetchedAt) > ttl
}

// DepthUSD sums ask-side notional available at or better than maxPrice —
// the liquidity the risk guard compares against our own order's USD size.
func (q BookQuote) DepthUSD(maxPrice float64) float64 {
	var usd float64
	for _, lvl := range q.Asks {
		price := parseFloat(lvl.Price)
		if price > maxPrice {
			continue
		}
		usd += price * parseFloat(lvl.Size)
	}
	return usd
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

type cacheEntry struct {
	quote BookQuote
	err   error
}

// PriceCache is a TTL-bounded, rate-limited read-through cache over the
// exchange's order-book endpoint.
type PriceCache struct {
	client BookFetcher
	limit  waiter
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewPriceCache builds a cache with the given TTL and a token bucket sized
// for ratePerSec requests/second (burst = ratePerSec, matching the default of
// 10 req/s).
func NewPriceCache(client BookFetcher, ttl time.Duration, ratePerSec float64, logger *slog.Logger) *PriceCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceCache{
		client:  client,
		limit:   exchange.NewTokenBucket(ratePerSec, ratePerSec),
		ttl:     ttl,
		logger:  logger.With("component", "price_cache"),
		entries: make(map[string]cacheEntry),
	}
}

// Get returns a cached quote for token if it's within TTL; otherwise it
// refreshes (rate-limited) and returns the result. Any refresh failure is
// returned as an error with a zero quote, whether or not an older quote is
// cached; that older quote stays in the cache, where GetFallback can still
// serve it.
func (c *PriceCache) Get(ctx context.Context, tokenID string) (BookQuote, error) {
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[tokenID]
	c.mu.Unlock()
	if ok && entry.err == nil && !entry.quote.Stale(now, c.ttl) {
		return entry.quote, nil
	}

	quote, err := c.refresh(ctx, tokenID)
	if err != nil {
		return BookQuote{}, err
	}
	return quote, nil
}

// GetFallback behaves like Get, but on a refresh failure returns the prior
// cached quote (however stale) instead of an error. Callers that tolerate
// staleness use this; the strict risk guard path uses Get and
// treats any failure as "no book → skip".
func (c *PriceCache) GetFallback(ctx context.Context, tokenID string) (BookQuote, bool) {
	quote, err := c.Get(ctx, tokenID)
	if err == nil {
		return quote, true
	}

	c.mu.Lock()
	entry, ok := c.entries[tokenID]
	c.mu.Unlock()
	if ok && entry.quote.TokenID != "" {
		return entry.quote, true
	}
	return BookQuote{}, false
}

func (c *PriceCache) refresh(ctx context.Context, tokenID string) (BookQuote, error) {
	if err := c.limit.Wait(ctx); err != nil {
		return BookQuote{}, fmt.Errorf("price cache rate limit: %w", err)
	}

	resp, err := c.client.GetOrderBook(ctx, tokenID)
	if err != nil {
		c.mu.Lock()
		c.entries[tokenID] = cacheEntry{quote: c.entries[tokenID].quote, err: err}
		c.mu.Unlock()
		return BookQuote{}, fmt.Errorf("fetch book for %s: %w", tokenID, err)
	}

	quote := BookQuote{TokenID: tokenID, FetchedAt: time.Now(), Bids: resp.Bids, Asks: resp.Asks}
	if len(resp.Bids) > 0 {
		quote.Bid = parseFloat(resp.Bids[0].Price)
	}
	if len(resp.Asks) > 0 {
		quote.Ask = parseFloat(resp.Asks[0].Price)
	}

	c.mu.Lock()
	c.entries[tokenID] = cacheEntry{quote: quote}
	c.mu.Unlock()

	return quote, nil
}
