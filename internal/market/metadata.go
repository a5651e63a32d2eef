package market

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MarketClass identifies the category of market a token belongs to, used
// to pick which market-specific risk rule (if any) applies.
type MarketClass string

const (
	ClassTennis  MarketClass = "tennis"
	ClassSoccer  MarketClass = "soccer"
	ClassGeneric MarketClass = "generic"
)

// Metadata describes the market a token trades in, enough for the risk
// guard's market-class predicates to decide whether current match state
// should block a mirror order.
type Metadata struct {
	Title      string
	Outcome    string
	Class      MarketClass
	MatchState string // e.g. "final_set_tiebreak", "live_78min"; "" if unknown or not live
}

// MetadataFetcher is the external collaborator this bot depends on for
// market metadata — out of scope for this core; tests and the
// supervisor wiring provide one.
type MetadataFetcher func(ctx context.Context, tokenID string) (Metadata, error)

// MetadataCache is a TTL read-through cache in front of a MetadataFetcher,
// the same shape as PriceCache but for market metadata rather than book
// levels.
type MetadataCache struct {
	fetch MetadataFetcher
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]metadataEntry
}

type metadataEntry struct {
	meta      Metadata
	fetchedAt time.Time
}

// NewMetadataCache wraps fetch with a TTL cache.
func NewMetadataCache(fetch MetadataFetcher, ttl time.Duration) *MetadataCache {
	return &MetadataCache{
		fetch:   fetch,
		ttl:     ttl,
		entries: make(map[string]metadataEntry),
	}
}

// Lookup returns cached metadata for token, refreshing if expired or
// absent.
func (c *MetadataCache) Lookup(ctx context.Context, tokenID string) (Metadata, error) {
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[tokenID]
	c.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) <= c.ttl {
		return entry.meta, nil
	}

	if c.fetch == nil {
		return Metadata{}, fmt.Errorf("metadata cache: no fetcher configured for token %s", tokenID)
	}

	meta, err := c.fetch(ctx, tokenID)
	if err != nil {
		if ok {
			return entry.meta, nil // serve stale rather than fail the guard outright
		}
		return Metadata{}, err
	}

	c.mu.Lock()
	c.entries[tokenID] = metadataEntry{meta: meta, fetchedAt: now}
	c.mu.Unlock()

	return meta, nil
}
