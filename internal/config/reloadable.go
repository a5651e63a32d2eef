package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ReloadableTraders wraps a TradersConfig behind a RWMutex and broadcasts a
// generation bump to every Subscribe()r whenever Reload() swaps in a
// different set of traders. There is no single-value watch-channel
// primitive in the standard library or in this project's dependency set
// (Go channels are single-consumer unless fanned out explicitly), so the
// broadcast is implemented directly: each Subscribe() call gets its own
// channel with a buffer of one, and Reload makes a non-blocking send of the
// new generation on each of them; a subscriber that has not drained the
// previous bump misses the new notification.
type ReloadableTraders struct {
	mu         sync.RWMutex
	current    *TradersConfig
	path       string
	generation uint64
	subs       []chan uint64
	logger     *slog.Logger
}

// NewReloadableTraders performs the initial load and wraps the result.
func NewReloadableTraders(path string, logger *slog.Logger) (*ReloadableTraders, error) {
	tc, err := LoadTraders(path)
	if err != nil {
		return nil, fmt.Errorf("initial traders load: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReloadableTraders{
		current: tc,
		path:    path,
		logger:  logger,
	}, nil
}

// Snapshot returns the currently active TradersConfig. Safe for concurrent
// use; callers should treat the returned value as immutable.
func (r *ReloadableTraders) Snapshot() *TradersConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Generation returns the current reload generation, starting at 0 and
// incrementing once per reload that actually changed the trader set.
func (r *ReloadableTraders) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Subscribe registers for generation-bump notifications. The returned
// channel receives the new generation number each time Reload swaps in a
// changed config. It is never closed (there is no explicit Close — callers
// simply stop reading).
// The channel is buffered so a slow consumer cannot stall Reload.
func (r *ReloadableTraders) Subscribe() <-chan uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan uint64, 1)
	r.subs = append(r.subs, ch)
	return ch
}

// Reload re-reads the trader source and, if the resulting set differs from
// what's currently active, swaps it in and notifies every subscriber.
// Returns changed=false (nil error) when the source is unchanged; the HTTP
// reload handler reports this value, while the ingest loop re-subscribes
// only on a notification from its Subscribe channel.
func (r *ReloadableTraders) Reload(ctx context.Context) (changed bool, err error) {
	next, err := LoadTraders(r.path)
	if err != nil {
		return false, fmt.Errorf("reload traders: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current.Equal(next) {
		return false, nil
	}

	r.current = next
	r.generation++
	gen := r.generation

	for _, ch := range r.subs {
		select {
		case ch <- gen:
		default:
			// subscriber hasn't drained the previous bump yet; it will
			// observe the latest generation on its next Snapshot() call
			// regardless, so dropping this notification is safe.
		}
	}

	r.logger.InfoContext(ctx, "traders config reloaded", "generation", gen, "trader_count", next.Len())
	return true, nil
}
