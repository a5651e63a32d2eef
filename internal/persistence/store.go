// Package persistence is the durable record of every whale fill we acted
// on (or chose not to), backed by an embedded Pebble LSM store. Writes are
// buffered in memory and flushed in batches; the buffer size trades
// latency for durability — a crash between flushes loses
// at most the buffered records.
package persistence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"polycopy/pkg/types"
)

// Store is the trade/position/stats persistence layer.
type Store struct {
	db     *pebble.DB
	logger *slog.Logger

	bufferSize int
	syncWrites bool

	mu     sync.Mutex
	buffer []types.TradeRecord

	seq atomic.Uint64

	statsMu sync.Mutex
}

// Open opens (creating if necessary) a Pebble store at dataDir.
func Open(dataDir string, bufferSize int, syncEveryWrite bool, logger *slog.Logger) (*Store, error) {
	db, err := pebble.Open(dataDir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store at %s: %w", dataDir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Store{
		db:         db,
		logger:     logger,
		bufferSize: bufferSize,
		syncWrites: syncEveryWrite,
	}, nil
}

// Close flushes any buffered records and closes the underlying database.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		s.logger.Error("flush on close failed", "error", err)
	}
	return s.db.Close()
}

// RecordTrade appends a record to the in-memory buffer, flushing
// immediately once the buffer reaches its configured size (or on every
// call, if SyncEveryWrite is set). A flush failure is returned to the
// caller and the buffered records are dropped — once flushed from the
// buffer, they are not retried.
func (s *Store) RecordTrade(r types.TradeRecord) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, r)
	shouldFlush := s.syncWrites || len(s.buffer) >= s.bufferSize
	s.mu.Unlock()

	if shouldFlush {
		return s.Flush()
	}
	return nil
}

// Flush writes every buffered record to Pebble in one batch and clears the
// buffer, regardless of outcome.
func (s *Store) Flush() error {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, r := range pending {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal trade record: %w", err)
		}
		key := tradeKey(r.TimestampMs, s.seq.Add(1))
		if err := batch.Set(key, data, nil); err != nil {
			return fmt.Errorf("batch set trade record: %w", err)
		}
	}

	opts := pebble.NoSync
	if s.syncWrites {
		opts = pebble.Sync
	}
	if err := batch.Commit(opts); err != nil {
		return fmt.Errorf("commit trade batch: %w", err)
	}
	return nil
}

// InsertTrade writes one record straight through to Pebble with a synced
// WAL commit, bypassing the buffer entirely. A nil return means the record
// is durable; use this instead of RecordTrade when losing the row on crash
// is not acceptable.
func (s *Store) InsertTrade(r types.TradeRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal trade record: %w", err)
	}
	key := tradeKey(r.TimestampMs, s.seq.Add(1))
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("insert trade record: %w", err)
	}
	return nil
}

// GetTradeCount returns the number of flushed trade records.
func (s *Store) GetTradeCount() (int, error) {
	prefix := allTradesPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("new iterator: %w", err)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, nil
}

// TxHashExists scans stored trades for a matching transaction hash. Nothing
// in this module calls it; the ingest loop does not dedup fills across
// websocket reconnects.
// Records still sitting in the hot buffer are included in the scan (unlike
// GetRecentTrades' HTTP-facing path, which only ever sees flushed data).
func (s *Store) TxHashExists(txHash string) (bool, error) {
	s.mu.Lock()
	for _, r := range s.buffer {
		if r.TxHash == txHash {
			s.mu.Unlock()
			return true, nil
		}
	}
	s.mu.Unlock()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: allTradesPrefix(),
		UpperBound: keyUpperBound(allTradesPrefix()),
	})
	if err != nil {
		return false, fmt.Errorf("new iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var r types.TradeRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		if r.TxHash == txHash {
			return true, nil
		}
	}
	return false, nil
}

// GetRecentTrades returns up to limit of the most recently flushed trades,
// newest first. Trades still in the hot write buffer are not visible here
// — callers must not assume this is "latest" (an explicit tradeoff, preserved
// as documented behavior rather than silently fixed).
func (s *Store) GetRecentTrades(limit int) ([]types.TradeRecord, error) {
	prefix := allTradesPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("new iterator: %w", err)
	}
	defer iter.Close()

	var out []types.TradeRecord
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var r types.TradeRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// GetPositions computes net position per token_id from every flushed trade
// record, netting BUY/SELL shares and weighting average entry price by
// BUY-side USD only (SELL trades reduce NetShares but do not alter
// AvgEntryPrice, matching a standard cost-basis-on-entry convention).
// Tokens whose net shares have washed out to ~0 are omitted entirely —
// there is nothing open left to report.
// Invariant under insertion order: the result depends only on the multiset
// of records, not the order they were written in.
func (s *Store) GetPositions() ([]types.Position, error) {
	prefix := allTradesPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("new iterator: %w", err)
	}
	defer iter.Close()

	type accum struct {
		netShares  float64
		buyUSD     decimal.Decimal // exact running sum, avoids float drift across many small fills
		buyShares  float64
		tradeCount int
	}
	byToken := make(map[string]*accum)

	for iter.First(); iter.Valid(); iter.Next() {
		var r types.TradeRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		if r.OurShares == nil || r.OurPrice == nil {
			continue // SKIPPED/FAILED records carry no executed position
		}

		a, ok := byToken[r.TokenID]
		if !ok {
			a = &accum{}
			byToken[r.TokenID] = a
		}
		a.tradeCount++

		shares := *r.OurShares
		if r.Side == types.SELL {
			a.netShares -= shares
		} else {
			a.netShares += shares
			a.buyShares += shares
			a.buyUSD = a.buyUSD.Add(decimal.NewFromFloat(shares).Mul(decimal.NewFromFloat(*r.OurPrice)))
		}
	}

	tokenIDs := make([]string, 0, len(byToken))
	for tok := range byToken {
		tokenIDs = append(tokenIDs, tok)
	}
	sort.Strings(tokenIDs)

	const netSharesHideThreshold = 0.0001

	out := make([]types.Position, 0, len(tokenIDs))
	for _, tok := range tokenIDs {
		a := byToken[tok]
		if math.Abs(a.netShares) <= netSharesHideThreshold {
			continue // BUYs and SELLs netted to ~0: nothing open to report
		}
		pos := types.Position{TokenID: tok, NetShares: a.netShares, TradeCount: a.tradeCount}
		if a.buyShares > 0 {
			avg, _ := a.buyUSD.Div(decimal.NewFromFloat(a.buyShares)).Float64()
			pos.AvgEntryPrice = &avg
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetAggregationStats computes aggregation effectiveness across all
// flushed trades: how many orders were synthesized from an aggregation
// (AggCount > 1; a bypassed single fill carries AggCount 1) versus placed
// singly, and the average number of whale
// fills combined per aggregated order.
func (s *Store) GetAggregationStats() (types.AggregationStats, error) {
	prefix := allTradesPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return types.AggregationStats{}, fmt.Errorf("new iterator: %w", err)
	}
	defer iter.Close()

	var stats types.AggregationStats
	var combined int

	for iter.First(); iter.Valid(); iter.Next() {
		var r types.TradeRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		stats.TotalOrders++
		if r.AggCount != nil && *r.AggCount > 1 {
			stats.AggregatedOrders++
			combined += *r.AggCount
		}
	}

	stats.TotalTradesCombined = combined
	if stats.AggregatedOrders > 0 {
		stats.AvgTradesPerAggregation = float64(combined) / float64(stats.AggregatedOrders)
	}
	return stats, nil
}

// UpsertTraderStats writes the latest snapshot of one trader's counters,
// replacing whatever was previously stored for that address.
func (s *Store) UpsertTraderStats(row types.TraderStatsRow) error {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal trader stats: %w", err)
	}
	if err := s.db.Set(traderStatsKey(row.Address), data, pebble.Sync); err != nil {
		return fmt.Errorf("set trader stats: %w", err)
	}
	return nil
}

// GetAllTraderStats returns every stored trader stats row.
func (s *Store) GetAllTraderStats() ([]types.TraderStatsRow, error) {
	prefix := traderStatsPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("new iterator: %w", err)
	}
	defer iter.Close()

	var out []types.TraderStatsRow
	for iter.First(); iter.Valid(); iter.Next() {
		var row types.TraderStatsRow
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}
