package persistence

import "fmt"

// Key schema for the Pebble-backed store.
//
//	trade:<20-digit-zero-padded-ms-timestamp>:<20-digit-zero-padded-seq> → TradeRecord
//	traderstats:<address>                                                → TraderStatsRow
//
// The trade key is timestamp-major (token_id lives only in the value, not
// the key) so a single reverse scan over the trade: prefix yields every
// record in global timestamp_ms DESC order regardless of how many tokens
// are involved; a token-major key would sort token first and could hide
// newer rows on one token behind older rows on another.
const (
	prefixTrade       = "trade:"
	prefixTraderStats = "traderstats:"
)

// tradeKey returns the key for a trade record. Both the timestamp and the
// sequence are zero-padded to 20 digits so keys sort lexicographically in
// (timestamp, seq) order, letting GetRecentTrades reverse-scan cheaply for
// the newest rows first. seq breaks ties between records sharing a
// timestamp, in insertion order.
func tradeKey(timestampMs int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", prefixTrade, timestampMs, seq))
}

// allTradesPrefix covers every trade record.
func allTradesPrefix() []byte {
	return []byte(prefixTrade)
}

// traderStatsKey returns the key for a trader's stats row.
func traderStatsKey(address string) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixTraderStats, address))
}

// traderStatsPrefix covers every trader stats row.
func traderStatsPrefix() []byte {
	return []byte(prefixTraderStats)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
