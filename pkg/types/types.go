// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order types, market
// metadata, order book snapshots, whale events, and trade records. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign returns +1 for BUY, -1 for SELL. Used when netting position shares.
func (s Side) Sign() float64 {
	if s == SELL {
		return -1
	}
	return 1
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill: immediate partial fill, remainder cancelled
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by the order
// worker. The exchange client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string    // which token to trade (YES or NO asset ID)
	Price      float64   // limit price (0.0 to 1.0 for binary markets)
	Size       float64   // quantity in tokens
	Side       Side      // BUY or SELL
	OrderType  OrderType // FAK for mirror orders
	TickSize   TickSize  // market's price granularity (for amount rounding)
	Expiration int64     // unix timestamp, 0 = no expiry
	FeeRateBps int       // fee rate in basis points
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /orders (batch).
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`              // API key of the order owner
	OrderType OrderType   `json:"orderType"`          // FAK
	PostOnly  bool        `json:"postOnly,omitempty"` // if true, rejects if it would cross
}

// OrderResponse is the REST API response for each order in a batch POST.
type OrderResponse struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg"`
	OrderID     string `json:"orderID"`
	Status      string `json:"status"`      // e.g. "live", "matched", "unmatched"
	SizeMatched string `json:"sizeMatched"` // cumulative filled size, string-encoded
}

// CancelResponse is returned by DELETE /orders, /cancel-all.
type CancelResponse struct {
	Canceled []string `json:"canceled"` // IDs of successfully cancelled orders
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// Whale ingestion (trader-filtered event topics)
// ————————————————————————————————————————————————————————————————————————

// WhaleSubscribeMsg is the subscription frame sent to the whale-event feed:
// {"subscribe":{"topics":[<64-hex topic per trader>]}}.
type WhaleSubscribeMsg struct {
	Subscribe WhaleSubscribeBody `json:"subscribe"`
}

// WhaleSubscribeBody carries the topic filter list.
type WhaleSubscribeBody struct {
	Topics []string `json:"topics"`
}

// WhaleEventFrame is a single decoded frame from the whale-event feed. It is
// either a heartbeat (Topic == "") or an order-fill event carrying the
// indexed trader topic and the raw order fields.
type WhaleEventFrame struct {
	Type        string `json:"type"` // "heartbeat" or "fill"
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
	Topic       string `json:"topic"` // 64-hex trader topic (left-padded address)
	TokenID     string `json:"token_id"`
	Side        string `json:"side"` // "BUY" or "SELL"
	Shares      string `json:"shares"`
	Price       string `json:"price"`
}

// ————————————————————————————————————————————————————————————————————————
// Copy-trading domain model
// ————————————————————————————————————————————————————————————————————————

// OrderInfo is the parsed order detail embedded in a ParsedEvent.
type OrderInfo struct {
	OrderType     string // e.g. "BUY_FILL", "SELL_FILL" for synthetic aggregates
	TokenID       string
	Side          Side
	Shares        float64
	PricePerShare float64
	USDValue      float64 // invariant: USDValue ≈ Shares × PricePerShare
}

// ParsedEvent is a fully parsed whale fill, ready for worker processing.
// Produced either directly by the ingest loop or synthesized by the
// aggregator from several small fills.
type ParsedEvent struct {
	BlockNumber     uint64
	TxHash          string
	TraderAddress   string // normalized 40-hex, lowercase, no 0x prefix
	TraderLabel     string
	TraderMinShares float64 // copied from config at parse time; 0 for synthetic events
	IngestTime      time.Time
	AggCount        int   // whale fills combined into this event; 0 for a raw wire event
	AggWindowMs     int64 // span between first and last combined fill
	Order           OrderInfo
}

// TradeStatus is the terminal outcome recorded for a worker's handling of
// one ParsedEvent.
type TradeStatus string

const (
	StatusSuccess TradeStatus = "SUCCESS"
	StatusPartial TradeStatus = "PARTIAL"
	StatusFailed  TradeStatus = "FAILED"
	StatusSkipped TradeStatus = "SKIPPED"
)

// TradeRecord is one append-only row in the persistence store.
type TradeRecord struct {
	TimestampMs   int64
	BlockNumber   uint64
	TxHash        string
	TraderAddress string
	TokenID       string
	Side          Side
	WhaleShares   float64
	WhalePrice    float64
	WhaleUSD      float64
	OurShares     *float64 // nil iff never placed or placement failed before any fill
	OurPrice      *float64
	OurUSD        *float64
	FillPct       *float64
	Status        TradeStatus
	LatencyMs     *int64
	IsLive        *bool
	Reason        string // populated for SKIPPED/FAILED
	AggCount      *int   // number of whale fills combined into this record, if aggregated
	AggWindowMs   *int64 // span between first and last combined fill
}

// Position is a derived, not-stored view over our own fills for one token.
type Position struct {
	TokenID       string
	NetShares     float64
	AvgEntryPrice *float64 // nil if no BUY rows contributed
	TradeCount    int
}

// AggregationStats summarizes how much the aggregator amortized trading.
type AggregationStats struct {
	TotalOrders             int
	AggregatedOrders        int
	TotalTradesCombined     int
	AvgTradesPerAggregation float64
}

// TraderStatsRow is the persisted per-trader counters row (secondary
// keyspace, upserted from traderstate.Manager on the supervisor's cadence).
type TraderStatsRow struct {
	Address        string
	Label          string
	TradesToday    int
	Successful     int
	Failed         int
	Partial        int
	TotalCopiedUSD float64
	LastTradeAtMs  int64
	DailyResetAtMs int64
}
