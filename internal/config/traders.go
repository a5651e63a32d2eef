package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Trader is one configured whale address we mirror. Addresses are always
// normalized: lowercase, no "0x" prefix, exactly 40 hex characters.
type Trader struct {
	Address      string  `json:"address"`
	Label        string  `json:"label"`
	TopicHex     string  `json:"-"` // derived: address left-padded to 64 hex
	ScalingRatio float64 `json:"scaling_ratio"`
	MinShares    float64 `json:"min_shares"`
	Enabled      bool    `json:"enabled"`
}

// traderJSON mirrors one entry of traders.json. Optional fields default to
// label "Trader", scaling_ratio 0.02, min_shares 0.0, enabled true.
type traderJSON struct {
	Address      string   `json:"address"`
	Label        *string  `json:"label"`
	ScalingRatio *float64 `json:"scaling_ratio"`
	MinShares    *float64 `json:"min_shares"`
	Enabled      *bool    `json:"enabled"`
}

const (
	defaultLabel        = "Trader"
	defaultScalingRatio = 0.02
	defaultMinShares    = 0.0
)

// NewTrader validates and normalizes address, applying the documented
// defaults for an address-and-label-only construction (used by the legacy
// TARGET_WHALE_ADDRESS env loader).
func NewTrader(address, label string) (Trader, error) {
	norm, err := NormalizeAddress(address)
	if err != nil {
		return Trader{}, err
	}
	return Trader{
		Address:      norm,
		Label:        label,
		TopicHex:     AddressToTopicHex(norm),
		ScalingRatio: defaultScalingRatio,
		MinShares:    defaultMinShares,
		Enabled:      true,
	}, nil
}

// NormalizeAddress trims whitespace, strips an optional case-insensitive
// "0x" prefix, requires exactly 40 hex characters, and lowercases the
// result. Idempotent: NormalizeAddress(NormalizeAddress(x)) == NormalizeAddress(x).
func NormalizeAddress(input string) (string, error) {
	s := strings.TrimSpace(input)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 40 {
		return "", fmt.Errorf("invalid address %q: expected 40 hex chars, got %d", input, len(s))
	}
	for _, r := range s {
		if !isHexDigit(r) {
			return "", fmt.Errorf("invalid address %q: non-hex character %q", input, r)
		}
	}
	return strings.ToLower(s), nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// AddressToTopicHex left-pads a normalized 40-hex address to 64 hex
// characters, matching the on-chain indexed-topic encoding of an address.
func AddressToTopicHex(address string) string {
	return strings.Repeat("0", 64-len(address)) + address
}

// TradersConfig is the published, queryable set of configured traders.
// Both lookup maps are built once at construction; all subsequent reads are
// O(1) and lock-free (the caller — ReloadableTraders — owns the RWMutex).
type TradersConfig struct {
	entries   []Trader
	byAddress map[string]int
	byTopic   map[string]int
}

// NewTradersConfig builds the lookup maps over a slice of already-normalized
// traders.
func NewTradersConfig(traders []Trader) *TradersConfig {
	tc := &TradersConfig{
		entries:   traders,
		byAddress: make(map[string]int, len(traders)),
		byTopic:   make(map[string]int, len(traders)),
	}
	for i, t := range traders {
		tc.byAddress[t.Address] = i
		tc.byTopic[t.TopicHex] = i
	}
	return tc
}

// Len returns the number of configured traders (enabled and disabled).
func (tc *TradersConfig) Len() int { return len(tc.entries) }

// IsEmpty reports whether no traders are configured.
func (tc *TradersConfig) IsEmpty() bool { return len(tc.entries) == 0 }

// Entries returns a defensive copy of the configured traders.
func (tc *TradersConfig) Entries() []Trader {
	out := make([]Trader, len(tc.entries))
	copy(out, tc.entries)
	return out
}

// BuildTopicFilter returns the topic_hex values of all enabled traders, the
// exact wire filter the ingest loop subscribes with.
func (tc *TradersConfig) BuildTopicFilter() []string {
	topics := make([]string, 0, len(tc.entries))
	for _, t := range tc.entries {
		if t.Enabled {
			topics = append(topics, t.TopicHex)
		}
	}
	return topics
}

// GetByTopic looks up a trader by its 64-hex topic, O(1).
func (tc *TradersConfig) GetByTopic(topicHex string) (Trader, bool) {
	i, ok := tc.byTopic[topicHex]
	if !ok {
		return Trader{}, false
	}
	return tc.entries[i], true
}

// GetByAddress looks up a trader by address in any case/prefix form, O(1)
// after normalization.
func (tc *TradersConfig) GetByAddress(address string) (Trader, bool) {
	norm, err := NormalizeAddress(address)
	if err != nil {
		return Trader{}, false
	}
	i, ok := tc.byAddress[norm]
	if !ok {
		return Trader{}, false
	}
	return tc.entries[i], true
}

// Equal reports whether two TradersConfig values describe the same traders
// with the same field values, used by ReloadableTraders to decide whether a
// reload actually changed anything.
func (tc *TradersConfig) Equal(other *TradersConfig) bool {
	if other == nil || len(tc.entries) != len(other.entries) {
		return false
	}
	for _, t := range tc.entries {
		o, ok := other.byAddress[t.Address]
		if !ok {
			return false
		}
		if t != other.entries[o] {
			return false
		}
	}
	return true
}

// LoadTraders implements the loading precedence: (1) traders.json
// if it exists, (2) TRADER_ADDRESSES env, (3) legacy TARGET_WHALE_ADDRESS.
func LoadTraders(tradersFile string) (*TradersConfig, error) {
	if tradersFile != "" {
		if _, err := os.Stat(tradersFile); err == nil {
			return loadTradersFromFile(tradersFile)
		}
	}
	if addrs := os.Getenv("TRADER_ADDRESSES"); addrs != "" {
		return loadTradersFromEnv(addrs)
	}
	if legacy := os.Getenv("TARGET_WHALE_ADDRESS"); legacy != "" {
		t, err := NewTrader(legacy, "Legacy")
		if err != nil {
			return nil, fmt.Errorf("TARGET_WHALE_ADDRESS: %w", err)
		}
		return NewTradersConfig([]Trader{t}), nil
	}
	return nil, fmt.Errorf("no trader source configured: set traders_file, TRADER_ADDRESSES, or TARGET_WHALE_ADDRESS")
}

func loadTradersFromFile(path string) (*TradersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read traders file %s: %w", path, err)
	}

	var raw []traderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse traders file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("traders file %s contains no entries", path)
	}

	seen := make(map[string]struct{}, len(raw))
	traders := make([]Trader, 0, len(raw))

	for _, entry := range raw {
		norm, err := NormalizeAddress(entry.Address)
		if err != nil {
			return nil, fmt.Errorf("traders file %s: %w", path, err)
		}
		if _, dup := seen[norm]; dup {
			continue // later duplicates are dropped silently
		}
		seen[norm] = struct{}{}

		t := Trader{
			Address:      norm,
			Label:        defaultLabel,
			TopicHex:     AddressToTopicHex(norm),
			ScalingRatio: defaultScalingRatio,
			MinShares:    defaultMinShares,
			Enabled:      true,
		}
		if entry.Label != nil {
			t.Label = *entry.Label
		}
		if entry.ScalingRatio != nil {
			t.ScalingRatio = *entry.ScalingRatio
		}
		if entry.MinShares != nil {
			t.MinShares = *entry.MinShares
		}
		if entry.Enabled != nil {
			t.Enabled = *entry.Enabled
		}
		traders = append(traders, t)
	}

	if len(traders) == 0 {
		return nil, fmt.Errorf("traders file %s: all entries were duplicates", path)
	}

	return NewTradersConfig(traders), nil
}

func loadTradersFromEnv(addrs string) (*TradersConfig, error) {
	seen := make(map[string]struct{})
	var traders []Trader
	n := 0

	for _, raw := range strings.Split(addrs, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		norm, err := NormalizeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("TRADER_ADDRESSES: %w", err)
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		n++
		traders = append(traders, Trader{
			Address:      norm,
			Label:        fmt.Sprintf("Trader%d", n),
			TopicHex:     AddressToTopicHex(norm),
			ScalingRatio: defaultScalingRatio,
			MinShares:    defaultMinShares,
			Enabled:      true,
		})
	}

	if len(traders) == 0 {
		return nil, fmt.Errorf("TRADER_ADDRESSES set but contains no valid addresses")
	}

	return NewTradersConfig(traders), nil
}
