// Package risk implements the stateless safety gate a worker consults
// before placing a mirror order. The guard performs no I/O of its
// own — callers resolve the book quote and market metadata (both cached,
// external-ish collaborators) and hand them in.
package risk

import (
	"context"
	"fmt"
	"strings"

	"polycopy/internal/config"
	"polycopy/internal/market"
	"polycopy/pkg/types"
)

// Decision is the guard's verdict: either Accept (with the size/price the
// worker should actually submit) or Skip (with a reason recorded on the
// resulting TradeRecord).
type Decision struct {
	Accepted       bool
	EffectiveSize  float64
	EffectivePrice float64
	Reason         string
}

// Accept builds an accepting Decision.
func Accept(size, price float64) Decision {
	return Decision{Accepted: true, EffectiveSize: size, EffectivePrice: price}
}

// Skip builds a rejecting Decision carrying reason.
func Skip(reason string) Decision {
	return Decision{Accepted: false, Reason: reason}
}

// CheckInput bundles everything the guard needs to evaluate one candidate
// order. Book/Meta are zero-value with their *OK flag false when the
// corresponding cache lookup failed — the guard treats that as "no data",
// never fetching anything itself.
type CheckInput struct {
	Event          types.ParsedEvent
	RequestedSize  float64
	RequestedPrice float64
	MaxPrice       float64

	Book   market.BookQuote
	BookOK bool

	Meta   market.Metadata
	MetaOK bool
}

// MarketClassRule is a pluggable, per-market-class predicate (tennis,
// soccer, ...). The guard holds a list and short-circuits on first deny
// (modeled as a tagged variant / narrow interface per rule).
type MarketClassRule interface {
	// Applies reports whether this rule governs tokens of the given class.
	Applies(class market.MarketClass) bool
	// Check returns (allow, reason). reason is only meaningful when !allow.
	Check(meta market.Metadata) (allow bool, reason string)
}

// Guard evaluates the stateless accept/skip predicate.
type Guard struct {
	cfg        config.RiskConfig
	ourAddress string
	rules      []MarketClassRule
}

// NewGuard builds a Guard. ourAddress may be in any case/prefix form; it is
// normalized here to match event trader addresses for the wash-trade check.
func NewGuard(cfg config.RiskConfig, ourAddress string, rules ...MarketClassRule) *Guard {
	addr := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ourAddress)), "0x")
	return &Guard{cfg: cfg, ourAddress: addr, rules: rules}
}

// Check runs every configured predicate in order, short-circuiting on the
// first Skip. The guard performs no I/O; it purely evaluates in.
func (g *Guard) Check(ctx context.Context, in CheckInput) Decision {
	if in.Event.TraderAddress != "" && in.Event.TraderAddress == g.ourAddress {
		return Skip("self_trade")
	}

	price := in.Event.Order.PricePerShare
	if g.cfg.MinPrice > 0 && price < g.cfg.MinPrice {
		return Skip(fmt.Sprintf("price_below_min: %.4f < %.4f", price, g.cfg.MinPrice))
	}
	if g.cfg.MaxPrice > 0 && price > g.cfg.MaxPrice {
		return Skip(fmt.Sprintf("price_above_max: %.4f > %.4f", price, g.cfg.MaxPrice))
	}

	if !in.BookOK {
		return Skip("no_book")
	}
	ourUSD := in.RequestedSize * in.RequestedPrice
	depth := in.Book.DepthUSD(in.MaxPrice)
	k := g.cfg.DepthMultiplier
	if k <= 0 {
		k = 1
	}
	if depth < k*ourUSD {
		return Skip(fmt.Sprintf("insufficient_depth: %.2f < %.2f (k=%.1f)", depth, k*ourUSD, k))
	}

	if in.MetaOK {
		for _, rule := range g.rules {
			if !rule.Applies(in.Meta.Class) {
				continue
			}
			if allow, reason := rule.Check(in.Meta); !allow {
				return Skip(reason)
			}
		}
	}

	effectivePrice := in.RequestedPrice
	if effectivePrice > in.MaxPrice {
		effectivePrice = in.MaxPrice
	}
	return Accept(in.RequestedSize, effectivePrice)
}
