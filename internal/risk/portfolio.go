package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polycopy/internal/config"
)

// KillSignal tells the supervisor to halt new order submission and cancel
// everything outstanding. An empty TokenID means a global kill.
type KillSignal struct {
	TokenID string
	Reason  string
}

// priceAnchor is the reference price a token's kill-switch window is
// measured against.
type priceAnchor struct {
	price     float64
	timestamp time.Time
}

// PortfolioGuard tracks aggregate exposure across every mirrored position
// and trips a kill switch on a global-exposure breach or a rapid price
// move within any one token. Unlike a two-sided market maker's per-market
// position report, this bot carries at most one side of one trade per
// whale fill, so exposure is tracked as a flat per-token running total
// rather than per-market inventory.
type PortfolioGuard struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu              sync.Mutex
	exposureByToken map[string]float64
	priceAnchors    map[string]priceAnchor
	killActive      bool
	killUntil       time.Time

	killCh chan KillSignal
}

// NewPortfolioGuard builds a guard from risk config.
func NewPortfolioGuard(cfg config.RiskConfig, logger *slog.Logger) *PortfolioGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortfolioGuard{
		cfg:             cfg,
		logger:          logger.With("component", "portfolio_guard"),
		exposureByToken: make(map[string]float64),
		priceAnchors:    make(map[string]priceAnchor),
		killCh:          make(chan KillSignal, 10),
	}
}

// KillCh exposes kill signals for the supervisor to drain and act on
// (e.g. cancel-all).
func (g *PortfolioGuard) KillCh() <-chan KillSignal { return g.killCh }

// RecordFill adds (or removes, for a SELL) to the running exposure for a
// token after a worker resolves a trade.
func (g *PortfolioGuard) RecordFill(tokenID string, usdDelta float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exposureByToken[tokenID] += usdDelta
}

// IsKillSwitchActive reports whether the cooldown window is still open,
// clearing it if expired.
func (g *PortfolioGuard) IsKillSwitchActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.killActive {
		return false
	}
	if time.Now().After(g.killUntil) {
		g.killActive = false
		g.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// Tick recomputes total exposure and checks every tracked token's price
// against its rolling anchor, firing the kill switch on a global-exposure
// or rapid-price-move breach. Intended to run on a 5s supervisor tick
func (g *PortfolioGuard) Tick(now time.Time, quote func(tokenID string) (float64, bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var total float64
	for tokenID, usd := range g.exposureByToken {
		total += usd
		if g.cfg.MaxPositionPerMarket > 0 && usd > g.cfg.MaxPositionPerMarket {
			g.emitKillLocked(tokenID, fmt.Sprintf("exposure %.2f exceeds per-market max %.2f", usd, g.cfg.MaxPositionPerMarket))
		}
	}
	if g.cfg.MaxGlobalExposure > 0 && total > g.cfg.MaxGlobalExposure {
		g.emitKillLocked("", fmt.Sprintf("global exposure %.2f exceeds max %.2f", total, g.cfg.MaxGlobalExposure))
	}

	window := time.Duration(g.cfg.KillSwitchWindowSec) * time.Second
	for tokenID := range g.exposureByToken {
		price, ok := quote(tokenID)
		if !ok {
			continue
		}
		anchor, has := g.priceAnchors[tokenID]
		if !has || now.Sub(anchor.timestamp) > window {
			g.priceAnchors[tokenID] = priceAnchor{price: price, timestamp: now}
			continue
		}
		if anchor.price == 0 {
			continue
		}
		pctChange := (price - anchor.price) / anchor.price
		if pctChange < 0 {
			pctChange = -pctChange
		}
		if g.cfg.KillSwitchDropPct > 0 && pctChange > g.cfg.KillSwitchDropPct {
			g.emitKillLocked(tokenID, fmt.Sprintf("price moved %.1f%% within %ds", pctChange*100, g.cfg.KillSwitchWindowSec))
		}
	}
}

func (g *PortfolioGuard) emitKillLocked(tokenID, reason string) {
	g.killActive = true
	g.killUntil = time.Now().Add(g.cfg.CooldownAfterKill)
	g.logger.Error("portfolio kill switch tripped", "token_id", tokenID, "reason", reason, "cooldown_until", g.killUntil)

	sig := KillSignal{TokenID: tokenID, Reason: reason}
	select {
	case g.killCh <- sig:
	default:
		select {
		case <-g.killCh:
		default:
		}
		g.killCh <- sig
	}
}
