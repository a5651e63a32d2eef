// Package worker implements the order worker pool: each worker takes one
// ParsedEvent off a shared channel, sizes a mirror order, clears it through
// the risk guard, and walks the fill-and-kill retry ladder until the order
// resolves. Exactly one TradeRecord is emitted per event.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/market"
	"polycopy/internal/risk"
	"polycopy/internal/traderstate"
	"polycopy/pkg/types"
)

// OrderPlacer is the subset of exchange.Client a worker needs to submit a
// fill-and-kill order. Kept as an interface so tests can substitute a fake.
type OrderPlacer interface {
	PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error)
}

// Recorder is the subset of persistence.Store a worker writes terminal
// records through.
type Recorder interface {
	RecordTrade(r types.TradeRecord) error
}

// PortfolioTracker supplies the optional max-bet-in-USD cap derived from a
// percentage of live NAV. A nil tracker means no cap is applied.
type PortfolioTracker interface {
	MaxBetUSD() (usd float64, ok bool)
}

// StaticPortfolioTracker is the shipped PortfolioTracker: live NAV-fetching
// is an external collaborator out of scope for this core, so this stub
// applies a fixed percentage to a configured account balance instead.
type StaticPortfolioTracker struct {
	balanceUSD float64
	pct        float64
}

// NewStaticPortfolioTracker builds a tracker that caps each bet at pct
// percent (0-100) of balanceUSD. Returns ok=false from MaxBetUSD if pct<=0.
func NewStaticPortfolioTracker(balanceUSD, pct float64) *StaticPortfolioTracker {
	return &StaticPortfolioTracker{balanceUSD: balanceUSD, pct: pct}
}

func (t *StaticPortfolioTracker) MaxBetUSD() (float64, bool) {
	if t.pct <= 0 {
		return 0, false
	}
	return t.balanceUSD * (t.pct / 100.0), true
}

// ExposureRecorder receives the USD delta of each resolved trade so a
// portfolio-level guard can track running exposure per token.
type ExposureRecorder interface {
	RecordFill(tokenID string, usdDelta float64)
}

// KillSwitchChecker reports whether the portfolio-level kill switch is
// currently tripped; when it is, workers skip new submissions entirely.
type KillSwitchChecker interface {
	IsKillSwitchActive() bool
}

// Pool runs a bounded set of goroutines consuming Events from a shared
// channel: a multi-producer, multi-consumer channel of bounded capacity.
type Pool struct {
	events chan types.ParsedEvent

	client       OrderPlacer
	guard        *risk.Guard
	prices       *market.PriceCache
	portfolio    PortfolioTracker
	traders      *config.ReloadableTraders
	states       *traderstate.Manager
	recorder     Recorder
	retries      []config.RetryTier
	slippage     int // bps
	exposure     ExposureRecorder
	killGuard    KillSwitchChecker
	meta         *market.MetadataCache
	maxPriceMode string // "slippage" (default) or "book"

	logger *slog.Logger
}

// SetExposureRecorder wires an optional portfolio-exposure collaborator
// after construction, keeping NewPool's signature stable for callers that
// don't need one (e.g. tests).
func (p *Pool) SetExposureRecorder(r ExposureRecorder) { p.exposure = r }

// SetKillSwitchChecker wires an optional portfolio-level kill switch.
func (p *Pool) SetKillSwitchChecker(k KillSwitchChecker) { p.killGuard = k }

// SetMetadataCache wires the optional market-class metadata collaborator the
// risk guard's tennis/soccer rules consult. A nil cache (the default) means
// every check runs with MetaOK false, so those rules never fire.
func (p *Pool) SetMetadataCache(m *market.MetadataCache) { p.meta = m }

// SetMaxPriceMode selects how the retry ladder's price ceiling is derived:
// "slippage" (the zero-value default) adds a fixed basis-point cushion to
// the whale's fill price; "book" instead ceilings at the current best ask,
// falling back to the slippage ceiling when no book quote is available.
func (p *Pool) SetMaxPriceMode(mode string) { p.maxPriceMode = mode }

// NewPool constructs a worker pool. queueSize is the shared channel's
// capacity (a common default is poolSize*4); callers start poolSize goroutines via
// Run.
func NewPool(
	queueSize int,
	client OrderPlacer,
	guard *risk.Guard,
	prices *market.PriceCache,
	portfolio PortfolioTracker,
	traders *config.ReloadableTraders,
	states *traderstate.Manager,
	recorder Recorder,
	retries []config.RetryTier,
	slippageBps int,
	logger *slog.Logger,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		events:    make(chan types.ParsedEvent, queueSize),
		client:    client,
		guard:     guard,
		prices:    prices,
		portfolio: portfolio,
		traders:   traders,
		states:    states,
		recorder:  recorder,
		retries:   retries,
		slippage:  slippageBps,
		logger:    logger.With("component", "worker_pool"),
	}
}

// Dispatch hands an event to the pool, blocking (backpressure, never
// dropping) if every worker is busy and the queue is full.
func (p *Pool) Dispatch(ctx context.Context, ev types.ParsedEvent) error {
	select {
	case p.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports how many events are currently buffered, used by the
// supervisor's shutdown drain.
func (p *Pool) QueueDepth() int { return len(p.events) }

// Run starts n worker goroutines, each pulling from the shared channel
// until ctx is cancelled or the channel is closed. Run blocks until every
// worker has exited.
func (p *Pool) Run(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			p.loop(ctx, id)
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

// CloseQueue closes the shared channel so in-flight workers drain and exit
// once it empties. Call only after the ingest loop has stopped producing.
func (p *Pool) CloseQueue() { close(p.events) }

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With("worker_id", id)
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			p.handle(ctx, ev, log)
		case <-ctx.Done():
			return
		}
	}
}

// handle runs one ParsedEvent through sizing, the risk guard, and the
// retry ladder, emitting exactly one TradeRecord.
func (p *Pool) handle(ctx context.Context, ev types.ParsedEvent, log *slog.Logger) {
	ingestTime := ev.IngestTime
	if ingestTime.IsZero() {
		ingestTime = time.Now()
	}

	rec := baseRecord(ev)

	if p.killGuard != nil && p.killGuard.IsKillSwitchActive() {
		p.finish(rec, types.StatusSkipped, "portfolio kill switch active", nil, log)
		return
	}

	// sizing
	if ev.Order.Shares < ev.TraderMinShares {
		p.finish(rec, types.StatusSkipped, "below min_shares", nil, log)
		return
	}

	trader, _ := p.traders.Snapshot().GetByAddress(ev.TraderAddress)
	scalingRatio := trader.ScalingRatio
	if scalingRatio <= 0 {
		scalingRatio = 0.02
	}
	size := ev.Order.Shares * scalingRatio

	if p.portfolio != nil {
		if maxBetUSD, ok := p.portfolio.MaxBetUSD(); ok {
			price := ev.Order.PricePerShare
			if price < 0.01 {
				price = 0.01
			}
			capped := maxBetUSD / price
			size = math.Max(1, math.Min(size, capped))
		}
	}

	// risk guard: the strict Get, not GetFallback — a fetch failure must
	// skip rather than gate against a stale book.
	quote, err := p.prices.Get(ctx, ev.Order.TokenID)
	bookOK := err == nil
	maxPrice := ev.Order.PricePerShare + slippageFraction(p.slippage)
	if p.maxPriceMode == "book" && bookOK && quote.Ask > 0 {
		maxPrice = quote.Ask
	}

	var meta market.Metadata
	metaOK := false
	if p.meta != nil {
		if m, err := p.meta.Lookup(ctx, ev.Order.TokenID); err == nil {
			meta, metaOK = m, true
		}
	}

	decision := p.guard.Check(ctx, risk.CheckInput{
		Event:          ev,
		RequestedSize:  size,
		RequestedPrice: ev.Order.PricePerShare,
		MaxPrice:       maxPrice,
		Book:           quote,
		BookOK:         bookOK,
		Meta:           meta,
		MetaOK:         metaOK,
	})
	if !decision.Accepted {
		p.finish(rec, types.StatusSkipped, decision.Reason, nil, log)
		return
	}

	maxAttempts := attemptsFor(p.retries, ev.Order.Shares)
	bestAsk := 0.0
	if bookOK {
		bestAsk = quote.Ask
	}
	p.runRetryLadder(ctx, rec, ev, decision, maxPrice, bestAsk, maxAttempts, ingestTime, log)
}

// runRetryLadder walks the fill-and-kill submission loop, resubmitting the
// unfilled remainder at a bounded price until the order fills, the ceiling
// is hit, or attempts run out.
func (p *Pool) runRetryLadder(
	ctx context.Context,
	rec types.TradeRecord,
	ev types.ParsedEvent,
	decision risk.Decision,
	maxPrice float64,
	bestAsk float64,
	maxAttempts int,
	ingestTime time.Time,
	log *slog.Logger,
) {
	remaining := decision.EffectiveSize
	cumulativeFilled := 0.0
	price := math.Min(decision.EffectivePrice, maxPrice)

	// latency_ms is ingest-to-first-submission: how long the pipeline took
	// to react, not how long the exchange took to fill.
	var latencyMs *int64

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if latencyMs == nil {
			latencyMs = ptr(time.Since(ingestTime).Milliseconds())
		}

		order := types.UserOrder{
			TokenID:   ev.Order.TokenID,
			Price:     price,
			Size:      remaining,
			Side:      ev.Order.Side,
			OrderType: types.OrderTypeFAK,
		}

		resp, err := p.client.PostOrders(ctx, []types.UserOrder{order}, false)
		if err != nil {
			reason := fmt.Sprintf("transport error on attempt %d: %v", attempt, err)
			p.finish(rec, types.StatusFailed, reason, latencyMs, log)
			return
		}
		if len(resp) == 0 || !resp[0].Success {
			reason := "rejected"
			if len(resp) > 0 {
				reason = resp[0].ErrorMsg
			}
			p.finish(rec, types.StatusFailed, fmt.Sprintf("rejected on attempt %d: %s", attempt, reason), latencyMs, log)
			return
		}

		filled := parseSize(resp[0].SizeMatched)
		cumulativeFilled += filled
		remaining -= filled

		if remaining <= 1e-9 {
			rec.OurShares = ptr(cumulativeFilled)
			rec.OurPrice = ptr(price)
			rec.OurUSD = ptr(cumulativeFilled * price)
			fillPct := 1.0
			rec.FillPct = &fillPct
			rec.LatencyMs = latencyMs
			rec.Status = types.StatusSuccess
			p.persist(rec, log)
			return
		}

		nextPrice := math.Max(bestAsk, price+tick())
		if nextPrice > maxPrice || attempt == maxAttempts {
			p.finishPartial(rec, cumulativeFilled, price, decision.EffectiveSize, latencyMs, log)
			return
		}
		price = nextPrice
	}
}

func (p *Pool) finishPartial(rec types.TradeRecord, filled, price, requested float64, latencyMs *int64, log *slog.Logger) {
	rec.OurShares = ptr(filled)
	rec.OurPrice = ptr(price)
	rec.OurUSD = ptr(filled * price)
	fillPct := 0.0
	if requested > 0 {
		fillPct = filled / requested
	}
	rec.FillPct = &fillPct
	rec.LatencyMs = latencyMs
	rec.Status = types.StatusPartial
	p.persist(rec, log)
}

func (p *Pool) finish(rec types.TradeRecord, status types.TradeStatus, reason string, latencyMs *int64, log *slog.Logger) {
	rec.Status = status
	rec.Reason = reason
	rec.LatencyMs = latencyMs
	p.persist(rec, log)
}

func (p *Pool) persist(rec types.TradeRecord, log *slog.Logger) {
	usd := 0.0
	if rec.OurUSD != nil {
		usd = *rec.OurUSD
	}
	if p.states != nil {
		p.states.RecordTrade(rec.TraderAddress, usd, rec.Status)
	}
	if p.exposure != nil && usd != 0 {
		delta := usd
		if rec.Side == types.SELL {
			delta = -usd
		}
		p.exposure.RecordFill(rec.TokenID, delta)
	}
	if err := p.recorder.RecordTrade(rec); err != nil {
		log.Error("record trade failed", "tx_hash", rec.TxHash, "error", err)
	}
}

func baseRecord(ev types.ParsedEvent) types.TradeRecord {
	rec := types.TradeRecord{
		TimestampMs:   ev.IngestTime.UnixMilli(),
		BlockNumber:   ev.BlockNumber,
		TxHash:        ev.TxHash,
		TraderAddress: ev.TraderAddress,
		TokenID:       ev.Order.TokenID,
		Side:          ev.Order.Side,
		WhaleShares:   ev.Order.Shares,
		WhalePrice:    ev.Order.PricePerShare,
		WhaleUSD:      ev.Order.USDValue,
	}
	if ev.AggCount > 0 {
		rec.AggCount = ptr(ev.AggCount)
		rec.AggWindowMs = ptr(ev.AggWindowMs)
	}
	return rec
}

// attemptsFor returns the largest MaxAttempts among the retry tiers whose
// MinWhaleShares the whale's fill meets or exceeds, so tier order does not
// matter; falls back to 1 attempt if none match or no tiers are configured.
func attemptsFor(tiers []config.RetryTier, whaleShares float64) int {
	best := 1
	for _, t := range tiers {
		if whaleShares >= t.MinWhaleShares && t.MaxAttempts > best {
			best = t.MaxAttempts
		}
	}
	return best
}

func slippageFraction(bps int) float64 {
	return float64(bps) / 10000.0
}

// tick returns the price step the retry ladder advances by: the 0.001
// granularity of types.Tick0001. The market's own tick size is not passed
// through to the worker, so the same step is used on every market.
func tick() float64 {
	return 1.0 / math.Pow(10, float64(types.Tick0001.Decimals()))
}

func parseSize(s string) float64 {
	if s == "" {
		return 0
	}
	var v float64
	_, err := fmt.Sscanf(s, "%f", &v)
	if err != nil {
		return 0
	}
	return v
}

func ptr[T any](v T) *T { return &v }
