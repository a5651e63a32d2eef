// Package engine wires every component into a running bot and schedules
// the periodic maintenance tasks that keep the aggregator, trader stats,
// and persistence buffer flushing on time, using the same
// construct-once-wire-everything goroutine pattern as a market-making
// engine, repointed at the copy-trading pipeline's components instead of
// per-market quoting loops.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polycopy/internal/aggregator"
	"polycopy/internal/config"
	"polycopy/internal/exchange"
	"polycopy/internal/ingest"
	"polycopy/internal/market"
	"polycopy/internal/persistence"
	"polycopy/internal/risk"
	"polycopy/internal/traderstate"
	"polycopy/internal/worker"
)

const (
	killSwitchTickInterval  = 5 * time.Second
	traderStatsTickInterval = 60 * time.Second
	flushTickInterval       = time.Second
)

// Engine owns the full lifecycle of the copy-trading pipeline: ingest loop,
// worker pool, and the periodic ticks that flush aggregator and
// persistence state and enforce portfolio-level risk.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	traders   *config.ReloadableTraders
	store     *persistence.Store
	agg       *aggregator.TradeAggregator
	states    *traderstate.Manager
	guard     *risk.Guard
	portfolio *risk.PortfolioGuard
	prices    *market.PriceCache
	meta      *market.MetadataCache
	client    *exchange.Client
	auth      *exchange.Auth
	pool      *worker.Pool
	ingestor  *ingest.Loop

	cancelLoops context.CancelFunc // stops ingest + periodic ticks
	cancelWork  context.CancelFunc // stops workers + kill-signal drain
	poolDone    chan struct{}
	wg          sync.WaitGroup
}

// New wires every collaborator from cfg. It does not start any goroutine;
// call Start for that.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	traders, err := config.NewReloadableTraders(cfg.Copy.TradersFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load traders: %w", err)
	}

	var store *persistence.Store
	if cfg.Store.DataDir != "" {
		store, err = persistence.Open(cfg.Store.DataDir, cfg.Store.BufferSize, cfg.Store.SyncEveryWrite, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	agg := aggregator.New(aggregator.Config{
		WindowDuration:  cfg.Aggregation.WindowDuration,
		MinTrades:       cfg.Aggregation.MinTrades,
		MaxPendingUSD:   cfg.Aggregation.MaxPendingUSD,
		BypassThreshold: cfg.Aggregation.BypassThreshold,
	})

	states := traderstate.NewManager(traders.Snapshot())

	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("build auth: %w", err)
	}
	client := exchange.NewClient(cfg, auth, logger)

	if !auth.HasL2Credentials() && !cfg.DryRun {
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, fmt.Errorf("derive L2 api key: %w", err)
		}
		auth.SetCredentials(*creds)
	}

	prices := market.NewPriceCache(client, cfg.Copy.PriceCacheTTL, cfg.Copy.PriceCacheRateLimit, logger)
	meta := market.NewMetadataCache(genericMetadataFetcher, cfg.Copy.PriceCacheTTL)

	portfolio := risk.NewPortfolioGuard(cfg.Risk, logger)
	guard := risk.NewGuard(cfg.Risk, auth.FunderAddress().Hex(),
		risk.NewTennisLiveStateRule(), risk.NewSoccerLateGameRule())

	var bet worker.PortfolioTracker
	if cfg.Copy.MaxBetPctOfNAV > 0 {
		bet = worker.NewStaticPortfolioTracker(cfg.Copy.AccountBalanceUSD, cfg.Copy.MaxBetPctOfNAV)
	}

	pool := worker.NewPool(cfg.Copy.QueueSize, client, guard, prices, bet, traders, states,
		store, cfg.Copy.RetryTiers, cfg.Copy.SlippageBps, logger)
	pool.SetExposureRecorder(portfolio)
	pool.SetKillSwitchChecker(portfolio)
	pool.SetMetadataCache(meta)
	pool.SetMaxPriceMode(cfg.Risk.MaxPriceMode)

	ingestor := ingest.New(cfg.API.WSWhaleURL, traders, agg, pool, logger)

	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		traders:   traders,
		store:     store,
		agg:       agg,
		states:    states,
		guard:     guard,
		portfolio: portfolio,
		prices:    prices,
		meta:      meta,
		client:    client,
		auth:      auth,
		pool:      pool,
		ingestor:  ingestor,
	}, nil
}

// Start launches the ingest loop, worker pool, and supervisor ticks. It
// returns once every background goroutine has been spawned; it does not
// block for the bot's lifetime.
//
// Two cancellation scopes: the ingest loop and periodic ticks stop first on
// shutdown, while workers keep their context until the queue has drained —
// an order the exchange already accepted is completed, not abandoned.
func (e *Engine) Start() error {
	workCtx, cancelWork := context.WithCancel(context.Background())
	loopCtx, cancelLoops := context.WithCancel(workCtx)
	e.cancelWork = cancelWork
	e.cancelLoops = cancelLoops
	e.poolDone = make(chan struct{})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pool.Run(workCtx, e.cfg.Copy.WorkerPoolSize)
		close(e.poolDone)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ingestor.Run(loopCtx); err != nil && loopCtx.Err() == nil {
			e.logger.Error("ingest loop exited", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTicks(loopCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drainKillSignals(workCtx)
	}()

	e.logger.Info("engine started", "workers", e.cfg.Copy.WorkerPoolSize, "dry_run", e.cfg.DryRun)
	return nil
}

// runTicks drives the aggregator flush, persistence flush, and
// trader-stats reset/persist cadences.
func (e *Engine) runTicks(ctx context.Context) {
	flushExpiredInterval := e.cfg.Aggregation.WindowDuration / 2
	if flushExpiredInterval <= 0 {
		flushExpiredInterval = 400 * time.Millisecond
	}

	aggTicker := time.NewTicker(flushExpiredInterval)
	defer aggTicker.Stop()
	storeTicker := time.NewTicker(flushTickInterval)
	defer storeTicker.Stop()
	statsTicker := time.NewTicker(traderStatsTickInterval)
	defer statsTicker.Stop()
	killTicker := time.NewTicker(killSwitchTickInterval)
	defer killTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-aggTicker.C:
			for _, agg := range e.agg.FlushExpired(time.Now()) {
				if err := e.ingestor.DispatchAggregate(ctx, agg); err != nil {
					e.logger.Warn("flush_expired dispatch cancelled", "error", err)
				}
			}
		case <-storeTicker.C:
			if e.store != nil {
				if err := e.store.Flush(); err != nil {
					e.logger.Error("persistence flush failed", "error", err)
				}
			}
		case <-statsTicker.C:
			e.states.CheckDailyReset()
			if e.store != nil {
				if err := e.states.PersistToDB(e.store); err != nil {
					e.logger.Error("trader stats persist failed", "error", err)
				}
			}
		case <-killTicker.C:
			e.portfolio.Tick(time.Now(), e.tokenQuote)
		}
	}
}

func (e *Engine) tokenQuote(tokenID string) (float64, bool) {
	quote, ok := e.prices.GetFallback(context.Background(), tokenID)
	if !ok || quote.Ask == 0 {
		return 0, false
	}
	return quote.Ask, true
}

// drainKillSignals logs portfolio kill signals and cancels every live
// order once the portfolio guard trips.
func (e *Engine) drainKillSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-e.portfolio.KillCh():
			e.logger.Error("kill switch: cancelling all orders", "token_id", sig.TokenID, "reason", sig.Reason)
			if _, err := e.client.CancelAll(ctx); err != nil {
				e.logger.Error("cancel-all failed", "error", err)
			}
		}
	}
}

// Stop runs the shutdown sequence: stop ingest and ticks, flush every
// remaining aggregate into the pool, drain the worker queue, then flush
// persistence. Workers keep a live context through the drain so in-flight
// orders resolve normally.
func (e *Engine) Stop() {
	e.logger.Info("stopping engine")

	if e.cancelLoops != nil {
		e.cancelLoops()
	}
	_ = e.ingestor.Close()

	for _, agg := range e.agg.FlushAll() {
		if err := e.pool.Dispatch(context.Background(), agg.ToParsedEvent()); err != nil {
			e.logger.Warn("flush_all dispatch failed during shutdown", "error", err)
		}
	}

	e.pool.CloseQueue()
	if e.poolDone != nil {
		<-e.poolDone
	}
	if e.cancelWork != nil {
		e.cancelWork()
	}
	e.wg.Wait()

	if e.store != nil {
		if err := e.store.Flush(); err != nil {
			e.logger.Error("final persistence flush failed", "error", err)
		}
		if err := e.store.Close(); err != nil {
			e.logger.Error("store close failed", "error", err)
		}
	}
	e.logger.Info("engine stopped")
}

// Store exposes the persistence store to the HTTP control plane.
func (e *Engine) Store() *persistence.Store { return e.store }

// Traders exposes the reloadable trader config to the HTTP control plane.
func (e *Engine) Traders() *config.ReloadableTraders { return e.traders }

// genericMetadataFetcher is the shipped MetadataCache collaborator: real
// match-state and market-class data comes from an external sports-data
// feed that is out of scope for this core, so this stub reports
// every token as a generic, non-live market, which makes every
// market-class rule a no-op until a real fetcher is wired in.
func genericMetadataFetcher(ctx context.Context, tokenID string) (market.Metadata, error) {
	return market.Metadata{Class: market.ClassGeneric}, nil
}
