// Package ingest subscribes to the whale-event feed and turns raw frames
// into ParsedEvents dispatched to the worker pool. It reconnects
// with exponential backoff on any socket error and re-subscribes whenever
// the configured trader set changes.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polycopy/internal/aggregator"
	"polycopy/internal/config"
	"polycopy/pkg/types"
)

const (
	readTimeout       = 90 * time.Second
	writeTimeout      = 10 * time.Second
	maxReconnectWait  = 30 * time.Second
	baseReconnectWait = time.Second
)

// Dispatcher is the subset of worker.Pool the ingest loop hands resolved
// events to. Kept as an interface so tests don't need a real pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev types.ParsedEvent) error
}

// Loop owns the whale-event websocket connection and feeds the aggregator
// and worker pool.
type Loop struct {
	url     string
	traders *config.ReloadableTraders
	agg     *aggregator.TradeAggregator
	out     Dispatcher
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
}

// Close closes the current connection, if any, causing Run's read loop to
// unblock and exit with an error — used by the supervisor's shutdown
// sequence to stop the ingest loop before draining workers.
func (l *Loop) Close() error {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

// New builds an ingest Loop.
func New(url string, traders *config.ReloadableTraders, agg *aggregator.TradeAggregator, out Dispatcher, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		url:     url,
		traders: traders,
		agg:     agg,
		out:     out,
		logger:  logger.With("component", "ingest"),
	}
}

// Run connects, subscribes, and processes frames until ctx is cancelled.
// On any socket error it reconnects with exponential backoff and jitter.
// On a trader-set reload it closes the current connection so the next
// reconnect picks up the new topic filter (no in-flight event is
// lost, but a race window between filter swap and reconnect is accepted).
func (l *Loop) Run(ctx context.Context) error {
	reloadCh := l.traders.Subscribe()
	backoff := baseReconnectWait

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		connCtx, cancelConn := context.WithCancel(ctx)
		go l.watchReload(connCtx, reloadCh, cancelConn)

		err := l.connectAndRead(connCtx)
		cancelConn()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.logger.Warn("whale feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (l *Loop) watchReload(ctx context.Context, reloadCh <-chan uint64, cancel context.CancelFunc) {
	select {
	case <-ctx.Done():
	case <-reloadCh:
		l.logger.Info("trader set reloaded, forcing whale feed reconnect")
		cancel()
		l.Close()
	}
}

func (l *Loop) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	defer func() {
		conn.Close()
		l.connMu.Lock()
		l.conn = nil
		l.connMu.Unlock()
	}()

	topics := l.traders.Snapshot().BuildTopicFilter()
	sub := types.WhaleSubscribeMsg{Subscribe: types.WhaleSubscribeBody{Topics: topics}}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	l.logger.Info("whale feed connected", "topic_count", len(topics))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		l.handleFrame(ctx, data)
	}
}

func (l *Loop) handleFrame(ctx context.Context, data []byte) {
	var frame types.WhaleEventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		l.logger.Debug("ignoring non-json whale frame", "error", err)
		return
	}
	if frame.Type == "heartbeat" || frame.Topic == "" {
		return
	}

	trader, ok := l.traders.Snapshot().GetByTopic(frame.Topic)
	if !ok {
		l.logger.Debug("unknown trader topic, dropping frame (reload race)", "topic", frame.Topic)
		return
	}

	shares := parseFloat(frame.Shares)
	price := parseFloat(frame.Price)
	side := types.Side(frame.Side)

	if agg, ok := l.agg.AddTrade(frame.TokenID, side, shares, price, trader.Address); ok {
		l.dispatch(ctx, agg.ToParsedEvent())
	}
	// Fills below the bypass/value-cap thresholds wait in the aggregator
	// until a later flush_expired or flush_all.
}

// DispatchAggregate sends a flushed aggregate (from FlushExpired/FlushAll,
// run on the supervisor's tick) to the worker pool, applying the same
// backpressure semantics as a live frame.
func (l *Loop) DispatchAggregate(ctx context.Context, agg aggregator.AggregatedTrade) error {
	return l.out.Dispatch(ctx, agg.ToParsedEvent())
}

func (l *Loop) dispatch(ctx context.Context, ev types.ParsedEvent) {
	if err := l.out.Dispatch(ctx, ev); err != nil {
		l.logger.Warn("dispatch to worker pool cancelled", "error", err)
	}
}

func parseFloat(s string) float64 {
	var v float64
	_, err := fmt.Sscanf(s, "%f", &v)
	if err != nil {
		return 0
	}
	return v
}

// jitter adds up to 20% random jitter to a backoff duration.
func jitter(d time.Duration) time.Duration {
	j := time.Duration(rand.Int63n(int64(d) / 5))
	return d + j
}
