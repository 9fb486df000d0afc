package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dex-kline-feed/internal/domain"
	"dex-kline-feed/internal/evm"
	"dex-kline-feed/internal/observability"
)

const (
	defaultHealthCheckEvery = 30 * time.Second
	defaultHealthFailLimit  = 3
	defaultPollEvery        = 2 * time.Second
	defaultBaseDelay        = time.Second
	defaultStepDelay        = 2 * time.Second
	defaultMaxDelay         = 30 * time.Second
	healthCallTimeout       = 10 * time.Second
)

// TradeSink consumes normalized trades. Implemented by the aggregator.
type TradeSink interface {
	OnTrade(ctx context.Context, ev *domain.TradeEvent)
}

// WSConn is the subscription surface the listener needs from a live
// WebSocket connection.
type WSConn interface {
	SubscribeLogs(ctx context.Context, q evm.FilterQuery) (<-chan evm.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Errs() <-chan error
	Close() error
}

// WSDialer opens a WebSocket connection to one endpoint.
type WSDialer func(ctx context.Context, url string) (WSConn, error)

// HTTPClientFactory builds an HTTP RPC client for one endpoint.
type HTTPClientFactory func(url string) evm.Client

// ListenerConfig configures one network's listener.
type ListenerConfig struct {
	Network         string
	WSURLs          []string
	HTTPURLs        []string
	ContractAddress string
	EventSignature  string

	// HealthCheckEvery is the liveness probe interval; HealthFailLimit
	// consecutive failures trigger reconnection.
	HealthCheckEvery time.Duration
	HealthFailLimit  int

	// PollEvery is the getLogs interval in degraded HTTP mode.
	PollEvery time.Duration

	// Backoff parameters: delay = min(BaseDelay + errors*StepDelay, MaxDelay).
	BaseDelay time.Duration
	StepDelay time.Duration
	MaxDelay  time.Duration
}

func (c *ListenerConfig) applyDefaults() {
	if c.HealthCheckEvery <= 0 {
		c.HealthCheckEvery = defaultHealthCheckEvery
	}
	if c.HealthFailLimit <= 0 {
		c.HealthFailLimit = defaultHealthFailLimit
	}
	if c.PollEvery <= 0 {
		c.PollEvery = defaultPollEvery
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.StepDelay <= 0 {
		c.StepDelay = defaultStepDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
}

// Status is a point-in-time view of one network's connection state.
type Status struct {
	Network    string `json:"network"`
	Healthy    bool   `json:"healthy"`
	Mode       string `json:"mode"`
	ErrorCount int    `json:"errorCount"`
	LastError  string `json:"lastError,omitempty"`
}

// Listener keeps one network subscribed to the contract's Trade event.
// WebSocket URLs are tried in rotation; when all fail it degrades to
// getLogs polling over the HTTP list, and it retries indefinitely. Logs
// are delivered to the sink in the order the node sent them.
type Listener struct {
	cfg        ListenerConfig
	endpoint   *Endpoint
	sink       TradeSink
	log        zerolog.Logger
	metrics    *observability.Metrics
	tradeTopic string

	dialWS  WSDialer
	newHTTP HTTPClientFactory

	statusMu  sync.Mutex
	mode      string
	lastError string
}

// NewListener creates a listener for one network.
func NewListener(cfg ListenerConfig, sink TradeSink, logger zerolog.Logger, metrics *observability.Metrics) *Listener {
	cfg.applyDefaults()
	return &Listener{
		cfg:        cfg,
		endpoint:   NewEndpoint(cfg.WSURLs, cfg.HTTPURLs),
		sink:       sink,
		log:        logger.With().Str("component", "ingestor").Str("network", cfg.Network).Logger(),
		metrics:    metrics,
		tradeTopic: evm.EventTopic(cfg.EventSignature),
		dialWS: func(ctx context.Context, url string) (WSConn, error) {
			return evm.DialWS(ctx, url, nil)
		},
		newHTTP: func(url string) evm.Client {
			return evm.NewHTTPClient(url)
		},
	}
}

// Run connects and streams until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if conn := l.connectWS(ctx); conn != nil {
			l.endpoint.ResetErrors()
			l.setMode("ws", true)
			err := l.streamWS(ctx, conn)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			l.connectionLost(ctx, err, true)
			continue
		}

		if client, ok := l.connectHTTP(); ok {
			l.setMode("http-poll", true)
			err := l.pollHTTP(ctx, client)
			if ctx.Err() != nil {
				return
			}
			l.connectionLost(ctx, err, false)
			continue
		}

		l.setMode("disconnected", false)
		n := l.endpoint.RecordError()
		l.log.Warn().Int("errors", n).Msg("all endpoints failed, retrying")
		l.sleepBackoff(ctx)
	}
}

// Status reports the listener's current connection state.
func (l *Listener) Status() Status {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	return Status{
		Network:    l.cfg.Network,
		Healthy:    l.endpoint.Healthy(),
		Mode:       l.mode,
		ErrorCount: l.endpoint.ErrorCount(),
		LastError:  l.lastError,
	}
}

// connectionLost records the failure and applies backoff before the
// next attempt. Rate limits skip the backoff and rotate to the next URL
// immediately instead of retrying the same one.
func (l *Listener) connectionLost(ctx context.Context, err error, wasWS bool) {
	l.setMode("disconnected", false)
	l.noteError(err)
	if l.metrics != nil {
		l.metrics.Reconnects.WithLabelValues(l.cfg.Network).Inc()
	}
	if errors.Is(err, evm.ErrRateLimited) {
		l.log.Warn().Err(err).Msg("rate limited, rotating endpoint")
		if wasWS {
			l.endpoint.AdvanceWS()
		} else {
			l.endpoint.AdvanceHTTP()
		}
		return
	}
	n := l.endpoint.RecordError()
	l.log.Warn().Err(err).Int("errors", n).Msg("connection lost, reconnecting")
	l.sleepBackoff(ctx)
}

// connectWS tries each WebSocket URL once, starting from the last
// known-good index. A successful dial keeps the index for next time.
func (l *Listener) connectWS(ctx context.Context) WSConn {
	for i := 0; i < l.endpoint.WSCount(); i++ {
		if ctx.Err() != nil {
			return nil
		}
		url, ok := l.endpoint.CurrentWS()
		if !ok {
			return nil
		}
		conn, err := l.dialWS(ctx, url)
		if err == nil {
			l.log.Info().Str("url", url).Msg("websocket connected")
			return conn
		}
		l.log.Warn().Err(err).Str("url", url).Msg("websocket dial failed")
		l.endpoint.AdvanceWS()
	}
	return nil
}

func (l *Listener) connectHTTP() (evm.Client, bool) {
	url, ok := l.endpoint.CurrentHTTP()
	if !ok {
		return nil, false
	}
	l.log.Info().Str("url", url).Msg("falling back to http polling")
	return l.newHTTP(url), true
}

// streamWS consumes the log subscription until the connection dies or a
// health probe fails HealthFailLimit times in a row.
func (l *Listener) streamWS(ctx context.Context, conn WSConn) error {
	logs, err := conn.SubscribeLogs(ctx, l.filter())
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	health := time.NewTicker(l.cfg.HealthCheckEvery)
	defer health.Stop()
	healthFails := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-conn.Errs():
			return fmt.Errorf("subscription: %w", err)

		case lg, ok := <-logs:
			if !ok {
				return errors.New("log channel closed")
			}
			l.handleLog(ctx, lg)

		case <-health.C:
			probeCtx, cancel := context.WithTimeout(ctx, healthCallTimeout)
			_, err := conn.BlockNumber(probeCtx)
			cancel()
			if err == nil {
				healthFails = 0
				continue
			}
			if errors.Is(err, evm.ErrRateLimited) {
				return err
			}
			healthFails++
			l.log.Warn().Err(err).Int("fails", healthFails).Msg("health check failed")
			if healthFails >= l.cfg.HealthFailLimit {
				return fmt.Errorf("health check failed %d times: %w", healthFails, err)
			}
		}
	}
}

// pollHTTP is the degraded mode: fetch the head height, then getLogs
// over each new block range on an interval. Only blocks after the
// initial head are observed.
func (l *Listener) pollHTTP(ctx context.Context, client evm.Client) error {
	headCtx, cancel := context.WithTimeout(ctx, healthCallTimeout)
	last, err := client.BlockNumber(headCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("initial head: %w", err)
	}

	ticker := time.NewTicker(l.cfg.PollEvery)
	defer ticker.Stop()
	pollFails := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pollCtx, cancel := context.WithTimeout(ctx, healthCallTimeout)
		head, err := client.BlockNumber(pollCtx)
		if err == nil && head > last {
			q := l.filter()
			q.FromBlock = last + 1
			q.ToBlock = head
			var logs []evm.Log
			logs, err = client.GetLogs(pollCtx, q)
			if err == nil {
				for _, lg := range logs {
					l.handleLog(ctx, lg)
				}
				last = head
			}
		}
		cancel()

		if err != nil {
			if errors.Is(err, evm.ErrRateLimited) {
				return err
			}
			pollFails++
			l.log.Warn().Err(err).Int("fails", pollFails).Msg("poll failed")
			if pollFails >= l.cfg.HealthFailLimit {
				return fmt.Errorf("polling failed %d times: %w", pollFails, err)
			}
			continue
		}
		pollFails = 0
	}
}

// handleLog decodes and normalizes one raw log. Malformed logs are
// dropped; nothing here may kill the listener loop.
func (l *Listener) handleLog(ctx context.Context, lg evm.Log) {
	if lg.Removed {
		return
	}
	tl, err := evm.DecodeTradeLog(lg, l.tradeTopic)
	if err != nil {
		l.dropLog(err)
		return
	}
	ev, err := NormalizeTrade(l.cfg.Network, tl, time.Now().UnixMilli())
	if err != nil {
		l.dropLog(err)
		return
	}
	l.sink.OnTrade(ctx, ev)
	if l.metrics != nil {
		l.metrics.TradesIngested.WithLabelValues(l.cfg.Network).Inc()
	}
}

func (l *Listener) dropLog(err error) {
	l.log.Warn().Err(err).Msg("dropping malformed log")
	if l.metrics != nil {
		l.metrics.LogDecodeFailures.WithLabelValues(l.cfg.Network).Inc()
	}
}

func (l *Listener) filter() evm.FilterQuery {
	return evm.FilterQuery{
		Address: l.cfg.ContractAddress,
		Topics:  []string{l.tradeTopic},
	}
}

func (l *Listener) setMode(mode string, healthy bool) {
	l.statusMu.Lock()
	l.mode = mode
	l.statusMu.Unlock()
	l.endpoint.SetHealthy(healthy)
	if l.metrics != nil {
		v := 0.0
		if healthy {
			v = 1.0
		}
		l.metrics.NetworkHealthy.WithLabelValues(l.cfg.Network).Set(v)
	}
}

func (l *Listener) noteError(err error) {
	if err == nil {
		return
	}
	l.statusMu.Lock()
	l.lastError = err.Error()
	l.statusMu.Unlock()
}

func (l *Listener) sleepBackoff(ctx context.Context) {
	delay := l.endpoint.Backoff(l.cfg.BaseDelay, l.cfg.StepDelay, l.cfg.MaxDelay)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
