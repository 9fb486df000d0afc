// Package main runs the kline feed daemon: per-network Trade-event
// ingestion, multi-resolution candle aggregation and the WebSocket
// broadcast endpoint, in one process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"dex-kline-feed/internal/aggregation"
	"dex-kline-feed/internal/broadcast"
	"dex-kline-feed/internal/config"
	"dex-kline-feed/internal/domain"
	"dex-kline-feed/internal/ingestion"
	"dex-kline-feed/internal/observability"
	"dex-kline-feed/internal/storage"
	chstore "dex-kline-feed/internal/storage/clickhouse"
	"dex-kline-feed/internal/storage/memory"
	"dex-kline-feed/internal/storage/migrations"
	pgstore "dex-kline-feed/internal/storage/postgres"
)

const (
	shutdownTimeout = 5 * time.Second
	defaultKlines   = 100
	maxKlines       = 1000
)

func main() {
	loadEnvFile()

	configPath := flag.String("config", envOr("KLINED_CONFIG", "config.yml"), "Path to the YAML config file")
	logLevel := flag.String("log-level", "", "Override the config's log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "klined: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("klined exited with error")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	metrics := observability.NewMetrics("", prometheus.DefaultRegisterer)

	store, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// The aggregator and broadcast server reference each other: updates
	// flow aggregator -> server, snapshots flow server -> aggregator.
	// The indirection breaks the construction cycle.
	var server *broadcast.Server
	agg := aggregation.NewAggregator(aggregation.Options{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		Notifier: aggregation.NotifierFunc(func(network, pair string, candles []*domain.Candle) {
			if server != nil {
				server.NotifyPair(network, pair, candles)
			}
		}),
	})
	server = broadcast.NewServer(broadcast.Options{
		Snapshots: agg,
		Logger:    logger,
		Metrics:   metrics,
	})

	ingestor := ingestion.NewIngestor(listenerConfigs(cfg), agg, logger, metrics)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Str("component", name).Msg("started")
			fn(ctx)
			logger.Info().Str("component", name).Msg("stopped")
		}()
	}
	start("aggregator", agg.Run)
	start("broadcast", server.Run)
	start("ingestor", ingestor.Run)

	apiSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: apiMux(server, store, agg, ingestor, logger),
	}
	metricsSrv := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: metricsMux(),
	}
	httpErrs := make(chan error, 2)
	go serveHTTP(apiSrv, "api", logger, httpErrs)
	go serveHTTP(metricsSrv, "metrics", logger, httpErrs)
	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("metrics_addr", cfg.Server.MetricsAddr).
		Msg("klined up")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-httpErrs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	wg.Wait()
	return runErr
}

// buildStore assembles the candle store per config: plain memory, plain
// postgres, or either one mirrored into ClickHouse for analytics.
func buildStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.CandleStore, func(), error) {
	var (
		primary storage.CandleStore
		cleanup = func() {}
	)

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		primary = memory.NewCandleStore()
	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		primary = pgstore.NewCandleStore(pool)
		cleanup = pool.Close
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Storage.ClickHouseDSN == "" {
		return primary, cleanup, nil
	}

	conn, err := chstore.NewConn(ctx, cfg.Storage.ClickHouseDSN)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
		conn.Close()
		cleanup()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	primaryCleanup := cleanup
	cleanup = func() {
		conn.Close()
		primaryCleanup()
	}
	return storage.NewTeeStore(primary, chstore.NewCandleStore(conn), logger), cleanup, nil
}

func listenerConfigs(cfg *config.Config) []ingestion.ListenerConfig {
	out := make([]ingestion.ListenerConfig, 0, len(cfg.Networks))
	for name, n := range cfg.Networks {
		out = append(out, ingestion.ListenerConfig{
			Network:         name,
			WSURLs:          n.WebsocketURLs,
			HTTPURLs:        n.HTTPURLs,
			ContractAddress: n.ContractAddress,
			EventSignature:  cfg.EventSignature,
		})
	}
	return out
}

func apiMux(server *broadcast.Server, store storage.CandleStore, agg *aggregation.Aggregator, ingestor *ingestion.Ingestor, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/kline-ws", server)
	mux.HandleFunc("/klines", handleKlines(store, agg, logger))
	mux.HandleFunc("/health", handleHealth(ingestor))
	return mux
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	return mux
}

// handleKlines serves recent candles over plain HTTP for consumers that
// cannot hold a WebSocket. The current open candle leads the stored
// rows so pollers see the live period too.
func handleKlines(store storage.CandleStore, agg *aggregation.Aggregator, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		network := q.Get("network")
		pair := q.Get("pairAddress")
		if network == "" || pair == "" {
			http.Error(w, "network and pairAddress are required", http.StatusBadRequest)
			return
		}
		interval, err := domain.ParseInterval(q.Get("interval"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit := defaultKlines
		if raw := q.Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 || limit > maxKlines {
				http.Error(w, "limit must be in [1,1000]", http.StatusBadRequest)
				return
			}
		}

		candles, err := store.GetRecentCandles(r.Context(), network, pair, interval, limit)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Error().Err(err).Msg("klines query failed")
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}
		candles = mergeLiveCandle(candles, agg.SnapshotPair(network, pair), interval, limit)
		if candles == nil {
			candles = []*domain.Candle{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(candles)
	}
}

// mergeLiveCandle puts the open candle for the interval ahead of the
// stored rows, which arrive newest first. A stored row from the same
// period is superseded by the live one.
func mergeLiveCandle(stored, live []*domain.Candle, interval domain.Interval, limit int) []*domain.Candle {
	var open *domain.Candle
	for _, c := range live {
		if c.Interval == interval {
			open = c
			break
		}
	}
	if open == nil {
		return stored
	}
	merged := make([]*domain.Candle, 0, len(stored)+1)
	merged = append(merged, open)
	for _, c := range stored {
		if c.PeriodStartMillis == open.PeriodStartMillis {
			continue
		}
		merged = append(merged, c)
	}
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// handleHealth reports per-network ingestion state. Degraded networks
// do not fail the probe; the process is alive and retrying.
func handleHealth(ingestor *ingestion.Ingestor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := ingestor.Statuses()
		healthy := 0
		for _, st := range statuses {
			if st.Healthy {
				healthy++
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":          "ok",
			"networksHealthy": healthy,
			"networks":        statuses,
		})
	}
}

func serveHTTP(srv *http.Server, name string, logger zerolog.Logger, errs chan<- error) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Str("server", name).Msg("http server failed")
		errs <- fmt.Errorf("%s server: %w", name, err)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadEnvFile loads a local .env file without overriding the real
// environment. Convenient in development; harmless in deployment.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if os.Getenv(key) == "" {
			os.Setenv(key, strings.TrimSpace(parts[1]))
		}
	}
}
