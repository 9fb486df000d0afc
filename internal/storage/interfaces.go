package storage

import (
	"context"

	"dex-kline-feed/internal/domain"
)

// CandleStore is the persistence contract between the aggregator and
// the candle store. Completed candles are owned by the store; the
// aggregator only reads the latest one back for open-price continuity.
type CandleStore interface {
	// GetLatestCandle returns the most recent completed candle of a
	// series. Returns ErrNotFound when the series has no candles.
	GetLatestCandle(ctx context.Context, network, pairAddress string, interval domain.Interval) (*domain.Candle, error)

	// UpsertCandle writes a candle. Idempotent on the unique key
	// (network, pair_address, interval, period_start_ms): writing the
	// same completed candle twice does not create two rows.
	UpsertCandle(ctx context.Context, c *domain.Candle) error

	// GetRecentCandles returns up to limit candles of a series,
	// newest first. Feeds the REST fallback endpoint.
	GetRecentCandles(ctx context.Context, network, pairAddress string, interval domain.Interval, limit int) ([]*domain.Candle, error)
}
