package storage

import (
	"context"

	"github.com/rs/zerolog"

	"dex-kline-feed/internal/domain"
)

// TeeStore writes candles to a primary store and mirrors them to a
// secondary one (the analytics sink). Reads are served by the primary;
// mirror failures are logged and never fail the write.
type TeeStore struct {
	primary CandleStore
	mirror  CandleStore
	log     zerolog.Logger
}

// NewTeeStore creates a TeeStore.
func NewTeeStore(primary, mirror CandleStore, log zerolog.Logger) *TeeStore {
	return &TeeStore{primary: primary, mirror: mirror, log: log}
}

var _ CandleStore = (*TeeStore)(nil)

func (s *TeeStore) UpsertCandle(ctx context.Context, c *domain.Candle) error {
	if err := s.primary.UpsertCandle(ctx, c); err != nil {
		return err
	}
	if err := s.mirror.UpsertCandle(ctx, c); err != nil {
		s.log.Warn().Err(err).
			Str("network", c.Network).
			Str("pair", c.PairAddress).
			Str("interval", c.Interval.String()).
			Int64("period_start_ms", c.PeriodStartMillis).
			Msg("mirror candle write failed")
	}
	return nil
}

func (s *TeeStore) GetLatestCandle(ctx context.Context, network, pairAddress string, interval domain.Interval) (*domain.Candle, error) {
	return s.primary.GetLatestCandle(ctx, network, pairAddress, interval)
}

func (s *TeeStore) GetRecentCandles(ctx context.Context, network, pairAddress string, interval domain.Interval, limit int) ([]*domain.Candle, error) {
	return s.primary.GetRecentCandles(ctx, network, pairAddress, interval, limit)
}
