package clickhouse

import (
	"context"
	"fmt"

	"dex-kline-feed/internal/domain"
	"dex-kline-feed/internal/storage"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// CandleStore implements storage.CandleStore using ClickHouse. The
// candles table is a ReplacingMergeTree keyed on the candle key, so
// upserts are plain inserts deduplicated on merge; reads use FINAL to
// collapse unmerged duplicates.
type CandleStore struct {
	conn *Conn
}

// NewCandleStore creates a new CandleStore.
func NewCandleStore(conn *Conn) *CandleStore {
	return &CandleStore{conn: conn}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

// UpsertCandle writes a candle. ReplacingMergeTree keeps the row with
// the newest updated_at per key, making the write idempotent.
func (s *CandleStore) UpsertCandle(ctx context.Context, c *domain.Candle) error {
	if c == nil || c.Network == "" || c.PairAddress == "" {
		return storage.ErrInvalidInput
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO candles (
			network, pair_address, resolution, period_start_ms,
			open, high, low, close, volume, trade_count, is_complete
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	var complete uint8
	if c.IsComplete {
		complete = 1
	}
	err = batch.Append(
		c.Network, c.PairAddress, string(c.Interval), uint64(c.PeriodStartMillis),
		c.Open, c.High, c.Low, c.Close, c.Volume, uint32(c.TradeCount), complete,
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetLatestCandle returns the most recent candle of a series.
func (s *CandleStore) GetLatestCandle(ctx context.Context, network, pairAddress string, interval domain.Interval) (*domain.Candle, error) {
	query := `
		SELECT network, pair_address, resolution, period_start_ms,
		       open, high, low, close, volume, trade_count, is_complete
		FROM candles FINAL
		WHERE network = ? AND pair_address = ? AND resolution = ?
		ORDER BY period_start_ms DESC
		LIMIT 1
	`

	rows, err := s.conn.Query(ctx, query, network, pairAddress, string(interval))
	if err != nil {
		return nil, fmt.Errorf("query latest candle: %w", err)
	}
	defer rows.Close()

	candles, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, storage.ErrNotFound
	}
	return candles[0], nil
}

// GetRecentCandles returns up to limit candles of a series, newest first.
func (s *CandleStore) GetRecentCandles(ctx context.Context, network, pairAddress string, interval domain.Interval, limit int) ([]*domain.Candle, error) {
	query := `
		SELECT network, pair_address, resolution, period_start_ms,
		       open, high, low, close, volume, trade_count, is_complete
		FROM candles FINAL
		WHERE network = ? AND pair_address = ? AND resolution = ?
		ORDER BY period_start_ms DESC
		LIMIT ?
	`

	rows, err := s.conn.Query(ctx, query, network, pairAddress, string(interval), uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent candles: %w", err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// scanCandles scans multiple rows.
func scanCandles(rows driver.Rows) ([]*domain.Candle, error) {
	var candles []*domain.Candle

	for rows.Next() {
		var c domain.Candle
		var resolution string
		var periodStart uint64
		var tradeCount uint32
		var complete uint8

		err := rows.Scan(
			&c.Network, &c.PairAddress, &resolution, &periodStart,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &tradeCount, &complete,
		)
		if err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}

		c.Interval = domain.Interval(resolution)
		c.PeriodStartMillis = int64(periodStart)
		c.TradeCount = int(tradeCount)
		c.IsComplete = complete != 0
		candles = append(candles, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}

	return candles, nil
}
