package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dex-kline-feed/internal/domain"
	"dex-kline-feed/internal/storage"
)

// CandleStore implements storage.CandleStore using PostgreSQL.
type CandleStore struct {
	pool *Pool
}

// NewCandleStore creates a new CandleStore.
func NewCandleStore(pool *Pool) *CandleStore {
	return &CandleStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

const candleColumns = `
	network, pair_address, resolution, period_start_ms,
	open, high, low, close, volume, trade_count, is_complete
`

// UpsertCandle writes a candle. The unique key makes the write
// idempotent: re-upserting the same completed candle updates in place.
func (s *CandleStore) UpsertCandle(ctx context.Context, c *domain.Candle) error {
	if c == nil || c.Network == "" || c.PairAddress == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO candles (` + candleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (network, pair_address, resolution, period_start_ms)
		DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			trade_count = EXCLUDED.trade_count,
			is_complete = EXCLUDED.is_complete,
			updated_at = now()
	`

	_, err := s.pool.Exec(ctx, query,
		c.Network,
		c.PairAddress,
		string(c.Interval),
		c.PeriodStartMillis,
		c.Open,
		c.High,
		c.Low,
		c.Close,
		c.Volume,
		c.TradeCount,
		c.IsComplete,
	)
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	return nil
}

// GetLatestCandle returns the most recent candle of a series.
func (s *CandleStore) GetLatestCandle(ctx context.Context, network, pairAddress string, interval domain.Interval) (*domain.Candle, error) {
	query := `
		SELECT ` + candleColumns + `
		FROM candles
		WHERE network = $1 AND pair_address = $2 AND resolution = $3
		ORDER BY period_start_ms DESC
		LIMIT 1
	`

	row := s.pool.QueryRow(ctx, query, network, pairAddress, string(interval))
	c, err := scanCandle(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get latest candle: %w", err)
	}
	return c, nil
}

// GetRecentCandles returns up to limit candles of a series, newest first.
func (s *CandleStore) GetRecentCandles(ctx context.Context, network, pairAddress string, interval domain.Interval, limit int) ([]*domain.Candle, error) {
	query := `
		SELECT ` + candleColumns + `
		FROM candles
		WHERE network = $1 AND pair_address = $2 AND resolution = $3
		ORDER BY period_start_ms DESC
		LIMIT $4
	`

	rows, err := s.pool.Query(ctx, query, network, pairAddress, string(interval), limit)
	if err != nil {
		return nil, fmt.Errorf("get recent candles: %w", err)
	}
	defer rows.Close()

	var candles []*domain.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}
	return candles, nil
}

// scanCandle scans one candle row.
func scanCandle(row pgx.Row) (*domain.Candle, error) {
	var c domain.Candle
	var resolution string

	err := row.Scan(
		&c.Network,
		&c.PairAddress,
		&resolution,
		&c.PeriodStartMillis,
		&c.Open,
		&c.High,
		&c.Low,
		&c.Close,
		&c.Volume,
		&c.TradeCount,
		&c.IsComplete,
	)
	if err != nil {
		return nil, err
	}
	c.Interval = domain.Interval(resolution)
	return &c, nil
}
