package postgres

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-kline-feed/internal/domain"
	"dex-kline-feed/internal/storage"
)

func completedCandle(pair string, interval domain.Interval, start int64, closePrice string) *domain.Candle {
	px := decimal.RequireFromString(closePrice)
	c := domain.NewCandle("11155111", pair, interval, start, px)
	c.High = px
	c.Low = px
	c.Close = px
	c.Volume = decimal.RequireFromString("17")
	c.TradeCount = 3
	c.IsComplete = true
	return c
}

func TestCandleStore_UpsertIdempotence(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(pool)
	ctx := context.Background()

	c := completedCandle("0xAA", domain.Interval1m, 60_000, "100")
	require.NoError(t, store.UpsertCandle(ctx, c))
	require.NoError(t, store.UpsertCandle(ctx, c))

	var count int
	err := pool.QueryRow(ctx, "SELECT count(*) FROM candles").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCandleStore_UpsertUpdatesInPlace(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(pool)
	ctx := context.Background()

	require.NoError(t, store.UpsertCandle(ctx, completedCandle("0xAA", domain.Interval1m, 60_000, "100")))
	require.NoError(t, store.UpsertCandle(ctx, completedCandle("0xAA", domain.Interval1m, 60_000, "105")))

	latest, err := store.GetLatestCandle(ctx, "11155111", "0xAA", domain.Interval1m)
	require.NoError(t, err)
	assert.True(t, latest.Close.Equal(decimal.RequireFromString("105")))
	assert.True(t, latest.IsComplete)
}

func TestCandleStore_GetLatestCandle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(pool)
	ctx := context.Background()

	require.NoError(t, store.UpsertCandle(ctx, completedCandle("0xAA", domain.Interval1m, 60_000, "100")))
	require.NoError(t, store.UpsertCandle(ctx, completedCandle("0xAA", domain.Interval1m, 120_000, "101")))
	require.NoError(t, store.UpsertCandle(ctx, completedCandle("0xAA", domain.Interval30s, 150_000, "999")))

	latest, err := store.GetLatestCandle(ctx, "11155111", "0xAA", domain.Interval1m)
	require.NoError(t, err)
	assert.Equal(t, int64(120_000), latest.PeriodStartMillis)
	assert.Equal(t, domain.Interval1m, latest.Interval)
	assert.Equal(t, 3, latest.TradeCount)
	assert.True(t, latest.Volume.Equal(decimal.RequireFromString("17")))
}

func TestCandleStore_GetLatestCandle_NotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(pool)

	_, err := store.GetLatestCandle(context.Background(), "1", "0xZZ", domain.Interval1m)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCandleStore_GetRecentCandles(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCandleStore(pool)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, store.UpsertCandle(ctx, completedCandle("0xAA", domain.Interval1m, i*60_000, "100")))
	}

	recent, err := store.GetRecentCandles(ctx, "11155111", "0xAA", domain.Interval1m, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(240_000), recent[0].PeriodStartMillis)
	assert.Equal(t, int64(120_000), recent[2].PeriodStartMillis)
}
