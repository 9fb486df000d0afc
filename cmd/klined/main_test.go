package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"dex-kline-feed/internal/aggregation"
	"dex-kline-feed/internal/domain"
	"dex-kline-feed/internal/storage/memory"
)

func storedCandle(t *testing.T, network, pair string, interval domain.Interval, periodStart int64, price string) *domain.Candle {
	t.Helper()
	p, err := decimal.NewFromString(price)
	require.NoError(t, err)
	c := domain.NewCandle(network, pair, interval, periodStart, p)
	c.IsComplete = true
	return c
}

func klinesResponse(t *testing.T, store *memory.CandleStore, agg *aggregation.Aggregator, query string) []*domain.Candle {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/klines?"+query, nil)
	handleKlines(store, agg, zerolog.Nop())(rec, req)
	require.Equal(t, 200, rec.Code, rec.Body.String())

	var candles []*domain.Candle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &candles))
	return candles
}

func TestKlinesIncludeLiveOpenCandle(t *testing.T) {
	store := memory.NewCandleStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertCandle(ctx, storedCandle(t, "net", "0xAA", domain.Interval1m, 0, "100")))
	require.NoError(t, store.UpsertCandle(ctx, storedCandle(t, "net", "0xAA", domain.Interval1m, 60_000, "110")))

	agg := aggregation.NewAggregator(aggregation.Options{Store: store, Logger: zerolog.Nop()})
	price, _ := decimal.NewFromString("120")
	agg.OnTrade(ctx, &domain.TradeEvent{
		Network:          "net",
		PairAddress:      "0xAA",
		Price:            price,
		Amount:           decimal.NewFromInt(1),
		ObservedAtMillis: 125_000,
	})

	candles := klinesResponse(t, store, agg, "network=net&pairAddress=0xAA&interval=1m")
	require.Len(t, candles, 3)
	require.Equal(t, int64(120_000), candles[0].PeriodStartMillis)
	require.False(t, candles[0].IsComplete, "the live open candle leads the response")
	require.Equal(t, int64(60_000), candles[1].PeriodStartMillis)
	require.Equal(t, int64(0), candles[2].PeriodStartMillis)
	require.True(t, candles[1].IsComplete)
}

func TestKlinesLiveCandleSupersedesStoredPeriod(t *testing.T) {
	store := memory.NewCandleStore()
	ctx := context.Background()
	// A force-completed candle for the same period a later trade reopens.
	require.NoError(t, store.UpsertCandle(ctx, storedCandle(t, "net", "0xAA", domain.Interval1m, 120_000, "100")))

	agg := aggregation.NewAggregator(aggregation.Options{Store: store, Logger: zerolog.Nop()})
	price, _ := decimal.NewFromString("130")
	agg.OnTrade(ctx, &domain.TradeEvent{
		Network:          "net",
		PairAddress:      "0xAA",
		Price:            price,
		Amount:           decimal.NewFromInt(1),
		ObservedAtMillis: 130_000,
	})

	candles := klinesResponse(t, store, agg, "network=net&pairAddress=0xAA&interval=1m")
	require.Len(t, candles, 1)
	require.Equal(t, int64(120_000), candles[0].PeriodStartMillis)
	require.False(t, candles[0].IsComplete)
	require.True(t, price.Equal(candles[0].Close))
}

func TestKlinesWithoutLiveCandleServesStoredRows(t *testing.T) {
	store := memory.NewCandleStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertCandle(ctx, storedCandle(t, "net", "0xAA", domain.Interval1m, 0, "100")))

	agg := aggregation.NewAggregator(aggregation.Options{Store: store, Logger: zerolog.Nop()})

	candles := klinesResponse(t, store, agg, "network=net&pairAddress=0xAA&interval=1m")
	require.Len(t, candles, 1)
	require.True(t, candles[0].IsComplete)
}
