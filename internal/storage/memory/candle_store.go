package memory

import (
	"context"
	"sort"
	"sync"

	"dex-kline-feed/internal/domain"
	"dex-kline-feed/internal/storage"
)

// CandleStore is an in-memory implementation of storage.CandleStore.
// Used by tests and by the daemon when no database is configured.
type CandleStore struct {
	mu   sync.RWMutex
	data map[domain.CandleKey]*domain.Candle
}

// NewCandleStore creates a new in-memory candle store.
func NewCandleStore() *CandleStore {
	return &CandleStore{
		data: make(map[domain.CandleKey]*domain.Candle),
	}
}

var _ storage.CandleStore = (*CandleStore)(nil)

// UpsertCandle writes a candle, replacing any existing row with the same key.
func (s *CandleStore) UpsertCandle(_ context.Context, c *domain.Candle) error {
	if c == nil || c.Network == "" || c.PairAddress == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[c.Key()] = c.Clone()
	return nil
}

// GetLatestCandle returns the most recent candle of a series.
func (s *CandleStore) GetLatestCandle(_ context.Context, network, pairAddress string, interval domain.Interval) (*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Candle
	for _, c := range s.data {
		if c.Network != network || c.PairAddress != pairAddress || c.Interval != interval {
			continue
		}
		if latest == nil || c.PeriodStartMillis > latest.PeriodStartMillis {
			latest = c
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest.Clone(), nil
}

// GetRecentCandles returns up to limit candles of a series, newest first.
func (s *CandleStore) GetRecentCandles(_ context.Context, network, pairAddress string, interval domain.Interval, limit int) ([]*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Candle
	for _, c := range s.data {
		if c.Network == network && c.PairAddress == pairAddress && c.Interval == interval {
			result = append(result, c.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].PeriodStartMillis > result[j].PeriodStartMillis
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Len returns the number of stored candles.
func (s *CandleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// All returns every stored candle of a series ordered by period start,
// oldest first. Test helper.
func (s *CandleStore) All(network, pairAddress string, interval domain.Interval) []*domain.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Candle
	for _, c := range s.data {
		if c.Network == network && c.PairAddress == pairAddress && c.Interval == interval {
			result = append(result, c.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PeriodStartMillis < result[j].PeriodStartMillis
	})
	return result
}
