package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV aggregate for a fixed time window of a
// (network, pair, interval) series. A candle is mutable while open and
// immutable once IsComplete is set.
//
// Decimal fields marshal as JSON strings, which keeps 18-decimal token
// amounts exact on the wire.
type Candle struct {
	Network           string          `json:"network"`
	PairAddress       string          `json:"pairAddress"`
	Interval          Interval        `json:"interval"`
	PeriodStartMillis int64           `json:"periodStartMillis"`
	Open              decimal.Decimal `json:"open"`
	High              decimal.Decimal `json:"high"`
	Low               decimal.Decimal `json:"low"`
	Close             decimal.Decimal `json:"close"`
	Volume            decimal.Decimal `json:"volume"`
	TradeCount        int             `json:"tradeCount"`
	IsComplete        bool            `json:"isComplete"`
}

// CandleKey uniquely identifies a candle.
type CandleKey struct {
	Network           string
	PairAddress       string
	Interval          Interval
	PeriodStartMillis int64
}

func (k CandleKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%d", k.Network, k.PairAddress, k.Interval, k.PeriodStartMillis)
}

// SeriesKey identifies a candle series independent of the period.
type SeriesKey struct {
	Network     string
	PairAddress string
	Interval    Interval
}

// NewCandle creates an open candle for a period. Open must already obey
// the continuity rule: the prior completed candle's close when one
// exists, otherwise the first trade's price.
func NewCandle(network, pair string, interval Interval, periodStart int64, open decimal.Decimal) *Candle {
	return &Candle{
		Network:           network,
		PairAddress:       pair,
		Interval:          interval,
		PeriodStartMillis: periodStart,
		Open:              open,
	}
}

// NewSyntheticCandle creates a completed zero-volume candle whose OHLC
// all equal refPrice. Used by the gap filler for trade-free periods.
func NewSyntheticCandle(network, pair string, interval Interval, periodStart int64, refPrice decimal.Decimal) *Candle {
	return &Candle{
		Network:           network,
		PairAddress:       pair,
		Interval:          interval,
		PeriodStartMillis: periodStart,
		Open:              refPrice,
		High:              refPrice,
		Low:               refPrice,
		Close:             refPrice,
		IsComplete:        true,
	}
}

// Key returns the unique key of the candle.
func (c *Candle) Key() CandleKey {
	return CandleKey{
		Network:           c.Network,
		PairAddress:       c.PairAddress,
		Interval:          c.Interval,
		PeriodStartMillis: c.PeriodStartMillis,
	}
}

// Series returns the series key of the candle.
func (c *Candle) Series() SeriesKey {
	return SeriesKey{Network: c.Network, PairAddress: c.PairAddress, Interval: c.Interval}
}

// PeriodEndMillis returns the first millisecond after the candle's period.
func (c *Candle) PeriodEndMillis() int64 {
	return c.PeriodStartMillis + c.Interval.DurationMillis()
}

// ApplyTrade folds one trade into the candle. High and low track trade
// prices only; Open is fixed at creation.
func (c *Candle) ApplyTrade(e *TradeEvent) {
	if c.TradeCount == 0 {
		c.High = e.Price
		c.Low = e.Price
	} else {
		if e.Price.GreaterThan(c.High) {
			c.High = e.Price
		}
		if e.Price.LessThan(c.Low) {
			c.Low = e.Price
		}
	}
	c.Close = e.Price
	c.Volume = c.Volume.Add(e.Amount)
	c.TradeCount++
}

// Clone returns a copy safe to hand outside the aggregator's lock.
func (c *Candle) Clone() *Candle {
	cp := *c
	return &cp
}
