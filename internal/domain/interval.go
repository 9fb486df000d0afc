package domain

import (
	"fmt"
	"time"
)

// Interval identifies a candle resolution. The set is closed; chart
// consumers key series by these exact strings.
type Interval string

const (
	Interval30s Interval = "30s"
	Interval1m  Interval = "1m"
	Interval15m Interval = "15m"
)

// Intervals returns every supported interval in ascending duration order.
func Intervals() []Interval {
	return []Interval{Interval30s, Interval1m, Interval15m}
}

// ParseInterval validates a wire-format interval string.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case Interval30s, Interval1m, Interval15m:
		return Interval(s), nil
	}
	return "", fmt.Errorf("unknown interval %q", s)
}

// Duration returns the period length of the interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval30s:
		return 30 * time.Second
	case Interval1m:
		return time.Minute
	case Interval15m:
		return 15 * time.Minute
	}
	return 0
}

// DurationMillis returns the period length in milliseconds.
func (i Interval) DurationMillis() int64 {
	return i.Duration().Milliseconds()
}

// PeriodStart returns the epoch-aligned start of the period containing
// tsMillis. Alignment to epoch puts 1m periods on minute boundaries,
// 15m periods on quarter-hour boundaries and 30s periods on half-minute
// boundaries.
func (i Interval) PeriodStart(tsMillis int64) int64 {
	d := i.DurationMillis()
	return tsMillis / d * d
}

// NextPeriodStart returns the first period boundary strictly after tsMillis.
func (i Interval) NextPeriodStart(tsMillis int64) int64 {
	return i.PeriodStart(tsMillis) + i.DurationMillis()
}

func (i Interval) String() string {
	return string(i)
}
