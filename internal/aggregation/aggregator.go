package aggregation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dex-kline-feed/internal/domain"
	"dex-kline-feed/internal/observability"
	"dex-kline-feed/internal/storage"
)

const (
	defaultStoreTimeout = 5 * time.Second
	sweepEvery          = time.Minute
)

// PairKey identifies a (network, pairAddress) pair across intervals.
type PairKey struct {
	Network     string
	PairAddress string
}

// Notifier receives change notifications for a pair. Implemented by the
// broadcast server; calls must not block.
type Notifier interface {
	NotifyPair(network, pairAddress string, candles []*domain.Candle)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(network, pairAddress string, candles []*domain.Candle)

func (f NotifierFunc) NotifyPair(network, pairAddress string, candles []*domain.Candle) {
	f(network, pairAddress, candles)
}

// Options configures an Aggregator.
type Options struct {
	Store    storage.CandleStore
	Notifier Notifier
	Logger   zerolog.Logger
	Metrics  *observability.Metrics

	// Now overrides the clock in tests.
	Now func() time.Time

	// StoreTimeout bounds each store call made from timer callbacks.
	StoreTimeout time.Duration
}

// Aggregator folds trade events into per-interval OHLCV candles. Every
// series that has ever traded keeps an unbroken timestamp sequence: real
// candles are completed at their period boundary and empty periods are
// backfilled with synthetic candles. All timer work runs on one
// scheduler loop; the open-candle index is guarded by a single mutex so
// broadcast snapshots are always consistent.
type Aggregator struct {
	store        storage.CandleStore
	notifier     Notifier
	log          zerolog.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	storeTimeout time.Duration
	sched        *Scheduler

	mu   sync.Mutex
	open map[domain.CandleKey]*domain.Candle
	// generators marks series whose gap-fill timer is armed.
	generators map[domain.SeriesKey]bool
	// lastClose caches the close of the most recent emitted candle of a
	// series. seeded marks series whose history was already read from
	// the store, so the store is consulted at most once per series.
	lastClose map[domain.SeriesKey]decimal.Decimal
	seeded    map[domain.SeriesKey]bool
	// lastEmitted records the periodStart of the newest candle emitted
	// for a series. Completion and gap-fill race at the same boundary;
	// this marker keeps emission at most once per period.
	lastEmitted map[domain.SeriesKey]int64
}

// NewAggregator creates an Aggregator. Run must be called before
// candles will complete.
func NewAggregator(opts Options) *Aggregator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(string, string, []*domain.Candle) {})
	}
	return &Aggregator{
		store:        opts.Store,
		notifier:     opts.Notifier,
		log:          opts.Logger.With().Str("component", "aggregator").Logger(),
		metrics:      opts.Metrics,
		now:          opts.Now,
		storeTimeout: opts.StoreTimeout,
		sched:        NewScheduler(opts.Now),
		open:         make(map[domain.CandleKey]*domain.Candle),
		generators:   make(map[domain.SeriesKey]bool),
		lastClose:    make(map[domain.SeriesKey]decimal.Decimal),
		seeded:       make(map[domain.SeriesKey]bool),
		lastEmitted:  make(map[domain.SeriesKey]int64),
	}
}

// Run drives completion timers, gap-fill generators and the stale-candle
// sweep until ctx is cancelled. Open candles are abandoned on shutdown,
// not flushed.
func (a *Aggregator) Run(ctx context.Context) {
	a.sched.Schedule(a.now().Add(sweepEvery).UnixMilli(), a.runSweep)
	a.sched.Run(ctx)
}

// OnTrade applies one trade to the candle of each interval. Trades for
// a pair must arrive in observation order.
func (a *Aggregator) OnTrade(ctx context.Context, ev *domain.TradeEvent) {
	var changed []*domain.Candle

	a.mu.Lock()
	for _, interval := range domain.Intervals() {
		series := domain.SeriesKey{Network: ev.Network, PairAddress: ev.PairAddress, Interval: interval}
		periodStart := interval.PeriodStart(ev.ObservedAtMillis)
		key := domain.CandleKey{
			Network:           ev.Network,
			PairAddress:       ev.PairAddress,
			Interval:          interval,
			PeriodStartMillis: periodStart,
		}

		c, ok := a.open[key]
		if !ok {
			open, found := a.priorCloseLocked(ctx, series, periodStart)
			if !found {
				open = ev.Price
			}
			c = domain.NewCandle(ev.Network, ev.PairAddress, interval, periodStart, open)
			a.open[key] = c
			a.sched.Schedule(c.PeriodEndMillis(), func() { a.completeCandle(key, false) })
			a.armGeneratorLocked(series)
			if a.metrics != nil {
				a.metrics.OpenCandles.Set(float64(len(a.open)))
			}
		}
		c.ApplyTrade(ev)
		changed = append(changed, c.Clone())
	}
	a.mu.Unlock()

	a.notifier.NotifyPair(ev.Network, ev.PairAddress, changed)
}

// SnapshotPair returns clones of the open candles for a pair, smallest
// interval first. Backs the subscribe-time snapshot.
func (a *Aggregator) SnapshotPair(network, pairAddress string) []*domain.Candle {
	var out []*domain.Candle
	a.mu.Lock()
	for _, interval := range domain.Intervals() {
		for key, c := range a.open {
			if key.Network == network && key.PairAddress == pairAddress && key.Interval == interval {
				out = append(out, c.Clone())
			}
		}
	}
	a.mu.Unlock()
	return out
}

// SnapshotAll returns clones of every open candle grouped by pair. Backs
// the broadcast server's periodic sweep.
func (a *Aggregator) SnapshotAll() map[PairKey][]*domain.Candle {
	out := make(map[PairKey][]*domain.Candle)
	a.mu.Lock()
	for key, c := range a.open {
		pk := PairKey{Network: key.Network, PairAddress: key.PairAddress}
		out[pk] = append(out[pk], c.Clone())
	}
	a.mu.Unlock()
	return out
}

// OpenCandleCount returns the size of the open-candle index.
func (a *Aggregator) OpenCandleCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// priorCloseLocked returns the close the new candle at periodStart must
// open at, honoring continuity only when the prior candle's period
// actually precedes it. The in-memory cache is authoritative once set;
// the store is read once per series to survive restarts.
func (a *Aggregator) priorCloseLocked(ctx context.Context, series domain.SeriesKey, periodStart int64) (decimal.Decimal, bool) {
	if cached, ok := a.lastClose[series]; ok {
		if a.lastEmitted[series] >= periodStart {
			return decimal.Decimal{}, false
		}
		return cached, true
	}
	if a.seeded[series] {
		return decimal.Decimal{}, false
	}
	a.seeded[series] = true

	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()
	prev, err := a.store.GetLatestCandle(ctx, series.Network, series.PairAddress, series.Interval)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.log.Warn().Err(err).
				Str("network", series.Network).
				Str("pair", series.PairAddress).
				Str("interval", series.Interval.String()).
				Msg("latest candle lookup failed, opening series without history")
		}
		return decimal.Decimal{}, false
	}
	a.lastClose[series] = prev.Close
	a.lastEmitted[series] = prev.PeriodStartMillis
	if prev.PeriodStartMillis >= periodStart {
		return decimal.Decimal{}, false
	}
	return prev.Close, true
}

// completeCandle closes the open candle for key, persists it and drops
// it from memory. Persistence is single attempt; a failed write is
// logged and the candle is lost. Safe to call for keys that were already
// completed.
func (a *Aggregator) completeCandle(key domain.CandleKey, forced bool) {
	a.mu.Lock()
	c, ok := a.open[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.open, key)
	c.IsComplete = true
	series := c.Series()
	a.lastClose[series] = c.Close
	a.seeded[series] = true
	if c.PeriodStartMillis > a.lastEmitted[series] {
		a.lastEmitted[series] = c.PeriodStartMillis
	}
	if a.metrics != nil {
		a.metrics.OpenCandles.Set(float64(len(a.open)))
	}
	a.mu.Unlock()

	a.persist(c)
	if a.metrics != nil {
		a.metrics.CandlesCompleted.WithLabelValues(c.Interval.String()).Inc()
		if forced {
			a.metrics.SweepForcedCloses.Inc()
		}
	}
	a.notifier.NotifyPair(c.Network, c.PairAddress, []*domain.Candle{c.Clone()})
}

// armGeneratorLocked starts the recurring gap-fill timer for a series on
// its first trade.
func (a *Aggregator) armGeneratorLocked(series domain.SeriesKey) {
	if a.generators[series] {
		return
	}
	a.generators[series] = true
	boundary := series.Interval.NextPeriodStart(a.now().UnixMilli())
	a.sched.Schedule(boundary, func() { a.fillGap(series, boundary) })
}

// fillGap runs at period boundary for a series and emits a synthetic
// candle for the period that just ended when no real candle covered it.
// Always re-arms for the following boundary, so a delayed loop catches
// up period by period and the series never skips a timestamp.
func (a *Aggregator) fillGap(series domain.SeriesKey, boundary int64) {
	dur := series.Interval.DurationMillis()
	periodStart := boundary - dur
	key := domain.CandleKey{
		Network:           series.Network,
		PairAddress:       series.PairAddress,
		Interval:          series.Interval,
		PeriodStartMillis: periodStart,
	}

	var synth *domain.Candle
	a.mu.Lock()
	_, hasOpen := a.open[key]
	if !hasOpen && a.lastEmitted[series] < periodStart {
		ref, ok := a.lastClose[series]
		if !ok {
			ref = decimal.Zero
		}
		synth = domain.NewSyntheticCandle(series.Network, series.PairAddress, series.Interval, periodStart, ref)
		a.lastEmitted[series] = periodStart
		a.lastClose[series] = ref
		a.seeded[series] = true
	}
	a.sched.Schedule(boundary+dur, func() { a.fillGap(series, boundary+dur) })
	a.mu.Unlock()

	if synth == nil {
		return
	}
	a.persist(synth)
	if a.metrics != nil {
		a.metrics.SyntheticCandles.WithLabelValues(series.Interval.String()).Inc()
	}
	a.notifier.NotifyPair(series.Network, series.PairAddress, []*domain.Candle{synth.Clone()})
}

// runSweep force-completes open candles whose period already ended. A
// completion timer can be missed across clock adjustments; the sweep is
// the backstop that keeps the index from leaking.
func (a *Aggregator) runSweep() {
	nowMillis := a.now().UnixMilli()

	a.mu.Lock()
	var expired []domain.CandleKey
	for key, c := range a.open {
		if c.PeriodEndMillis() <= nowMillis {
			expired = append(expired, key)
		}
	}
	a.mu.Unlock()

	for _, key := range expired {
		a.log.Warn().
			Str("candle", key.String()).
			Msg("force-completing candle past its period end")
		a.completeCandle(key, true)
	}

	a.sched.Schedule(a.now().Add(sweepEvery).UnixMilli(), a.runSweep)
}

func (a *Aggregator) persist(c *domain.Candle) {
	ctx, cancel := context.WithTimeout(context.Background(), a.storeTimeout)
	defer cancel()
	if err := a.store.UpsertCandle(ctx, c); err != nil {
		a.log.Error().Err(err).
			Str("candle", c.Key().String()).
			Msg("candle persist failed, dropping")
		if a.metrics != nil {
			a.metrics.PersistFailures.Inc()
		}
	}
}
