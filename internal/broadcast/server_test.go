package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"dex-kline-feed/internal/aggregation"
	"dex-kline-feed/internal/domain"
)

type stubSnapshots struct {
	mu  sync.Mutex
	all map[aggregation.PairKey][]*domain.Candle
}

func newStubSnapshots() *stubSnapshots {
	return &stubSnapshots{all: make(map[aggregation.PairKey][]*domain.Candle)}
}

func (s *stubSnapshots) set(network, pair string, candles ...*domain.Candle) {
	s.mu.Lock()
	s.all[aggregation.PairKey{Network: network, PairAddress: pair}] = candles
	s.mu.Unlock()
}

func (s *stubSnapshots) SnapshotPair(network, pair string) []*domain.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all[aggregation.PairKey{Network: network, PairAddress: pair}]
}

func (s *stubSnapshots) SnapshotAll() map[aggregation.PairKey][]*domain.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[aggregation.PairKey][]*domain.Candle, len(s.all))
	for k, v := range s.all {
		out[k] = v
	}
	return out
}

func candleAt(network, pair string, interval domain.Interval, periodStart int64, price string) *domain.Candle {
	p, _ := decimal.NewFromString(price)
	c := domain.NewCandle(network, pair, interval, periodStart, p)
	c.High, c.Low, c.Close = p, p, p
	c.TradeCount = 1
	return c
}

type wsFixture struct {
	server *Server
	snaps  *stubSnapshots
	ts     *httptest.Server
}

func newWSFixture(t *testing.T, opts Options) *wsFixture {
	t.Helper()
	snaps := newStubSnapshots()
	opts.Snapshots = snaps
	opts.Logger = zerolog.Nop()
	srv := NewServer(opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &wsFixture{server: srv, snaps: snaps, ts: ts}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, data interface{}) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	require.NoError(t, conn.WriteJSON(Frame{Type: frameType, Data: raw, Timestamp: time.Now().UnixMilli()}))
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func readKlineUpdate(t *testing.T, conn *websocket.Conn) KlineUpdate {
	t.Helper()
	f := readFrame(t, conn)
	require.Equal(t, TypeKlineUpdate, f.Type)
	var upd KlineUpdate
	require.NoError(t, json.Unmarshal(f.Data, &upd))
	return upd
}

func readError(t *testing.T, conn *websocket.Conn) ErrorData {
	t.Helper()
	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)
	var ed ErrorData
	require.NoError(t, json.Unmarshal(f.Data, &ed))
	return ed
}

func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	var f Frame
	err := conn.ReadJSON(&f)
	require.Error(t, err, "expected no frame, got %+v", f)
}

func TestSubscribePushesSnapshotImmediately(t *testing.T) {
	f := newWSFixture(t, Options{})
	f.snaps.set("11155111", "0xAA", candleAt("11155111", "0xAA", domain.Interval1m, 60_000, "100"))

	conn := f.dial(t)
	sendFrame(t, conn, TypeSubscribe, SubscriptionRequest{
		Network: "11155111", PairAddress: "0xAA", Intervals: []string{"1m"},
	})

	upd := readKlineUpdate(t, conn)
	require.Equal(t, "11155111", upd.Network)
	require.Equal(t, "0xAA", upd.PairAddress)
	require.Len(t, upd.Klines, 1)
	require.Equal(t, domain.Interval1m, upd.Klines[0].Interval)
	require.Equal(t, int64(60_000), upd.Klines[0].PeriodStartMillis)
}

func TestSubscribeSnapshotFiltersIntervals(t *testing.T) {
	f := newWSFixture(t, Options{})
	f.snaps.set("net", "0xAA",
		candleAt("net", "0xAA", domain.Interval30s, 30_000, "1"),
		candleAt("net", "0xAA", domain.Interval1m, 0, "1"),
		candleAt("net", "0xAA", domain.Interval15m, 0, "1"),
	)

	conn := f.dial(t)
	sendFrame(t, conn, TypeSubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA", Intervals: []string{"30s"},
	})

	upd := readKlineUpdate(t, conn)
	require.Len(t, upd.Klines, 1)
	require.Equal(t, domain.Interval30s, upd.Klines[0].Interval)
}

func TestSubscribeRequiresNetworkAndPair(t *testing.T) {
	f := newWSFixture(t, Options{})
	conn := f.dial(t)

	sendFrame(t, conn, TypeSubscribe, SubscriptionRequest{Network: "net", Intervals: []string{"1m"}})
	require.Equal(t, CodeBadSubscription, readError(t, conn).Code)

	// No subscription was recorded, so a push for the pair stays silent.
	f.server.NotifyPair("net", "", []*domain.Candle{candleAt("net", "", domain.Interval1m, 0, "1")})
	expectSilence(t, conn, 200*time.Millisecond)
}

func TestSubscribeRejectsUnknownInterval(t *testing.T) {
	f := newWSFixture(t, Options{})
	conn := f.dial(t)

	sendFrame(t, conn, TypeSubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA", Intervals: []string{"5m"},
	})
	require.Equal(t, CodeBadSubscription, readError(t, conn).Code)
}

func TestSubscribeMergesIntervals(t *testing.T) {
	f := newWSFixture(t, Options{})
	conn := f.dial(t)

	sendFrame(t, conn, TypeSubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA", Intervals: []string{"1m"},
	})
	readKlineUpdate(t, conn)
	sendFrame(t, conn, TypeSubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA", Intervals: []string{"30s"},
	})
	readKlineUpdate(t, conn)

	f.server.NotifyPair("net", "0xAA", []*domain.Candle{
		candleAt("net", "0xAA", domain.Interval30s, 30_000, "1"),
		candleAt("net", "0xAA", domain.Interval1m, 0, "1"),
		candleAt("net", "0xAA", domain.Interval15m, 0, "1"),
	})

	upd := readKlineUpdate(t, conn)
	require.Len(t, upd.Klines, 2, "merged subscription covers 30s and 1m only")
}

func TestUnsubscribeUnknownIntervalIsNoOp(t *testing.T) {
	f := newWSFixture(t, Options{})
	conn := f.dial(t)

	sendFrame(t, conn, TypeSubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA", Intervals: []string{"1m"},
	})
	readKlineUpdate(t, conn)

	sendFrame(t, conn, TypeUnsubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA", Intervals: []string{"15m"},
	})

	f.server.NotifyPair("net", "0xAA", []*domain.Candle{
		candleAt("net", "0xAA", domain.Interval1m, 0, "1"),
	})
	upd := readKlineUpdate(t, conn)
	require.Len(t, upd.Klines, 1, "the 1m subscription must survive")
}

func TestUnsubscribeEmptyIntervalsDropsPair(t *testing.T) {
	f := newWSFixture(t, Options{})
	conn := f.dial(t)

	sendFrame(t, conn, TypeSubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA", Intervals: []string{"1m", "30s"},
	})
	readKlineUpdate(t, conn)

	sendFrame(t, conn, TypeUnsubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA",
	})
	// Give the server a beat to apply the unsubscribe.
	time.Sleep(100 * time.Millisecond)

	f.server.NotifyPair("net", "0xAA", []*domain.Candle{
		candleAt("net", "0xAA", domain.Interval1m, 0, "1"),
	})
	expectSilence(t, conn, 200*time.Millisecond)
}

func TestTargetedPushReachesOnlySubscribers(t *testing.T) {
	f := newWSFixture(t, Options{})

	connA := f.dial(t)
	sendFrame(t, connA, TypeSubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA", Intervals: []string{"1m"},
	})
	readKlineUpdate(t, connA)

	connB := f.dial(t)
	sendFrame(t, connB, TypeSubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xBB", Intervals: []string{"1m"},
	})
	readKlineUpdate(t, connB)

	f.server.NotifyPair("net", "0xAA", []*domain.Candle{
		candleAt("net", "0xAA", domain.Interval1m, 0, "1"),
	})

	upd := readKlineUpdate(t, connA)
	require.Equal(t, "0xAA", upd.PairAddress)
	expectSilence(t, connB, 200*time.Millisecond)
}

func TestPingGetsPong(t *testing.T) {
	f := newWSFixture(t, Options{})
	conn := f.dial(t)

	sendFrame(t, conn, TypePing, nil)
	pong := readFrame(t, conn)
	require.Equal(t, TypePong, pong.Type)
	require.NotZero(t, pong.Timestamp)
}

func TestMalformedFrameGetsErrorWithoutDisconnect(t *testing.T) {
	f := newWSFixture(t, Options{})
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.Equal(t, CodeBadFrame, readError(t, conn).Code)

	// Connection still works afterwards.
	sendFrame(t, conn, TypePing, nil)
	require.Equal(t, TypePong, readFrame(t, conn).Type)
}

func TestUnknownFrameTypeGetsError(t *testing.T) {
	f := newWSFixture(t, Options{})
	conn := f.dial(t)

	sendFrame(t, conn, "klines_pls", nil)
	require.Equal(t, CodeUnknownFrameType, readError(t, conn).Code)
}

func TestPeriodicSweepDeliversWithoutNotify(t *testing.T) {
	f := newWSFixture(t, Options{
		SweepEvery:     20 * time.Millisecond,
		HeartbeatEvery: time.Minute,
	})
	f.snaps.set("net", "0xAA", candleAt("net", "0xAA", domain.Interval1m, 0, "7"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.Run(ctx)

	conn := f.dial(t)
	sendFrame(t, conn, TypeSubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA", Intervals: []string{"1m"},
	})
	readKlineUpdate(t, conn)

	// The next frame comes from the sweep, not from any notify call.
	upd := readKlineUpdate(t, conn)
	require.Equal(t, "0xAA", upd.PairAddress)
	require.Len(t, upd.Klines, 1)
}

func TestHeartbeatTimeoutEvictsSilentClient(t *testing.T) {
	f := newWSFixture(t, Options{
		HeartbeatEvery: 20 * time.Millisecond,
		ClientTimeout:  60 * time.Millisecond,
		SweepEvery:     time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.Run(ctx)

	// A raw dial that never reads cannot answer control pings.
	conn := f.dial(t)
	_ = conn

	require.Eventually(t, func() bool {
		return f.server.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyPairDoesNotBlockOnSlowClient(t *testing.T) {
	f := newWSFixture(t, Options{WriteTimeout: 2 * time.Second, SendQueue: 4})

	// A subscriber that never reads. Its socket backs up once the TCP
	// buffers fill, and then its queue.
	slow := f.dial(t)
	sendFrame(t, slow, TypeSubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA", Intervals: []string{"1m"},
	})

	fast := f.dial(t)
	sendFrame(t, fast, TypeSubscribe, SubscriptionRequest{
		Network: "net", PairAddress: "0xAA", Intervals: []string{"1m"},
	})
	readKlineUpdate(t, fast)

	klines := make([]*domain.Candle, 0, 50)
	for i := int64(0); i < 50; i++ {
		klines = append(klines, candleAt("net", "0xAA", domain.Interval1m, i*60_000, "1"))
	}

	start := time.Now()
	for i := 0; i < 200; i++ {
		f.server.NotifyPair("net", "0xAA", klines)
	}
	require.Less(t, time.Since(start), time.Second,
		"a backpressured client must not stall the notifier")
}

func TestClientQueueOverflowDropsFrames(t *testing.T) {
	c := newClient(nil, 0, 2)
	require.True(t, c.enqueue(OutFrame{Type: TypePong}))
	require.True(t, c.enqueue(OutFrame{Type: TypePong}))
	require.False(t, c.enqueue(OutFrame{Type: TypePong}), "a full queue drops instead of blocking")

	close(c.done)
	require.False(t, c.enqueue(OutFrame{Type: TypePong}), "a closing client accepts no frames")
}

func TestShutdownClosesClients(t *testing.T) {
	f := newWSFixture(t, Options{HeartbeatEvery: time.Minute, SweepEvery: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.server.Run(ctx)
		close(done)
	}()

	conn := f.dial(t)
	require.Eventually(t, func() bool { return f.server.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	require.Equal(t, 0, f.server.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
