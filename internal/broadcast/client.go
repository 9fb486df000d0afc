package broadcast

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dex-kline-feed/internal/aggregation"
	"dex-kline-feed/internal/domain"
)

// client is one connected WebSocket consumer. Data frames go through a
// bounded outbound queue drained by a dedicated writer goroutine, so a
// slow socket never blocks the goroutine producing the frame. Writes
// serialize on writeMu so control frames never interleave with data
// frames; subscription state and the heartbeat stamp are guarded by mu.
type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	out       chan OutFrame
	done      chan struct{}
	closeOnce sync.Once

	mu                  sync.Mutex
	subs                map[aggregation.PairKey]map[domain.Interval]struct{}
	lastHeartbeatMillis int64
}

func newClient(conn *websocket.Conn, nowMillis int64, queueSize int) *client {
	return &client{
		id:                  newClientID(),
		conn:                conn,
		out:                 make(chan OutFrame, queueSize),
		done:                make(chan struct{}),
		subs:                make(map[aggregation.PairKey]map[domain.Interval]struct{}),
		lastHeartbeatMillis: nowMillis,
	}
}

func newClientID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b[:])
}

// subscribe merges intervals into any existing subscription for the pair.
func (c *client) subscribe(pk aggregation.PairKey, intervals []domain.Interval) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.subs[pk]
	if !ok {
		set = make(map[domain.Interval]struct{})
		c.subs[pk] = set
	}
	for _, iv := range intervals {
		set[iv] = struct{}{}
	}
}

// unsubscribe removes intervals from the pair's subscription. An empty
// interval list, or removing the last interval, drops the pair entirely.
// Unknown pairs and intervals are a no-op.
func (c *client) unsubscribe(pk aggregation.PairKey, intervals []domain.Interval) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.subs[pk]
	if !ok {
		return
	}
	if len(intervals) == 0 {
		delete(c.subs, pk)
		return
	}
	for _, iv := range intervals {
		delete(set, iv)
	}
	if len(set) == 0 {
		delete(c.subs, pk)
	}
}

// matchedIntervals returns the intervals the client wants for a pair,
// or nil when it is not subscribed.
func (c *client) matchedIntervals(pk aggregation.PairKey) map[domain.Interval]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.subs[pk]
	if !ok {
		return nil
	}
	out := make(map[domain.Interval]struct{}, len(set))
	for iv := range set {
		out[iv] = struct{}{}
	}
	return out
}

func (c *client) touchHeartbeat(nowMillis int64) {
	c.mu.Lock()
	c.lastHeartbeatMillis = nowMillis
	c.mu.Unlock()
}

func (c *client) heartbeatMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeatMillis
}

// enqueue hands a frame to the client's writer goroutine without
// blocking. Returns false when the queue is full or the client is
// closing; the caller drops the frame.
func (c *client) enqueue(frame OutFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// send writes one frame with a bounded deadline.
func (c *client) send(frame OutFrame, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

// sendPing writes a WebSocket control ping with a bounded deadline.
func (c *client) sendPing(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// close stops the writer goroutine, sends a close frame and tears the
// socket down. Safe to call twice.
func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}
