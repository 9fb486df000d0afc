package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dex-kline-feed/internal/aggregation"
	"dex-kline-feed/internal/domain"
	"dex-kline-feed/internal/observability"
)

const (
	defaultHeartbeatEvery = 15 * time.Second
	defaultClientTimeout  = 30 * time.Second
	defaultSweepEvery     = time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultSendQueue      = 64
)

// Snapshotter supplies the current open candles. Implemented by the
// aggregator.
type Snapshotter interface {
	SnapshotPair(network, pairAddress string) []*domain.Candle
	SnapshotAll() map[aggregation.PairKey][]*domain.Candle
}

// Options configures a Server.
type Options struct {
	Snapshots Snapshotter
	Logger    zerolog.Logger
	Metrics   *observability.Metrics

	// HeartbeatEvery is the server ping interval. ClientTimeout evicts
	// clients whose last heartbeat is older than this.
	HeartbeatEvery time.Duration
	ClientTimeout  time.Duration

	// SweepEvery is the periodic full-broadcast interval.
	SweepEvery time.Duration

	// WriteTimeout bounds every socket write.
	WriteTimeout time.Duration

	// SendQueue caps each client's outbound frame queue. Frames pushed
	// at a client whose queue is full are dropped.
	SendQueue int
}

// Server is the /kline-ws endpoint: it owns the client registry,
// subscription state, heartbeat eviction and both broadcast paths
// (targeted pushes from the aggregator and the one-second full sweep).
type Server struct {
	snapshots    Snapshotter
	log          zerolog.Logger
	metrics      *observability.Metrics
	heartbeat    time.Duration
	timeout      time.Duration
	sweep        time.Duration
	writeTimeout time.Duration
	sendQueue    int
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

var _ aggregation.Notifier = (*Server)(nil)

// NewServer creates a Server. Run must be called for heartbeats and the
// periodic sweep to fire.
func NewServer(opts Options) *Server {
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = defaultHeartbeatEvery
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = defaultClientTimeout
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	return &Server{
		snapshots:    opts.Snapshots,
		log:          opts.Logger.With().Str("component", "broadcast").Logger(),
		metrics:      opts.Metrics,
		heartbeat:    opts.HeartbeatEvery,
		timeout:      opts.ClientTimeout,
		sweep:        opts.SweepEvery,
		writeTimeout: opts.WriteTimeout,
		sendQueue:    opts.SendQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth and origin policy live at the reverse proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the connection and serves the client until it
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newClient(conn, time.Now().UnixMilli(), s.sendQueue)
	conn.SetPongHandler(func(string) error {
		c.touchHeartbeat(time.Now().UnixMilli())
		return nil
	})

	s.addClient(c)
	s.log.Debug().Str("client", c.id).Str("remote", r.RemoteAddr).Msg("client connected")
	go s.writeLoop(c)
	s.readLoop(c)
}

// Run drives heartbeats and the periodic broadcast sweep until ctx is
// cancelled, then closes every client with a normal close code.
func (s *Server) Run(ctx context.Context) {
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	sweep := time.NewTicker(s.sweep)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-heartbeat.C:
			s.heartbeatPass()
		case <-sweep.C:
			s.sweepPass()
		}
	}
}

// NotifyPair pushes the changed candles of a pair to matching
// subscribers. Satisfies the aggregator's notifier contract.
func (s *Server) NotifyPair(network, pairAddress string, candles []*domain.Candle) {
	s.push(aggregation.PairKey{Network: network, PairAddress: pairAddress}, candles)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.removeClient(c.id)
		c.close(websocket.CloseNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Str("client", c.id).Msg("client read ended")
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError(c, CodeBadFrame, "frame is not valid JSON")
			continue
		}

		switch frame.Type {
		case TypeSubscribe:
			s.handleSubscribe(c, frame.Data)
		case TypeUnsubscribe:
			s.handleUnsubscribe(c, frame.Data)
		case TypePing:
			c.touchHeartbeat(time.Now().UnixMilli())
			s.sendFrame(c, OutFrame{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case TypePong:
			c.touchHeartbeat(time.Now().UnixMilli())
		default:
			s.sendError(c, CodeUnknownFrameType, "unknown frame type "+frame.Type)
		}
	}
}

// handleSubscribe merges the request into the client's subscriptions and
// immediately pushes the pair's current candles so the client does not
// wait for the next trade. An empty interval list subscribes to every
// interval.
func (s *Server) handleSubscribe(c *client, data json.RawMessage) {
	req, intervals, ok := s.parseRequest(c, data, true)
	if !ok {
		return
	}
	if len(intervals) == 0 {
		intervals = domain.Intervals()
	}

	pk := aggregation.PairKey{Network: req.Network, PairAddress: req.PairAddress}
	c.subscribe(pk, intervals)

	wanted := make(map[domain.Interval]struct{}, len(intervals))
	for _, iv := range intervals {
		wanted[iv] = struct{}{}
	}
	snapshot := filterIntervals(s.snapshots.SnapshotPair(req.Network, req.PairAddress), wanted)
	s.sendFrame(c, OutFrame{
		Type: TypeKlineUpdate,
		Data: KlineUpdate{
			Network:     req.Network,
			PairAddress: req.PairAddress,
			Klines:      snapshot,
		},
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleUnsubscribe removes intervals from the pair's subscription. An
// empty interval list removes the pair. Intervals that were never
// subscribed are ignored without an error.
func (s *Server) handleUnsubscribe(c *client, data json.RawMessage) {
	req, intervals, ok := s.parseRequest(c, data, false)
	if !ok {
		return
	}
	pk := aggregation.PairKey{Network: req.Network, PairAddress: req.PairAddress}
	c.unsubscribe(pk, intervals)
}

// parseRequest decodes a subscription request. strict rejects unknown
// interval strings; the lenient mode drops them, which keeps
// unsubscribe a no-op for intervals that were never valid.
func (s *Server) parseRequest(c *client, data json.RawMessage, strict bool) (SubscriptionRequest, []domain.Interval, bool) {
	var req SubscriptionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, CodeBadFrame, "malformed subscription data")
		return req, nil, false
	}
	if req.Network == "" || req.PairAddress == "" {
		s.sendError(c, CodeBadSubscription, "network and pairAddress are required")
		return req, nil, false
	}

	intervals := make([]domain.Interval, 0, len(req.Intervals))
	for _, raw := range req.Intervals {
		iv, err := domain.ParseInterval(raw)
		if err != nil {
			if strict {
				s.sendError(c, CodeBadSubscription, "unknown interval "+raw)
				return req, nil, false
			}
			continue
		}
		intervals = append(intervals, iv)
	}
	return req, intervals, true
}

// push delivers candles for one pair to every matching subscriber,
// filtered to each client's intervals. Delivery is best effort; a
// failed send is logged and does not affect other clients.
func (s *Server) push(pk aggregation.PairKey, candles []*domain.Candle) {
	if len(candles) == 0 {
		return
	}
	start := time.Now()

	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		wanted := c.matchedIntervals(pk)
		if wanted == nil {
			continue
		}
		matched := filterIntervals(candles, wanted)
		if len(matched) == 0 {
			continue
		}
		s.sendFrame(c, OutFrame{
			Type: TypeKlineUpdate,
			Data: KlineUpdate{
				Network:     pk.Network,
				PairAddress: pk.PairAddress,
				Klines:      matched,
			},
			Timestamp: time.Now().UnixMilli(),
		})
	}

	if s.metrics != nil {
		s.metrics.PushLatency.Observe(time.Since(start).Seconds())
	}
}

func (s *Server) heartbeatPass() {
	nowMillis := time.Now().UnixMilli()

	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if nowMillis-c.heartbeatMillis() > s.timeout.Milliseconds() {
			s.log.Info().Str("client", c.id).Msg("evicting client on heartbeat timeout")
			s.removeClient(c.id)
			c.close(websocket.CloseNormalClosure, "heartbeat timeout")
			continue
		}
		if err := c.sendPing(s.writeTimeout); err != nil {
			s.log.Debug().Err(err).Str("client", c.id).Msg("ping write failed")
		}
	}
}

func (s *Server) sweepPass() {
	for pk, candles := range s.snapshots.SnapshotAll() {
		s.push(pk, candles)
	}
}

// sendFrame queues a frame for the client's writer goroutine. A full
// queue drops the frame; the caller never blocks on the socket.
func (s *Server) sendFrame(c *client, frame OutFrame) {
	if !c.enqueue(frame) {
		s.log.Warn().Str("client", c.id).Str("type", frame.Type).Msg("outbound queue full, frame dropped")
		if s.metrics != nil {
			s.metrics.SendFailures.Inc()
		}
	}
}

// writeLoop drains the client's outbound queue onto the socket until
// the client closes.
func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			if err := c.send(frame, s.writeTimeout); err != nil {
				s.log.Warn().Err(err).Str("client", c.id).Str("type", frame.Type).Msg("frame send failed")
				if s.metrics != nil {
					s.metrics.SendFailures.Inc()
				}
				continue
			}
			if s.metrics != nil {
				s.metrics.FramesSent.Inc()
			}
		}
	}
}

func (s *Server) sendError(c *client, code, message string) {
	s.sendFrame(c, OutFrame{
		Type:      TypeError,
		Data:      ErrorData{Code: code, Message: message},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnectedClients.Set(float64(n))
	}
}

// removeClient drops a client from the registry. Idempotent.
func (s *Server) removeClient(id string) {
	s.mu.Lock()
	_, ok := s.clients[id]
	if ok {
		delete(s.clients, id)
	}
	n := len(s.clients)
	s.mu.Unlock()
	if ok && s.metrics != nil {
		s.metrics.ConnectedClients.Set(float64(n))
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range targets {
		c.close(websocket.CloseNormalClosure, "server shutting down")
	}
	if s.metrics != nil {
		s.metrics.ConnectedClients.Set(0)
	}
}

func filterIntervals(candles []*domain.Candle, wanted map[domain.Interval]struct{}) []*domain.Candle {
	out := make([]*domain.Candle, 0, len(candles))
	for _, c := range candles {
		if _, ok := wanted[c.Interval]; ok {
			out = append(out, c)
		}
	}
	return out
}
