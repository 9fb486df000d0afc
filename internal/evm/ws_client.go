package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig configures WebSocket client behavior.
type WSConfig struct {
	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is the timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration
	// CallTimeout bounds request/response calls over the socket.
	CallTimeout time.Duration
	// SubscriptionBuffer sizes each subscription's log channel.
	SubscriptionBuffer int
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout:   10 * time.Second,
		PingInterval:       30 * time.Second,
		ReadTimeout:        90 * time.Second,
		WriteTimeout:       10 * time.Second,
		CallTimeout:        30 * time.Second,
		SubscriptionBuffer: 1024,
	}
}

// WSClient subscribes to EVM logs over a WebSocket JSON-RPC connection.
//
// The client deliberately does not reconnect itself. A fatal read error
// is surfaced on Errs and the connection is done; the ingestor owns
// failover and endpoint rotation.
type WSClient struct {
	endpoint string
	config   WSConfig

	conn   *websocket.Conn
	connMu sync.Mutex

	requestID atomic.Uint64
	closed    atomic.Bool

	// pending maps request ID to the channel awaiting its response.
	pending   map[uint64]chan rpcResponse
	pendingMu sync.Mutex

	// subs maps subscription ID to the channel receiving its logs.
	subs   map[string]chan Log
	subsMu sync.RWMutex

	errs chan error
	done chan struct{}
	wg   sync.WaitGroup
}

// DialWS connects to the endpoint and starts the read and ping loops.
func DialWS(ctx context.Context, endpoint string, config *WSConfig) (*WSClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	c := &WSClient{
		endpoint: endpoint,
		config:   cfg,
		conn:     conn,
		pending:  make(map[uint64]chan rpcResponse),
		subs:     make(map[string]chan Log),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Endpoint returns the connected endpoint URL.
func (c *WSClient) Endpoint() string {
	return c.endpoint
}

// Errs delivers the first fatal connection error. The channel never
// closes; after an error the client is dead and should be Closed.
func (c *WSClient) Errs() <-chan error {
	return c.errs
}

// SubscribeLogs subscribes to logs matching the filter and returns the
// notification channel. The channel closes when the client closes.
func (c *WSClient) SubscribeLogs(ctx context.Context, q FilterQuery) (<-chan Log, error) {
	var subID string
	if err := c.call(ctx, "eth_subscribe", []interface{}{"logs", q.toFilterParam(false)}, &subID); err != nil {
		return nil, fmt.Errorf("eth_subscribe: %w", err)
	}

	ch := make(chan Log, c.config.SubscriptionBuffer)
	c.subsMu.Lock()
	c.subs[subID] = ch
	c.subsMu.Unlock()

	return ch, nil
}

// BlockNumber returns the current head block height over the socket.
// Used as the liveness probe for the active connection.
func (c *WSClient) BlockNumber(ctx context.Context) (uint64, error) {
	var raw string
	if err := c.call(ctx, "eth_blockNumber", nil, &raw); err != nil {
		return 0, err
	}
	height, err := parseHexUint64(raw)
	if err != nil {
		return 0, fmt.Errorf("parse block number: %w", err)
	}
	return height, nil
}

// call performs one request/response exchange over the socket.
func (c *WSClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if c.closed.Load() {
		return fmt.Errorf("client closed")
	}

	reqID := c.requestID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: reqID, Method: method, Params: params}

	respCh := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respCh
	c.pendingMu.Unlock()

	dropPending := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	c.connMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(req)
	c.connMu.Unlock()
	if err != nil {
		dropPending()
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			if resp.Error.Code == rpcErrLimitExceeded {
				return fmt.Errorf("%s: %w", c.endpoint, ErrRateLimited)
			}
			return resp.Error
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-time.After(c.config.CallTimeout):
		dropPending()
		return fmt.Errorf("%s timeout after %s", method, c.config.CallTimeout)
	case <-ctx.Done():
		dropPending()
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("client closed")
	}
}

// Close closes the connection and all subscription channels.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	c.connMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.config.WriteTimeout))
	c.conn.Close()
	c.connMu.Unlock()

	c.wg.Wait()

	c.subsMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()

	return nil
}

// readLoop reads messages and dispatches them to pending calls and
// subscriptions until the connection fails or the client closes.
func (c *WSClient) readLoop() {
	defer c.wg.Done()

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				select {
				case c.errs <- fmt.Errorf("websocket read: %w", err):
				default:
				}
			}
			return
		}
		c.dispatch(message)
	}
}

// dispatch routes one message to its pending call or subscription.
func (c *WSClient) dispatch(message []byte) {
	var notif struct {
		Method string `json:"method"`
		Params struct {
			Subscription string          `json:"subscription"`
			Result       json.RawMessage `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(message, &notif); err == nil && notif.Method == "eth_subscription" {
		var lg Log
		if err := json.Unmarshal(notif.Params.Result, &lg); err != nil {
			// Malformed notification; skip, the subscription stays live.
			return
		}

		c.subsMu.RLock()
		ch, ok := c.subs[notif.Params.Subscription]
		c.subsMu.RUnlock()
		if !ok {
			return
		}

		select {
		case ch <- lg:
		case <-c.done:
		}
		return
	}

	var resp rpcResponse
	if err := json.Unmarshal(message, &resp); err != nil || resp.ID == 0 {
		return
	}

	c.pendingMu.Lock()
	respCh, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		respCh <- resp
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			// Error here means the connection is dying; readLoop reports it.
			c.conn.WriteMessage(websocket.PingMessage, nil)
			c.connMu.Unlock()
		}
	}
}
