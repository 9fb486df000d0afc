// Package broadcast fans live candles out to WebSocket subscribers.
package broadcast

import (
	"encoding/json"

	"dex-kline-feed/internal/domain"
)

// Frame types exchanged on /kline-ws. Every frame is JSON
// {type, data?, timestamp?}.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeKlineUpdate = "kline_update"
	TypeError       = "error"
)

// Error codes carried in error frames.
const (
	CodeBadFrame         = "bad_frame"
	CodeBadSubscription  = "bad_subscription"
	CodeUnknownFrameType = "unknown_frame_type"
)

// Frame is the envelope for every client message. Data stays raw until
// the type is known.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// OutFrame is the envelope for every server message.
type OutFrame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// SubscriptionRequest is the data of subscribe and unsubscribe frames.
type SubscriptionRequest struct {
	Network     string   `json:"network"`
	PairAddress string   `json:"pairAddress"`
	Intervals   []string `json:"intervals"`
}

// KlineUpdate is the data of kline_update frames.
type KlineUpdate struct {
	Network     string           `json:"network"`
	PairAddress string           `json:"pairAddress"`
	Klines      []*domain.Candle `json:"klines"`
}

// ErrorData is the data of error frames.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
