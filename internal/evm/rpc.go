// Package evm provides thin JSON-RPC clients for EVM nodes: an HTTP
// client for request/response calls and a WebSocket client for log
// subscriptions, plus a typed decoder for the Trade event.
package evm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrRateLimited reports an HTTP 429 or the JSON-RPC equivalent. Callers
// rotate to the next endpoint instead of retrying the same one.
var ErrRateLimited = errors.New("rpc endpoint rate limited")

// Client is the read-side RPC surface the ingestor needs from a node.
type Client interface {
	// BlockNumber returns the current head block height.
	BlockNumber(ctx context.Context) (uint64, error)

	// GetLogs returns logs matching the filter.
	GetLogs(ctx context.Context, q FilterQuery) ([]Log, error)
}

// FilterQuery selects logs by contract address and topic0.
type FilterQuery struct {
	// Address is the emitting contract, 0x-prefixed.
	Address string

	// Topics holds topic filters; position 0 is the event topic hash.
	Topics []string

	// FromBlock and ToBlock bound getLogs range queries. Zero values are
	// omitted (the node defaults apply).
	FromBlock uint64
	ToBlock   uint64
}

// Log is one raw EVM log entry as returned by the node.
type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

// LogIndexUint parses the hex log index. Malformed values decode to 0;
// the decoder rejects them before they matter.
func (l Log) LogIndexUint() uint {
	v, err := parseHexUint64(l.LogIndex)
	if err != nil {
		return 0
	}
	return uint(v)
}

// toFilterParam converts the query to the eth_getLogs/eth_subscribe
// parameter object.
func (q FilterQuery) toFilterParam(withRange bool) map[string]interface{} {
	param := map[string]interface{}{}
	if q.Address != "" {
		param["address"] = q.Address
	}
	if len(q.Topics) > 0 {
		param["topics"] = []interface{}{q.Topics}
	}
	if withRange {
		if q.FromBlock > 0 {
			param["fromBlock"] = hexUint64(q.FromBlock)
		}
		if q.ToBlock > 0 {
			param["toBlock"] = hexUint64(q.ToBlock)
		}
	}
	return param
}

func hexUint64(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func parseHexUint64(s string) (uint64, error) {
	stripped := strings.TrimPrefix(s, "0x")
	if stripped == "" || stripped == s {
		return 0, fmt.Errorf("not a hex quantity: %q", s)
	}
	return strconv.ParseUint(stripped, 16, 64)
}
