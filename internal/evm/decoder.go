package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// EventTopic returns the topic0 hash (0x-prefixed keccak256) for an
// event signature like "Trade(address,address,uint256,uint256,bool)".
func EventTopic(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// TradeLog is the decoded form of one Trade event:
//
//	event Trade(address indexed token, address trader,
//	            uint256 ethAmount, uint256 tokenAmount, bool isBuy)
//
// Amounts are raw 18-decimal integers as emitted on chain.
type TradeLog struct {
	Token       string
	Trader      string
	EthAmount   *big.Int
	TokenAmount *big.Int
	IsBuy       bool
	TxHash      string
	LogIndex    uint
}

const wordHexLen = 64 // one ABI word, hex encoded

// DecodeTradeLog decodes a raw log into a TradeLog, dispatching on the
// event topic hash. Logs for other events and structurally malformed
// logs return an error; the caller drops them.
func DecodeTradeLog(lg Log, tradeTopic string) (*TradeLog, error) {
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("log %s[%s]: expected at least 2 topics, got %d", lg.TxHash, lg.LogIndex, len(lg.Topics))
	}
	if !strings.EqualFold(lg.Topics[0], tradeTopic) {
		return nil, fmt.Errorf("log %s[%s]: topic %s is not the Trade event", lg.TxHash, lg.LogIndex, lg.Topics[0])
	}

	token, err := addressFromTopic(lg.Topics[1])
	if err != nil {
		return nil, fmt.Errorf("log %s[%s]: token topic: %w", lg.TxHash, lg.LogIndex, err)
	}

	data := strings.TrimPrefix(lg.Data, "0x")
	if len(data) < 4*wordHexLen {
		return nil, fmt.Errorf("log %s[%s]: data too short: %d hex chars", lg.TxHash, lg.LogIndex, len(data))
	}

	trader, err := addressFromTopic("0x" + data[:wordHexLen])
	if err != nil {
		return nil, fmt.Errorf("log %s[%s]: trader word: %w", lg.TxHash, lg.LogIndex, err)
	}

	ethAmount, err := wordToBig(data[wordHexLen : 2*wordHexLen])
	if err != nil {
		return nil, fmt.Errorf("log %s[%s]: ethAmount word: %w", lg.TxHash, lg.LogIndex, err)
	}

	tokenAmount, err := wordToBig(data[2*wordHexLen : 3*wordHexLen])
	if err != nil {
		return nil, fmt.Errorf("log %s[%s]: tokenAmount word: %w", lg.TxHash, lg.LogIndex, err)
	}

	isBuyWord, err := wordToBig(data[3*wordHexLen : 4*wordHexLen])
	if err != nil {
		return nil, fmt.Errorf("log %s[%s]: isBuy word: %w", lg.TxHash, lg.LogIndex, err)
	}

	return &TradeLog{
		Token:       token,
		Trader:      trader,
		EthAmount:   ethAmount,
		TokenAmount: tokenAmount,
		IsBuy:       isBuyWord.Sign() != 0,
		TxHash:      lg.TxHash,
		LogIndex:    lg.LogIndexUint(),
	}, nil
}

// addressFromTopic extracts the address from a 32-byte topic or word.
func addressFromTopic(topic string) (string, error) {
	stripped := strings.TrimPrefix(topic, "0x")
	if len(stripped) != wordHexLen {
		return "", fmt.Errorf("expected 32-byte word, got %d hex chars", len(stripped))
	}
	if _, err := hex.DecodeString(stripped); err != nil {
		return "", fmt.Errorf("not hex: %w", err)
	}
	return "0x" + strings.ToLower(stripped[wordHexLen-40:]), nil
}

// wordToBig parses one ABI word into a big integer.
func wordToBig(word string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(word, 16)
	if !ok {
		return nil, fmt.Errorf("malformed word %q", word)
	}
	return v, nil
}
