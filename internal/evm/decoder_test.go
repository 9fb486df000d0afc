package evm

import (
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTradeSig = "Trade(address,address,uint256,uint256,bool)"

func word(v *big.Int) string {
	return fmt.Sprintf("%064x", v)
}

func addressWord(addr string) string {
	return strings.Repeat("0", 24) + strings.TrimPrefix(addr, "0x")
}

func tradeLogFixture(topic string, eth, token *big.Int, isBuy bool) Log {
	buyWord := big.NewInt(0)
	if isBuy {
		buyWord = big.NewInt(1)
	}
	return Log{
		Address: "0x1111111111111111111111111111111111111111",
		Topics: []string{
			topic,
			"0x" + addressWord("0xaabbccddeeff00112233445566778899aabbccdd"),
		},
		Data: "0x" +
			addressWord("0x9999999999999999999999999999999999999999") +
			word(eth) +
			word(token) +
			word(buyWord),
		TxHash:   "0xdeadbeef",
		LogIndex: "0x2",
	}
}

func TestEventTopic(t *testing.T) {
	topic := EventTopic(testTradeSig)

	assert.True(t, strings.HasPrefix(topic, "0x"))
	assert.Len(t, topic, 66)
	// keccak256 is deterministic
	assert.Equal(t, topic, EventTopic(testTradeSig))
	assert.NotEqual(t, topic, EventTopic("Transfer(address,address,uint256)"))
}

func TestDecodeTradeLog(t *testing.T) {
	topic := EventTopic(testTradeSig)
	eth := new(big.Int)
	eth.SetString("2000000000000000000", 10) // 2 ETH
	token := new(big.Int)
	token.SetString("500000000000000000000", 10) // 500 tokens

	decoded, err := DecodeTradeLog(tradeLogFixture(topic, eth, token, true), topic)
	require.NoError(t, err)

	assert.Equal(t, "0xaabbccddeeff00112233445566778899aabbccdd", decoded.Token)
	assert.Equal(t, "0x9999999999999999999999999999999999999999", decoded.Trader)
	assert.Zero(t, decoded.EthAmount.Cmp(eth))
	assert.Zero(t, decoded.TokenAmount.Cmp(token))
	assert.True(t, decoded.IsBuy)
	assert.Equal(t, "0xdeadbeef", decoded.TxHash)
	assert.Equal(t, uint(2), decoded.LogIndex)
}

func TestDecodeTradeLog_WrongTopic(t *testing.T) {
	topic := EventTopic(testTradeSig)
	lg := tradeLogFixture(EventTopic("Transfer(address,address,uint256)"), big.NewInt(1), big.NewInt(1), false)

	_, err := DecodeTradeLog(lg, topic)
	assert.Error(t, err)
}

func TestDecodeTradeLog_ShortData(t *testing.T) {
	topic := EventTopic(testTradeSig)
	lg := tradeLogFixture(topic, big.NewInt(1), big.NewInt(1), false)
	lg.Data = "0x1234"

	_, err := DecodeTradeLog(lg, topic)
	assert.Error(t, err)
}

func TestDecodeTradeLog_MissingTopics(t *testing.T) {
	topic := EventTopic(testTradeSig)
	lg := tradeLogFixture(topic, big.NewInt(1), big.NewInt(1), false)
	lg.Topics = lg.Topics[:1]

	_, err := DecodeTradeLog(lg, topic)
	assert.Error(t, err)
}

func TestParseHexUint64(t *testing.T) {
	v, err := parseHexUint64("0x1a")
	require.NoError(t, err)
	assert.Equal(t, uint64(26), v)

	_, err = parseHexUint64("26")
	assert.Error(t, err)

	_, err = parseHexUint64("0x")
	assert.Error(t, err)
}
