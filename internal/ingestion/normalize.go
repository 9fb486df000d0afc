package ingestion

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dex-kline-feed/internal/domain"
	"dex-kline-feed/internal/evm"
)

// tokenDecimals is the fixed scale of on-chain token amounts.
const tokenDecimals = 18

// NormalizeTrade converts a decoded Trade log into a TradeEvent. Price
// is ethAmount/tokenAmount computed on the raw integers (both carry the
// same 18-decimal scale, so the ratio needs no rescaling); Amount is the
// token amount scaled to whole tokens. A zero token amount is malformed
// and the log is dropped.
func NormalizeTrade(network string, tl *evm.TradeLog, observedAtMillis int64) (*domain.TradeEvent, error) {
	if tl.TokenAmount == nil || tl.TokenAmount.Sign() == 0 {
		return nil, fmt.Errorf("trade %s[%d]: zero token amount", tl.TxHash, tl.LogIndex)
	}
	if tl.EthAmount == nil || tl.EthAmount.Sign() < 0 {
		return nil, fmt.Errorf("trade %s[%d]: bad eth amount", tl.TxHash, tl.LogIndex)
	}

	eth := decimal.NewFromBigInt(tl.EthAmount, 0)
	token := decimal.NewFromBigInt(tl.TokenAmount, 0)

	return &domain.TradeEvent{
		Network:          network,
		PairAddress:      tl.Token,
		Price:            eth.Div(token),
		Amount:           decimal.NewFromBigInt(tl.TokenAmount, -tokenDecimals),
		ObservedAtMillis: observedAtMillis,
		TxHash:           tl.TxHash,
		LogIndex:         tl.LogIndex,
	}, nil
}
