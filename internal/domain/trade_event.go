package domain

import "github.com/shopspring/decimal"

// TradeEvent is one normalized on-chain trade. Produced once per log by
// the ingestor and never mutated afterwards.
//
// Price is quoted in the chain's native coin per token
// (ethAmount / tokenAmount) and PairAddress is the traded token's
// contract address. Both conventions are canonical across the pipeline.
type TradeEvent struct {
	Network          string
	PairAddress      string
	Price            decimal.Decimal
	Amount           decimal.Decimal
	ObservedAtMillis int64

	// TxHash and LogIndex carry the log identity for ordering and debugging.
	TxHash   string
	LogIndex uint
}
