package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConsensusSample is the persisted summary of one evaluation cycle for one
// symbol, kept for the show/export surfaces and for post-incident review.
type ConsensusSample struct {
	Symbol         string
	Bucket         time.Time
	ConsensusPrice decimal.Decimal
	MaxDeviation   decimal.Decimal
	SpreadPercent  decimal.Decimal
	SourceCount    int
	Status         string
	Error          *string
	CreatedAt      time.Time
}
