package fetcher

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

// SourceAdapter normalizes one external price source. FetchPrices never fails
// as a whole: a symbol that cannot be read is omitted from the result and the
// omission is logged with its cause. Each adapter owns its own endpoint
// selection and fallback policy.
type SourceAdapter interface {
	SourceID() string
	FetchPrices(ctx context.Context, symbols []string) []oracle.PriceObservation
}

// ReferencePricer serves the external reference price for cross-checking.
type ReferencePricer interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
