package consensus

import (
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

// Engine computes a consensus price and per-source deviation metrics from one
// evaluation window of observations.
type Engine struct {
	logger zerolog.Logger
}

// New constructs a consensus engine.
func New(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger.With().Str("component", "consensus").Logger()}
}

// Compute derives the consensus for one symbol. Observations with
// non-positive prices are discarded first; with none left the result carries
// SourceCount == 0 and no price or deviation fields.
func (e *Engine) Compute(symbol string, observations []oracle.PriceObservation) oracle.ConsensusResult {
	valid := make([]oracle.PriceObservation, 0, len(observations))
	for _, obs := range observations {
		if !obs.Valid() {
			e.logger.Debug().Str("source", obs.Source).Str("symbol", symbol).Msg("discarding non-positive price")
			continue
		}
		valid = append(valid, obs)
	}

	if len(valid) == 0 {
		return oracle.ConsensusResult{Symbol: symbol}
	}

	prices := make([]decimal.Decimal, len(valid))
	for i, obs := range valid {
		prices[i] = obs.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })

	// Lower-middle median on even counts keeps results deterministic.
	consensusPrice := prices[(len(prices)-1)/2]

	result := oracle.ConsensusResult{
		Symbol:             symbol,
		ConsensusPrice:     consensusPrice,
		PerSourceDeviation: make(map[string]decimal.Decimal, len(valid)),
		SourceCount:        len(valid),
	}

	for _, obs := range valid {
		deviation := obs.Price.Sub(consensusPrice).Div(consensusPrice)
		result.PerSourceDeviation[obs.Source] = deviation
		if deviation.Abs().GreaterThan(result.MaxDeviation) {
			result.MaxDeviation = deviation.Abs()
		}
	}

	result.SpreadAbsolute = prices[len(prices)-1].Sub(prices[0])
	result.SpreadPercent = result.SpreadAbsolute.Div(consensusPrice)

	return result
}
