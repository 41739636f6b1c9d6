package pricing

import "strings"

// ModelPrice holds per-1K-token USD rates for one model.
type ModelPrice struct {
	InputUSDPer1K  float64
	OutputUSDPer1K float64
}

// DefaultTier is applied to models with no configured price so cost
// computation never fails on an unpriced model.
var DefaultTier = ModelPrice{InputUSDPer1K: 0.0005, OutputUSDPer1K: 0.0015}

// Table maps model identifiers to token prices.
type Table struct {
	prices   map[string]ModelPrice
	fallback ModelPrice
}

// NewTable builds a price table. A zero-valued fallback is replaced with
// DefaultTier.
func NewTable(prices map[string]ModelPrice, fallback ModelPrice) *Table {
	if fallback == (ModelPrice{}) {
		fallback = DefaultTier
	}
	table := &Table{
		prices:   make(map[string]ModelPrice, len(prices)),
		fallback: fallback,
	}
	for model, price := range prices {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		table.prices[model] = price
	}
	return table
}

// Price returns the configured price for a model, or the fallback tier when
// the model is unpriced.
func (t *Table) Price(modelID string) (ModelPrice, bool) {
	if t == nil {
		return DefaultTier, false
	}
	price, ok := t.prices[strings.TrimSpace(modelID)]
	if !ok {
		return t.fallback, false
	}
	return price, true
}

// Cost computes the USD cost of one result, linear in token counts. Unpriced
// models fall back to the default tier; Cost never fails.
func (t *Table) Cost(modelID string, inputTokens, outputTokens int64) float64 {
	price, _ := t.Price(modelID)
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return float64(inputTokens)/1000*price.InputUSDPer1K +
		float64(outputTokens)/1000*price.OutputUSDPer1K
}
