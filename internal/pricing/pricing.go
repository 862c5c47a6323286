// Package pricing holds the per-model token price table and the cost
// estimator used for every routed request.
package pricing

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/tierroute/tierroute/pkg/models"
)

// Precision is the number of decimal places kept in USD estimates.
const Precision = 8

// Price is the USD cost of a single token in each direction.
type Price struct {
	In  float64 `json:"in"`
	Out float64 `json:"out"`
}

// Table maps model identifiers to prices. It is read-only after startup.
type Table struct {
	prices map[string]Price
}

// DefaultPrices ships zero prices for the default tier models; real numbers
// come from PRICING_JSON.
var DefaultPrices = map[string]Price{
	"gemini-2.0-flash-lite": {In: 0, Out: 0},
	"gemini-2.5-flash":      {In: 0, Out: 0},
	"gemini-2.5-pro":        {In: 0, Out: 0},
}

// NewTable copies prices into a new table. Negative prices are clamped to
// zero so estimates can never go below zero.
func NewTable(prices map[string]Price) *Table {
	t := &Table{prices: make(map[string]Price, len(prices))}
	for model, p := range prices {
		t.prices[model] = Price{In: math.Max(0, p.In), Out: math.Max(0, p.Out)}
	}
	return t
}

// ParseJSON decodes a table of the form {"model":{"in":0.000001,"out":0.000002}}.
func ParseJSON(raw string) (*Table, error) {
	var prices map[string]Price
	if err := json.Unmarshal([]byte(raw), &prices); err != nil {
		return nil, fmt.Errorf("parse pricing json: %w", err)
	}
	return NewTable(prices), nil
}

// Lookup returns the price for model and whether it is known.
func (t *Table) Lookup(model string) (Price, bool) {
	p, ok := t.prices[model]
	return p, ok
}

// Models lists the priced models in sorted order.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.prices))
	for m := range t.prices {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Estimate prices a call. Unknown models cost zero; negative token counts
// are treated as zero.
func (t *Table) Estimate(model string, tokensIn, tokensOut int64) models.CostEstimate {
	if tokensIn < 0 {
		tokensIn = 0
	}
	if tokensOut < 0 {
		tokensOut = 0
	}
	p := t.prices[model]
	usd := float64(tokensIn)*p.In + float64(tokensOut)*p.Out
	return models.CostEstimate{
		USD:       Round(usd, Precision),
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}
}

// EstimateUsage prices a call from provider usage, falling back to the
// classifier's token estimate for input and zero for output when the
// provider did not report counts.
func (t *Table) EstimateUsage(model string, usage models.Usage, tokensEstimate int) models.CostEstimate {
	in := int64(tokensEstimate)
	if usage.InputTokens != nil {
		in = *usage.InputTokens
	}
	var out int64
	if usage.OutputTokens != nil {
		out = *usage.OutputTokens
	}
	return t.Estimate(model, in, out)
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}
