// Package pricing provides the static per-model price table and the coarse
// cost estimation used for admission decisions.
//
// Estimation here is advisory: it gates requests against cost thresholds
// before any call is made, it does not produce billing-grade numbers. The
// token estimator is deliberately a character-count approximation, not a
// tokenizer.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/arbiterai/costgate/internal/money"
	"github.com/arbiterai/costgate/internal/pkg/config"
)

// Default prices applied to models missing from the table. Unknown models
// estimate at these rates rather than failing, since estimation is advisory.
const (
	DefaultInputPer1K  = "0.01"
	DefaultOutputPer1K = "0.03"
)

// DefaultAssumedOutputTokens is the output size assumed for a request when
// neither the model entry nor the table configures one.
const DefaultAssumedOutputTokens = 256

// charsPerToken is the average characters-per-token ratio the estimator
// divides by.
const charsPerToken = 4

// Price is the cost per 1K input and output tokens for one model.
type Price struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal

	// AssumedOutputTokens overrides the table default for this model when
	// positive.
	AssumedOutputTokens int
}

// Table is an explicitly constructed price lookup. It is immutable after
// construction; hot-reloading swaps the whole table.
type Table struct {
	prices              map[string]Price
	defaultPrice        Price
	assumedOutputTokens int
}

// NewTable builds a table from configuration. Malformed price strings are
// rejected here so the request path never parses.
func NewTable(cfg config.PricingConfig) (*Table, error) {
	def, err := parsePrice("default", cfg.Default)
	if err != nil {
		return nil, err
	}
	if def.InputPer1K.IsZero() && def.OutputPer1K.IsZero() {
		def, _ = parsePrice("default", config.ModelPriceConfig{
			InputPer1K:  DefaultInputPer1K,
			OutputPer1K: DefaultOutputPer1K,
		})
	}

	prices := make(map[string]Price, len(cfg.Models))
	for model, mc := range cfg.Models {
		p, err := parsePrice(model, mc)
		if err != nil {
			return nil, err
		}
		prices[model] = p
	}

	assumed := cfg.AssumedOutputTokens
	if assumed <= 0 {
		assumed = DefaultAssumedOutputTokens
	}

	return &Table{
		prices:              prices,
		defaultPrice:        def,
		assumedOutputTokens: assumed,
	}, nil
}

func parsePrice(model string, mc config.ModelPriceConfig) (Price, error) {
	p := Price{AssumedOutputTokens: mc.AssumedOutputTokens}

	var err error
	if mc.InputPer1K != "" {
		if p.InputPer1K, err = decimal.NewFromString(mc.InputPer1K); err != nil {
			return Price{}, fmt.Errorf("model %s: invalid input price %q: %w", model, mc.InputPer1K, err)
		}
	}
	if mc.OutputPer1K != "" {
		if p.OutputPer1K, err = decimal.NewFromString(mc.OutputPer1K); err != nil {
			return Price{}, fmt.Errorf("model %s: invalid output price %q: %w", model, mc.OutputPer1K, err)
		}
	}
	return p, nil
}

// PriceFor returns the model's price, or the default pair for unknown
// models.
func (t *Table) PriceFor(model string) Price {
	if p, ok := t.prices[model]; ok {
		return p
	}
	return t.defaultPrice
}

// Known reports whether the model has its own table entry.
func (t *Table) Known(model string) bool {
	_, ok := t.prices[model]
	return ok
}

// EstimateTokens approximates the token count of text as ceil(len/4).
// Deterministic and language-agnostic; close enough for advisory cost
// gating.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateCost prices the given token counts against the model's rates,
// rounded to six decimal places.
func (t *Table) EstimateCost(model string, inputTokens, outputTokens int) money.Micro {
	p := t.PriceFor(model)

	thousand := decimal.NewFromInt(1000)
	cost := decimal.NewFromInt(int64(inputTokens)).Div(thousand).Mul(p.InputPer1K).
		Add(decimal.NewFromInt(int64(outputTokens)).Div(thousand).Mul(p.OutputPer1K))

	return money.FromDecimal(cost)
}

// AssumedOutputTokens returns the output size to assume when estimating a
// request for the model before it runs.
func (t *Table) AssumedOutputTokens(model string) int {
	if p, ok := t.prices[model]; ok && p.AssumedOutputTokens > 0 {
		return p.AssumedOutputTokens
	}
	return t.assumedOutputTokens
}
