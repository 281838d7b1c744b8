// Package cost prices provider usage so every truth record carries the
// spend that produced it.
package cost

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic          map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	PerplexityPerQuery float64              `yaml:"perplexity_per_query" mapstructure:"perplexity_per_query"`
}

// DefaultRates returns pricing for the models the pipeline runs by default.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		},
		PerplexityPerQuery: 0.005,
	}
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call. Unknown models cost 0.
func (c *Calculator) Claude(model string, input, output int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Search computes the cost for evidence provider queries.
func (c *Calculator) Search(queries int) float64 {
	return float64(queries) * c.rates.PerplexityPerQuery
}
