package cost

import (
	"strings"

	"github.com/sells-group/explain-cli/internal/model"
)

// Rates holds per-model pricing configuration.
type Rates struct {
	Models map[string]ModelRate `yaml:"models" mapstructure:"models"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for explanation usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Tokens computes the cost of one call to modelName. Names that do not match
// a configured model exactly fall back to the longest configured prefix, so
// "claude-sonnet-4-5-20250929" prices as "claude-sonnet-4-5".
func (c *Calculator) Tokens(modelName string, input, output int) float64 {
	rate, ok := c.lookup(modelName)
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Response computes the cost reported by a completed explanation.
func (c *Calculator) Response(resp *model.ExplainResponse) float64 {
	if resp == nil {
		return 0
	}
	return c.Tokens(resp.ModelUsed, resp.InputTokens, resp.OutputTokens)
}

// Known reports whether modelName has a configured rate.
func (c *Calculator) Known(modelName string) bool {
	_, ok := c.lookup(modelName)
	return ok
}

func (c *Calculator) lookup(modelName string) (ModelRate, bool) {
	if c == nil || modelName == "" {
		return ModelRate{}, false
	}
	if rate, ok := c.rates.Models[modelName]; ok {
		return rate, true
	}
	best := ""
	for name := range c.rates.Models {
		if strings.HasPrefix(modelName, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelRate{}, false
	}
	return c.rates.Models[best], true
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-haiku-4-5":  {Input: 1.00, Output: 5.00},
			"claude-sonnet-4-5": {Input: 3.00, Output: 15.00},
			"claude-opus-4":     {Input: 15.00, Output: 75.00},
			"gpt-4o-mini":       {Input: 0.15, Output: 0.60},
			"gpt-4o":            {Input: 2.50, Output: 10.00},
		},
	}
}
