// Package pricing turns token counts into integer cents.
package pricing

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Price is USD per million tokens.
type Price struct {
	InputPerMTok  float64 `yaml:"input"`
	OutputPerMTok float64 `yaml:"output"`
}

// Table is an immutable pricing snapshot. Build a new one to change prices.
type Table struct {
	models   map[string]Price
	families map[string]Price
	fallback Price
}

type tableFile struct {
	Default  *Price           `yaml:"default"`
	Models   map[string]Price `yaml:"models"`
	Families map[string]Price `yaml:"families"`
}

// fallbackPrice is charged for unknown models, high enough that an
// unpriced model cannot overspend silently.
var fallbackPrice = Price{InputPerMTok: 15, OutputPerMTok: 75}

// DefaultTable returns the built-in prices.
func DefaultTable() *Table {
	return &Table{
		models: map[string]Price{
			"gpt-4o":                 {InputPerMTok: 2.5, OutputPerMTok: 10},
			"gpt-4o-2024-11-20":      {InputPerMTok: 2.5, OutputPerMTok: 10},
			"gpt-4o-mini":            {InputPerMTok: 0.15, OutputPerMTok: 0.60},
			"gpt-4o-mini-2024-07-18": {InputPerMTok: 0.15, OutputPerMTok: 0.60},
			"gpt-4.1":                {InputPerMTok: 2, OutputPerMTok: 8},
			"gpt-4.1-mini":           {InputPerMTok: 0.4, OutputPerMTok: 1.6},
			"gpt-4.1-nano":           {InputPerMTok: 0.1, OutputPerMTok: 0.4},
			"o3":                     {InputPerMTok: 2, OutputPerMTok: 8},
			"o4-mini":                {InputPerMTok: 1.1, OutputPerMTok: 4.4},
			"gpt-3.5-turbo":          {InputPerMTok: 0.5, OutputPerMTok: 1.5},
		},
		families: map[string]Price{
			"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
			"gpt-4o":        {InputPerMTok: 2.5, OutputPerMTok: 10},
			"gpt-4.1-nano":  {InputPerMTok: 0.1, OutputPerMTok: 0.4},
			"gpt-4.1-mini":  {InputPerMTok: 0.4, OutputPerMTok: 1.6},
			"gpt-4.1":       {InputPerMTok: 2, OutputPerMTok: 8},
			"gpt-4":         {InputPerMTok: 10, OutputPerMTok: 30},
			"gpt-3.5-turbo": {InputPerMTok: 0.5, OutputPerMTok: 1.5},
			"o4-mini":       {InputPerMTok: 1.1, OutputPerMTok: 4.4},
			"o3":            {InputPerMTok: 2, OutputPerMTok: 8},
		},
		fallback: fallbackPrice,
	}
}

// NewTable builds a table from explicit maps. A zero fallback uses the
// conservative built-in fallback.
func NewTable(models, families map[string]Price, fallback Price) *Table {
	t := &Table{
		models:   make(map[string]Price, len(models)),
		families: make(map[string]Price, len(families)),
		fallback: fallback,
	}
	for k, v := range models {
		t.models[k] = v
	}
	for k, v := range families {
		t.families[k] = v
	}
	if t.fallback == (Price{}) {
		t.fallback = fallbackPrice
	}
	return t
}

// LoadTable reads a YAML pricing file. An empty path returns DefaultTable.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}

	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	if len(f.Models) == 0 && len(f.Families) == 0 {
		return nil, fmt.Errorf("pricing file %s defines no models or families", path)
	}

	for name, p := range f.Models {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
	}
	for name, p := range f.Families {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("family %q: %w", name, err)
		}
	}

	var fallback Price
	if f.Default != nil {
		if err := f.Default.validate(); err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		fallback = *f.Default
	}
	return NewTable(f.Models, f.Families, fallback), nil
}

func (p Price) validate() error {
	if p.InputPerMTok < 0 || p.OutputPerMTok < 0 {
		return fmt.Errorf("prices must be non-negative")
	}
	return nil
}

// Lookup returns the price for model: exact match, then the longest
// matching family prefix, then the fallback.
func (t *Table) Lookup(model string) Price {
	if p, ok := t.models[model]; ok {
		return p
	}

	best := ""
	var bestPrice Price
	for prefix, p := range t.families {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			bestPrice = p
		}
	}
	if best != "" {
		return bestPrice
	}
	return t.fallback
}

// CostCents prices a call in whole cents, rounding any fraction up. The
// same function sizes reservations and settlements, so an exact estimate
// settles to a zero delta.
func (t *Table) CostCents(model string, promptTokens, completionTokens int64) int64 {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	p := t.Lookup(model)

	// Prices become hundredths of a cent per million tokens so the sum is
	// exact integer arithmetic.
	in := toCentiCents(p.InputPerMTok)
	out := toCentiCents(p.OutputPerMTok)
	total := promptTokens*in + completionTokens*out
	const divisor = 1_000_000 * 100
	return (total + divisor - 1) / divisor
}

func toCentiCents(usdPerMTok float64) int64 {
	return int64(math.Round(usdPerMTok * 100 * 100))
}

// EstimatePromptTokens is a cheap upper-leaning guess: about four
// characters per token plus a fixed request overhead.
func EstimatePromptTokens(text string) int64 {
	const overhead = 3
	return (int64(len(text))+3)/4 + overhead
}
