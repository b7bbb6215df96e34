package pricing

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Price holds exact per-token costs for one model.
type Price struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// Table maps canonical model names to per-token costs plus optional
// model-name aliases used when forwarding to the backend. Unknown models
// fall back to a zero-cost default entry so ledgering never fails on an
// unpriced model.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Price
	aliases map[string]string
}

// fileFormat is the YAML layout accepted by LoadFile.
type fileFormat struct {
	Models map[string]struct {
		InputCostPerToken  string `yaml:"input_cost_per_token"`
		OutputCostPerToken string `yaml:"output_cost_per_token"`
	} `yaml:"models"`
	Aliases map[string]string `yaml:"aliases"`
}

// NewTable returns an empty table with only the zero-cost default.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]Price),
		aliases: make(map[string]string),
	}
}

// Default returns a table preloaded with the built-in per-token costs.
func Default() *Table {
	t := NewTable()
	for model, costs := range builtinCosts {
		t.entries[model] = Price{
			Input:  decimal.RequireFromString(costs[0]),
			Output: decimal.RequireFromString(costs[1]),
		}
	}
	for alias, target := range builtinAliases {
		t.aliases[alias] = target
	}
	return t
}

var builtinCosts = map[string][2]string{
	"gpt-4.1":              {"0.00000200", "0.00000800"},
	"gpt-4.1-mini":         {"0.00000040", "0.00000160"},
	"gpt-4.1-nano":         {"0.00000010", "0.00000040"},
	"gpt-4o":               {"0.00000500", "0.00001500"},
	"gpt-4o-mini":          {"0.00000015", "0.00000060"},
	"o3-mini":              {"0", "0"},
	"deepseek-r1":          {"0.00000800", "0.00000800"},
	"deepseek-v3":          {"0", "0"},
	"llama-4-scout":        {"0.00000011", "0.00000034"},
	"llama-4-maverick":     {"0.00000050", "0.00000077"},
	"mistral-large-latest": {"0.00000800", "0.00002400"},
	"mistral-small":        {"0.00000200", "0.00000600"},
	"gemini-2.5-flash-preview-04-17": {"0.00000015", "0.00000060"},
	"gemini-2.5-pro-exp-03-25":       {"0.00000125", "0.00001000"},
	"gpt-3.5-turbo":                  {"0.0000005", "0.0000015"},
}

// builtinAliases forwards well-known names to backend model ids.
var builtinAliases = func() map[string]string {
	aliases := make(map[string]string, len(builtinCosts))
	for model := range builtinCosts {
		if model == "gpt-3.5-turbo" {
			continue
		}
		aliases[model] = "provider-4/" + model
	}
	return aliases
}()

// Lookup returns the price entry for model, or the zero-cost default when
// the model is unknown.
func (t *Table) Lookup(model string) Price {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.entries[strings.TrimSpace(model)]; ok {
		return p
	}
	return Price{Input: decimal.Zero, Output: decimal.Zero}
}

// Cost computes inputTokens*input + outputTokens*output exactly.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) decimal.Decimal {
	p := t.Lookup(model)
	in := decimal.NewFromInt(inputTokens).Mul(p.Input)
	out := decimal.NewFromInt(outputTokens).Mul(p.Output)
	return in.Add(out)
}

// BackendModel maps a requested model name to the id sent upstream.
// Names without an alias pass through unchanged.
func (t *Table) BackendModel(model string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if target, ok := t.aliases[model]; ok {
		return target
	}
	return model
}

// LoadFile replaces the table contents from a YAML file.
func (t *Table) LoadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var parsed fileFormat
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return 0, fmt.Errorf("parse price table: %w", err)
	}

	entries := make(map[string]Price, len(parsed.Models))
	for model, costs := range parsed.Models {
		in, err := decimal.NewFromString(costs.InputCostPerToken)
		if err != nil {
			return 0, fmt.Errorf("model %q input cost: %w", model, err)
		}
		out, err := decimal.NewFromString(costs.OutputCostPerToken)
		if err != nil {
			return 0, fmt.Errorf("model %q output cost: %w", model, err)
		}
		entries[strings.TrimSpace(model)] = Price{Input: in, Output: out}
	}
	aliases := make(map[string]string, len(parsed.Aliases))
	for from, to := range parsed.Aliases {
		aliases[strings.TrimSpace(from)] = strings.TrimSpace(to)
	}

	t.mu.Lock()
	t.entries = entries
	t.aliases = aliases
	t.mu.Unlock()
	return len(entries), nil
}
