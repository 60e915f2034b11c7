package router

import (
	"errors"
	"fmt"
	"slices"
)

// Tier is a named complexity bucket.
type Tier string

const (
	TierSimple  Tier = "simple"
	TierMedium  Tier = "medium"
	TierComplex Tier = "complex"
)

// Tiers lists every tier a routing table must define.
var Tiers = []Tier{TierSimple, TierMedium, TierComplex}

// ErrUnknownTier reports a caller-supplied tier hint that is not one of Tiers.
var ErrUnknownTier = errors.New("router: unknown tier")

// ParseTier validates a tier hint. The empty string is allowed and means no
// hint.
func ParseTier(s string) (Tier, error) {
	tier := Tier(s)
	if s != "" && !slices.Contains(Tiers, tier) {
		return "", fmt.Errorf("%w %q (use simple, medium or complex)", ErrUnknownTier, s)
	}
	return tier, nil
}

// TierTable lists the candidate models of a tier and the task types that
// route to it.
type TierTable struct {
	Models    []string `yaml:"models" json:"models"`
	MaxTokens int      `yaml:"max_tokens" json:"max_tokens"`
	UseCases  []string `yaml:"use_cases" json:"use_cases"`
}

// Price is a per-1000-unit cost in cents.
type Price struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// Tables is the routing, pricing and latency data a Router works from.
type Tables struct {
	Tiers map[string]TierTable `yaml:"tiers" json:"tiers"`
	// Prices maps model id to cents per 1000 input/output units.
	Prices map[string]Price `yaml:"prices" json:"prices"`
	// Latencies maps model id to base latency in milliseconds.
	Latencies map[string]int `yaml:"latencies" json:"latencies"`
	// SmallInput is the length below which simple tasks route to the simple tier.
	SmallInput int `yaml:"small_input" json:"small_input"`
	// LargeInput is the length above which every task routes to the complex tier.
	LargeInput int `yaml:"large_input" json:"large_input"`
	// AssumedOutput is the output length used for cost estimates.
	AssumedOutput int `yaml:"assumed_output" json:"assumed_output"`
}

// DefaultTables returns the built-in routing tables.
func DefaultTables() Tables {
	return Tables{
		Tiers: map[string]TierTable{
			string(TierSimple): {
				Models:    []string{"gpt-4o-mini", "claude-haiku-4-5"},
				MaxTokens: 1000,
				UseCases:  []string{"classification", "extraction", "formatting", "validation"},
			},
			string(TierMedium): {
				Models:    []string{"gpt-4o", "claude-sonnet-4-5"},
				MaxTokens: 4000,
				UseCases:  []string{"summarization", "analysis", "brief_generation"},
			},
			string(TierComplex): {
				Models:    []string{"gpt-4-turbo", "claude-opus-4-1"},
				MaxTokens: 8000,
				UseCases:  []string{"creative_writing", "complex_analysis", "reasoning", "code_generation"},
			},
		},
		Prices: map[string]Price{
			"gpt-4o-mini":       {Input: 0.015, Output: 0.06},
			"claude-haiku-4-5":  {Input: 0.1, Output: 0.5},
			"gpt-4o":            {Input: 0.25, Output: 1.0},
			"claude-sonnet-4-5": {Input: 0.3, Output: 1.5},
			"gpt-4-turbo":       {Input: 1.0, Output: 3.0},
			"claude-opus-4-1":   {Input: 1.5, Output: 7.5},
		},
		Latencies: map[string]int{
			"gpt-4o-mini":       600,
			"claude-haiku-4-5":  700,
			"gpt-4o":            1500,
			"claude-sonnet-4-5": 1800,
			"gpt-4-turbo":       3000,
			"claude-opus-4-1":   3500,
		},
		SmallInput:    500,
		LargeInput:    2000,
		AssumedOutput: 500,
	}
}

// Validate reports inconsistent tables as configuration errors.
func (t Tables) Validate() error {
	for _, tier := range Tiers {
		table, ok := t.Tiers[string(tier)]
		if !ok {
			return fmt.Errorf("%w: tier %q is not defined", ErrConfig, tier)
		}
		if len(table.Models) == 0 {
			return fmt.Errorf("%w: tier %q has no candidate models", ErrConfig, tier)
		}
		for _, m := range table.Models {
			if _, ok := t.Prices[m]; !ok {
				return fmt.Errorf("%w: model %q of tier %q has no price", ErrConfig, m, tier)
			}
			if _, ok := t.Latencies[m]; !ok {
				return fmt.Errorf("%w: model %q of tier %q has no base latency", ErrConfig, m, tier)
			}
		}
	}
	for name := range t.Tiers {
		if !slices.Contains(Tiers, Tier(name)) {
			return fmt.Errorf("%w: unknown tier %q", ErrConfig, name)
		}
	}
	for m, p := range t.Prices {
		if p.Input < 0 || p.Output < 0 {
			return fmt.Errorf("%w: model %q has a negative price", ErrConfig, m)
		}
	}
	for m, l := range t.Latencies {
		if l < 0 {
			return fmt.Errorf("%w: model %q has a negative base latency", ErrConfig, m)
		}
	}
	if t.SmallInput < 0 || t.LargeInput < t.SmallInput {
		return fmt.Errorf("%w: input thresholds must satisfy 0 <= small_input <= large_input", ErrConfig)
	}
	if t.AssumedOutput < 0 {
		return fmt.Errorf("%w: assumed_output must not be negative", ErrConfig)
	}
	return nil
}
