package router

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/pario-ai/callopt/pkg/models"
)

// ErrConfig marks inconsistent routing tables. It indicates a deployment
// problem and must not be worked around.
var ErrConfig = errors.New("router: configuration error")

// Selection is the outcome of routing one call.
type Selection struct {
	Model                  string `json:"model"`
	Tier                   Tier   `json:"tier"`
	TaskType               string `json:"task_type"`
	InputLength            int    `json:"input_length"`
	EstimatedCostCents     int    `json:"estimated_cost_cents"`
	EstimatedLatencyMillis int    `json:"estimated_latency_ms"`
}

// Observer is notified of every selection. A nil Observer is allowed.
type Observer interface {
	ObserveModelSelection(model, taskType, tier string)
}

type usageKey struct {
	model, taskType string
	tier            Tier
}

// Router picks a model for a task from static tables.
type Router struct {
	tables       Tables
	simpleTasks  map[string]bool
	complexTasks map[string]bool
	observer     Observer

	mu    sync.Mutex
	usage map[usageKey]int64
}

// New validates the tables and returns a Router. obs may be nil.
func New(tables Tables, obs Observer) (*Router, error) {
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	return &Router{
		tables:       tables,
		simpleTasks:  toSet(tables.Tiers[string(TierSimple)].UseCases),
		complexTasks: toSet(tables.Tiers[string(TierComplex)].UseCases),
		observer:     obs,
		usage:        make(map[usageKey]int64),
	}, nil
}

// SelectModel routes a task. The hint defaults to medium; small simple tasks
// drop to the simple tier and large or inherently complex tasks rise to the
// complex tier. The first candidate of the tier is always chosen. A hint
// outside Tiers fails with ErrUnknownTier.
func (r *Router) SelectModel(taskType string, inputLength int, hint Tier) (Selection, error) {
	tier, err := ParseTier(string(hint))
	if err != nil {
		return Selection{}, err
	}
	if tier == "" {
		tier = TierMedium
	}
	if inputLength < r.tables.SmallInput && r.simpleTasks[taskType] {
		tier = TierSimple
	}
	if inputLength > r.tables.LargeInput || r.complexTasks[taskType] {
		tier = TierComplex
	}

	table, ok := r.tables.Tiers[string(tier)]
	if !ok {
		return Selection{}, fmt.Errorf("%w: unknown tier %q", ErrConfig, tier)
	}
	if len(table.Models) == 0 {
		return Selection{}, fmt.Errorf("%w: tier %q has no candidate models", ErrConfig, tier)
	}
	model := table.Models[0]

	cost, err := r.EstimateCost(model, inputLength)
	if err != nil {
		return Selection{}, err
	}
	latency, err := r.EstimateLatency(model, inputLength)
	if err != nil {
		return Selection{}, err
	}

	r.mu.Lock()
	r.usage[usageKey{model: model, taskType: taskType, tier: tier}]++
	r.mu.Unlock()
	if r.observer != nil {
		r.observer.ObserveModelSelection(model, taskType, string(tier))
	}

	return Selection{
		Model:                  model,
		Tier:                   tier,
		TaskType:               taskType,
		InputLength:            inputLength,
		EstimatedCostCents:     cost,
		EstimatedLatencyMillis: latency,
	}, nil
}

// EstimateCost returns the estimated cost in cents, rounded up, of sending
// inputLength units to model and receiving the assumed output length.
func (r *Router) EstimateCost(model string, inputLength int) (int, error) {
	p, ok := r.tables.Prices[model]
	if !ok {
		return 0, fmt.Errorf("%w: no price for model %q", ErrConfig, model)
	}
	in := float64(max(inputLength, 0)) / 1000 * p.Input
	out := float64(r.tables.AssumedOutput) / 1000 * p.Output
	return int(math.Ceil(in + out)), nil
}

// EstimateLatency returns the base latency of model plus a logarithmic
// penalty for inputs longer than 100 units.
func (r *Router) EstimateLatency(model string, inputLength int) (int, error) {
	base, ok := r.tables.Latencies[model]
	if !ok {
		return 0, fmt.Errorf("%w: no base latency for model %q", ErrConfig, model)
	}
	if inputLength <= 100 {
		return base, nil
	}
	return base + int(math.Round(math.Log(float64(inputLength)/100)*100)), nil
}

// Usage returns a snapshot of selection counts ordered by model, task and tier.
func (r *Router) Usage() []models.UsageStat {
	r.mu.Lock()
	stats := make([]models.UsageStat, 0, len(r.usage))
	for k, n := range r.usage {
		stats = append(stats, models.UsageStat{
			Model:    k.model,
			TaskType: k.taskType,
			Tier:     string(k.tier),
			Count:    n,
		})
	}
	r.mu.Unlock()

	slices.SortFunc(stats, func(a, b models.UsageStat) int {
		return cmp.Or(
			cmp.Compare(a.Model, b.Model),
			cmp.Compare(a.TaskType, b.TaskType),
			cmp.Compare(a.Tier, b.Tier),
		)
	})
	return stats
}

// Tables returns the routing tables the Router was built with.
func (r *Router) Tables() Tables {
	return r.tables
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
