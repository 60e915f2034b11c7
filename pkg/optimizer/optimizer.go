// Package optimizer ties the cache, router and compressor together for one
// logical AI call.
package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/callopt/pkg/cache/memory"
	"github.com/pario-ai/callopt/pkg/compress"
	"github.com/pario-ai/callopt/pkg/models"
	"github.com/pario-ai/callopt/pkg/router"
)

// GenerateFunc performs the actual model call. callCtx is the caller's
// context map with "model" set to the selected model id. Returned errors
// reach the Optimize caller unchanged.
type GenerateFunc func(ctx context.Context, prompt Prompt, callCtx map[string]any) (string, error)

// AuditSink receives one record per call. Writes are fire-and-forget.
type AuditSink interface {
	Log(ctx context.Context, entry models.OptimizationLog) error
}

// Recorder receives call metrics. *metrics.Recorder implements it.
type Recorder interface {
	ObserveCall(outcome string)
	ObserveGeneration(model string, d time.Duration)
}

// Config holds the defaults applied to every call.
type Config struct {
	CacheEnabled bool
	Namespace    string
	Version      string
	// TTL is the lifetime of cached results. Zero uses the store default.
	TTL                time.Duration
	CompressionEnabled bool
	MaxContextLength   int
	// SingleFlight shares one generation between concurrent identical misses.
	SingleFlight bool
}

// Deps are the collaborators an Optimizer works with. Router is required;
// Store is required when caching is enabled.
type Deps struct {
	Store      *memory.Store
	Router     *router.Router
	Compressor *compress.Compressor
	Logger     *slog.Logger
	Metrics    Recorder
	Audit      AuditSink
	Now        func() time.Time
}

// Outcome is the result of one Optimize call.
type Outcome struct {
	Output  string `json:"output,omitempty"`
	Cached  bool   `json:"cached"`
	Planned bool   `json:"planned"`
	// Prompt is what was, or would be, sent to the model.
	Prompt         Prompt           `json:"prompt"`
	Selection      router.Selection `json:"selection"`
	CacheKey       string           `json:"cache_key"`
	OriginalLength int              `json:"original_length"`
	Compressed     bool             `json:"compressed"`
	CachedAt       time.Time        `json:"cached_at,omitzero"`
}

// record is the cached form of a generated result.
type record struct {
	Output   string    `json:"output"`
	Model    string    `json:"model"`
	TaskType string    `json:"task_type"`
	Tier     string    `json:"tier"`
	CachedAt time.Time `json:"cached_at"`
}

// Optimizer decides whether a call can be served from cache and otherwise
// routes, compresses and generates it.
type Optimizer struct {
	cfg        Config
	store      *memory.Store
	router     *router.Router
	compressor *compress.Compressor
	logger     *slog.Logger
	metrics    Recorder
	audit      AuditSink
	now        func() time.Time

	group   *singleflight.Group
	pending sync.WaitGroup

	hits      atomic.Int64
	generated atomic.Int64
	planned   atomic.Int64
	failures  atomic.Int64
}

// New returns an Optimizer.
func New(cfg Config, deps Deps) (*Optimizer, error) {
	if deps.Router == nil {
		return nil, errors.New("optimizer: router is required")
	}
	if cfg.CacheEnabled && deps.Store == nil {
		return nil, errors.New("optimizer: cache enabled without a store")
	}
	if cfg.CompressionEnabled && cfg.MaxContextLength <= 0 {
		return nil, fmt.Errorf("optimizer: max context length must be positive, got %d", cfg.MaxContextLength)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "ai"
	}
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if deps.Compressor == nil {
		deps.Compressor = compress.New(compress.DefaultOptions())
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	o := &Optimizer{
		cfg:        cfg,
		store:      deps.Store,
		router:     deps.Router,
		compressor: deps.Compressor,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		audit:      deps.Audit,
		now:        deps.Now,
	}
	if cfg.SingleFlight {
		o.group = &singleflight.Group{}
	}
	return o, nil
}

// Optimize serves one AI call. A cache hit returns the stored output without
// routing, compressing or generating. On a miss the prompt is compressed when
// over budget, a model is selected and generate is called. A nil generate
// returns the planned call instead.
func (o *Optimizer) Optimize(ctx context.Context, prompt Prompt, callCtx map[string]any, generate GenerateFunc, opts ...CallOption) (*Outcome, error) {
	co := o.callOptions(opts)
	start := o.now()

	key, err := CacheKey(co.taskType, prompt, callCtx)
	if err != nil {
		o.failures.Add(1)
		o.observe(models.OutcomeError)
		return nil, err
	}

	if co.useCache {
		if out, ok := o.lookup(key, prompt); ok {
			o.hits.Add(1)
			o.finish(out, models.OutcomeHit, start, nil)
			return out, nil
		}
	}

	if generate == nil {
		out, err := o.plan(key, prompt, co)
		if err != nil {
			o.failures.Add(1)
			o.finish(out, models.OutcomeError, start, err)
			return nil, err
		}
		o.planned.Add(1)
		o.finish(out, models.OutcomePlanned, start, nil)
		return out, nil
	}

	var out *Outcome
	if o.group != nil && co.useCache {
		var v any
		var shared bool
		v, err, shared = o.group.Do(key, func() (any, error) {
			return o.generate(ctx, key, prompt, callCtx, generate, co)
		})
		if v != nil {
			out = v.(*Outcome)
			if shared {
				cp := *out
				out = &cp
			}
		}
	} else {
		out, err = o.generate(ctx, key, prompt, callCtx, generate, co)
	}
	if err != nil {
		o.failures.Add(1)
		o.finish(out, models.OutcomeError, start, err)
		return nil, err
	}
	o.generated.Add(1)
	o.finish(out, models.OutcomeGenerated, start, nil)
	return out, nil
}

func (o *Optimizer) callOptions(opts []CallOption) callOptions {
	co := callOptions{
		taskType:   DefaultTaskType,
		compress:   o.cfg.CompressionEnabled,
		maxContext: o.cfg.MaxContextLength,
		useCache:   o.cfg.CacheEnabled,
		ttl:        o.cfg.TTL,
	}
	for _, opt := range opts {
		opt(&co)
	}
	if co.taskType == "" {
		co.taskType = DefaultTaskType
	}
	if o.store == nil {
		co.useCache = false
	}
	return co
}

func (o *Optimizer) lookup(key string, prompt Prompt) (*Outcome, bool) {
	raw, ok := o.store.Get(o.cfg.Namespace, key, o.cfg.Version)
	if !ok {
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		o.logger.Warn("unreadable cached result", "cache_key", key, "error", err)
		return nil, false
	}
	return &Outcome{
		Output: rec.Output,
		Cached: true,
		Prompt: prompt,
		Selection: router.Selection{
			Model:    rec.Model,
			Tier:     router.Tier(rec.Tier),
			TaskType: rec.TaskType,
		},
		CacheKey:       key,
		OriginalLength: prompt.Length(),
		CachedAt:       rec.CachedAt,
	}, true
}

// plan compresses the prompt and selects a model.
func (o *Optimizer) plan(key string, prompt Prompt, co callOptions) (*Outcome, error) {
	out := &Outcome{
		Prompt:         prompt,
		CacheKey:       key,
		OriginalLength: prompt.Length(),
	}
	if co.compress && co.maxContext > 0 && out.OriginalLength > co.maxContext {
		if prompt.Structured() {
			fields, err := o.compressor.Fields(prompt.Fields, co.maxContext)
			if err != nil {
				return out, err
			}
			out.Prompt = FieldsPrompt(fields)
		} else {
			out.Prompt = TextPrompt(o.compressor.Text(prompt.Text, co.maxContext))
		}
		out.Compressed = true
	}

	sel, err := o.router.SelectModel(co.taskType, out.Prompt.Length(), co.complexity)
	if err != nil {
		return out, err
	}
	out.Selection = sel
	out.Planned = true
	return out, nil
}

func (o *Optimizer) generate(ctx context.Context, key string, prompt Prompt, callCtx map[string]any, generate GenerateFunc, co callOptions) (*Outcome, error) {
	out, err := o.plan(key, prompt, co)
	if err != nil {
		return out, err
	}
	out.Planned = false

	merged := make(map[string]any, len(callCtx)+1)
	for k, v := range callCtx {
		merged[k] = v
	}
	merged["model"] = out.Selection.Model

	began := o.now()
	output, err := generate(ctx, out.Prompt, merged)
	if o.metrics != nil {
		o.metrics.ObserveGeneration(out.Selection.Model, o.now().Sub(began))
	}
	if err != nil {
		return out, err
	}
	out.Output = output

	if co.useCache {
		o.save(key, out, co.ttl)
	}
	return out, nil
}

// save stores a generated result. Failures are logged and never reach the
// caller.
func (o *Optimizer) save(key string, out *Outcome, ttl time.Duration) {
	now := o.now()
	raw, err := json.Marshal(record{
		Output:   out.Output,
		Model:    out.Selection.Model,
		TaskType: out.Selection.TaskType,
		Tier:     string(out.Selection.Tier),
		CachedAt: now,
	})
	if err != nil {
		o.logger.Warn("cache write failed", "cache_key", key, "error", err)
		return
	}
	o.store.Set(o.cfg.Namespace, key, raw, ttl, o.cfg.Version)
	out.CachedAt = now
}

func (o *Optimizer) observe(outcome string) {
	if o.metrics != nil {
		o.metrics.ObserveCall(outcome)
	}
}

// finish records metrics and hands an audit entry to the sink.
func (o *Optimizer) finish(out *Outcome, outcome string, start time.Time, callErr error) {
	o.observe(outcome)
	if callErr != nil {
		o.logger.Debug("optimize failed", "outcome", outcome, "error", callErr)
	}
	if o.audit == nil {
		return
	}

	entry := models.OptimizationLog{
		Outcome:       outcome,
		LatencyMillis: o.now().Sub(start).Milliseconds(),
		CreatedAt:     start.UTC(),
	}
	if out != nil {
		entry.TaskType = out.Selection.TaskType
		entry.Model = out.Selection.Model
		entry.Tier = string(out.Selection.Tier)
		entry.CacheKey = out.CacheKey
		entry.OriginalLength = out.OriginalLength
		entry.PromptLength = out.Prompt.Length()
		entry.Compressed = out.Compressed
		entry.EstimatedCostCents = out.Selection.EstimatedCostCents
		entry.EstimatedLatencyMillis = out.Selection.EstimatedLatencyMillis
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		if err := o.audit.Log(context.Background(), entry); err != nil {
			o.logger.Warn("audit log failed", "error", err)
		}
	}()
}

// Wait blocks until queued audit writes have finished.
func (o *Optimizer) Wait() {
	o.pending.Wait()
}

// Stats returns cache, usage and call counters.
func (o *Optimizer) Stats() models.OptimizerStats {
	var st models.OptimizerStats
	if o.store != nil {
		st.Cache = o.store.Stats()
	}
	st.Usage = o.router.Usage()
	st.Calls = models.CallStats{
		Hits:      o.hits.Load(),
		Generated: o.generated.Load(),
		Planned:   o.planned.Load(),
		Errors:    o.failures.Load(),
	}
	return st
}

// Router returns the router the optimizer selects models with.
func (o *Optimizer) Router() *router.Router { return o.router }

// Compressor returns the compressor used for oversized prompts.
func (o *Optimizer) Compressor() *compress.Compressor { return o.compressor }

// Store returns the cache store, or nil when caching is disabled.
func (o *Optimizer) Store() *memory.Store { return o.store }
