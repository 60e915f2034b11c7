package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pario-ai/callopt/pkg/cache/memory"
	"github.com/pario-ai/callopt/pkg/config"
	"github.com/pario-ai/callopt/pkg/logging"
	"github.com/pario-ai/callopt/pkg/metrics"
	"github.com/pario-ai/callopt/pkg/models"
	"github.com/pario-ai/callopt/pkg/optimizer"
	"github.com/pario-ai/callopt/pkg/router"
)

type fakeClock struct{ now atomic.Int64 }

func (c *fakeClock) Now() time.Time { return time.Unix(0, c.now.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

type testEnv struct {
	srv   *Server
	calls *atomic.Int64
	clock *fakeClock
}

func setup(t *testing.T, mutate func(*config.Config), generate optimizer.GenerateFunc) testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Compression.MaxContextLength = 1000
	if mutate != nil {
		mutate(cfg)
	}

	clock := &fakeClock{}
	clock.now.Store(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC).UnixNano())
	rec := metrics.NewRecorder(nil)
	logger := logging.Discard()

	store, err := memory.New(memory.Options{
		MaxSize:    cfg.Cache.MaxSize,
		DefaultTTL: cfg.Cache.TTL,
		Logger:     logger,
		Observer:   rec,
		Now:        clock.Now,
	})
	require.NoError(t, err)
	r, err := router.New(cfg.Router, rec)
	require.NoError(t, err)
	opt, err := optimizer.New(optimizer.Config{
		CacheEnabled:       cfg.Cache.Enabled,
		TTL:                cfg.Cache.TTL,
		CompressionEnabled: cfg.Compression.Enabled,
		MaxContextLength:   cfg.Compression.MaxContextLength,
	}, optimizer.Deps{Store: store, Router: r, Logger: logger, Metrics: rec, Now: clock.Now})
	require.NoError(t, err)

	var calls atomic.Int64
	if generate == nil {
		generate = func(_ context.Context, p optimizer.Prompt, callCtx map[string]any) (string, error) {
			calls.Add(1)
			return fmt.Sprintf("%s answered %d chars", callCtx["model"], p.Length()), nil
		}
	}
	return testEnv{srv: New(cfg, opt, generate, rec, logger), calls: &calls, clock: clock}
}

func do(t *testing.T, srv *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestOptimizeCachesResult(t *testing.T) {
	env := setup(t, nil, nil)
	body := `{"prompt":"Summarize the survey.","context":{"project_id":1},"task_type":"summarization"}`

	w := do(t, env.srv, http.MethodPost, "/v1/optimize", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "miss", w.Header().Get("X-Callopt-Cache"))
	first := decode[optimizer.Outcome](t, w)
	require.Equal(t, "gpt-4o", first.Selection.Model)

	w = do(t, env.srv, http.MethodPost, "/v1/optimize", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hit", w.Header().Get("X-Callopt-Cache"))
	second := decode[optimizer.Outcome](t, w)
	require.Equal(t, first.Output, second.Output)
	require.Equal(t, int64(1), env.calls.Load())
}

func TestOptimizeCompressesAndDryRuns(t *testing.T) {
	env := setup(t, nil, nil)
	prompt := strings.Repeat("The stakeholder survey covers budget goals. ", 120)
	body, err := json.Marshal(map[string]any{"prompt": prompt, "dry_run": true})
	require.NoError(t, err)

	w := do(t, env.srv, http.MethodPost, "/v1/optimize", string(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[optimizer.Outcome](t, w)
	require.True(t, out.Planned)
	require.True(t, out.Compressed)
	require.LessOrEqual(t, out.Selection.InputLength, 1000)
	require.Zero(t, env.calls.Load())
}

func TestOptimizeStructuredPrompt(t *testing.T) {
	env := setup(t, nil, nil)
	w := do(t, env.srv, http.MethodPost, "/v1/optimize",
		`{"fields":{"answer":"ship it","debug":true},"task_type":"classification","cache":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[optimizer.Outcome](t, w)
	require.Equal(t, "gpt-4o-mini", out.Selection.Model)
	require.Equal(t, "miss", w.Header().Get("X-Callopt-Cache"))
}

func TestOptimizeValidation(t *testing.T) {
	env := setup(t, nil, nil)
	cases := map[string]string{
		"empty":    `{}`,
		"bad json": `{`,
		"bad tier": `{"prompt":"x","complexity":"extreme"}`,
		"bad ttl":  `{"prompt":"x","ttl":"soon"}`,
		"negative": `{"prompt":"x","ttl":"-1m"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, env.srv, http.MethodPost, "/v1/optimize", body)
			require.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w := do(t, env.srv, http.MethodGet, "/v1/optimize", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestOptimizeGenerationErrorIsGeneric500(t *testing.T) {
	failing := func(context.Context, optimizer.Prompt, map[string]any) (string, error) {
		return "", errors.New("provider openai: status 429: secret upstream detail")
	}
	env := setup(t, nil, failing)

	w := do(t, env.srv, http.MethodPost, "/v1/optimize", `{"prompt":"x"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "secret")

	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "callopt_error", body.Error.Type)
	require.Equal(t, 500, body.Error.Code)
}

func TestRoute(t *testing.T) {
	env := setup(t, nil, nil)

	w := do(t, env.srv, http.MethodPost, "/v1/route", `{"task_type":"classification","input_length":50}`)
	require.Equal(t, http.StatusOK, w.Code)
	sel := decode[router.Selection](t, w)
	require.Equal(t, router.TierSimple, sel.Tier)
	require.Equal(t, "gpt-4o-mini", sel.Model)

	w = do(t, env.srv, http.MethodPost, "/v1/route", `{"task_type":"summarization","input_length":5000}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, router.TierComplex, decode[router.Selection](t, w).Tier)

	w = do(t, env.srv, http.MethodPost, "/v1/route", `{"complexity":"huge"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompress(t *testing.T) {
	env := setup(t, nil, nil)
	text := strings.Repeat("Budget review matters. Lunch was fine. ", 20)
	body, err := json.Marshal(map[string]any{"text": text, "target": 60})
	require.NoError(t, err)

	w := do(t, env.srv, http.MethodPost, "/v1/compress", string(body))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[compressResponse](t, w)
	require.LessOrEqual(t, resp.Length, 60)
	require.Equal(t, len(text), resp.OriginalLength)

	w = do(t, env.srv, http.MethodPost, "/v1/compress",
		`{"fields":{"answer":"ok","metadata":{"a":1}},"target":10}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[compressResponse](t, w)
	require.Equal(t, map[string]any{"answer": "ok"}, resp.Fields)
}

func TestCacheStatsAndCleanup(t *testing.T) {
	env := setup(t, nil, nil)
	do(t, env.srv, http.MethodPost, "/v1/optimize", `{"prompt":"a"}`)
	do(t, env.srv, http.MethodPost, "/v1/optimize", `{"prompt":"a"}`)

	w := do(t, env.srv, http.MethodGet, "/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[models.CacheStats](t, w)
	require.Equal(t, 1, st.Size)
	require.InDelta(t, 0.5, st.HitRate, 1e-9)

	env.clock.Advance(2 * time.Hour)
	w = do(t, env.srv, http.MethodPost, "/v1/cache/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]int{"expired": 1, "evicted": 0}, decode[map[string]int](t, w))
}

func TestUsage(t *testing.T) {
	env := setup(t, nil, nil)
	do(t, env.srv, http.MethodPost, "/v1/optimize", `{"prompt":"a","task_type":"reasoning"}`)

	w := do(t, env.srv, http.MethodGet, "/v1/usage", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[models.OptimizerStats](t, w)
	require.Equal(t, int64(1), st.Calls.Generated)
	require.Equal(t, []models.UsageStat{{Model: "gpt-4-turbo", TaskType: "reasoning", Tier: "complex", Count: 1}}, st.Usage)
}

func TestAPIKeys(t *testing.T) {
	env := setup(t, func(c *config.Config) { c.Server.APIKeys = []string{"client-key"} }, nil)

	w := do(t, env.srv, http.MethodGet, "/v1/usage", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, env.srv, http.MethodGet, "/v1/usage", "", "Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, env.srv, http.MethodGet, "/v1/usage", "", "Authorization", "Bearer client-key")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, env.srv, http.MethodGet, "/v1/usage", "", "x-api-key", "client-key")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, env.srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setup(t, nil, nil)
	do(t, env.srv, http.MethodPost, "/v1/optimize", `{"prompt":"a"}`)

	w := do(t, env.srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `callopt_optimizer_calls_total{outcome="generated"} 1`)
	require.Contains(t, w.Body.String(), `callopt_cache_lookups_total{result="miss"} 1`)
}

func TestJanitorPurgesExpired(t *testing.T) {
	env := setup(t, nil, nil)
	do(t, env.srv, http.MethodPost, "/v1/optimize", `{"prompt":"a"}`)
	env.clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.srv.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return env.srv.opt.Store().Len() == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
