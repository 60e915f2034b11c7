// Package server exposes the optimizer over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/pario-ai/callopt/pkg/config"
	"github.com/pario-ai/callopt/pkg/metrics"
	"github.com/pario-ai/callopt/pkg/optimizer"
	"github.com/pario-ai/callopt/pkg/router"
)

const maxBodySize = 4 << 20

// Server is the callopt HTTP API.
type Server struct {
	cfg      *config.Config
	opt      *optimizer.Optimizer
	generate optimizer.GenerateFunc
	metrics  *metrics.Recorder
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates a Server. generate may be nil, in which case every optimize
// request is answered with the planned call.
func New(cfg *config.Config, opt *optimizer.Optimizer, generate optimizer.GenerateFunc, rec *metrics.Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		opt:      opt,
		generate: generate,
		metrics:  rec,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/v1/optimize", s.authorized(s.handleOptimize))
	s.mux.HandleFunc("/v1/route", s.authorized(s.handleRoute))
	s.mux.HandleFunc("/v1/compress", s.authorized(s.handleCompress))
	s.mux.HandleFunc("/v1/cache/stats", s.authorized(s.handleCacheStats))
	s.mux.HandleFunc("/v1/cache/cleanup", s.authorized(s.handleCacheCleanup))
	s.mux.HandleFunc("/v1/usage", s.authorized(s.handleUsage))
	s.mux.Handle("/metrics", rec.Handler())
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server and the cache janitor, shutting both down
// gracefully when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.RunJanitor(janitorCtx, s.cfg.Cache.CleanupInterval)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("callopt listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		s.opt.Wait()
		return err
	case err := <-errCh:
		return err
	}
}

// RunJanitor purges expired cache entries every interval until ctx is done.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) {
	store := s.opt.Store()
	if store == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.PurgeExpired(); n > 0 {
				s.logger.Debug("purged expired cache entries", "count", n)
			}
		}
	}
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.Server.APIKeys) > 0 {
			key := extractAPIKey(r)
			if key == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			if !slices.Contains(s.cfg.Server.APIKeys, key) {
				writeJSONError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next(w, r)
	}
}

type optimizeRequest struct {
	Prompt           string         `json:"prompt"`
	Fields           map[string]any `json:"fields"`
	Context          map[string]any `json:"context"`
	TaskType         string         `json:"task_type"`
	Complexity       string         `json:"complexity"`
	Compress         *bool          `json:"compress"`
	MaxContextLength int            `json:"max_context_length"`
	Cache            *bool          `json:"cache"`
	TTL              string         `json:"ttl"`
	DryRun           bool           `json:"dry_run"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req optimizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Prompt == "" && req.Fields == nil {
		writeJSONError(w, http.StatusBadRequest, "prompt or fields is required")
		return
	}

	prompt := optimizer.TextPrompt(req.Prompt)
	if req.Fields != nil {
		prompt = optimizer.FieldsPrompt(req.Fields)
	}

	tier, ok := parseComplexity(w, req.Complexity)
	if !ok {
		return
	}
	opts := []optimizer.CallOption{optimizer.WithTaskType(req.TaskType), optimizer.WithComplexity(tier)}
	if req.Compress != nil && !*req.Compress {
		opts = append(opts, optimizer.WithoutCompression())
	} else if (req.Compress != nil && *req.Compress) || req.MaxContextLength > 0 {
		opts = append(opts, optimizer.WithCompression(req.MaxContextLength))
	}
	if req.Cache != nil && !*req.Cache {
		opts = append(opts, optimizer.WithoutCache())
	}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		opts = append(opts, optimizer.WithTTL(ttl))
	}

	generate := s.generate
	if req.DryRun {
		generate = nil
	}

	out, err := s.opt.Optimize(r.Context(), prompt, req.Context, generate, opts...)
	if err != nil {
		s.logger.Error("optimize failed", "task_type", req.TaskType, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "AI call failed")
		return
	}

	if out.Cached {
		w.Header().Set("X-Callopt-Cache", "hit")
	} else {
		w.Header().Set("X-Callopt-Cache", "miss")
	}
	writeJSON(w, http.StatusOK, out)
}

type routeRequest struct {
	TaskType    string `json:"task_type"`
	InputLength int    `json:"input_length"`
	Complexity  string `json:"complexity"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req routeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.InputLength < 0 {
		writeJSONError(w, http.StatusBadRequest, "input_length must not be negative")
		return
	}
	tier, ok := parseComplexity(w, req.Complexity)
	if !ok {
		return
	}
	sel, err := s.opt.Router().SelectModel(req.TaskType, req.InputLength, tier)
	if err != nil {
		s.logger.Error("route failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "routing failed")
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

type compressRequest struct {
	Text   string         `json:"text"`
	Fields map[string]any `json:"fields"`
	Target int            `json:"target"`
}

type compressResponse struct {
	Text           string         `json:"text,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	OriginalLength int            `json:"original_length"`
	Length         int            `json:"length"`
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req compressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Target < 0 {
		writeJSONError(w, http.StatusBadRequest, "target must not be negative")
		return
	}
	if req.Target == 0 {
		req.Target = s.cfg.Compression.MaxContextLength
	}

	c := s.opt.Compressor()
	var resp compressResponse
	if req.Fields != nil {
		p := optimizer.FieldsPrompt(req.Fields)
		resp.OriginalLength = p.Length()
		fields, err := c.Fields(req.Fields, req.Target)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "fields cannot be serialized")
			return
		}
		resp.Fields = fields
		resp.Length = optimizer.FieldsPrompt(resp.Fields).Length()
	} else {
		p := optimizer.TextPrompt(req.Text)
		resp.OriginalLength = p.Length()
		resp.Text = c.Text(req.Text, req.Target)
		resp.Length = optimizer.TextPrompt(resp.Text).Length()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.opt.Stats().Cache)
}

func (s *Server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	store := s.opt.Store()
	if store == nil {
		writeJSONError(w, http.StatusConflict, "cache is disabled")
		return
	}
	expired := store.PurgeExpired()
	evicted := 0
	if r.URL.Query().Get("evict") == "true" {
		evicted = store.Cleanup()
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired, "evicted": evicted})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.opt.Stats())
}

func parseComplexity(w http.ResponseWriter, s string) (router.Tier, bool) {
	tier, err := router.ParseTier(s)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown complexity %q", s))
		return "", false
	}
	return tier, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	r.Body.Close()
	if err := json.Unmarshal(body, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"callopt_error","code":%d}}`, message, code)
}
