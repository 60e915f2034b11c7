package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pario-ai/callopt/pkg/audit"
	"github.com/pario-ai/callopt/pkg/cache/memory"
	"github.com/pario-ai/callopt/pkg/compress"
	"github.com/pario-ai/callopt/pkg/config"
	"github.com/pario-ai/callopt/pkg/logging"
	"github.com/pario-ai/callopt/pkg/metrics"
	"github.com/pario-ai/callopt/pkg/models"
	"github.com/pario-ai/callopt/pkg/optimizer"
	"github.com/pario-ai/callopt/pkg/router"
)

// app is the set of components a command works with.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	opt     *optimizer.Optimizer
	auditor *audit.Logger
}

func (rt *app) Close() {
	rt.opt.Wait()
	if rt.auditor != nil {
		if err := rt.auditor.Close(); err != nil {
			rt.logger.Warn("close audit db", "error", err)
		}
	}
}

// newApp loads the configuration and wires the optimizer. Logs go to
// logOut; withAudit opens the audit database when it is enabled.
func newApp(configPath string, logOut io.Writer, withAudit bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}
	rec := metrics.NewRecorder(nil)

	rt := &app{cfg: cfg, logger: logger, metrics: rec}

	var store *memory.Store
	if cfg.Cache.Enabled {
		store, err = memory.New(memory.Options{
			MaxSize:           cfg.Cache.MaxSize,
			DefaultTTL:        cfg.Cache.TTL,
			CompressThreshold: cfg.Cache.CompressThreshold,
			Logger:            logger,
			Observer:          rec,
		})
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
	}

	r, err := router.New(cfg.Router, rec)
	if err != nil {
		return nil, fmt.Errorf("init router: %w", err)
	}

	deps := optimizer.Deps{
		Store:      store,
		Router:     r,
		Compressor: compress.New(cfg.Compression.CompressorOptions()),
		Logger:     logger,
		Metrics:    rec,
	}
	if withAudit && cfg.Audit.Enabled {
		rt.auditor, err = audit.New(auditConfig(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("init audit: %w", err)
		}
		deps.Audit = rt.auditor
	}

	rt.opt, err = optimizer.New(optimizer.Config{
		CacheEnabled:       cfg.Cache.Enabled,
		Namespace:          cfg.Cache.Namespace,
		Version:            cfg.Cache.Version,
		TTL:                cfg.Cache.TTL,
		CompressionEnabled: cfg.Compression.Enabled,
		MaxContextLength:   cfg.Compression.MaxContextLength,
		SingleFlight:       cfg.Optimizer.SingleFlight,
	}, deps)
	if err != nil {
		if rt.auditor != nil {
			_ = rt.auditor.Close()
		}
		return nil, err
	}
	return rt, nil
}

func auditConfig(cfg *config.Config) models.AuditConfig {
	a := cfg.Audit
	if a.DBPath == "" {
		a.DBPath = cfg.DBPath
	}
	return a
}

// readInput returns the contents of the named file, or stdin for "" or "-".
func readInput(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args[0], err)
	}
	return string(b), nil
}
