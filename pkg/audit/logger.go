// Package audit records optimizer calls in the cost_optimization_logs table
// of a SQLite database.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/callopt/pkg/models"
)

// Logger writes and queries optimization logs.
type Logger struct {
	db     *sql.DB
	cfg    models.AuditConfig
	logger *slog.Logger
	done   chan struct{}
	wg     sync.WaitGroup
}

// New opens the audit database, creates the schema and starts the hourly
// retention loop. A nil logger uses slog.Default.
func New(cfg models.AuditConfig, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:     db,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	if cfg.RetentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS cost_optimization_logs (
		id                       TEXT PRIMARY KEY,
		task_type                TEXT NOT NULL,
		model                    TEXT NOT NULL,
		tier                     TEXT NOT NULL,
		outcome                  TEXT NOT NULL,
		cache_key                TEXT,
		original_length          INTEGER,
		prompt_length            INTEGER,
		compressed               INTEGER NOT NULL DEFAULT 0,
		estimated_cost_cents     INTEGER,
		estimated_latency_ms     INTEGER,
		latency_ms               INTEGER,
		error                    TEXT,
		day                      TEXT NOT NULL,
		created_at               DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_optlog_model ON cost_optimization_logs(model)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_optlog_created ON cost_optimization_logs(created_at)`)
	return err
}

// Log inserts one entry. Missing ids and timestamps are filled in.
func (l *Logger) Log(ctx context.Context, entry models.OptimizationLog) error {
	if l == nil || l.db == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	created := entry.CreatedAt.UTC()

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cost_optimization_logs
		(id, task_type, model, tier, outcome, cache_key,
		 original_length, prompt_length, compressed,
		 estimated_cost_cents, estimated_latency_ms, latency_ms,
		 error, day, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskType, entry.Model, entry.Tier, entry.Outcome, entry.CacheKey,
		entry.OriginalLength, entry.PromptLength, entry.Compressed,
		entry.EstimatedCostCents, entry.EstimatedLatencyMillis, entry.LatencyMillis,
		entry.Error, created.Format(time.DateOnly), created,
	)
	if err != nil {
		return fmt.Errorf("insert optimization log: %w", err)
	}
	return nil
}

// Query returns entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.OptimizationLog, error) {
	q := `SELECT id, task_type, model, tier, outcome, cache_key,
		original_length, prompt_length, compressed,
		estimated_cost_cents, estimated_latency_ms, latency_ms,
		error, created_at
		FROM cost_optimization_logs WHERE 1=1`
	var args []any

	if opts.ID != "" {
		q += " AND id = ?"
		args = append(args, opts.ID)
	}
	if opts.Model != "" {
		q += " AND model = ?"
		args = append(args, opts.Model)
	}
	if opts.TaskType != "" {
		q += " AND task_type = ?"
		args = append(args, opts.TaskType)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query optimization logs: %w", err)
	}
	defer rows.Close()

	var entries []models.OptimizationLog
	for rows.Next() {
		var e models.OptimizationLog
		var cacheKey, errText sql.NullString
		if err := rows.Scan(
			&e.ID, &e.TaskType, &e.Model, &e.Tier, &e.Outcome, &cacheKey,
			&e.OriginalLength, &e.PromptLength, &e.Compressed,
			&e.EstimatedCostCents, &e.EstimatedLatencyMillis, &e.LatencyMillis,
			&errText, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan optimization log: %w", err)
		}
		e.CacheKey = cacheKey.String
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns call counts, hit counts and summed estimated cost grouped by
// model and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, day, count(*) AS cnt,
		        sum(CASE WHEN outcome = ? THEN 1 ELSE 0 END) AS hits,
		        coalesce(sum(CASE WHEN outcome = ? THEN estimated_cost_cents ELSE 0 END), 0) AS cost
		 FROM cost_optimization_logs
		 WHERE model != ''
		 GROUP BY model, day ORDER BY day DESC, model`,
		models.OutcomeHit, models.OutcomeGenerated)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		if err := rows.Scan(&s.Model, &s.Day, &s.Count, &s.Hits, &s.EstimatedCostCents); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays).UTC()
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM cost_optimization_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				l.logger.Warn("audit retention cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Info("audit retention cleanup", "deleted", n)
			}
		}
	}
}
