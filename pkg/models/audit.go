package models

import "time"

// Optimization outcomes recorded in the audit log.
const (
	OutcomeHit       = "hit"
	OutcomeGenerated = "generated"
	OutcomePlanned   = "planned"
	OutcomeError     = "error"
)

// OptimizationLog is one audited optimizer call.
type OptimizationLog struct {
	ID                     string    `json:"id"`
	TaskType               string    `json:"task_type"`
	Model                  string    `json:"model"`
	Tier                   string    `json:"tier"`
	Outcome                string    `json:"outcome"`
	CacheKey               string    `json:"cache_key"`
	OriginalLength         int       `json:"original_length"`
	PromptLength           int       `json:"prompt_length"`
	Compressed             bool      `json:"compressed"`
	EstimatedCostCents     int       `json:"estimated_cost_cents"`
	EstimatedLatencyMillis int       `json:"estimated_latency_ms"`
	LatencyMillis          int64     `json:"latency_ms"`
	Error                  string    `json:"error,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

// AuditConfig controls the cost optimization audit sink.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AuditQueryOpts specifies filters for querying optimization logs.
type AuditQueryOpts struct {
	Model    string
	TaskType string
	Outcome  string
	Since    time.Time
	ID       string
	Limit    int
}

// AuditStat aggregates optimization logs for a model/day combination.
type AuditStat struct {
	Model              string `json:"model"`
	Day                string `json:"day"`
	Count              int    `json:"count"`
	Hits               int    `json:"hits"`
	EstimatedCostCents int64  `json:"estimated_cost_cents"`
}
