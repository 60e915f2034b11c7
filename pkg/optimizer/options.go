package optimizer

import (
	"time"

	"github.com/pario-ai/callopt/pkg/router"
)

// DefaultTaskType is used when a call declares no task type.
const DefaultTaskType = "general"

// CallOption adjusts a single Optimize call.
type CallOption func(*callOptions)

type callOptions struct {
	taskType   string
	complexity router.Tier
	compress   bool
	maxContext int
	useCache   bool
	ttl        time.Duration
}

// WithTaskType declares the kind of work, which drives routing.
func WithTaskType(taskType string) CallOption {
	return func(o *callOptions) { o.taskType = taskType }
}

// WithComplexity sets the tier hint. Small simple tasks and large or complex
// tasks still override it.
func WithComplexity(tier router.Tier) CallOption {
	return func(o *callOptions) { o.complexity = tier }
}

// WithCompression enables compression with the given budget.
func WithCompression(maxContextLength int) CallOption {
	return func(o *callOptions) {
		o.compress = true
		if maxContextLength > 0 {
			o.maxContext = maxContextLength
		}
	}
}

// WithoutCompression sends the prompt as given.
func WithoutCompression() CallOption {
	return func(o *callOptions) { o.compress = false }
}

// WithoutCache skips both the lookup and the write.
func WithoutCache() CallOption {
	return func(o *callOptions) { o.useCache = false }
}

// WithTTL overrides the lifetime of the cached result.
func WithTTL(ttl time.Duration) CallOption {
	return func(o *callOptions) { o.ttl = ttl }
}
