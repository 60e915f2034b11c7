package mcp

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/pario-ai/callopt/pkg/models"
	"github.com/pario-ai/callopt/pkg/optimizer"
	"github.com/pario-ai/callopt/pkg/router"
)

// formatSelection formats a routing decision as text.
func formatSelection(sel router.Selection) string {
	return fmt.Sprintf("Model Selection\n"+
		"  Model:     %s\n"+
		"  Tier:      %s\n"+
		"  Task:      %s\n"+
		"  Input:     %s chars\n"+
		"  Est. Cost: %d¢\n"+
		"  Est. Time: %s ms\n",
		sel.Model, sel.Tier, sel.TaskType,
		humanize.Comma(int64(sel.InputLength)),
		sel.EstimatedCostCents,
		humanize.Comma(int64(sel.EstimatedLatencyMillis)))
}

// formatOutcome formats a planned or cached call as text.
func formatOutcome(out *optimizer.Outcome) string {
	var b strings.Builder
	if out.Cached {
		fmt.Fprintf(&b, "Cached result (model %s, cached %s)\n\n%s\n",
			out.Selection.Model, humanize.Time(out.CachedAt), out.Output)
		return b.String()
	}
	b.WriteString(formatSelection(out.Selection))
	if out.Compressed {
		fmt.Fprintf(&b, "  Compressed: %s -> %s chars\n",
			humanize.Comma(int64(out.OriginalLength)), humanize.Comma(int64(out.Prompt.Length())))
	}
	return b.String()
}

// formatCompressed reports the size change and the compressed text.
func formatCompressed(in, out string) string {
	before, after := optimizer.TextPrompt(in).Length(), optimizer.TextPrompt(out).Length()
	return fmt.Sprintf("Compressed %s -> %s chars\n\n%s\n",
		humanize.Comma(int64(before)), humanize.Comma(int64(after)), out)
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:     %d / %d\n"+
		"  Compressed:  %d\n"+
		"  Hits:        %d\n"+
		"  Misses:      %d\n"+
		"  Hit Rate:    %.1f%%\n"+
		"  Evictions:   %d\n"+
		"  Expirations: %d\n"+
		"  Decode Errs: %d\n",
		stats.Size, stats.Capacity, stats.Compressed, stats.Hits, stats.Misses,
		stats.HitRate*100, stats.Evictions, stats.Expirations, stats.DecodeFailures)
}

// formatUsage formats model usage and call counters as a text table.
func formatUsage(st models.OptimizerStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Calls: %s hits, %s generated, %s planned, %s errors\n\n",
		humanize.Comma(st.Calls.Hits), humanize.Comma(st.Calls.Generated),
		humanize.Comma(st.Calls.Planned), humanize.Comma(st.Calls.Errors))
	if len(st.Usage) == 0 {
		b.WriteString("No model selections yet.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%-25s %-20s %-8s %10s\n", "Model", "Task", "Tier", "Count")
	b.WriteString(strings.Repeat("-", 66) + "\n")
	for _, u := range st.Usage {
		fmt.Fprintf(&b, "%-25s %-20s %-8s %10s\n", u.Model, u.TaskType, u.Tier, humanize.Comma(u.Count))
	}
	return b.String()
}

// formatAuditEntries formats optimization logs as a text table.
func formatAuditEntries(entries []models.OptimizationLog) string {
	if len(entries) == 0 {
		return "No audit entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-22s %-18s %-10s %8s %6s %8s\n",
		"Time", "Model", "Task", "Outcome", "Prompt", "Cost", "Latency")
	b.WriteString(strings.Repeat("-", 100) + "\n")
	for _, e := range entries {
		model := e.Model
		if model == "" {
			model = "-"
		}
		fmt.Fprintf(&b, "%-20s %-22s %-18s %-10s %8d %5d¢ %6dms\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			model, e.TaskType, e.Outcome, e.PromptLength, e.EstimatedCostCents, e.LatencyMillis)
	}
	return b.String()
}
