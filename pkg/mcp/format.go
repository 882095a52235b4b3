package mcp

import (
	"fmt"
	"strings"

	"github.com/contentflow/contentflow/pkg/models"
	"github.com/contentflow/contentflow/pkg/orchestrator"
)

// formatResponse renders generated text followed by a provenance line.
func formatResponse(r orchestrator.Response) string {
	var b strings.Builder
	b.WriteString(r.Text)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "provider: %s", r.Provider)
	if r.Model != "" {
		fmt.Fprintf(&b, " (%s)", r.Model)
	}
	if r.Fallback {
		fmt.Fprintf(&b, ", fallback from %s", r.RequestedProvider)
	}
	if r.Cached {
		b.WriteString(", cached")
	}
	b.WriteString("\n")
	return b.String()
}

// formatStatus renders the status report as text.
func formatStatus(st orchestrator.Status) string {
	var b strings.Builder
	b.WriteString("Providers\n")
	for _, p := range models.Providers() {
		state := "not configured"
		if st.Providers[p] {
			state = "configured"
		}
		marker := " "
		if p == st.DefaultProvider {
			marker = "*"
		}
		fmt.Fprintf(&b, " %s %-10s %s\n", marker, p, state)
	}
	fmt.Fprintf(&b, "Rate limit:   %d requests/minute per provider\n", st.RequestsPerMinute)
	fmt.Fprintf(&b, "Cache:        %s (%s)\n", onOff(st.CacheEnabled), st.CachePolicy)
	b.WriteString(formatCacheStats(st.Cache))
	return b.String()
}

func onOff(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Hits, stats.Misses, hitRate)
}

// formatAuditEntries formats audit entries as a text table.
func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-8s %-10s %-12s %8s %-20s\n",
		"Request ID", "Op", "Provider", "Outcome", "Latency", "Time")
	b.WriteString(strings.Repeat("-", 99) + "\n")
	for _, e := range entries {
		provider := string(e.Provider)
		if provider == "" {
			provider = string(e.RequestedProvider)
		}
		fmt.Fprintf(&b, "%-36s %-8s %-10s %-12s %6dms %-20s\n",
			e.RequestID, e.Operation, provider, e.Outcome, e.LatencyMs,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
