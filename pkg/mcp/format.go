package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/copydesk/pkg/models"
)

func limitText(limit int64) string {
	if limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", limit)
}

func remainingText(n int64) string {
	if n < 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}

// formatUsage renders the active window as a small table.
func formatUsage(st models.UsageStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Usage for %s (resets %s)\n", st.Counters.Day, st.WindowEnd.Format("2006-01-02 15:04 MST"))
	if !st.Enforced {
		b.WriteString("Limits are not enforced.\n")
	}
	fmt.Fprintf(&b, "%-10s %12s %12s %12s\n", "Resource", "Used", "Limit", "Remaining")
	b.WriteString(strings.Repeat("-", 49) + "\n")
	rows := []struct {
		name        string
		used, limit int64
		remaining   int64
	}{
		{"requests", st.Counters.Requests, st.Limits.MaxRequestsPerDay, st.Remaining.Requests},
		{"tokens", st.Counters.Tokens, st.Limits.MaxTokensPerDay, st.Remaining.Tokens},
		{"images", st.Counters.Images, st.Limits.MaxImagesPerDay, st.Remaining.Images},
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "%-10s %12d %12s %12s\n", r.name, r.used, limitText(r.limit), remainingText(r.remaining))
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	if !stats.Enabled {
		return "Caching is disabled."
	}
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Backend:  %s\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Errors:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Backend, stats.Entries, stats.Hits, stats.Misses, stats.Errors, hitRate)
}

// formatHistory formats history entries as a text table.
func formatHistory(entries []models.HistoryEntry) string {
	if len(entries) == 0 {
		return "No generations found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-24s %-18s %-7s %6s %8s %8s\n",
		"Time", "Product", "Model", "Status", "Cached", "Tokens", "Latency")
	b.WriteString(strings.Repeat("-", 97) + "\n")
	for _, e := range entries {
		product := e.ProductName
		if len(product) > 24 {
			product = product[:21] + "..."
		}
		cached := "no"
		if e.Cached {
			cached = "yes"
		}
		status := e.Status
		if e.Error != "" {
			status += " (" + e.Error + ")"
		}
		fmt.Fprintf(&b, "%-20s %-24s %-18s %-7s %6s %8d %7dms\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			product, e.Model, status, cached, e.Tokens, e.LatencyMs)
	}
	return b.String()
}

// formatResult renders a generation for a chat client.
func formatResult(r models.GenerationResult) string {
	var b strings.Builder
	if r.Cached {
		b.WriteString("(from cache)\n\n")
	}
	sections := []struct{ label, text string }{
		{"Hook", r.Sections.Hook},
		{"Body", r.Sections.Body},
		{"CTA", r.Sections.CTA},
		{"Hashtags", r.Sections.Hashtags},
	}
	wrote := false
	for _, s := range sections {
		if s.text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n\n", s.label, s.text)
		wrote = true
	}
	if !wrote {
		b.WriteString(r.Text + "\n\n")
	}
	if r.ImageURL != "" {
		fmt.Fprintf(&b, "Image: %s\n", r.ImageURL)
	}
	if r.ImageError != "" {
		fmt.Fprintf(&b, "Image error: %s\n", r.ImageError)
	}
	fmt.Fprintf(&b, "Fingerprint: %s\n", r.Fingerprint)
	return b.String()
}
