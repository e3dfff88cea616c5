package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/monitoring"
)

func TestFormatRunsList(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID: "0123456789abcdef", Status: model.RunStatusCompleted, Models: []string{"a", "b"},
			Notes: "a very long note that will be truncated for display", CreatedAt: created, UpdatedAt: created.Add(90 * time.Second),
		},
		{ID: "short", Status: model.RunStatusRunning, CreatedAt: created, UpdatedAt: created},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	out := buf.String()

	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "...")
	assert.Contains(t, out, "short")
	assert.Equal(t, 4, strings.Count(out, "\n"))
}

func TestFormatSummary(t *testing.T) {
	var buf bytes.Buffer
	formatSummary(&buf, &model.RunSummary{
		RunID: "run-1", Status: model.RunStatusCompleted, TotalPrompts: 4, TotalResponses: 4,
		ErrorCount: 1, ErrorRatio: 0.25, TotalCostUSD: 0.0123,
		Brands: []model.BrandVisibility{{Name: "Acme", Mentions: 3, Occurrences: 5, VisibilityScore: 75}},
	})
	out := buf.String()

	assert.Contains(t, out, "run-1 (completed)")
	assert.Contains(t, out, "4 (1 errors, 25.0%)")
	assert.Contains(t, out, "$0.0123")
	assert.Contains(t, out, "75.0%")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, &monitoring.MetricsSnapshot{RunsTotal: 4, RunsCompleted: 3, RunsFailed: 1, RunFailRate: 0.25})
	out := buf.String()

	assert.Contains(t, out, "Total runs:")
	assert.Contains(t, out, "25.0%")

	buf.Reset()
	formatRunStats(&buf, &monitoring.MetricsSnapshot{})
	assert.NotContains(t, buf.String(), "Failure rate")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abcdefgh", truncateID("abcdefghijkl"))
	assert.Equal(t, "abc", truncateID("abc"))
}
