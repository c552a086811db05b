package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestLoggerWritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "info", false).With("run_id", "r1")

	l.Debug("Backfill", "Step", "hidden")
	l.Info("Backfill", "Run", "pass 1")
	l.Notify("WARN", "Scheduler", "Maintain", "disk full")

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 2)
	assert.Equal(t, "info", recs[0]["level"])
	assert.Equal(t, "Backfill", recs[0]["module"])
	assert.Equal(t, "Run", recs[0]["operation"])
	assert.Equal(t, "pass 1", recs[0]["message"])
	assert.Equal(t, "r1", recs[0]["run_id"])
	assert.Equal(t, "warn", recs[1]["level"])
}

func TestLoggerLevelFallback(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "loud", false)
	l.Debug("m", "o", "dropped")
	l.Info("m", "o", "kept")
	assert.Len(t, decodeLines(t, &buf), 1)
}

func TestNopLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		l := NopLogger()
		l.AttachAdminChannel(nil, "")
		l.Notify("ERROR", "m", "o", "x")
	})
}
