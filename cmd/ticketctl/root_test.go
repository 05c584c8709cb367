package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"TicketForge/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureSnapshot = `{
  "PROJ-1": {"key": "PROJ-1", "status": "completed", "attempt_count": 1, "retry_count": 0,
             "first_seen": "2024-01-01T00:00:00Z", "last_update": "2024-01-01T00:10:00Z",
             "language": "python", "domain": "web"},
  "PROJ-2": {"key": "PROJ-2", "status": "failed", "attempt_count": 2, "retry_count": 1,
             "first_seen": "2024-01-01T00:00:00Z", "last_update": "2024-01-01T00:10:00Z",
             "last_attempt": "2024-01-01T00:10:00Z", "last_error": "agent timeout\ntraceback",
             "language": "go"},
  "PROJ-3": {"key": "PROJ-3", "status": "failed", "attempt_count": 4, "retry_count": 3,
             "first_seen": "2024-01-01T00:00:00Z", "last_update": "2024-01-01T00:10:00Z",
             "last_attempt": "2024-01-01T00:10:00Z", "last_error": "no code block"}
}`

func writeSnapshot(t *testing.T) string {
	t.Helper()
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("MYSQL_DSN", "")

	path := filepath.Join(t.TempDir(), "ticket_tracking.json")
	require.NoError(t, os.WriteFile(path, []byte(fixtureSnapshot), 0o644))
	return path
}

func readSnapshot(t *testing.T, path string) map[string]*model.TicketRecord {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	records := map[string]*model.TicketRecord{}
	require.NoError(t, json.Unmarshal(b, &records))
	return records
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCmd()
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRootCommand_Help(t *testing.T) {
	out, _, err := run(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"status", "failed", "exhausted", "show", "retry", "clear", "reset", "--snapshot"} {
		assert.Contains(t, out, sub)
	}
}

func TestStatusCommand(t *testing.T) {
	path := writeSnapshot(t)

	out, _, err := run(t, "status", "--snapshot", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Pipeline Statistics:")
	assert.Contains(t, out, "Total tickets:     3")
	assert.Contains(t, out, "Completed:         1")
	assert.Contains(t, out, "Failed:            2")
	assert.Contains(t, out, "Retry candidates:  1")
	assert.Contains(t, out, "Exhausted:         1")
	assert.Contains(t, out, "By language:")
	assert.Contains(t, out, "python")
	assert.Contains(t, out, "Recommendations:")
}

func TestStatusCommand_JSON(t *testing.T) {
	path := writeSnapshot(t)

	out, _, err := run(t, "status", "--json", "--snapshot", path)
	require.NoError(t, err)

	var st struct {
		Total     int `json:"total"`
		Exhausted int `json:"exhausted"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Exhausted)
}

func TestFailedAndExhaustedCommands(t *testing.T) {
	path := writeSnapshot(t)

	out, _, err := run(t, "failed", "--snapshot", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Failed tickets ready for retry (1):")
	assert.Contains(t, out, "PROJ-2")
	assert.Contains(t, out, "last error: agent timeout")
	assert.NotContains(t, out, "traceback")

	out, _, err = run(t, "exhausted", "--snapshot", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Exhausted tickets (1):")
	assert.Contains(t, out, "PROJ-3")
	assert.Contains(t, out, "ticketctl retry <key>")
}

func TestShowCommand(t *testing.T) {
	path := writeSnapshot(t)

	out, _, err := run(t, "show", "PROJ-2", "--snapshot", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"key": "PROJ-2"`)
	assert.Contains(t, out, "Next retry at: 2024-01-01T00:25:00Z")

	_, _, err = run(t, "show", "PROJ-404", "--snapshot", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ticket PROJ-404 not found")
}

func TestRetryCommand(t *testing.T) {
	path := writeSnapshot(t)

	out, stderr, err := run(t, "retry", "PROJ-3", "--snapshot", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Marked PROJ-3 for reprocessing")
	assert.Contains(t, stderr, "service is stopped")

	rec := readSnapshot(t, path)["PROJ-3"]
	require.NotNil(t, rec)
	assert.Equal(t, model.TicketNeedsReprocessing, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)

	_, _, err = run(t, "retry", "PROJ-404", "--snapshot", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ticket PROJ-404 not found")

	// 已经在等待重处理的 ticket 不能再次 requeue
	_, _, err = run(t, "retry", "PROJ-3", "--snapshot", path)
	require.Error(t, err)
}

func TestClearCommand(t *testing.T) {
	path := writeSnapshot(t)

	out, _, err := run(t, "clear", "PROJ-1", "--snapshot", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared PROJ-1 from tracking")

	records := readSnapshot(t, path)
	assert.NotContains(t, records, "PROJ-1")
	assert.Len(t, records, 2)
}

func TestResetCommand(t *testing.T) {
	path := writeSnapshot(t)

	_, _, err := run(t, "reset", "--snapshot", path)
	require.Error(t, err)
	assert.Len(t, readSnapshot(t, path), 3)

	out, _, err := run(t, "reset", "--yes", "--snapshot", path)
	require.NoError(t, err)
	assert.Contains(t, out, "All tracking data cleared (3 tickets removed)")
	assert.Empty(t, readSnapshot(t, path))
}

func TestCommands_BadConfig(t *testing.T) {
	_, _, err := run(t, "status", "--config", "/nonexistent/config.yaml")
	assert.Error(t, err)
}
