package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/httpmock"
	"github.com/roach88/provharness/internal/store"
)

// seedStore writes a successful send and a failed ingest and returns the
// database path with the two runs.
func seedStore(t *testing.T) (string, store.Run, store.Run) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	sent, err := st.WriteRun(ctx, store.Run{
		ID:       "run-send-0001",
		Kind:     store.KindSend,
		Provider: "dummy",
		Status:   store.StatusOK,
		Result:   json.RawMessage(`{"ok":true}`),
	}, []httpmock.Record{{
		Seq:      1,
		Request:  capability.Request{Method: "POST", URL: "https://api.dummy.test/messages"},
		Response: &capability.Response{Status: 200},
	}})
	require.NoError(t, err)

	failed, err := st.WriteRun(ctx, store.Run{
		ID:        "run-ingest-0002",
		Kind:      store.KindIngest,
		Provider:  "webex",
		Status:    store.StatusFailed,
		ErrorKind: "network",
		Error:     "connection refused",
	}, []httpmock.Record{{
		Seq:     1,
		Request: capability.Request{Method: "GET", URL: "https://webexapis.com/v1/messages/msg-1"},
		Fault:   &capability.Fault{Code: capability.CodeNetwork, Message: "connection refused"},
	}})
	require.NoError(t, err)

	return dbPath, sent, failed
}

func executeTrace(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: format}
	cmd := NewTraceCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTraceMissingDatabaseFlag(t *testing.T) {
	_, err := executeTrace(t, "text", "--last")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestTraceNonExistentDatabase(t *testing.T) {
	_, err := executeTrace(t, "text", "--db", "/nonexistent/path/test.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTraceEmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	st.Close()

	out, err := executeTrace(t, "text", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")
}

func TestTraceListRuns(t *testing.T) {
	dbPath, _, _ := seedStore(t)

	out, err := executeTrace(t, "text", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "=== Runs ===")
	assert.Contains(t, out, "[1] run-send-0001 send")
	assert.Contains(t, out, "[2] run-ingest-0002 ingest")
	assert.Contains(t, out, "failed (network): connection refused")
}

func TestTraceWithRun(t *testing.T) {
	dbPath, sent, _ := seedStore(t)

	out, err := executeTrace(t, "text", "--db", dbPath, "--run", sent.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Run: run-send-0001")
	assert.Contains(t, out, "Status: ok")
	assert.Contains(t, out, "=== HTTP Calls ===")
	assert.Contains(t, out, "[1] POST https://api.dummy.test/messages -> 200")
}

func TestTraceLastJSON(t *testing.T) {
	dbPath, _, failed := seedStore(t)

	out, err := executeTrace(t, "json", "--db", dbPath, "--last")
	require.NoError(t, err)

	var response struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
	require.NotNil(t, response.Data.Trace)
	assert.Equal(t, failed.ID, response.Data.Trace.Run.ID)
	require.Len(t, response.Data.Trace.Calls, 1)
	assert.Contains(t, callOutcome(response.Data.Trace.Calls[0]), "fault")
}

func TestTraceUnknownRun(t *testing.T) {
	dbPath, _, _ := seedStore(t)

	_, err := executeTrace(t, "text", "--db", dbPath, "--run", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTraceHelpText(t *testing.T) {
	out, err := executeTrace(t, "text", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "--db")
	assert.Contains(t, out, "--run")
	assert.Contains(t, out, "--last")
}

func TestTruncateID(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"short", "short"},
		{"exactly16chars!!", "exactly16chars!!"},
		{"0190c9a4-7b2e-7c3d-8e4f-5a6b7c8d9e0f", "0190c9a4...7c8d9e0f"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, truncateID(tc.input))
	}
}

func TestRunStatus(t *testing.T) {
	assert.Equal(t, "ok", runStatus(store.Run{Status: store.StatusOK}))
	assert.Equal(t, "failed: boom", runStatus(store.Run{Status: store.StatusFailed, Error: "boom"}))
	assert.Equal(t, "failed (module): boom",
		runStatus(store.Run{Status: store.StatusFailed, ErrorKind: "module", Error: "boom"}))
}
