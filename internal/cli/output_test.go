package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provharness/internal/requirements"
)

func decodeResponse(t *testing.T, buf *bytes.Buffer) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	return resp
}

func TestOutputFormatter_JSON(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}

		require.NoError(t, f.Success(map[string]int{"fixtures": 3}))

		resp := decodeResponse(t, buf)
		assert.Equal(t, "ok", resp.Status)
		assert.Nil(t, resp.Error)
		assert.Equal(t, map[string]any{"fixtures": float64(3)}, resp.Data)
	})

	t.Run("error with missing report", func(t *testing.T) {
		buf := &bytes.Buffer{}
		f := &OutputFormatter{Format: "json", Writer: buf}

		report := requirements.Report{Config: []string{}, Secrets: []string{"TOKEN"}, To: []string{"id"}}
		require.NoError(t, f.Error(ErrCodeInvalid, "missing required values", report))

		resp := decodeResponse(t, buf)
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeInvalid, resp.Error.Code)
		assert.Equal(t, "missing required values", resp.Error.Message)
		assert.Equal(t, []any{"TOKEN"}, resp.Error.Details.(map[string]any)["secrets"])
	})
}

func TestOutputFormatter_Text(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		want    []string
		absent  []string
	}{
		{"quiet", false, []string{"Error [E005]: no fixtures found in ./fixtures"}, []string{"Details:"}},
		{"verbose", true, []string{"Error [E005]", "Details: ./fixtures"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := &OutputFormatter{Format: "text", Writer: buf, Verbose: tt.verbose}

			require.NoError(t, f.Error(ErrCodeNoFixture, "no fixtures found in ./fixtures", "./fixtures"))
			for _, s := range tt.want {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}

	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.Success("3 fixture(s) checked"))
	assert.Equal(t, "3 fixture(s) checked\n", buf.String())
}

func TestOutputFormatter_VerboseLogGoesToErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}

	f.VerboseLog("skip %s", "notes.txt")
	assert.Empty(t, out.String())
	assert.Equal(t, "skip notes.txt\n", errOut.String())

	f.Verbose = false
	f.VerboseLog("skip %s", "other.txt")
	assert.Equal(t, "skip notes.txt\n", errOut.String())

	noErr := &OutputFormatter{Writer: out}
	assert.Same(t, out, noErr.GetErrWriter())
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", NewExitError(ExitModuleLoad, "module load failed"), ExitModuleLoad},
		{"wrapped exit error", fmt.Errorf("outer: %w", WrapExitError(ExitNetwork, "network error", errors.New("refused"))), ExitNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitError_Message(t *testing.T) {
	cause := errors.New("upstream 500")
	err := WrapExitError(ExitProviderOp, "provider operation failed", cause)
	assert.Equal(t, "provider operation failed: upstream 500", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "validation failed", NewExitError(ExitRequirements, "validation failed").Error())
}

func TestPrintJSON_NoHTMLEscape(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, printJSON(buf, map[string]string{"text": "<b>hi</b> & bye"}))
	assert.Contains(t, buf.String(), "<b>hi</b> & bye")
	assert.Contains(t, buf.String(), "\n  \"text\"")
}
