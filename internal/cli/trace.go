package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - show one run with its calls
	Last     bool   // show the most recent run
}

// RunTrace is one recorded run with its HTTP calls.
type RunTrace struct {
	Run   store.Run    `json:"run"`
	Calls []store.Call `json:"calls"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Runs  []store.Run `json:"runs,omitempty"`
	Trace *RunTrace   `json:"trace,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show recorded runs and their HTTP calls",
		Long: `Read the run log written by send, ingress, webhook and test --db.

Without --run, lists every run in order. With --run (or --last), shows
that run and every HTTP call its module made.

Examples:
  provharness trace --db ./runs.db
  provharness trace --db ./runs.db --last -v
  provharness trace --db ./runs.db --run 0190c9a4-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to show")
	cmd.Flags().BoolVar(&opts.Last, "last", false, "show the most recent run")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("database not found: %s", opts.Database), err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var result TraceResult
	if opts.RunID == "" && !opts.Last {
		runs, err := st.ListRuns(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runs", err)
		}
		result.Runs = runs
	} else {
		trace, err := loadRunTrace(ctx, st, opts.RunID, opts.Last)
		if err != nil {
			return err
		}
		result.Trace = trace
	}

	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}
	return outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
}

func loadRunTrace(ctx context.Context, st *store.Store, id string, last bool) (*RunTrace, error) {
	var run store.Run
	var err error
	if last {
		run, err = st.LastRun(ctx)
	} else {
		run, err = st.ReadRun(ctx, id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, WrapExitError(ExitCommandError, "run not found", err)
		}
		return nil, WrapExitError(ExitCommandError, "failed to read run", err)
	}

	calls, err := st.ReadCalls(ctx, run.ID)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read calls", err)
	}
	return &RunTrace{Run: run, Calls: calls}, nil
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) error {
	if result.Trace == nil {
		if len(result.Runs) == 0 {
			fmt.Fprintln(w, "No runs recorded.")
			return nil
		}
		fmt.Fprintln(w, "=== Runs ===")
		for _, run := range result.Runs {
			formatRun(w, run)
		}
		return nil
	}

	run := result.Trace.Run
	fmt.Fprintf(w, "Run: %s\n", run.ID)
	fmt.Fprintf(w, "Kind: %s  Provider: %s (%s)\n", run.Kind, run.Provider, run.ProviderType)
	fmt.Fprintf(w, "Status: %s\n", runStatus(run))
	if verbose && len(run.Result) > 0 {
		fmt.Fprintf(w, "Result: %s\n", run.Result)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== HTTP Calls ===")
	if len(result.Trace.Calls) == 0 {
		fmt.Fprintln(w, "  (no calls)")
		return nil
	}
	for _, c := range result.Trace.Calls {
		fmt.Fprintf(w, "  [%d] %s %s -> %s\n", c.Seq, c.Method, c.URL, callOutcome(c))
		if verbose {
			fmt.Fprintf(w, "       ID: %s\n", truncateID(c.ID))
			fmt.Fprintf(w, "       Request: %s\n", c.Request)
		}
	}
	return nil
}

func formatRun(w io.Writer, run store.Run) {
	fmt.Fprintf(w, "  [%d] %s %-7s %-8s %s\n", run.Seq, truncateID(run.ID), run.Kind, run.Provider, runStatus(run))
}

func runStatus(run store.Run) string {
	if run.Status == store.StatusOK {
		return run.Status
	}
	if run.ErrorKind != "" {
		return fmt.Sprintf("%s (%s): %s", run.Status, run.ErrorKind, run.Error)
	}
	return fmt.Sprintf("%s: %s", run.Status, run.Error)
}

// callOutcome renders the recorded response status or fault of a call.
func callOutcome(c store.Call) string {
	if len(c.Fault) > 0 {
		var f capability.Fault
		if err := json.Unmarshal(c.Fault, &f); err == nil {
			return "fault " + f.Error()
		}
		return "fault"
	}
	var resp capability.Response
	if err := json.Unmarshal(c.Response, &resp); err == nil {
		return fmt.Sprintf("%d", resp.Status)
	}
	return "?"
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
