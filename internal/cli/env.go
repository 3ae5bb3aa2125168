package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/provharness/internal/capability"
	"github.com/roach88/provharness/internal/httpmock"
	"github.com/roach88/provharness/internal/observability"
	"github.com/roach88/provharness/internal/pipeline"
	"github.com/roach88/provharness/internal/providers"
	"github.com/roach88/provharness/internal/requirements"
	"github.com/roach88/provharness/internal/sandbox"
	"github.com/roach88/provharness/internal/store"
	"github.com/roach88/provharness/internal/values"
)

// Env is what module-driving commands run against: the loader with the
// reference providers registered, the requirement fixtures, the real-mode
// transport and observability.
type Env struct {
	Obs          *observability.Observability
	Logger       *slog.Logger
	Loader       *sandbox.Loader
	Requirements fs.FS
	Transport    *httpmock.RealTransport
	Registry     *capability.Registry
}

// Environment builds the command environment on first use.
func (o *RootOptions) Environment(cmd *cobra.Command) (*Env, error) {
	if o.env != nil {
		return o.env, nil
	}
	env, err := newEnv(cmd.Context(), o, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	o.env = env
	return env, nil
}

func newEnv(ctx context.Context, opts *RootOptions, stderr io.Writer) (*Env, error) {
	cfg := opts.Config
	if ctx == nil {
		ctx = context.Background()
	}

	obsCfg := cfg.Observability()
	if opts.Verbose {
		obsCfg.LogLevel = "debug"
	}
	obs, err := observability.New(ctx, obsCfg, stderr)
	if err != nil {
		return nil, err
	}

	loader := sandbox.NewLoader(sandbox.LoaderConfig{
		SearchPaths: cfg.Modules.Paths,
		Logger:      obs.Logger,
	})
	providers.Register(loader)
	obs.Shutdown.Register("loader", loader.Close)

	reqs := providers.Requirements()
	if cfg.Requirements.Dir != "" {
		reqs = os.DirFS(cfg.Requirements.Dir)
	}

	transport := httpmock.NewRealTransport(nil)
	transport.SetTimeout(cfg.HTTP.Timeout)

	return &Env{
		Obs:          obs,
		Logger:       obs.Logger,
		Loader:       loader,
		Requirements: reqs,
		Transport:    transport,
		Registry:     capability.DefaultRegistry(),
	}, nil
}

// Close runs the environment's shutdown handlers.
func (e *Env) Close(ctx context.Context) error {
	return e.Obs.Close(ctx)
}

// LoadRequirements reads the provider's requirement fixture.
func (e *Env) LoadRequirements(provider string) (*requirements.Spec, json.RawMessage, error) {
	spec, raw, err := requirements.Load(e.Requirements, provider)
	if err != nil {
		if errors.Is(err, requirements.ErrNotFound) {
			return nil, nil, WrapExitError(ExitRequirements,
				fmt.Sprintf("requirements missing for provider %s", provider), err)
		}
		return nil, nil, WrapExitError(ExitRequirements,
			fmt.Sprintf("failed to parse requirements for %s", provider), err)
	}
	return spec, raw, nil
}

// Open starts a gated session for provider. Errors are already mapped to
// exit codes; a validation failure also prints the missing keys to out.
func (e *Env) Open(ctx context.Context, provider string, spec *requirements.Spec, bundle *values.Bundle, encoder pipeline.Encoder, out io.Writer) (*pipeline.Session, error) {
	s, err := pipeline.Open(ctx, pipeline.Config{
		Provider:      provider,
		Spec:          spec,
		Values:        bundle,
		Loader:        e.Loader,
		Encoder:       encoder,
		RealTransport: e.Transport,
		Registry:      e.Registry,
		Logger:        e.Logger,
		Metrics:       e.Obs.Metrics,
	})
	if err != nil {
		return nil, exitForPipeline(err, out)
	}
	return s, nil
}

// loadValues reads a values file, mapping failures to ExitValuesLoad.
func loadValues(path string) (*values.Bundle, error) {
	if path == "" {
		return nil, NewExitError(ExitValuesLoad, "--values is required")
	}
	b, err := values.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitValuesLoad, fmt.Sprintf("values load failed (%s)", path), err)
	}
	return b, nil
}

// missingOutput is printed when values fail requirement validation.
type missingOutput struct {
	Error   string              `json:"error"`
	Missing requirements.Report `json:"missing"`
}

// exitForPipeline maps a pipeline error onto the CLI exit codes.
func exitForPipeline(err error, out io.Writer) error {
	var valErr *requirements.ValidationError
	if errors.As(err, &valErr) {
		_ = printJSON(out, missingOutput{Error: "missing required values", Missing: valErr.Missing})
		return WrapExitError(ExitRequirements, "validation failed", err)
	}

	var pe *pipeline.Error
	if errors.As(err, &pe) {
		switch {
		case pe.Stage == pipeline.StageLoad:
			return WrapExitError(ExitModuleLoad, "module load failure", err)
		case pe.Stage == pipeline.StageValidate:
			return WrapExitError(ExitValuesLoad, "values unusable", err)
		case pe.Kind == pipeline.KindNetwork:
			return WrapExitError(ExitNetwork, "network error", err)
		}
	}
	return WrapExitError(ExitProviderOp, "provider operation failed", err)
}

// openStore opens the run log when path is set.
func openStore(path string) (*store.Store, error) {
	if path == "" {
		return nil, nil
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// recordRun appends one run to st. Recording never fails the command.
func recordRun(ctx context.Context, logger *slog.Logger, st *store.Store, run store.Run, result any, calls []httpmock.Record, runErr error) {
	if st == nil {
		return
	}
	run.Status = store.StatusOK
	if runErr != nil {
		run.Status = store.StatusFailed
		run.ErrorKind = string(pipeline.KindOf(runErr))
		run.Error = runErr.Error()
	}
	if result != nil {
		if data, err := json.Marshal(result); err == nil && string(data) != "null" {
			run.Result = data
		}
	}
	saved, err := st.WriteRun(ctx, run, calls)
	if err != nil {
		logger.WarnContext(ctx, "failed to record run", "kind", run.Kind, "error", err)
		return
	}
	logger.InfoContext(ctx, "run recorded", "run_id", saved.ID, "seq", saved.Seq)
}

// logCalls writes the transport history of a failed operation to the log.
func logCalls(ctx context.Context, logger *slog.Logger, op string, calls []httpmock.Record) {
	if len(calls) == 0 {
		logger.WarnContext(ctx, "http history empty", "op", op)
		return
	}
	for _, c := range calls {
		attrs := []any{"op", op, "seq", c.Seq, "method", c.Request.Method, "url", c.Request.URL}
		if c.Response != nil {
			attrs = append(attrs, "status", c.Response.Status)
		}
		if c.Fault != nil {
			attrs = append(attrs, "fault", c.Fault.Error())
		}
		logger.WarnContext(ctx, "http history", attrs...)
	}
}
