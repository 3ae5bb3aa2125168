package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/provharness/internal/config"
	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/ingress"
	"github.com/roach88/provharness/internal/requirements"
	"github.com/roach88/provharness/internal/values"
)

// ListenOptions holds flags for the listen command.
type ListenOptions struct {
	*RootOptions
	Provider      string
	Values        string
	Host          string
	Port          int
	Path          string
	PublicBaseURL string

	// http-in synthesis
	HTTPIn   string
	Method   string
	Query    string
	Body     string
	BodyFile string
	Headers  []string
}

// NewListenCommand creates the listen command.
func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Serve inbound webhooks for a provider",
		Long: `Start an HTTP listener that hands every inbound request to the provider's
ingest_http operation and prints the request and the envelopes produced.

When the values config carries <provider>_signature_secret, requests
without a valid signature are rejected with 401.

With --http-in, nothing is served: an http-in file is written from
--method, --path, --query, --body or --body-file, and --header.

Exit codes:
  0 - Listener stopped cleanly or http-in written
  1 - Values or body file could not be read
  2 - Requirements missing or values incomplete
  6 - http-in file could not be written
  7 - Listener failure or invalid http-in flags

Examples:
  provharness listen --provider webex --values webex.values.json --public-base-url https://example.test
  provharness listen --provider webex --values webex.values.json --public-base-url https://example.test \
    --http-in out.http-in.json --path /webhook --body '{"id":"1"}' --header content-type:application/json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Provider, "provider", "", "provider name or .wasm path (required)")
	_ = cmd.MarkFlagRequired("provider")
	f.StringVar(&opts.Values, "values", "", "values JSON file (required)")
	_ = cmd.MarkFlagRequired("values")
	f.StringVar(&opts.PublicBaseURL, "public-base-url", "", "public base URL of this host (required)")
	_ = cmd.MarkFlagRequired("public-base-url")
	f.StringVar(&opts.Host, "host", "127.0.0.1", "listen host")
	f.IntVar(&opts.Port, "port", 8080, "listen port")
	f.StringVar(&opts.Path, "path", "/", "request path to serve (\"/\" serves every path)")

	f.StringVar(&opts.HTTPIn, "http-in", "", "write an http-in file here instead of listening")
	f.StringVar(&opts.Method, "method", "POST", "http-in method")
	f.StringVar(&opts.Query, "query", "", "http-in query string")
	f.StringVar(&opts.Body, "body", "", "http-in body")
	f.StringVar(&opts.BodyFile, "body-file", "", "read the http-in body from this file")
	f.StringArrayVar(&opts.Headers, "header", nil, "http-in header as name:value (repeatable)")

	config.BindListenFlags(cmd, rootOpts.v)

	return cmd
}

func runListen(opts *ListenOptions, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	bundle, err := loadValues(opts.Values)
	if err != nil {
		return err
	}
	env, err := opts.Environment(cmd)
	if err != nil {
		return err
	}
	spec, _, err := env.LoadRequirements(opts.Provider)
	if err != nil {
		return err
	}
	bundle = bundle.WithConfig("public_base_url", opts.PublicBaseURL)
	if err := spec.Check(bundle); err != nil {
		return exitForPipeline(err, out)
	}

	if opts.HTTPIn != "" {
		return writeHTTPIn(opts, out, cmd.ErrOrStderr())
	}
	return serveListener(opts, cmd, env, spec, bundle)
}

func writeHTTPIn(opts *ListenOptions, out, errOut io.Writer) error {
	file, err := ingress.BuildHTTPIn(ingress.FlagInput{
		Method:   opts.Method,
		Path:     opts.Path,
		Query:    opts.Query,
		Body:     opts.Body,
		BodyFile: opts.BodyFile,
		Headers:  opts.Headers,
	})
	if err != nil {
		if errors.Is(err, ingress.ErrInvalidFlags) {
			return WrapExitError(ExitListen, "listen helper failure", err)
		}
		return WrapExitError(ExitValuesLoad, fmt.Sprintf("http input load failed (%s)", opts.BodyFile), err)
	}

	data, err := ingress.WriteHTTPIn(opts.HTTPIn, file)
	if err != nil {
		return WrapExitError(ExitHTTPInWrite, fmt.Sprintf("failed to write http-in file (%s)", opts.HTTPIn), err)
	}
	fmt.Fprintln(out, string(data))
	fmt.Fprintf(errOut, "http-in payload saved to %s\n", opts.HTTPIn)
	return nil
}

func serveListener(opts *ListenOptions, cmd *cobra.Command, env *Env, spec *requirements.Spec, bundle *values.Bundle) error {
	out := cmd.OutOrStdout()
	cfg := opts.Config.Listen

	var secret []byte
	if s, ok := bundle.SignatureSecret(opts.Provider); ok {
		secret = []byte(s)
	}

	dispatch := func(ctx context.Context, in dto.HTTPIn) ([]dto.ChannelMessageEnvelope, error) {
		session, err := env.Open(ctx, opts.Provider, spec, bundle, nil, io.Discard)
		if err != nil {
			return nil, err
		}
		defer session.Close(context.WithoutCancel(ctx))

		res, err := session.Ingest(ctx, in)
		if err != nil {
			return nil, err
		}
		return res.Envelopes, nil
	}

	listener, err := ingress.NewListener(ingress.ListenerConfig{
		Addr:     net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		Path:     opts.Path,
		Provider: opts.Provider,
		Secret:   secret,
		Workers:  cfg.Workers,
		Timeout:  cfg.Timeout,
		Dispatch: dispatch,
		Out:      out,
		Logger:   env.Logger,
		Metrics:  env.Obs.Metrics,
	})
	if err != nil {
		return WrapExitError(ExitListen, "listen helper failure", err)
	}

	addr, err := listener.Bind()
	if err != nil {
		return WrapExitError(ExitListen, "listen helper failure", err)
	}

	if cfg.MetricsAddr != "" {
		if _, err := env.Obs.ServeMetrics(cfg.MetricsAddr); err != nil {
			return WrapExitError(ExitListen, "listen helper failure", err)
		}
	}

	fmt.Fprintf(out, "listening on http://%s (logging requests for %s)\n", addr, opts.Path)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := listener.Serve(ctx); err != nil {
		return WrapExitError(ExitListen, "listen helper failure", err)
	}
	return nil
}
