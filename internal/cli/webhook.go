package cli

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/pipeline"
	"github.com/roach88/provharness/internal/providers"
	"github.com/roach88/provharness/internal/requirements"
	"github.com/roach88/provharness/internal/sandbox"
	"github.com/roach88/provharness/internal/store"
)

// WebhookOptions holds flags for the webhook command.
type WebhookOptions struct {
	*RootOptions
	Provider      string
	Values        string
	PublicBaseURL string
	SecretToken   string
	DryRun        bool
	Database      string
}

// NewWebhookCommand creates the webhook command.
func NewWebhookCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WebhookOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Reconcile a provider's webhook registration",
		Long: `Ask the provider to make its webhook registration point at
--public-base-url. With --dry-run the provider reports what it would do
without changing anything.

Exit codes:
  0 - Reconciled (or dry run reported)
  1 - Values could not be read
  5 - Network failure
  8 - Reconciliation failed
  9 - Provider has no webhook support

Examples:
  provharness webhook --provider webex --values webex.values.json --public-base-url https://example.test --dry-run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWebhook(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider name or .wasm path (required)")
	_ = cmd.MarkFlagRequired("provider")
	cmd.Flags().StringVar(&opts.Values, "values", "", "values JSON file (required)")
	_ = cmd.MarkFlagRequired("values")
	cmd.Flags().StringVar(&opts.PublicBaseURL, "public-base-url", "", "public base URL the webhook should target (required)")
	_ = cmd.MarkFlagRequired("public-base-url")
	cmd.Flags().StringVar(&opts.SecretToken, "secret-token", "", "secret the provider signs deliveries with")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report the reconciliation without applying it")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run in this SQLite database")

	return cmd
}

func runWebhook(opts *WebhookOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	bundle, err := loadValues(opts.Values)
	if err != nil {
		return err
	}
	env, err := opts.Environment(cmd)
	if err != nil {
		return err
	}

	unsupported := NewExitError(ExitWebhookUnsupported,
		fmt.Sprintf("webhook component not available for provider %s", opts.Provider))
	if slices.Contains(env.Loader.Names(), opts.Provider) && !providers.WebhookCapable(opts.Provider) {
		return unsupported
	}

	baseURL := strings.TrimSpace(opts.PublicBaseURL)
	if baseURL == "" {
		return NewExitError(ExitWebhook, "webhook reconciliation failed: public_base_url is required")
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	// Reconciliation only needs the credentials the module reads itself,
	// so the session is not gated on the send requirements.
	session, err := pipeline.Open(ctx, pipeline.Config{
		Provider:      opts.Provider,
		Spec:          &requirements.Spec{Provider: opts.Provider},
		Values:        bundle,
		Loader:        env.Loader,
		RealTransport: env.Transport,
		Registry:      env.Registry,
		Logger:        env.Logger,
		Metrics:       env.Obs.Metrics,
	})
	if err != nil {
		return WrapExitError(ExitWebhook, "webhook reconciliation failed", err)
	}
	defer session.Close(ctx)

	res, hookErr := session.ReconcileWebhook(ctx, dto.WebhookIn{
		PublicBaseURL: baseURL,
		SecretToken:   opts.SecretToken,
		DryRun:        opts.DryRun,
	})
	recordRun(ctx, env.Logger, st, store.Run{
		Kind:         store.KindWebhook,
		Provider:     opts.Provider,
		ProviderType: session.ProviderType(),
	}, res.Output, res.Calls, hookErr)

	if res.Output != nil {
		if err := printJSON(out, res.Output); err != nil {
			return err
		}
	}
	if hookErr != nil {
		logCalls(ctx, env.Logger, "reconcile_webhook", res.Calls)
		switch {
		case errors.Is(hookErr, sandbox.ErrUnsupportedOperation):
			return unsupported
		case pipeline.KindOf(hookErr) == pipeline.KindNetwork:
			return WrapExitError(ExitNetwork, "network error", hookErr)
		default:
			return WrapExitError(ExitWebhook, "webhook reconciliation failed", hookErr)
		}
	}
	return nil
}
