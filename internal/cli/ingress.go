package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/httpmock"
	"github.com/roach88/provharness/internal/ingress"
	"github.com/roach88/provharness/internal/store"
)

// IngressOptions holds flags for the ingress command.
type IngressOptions struct {
	*RootOptions
	Provider      string
	Values        string
	HTTPIn        string
	PublicBaseURL string
	Database      string
}

// ingressOutput is what a successful ingress prints.
type ingressOutput struct {
	Status    int                          `json:"status"`
	Envelopes []dto.ChannelMessageEnvelope `json:"envelopes"`
	HTTPCalls []httpmock.Record            `json:"http_calls"`
}

// NewIngressCommand creates the ingress command.
func NewIngressCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngressOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingress",
		Short: "Hand one recorded inbound request to a provider",
		Long: `Load an http-in file and pass it to the provider's ingest_http operation,
printing the envelopes it produced.

--public-base-url is injected into the values config as public_base_url.

Examples:
  provharness ingress --provider webex --values webex.values.json \
    --http-in message-created.http-in.json --public-base-url https://example.test`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngress(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider name or .wasm path (required)")
	_ = cmd.MarkFlagRequired("provider")
	cmd.Flags().StringVar(&opts.Values, "values", "", "values JSON file (required)")
	_ = cmd.MarkFlagRequired("values")
	cmd.Flags().StringVar(&opts.HTTPIn, "http-in", "", "http-in JSON file (required)")
	_ = cmd.MarkFlagRequired("http-in")
	cmd.Flags().StringVar(&opts.PublicBaseURL, "public-base-url", "", "public base URL of this host (required)")
	_ = cmd.MarkFlagRequired("public-base-url")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run in this SQLite database")

	return cmd
}

func runIngress(opts *IngressOptions, cmd *cobra.Command) error {
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
	spec, _, err := env.LoadRequirements(opts.Provider)
	if err != nil {
		return err
	}
	bundle = bundle.WithConfig("public_base_url", opts.PublicBaseURL)
	if err := spec.Check(bundle); err != nil {
		return exitForPipeline(err, out)
	}

	file, err := ingress.LoadHTTPIn(opts.HTTPIn)
	if err != nil {
		return WrapExitError(ExitValuesLoad, fmt.Sprintf("http input load failed (%s)", opts.HTTPIn), err)
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	session, err := env.Open(ctx, opts.Provider, spec, bundle, nil, out)
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	res, ingestErr := session.Ingest(ctx, file.ToDTO())
	recordRun(ctx, env.Logger, st, store.Run{
		Kind:         store.KindIngest,
		Provider:     opts.Provider,
		ProviderType: session.ProviderType(),
	}, res, res.Calls, ingestErr)

	if ingestErr != nil {
		logCalls(ctx, env.Logger, "ingest_http", res.Calls)
		return exitForPipeline(ingestErr, out)
	}

	return printJSON(out, ingressOutput{
		Status:    res.Status,
		Envelopes: res.Envelopes,
		HTTPCalls: res.Calls,
	})
}
