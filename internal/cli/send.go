package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/httpmock"
	"github.com/roach88/provharness/internal/pipeline"
	"github.com/roach88/provharness/internal/store"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Provider string
	Values   string
	Text     string
	Card     string
	To       string
	ToKind   string
	Encoder  string
	Database string
}

// sendOutput is what a successful send prints.
type sendOutput struct {
	Plan         *dto.RenderPlan        `json:"plan"`
	EncodeResult dto.EncodeOut          `json:"encode_result"`
	HTTPCalls    []httpmock.Record      `json:"http_calls"`
	Result       *dto.SendPayloadResult `json:"result"`
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Run the outbound pipeline for one message",
		Long: `Build a message from --text or an adaptive card, then run it through the
provider's render_plan, encode and send_payload operations.

The destination defaults to the values file's "to" fields. Every HTTP
call the module makes is printed with the result.

Exit codes:
  0 - Message sent
  1 - Values or card file could not be read
  2 - Requirements missing or values incomplete
  3 - Module could not be loaded
  4 - Provider operation failed
  5 - Network failure

Examples:
  provharness send --provider dummy --values dummy.values.json --text hello
  provharness send --provider webex --values webex.values.json --card card.json --to ROOM --to-kind room`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider name or .wasm path (required)")
	_ = cmd.MarkFlagRequired("provider")
	cmd.Flags().StringVar(&opts.Values, "values", "", "values JSON file (required)")
	_ = cmd.MarkFlagRequired("values")
	cmd.Flags().StringVar(&opts.Text, "text", "", "message text")
	cmd.Flags().StringVar(&opts.Card, "card", "", "adaptive card JSON file")
	cmd.Flags().StringVar(&opts.To, "to", "", "destination id (defaults to the values file)")
	cmd.Flags().StringVar(&opts.ToKind, "to-kind", "", "destination kind")
	cmd.Flags().StringVar(&opts.Encoder, "encoder", "host", "payload encoder (host|module)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run in this SQLite database")

	return cmd
}

func runSend(opts *SendOptions, cmd *cobra.Command) error {
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
	if err := spec.Check(bundle); err != nil {
		return exitForPipeline(err, out)
	}

	if !cmd.Flags().Changed("text") && opts.Card == "" {
		return NewExitError(ExitProviderOp, "provider operation failed: send requires --text or --card")
	}

	var card json.RawMessage
	if opts.Card != "" {
		data, err := os.ReadFile(opts.Card)
		if err != nil {
			return WrapExitError(ExitValuesLoad, fmt.Sprintf("card file failed (%s)", opts.Card), err)
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return WrapExitError(ExitValuesLoad, fmt.Sprintf("card parse failed (%s)", opts.Card), err)
		}
		card = data
	}

	md, err := bundle.ToMetadata()
	if err != nil {
		return WrapExitError(ExitValuesLoad, fmt.Sprintf("values load failed (%s)", opts.Values), err)
	}
	to := pipeline.DefaultDestination(md)
	if cmd.Flags().Changed("to") {
		id := strings.TrimSpace(opts.To)
		if id == "" {
			return NewExitError(ExitProviderOp, "provider operation failed: --to cannot be empty")
		}
		to = []dto.Destination{{ID: id, Kind: opts.ToKind}}
	}

	message, err := pipeline.NewEnvelope(pipeline.Outbound{
		Provider: opts.Provider,
		Text:     opts.Text,
		Card:     card,
		To:       to,
		Metadata: md,
	})
	if err != nil {
		return WrapExitError(ExitProviderOp, "provider operation failed", err)
	}
	env.Logger.DebugContext(ctx, "tester envelope", "id", message.ID, "to", message.To)

	encoder, err := pipeline.EncoderByName(opts.Encoder)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --encoder", err)
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	session, err := env.Open(ctx, opts.Provider, spec, bundle, encoder, out)
	if err != nil {
		return err
	}
	defer session.Close(ctx)

	res, sendErr := session.Send(ctx, message)
	recordRun(ctx, env.Logger, st, store.Run{
		Kind:         store.KindSend,
		Provider:     opts.Provider,
		ProviderType: session.ProviderType(),
	}, res, res.Calls, sendErr)

	if sendErr != nil {
		logCalls(ctx, env.Logger, "send", res.Calls)
		return exitForPipeline(sendErr, out)
	}

	return printJSON(out, sendOutput{
		Plan:         res.Plan,
		EncodeResult: dto.EncodeOut{OK: true, Payload: res.Payload},
		HTTPCalls:    res.Calls,
		Result:       res.Result,
	})
}
