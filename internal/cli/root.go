package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/provharness/internal/config"
)

// RootOptions holds global flags and the state shared by all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Config is loaded in PersistentPreRunE from flags, environment and
	// the optional config file.
	Config config.Config

	v   *viper.Viper
	env *Env
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the provharness CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	opts.v = viper.New()

	cmd := &cobra.Command{
		Use:   "provharness",
		Short: "Drive sandboxed messaging provider modules",
		Long: `provharness loads messaging provider modules into a sandbox and drives
them through send, ingress and webhook flows with mocked or real HTTP.

Every run is gated on the provider's requirement fixture, and every
outbound HTTP call the module makes is recorded.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(opts.v, configFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	config.BindFlags(cmd, opts.v)

	cmd.AddCommand(NewRequirementsCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewIngressCommand(opts))
	cmd.AddCommand(NewListenCommand(opts))
	cmd.AddCommand(NewWebhookCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewValidateFixturesCommand(opts))

	return cmd
}

// Execute runs the CLI with args and returns the process exit code. The
// command's error, if any, is printed to stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if closeErr := opts.Close(context.WithoutCancel(ctx)); closeErr != nil {
		fmt.Fprintf(stderr, "shutdown: %v\n", closeErr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return GetExitCode(err)
}

// Close releases whatever the commands set up.
func (o *RootOptions) Close(ctx context.Context) error {
	if o.env == nil {
		return nil
	}
	err := o.env.Close(ctx)
	o.env = nil
	return err
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
