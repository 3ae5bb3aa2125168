package cli

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// RequirementsOptions holds flags for the requirements command.
type RequirementsOptions struct {
	*RootOptions
	Provider string
	Example  bool
}

// NewRequirementsCommand creates the requirements command.
func NewRequirementsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RequirementsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "requirements",
		Short: "Print a provider's requirement fixture",
		Long: `Print the requirement fixture for a provider: the config keys, secrets
and destination fields a values file must carry.

With --example, print the sample values bundle the fixture embeds instead.

Examples:
  provharness requirements --provider webex
  provharness requirements --provider webex --example > webex.values.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequirements(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider name (required)")
	_ = cmd.MarkFlagRequired("provider")
	cmd.Flags().BoolVar(&opts.Example, "example", false, "print the embedded example values instead")

	return cmd
}

func runRequirements(opts *RequirementsOptions, cmd *cobra.Command) error {
	env, err := opts.Environment(cmd)
	if err != nil {
		return err
	}
	spec, raw, err := env.LoadRequirements(opts.Provider)
	if err != nil {
		return err
	}

	if opts.Example {
		bundle, ok, err := spec.ExampleValues()
		if err != nil {
			return WrapExitError(ExitRequirements,
				fmt.Sprintf("failed to parse requirements for %s", opts.Provider), err)
		}
		if !ok {
			return NewExitError(ExitRequirements,
				fmt.Sprintf("requirements for %s carry no example values", opts.Provider))
		}
		return printJSON(cmd.OutOrStdout(), bundle)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return WrapExitError(ExitRequirements,
			fmt.Sprintf("failed to parse requirements for %s", opts.Provider), err)
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(cmd.OutOrStdout())
	return err
}
