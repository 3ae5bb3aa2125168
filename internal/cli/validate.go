package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/provharness/internal/fixture"
	"github.com/roach88/provharness/internal/requirements"
)

// FixtureResult is the validation outcome of one fixture file.
type FixtureResult struct {
	File   string   `json:"file"`
	Kind   string   `json:"kind"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool            `json:"valid"`
	Fixtures []FixtureResult `json:"fixtures"`
	Skipped  int             `json:"skipped"`
}

// NewValidateFixturesCommand creates the validate-fixtures command.
func NewValidateFixturesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-fixtures <dir>",
		Short: "Check values, requirements and http-in fixtures",
		Long: `Validate every fixture under <dir> against its schema.

The kind is taken from the file name:
  *.requirements.json          requirement fixture (its example values too)
  *.http-in.json, http-in*     recorded inbound request
  *values*.json                values bundle

Other files are skipped.

Exit codes:
  0 - All fixtures valid
  1 - One or more fixtures invalid
  2 - Command error (directory not found, no fixtures)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateFixtures(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidateFixtures(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		msg := fmt.Sprintf("fixtures directory not found: %s", dir)
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	result := ValidationResult{Valid: true, Fixtures: []FixtureResult{}}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		kind, ok := fixture.DetectKind(path)
		if !ok {
			result.Skipped++
			formatter.VerboseLog("skip %s", path)
			return nil
		}
		fr := validateFixture(path, kind)
		if !fr.Valid {
			result.Valid = false
		}
		result.Fixtures = append(result.Fixtures, fr)
		return nil
	})
	if err != nil {
		_ = formatter.Error(ErrCodeFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to scan fixtures", err)
	}

	if len(result.Fixtures) == 0 {
		msg := fmt.Sprintf("no fixtures found in %s", dir)
		_ = formatter.Error(ErrCodeNoFixture, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	if opts.Format == "json" {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{Status: statusFor(result.Valid), Data: result}); err != nil {
			return err
		}
	} else {
		outputValidateText(formatter, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "fixture validation failed")
	}
	return nil
}

// validateFixture checks one file. Requirement fixtures also have their
// embedded example values checked.
func validateFixture(path string, kind fixture.Kind) FixtureResult {
	fr := FixtureResult{File: path, Kind: string(kind), Valid: true}

	data, err := os.ReadFile(path)
	if err != nil {
		fr.Valid = false
		fr.Errors = []string{err.Error()}
		return fr
	}

	if err := fixture.Validate(kind, path, data); err != nil {
		fr.Valid = false
		fr.Errors = issues(err)
		return fr
	}

	if kind == fixture.KindRequirements {
		spec, err := requirements.Parse(filepath.Base(path), data)
		if err == nil {
			_, _, err = spec.ExampleValues()
		}
		if err != nil {
			fr.Valid = false
			fr.Errors = issues(err)
		}
	}
	return fr
}

func issues(err error) []string {
	var fe *fixture.Error
	if errors.As(err, &fe) {
		return fe.Issues
	}
	return []string{err.Error()}
}

func statusFor(valid bool) string {
	if valid {
		return "ok"
	}
	return "error"
}

func outputValidateText(f *OutputFormatter, result ValidationResult) {
	w := f.Writer
	for _, fr := range result.Fixtures {
		if fr.Valid {
			fmt.Fprintf(w, "✓ %s (%s)\n", fr.File, fr.Kind)
			continue
		}
		fmt.Fprintf(w, "✗ %s (%s)\n", fr.File, fr.Kind)
		for _, e := range fr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}

	invalid := 0
	for _, fr := range result.Fixtures {
		if !fr.Valid {
			invalid++
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d fixture(s) checked, %d invalid, %d skipped\n", len(result.Fixtures), invalid, result.Skipped)
}
