package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/conserve/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool           `json:"valid"`
	Path   string         `json:"path"`
	Error  string         `json:"error,omitempty"`
	Config *config.Config `json:"config,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate an engine config file",
		Long: `Validate an engine config file without starting the engine.

The file is decoded by extension (.yaml, .yml, .toml or .cue), overlaid on
the defaults and checked against the config schema. The effective config
is printed on success.

Exit codes:
  0 - Config is valid
  2 - Config is invalid or unreadable`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	c, err := config.Load(path)
	if err != nil {
		code := CodeConfig
		if !config.IsValidationError(err) {
			code = CodeInput
		}
		if opts.Format == "json" {
			if encErr := formatter.Respond(CLIResponse{
				Status: "error",
				Data:   ValidationResult{Valid: false, Path: path, Error: err.Error()},
				Error:  &CLIError{Code: code, Message: err.Error()},
			}); encErr != nil {
				return encErr
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ %s\n  %v\n", path, err)
		}
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	if opts.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Path: path, Config: &c})
	}
	writeConfigSummary(cmd.OutOrStdout(), path, c)
	return nil
}

func writeConfigSummary(w io.Writer, path string, c config.Config) {
	fmt.Fprintf(w, "✓ %s\n", path)
	fmt.Fprintf(w, "  total energy:    %s\n", c.TotalEnergy)
	fmt.Fprintf(w, "  decay rate:      %s/s\n", c.DecayRate)
	fmt.Fprintf(w, "  transfer limit:  %s per %s\n", c.Transfer.MaxAmount, c.Transfer.Window)
	fmt.Fprintf(w, "  admin:           %s\n", c.Capabilities.Admin)

	kinds := make([]string, 0, len(c.Resources))
	for k := range c.Resources {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		r := c.Resources[k]
		if r.Window > 0 {
			fmt.Fprintf(w, "  resource %-9s %d per %s\n", k+":", r.Ceiling, r.Window)
		} else {
			fmt.Fprintf(w, "  resource %-9s %d\n", k+":", r.Ceiling)
		}
	}
}
