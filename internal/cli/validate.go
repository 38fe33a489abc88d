package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rideon/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool           `json:"valid"`
	Problems []string       `json:"problems,omitempty"`
	Config   *config.Config `json:"config,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a configuration file",
		Long: `Validate a RideOn configuration file without starting the engine.

The file is decoded over the defaults, checked against the configuration
schema and then against the cross-section rules (for example, the nats sink
requires nats.url). On success the effective configuration is printed.

The file may be given as an argument or with --config. Without either the
defaults are validated.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg := config.Default()
	var err error
	if path != "" {
		formatter.VerboseLog("Loading %s", path)
		cfg, err = config.Load(path)
	} else {
		formatter.VerboseLog("No config file given, validating defaults")
		err = cfg.Validate()
	}

	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			return outputValidationErrors(formatter, verr.Problems)
		}
		return outputValidateError(formatter, ErrCodeConfig, err.Error(), nil)
	}

	return outputValidateSuccess(formatter, cfg)
}

// outputValidateSuccess outputs the effective configuration.
func outputValidateSuccess(formatter *OutputFormatter, cfg *config.Config) error {
	if formatter.JSON() {
		return formatter.Success(ValidationResult{Valid: true, Config: cfg})
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to render config", err)
	}
	fmt.Fprintln(formatter.Writer, "✓ Configuration valid")
	fmt.Fprintln(formatter.Writer)
	_, err = formatter.Writer.Write(data)
	return err
}

// outputValidateError outputs a single error that stopped validation.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Unreadable input is a command-level error (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs every schema or consistency problem.
func outputValidationErrors(formatter *OutputFormatter, problems []string) error {
	if formatter.JSON() {
		response := CLIResponse{
			Status: "error",
			Data: ValidationResult{
				Valid:    false,
				Problems: problems,
			},
			Error: &CLIError{
				Code:    ErrCodeConfig,
				Message: problems[0],
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, p := range problems {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", ErrCodeConfig, p)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))
}
