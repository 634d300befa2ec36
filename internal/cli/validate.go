package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool            `json:"valid"`
	Config   *Config         `json:"config,omitempty"`
	Problems []ConfigProblem `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a session config",
		Long: `Validate a CUE or JSON session config against the #Session schema.

On success the resolved config is printed with every default filled in.

Exit codes:
  0 - Config is valid
  1 - Config violates the schema
  2 - Command error (file not found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	data, err := os.ReadFile(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, "config not found", err)
	}
	formatter.VerboseLog("Validating %s (%d bytes)", path, len(data))

	cfg, err := ParseConfig(data, path)
	if err != nil {
		var cerr *ConfigError
		if !errors.As(err, &cerr) {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, "cannot validate config", err)
		}
		return outputValidationErrors(formatter, cerr.Problems)
	}

	return outputValidateSuccess(formatter, cfg)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, cfg Config) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Config: &cfg})
	}

	w := formatter.Writer
	fmt.Fprintln(w, "✓ Config valid")
	fmt.Fprintf(w, "  strategy: %s, %d players, timestep %dms\n", cfg.Strategy, cfg.Players, cfg.TimestepMs)
	if formatter.Verbose {
		fmt.Fprintf(w, "  max_predicted_frames: %d\n", cfg.MaxPredictedFrames)
		fmt.Fprintf(w, "  catch_up: threshold %d, multiplier %d, authoritative only %v\n",
			cfg.CatchUp.Threshold, cfg.CatchUp.Multiplier, cfg.CatchUp.AuthoritativeOnly)
		fmt.Fprintf(w, "  ping: every %dms, discount %v\n", cfg.PingIntervalMs, cfg.PingDiscount)
		fmt.Fprintf(w, "  state_sync_period: %d, latency_buffer_ms: %d\n", cfg.StateSyncPeriod, cfg.LatencyBufferMs)
	}
	return nil
}

// outputValidationErrors outputs schema violations.
func outputValidationErrors(formatter *OutputFormatter, problems []ConfigProblem) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Problems: problems},
			Error: &CLIError{
				Code:    ErrCodeConfig,
				Message: problems[0].Message,
			},
		}
		if err := writeJSON(formatter.Writer, response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, p := range problems {
		if p.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", p.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", ErrCodeConfig, p.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))
}
