package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/game/arena"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database  string
	SessionID string // optional - specific session only
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Sessions      []store.VerifyReport `json:"sessions"`
	TotalSessions int                  `json:"total_sessions"`
	AllVerified   bool                 `json:"all_verified"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-simulate recorded matches and verify their hashes",
		Long: `Re-simulate recorded matches from their confirmed inputs.

Each recording is restored from its first stored snapshot and ticked forward
with the recorded inputs. Every frame's snapshot hash must match the hash the
host stored, otherwise the first diverging frame is reported.

Exit codes:
  0 - Every session replayed to its recorded hashes
  1 - A recording diverged
  2 - Command error (database or session not found, etc.)

Examples:
  rewind replay --db ./matches.db
  rewind replay --db ./matches.db --session 0190c7a2-...
  rewind replay --db ./matches.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "verify this session only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := newFormatter(opts.RootOptions, cmd)

	if _, err := os.Stat(opts.Database); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, "database not found", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, "failed to open database", err)
	}
	defer st.Close()

	// Get sessions to process
	var sessions []store.SessionRecord
	if opts.SessionID != "" {
		rec, err := st.ReadSession(ctx, opts.SessionID)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, "failed to read session", err)
		}
		sessions = []store.SessionRecord{rec}
	} else {
		sessions, err = st.ListSessions(ctx)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to list sessions", err)
		}
	}

	result := ReplayResult{
		Sessions:      make([]store.VerifyReport, 0, len(sessions)),
		TotalSessions: len(sessions),
		AllVerified:   true,
	}
	for _, rec := range sessions {
		formatter.VerboseLog("Verifying session %s (%d frames)", rec.ID, rec.Frames)
		report, err := verifySession(ctx, st, rec)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("failed to replay session %s", rec.ID), err)
		}
		result.Sessions = append(result.Sessions, report)
		if !report.OK() {
			result.AllVerified = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result)
}

// verifySession replays one recording with the state of its game.
func verifySession(ctx context.Context, st *store.Store, rec store.SessionRecord) (store.VerifyReport, error) {
	if rec.Game != gameName {
		return store.VerifyReport{}, fmt.Errorf("unknown game %q", rec.Game)
	}
	ids := make([]ir.PlayerID, len(rec.Players))
	for i, p := range rec.Players {
		ids[i] = p.ID
	}
	return store.Verify(ctx, st, rec.ID, arena.Factory(ids...), arena.Codec{})
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	if !result.AllVerified {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    ErrCodeDesync,
			Message: "replay verification failed",
		}
	}

	if err := writeJSON(cmd.OutOrStdout(), response); err != nil {
		return err
	}

	if !result.AllVerified {
		// Desync = exit code 1
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult) error {
	w := cmd.OutOrStdout()

	if result.TotalSessions == 0 {
		fmt.Fprintln(w, "No sessions found in database.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d session(s)\n", result.TotalSessions)
	fmt.Fprintln(w)

	for _, r := range result.Sessions {
		status := "✓"
		if !r.OK() {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Session: %s\n", status, r.SessionID)
		fmt.Fprintf(w, "  Frames: %d (%d..%d)\n", r.Frames, r.FirstFrame, r.LastFrame)
		if d := r.Divergence; d != nil {
			fmt.Fprintf(w, "  Diverged at frame %d: %s\n", d.Frame, d.Reason)
			if d.Want != "" || d.Got != "" {
				fmt.Fprintf(w, "    want %s\n    got  %s\n", d.Want, d.Got)
			}
		}
		fmt.Fprintln(w)
	}

	if result.AllVerified {
		fmt.Fprintln(w, "✓ All sessions replayed to their recorded hashes")
		return nil
	}

	fmt.Fprintln(w, "✗ Replay verification failed")
	// Desync = exit code 1
	return NewExitError(ExitFailure, "replay verification failed")
}
