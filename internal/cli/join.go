package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/session"
	"github.com/roach88/rewind/internal/transport"
)

// JoinOptions holds flags for the join command.
type JoinOptions struct {
	*RootOptions
	Config string
	Player int
	Frames int
	Linger time.Duration
}

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "join <url>",
		Short: "Join a networked match",
		Long: `Join a match hosted with "rewind serve" as a bot-driven client.

The config must match the host's. Clients are numbered in the order they
connect, so --player must be 1 for the first client to join, 2 for the
second and so on.

Example:
  rewind join ws://localhost:8080/ws
  rewind join ws://10.0.0.5:8080/ws --player 2 --config match.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "session config (CUE or JSON)")
	cmd.Flags().IntVar(&opts.Player, "player", 1, "this client's player number")
	cmd.Flags().IntVar(&opts.Frames, "frames", 0, "stop after this many frames (overrides the config)")
	cmd.Flags().DurationVar(&opts.Linger, "linger", DefaultLinger, "keep the link open this long after finishing")

	return cmd
}

func runJoin(opts *JoinOptions, url string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	cfg, err := loadCommandConfig(formatter, opts.Config)
	if err != nil {
		return err
	}
	if opts.Frames > 0 {
		cfg.Frames = opts.Frames
	}
	if opts.Player < 1 || opts.Player >= cfg.Players {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric,
			fmt.Sprintf("player must be between 1 and %d", cfg.Players-1), nil)
	}

	ctx, cancel := commandContext(cmd, logger)
	defer cancel()

	summary, err := joinMatch(ctx, url, cfg, ir.PlayerID(opts.Player), opts.Linger, logger)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeSession, "match failed", err)
	}
	return outputMatch(formatter, summary)
}

// joinMatch dials the host and runs a client session for player.
func joinMatch(ctx context.Context, url string, cfg Config, player ir.PlayerID, linger time.Duration, logger *slog.Logger) (MatchSummary, error) {
	link, err := transport.Dial(ctx, url)
	if err != nil {
		return MatchSummary{}, err
	}
	defer link.Close()
	logger.Info("connected", "url", url, "player", player)

	s, err := session.New(peerConfig(cfg, player, logger, ""),
		cfg.StrategyFactory(false, logger, nil),
		session.Peer{Player: 0, Link: link})
	if err != nil {
		return MatchSummary{}, err
	}

	if err := runSessions(ctx, s); err != nil {
		return summarize(s.ID(), cfg, s), err
	}
	wait(ctx, linger)
	return summarize(s.ID(), cfg, s), nil
}
