package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/session"
	"github.com/roach88/rewind/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config   string
	Database string
	Frames   int

	// SessionID overrides the generated session ID (for testing).
	SessionID string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Play a local match between bots",
		Long: `Play a match between arena bots inside one process.

The host and every client get their own session. They talk over in-memory
links with the configured latency, so a run exercises the same strategy
code as a networked match. With --db the host records every confirmed
frame to SQLite for later verification with "rewind replay".

Example:
  rewind run --frames 600
  rewind run --config match.cue --db ./matches.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatch(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "session config (CUE or JSON)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record the match to this SQLite database")
	cmd.Flags().IntVar(&opts.Frames, "frames", 0, "stop after this many frames (overrides the config)")

	return cmd
}

func runMatch(opts *RunOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	cfg, err := loadCommandConfig(formatter, opts.Config)
	if err != nil {
		return err
	}
	if opts.Frames > 0 {
		cfg.Frames = opts.Frames
	}

	ctx, cancel := commandContext(cmd, logger)
	defer cancel()

	id := opts.SessionID
	if id == "" {
		id = session.UUIDv7Generator{}.Generate()
	}

	var rec *recording
	if opts.Database != "" {
		rec, err = openRecording(ctx, opts.Database, cfg, id, logger)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeUnsupported, "cannot record match", err)
		}
	}

	sessions, links, err := localMatch(cfg, id, logger, rec)
	defer func() {
		for _, l := range links {
			l.Close()
		}
	}()
	if err != nil {
		_, _ = rec.close()
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "cannot build match", err)
	}

	logger.Info("match starting", "session", id, "strategy", cfg.Strategy, "players", cfg.Players, "frames", cfg.Frames)
	runErr := runSessions(ctx, sessions...)

	summary := summarize(id, cfg, sessions...)
	if rec != nil {
		written, err := rec.close()
		if err != nil && runErr == nil {
			runErr = fmt.Errorf("recording: %w", err)
		}
		summary.Database = rec.path
		summary.Recorded = written
	}
	if runErr != nil {
		return formatter.Fail(ExitFailure, ErrCodeSession, "match failed", runErr)
	}
	return outputMatch(formatter, summary)
}

// localMatch builds the host and its clients joined by in-memory pipes.
func localMatch(cfg Config, id string, logger *slog.Logger, rec *recording) ([]*session.Session, []transport.Link, error) {
	var (
		hostPeers []session.Peer
		links     []transport.Link
		clients   []*session.Session
	)
	for i := 1; i < cfg.Players; i++ {
		player := ir.PlayerID(i)
		hostEnd, clientEnd := transport.NewPipe(transport.WithLatency(cfg.LinkLatency()))
		links = append(links, hostEnd, clientEnd)
		hostPeers = append(hostPeers, session.Peer{Player: player, Link: hostEnd})

		client, err := session.New(peerConfig(cfg, player, logger, id),
			cfg.StrategyFactory(false, logger, nil),
			session.Peer{Player: 0, Link: clientEnd})
		if err != nil {
			return nil, links, fmt.Errorf("player %d: %w", player, err)
		}
		clients = append(clients, client)
	}

	host, err := session.New(peerConfig(cfg, 0, logger, id),
		cfg.StrategyFactory(true, logger, rec.hook()),
		hostPeers...)
	if err != nil {
		return nil, links, fmt.Errorf("player 0: %w", err)
	}
	return append([]*session.Session{host}, clients...), links, nil
}

// loadCommandConfig loads a config, reporting schema problems as a failure.
func loadCommandConfig(f *OutputFormatter, path string) (Config, error) {
	cfg, err := LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	var cerr *ConfigError
	if errors.As(err, &cerr) {
		return Config{}, f.Fail(ExitFailure, ErrCodeConfig, "invalid config", err)
	}
	return Config{}, f.Fail(ExitCommandError, ErrCodeNotFound, "cannot read config", err)
}
