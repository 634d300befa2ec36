package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/session"
	"github.com/roach88/rewind/internal/transport"
)

// DefaultLinger is how long a finished peer keeps its links open so slower
// peers can reach the frame limit too.
const DefaultLinger = time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config    string
	Database  string
	Addr      string
	Frames    int
	Linger    time.Duration
	SessionID string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host a networked match",
		Long: `Host a match as the authoritative player 0.

Clients connect with "rewind join ws://<addr>/ws" and are numbered 1, 2, ...
in the order they connect. The match starts once every player configured
in the session config has joined. GET /status returns the host's live
session stats as JSON.

Example:
  rewind serve --addr :8080 --frames 3600
  rewind serve --config match.cue --db ./matches.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "session config (CUE or JSON)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record the match to this SQLite database")
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().IntVar(&opts.Frames, "frames", 0, "stop after this many frames (overrides the config)")
	cmd.Flags().DurationVar(&opts.Linger, "linger", DefaultLinger, "keep links open this long after finishing")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
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

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "cannot listen", err)
	}

	id := opts.SessionID
	if id == "" {
		id = session.UUIDv7Generator{}.Generate()
	}

	var rec *recording
	if opts.Database != "" {
		rec, err = openRecording(ctx, opts.Database, cfg, id, logger)
		if err != nil {
			ln.Close()
			return formatter.Fail(ExitCommandError, ErrCodeUnsupported, "cannot record match", err)
		}
	}

	logger.Info("waiting for players", "addr", ln.Addr().String(), "players", cfg.Players-1)
	summary, runErr := serveMatch(ctx, ln, cfg, id, opts.Linger, logger, rec)
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

// serveMatch accepts one websocket link per client on ln, then runs the
// host session. It owns ln.
func serveMatch(ctx context.Context, ln net.Listener, cfg Config, id string, linger time.Duration, logger *slog.Logger, rec *recording) (MatchSummary, error) {
	var (
		mu   sync.Mutex
		host *session.Session
	)
	status := func() any {
		mu.Lock()
		defer mu.Unlock()
		if host == nil {
			return map[string]any{"session_id": id, "state": "waiting"}
		}
		return host.Stats()
	}

	srv := transport.NewServer(logger, status)
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()
	defer httpSrv.Close()

	peers := make([]session.Peer, 0, cfg.Players-1)
	defer func() {
		for _, p := range peers {
			p.Link.Close()
		}
	}()
	for i := 1; i < cfg.Players; i++ {
		link, err := srv.Accept(ctx)
		if err != nil {
			return MatchSummary{SessionID: id, Strategy: cfg.Strategy}, fmt.Errorf("waiting for player %d: %w", i, err)
		}
		peers = append(peers, session.Peer{Player: ir.PlayerID(i), Link: link})
		logger.Info("player joined", "player", i)
	}

	s, err := session.New(peerConfig(cfg, 0, logger, id), cfg.StrategyFactory(true, logger, rec.hook()), peers...)
	if err != nil {
		return MatchSummary{SessionID: id, Strategy: cfg.Strategy}, err
	}
	mu.Lock()
	host = s
	mu.Unlock()

	runErr := runSessions(ctx, s)
	if runErr == nil {
		wait(ctx, linger)
	}
	return summarize(id, cfg, s), runErr
}

// wait blocks for d or until ctx ends.
func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
