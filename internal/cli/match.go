package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/engine"
	"github.com/roach88/rewind/internal/game/arena"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/session"
	"github.com/roach88/rewind/internal/sim"
	"github.com/roach88/rewind/internal/store"
)

// gameName is the game recorded with every session the CLI plays.
const gameName = "arena"

// botHold is how many frames an arena bot keeps a direction.
const botHold = 8

// staticID hands a session an ID chosen before the session exists.
type staticID string

func (id staticID) Generate() string { return string(id) }

// PeerSummary is one peer's position when its session ended.
type PeerSummary struct {
	Player ir.PlayerID           `json:"player"`
	Frame  ir.Frame              `json:"frame"`
	Hash   string                `json:"hash"`
	Scores map[ir.PlayerID]int64 `json:"scores"`
	Stats  session.Stats         `json:"stats"`
}

// MatchSummary is the output of run, serve and join.
type MatchSummary struct {
	SessionID string        `json:"session_id"`
	Strategy  string        `json:"strategy"`
	Peers     []PeerSummary `json:"peers"`
	Database  string        `json:"database,omitempty"`
	Recorded  int           `json:"recorded,omitempty"`
}

// newLogger configures a text logger on w, at Debug when verbose.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// commandContext returns a context cancelled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan) // Prevent signal handler leak
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// roster lists the players of a match of n as seen by local. Player 0 is
// the host.
func roster(n int, local ir.PlayerID) ([]sim.Player, []ir.PlayerID) {
	players := make([]sim.Player, n)
	ids := make([]ir.PlayerID, n)
	for i := range players {
		id := ir.PlayerID(i)
		ids[i] = id
		players[i] = sim.Player{ID: id, Local: id == local, Authoritative: id == 0}
	}
	return players, ids
}

// peerConfig builds the session config of player local, driven by an
// arena bot.
func peerConfig(cfg Config, local ir.PlayerID, logger *slog.Logger, id string) session.Config {
	players, ids := roster(cfg.Players, local)
	var gen session.IDGenerator = session.UUIDv7Generator{}
	if id != "" {
		gen = staticID(id)
	}
	return session.Config{
		State:         arena.New(ids...),
		Players:       players,
		InitialInputs: arena.Idle(players),
		PollInput:     arena.Bot(cfg.Seed+int64(local), botHold),
		Codec:         arena.Codec{},
		Timestep:      cfg.Timestep(),
		PingInterval:  cfg.PingInterval(),
		PingDiscount:  cfg.PingDiscount,
		Frames:        cfg.frameLimit(),
		Logger:        logger.With("player", local),
		IDs:           gen,
	}
}

// recording stores the frames a rollback host confirms.
type recording struct {
	path     string
	store    *store.Store
	recorder *store.Recorder
}

// openRecording creates the session record and a recorder for it.
func openRecording(ctx context.Context, path string, cfg Config, id string, logger *slog.Logger) (*recording, error) {
	if cfg.Strategy != StrategyRollback {
		return nil, fmt.Errorf("recording requires the %s strategy, config has %s", StrategyRollback, cfg.Strategy)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	config, err := json.Marshal(cfg.recorded())
	if err != nil {
		st.Close()
		return nil, err
	}
	players, _ := roster(cfg.Players, 0)
	err = st.CreateSession(ctx, store.SessionRecord{
		ID:        id,
		Strategy:  cfg.Strategy,
		Game:      gameName,
		Players:   players,
		Config:    config,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &recording{
		path:     path,
		store:    st,
		recorder: store.NewRecorder(st, id, arena.Codec{}, logger),
	}, nil
}

// hook returns the confirmed-frame hook, nil when not recording.
func (r *recording) hook() func(engine.Entry) {
	if r == nil {
		return nil
	}
	return r.recorder.Hook
}

// close flushes the recorder and closes the database.
func (r *recording) close() (int, error) {
	if r == nil {
		return 0, nil
	}
	err := r.recorder.Close()
	if closeErr := r.store.Close(); err == nil {
		err = closeErr
	}
	return r.recorder.Written(), err
}

// runSessions runs every session until all have finished. The first
// failure cancels the others; a cancelled parent context is not a failure.
func runSessions(ctx context.Context, sessions ...*session.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, len(sessions))
	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *session.Session) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs[i] = fmt.Errorf("player %d: %w", s.Stats().Player, err)
				cancel()
			}
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// summarize reports the final position of every session.
func summarize(id string, cfg Config, sessions ...*session.Session) MatchSummary {
	out := MatchSummary{SessionID: id, Strategy: cfg.Strategy}
	for _, s := range sessions {
		p := PeerSummary{Frame: s.Frame(), Stats: s.Stats()}
		p.Player = p.Stats.Player
		if snap, err := s.Snapshot(); err == nil {
			p.Hash = ir.SnapshotHash(snap)
			p.Scores = scores(snap)
		}
		out.Peers = append(out.Peers, p)
	}
	sort.Slice(out.Peers, func(i, j int) bool { return out.Peers[i].Player < out.Peers[j].Player })
	return out
}

func scores(snap ir.Snapshot) map[ir.PlayerID]int64 {
	g := &arena.Game{}
	if err := g.Restore(snap); err != nil {
		return nil
	}
	return g.Scores()
}

// outputMatch writes a match summary in the configured format.
func outputMatch(f *OutputFormatter, summary MatchSummary) error {
	if f.Format == "json" {
		return writeJSON(f.Writer, CLIResponse{Status: "ok", Data: summary, SessionID: summary.SessionID})
	}

	w := f.Writer
	fmt.Fprintf(w, "Session %s (%s)\n", summary.SessionID, summary.Strategy)
	for _, p := range summary.Peers {
		fmt.Fprintf(w, "  player %d  frame %d  hash %.12s  scores %s\n", p.Player, p.Frame, p.Hash, formatScores(p.Scores))
		for _, link := range p.Stats.Peers {
			fmt.Fprintf(w, "    ping to player %d: %s\n", link.Player, link.Ping)
		}
	}
	if summary.Database != "" {
		fmt.Fprintf(w, "Recorded %d confirmed frame(s) to %s\n", summary.Recorded, summary.Database)
	}
	return nil
}

func formatScores(s map[ir.PlayerID]int64) string {
	ids := make([]ir.PlayerID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d:%d", id, s[id])
	}
	return strings.Join(parts, " ")
}
