// Package session drives one peer of a networked simulation.
//
// A Session owns a synchronization strategy and the links to its peers. Run
// is the cooperative single-threaded loop: link readers only enqueue, and
// the loop goroutine alone ticks the strategy and applies messages, so the
// strategies need no locks.
//
// Topology is a star. The authoritative peer holds one link per client and
// forwards inputs between clients when the strategy needs every peer to see
// every input. A non-authoritative peer holds a single link to the
// authoritative peer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/rewind/internal/engine"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/latency"
	"github.com/roach88/rewind/internal/sim"
	"github.com/roach88/rewind/internal/transport"
	"github.com/roach88/rewind/internal/wire"
)

// DefaultTimestep is the fixed tick interval.
const DefaultTimestep = 16 * time.Millisecond

// ErrUnsuitableLink is returned by New for links that are not both ordered
// and reliable.
var ErrUnsuitableLink = errors.New("link must be ordered and reliable")

// Config configures a Session.
type Config struct {
	State         sim.State
	Players       []sim.Player
	InitialInputs sim.Inputs
	PollInput     func() sim.Input
	Codec         sim.InputCodec

	// Timestep is the tick interval used by Run. Default: DefaultTimestep.
	Timestep time.Duration

	// PingInterval is how often Run pings each peer. Zero means
	// latency.DefaultPingInterval; negative disables pings.
	PingInterval time.Duration
	PingDiscount float64

	// Frames stops Run once the strategy reaches this frame. Zero runs
	// until the context ends.
	Frames ir.Frame

	Logger *slog.Logger
	Clock  latency.Clock
	IDs    IDGenerator
}

// Peer is a link and the player at its far end. For a non-authoritative
// session the player is the authoritative one.
type Peer struct {
	Player ir.PlayerID
	Link   transport.Link
}

// PeerStats report one link.
type PeerStats struct {
	Player       ir.PlayerID `json:"player"`
	Ping         string      `json:"ping"`
	PingMs       float64     `json:"ping_ms"`
	PingStdDevMs float64     `json:"ping_stddev_ms"`
	PingSamples  int         `json:"ping_samples"`
	PingDropped  int         `json:"ping_dropped"`
}

// Stats are a point-in-time view of a session.
type Stats struct {
	SessionID     string        `json:"session_id"`
	Strategy      string        `json:"strategy"`
	Player        ir.PlayerID   `json:"player"`
	Authoritative bool          `json:"authoritative"`
	Sent          int           `json:"sent"`
	Received      int           `json:"received"`
	Relayed       int           `json:"relayed"`
	Engine        StrategyStats `json:"engine"`
	Peers         []PeerStats   `json:"peers"`
}

// Session is one peer's side of a match.
//
// Step, Deliver, Ping and Stats are safe to call from several goroutines,
// but Run is the intended single caller of the first three.
type Session struct {
	mu       sync.Mutex
	id       string
	cfg      Config
	logger   *slog.Logger
	local    sim.Player
	peers    []Peer
	links    map[ir.PlayerID]transport.Link
	pingers  map[ir.PlayerID]*latency.Pinger
	strategy Strategy
	inbox    *inbox
	started  bool

	sent     int
	received int
	relayed  int
}

// New validates the configuration and links and builds the strategy.
func New(cfg Config, factory StrategyFactory, peers ...Peer) (*Session, error) {
	if cfg.Timestep == 0 {
		cfg.Timestep = DefaultTimestep
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = latency.DefaultPingInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = latency.SystemClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = UUIDv7Generator{}
	}

	if cfg.Timestep < 0 {
		return nil, fmt.Errorf("%w: negative timestep", engine.ErrInvalidConfig)
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("%w: input codec is required", engine.ErrInvalidConfig)
	}
	local, ok := sim.LocalPlayer(cfg.Players)
	if !ok {
		return nil, fmt.Errorf("%w: exactly one local player required", engine.ErrInvalidConfig)
	}
	if err := checkPeers(cfg.Players, local, peers); err != nil {
		return nil, err
	}

	id := cfg.IDs.Generate()
	s := &Session{
		id:      id,
		cfg:     cfg,
		logger:  cfg.Logger.With("session", id, "player", local.ID),
		local:   local,
		peers:   append([]Peer(nil), peers...),
		links:   make(map[ir.PlayerID]transport.Link, len(peers)),
		pingers: make(map[ir.PlayerID]*latency.Pinger, len(peers)),
		inbox:   newInbox(),
	}
	sort.Slice(s.peers, func(i, j int) bool { return s.peers[i].Player < s.peers[j].Player })
	for _, p := range s.peers {
		s.links[p.Player] = p.Link
		s.pingers[p.Player] = latency.NewPinger(cfg.Clock, cfg.PingDiscount, s.logger.With("peer", p.Player))
	}

	strategy, err := factory(Env{
		State:         cfg.State,
		Players:       cfg.Players,
		Local:         local,
		InitialInputs: cfg.InitialInputs,
		PollInput:     cfg.PollInput,
		Codec:         cfg.Codec,
		Logger:        s.logger,
		Clock:         cfg.Clock,
		Broadcast:     s.broadcast,
		SendTo:        s.sendTo,
	})
	if err != nil {
		return nil, err
	}
	s.strategy = strategy
	return s, nil
}

func checkPeers(players []sim.Player, local sim.Player, peers []Peer) error {
	byID := make(map[ir.PlayerID]sim.Player, len(players))
	for _, p := range players {
		byID[p.ID] = p
	}
	if !local.Authoritative && len(peers) != 1 {
		return fmt.Errorf("%w: a non-authoritative session needs exactly one peer, got %d", engine.ErrInvalidConfig, len(peers))
	}

	seen := make(map[ir.PlayerID]bool, len(peers))
	for _, peer := range peers {
		p, ok := byID[peer.Player]
		if !ok {
			return fmt.Errorf("%w: peer player %d is not in the session", engine.ErrInvalidConfig, peer.Player)
		}
		if p.Local {
			return fmt.Errorf("%w: peer player %d is local", engine.ErrInvalidConfig, peer.Player)
		}
		if !local.Authoritative && !p.Authoritative {
			return fmt.Errorf("%w: peer player %d is not authoritative", engine.ErrInvalidConfig, peer.Player)
		}
		if seen[peer.Player] {
			return fmt.Errorf("%w: two links for player %d", engine.ErrInvalidConfig, peer.Player)
		}
		seen[peer.Player] = true
		if peer.Link == nil {
			return fmt.Errorf("%w: player %d has no link", engine.ErrInvalidConfig, peer.Player)
		}
		if props := peer.Link.Properties(); !props.Ordered || !props.Reliable {
			return fmt.Errorf("player %d: %w (ordered=%t, reliable=%t)", peer.Player, ErrUnsuitableLink, props.Ordered, props.Reliable)
		}
	}
	return nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Run drives the session until the frame limit is reached, ctx ends, a link
// fails or a protocol violation occurs. It does not close the links.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.inbox.Close()
	}()

	s.logger.Info("session started", "strategy", s.strategy.Name(), "peers", len(s.peers))
	if err := s.Start(); err != nil {
		return s.fail(err)
	}

	for _, p := range s.peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			s.read(ctx, p)
		}(p)
	}

	ticker := time.NewTicker(s.cfg.Timestep)
	defer ticker.Stop()
	var pings <-chan time.Time
	if s.cfg.PingInterval > 0 && len(s.peers) > 0 {
		pt := time.NewTicker(s.cfg.PingInterval)
		defer pt.Stop()
		pings = pt.C
	}

	for {
		if s.Done() {
			s.logger.Info("session finished", "frame", s.Frame())
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := s.Step(); err != nil {
				return s.fail(err)
			}

		case <-pings:
			if err := s.Ping(); err != nil {
				return s.fail(err)
			}

		case <-s.inbox.Wait():
			for {
				in, ok := s.inbox.TryDequeue()
				if !ok {
					break
				}
				if in.err != nil {
					return s.linkFailed(in.from, in.err)
				}
				if err := s.Deliver(in.from, in.msg); err != nil {
					return s.fail(err)
				}
			}
		}
	}
}

func (s *Session) read(ctx context.Context, p Peer) {
	for {
		m, err := p.Link.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.inbox.Enqueue(inbound{from: p.Player, err: err})
			}
			return
		}
		if !s.inbox.Enqueue(inbound{from: p.Player, msg: m}) {
			return
		}
	}
}

func (s *Session) linkFailed(player ir.PlayerID, err error) error {
	if transport.IsClosed(err) {
		s.logger.Info("peer disconnected", "peer", player, "frame", s.Frame())
		if s.Done() {
			return nil
		}
	}
	return s.fail(fmt.Errorf("peer %d: %w", player, err))
}

func (s *Session) fail(err error) error {
	var pe *engine.ProtocolError
	if errors.As(err, &pe) {
		s.logger.Error("protocol violation", "code", pe.Code, "frame", pe.Frame, "culprit", pe.Player, "error", err)
		s.mu.Lock()
		dump := s.strategy.Dump()
		s.mu.Unlock()
		s.logger.Debug("strategy state at violation", "dump", dump)
		return err
	}
	s.logger.Error("session failed", "error", err)
	return err
}

// Start starts the strategy. Step and Deliver call it if needed.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Session) startLocked() error {
	if s.started {
		return nil
	}
	s.started = true
	return s.strategy.Start()
}

// Step runs one timestep of the strategy.
func (s *Session) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startLocked(); err != nil {
		return err
	}
	return s.strategy.Step()
}

// Deliver applies a message that arrived on the link to player from.
func (s *Session) Deliver(from ir.PlayerID, m wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startLocked(); err != nil {
		return err
	}
	s.received++

	switch m.Type {
	case wire.TypePingReq:
		resp, err := latency.Respond(m)
		if err != nil {
			return err
		}
		return s.sendTo(from, resp)
	case wire.TypePingResp:
		p, ok := s.pingers[from]
		if !ok {
			return engine.NewProtocolError(engine.ErrCodeUnknownPlayer, m.Frame, from, "ping response from unknown link")
		}
		return p.Handle(m)
	}

	relay := s.local.Authoritative && m.Type == wire.TypeInput && s.strategy.RelaysInputs()
	if s.local.Authoritative && m.Type == wire.TypeInput && m.Player != from {
		return engine.NewProtocolError(engine.ErrCodeUnexpectedMessage, m.Frame, m.Player,
			"input arrived on the link of player %d", from)
	}
	if err := s.strategy.Handle(m); err != nil {
		return err
	}
	if !relay {
		return nil
	}
	for _, p := range s.peers {
		if p.Player == from {
			continue
		}
		if err := p.Link.Send(m); err != nil {
			return fmt.Errorf("relay input to player %d: %w", p.Player, err)
		}
		s.relayed++
	}
	return nil
}

// Ping sends a ping request on every link.
func (s *Session) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.peers {
		if err := p.Link.Send(s.pingers[p.Player].Request()); err != nil {
			return fmt.Errorf("ping player %d: %w", p.Player, err)
		}
		s.sent++
	}
	return nil
}

// broadcast and sendTo run with s.mu held, from inside the strategy.
func (s *Session) broadcast(m wire.Message) error {
	for _, p := range s.peers {
		if err := p.Link.Send(m); err != nil {
			return fmt.Errorf("send %s to player %d: %w", m.Type, p.Player, err)
		}
		s.sent++
	}
	return nil
}

func (s *Session) sendTo(player ir.PlayerID, m wire.Message) error {
	link, ok := s.links[player]
	if !ok && !s.local.Authoritative && len(s.peers) == 1 {
		link, ok = s.peers[0].Link, true
	}
	if !ok {
		return fmt.Errorf("send %s: no link reaches player %d", m.Type, player)
	}
	if err := link.Send(m); err != nil {
		return fmt.Errorf("send %s to player %d: %w", m.Type, player, err)
	}
	s.sent++
	return nil
}

// Frame returns the strategy's current frame.
func (s *Session) Frame() ir.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy.Frame()
}

// Done reports whether the frame limit has been reached.
func (s *Session) Done() bool {
	return s.cfg.Frames > 0 && s.Frame() >= s.cfg.Frames
}

// Snapshot returns the snapshot of the strategy's newest frame.
func (s *Session) Snapshot() (ir.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy.Snapshot()
}

// History returns a copy of the strategy's history buffer. ok is false for
// strategies that do not keep one.
func (s *Session) History() (entries []engine.Entry, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.strategy.(historian)
	if !ok {
		return nil, false
	}
	return h.History().Entries(), true
}

// Stats returns a point-in-time view of the session.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		SessionID:     s.id,
		Strategy:      s.strategy.Name(),
		Player:        s.local.ID,
		Authoritative: s.local.Authoritative,
		Sent:          s.sent,
		Received:      s.received,
		Relayed:       s.relayed,
		Engine:        s.strategy.Stats(),
		Peers:         make([]PeerStats, 0, len(s.peers)),
	}
	for _, p := range s.peers {
		pg := s.pingers[p.Player]
		est := pg.Estimator()
		st.Peers = append(st.Peers, PeerStats{
			Player:       p.Player,
			Ping:         pg.Summary(),
			PingMs:       est.Average(),
			PingStdDevMs: est.StdDev(),
			PingSamples:  est.Samples(),
			PingDropped:  pg.Dropped(),
		})
	}
	return st
}
