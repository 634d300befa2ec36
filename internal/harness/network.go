package harness

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/transport"
	"github.com/roach88/rewind/internal/wire"
)

type direction struct {
	from, to ir.PlayerID
}

type envelope struct {
	from, to ir.PlayerID
	data     []byte
	due      int
}

// Network is an in-memory network whose clock is the harness step.
//
// A message sent during step s on a direction with latency l is delivered
// at step s+l, after every peer has stepped. Messages are encoded on send,
// so peers never share memory, and each direction is FIFO.
type Network struct {
	mu      sync.Mutex
	step    int
	latency map[direction]int
	def     int
	holds   []HoldSpec
	queues  map[direction][]envelope
	sent    int
	closed  map[direction]bool
}

// NewNetwork builds a network from its scenario description.
func NewNetwork(spec NetworkSpec) *Network {
	n := &Network{
		latency: make(map[direction]int, len(spec.Links)),
		def:     spec.Latency,
		holds:   append([]HoldSpec(nil), spec.Holds...),
		queues:  make(map[direction][]envelope),
		closed:  make(map[direction]bool),
	}
	for _, l := range spec.Links {
		n.latency[direction{l.From, l.To}] = l.Latency
	}
	return n
}

// SetStep moves the network clock.
func (n *Network) SetStep(step int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.step = step
}

// Link returns the sending side owned by from, reaching to.
func (n *Network) Link(from, to ir.PlayerID) transport.Link {
	return &stepLink{net: n, dir: direction{from, to}}
}

// InFlight returns the number of undelivered messages.
func (n *Network) InFlight() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, q := range n.queues {
		total += len(q)
	}
	return total
}

// Sent returns the number of messages accepted so far.
func (n *Network) Sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

func (n *Network) send(dir direction, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed[dir] {
		return transport.ErrLinkClosed
	}

	lat, ok := n.latency[dir]
	if !ok {
		lat = n.def
	}
	due := n.step + lat
	for _, h := range n.holds {
		if h.From != dir.from || h.To != dir.to || n.step < h.Start {
			continue
		}
		if h.End == 0 {
			due = math.MaxInt
		} else if n.step < h.End && due < h.End {
			due = h.End
		}
	}
	// A later message never overtakes an earlier one.
	if q := n.queues[dir]; len(q) > 0 && q[len(q)-1].due > due {
		due = q[len(q)-1].due
	}

	n.queues[dir] = append(n.queues[dir], envelope{from: dir.from, to: dir.to, data: data, due: due})
	n.sent++
	return nil
}

// Due removes and returns the messages deliverable at the current step,
// ordered by direction and then FIFO.
func (n *Network) Due() []envelope {
	return n.take(func(e envelope) bool { return e.due <= n.step })
}

// Flush removes and returns every message that will ever be delivered.
func (n *Network) Flush() []envelope {
	return n.take(func(e envelope) bool { return e.due != math.MaxInt })
}

func (n *Network) take(ready func(envelope) bool) []envelope {
	n.mu.Lock()
	defer n.mu.Unlock()

	dirs := make([]direction, 0, len(n.queues))
	for d := range n.queues {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if dirs[i].from != dirs[j].from {
			return dirs[i].from < dirs[j].from
		}
		return dirs[i].to < dirs[j].to
	})

	var out []envelope
	for _, d := range dirs {
		q := n.queues[d]
		i := 0
		for i < len(q) && ready(q[i]) {
			i++
		}
		out = append(out, q[:i]...)
		n.queues[d] = q[i:]
	}
	return out
}

// stepLink is one direction of the network. Delivery is driven by the
// harness, so Receive only waits for ctx.
type stepLink struct {
	net *Network
	dir direction
}

func (l *stepLink) Send(m wire.Message) error { return l.net.send(l.dir, m) }

func (l *stepLink) Receive(ctx context.Context) (wire.Message, error) {
	<-ctx.Done()
	return wire.Message{}, ctx.Err()
}

func (l *stepLink) Properties() transport.Properties {
	return transport.Properties{Ordered: true, Reliable: true}
}

func (l *stepLink) Close() error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	l.net.closed[l.dir] = true
	return nil
}
