package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/rewind/internal/wire"
)

type pending struct {
	data []byte
	due  time.Time
}

// mailbox is one direction of a pipe: an unbounded FIFO with a coalescing
// signal channel.
type mailbox struct {
	mu     sync.Mutex
	items  []pending
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		items:  make([]pending, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

func (b *mailbox) put(p pending) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrLinkClosed
	}
	b.items = append(b.items, p)
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

// head returns the front item without removing it.
func (b *mailbox) head() (pending, bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return pending{}, false, b.closed
	}
	return b.items[0], true, b.closed
}

func (b *mailbox) pop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[0] = pending{}
	if len(b.items) == 1 {
		b.items = b.items[:0]
	} else {
		b.items = b.items[1:]
	}
}

func (b *mailbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.signal)
}

// PipeOption configures NewPipe.
type PipeOption func(*pipeConfig)

type pipeConfig struct {
	latency time.Duration
	now     func() time.Time
}

// WithLatency delays every message by d. Messages still arrive in the order
// they were sent.
func WithLatency(d time.Duration) PipeOption {
	return func(c *pipeConfig) {
		c.latency = d
	}
}

// PipeEnd is one end of an in-memory pipe.
//
// Messages are encoded on Send and decoded on Receive, so the receiver never
// shares memory with the sender and malformed messages fail the same way
// they would on a network link.
type PipeEnd struct {
	in   *mailbox
	out  *mailbox
	cfg  pipeConfig
	once sync.Once
}

// NewPipe returns two connected ends. Closing either end closes both.
func NewPipe(opts ...PipeOption) (*PipeEnd, *PipeEnd) {
	cfg := pipeConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	ab, ba := newMailbox(), newMailbox()
	return &PipeEnd{in: ba, out: ab, cfg: cfg}, &PipeEnd{in: ab, out: ba, cfg: cfg}
}

// Send implements Link.
func (p *PipeEnd) Send(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return p.out.put(pending{data: data, due: p.cfg.now().Add(p.cfg.latency)})
}

// Receive implements Link. Messages already in flight when the pipe closes
// are still delivered.
func (p *PipeEnd) Receive(ctx context.Context) (wire.Message, error) {
	for {
		item, ok, closed := p.in.head()
		if !ok {
			if closed {
				return wire.Message{}, ErrLinkClosed
			}
			select {
			case <-ctx.Done():
				return wire.Message{}, ctx.Err()
			case <-p.in.signal:
			}
			continue
		}

		if wait := item.due.Sub(p.cfg.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return wire.Message{}, ctx.Err()
			case <-timer.C:
			}
			continue
		}

		p.in.pop()
		m, err := wire.Decode(item.data)
		if err != nil {
			return wire.Message{}, fmt.Errorf("pipe: %w", err)
		}
		return m, nil
	}
}

// Properties implements Link. Pipes are ordered and reliable.
func (p *PipeEnd) Properties() Properties {
	return Properties{Ordered: true, Reliable: true}
}

// Close implements Link.
func (p *PipeEnd) Close() error {
	p.once.Do(func() {
		p.in.close()
		p.out.close()
	})
	return nil
}
