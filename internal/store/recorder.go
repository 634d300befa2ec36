package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/rewind/internal/engine"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/sim"
)

const recorderBacklog = 256

// Recorder writes confirmed frames to a store on its own goroutine.
//
// Hook is meant for engine.WithConfirmedHook; it encodes the entry on the
// caller's goroutine and hands it to the writer. Once a write fails, later
// frames are dropped and Close returns the first error.
type Recorder struct {
	store     *Store
	sessionID string
	codec     sim.InputCodec
	logger    *slog.Logger

	frames chan FrameRecord
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	err     error
	written int
}

// NewRecorder starts a recorder for an existing session record.
func NewRecorder(s *Store, sessionID string, codec sim.InputCodec, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:     s,
		sessionID: sessionID,
		codec:     codec,
		logger:    logger,
		frames:    make(chan FrameRecord, recorderBacklog),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for rec := range r.frames {
		if r.failed() {
			continue
		}
		if err := r.store.WriteFrame(ctx, r.sessionID, rec); err != nil {
			r.fail(err)
			continue
		}
		r.mu.Lock()
		r.written++
		r.mu.Unlock()
	}
}

// Hook records one confirmed history entry.
func (r *Recorder) Hook(e engine.Entry) {
	rec, err := r.encode(e)
	if err != nil {
		r.fail(err)
		return
	}
	r.frames <- rec
}

func (r *Recorder) encode(e engine.Entry) (FrameRecord, error) {
	rec := FrameRecord{
		Frame:    e.Frame,
		Snapshot: e.Snapshot.Clone(),
		Inputs:   make(map[ir.PlayerID][]byte, len(e.Inputs)),
	}
	for p, slot := range e.Inputs {
		if !slot.Confirmed {
			return FrameRecord{}, fmt.Errorf("record frame %d: input for player %d is predicted", e.Frame, p)
		}
		payload, err := r.codec.EncodeInput(slot.Value)
		if err != nil {
			return FrameRecord{}, fmt.Errorf("record frame %d: encode input for player %d: %w", e.Frame, p, err)
		}
		rec.Inputs[p] = payload
	}
	return rec, nil
}

func (r *Recorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
		r.logger.Error("recording failed", "session", r.sessionID, "error", err)
	}
}

func (r *Recorder) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err != nil
}

// Written returns the number of frames stored so far.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close waits for queued frames to be written and returns the first error.
// Hook must not be called after Close.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.frames) })
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
