package effects

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lightdeck/lightdeck/internal/protocol"
)

// Session lifecycle states.
const (
	StateSnapshotting int32 = iota
	StatePlaying
	StateRestoring
	StateEnded
)

// snapshot is the device state captured when a session starts, used to
// restore the device afterwards.
type snapshot struct {
	color protocol.HSBK
	power bool
}

// Session is the runtime lifecycle of one effect playing on one device.
// At most one session is active per device; a newer session supersedes an
// older one and inherits its snapshot, so a chain of supersessions always
// restores to the state before the first of the chain.
type Session struct {
	ID       string
	EffectID string
	MAC      string

	snap       snapshot
	state      atomic.Int32
	superseded atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed once the slot is released
}

func newSession(effectID, mac string, snap snapshot) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:       uuid.New().String(),
		EffectID: effectID,
		MAC:      mac,
		snap:     snap,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() int32 {
	return s.state.Load()
}

// Done is closed when the session has fully ended, restore included.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop signals cancellation. The worker aborts its current wait, runs the
// restore sequence and releases the slot. Stopping an ended session is a
// no-op.
func (s *Session) Stop() {
	if s.state.Load() == StateEnded {
		return
	}
	s.cancel()
}

// supersede cancels the session on behalf of a successor: the restore step
// is skipped and the snapshot is handed over. Blocks until the slot is
// released and returns the inherited snapshot.
func (s *Session) supersede() snapshot {
	s.superseded.Store(true)
	s.cancel()
	<-s.done
	return s.snap
}

// wait sleeps for d or until the session is cancelled. Returns false on
// cancellation.
func (s *Session) wait(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
