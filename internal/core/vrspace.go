package core

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// transformFlushInterval bounds how often accumulated transforms are
// fanned out. Updates arriving inside the window are coalesced per
// connection, last write wins.
const transformFlushInterval = 10 * time.Millisecond

// VRSpace is the venue's virtual-space surface: a rate-limited fan-out
// of member transforms over the same per-client event channels the rest
// of the venue uses.
type VRSpace struct {
	venue *Venue

	mu       sync.Mutex
	open     bool
	pending  TransformBatch
	flushing bool
	timer    *time.Timer
}

func NewVRSpace(venue *Venue) *VRSpace {
	return &VRSpace{
		venue:   venue,
		pending: make(TransformBatch),
	}
}

func (s *VRSpace) Open() {
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
}

func (s *VRSpace) Close() {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
}

func (s *VRSpace) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// UpdateTransform records a member's transform and schedules a trailing
// flush. Updates against a closed space are dropped with a warning.
func (s *VRSpace) UpdateTransform(id ConnectionID, transform json.RawMessage) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		log.Warn().Str("module", "core.vrspace").Str("venue", string(s.venue.ID())).
			Str("cid", string(id)).Msg("transform for a vr space that is not open")
		return
	}
	s.pending[id] = transform
	if !s.flushing {
		s.flushing = true
		s.timer = time.AfterFunc(transformFlushInterval, s.flush)
	}
	s.mu.Unlock()
}

func (s *VRSpace) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(TransformBatch)
	s.flushing = false
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	s.venue.EmitToAllMembers(func(ev *ClientEvents) bool {
		return ev.Transforms.Emit(batch)
	})
}

// Unload stops the flush timer and drops pending transforms. The venue
// calls this exactly once during its own unload.
func (s *VRSpace) Unload() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.flushing = false
	s.open = false
	s.pending = make(TransformBatch)
	s.mu.Unlock()
}
