package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	outStateOk int32 = iota
	outStatePaused
	outStateDelete
)

// outTrack is one consumer's end of a relay.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state int32 // accessed atomically
}

// relay pumps RTP from one producer track to every subscribed consumer
// track. The producer can pause the whole relay; each consumer pauses its
// own out track.
type relay struct {
	src    *webrtc.TrackRemote
	paused atomic.Bool

	mu   sync.RWMutex
	outs map[string]*outTrack // keyed by consumer id

	cancel context.CancelFunc
}

func newRelay(src *webrtc.TrackRemote) *relay {
	return &relay{
		src:  src,
		outs: make(map[string]*outTrack),
	}
}

func (r *relay) start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

func (r *relay) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "media").
				Str("track", r.src.ID()).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt)
	}
}

func (r *relay) forward(pkt *rtp.Packet) {
	if r.paused.Load() {
		return
	}

	r.mu.RLock()
	dirty := false
	for id, ot := range r.outs {
		state := atomic.LoadInt32(&ot.state)
		if state == outStateDelete {
			dirty = true
			continue
		}
		if state == outStatePaused {
			continue
		}
		if err := ot.track.WriteRTP(pkt); err != nil {
			log.Error().Err(err).Str("module", "media").
				Str("consumer", id).Msg("relay write failed, dropping out track")
			atomic.StoreInt32(&ot.state, outStateDelete)
			dirty = true
		}
	}
	r.mu.RUnlock()

	if dirty {
		r.cleanupDeleted()
	}
}

func (r *relay) addOut(consumerID string, track *webrtc.TrackLocalStaticRTP) *outTrack {
	ot := &outTrack{track: track}
	r.mu.Lock()
	r.outs[consumerID] = ot
	r.mu.Unlock()
	return ot
}

func (r *relay) removeOut(consumerID string) {
	r.mu.Lock()
	delete(r.outs, consumerID)
	r.mu.Unlock()
}

func (r *relay) cleanupDeleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ot := range r.outs {
		if atomic.LoadInt32(&ot.state) == outStateDelete {
			delete(r.outs, id)
		}
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outs {
		atomic.StoreInt32(&ot.state, outStateDelete)
	}
}

func (r *relay) stop() {
	if r.cancel != nil {
		r.cancel()
	}
}
