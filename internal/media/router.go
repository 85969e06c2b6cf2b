package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gather/internal/core"
)

const (
	reasonRouterClosed    = "router closed"
	reasonTransportClosed = "transport closed"
)

// Router is one SFU context. It tracks the transports created under it and
// the relays feeding consumers, and tears all of them down on Close.
type Router struct {
	engine *Engine
	id     string

	mu         sync.Mutex
	closed     bool
	transports map[string]*Transport
	relays     map[string]*relay // keyed by producer id
}

func newRouter(engine *Engine) *Router {
	return &Router{
		engine:     engine,
		id:         newID(),
		transports: make(map[string]*Transport),
		relays:     make(map[string]*relay),
	}
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() json.RawMessage { return r.engine.caps }

func (r *Router) CreateTransport(ctx context.Context, direction core.MediaDirection) (core.Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("router %s is closed", r.id)
	}
	r.mu.Unlock()

	t, err := newTransport(r, direction)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.transports[t.ID()] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := r.transports
	r.transports = make(map[string]*Transport)
	r.relays = make(map[string]*relay)
	r.mu.Unlock()

	for _, t := range transports {
		t.closeWithReason(reasonRouterClosed)
	}
	log.Info().Str("module", "media").Str("router", r.id).Msg("router closed")
	return nil
}

func (r *Router) registerRelay(producerID string, rl *relay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relays[producerID] = rl
}

func (r *Router) relayFor(producerID string) (*relay, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rl, ok := r.relays[producerID]
	return rl, ok
}

func (r *Router) dropRelay(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.relays, producerID)
}

func (r *Router) dropTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}
