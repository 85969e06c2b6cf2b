package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dkeye/Gather/internal/domain"
)

// fakeStore backs manager tests without touching a real store backend.
type fakeStore struct {
	mu     sync.Mutex
	venues map[domain.VenueID]domain.VenueRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{venues: make(map[domain.VenueID]domain.VenueRecord)}
}

func (s *fakeStore) Create(ctx context.Context, rec *domain.VenueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.venues[rec.ID] = *rec
	return nil
}

func (s *fakeStore) FindByID(ctx context.Context, id domain.VenueID) (*domain.VenueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.venues[id]
	if !ok {
		return nil, fmt.Errorf("%w: venue %s", ErrNotFound, id)
	}
	return &rec, nil
}

func (s *fakeStore) FindByName(ctx context.Context, name string) (*domain.VenueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.venues {
		if rec.Name == name {
			found := rec
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: venue named %q", ErrNotFound, name)
}

func (s *fakeStore) Update(ctx context.Context, rec *domain.VenueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.venues[rec.ID]; !ok {
		return fmt.Errorf("%w: venue %s", ErrNotFound, rec.ID)
	}
	s.venues[rec.ID] = *rec
	return nil
}

// fakeEngine hands out fake routers and remembers them for inspection.
type fakeEngine struct {
	mu      sync.Mutex
	routers []*fakeRouter
}

func (e *fakeEngine) CreateRouter(ctx context.Context) (Router, error) {
	r := &fakeRouter{id: uuid.NewString()}
	e.mu.Lock()
	e.routers = append(e.routers, r)
	e.mu.Unlock()
	return r, nil
}

func (e *fakeEngine) lastRouter() *fakeRouter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.routers) == 0 {
		return nil
	}
	return e.routers[len(e.routers)-1]
}

type fakeRouter struct {
	id string

	// closeTransportOnCreate hands out transports that are already dead,
	// simulating an engine-side close racing the caller.
	closeTransportOnCreate bool

	mu         sync.Mutex
	closed     bool
	transports []*fakeTransport
}

func (r *fakeRouter) ID() string { return r.id }

func (r *fakeRouter) RTPCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":["opus","vp8"]}`)
}

func (r *fakeRouter) CreateTransport(ctx context.Context, direction MediaDirection) (Transport, error) {
	t := &fakeTransport{id: uuid.NewString(), direction: direction}
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	if r.closeTransportOnCreate {
		t.fireClose("transport closed")
	}
	return t, nil
}

func (r *fakeRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := r.transports
	r.mu.Unlock()

	for _, t := range transports {
		t.fireClose("router closed")
	}
	return nil
}

func (r *fakeRouter) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeTransport struct {
	id        string
	direction MediaDirection
	connected json.RawMessage

	mu       sync.Mutex
	closed   bool
	reason   string
	closeFns []func(reason string)
}

func (t *fakeTransport) ID() string                { return t.id }
func (t *fakeTransport) Direction() MediaDirection { return t.direction }
func (t *fakeTransport) Options() TransportOptions { return TransportOptions{ID: t.id} }
func (t *fakeTransport) OnClose(fn func(reason string)) {
	t.mu.Lock()
	if t.closed {
		reason := t.reason
		t.mu.Unlock()
		fn(reason)
		return
	}
	t.closeFns = append(t.closeFns, fn)
	t.mu.Unlock()
}

func (t *fakeTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	t.connected = dtlsParameters
	return nil
}

func (t *fakeTransport) Produce(ctx context.Context, opts ProduceOptions) (Producer, error) {
	id := opts.ProducerID
	if id == "" {
		id = uuid.NewString()
	}
	return &fakeProducer{id: id, kind: opts.Kind}, nil
}

func (t *fakeTransport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (Consumer, error) {
	return &fakeConsumer{id: uuid.NewString(), producerID: producerID}, nil
}

func (t *fakeTransport) Close() error {
	t.fireClose("transport closed")
	return nil
}

func (t *fakeTransport) fireClose(reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.reason = reason
	fns := t.closeFns
	t.closeFns = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeProducer struct {
	id       string
	kind     MediaKind
	closeErr error

	mu       sync.Mutex
	paused   bool
	closed   bool
	reason   string
	closeFns []func(reason string)
}

func (p *fakeProducer) ID() string      { return p.id }
func (p *fakeProducer) Kind() MediaKind { return p.kind }

func (p *fakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakeProducer) SetPaused(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
}

func (p *fakeProducer) OnClose(fn func(reason string)) {
	p.mu.Lock()
	if p.closed {
		reason := p.reason
		p.mu.Unlock()
		fn(reason)
		return
	}
	p.closeFns = append(p.closeFns, fn)
	p.mu.Unlock()
}

func (p *fakeProducer) Close() error {
	p.fireClose("producer closed")
	return p.closeErr
}

func (p *fakeProducer) fireClose(reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.reason = reason
	fns := p.closeFns
	p.closeFns = nil
	p.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

type fakeConsumer struct {
	id         string
	producerID string

	mu       sync.Mutex
	paused   bool
	closed   bool
	reason   string
	closeFns []func(reason string)
}

func (c *fakeConsumer) ID() string         { return c.id }
func (c *fakeConsumer) ProducerID() string { return c.producerID }

func (c *fakeConsumer) Options() ConsumerOptions {
	return ConsumerOptions{ID: c.id, ProducerID: c.producerID, Kind: KindAudio}
}

func (c *fakeConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *fakeConsumer) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

func (c *fakeConsumer) OnClose(fn func(reason string)) {
	c.mu.Lock()
	if c.closed {
		reason := c.reason
		c.mu.Unlock()
		fn(reason)
		return
	}
	c.closeFns = append(c.closeFns, fn)
	c.mu.Unlock()
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.reason = "consumer closed"
	fns := c.closeFns
	c.closeFns = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn("consumer closed")
	}
	return nil
}
