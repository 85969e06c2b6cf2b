package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lucsky/cuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gather/internal/domain"
)

// ConnectionID identifies one live socket connection. It differs from the
// user id: a user can hold several concurrent connections, each with its
// own Client.
type ConnectionID string

func NewConnectionID() ConnectionID {
	return ConnectionID(cuid.New())
}

const (
	reasonPeerRequest   = "closed by peer request"
	reasonAllTransports = "closing all transports for client"
	reasonAllProducers  = "closing all producers for client"
	reasonAllConsumers  = "closing all consumers for client"
)

// Client is the server-side state for one connection: resolved identity,
// current venue (held as an id lookup, never an owning pointer) and the
// registries of media resources the connection owns.
type Client struct {
	ConnectionID ConnectionID
	Events       *ClientEvents

	venues *VenueManager

	mu               sync.RWMutex
	user             *domain.User
	connected        bool
	rtpCapabilities  json.RawMessage
	venueID          domain.VenueID
	roomID           domain.RoomID
	sendTransport    Transport
	receiveTransport Transport
	producers        map[string]Producer
	consumers        map[string]Consumer
}

func NewClient(user *domain.User, venues *VenueManager) *Client {
	return &Client{
		ConnectionID: NewConnectionID(),
		Events:       &ClientEvents{},
		venues:       venues,
		user:         user,
		connected:    true,
		producers:    make(map[string]Producer),
		consumers:    make(map[string]Consumer),
	}
}

func (c *Client) UserID() domain.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user.ID
}

func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user.Username
}

func (c *Client) Role() domain.UserRole {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user.Role
}

func (c *Client) SetName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user.SetUsername(name)
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) SetRTPCapabilities(caps json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtpCapabilities = caps
}

func (c *Client) RTPCapabilities() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rtpCapabilities
}

// SetVenue assigns the current venue id. You should never need to call this
// directly: the venue calls it when it adds or removes the client. Calling
// it anywhere else bypasses the membership invariants.
func (c *Client) SetVenue(id domain.VenueID) {
	c.mu.Lock()
	c.venueID = id
	if id == "" {
		c.roomID = ""
	}
	c.mu.Unlock()
}

// SetRoom is room-internal in the same way SetVenue is venue-internal.
func (c *Client) SetRoom(id domain.RoomID) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

func (c *Client) VenueID() domain.VenueID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.venueID
}

func (c *Client) RoomID() domain.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// Venue resolves the client's current venue through the loaded registry.
func (c *Client) Venue() (*Venue, error) {
	id := c.VenueID()
	if id == "" {
		return nil, ErrNotInVenue
	}
	return c.venues.GetLoaded(id)
}

func (c *Client) PublicState() PublicState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return PublicState{
		ConnectionID: c.ConnectionID,
		UserID:       c.user.ID,
		Username:     c.user.Username,
		Role:         c.user.Role,
		VenueID:      c.venueID,
		RoomID:       c.roomID,
	}
}

// Unload marks the client inactive. It deliberately does not cascade:
// the disconnect handler orders peer notification, resource teardown and
// venue removal itself before discarding the instance.
func (c *Client) Unload() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	log.Info().Str("module", "core.client").Str("cid", string(c.ConnectionID)).Msg("client unloaded")
}

// CreateTransport asks the venue's routing context for a transport and
// registers it under the direction slot. A prior transport for the same
// direction must be closed first.
func (c *Client) CreateTransport(ctx context.Context, direction MediaDirection) (TransportOptions, error) {
	venue, err := c.Venue()
	if err != nil {
		return TransportOptions{}, err
	}

	c.mu.RLock()
	occupied := (direction == DirectionSend && c.sendTransport != nil) ||
		(direction == DirectionReceive && c.receiveTransport != nil)
	c.mu.RUnlock()
	if occupied {
		return TransportOptions{}, fmt.Errorf("%w: %s", ErrTransportSet, direction)
	}

	transport, err := venue.CreateTransport(ctx, direction)
	if err != nil {
		return TransportOptions{}, fmt.Errorf("create %s transport: %w", direction, err)
	}

	c.mu.Lock()
	occupied = (direction == DirectionSend && c.sendTransport != nil) ||
		(direction == DirectionReceive && c.receiveTransport != nil)
	if occupied {
		c.mu.Unlock()
		if cerr := transport.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("module", "core.client").Str("transport", transport.ID()).
				Msg("close transport after losing slot race")
		}
		return TransportOptions{}, fmt.Errorf("%w: %s", ErrTransportSet, direction)
	}
	if direction == DirectionReceive {
		c.receiveTransport = transport
	} else {
		c.sendTransport = transport
	}
	c.mu.Unlock()

	// The slot is assigned before the observer goes on, so a close that
	// already happened engine-side clears it right here instead of
	// leaving a dead transport in place.
	transport.OnClose(func(reason string) {
		if !c.clearTransportSlot(transport) {
			// Already swept out of the slot; the sweep emitted the event.
			return
		}
		log.Info().Str("module", "core.client").Str("cid", string(c.ConnectionID)).
			Str("transport", transport.ID()).Str("reason", reason).Msg("transport closed externally")
		c.Events.ResourceClosed.Emit(ResourceClosed{Kind: ResourceTransport, ID: transport.ID(), Reason: reason})
	})

	log.Info().Str("module", "core.client").Str("cid", string(c.ConnectionID)).
		Str("direction", string(direction)).Str("transport", transport.ID()).Msg("transport created")
	return transport.Options(), nil
}

// ConnectTransport forwards the peer's connection parameters to the
// transport with the given id.
func (c *Client) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	c.mu.RLock()
	var transport Transport
	for _, t := range []Transport{c.sendTransport, c.receiveTransport} {
		if t != nil && t.ID() == transportID {
			transport = t
		}
	}
	c.mu.RUnlock()
	if transport == nil {
		return fmt.Errorf("%w: transport %s", ErrNoTransport, transportID)
	}
	return transport.Connect(ctx, dtlsParameters)
}

// CreateProducer creates an outbound media source on the send transport
// and tracks it until it is explicitly closed or its transport goes away.
func (c *Client) CreateProducer(ctx context.Context, opts ProduceOptions) (string, error) {
	c.mu.RLock()
	transport := c.sendTransport
	c.mu.RUnlock()
	if transport == nil {
		return "", fmt.Errorf("%w: cannot produce", ErrNoTransport)
	}

	producer, err := transport.Produce(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}

	c.mu.Lock()
	c.producers[producer.ID()] = producer
	c.mu.Unlock()

	producer.OnClose(func(reason string) {
		if _, ok := c.removeProducer(producer.ID()); !ok {
			return
		}
		c.Events.ResourceClosed.Emit(ResourceClosed{Kind: ResourceProducer, ID: producer.ID(), Reason: reason})
	})

	log.Info().Str("module", "core.client").Str("cid", string(c.ConnectionID)).
		Str("producer", producer.ID()).Str("kind", string(opts.Kind)).Msg("producer created")
	return producer.ID(), nil
}

// CreateConsumer creates an inbound media sink for the given producer on
// the receive transport.
func (c *Client) CreateConsumer(ctx context.Context, producerID string) (ConsumerOptions, error) {
	c.mu.RLock()
	transport := c.receiveTransport
	caps := c.rtpCapabilities
	c.mu.RUnlock()
	if transport == nil {
		return ConsumerOptions{}, fmt.Errorf("%w: cannot consume", ErrNoTransport)
	}
	if caps == nil {
		return ConsumerOptions{}, ErrNoRTPCapabilities
	}

	consumer, err := transport.Consume(ctx, producerID, caps)
	if err != nil {
		return ConsumerOptions{}, fmt.Errorf("consume producer %s: %w", producerID, err)
	}

	c.mu.Lock()
	c.consumers[consumer.ID()] = consumer
	c.mu.Unlock()

	consumer.OnClose(func(reason string) {
		if _, ok := c.removeConsumer(consumer.ID()); !ok {
			return
		}
		c.Events.ResourceClosed.Emit(ResourceClosed{Kind: ResourceConsumer, ID: consumer.ID(), Reason: reason})
	})

	log.Info().Str("module", "core.client").Str("cid", string(c.ConnectionID)).
		Str("consumer", consumer.ID()).Str("producer", producerID).Msg("consumer created")
	return consumer.Options(), nil
}

// CloseResource handles an explicit close requested by the owning peer.
// A second close of the same id is a domain error, not a crash.
func (c *Client) CloseResource(kind ResourceKind, id string) error {
	switch kind {
	case ResourceProducer:
		producer, ok := c.removeProducer(id)
		if !ok {
			return fmt.Errorf("%w: producer %s", ErrAlreadyClosed, id)
		}
		if err := producer.Close(); err != nil {
			log.Warn().Err(err).Str("module", "core.client").Str("producer", id).Msg("close producer")
		}
		c.Events.ResourceClosed.Emit(ResourceClosed{Kind: ResourceProducer, ID: id, Reason: reasonPeerRequest})
	case ResourceConsumer:
		consumer, ok := c.removeConsumer(id)
		if !ok {
			return fmt.Errorf("%w: consumer %s", ErrAlreadyClosed, id)
		}
		if err := consumer.Close(); err != nil {
			log.Warn().Err(err).Str("module", "core.client").Str("consumer", id).Msg("close consumer")
		}
		c.Events.ResourceClosed.Emit(ResourceClosed{Kind: ResourceConsumer, ID: id, Reason: reasonPeerRequest})
	case ResourceTransport:
		transport := c.takeTransportByID(id)
		if transport == nil {
			return fmt.Errorf("%w: transport %s", ErrAlreadyClosed, id)
		}
		if err := transport.Close(); err != nil {
			log.Warn().Err(err).Str("module", "core.client").Str("transport", id).Msg("close transport")
		}
		c.Events.ResourceClosed.Emit(ResourceClosed{Kind: ResourceTransport, ID: id, Reason: reasonPeerRequest})
	default:
		return fmt.Errorf("unknown resource kind %q", kind)
	}
	return nil
}

// PauseResume applies a peer-reported pause state change and rebroadcasts
// it on the client's event channel.
func (c *Client) PauseResume(kind ResourceKind, id string, paused bool) error {
	c.mu.RLock()
	var found interface{ SetPaused(bool) }
	switch kind {
	case ResourceProducer:
		if p, ok := c.producers[id]; ok {
			found = p
		}
	case ResourceConsumer:
		if con, ok := c.consumers[id]; ok {
			found = con
		}
	}
	c.mu.RUnlock()
	if found == nil {
		return fmt.Errorf("%w: %s %s", ErrAlreadyClosed, kind, id)
	}
	found.SetPaused(paused)
	c.Events.PauseResume.Emit(PauseResume{Kind: kind, ID: id, Paused: paused})
	return nil
}

// CloseAllProducers sweeps the producer registry, emitting one closed event
// per entry. A failing close is logged and does not abort the sweep.
func (c *Client) CloseAllProducers() error {
	c.mu.Lock()
	producers := c.producers
	c.producers = make(map[string]Producer)
	c.mu.Unlock()

	var errs []error
	for id, producer := range producers {
		if err := producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer %s: %w", id, err))
			log.Warn().Err(err).Str("module", "core.client").Str("producer", id).Msg("close during sweep")
		}
		c.Events.ResourceClosed.Emit(ResourceClosed{Kind: ResourceProducer, ID: id, Reason: reasonAllProducers})
	}
	return errors.Join(errs...)
}

func (c *Client) CloseAllConsumers() error {
	c.mu.Lock()
	consumers := c.consumers
	c.consumers = make(map[string]Consumer)
	c.mu.Unlock()

	var errs []error
	for id, consumer := range consumers {
		if err := consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer %s: %w", id, err))
			log.Warn().Err(err).Str("module", "core.client").Str("consumer", id).Msg("close during sweep")
		}
		c.Events.ResourceClosed.Emit(ResourceClosed{Kind: ResourceConsumer, ID: id, Reason: reasonAllConsumers})
	}
	return errors.Join(errs...)
}

func (c *Client) CloseAllTransports() error {
	c.mu.Lock()
	transports := []Transport{c.sendTransport, c.receiveTransport}
	c.sendTransport = nil
	c.receiveTransport = nil
	c.mu.Unlock()

	var errs []error
	for _, transport := range transports {
		if transport == nil {
			continue
		}
		if err := transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport %s: %w", transport.ID(), err))
			log.Warn().Err(err).Str("module", "core.client").Str("transport", transport.ID()).Msg("close during sweep")
		}
		c.Events.ResourceClosed.Emit(ResourceClosed{Kind: ResourceTransport, ID: transport.ID(), Reason: reasonAllTransports})
	}
	return errors.Join(errs...)
}

// TeardownMediaResources closes everything the client owns. Producers and
// consumers go first so the transport sweep does not double-report them.
func (c *Client) TeardownMediaResources() error {
	return errors.Join(
		c.CloseAllProducers(),
		c.CloseAllConsumers(),
		c.CloseAllTransports(),
	)
}

func (c *Client) ProducerIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.producers))
	for id := range c.producers {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) ConsumerIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.consumers))
	for id := range c.consumers {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) removeProducer(id string) (Producer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	producer, ok := c.producers[id]
	if ok {
		delete(c.producers, id)
	}
	return producer, ok
}

func (c *Client) removeConsumer(id string) (Consumer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	consumer, ok := c.consumers[id]
	if ok {
		delete(c.consumers, id)
	}
	return consumer, ok
}

// clearTransportSlot empties the slot holding the given transport, if it
// still does, and reports whether it was this call that cleared it.
func (c *Client) clearTransportSlot(transport Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendTransport == transport {
		c.sendTransport = nil
		return true
	}
	if c.receiveTransport == transport {
		c.receiveTransport = nil
		return true
	}
	return false
}

func (c *Client) takeTransportByID(id string) Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendTransport != nil && c.sendTransport.ID() == id {
		transport := c.sendTransport
		c.sendTransport = nil
		return transport
	}
	if c.receiveTransport != nil && c.receiveTransport.ID() == id {
		transport := c.receiveTransport
		c.receiveTransport = nil
		return transport
	}
	return nil
}
