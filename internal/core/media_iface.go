package core

import (
	"context"
	"encoding/json"
)

type MediaDirection string

const (
	DirectionSend    MediaDirection = "send"
	DirectionReceive MediaDirection = "receive"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// TransportOptions is what a remote peer needs to connect its end of a
// transport. The parameter blobs are opaque to the orchestration layer.
type TransportOptions struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
	SDP            string          `json:"sdp,omitempty"`
}

type ProduceOptions struct {
	ProducerID    string          `json:"producerId,omitempty"`
	Kind          MediaKind       `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters,omitempty"`
	Info          json.RawMessage `json:"producerInfo,omitempty"`
}

// ConsumerOptions mirrors what the remote side needs to start consuming.
type ConsumerOptions struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          MediaKind       `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters,omitempty"`
}

// MediaEngine is the external media-transport capability. The orchestration
// layer never touches ICE/DTLS/RTP itself; it only tracks the resources the
// engine hands out and observes their closure.
type MediaEngine interface {
	// CreateRouter acquires a routing context. One router per loaded venue.
	CreateRouter(ctx context.Context) (Router, error)
}

type Router interface {
	ID() string
	RTPCapabilities() json.RawMessage
	CreateTransport(ctx context.Context, direction MediaDirection) (Transport, error)
	// Close tears the router down and cascades to every transport created
	// from it; transport close observers fire with a router-closed reason.
	Close() error
}

type Transport interface {
	ID() string
	Direction() MediaDirection
	Options() TransportOptions
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (Consumer, error)
	// OnClose registers an observer invoked exactly once when the transport
	// leaves the open state, whatever the cause. Registering after the
	// close invokes the observer immediately.
	OnClose(func(reason string))
	Close() error
}

type Producer interface {
	ID() string
	Kind() MediaKind
	Paused() bool
	SetPaused(bool)
	OnClose(func(reason string))
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Options() ConsumerOptions
	Paused() bool
	SetPaused(bool)
	OnClose(func(reason string))
	Close() error
}
