package core

import (
	"encoding/json"

	"github.com/dkeye/Gather/internal/domain"
)

type ResourceKind string

const (
	ResourceTransport ResourceKind = "transport"
	ResourceProducer  ResourceKind = "producer"
	ResourceConsumer  ResourceKind = "consumer"
)

// ResourceClosed is emitted exactly once per open→closed transition of a
// media resource owned by a client, whatever triggered the transition.
type ResourceClosed struct {
	Kind   ResourceKind `json:"objectType"`
	ID     string       `json:"objectId"`
	Reason string       `json:"reason"`
}

type PauseResume struct {
	Kind   ResourceKind `json:"objectType"`
	ID     string       `json:"objectId"`
	Paused bool         `json:"wasPaused"`
}

// PublicState is the peer-visible snapshot of one connection.
type PublicState struct {
	ConnectionID ConnectionID    `json:"connectionId"`
	UserID       domain.UserID   `json:"userId"`
	Username     string          `json:"userName"`
	Role         domain.UserRole `json:"role"`
	VenueID      domain.VenueID  `json:"currentVenueId,omitempty"`
	RoomID       domain.RoomID   `json:"currentRoomId,omitempty"`
}

type StateUpdate struct {
	State  PublicState `json:"clientState"`
	Reason string      `json:"reason,omitempty"`
}

// MemberChange is filtered by target connection id so that only members of
// the venue where the change happened receive it.
type MemberChange struct {
	Client PublicState `json:"client"`
	Added  bool        `json:"added"`
}

// TransformBatch carries coalesced VR transforms keyed by the connection
// that moved. The transform payload itself is opaque to the server.
type TransformBatch map[ConnectionID]json.RawMessage

// ClientEvents is the closed set of per-connection event subjects. Adding a
// subject means adding a field here, which every dispatch site has to handle.
type ClientEvents struct {
	ResourceClosed Emitter[ResourceClosed]
	PauseResume    Emitter[PauseResume]
	State          Emitter[StateUpdate]
	VenueState     Emitter[VenueStateUpdate]
	Transforms     Emitter[TransformBatch]
	VenueUnloaded  Emitter[domain.VenueID]
}

// VenueStateUpdate is pushed to members whenever the venue's observable
// state changes (rooms created, producers assigned and the like).
type VenueStateUpdate struct {
	State  VenueState `json:"newState"`
	Reason string     `json:"reason,omitempty"`
}

type VenueState struct {
	VenueID domain.VenueID               `json:"venueId"`
	Name    string                       `json:"venueName,omitempty"`
	Rooms   map[domain.RoomID]RoomState  `json:"rooms"`
	Clients map[ConnectionID]PublicState `json:"clients"`
}

// VenueEvents is the closed set of venue-scoped subjects.
type VenueEvents struct {
	MemberChanged FilteredEmitter[ConnectionID, MemberChange]
}
