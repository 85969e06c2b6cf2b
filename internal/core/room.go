package core

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gather/internal/domain"
)

// Room partitions a venue's members. All room state is guarded by the
// owning venue's lock; a room never outlives its venue.
type Room struct {
	meta           domain.Room
	mainProducerID string
	members        map[ConnectionID]struct{}
}

type RoomState struct {
	RoomID         domain.RoomID   `json:"roomId"`
	Name           domain.RoomName `json:"roomName"`
	MainProducerID string          `json:"mainProducerId,omitempty"`
	Members        []ConnectionID  `json:"members"`
}

func (r *Room) State() RoomState {
	state := RoomState{
		RoomID:         r.meta.ID,
		Name:           r.meta.Name,
		MainProducerID: r.mainProducerID,
		Members:        make([]ConnectionID, 0, len(r.members)),
	}
	for id := range r.members {
		state.Members = append(state.Members, id)
	}
	return state
}

// CreateRoom adds a named room to the venue. Room names are unique within
// a venue.
func (v *Venue) CreateRoom(name domain.RoomName) (RoomState, error) {
	v.mu.Lock()
	if v.unloaded {
		v.mu.Unlock()
		return RoomState{}, fmt.Errorf("%w: venue %s", ErrNotLoaded, v.record.ID)
	}
	for _, room := range v.rooms {
		if room.meta.Name == name {
			v.mu.Unlock()
			return RoomState{}, fmt.Errorf("%w: %s", ErrRoomNameTaken, name)
		}
	}
	room := &Room{
		meta:    domain.Room{ID: domain.RoomID(uuid.NewString()), Name: name},
		members: make(map[ConnectionID]struct{}),
	}
	v.rooms[room.meta.ID] = room
	state := room.State()
	v.mu.Unlock()

	log.Info().Str("module", "core.venue").Str("venue", string(v.record.ID)).
		Str("room", string(room.meta.ID)).Msg("room created")
	v.BroadcastState("room created")
	return state, nil
}

func (v *Venue) FindRoomByName(name domain.RoomName) (RoomState, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, room := range v.rooms {
		if room.meta.Name == name {
			return room.State(), nil
		}
	}
	return RoomState{}, fmt.Errorf("%w: name %s", ErrNoSuchRoom, name)
}

// JoinRoom moves the client into the room, leaving any previous room first.
func (v *Venue) JoinRoom(client *Client, roomID domain.RoomID) (RoomState, error) {
	v.mu.Lock()
	room, ok := v.rooms[roomID]
	if !ok {
		v.mu.Unlock()
		return RoomState{}, fmt.Errorf("%w: %s", ErrNoSuchRoom, roomID)
	}
	v.dropFromRoomLocked(client)
	room.members[client.ConnectionID] = struct{}{}
	state := room.State()
	v.mu.Unlock()

	client.SetRoom(roomID)
	v.BroadcastState("client joined room")
	return state, nil
}

func (v *Venue) LeaveRoom(client *Client) error {
	v.mu.Lock()
	dropped := v.dropFromRoomLocked(client)
	v.mu.Unlock()
	if !dropped {
		return ErrNotInRoom
	}
	client.SetRoom("")
	v.BroadcastState("client left room")
	return nil
}

// AssignMainProducer marks one member's producer as the room's main feed.
func (v *Venue) AssignMainProducer(roomID domain.RoomID, producerID string) error {
	v.mu.Lock()
	room, ok := v.rooms[roomID]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchRoom, roomID)
	}
	room.mainProducerID = producerID
	v.mu.Unlock()

	v.BroadcastState("main producer assigned")
	return nil
}

// dropFromRoomLocked removes the client from whichever room holds it.
// Callers must hold v.mu.
func (v *Venue) dropFromRoomLocked(client *Client) bool {
	for _, room := range v.rooms {
		if _, ok := room.members[client.ConnectionID]; ok {
			delete(room.members, client.ConnectionID)
			return true
		}
	}
	return false
}
