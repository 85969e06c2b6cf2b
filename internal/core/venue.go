package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gather/internal/domain"
)

// Venue is one loaded room-with-routing-context. It tracks membership but
// never owns client lifetimes; clients are added and removed by the
// signaling layer and the venue only keeps id-keyed references.
type Venue struct {
	Events *VenueEvents

	record  *domain.VenueRecord
	router  Router
	manager *VenueManager
	vrSpace *VRSpace

	mu       sync.RWMutex
	unloaded bool
	members  map[ConnectionID]*Client
	rooms    map[domain.RoomID]*Room
}

func newVenue(record *domain.VenueRecord, router Router, manager *VenueManager) *Venue {
	v := &Venue{
		Events:  &VenueEvents{},
		record:  record,
		router:  router,
		manager: manager,
		members: make(map[ConnectionID]*Client),
		rooms:   make(map[domain.RoomID]*Room),
	}
	v.vrSpace = NewVRSpace(v)
	// The space accepts transforms for as long as the venue is loaded.
	v.vrSpace.Open()
	return v
}

func (v *Venue) ID() domain.VenueID         { return v.record.ID }
func (v *Venue) Name() string               { return v.record.Name }
func (v *Venue) Record() domain.VenueRecord { return *v.record }
func (v *Venue) VRSpace() *VRSpace          { return v.vrSpace }

func (v *Venue) RouterRTPCapabilities() json.RawMessage {
	return v.router.RTPCapabilities()
}

// CreateTransport delegates to the venue's routing context.
func (v *Venue) CreateTransport(ctx context.Context, direction MediaDirection) (Transport, error) {
	v.mu.RLock()
	unloaded := v.unloaded
	v.mu.RUnlock()
	if unloaded {
		return nil, fmt.Errorf("%w: venue %s", ErrNotLoaded, v.record.ID)
	}
	return v.router.CreateTransport(ctx, direction)
}

func (v *Venue) MemberCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.members)
}

func (v *Venue) Member(id ConnectionID) (*Client, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.members[id]
	return c, ok
}

// AddMember inserts the client into the member set, assigns the venue on
// the client and announces the change to every current member, the new
// one included.
func (v *Venue) AddMember(client *Client) error {
	v.mu.Lock()
	if v.unloaded {
		v.mu.Unlock()
		return fmt.Errorf("%w: venue %s", ErrNotLoaded, v.record.ID)
	}
	v.members[client.ConnectionID] = client
	ids := v.memberIDsLocked()
	v.mu.Unlock()

	client.SetVenue(v.record.ID)
	log.Info().Str("module", "core.venue").Str("venue", string(v.record.ID)).
		Str("cid", string(client.ConnectionID)).Msg("member added")

	v.announce(ids, MemberChange{Client: client.PublicState(), Added: true})
	return nil
}

// RemoveMember removes the client and unloads the venue the moment the
// member count reaches zero. The emptiness check happens under the same
// lock acquisition as the removal, so a concurrent AddMember either lands
// before the check or fails against the unloaded instance.
func (v *Venue) RemoveMember(client *Client) {
	v.mu.Lock()
	if v.unloaded {
		v.mu.Unlock()
		return
	}
	if _, ok := v.members[client.ConnectionID]; !ok {
		v.mu.Unlock()
		return
	}
	delete(v.members, client.ConnectionID)
	v.dropFromRoomLocked(client)
	empty := len(v.members) == 0
	ids := v.memberIDsLocked()
	v.mu.Unlock()

	state := client.PublicState()
	client.SetVenue("")
	log.Info().Str("module", "core.venue").Str("venue", string(v.record.ID)).
		Str("cid", string(client.ConnectionID)).Msg("member removed")

	v.announce(ids, MemberChange{Client: state, Added: false})

	if empty {
		v.Unload()
	}
}

// Unload releases the routing context and deregisters the venue. It is
// terminal; repeated calls are no-ops since teardown ordering with
// asynchronous disconnects is not guaranteed.
func (v *Venue) Unload() {
	v.mu.Lock()
	if v.unloaded {
		v.mu.Unlock()
		return
	}
	v.unloaded = true
	members := make([]*Client, 0, len(v.members))
	for _, m := range v.members {
		members = append(members, m)
	}
	v.members = make(map[ConnectionID]*Client)
	v.mu.Unlock()

	log.Info().Str("module", "core.venue").Str("venue", string(v.record.ID)).Msg("unload venue")

	if err := v.router.Close(); err != nil {
		log.Warn().Err(err).Str("module", "core.venue").Str("venue", string(v.record.ID)).Msg("router close")
	}
	v.vrSpace.Unload()
	v.manager.deregister(v.record.ID)

	// Members still present on a forced unload (shutdown drain) are told
	// their venue went away; their transport observers fire via the router
	// cascade above.
	for _, m := range members {
		m.SetVenue("")
		m.Events.VenueUnloaded.Emit(v.record.ID)
	}
}

// EmitToAllMembers runs emit against every current member's event group
// and reports whether every member had at least one listener attached.
// Callers use the result for warnings only, never for control flow.
func (v *Venue) EmitToAllMembers(emit func(*ClientEvents) bool) bool {
	v.mu.RLock()
	members := make([]*Client, 0, len(v.members))
	for _, m := range v.members {
		members = append(members, m)
	}
	v.mu.RUnlock()

	all := true
	for _, m := range members {
		if !emit(m.Events) {
			all = false
		}
	}
	if !all {
		log.Warn().Str("module", "core.venue").Str("venue", string(v.record.ID)).
			Msg("not all members had attached listeners")
	}
	return all
}

// BroadcastState pushes the venue state snapshot to every member.
func (v *Venue) BroadcastState(reason string) bool {
	update := VenueStateUpdate{State: v.State(), Reason: reason}
	return v.EmitToAllMembers(func(ev *ClientEvents) bool {
		return ev.VenueState.Emit(update)
	})
}

// State is the peer-visible snapshot of the venue: which rooms exist and
// who is connected.
func (v *Venue) State() VenueState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	state := VenueState{
		VenueID: v.record.ID,
		Name:    v.record.Name,
		Rooms:   make(map[domain.RoomID]RoomState, len(v.rooms)),
		Clients: make(map[ConnectionID]PublicState, len(v.members)),
	}
	for id, room := range v.rooms {
		state.Rooms[id] = room.State()
	}
	for id, m := range v.members {
		state.Clients[id] = m.PublicState()
	}
	return state
}

func (v *Venue) announce(targets []ConnectionID, change MemberChange) {
	all := true
	for _, id := range targets {
		if !v.Events.MemberChanged.Emit(id, change) {
			all = false
		}
	}
	if !all {
		log.Warn().Str("module", "core.venue").Str("venue", string(v.record.ID)).
			Msg("member change not observed by every member")
	}
}

func (v *Venue) memberIDsLocked() []ConnectionID {
	ids := make([]ConnectionID, 0, len(v.members))
	for id := range v.members {
		ids = append(ids, id)
	}
	return ids
}
