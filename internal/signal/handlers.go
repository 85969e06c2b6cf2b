package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gather/internal/core"
	"github.com/dkeye/Gather/internal/domain"
)

// peerSession binds one connection's client state to its channel: request
// dispatch in one direction, event push in the other.
type peerSession struct {
	ctl     *Controller
	client  *core.Client
	channel *Channel

	eventCancels []func()

	// venueCancel is touched both from this connection's read loop and
	// from other connections' unload cascades, hence the lock.
	venueMu     sync.Mutex
	venueCancel func()
}

func newPeerSession(ctl *Controller, client *core.Client, channel *Channel) *peerSession {
	s := &peerSession{ctl: ctl, client: client, channel: channel}
	channel.OnRequest(s.handleRequest)
	channel.OnMessage(s.handleMessage)
	s.bindClientEvents()
	return s
}

// bindClientEvents forwards the client's event subjects to the peer as
// wire messages. One subscription per subject; all cancelled on disconnect.
func (s *peerSession) bindClientEvents() {
	ev := s.client.Events
	s.eventCancels = append(s.eventCancels,
		ev.ResourceClosed.Subscribe(func(e core.ResourceClosed) { s.push(MsgNotifyCloseEvent, e) }),
		ev.PauseResume.Subscribe(func(e core.PauseResume) { s.push(MsgNotifyPauseResume, e) }),
		ev.State.Subscribe(func(e core.StateUpdate) { s.push(MsgClientStateUpdated, e) }),
		ev.VenueState.Subscribe(func(e core.VenueStateUpdate) { s.push(MsgGatheringStateUpdated, e) }),
		ev.Transforms.Subscribe(func(e core.TransformBatch) { s.push(MsgClientTransforms, e) }),
		ev.VenueUnloaded.Subscribe(func(id domain.VenueID) {
			s.unbindVenue()
			s.push(MsgGatheringWasUnloaded, struct {
				VenueID domain.VenueID `json:"gatheringId"`
			}{id})
		}),
	)
}

func (s *peerSession) push(subject Subject, data any) {
	if err := s.channel.Send(subject, data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("cid", string(s.client.ConnectionID)).
			Str("subject", string(subject)).Msg("push dropped")
	}
}

// handleMessage consumes fire-and-forget frames from the peer. Unknown
// subjects are ignored so older servers tolerate newer clients.
func (s *peerSession) handleMessage(msg Message) {
	switch msg.Subject {
	case SubUpdateTransform:
		venue, err := s.client.Venue()
		if err != nil {
			return
		}
		venue.VRSpace().UpdateTransform(s.client.ConnectionID, msg.Data)
	default:
		log.Debug().Str("module", "signal").Str("subject", string(msg.Subject)).Msg("ignoring message")
	}
}

type createGatheringData struct {
	GatheringName string `json:"gatheringName"`
}

type gatheringIDData struct {
	GatheringID domain.VenueID `json:"gatheringId"`
}

type findByNameData struct {
	Name string `json:"name"`
}

type nameData struct {
	Name string `json:"name"`
}

type roomIDData struct {
	RoomID domain.RoomID `json:"roomId"`
}

type roomNameData struct {
	RoomName domain.RoomName `json:"roomName"`
}

type connectTransportData struct {
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type createProducerData struct {
	ProducerID    string          `json:"producerId,omitempty"`
	TransportID   string          `json:"transportId,omitempty"`
	Kind          core.MediaKind  `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	ProducerInfo  json.RawMessage `json:"producerInfo,omitempty"`
}

type producerIDData struct {
	ProducerID string `json:"producerId"`
}

type objectRefData struct {
	ObjectType core.ResourceKind `json:"objectType"`
	ObjectID   string            `json:"objectId"`
	WasPaused  bool              `json:"wasPaused,omitempty"`
}

type assignMainProducerData struct {
	ClientID   core.ConnectionID `json:"clientId"`
	ProducerID string            `json:"producerId"`
	RoomID     domain.RoomID     `json:"roomId"`
}

// handleRequest serves one peer request. The returned value becomes the
// success response data; an error becomes a wasSuccess:false response and
// never crashes the process.
func (s *peerSession) handleRequest(ctx context.Context, req Request) (any, error) {
	switch req.Subject {
	case SubGetClientState:
		return s.client.PublicState(), nil

	case SubSetRTPCapabilities:
		s.client.SetRTPCapabilities(req.Data)
		return nil, nil

	case SubSetName:
		var data nameData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		if err := s.client.SetName(data.Name); err != nil {
			return nil, err
		}
		if venue, err := s.client.Venue(); err == nil {
			venue.BroadcastState("client was renamed")
		}
		return s.client.PublicState(), nil

	case SubCreateGathering:
		var data createGatheringData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		id, err := s.ctl.Venues.Create(ctx, data.GatheringName, s.client.UserID())
		if err != nil {
			return nil, err
		}
		return gatheringIDData{GatheringID: id}, nil

	case SubFindGatheringByName:
		var data findByNameData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		record, err := s.ctl.Venues.FindByName(ctx, data.Name)
		if err != nil {
			return nil, err
		}
		return struct {
			ID domain.VenueID `json:"id"`
		}{record.ID}, nil

	case SubJoinGathering:
		var data gatheringIDData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		return s.joinGathering(ctx, data.GatheringID)

	case SubGetGatheringState:
		venue, err := s.client.Venue()
		if err != nil {
			return nil, err
		}
		return venue.State(), nil

	case SubCreateRoom:
		var data nameData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		venue, err := s.client.Venue()
		if err != nil {
			return nil, err
		}
		return venue.CreateRoom(domain.RoomName(data.Name))

	case SubFindRoomByName:
		var data roomNameData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		venue, err := s.client.Venue()
		if err != nil {
			return nil, err
		}
		return venue.FindRoomByName(data.RoomName)

	case SubJoinRoom:
		var data roomIDData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		venue, err := s.client.Venue()
		if err != nil {
			return nil, err
		}
		return venue.JoinRoom(s.client, data.RoomID)

	case SubLeaveRoom:
		venue, err := s.client.Venue()
		if err != nil {
			return nil, err
		}
		return nil, venue.LeaveRoom(s.client)

	case SubGetRouterRTPCapabilities:
		venue, err := s.client.Venue()
		if err != nil {
			return nil, err
		}
		return venue.RouterRTPCapabilities(), nil

	case SubCreateSendTransport:
		return s.client.CreateTransport(ctx, core.DirectionSend)

	case SubCreateReceiveTransport:
		return s.client.CreateTransport(ctx, core.DirectionReceive)

	case SubConnectTransport:
		var data connectTransportData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		return nil, s.client.ConnectTransport(ctx, data.TransportID, data.DTLSParameters)

	case SubCreateProducer:
		var data createProducerData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		id, err := s.client.CreateProducer(ctx, core.ProduceOptions{
			ProducerID:    data.ProducerID,
			Kind:          data.Kind,
			RTPParameters: data.RTPParameters,
			Info:          data.ProducerInfo,
		})
		if err != nil {
			return nil, err
		}
		return producerIDData{ProducerID: id}, nil

	case SubCreateConsumer:
		var data producerIDData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		return s.client.CreateConsumer(ctx, data.ProducerID)

	case SubNotifyPauseResume:
		var data objectRefData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		return nil, s.client.PauseResume(data.ObjectType, data.ObjectID, data.WasPaused)

	case SubNotifyCloseEvent:
		var data objectRefData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		return nil, s.client.CloseResource(data.ObjectType, data.ObjectID)

	case SubAssignMainProducerToRoom:
		var data assignMainProducerData
		if err := unmarshalData(req.Data, &data); err != nil {
			return nil, err
		}
		venue, err := s.client.Venue()
		if err != nil {
			return nil, err
		}
		if data.ClientID != "" {
			if _, ok := venue.Member(data.ClientID); !ok {
				return nil, fmt.Errorf("no client %s in venue", data.ClientID)
			}
		}
		return nil, venue.AssignMainProducer(data.RoomID, data.ProducerID)

	default:
		return nil, fmt.Errorf("unknown request subject %q", req.Subject)
	}
}

// joinGathering loads the venue on demand and moves the client into it,
// leaving any previous venue first.
func (s *peerSession) joinGathering(ctx context.Context, id domain.VenueID) (core.VenueState, error) {
	venue, err := s.ctl.Venues.GetLoaded(id)
	if errors.Is(err, core.ErrNotLoaded) {
		venue, err = s.ctl.Venues.Load(ctx, id)
		if errors.Is(err, core.ErrAlreadyLoaded) {
			// Another connection loaded it between our check and load.
			venue, err = s.ctl.Venues.GetLoaded(id)
		}
	}
	if err != nil {
		return core.VenueState{}, err
	}

	s.leaveCurrentVenue()

	// Subscribe before joining so the member-added announcement for our
	// own join reaches this connection too.
	cancel := venue.Events.MemberChanged.Subscribe(s.client.ConnectionID, func(mc core.MemberChange) {
		s.push(MsgClientAddedOrRemoved, mc)
	})
	if err := venue.AddMember(s.client); err != nil {
		cancel()
		return core.VenueState{}, err
	}
	s.venueMu.Lock()
	s.venueCancel = cancel
	s.venueMu.Unlock()
	return venue.State(), nil
}

func (s *peerSession) leaveCurrentVenue() {
	venue, err := s.client.Venue()
	if err != nil {
		return
	}
	if err := s.client.TeardownMediaResources(); err != nil {
		log.Warn().Err(err).Str("module", "signal").
			Str("cid", string(s.client.ConnectionID)).Msg("teardown before leaving venue")
	}
	venue.RemoveMember(s.client)
	s.unbindVenue()
}

func (s *peerSession) unbindVenue() {
	s.venueMu.Lock()
	cancel := s.venueCancel
	s.venueCancel = nil
	s.venueMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// disconnect runs the full exit path: mark the session inactive, tear down
// every owned media resource, then remove the client from its venue so
// remaining members are notified and an emptied venue unloads.
func (s *peerSession) disconnect() {
	s.client.Unload()

	venue, venueErr := s.client.Venue()
	if err := s.client.TeardownMediaResources(); err != nil {
		log.Warn().Err(err).Str("module", "signal").
			Str("cid", string(s.client.ConnectionID)).Msg("teardown on disconnect")
	}
	if venueErr == nil {
		venue.RemoveMember(s.client)
	}

	s.unbindVenue()
	for _, cancel := range s.eventCancels {
		cancel()
	}
	s.eventCancels = nil
}

func unmarshalData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing request data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("bad request data: %w", err)
	}
	return nil
}
