package signal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Gather/internal/auth"
	"github.com/dkeye/Gather/internal/config"
	"github.com/dkeye/Gather/internal/core"
	"github.com/dkeye/Gather/internal/domain"
	"github.com/dkeye/Gather/internal/store"
)

// Stub media stack: just enough behavior for the orchestration paths the
// handlers exercise.

type stubEngine struct{}

func (stubEngine) CreateRouter(ctx context.Context) (core.Router, error) {
	return &stubRouter{id: uuid.NewString()}, nil
}

type stubRouter struct {
	id string

	mu         sync.Mutex
	transports []*stubTransport
}

func (r *stubRouter) ID() string                       { return r.id }
func (r *stubRouter) RTPCapabilities() json.RawMessage { return json.RawMessage(`{"codecs":[]}`) }

func (r *stubRouter) CreateTransport(ctx context.Context, direction core.MediaDirection) (core.Transport, error) {
	t := &stubTransport{id: uuid.NewString(), direction: direction}
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *stubRouter) Close() error {
	r.mu.Lock()
	transports := r.transports
	r.transports = nil
	r.mu.Unlock()
	for _, t := range transports {
		t.fireClose("router closed")
	}
	return nil
}

type stubTransport struct {
	id        string
	direction core.MediaDirection

	mu       sync.Mutex
	closed   bool
	reason   string
	closeFns []func(string)
}

func (t *stubTransport) ID() string                     { return t.id }
func (t *stubTransport) Direction() core.MediaDirection { return t.direction }
func (t *stubTransport) Options() core.TransportOptions { return core.TransportOptions{ID: t.id} }

func (t *stubTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	return nil
}

func (t *stubTransport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	return &stubProducer{id: uuid.NewString(), kind: opts.Kind}, nil
}

func (t *stubTransport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (core.Consumer, error) {
	return &stubConsumer{opts: core.ConsumerOptions{
		ID: uuid.NewString(), ProducerID: producerID, Kind: core.KindAudio,
	}}, nil
}

func (t *stubTransport) OnClose(fn func(reason string)) {
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

func (t *stubTransport) Close() error {
	t.fireClose("transport closed")
	return nil
}

func (t *stubTransport) fireClose(reason string) {
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

type stubProducer struct {
	id   string
	kind core.MediaKind

	mu       sync.Mutex
	paused   bool
	closed   bool
	closeFns []func(string)
}

func (p *stubProducer) ID() string           { return p.id }
func (p *stubProducer) Kind() core.MediaKind { return p.kind }

func (p *stubProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *stubProducer) SetPaused(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
}

func (p *stubProducer) OnClose(fn func(reason string)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn("producer closed")
		return
	}
	p.closeFns = append(p.closeFns, fn)
	p.mu.Unlock()
}

func (p *stubProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	fns := p.closeFns
	p.mu.Unlock()
	for _, fn := range fns {
		fn("producer closed")
	}
	return nil
}

type stubConsumer struct {
	opts core.ConsumerOptions

	mu       sync.Mutex
	paused   bool
	closed   bool
	closeFns []func(string)
}

func (c *stubConsumer) ID() string                    { return c.opts.ID }
func (c *stubConsumer) ProducerID() string            { return c.opts.ProducerID }
func (c *stubConsumer) Options() core.ConsumerOptions { return c.opts }

func (c *stubConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *stubConsumer) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

func (c *stubConsumer) OnClose(fn func(reason string)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn("consumer closed")
		return
	}
	c.closeFns = append(c.closeFns, fn)
	c.mu.Unlock()
}

func (c *stubConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fns := c.closeFns
	c.mu.Unlock()
	for _, fn := range fns {
		fn("consumer closed")
	}
	return nil
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	mem := store.NewMemoryStore()
	venues := core.NewVenueManager(mem, stubEngine{})
	cfg := &config.Config{RequestTimeout: time.Second, Secret: "test-secret"}
	return NewController(venues, mem.Users(), auth.NewCodec("test-secret"), cfg)
}

func newTestSession(t *testing.T, ctl *Controller, username string) (*peerSession, *fakeSender) {
	t.Helper()
	user, err := domain.NewUser(username, domain.RoleUser)
	require.NoError(t, err)
	client := core.NewClient(user, ctl.Venues)
	sender := &fakeSender{}
	channel := NewChannel(sender, time.Second)
	return newPeerSession(ctl, client, channel), sender
}

var testRequestID int64

func doRequest(t *testing.T, s *peerSession, sender *fakeSender, subject Subject, data any) Response {
	t.Helper()
	raw, err := marshalData(data)
	require.NoError(t, err)

	testRequestID++
	id := testRequestID
	frame, err := json.Marshal(Request{ID: id, Subject: subject, Data: raw})
	require.NoError(t, err)

	before := sender.count()
	s.channel.HandleIncoming(context.Background(), frame)

	// Handling may also push event messages; scan for the response frame.
	for i := before; i < sender.count(); i++ {
		var resp Response
		if err := json.Unmarshal(sender.frame(i), &resp); err != nil {
			continue
		}
		if resp.IsResponse && resp.ID == id {
			return resp
		}
	}
	t.Fatalf("no response for %s (id %d)", subject, id)
	return Response{}
}

func messagesBySubject(t *testing.T, sender *fakeSender, subject Subject) []Message {
	t.Helper()
	var out []Message
	for i := 0; i < sender.count(); i++ {
		var msg Message
		if err := json.Unmarshal(sender.frame(i), &msg); err != nil {
			continue
		}
		if msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

func createAndJoin(t *testing.T, s *peerSession, sender *fakeSender, name string) domain.VenueID {
	t.Helper()
	resp := doRequest(t, s, sender, SubCreateGathering, createGatheringData{GatheringName: name})
	require.True(t, resp.WasSuccess, resp.Message)
	var created gatheringIDData
	require.NoError(t, json.Unmarshal(resp.Data, &created))

	resp = doRequest(t, s, sender, SubJoinGathering, gatheringIDData{GatheringID: created.GatheringID})
	require.True(t, resp.WasSuccess, resp.Message)
	return created.GatheringID
}

func TestCreateAndJoinGathering(t *testing.T) {
	ctl := newTestController(t)
	s, sender := newTestSession(t, ctl, "ada")

	id := createAndJoin(t, s, sender, "main hall")
	assert.True(t, ctl.Venues.IsLoaded(id))

	resp := doRequest(t, s, sender, SubGetGatheringState, nil)
	require.True(t, resp.WasSuccess, resp.Message)
	var state core.VenueState
	require.NoError(t, json.Unmarshal(resp.Data, &state))
	assert.Equal(t, id, state.VenueID)
	assert.Len(t, state.Clients, 1)
}

func TestJoinerReceivesOwnMemberAdded(t *testing.T) {
	ctl := newTestController(t)
	s, sender := newTestSession(t, ctl, "ada")

	createAndJoin(t, s, sender, "main hall")

	announcements := messagesBySubject(t, sender, MsgClientAddedOrRemoved)
	require.Len(t, announcements, 1)
	var mc core.MemberChange
	require.NoError(t, json.Unmarshal(announcements[0].Data, &mc))
	assert.True(t, mc.Added)
	assert.Equal(t, s.client.ConnectionID, mc.Client.ConnectionID)
}

func TestJoinUnknownGathering(t *testing.T) {
	ctl := newTestController(t)
	s, sender := newTestSession(t, ctl, "ada")

	resp := doRequest(t, s, sender, SubJoinGathering, gatheringIDData{GatheringID: "no-such-id"})
	assert.False(t, resp.WasSuccess)
	assert.Contains(t, resp.Message, "not found")
}

func TestRoomOperationsRequireVenue(t *testing.T) {
	ctl := newTestController(t)
	s, sender := newTestSession(t, ctl, "ada")

	for _, subject := range []Subject{SubCreateRoom, SubGetGatheringState, SubGetRouterRTPCapabilities, SubLeaveRoom} {
		resp := doRequest(t, s, sender, subject, nameData{Name: "stage"})
		assert.False(t, resp.WasSuccess, "subject %s must fail outside a venue", subject)
	}
}

func TestUnknownSubject(t *testing.T) {
	ctl := newTestController(t)
	s, sender := newTestSession(t, ctl, "ada")

	resp := doRequest(t, s, sender, Subject("teleport"), nil)
	assert.False(t, resp.WasSuccess)
	assert.Contains(t, resp.Message, "unknown request subject")
}

func TestSecondMemberAnnouncedToFirst(t *testing.T) {
	ctl := newTestController(t)
	first, firstSender := newTestSession(t, ctl, "ada")
	second, secondSender := newTestSession(t, ctl, "grace")

	id := createAndJoin(t, first, firstSender, "main hall")

	before := len(messagesBySubject(t, firstSender, MsgClientAddedOrRemoved))
	resp := doRequest(t, second, secondSender, SubJoinGathering, gatheringIDData{GatheringID: id})
	require.True(t, resp.WasSuccess, resp.Message)

	announcements := messagesBySubject(t, firstSender, MsgClientAddedOrRemoved)
	require.Len(t, announcements, before+1)

	var change core.MemberChange
	require.NoError(t, json.Unmarshal(announcements[len(announcements)-1].Data, &change))
	assert.True(t, change.Added)
	assert.Equal(t, second.client.ConnectionID, change.Client.ConnectionID)
}

func TestMediaLifecycleOverWire(t *testing.T) {
	ctl := newTestController(t)
	s, sender := newTestSession(t, ctl, "ada")
	createAndJoin(t, s, sender, "main hall")

	resp := doRequest(t, s, sender, SubSetRTPCapabilities, json.RawMessage(`{"codecs":[]}`))
	require.True(t, resp.WasSuccess, resp.Message)

	resp = doRequest(t, s, sender, SubCreateSendTransport, nil)
	require.True(t, resp.WasSuccess, resp.Message)
	var transport core.TransportOptions
	require.NoError(t, json.Unmarshal(resp.Data, &transport))

	resp = doRequest(t, s, sender, SubConnectTransport, connectTransportData{
		TransportID: transport.ID, DTLSParameters: json.RawMessage(`{"sdp":"answer"}`),
	})
	require.True(t, resp.WasSuccess, resp.Message)

	resp = doRequest(t, s, sender, SubCreateProducer, createProducerData{Kind: core.KindAudio})
	require.True(t, resp.WasSuccess, resp.Message)
	var produced producerIDData
	require.NoError(t, json.Unmarshal(resp.Data, &produced))

	resp = doRequest(t, s, sender, SubCreateReceiveTransport, nil)
	require.True(t, resp.WasSuccess, resp.Message)
	resp = doRequest(t, s, sender, SubCreateConsumer, producerIDData{ProducerID: produced.ProducerID})
	require.True(t, resp.WasSuccess, resp.Message)
	var consumer core.ConsumerOptions
	require.NoError(t, json.Unmarshal(resp.Data, &consumer))
	assert.Equal(t, produced.ProducerID, consumer.ProducerID)

	// Pause flows back out as a notification.
	resp = doRequest(t, s, sender, SubNotifyPauseResume, objectRefData{
		ObjectType: core.ResourceProducer, ObjectID: produced.ProducerID, WasPaused: true,
	})
	require.True(t, resp.WasSuccess, resp.Message)
	require.NotEmpty(t, messagesBySubject(t, sender, MsgNotifyPauseResume))

	// Closing the producer emits exactly one close notification.
	resp = doRequest(t, s, sender, SubNotifyCloseEvent, objectRefData{
		ObjectType: core.ResourceProducer, ObjectID: produced.ProducerID,
	})
	require.True(t, resp.WasSuccess, resp.Message)
	closeMsgs := messagesBySubject(t, sender, MsgNotifyCloseEvent)
	require.Len(t, closeMsgs, 1)
	var closed core.ResourceClosed
	require.NoError(t, json.Unmarshal(closeMsgs[0].Data, &closed))
	assert.Equal(t, produced.ProducerID, closed.ID)

	// A repeated close is refused.
	resp = doRequest(t, s, sender, SubNotifyCloseEvent, objectRefData{
		ObjectType: core.ResourceProducer, ObjectID: produced.ProducerID,
	})
	assert.False(t, resp.WasSuccess)
}

func TestRoomFlowOverWire(t *testing.T) {
	ctl := newTestController(t)
	s, sender := newTestSession(t, ctl, "ada")
	createAndJoin(t, s, sender, "main hall")

	resp := doRequest(t, s, sender, SubCreateRoom, nameData{Name: "stage"})
	require.True(t, resp.WasSuccess, resp.Message)
	var room core.RoomState
	require.NoError(t, json.Unmarshal(resp.Data, &room))

	resp = doRequest(t, s, sender, SubFindRoomByName, roomNameData{RoomName: "stage"})
	require.True(t, resp.WasSuccess, resp.Message)

	resp = doRequest(t, s, sender, SubJoinRoom, roomIDData{RoomID: room.RoomID})
	require.True(t, resp.WasSuccess, resp.Message)
	assert.Equal(t, room.RoomID, s.client.RoomID())

	resp = doRequest(t, s, sender, SubLeaveRoom, nil)
	require.True(t, resp.WasSuccess, resp.Message)
	assert.Empty(t, s.client.RoomID())

	// The room changes were broadcast as gathering state updates.
	assert.NotEmpty(t, messagesBySubject(t, sender, MsgGatheringStateUpdated))
}

func TestDisconnectUnloadsEmptiedVenue(t *testing.T) {
	ctl := newTestController(t)
	s, sender := newTestSession(t, ctl, "ada")
	id := createAndJoin(t, s, sender, "main hall")

	resp := doRequest(t, s, sender, SubCreateSendTransport, nil)
	require.True(t, resp.WasSuccess, resp.Message)
	resp = doRequest(t, s, sender, SubCreateProducer, createProducerData{Kind: core.KindAudio})
	require.True(t, resp.WasSuccess, resp.Message)

	s.disconnect()

	assert.False(t, ctl.Venues.IsLoaded(id))
	assert.False(t, s.client.Connected())
	assert.Empty(t, s.client.ProducerIDs())
}

func TestSwitchingGatheringTearsDownMedia(t *testing.T) {
	ctl := newTestController(t)
	s, sender := newTestSession(t, ctl, "ada")
	firstID := createAndJoin(t, s, sender, "first hall")

	resp := doRequest(t, s, sender, SubCreateSendTransport, nil)
	require.True(t, resp.WasSuccess, resp.Message)
	resp = doRequest(t, s, sender, SubCreateProducer, createProducerData{Kind: core.KindAudio})
	require.True(t, resp.WasSuccess, resp.Message)

	secondID := createAndJoin(t, s, sender, "second hall")

	assert.Equal(t, secondID, s.client.VenueID())
	assert.Empty(t, s.client.ProducerIDs())
	// The first venue emptied out and unloaded.
	assert.False(t, ctl.Venues.IsLoaded(firstID))
	assert.True(t, ctl.Venues.IsLoaded(secondID))
}

func TestUpdateTransformMessageReachesMembers(t *testing.T) {
	ctl := newTestController(t)
	s, sender := newTestSession(t, ctl, "ada")
	createAndJoin(t, s, sender, "main hall")

	frame, err := json.Marshal(Message{Subject: SubUpdateTransform, Data: json.RawMessage(`{"pos":[1,2,3]}`)})
	require.NoError(t, err)
	s.channel.HandleIncoming(context.Background(), frame)

	require.Eventually(t, func() bool {
		return len(messagesBySubject(t, sender, MsgClientTransforms)) > 0
	}, time.Second, time.Millisecond)

	msgs := messagesBySubject(t, sender, MsgClientTransforms)
	var batch core.TransformBatch
	require.NoError(t, json.Unmarshal(msgs[0].Data, &batch))
	assert.JSONEq(t, `{"pos":[1,2,3]}`, string(batch[s.client.ConnectionID]))
}
