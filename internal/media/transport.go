package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gather/internal/core"
)

// closeNotifier delivers the close reason to registered observers exactly
// once, no matter how many paths reach Close.
type closeNotifier struct {
	mu     sync.Mutex
	fired  bool
	reason string
	fns    []func(reason string)
}

// on registers fn. If the close already happened, fn runs immediately so
// an observer registered late still sees the notification.
func (n *closeNotifier) on(fn func(reason string)) {
	n.mu.Lock()
	if n.fired {
		reason := n.reason
		n.mu.Unlock()
		fn(reason)
		return
	}
	n.fns = append(n.fns, fn)
	n.mu.Unlock()
}

func (n *closeNotifier) fire(reason string) bool {
	n.mu.Lock()
	if n.fired {
		n.mu.Unlock()
		return false
	}
	n.fired = true
	n.reason = reason
	fns := n.fns
	n.fns = nil
	n.mu.Unlock()

	for _, fn := range fns {
		fn(reason)
	}
	return true
}

// Transport wraps one PeerConnection. A send transport receives tracks from
// the peer and feeds them into relays; a receive transport carries relay
// out-tracks back to the peer. The local offer is handed out in Options and
// the peer's answer arrives via Connect.
type Transport struct {
	router    *Router
	id        string
	direction core.MediaDirection
	pc        *webrtc.PeerConnection
	opts      core.TransportOptions
	notifier  closeNotifier

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	seq       uint64
	producers map[string]*Producer
	consumers map[string]*Consumer
}

func newTransport(router *Router, direction core.MediaDirection) (*Transport, error) {
	pc, err := router.engine.api.NewPeerConnection(router.engine.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		router:    router,
		id:        newID(),
		direction: direction,
		pc:        pc,
		ctx:       ctx,
		cancel:    cancel,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}

	transceiverDir := webrtc.RTPTransceiverDirectionSendonly
	if direction == core.DirectionSend {
		transceiverDir = webrtc.RTPTransceiverDirectionRecvonly
		pc.OnTrack(t.handleTrack)
	}
	init := webrtc.RTPTransceiverInit{Direction: transceiverDir}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, init); err != nil {
			pc.Close()
			cancel()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "media").Str("transport", t.id).
			Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			t.closeWithReason("peer connection " + s.String())
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		cancel()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		cancel()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	t.opts = core.TransportOptions{
		ID:  t.id,
		SDP: pc.LocalDescription().SDP,
	}
	return t, nil
}

func (t *Transport) ID() string                     { return t.id }
func (t *Transport) Direction() core.MediaDirection { return t.direction }
func (t *Transport) Options() core.TransportOptions { return t.opts }
func (t *Transport) OnClose(fn func(reason string)) { t.notifier.on(fn) }

type connectPayload struct {
	SDP string `json:"sdp"`
}

func (t *Transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	var payload connectPayload
	if err := json.Unmarshal(dtlsParameters, &payload); err != nil {
		return fmt.Errorf("parse connect parameters: %w", err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// handleTrack binds an incoming remote track to the oldest producer of the
// matching kind that is still waiting for media.
func (t *Transport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := core.KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.KindVideo
	}

	t.mu.Lock()
	var target *Producer
	for _, p := range t.producers {
		if p.kind == kind && !p.bound {
			if target == nil || p.seq < target.seq {
				target = p
			}
		}
	}
	if target != nil {
		target.bound = true
	}
	t.mu.Unlock()

	if target == nil {
		log.Warn().Str("module", "media").Str("transport", t.id).
			Str("kind", string(kind)).Msg("track arrived with no waiting producer")
		return
	}

	rl := newRelay(track)
	rl.paused.Store(target.paused.Load())
	target.bindRelay(rl)
	t.router.registerRelay(target.id, rl)
	rl.start(t.ctx)

	log.Info().Str("module", "media").Str("transport", t.id).
		Str("producer", target.id).Str("kind", string(kind)).Msg("producer track bound")
}

func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if t.direction != core.DirectionSend {
		return nil, fmt.Errorf("cannot produce on a %s transport", t.direction)
	}

	id := opts.ProducerID
	if id == "" {
		id = newID()
	}
	p := &Producer{transport: t, id: id, kind: opts.Kind}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}
	t.seq++
	p.seq = t.seq
	t.producers[id] = p
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (core.Consumer, error) {
	if t.direction != core.DirectionReceive {
		return nil, fmt.Errorf("cannot consume on a %s transport", t.direction)
	}

	rl, ok := t.router.relayFor(producerID)
	if !ok {
		return nil, fmt.Errorf("no producer %s on router %s", producerID, t.router.ID())
	}

	kind := core.KindAudio
	codec := opusCodec
	if rl.src.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.KindVideo
		codec = vp8Codec
	}

	id := newID()
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, producerID)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	go drainRTCP(sender)

	params, err := json.Marshal(codec)
	if err != nil {
		return nil, fmt.Errorf("marshal codec: %w", err)
	}

	c := &Consumer{
		transport: t,
		rl:        rl,
		out:       rl.addOut(id, track),
		sender:    sender,
		opts: core.ConsumerOptions{
			ID:            id,
			ProducerID:    producerID,
			Kind:          kind,
			RTPParameters: params,
		},
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		rl.removeOut(id)
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}
	t.consumers[id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) Close() error {
	t.closeWithReason(reasonTransportClosed)
	return nil
}

func (t *Transport) closeWithReason(reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.producers = make(map[string]*Producer)
	t.consumers = make(map[string]*Consumer)
	t.mu.Unlock()

	t.cancel()
	for _, p := range producers {
		p.closeWithReason(reason)
	}
	for _, c := range consumers {
		c.closeWithReason(reason)
	}
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "media").Str("transport", t.id).Msg("close error")
	}
	t.router.dropTransport(t.id)
	t.notifier.fire(reason)
	log.Info().Str("module", "media").Str("transport", t.id).Str("reason", reason).Msg("transport closed")
}

func (t *Transport) dropProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) dropConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Producer is the server-side handle for one media source published by a
// peer. It is created before the track arrives; the relay binds in once the
// first RTP packet shows up.
type Producer struct {
	transport *Transport
	id        string
	kind      core.MediaKind
	seq       uint64
	bound     bool // guarded by transport.mu
	paused    atomic.Bool
	notifier  closeNotifier

	mu sync.Mutex
	rl *relay
}

func (p *Producer) ID() string           { return p.id }
func (p *Producer) Kind() core.MediaKind { return p.kind }

func (p *Producer) Paused() bool { return p.paused.Load() }

func (p *Producer) SetPaused(paused bool) {
	p.paused.Store(paused)
	p.mu.Lock()
	rl := p.rl
	p.mu.Unlock()
	if rl != nil {
		rl.paused.Store(paused)
	}
}

func (p *Producer) OnClose(fn func(reason string)) { p.notifier.on(fn) }

func (p *Producer) Close() error {
	p.closeWithReason("producer closed")
	return nil
}

func (p *Producer) bindRelay(rl *relay) {
	p.mu.Lock()
	p.rl = rl
	p.mu.Unlock()
}

func (p *Producer) closeWithReason(reason string) {
	if !p.notifier.fire(reason) {
		return
	}
	p.mu.Lock()
	rl := p.rl
	p.rl = nil
	p.mu.Unlock()
	if rl != nil {
		rl.stop()
	}
	p.transport.router.dropRelay(p.id)
	p.transport.dropProducer(p.id)
}

// Consumer is the server-side handle for one subscription to a producer.
type Consumer struct {
	transport *Transport
	rl        *relay
	out       *outTrack
	sender    *webrtc.RTPSender
	opts      core.ConsumerOptions
	notifier  closeNotifier
}

func (c *Consumer) ID() string                    { return c.opts.ID }
func (c *Consumer) ProducerID() string            { return c.opts.ProducerID }
func (c *Consumer) Options() core.ConsumerOptions { return c.opts }

func (c *Consumer) Paused() bool {
	return atomic.LoadInt32(&c.out.state) == outStatePaused
}

func (c *Consumer) SetPaused(paused bool) {
	state := outStateOk
	if paused {
		state = outStatePaused
	}
	// A deleted out track stays deleted.
	atomic.CompareAndSwapInt32(&c.out.state, outStateOk, state)
	atomic.CompareAndSwapInt32(&c.out.state, outStatePaused, state)
}

func (c *Consumer) OnClose(fn func(reason string)) { c.notifier.on(fn) }

func (c *Consumer) Close() error {
	c.closeWithReason("consumer closed")
	return nil
}

func (c *Consumer) closeWithReason(reason string) {
	if !c.notifier.fire(reason) {
		return
	}
	c.rl.removeOut(c.opts.ID)
	if err := c.transport.pc.RemoveTrack(c.sender); err != nil {
		log.Debug().Err(err).Str("module", "media").
			Str("consumer", c.opts.ID).Msg("remove track")
	}
	c.transport.dropConsumer(c.opts.ID)
}
