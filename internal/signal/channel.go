package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gather/internal/core"
)

// DefaultRequestTimeout bounds how long a Request waits for its Response.
const DefaultRequestTimeout = 10 * time.Second

// ErrTimeout is returned when no response arrived within the deadline.
var ErrTimeout = errors.New("request timed out")

// Sender pushes one frame towards the remote peer without blocking.
type Sender interface {
	TrySend(Frame) error
}

type MessageHandler func(Message)

// RequestHandler serves requests initiated by the remote peer. The
// returned data is marshalled into a success response; a non-nil error
// becomes a wasSuccess:false response carrying the error text.
type RequestHandler func(ctx context.Context, req Request) (any, error)

// Channel is the correlation plumbing of the signaling protocol. It pairs
// outgoing requests with incoming responses by id, enforces the request
// timeout, and routes the remaining inbound traffic to the message and
// request handlers. It carries no business logic and works the same in
// both directions.
type Channel struct {
	sender  Sender
	timeout time.Duration

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan Response

	onMessage MessageHandler
	onRequest RequestHandler
}

func NewChannel(sender Sender, timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ch := &Channel{
		sender:  sender,
		timeout: timeout,
		pending: make(map[int64]chan Response),
	}
	// Seed with the current timestamp so ids stay strictly increasing for
	// the lifetime of the channel.
	ch.nextID.Store(time.Now().UnixMilli())
	return ch
}

// OnMessage sets the sink for inbound non-response messages. Set it before
// the read loop starts.
func (ch *Channel) OnMessage(h MessageHandler) { ch.onMessage = h }

// OnRequest sets the handler for requests the remote peer initiates
// (the channel used in reverse).
func (ch *Channel) OnRequest(h RequestHandler) { ch.onRequest = h }

// Send transmits a fire-and-forget message. No reply is expected and no
// timeout applies.
func (ch *Channel) Send(subject Subject, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	frame, err := json.Marshal(Message{Subject: subject, Data: raw})
	if err != nil {
		return err
	}
	return ch.sender.TrySend(frame)
}

// Request transmits a correlated request and suspends the caller until the
// matching response arrives, the timeout elapses, or ctx is cancelled.
// A wasSuccess:false response is surfaced as a DomainError alongside the
// raw response.
func (ch *Channel) Request(ctx context.Context, subject Subject, data any) (Response, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Response{}, fmt.Errorf("marshal %s: %w", subject, err)
	}

	id := ch.nextID.Add(1)
	frame, err := json.Marshal(Request{ID: id, Subject: subject, Data: raw})
	if err != nil {
		return Response{}, err
	}

	waiter := make(chan Response, 1)
	ch.mu.Lock()
	ch.pending[id] = waiter
	ch.mu.Unlock()

	if err := ch.sender.TrySend(frame); err != nil {
		ch.drop(id)
		return Response{}, fmt.Errorf("send %s: %w", subject, err)
	}

	timer := time.NewTimer(ch.timeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		return checkedResponse(resp)
	case <-timer.C:
		if ch.drop(id) {
			return Response{}, fmt.Errorf("%w: id %d (%s)", ErrTimeout, id, subject)
		}
		// The resolver won the race and already removed the entry; take
		// the response it delivered instead of reporting a timeout.
		return checkedResponse(<-waiter)
	case <-ctx.Done():
		if ch.drop(id) {
			return Response{}, ctx.Err()
		}
		return checkedResponse(<-waiter)
	}
}

// HandleIncoming classifies one inbound frame and dispatches it. Responses
// resolve their pending request or are silently dropped when none is left;
// request-shaped frames go to the request handler; plain messages go to
// the message sink. Malformed frames are logged and ignored.
func (ch *Channel) HandleIncoming(ctx context.Context, raw Frame) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal.channel").Msg("bad frame")
		return
	}

	switch {
	case env.IsResponse:
		if env.ID == nil {
			log.Warn().Str("module", "signal.channel").Msg("response without id")
			return
		}
		ch.resolve(Response{
			ID:         *env.ID,
			IsResponse: true,
			WasSuccess: env.WasSuccess,
			Data:       env.Data,
			Message:    env.Message,
		})
	case env.ID != nil:
		ch.serveRequest(ctx, Request{ID: *env.ID, Subject: env.Subject, Data: env.Data})
	case env.Subject != "":
		if ch.onMessage != nil {
			ch.onMessage(Message{Subject: env.Subject, Data: env.Data})
		}
	default:
		log.Warn().Str("module", "signal.channel").Msg("frame is neither message, request nor response")
	}
}

// PendingCount reports outstanding requests, used by tests and shutdown
// diagnostics.
func (ch *Channel) PendingCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.pending)
}

func (ch *Channel) resolve(resp Response) {
	ch.mu.Lock()
	waiter, ok := ch.pending[resp.ID]
	if ok {
		delete(ch.pending, resp.ID)
	}
	ch.mu.Unlock()

	if !ok {
		// Late or duplicate response after timeout; never resurrected.
		log.Debug().Str("module", "signal.channel").Int64("id", resp.ID).Msg("dropping unmatched response")
		return
	}
	waiter <- resp
}

func (ch *Channel) serveRequest(ctx context.Context, req Request) {
	if ch.onRequest == nil {
		ch.respond(req.ID, nil, fmt.Errorf("no handler for requests"))
		return
	}
	data, err := ch.onRequest(ctx, req)
	ch.respond(req.ID, data, err)
}

func (ch *Channel) respond(id int64, data any, handlerErr error) {
	resp := Response{ID: id, IsResponse: true}
	if handlerErr != nil {
		resp.Message = handlerErr.Error()
	} else {
		raw, err := marshalData(data)
		if err != nil {
			resp.Message = fmt.Sprintf("marshal response: %v", err)
		} else {
			resp.WasSuccess = true
			resp.Data = raw
		}
	}

	frame, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.channel").Msg("marshal response frame")
		return
	}
	if err := ch.sender.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "signal.channel").Int64("id", id).Msg("send response")
	}
}

// drop removes the pending entry and reports whether it was still there.
func (ch *Channel) drop(id int64) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.pending[id]; !ok {
		return false
	}
	delete(ch.pending, id)
	return true
}

func checkedResponse(resp Response) (Response, error) {
	if !resp.WasSuccess {
		return resp, &core.DomainError{Message: resp.Message}
	}
	return resp, nil
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}
