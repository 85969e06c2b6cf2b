package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gather/internal/auth"
	"github.com/dkeye/Gather/internal/config"
	"github.com/dkeye/Gather/internal/core"
	"github.com/dkeye/Gather/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Controller owns the websocket endpoint: it resolves the connecting
// identity, builds the per-connection client and channel, and runs the
// read/write pumps.
type Controller struct {
	Venues   *core.VenueManager
	Users    core.UserStore
	Verifier auth.Verifier
	Cfg      *config.Config
}

func NewController(venues *core.VenueManager, users core.UserStore, verifier auth.Verifier, cfg *config.Config) *Controller {
	return &Controller{Venues: venues, Users: users, Verifier: verifier, Cfg: cfg}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the connection and starts a peer session. Identity
// comes from the token query parameter when present; otherwise the
// connection runs as a guest.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	user, err := ctl.resolveUser(c)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("credential rejected")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	pongWait := ctl.pingPeriod() * 10 / 9
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan Frame, 32),
	}

	client := core.NewClient(user, ctl.Venues)
	channel := NewChannel(conn, ctl.Cfg.RequestTimeout)
	sess := newPeerSession(ctl, client, channel)

	log.Info().Str("module", "signal").Str("cid", string(client.ConnectionID)).
		Str("user", string(user.ID)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sess, conn)
}

func (ctl *Controller) resolveUser(c *gin.Context) (*domain.User, error) {
	ctx := c.Request.Context()
	token := c.Query("token")
	if token == "" {
		// Anonymous connections get a fresh guest identity, persisted so
		// venue records referencing the owner stay resolvable.
		user, err := domain.NewUser("guest", domain.RoleGuest)
		if err != nil {
			return nil, err
		}
		if err := ctl.Users.Create(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}
	identity, err := ctl.Verifier.Decode(token)
	if err != nil {
		return nil, err
	}
	user, err := ctl.Users.FindByID(ctx, identity.UserID)
	if errors.Is(err, core.ErrNotFound) {
		user = &domain.User{ID: identity.UserID, Username: identity.Username, Role: identity.Role}
		if err := ctl.Users.Create(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

const defaultPingPeriod = 54 * time.Second

func (ctl *Controller) pingPeriod() time.Duration {
	if ctl.Cfg.PingPeriod > 0 {
		return ctl.Cfg.PingPeriod
	}
	return defaultPingPeriod
}

func (ctl *Controller) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, sess *peerSession, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("cid", string(sess.client.ConnectionID)).Msg("readPump closing")
		sess.disconnect()
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("cid", string(sess.client.ConnectionID)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").
					Str("cid", string(sess.client.ConnectionID)).Msg("readPump read error")
				return
			}
			sess.channel.HandleIncoming(ctx, data)
		}
	}
}
