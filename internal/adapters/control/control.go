// Package control is the rendering-layer boundary: a websocket endpoint
// the UI drives with JSON commands and consumes session events from. One
// connection owns at most one joined session.
package control

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/app"
	"github.com/meshcall/meshcall/internal/app/mesh"
	"github.com/meshcall/meshcall/internal/config"
	"github.com/meshcall/meshcall/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// Deps is everything a session needs; the controller only forwards them.
type Deps struct {
	Store   core.RosterStore
	Devices core.DeviceManager
	Factory core.TransportFactory
	Agent   core.AgentBridge
	Cfg     *config.Config
}

type Controller struct {
	deps Deps
}

func NewController(deps Deps) *Controller {
	return &Controller{deps: deps}
}

func (ctl *Controller) sessionOptions() mesh.Options {
	cfg := ctl.deps.Cfg
	return mesh.Options{
		Store:        ctl.deps.Store,
		Devices:      ctl.deps.Devices,
		Factory:      ctl.deps.Factory,
		Agent:        ctl.deps.Agent,
		TokenSecret:  cfg.Secret,
		OfferTimeout: cfg.Mesh.OfferTimeout,
		Retry: app.RetryPolicy{
			Min:    cfg.Mesh.BackoffMin,
			Max:    cfg.Mesh.BackoffMax,
			Budget: cfg.Mesh.RetryBudget,
		},
	}
}

type controlConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	sess   *mesh.Session
}

func (c *controlConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *controlConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sess := c.sess
	c.sess = nil
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()

	// A dropped UI must not leave a ghost participant in the room.
	if sess != nil {
		sess.Leave()
	}
}

func (c *controlConn) session() *mesh.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *controlConn) bindSession(s *mesh.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sess != nil {
		return false
	}
	c.sess = s
	return true
}

func (c *controlConn) unbindSession() *mesh.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sess
	c.sess = nil
	return s
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleControl upgrades the request and starts the IO pumps.
func (ctl *Controller) HandleControl(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "control").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "control").Str("client", c.GetString("client_token")).Msg("new control connection")

	conn := &controlConn{
		conn: ws,
		send: make(chan []byte, 64),
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ctl.writePump(ctx, conn)
		cancel()
	}()
	go func() {
		ctl.readPump(ctx, conn)
		cancel()
	}()
}
