package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

// command is the inbound frame from the rendering layer. Unused fields stay
// empty per command type.
type command struct {
	Type        string `json:"type"`
	Room        string `json:"room,omitempty"`
	Token       string `json:"token,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Kind        string `json:"kind,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	Peer        string `json:"peer,omitempty"`
	Role        string `json:"role,omitempty"`
}

type reply struct {
	Type     string              `json:"type"`
	Op       string              `json:"op,omitempty"`
	Message  string              `json:"message,omitempty"`
	Self     *domain.Participant `json:"self,omitempty"`
	Muted    *bool               `json:"muted,omitempty"`
	VideoOff *bool               `json:"video_off,omitempty"`
	Sharing  *bool               `json:"sharing,omitempty"`
	Devices  []core.DeviceInfo   `json:"devices,omitempty"`
}

func (ctl *Controller) writePump(ctx context.Context, c *controlConn) {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "control").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "control").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, c *controlConn) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "control").Msg("readPump read error")
				}
				return
			}
			ctl.handleCommand(ctx, c, data)
		}
	}
}

func (ctl *Controller) handleCommand(ctx context.Context, c *controlConn, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Error().Err(err).Str("module", "control").Msg("bad command json")
		ctl.sendError(c, "", "malformed command")
		return
	}

	switch cmd.Type {
	case "ping":
		ctl.sendJSON(c, reply{Type: "pong"})
	case "join":
		ctl.handleJoin(ctx, c, cmd)
	case "leave":
		ctl.handleLeave(c)
	case "toggle_mute":
		ctl.handleToggleMute(ctx, c)
	case "toggle_video":
		ctl.handleToggleVideo(ctx, c)
	case "toggle_screen_share":
		ctl.handleToggleScreenShare(ctx, c)
	case "switch_device":
		ctl.handleSwitchDevice(ctx, c, cmd)
	case "list_devices":
		ctl.handleListDevices(ctx, c)
	case "mute_other":
		ctl.handleModeration(ctx, c, cmd, "mute_other")
	case "kick_other":
		ctl.handleModeration(ctx, c, cmd, "kick_other")
	case "change_role":
		ctl.handleModeration(ctx, c, cmd, "change_role")
	case "connect_agent":
		ctl.handleConnectAgent(ctx, c)
	case "disconnect_agent":
		ctl.handleDisconnectAgent(c)
	default:
		log.Warn().Str("module", "control").Str("type", cmd.Type).Msg("unknown command")
		ctl.sendError(c, cmd.Type, "unknown command")
	}
}

func (ctl *Controller) sendJSON(c *controlConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "control").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "control").Msg("frame dropped")
	}
}

func (ctl *Controller) sendError(c *controlConn, op, msg string) {
	ctl.sendJSON(c, reply{Type: "error", Op: op, Message: msg})
}
