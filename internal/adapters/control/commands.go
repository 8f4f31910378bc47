package control

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/meshcall/meshcall/internal/app/mesh"
	"github.com/meshcall/meshcall/internal/core"
	"github.com/meshcall/meshcall/internal/domain"
)

func (ctl *Controller) handleJoin(ctx context.Context, c *controlConn, cmd command) {
	if c.session() != nil {
		ctl.sendError(c, "join", "already joined")
		return
	}
	if cmd.Room == "" || cmd.Token == "" {
		ctl.sendError(c, "join", "room and token required")
		return
	}

	sess, err := mesh.Join(ctx, ctl.sessionOptions(), domain.RoomID(cmd.Room), cmd.Token, cmd.DisplayName)
	if err != nil {
		log.Warn().Err(err).Str("module", "control").Str("room", cmd.Room).Msg("join rejected")
		ctl.sendError(c, "join", err.Error())
		return
	}
	if !c.bindSession(sess) {
		sess.Leave()
		ctl.sendError(c, "join", "connection closing")
		return
	}

	// Session events stream straight to the UI until leave closes them.
	go func() {
		for ev := range sess.Events() {
			ctl.sendEvent(c, ev)
		}
	}()

	self := sess.Self()
	ctl.sendJSON(c, reply{Type: "ok", Op: "join", Self: &self})
}

func (ctl *Controller) handleLeave(c *controlConn) {
	sess := c.unbindSession()
	if sess == nil {
		ctl.sendError(c, "leave", "not in a room")
		return
	}
	sess.Leave()
	ctl.sendJSON(c, reply{Type: "ok", Op: "leave"})
}

func (ctl *Controller) handleToggleMute(ctx context.Context, c *controlConn) {
	sess := c.session()
	if sess == nil {
		ctl.sendError(c, "toggle_mute", "not in a room")
		return
	}
	muted, err := sess.ToggleMute(ctx)
	if err != nil {
		ctl.sendError(c, "toggle_mute", err.Error())
		return
	}
	ctl.sendJSON(c, reply{Type: "ok", Op: "toggle_mute", Muted: &muted})
}

func (ctl *Controller) handleToggleVideo(ctx context.Context, c *controlConn) {
	sess := c.session()
	if sess == nil {
		ctl.sendError(c, "toggle_video", "not in a room")
		return
	}
	off, err := sess.ToggleVideo(ctx)
	if err != nil {
		ctl.sendError(c, "toggle_video", err.Error())
		return
	}
	ctl.sendJSON(c, reply{Type: "ok", Op: "toggle_video", VideoOff: &off})
}

func (ctl *Controller) handleToggleScreenShare(ctx context.Context, c *controlConn) {
	sess := c.session()
	if sess == nil {
		ctl.sendError(c, "toggle_screen_share", "not in a room")
		return
	}
	sharing, err := sess.ToggleScreenShare(ctx)
	if err != nil {
		ctl.sendError(c, "toggle_screen_share", err.Error())
		return
	}
	ctl.sendJSON(c, reply{Type: "ok", Op: "toggle_screen_share", Sharing: &sharing})
}

func (ctl *Controller) handleSwitchDevice(ctx context.Context, c *controlConn, cmd command) {
	sess := c.session()
	if sess == nil {
		ctl.sendError(c, "switch_device", "not in a room")
		return
	}
	var kind core.DeviceKind
	switch cmd.Kind {
	case "audio":
		kind = core.DeviceAudio
	case "video":
		kind = core.DeviceVideo
	default:
		ctl.sendError(c, "switch_device", "kind must be audio or video")
		return
	}
	if err := sess.SwitchDevice(ctx, kind, cmd.DeviceID); err != nil {
		ctl.sendError(c, "switch_device", err.Error())
		return
	}
	ctl.sendJSON(c, reply{Type: "ok", Op: "switch_device"})
}

func (ctl *Controller) handleListDevices(ctx context.Context, c *controlConn) {
	devices, err := ctl.deps.Devices.Enumerate(ctx)
	if err != nil {
		ctl.sendError(c, "list_devices", err.Error())
		return
	}
	ctl.sendJSON(c, reply{Type: "ok", Op: "list_devices", Devices: devices})
}

func (ctl *Controller) handleModeration(ctx context.Context, c *controlConn, cmd command, op string) {
	sess := c.session()
	if sess == nil {
		ctl.sendError(c, op, "not in a room")
		return
	}
	if cmd.Peer == "" {
		ctl.sendError(c, op, "peer required")
		return
	}
	peer := domain.PeerID(cmd.Peer)

	var err error
	switch op {
	case "mute_other":
		err = sess.MuteOther(ctx, peer)
	case "kick_other":
		err = sess.KickOther(ctx, peer)
	case "change_role":
		var role domain.Role
		role, err = domain.ParseRole(cmd.Role)
		if err == nil {
			err = sess.ChangeOtherRole(ctx, peer, role)
		}
	}
	if err != nil {
		ctl.sendError(c, op, err.Error())
		return
	}
	ctl.sendJSON(c, reply{Type: "ok", Op: op})
}

func (ctl *Controller) handleConnectAgent(ctx context.Context, c *controlConn) {
	sess := c.session()
	if sess == nil {
		ctl.sendError(c, "connect_agent", "not in a room")
		return
	}
	if err := sess.ConnectAgent(ctx); err != nil {
		ctl.sendError(c, "connect_agent", err.Error())
		return
	}
	ctl.sendJSON(c, reply{Type: "ok", Op: "connect_agent"})
}

func (ctl *Controller) handleDisconnectAgent(c *controlConn) {
	sess := c.session()
	if sess == nil {
		ctl.sendError(c, "disconnect_agent", "not in a room")
		return
	}
	sess.DisconnectAgent()
	ctl.sendJSON(c, reply{Type: "ok", Op: "disconnect_agent"})
}

// sendEvent wraps a session event for the wire. Remote tracks carry their
// peer and kind; the media itself flows over the peer connections, not this
// socket.
func (ctl *Controller) sendEvent(c *controlConn, ev core.Event) {
	type eventFrame struct {
		Type  string     `json:"type"`
		Event core.Event `json:"event"`
		Kind  string     `json:"kind,omitempty"`
	}
	frame := eventFrame{Type: "event", Event: ev}
	if ev.Track != nil {
		frame.Kind = ev.Track.Kind
	}
	ctl.sendJSON(c, frame)
}
