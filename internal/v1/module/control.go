package module

import (
	"encoding/json"

	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

// ControlModule owns the small set of post-join frames that are not tied
// to any feature module: keepalive ping/pong, re-entry into the room after
// waiting-room admission, and translating the room coordinator's lifecycle
// bus events into the presence-delta frames clients observe. The heavier
// control-plane operations (the initial join, admission, room_state
// snapshots) are handled directly by the room coordinator before module
// dispatch even begins.
type ControlModule struct{}

// NewControlModule constructs the stateless control module factory.
func NewControlModule() *ControlModule { return &ControlModule{} }

func (m *ControlModule) Namespace() string       { return types.ControlNamespace }
func (m *ControlModule) Subscriptions() []string { return nil }
func (m *ControlModule) NewHandler() Handler     { return &controlHandler{} }

type controlHandler struct{}

func (h *controlHandler) OnJoin(ctx *Context) (json.RawMessage, json.RawMessage, error) {
	return nil, nil, nil
}

func (h *controlHandler) OnCommand(ctx *Context, action string, target types.ParticipantIdType, payload json.RawMessage) error {
	switch action {
	case types.ActionPing:
		ctx.Room.SendTo(ctx.Self, types.Frame{Namespace: types.ControlNamespace, Message: types.MessagePong})
		return nil

	case types.ActionEnterRoom:
		return h.handleEnterRoom(ctx)

	default:
		return nil
	}
}

// handleEnterRoom re-delivers join_success once a waiting-room participant
// has been admitted: moderator accept -> admitted participant requests
// enter_room -> join_success with the full roster.
func (h *controlHandler) handleEnterRoom(ctx *Context) error {
	self, ok := ctx.Room.Self(ctx.Self)
	if !ok || self.State != types.StateInRoom {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "not yet admitted to the room")
	}

	state, joinBody, ok := ctx.Room.JoinSnapshot(ctx.Self)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "not yet admitted to the room")
	}

	body, err := json.Marshal(types.JoinSuccessBody{RoomState: state, Modules: joinBody})
	if err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "failed to encode join_success")
	}
	ctx.Room.SendTo(ctx.Self, types.Frame{Namespace: types.ControlNamespace, Message: types.MessageJoinSuccess, Payload: body})
	return nil
}

// OnEvent translates the room coordinator's lifecycle bus events into the
// presence-delta frames clients observe. The coordinator's own
// emitLifecycle carries only the participant's identity and display name;
// shaping that into client frames is this module's last mile.
func (h *controlHandler) OnEvent(ctx *Context, event BusEvent) error {
	switch event.Name {
	case "waiting.joined", "waiting.left":
		if !ctx.Room.IsModerator(ctx.Self) {
			return nil
		}
		var payload types.LifecycleEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil
		}
		message := types.MessageJoinedWaitingRoom
		if event.Name == "waiting.left" {
			message = types.MessageLeftWaitingRoom
		}
		ctx.Room.SendTo(ctx.Self, types.Frame{Namespace: types.ControlNamespace, Message: message, ID: payload.ParticipantID, Payload: event.Payload})

	case "participant.joined":
		var payload types.LifecycleEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil
		}
		if payload.ParticipantID == ctx.Self {
			return nil
		}
		ctx.Room.SendTo(ctx.Self, types.Frame{Namespace: types.ControlNamespace, Message: types.MessageJoined, ID: payload.ParticipantID, Payload: event.Payload})

	case "participant.left":
		var payload types.LifecycleEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil
		}
		ctx.Room.SendTo(ctx.Self, types.Frame{Namespace: types.ControlNamespace, Message: types.MessageLeft, ID: payload.ParticipantID})
	}
	return nil
}

func (h *controlHandler) OnLeave(ctx *Context, reason string) {}
