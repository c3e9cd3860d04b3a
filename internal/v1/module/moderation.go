package module

import (
	"encoding/json"

	"github.com/lumenrelay/signalcore/internal/v1/moderation"
	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

const moderationNamespace = "moderation"

const (
	modActionAccept            = "accept"
	modActionSendToWaiting     = "send_to_waiting"
	modActionKick              = "kick"
	modActionBan               = "ban"
	modActionDebrief           = "debrief"
	modActionGrantModerator    = "grant_moderator_role"
	modActionRevokeModerator   = "revoke_moderator_role"
	modActionRaiseHand         = "raise_hand"
	modActionLowerHand         = "lower_hand"
	modActionResetHands        = "reset_hands"
	modActionDisableRaiseHands = "disable_raise_hands"

	modMessageAccepted           = "accepted"
	modMessageSentToWaiting      = "sent_to_waiting"
	modMessageKicked             = "kicked"
	modMessageBanned             = "banned"
	modMessageSessionEnded       = "session_ended"
	modMessageRoleUpdated        = "role_updated"
	modMessageHandRaised         = "hand_raised"
	modMessageHandLowered        = "hand_lowered"
	modMessageHandsReset         = "hands_reset"
	modMessageRaiseHandsDisabled = "raise_hands_disabled"
)

// ModerationModule wraps the pure internal/v1/moderation transition
// functions as wire-level actions, owning none of the state itself: every
// transition is validated here against the current roster snapshot and
// then applied through RoomAccess, which the room coordinator implements
// with the actual locking and distributed-store writes.
type ModerationModule struct{}

// NewModerationModule constructs the stateless moderation module factory.
func NewModerationModule() *ModerationModule { return &ModerationModule{} }

func (m *ModerationModule) Namespace() string       { return moderationNamespace }
func (m *ModerationModule) Subscriptions() []string { return nil }
func (m *ModerationModule) NewHandler() Handler     { return &moderationHandler{} }

type moderationHandler struct{}

func (h *moderationHandler) OnJoin(ctx *Context) (json.RawMessage, json.RawMessage, error) {
	return nil, nil, nil
}

func (h *moderationHandler) requireModerator(ctx *Context) error {
	if !ctx.Room.IsModerator(ctx.Self) {
		return signalerr.Permission(signalerr.CodeNotAuthorized, "moderator role required")
	}
	return nil
}

func (h *moderationHandler) OnCommand(ctx *Context, action string, target types.ParticipantIdType, payload json.RawMessage) error {
	switch action {
	case modActionAccept:
		return h.handleAccept(ctx, target)
	case modActionSendToWaiting:
		return h.handleSendToWaiting(ctx, target)
	case modActionKick:
		return h.handleKick(ctx, target)
	case modActionBan:
		return h.handleBan(ctx, target)
	case modActionDebrief:
		return h.handleDebrief(ctx, payload)
	case modActionGrantModerator:
		return h.handleGrantModerator(ctx, target)
	case modActionRevokeModerator:
		return h.handleRevokeModerator(ctx, target)
	case modActionRaiseHand:
		return h.handleRaiseHand(ctx)
	case modActionLowerHand:
		return h.handleLowerHand(ctx)
	case modActionResetHands:
		return h.handleResetHands(ctx)
	case modActionDisableRaiseHands:
		return h.handleDisableRaiseHands(ctx)
	default:
		return signalerr.Protocol(signalerr.CodeUnknownEvent, "unknown moderation action "+action)
	}
}

func (h *moderationHandler) handleAccept(ctx *Context, target types.ParticipantIdType) error {
	if err := h.requireModerator(ctx); err != nil {
		return err
	}
	info, ok := ctx.Room.Self(target)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "unknown target participant")
	}
	tr, err := moderation.Accept(info.State)
	if err != nil {
		return err
	}
	if err := ctx.Room.ApplyLifecycle(target, tr.From, tr.To, tr.FinalReason); err != nil {
		return err
	}
	publishBroadcast(ctx, moderationNamespace, modMessageAccepted, types.Frame{Namespace: moderationNamespace, Message: modMessageAccepted, Target: target}, "")
	return nil
}

func (h *moderationHandler) handleSendToWaiting(ctx *Context, target types.ParticipantIdType) error {
	if err := h.requireModerator(ctx); err != nil {
		return err
	}
	info, ok := ctx.Room.Self(target)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "unknown target participant")
	}
	tr, err := moderation.SendToWaiting(info.State)
	if err != nil {
		return err
	}
	if err := ctx.Room.ApplyLifecycle(target, tr.From, tr.To, tr.FinalReason); err != nil {
		return err
	}
	publishBroadcast(ctx, moderationNamespace, modMessageSentToWaiting, types.Frame{Namespace: moderationNamespace, Message: modMessageSentToWaiting, Target: target}, "")
	return nil
}

func (h *moderationHandler) handleKick(ctx *Context, target types.ParticipantIdType) error {
	if err := h.requireModerator(ctx); err != nil {
		return err
	}
	info, ok := ctx.Room.Self(target)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "unknown target participant")
	}
	tr, err := moderation.Kick(info.State)
	if err != nil {
		return err
	}
	frame := types.Frame{Namespace: moderationNamespace, Message: modMessageKicked, Target: target}
	ctx.Room.SendTo(target, frame)
	if err := ctx.Room.ApplyLifecycle(target, tr.From, tr.To, tr.FinalReason); err != nil {
		return err
	}
	publishBroadcast(ctx, moderationNamespace, modMessageKicked, frame, target)
	return nil
}

func (h *moderationHandler) handleBan(ctx *Context, target types.ParticipantIdType) error {
	if err := h.requireModerator(ctx); err != nil {
		return err
	}
	info, ok := ctx.Room.Self(target)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "unknown target participant")
	}
	tr, err := moderation.Ban(info.State, info.Kind)
	if err != nil {
		return err
	}
	if err := ctx.Room.Ban(target); err != nil {
		return err
	}
	frame := types.Frame{Namespace: moderationNamespace, Message: modMessageBanned, Target: target}
	ctx.Room.SendTo(target, frame)
	if err := ctx.Room.ApplyLifecycle(target, tr.From, tr.To, tr.FinalReason); err != nil {
		return err
	}
	publishBroadcast(ctx, moderationNamespace, modMessageBanned, frame, target)
	return nil
}

type debriefPayload struct {
	Scope types.DebriefScope `json:"scope"`
}

func (h *moderationHandler) handleDebrief(ctx *Context, payload json.RawMessage) error {
	if err := h.requireModerator(ctx); err != nil {
		return err
	}
	var p debriefPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed debrief payload")
	}
	ctx.Room.Publish(ctx, types.ControlNamespace, "debriefing_started", nil)
	for _, participant := range ctx.Room.Roster() {
		tr, ok := moderation.Debrief(participant.State, participant.Kind, p.Scope)
		if !ok {
			continue
		}
		ctx.Room.SendTo(participant.ParticipantID, types.Frame{Namespace: moderationNamespace, Message: modMessageSessionEnded, Target: participant.ParticipantID})
		if err := ctx.Room.ApplyLifecycle(participant.ParticipantID, tr.From, tr.To, tr.FinalReason); err != nil {
			continue
		}
	}
	return nil
}

func (h *moderationHandler) handleGrantModerator(ctx *Context, target types.ParticipantIdType) error {
	actor, ok := ctx.Room.Self(ctx.Self)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "unknown acting participant")
	}
	info, ok := ctx.Room.Self(target)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "unknown target participant")
	}
	role, err := moderation.GrantModerator(actor.Role, info.Role)
	if err != nil {
		return err
	}
	if err := ctx.Room.ApplyRole(target, role); err != nil {
		return err
	}
	ctx.Room.Publish(ctx, types.ControlNamespace, "role.updated", types.LifecycleEventPayload{ParticipantID: target})
	publishBroadcast(ctx, moderationNamespace, modMessageRoleUpdated, types.Frame{Namespace: moderationNamespace, Message: modMessageRoleUpdated, Target: target}, "")
	return nil
}

func (h *moderationHandler) handleRevokeModerator(ctx *Context, target types.ParticipantIdType) error {
	actor, ok := ctx.Room.Self(ctx.Self)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "unknown acting participant")
	}
	info, ok := ctx.Room.Self(target)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "unknown target participant")
	}
	role, err := moderation.RevokeModerator(actor.Role, info.Role)
	if err != nil {
		return err
	}
	if err := ctx.Room.ApplyRole(target, role); err != nil {
		return err
	}
	ctx.Room.Publish(ctx, types.ControlNamespace, "role.updated", types.LifecycleEventPayload{ParticipantID: target})
	publishBroadcast(ctx, moderationNamespace, modMessageRoleUpdated, types.Frame{Namespace: moderationNamespace, Message: modMessageRoleUpdated, Target: target}, "")
	return nil
}

func (h *moderationHandler) handleRaiseHand(ctx *Context) error {
	raised, err := moderation.RaiseHand(ctx.Room.RaiseHandsEnabled())
	if err != nil {
		return err
	}
	if err := ctx.Room.SetHandRaised(ctx.Self, raised); err != nil {
		return err
	}
	publishBroadcast(ctx, moderationNamespace, modMessageHandRaised, types.Frame{Namespace: moderationNamespace, Message: modMessageHandRaised, Target: ctx.Self}, "")
	return nil
}

func (h *moderationHandler) handleLowerHand(ctx *Context) error {
	if err := ctx.Room.SetHandRaised(ctx.Self, moderation.LowerHand()); err != nil {
		return err
	}
	publishBroadcast(ctx, moderationNamespace, modMessageHandLowered, types.Frame{Namespace: moderationNamespace, Message: modMessageHandLowered, Target: ctx.Self}, "")
	return nil
}

// handleResetHands lowers every raised hand without touching the room's
// raise-hands flag, for a moderator clearing the queue after a Q&A round.
func (h *moderationHandler) handleResetHands(ctx *Context) error {
	if err := h.requireModerator(ctx); err != nil {
		return err
	}
	for _, participant := range ctx.Room.Roster() {
		if participant.HandRaised {
			_ = ctx.Room.SetHandRaised(participant.ParticipantID, false)
		}
	}
	publishBroadcast(ctx, moderationNamespace, modMessageHandsReset, types.Frame{Namespace: moderationNamespace, Message: modMessageHandsReset}, "")
	return nil
}

func (h *moderationHandler) handleDisableRaiseHands(ctx *Context) error {
	if err := h.requireModerator(ctx); err != nil {
		return err
	}
	ctx.Room.SetRaiseHandsEnabled(moderation.DisableRaiseHands())
	for _, participant := range ctx.Room.Roster() {
		_ = ctx.Room.SetHandRaised(participant.ParticipantID, false)
	}
	publishBroadcast(ctx, moderationNamespace, modMessageRaiseHandsDisabled, types.Frame{Namespace: moderationNamespace, Message: modMessageRaiseHandsDisabled}, "")
	return nil
}

// OnEvent delivers every effect OnCommand publishes, so a moderator
// action taken against a participant local to one controller node still
// reaches participants connected to another node holding this room.
func (h *moderationHandler) OnEvent(ctx *Context, event BusEvent) error {
	switch event.Name {
	case modMessageAccepted, modMessageSentToWaiting, modMessageKicked, modMessageBanned,
		modMessageRoleUpdated, modMessageHandRaised, modMessageHandLowered, modMessageHandsReset,
		modMessageRaiseHandsDisabled:
		deliverBroadcastEvent(ctx, event)
	}
	return nil
}

func (h *moderationHandler) OnLeave(ctx *Context, reason string) {}
