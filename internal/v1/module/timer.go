package module

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/store"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

const timerNamespace = "timer"

const (
	timerActionStart  = "start_timer"
	timerActionCancel = "cancel_timer"

	timerMessageStarted  = "timer_started"
	timerMessageCanceled = "timer_canceled"
	timerMessageElapsed  = "timer_elapsed"
)

// TimerModule implements a moderator-started countdown broadcast to the
// whole room, backed by the same distributed-key pattern the room
// coordinator uses for closes_at: a single expiry timestamp string under a
// room-scoped key, so every controller node sharing the room agrees on it
// without an in-memory timer per node racing another.
type TimerModule struct{}

// NewTimerModule constructs the stateless timer module factory.
func NewTimerModule() *TimerModule { return &TimerModule{} }

func (m *TimerModule) Namespace() string       { return timerNamespace }
func (m *TimerModule) Subscriptions() []string { return nil }
func (m *TimerModule) NewHandler() Handler     { return &timerHandler{} }

type timerHandler struct{}

func (h *timerHandler) key(ctx *Context) string {
	return ctx.Room.StoreKey(timerNamespace, "expires_at")
}

func (h *timerHandler) OnJoin(ctx *Context) (json.RawMessage, json.RawMessage, error) {
	expiresAt, err := h.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	if expiresAt == nil {
		return nil, nil, nil
	}
	body, _ := json.Marshal(timerPayload{ExpiresAt: *expiresAt})
	return nil, body, nil
}

func (h *timerHandler) load(ctx *Context) (*time.Time, error) {
	raw, err := ctx.Room.Store().Get(ctx, h.key(ctx))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, signalerr.TransientInfra("timer_unavailable", "failed to read timer state", err)
	}
	unixSeconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, signalerr.PermanentInfra("timer_corrupt", "stored timer value failed to decode", err)
	}
	expiresAt := time.Unix(unixSeconds, 0).UTC()
	return &expiresAt, nil
}

type timerPayload struct {
	DurationSeconds int       `json:"durationSeconds,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

func (h *timerHandler) OnCommand(ctx *Context, action string, target types.ParticipantIdType, payload json.RawMessage) error {
	switch action {
	case timerActionStart:
		return h.handleStart(ctx, payload)
	case timerActionCancel:
		return h.handleCancel(ctx)
	default:
		return signalerr.Protocol(signalerr.CodeUnknownEvent, "unknown timer action "+action)
	}
}

func (h *timerHandler) handleStart(ctx *Context, payload json.RawMessage) error {
	if !ctx.Room.IsModerator(ctx.Self) {
		return signalerr.Permission(signalerr.CodeNotAuthorized, "moderator role required")
	}
	var p timerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed start_timer payload")
	}
	if p.DurationSeconds <= 0 {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "durationSeconds must be positive")
	}

	expiresAt := time.Now().UTC().Add(time.Duration(p.DurationSeconds) * time.Second)
	ttl := time.Duration(p.DurationSeconds)*time.Second + time.Minute
	if err := ctx.Room.Store().Set(ctx, h.key(ctx), strconv.FormatInt(expiresAt.Unix(), 10), ttl); err != nil {
		return signalerr.TransientInfra("timer_unavailable", "failed to persist timer", err)
	}

	body, _ := json.Marshal(timerPayload{DurationSeconds: p.DurationSeconds, ExpiresAt: expiresAt})
	publishBroadcast(ctx, timerNamespace, timerMessageStarted, types.Frame{Namespace: timerNamespace, Message: timerMessageStarted, Payload: body}, "")
	return nil
}

func (h *timerHandler) handleCancel(ctx *Context) error {
	if !ctx.Room.IsModerator(ctx.Self) {
		return signalerr.Permission(signalerr.CodeNotAuthorized, "moderator role required")
	}
	if err := ctx.Room.Store().Delete(ctx, h.key(ctx)); err != nil {
		return signalerr.TransientInfra("timer_unavailable", "failed to clear timer", err)
	}
	publishBroadcast(ctx, timerNamespace, timerMessageCanceled, types.Frame{Namespace: timerNamespace, Message: timerMessageCanceled}, "")
	return nil
}

// OnEvent performs the actual Broadcast for timer_started/timer_canceled
// published by OnCommand, so every controller node holding this room
// delivers the same timer lifecycle to its local participants. A
// timer_elapsed event received under this namespace is sent to this
// participant; nothing in the room coordinator publishes one, so expiry
// itself produces no frame.
func (h *timerHandler) OnEvent(ctx *Context, event BusEvent) error {
	switch event.Name {
	case timerMessageStarted, timerMessageCanceled:
		deliverBroadcastEvent(ctx, event)
	case timerMessageElapsed:
		ctx.Room.SendTo(ctx.Self, types.Frame{Namespace: timerNamespace, Message: timerMessageElapsed})
	}
	return nil
}

func (h *timerHandler) OnLeave(ctx *Context, reason string) {}
