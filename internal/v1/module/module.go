// Package module implements the Module Registry & Dispatch: a capability
// interface every per-module feature (chat, moderation, media, timer, poll)
// implements, plus an ordered registry the room coordinator consults to
// fan inbound commands out to exactly one module and fan bus/lifecycle
// events out to every module that declared interest.
//
// Modules never call each other directly: the only cross-module paths are
// bus events and the read-only RoomAccess snapshot handed to every call,
// so a session's dispatch loop stays single threaded no matter how many
// modules are registered.
package module

import (
	"context"
	"encoding/json"

	"github.com/lumenrelay/signalcore/internal/v1/bus"
	"github.com/lumenrelay/signalcore/internal/v1/store"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

// BusEvent is a cluster-wide notification delivered to OnEvent, either
// published by this coordinator's own modules or received from the
// Exchange Bus from another controller node.
type BusEvent struct {
	Name      string
	Namespace string
	Payload   json.RawMessage
}

// RoomAccess is the narrow surface Module handlers use to read room state
// and produce effects (emit frames, mutate distributed state, publish bus
// events). Room coordinator implements this; modules never see the
// coordinator's concrete type, only this interface, so all cross-module
// and module-to-runtime interaction is mediated and auditable.
type RoomAccess interface {
	RoomID() types.RoomIdType
	Tariff() types.TariffSnapshot
	Self(participantID types.ParticipantIdType) (types.ParticipantInfo, bool)
	Roster() []types.ParticipantInfo
	IsModerator(participantID types.ParticipantIdType) bool

	// SendTo enqueues frame on target's outbound channel if target has a
	// local session; otherwise it relays frame through target's bus inbox
	// channel, and is a no-op (not an error) when no bus is configured.
	SendTo(target types.ParticipantIdType, frame types.Frame)
	// Broadcast enqueues frame on every local session's outbound channel
	// except exclude (pass "" to exclude none).
	Broadcast(frame types.Frame, exclude types.ParticipantIdType)
	// Publish emits a bus event under this module's namespace to every
	// controller node holding a local session for the room.
	Publish(ctx context.Context, namespace, name string, payload any)

	// SetModuleState persists namespace's opaque per-participant state so
	// it is included in future room_state/join_success snapshots and
	// readable by other modules via Self/Roster.
	SetModuleState(participantID types.ParticipantIdType, namespace string, state json.RawMessage)

	// ApplyRole overwrites target's role (moderator grant/revoke). Returns
	// an error if target is not currently in the room.
	ApplyRole(target types.ParticipantIdType, role types.RoleType) error
	// ApplyLifecycle transitions target to the moderation package's
	// resolved Transition. Terminal transitions (kick, ban, debrief) close
	// target's session with finalReason after cascading OnLeave, so the
	// acting module must SendTo the participant's final frame before
	// calling this. Errors if target is not currently tracked.
	ApplyLifecycle(target types.ParticipantIdType, from, to types.LifecycleState, finalReason string) error
	// SetHandRaised sets target's hand_raised flag and its timestamp.
	SetHandRaised(target types.ParticipantIdType, raised bool) error
	// RaiseHandsEnabled reports whether raising hands is currently allowed
	// in this room.
	RaiseHandsEnabled() bool
	// SetRaiseHandsEnabled toggles the room-wide raise-hands flag only;
	// hands already raised stay raised until SetHandRaised lowers them.
	SetRaiseHandsEnabled(enabled bool)
	// WaitingRoomEnabled reports whether new joiners are held for review.
	WaitingRoomEnabled() bool
	// Ban records a durable ban for participantID so a future rejoin by the
	// same identity is rejected at admission.
	Ban(participantID types.ParticipantIdType) error
	// IsBanned reports whether participantID has a recorded ban.
	IsBanned(participantID types.ParticipantIdType) bool

	// StoreKey prefixes suffix with this room's key namespace
	// (room:{RoomId}:module:{name}:...), per the distributed key scheme.
	StoreKey(namespace, suffix string) string

	Store() *store.Client
	Bus() *bus.Service

	// JoinSnapshot returns self's room_state and the join_success
	// contribution every module computed for self at admission time, for
	// re-delivery when self re-requests join_success after a waiting-room
	// admission (enter_room). The final bool is false if self is not local
	// to this room.
	JoinSnapshot(self types.ParticipantIdType) (types.RoomState, map[string]json.RawMessage, bool)
}

// Context is the per-call handle passed into every Handler method: a
// request-scoped context.Context, the acting participant, and RoomAccess.
type Context struct {
	context.Context
	Self types.ParticipantIdType
	Room RoomAccess
}

// Handler is the per-session, per-module instance created on join and
// destroyed on leave. No Handler method may block; long-running work must
// be scheduled as an awaitable operation whose completion re-enters the
// dispatcher.
type Handler interface {
	// OnJoin returns this module's contribution to the participant's
	// published per-module state (merged into ParticipantInfo.Module) and,
	// separately, its portion of the join_success payload. Either may be
	// nil.
	OnJoin(ctx *Context) (publishedState json.RawMessage, joinContribution json.RawMessage, err error)
	// OnCommand processes one inbound frame addressed to this module's
	// namespace.
	OnCommand(ctx *Context, action string, target types.ParticipantIdType, payload json.RawMessage) error
	// OnEvent receives a bus event this module subscribed to (its own
	// namespace, always; cross-namespace subscriptions per Subscriptions).
	OnEvent(ctx *Context, event BusEvent) error
	// OnLeave releases module-scoped resources for the participant.
	OnLeave(ctx *Context, reason string)
}

// Module is the stateless factory side: one instance lives for the whole
// room lifetime, producing a fresh Handler for each joining participant.
type Module interface {
	// Namespace is this module's wire namespace, used to route inbound
	// frames and to key its published state.
	Namespace() string
	// Subscriptions lists additional namespaces (beyond this module's own)
	// whose bus events this module's handlers should also receive.
	Subscriptions() []string
	// NewHandler is invoked once per joining participant.
	NewHandler() Handler
}
