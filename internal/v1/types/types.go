// Package types defines the shared domain vocabulary for the signaling
// control plane: room/participant identifiers, roles, and the wire message
// envelope. No package outside types may depend on a concrete transport or
// storage implementation through these types.
package types

import (
	"encoding/json"
	"errors"
	"time"
)

// RoomIdType uniquely identifies a room.
type RoomIdType string

// ParticipantIdType uniquely identifies a participant within a room. It is
// freshly minted (a UUID) for every session, so one user joining twice
// yields two distinct participants; the account behind the session travels
// separately as UserIdType.
type ParticipantIdType string

// UserIdType identifies the authenticated account behind a session. Empty
// for guests and SIP endpoints, which have no durable identity — which is
// also why bans are keyed on it: a ban must outlive any one session.
type UserIdType string

// DisplayNameType is the human-readable name shown in the UI.
type DisplayNameType string

// RoleType is a participant's current standing in the room's moderation
// state machine.
type RoleType string

const (
	RoleWaiting     RoleType = "waiting"
	RoleParticipant RoleType = "participant"
	RoleModerator   RoleType = "moderator"
	RoleOwner       RoleType = "owner"
	RoleUnknown     RoleType = "unknown"
)

// ParticipantKind distinguishes authenticated users from guests. Guests
// cannot be granted moderator/owner and cannot be banned (they can only be
// kicked), per the moderation invariants.
type ParticipantKind string

const (
	KindUser  ParticipantKind = "user"
	KindGuest ParticipantKind = "guest"
)

// LifecycleState is a participant's connection/membership state.
type LifecycleState string

const (
	StateConnecting LifecycleState = "connecting"
	StateWaiting    LifecycleState = "waiting"
	StateInRoom     LifecycleState = "in_room"
	StateLeft       LifecycleState = "left"
	StateBanned     LifecycleState = "banned"
	StateKicked     LifecycleState = "kicked"
	StateDebriefed  LifecycleState = "debriefed"
)

// ControlNamespace is the reserved namespace for runtime-owned frames that
// predate module dispatch: join, room membership lifecycle, and protocol
// errors. Every other namespace string names a Module.
const ControlNamespace = "control"

// Frame is the JSON text-frame envelope exchanged between client and
// server: one object per frame, namespaced per module.
// Inbound frames carry Action (+ optional Target and Payload); outbound
// frames carry Message (+ whatever fields the namespace shapes into
// Payload). A single struct covers both directions because the wire
// format does not otherwise distinguish them — callers know which fields
// to read from which side.
type Frame struct {
	Namespace string            `json:"namespace,omitempty"`
	Action    string            `json:"action,omitempty"`
	Message   string            `json:"message,omitempty"`
	ID        ParticipantIdType `json:"id,omitempty"`
	Target    ParticipantIdType `json:"target,omitempty"`
	Error     string            `json:"error,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
}

// Well-known control-namespace actions and messages.
const (
	ActionJoin      = "join"
	ActionEnterRoom = "enter_room"
	ActionPing      = "ping"

	MessageJoinSuccess   = "join_success"
	MessageInWaitingRoom = "in_waiting_room"
	MessageRoomState     = "room_state"
	MessageError         = "error"
	MessagePong          = "pong"
	MessageJoinBlocked   = "join_blocked"

	// Presence-delta messages the control module derives from the room
	// coordinator's lifecycle bus events.
	MessageJoinedWaitingRoom = "joined_waiting_room"
	MessageLeftWaitingRoom   = "left_waiting_room"
	MessageJoined            = "joined"
	MessageLeft              = "left"
)

// ParticipantInfo is the externally-visible snapshot of a participant,
// serialized into room_state frames and stored in the distributed state
// layer.
type ParticipantInfo struct {
	ParticipantID ParticipantIdType `json:"participantId"`
	UserID        UserIdType        `json:"userId,omitempty"`
	DisplayName   DisplayNameType   `json:"displayName"`
	Role          RoleType          `json:"role"`
	Kind          ParticipantKind   `json:"kind"`
	State         LifecycleState    `json:"state"`
	IsRoomOwner   bool              `json:"isRoomOwner"`
	AudioEnabled  bool              `json:"audioEnabled"`
	VideoEnabled  bool              `json:"videoEnabled"`
	ScreenSharing bool              `json:"screenSharing"`
	HandRaised    bool              `json:"handRaised"`
	HandUpdatedAt time.Time         `json:"handUpdatedAt,omitempty"`
	JoinedAt      time.Time         `json:"joinedAt"`
	LeftAt        *time.Time        `json:"leftAt,omitempty"`

	// Module is this participant's per-module opaque state, keyed by
	// namespace, included verbatim when building room_state/join_success
	// snapshots. Owned by the contributing module; never written by the
	// coordinator itself.
	Module map[string]json.RawMessage `json:"module,omitempty"`
}

// Clone returns a deep-enough copy for safe handoff to a session task: the
// Module map is copied so a later in-place mutation by the coordinator
// cannot race a concurrent read by a session goroutine serializing a
// snapshot to JSON.
func (p ParticipantInfo) Clone() ParticipantInfo {
	if p.Module != nil {
		m := make(map[string]json.RawMessage, len(p.Module))
		for k, v := range p.Module {
			m[k] = v
		}
		p.Module = m
	}
	return p
}

// ChatID uniquely identifies a chat message within a room's history.
type ChatID string

// ChatInfo is a single chat message retained in room history.
type ChatInfo struct {
	ChatID        ChatID            `json:"chatId"`
	ParticipantID ParticipantIdType `json:"participantId"`
	DisplayName   DisplayNameType   `json:"displayName"`
	Content       string            `json:"content"`
	Timestamp     time.Time         `json:"timestamp"`
}

const maxChatContentLength = 1000

// Validate ensures a chat message is safe to persist and broadcast.
func (c ChatInfo) Validate() error {
	if len(c.Content) == 0 {
		return errors.New("chat content cannot be empty")
	}
	if len(c.Content) > maxChatContentLength {
		return errors.New("chat content exceeds maximum length")
	}
	if c.ParticipantID == "" {
		return errors.New("participant id cannot be empty")
	}
	return nil
}

// WaitingEntry is a single waiting-room admission request, ordered by
// arrival for fairness (first-requested, first-reviewed).
type WaitingEntry struct {
	ParticipantID ParticipantIdType `json:"participantId"`
	DisplayName   DisplayNameType   `json:"displayName"`
	RequestedAt   time.Time         `json:"requestedAt"`
}

// TariffSnapshot captures the room's resource limits at creation time, so
// later tariff-plan changes never affect a room already in progress.
type TariffSnapshot struct {
	MaxParticipants    int           `json:"maxParticipants"`
	EnabledModules     []string      `json:"enabledModules"`
	DisabledFeatures   []string      `json:"disabledFeatures"`
	RoomTimeLimit      time.Duration `json:"roomTimeLimit"`
	WaitingRoomDefault bool          `json:"waitingRoomDefault"`
}

// ModuleEnabled reports whether name appears in the tariff's enabled-module
// list. An empty EnabledModules list means "no module restriction" (every
// module the registry knows about is available), matching the common case
// of a tariff that only gates a handful of premium modules.
func (t TariffSnapshot) ModuleEnabled(name string) bool {
	if len(t.EnabledModules) == 0 {
		return true
	}
	for _, m := range t.EnabledModules {
		if m == name {
			return true
		}
	}
	return false
}

// RoomState is the full roster snapshot sent to a newly admitted
// participant as part of join_success, and broadcast on request as a
// room_state frame.
type RoomState struct {
	RoomID             RoomIdType        `json:"roomId"`
	Self               ParticipantIdType `json:"self"`
	Participants       []ParticipantInfo `json:"participants"`
	Waiting            []WaitingEntry    `json:"waiting,omitempty"`
	RaiseHandsEnabled  bool              `json:"raiseHandsEnabled"`
	WaitingRoomEnabled bool              `json:"waitingRoomEnabled"`
	ClosesAt           *time.Time        `json:"closesAt,omitempty"`
}

// JoinSuccessBody is the outbound payload of join_success: the full
// room_state plus every module's join contribution, keyed by namespace.
// Shared by the initial admission response (session.Hub) and the
// waiting-room re-admission response (module.ControlModule's enter_room
// handler) so both produce the same shape.
type JoinSuccessBody struct {
	RoomState
	Modules map[string]json.RawMessage `json:"modules,omitempty"`
}

// LifecycleEventPayload is the JSON body of the control-namespace bus
// events the room coordinator emits on participant admission/removal
// (participant.joined, participant.left, waiting.joined, waiting.left,
// role.updated, participant.updated). DisplayName is set on admission
// events so observers can render the roster delta without a store read.
type LifecycleEventPayload struct {
	ParticipantID ParticipantIdType `json:"participantId"`
	DisplayName   DisplayNameType   `json:"displayName,omitempty"`
}

// DebriefScope controls which participant kinds are removed by a debrief
// operation.
type DebriefScope string

const (
	DebriefGuests         DebriefScope = "guests"
	DebriefUsersAndGuests DebriefScope = "users_and_guests"
	DebriefAll            DebriefScope = "all"
)
