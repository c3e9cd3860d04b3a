// Package moderation implements the moderation state machine as pure
// transition functions over the shared types vocabulary: admission,
// kick/ban, debrief, role grant/revoke, and raise-hand. Keeping these as
// functions of (state, action) -> (state, error) rather than methods on a
// stateful object lets the room coordinator own all I/O and locking while
// this package only ever decides "is this transition legal".
package moderation

import (
	"fmt"

	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

// Transition describes a resolved state change: the participant's new
// lifecycle state and, when non-empty, the terminal wire event the
// participant's own session must receive as its final frame before the
// connection is closed.
type Transition struct {
	From        types.LifecycleState
	To          types.LifecycleState
	FinalReason string
}

// Admit resolves a connecting participant into either the waiting room or
// directly into the room, depending on whether the room requires admission
// and whether this participant is auto-admitted (moderators and the room
// owner always skip the waiting room).
func Admit(waitingRoomEnabled bool, role types.RoleType) Transition {
	if !waitingRoomEnabled || role == types.RoleModerator || role == types.RoleOwner {
		return Transition{From: types.StateConnecting, To: types.StateInRoom}
	}
	return Transition{From: types.StateConnecting, To: types.StateWaiting}
}

// Accept moves a waiting participant into the room. Only legal from
// StateWaiting.
func Accept(current types.LifecycleState) (Transition, error) {
	if current != types.StateWaiting {
		return Transition{}, signalerr.Protocol(signalerr.CodeInvalidPayload, fmt.Sprintf("cannot accept participant in state %q", current))
	}
	return Transition{From: current, To: types.StateInRoom}, nil
}

// SendToWaiting moves an in-room participant back to the waiting room.
func SendToWaiting(current types.LifecycleState) (Transition, error) {
	if current != types.StateInRoom {
		return Transition{}, signalerr.Protocol(signalerr.CodeInvalidPayload, fmt.Sprintf("cannot re-waitlist participant in state %q", current))
	}
	return Transition{From: current, To: types.StateWaiting}, nil
}

// Kick removes an in-room participant immediately; their session is closed
// after the kicked event is emitted.
func Kick(current types.LifecycleState) (Transition, error) {
	if current != types.StateInRoom {
		return Transition{}, signalerr.Protocol(signalerr.CodeInvalidPayload, fmt.Sprintf("cannot kick participant in state %q", current))
	}
	return Transition{From: current, To: types.StateKicked, FinalReason: "kicked"}, nil
}

// Ban removes an in-room participant and records a permanent ban. Only
// participants of kind user can be banned; guests fail with
// cannot_ban_guest since a guest identity is not durable enough to ban.
func Ban(current types.LifecycleState, kind types.ParticipantKind) (Transition, error) {
	if kind == types.KindGuest {
		return Transition{}, signalerr.Permission(signalerr.CodeCannotBanGuest, "guests cannot be banned")
	}
	if current != types.StateInRoom {
		return Transition{}, signalerr.Protocol(signalerr.CodeInvalidPayload, fmt.Sprintf("cannot ban participant in state %q", current))
	}
	return Transition{From: current, To: types.StateBanned, FinalReason: "banned"}, nil
}

// BanVsLeaveRace resolves the race between a moderator's ban and the
// banned participant's own concurrent leave: ban always wins and is
// recorded regardless of ordering, so the leave becomes a no-op once the
// ban record exists. Callers should check this before processing a leave
// that arrives after a ban has already been recorded for the same
// participant.
func BanVsLeaveRace(banAlreadyRecorded bool) bool {
	return banAlreadyRecorded
}

// InDebriefScope reports whether a participant of the given kind is
// targeted by a debrief of the given scope.
func InDebriefScope(scope types.DebriefScope, kind types.ParticipantKind) bool {
	switch scope {
	case types.DebriefAll:
		return true
	case types.DebriefGuests:
		return kind == types.KindGuest
	case types.DebriefUsersAndGuests:
		return true
	default:
		return false
	}
}

// Debrief transitions an in-room participant matching scope out of the
// room; its session receives session_ended as its final frame.
func Debrief(current types.LifecycleState, kind types.ParticipantKind, scope types.DebriefScope) (Transition, bool) {
	if current != types.StateInRoom || !InDebriefScope(scope, kind) {
		return Transition{}, false
	}
	return Transition{From: current, To: types.StateDebriefed, FinalReason: "session_ended"}, true
}

// GrantModerator promotes a participant to moderator. Requires the actor to
// already be a moderator or owner.
func GrantModerator(actorRole types.RoleType, targetRole types.RoleType) (types.RoleType, error) {
	if actorRole != types.RoleModerator && actorRole != types.RoleOwner {
		return "", signalerr.Permission(signalerr.CodeNotAuthorized, "only a moderator can grant the moderator role")
	}
	if targetRole == types.RoleOwner {
		return targetRole, nil
	}
	return types.RoleModerator, nil
}

// RevokeModerator demotes a moderator back to participant. The room owner
// can never be demoted, even by another moderator.
func RevokeModerator(actorRole types.RoleType, targetRole types.RoleType) (types.RoleType, error) {
	if actorRole != types.RoleModerator && actorRole != types.RoleOwner {
		return "", signalerr.Permission(signalerr.CodeNotAuthorized, "only a moderator can revoke the moderator role")
	}
	if targetRole == types.RoleOwner {
		return "", signalerr.Permission(signalerr.CodeCannotDemoteOwner, "the room owner cannot be demoted")
	}
	return types.RoleParticipant, nil
}

// RaiseHand sets a participant's hand_is_up flag, subject to the room's
// raise-hands-enabled flag.
func RaiseHand(raiseHandsEnabled bool) (bool, error) {
	if !raiseHandsEnabled {
		return false, signalerr.Protocol(signalerr.CodeInvalidPayload, "raise hand is disabled for this room")
	}
	return true, nil
}

// LowerHand always succeeds; a participant may always lower their own hand.
func LowerHand() bool { return false }

// DisableRaiseHands reports the effect of disabling raise-hands globally:
// every participant's hand_is_up becomes false, per the invariant that
// raise_hands_enabled=false implies every hand is down after the
// raise_hands_disabled broadcast is delivered.
func DisableRaiseHands() bool { return false }
