package room

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenrelay/signalcore/internal/v1/module"
	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/store"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

// fakeSender is a room.Sender test double recording every frame it
// receives, standing in for the Session Runtime's *session.Client.
type fakeSender struct {
	frames []types.Frame
	closed string
}

func (f *fakeSender) Send(frame types.Frame) { f.frames = append(f.frames, frame) }
func (f *fakeSender) Close(reason string)    { f.closed = reason }

func (f *fakeSender) lastMessage() string {
	if len(f.frames) == 0 {
		return ""
	}
	return f.frames[len(f.frames)-1].Message
}

func newTestCoordinator(t *testing.T, tariff types.TariffSnapshot) (*Coordinator, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	storeClient := store.NewClientFromRedis(rdb)

	c := New(Config{
		RoomID:    "room-1",
		OwnerID:   "user-owner",
		Tariff:    tariff,
		Modules:   []module.Module{module.NewControlModule()},
		Store:     storeClient,
		LockLease: 2 * time.Second,
	})

	return c, func() { mr.Close() }
}

func TestCoordinator_Join_DirectAdmitWhenWaitingRoomDisabled(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 10})
	defer cleanup()

	sender := &fakeSender{}
	result, err := c.Join(context.Background(), sender, "p-alice", "user-alice", "Alice", types.KindUser, types.RoleParticipant)
	require.NoError(t, err)
	assert.True(t, result.Admitted)
	assert.Len(t, result.State.Participants, 1)
	assert.Empty(t, result.State.Waiting)
}

func TestCoordinator_Join_WaitingRoomHoldsNonModerator(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 10, WaitingRoomDefault: true})
	defer cleanup()
	c.SetWaitingRoomEnabled(context.Background(), true)

	sender := &fakeSender{}
	result, err := c.Join(context.Background(), sender, "p-guest", "", "Guest", types.KindGuest, types.RoleParticipant)
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Len(t, result.State.Waiting, 1)
	assert.Empty(t, result.State.Participants)
}

func TestCoordinator_Join_OwnerBypassesWaitingRoom(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 10, WaitingRoomDefault: true})
	defer cleanup()
	c.SetWaitingRoomEnabled(context.Background(), true)

	sender := &fakeSender{}
	result, err := c.Join(context.Background(), sender, "p-owner", "user-owner", "Owner", types.KindUser, types.RoleParticipant)
	require.NoError(t, err)
	assert.True(t, result.Admitted)
	info, ok := c.Self("p-owner")
	require.True(t, ok)
	assert.Equal(t, types.RoleOwner, info.Role)
}

func TestCoordinator_Join_ParticipantLimitReached(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 1})
	defer cleanup()

	_, err := c.Join(context.Background(), &fakeSender{}, "p-owner", "user-owner", "Owner", types.KindUser, types.RoleParticipant)
	require.NoError(t, err)

	_, err = c.Join(context.Background(), &fakeSender{}, "p-late", "user-late", "Late", types.KindUser, types.RoleParticipant)
	require.Error(t, err)
	se, ok := signalerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, signalerr.KindAdmission, se.Kind)
}

func TestCoordinator_Join_BannedUserRejected(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 10})
	defer cleanup()

	_, err := c.Join(context.Background(), &fakeSender{}, "p-bad-1", "user-bad", "Bad", types.KindUser, types.RoleParticipant)
	require.NoError(t, err)
	require.NoError(t, c.Ban("p-bad-1"))

	// The ban is keyed on the account, so a fresh session (new participant
	// id, same user) is rejected at admission.
	_, err = c.Join(context.Background(), &fakeSender{}, "p-bad-2", "user-bad", "Bad", types.KindUser, types.RoleParticipant)
	require.Error(t, err)
	se, ok := signalerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, signalerr.CodeBanned, se.Code)
}

func TestCoordinator_Ban_GuestHasNoBannableIdentity(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 10})
	defer cleanup()

	_, err := c.Join(context.Background(), &fakeSender{}, "p-guest", "", "Guest", types.KindGuest, types.RoleParticipant)
	require.NoError(t, err)

	err = c.Ban("p-guest")
	require.Error(t, err)
	se, ok := signalerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, signalerr.CodeCannotBanGuest, se.Code)
}

func TestCoordinator_Join_SameUserTwiceIsTwoParticipants(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 10})
	defer cleanup()

	first := &fakeSender{}
	second := &fakeSender{}
	_, err := c.Join(context.Background(), first, "p-desk", "user-alice", "Alice", types.KindUser, types.RoleParticipant)
	require.NoError(t, err)
	_, err = c.Join(context.Background(), second, "p-phone", "user-alice", "Alice", types.KindUser, types.RoleParticipant)
	require.NoError(t, err)

	// Two concurrent sessions of one account coexist on the roster; the
	// second must not displace the first.
	assert.Len(t, c.Roster(), 2)
	deskInfo, ok := c.Self("p-desk")
	require.True(t, ok)
	phoneInfo, ok := c.Self("p-phone")
	require.True(t, ok)
	assert.Equal(t, types.UserIdType("user-alice"), deskInfo.UserID)
	assert.Equal(t, types.UserIdType("user-alice"), phoneInfo.UserID)

	c.Leave("p-desk", "disconnect")
	_, ok = c.Self("p-phone")
	assert.True(t, ok, "the other session survives its sibling's leave")
}

func TestCoordinator_ApplyLifecycle_AcceptFromWaiting(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 10, WaitingRoomDefault: true})
	defer cleanup()
	c.SetWaitingRoomEnabled(context.Background(), true)

	sender := &fakeSender{}
	result, err := c.Join(context.Background(), sender, "p-guest", "", "Guest", types.KindGuest, types.RoleParticipant)
	require.NoError(t, err)
	require.False(t, result.Admitted)

	err = c.ApplyLifecycle("p-guest", types.StateWaiting, types.StateInRoom, "")
	require.NoError(t, err)

	info, ok := c.Self("p-guest")
	require.True(t, ok)
	assert.Equal(t, types.StateInRoom, info.State)

	roster := c.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, types.ParticipantIdType("p-guest"), roster[0].ParticipantID)
}

func TestCoordinator_ApplyLifecycle_KickRemovesParticipantAndClosesSession(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 10})
	defer cleanup()

	victim := &fakeSender{}
	_, err := c.Join(context.Background(), victim, "p-bob", "user-bob", "Bob", types.KindUser, types.RoleParticipant)
	require.NoError(t, err)

	err = c.ApplyLifecycle("p-bob", types.StateInRoom, types.StateKicked, "kicked")
	require.NoError(t, err)

	_, ok := c.Self("p-bob")
	assert.False(t, ok, "kicked participant must be removed from the local roster")
	assert.Empty(t, c.Roster())
	assert.Equal(t, "kicked", victim.closed, "terminal transitions close the target's session")
}

func TestCoordinator_Leave_BanRaceBanWins(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 10})
	defer cleanup()

	sender := &fakeSender{}
	_, err := c.Join(context.Background(), sender, "p-racer", "user-racer", "Racer", types.KindUser, types.RoleParticipant)
	require.NoError(t, err)

	require.NoError(t, c.Ban("p-racer"))
	c.Leave("p-racer", "disconnect")

	assert.True(t, c.IsUserBanned("user-racer"), "the ban outlives the session that raced it")
	_, ok := c.Self("p-racer")
	assert.False(t, ok)
}

func TestCoordinator_SetRaiseHandsEnabledFlipsRoomFlag(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 10})
	defer cleanup()

	_, err := c.Join(context.Background(), &fakeSender{}, "p-alice", "user-alice", "Alice", types.KindUser, types.RoleParticipant)
	require.NoError(t, err)
	require.NoError(t, c.SetHandRaised("p-alice", true))

	info, _ := c.Self("p-alice")
	assert.True(t, info.HandRaised)

	c.SetRaiseHandsEnabled(false)
	assert.False(t, c.RaiseHandsEnabled())
	// The control/moderation module is responsible for iterating the
	// roster and calling SetHandRaised(false) on every participant when
	// it observes raise_hands_disabled; this only asserts the room-wide
	// flag itself flips, which is the invariant SetRaiseHandsEnabled owns.
}

func TestCoordinator_ParticipantsAndWaitingSetsStayDisjoint(t *testing.T) {
	c, cleanup := newTestCoordinator(t, types.TariffSnapshot{MaxParticipants: 10, WaitingRoomDefault: true})
	defer cleanup()
	c.SetWaitingRoomEnabled(context.Background(), true)

	_, err := c.Join(context.Background(), &fakeSender{}, "p-owner", "user-owner", "Owner", types.KindUser, types.RoleParticipant)
	require.NoError(t, err)

	_, err = c.Join(context.Background(), &fakeSender{}, "p-guest", "", "Guest", types.KindGuest, types.RoleParticipant)
	require.NoError(t, err)

	snap := c.Snapshot("p-owner")
	inRoom := make(map[types.ParticipantIdType]bool)
	for _, p := range snap.Participants {
		inRoom[p.ParticipantID] = true
	}
	for _, w := range snap.Waiting {
		assert.False(t, inRoom[w.ParticipantID], "participant %s must not be in both sets", w.ParticipantID)
	}
}
