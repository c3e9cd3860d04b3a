package room

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lumenrelay/signalcore/internal/v1/bus"
	"github.com/lumenrelay/signalcore/internal/v1/logging"
	"github.com/lumenrelay/signalcore/internal/v1/metrics"
	"github.com/lumenrelay/signalcore/internal/v1/module"
	"github.com/lumenrelay/signalcore/internal/v1/moderation"
	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/store"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

// JoinResult is returned to the Session Runtime so it knows whether the
// participant landed in the waiting room or directly in the room, and
// carries the frames the runtime must deliver as part of its own response
// (join_success / in_waiting_room).
type JoinResult struct {
	Admitted bool
	State    types.RoomState
	// JoinBody collects each module's join_success contribution, keyed by
	// namespace, merged by the Session Runtime into the outbound frame.
	JoinBody map[string]json.RawMessage
}

// Join runs the admission protocol: check bans, acquire the room lock,
// check the tariff participant limit, then either place the
// participant in the waiting room or admit it directly, releasing the
// lock before any frame is sent or bus event emitted. participantID is the
// session's freshly minted identity; userID is the account behind it
// (empty for guests), checked against the room's ban set and owner.
func (c *Coordinator) Join(ctx context.Context, sender Sender, participantID types.ParticipantIdType, userID types.UserIdType, displayName types.DisplayNameType, kind types.ParticipantKind, role types.RoleType) (*JoinResult, error) {
	isOwner := userID != "" && userID == c.ownerID
	if isOwner {
		role = types.RoleOwner
	}

	if userID != "" {
		banned, err := c.store.IsMember(ctx, c.bansKey(), string(userID))
		if err != nil {
			return nil, signalerr.TransientInfra("join_check_failed", "failed to check ban list", err)
		}
		if banned {
			return nil, signalerr.Admission(signalerr.CodeBanned, "this user is banned from the room")
		}
	}

	admitted := !c.WaitingRoomEnabled() || isOwner || role == types.RoleModerator || role == types.RoleOwner

	var transitionErr error
	err := c.store.WithLock(ctx, c.lockKey(), c.lockLease, func(ctx context.Context, _ *store.Lock) error {
		if admitted {
			count, err := c.store.Members(ctx, c.participantsKey())
			if err != nil {
				return signalerr.TransientInfra("join_check_failed", "failed to read participant count", err)
			}
			if c.tariff.MaxParticipants > 0 && len(count) >= c.tariff.MaxParticipants {
				transitionErr = signalerr.Admission(signalerr.CodeRoomFull, "join_blocked:participant_limit_reached")
				return nil
			}
		}

		info := types.ParticipantInfo{
			ParticipantID: participantID,
			UserID:        userID,
			DisplayName:   displayName,
			Role:          role,
			Kind:          kind,
			IsRoomOwner:   isOwner,
			JoinedAt:      time.Now().UTC(),
		}
		if admitted {
			info.State = types.StateInRoom
			if err := c.store.AdmitParticipant(ctx, c.participantsKey(), c.waitingKey(), c.hashKey(participantID), string(participantID), participantHashFields(info)); err != nil {
				return signalerr.TransientInfra("join_failed", "failed to admit participant", err)
			}
		} else {
			info.State = types.StateWaiting
			if err := c.store.SetAdd(ctx, c.waitingKey(), string(participantID)); err != nil {
				return signalerr.TransientInfra("join_failed", "failed to add to waiting room", err)
			}
			if err := c.store.HSet(ctx, c.hashKey(participantID), participantHashFields(info)); err != nil {
				return signalerr.TransientInfra("join_failed", "failed to persist waiting entry", err)
			}
		}

		lp := &localParticipant{
			info:     info,
			sender:   sender,
			handlers: c.registry.NewHandlers(),
		}
		if c.bus != nil {
			inboxCtx, cancel := context.WithCancel(context.Background())
			lp.inboxCancel = cancel
			c.bus.SubscribeDirect(inboxCtx, string(participantID), func(p bus.PubSubPayload) {
				if p.SenderID == c.nodeID {
					return
				}
				var frame types.Frame
				if err := json.Unmarshal(p.Payload, &frame); err != nil {
					return
				}
				// Deliver straight to the local sender: routing back through
				// SendTo could republish to the inbox if the session just
				// left, bouncing the frame between nodes.
				c.mu.Lock()
				target, stillLocal := c.local[participantID]
				c.mu.Unlock()
				if stillLocal {
					target.sender.Send(frame)
				}
			})
		}
		c.mu.Lock()
		c.local[participantID] = lp
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if transitionErr != nil {
		return nil, transitionErr
	}

	moduleCtx := &module.Context{Context: ctx, Self: participantID, Room: c}
	c.mu.Lock()
	lp := c.local[participantID]
	c.mu.Unlock()
	published, joinBody, err := lp.handlers.Join(moduleCtx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	lp.info.Module = published
	lp.joinBody = joinBody
	c.mu.Unlock()

	if admitted {
		c.emitLifecycle(ctx, "participant.joined", participantID, displayName)
	} else {
		c.emitLifecycle(ctx, "waiting.joined", participantID, displayName)
	}
	c.updateOccupancyGauges()

	return &JoinResult{Admitted: admitted, State: c.snapshot(participantID), JoinBody: joinBody}, nil
}

// snapshot builds the room_state payload sent as part of join_success and
// on demand: the full local roster plus this participant's own id.
func (c *Coordinator) snapshot(self types.ParticipantIdType) types.RoomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := types.RoomState{
		RoomID:             c.id,
		Self:               self,
		RaiseHandsEnabled:  c.raiseHandsEnabled,
		WaitingRoomEnabled: c.waitingRoomEnabled,
		ClosesAt:           c.closesAt,
	}
	for _, lp := range c.local {
		if lp.info.State == types.StateInRoom {
			state.Participants = append(state.Participants, lp.info.Clone())
		} else if lp.info.State == types.StateWaiting {
			state.Waiting = append(state.Waiting, types.WaitingEntry{
				ParticipantID: lp.info.ParticipantID,
				DisplayName:   lp.info.DisplayName,
				RequestedAt:   lp.info.JoinedAt,
			})
		}
	}
	return state
}

// Snapshot exposes the current room_state, used by the control module's
// room_state request (and available to the Session Runtime directly).
func (c *Coordinator) Snapshot(self types.ParticipantIdType) types.RoomState {
	return c.snapshot(self)
}

// JoinSnapshot returns the room_state and each module's join_success
// contribution computed for self at admission time, for re-delivery when
// enter_room is sent after waiting-room admission. The
// final bool is false if self is not local to this coordinator.
func (c *Coordinator) JoinSnapshot(self types.ParticipantIdType) (types.RoomState, map[string]json.RawMessage, bool) {
	c.mu.Lock()
	lp, ok := c.local[self]
	c.mu.Unlock()
	if !ok {
		return types.RoomState{}, nil, false
	}
	return c.snapshot(self), lp.joinBody, true
}

// ApplyLifecycle implements module.RoomAccess: validates and performs one
// moderation state transition against the distributed store under the room
// lock, then updates the local roster view and cascades on_leave to modules
// when the participant is removed from the room outright. The lock brackets
// only the store mutation and the roster update; bus emits, module leave
// hooks, and session teardown all run after release, keeping the lock's
// hold time bounded and never spanning a bus call.
func (c *Coordinator) ApplyLifecycle(target types.ParticipantIdType, from, to types.LifecycleState, finalReason string) error {
	ctx := context.Background()
	var after func()
	err := c.store.WithLock(ctx, c.lockKey(), c.lockLease, func(ctx context.Context, _ *store.Lock) error {
		c.mu.Lock()
		lp, ok := c.local[target]
		c.mu.Unlock()
		if !ok {
			return signalerr.Protocol(signalerr.CodeInvalidPayload, "target is not local to this controller node")
		}

		switch {
		case from == types.StateWaiting && to == types.StateInRoom:
			if err := c.store.AdmitParticipant(ctx, c.participantsKey(), c.waitingKey(), c.hashKey(target), string(target), participantHashFields(lp.info)); err != nil {
				return signalerr.TransientInfra("accept_failed", "failed to admit participant", err)
			}
			c.mu.Lock()
			lp.info.State = types.StateInRoom
			c.mu.Unlock()
			after = func() {
				c.emitLifecycle(ctx, "waiting.left", target, lp.info.DisplayName)
				c.emitLifecycle(ctx, "participant.joined", target, lp.info.DisplayName)
				c.updateOccupancyGauges()
			}

		case from == types.StateInRoom && to == types.StateWaiting:
			if err := c.store.SetRemove(ctx, c.participantsKey(), string(target)); err != nil {
				return signalerr.TransientInfra("send_to_waiting_failed", "failed to remove from participants", err)
			}
			if err := c.store.SetAdd(ctx, c.waitingKey(), string(target)); err != nil {
				return signalerr.TransientInfra("send_to_waiting_failed", "failed to add to waiting room", err)
			}
			c.mu.Lock()
			lp.info.State = types.StateWaiting
			c.mu.Unlock()
			after = func() {
				c.emitLifecycle(ctx, "participant.left", target, lp.info.DisplayName)
				c.emitLifecycle(ctx, "waiting.joined", target, lp.info.DisplayName)
				c.updateOccupancyGauges()
			}

		case to == types.StateKicked || to == types.StateBanned || to == types.StateDebriefed || to == types.StateLeft:
			if err := c.store.RemoveParticipant(ctx, c.participantsKey(), c.waitingKey(), c.hashKey(target), string(target)); err != nil {
				return signalerr.TransientInfra("remove_failed", "failed to remove participant", err)
			}
			now := time.Now().UTC()
			c.mu.Lock()
			lp.info.State = to
			lp.info.LeftAt = &now
			delete(c.local, target)
			c.mu.Unlock()

			after = func() {
				leaveCtx := &module.Context{Context: ctx, Self: target, Room: c}
				lp.handlers.Leave(leaveCtx, finalReason)
				c.emitLifecycle(ctx, "participant.left", target, lp.info.DisplayName)
				c.updateOccupancyGauges()

				// Terminal transitions own the session close: the acting
				// module has already enqueued the participant's final frame
				// via SendTo, and the roster entry is gone, so nothing else
				// can reach this sender again.
				reason := finalReason
				if reason == "" {
					reason = "left"
				}
				lp.sender.Close(reason)
				if lp.inboxCancel != nil {
					lp.inboxCancel()
				}
				c.maybeScheduleEmptyCleanup()
			}

		default:
			return signalerr.Protocol(signalerr.CodeInvalidPayload, "unsupported lifecycle transition")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if after != nil {
		after()
	}
	return nil
}

// Leave is the local session's own disconnect path: unlike ApplyLifecycle
// (driven by a moderator action), the participant decides its own exit, so
// the ban/leave race is resolved here by checking the bans
// set before treating the disconnect as a plain leave.
func (c *Coordinator) Leave(participantID types.ParticipantIdType, reason string) {
	ctx := context.Background()

	c.mu.Lock()
	lp, ok := c.local[participantID]
	c.mu.Unlock()
	if !ok {
		return
	}

	alreadyBanned := moderation.BanVsLeaveRace(c.IsUserBanned(lp.info.UserID))
	finalState := types.StateLeft
	if alreadyBanned {
		finalState = types.StateBanned
	}

	err := c.store.WithLock(ctx, c.lockKey(), c.lockLease, func(ctx context.Context, _ *store.Lock) error {
		return c.store.RemoveParticipant(ctx, c.participantsKey(), c.waitingKey(), c.hashKey(participantID), string(participantID))
	})
	if err != nil {
		logging.Warn(ctx, "failed to remove leaving participant from store", zap.String("room_id", string(c.id)), zap.String("participant_id", string(participantID)), zap.Error(err))
	}

	now := time.Now().UTC()
	c.mu.Lock()
	lp.info.State = finalState
	lp.info.LeftAt = &now
	delete(c.local, participantID)
	c.mu.Unlock()

	leaveCtx := &module.Context{Context: ctx, Self: participantID, Room: c}
	lp.handlers.Leave(leaveCtx, reason)
	c.emitLifecycle(ctx, "participant.left", participantID, lp.info.DisplayName)
	c.updateOccupancyGauges()
	if lp.inboxCancel != nil {
		lp.inboxCancel()
	}
	c.maybeScheduleEmptyCleanup()
}

// maybeScheduleEmptyCleanup starts (or restarts) the grace-period timer
// once the local roster is empty. Teardown is deferred for the grace
// window so a quick reconnect (or an admission on another node) keeps the
// room's distributed keys alive.
func (c *Coordinator) maybeScheduleEmptyCleanup() {
	c.mu.Lock()
	empty := len(c.local) == 0
	c.mu.Unlock()
	if !empty || c.onEmpty == nil {
		return
	}
	c.mu.Lock()
	if c.emptyTimer != nil {
		c.emptyTimer.Stop()
	}
	c.emptyTimer = time.AfterFunc(gracePeriod, func() {
		c.mu.Lock()
		stillEmpty := len(c.local) == 0
		c.mu.Unlock()
		if stillEmpty {
			c.onEmpty(c.id)
		}
	})
	c.mu.Unlock()
}

// gracePeriod is overridden by the Manager from ROOM_GRACE_PERIOD; this
// package-level default only applies to coordinators constructed outside a
// Manager (tests).
var gracePeriod = 20 * time.Second

// watchCloseTimer publishes time_limit_quota_elapsed once the tariff's room
// time limit expires, then closes every local session (reason
// time_limit_elapsed) after a fixed grace window so in-flight frames are not
// abruptly dropped.
func (c *Coordinator) watchCloseTimer(limit time.Duration) {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	<-timer.C

	ctx := context.Background()
	c.Publish(ctx, types.ControlNamespace, "time_limit_quota_elapsed", nil)

	const closeGrace = 5 * time.Second
	time.Sleep(closeGrace)

	c.mu.Lock()
	targets := make([]Sender, 0, len(c.local))
	for _, lp := range c.local {
		targets = append(targets, lp.sender)
	}
	c.mu.Unlock()
	for _, s := range targets {
		s.Close("time_limit_elapsed")
	}
}

// Shutdown releases the bus subscription and decrements the active-room
// gauge; called by the Manager once a room's grace period elapses with no
// rejoin.
func (c *Coordinator) Shutdown(ctx context.Context) {
	if c.subCancel != nil {
		c.subCancel()
	}
	_ = c.store.Delete(ctx, c.participantsKey(), c.waitingKey(), c.lockKey())
	c.Publish(ctx, types.ControlNamespace, "room.deleted", nil)
	metrics.ActiveRooms.Dec()
}
