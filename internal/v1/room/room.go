// Package room implements the Room Coordinator: one per-RoomId in-process
// actor per controller node with at least one local session. It owns the
// local roster/waiting-room view, serializes admission and removal against
// the distributed room lock, fans bus events out to local module handlers,
// and drives the room's closes_at timer. Participants move through the
// waiting -> in_room -> {left, banned, kicked, debriefed} state machine,
// with per-namespace modules dispatched on top of the roster.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenrelay/signalcore/internal/v1/bus"
	"github.com/lumenrelay/signalcore/internal/v1/logging"
	"github.com/lumenrelay/signalcore/internal/v1/metrics"
	"github.com/lumenrelay/signalcore/internal/v1/module"
	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/store"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

// Sender is the narrow surface the Coordinator needs from a session's
// transport to deliver frames and terminate a connection. The Session
// Runtime implements this over its outbound channel and websocket conn.
type Sender interface {
	Send(frame types.Frame)
	Close(reason string)
}

// localParticipant is one session's coordinator-side bookkeeping: the
// externally-visible snapshot, its transport handle, and its per-module
// handler instances.
type localParticipant struct {
	info     types.ParticipantInfo
	sender   Sender
	handlers *module.Handlers
	// joinBody is every module's join_success contribution, computed once
	// at admission time (Coordinator.Join) and re-sent verbatim if the
	// participant later re-requests it (module.ControlModule's enter_room,
	// after a waiting-room admission).
	joinBody map[string]json.RawMessage
	// inboxCancel ends this participant's bus inbox subscription when the
	// session leaves; nil in single-instance mode.
	inboxCancel context.CancelFunc
}

// Coordinator is the per-room actor. All mutation goes through its
// exported methods, most of which serialize against the distributed room
// lock before touching local state, so sibling controller nodes observe
// admission and removal as atomic transitions.
type Coordinator struct {
	id      types.RoomIdType
	ownerID types.UserIdType
	tariff  types.TariffSnapshot
	nodeID  string

	registry  *module.Registry
	store     *store.Client
	bus       *bus.Service
	lockLease time.Duration

	mu                 sync.Mutex
	local              map[types.ParticipantIdType]*localParticipant
	raiseHandsEnabled  bool
	waitingRoomEnabled bool
	closesAt           *time.Time

	onEmpty    func(types.RoomIdType)
	emptyTimer *time.Timer

	subCancel context.CancelFunc
}

// Config bundles the construction-time parameters a Manager threads
// through from room creation.
type Config struct {
	RoomID    types.RoomIdType
	OwnerID   types.UserIdType
	Tariff    types.TariffSnapshot
	Modules   []module.Module
	Store     *store.Client
	Bus       *bus.Service
	LockLease time.Duration
	OnEmpty   func(types.RoomIdType)
}

// New constructs a Coordinator and, if a bus is configured, subscribes to
// the room's exchange channel so events published by sibling controller
// nodes reach this node's local module handlers.
func New(cfg Config) *Coordinator {
	lease := cfg.LockLease
	if lease <= 0 {
		lease = 5 * time.Second
	}

	c := &Coordinator{
		id:                 cfg.RoomID,
		ownerID:            cfg.OwnerID,
		tariff:             cfg.Tariff,
		nodeID:             uuid.New().String(),
		registry:           module.NewRegistry(cfg.Tariff, cfg.Modules),
		store:              cfg.Store,
		bus:                cfg.Bus,
		lockLease:          lease,
		local:              make(map[types.ParticipantIdType]*localParticipant),
		raiseHandsEnabled:  true,
		waitingRoomEnabled: cfg.Tariff.WaitingRoomDefault,
		onEmpty:            cfg.OnEmpty,
	}

	if cfg.Tariff.RoomTimeLimit > 0 {
		closesAt := time.Now().UTC().Add(cfg.Tariff.RoomTimeLimit)
		c.closesAt = &closesAt
		go c.watchCloseTimer(cfg.Tariff.RoomTimeLimit)
	}

	if c.bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.subCancel = cancel
		c.bus.Subscribe(ctx, string(c.id), nil, c.handleRemoteEvent)
	}

	metrics.ActiveRooms.Inc()
	return c
}

// --- distributed key scheme ---

func (c *Coordinator) participantsKey() string { return fmt.Sprintf("room:%s:participants", c.id) }
func (c *Coordinator) waitingKey() string      { return fmt.Sprintf("room:%s:waiting", c.id) }
func (c *Coordinator) bansKey() string         { return fmt.Sprintf("room:%s:bans", c.id) }
func (c *Coordinator) lockKey() string         { return fmt.Sprintf("room:%s:lock", c.id) }
func (c *Coordinator) hashKey(id types.ParticipantIdType) string {
	return fmt.Sprintf("participant:%s:attrs", id)
}

// StoreKey implements module.RoomAccess.
func (c *Coordinator) StoreKey(namespace, suffix string) string {
	return fmt.Sprintf("room:%s:module:%s:%s", c.id, namespace, suffix)
}

func (c *Coordinator) Store() *store.Client { return c.store }
func (c *Coordinator) Bus() *bus.Service    { return c.bus }
func (c *Coordinator) RoomID() types.RoomIdType { return c.id }
func (c *Coordinator) Tariff() types.TariffSnapshot { return c.tariff }

func (c *Coordinator) RaiseHandsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raiseHandsEnabled
}

func (c *Coordinator) WaitingRoomEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingRoomEnabled
}

func (c *Coordinator) SetRaiseHandsEnabled(enabled bool) {
	c.mu.Lock()
	c.raiseHandsEnabled = enabled
	c.mu.Unlock()
}

// SetWaitingRoomEnabled toggles admission policy for future joins; emits
// waiting.enabled / waiting.disabled so moderators across the cluster see
// the policy change.
func (c *Coordinator) SetWaitingRoomEnabled(ctx context.Context, enabled bool) {
	c.mu.Lock()
	c.waitingRoomEnabled = enabled
	c.mu.Unlock()
	name := "waiting.disabled"
	if enabled {
		name = "waiting.enabled"
	}
	c.Publish(ctx, types.ControlNamespace, name, nil)
}

func (c *Coordinator) Self(participantID types.ParticipantIdType) (types.ParticipantInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lp, ok := c.local[participantID]
	if !ok {
		return types.ParticipantInfo{}, false
	}
	return lp.info.Clone(), true
}

// Roster returns every in-room (not waiting) local participant: this
// controller's view of the room is the set of sessions it is directly
// driving.
func (c *Coordinator) Roster() []types.ParticipantInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ParticipantInfo, 0, len(c.local))
	for _, lp := range c.local {
		if lp.info.State == types.StateInRoom {
			out = append(out, lp.info.Clone())
		}
	}
	return out
}

func (c *Coordinator) IsModerator(participantID types.ParticipantIdType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	lp, ok := c.local[participantID]
	if !ok {
		return false
	}
	return lp.info.Role == types.RoleModerator || lp.info.Role == types.RoleOwner
}

// SendTo delivers frame to target's session. A target without a local
// session is relayed through its bus inbox channel instead, reaching
// whichever controller node holds it; without a bus this is a no-op.
func (c *Coordinator) SendTo(target types.ParticipantIdType, frame types.Frame) {
	c.mu.Lock()
	lp, ok := c.local[target]
	c.mu.Unlock()
	if !ok {
		if c.bus != nil {
			_ = c.bus.PublishDirect(context.Background(), string(target), "frame", frame, c.nodeID)
		}
		return
	}
	lp.sender.Send(frame)
}

func (c *Coordinator) Broadcast(frame types.Frame, exclude types.ParticipantIdType) {
	c.mu.Lock()
	targets := make([]Sender, 0, len(c.local))
	for id, lp := range c.local {
		if exclude != "" && id == exclude {
			continue
		}
		targets = append(targets, lp.sender)
	}
	c.mu.Unlock()
	for _, s := range targets {
		s.Send(frame)
	}
}

func (c *Coordinator) SetModuleState(participantID types.ParticipantIdType, namespace string, state json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lp, ok := c.local[participantID]
	if !ok {
		return
	}
	if lp.info.Module == nil {
		lp.info.Module = make(map[string]json.RawMessage)
	}
	lp.info.Module[namespace] = state
}

func (c *Coordinator) ApplyRole(target types.ParticipantIdType, role types.RoleType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	lp, ok := c.local[target]
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "target is not local to this controller node")
	}
	lp.info.Role = role
	return nil
}

func (c *Coordinator) SetHandRaised(target types.ParticipantIdType, raised bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	lp, ok := c.local[target]
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "target is not local to this controller node")
	}
	lp.info.HandRaised = raised
	lp.info.HandUpdatedAt = time.Now().UTC()
	return nil
}

// Ban records a durable ban for the account behind participantID's
// session. Bans are keyed on the user id, not the per-session participant
// id, so they survive the session and block any future join by the same
// account. A guest has no user id and cannot be banned.
func (c *Coordinator) Ban(participantID types.ParticipantIdType) error {
	c.mu.Lock()
	lp, ok := c.local[participantID]
	c.mu.Unlock()
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "target is not local to this controller node")
	}
	if lp.info.UserID == "" {
		return signalerr.Permission(signalerr.CodeCannotBanGuest, "guests cannot be banned")
	}

	ctx := context.Background()
	if err := c.store.SetAdd(ctx, c.bansKey(), string(lp.info.UserID)); err != nil {
		return signalerr.TransientInfra("ban_failed", "failed to record ban", err)
	}
	return nil
}

// IsBanned reports whether the account behind participantID's session has
// a recorded ban. False for participants not local to this node and for
// guests, which carry no bannable identity.
func (c *Coordinator) IsBanned(participantID types.ParticipantIdType) bool {
	c.mu.Lock()
	lp, ok := c.local[participantID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.IsUserBanned(lp.info.UserID)
}

// IsUserBanned reports whether userID has a recorded ban for this room.
func (c *Coordinator) IsUserBanned(userID types.UserIdType) bool {
	if userID == "" {
		return false
	}
	ok, err := c.store.IsMember(context.Background(), c.bansKey(), string(userID))
	if err != nil {
		logging.Warn(context.Background(), "ban check failed, defaulting to not banned", zap.String("room_id", string(c.id)), zap.Error(err))
		return false
	}
	return ok
}

// Publish implements module.RoomAccess: deliver to local handlers
// immediately, then relay to sibling controller nodes over the bus. The
// self-assigned nodeID lets handleRemoteEvent recognize and discard this
// node's own publish once Redis echoes it back on the shared subscription.
func (c *Coordinator) Publish(ctx context.Context, namespace, name string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Error(ctx, "failed to marshal bus event payload", zap.String("namespace", namespace), zap.String("name", name), zap.Error(err))
		return
	}
	c.deliverEvent(namespace, name, body)
	if c.bus != nil {
		_ = c.bus.Publish(ctx, string(c.id), namespace+":"+name, json.RawMessage(body), c.nodeID)
	}
}

func (c *Coordinator) handleRemoteEvent(p bus.PubSubPayload) {
	if p.SenderID == c.nodeID {
		return
	}
	namespace, name := splitEvent(p.Event)
	c.deliverEvent(namespace, name, p.Payload)
}

func splitEvent(event string) (namespace, name string) {
	for i := 0; i < len(event); i++ {
		if event[i] == ':' {
			return event[:i], event[i+1:]
		}
	}
	return types.ControlNamespace, event
}

func (c *Coordinator) deliverEvent(namespace, name string, payload json.RawMessage) {
	c.mu.Lock()
	type target struct {
		id types.ParticipantIdType
		lp *localParticipant
	}
	targets := make([]target, 0, len(c.local))
	for id, lp := range c.local {
		targets = append(targets, target{id: id, lp: lp})
	}
	c.mu.Unlock()

	event := module.BusEvent{Name: name, Namespace: namespace, Payload: payload}
	for _, t := range targets {
		ctx := &module.Context{Context: context.Background(), Self: t.id, Room: c}
		for _, err := range t.lp.handlers.Event(ctx, event) {
			if se, ok := signalerr.AsError(err); ok {
				logging.Warn(context.Background(), "module event delivery failed", zap.String("namespace", namespace), zap.String("code", se.Code), zap.Error(err))
			}
		}
	}
}

// Dispatch routes one inbound frame from a local session to the module
// owning its namespace. Used by the Session Runtime as the sole post-join
// entry point into room state.
func (c *Coordinator) Dispatch(ctx context.Context, self types.ParticipantIdType, namespace, action string, target types.ParticipantIdType, payload json.RawMessage) error {
	c.mu.Lock()
	lp, ok := c.local[self]
	c.mu.Unlock()
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "caller is not a member of this room")
	}
	moduleCtx := &module.Context{Context: ctx, Self: self, Room: c}
	return lp.handlers.Dispatch(moduleCtx, namespace, action, target, payload)
}

var _ module.RoomAccess = (*Coordinator)(nil)

// updateOccupancyGauges republishes this room's in-room and waiting counts
// after any roster transition.
func (c *Coordinator) updateOccupancyGauges() {
	c.mu.Lock()
	var inRoom, waiting int
	for _, lp := range c.local {
		switch lp.info.State {
		case types.StateInRoom:
			inRoom++
		case types.StateWaiting:
			waiting++
		}
	}
	c.mu.Unlock()
	metrics.RoomParticipants.WithLabelValues(string(c.id)).Set(float64(inRoom))
	metrics.WaitingRoomSize.WithLabelValues(string(c.id)).Set(float64(waiting))
}

func (c *Coordinator) emitLifecycle(ctx context.Context, name string, participantID types.ParticipantIdType, displayName types.DisplayNameType) {
	c.Publish(ctx, types.ControlNamespace, name, types.LifecycleEventPayload{
		ParticipantID: participantID,
		DisplayName:   displayName,
	})
}

func participantHashFields(info types.ParticipantInfo) map[string]string {
	return map[string]string{
		"userId":      string(info.UserID),
		"displayName": string(info.DisplayName),
		"role":        string(info.Role),
		"kind":        string(info.Kind),
		"state":       string(info.State),
		"isRoomOwner": fmt.Sprintf("%t", info.IsRoomOwner),
	}
}
