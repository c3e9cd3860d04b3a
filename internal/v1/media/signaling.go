// Package media implements the media signaling control plane: publish and
// subscribe session bookkeeping, presenter-gated screen-share, and the
// abstract SFU contract described by the signaling protocol. The concrete
// SFU is LiveKit (pkg/sfu), reached directly by clients once a session is
// minted here; this package never proxies RTP/SRTP itself.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"k8s.io/utils/set"

	"github.com/lumenrelay/signalcore/internal/v1/metrics"
	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/types"
	"github.com/lumenrelay/signalcore/pkg/sfu"
)

// Kind is the media session discriminator a participant can publish or
// subscribe to.
type Kind string

const (
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindScreen Kind = "screen"
)

// SessionState mirrors the MediaSessionState broadcast in participant.updated
// events: which kinds a participant currently has live.
type SessionState struct {
	Audio  bool
	Video  bool
	Screen bool
}

func (s SessionState) with(kind Kind, active bool) SessionState {
	switch kind {
	case KindAudio:
		s.Audio = active
	case KindVideo:
		s.Video = active
	case KindScreen:
		s.Screen = active
	}
	return s
}

// SFUClient is the narrow surface this package needs from pkg/sfu.Client,
// kept as an interface so tests can substitute a fake SFU.
type SFUClient interface {
	MintToken(identity, displayName, roomID string, kind sfu.GrantKind) (string, error)
	UpdatePublishRights(ctx context.Context, roomID, identity string, canPublish bool) error
	RemoveParticipant(ctx context.Context, roomID, identity string) error
}

// PublishResult is returned from Publish; Replaced indicates the publish
// displaced a prior session of the same kind, and PriorSubscribers lists
// the participants whose subscriber sessions that invalidated. The caller
// must emit webrtc_down (and a fresh offer) to each of them.
type PublishResult struct {
	Answer           string
	Replaced         bool
	State            SessionState
	PriorSubscribers []types.ParticipantIdType
}

// subKey addresses one published stream: who is sending it and which kind.
type subKey struct {
	source types.ParticipantIdType
	kind   Kind
}

// Coordinator tracks per-room, per-participant media session state, the
// presenter set, and the subscriber map per published stream, and drives
// the SFU client for publish/subscribe lifecycle. One Coordinator is shared
// across all rooms; all state is keyed by room id.
type Coordinator struct {
	sfu        SFUClient
	iceServers []webrtc.ICEServer

	mu          sync.Mutex
	sessions    map[types.RoomIdType]map[types.ParticipantIdType]SessionState
	presenters  map[types.RoomIdType]set.Set[string]
	subscribers map[types.RoomIdType]map[subKey]set.Set[string]
}

// NewCoordinator builds a Coordinator wrapping the given SFU client. Any
// ICE servers passed here are handed to clients with each negotiated
// session so they can gather candidates against the same STUN/TURN
// infrastructure the deployment runs.
func NewCoordinator(client SFUClient, iceServers ...webrtc.ICEServer) *Coordinator {
	return &Coordinator{
		sfu:         client,
		iceServers:  iceServers,
		sessions:    make(map[types.RoomIdType]map[types.ParticipantIdType]SessionState),
		presenters:  make(map[types.RoomIdType]set.Set[string]),
		subscribers: make(map[types.RoomIdType]map[subKey]set.Set[string]),
	}
}

// ICEServers returns the STUN/TURN servers clients should use for
// candidate gathering.
func (c *Coordinator) ICEServers() []webrtc.ICEServer {
	return c.iceServers
}

// GrantPresenter adds participantID to roomID's presenter set, permitting a
// future screen publish.
func (c *Coordinator) GrantPresenter(roomID types.RoomIdType, participantID types.ParticipantIdType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.presenters[roomID]
	if !ok {
		members = set.New[string]()
		c.presenters[roomID] = members
	}
	members.Insert(string(participantID))
}

// RevokePresenter removes participantID from roomID's presenter set. If the
// participant currently has a live screen publish, it is torn down and the
// caller must emit presenter_revoked followed by an update dropping
// state.screen, per the presenter-revocation invariant.
func (c *Coordinator) RevokePresenter(ctx context.Context, roomID types.RoomIdType, participantID types.ParticipantIdType) (tornDown bool, newState SessionState, err error) {
	c.mu.Lock()
	if members, ok := c.presenters[roomID]; ok {
		members.Delete(string(participantID))
	}
	state := c.sessions[roomID][participantID]
	hadScreen := state.Screen
	c.mu.Unlock()

	if !hadScreen {
		return false, state, nil
	}

	if err := c.sfu.UpdatePublishRights(ctx, string(roomID), string(participantID), false); err != nil {
		return false, state, signalerr.TransientInfra("presenter_revoke_failed", "failed to revoke publish rights", err)
	}

	c.mu.Lock()
	state = c.sessions[roomID][participantID].with(KindScreen, false)
	c.sessions[roomID][participantID] = state
	c.clearSubscribersLocked(roomID, participantID, KindScreen)
	c.mu.Unlock()

	return true, state, nil
}

// recordSubscriber tracks participantID as a subscriber of (source, kind).
// Called with c.mu held.
func (c *Coordinator) recordSubscriber(roomID types.RoomIdType, source types.ParticipantIdType, kind Kind, participantID types.ParticipantIdType) {
	room, ok := c.subscribers[roomID]
	if !ok {
		room = make(map[subKey]set.Set[string])
		c.subscribers[roomID] = room
	}
	key := subKey{source: source, kind: kind}
	members, ok := room[key]
	if !ok {
		members = set.New[string]()
		room[key] = members
	}
	members.Insert(string(participantID))
}

// subscribersLocked returns the tracked subscribers of (source, kind).
// Called with c.mu held.
func (c *Coordinator) subscribersLocked(roomID types.RoomIdType, source types.ParticipantIdType, kind Kind) []types.ParticipantIdType {
	room, ok := c.subscribers[roomID]
	if !ok {
		return nil
	}
	members, ok := room[subKey{source: source, kind: kind}]
	if !ok {
		return nil
	}
	out := make([]types.ParticipantIdType, 0, members.Len())
	for _, m := range members.SortedList() {
		out = append(out, types.ParticipantIdType(m))
	}
	return out
}

// Subscribers returns every participant currently subscribed to the
// (source, kind) stream, in stable order.
func (c *Coordinator) Subscribers(roomID types.RoomIdType, source types.ParticipantIdType, kind Kind) []types.ParticipantIdType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribersLocked(roomID, source, kind)
}

// clearSubscribersLocked drops all subscriber tracking for the
// (source, kind) stream. Called with c.mu held.
func (c *Coordinator) clearSubscribersLocked(roomID types.RoomIdType, source types.ParticipantIdType, kind Kind) {
	if room, ok := c.subscribers[roomID]; ok {
		delete(room, subKey{source: source, kind: kind})
	}
}

// UpdateMuteState applies a participant's audio/video mute bits. Repeated
// updates carrying an identical payload are no-ops: changed reports whether
// anything actually flipped, and callers must not broadcast or emit bus
// events when it is false.
func (c *Coordinator) UpdateMuteState(roomID types.RoomIdType, participantID types.ParticipantIdType, audio, video bool) (changed bool, state SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.sessions[roomID]
	if !ok {
		room = make(map[types.ParticipantIdType]SessionState)
		c.sessions[roomID] = room
	}
	prior := room[participantID]
	next := prior.with(KindAudio, audio).with(KindVideo, video)
	if next == prior {
		return false, prior
	}
	room[participantID] = next
	return true, next
}

// State returns participantID's current media session state in roomID, used
// to build the update frame broadcast to other participants on
// publish_complete.
func (c *Coordinator) State(roomID types.RoomIdType, participantID types.ParticipantIdType) SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[roomID][participantID]
}

func (c *Coordinator) isPresenter(roomID types.RoomIdType, participantID types.ParticipantIdType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.presenters[roomID]
	if !ok {
		return false
	}
	return members.Has(string(participantID))
}

// Publish validates permission for the requested kind (screen requires
// presenter set membership; audio/video are always permitted), mints a
// publish-capable session token standing in for the SDP answer, and records
// that any prior publish of the same kind is replaced.
func (c *Coordinator) Publish(ctx context.Context, roomID types.RoomIdType, participantID types.ParticipantIdType, displayName string, kind Kind) (*PublishResult, error) {
	if kind == KindScreen && !c.isPresenter(roomID, participantID) {
		return nil, signalerr.Permission(signalerr.CodeNotPresenter, fmt.Sprintf("participant %s is not a presenter in room %s", participantID, roomID))
	}

	start := time.Now()
	answer, err := c.sfu.MintToken(string(participantID), displayName, string(roomID), sfu.GrantPublishSubscribe)
	metrics.SFUCallDuration.WithLabelValues("publish", statusLabel(err)).Observe(time.Since(start).Seconds())
	metrics.WebrtcConnectionAttempts.WithLabelValues(statusLabel(err)).Inc()
	if err != nil {
		return nil, signalerr.SFU("publish_failed", "failed to mint publisher session", err)
	}

	c.mu.Lock()
	room, ok := c.sessions[roomID]
	if !ok {
		room = make(map[types.ParticipantIdType]SessionState)
		c.sessions[roomID] = room
	}
	prior := room[participantID]
	replaced := prior.with(kind, false) != prior
	next := prior.with(kind, true)
	room[participantID] = next
	var priorSubs []types.ParticipantIdType
	if replaced {
		// These subscriber sessions are invalidated by the replacement; they
		// stay tracked so the fresh offers the caller sends re-attach them.
		priorSubs = c.subscribersLocked(roomID, participantID, kind)
	}
	c.mu.Unlock()

	return &PublishResult{Answer: answer, Replaced: replaced, State: next, PriorSubscribers: priorSubs}, nil
}

// Subscribe opens a subscriber-only session granting participantID access to
// sourceParticipantID's stream of the given kind, returning a session token
// standing in for the SFU-generated offer. The subscription is tracked so a
// later republish or teardown of the stream can notify its subscribers.
func (c *Coordinator) Subscribe(ctx context.Context, roomID types.RoomIdType, participantID types.ParticipantIdType, displayName string, sourceParticipantID types.ParticipantIdType, kind Kind) (string, error) {
	start := time.Now()
	offer, err := c.sfu.MintToken(string(participantID), displayName, string(roomID), sfu.GrantSubscribeOnly)
	metrics.SFUCallDuration.WithLabelValues("subscribe", statusLabel(err)).Observe(time.Since(start).Seconds())
	metrics.WebrtcConnectionAttempts.WithLabelValues(statusLabel(err)).Inc()
	if err != nil {
		return "", signalerr.SFU("subscribe_failed", "failed to mint subscriber session", err)
	}

	// A resubscribe to the same (source, kind) replaces the prior session:
	// the fresh token supersedes the old one, and the set keeps a single
	// entry per subscriber either way.
	c.mu.Lock()
	c.recordSubscriber(roomID, sourceParticipantID, kind, participantID)
	c.mu.Unlock()

	return offer, nil
}

// ConfigureSubscriber adjusts a live subscription (video on/off, substream
// selection collapses to a single on/off toggle at this layer).
func (c *Coordinator) ConfigureSubscriber(ctx context.Context, roomID types.RoomIdType, participantID types.ParticipantIdType, videoEnabled bool) error {
	if err := c.sfu.UpdatePublishRights(ctx, string(roomID), string(participantID), videoEnabled); err != nil {
		return signalerr.SFU("configure_subscriber_failed", "failed to reconfigure subscriber", err)
	}
	return nil
}

// DestroySession tears down participantID's session of the given kind,
// called on explicit unpublish or on session close.
func (c *Coordinator) DestroySession(ctx context.Context, roomID types.RoomIdType, participantID types.ParticipantIdType, kind Kind) error {
	c.mu.Lock()
	if room, ok := c.sessions[roomID]; ok {
		room[participantID] = room[participantID].with(kind, false)
	}
	c.clearSubscribersLocked(roomID, participantID, kind)
	c.mu.Unlock()

	if err := c.sfu.RemoveParticipant(ctx, string(roomID), string(participantID)); err != nil {
		return signalerr.TransientInfra("destroy_session_failed", "failed to remove participant session", err)
	}
	return nil
}

// Forget drops all tracked state for participantID in roomID, called after
// the participant's session fully closes.
func (c *Coordinator) Forget(roomID types.RoomIdType, participantID types.ParticipantIdType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions[roomID], participantID)
	if members, ok := c.presenters[roomID]; ok {
		members.Delete(string(participantID))
	}
	if subs, ok := c.subscribers[roomID]; ok {
		for key, members := range subs {
			if key.source == participantID {
				delete(subs, key)
				continue
			}
			members.Delete(string(participantID))
		}
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
