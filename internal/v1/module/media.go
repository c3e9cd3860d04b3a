package module

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/lumenrelay/signalcore/internal/v1/media"
	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

const mediaNamespace = "media"

const (
	mediaActionPublish             = "publish"
	mediaActionPublishComplete     = "publish_complete"
	mediaActionUpdateSession       = "update_media_session"
	mediaActionUnpublish           = "unpublish"
	mediaActionSubscribe           = "subscribe"
	mediaActionConfigureSubscriber = "configure_subscriber"
	mediaActionGrantPresenter      = "grant_presenter"
	mediaActionRevokePresenter     = "revoke_presenter"

	mediaMessageSdpAnswer        = "sdp_answer"
	mediaMessageSdpOffer         = "sdp_offer"
	mediaMessageWebrtcDown       = "webrtc_down"
	mediaMessagePresenterGranted = "presenter_granted"
	mediaMessagePresenterRevoked = "presenter_revoked"
	mediaMessageUpdate           = "update"
)

// MediaModule wraps the internal/v1/media.Coordinator's publish/subscribe
// and presenter bookkeeping as wire-level actions. One Coordinator is
// shared across every room (it keys its own state by room id), so one
// MediaModule instance is shared across every room's Registry.
type MediaModule struct {
	coordinator *media.Coordinator
}

// NewMediaModule constructs the media module factory around the shared SFU
// session coordinator.
func NewMediaModule(coordinator *media.Coordinator) *MediaModule {
	return &MediaModule{coordinator: coordinator}
}

func (m *MediaModule) Namespace() string       { return mediaNamespace }
func (m *MediaModule) Subscriptions() []string { return nil }
func (m *MediaModule) NewHandler() Handler     { return &mediaHandler{coordinator: m.coordinator} }

type mediaHandler struct {
	coordinator *media.Coordinator
}

func (h *mediaHandler) OnJoin(ctx *Context) (json.RawMessage, json.RawMessage, error) {
	return nil, nil, nil
}

type publishPayload struct {
	Kind media.Kind `json:"media_session_type"`
}

// streamDownPayload tells a subscriber which stream just went away so it
// can drop its receiver and, if the stream comes back, resubscribe.
type streamDownPayload struct {
	Source types.ParticipantIdType `json:"source"`
	Kind   media.Kind              `json:"media_session_type"`
}

type mediaUpdatePayload struct {
	Media media.SessionState `json:"media"`
}

func (h *mediaHandler) OnCommand(ctx *Context, action string, target types.ParticipantIdType, payload json.RawMessage) error {
	switch action {
	case mediaActionPublish:
		return h.handlePublish(ctx, payload)
	case mediaActionPublishComplete:
		return h.handlePublishComplete(ctx)
	case mediaActionUpdateSession:
		return h.handleUpdateSession(ctx, payload)
	case mediaActionUnpublish:
		return h.handleUnpublish(ctx, payload)
	case mediaActionSubscribe:
		return h.handleSubscribe(ctx, target, payload)
	case mediaActionConfigureSubscriber:
		return h.handleConfigureSubscriber(ctx, payload)
	case mediaActionGrantPresenter:
		return h.handleGrantPresenter(ctx, target)
	case mediaActionRevokePresenter:
		return h.handleRevokePresenter(ctx, target)
	default:
		return signalerr.Protocol(signalerr.CodeUnknownEvent, "unknown media action "+action)
	}
}

// broadcastMediaState records participantID's new media state on its roster
// snapshot and fans the corresponding update frame out to every other
// participant in the room, on every controller node.
func broadcastMediaState(ctx *Context, participantID types.ParticipantIdType, state media.SessionState) {
	stateBody, _ := json.Marshal(state)
	ctx.Room.SetModuleState(participantID, mediaNamespace, stateBody)
	ctx.Room.Publish(ctx, types.ControlNamespace, "participant.updated", types.LifecycleEventPayload{ParticipantID: participantID})

	body, _ := json.Marshal(mediaUpdatePayload{Media: state})
	publishBroadcast(ctx, mediaNamespace, mediaMessageUpdate, types.Frame{Namespace: mediaNamespace, Message: mediaMessageUpdate, ID: participantID, Payload: body}, participantID)
}

// notifyStreamDown sends webrtc_down for (source, kind) to each subscriber.
// Cross-node subscribers are reached through their bus inboxes by SendTo.
func notifyStreamDown(ctx *Context, subscribers []types.ParticipantIdType, source types.ParticipantIdType, kind media.Kind) {
	body, _ := json.Marshal(streamDownPayload{Source: source, Kind: kind})
	for _, sub := range subscribers {
		if sub == source {
			continue
		}
		ctx.Room.SendTo(sub, types.Frame{Namespace: mediaNamespace, Message: mediaMessageWebrtcDown, Payload: body})
	}
}

func (h *mediaHandler) handlePublish(ctx *Context, payload json.RawMessage) error {
	var p publishPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed publish payload")
	}
	self, ok := ctx.Room.Self(ctx.Self)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "sender is not in the room")
	}

	result, err := h.coordinator.Publish(ctx, ctx.Room.RoomID(), ctx.Self, string(self.DisplayName), p.Kind)
	if err != nil {
		return err
	}

	if result.Replaced {
		// The replacement invalidates every prior subscriber session for
		// this (source, kind): each subscriber gets exactly one webrtc_down
		// followed by a fresh offer re-attaching it to the new publish.
		notifyStreamDown(ctx, result.PriorSubscribers, ctx.Self, p.Kind)
		h.reofferSubscribers(ctx, result.PriorSubscribers, p.Kind)
	}

	type sdpAnswerPayload struct {
		Sdp        string                  `json:"sdp"`
		Source     types.ParticipantIdType `json:"source"`
		Kind       media.Kind              `json:"media_session_type"`
		State      media.SessionState      `json:"state"`
		ICEServers []webrtc.ICEServer      `json:"iceServers,omitempty"`
	}
	body, _ := json.Marshal(sdpAnswerPayload{Sdp: result.Answer, Source: ctx.Self, Kind: p.Kind, State: result.State, ICEServers: h.coordinator.ICEServers()})
	ctx.Room.SendTo(ctx.Self, types.Frame{Namespace: mediaNamespace, Message: mediaMessageSdpAnswer, Payload: body})
	return nil
}

// reofferSubscribers mints a fresh subscriber session for each displaced
// subscriber of ctx.Self's stream and delivers it as an sdp_offer. A
// subscriber hosted on another controller node has no local roster entry
// here; it re-requests its own subscription when the webrtc_down arrives.
func (h *mediaHandler) reofferSubscribers(ctx *Context, subscribers []types.ParticipantIdType, kind media.Kind) {
	for _, sub := range subscribers {
		if sub == ctx.Self {
			continue
		}
		info, ok := ctx.Room.Self(sub)
		if !ok {
			continue
		}
		offer, err := h.coordinator.Subscribe(ctx, ctx.Room.RoomID(), sub, string(info.DisplayName), ctx.Self, kind)
		if err != nil {
			continue
		}
		h.sendSdpOffer(ctx, sub, ctx.Self, kind, offer)
	}
}

func (h *mediaHandler) sendSdpOffer(ctx *Context, to, source types.ParticipantIdType, kind media.Kind, offer string) {
	type sdpOfferPayload struct {
		Sdp        string                  `json:"sdp"`
		Source     types.ParticipantIdType `json:"source"`
		Kind       media.Kind              `json:"media_session_type"`
		ICEServers []webrtc.ICEServer      `json:"iceServers,omitempty"`
	}
	body, _ := json.Marshal(sdpOfferPayload{Sdp: offer, Source: source, Kind: kind, ICEServers: h.coordinator.ICEServers()})
	ctx.Room.SendTo(to, types.Frame{Namespace: mediaNamespace, Message: mediaMessageSdpOffer, Payload: body})
}

// handlePublishComplete is sent by the client once SDP negotiation for a
// prior publish finishes; it is the trigger for broadcasting the resulting
// media state, as an update frame keyed by the publisher's id, to every
// other participant.
func (h *mediaHandler) handlePublishComplete(ctx *Context) error {
	state := h.coordinator.State(ctx.Room.RoomID(), ctx.Self)
	broadcastMediaState(ctx, ctx.Self, state)
	return nil
}

type updateSessionPayload struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// handleUpdateSession applies the caller's audio/video mute bits. The
// operation is idempotent: a repeat with an identical payload changes
// nothing and emits nothing, so clients resending their state after a
// reconnect do not spray duplicate updates through the room.
func (h *mediaHandler) handleUpdateSession(ctx *Context, payload json.RawMessage) error {
	var p updateSessionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed update_media_session payload")
	}

	changed, state := h.coordinator.UpdateMuteState(ctx.Room.RoomID(), ctx.Self, p.Audio, p.Video)
	if !changed {
		return nil
	}
	broadcastMediaState(ctx, ctx.Self, state)
	return nil
}

func (h *mediaHandler) handleUnpublish(ctx *Context, payload json.RawMessage) error {
	var p publishPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed unpublish payload")
	}

	subscribers := h.coordinator.Subscribers(ctx.Room.RoomID(), ctx.Self, p.Kind)
	if err := h.coordinator.DestroySession(ctx, ctx.Room.RoomID(), ctx.Self, p.Kind); err != nil {
		return err
	}
	notifyStreamDown(ctx, subscribers, ctx.Self, p.Kind)

	body, _ := json.Marshal(streamDownPayload{Source: ctx.Self, Kind: p.Kind})
	ctx.Room.SendTo(ctx.Self, types.Frame{Namespace: mediaNamespace, Message: mediaMessageWebrtcDown, Payload: body})

	broadcastMediaState(ctx, ctx.Self, h.coordinator.State(ctx.Room.RoomID(), ctx.Self))
	return nil
}

type subscribePayload struct {
	Source types.ParticipantIdType `json:"source"`
	Kind   media.Kind              `json:"media_session_type"`
}

func (h *mediaHandler) handleSubscribe(ctx *Context, target types.ParticipantIdType, payload json.RawMessage) error {
	var p subscribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed subscribe payload")
	}
	source := p.Source
	if source == "" {
		source = target
	}
	self, ok := ctx.Room.Self(ctx.Self)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "sender is not in the room")
	}
	offer, err := h.coordinator.Subscribe(ctx, ctx.Room.RoomID(), ctx.Self, string(self.DisplayName), source, p.Kind)
	if err != nil {
		return err
	}
	h.sendSdpOffer(ctx, ctx.Self, source, p.Kind, offer)
	return nil
}

type configureSubscriberPayload struct {
	VideoEnabled bool `json:"videoEnabled"`
}

func (h *mediaHandler) handleConfigureSubscriber(ctx *Context, payload json.RawMessage) error {
	var p configureSubscriberPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed configure_subscriber payload")
	}
	return h.coordinator.ConfigureSubscriber(ctx, ctx.Room.RoomID(), ctx.Self, p.VideoEnabled)
}

func (h *mediaHandler) handleGrantPresenter(ctx *Context, target types.ParticipantIdType) error {
	if !ctx.Room.IsModerator(ctx.Self) {
		return signalerr.Permission(signalerr.CodeNotAuthorized, "moderator role required")
	}
	h.coordinator.GrantPresenter(ctx.Room.RoomID(), target)
	publishBroadcast(ctx, mediaNamespace, mediaMessagePresenterGranted, types.Frame{Namespace: mediaNamespace, Message: mediaMessagePresenterGranted, Target: target}, "")
	return nil
}

func (h *mediaHandler) handleRevokePresenter(ctx *Context, target types.ParticipantIdType) error {
	if !ctx.Room.IsModerator(ctx.Self) {
		return signalerr.Permission(signalerr.CodeNotAuthorized, "moderator role required")
	}

	// Snapshot the screen subscribers before the revoke clears their
	// tracking along with the torn-down publish.
	subscribers := h.coordinator.Subscribers(ctx.Room.RoomID(), target, media.KindScreen)
	tornDown, newState, err := h.coordinator.RevokePresenter(ctx, ctx.Room.RoomID(), target)
	if err != nil {
		return err
	}
	publishBroadcast(ctx, mediaNamespace, mediaMessagePresenterRevoked, types.Frame{Namespace: mediaNamespace, Message: mediaMessagePresenterRevoked, Target: target}, "")
	if !tornDown {
		return nil
	}

	downBody, _ := json.Marshal(streamDownPayload{Source: target, Kind: media.KindScreen})
	ctx.Room.SendTo(target, types.Frame{Namespace: mediaNamespace, Message: mediaMessageWebrtcDown, Payload: downBody})
	notifyStreamDown(ctx, subscribers, target, media.KindScreen)

	// Everyone else learns the screen share ended through the same update
	// broadcast a publish_complete would have produced.
	broadcastMediaState(ctx, target, newState)
	return nil
}

// OnEvent delivers a media state change or presenter grant/revoke on any
// controller node holding this room, so every node's local participants
// observe the same media state.
func (h *mediaHandler) OnEvent(ctx *Context, event BusEvent) error {
	switch event.Name {
	case mediaMessageUpdate, mediaMessagePresenterGranted, mediaMessagePresenterRevoked:
		deliverBroadcastEvent(ctx, event)
	}
	return nil
}

func (h *mediaHandler) OnLeave(ctx *Context, reason string) {
	h.coordinator.Forget(ctx.Room.RoomID(), ctx.Self)
}
