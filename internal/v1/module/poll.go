package module

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/store"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

const pollNamespace = "poll"

const (
	pollActionCreate = "create_poll"
	pollActionVote   = "vote"
	pollActionClose  = "close_poll"

	pollMessageCreated = "poll_created"
	pollMessageVoted   = "poll_voted"
	pollMessageResults = "poll_results"
)

// pollID identifies one poll within a room. A room holds at most one open
// poll at a time; creating a new one before closing the last is rejected.
type pollID string

type pollState struct {
	ID       pollID                          `json:"id"`
	Question string                          `json:"question"`
	Options  []string                        `json:"options"`
	Open     bool                            `json:"open"`
	Votes    map[types.ParticipantIdType]int `json:"votes"`
	Tally    map[int]int                     `json:"tally"`
}

// PollModule implements moderator-created multiple-choice polls with
// participant votes tallied in the distributed store, using the same
// single-string-key-holding-JSON pattern as ChatModule's history: the
// store abstraction exposes only strings, hashes, and sets, and a poll's
// vote map is small enough not to need the hash type's per-field
// granularity.
type PollModule struct{}

// NewPollModule constructs the stateless poll module factory.
func NewPollModule() *PollModule { return &PollModule{} }

func (m *PollModule) Namespace() string       { return pollNamespace }
func (m *PollModule) Subscriptions() []string { return nil }
func (m *PollModule) NewHandler() Handler     { return &pollHandler{} }

type pollHandler struct{}

func (h *pollHandler) key(ctx *Context) string {
	return ctx.Room.StoreKey(pollNamespace, "current")
}

func (h *pollHandler) OnJoin(ctx *Context) (json.RawMessage, json.RawMessage, error) {
	poll, err := h.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	if poll == nil || !poll.Open {
		return nil, nil, nil
	}
	body, _ := json.Marshal(publicPollView(poll))
	return nil, body, nil
}

func (h *pollHandler) load(ctx *Context) (*pollState, error) {
	raw, err := ctx.Room.Store().Get(ctx, h.key(ctx))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, signalerr.TransientInfra("poll_unavailable", "failed to load poll state", err)
	}
	var p pollState
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, signalerr.PermanentInfra("poll_corrupt", "stored poll state failed to decode", err)
	}
	return &p, nil
}

func (h *pollHandler) save(ctx *Context, poll *pollState) error {
	data, err := json.Marshal(poll)
	if err != nil {
		return signalerr.PermanentInfra("poll_encode_failed", "failed to encode poll state", err)
	}
	if err := ctx.Room.Store().Set(ctx, h.key(ctx), string(data), 0); err != nil {
		return signalerr.TransientInfra("poll_unavailable", "failed to persist poll state", err)
	}
	return nil
}

// publicPollView strips individual ballots (Votes) from the wire payload;
// only the running Tally by option index and whether the poll is still
// open are ever broadcast before close.
type publicPoll struct {
	ID       pollID      `json:"id"`
	Question string      `json:"question"`
	Options  []string    `json:"options"`
	Open     bool        `json:"open"`
	Tally    map[int]int `json:"tally"`
}

func publicPollView(p *pollState) publicPoll {
	return publicPoll{ID: p.ID, Question: p.Question, Options: p.Options, Open: p.Open, Tally: p.Tally}
}

func (h *pollHandler) OnCommand(ctx *Context, action string, target types.ParticipantIdType, payload json.RawMessage) error {
	switch action {
	case pollActionCreate:
		return h.handleCreate(ctx, payload)
	case pollActionVote:
		return h.handleVote(ctx, payload)
	case pollActionClose:
		return h.handleClose(ctx)
	default:
		return signalerr.Protocol(signalerr.CodeUnknownEvent, "unknown poll action "+action)
	}
}

type createPollPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

func (h *pollHandler) handleCreate(ctx *Context, payload json.RawMessage) error {
	if !ctx.Room.IsModerator(ctx.Self) {
		return signalerr.Permission(signalerr.CodeNotAuthorized, "moderator role required")
	}
	var p createPollPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed create_poll payload")
	}
	if p.Question == "" || len(p.Options) < 2 {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "a poll requires a question and at least two options")
	}

	existing, err := h.load(ctx)
	if err != nil {
		return err
	}
	if existing != nil && existing.Open {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "a poll is already open in this room")
	}

	poll := &pollState{
		ID:       pollID(uuid.New().String()),
		Question: p.Question,
		Options:  p.Options,
		Open:     true,
		Votes:    make(map[types.ParticipantIdType]int),
		Tally:    make(map[int]int),
	}
	if err := h.save(ctx, poll); err != nil {
		return err
	}

	body, _ := json.Marshal(publicPollView(poll))
	publishBroadcast(ctx, pollNamespace, pollMessageCreated, types.Frame{Namespace: pollNamespace, Message: pollMessageCreated, Payload: body}, "")
	return nil
}

type votePayload struct {
	Option int `json:"option"`
}

func (h *pollHandler) handleVote(ctx *Context, payload json.RawMessage) error {
	var p votePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed vote payload")
	}

	poll, err := h.load(ctx)
	if err != nil {
		return err
	}
	if poll == nil || !poll.Open {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "no poll is currently open")
	}
	if p.Option < 0 || p.Option >= len(poll.Options) {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "option out of range")
	}

	if prior, voted := poll.Votes[ctx.Self]; voted {
		poll.Tally[prior]--
	}
	poll.Votes[ctx.Self] = p.Option
	poll.Tally[p.Option]++

	if err := h.save(ctx, poll); err != nil {
		return err
	}

	body, _ := json.Marshal(publicPollView(poll))
	publishBroadcast(ctx, pollNamespace, pollMessageVoted, types.Frame{Namespace: pollNamespace, Message: pollMessageVoted, Payload: body}, "")
	return nil
}

func (h *pollHandler) handleClose(ctx *Context) error {
	if !ctx.Room.IsModerator(ctx.Self) {
		return signalerr.Permission(signalerr.CodeNotAuthorized, "moderator role required")
	}
	poll, err := h.load(ctx)
	if err != nil {
		return err
	}
	if poll == nil || !poll.Open {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "no poll is currently open")
	}
	poll.Open = false
	if err := h.save(ctx, poll); err != nil {
		return err
	}

	body, _ := json.Marshal(publicPollView(poll))
	publishBroadcast(ctx, pollNamespace, pollMessageResults, types.Frame{Namespace: pollNamespace, Message: pollMessageResults, Payload: body}, "")
	return nil
}

// OnEvent performs the actual Broadcast for a poll created, voted on, or
// closed on any controller node holding this room, so every node's local
// participants see the same running tally.
func (h *pollHandler) OnEvent(ctx *Context, event BusEvent) error {
	switch event.Name {
	case pollMessageCreated, pollMessageVoted, pollMessageResults:
		deliverBroadcastEvent(ctx, event)
	}
	return nil
}

func (h *pollHandler) OnLeave(ctx *Context, reason string) {}
