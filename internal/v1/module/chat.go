package module

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/store"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

const chatNamespace = "chat"

const (
	chatActionAdd        = "add_chat"
	chatActionDelete     = "delete_chat"
	chatActionGetRecent  = "get_recent_chats"
	chatMessageAdded     = "chat_added"
	chatMessageDeleted   = "chat_deleted"
	chatMessageRecent    = "recent_chats"
	maxChatHistoryLength = 100
)

// ChatModule persists room-scoped chat history in the distributed store
// as a JSON-encoded list under a single string key, capped in length, so
// history survives across controller nodes instead of living in one
// process's memory.
type ChatModule struct{}

// NewChatModule constructs the stateless chat module factory.
func NewChatModule() *ChatModule { return &ChatModule{} }

func (m *ChatModule) Namespace() string       { return chatNamespace }
func (m *ChatModule) Subscriptions() []string { return nil }
func (m *ChatModule) NewHandler() Handler     { return &chatHandler{} }

type chatHandler struct{}

func (h *chatHandler) OnJoin(ctx *Context) (json.RawMessage, json.RawMessage, error) {
	history, err := h.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	payload, _ := json.Marshal(history)
	return nil, payload, nil
}

func (h *chatHandler) key(ctx *Context) string {
	return ctx.Room.StoreKey(chatNamespace, "history")
}

func (h *chatHandler) load(ctx *Context) ([]types.ChatInfo, error) {
	raw, err := ctx.Room.Store().Get(ctx, h.key(ctx))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, signalerr.TransientInfra("chat_history_unavailable", "failed to load chat history", err)
	}
	var history []types.ChatInfo
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, signalerr.PermanentInfra("chat_history_corrupt", "stored chat history failed to decode", err)
	}
	return history, nil
}

func (h *chatHandler) save(ctx *Context, history []types.ChatInfo) error {
	data, err := json.Marshal(history)
	if err != nil {
		return signalerr.PermanentInfra("chat_history_encode_failed", "failed to encode chat history", err)
	}
	if err := ctx.Room.Store().Set(ctx, h.key(ctx), string(data), 0); err != nil {
		return signalerr.TransientInfra("chat_history_unavailable", "failed to persist chat history", err)
	}
	return nil
}

func (h *chatHandler) OnCommand(ctx *Context, action string, target types.ParticipantIdType, payload json.RawMessage) error {
	switch action {
	case chatActionAdd:
		return h.handleAdd(ctx, payload)
	case chatActionDelete:
		return h.handleDelete(ctx, payload)
	case chatActionGetRecent:
		return h.handleGetRecent(ctx)
	default:
		return signalerr.Protocol(signalerr.CodeUnknownEvent, "unknown chat action "+action)
	}
}

type addChatPayload struct {
	Content string `json:"content"`
}

func (h *chatHandler) handleAdd(ctx *Context, payload json.RawMessage) error {
	var p addChatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed add_chat payload")
	}

	self, ok := ctx.Room.Self(ctx.Self)
	if !ok {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "sender is not in the room")
	}

	msg := types.ChatInfo{
		ChatID:        types.ChatID(uuid.New().String()),
		ParticipantID: ctx.Self,
		DisplayName:   self.DisplayName,
		Content:       p.Content,
		Timestamp:     time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, err.Error())
	}

	history, err := h.load(ctx)
	if err != nil {
		return err
	}
	history = append(history, msg)
	if len(history) > maxChatHistoryLength {
		history = history[len(history)-maxChatHistoryLength:]
	}
	if err := h.save(ctx, history); err != nil {
		return err
	}

	body, _ := json.Marshal(msg)
	publishBroadcast(ctx, chatNamespace, chatMessageAdded, types.Frame{Namespace: chatNamespace, Message: chatMessageAdded, Payload: body}, "")
	return nil
}

type deleteChatPayload struct {
	ChatID types.ChatID `json:"chatId"`
}

func (h *chatHandler) handleDelete(ctx *Context, payload json.RawMessage) error {
	var p deleteChatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed delete_chat payload")
	}

	history, err := h.load(ctx)
	if err != nil {
		return err
	}

	found := false
	kept := history[:0]
	for _, c := range history {
		if c.ChatID == p.ChatID {
			if c.ParticipantID != ctx.Self && !ctx.Room.IsModerator(ctx.Self) {
				return signalerr.Permission(signalerr.CodeNotAuthorized, "cannot delete another participant's message")
			}
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return nil
	}
	if err := h.save(ctx, kept); err != nil {
		return err
	}

	body, _ := json.Marshal(p)
	publishBroadcast(ctx, chatNamespace, chatMessageDeleted, types.Frame{Namespace: chatNamespace, Message: chatMessageDeleted, Payload: body}, "")
	return nil
}

func (h *chatHandler) handleGetRecent(ctx *Context) error {
	history, err := h.load(ctx)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(history)
	ctx.Room.SendTo(ctx.Self, types.Frame{Namespace: chatNamespace, Message: chatMessageRecent, Payload: body})
	return nil
}

// OnEvent performs the actual Broadcast for a chat message added or
// deleted on any controller node holding this room, so chat history stays
// consistent across every node's local participants.
func (h *chatHandler) OnEvent(ctx *Context, event BusEvent) error {
	switch event.Name {
	case chatMessageAdded, chatMessageDeleted:
		deliverBroadcastEvent(ctx, event)
	}
	return nil
}

func (h *chatHandler) OnLeave(ctx *Context, reason string) {}
