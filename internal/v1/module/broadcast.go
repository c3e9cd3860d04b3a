package module

import (
	"encoding/json"

	"github.com/lumenrelay/signalcore/internal/v1/types"
)

// broadcastEvent is the bus envelope for an effect that must reach every
// participant in the room, not just the ones local to the controller node
// that handled the command. A module's own namespace is always in its
// Subscriptions (module.Module doc), so publishing one of these under a
// module's own namespace is delivered straight back to that module's
// OnEvent on every node holding a local session for the room — including
// the node that published it — which is what actually performs the
// Broadcast.
type broadcastEvent struct {
	Frame   types.Frame             `json:"frame"`
	Exclude types.ParticipantIdType `json:"exclude,omitempty"`
}

// publishBroadcast replaces a direct ctx.Room.Broadcast call wherever the
// resulting frame must be visible to participants connected to other
// controller nodes: it publishes a broadcastEvent under name instead of
// enqueueing the frame on local sessions directly.
func publishBroadcast(ctx *Context, namespace, name string, frame types.Frame, exclude types.ParticipantIdType) {
	ctx.Room.Publish(ctx, namespace, name, broadcastEvent{Frame: frame, Exclude: exclude})
}

// deliverBroadcastEvent decodes a broadcastEvent and delivers its frame to
// the handler's own participant. The coordinator fans each bus event out to
// every local participant's handlers, so delivery here must be to ctx.Self
// only — anything wider would hand each participant one copy per local
// session. A malformed payload is dropped rather than propagated,
// consistent with Handlers.Event logging and swallowing per-subscriber
// delivery errors.
func deliverBroadcastEvent(ctx *Context, event BusEvent) {
	var be broadcastEvent
	if err := json.Unmarshal(event.Payload, &be); err != nil {
		return
	}
	if be.Exclude != "" && ctx.Self == be.Exclude {
		return
	}
	ctx.Room.SendTo(ctx.Self, be.Frame)
}
