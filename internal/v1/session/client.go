// Package session implements the Session Runtime: the per-connection
// protocol handler sitting between the websocket transport and the Room
// Coordinator. Each connection runs a readPump/writePump pair over a
// buffered send channel, carrying the JSON types.Frame envelope through
// the join-first, namespace-routed dispatch model of the Module Registry.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenrelay/signalcore/internal/v1/logging"
	"github.com/lumenrelay/signalcore/internal/v1/metrics"
	"github.com/lumenrelay/signalcore/internal/v1/room"
	"github.com/lumenrelay/signalcore/internal/v1/signalerr"
	"github.com/lumenrelay/signalcore/internal/v1/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxFrameBytes  = 32 * 1024
	sendBufferSize = 256
)

// wsConnection is the narrow surface Client needs from a websocket
// connection, kept as an interface so tests can substitute a mock
// transport.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Dispatcher is the narrow surface a Client dispatches frames through once
// joined: the room.Coordinator in production, a fake in tests.
type Dispatcher interface {
	Dispatch(ctx context.Context, self types.ParticipantIdType, namespace, action string, target types.ParticipantIdType, payload json.RawMessage) error
	Leave(participantID types.ParticipantIdType, reason string)
}

// FrameLimiter throttles how many frames a joined participant may dispatch
// per unit time, independent of the connection-level WS limits enforced at
// handshake: a joined client that floods chat/raise_hand/publish frames
// never hits those, so this is its own rate-limit surface
// (ratelimit.RateLimiter.CheckFrame in production).
type FrameLimiter interface {
	CheckFrame(ctx context.Context, participantID string) error
}

// Client represents one authenticated connection's lifetime: it owns the
// websocket, decodes inbound frames, enforces the join-first rule, and
// exposes the room.Sender interface the Coordinator uses to push frames
// back out.
type Client struct {
	conn wsConnection
	send chan types.Frame

	id          types.ParticipantIdType
	displayName types.DisplayNameType
	kind        types.ParticipantKind

	room         Dispatcher
	frameLimiter FrameLimiter
	joined       bool
	closeCh      chan struct{}
	closeOnce    chan struct{}
}

// NewClient constructs a Client bound to an upgraded websocket connection.
// The caller (Hub.ServeWs) is responsible for starting readPump/writePump.
func NewClient(conn wsConnection, id types.ParticipantIdType, displayName types.DisplayNameType, kind types.ParticipantKind) *Client {
	return &Client{
		conn:        conn,
		send:        make(chan types.Frame, sendBufferSize),
		id:          id,
		displayName: displayName,
		kind:        kind,
		closeCh:     make(chan struct{}),
		closeOnce:   make(chan struct{}, 1),
	}
}

// bindRoom attaches the coordinator a successful join admitted this client
// to; frames cannot be dispatched before this is set.
func (c *Client) bindRoom(d Dispatcher) {
	c.room = d
	c.joined = true
}

// SetFrameLimiter installs a per-frame rate limit for this client's
// dispatch loop. Nil (the default) disables per-frame limiting.
func (c *Client) SetFrameLimiter(fl FrameLimiter) {
	c.frameLimiter = fl
}

// Send implements room.Sender: enqueues frame on the outbound channel,
// closing the connection with a backpressure reason if the buffer is full
// rather than blocking the coordinator's dispatch loop: a stalled reader
// is a disconnect condition, not a reason to stall the room.
func (c *Client) Send(frame types.Frame) {
	select {
	case c.send <- frame:
	default:
		logging.Warn(context.Background(), "client send buffer full, closing for backpressure",
			zap.String("participant_id", string(c.id)))
		c.Close("backpressure")
	}
}

// Close implements room.Sender: terminates the connection's write loop and
// underlying socket. Safe to call more than once.
func (c *Client) Close(reason string) {
	select {
	case c.closeOnce <- struct{}{}:
		close(c.closeCh)
		logging.Info(context.Background(), "closing client session",
			zap.String("participant_id", string(c.id)), zap.String("reason", reason))
	default:
	}
}

// sendError enqueues a control-namespace error frame: a protocol
// violation is reported to the caller, not a silent drop.
func (c *Client) sendError(se *signalerr.Error) {
	c.Send(types.Frame{
		Namespace: types.ControlNamespace,
		Message:   types.MessageError,
		Error:     se.Code,
	})
}

var _ room.Sender = (*Client)(nil)

// readPump decodes inbound frames and routes them: frames received before
// a successful join are rejected (only control.join is valid pre-join);
// once joined, every frame is handed to the bound Dispatcher.
func (c *Client) readPump(onDisconnect func()) {
	defer func() {
		onDisconnect()
		c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			metrics.WebsocketEvents.WithLabelValues("decode", "error").Inc()
			c.sendError(signalerr.Protocol(signalerr.CodeInvalidPayload, "malformed frame"))
			continue
		}

		if !c.joined {
			// The only pre-join frame handled here is control.join; the Hub
			// performs the actual admission before the read loop starts, so
			// reaching this branch at all means the client sent something
			// else first.
			metrics.WebsocketEvents.WithLabelValues(frame.Namespace, "rejected_not_joined").Inc()
			c.sendError(signalerr.Protocol(signalerr.CodeInvalidPayload, "not_yet_joined"))
			continue
		}

		ctx := context.Background()
		if c.frameLimiter != nil {
			if err := c.frameLimiter.CheckFrame(ctx, string(c.id)); err != nil {
				metrics.WebsocketEvents.WithLabelValues(frame.Namespace, "rate_limited").Inc()
				c.sendError(signalerr.Permission(signalerr.CodeRateLimited, "frame rate limit exceeded"))
				continue
			}
		}

		start := time.Now()
		err = c.room.Dispatch(ctx, c.id, frame.Namespace, frame.Action, frame.Target, frame.Payload)
		metrics.MessageProcessingDuration.WithLabelValues(frame.Namespace).Observe(time.Since(start).Seconds())
		if err != nil {
			if se, ok := signalerr.AsError(err); ok {
				metrics.WebsocketEvents.WithLabelValues(frame.Namespace, string(se.Kind)).Inc()
				c.sendError(se)
			} else {
				metrics.WebsocketEvents.WithLabelValues(frame.Namespace, "error").Inc()
				c.sendError(signalerr.PermanentInfra("internal_error", "unexpected dispatch failure", err))
			}
			continue
		}
		metrics.WebsocketEvents.WithLabelValues(frame.Namespace, "ok").Inc()
	}
}

// writePump drains the outbound channel to the websocket until Close is
// called or the channel is torn down by readPump's disconnect.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				logging.Error(context.Background(), "failed to marshal outbound frame", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.closeCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
