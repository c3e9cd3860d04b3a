package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenrelay/signalcore/internal/v1/types"
)

// mockWSConnection is an in-memory stand-in for *websocket.Conn, so tests
// can drive the read/write pumps without a real socket.
type mockWSConnection struct {
	mu           sync.Mutex
	readMessages [][]byte
	readIdx      int
	writeMessages [][]byte
	closed       bool
}

func (m *mockWSConnection) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readIdx >= len(m.readMessages) {
		// Block briefly then report closure, mirroring a peer that stops
		// sending once the test is done driving it.
		return 0, nil, websocket.ErrCloseSent
	}
	data := m.readMessages[m.readIdx]
	m.readIdx++
	return websocket.TextMessage, data, nil
}

func (m *mockWSConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeMessages = append(m.writeMessages, data)
	return nil
}

func (m *mockWSConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockWSConnection) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockWSConnection) SetWriteDeadline(t time.Time) error { return nil }
func (m *mockWSConnection) SetReadLimit(limit int64)           {}
func (m *mockWSConnection) SetPongHandler(h func(string) error) {}

func (m *mockWSConnection) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writeMessages)
}

// mockDispatcher implements Dispatcher for tests that need to observe what a
// Client routes into the room without a real Coordinator.
type mockDispatcher struct {
	mu            sync.Mutex
	dispatchCalls int
	lastNamespace string
	lastAction    string
	leaveCalls    int
	dispatchErr   error
}

func (m *mockDispatcher) Dispatch(ctx context.Context, self types.ParticipantIdType, namespace, action string, target types.ParticipantIdType, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchCalls++
	m.lastNamespace = namespace
	m.lastAction = action
	return m.dispatchErr
}

func (m *mockDispatcher) Leave(participantID types.ParticipantIdType, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveCalls++
}

func (m *mockDispatcher) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dispatchCalls
}

func TestClientSend_EnqueuesFrame(t *testing.T) {
	client := NewClient(&mockWSConnection{}, "user1", "User", types.KindUser)

	client.Send(types.Frame{Namespace: "chat", Message: "new_message"})

	select {
	case frame := <-client.send:
		assert.Equal(t, "chat", frame.Namespace)
	case <-time.After(time.Second):
		t.Fatal("frame was not enqueued")
	}
}

func TestClientSend_ClosesOnBackpressure(t *testing.T) {
	conn := &mockWSConnection{}
	client := &Client{
		conn: conn,
		send: make(chan types.Frame, 1),
		id:   "user1",
		closeCh:   make(chan struct{}),
		closeOnce: make(chan struct{}, 1),
	}

	client.Send(types.Frame{Namespace: "chat"}) // fills the buffer
	client.Send(types.Frame{Namespace: "chat"}) // buffer full -> close

	select {
	case <-client.closeCh:
	default:
		t.Fatal("expected Close to have fired on backpressure")
	}
}

func TestClientClose_IsIdempotent(t *testing.T) {
	client := NewClient(&mockWSConnection{}, "user1", "User", types.KindUser)

	assert.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			client.Close("test")
		}
	})

	select {
	case <-client.closeCh:
	default:
		t.Fatal("closeCh should be closed")
	}
}

func TestClientReadPump_RejectsFramesBeforeJoin(t *testing.T) {
	frame := types.Frame{Namespace: "chat", Action: "send_message"}
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	conn := &mockWSConnection{readMessages: [][]byte{data}}
	dispatcher := &mockDispatcher{}
	client := NewClient(conn, "user1", "User", types.KindUser)
	// Deliberately not calling bindRoom: the caller has not joined yet.

	done := make(chan struct{})
	go func() {
		client.readPump(func() {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("readPump did not return")
	}

	assert.Equal(t, 0, dispatcher.calls())
	assert.Greater(t, conn.writeCount(), 0, "an error frame should have been queued for write")
}

func TestClientReadPump_DispatchesAfterJoin(t *testing.T) {
	frame := types.Frame{Namespace: "chat", Action: "send_message", Payload: json.RawMessage(`{"text":"hi"}`)}
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	conn := &mockWSConnection{readMessages: [][]byte{data}}
	dispatcher := &mockDispatcher{}
	client := NewClient(conn, "user1", "User", types.KindUser)
	client.bindRoom(dispatcher)

	onDisconnect := make(chan struct{})
	go client.readPump(func() { close(onDisconnect) })

	select {
	case <-onDisconnect:
	case <-time.After(time.Second):
		t.Fatal("readPump did not signal disconnect")
	}

	assert.Equal(t, 1, dispatcher.calls())
	assert.Equal(t, "chat", dispatcher.lastNamespace)
	assert.Equal(t, "send_message", dispatcher.lastAction)
}

// rejectingFrameLimiter always denies, simulating an exhausted rate limit.
type rejectingFrameLimiter struct {
	calls int
}

func (f *rejectingFrameLimiter) CheckFrame(ctx context.Context, participantID string) error {
	f.calls++
	return assert.AnError
}

func TestClientReadPump_FrameLimiterRejectsFrame(t *testing.T) {
	frame := types.Frame{Namespace: "chat", Action: "send_message", Payload: json.RawMessage(`{"text":"hi"}`)}
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	conn := &mockWSConnection{readMessages: [][]byte{data}}
	dispatcher := &mockDispatcher{}
	client := NewClient(conn, "user1", "User", types.KindUser)
	client.bindRoom(dispatcher)
	limiter := &rejectingFrameLimiter{}
	client.SetFrameLimiter(limiter)

	onDisconnect := make(chan struct{})
	go client.readPump(func() { close(onDisconnect) })

	select {
	case <-onDisconnect:
	case <-time.After(time.Second):
		t.Fatal("readPump did not signal disconnect")
	}

	assert.Equal(t, 1, limiter.calls)
	assert.Equal(t, 0, dispatcher.calls(), "a rate-limited frame must never reach Dispatch")
	assert.Greater(t, conn.writeCount(), 0, "an error frame should have been queued for write")
}

func TestClientWritePump_WritesEnqueuedFrames(t *testing.T) {
	conn := &mockWSConnection{}
	client := NewClient(conn, "user1", "User", types.KindUser)

	go client.writePump()

	client.send <- types.Frame{Namespace: "chat", Message: "new_message"}
	client.Close("done")

	require.Eventually(t, func() bool {
		return conn.writeCount() > 0
	}, time.Second, 10*time.Millisecond)
}
