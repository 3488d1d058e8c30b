package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type wsFrame struct {
	messageType int
	data        []byte
}

// scriptedWS feeds a fixed sequence of frames to the read pump and records
// everything the write pump emits.
type scriptedWS struct {
	frames chan wsFrame

	mu      sync.Mutex
	written []wsFrame
	closed  bool
}

func newScriptedWS() *scriptedWS {
	return &scriptedWS{frames: make(chan wsFrame, 16)}
}

func (w *scriptedWS) ReadMessage() (int, []byte, error) {
	f, ok := <-w.frames
	if !ok {
		return 0, nil, errors.New("connection dropped")
	}
	return f.messageType, f.data, nil
}

func (w *scriptedWS) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	w.written = append(w.written, wsFrame{messageType, data})
	w.mu.Unlock()
	return nil
}

func (w *scriptedWS) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *scriptedWS) SetWriteDeadline(time.Time) error { return nil }

func (w *scriptedWS) writtenFrames() []wsFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]wsFrame, len(w.written))
	copy(out, w.written)
	return out
}

type recordingHandler struct {
	mu       sync.Mutex
	messages [][]byte
	closed   chan struct{}
	once     sync.Once
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan struct{})}
}

func (h *recordingHandler) HandleMessage(c *Conn, data []byte) {
	h.mu.Lock()
	h.messages = append(h.messages, data)
	h.mu.Unlock()
}

func (h *recordingHandler) HandleClose(c *Conn) {
	h.once.Do(func() { close(h.closed) })
}

func (h *recordingHandler) all() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.messages))
	copy(out, h.messages)
	return out
}

func waitClosed(t *testing.T, h *recordingHandler) {
	t.Helper()
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler close not reported")
	}
}

func TestConnDeliversFramesInOrder(t *testing.T) {
	ws := newScriptedWS()
	h := newRecordingHandler()
	c := NewConn(ws, h)
	c.Start()

	defer c.Close()

	ws.frames <- wsFrame{websocket.TextMessage, []byte(`{"action":"a"}`)}
	ws.frames <- wsFrame{websocket.BinaryMessage, []byte(`{"action":"b"}`)}
	close(ws.frames)

	waitClosed(t, h)
	got := h.all()
	require.Len(t, got, 2)
	assert.Equal(t, []byte(`{"action":"a"}`), got[0])
	assert.Equal(t, []byte(`{"action":"b"}`), got[1])
}

func TestConnIgnoresControlFrames(t *testing.T) {
	ws := newScriptedWS()
	h := newRecordingHandler()
	c := NewConn(ws, h)
	c.Start()

	defer c.Close()

	ws.frames <- wsFrame{websocket.PingMessage, nil}
	ws.frames <- wsFrame{websocket.TextMessage, []byte(`{"action":"a"}`)}
	close(ws.frames)

	waitClosed(t, h)
	assert.Len(t, h.all(), 1)
}

func TestConnSendJSONReachesTheWire(t *testing.T) {
	ws := newScriptedWS()
	h := newRecordingHandler()
	c := NewConn(ws, h)
	c.Start()
	defer c.Close()
	defer close(ws.frames)

	c.SendJSON(map[string]any{"type": "sync"})

	require.Eventually(t, func() bool {
		return len(ws.writtenFrames()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	frame := ws.writtenFrames()[0]
	assert.Equal(t, websocket.TextMessage, frame.messageType)
	assert.JSONEq(t, `{"type":"sync"}`, string(frame.data))
}

func TestConnCloseDrainsThenSendsCloseFrame(t *testing.T) {
	ws := newScriptedWS()
	h := newRecordingHandler()
	c := NewConn(ws, h)
	c.Start()
	defer close(ws.frames)

	c.Send([]byte(`{"type":"sync"}`))
	c.Close()
	c.Close() // idempotent

	require.Eventually(t, func() bool {
		frames := ws.writtenFrames()
		return len(frames) == 2 && frames[1].messageType == websocket.CloseMessage
	}, 2*time.Second, 5*time.Millisecond)

	// Frames sent after close are dropped without panicking.
	c.Send([]byte(`late`))
	c.SendJSON(map[string]any{"type": "late"})
}

func TestConnStateRoundTrip(t *testing.T) {
	c := NewConn(newScriptedWS(), newRecordingHandler())

	assert.Equal(t, SessionState{}, c.State())
	c.SetState(SessionState{PublicID: "pub", PrivateID: "priv"})
	assert.Equal(t, SessionState{PublicID: "pub", PrivateID: "priv"}, c.State())
}
