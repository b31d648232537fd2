package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("mock connection closed")

// writtenMessage records one WriteMessage call.
type writtenMessage struct {
	messageType int
	data        []byte
}

// MockConnection implements wsConnection. Inbound frames are scripted with
// PushText; outbound writes are recorded and observable via Written.
type MockConnection struct {
	mu      sync.Mutex
	inbound chan []byte
	written []writtenMessage

	closed    chan struct{}
	closeOnce sync.Once

	WriteMessageFunc func(messageType int, data []byte) error
}

func newMockConnection() *MockConnection {
	return &MockConnection{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

// PushText queues a text frame for the next ReadMessage call.
func (m *MockConnection) PushText(data string) {
	m.inbound <- []byte(data)
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.inbound:
		return websocket.TextMessage, data, nil
	case <-m.closed:
		return 0, nil, errConnClosed
	}
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, writtenMessage{messageType: messageType, data: data})
	return nil
}

func (m *MockConnection) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *MockConnection) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error { return nil }
func (m *MockConnection) SetReadDeadline(_ time.Time) error  { return nil }

// Written snapshots the recorded writes.
func (m *MockConnection) Written() []writtenMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]writtenMessage, len(m.written))
	copy(out, m.written)
	return out
}

// WaitForWrite polls until a recorded write satisfies the predicate.
func (m *MockConnection) WaitForWrite(timeout time.Duration, predicate func(writtenMessage) bool) (writtenMessage, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, msg := range m.Written() {
			if predicate(msg) {
				return msg, true
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	return writtenMessage{}, false
}
