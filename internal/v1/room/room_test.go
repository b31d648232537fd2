package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/couchcinema/watchparty/internal/v1/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitTimeout = 2 * time.Second
	waitTick    = 5 * time.Millisecond
)

func newTestRoom(t *testing.T, maxUsers int) *Room {
	t.Helper()
	data := NewVideoData("https://example.com/v.mp4", "", PlayerNormal, PermissionRestricted)
	r := NewRoom(context.Background(), ident.New(), "movie night", data, maxUsers, nil)
	t.Cleanup(r.Close)
	return r
}

func TestSeatAccounting(t *testing.T) {
	r := newTestRoom(t, 2)

	assert.True(t, r.IsEmpty())
	assert.Equal(t, 2, r.Remaining())

	assert.True(t, r.TryJoin())
	assert.True(t, r.TryJoin())
	assert.True(t, r.IsFull())
	assert.Equal(t, 2, r.Occupancy())

	// Third join must fail and never drive the counter below zero.
	assert.False(t, r.TryJoin())
	assert.Equal(t, 0, r.Remaining())

	assert.False(t, r.Leave())
	empty := r.Leave()
	assert.True(t, empty)
	assert.True(t, r.IsEmpty())

	// Extra leaves saturate at capacity.
	assert.True(t, r.Leave())
	assert.Equal(t, 2, r.Remaining())
}

func TestSeatAccounting_Concurrent(t *testing.T) {
	r := newTestRoom(t, 10)

	var wg sync.WaitGroup
	joined := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			joined <- r.TryJoin()
		}()
	}
	wg.Wait()
	close(joined)

	succeeded := 0
	for ok := range joined {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 0, r.Remaining())
}

func TestBroadcast_FanOut(t *testing.T) {
	r := newTestRoom(t, 3)

	a := r.Subscribe(ident.New())
	b := r.Subscribe(ident.New())

	frame := []byte("||-=-||seek-=-60250")
	r.Publish(frame)

	got := <-a
	assert.Equal(t, frame, got)
	got = <-b
	assert.Equal(t, frame, got)
}

func TestBroadcast_Ordering(t *testing.T) {
	r := newTestRoom(t, 5)
	sub := r.Subscribe(ident.New())

	frames := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, f := range frames {
		r.Publish(f)
	}

	for _, want := range frames {
		assert.Equal(t, want, <-sub)
	}
}

func TestBroadcast_LaggingSubscriberDropped(t *testing.T) {
	r := newTestRoom(t, 2)

	laggard := ident.New()
	sub := r.Subscribe(laggard)

	// Fill the subscriber buffer (capacity == maxUsers) and overflow it.
	for i := 0; i < r.MaxUsers()+1; i++ {
		r.Publish([]byte("frame"))
	}

	// The channel must have been closed after draining its buffer.
	var closed bool
	for i := 0; i < r.MaxUsers()+1; i++ {
		if _, ok := <-sub; !ok {
			closed = true
			break
		}
	}
	assert.True(t, closed, "lagging subscriber channel should be closed")

	// The room itself keeps working for healthy subscribers.
	healthy := r.Subscribe(ident.New())
	r.Publish([]byte("after"))
	assert.Equal(t, []byte("after"), <-healthy)
}

func TestUnsubscribe(t *testing.T) {
	r := newTestRoom(t, 2)

	id := ident.New()
	sub := r.Subscribe(id)
	r.Unsubscribe(id)

	_, ok := <-sub
	assert.False(t, ok)

	// Double unsubscribe is a no-op.
	r.Unsubscribe(id)
}

func TestClose_ClosesSubscribers(t *testing.T) {
	data := NewVideoData("u", "", PlayerNormal, PermissionRestricted)
	r := NewRoom(context.Background(), ident.New(), "r", data, 2, nil)

	sub := r.Subscribe(ident.New())
	r.Close()

	_, ok := <-sub
	assert.False(t, ok)

	// Subscribing after close yields an already-closed channel.
	late := r.Subscribe(ident.New())
	_, ok = <-late
	assert.False(t, ok)

	// Publishing after close must not panic.
	r.Publish([]byte("ignored"))

	// Double close is a no-op.
	r.Close()
}

// mockRelay records published frames and lets the test inject remote ones.
type mockRelay struct {
	mu        sync.Mutex
	published [][]byte
	handlers  map[string]func([]byte)
}

func newMockRelay() *mockRelay {
	return &mockRelay{handlers: make(map[string]func([]byte))}
}

func (m *mockRelay) PublishFrame(_ context.Context, roomID string, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, frame)
	return nil
}

func (m *mockRelay) SubscribeFrames(_ context.Context, roomID string, _ *sync.WaitGroup, handler func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[roomID] = handler
}

func (m *mockRelay) publishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func TestRelay_PublishAndDeliver(t *testing.T) {
	relay := newMockRelay()
	data := NewVideoData("u", "", PlayerNormal, PermissionRestricted)
	id := ident.New()
	r := NewRoom(context.Background(), id, "r", data, 2, relay)
	defer r.Close()

	sub := r.Subscribe(ident.New())

	r.Publish([]byte("local"))
	assert.Equal(t, []byte("local"), <-sub)

	require.Eventually(t, func() bool { return relay.publishedCount() == 1 },
		waitTimeout, waitTick, "frame should reach the relay")

	// A frame arriving from another instance is delivered locally but not
	// re-relayed.
	relay.handlers[id.String()]([]byte("remote"))
	assert.Equal(t, []byte("remote"), <-sub)
	assert.Equal(t, 1, relay.publishedCount())
}

func TestRelay_PublishRacesClose(t *testing.T) {
	relay := newMockRelay()
	data := NewVideoData("u", "", PlayerNormal, PermissionRestricted)
	r := NewRoom(context.Background(), ident.New(), "r", data, 4, relay)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				r.Publish([]byte("frame"))
			}
		}()
	}
	close(start)
	r.Close()
	wg.Wait()

	// Every relay goroutine admitted before the close has drained by now;
	// a closed room accepts no further relay work.
	before := relay.publishedCount()
	r.Publish([]byte("late"))
	assert.Equal(t, before, relay.publishedCount())
}
