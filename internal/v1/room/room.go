package room

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/couchcinema/watchparty/internal/v1/ident"
	"github.com/couchcinema/watchparty/internal/v1/logging"
	"github.com/couchcinema/watchparty/internal/v1/metrics"
	"go.uber.org/zap"
)

// MaxUsers is the server-side hard cap on a room's configured capacity.
const MaxUsers = 100

// FrameRelay moves already-serialized frames between server instances.
// A nil relay means single-instance mode.
type FrameRelay interface {
	// PublishFrame forwards a frame to the other instances watching the room.
	PublishFrame(ctx context.Context, roomID string, frame []byte) error
	// SubscribeFrames invokes handler for every frame published by another
	// instance until the context is cancelled.
	SubscribeFrames(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(frame []byte))
}

// Room is one synchronized playback session. It exclusively owns its
// VideoData and its broadcast fan-out; connection lifetimes are owned by the
// transport layer.
type Room struct {
	ID   ident.ID
	Name string

	data      *VideoData
	maxUsers  int32
	remaining atomic.Int32

	mu          sync.Mutex
	subscribers map[ident.ID]chan []byte
	closed      bool

	relay FrameRelay

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRoom creates a room with all seats free. When a relay is configured the
// room re-delivers frames published by other instances to its local
// subscribers.
func NewRoom(ctx context.Context, id ident.ID, name string, data *VideoData, maxUsers int, relay FrameRelay) *Room {
	r := &Room{
		ID:          id,
		Name:        name,
		data:        data,
		maxUsers:    int32(maxUsers),
		subscribers: make(map[ident.ID]chan []byte),
		relay:       relay,
	}
	r.remaining.Store(int32(maxUsers))
	r.ctx, r.cancel = context.WithCancel(ctx)

	if relay != nil {
		relay.SubscribeFrames(r.ctx, id.String(), &r.wg, r.publishLocal)
	}

	return r
}

// Data returns the room's playback state.
func (r *Room) Data() *VideoData {
	return r.data
}

// MaxUsers returns the configured seat count.
func (r *Room) MaxUsers() int {
	return int(r.maxUsers)
}

// Remaining returns the number of free seats.
func (r *Room) Remaining() int {
	return int(r.remaining.Load())
}

// Occupancy returns the number of taken seats.
func (r *Room) Occupancy() int {
	return int(r.maxUsers - r.remaining.Load())
}

// IsFull reports whether every seat is taken.
func (r *Room) IsFull() bool {
	return r.remaining.Load() == 0
}

// IsEmpty reports whether no seat is taken.
func (r *Room) IsEmpty() bool {
	return r.remaining.Load() == r.maxUsers
}

// TryJoin atomically claims a seat. It reports false when the room is full
// and never drives the counter below zero.
func (r *Room) TryJoin() bool {
	for {
		current := r.remaining.Load()
		if current <= 0 {
			return false
		}
		if r.remaining.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

// Leave frees a seat, saturating at the configured capacity. It reports
// whether the room became empty.
func (r *Room) Leave() (empty bool) {
	for {
		current := r.remaining.Load()
		next := current + 1
		if next > r.maxUsers {
			next = r.maxUsers
		}
		if r.remaining.CompareAndSwap(current, next) {
			return next == r.maxUsers
		}
	}
}

// Subscribe attaches a broadcast subscriber. The returned channel is closed
// when the room closes or when the subscriber lags behind; either way the
// owning connection is expected to exit.
func (r *Room) Subscribe(userID ident.ID) <-chan []byte {
	ch := make(chan []byte, r.maxUsers)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch
	}
	r.subscribers[userID] = ch
	return ch
}

// Unsubscribe detaches a broadcast subscriber.
func (r *Room) Unsubscribe(userID ident.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subscribers[userID]; ok {
		delete(r.subscribers, userID)
		close(ch)
	}
}

// Publish fans the frame out to every local subscriber and forwards it to the
// relay. The payload is serialized once by the caller; subscribers write the
// same bytes straight to their sockets.
func (r *Room) Publish(frame []byte) {
	r.publishLocal(frame)

	if r.relay == nil {
		return
	}

	// The Add must not race the Wait in Close, so it is taken under the same
	// lock that flips closed.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := r.relay.PublishFrame(r.ctx, r.ID.String(), frame); err != nil {
			logging.Error(r.ctx, "Failed to relay frame", zap.String("roomId", r.ID.String()), zap.Error(err))
		}
	}()
}

// publishLocal delivers to local subscribers only. Publishing never blocks: a
// subscriber whose buffer is full is dropped from the subscription and its
// connection exits via its read path.
func (r *Room) publishLocal(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	for id, ch := range r.subscribers {
		select {
		case ch <- frame:
		default:
			logging.Warn(r.ctx, "Dropping lagging broadcast subscriber",
				zap.String("roomId", r.ID.String()), zap.String("userId", id.String()))
			metrics.BroadcastDrops.Inc()
			delete(r.subscribers, id)
			close(ch)
		}
	}
}

// Close shuts the broadcast down. Every subscriber channel is closed, which
// makes the attached connections observe end-of-stream and run their leave
// accounting.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, ch := range r.subscribers {
		delete(r.subscribers, id)
		close(ch)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
