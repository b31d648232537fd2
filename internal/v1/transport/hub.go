// Package transport owns the WebSocket surface: the Hub with its room and
// user registries, the per-connection actor, and the HTTP handlers that mint
// rooms and owner credentials.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/couchcinema/watchparty/internal/v1/auth"
	"github.com/couchcinema/watchparty/internal/v1/ident"
	"github.com/couchcinema/watchparty/internal/v1/logging"
	"github.com/couchcinema/watchparty/internal/v1/metrics"
	"github.com/couchcinema/watchparty/internal/v1/ratelimit"
	"github.com/couchcinema/watchparty/internal/v1/room"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// ClientTimeout bounds receive inactivity on a connection and doubles as
	// the grace period before an empty room is torn down.
	ClientTimeout = 2 * time.Minute
	// MaxMissedPings is how many consecutive ClientTimeout windows may elapse
	// without a heartbeat before the connection is dropped.
	MaxMissedPings = 2
	// DefaultWSPath is the upgrade path handed to clients in create/join
	// responses.
	DefaultWSPath = "room/ws"
)

var (
	ErrMaxUserExceeded = errors.New("max_users exceeds the server cap")
	ErrNoRoom          = errors.New("the specified room doesn't exist")
	ErrRoomFull        = errors.New("the room is full")
	ErrNoUser          = errors.New("the specified user doesn't exist")
)

// Hub is the central coordinator: it owns the room registry, the user
// registry, and the credential stores shared by the HTTP and WebSocket
// layers.
type Hub struct {
	mu                  sync.Mutex
	rooms               map[ident.ID]*room.Room
	pendingRoomCleanups map[ident.ID]*time.Timer

	usersMu sync.RWMutex
	users   map[ident.ID]*Client

	signer      *auth.Signer
	tickets     *auth.CheckedAuthStore
	relay       room.FrameRelay
	rateLimiter *ratelimit.RateLimiter

	allowedOrigins     []string
	cleanupGracePeriod time.Duration
	ctx                context.Context
}

// NewHub creates a Hub and configures it with its dependencies. A nil relay
// means single-instance mode; a nil rateLimiter disables limiting (tests).
func NewHub(ctx context.Context, signer *auth.Signer, tickets *auth.CheckedAuthStore, relay room.FrameRelay, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string) *Hub {
	return &Hub{
		rooms:               make(map[ident.ID]*room.Room),
		pendingRoomCleanups: make(map[ident.ID]*time.Timer),
		users:               make(map[ident.ID]*Client),
		signer:              signer,
		tickets:             tickets,
		relay:               relay,
		rateLimiter:         rateLimiter,
		allowedOrigins:      allowedOrigins,
		cleanupGracePeriod:  ClientTimeout,
		ctx:                 ctx,
	}
}

// CreateRoom allocates a room with all seats free.
func (h *Hub) CreateRoom(name string, data *room.VideoData, maxUsers int) (*room.Room, error) {
	if maxUsers < 1 || maxUsers > room.MaxUsers {
		return nil, ErrMaxUserExceeded
	}

	r := room.NewRoom(h.ctx, ident.New(), name, data, maxUsers, h.relay)

	h.mu.Lock()
	h.rooms[r.ID] = r
	h.mu.Unlock()

	metrics.ActiveRooms.Inc()
	logging.Info(h.ctx, "Created room",
		zap.String("roomId", r.ID.String()),
		zap.String("name", name),
		zap.Int("maxUsers", maxUsers))
	return r, nil
}

// GetRoom looks a room up by id.
func (h *Hub) GetRoom(id ident.ID) (*room.Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		return nil, ErrNoRoom
	}
	return r, nil
}

// VerifyRoom checks that a room exists and still has a free seat, without
// claiming one.
func (h *Hub) VerifyRoom(id ident.ID) (*room.Room, error) {
	r, err := h.GetRoom(id)
	if err != nil {
		return nil, err
	}
	if r.IsFull() {
		return nil, ErrRoomFull
	}
	return r, nil
}

// JoinRoom atomically claims a seat and allocates a user id for the new
// connection. Any pending empty-room teardown is cancelled. The seat is
// claimed under the registry lock so the teardown callback, which takes the
// same lock, either runs before the join (room gone, ErrNoRoom) or sees the
// claimed seat in its emptiness re-check and keeps the room.
func (h *Hub) JoinRoom(id ident.ID) (ident.ID, *room.Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[id]
	if !ok {
		return ident.Nil, nil, ErrNoRoom
	}
	if timer, pending := h.pendingRoomCleanups[id]; pending {
		timer.Stop()
		delete(h.pendingRoomCleanups, id)
		logging.Info(h.ctx, "Cancelled pending room cleanup due to join", zap.String("roomId", id.String()))
	}
	if !r.TryJoin() {
		return ident.Nil, nil, ErrRoomFull
	}

	metrics.RoomOccupancy.WithLabelValues(id.String()).Set(float64(r.Occupancy()))
	return ident.New(), r, nil
}

// LeaveRoom frees the connection's seat. When the room becomes empty the
// grace teardown is armed. Reports whether the room is now empty.
func (h *Hub) LeaveRoom(r *room.Room) bool {
	empty := r.Leave()
	metrics.RoomOccupancy.WithLabelValues(r.ID.String()).Set(float64(r.Occupancy()))
	if empty {
		h.scheduleRoomCleanup(r.ID)
	}
	return empty
}

// scheduleRoomCleanup arms the delayed teardown of an empty room. The timer
// callback re-checks emptiness so an intervening join keeps the room alive
// even if the cancellation in JoinRoom raced the callback.
func (h *Hub) scheduleRoomCleanup(roomID ident.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.pendingRoomCleanups[roomID]; ok {
		existing.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	h.pendingRoomCleanups[roomID] = time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.pendingRoomCleanups, roomID)
		r, ok := h.rooms[roomID]
		if !ok {
			return
		}
		if !r.IsEmpty() {
			logging.Info(h.ctx, "Cancelled room cleanup - room is active", zap.String("roomId", roomID.String()))
			return
		}

		delete(h.rooms, roomID)
		metrics.ActiveRooms.Dec()
		metrics.RoomOccupancy.DeleteLabelValues(roomID.String())
		logging.Info(h.ctx, "Removed empty room after grace period", zap.String("roomId", roomID.String()))

		// Close outside the registry lock is not needed: the room is empty,
		// so there are no subscribers left to signal.
		r.Close()
	})
}

// registerUser records the connection so direct messages and kicks can reach
// it by user id.
func (h *Hub) registerUser(c *Client) {
	h.usersMu.Lock()
	defer h.usersMu.Unlock()
	h.users[c.ID] = c
}

func (h *Hub) removeUser(id ident.ID) {
	h.usersMu.Lock()
	defer h.usersMu.Unlock()
	delete(h.users, id)
}

// GetUser looks a connected user up by id.
func (h *Hub) GetUser(id ident.ID) (*Client, error) {
	h.usersMu.RLock()
	defer h.usersMu.RUnlock()
	c, ok := h.users[id]
	if !ok {
		return nil, ErrNoUser
	}
	return c, nil
}

// KickUser pushes a protocol-error close frame through the user's outbox.
// The connection tears itself down through its normal supervisor path.
func (h *Hub) KickUser(id ident.ID) error {
	c, err := h.GetUser(id)
	if err != nil {
		return err
	}
	logging.Info(h.ctx, "Kicking user", zap.String("userId", id.String()))
	c.enqueueClose(websocket.CloseProtocolError, "kicked")
	return nil
}

// UserCount returns the number of connected users across all rooms.
func (h *Hub) UserCount() int {
	h.usersMu.RLock()
	defer h.usersMu.RUnlock()
	return len(h.users)
}

// Shutdown closes all active rooms, which signals every attached connection
// through broadcast closure.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down Hub - closing all active rooms...")

	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	rooms := make([]*room.Room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
		metrics.ActiveRooms.Dec()
		metrics.RoomOccupancy.DeleteLabelValues(id.String())
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.Close()
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}
