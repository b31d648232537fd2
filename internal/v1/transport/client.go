package transport

import (
	"strconv"
	"sync"
	"time"

	"github.com/couchcinema/watchparty/internal/v1/ident"
	"github.com/couchcinema/watchparty/internal/v1/logging"
	"github.com/couchcinema/watchparty/internal/v1/metrics"
	"github.com/couchcinema/watchparty/internal/v1/packet"
	"github.com/couchcinema/watchparty/internal/v1/room"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

// outMessage is one item in a connection's outbox. Close frames travel
// through the outbox too, so the write pump stays the sole socket writer.
type outMessage struct {
	messageType int
	data        []byte
}

// Client is the per-connection actor: a write pump draining the outbox and
// the room broadcast, a read pump racing frames against the heartbeat timer,
// and a supervisor (the read pump's teardown) running leave accounting.
type Client struct {
	conn wsConnection
	hub  *Hub
	room *room.Room

	ID         ident.ID
	Name       string
	Permission room.Permission

	outbox    chan outMessage
	broadcast <-chan []byte

	// done stops the socket reader goroutine when the actor exits first.
	done     chan struct{}
	mu       sync.Mutex
	closed   bool
	teardown sync.Once

	// heartbeatWindow is ClientTimeout, shortened in tests.
	heartbeatWindow time.Duration
	missedPings     int
}

const outboxSize = 256

func newClient(hub *Hub, r *room.Room, conn wsConnection, id ident.ID, name string, perm room.Permission) *Client {
	return &Client{
		conn:            conn,
		hub:             hub,
		room:            r,
		ID:              id,
		Name:            name,
		Permission:      perm,
		outbox:          make(chan outMessage, outboxSize),
		done:            make(chan struct{}),
		heartbeatWindow: ClientTimeout,
	}
}

// Send encodes a control packet and enqueues it as a direct message.
func (c *Client) Send(packetType string, args ...string) {
	c.enqueue(outMessage{messageType: websocket.TextMessage, data: packet.Encode(packetType, args...)})
}

// SendRaw enqueues pre-serialized frame bytes as a direct message.
func (c *Client) SendRaw(data []byte) {
	c.enqueue(outMessage{messageType: websocket.TextMessage, data: data})
}

func (c *Client) enqueueClose(code int, reason string) {
	c.enqueue(outMessage{
		messageType: websocket.CloseMessage,
		data:        websocket.FormatCloseMessage(code, reason),
	})
}

func (c *Client) enqueue(msg outMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		logging.GetLogger().Debug("Skipping send to closed client", zap.String("userId", c.ID.String()))
		return
	}
	c.mu.Unlock()

	select {
	case c.outbox <- msg:
	default:
		logging.Warn(c.hub.ctx, "Client outbox full - dropping direct message", zap.String("userId", c.ID.String()))
	}
}

// writePump is the only goroutine writing to the socket. It drains the
// outbox and the broadcast subscription; either source closing, a close
// frame, or a write error ends it, which in turn unblocks the read pump.
func (c *Client) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for {
		select {
		case msg, ok := <-c.outbox:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				logging.Error(c.hub.ctx, "error writing direct message", zap.Error(err))
				return
			}
			if msg.messageType == websocket.CloseMessage {
				return
			}
		case frame, ok := <-c.broadcast:
			if !ok {
				// Room closed or this subscriber lagged and was dropped.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Error(c.hub.ctx, "error writing broadcast", zap.Error(err))
				return
			}
		}
	}
}

// readPump races inbound frames against the heartbeat timer. Each timeout
// window without a frame counts a missed ping; exceeding MaxMissedPings ends
// the connection. Its deferred teardown is the actor's supervisor.
func (c *Client) readPump() {
	defer c.shutdown()

	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			messageType, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			select {
			case frames <- data:
			case <-c.done:
				return
			}
		}
	}()

	timer := time.NewTimer(c.heartbeatWindow)
	defer timer.Stop()

	for {
		select {
		case data, ok := <-frames:
			if !ok {
				return
			}
			if c.handleFrame(string(data)) {
				c.missedPings = 0
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.heartbeatWindow)
		case <-timer.C:
			c.missedPings++
			if c.missedPings > MaxMissedPings {
				logging.Info(c.hub.ctx, "Dropping unresponsive connection",
					zap.String("userId", c.ID.String()), zap.Int("missedPings", c.missedPings))
				return
			}
			timer.Reset(c.heartbeatWindow)
		}
	}
}

// shutdown runs the leave protocol exactly once: stop both pumps, free the
// seat, tell the remaining participants, and drop the registry entry.
func (c *Client) shutdown() {
	c.teardown.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()
		c.room.Unsubscribe(c.ID)

		empty := c.hub.LeaveRoom(c.room)
		if !empty {
			c.room.Publish(packet.Encode(packet.TypeLeft, c.Name, c.ID.String()))
		}

		c.hub.removeUser(c.ID)
		metrics.DecConnection()
		logging.Info(c.hub.ctx, "Connection closed",
			zap.String("userId", c.ID.String()), zap.String("roomId", c.room.ID.String()))
	})
}

// handleFrame dispatches one inbound control frame. The return value reports
// whether the frame counts as a heartbeat: decodable frames do, including
// ones rejected for out-of-bounds values; undecodable ones do not.
func (c *Client) handleFrame(frame string) (heartbeat bool) {
	start := time.Now()

	packetType, args, err := packet.Decode(frame)
	if err != nil {
		metrics.PacketsProcessed.WithLabelValues("malformed", "rejected").Inc()
		return false
	}

	// Bring the projection up to date before any comparison against it.
	c.room.Data().Refresh()

	var status string
	switch packetType {
	case packet.TypeState:
		status = c.handleState(args)
	case packet.TypeSeek, packet.TypePlay, packet.TypePause:
		status = c.handleTransport(packetType, args)
	default:
		metrics.PacketsProcessed.WithLabelValues(packetType, "malformed").Inc()
		return false
	}

	metrics.PacketsProcessed.WithLabelValues(packetType, status).Inc()
	metrics.PacketProcessingDuration.WithLabelValues(packetType).Observe(time.Since(start).Seconds())

	// A frame that could not be parsed is not a heartbeat; one that parsed
	// but carried out-of-bounds values still is.
	return status != "malformed"
}

// handleState implements the drift check. A privileged sender whose report
// disagrees with the stored state overwrites it and triggers a resync
// broadcast; a restricted sender is corrected directly. Agreement within
// SyncTimeout answers with state_ok either way.
func (c *Client) handleState(args []string) string {
	if len(args) != 2 {
		return "malformed"
	}
	timeMs, err := parseSeconds(args[0])
	if err != nil {
		return "malformed"
	}
	state, err := parseState(args[1])
	if err != nil {
		return "malformed"
	}
	if timeMs < 0 || timeMs > room.MaxVideoLen || state > room.StateMax {
		return "rejected"
	}

	data := c.room.Data()
	storedMs, storedState := data.Projected()
	drift := timeMs - storedMs
	if drift < 0 {
		drift = -drift
	}
	needsUpdate := state != storedState || drift > SyncTimeoutMs

	if !needsUpdate {
		c.Send(packet.TypeStateOK)
		return "ok"
	}

	if c.Permission.Has(room.PermissionControllable) {
		data.SetState(timeMs, state)
		c.room.Publish(packet.Encode(packet.TypeState, formatMs(timeMs), strconv.Itoa(int(state))))
		return "broadcast"
	}

	// Restricted senders get corrected with the authoritative state.
	c.Send(packet.TypeState, formatMs(storedMs), strconv.Itoa(int(storedState)))
	return "corrected"
}

// handleTransport implements seek, play and pause.
func (c *Client) handleTransport(packetType string, args []string) string {
	if len(args) != 1 {
		return "malformed"
	}
	timeMs, err := parseSeconds(args[0])
	if err != nil {
		return "malformed"
	}
	if timeMs < 0 || timeMs > room.MaxVideoLen {
		return "rejected"
	}

	data := c.room.Data()

	if !c.Permission.Has(room.PermissionControllable) {
		// No mutation: answer with a fresh snapshot of the authoritative state.
		snapshot, err := data.SnapshotJSON(c.Permission)
		if err != nil {
			logging.Error(c.hub.ctx, "Failed to serialize snapshot", zap.Error(err))
			return "error"
		}
		c.Send(packet.TypeVideoData, string(snapshot))
		return "corrected"
	}

	switch packetType {
	case packet.TypeSeek:
		data.SetTime(timeMs)
	case packet.TypePlay:
		data.SetState(timeMs, room.StatePlay)
	case packet.TypePause:
		data.SetState(timeMs, room.StatePause)
	}

	c.room.Publish(packet.Encode(packetType, formatMs(timeMs)))
	return "broadcast"
}

// SyncTimeoutMs is room.SyncTimeout in the milliseconds the drift math uses.
const SyncTimeoutMs = int64(room.SyncTimeout / time.Millisecond)

// parseSeconds converts a client-reported position (float seconds) to
// milliseconds. Bounds are checked by the caller: an unparseable value is
// not a valid frame, while an out-of-bounds one is received but rejected.
func parseSeconds(arg string) (int64, error) {
	seconds, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, err
	}
	return int64(seconds * 1000), nil
}

func parseState(arg string) (uint8, error) {
	n, err := strconv.ParseUint(arg, 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(n), nil
}

func formatMs(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
