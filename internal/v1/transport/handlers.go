package transport

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcinema/watchparty/internal/v1/auth"
	"github.com/couchcinema/watchparty/internal/v1/ident"
	"github.com/couchcinema/watchparty/internal/v1/logging"
	"github.com/couchcinema/watchparty/internal/v1/metrics"
	"github.com/couchcinema/watchparty/internal/v1/packet"
	"github.com/couchcinema/watchparty/internal/v1/room"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	ownerAuthCookie   = "owner_auth"
	checkedAuthCookie = "checked_auth"
)

type createRoomRequest struct {
	Name          string `json:"name"`
	CreatorName   string `json:"creator_name"`
	VideoURL      string `json:"video_url"`
	CCURL         string `json:"cc_url"`
	MaxUsers      int    `json:"max_users"`
	GlobalControl bool   `json:"global_control"`
	PlayerIndex   int    `json:"player_index"`
}

type joinRoomRequest struct {
	RoomID string `json:"room_id"`
}

// CreateRoomHandler handles POST /room/create: allocates the room and sets
// the signed owner credential as an HTTP-only cookie.
func (h *Hub) CreateRoomHandler(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	userAgent := c.Request.UserAgent()
	if userAgent == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "user agent required"})
		return
	}
	if req.CreatorName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "creator_name required"})
		return
	}
	if req.PlayerIndex < 0 || req.PlayerIndex > int(room.PlayerMax) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown player_index"})
		return
	}

	perm := room.PermissionRestricted
	if req.GlobalControl {
		perm = room.PermissionAll
	}

	data := room.NewVideoData(req.VideoURL, req.CCURL, uint8(req.PlayerIndex), perm)
	r, err := h.CreateRoom(req.Name, data, req.MaxUsers)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims := auth.NewOwnerClaims(r.ID, c.ClientIP(), userAgent, req.CreatorName)
	token, err := h.signer.Sign(claims)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to sign owner token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.SetCookie(ownerAuthCookie, token, int(auth.Expiration.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"id": r.ID.String(), "ws_path": DefaultWSPath})
}

// JoinRoomHandler handles POST /room/join. When the caller's owner cookie
// validates against the room, a single-use checked-auth ticket is minted so
// the upgrade can promote the connection without a join_room handshake.
func (h *Hub) JoinRoomHandler(c *gin.Context) {
	var req joinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	roomID, err := ident.Parse(req.RoomID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrNoRoom.Error()})
		return
	}

	r, err := h.VerifyRoom(roomID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	autoConnect := false
	if claims := h.ownerClaimsFromCookie(c, roomID); claims != nil {
		ticket := h.tickets.Add(claims)
		c.SetCookie(checkedAuthCookie, ticket.String(), int(auth.CheckedAuthExpiration.Seconds()), "/", "", false, true)
		autoConnect = true
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id":      r.ID.String(),
		"name":         r.Name,
		"ws_path":      DefaultWSPath,
		"auto_connect": autoConnect,
	})
}

// RoomPageHandler handles GET /room/:id, rendering the player page.
func (h *Hub) RoomPageHandler(c *gin.Context) {
	roomID, err := ident.Parse(c.Param("id"))
	if err != nil {
		c.String(http.StatusNotFound, "room not found")
		return
	}
	r, err := h.GetRoom(roomID)
	if err != nil {
		c.String(http.StatusNotFound, "room not found")
		return
	}

	c.HTML(http.StatusOK, "room.html", gin.H{
		"RoomID":      r.ID.String(),
		"RoomName":    r.Name,
		"WSPath":      DefaultWSPath,
		"AutoConnect": h.ownerClaimsFromCookie(c, roomID) != nil,
	})
}

// ownerClaimsFromCookie returns the verified owner claims bound to this
// caller and room, or nil. All failures are silent: an invalid cookie just
// means no auto-connect.
func (h *Hub) ownerClaimsFromCookie(c *gin.Context, roomID ident.ID) *auth.OwnerClaims {
	token, err := c.Cookie(ownerAuthCookie)
	if err != nil || token == "" {
		return nil
	}
	claims, err := h.signer.Verify(token)
	if err != nil {
		return nil
	}
	if !claims.Matches(roomID, c.ClientIP(), c.Request.UserAgent()) {
		return nil
	}
	return claims
}

// ServeWs handles GET /room/ws: upgrades the socket, then runs the join
// handshake. A valid checked-auth ticket promotes the connection to owner;
// otherwise the server waits for a guest join_room frame.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	h.handshake(conn, c.ClientIP(), c.Request.UserAgent(), c.Request)
}

// handshake runs the two join paths and, on success, starts the connection
// actor. On rejection it sends a close frame with the reason and hangs up.
func (h *Hub) handshake(conn wsConnection, ip, userAgent string, req *http.Request) {
	if claims := h.consumeTicket(req, ip, userAgent); claims != nil {
		h.ownerJoin(conn, claims)
		return
	}
	h.guestJoin(conn)
}

// consumeTicket resolves the checked-auth cookie into owner claims. The
// predicate re-binds ip and user-agent; the ticket is spent regardless of
// the outcome. Every failure is silent so the connection falls through to
// the guest handshake.
func (h *Hub) consumeTicket(req *http.Request, ip, userAgent string) *auth.OwnerClaims {
	cookie, err := req.Cookie(checkedAuthCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	ticketID, err := ident.Parse(cookie.Value)
	if err != nil {
		return nil
	}
	claims, err := h.tickets.Consume(ticketID, func(claims *auth.OwnerClaims) bool {
		return claims.BoundTo(ip, userAgent)
	})
	if err != nil {
		return nil
	}
	return claims
}

func (h *Hub) ownerJoin(conn wsConnection, claims *auth.OwnerClaims) {
	userID, r, err := h.JoinRoom(claims.RoomID)
	if err != nil {
		rejectConn(conn, err)
		return
	}

	token, err := h.signer.Sign(claims)
	if err != nil {
		logging.Error(h.ctx, "Failed to re-sign owner token", zap.Error(err))
		h.LeaveRoom(r)
		rejectConn(conn, err)
		return
	}

	logging.Info(h.ctx, "Owner reconnected",
		zap.String("roomId", claims.RoomID.String()),
		zap.String("userId", userID.String()),
		zap.String("token", logging.RedactToken(token)))

	client := h.startClient(conn, r, userID, claims.Username, room.PermissionAll)
	client.Send(packet.TypeAuth, token, strconv.FormatInt(claims.ExpMillis(), 10))
	h.completeJoin(client)
}

func (h *Hub) guestJoin(conn wsConnection) {
	roomID, name, err := awaitJoinFrame(conn)
	if err != nil {
		rejectConn(conn, err)
		return
	}

	userID, r, err := h.JoinRoom(roomID)
	if err != nil {
		rejectConn(conn, err)
		return
	}

	client := h.startClient(conn, r, userID, name, r.Data().Permission())
	h.completeJoin(client)
}

// awaitJoinFrame waits for the single join_room frame that opens the guest
// path, bounded by ClientTimeout.
func awaitJoinFrame(conn wsConnection) (ident.ID, string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(ClientTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return ident.Nil, "", packet.ErrMalformed
		}
		if messageType != websocket.TextMessage {
			continue
		}

		packetType, args, err := packet.Decode(string(data))
		if err != nil || packetType != packet.TypeJoinRoom || len(args) != 2 {
			return ident.Nil, "", packet.ErrMalformed
		}
		roomID, err := ident.Parse(args[0])
		if err != nil {
			return ident.Nil, "", ErrNoRoom
		}
		return roomID, args[1], nil
	}
}

// startClient wires the actor to the room: the broadcast subscription is
// taken before the joined announcement so the connection sees its own join.
func (h *Hub) startClient(conn wsConnection, r *room.Room, userID ident.ID, name string, perm room.Permission) *Client {
	client := newClient(h, r, conn, userID, name, perm)
	client.broadcast = r.Subscribe(userID)
	h.registerUser(client)
	metrics.IncConnection()

	logging.Info(h.ctx, "Connection joined room",
		zap.String("userId", userID.String()),
		zap.String("roomId", r.ID.String()),
		zap.String("name", name))
	return client
}

// completeJoin publishes the join announcement, delivers the initial
// snapshot, and starts the pumps.
func (h *Hub) completeJoin(client *Client) {
	client.room.Publish(packet.Encode(packet.TypeJoined, client.Name, client.ID.String()))

	snapshot, err := client.room.Data().SnapshotJSON(client.Permission)
	if err != nil {
		logging.Error(h.ctx, "Failed to serialize initial snapshot", zap.Error(err))
	} else {
		client.Send(packet.TypeVideoData, string(snapshot))
	}

	go client.writePump()
	go client.readPump()
}

// rejectConn tells the peer why the handshake failed and hangs up. This is
// the only phase with a visible error close frame.
func rejectConn(conn wsConnection, err error) {
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, closeReason(err))
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

// closeReason maps handshake errors to the short labels clients display.
func closeReason(err error) string {
	switch {
	case errors.Is(err, ErrNoRoom):
		return "NoRoom"
	case errors.Is(err, ErrRoomFull):
		return "RoomFull"
	default:
		return "Invalid"
	}
}

// validateOrigin checks if the request origin is in the allowed list.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil // non-browser client
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return err
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(r.Context(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return errOriginNotAllowed
}

var errOriginNotAllowed = errors.New("origin not allowed")
