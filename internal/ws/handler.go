package ws

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"messenger-service/internal/auth"
	"messenger-service/internal/delivery"
	"messenger-service/internal/observability"
	"messenger-service/internal/presence"
	"messenger-service/internal/repositories"
)

// Handler upgrades chat websocket connections and drives each session
// through its lifecycle: authenticate, register presence, join rooms, flush
// backlog, then serve live traffic.
type Handler struct {
	engine   *delivery.Engine
	registry presence.Registry
	rooms    repositories.RoomRepository
	resolver auth.TokenResolver
}

// NewHandler constructs a Handler.
func NewHandler(engine *delivery.Engine, registry presence.Registry, rooms repositories.RoomRepository, resolver auth.TokenResolver) *Handler {
	return &Handler{engine: engine, registry: registry, rooms: rooms, resolver: resolver}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle runs the connection state machine. Authentication failures close
// the socket with a policy-violation code before the session ever accepts a
// frame.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messenger-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
		if token != "" {
			token = "Bearer " + token
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}

	session := newSession(conn, h.engine, info)

	userID, err := h.resolveToken(ctx, token)
	if err != nil {
		observability.IncWSEvent("chat", "auth_failed")
		session.close(websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	session.userID = userID
	session.info.UserID = userID
	session.setState(StateAuthenticated)

	rooms, err := h.rooms.RoomsOfUser(ctx, userID)
	if err != nil {
		session.close(websocket.CloseInternalServerErr, "room lookup failed")
		return
	}
	roomIDs := make([]string, 0, len(rooms))
	for _, room := range rooms {
		roomIDs = append(roomIDs, room.ID)
	}
	session.rooms = roomIDs

	h.registry.Register(userID, session)
	go session.writePump()

	// Backlog replay runs to completion before the reader starts, so a
	// reconnecting client never sees live traffic ahead of missed messages.
	if err := h.engine.FlushBacklog(ctx, userID, session); err != nil {
		session.close(websocket.CloseInternalServerErr, "backlog flush failed")
		return
	}
	session.setState(StateActive)

	observability.IncWSActive("chat")
	observability.IncWSEvent("chat", "ws_connect")
	publishSessionEvent(ctx, "ws_connect", session.info, "")

	// The read loop runs on the request goroutine and holds the handler (and
	// its context) open until the connection drops; returning earlier would
	// cancel the context out from under in-flight engine calls.
	reason := session.readPump(ctx)
	observability.DecWSActive("chat")
	observability.IncWSEvent("chat", "ws_disconnect")
	publishSessionEvent(ctx, "ws_disconnect", session.info, reason)
}

func (h *Handler) resolveToken(ctx context.Context, header string) (int, error) {
	parts := strings.Split(header, " ")
	if len(parts) == 2 {
		return h.resolver.Resolve(ctx, parts[1])
	}
	return 0, fmt.Errorf("invalid token")
}

func publishSessionEvent(ctx context.Context, event string, info ConnInfo, reason string) {
	_ = observability.PublishEvent(ctx, "ws_events.chats", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "chat",
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
