package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"messaging-service/internal/auth"
	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

// DefaultSendBuffer is the per-connection outbound queue length.
const DefaultSendBuffer = 64

// ChatWebSocketHandler authenticates websocket handshakes and runs the
// per-connection event loop.
type ChatWebSocketHandler struct {
	hub        *Hub
	router     *Router
	typing     *TypingSignaler
	validator  auth.TokenValidator
	upgrader   websocket.Upgrader
	sendBuffer int
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler. An empty
// allowedOrigins accepts every origin.
func NewChatWebSocketHandler(hub *Hub, router *Router, typing *TypingSignaler, validator auth.TokenValidator, allowedOrigins []string, sendBuffer int) *ChatWebSocketHandler {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &ChatWebSocketHandler{
		hub:        hub,
		router:     router,
		typing:     typing,
		validator:  validator,
		upgrader:   websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)},
		sendBuffer: sendBuffer,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Handle upgrades the connection and serves it until the peer goes away.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	if token == "" {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	userID, err := h.validator.ValidateToken(ctx, token)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}

	client := newClient(conn, uuid.NewString(), userID, observability.ClientInfoFromRequest(c.Request), span.SpanContext().TraceID().String(), h.sendBuffer)
	span.End()

	// The send path must outlive the socket once a message is past persistence.
	h.serve(context.WithoutCancel(ctx), client)
}

func (h *ChatWebSocketHandler) serve(ctx context.Context, client *Client) {
	go client.writePump()

	if err := h.hub.Connect(client.userID, client.transportID, client); err != nil {
		client.Close()
		return
	}
	observability.IncWSActive()
	h.publishWSEvent(ctx, client, "ws_connect", "")

	online := withoutID(h.hub.Registry().OnlineUsers(), client.userID)
	client.Deliver(mustEncode(models.ServerEvent{
		Type:        models.EventConnected,
		UserID:      client.userID,
		TransportID: client.transportID,
		OnlineUsers: online,
	}))

	var closeReason string
	defer func() {
		// Unregister before returning so no broadcast targets a dead transport.
		h.hub.Disconnect(client.transportID)
		client.Close()
		observability.DecWSActive()
		h.publishWSEvent(ctx, client, "ws_disconnect", closeReason)
	}()

	client.prepareReads()
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.publishWSEvent(ctx, client, "ws_error", closeReason)
			}
			return
		}

		var evt models.ClientEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			h.replyError(client, "invalid event format", "")
			continue
		}
		h.dispatch(ctx, client, evt)
	}
}

func (h *ChatWebSocketHandler) dispatch(ctx context.Context, client *Client, evt models.ClientEvent) {
	observability.IncWSEvent("in", evt.Type)

	switch evt.Type {
	case models.EventGoOnline:
		if err := h.hub.Connect(client.userID, client.transportID, client); err != nil {
			h.replyError(client, err.Error(), "")
		}

	case models.EventJoinRoom:
		key, err := h.hub.JoinRoom(client.transportID, client.userID, evt.PeerID)
		if err != nil {
			h.replyError(client, err.Error(), "")
			return
		}
		h.hub.SendTo(client.transportID, models.ServerEvent{Type: models.EventRoomJoined, Room: string(key), PeerID: evt.PeerID})

	case models.EventLeaveRoom:
		key, err := h.hub.LeaveRoom(client.transportID, client.userID, evt.PeerID)
		if err != nil {
			h.replyError(client, err.Error(), "")
			return
		}
		h.hub.SendTo(client.transportID, models.ServerEvent{Type: models.EventRoomLeft, Room: string(key), PeerID: evt.PeerID})

	case models.EventSendMessage:
		msg, err := h.router.Send(ctx, client.userID, evt.PeerID, evt.Payload())
		if err != nil {
			h.replyError(client, sendErrorText(err), evt.ClientRef)
			return
		}
		h.hub.SendTo(client.transportID, models.ServerEvent{Type: models.EventMessageSent, Message: &msg, ClientRef: evt.ClientRef})
		_ = h.typing.StopTyping(client.userID, evt.PeerID)

	case models.EventStartTyping:
		if err := h.typing.StartTyping(client.userID, evt.PeerID); err != nil {
			h.replyError(client, err.Error(), "")
		}

	case models.EventStopTyping:
		if err := h.typing.StopTyping(client.userID, evt.PeerID); err != nil {
			h.replyError(client, err.Error(), "")
		}

	default:
		h.replyError(client, "unknown event type: "+evt.Type, "")
	}
}

func (h *ChatWebSocketHandler) replyError(client *Client, text, clientRef string) {
	h.hub.SendTo(client.transportID, models.ServerEvent{Type: models.EventError, Error: text, ClientRef: clientRef})
}

// sendErrorText hides storage details from the sender.
func sendErrorText(err error) string {
	if errors.Is(err, ErrPersistence) {
		return ErrPersistence.Error()
	}
	return err.Error()
}

func (h *ChatWebSocketHandler) publishWSEvent(ctx context.Context, client *Client, name, reason string) {
	observability.IncWSEvent("lifecycle", name)
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":        name,
				"transport_id": client.transportID,
				"duration_ms":  time.Since(client.connectedAt).Milliseconds(),
				"reason":       reason,
			},
			"identity": map[string]interface{}{
				"user_id":   client.userID,
				"device_id": client.info.DeviceID,
				"ip":        client.info.IP,
			},
		},
	}, observability.BuildHeaders(client.info.RequestID, client.traceID))
}

func mustEncode(event models.ServerEvent) []byte {
	payload, _ := json.Marshal(event)
	return payload
}

func withoutID(ids []int, id int) []int {
	kept := make([]int, 0, len(ids))
	for _, v := range ids {
		if v != id {
			kept = append(kept, v)
		}
	}
	return kept
}
