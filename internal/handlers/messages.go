package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

// Sender is the message send path shared with the websocket gateway.
type Sender interface {
	Send(ctx context.Context, senderID, receiverID int, payload models.MessagePayload) (models.ChatMessage, error)
}

// PresenceReader answers online queries from the connection registry.
type PresenceReader interface {
	IsOnline(userID int) bool
}

// MessageHandler serves conversation history and the REST send path.
type MessageHandler struct {
	messageRepo repositories.MessageRepository
	users       repositories.UserDirectory
	sender      Sender
	presence    PresenceReader
	audit       *telemetry.AuditEmitter
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(messageRepo repositories.MessageRepository, users repositories.UserDirectory, sender Sender, presence PresenceReader, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{
		messageRepo: messageRepo,
		users:       users,
		sender:      sender,
		presence:    presence,
		audit:       audit,
	}
}

// ListConversations returns one row per peer with the last message and unread count.
func (h *MessageHandler) ListConversations(c *gin.Context) {
	userID := c.GetInt("userID")

	conversations, err := h.messageRepo.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	peerIDs := make([]int, 0, len(conversations))
	for _, conv := range conversations {
		peerIDs = append(peerIDs, conv.PeerID)
	}

	users, err := h.users.BulkUsers(c.Request.Context(), peerIDs)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load user info"})
		return
	}
	userByID := make(map[int]models.User, len(users))
	for _, u := range users {
		userByID[u.ID] = u
	}

	type conversationResponse struct {
		models.Conversation
		PeerUsername string `json:"peer_username,omitempty"`
		PeerAvatar   string `json:"peer_avatar,omitempty"`
		Online       bool   `json:"online"`
	}

	responses := make([]conversationResponse, 0, len(conversations))
	for _, conv := range conversations {
		peer := userByID[conv.PeerID]
		responses = append(responses, conversationResponse{
			Conversation: conv,
			PeerUsername: peer.Username,
			PeerAvatar:   peer.Avatar,
			Online:       h.presence.IsOnline(conv.PeerID),
		})
	}

	c.JSON(http.StatusOK, gin.H{"conversations": responses})
}

// GetMessages returns the history with a peer and marks the peer's messages read.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	peerID, ok := parsePeerID(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	msgs, err := h.messageRepo.ListMessages(c.Request.Context(), userID, peerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	if err := h.messageRepo.MarkRead(c.Request.Context(), peerID, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark messages read"})
		return
	}

	unread, err := h.messageRepo.CountUnread(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count unread messages"})
		return
	}

	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "unread_count": unread})
}

// PostMessage stores a message and pushes it to the live participants.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	peerID, ok := parsePeerID(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	var req models.MessagePayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.sender.Send(c.Request.Context(), userID, peerID, req)
	if err != nil {
		switch {
		case errors.Is(err, ws.ErrUnknownPeer):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		case errors.Is(err, ws.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.audit.Emit(c.Request.Context(), "ERROR", "message persist failed: "+err.Error(), requestIDFromContext(c), userIDFromContext(c))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg, "client_ref": req.ClientRef})
}

// UnreadCount returns the number of unread messages addressed to the caller.
func (h *MessageHandler) UnreadCount(c *gin.Context) {
	count, err := h.messageRepo.CountUnread(c.Request.Context(), c.GetInt("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count unread messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// Presence reports whether a user currently has a live connection.
func (h *MessageHandler) Presence(c *gin.Context) {
	userID, err := strconv.Atoi(c.Param("user_id"))
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "online": h.presence.IsOnline(userID)})
}

func parsePeerID(c *gin.Context) (int, bool) {
	peerID, err := strconv.Atoi(c.Param("peer_id"))
	if err != nil || peerID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return 0, false
	}
	return peerID, true
}
