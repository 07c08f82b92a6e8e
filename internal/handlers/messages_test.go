package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

type senderFunc func(ctx context.Context, senderID, receiverID int, payload models.MessagePayload) (models.ChatMessage, error)

func (f senderFunc) Send(ctx context.Context, senderID, receiverID int, payload models.MessagePayload) (models.ChatMessage, error) {
	return f(ctx, senderID, receiverID, payload)
}

type presenceSet map[int]bool

func (p presenceSet) IsOnline(userID int) bool { return p[userID] }

func setupMessageRouter(handler *MessageHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", 1)
		c.Next()
	})
	r.GET("/conversations", handler.ListConversations)
	r.GET("/conversations/unread-count", handler.UnreadCount)
	r.GET("/messages/:peer_id", handler.GetMessages)
	r.POST("/messages/:peer_id", handler.PostMessage)
	r.GET("/presence/:user_id", handler.Presence)
	return r
}

func TestListConversationsSuccess(t *testing.T) {
	messageRepo := new(mocks.MessageRepositoryMock)
	users := new(mocks.UserDirectoryMock)
	handler := NewMessageHandler(messageRepo, users, nil, presenceSet{2: true}, nil)
	router := setupMessageRouter(handler)

	now := time.Now().UTC()
	messageRepo.On("ListConversations", mock.Anything, 1).Return([]models.Conversation{
		{PeerID: 2, LastMessage: models.ChatMessage{ID: 9, SenderID: 2, ReceiverID: 1, Text: "hi", CreatedAt: now}, UnreadCount: 1},
		{PeerID: 3, LastMessage: models.ChatMessage{ID: 4, SenderID: 1, ReceiverID: 3, Text: "yo", CreatedAt: now.Add(-time.Hour)}},
	}, nil).Once()
	users.On("BulkUsers", mock.Anything, []int{2, 3}).Return([]models.User{{ID: 2, Username: "bob"}, {ID: 3, Username: "carol"}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversations []struct {
			PeerID       int    `json:"peer_id"`
			PeerUsername string `json:"peer_username"`
			UnreadCount  int    `json:"unread_count"`
			Online       bool   `json:"online"`
		} `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 2)
	assert.Equal(t, "bob", resp.Conversations[0].PeerUsername)
	assert.Equal(t, 1, resp.Conversations[0].UnreadCount)
	assert.True(t, resp.Conversations[0].Online)
	assert.False(t, resp.Conversations[1].Online)

	messageRepo.AssertExpectations(t)
	users.AssertExpectations(t)
}

func TestListConversationsRepoError(t *testing.T) {
	messageRepo := new(mocks.MessageRepositoryMock)
	handler := NewMessageHandler(messageRepo, new(mocks.UserDirectoryMock), nil, presenceSet{}, nil)
	router := setupMessageRouter(handler)

	messageRepo.On("ListConversations", mock.Anything, 1).Return(([]models.Conversation)(nil), assert.AnError).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	messageRepo.AssertExpectations(t)
}

func TestGetMessagesMarksReadAndReturnsUnread(t *testing.T) {
	messageRepo := new(mocks.MessageRepositoryMock)
	handler := NewMessageHandler(messageRepo, new(mocks.UserDirectoryMock), nil, presenceSet{}, nil)
	router := setupMessageRouter(handler)

	messageRepo.On("ListMessages", mock.Anything, 1, 2).Return([]models.ChatMessage{{ID: 1, SenderID: 2, ReceiverID: 1, Text: "hello"}}, nil).Once()
	messageRepo.On("MarkRead", mock.Anything, 2, 1).Return(nil).Once()
	messageRepo.On("CountUnread", mock.Anything, 1).Return(3, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/messages/2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages    []models.ChatMessage `json:"messages"`
		UnreadCount int                  `json:"unread_count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hello", resp.Messages[0].Text)
	assert.Equal(t, 3, resp.UnreadCount)
	messageRepo.AssertExpectations(t)
}

func TestGetMessagesFlipsReadAndRecomputesUnread(t *testing.T) {
	store := &mocks.MemoryMessageRepository{}
	ctx := context.Background()
	for _, m := range []struct{ from, to int }{{2, 1}, {2, 1}, {3, 1}, {1, 2}} {
		_, err := store.CreateMessage(ctx, m.from, m.to, models.MessagePayload{Text: "x"})
		require.NoError(t, err)
	}
	handler := NewMessageHandler(store, new(mocks.UserDirectoryMock), nil, presenceSet{}, nil)
	router := setupMessageRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/messages/2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages    []models.ChatMessage `json:"messages"`
		UnreadCount int                  `json:"unread_count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Messages, 3)
	assert.Equal(t, 1, resp.UnreadCount)

	history, err := store.ListMessages(ctx, 1, 2)
	require.NoError(t, err)
	for _, msg := range history {
		if msg.ReceiverID == 1 {
			assert.True(t, msg.Read, "message %d", msg.ID)
		} else {
			assert.False(t, msg.Read, "message %d", msg.ID)
		}
	}

	// Bob's copy of the message Alice sent stays unread for him.
	bobUnread, err := store.CountUnread(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, bobUnread)
}

func TestGetMessagesInvalidPeer(t *testing.T) {
	messageRepo := new(mocks.MessageRepositoryMock)
	handler := NewMessageHandler(messageRepo, new(mocks.UserDirectoryMock), nil, presenceSet{}, nil)
	router := setupMessageRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/messages/abc", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	messageRepo.AssertNotCalled(t, "ListMessages", mock.Anything, mock.Anything, mock.Anything)
}

func TestPostMessageStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "created", wantCode: http.StatusCreated},
		{name: "validation", err: fmt.Errorf("%w: %w", ws.ErrValidation, ws.ErrEmptyPayload), wantCode: http.StatusBadRequest},
		{name: "unknown peer", err: fmt.Errorf("%w: %w", ws.ErrValidation, ws.ErrUnknownPeer), wantCode: http.StatusNotFound},
		{name: "storage", err: fmt.Errorf("%w: %w", ws.ErrPersistence, assert.AnError), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got models.MessagePayload
			sender := senderFunc(func(_ context.Context, senderID, receiverID int, payload models.MessagePayload) (models.ChatMessage, error) {
				got = payload
				if tt.err != nil {
					return models.ChatMessage{}, tt.err
				}
				return models.ChatMessage{ID: 5, SenderID: senderID, ReceiverID: receiverID, Text: payload.Text}, nil
			})
			publisher := new(mocks.PublisherMock)
			publisher.On("Publish", mock.Anything, "audit.events", mock.Anything, mock.Anything).Return(nil).Maybe()
			audit := telemetry.NewAuditEmitter(publisher, "audit.events", "messaging-service", "test")

			handler := NewMessageHandler(new(mocks.MessageRepositoryMock), new(mocks.UserDirectoryMock), sender, presenceSet{}, audit)
			router := setupMessageRouter(handler)

			body := bytes.NewBufferString(`{"text":"hi","client_ref":"tmp-1"}`)
			req := httptest.NewRequest(http.MethodPost, "/messages/2", body)
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			require.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "hi", got.Text)
			assert.Equal(t, "tmp-1", got.ClientRef)
			if tt.wantCode == http.StatusCreated {
				var resp struct {
					Message   models.ChatMessage `json:"message"`
					ClientRef string             `json:"client_ref"`
				}
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, 5, resp.Message.ID)
				assert.Equal(t, "tmp-1", resp.ClientRef)
			}
			if tt.wantCode == http.StatusInternalServerError {
				publisher.AssertCalled(t, "Publish", mock.Anything, "audit.events", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestUnreadCount(t *testing.T) {
	messageRepo := new(mocks.MessageRepositoryMock)
	handler := NewMessageHandler(messageRepo, new(mocks.UserDirectoryMock), nil, presenceSet{}, nil)
	router := setupMessageRouter(handler)

	messageRepo.On("CountUnread", mock.Anything, 1).Return(7, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/unread-count", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":7}`, rec.Body.String())
	messageRepo.AssertExpectations(t)
}

func TestPresence(t *testing.T) {
	handler := NewMessageHandler(new(mocks.MessageRepositoryMock), new(mocks.UserDirectoryMock), nil, presenceSet{4: true}, nil)
	router := setupMessageRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/presence/4", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":4,"online":true}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/presence/0", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
