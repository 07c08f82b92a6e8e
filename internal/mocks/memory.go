package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// MemoryMessageRepository keeps messages in a slice with the same read and
// ordering rules as the SQL repository.
type MemoryMessageRepository struct {
	mu   sync.Mutex
	rows []models.ChatMessage

	// FailWith, when set, is returned by CreateMessage.
	FailWith error
}

func (m *MemoryMessageRepository) CreateMessage(_ context.Context, senderID int, receiverID int, payload models.MessagePayload) (models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return models.ChatMessage{}, m.FailWith
	}
	msg := models.ChatMessage{
		ID:         len(m.rows) + 1,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       payload.Text,
		SharedPost: payload.SharedPost,
		CreatedAt:  time.Now().UTC(),
	}
	m.rows = append(m.rows, msg)
	return msg, nil
}

func (m *MemoryMessageRepository) MarkRead(_ context.Context, peerID int, userID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].SenderID == peerID && m.rows[i].ReceiverID == userID {
			m.rows[i].Read = true
		}
	}
	return nil
}

func (m *MemoryMessageRepository) ListConversations(_ context.Context, userID int) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPeer := map[int]*models.Conversation{}
	for _, row := range m.rows {
		var peerID int
		switch userID {
		case row.SenderID:
			peerID = row.ReceiverID
		case row.ReceiverID:
			peerID = row.SenderID
		default:
			continue
		}
		conv, ok := byPeer[peerID]
		if !ok {
			conv = &models.Conversation{PeerID: peerID}
			byPeer[peerID] = conv
		}
		conv.LastMessage = row
		if row.ReceiverID == userID && !row.Read {
			conv.UnreadCount++
		}
	}

	result := make([]models.Conversation, 0, len(byPeer))
	for _, conv := range byPeer {
		result = append(result, *conv)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastMessage.ID > result[j].LastMessage.ID
	})
	return result, nil
}

func (m *MemoryMessageRepository) ListMessages(_ context.Context, userID int, peerID int) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var msgs []models.ChatMessage
	for _, row := range m.rows {
		if (row.SenderID == userID && row.ReceiverID == peerID) || (row.SenderID == peerID && row.ReceiverID == userID) {
			msgs = append(msgs, row)
		}
	}
	return msgs, nil
}

func (m *MemoryMessageRepository) CountUnread(_ context.Context, userID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, row := range m.rows {
		if row.ReceiverID == userID && !row.Read {
			count++
		}
	}
	return count, nil
}

// Count returns the number of stored messages.
func (m *MemoryMessageRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

var _ repositories.MessageRepository = (*MemoryMessageRepository)(nil)
