package repositories

import (
	"context"
	"sort"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

// MessageRepository defines interactions for direct messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, senderID int, receiverID int, payload models.MessagePayload) (models.ChatMessage, error)
	MarkRead(ctx context.Context, peerID int, userID int) error
	ListConversations(ctx context.Context, userID int) ([]models.Conversation, error)
	ListMessages(ctx context.Context, userID int, peerID int) ([]models.ChatMessage, error)
	CountUnread(ctx context.Context, userID int) (int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, sender_id, receiver_id, text, shared_post, read, created_at`

// CreateMessage stores an unread message and returns it with its assigned id.
func (r *MessageRepo) CreateMessage(ctx context.Context, senderID int, receiverID int, payload models.MessagePayload) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.QueryRowxContext(ctx, `INSERT INTO chat_messages (sender_id, receiver_id, text, shared_post) VALUES ($1, $2, $3, $4) RETURNING `+messageColumns,
		senderID, receiverID, payload.Text, payload.SharedPost).
		StructScan(&msg)
	return msg, err
}

// MarkRead flags every message from peerID to userID as read.
func (r *MessageRepo) MarkRead(ctx context.Context, peerID int, userID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE chat_messages SET read = TRUE WHERE sender_id=$1 AND receiver_id=$2 AND read = FALSE`, peerID, userID)
	return err
}

type conversationRow struct {
	PeerID      int `db:"peer_id"`
	UnreadCount int `db:"unread_count"`
	models.ChatMessage
}

// ListConversations returns one row per peer, most recent conversation first.
func (r *MessageRepo) ListConversations(ctx context.Context, userID int) ([]models.Conversation, error) {
	query := `SELECT DISTINCT ON (peer_id) peer_id, id, sender_id, receiver_id, text, shared_post, read, created_at,
            (SELECT COUNT(*) FROM chat_messages u
                WHERE u.receiver_id=$1 AND u.sender_id=m.peer_id AND u.read = FALSE) AS unread_count
        FROM (
            SELECT CASE WHEN sender_id=$1 THEN receiver_id ELSE sender_id END AS peer_id, *
            FROM chat_messages
            WHERE sender_id=$1 OR receiver_id=$1
        ) m
        ORDER BY peer_id, created_at DESC, id DESC`
	var rows []conversationRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}

	result := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		result = append(result, models.Conversation{
			PeerID:      row.PeerID,
			LastMessage: row.ChatMessage,
			UnreadCount: row.UnreadCount,
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].LastMessage.CreatedAt.After(result[j].LastMessage.CreatedAt)
	})
	return result, nil
}

// ListMessages returns the exchange between two users ordered oldest first.
func (r *MessageRepo) ListMessages(ctx context.Context, userID int, peerID int) ([]models.ChatMessage, error) {
	query := `SELECT ` + messageColumns + `
        FROM chat_messages
        WHERE (sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1)
        ORDER BY created_at ASC, id ASC`
	var msgs []models.ChatMessage
	err := r.db.SelectContext(ctx, &msgs, query, userID, peerID)
	return msgs, err
}

// CountUnread counts unread messages addressed to userID.
func (r *MessageRepo) CountUnread(ctx context.Context, userID int) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM chat_messages WHERE receiver_id=$1 AND read = FALSE`, userID)
	return count, err
}
