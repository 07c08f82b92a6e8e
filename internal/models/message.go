package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// SharedPost is a denormalized snapshot of a post embedded in a message.
type SharedPost struct {
	ID      string `json:"id"`
	Image   string `json:"image,omitempty"`
	Caption string `json:"caption,omitempty"`
	Author  string `json:"author,omitempty"`
}

// Value stores the snapshot as JSONB.
func (p *SharedPost) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Scan reads a JSONB snapshot.
func (p *SharedPost) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("shared_post: unsupported column type")
	}
	return json.Unmarshal(raw, p)
}

// MessagePayload is what a sender submits: free text, a shared post or both.
// ClientRef is the sender's temporary id for an optimistic render; it is
// echoed on the real-time events and never stored.
type MessagePayload struct {
	Text       string      `json:"text,omitempty"`
	SharedPost *SharedPost `json:"shared_post,omitempty"`
	ClientRef  string      `json:"client_ref,omitempty"`
}

// ChatMessage represents a persisted direct message.
type ChatMessage struct {
	ID         int         `db:"id" json:"id"`
	SenderID   int         `db:"sender_id" json:"sender_id"`
	ReceiverID int         `db:"receiver_id" json:"receiver_id"`
	Text       string      `db:"text" json:"text,omitempty"`
	SharedPost *SharedPost `db:"shared_post" json:"shared_post,omitempty"`
	Read       bool        `db:"read" json:"read"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// Conversation summarises the exchange between the caller and one peer.
type Conversation struct {
	PeerID      int         `json:"peer_id"`
	LastMessage ChatMessage `json:"last_message"`
	UnreadCount int         `json:"unread_count"`
}
