package ws

import "messaging-service/internal/models"

// Notifier emits the lightweight unread-badge ping. It keeps no state and
// never retries; a lost ping is recovered by the next unread-count fetch.
type Notifier struct{}

// NewNotifier constructs a Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Fanout sends one new_message_notification per target and returns how many were accepted.
func (n *Notifier) Fanout(targets []Target, sender models.User) int {
	return deliverAll(targets, models.ServerEvent{
		Type:       models.EventNewMessageNotice,
		SenderID:   sender.ID,
		SenderName: sender.Username,
	})
}
