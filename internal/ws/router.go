package ws

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/repositories"
)

// MaxMessageLength bounds the text of a single message in runes.
const MaxMessageLength = 4096

// Router persists outbound messages and republishes them in real time.
type Router struct {
	messages repositories.MessageRepository
	users    repositories.UserDirectory
	hub      *Hub
	notifier *Notifier
	tracer   trace.Tracer
}

// NewRouter constructs a Router.
func NewRouter(messages repositories.MessageRepository, users repositories.UserDirectory, hub *Hub, notifier *Notifier) *Router {
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &Router{
		messages: messages,
		users:    users,
		hub:      hub,
		notifier: notifier,
		tracer:   otel.Tracer("messaging-service/ws"),
	}
}

// Send stores a message from senderID to receiverID and then pushes it to
// the pair's room. Receiver transports outside the room get a notification
// ping instead. If storing fails nothing is pushed.
func (r *Router) Send(ctx context.Context, senderID, receiverID int, payload models.MessagePayload) (models.ChatMessage, error) {
	ctx, span := r.tracer.Start(ctx, "router.send", trace.WithAttributes(
		attribute.Int("message.sender_id", senderID),
		attribute.Int("message.receiver_id", receiverID),
	))
	defer span.End()

	msg, sender, err := r.persist(ctx, senderID, receiverID, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.ChatMessage{}, err
	}

	key := NewRoomKey(senderID, receiverID)
	delivered := r.hub.BroadcastRoom(key, models.ServerEvent{
		Type:      models.EventMessageReceived,
		Message:   &msg,
		ClientRef: payload.ClientRef,
		Room:      string(key),
	}, 0)
	notified := r.notifier.Fanout(r.hub.Registry().TargetsOutsideRoom(receiverID, key), sender)

	span.SetAttributes(
		attribute.Int("message.id", msg.ID),
		attribute.Int("message.delivered", delivered),
		attribute.Int("message.notified", notified),
	)
	observability.IncMessage("sent")

	_ = observability.PublishEvent(ctx, observability.RoutingMessageSent, observability.EventEnvelope{
		EventType: "message_events",
		EventName: "message_sent",
		Payload: map[string]interface{}{
			"message_id":  msg.ID,
			"sender_id":   msg.SenderID,
			"receiver_id": msg.ReceiverID,
			"shared_post": msg.SharedPost != nil,
			"delivered":   delivered,
			"notified":    notified,
		},
	}, observability.BuildHeaders("", span.SpanContext().TraceID().String()))

	return msg, nil
}

func (r *Router) persist(ctx context.Context, senderID, receiverID int, payload models.MessagePayload) (models.ChatMessage, models.User, error) {
	if err := validatePeer(senderID, receiverID); err != nil {
		observability.IncMessage("rejected")
		return models.ChatMessage{}, models.User{}, err
	}
	payload, err := normalizePayload(payload)
	if err != nil {
		observability.IncMessage("rejected")
		return models.ChatMessage{}, models.User{}, err
	}

	users, err := r.users.BulkUsers(ctx, []int{senderID, receiverID})
	if err != nil {
		observability.IncMessage("store_error")
		log.Printf("[router] user lookup failed sender_id=%d receiver_id=%d: %v", senderID, receiverID, err)
		return models.ChatMessage{}, models.User{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	sender := models.User{ID: senderID}
	receiverKnown := false
	for _, u := range users {
		switch u.ID {
		case senderID:
			sender = u
		case receiverID:
			receiverKnown = true
		}
	}
	if !receiverKnown {
		observability.IncMessage("rejected")
		return models.ChatMessage{}, models.User{}, validationError(ErrUnknownPeer)
	}

	msg, err := r.messages.CreateMessage(ctx, senderID, receiverID, payload)
	if err != nil {
		observability.IncMessage("store_error")
		log.Printf("[router] persist failed sender_id=%d receiver_id=%d: %v", senderID, receiverID, err)
		return models.ChatMessage{}, models.User{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return msg, sender, nil
}

func normalizePayload(payload models.MessagePayload) (models.MessagePayload, error) {
	payload.Text = strings.TrimSpace(payload.Text)
	if payload.SharedPost != nil {
		if strings.TrimSpace(payload.SharedPost.ID) == "" {
			return payload, validationError(ErrInvalidSharedPost)
		}
	} else if payload.Text == "" {
		return payload, validationError(ErrEmptyPayload)
	}
	if utf8.RuneCountInString(payload.Text) > MaxMessageLength {
		return payload, validationError(ErrPayloadTooLong)
	}
	return payload, nil
}
