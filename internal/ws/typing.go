package ws

import (
	"sync"
	"time"

	"messaging-service/internal/models"
)

// DefaultTypingTimeout is the quiet period after which typing ends on its own.
const DefaultTypingTimeout = 2 * time.Second

type typingKey struct {
	userID int
	room   RoomKey
}

type typingState struct {
	timer *time.Timer
	gen   uint64
}

// TypingSignaler runs an idle/typing state machine per (user, room). A user
// that stops sending keystrokes without an explicit stop is returned to idle
// after the quiet period, and the peer is told so.
type TypingSignaler struct {
	hub   *Hub
	quiet time.Duration

	// mu is held while broadcasting so start and stop events for one key
	// reach peers in the order they were decided.
	mu     sync.Mutex
	gen    uint64
	active map[typingKey]*typingState
}

// NewTypingSignaler constructs a signaler. Non-positive quiet periods use DefaultTypingTimeout.
func NewTypingSignaler(hub *Hub, quiet time.Duration) *TypingSignaler {
	if quiet <= 0 {
		quiet = DefaultTypingTimeout
	}
	return &TypingSignaler{hub: hub, quiet: quiet, active: make(map[typingKey]*typingState)}
}

// StartTyping moves senderID to typing in the room shared with receiverID.
// Further calls while typing only push the deadline back.
func (s *TypingSignaler) StartTyping(senderID, receiverID int) error {
	if err := validatePeer(senderID, receiverID); err != nil {
		return err
	}
	key := typingKey{userID: senderID, room: NewRoomKey(senderID, receiverID)}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	gen := s.gen
	if st, ok := s.active[key]; ok {
		st.timer.Stop()
		st.gen = gen
		st.timer = time.AfterFunc(s.quiet, func() { s.expire(key, gen) })
		return nil
	}

	s.active[key] = &typingState{gen: gen, timer: time.AfterFunc(s.quiet, func() { s.expire(key, gen) })}
	s.broadcast(key, models.EventUserTyping)
	return nil
}

// StopTyping returns senderID to idle. Stopping while idle sends nothing.
func (s *TypingSignaler) StopTyping(senderID, receiverID int) error {
	if err := validatePeer(senderID, receiverID); err != nil {
		return err
	}
	key := typingKey{userID: senderID, room: NewRoomKey(senderID, receiverID)}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(key)
	return nil
}

// StopAll returns every room of userID to idle.
func (s *TypingSignaler) StopAll(userID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.active {
		if key.userID == userID {
			s.stopLocked(key)
		}
	}
}

func (s *TypingSignaler) expire(key typingKey, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.active[key]
	if !ok || st.gen != gen {
		return
	}
	delete(s.active, key)
	s.broadcast(key, models.EventUserStoppedTyping)
}

func (s *TypingSignaler) stopLocked(key typingKey) {
	st, ok := s.active[key]
	if !ok {
		return
	}
	st.timer.Stop()
	delete(s.active, key)
	s.broadcast(key, models.EventUserStoppedTyping)
}

// broadcast reaches the other occupants of the room only, never the
// typist's own connections.
func (s *TypingSignaler) broadcast(key typingKey, eventType string) {
	s.hub.BroadcastRoom(key.room, models.ServerEvent{
		Type:   eventType,
		UserID: key.userID,
		Room:   string(key.room),
	}, key.userID)
}
