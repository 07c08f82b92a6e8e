package ws

import (
	"encoding/json"
	"sort"
	"sync"

	"messaging-service/internal/models"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   bool
}

func (s *recordingSink) Deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.payloads = append(s.payloads, payload)
	return true
}

func (s *recordingSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSink) events() []models.ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ServerEvent, 0, len(s.payloads))
	for _, p := range s.payloads {
		var evt models.ServerEvent
		if err := json.Unmarshal(p, &evt); err == nil {
			out = append(out, evt)
		}
	}
	return out
}

func (s *recordingSink) ofType(eventType string) []models.ServerEvent {
	var out []models.ServerEvent
	for _, evt := range s.events() {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.payloads = nil
	s.mu.Unlock()
}

func roomSize(r *Registry, key RoomKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[key])
}

func roomsOf(r *Registry, transportID string) []RoomKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[transportID]
	if !ok {
		return nil
	}
	keys := make([]RoomKey, 0, len(conn.rooms))
	for key := range conn.rooms {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func isTyping(s *TypingSignaler, senderID, receiverID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[typingKey{userID: senderID, room: NewRoomKey(senderID, receiverID)}]
	return ok
}
