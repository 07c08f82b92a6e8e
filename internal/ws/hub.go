package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
)

const (
	presenceStoreTimeout = 2 * time.Second
	transitionStripes    = 64
)

// Hub owns the connection registry and delivers events to registered transports.
type Hub struct {
	registry *Registry
	presence presence.Store

	// transitions serializes each user's online/offline decision with its
	// broadcast and mirror write, so peers and the mirror end on the
	// registry's final state.
	transitions [transitionStripes]sync.Mutex

	hooksMu      sync.RWMutex
	offlineHooks []func(userID int)
}

// NewHub creates a hub around registry. A nil store disables the presence mirror.
func NewHub(registry *Registry, store presence.Store) *Hub {
	if store == nil {
		store = presence.NoopStore{}
	}
	return &Hub{registry: registry, presence: store}
}

// Registry exposes the underlying registry for read-only queries.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// OnUserOffline registers fn to run after a user's last transport disconnects.
func (h *Hub) OnUserOffline(fn func(userID int)) {
	h.hooksMu.Lock()
	h.offlineHooks = append(h.offlineHooks, fn)
	h.hooksMu.Unlock()
}

// Connect registers a transport. When it is the user's first, everyone else
// is told the user came online.
func (h *Hub) Connect(userID int, transportID string, sink Sink) error {
	mu := h.transitionLock(userID)
	mu.Lock()
	defer mu.Unlock()

	cameOnline, err := h.registry.Register(userID, transportID, sink)
	if err != nil {
		return err
	}
	if cameOnline {
		h.presenceChanged(userID, models.StatusOnline)
	}
	return nil
}

// Disconnect unregisters a transport and drops it from every room it joined.
func (h *Hub) Disconnect(transportID string) (Departure, bool) {
	target, ok := h.registry.Target(transportID)
	if !ok {
		return Departure{}, false
	}
	mu := h.transitionLock(target.UserID)
	mu.Lock()
	dep, ok := h.registry.Unregister(transportID)
	if ok && dep.WentOffline {
		h.presenceChanged(dep.UserID, models.StatusOffline)
	}
	mu.Unlock()

	if !ok {
		return Departure{}, false
	}
	if dep.WentOffline {
		h.hooksMu.RLock()
		hooks := append([]func(int){}, h.offlineHooks...)
		h.hooksMu.RUnlock()
		for _, hook := range hooks {
			hook(dep.UserID)
		}
	}
	return dep, true
}

// JoinRoom puts transportID into the room it shares with peerID.
func (h *Hub) JoinRoom(transportID string, userID, peerID int) (RoomKey, error) {
	if err := validatePeer(userID, peerID); err != nil {
		return "", err
	}
	key := NewRoomKey(userID, peerID)
	if err := h.registry.JoinRoom(transportID, key); err != nil {
		return "", err
	}
	return key, nil
}

// LeaveRoom removes transportID from the room it shares with peerID. Leaving
// a room that was never joined is not an error.
func (h *Hub) LeaveRoom(transportID string, userID, peerID int) (RoomKey, error) {
	if err := validatePeer(userID, peerID); err != nil {
		return "", err
	}
	key := NewRoomKey(userID, peerID)
	h.registry.LeaveRoom(transportID, key)
	return key, nil
}

// IsOnline reports whether userID has a live transport in this process or,
// failing that, in any process sharing the presence mirror.
func (h *Hub) IsOnline(userID int) bool {
	if h.registry.IsOnline(userID) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceStoreTimeout)
	defer cancel()
	online, err := h.presence.IsOnline(ctx, userID)
	if err != nil {
		log.Printf("[hub] presence mirror lookup failed user_id=%d: %v", userID, err)
		return false
	}
	return online
}

func (h *Hub) transitionLock(userID int) *sync.Mutex {
	idx := userID % transitionStripes
	if idx < 0 {
		idx = -idx
	}
	return &h.transitions[idx]
}

// BroadcastRoom delivers event to every transport in key whose user is not
// excludeUserID. Pass 0 to include everyone. Returns the number delivered.
func (h *Hub) BroadcastRoom(key RoomKey, event models.ServerEvent, excludeUserID int) int {
	targets := h.registry.RoomTargets(key)
	if excludeUserID != 0 {
		targets = withoutUser(targets, excludeUserID)
	}
	return deliverAll(targets, event)
}

// SendTo delivers event to a single transport.
func (h *Hub) SendTo(transportID string, event models.ServerEvent) bool {
	target, ok := h.registry.Target(transportID)
	if !ok {
		observability.IncDeliveryMiss(event.Type)
		return false
	}
	return deliverAll([]Target{target}, event) == 1
}

func (h *Hub) presenceChanged(userID int, status string) {
	observability.SetOnlineUsers(len(h.registry.OnlineUsers()))

	event := models.ServerEvent{Type: models.EventPresenceChanged, UserID: userID, Status: status}
	deliverAll(withoutUser(h.registry.AllTargets(), userID), event)

	ctx, cancel := context.WithTimeout(context.Background(), presenceStoreTimeout)
	defer cancel()
	var err error
	if status == models.StatusOnline {
		err = h.presence.MarkOnline(ctx, userID)
	} else {
		err = h.presence.MarkOffline(ctx, userID)
	}
	if err != nil {
		log.Printf("[hub] presence mirror update failed user_id=%d status=%s: %v", userID, status, err)
	}

	_ = observability.PublishEvent(ctx, observability.RoutingPresence, observability.EventEnvelope{
		EventType: "presence_events",
		EventName: "presence_changed",
		Payload: map[string]interface{}{
			"user_id": userID,
			"status":  status,
		},
	}, nil)
}

func withoutUser(targets []Target, userID int) []Target {
	kept := targets[:0]
	for _, t := range targets {
		if t.UserID != userID {
			kept = append(kept, t)
		}
	}
	return kept
}

// deliverAll encodes event once and hands it to each target. Misses are
// counted and otherwise ignored.
func deliverAll(targets []Target, event models.ServerEvent) int {
	if len(targets) == 0 {
		return 0
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[hub] failed to encode %s event: %v", event.Type, err)
		return 0
	}

	delivered := 0
	for _, t := range targets {
		if t.Deliver(payload) {
			delivered++
			observability.IncWSEvent("out", event.Type)
			continue
		}
		observability.IncDeliveryMiss(event.Type)
	}
	return delivered
}
