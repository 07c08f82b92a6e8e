package ws

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
)

func TestHubPresenceBroadcastSkipsSelf(t *testing.T) {
	store := new(mocks.PresenceStoreMock)
	store.On("MarkOnline", mock.Anything, 1).Return(nil).Once()
	store.On("MarkOnline", mock.Anything, 2).Return(nil).Once()
	hub := NewHub(NewRegistry(), store)

	alice := &recordingSink{}
	bob := &recordingSink{}
	require.NoError(t, hub.Connect(1, "a1", alice))
	require.NoError(t, hub.Connect(2, "b1", bob))

	online := alice.ofType(models.EventPresenceChanged)
	require.Len(t, online, 1)
	assert.Equal(t, 2, online[0].UserID)
	assert.Equal(t, models.StatusOnline, online[0].Status)
	assert.Empty(t, bob.ofType(models.EventPresenceChanged))

	store.AssertExpectations(t)
}

func TestHubSecondDeviceDoesNotAnnounce(t *testing.T) {
	hub := NewHub(NewRegistry(), nil)
	watcher := &recordingSink{}
	require.NoError(t, hub.Connect(9, "w", watcher))

	require.NoError(t, hub.Connect(1, "a1", &recordingSink{}))
	require.NoError(t, hub.Connect(1, "a2", &recordingSink{}))
	assert.Len(t, watcher.ofType(models.EventPresenceChanged), 1)

	hub.Disconnect("a1")
	assert.Len(t, watcher.ofType(models.EventPresenceChanged), 1)
	assert.True(t, hub.IsOnline(1))

	hub.Disconnect("a2")
	events := watcher.ofType(models.EventPresenceChanged)
	require.Len(t, events, 2)
	assert.Equal(t, models.StatusOffline, events[1].Status)
	assert.False(t, hub.IsOnline(1))
}

func TestHubOfflineHookRunsOnLastDisconnect(t *testing.T) {
	store := new(mocks.PresenceStoreMock)
	store.On("MarkOnline", mock.Anything, 1).Return(nil)
	store.On("MarkOffline", mock.Anything, 1).Return(assert.AnError).Once()
	hub := NewHub(NewRegistry(), store)

	var offline []int
	hub.OnUserOffline(func(userID int) { offline = append(offline, userID) })

	require.NoError(t, hub.Connect(1, "a1", &recordingSink{}))
	require.NoError(t, hub.Connect(1, "a2", &recordingSink{}))

	hub.Disconnect("a1")
	assert.Empty(t, offline)

	dep, ok := hub.Disconnect("a2")
	require.True(t, ok)
	assert.True(t, dep.WentOffline)
	assert.Equal(t, []int{1}, offline)

	_, ok = hub.Disconnect("a2")
	assert.False(t, ok)
	store.AssertExpectations(t)
}

func TestHubJoinRoomValidation(t *testing.T) {
	hub := NewHub(NewRegistry(), nil)
	require.NoError(t, hub.Connect(1, "a1", &recordingSink{}))

	_, err := hub.JoinRoom("a1", 1, 1)
	assert.ErrorIs(t, err, ErrSelfMessage)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = hub.JoinRoom("a1", 1, 0)
	assert.ErrorIs(t, err, ErrInvalidPeer)

	_, err = hub.JoinRoom("ghost", 1, 2)
	assert.ErrorIs(t, err, ErrUnknownTransport)

	key, err := hub.JoinRoom("a1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, NewRoomKey(1, 2), key)

	left, err := hub.LeaveRoom("a1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, key, left)
}

func TestHubBroadcastRoomExcludesUser(t *testing.T) {
	hub := NewHub(NewRegistry(), nil)
	alice := &recordingSink{}
	alice2 := &recordingSink{}
	bob := &recordingSink{}
	require.NoError(t, hub.Connect(1, "a1", alice))
	require.NoError(t, hub.Connect(1, "a2", alice2))
	require.NoError(t, hub.Connect(2, "b1", bob))
	_, _ = hub.JoinRoom("a1", 1, 2)
	_, _ = hub.JoinRoom("a2", 1, 2)
	_, _ = hub.JoinRoom("b1", 2, 1)

	evt := models.ServerEvent{Type: models.EventUserTyping, UserID: 1}
	assert.Equal(t, 1, hub.BroadcastRoom(NewRoomKey(1, 2), evt, 1))
	assert.Len(t, bob.ofType(models.EventUserTyping), 1)
	assert.Empty(t, alice.ofType(models.EventUserTyping))

	assert.Equal(t, 3, hub.BroadcastRoom(NewRoomKey(1, 2), evt, 0))
}

func TestHubSendToMissingTransport(t *testing.T) {
	hub := NewHub(NewRegistry(), nil)
	assert.False(t, hub.SendTo("ghost", models.ServerEvent{Type: models.EventError}))

	sink := &recordingSink{}
	require.NoError(t, hub.Connect(1, "a1", sink))
	assert.True(t, hub.SendTo("a1", models.ServerEvent{Type: models.EventError, Error: "boom"}))
	require.Len(t, sink.ofType(models.EventError), 1)

	sink.close()
	assert.False(t, hub.SendTo("a1", models.ServerEvent{Type: models.EventError}))
}

// gatedStore mirrors presence in memory and parks the first MarkOffline
// until release is closed.
type gatedStore struct {
	mu      sync.Mutex
	online  map[int]bool
	parked  bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{online: map[int]bool{}, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedStore) MarkOnline(_ context.Context, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID] = true
	return nil
}

func (s *gatedStore) MarkOffline(_ context.Context, userID int) error {
	s.mu.Lock()
	first := !s.parked
	s.parked = true
	s.mu.Unlock()
	if first {
		close(s.entered)
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, userID)
	return nil
}

func (s *gatedStore) IsOnline(_ context.Context, userID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID], nil
}

// gatedSink records events but holds the first offline presence event until release is closed.
type gatedSink struct {
	recordingSink
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSink) Deliver(payload []byte) bool {
	if strings.Contains(string(payload), `"status":"offline"`) {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.recordingSink.Deliver(payload)
}

func lastPresence(t *testing.T, sink *recordingSink, userID int) string {
	t.Helper()
	var status string
	for _, evt := range sink.ofType(models.EventPresenceChanged) {
		if evt.UserID == userID {
			status = evt.Status
		}
	}
	return status
}

func TestHubReconnectDuringOfflineMirrorWrite(t *testing.T) {
	store := newGatedStore()
	hub := NewHub(NewRegistry(), store)
	watcher := &recordingSink{}
	require.NoError(t, hub.Connect(9, "w", watcher))
	require.NoError(t, hub.Connect(1, "old", &recordingSink{}))

	disconnected := make(chan struct{})
	go func() {
		hub.Disconnect("old")
		close(disconnected)
	}()
	<-store.entered

	connected := make(chan error, 1)
	go func() { connected <- hub.Connect(1, "new", &recordingSink{}) }()
	// Give the reconnect a chance to overtake the parked offline write.
	time.Sleep(30 * time.Millisecond)
	close(store.release)

	<-disconnected
	require.NoError(t, <-connected)

	assert.True(t, hub.Registry().IsOnline(1))
	mirrored, _ := store.IsOnline(context.Background(), 1)
	assert.True(t, mirrored)
	assert.Equal(t, models.StatusOnline, lastPresence(t, watcher, 1))
}

func TestHubReconnectDuringOfflineBroadcast(t *testing.T) {
	hub := NewHub(NewRegistry(), nil)
	watcher := &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, hub.Connect(9, "w", watcher))
	require.NoError(t, hub.Connect(1, "old", &recordingSink{}))

	disconnected := make(chan struct{})
	go func() {
		hub.Disconnect("old")
		close(disconnected)
	}()
	<-watcher.entered

	connected := make(chan error, 1)
	go func() { connected <- hub.Connect(1, "new", &recordingSink{}) }()
	time.Sleep(30 * time.Millisecond)
	close(watcher.release)

	<-disconnected
	require.NoError(t, <-connected)

	assert.True(t, hub.IsOnline(1))
	assert.Equal(t, models.StatusOnline, lastPresence(t, &watcher.recordingSink, 1))
}

func TestHubLeaveRoomValidation(t *testing.T) {
	hub := NewHub(NewRegistry(), nil)
	require.NoError(t, hub.Connect(1, "a1", &recordingSink{}))

	_, err := hub.LeaveRoom("a1", 1, 0)
	assert.ErrorIs(t, err, ErrInvalidPeer)
	_, err = hub.LeaveRoom("a1", 1, 1)
	assert.ErrorIs(t, err, ErrSelfMessage)

	key, err := hub.LeaveRoom("a1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, NewRoomKey(1, 2), key)
}

func TestHubDisconnectedTransportGetsNoRoomBroadcast(t *testing.T) {
	hub := NewHub(NewRegistry(), nil)
	alice := &recordingSink{}
	bob := &recordingSink{}
	require.NoError(t, hub.Connect(1, "a1", alice))
	require.NoError(t, hub.Connect(2, "b1", bob))
	_, _ = hub.JoinRoom("a1", 1, 2)
	_, _ = hub.JoinRoom("b1", 2, 1)

	hub.Disconnect("a1")
	alice.reset()

	delivered := hub.BroadcastRoom(NewRoomKey(1, 2), models.ServerEvent{Type: models.EventUserTyping, UserID: 2}, 0)
	assert.Equal(t, 1, delivered)
	assert.Empty(t, alice.events())
	assert.Len(t, bob.ofType(models.EventUserTyping), 1)
	assert.False(t, hub.IsOnline(1))
}

func TestHubIsOnlineFallsBackToMirror(t *testing.T) {
	store := new(mocks.PresenceStoreMock)
	store.On("IsOnline", mock.Anything, 5).Return(true, nil).Once()
	store.On("IsOnline", mock.Anything, 6).Return(false, assert.AnError).Once()
	hub := NewHub(NewRegistry(), store)

	assert.True(t, hub.IsOnline(5))
	assert.False(t, hub.IsOnline(6))
	store.AssertExpectations(t)
}
