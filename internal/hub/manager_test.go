package hub

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/events"
	"github.com/dotdevdotdev/agentwire/internal/events/bus"
	"github.com/dotdevdotdev/agentwire/internal/registry"
)

type managerFixture struct {
	mgr *Manager
	reg *registry.Registry
	bus *bus.MemoryEventBus

	mu       sync.Mutex
	notified []string
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	eventBus := bus.NewMemoryEventBus(log)
	reg := registry.New(filepath.Join(t.TempDir(), "rooms.json"), registry.ModePrompted,
		5*time.Second, nil,
		func(machine string) (registry.SessionLister, error) { return nil, nil },
		eventBus, log)

	f := &managerFixture{reg: reg, bus: eventBus}
	mgr, err := NewManager(reg, eventBus,
		func(roomKey string) KeySender { return noKeys },
		func(ctx context.Context, parent, child string) {
			f.mu.Lock()
			f.notified = append(f.notified, parent+"<-"+child)
			f.mu.Unlock()
		}, log)
	require.NoError(t, err)
	f.mgr = mgr
	t.Cleanup(mgr.Shutdown)
	return f
}

func (f *managerFixture) putRoom(t *testing.T, key string, parent string) {
	t.Helper()
	id, err := registry.ParseID(key)
	require.NoError(t, err)
	require.NoError(t, f.reg.Put(context.Background(),
		&registry.Room{ID: id, Machine: "local", Mode: registry.ModePrompted, Parent: parent}))
}

func TestGetCreatesHubOnce(t *testing.T) {
	f := newManagerFixture(t)
	f.putRoom(t, "api", "")

	room, err := f.mgr.Get("api")
	require.NoError(t, err)

	again, err := f.mgr.Get("api")
	require.NoError(t, err)
	assert.Same(t, room, again)
}

func TestGetUnknownRoom(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.mgr.Get("ghost")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRoomGoneClosesHub(t *testing.T) {
	f := newManagerFixture(t)
	f.putRoom(t, "api", "")

	room, err := f.mgr.Get("api")
	require.NoError(t, err)
	sub := &fakeSub{}
	room.Subscribe(sub)

	require.NoError(t, f.reg.Delete(context.Background(), "api", events.ReasonKilled))

	sub.mu.Lock()
	closed := sub.closed
	code := sub.code
	sub.mu.Unlock()
	assert.True(t, closed)
	assert.Equal(t, 1000, code)

	_, ok := f.mgr.Peek("api")
	assert.False(t, ok)
}

func TestIdleNotifiesParent(t *testing.T) {
	f := newManagerFixture(t)
	f.putRoom(t, "hub", "")
	f.putRoom(t, "api", "hub")

	room, err := f.mgr.Get("api")
	require.NoError(t, err)

	now := time.Now()
	room.clock = func() time.Time { return now }
	room.Touch()
	now = now.Add(idleAfter + time.Second)
	room.checkIdle()

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{"hub<-api"}, f.notified)
}

func TestDashboardReceivesActivity(t *testing.T) {
	f := newManagerFixture(t)
	f.putRoom(t, "api", "")

	dash := &fakeSub{}
	f.mgr.SubscribeDashboard(dash)

	room, err := f.mgr.Get("api")
	require.NoError(t, err)
	room.Touch()

	dash.waitFrames(t, 1)
	assert.Equal(t, []string{"session_activity"}, dash.types())

	f.mgr.UnsubscribeDashboard(dash)
	room.checkIdle()
}

func TestShutdownClosesEverything(t *testing.T) {
	f := newManagerFixture(t)
	f.putRoom(t, "api", "")

	room, err := f.mgr.Get("api")
	require.NoError(t, err)
	sub := &fakeSub{}
	room.Subscribe(sub)
	dash := &fakeSub{}
	f.mgr.SubscribeDashboard(dash)

	f.mgr.Shutdown()

	sub.mu.Lock()
	assert.True(t, sub.closed)
	assert.Equal(t, 1001, sub.code)
	sub.mu.Unlock()

	dash.mu.Lock()
	assert.True(t, dash.closed)
	dash.mu.Unlock()
}
