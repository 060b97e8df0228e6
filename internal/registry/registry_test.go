package registry

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
	"github.com/dotdevdotdev/agentwire/internal/mux"
)

type fakeLister struct {
	mu       sync.Mutex
	sessions []mux.SessionInfo
}

func (f *fakeLister) ListSessions(ctx context.Context) ([]mux.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mux.SessionInfo(nil), f.sessions...), nil
}

func (f *fakeLister) set(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = f.sessions[:0]
	for _, n := range names {
		f.sessions = append(f.sessions, mux.SessionInfo{Name: n, Windows: 1})
	}
}

func newTestRegistry(t *testing.T, lister *fakeLister) (*Registry, *bus.MemoryEventBus) {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	eventBus := bus.NewMemoryEventBus(log)
	statePath := filepath.Join(t.TempDir(), "rooms.json")
	reg := New(statePath, ModePrompted, 5*time.Second, nil,
		func(machine string) (SessionLister, error) { return lister, nil },
		eventBus, log)
	return reg, eventBus
}

func mustID(t *testing.T, s string) ID {
	t.Helper()
	id, err := ParseID(s)
	require.NoError(t, err)
	return id
}

func TestPutGetDelete(t *testing.T) {
	reg, _ := newTestRegistry(t, &fakeLister{})
	ctx := context.Background()

	room := &Room{ID: mustID(t, "api"), Machine: "local", Mode: ModePrompted}
	require.NoError(t, reg.Put(ctx, room))

	got, err := reg.Get("api")
	require.NoError(t, err)
	assert.Equal(t, room, got)

	require.NoError(t, reg.Delete(ctx, "api", events.ReasonKilled))

	_, err = reg.Get("api")
	assert.True(t, apperrors.IsNotFound(err))

	err = reg.Delete(ctx, "api", events.ReasonKilled)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteFiresRoomGone(t *testing.T) {
	reg, eventBus := newTestRegistry(t, &fakeLister{})
	ctx := context.Background()

	var gone []string
	_, err := eventBus.Subscribe(events.SubjectRoomGone, func(ctx context.Context, e *bus.Event) error {
		gone = append(gone, e.String(events.KeyRoomID))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, reg.Put(ctx, &Room{ID: mustID(t, "api"), Machine: "local", Mode: ModePrompted}))
	require.NoError(t, reg.Delete(ctx, "api", events.ReasonKilled))

	assert.Equal(t, []string{"api"}, gone)
}

func TestReconcileAddsAndRemoves(t *testing.T) {
	lister := &fakeLister{}
	lister.set("api", "web/feat")
	reg, _ := newTestRegistry(t, lister)
	ctx := context.Background()

	require.NoError(t, reg.reconcileNow(ctx, "local"))

	rooms := reg.List()
	require.Len(t, rooms, 2)
	assert.Equal(t, "api", rooms[0].Key())
	assert.Equal(t, "web/feat", rooms[1].Key())
	assert.Equal(t, "feat", rooms[1].Branch)
	assert.Equal(t, ModePrompted, rooms[0].Mode)

	lister.set("api")
	require.NoError(t, reg.reconcileNow(ctx, "local"))

	rooms = reg.List()
	require.Len(t, rooms, 1)
	assert.Equal(t, "api", rooms[0].Key())
}

func TestReconcileIgnoresForeignSessions(t *testing.T) {
	lister := &fakeLister{}
	lister.set("api", "not a room!", "weird:name")
	reg, _ := newTestRegistry(t, lister)

	require.NoError(t, reg.reconcileNow(context.Background(), "local"))
	assert.Len(t, reg.List(), 1)
}

func TestReconcileCoalesced(t *testing.T) {
	lister := &fakeLister{}
	lister.set("api")
	reg, _ := newTestRegistry(t, lister)
	ctx := context.Background()

	require.NoError(t, reg.Reconcile(ctx, "local"))
	assert.Len(t, reg.List(), 1)

	// Within the coalescing window the second call must not observe changes.
	lister.set()
	require.NoError(t, reg.Reconcile(ctx, "local"))
	assert.Len(t, reg.List(), 1)
}

func TestReconcileRestoresPersistedSettings(t *testing.T) {
	lister := &fakeLister{}
	lister.set("api")
	reg, _ := newTestRegistry(t, lister)
	ctx := context.Background()

	room := &Room{ID: mustID(t, "api"), Machine: "local", Mode: ModeRestricted, Voice: "nova", Parent: "hub"}
	require.NoError(t, reg.Put(ctx, room))

	// Simulate a portal restart: a fresh registry sharing the state file.
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	reg2 := New(reg.state.path, ModePrompted, 5*time.Second, nil,
		func(machine string) (SessionLister, error) { return lister, nil },
		bus.NewMemoryEventBus(log), log)
	require.NoError(t, reg2.reconcileNow(ctx, "local"))

	got, err := reg2.Get("api")
	require.NoError(t, err)
	assert.Equal(t, ModeRestricted, got.Mode)
	assert.Equal(t, "nova", got.Voice)
	assert.Equal(t, "hub", got.Parent)
}

func TestUpdateConfig(t *testing.T) {
	reg, _ := newTestRegistry(t, &fakeLister{})
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, &Room{ID: mustID(t, "api"), Machine: "local", Mode: ModePrompted}))

	voice := "nova"
	mode := ModeBypass
	room, err := reg.UpdateConfig(ctx, "api", ConfigPatch{Voice: &voice, Mode: &mode})
	require.NoError(t, err)
	assert.Equal(t, "nova", room.Voice)
	assert.True(t, room.Bypass())

	bad := "yolo"
	_, err = reg.UpdateConfig(ctx, "api", ConfigPatch{Mode: &bad})
	assert.True(t, apperrors.IsKind(err, apperrors.KindBadName))

	_, err = reg.UpdateConfig(ctx, "ghost", ConfigPatch{Voice: &voice})
	assert.True(t, apperrors.IsNotFound(err))
}
