package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/events"
	"github.com/dotdevdotdev/agentwire/internal/events/bus"
	"github.com/dotdevdotdev/agentwire/internal/mux"
)

// reconcileCoalesce bounds on-demand reconciliation to at most once per host
// within this window.
const reconcileCoalesce = 2 * time.Second

// SessionLister is the slice of the multiplexer adapter reconciliation needs.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]mux.SessionInfo, error)
}

// MuxProvider returns the multiplexer adapter for a machine.
type MuxProvider func(machine string) (SessionLister, error)

// Registry is the canonical in-memory room table. A room exists here iff the
// underlying multiplexer session exists, eventually consistent within the
// reconcile interval.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	state       *stateFile
	bus         bus.EventBus
	muxFor      MuxProvider
	machines    []string // configured remote machines, reconciled alongside local
	defaultMode string
	interval    time.Duration
	logger      *logger.Logger

	reconcileMu   sync.Mutex
	lastReconcile map[string]time.Time
}

// New creates a registry backed by the given state file and event bus.
func New(statePath string, defaultMode string, interval time.Duration, machines []string,
	muxFor MuxProvider, eventBus bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		rooms:         make(map[string]*Room),
		state:         newStateFile(statePath),
		bus:           eventBus,
		muxFor:        muxFor,
		machines:      machines,
		defaultMode:   defaultMode,
		interval:      interval,
		logger:        log.WithFields(zap.String("component", "registry")),
		lastReconcile: make(map[string]time.Time),
	}
}

// Get returns the room for a canonical id.
func (r *Registry) Get(id string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return room, nil
}

// List returns all rooms, sorted by canonical id.
func (r *Registry) List() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Key() < rooms[j].Key() })
	return rooms
}

// ListMachine returns the rooms on one machine.
func (r *Registry) ListMachine(machine string) []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var rooms []*Room
	for _, room := range r.rooms {
		if room.Machine == machine {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Key() < rooms[j].Key() })
	return rooms
}

// Put inserts or replaces a room and persists its settings.
func (r *Registry) Put(ctx context.Context, room *Room) error {
	r.mu.Lock()
	r.rooms[room.Key()] = room
	r.mu.Unlock()

	r.persist()
	_ = r.bus.Publish(ctx, events.SubjectRoomCreated, bus.NewEvent(events.SubjectRoomCreated, "registry",
		map[string]any{events.KeyRoomID: room.Key(), events.KeyMachine: room.Machine}))
	return nil
}

// Delete removes a room and fires room.gone so hubs and pumps tear down.
func (r *Registry) Delete(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	_, ok := r.rooms[id]
	if ok {
		delete(r.rooms, id)
	}
	r.mu.Unlock()

	if !ok {
		return apperrors.NotFound("session", id)
	}

	r.persist()
	_ = r.bus.Publish(ctx, events.SubjectRoomGone, bus.NewEvent(events.SubjectRoomGone, "registry",
		map[string]any{events.KeyRoomID: id, events.KeyReason: reason}))
	return nil
}

// UpdateConfig applies a partial settings update and persists it.
func (r *Registry) UpdateConfig(ctx context.Context, id string, patch ConfigPatch) (*Room, error) {
	r.mu.Lock()
	room, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return nil, apperrors.NotFound("session", id)
	}
	if patch.Voice != nil {
		room.Voice = *patch.Voice
	}
	if patch.Mode != nil {
		switch *patch.Mode {
		case ModeBypass, ModePrompted, ModeRestricted:
			room.Mode = *patch.Mode
		default:
			r.mu.Unlock()
			return nil, apperrors.BadName("unknown permission mode " + quoteName(*patch.Mode))
		}
	}
	if patch.Parent != nil {
		room.Parent = *patch.Parent
	}
	if patch.Roles != nil {
		room.Roles = *patch.Roles
	}
	r.mu.Unlock()

	r.persist()
	_ = r.bus.Publish(ctx, events.SubjectRoomConfig, bus.NewEvent(events.SubjectRoomConfig, "registry",
		map[string]any{events.KeyRoomID: id}))
	return room, nil
}

// Touch bumps a room's last-activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if room, ok := r.rooms[id]; ok {
		room.LastActivity = time.Now()
	}
	r.mu.Unlock()
}

// persist writes every room's settings to the state file.
func (r *Registry) persist() {
	r.mu.RLock()
	settings := make(map[string]roomSettings, len(r.rooms))
	for id, room := range r.rooms {
		settings[id] = settingsFromRoom(room)
	}
	r.mu.RUnlock()

	if err := r.state.save(settings); err != nil {
		r.logger.Warn("failed to persist room state", zap.Error(err))
	}
}

// Reconcile diffs the multiplexer's sessions on one machine against the
// registry. Calls within the coalescing window are no-ops.
func (r *Registry) Reconcile(ctx context.Context, machine string) error {
	r.reconcileMu.Lock()
	if last, ok := r.lastReconcile[machine]; ok && time.Since(last) < reconcileCoalesce {
		r.reconcileMu.Unlock()
		return nil
	}
	r.lastReconcile[machine] = time.Now()
	r.reconcileMu.Unlock()

	return r.reconcileNow(ctx, machine)
}

func (r *Registry) reconcileNow(ctx context.Context, machine string) error {
	adapter, err := r.muxFor(machine)
	if err != nil {
		return err
	}
	sessions, err := adapter.ListSessions(ctx)
	if err != nil {
		return err
	}

	persisted, loadErr := r.state.load()
	if loadErr != nil {
		r.logger.Warn("failed to load room state", zap.Error(loadErr))
		persisted = map[string]roomSettings{}
	}

	live := make(map[string]bool, len(sessions))
	var added []*Room
	var removed []string

	r.mu.Lock()
	for _, s := range sessions {
		id, err := ParseID(s.Name)
		if err != nil {
			// Foreign tmux sessions are not rooms.
			continue
		}
		id.Machine = machine
		key := id.String()
		live[key] = true
		if _, ok := r.rooms[key]; ok {
			continue
		}

		room := &Room{
			ID:        id,
			Machine:   machine,
			Branch:    id.Branch,
			Mode:      r.defaultMode,
			CreatedAt: time.Now(),
		}
		if s, ok := persisted[key]; ok {
			room.Voice = s.Voice
			room.Parent = s.Parent
			room.Roles = s.Roles
			room.Mode = s.mode(r.defaultMode)
		}
		r.rooms[key] = room
		added = append(added, room)
	}
	for key, room := range r.rooms {
		if room.Machine == machine && !live[key] {
			delete(r.rooms, key)
			removed = append(removed, key)
		}
	}
	r.mu.Unlock()

	for _, room := range added {
		r.logger.Info("discovered session", zap.String("room", room.Key()))
		_ = r.bus.Publish(ctx, events.SubjectRoomCreated, bus.NewEvent(events.SubjectRoomCreated, "registry",
			map[string]any{events.KeyRoomID: room.Key(), events.KeyMachine: machine}))
	}
	for _, key := range removed {
		r.logger.Info("session disappeared", zap.String("room", key))
		_ = r.bus.Publish(ctx, events.SubjectRoomGone, bus.NewEvent(events.SubjectRoomGone, "registry",
			map[string]any{events.KeyRoomID: key, events.KeyReason: events.ReasonReconciled}))
	}
	if len(added) > 0 || len(removed) > 0 {
		r.persist()
	}
	return nil
}

// Run reconciles every machine on a timer until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, machine := range r.activeMachines() {
				if err := r.reconcileNow(ctx, machine); err != nil {
					r.logger.Debug("reconcile failed",
						zap.String("machine", machine), zap.Error(err))
				}
			}
		}
	}
}

// activeMachines returns local plus every configured remote machine.
func (r *Registry) activeMachines() []string {
	machines := []string{"local"}
	machines = append(machines, r.machines...)
	return machines
}
