package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/events"
	"github.com/dotdevdotdev/agentwire/internal/events/bus"
	"github.com/dotdevdotdev/agentwire/internal/registry"
	"github.com/dotdevdotdev/agentwire/pkg/wire"
)

const idleTick = 1 * time.Second

// Notifier delivers a hierarchical idle notification to a parent room.
type Notifier func(ctx context.Context, parent, child string)

// Manager owns the room hubs and the dashboard fan-out. Hubs are created on
// demand and torn down on room-gone events.
type Manager struct {
	registry *registry.Registry
	bus      bus.EventBus
	keysFor  func(roomKey string) KeySender
	notify   Notifier
	logger   *logger.Logger

	mu    sync.Mutex
	rooms map[string]*Room

	dashMu    sync.Mutex
	dashboard map[Subscriber]struct{}

	subs []bus.Subscription
}

// NewManager creates the hub manager and wires it to room lifecycle events.
func NewManager(reg *registry.Registry, eventBus bus.EventBus,
	keysFor func(roomKey string) KeySender, notify Notifier, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		registry:  reg,
		bus:       eventBus,
		keysFor:   keysFor,
		notify:    notify,
		logger:    log.WithFields(zap.String("component", "hub")),
		rooms:     make(map[string]*Room),
		dashboard: make(map[Subscriber]struct{}),
	}

	sub, err := eventBus.Subscribe(events.SubjectRoomGone, func(ctx context.Context, e *bus.Event) error {
		m.closeRoom(e.String(events.KeyRoomID), e.String(events.KeyReason))
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.subs = append(m.subs, sub)
	return m, nil
}

// Get returns the hub for a registered room, creating it on first use.
func (m *Manager) Get(key string) (*Room, error) {
	if _, err := m.registry.Get(key); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[key]; ok {
		return room, nil
	}
	room := NewRoom(key, m.keysFor(key), m.onActivity, m.logger)
	m.rooms[key] = room
	return room, nil
}

// Peek returns the hub if it already exists, without creating one.
func (m *Manager) Peek(key string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[key]
	return room, ok
}

// Broadcast sends a frame to a room's subscribers if its hub exists.
func (m *Manager) Broadcast(key string, frame wire.Frame) {
	if room, ok := m.Peek(key); ok {
		room.Broadcast(frame)
	}
}

// onActivity runs on every room activity edge: registry timestamp, bus
// event, dashboard fan-out, and the hierarchical parent notification.
func (m *Manager) onActivity(key string, active bool) {
	ctx := context.Background()

	if active {
		m.registry.Touch(key)
	}
	_ = m.bus.Publish(ctx, events.SubjectRoomActivity, bus.NewEvent(events.SubjectRoomActivity, "hub",
		map[string]any{events.KeyRoomID: key, events.KeyActive: active}))

	m.broadcastDashboard(wire.SessionActivity(key, active))

	if !active {
		if room, err := m.registry.Get(key); err == nil && room.Parent != "" && m.notify != nil {
			m.notify(ctx, room.Parent, key)
		}
	}
}

// closeRoom tears down the hub for a room that no longer exists.
func (m *Manager) closeRoom(key, reason string) {
	m.mu.Lock()
	room, ok := m.rooms[key]
	if ok {
		delete(m.rooms, key)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.logger.Info("closing room hub", zap.String("room", key), zap.String("reason", reason))
	room.Close(1000, "session ended")
	m.broadcastDashboard(wire.SessionActivity(key, false))
}

// SubscribeDashboard attaches a socket that receives activity frames for
// every room.
func (m *Manager) SubscribeDashboard(sub Subscriber) {
	m.dashMu.Lock()
	m.dashboard[sub] = struct{}{}
	m.dashMu.Unlock()
}

// UnsubscribeDashboard detaches a dashboard socket.
func (m *Manager) UnsubscribeDashboard(sub Subscriber) {
	m.dashMu.Lock()
	delete(m.dashboard, sub)
	m.dashMu.Unlock()
}

func (m *Manager) broadcastDashboard(frame wire.Frame) {
	data := frame.Encode()
	m.dashMu.Lock()
	subs := make([]Subscriber, 0, len(m.dashboard))
	for sub := range m.dashboard {
		subs = append(subs, sub)
	}
	m.dashMu.Unlock()

	for _, sub := range subs {
		if err := sub.Send(data, time.Now().Add(sendBudget)); err != nil {
			m.UnsubscribeDashboard(sub)
			sub.Close(1008, "too slow")
		}
	}
}

// Run drives idle detection for every hub until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(idleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			rooms := make([]*Room, 0, len(m.rooms))
			for _, room := range m.rooms {
				rooms = append(rooms, room)
			}
			m.mu.Unlock()
			for _, room := range rooms {
				room.checkIdle()
			}
		}
	}
}

// Shutdown closes every hub and dashboard socket with the going-away code.
func (m *Manager) Shutdown() {
	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}

	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()
	for _, room := range rooms {
		room.Close(1001, "portal shutting down")
	}

	m.dashMu.Lock()
	dash := make([]Subscriber, 0, len(m.dashboard))
	for sub := range m.dashboard {
		dash = append(dash, sub)
	}
	m.dashboard = make(map[Subscriber]struct{})
	m.dashMu.Unlock()
	for _, sub := range dash {
		sub.Close(1001, "portal shutting down")
	}
}

// NotifyCommand builds the default parent notifier: it runs the say helper
// with --notify so the parent room hears that a child went idle.
func NotifyCommand(run func(ctx context.Context, argv []string) error, log *logger.Logger) Notifier {
	return func(ctx context.Context, parent, child string) {
		msg := fmt.Sprintf("%s is idle", child)
		if err := run(ctx, []string{"say", "--notify", parent, msg}); err != nil {
			log.Debug("parent idle notification failed",
				zap.String("parent", parent), zap.String("child", child), zap.Error(err))
		}
	}
}
