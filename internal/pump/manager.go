package pump

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/events"
	"github.com/dotdevdotdev/agentwire/internal/events/bus"
	"github.com/dotdevdotdev/agentwire/internal/hub"
	"github.com/dotdevdotdev/agentwire/internal/registry"
)

// Manager starts one pump per live room and stops it when the room goes
// away.
type Manager struct {
	registry   *registry.Registry
	hubs       *hub.Manager
	captureFor func(machine string) (Capturer, error)
	interval   time.Duration
	lines      int
	logger     *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	subs []bus.Subscription
}

// NewManager wires pump lifecycle to room events.
func NewManager(reg *registry.Registry, hubs *hub.Manager,
	captureFor func(machine string) (Capturer, error),
	interval time.Duration, lines int,
	eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		registry:   reg,
		hubs:       hubs,
		captureFor: captureFor,
		interval:   interval,
		lines:      lines,
		logger:     log.WithFields(zap.String("component", "pump")),
		cancels:    make(map[string]context.CancelFunc),
	}

	created, err := eventBus.Subscribe(events.SubjectRoomCreated, func(ctx context.Context, e *bus.Event) error {
		m.Start(e.String(events.KeyRoomID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	gone, err := eventBus.Subscribe(events.SubjectRoomGone, func(ctx context.Context, e *bus.Event) error {
		m.Stop(e.String(events.KeyRoomID))
		return nil
	})
	if err != nil {
		_ = created.Unsubscribe()
		return nil, err
	}
	m.subs = append(m.subs, created, gone)
	return m, nil
}

// StartAll starts pumps for every room already in the registry.
func (m *Manager) StartAll() {
	for _, room := range m.registry.List() {
		m.Start(room.Key())
	}
}

// Start begins pumping a room. A second start for the same room is a no-op.
func (m *Manager) Start(key string) {
	room, err := m.registry.Get(key)
	if err != nil {
		return
	}
	capture, err := m.captureFor(room.Machine)
	if err != nil {
		m.logger.Warn("no capturer for machine",
			zap.String("room", key), zap.Error(err))
		return
	}
	roomHub, err := m.hubs.Get(key)
	if err != nil {
		return
	}

	m.mu.Lock()
	if _, running := m.cancels[key]; running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[key] = cancel
	m.mu.Unlock()

	p := New(key, room.ID.Name, capture, roomHub, m.roomGone, m.interval, m.lines, m.logger)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		p.Run(ctx)
		m.mu.Lock()
		delete(m.cancels, key)
		m.mu.Unlock()
	}()
	m.logger.Info("pump started", zap.String("room", key))
}

// roomGone is called by a pump whose pane disappeared.
func (m *Manager) roomGone(ctx context.Context, key string) {
	if err := m.registry.Delete(ctx, key, events.ReasonPumpLost); err != nil {
		m.logger.Debug("room already gone", zap.String("room", key))
	}
}

// Stop cancels a room's pump.
func (m *Manager) Stop(key string) {
	m.mu.Lock()
	cancel, ok := m.cancels[key]
	if ok {
		delete(m.cancels, key)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown stops every pump and waits for them to exit.
func (m *Manager) Shutdown() {
	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}

	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, cancel := range m.cancels {
		cancels = append(cancels, cancel)
	}
	m.cancels = make(map[string]context.CancelFunc)
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
}
