package pump

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/hub"
	"github.com/dotdevdotdev/agentwire/pkg/wire"
)

type fakeCapturer struct {
	mu   sync.Mutex
	text string
	err  error
}

func (f *fakeCapturer) CapturePane(ctx context.Context, id string, n int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, f.err
}

func (f *fakeCapturer) set(text string) {
	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
}

type captureSub struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (c *captureSub) Send(frame []byte, deadline time.Time) error {
	var f wire.Frame
	_ = json.Unmarshal(frame, &f)
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *captureSub) Close(code int, reason string) {}

func (c *captureSub) byType(frameType string) []wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Frame
	for _, f := range c.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func newPumpFixture(t *testing.T) (*fakeCapturer, *hub.Room, *captureSub, *Pump, *[]string) {
	t.Helper()
	cap := &fakeCapturer{}
	room := hub.NewRoom("api", func(ctx context.Context, text string) error { return nil }, nil, testLogger())
	t.Cleanup(func() { room.Close(1000, "test done") })
	sub := &captureSub{}
	room.Subscribe(sub)

	var gone []string
	p := New("api", "api", cap, room, func(ctx context.Context, key string) {
		gone = append(gone, key)
	}, 10*time.Millisecond, 400, testLogger())
	return cap, room, sub, p, &gone
}

func TestPumpPublishesOutput(t *testing.T) {
	cap, _, sub, p, _ := newPumpFixture(t)
	cap.set("Welcome")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return len(sub.byType(wire.TypeOutput)) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Welcome", sub.byType(wire.TypeOutput)[0].Data)

	// Appends publish only the appended text.
	cap.set("Welcome back")
	require.Eventually(t, func() bool {
		return len(sub.byType(wire.TypeOutput)) >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, " back", sub.byType(wire.TypeOutput)[1].Data)

	cancel()
	<-done
}

func TestPumpBroadcastsActivity(t *testing.T) {
	cap, _, sub, p, _ := newPumpFixture(t)
	cap.set("one")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	// Every changed snapshot carries an activity frame alongside the output.
	require.Eventually(t, func() bool {
		return len(sub.byType(wire.TypeActivity)) >= 1
	}, time.Second, 5*time.Millisecond)

	cap.set("one two")
	require.Eventually(t, func() bool {
		return len(sub.byType(wire.TypeActivity)) >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, sub.byType(wire.TypeOutput), len(sub.byType(wire.TypeActivity)))

	cancel()
	<-done
}

func TestPumpActivityEdge(t *testing.T) {
	cap, room, _, p, _ := newPumpFixture(t)
	cap.set("output")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	require.Eventually(t, room.Active, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestPumpSetsQuestion(t *testing.T) {
	cap, room, _, p, _ := newPumpFixture(t)
	cap.set("☐ Pick\n\nWhich?\n\n❯ 1. a\n❯ 2. b\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return room.PendingQuestion() != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Pick", room.PendingQuestion().Header)

	cancel()
	<-done
}

func TestPumpStopsOnNotFound(t *testing.T) {
	cap, _, _, p, gone := newPumpFixture(t)
	cap.mu.Lock()
	cap.err = apperrors.NotFound("session", "api")
	cap.mu.Unlock()

	done := make(chan struct{})
	go func() { p.Run(context.Background()); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop on NotFound")
	}
	assert.Equal(t, []string{"api"}, *gone)
}

func TestBoundedDiff(t *testing.T) {
	assert.Equal(t, "abc", boundedDiff("", "abc"))
	assert.Equal(t, "def", boundedDiff("abc", "abcdef"))

	big := strings.Repeat("x", diffCap+100)
	out := boundedDiff("something else", big)
	assert.Len(t, out, diffCap)

	// Large append falls back to the capped tail.
	out = boundedDiff("abc", "abc"+big)
	assert.Len(t, out, diffCap)
}
