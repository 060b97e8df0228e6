package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/pkg/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSub struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
	code   int
}

func (f *fakeSub) Send(frame []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send timeout")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSub) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
}

func (f *fakeSub) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, raw := range f.frames {
		var frame wire.Frame
		_ = json.Unmarshal(raw, &frame)
		out = append(out, frame.Type)
	}
	return out
}

func (f *fakeSub) waitFrames(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.frames) >= n
	}, time.Second, 5*time.Millisecond)
}

func noKeys(ctx context.Context, text string) error { return nil }

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	r := NewRoom("api", noKeys, nil, log)
	t.Cleanup(func() { r.Close(1000, "test done") })
	return r
}

func TestBroadcastOrder(t *testing.T) {
	r := newTestRoom(t)
	sub := &fakeSub{}
	r.Subscribe(sub)

	r.Broadcast(wire.Output("a"))
	r.Broadcast(wire.Activity())
	r.Broadcast(wire.Output("b"))

	sub.waitFrames(t, 3)
	assert.Equal(t, []string{"output", "activity", "output"}, sub.types())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	r := newTestRoom(t)
	sub := &fakeSub{}

	r.Subscribe(sub)
	assert.Equal(t, 1, r.Subscribers())

	r.Unsubscribe(sub)
	r.Unsubscribe(sub)
	assert.Equal(t, 0, r.Subscribers())
}

func TestSlowSubscriberDropped(t *testing.T) {
	r := newTestRoom(t)
	slow := &fakeSub{fail: true}
	good := &fakeSub{}
	r.Subscribe(slow)
	r.Subscribe(good)

	for i := 0; i < maxOverruns; i++ {
		r.Broadcast(wire.Output("x"))
	}
	good.waitFrames(t, maxOverruns)

	require.Eventually(t, func() bool {
		slow.mu.Lock()
		defer slow.mu.Unlock()
		return slow.closed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.Subscribers())
}

func TestTalkerLock(t *testing.T) {
	r := newTestRoom(t)

	assert.True(t, r.TryLock("alice"))
	assert.Equal(t, "alice", r.LockHolder())

	// Held: another holder is refused, the owner re-acquires.
	assert.False(t, r.TryLock("bob"))
	assert.True(t, r.TryLock("alice"))

	r.Unlock("bob")
	assert.Equal(t, "alice", r.LockHolder())

	r.Unlock("alice")
	assert.Empty(t, r.LockHolder())
	assert.True(t, r.TryLock("bob"))
}

func TestTalkerLockExpires(t *testing.T) {
	r := newTestRoom(t)

	now := time.Now()
	r.clock = func() time.Time { return now }
	require.True(t, r.TryLock("alice"))

	now = now.Add(lockTTL + time.Second)
	assert.Empty(t, r.LockHolder())
	assert.True(t, r.TryLock("bob"))
}

func TestQuestionSupersede(t *testing.T) {
	r := newTestRoom(t)
	sub := &fakeSub{}
	r.Subscribe(sub)

	q1 := &Question{Header: "Choose", Question: "One?", Options: []wire.QuestionOption{{Number: "1", Label: "yes"}}}
	q2 := &Question{Header: "Choose", Question: "Two?", Options: []wire.QuestionOption{{Number: "1", Label: "no"}}}

	r.SetQuestion(q1)
	r.SetQuestion(q2)

	got := r.PendingQuestion()
	require.NotNil(t, got)
	assert.Equal(t, "Two?", got.Question)
	assert.False(t, got.Same(q1))
	assert.True(t, got.Same(q2))

	sub.waitFrames(t, 2)
	assert.Equal(t, []string{"question", "question"}, sub.types())
}

func TestAnswerQuestion(t *testing.T) {
	var sent []string
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	r := NewRoom("api", func(ctx context.Context, text string) error {
		sent = append(sent, text)
		return nil
	}, nil, log)
	defer r.Close(1000, "test done")

	sub := &fakeSub{}
	r.Subscribe(sub)

	r.SetQuestion(&Question{Question: "Pick?"})
	require.NoError(t, r.AnswerQuestion(context.Background(), "2"))

	assert.Nil(t, r.PendingQuestion())
	assert.Equal(t, []string{"2"}, sent)

	sub.waitFrames(t, 2)
	assert.Equal(t, []string{"question", "question_answered"}, sub.types())
}

func TestActivityEdges(t *testing.T) {
	var mu sync.Mutex
	var edges []bool
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	r := NewRoom("api", noKeys, func(key string, active bool) {
		mu.Lock()
		edges = append(edges, active)
		mu.Unlock()
	}, log)
	defer r.Close(1000, "test done")

	now := time.Now()
	r.clock = func() time.Time { return now }

	r.Touch()
	r.Touch() // no second edge
	assert.True(t, r.Active())

	r.checkIdle() // fresh, stays active
	assert.True(t, r.Active())

	now = now.Add(idleAfter + time.Second)
	r.checkIdle()
	assert.False(t, r.Active())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, edges)
}

func TestCloseClosesSubscribers(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	r := NewRoom("api", noKeys, nil, log)
	sub := &fakeSub{}
	r.Subscribe(sub)

	r.Close(1001, "shutdown")
	r.Close(1001, "shutdown") // idempotent

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.True(t, sub.closed)
	assert.Equal(t, 1001, sub.code)
}
