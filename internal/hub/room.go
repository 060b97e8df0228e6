// Package hub owns per-room fan-out: connected browser sockets, the talker
// lock, the pending question, and activity state. One consumer goroutine per
// room dispatches frames in broadcast order.
package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/pkg/wire"
)

const (
	sendBudget     = 50 * time.Millisecond
	maxOverruns    = 3
	lockTTL        = 15 * time.Second
	questionExpiry = 10 * time.Minute
	idleAfter      = 10 * time.Second
	queueDepth     = 256
)

// Subscriber is one browser socket attached to a room. Send must return by
// the deadline; implementations back it with a socket write deadline.
type Subscriber interface {
	Send(frame []byte, deadline time.Time) error
	Close(code int, reason string)
}

// KeySender writes text as keystrokes into the room's pane.
type KeySender func(ctx context.Context, text string) error

// Question is a structured prompt awaiting an answer from a subscriber.
type Question struct {
	Header    string
	Question  string
	Options   []wire.QuestionOption
	CreatedAt time.Time
}

// Same reports whether q and other present the same prompt, ignoring time.
func (q *Question) Same(other *Question) bool {
	if q == nil || other == nil {
		return q == other
	}
	if q.Header != other.Header || q.Question != other.Question || len(q.Options) != len(other.Options) {
		return false
	}
	for i := range q.Options {
		if q.Options[i] != other.Options[i] {
			return false
		}
	}
	return true
}

type subState struct {
	sub      Subscriber
	joined   time.Time
	overruns int
}

// Room is the hub for one session: subscriber set, ordered fan-out queue,
// talker lock, pending question, activity state.
type Room struct {
	key    string
	keys   KeySender
	logger *logger.Logger
	clock  func() time.Time

	mu         sync.Mutex
	subs       map[Subscriber]*subState
	lockHolder string
	lockAt     time.Time
	question   *Question
	qTimer     *time.Timer
	lastSeen   time.Time
	active     bool
	closed     bool

	queue chan []byte
	done  chan struct{}

	// onActivity fires on active/idle edges, outside the room lock.
	onActivity func(key string, active bool)
}

// NewRoom creates a room hub and starts its dispatch goroutine. onActivity
// may be nil; it fires on active/idle edges.
func NewRoom(key string, keys KeySender, onActivity func(string, bool), log *logger.Logger) *Room {
	r := &Room{
		key:        key,
		keys:       keys,
		logger:     log.WithRoom(key),
		clock:      time.Now,
		subs:       make(map[Subscriber]*subState),
		queue:      make(chan []byte, queueDepth),
		done:       make(chan struct{}),
		onActivity: onActivity,
	}
	go r.consume()
	return r
}

// consume is the room's single dispatch goroutine. Per-socket order follows
// broadcast order; a slow subscriber is dropped after repeated overruns.
func (r *Room) consume() {
	for {
		select {
		case <-r.done:
			return
		case frame := <-r.queue:
			r.dispatch(frame)
		}
	}
}

func (r *Room) dispatch(frame []byte) {
	r.mu.Lock()
	states := make([]*subState, 0, len(r.subs))
	for _, st := range r.subs {
		states = append(states, st)
	}
	r.mu.Unlock()

	var drop []Subscriber
	for _, st := range states {
		deadline := r.clock().Add(sendBudget)
		err := st.sub.Send(frame, deadline)
		if err != nil {
			st.overruns++
			if st.overruns >= maxOverruns {
				drop = append(drop, st.sub)
			}
			continue
		}
		st.overruns = 0
	}
	for _, sub := range drop {
		r.logger.Warn("dropping slow subscriber")
		r.Unsubscribe(sub)
		sub.Close(1008, "too slow")
	}
}

// Subscribe registers a socket with the room.
func (r *Room) Subscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.subs[sub] = &subState{sub: sub, joined: r.clock()}
}

// Unsubscribe removes a socket. Safe to call twice.
func (r *Room) Unsubscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, sub)
	if r.lockHolder != "" && len(r.subs) == 0 {
		r.lockHolder = ""
	}
}

// Subscribers returns the current subscriber count.
func (r *Room) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Broadcast enqueues a frame for ordered delivery to every subscriber.
// When the queue is full the frame is dropped rather than blocking the
// producer.
func (r *Room) Broadcast(frame wire.Frame) {
	select {
	case r.queue <- frame.Encode():
	default:
		r.logger.Warn("fan-out queue full, dropping frame", zap.String("frameType", frame.Type))
	}
}

// TryLock grants the talker lock to holder if it is free, already held by
// holder, or expired past the idle TTL.
func (r *Room) TryLock(holder string) bool {
	r.mu.Lock()
	granted := false
	if r.lockHolder == "" || r.lockHolder == holder || r.clock().Sub(r.lockAt) > lockTTL {
		r.lockHolder = holder
		r.lockAt = r.clock()
		granted = true
	}
	r.mu.Unlock()

	if granted {
		r.Broadcast(wire.SessionLocked(holder))
	}
	return granted
}

// RefreshLock extends the holder's TTL.
func (r *Room) RefreshLock(holder string) {
	r.mu.Lock()
	if r.lockHolder == holder {
		r.lockAt = r.clock()
	}
	r.mu.Unlock()
}

// Unlock releases the lock when holder owns it.
func (r *Room) Unlock(holder string) {
	r.mu.Lock()
	released := r.lockHolder == holder
	if released {
		r.lockHolder = ""
	}
	r.mu.Unlock()

	if released {
		r.Broadcast(wire.SessionUnlocked())
	}
}

// LockHolder returns the current holder, empty when free or expired.
func (r *Room) LockHolder() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockHolder != "" && r.clock().Sub(r.lockAt) > lockTTL {
		return ""
	}
	return r.lockHolder
}

// SetQuestion replaces any pending question and broadcasts it. The question
// expires after ten minutes.
func (r *Room) SetQuestion(q *Question) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.qTimer != nil {
		r.qTimer.Stop()
	}
	q.CreatedAt = r.clock()
	r.question = q
	r.qTimer = time.AfterFunc(questionExpiry, func() { r.expireQuestion(q) })
	r.mu.Unlock()

	r.Broadcast(wire.QuestionFrame(q.Header, q.Question, q.Options))
}

func (r *Room) expireQuestion(q *Question) {
	r.mu.Lock()
	if r.question != q {
		r.mu.Unlock()
		return
	}
	r.question = nil
	r.qTimer = nil
	r.mu.Unlock()

	r.logger.Info("question expired unanswered")
	r.Broadcast(wire.QuestionAnswered())
}

// PendingQuestion returns the current question, nil when none.
func (r *Room) PendingQuestion() *Question {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.question
}

// AnswerQuestion clears the pending question, broadcasts the resolution,
// and writes the answer into the pane as keystrokes.
func (r *Room) AnswerQuestion(ctx context.Context, answer string) error {
	r.mu.Lock()
	had := r.question != nil
	r.question = nil
	if r.qTimer != nil {
		r.qTimer.Stop()
		r.qTimer = nil
	}
	r.mu.Unlock()

	if had {
		r.Broadcast(wire.QuestionAnswered())
	}
	if answer == "" {
		return nil
	}
	return r.keys(ctx, answer)
}

// Touch records activity. On the idle-to-active edge it broadcasts the
// state change.
func (r *Room) Touch() {
	r.mu.Lock()
	r.lastSeen = r.clock()
	edge := !r.active
	r.active = true
	r.mu.Unlock()

	if edge {
		r.Broadcast(wire.SessionActivity(r.key, true))
		if r.onActivity != nil {
			r.onActivity(r.key, true)
		}
	}
}

// checkIdle flips the room to idle when activity is stale. Called from the
// manager's shared ticker.
func (r *Room) checkIdle() {
	r.mu.Lock()
	edge := r.active && r.clock().Sub(r.lastSeen) > idleAfter
	if edge {
		r.active = false
	}
	r.mu.Unlock()

	if edge {
		r.Broadcast(wire.SessionActivity(r.key, false))
		if r.onActivity != nil {
			r.onActivity(r.key, false)
		}
	}
}

// Active reports the current activity state.
func (r *Room) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Close tears the room down, closing every subscriber socket with the
// given code.
func (r *Room) Close(code int, reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.qTimer != nil {
		r.qTimer.Stop()
		r.qTimer = nil
	}
	subs := make([]Subscriber, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[Subscriber]*subState)
	r.mu.Unlock()

	close(r.done)
	for _, sub := range subs {
		sub.Close(code, reason)
	}
}
