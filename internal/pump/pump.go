// Package pump tails each room's pane, diffs snapshots, and feeds output
// and activity into the room hub. One pump goroutine per active room.
package pump

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/hub"
	"github.com/dotdevdotdev/agentwire/pkg/wire"
)

const (
	// diffCap bounds one output frame; past it the tail of the pane wins.
	diffCap = 10 * 1024

	retryInitial = 500 * time.Millisecond
	retryMax     = 5 * time.Second
)

// Capturer is the slice of the multiplexer adapter the pump needs.
type Capturer interface {
	CapturePane(ctx context.Context, id string, n int) (string, error)
}

// GoneFunc tells the registry that the pane disappeared under the pump.
type GoneFunc func(ctx context.Context, roomKey string)

// Pump tails one room's pane.
type Pump struct {
	key      string
	paneName string // multiplexer session name, without @machine
	capture  Capturer
	room     *hub.Room
	gone     GoneFunc
	interval time.Duration
	lines    int
	logger   *logger.Logger

	snapshot string
}

// New creates a pump for one room. Run starts it.
func New(key, paneName string, capture Capturer, room *hub.Room, gone GoneFunc,
	interval time.Duration, lines int, log *logger.Logger) *Pump {
	return &Pump{
		key:      key,
		paneName: paneName,
		capture:  capture,
		room:     room,
		gone:     gone,
		interval: interval,
		lines:    lines,
		logger:   log.WithRoom(key),
	}
}

// Run captures until ctx is cancelled or the pane disappears. Capture
// failures never propagate; transient ones back off, NotFound ends the
// pump with a room-gone signal.
func (p *Pump) Run(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = retryInitial
	retry.MaxInterval = retryMax
	retry.MaxElapsedTime = 0

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		text, err := p.capture.CapturePane(ctx, p.paneName, p.lines)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if apperrors.IsNotFound(err) {
				p.logger.Info("pane gone, stopping pump")
				p.gone(ctx, p.key)
				return
			}
			wait := retry.NextBackOff()
			p.logger.Debug("capture failed, backing off",
				zap.Duration("wait", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		p.tick(text)
	}
}

// tick publishes the bounded diff of a changed snapshot and any newly
// parsed question.
func (p *Pump) tick(text string) {
	if text == p.snapshot {
		return
	}
	prev := p.snapshot
	p.snapshot = text

	p.room.Broadcast(wire.Output(boundedDiff(prev, text)))
	p.room.Broadcast(wire.Activity())
	p.room.Touch()

	if q := ParseQuestion(text); q != nil && !q.Same(p.room.PendingQuestion()) {
		p.logger.Info("parsed question from pane", zap.String("header", q.Header))
		p.room.SetQuestion(q)
	}
}

// boundedDiff returns what changed between two pane snapshots, capped at
// diffCap bytes. Appended text yields just the appended part; anything
// else yields the capped tail of the new snapshot.
func boundedDiff(prev, next string) string {
	if prev != "" && strings.HasPrefix(next, prev) {
		added := next[len(prev):]
		if len(added) <= diffCap {
			return added
		}
	}
	if len(next) > diffCap {
		return next[len(next)-diffCap:]
	}
	return next
}
