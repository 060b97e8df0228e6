// Package permission correlates permission-request POSTs from agent hooks
// with decisions from browsers or the restricted-mode policy, and unblocks
// the hook within a bounded deadline.
package permission

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/events"
	"github.com/dotdevdotdev/agentwire/internal/events/bus"
	"github.com/dotdevdotdev/agentwire/internal/hub"
	"github.com/dotdevdotdev/agentwire/internal/registry"
	"github.com/dotdevdotdev/agentwire/pkg/wire"
)

// Decision values returned to the hook. Ask-escalate resolves the pending
// request without granting it; the hook re-prompts through its own channel.
const (
	DecisionAllow       = "allow"
	DecisionDeny        = "deny"
	DecisionAskEscalate = "ask-escalate"
)

// restrictedBash matches the only Bash commands restricted mode permits:
// quoted say and remote-say invocations.
var restrictedBash = regexp.MustCompile(`^(say|remote-say) "[^"]*"$`)

// Decision is the outcome delivered back to the blocking hook.
type Decision struct {
	Decision string `json:"decision"`
	Message  string `json:"message,omitempty"`
}

type pending struct {
	id       string
	tool     string
	input    json.RawMessage
	ch       chan Decision
	deadline time.Time
}

// Rendezvous holds at most one pending permission request per room.
type Rendezvous struct {
	registry *registry.Registry
	hubs     *hub.Manager
	audit    *Audit
	deadline time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	pending map[string]*pending

	subs []bus.Subscription
}

// New creates the rendezvous and wires room teardown to deny-all.
func New(reg *registry.Registry, hubs *hub.Manager, audit *Audit,
	deadline time.Duration, eventBus bus.EventBus, log *logger.Logger) (*Rendezvous, error) {
	r := &Rendezvous{
		registry: reg,
		hubs:     hubs,
		audit:    audit,
		deadline: deadline,
		logger:   log.WithFields(zap.String("component", "permission")),
		pending:  make(map[string]*pending),
	}

	sub, err := eventBus.Subscribe(events.SubjectRoomGone, func(ctx context.Context, e *bus.Event) error {
		r.denyAll(e.String(events.KeyRoomID), "session ended")
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.subs = append(r.subs, sub)
	return r, nil
}

// Request blocks the calling hook until a browser or policy decides, the
// deadline passes, or ctx is cancelled. Deadline and cancellation both
// resolve to deny.
func (r *Rendezvous) Request(ctx context.Context, roomKey, tool string, input json.RawMessage, message string) (Decision, error) {
	room, err := r.registry.Get(roomKey)
	if err != nil {
		return Decision{}, err
	}

	// Bypass rooms skip prompts entirely; a stray hook call is allowed.
	if room.Bypass() {
		return r.resolve(roomKey, tool, input, Decision{Decision: DecisionAllow}), nil
	}
	if room.Restricted() {
		return r.resolve(roomKey, tool, input, policyDecision(tool, input)), nil
	}

	p := &pending{
		id:       uuid.NewString(),
		tool:     tool,
		input:    input,
		ch:       make(chan Decision, 1),
		deadline: time.Now().Add(r.deadline),
	}

	r.mu.Lock()
	if _, busy := r.pending[roomKey]; busy {
		r.mu.Unlock()
		return Decision{}, apperrors.Conflict("a permission request is already pending for " + roomKey)
	}
	r.pending[roomKey] = p
	r.mu.Unlock()

	r.audit.Record(roomKey, "permission_request", map[string]any{
		"id": p.id, "tool": tool, "input": input, "message": message,
	})
	r.hubs.Broadcast(roomKey, wire.PermissionRequest(tool, input, message))

	timer := time.NewTimer(r.deadline)
	defer timer.Stop()

	var decision Decision
	select {
	case decision = <-p.ch:
	case <-timer.C:
		decision = Decision{Decision: DecisionDeny, Message: "timeout"}
		r.clear(roomKey, p)
	case <-ctx.Done():
		decision = Decision{Decision: DecisionDeny, Message: "cancelled"}
		r.clear(roomKey, p)
	}

	r.audit.Record(roomKey, "permission_resolved", map[string]any{
		"id": p.id, "decision": decision.Decision, "message": decision.Message,
	})
	r.hubs.Broadcast(roomKey, wire.PermissionResolved())
	return decision, nil
}

// resolve audits and returns an immediate policy decision.
func (r *Rendezvous) resolve(roomKey, tool string, input json.RawMessage, d Decision) Decision {
	r.audit.Record(roomKey, "permission_policy", map[string]any{
		"tool": tool, "input": input, "decision": d.Decision,
	})
	return d
}

// policyDecision is the restricted-mode policy: questions are fine, quoted
// say commands are fine, everything else is denied.
func policyDecision(tool string, input json.RawMessage) Decision {
	switch tool {
	case "AskUserQuestion":
		return Decision{Decision: DecisionAllow}
	case "Bash":
		var in struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(input, &in); err == nil && restrictedBash.MatchString(in.Command) {
			return Decision{Decision: DecisionAllow}
		}
	}
	return Decision{Decision: DecisionDeny, Message: "restricted"}
}

// PolicyDocument serializes the restricted-mode policy for the launch-time
// policy file the agent's permission hook reads.
func PolicyDocument() []byte {
	doc := map[string]any{
		"mode":        "restricted",
		"allow_tools": []string{"AskUserQuestion"},
		"allow_bash":  []string{restrictedBash.String()},
	}
	data, _ := json.MarshalIndent(doc, "", "  ")
	return append(data, '\n')
}

// Respond resolves the room's pending request with a browser decision.
func (r *Rendezvous) Respond(roomKey, decision, message string) error {
	switch decision {
	case DecisionAllow, DecisionDeny, DecisionAskEscalate:
	default:
		return apperrors.BadName("decision must be allow, deny, or ask-escalate")
	}

	r.mu.Lock()
	p, ok := r.pending[roomKey]
	if ok {
		delete(r.pending, roomKey)
	}
	r.mu.Unlock()

	if !ok {
		return apperrors.NotFound("pending permission request", roomKey)
	}
	p.ch <- Decision{Decision: decision, Message: message}
	return nil
}

// Pending returns the pending request's tool and input, if any.
func (r *Rendezvous) Pending(roomKey string) (tool string, input json.RawMessage, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[roomKey]
	if !ok {
		return "", nil, false
	}
	return p.tool, p.input, true
}

// clear removes p if it is still the room's pending entry.
func (r *Rendezvous) clear(roomKey string, p *pending) {
	r.mu.Lock()
	if r.pending[roomKey] == p {
		delete(r.pending, roomKey)
	}
	r.mu.Unlock()
}

// denyAll resolves a room's pending request with deny, used on teardown.
func (r *Rendezvous) denyAll(roomKey, reason string) {
	r.mu.Lock()
	p, ok := r.pending[roomKey]
	if ok {
		delete(r.pending, roomKey)
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("denying pending permission on teardown", zap.String("room", roomKey))
		p.ch <- Decision{Decision: DecisionDeny, Message: reason}
	}
}

// Shutdown unsubscribes from room events and denies everything pending.
func (r *Rendezvous) Shutdown() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}

	r.mu.Lock()
	all := r.pending
	r.pending = make(map[string]*pending)
	r.mu.Unlock()
	for _, p := range all {
		p.ch <- Decision{Decision: DecisionDeny, Message: "portal shutting down"}
	}
}
