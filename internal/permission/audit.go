package permission

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotdevdotdev/agentwire/internal/common/logger"
)

// Audit appends permission events to a JSON-lines file. A nil path disables
// auditing without changing call sites.
type Audit struct {
	path   string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewAudit creates an audit log writer. path may be empty.
func NewAudit(path string, log *logger.Logger) *Audit {
	return &Audit{path: path, logger: log}
}

type auditLine struct {
	Time  time.Time      `json:"time"`
	Room  string         `json:"room"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// Record appends one event. Failures are logged, never surfaced; auditing
// must not block permission resolution.
func (a *Audit) Record(room, event string, data map[string]any) {
	if a == nil || a.path == "" {
		return
	}

	line, err := json.Marshal(auditLine{Time: time.Now().UTC(), Room: room, Event: event, Data: data})
	if err != nil {
		return
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		a.logger.Warn("audit log open failed", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		a.logger.Warn("audit log write failed", zap.Error(err))
	}
}
