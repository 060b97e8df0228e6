package tunnel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dotdevdotdev/agentwire/internal/common/config"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	pool := hostexec.NewPool(nil, log)
	t.Cleanup(pool.Close)
	return NewManager(pool, t.TempDir(), log)
}

func TestForwardsFromSpeech(t *testing.T) {
	forwards := ForwardsFromSpeech([]config.SpeechBackend{
		{Kind: "network", Host: "gpu", Port: 5002},
		{Kind: "network", Host: "local", Port: 5003}, // local needs no forward
		{Kind: "network", URL: "http://127.0.0.1:5004"},
		{Kind: "local", Command: "piper"},
	})

	assert.Equal(t, []Forward{
		{Machine: "gpu", LocalPort: 5002, RemoteHost: "127.0.0.1", RemotePort: 5002},
	}, forwards)
}

func TestUpUnknownMachineIsNonFatal(t *testing.T) {
	m := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Up(ctx, []Forward{
		{Machine: "ghost", LocalPort: 59990, RemoteHost: "127.0.0.1", RemotePort: 5002},
	})

	assert.Empty(t, m.Status())
	m.Down()
}

func TestStatusEmptyStateDir(t *testing.T) {
	m := newTestManager(t)
	assert.Empty(t, m.Status())
}

func TestForwardKey(t *testing.T) {
	f := Forward{Machine: "gpu", LocalPort: 5002}
	assert.Equal(t, "gpu-5002", f.key())
}
