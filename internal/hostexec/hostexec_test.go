package hostexec

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"empty", "", "''"},
		{"space", "hello world", "'hello world'"},
		{"single quote", "it's", `'it'\''s'`},
		{"dollar", "$HOME", "'$HOME'"},
		{"semicolon injection", "x; rm -rf /", "'x; rm -rf /'"},
		{"backtick", "`id`", "'`id`'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShellQuote(tt.in))
		})
	}
}

func TestShellJoin(t *testing.T) {
	got := ShellJoin([]string{"tmux", "send-keys", "-t", "api", "echo hi; true"})
	assert.Equal(t, "tmux send-keys -t api 'echo hi; true'", got)
}

func TestLocalRun(t *testing.T) {
	l := NewLocal(newTestLogger())

	res, err := l.Run(context.Background(), []string{"sh", "-c", "printf out; printf err >&2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "out", string(res.Stdout))
	assert.Equal(t, "err", string(res.Stderr))
	assert.Equal(t, 0, res.ExitCode)
}

func TestLocalRunExitCode(t *testing.T) {
	l := NewLocal(newTestLogger())

	res, err := l.Run(context.Background(), []string{"sh", "-c", "exit 3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestLocalRunStdin(t *testing.T) {
	l := NewLocal(newTestLogger())

	res, err := l.Run(context.Background(), []string{"cat"}, []byte("piped"))
	require.NoError(t, err)
	assert.Equal(t, "piped", string(res.Stdout))
}

func TestLocalRunCancelled(t *testing.T) {
	l := NewLocal(newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := l.Run(ctx, []string{"sleep", "10"}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTimeout))
}

func TestLocalStream(t *testing.T) {
	l := NewLocal(newTestLogger())

	rc, err := l.Stream(context.Background(), []string{"sh", "-c", "printf line1"})
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "line1", string(data))
}

func TestPoolGet(t *testing.T) {
	p := NewPool(nil, newTestLogger())

	local, err := p.Get("local")
	require.NoError(t, err)
	assert.NotNil(t, local)

	same, err := p.Get("")
	require.NoError(t, err)
	assert.Equal(t, local, same)

	_, err = p.Get("gpu-box")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		in       string
		user     string
		addr     string
		wantErr  bool
	}{
		{"dev@box", "dev", "box:22", false},
		{"dev@box:2222", "dev", "box:2222", false},
		{"box", "", "", true},
		{"@box", "", "", true},
		{"dev@", "", "", true},
	}
	for _, tt := range tests {
		user, addr, err := splitTarget(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.user, user)
		assert.Equal(t, tt.addr, addr)
	}
}
