package mux

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
)

// fakeExec records tmux invocations and serves scripted results.
type fakeExec struct {
	calls   [][]string
	results map[string]*hostexec.Result
	err     error
}

func (f *fakeExec) Run(ctx context.Context, argv []string, stdin []byte) (*hostexec.Result, error) {
	f.calls = append(f.calls, argv)
	if f.err != nil {
		return nil, f.err
	}
	key := strings.Join(argv[:min(len(argv), 2)], " ")
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return &hostexec.Result{}, nil
}

func (f *fakeExec) Stream(ctx context.Context, argv []string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeExec) AttachPty(ctx context.Context, argv []string, cols, rows uint16) (hostexec.PtySession, error) {
	return nil, nil
}

func (f *fakeExec) Close() error { return nil }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func newTestAdapter(f *fakeExec) *Adapter {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	a := New(f, 3*time.Second, log)
	a.sleep = func(time.Duration) {}
	return a
}

func TestNewSession(t *testing.T) {
	f := &fakeExec{}
	a := newTestAdapter(f)

	err := a.NewSession(context.Background(), "api", "/work/api", []string{"claude"},
		map[string]string{"AGENTWIRE_ROOM": "api"})
	require.NoError(t, err)

	require.Len(t, f.calls, 1)
	argv := f.calls[0]
	assert.Equal(t, "tmux", argv[0])
	assert.Equal(t, "new-session", argv[1])
	assert.Contains(t, argv, "-s")
	assert.Contains(t, argv, "api")
	assert.Contains(t, argv, "AGENTWIRE_ROOM=api")
	assert.Equal(t, "claude", argv[len(argv)-1])
}

func TestNewSessionDuplicate(t *testing.T) {
	f := &fakeExec{results: map[string]*hostexec.Result{
		"tmux new-session": {ExitCode: 1, Stderr: []byte("duplicate session: api")},
	}}
	a := newTestAdapter(f)

	err := a.NewSession(context.Background(), "api", "", nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsAlreadyExists(err))
}

func TestSendKeysSplitsOnNewlines(t *testing.T) {
	f := &fakeExec{}
	a := newTestAdapter(f)

	err := a.SendKeys(context.Background(), "api", "line1\nline2")
	require.NoError(t, err)

	// Two literal sends and two Enters.
	require.Len(t, f.calls, 4)
	assert.Equal(t, []string{"tmux", "send-keys", "-t", "api", "-l", "--", "line1"}, f.calls[0])
	assert.Equal(t, []string{"tmux", "send-keys", "-t", "api", "Enter"}, f.calls[1])
	assert.Equal(t, []string{"tmux", "send-keys", "-t", "api", "-l", "--", "line2"}, f.calls[2])
	assert.Equal(t, []string{"tmux", "send-keys", "-t", "api", "Enter"}, f.calls[3])
}

func TestSendKeysNotFound(t *testing.T) {
	f := &fakeExec{results: map[string]*hostexec.Result{
		"tmux send-keys": {ExitCode: 1, Stderr: []byte("can't find session: api")},
	}}
	a := newTestAdapter(f)

	err := a.SendKeys(context.Background(), "api", "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListSessions(t *testing.T) {
	f := &fakeExec{results: map[string]*hostexec.Result{
		"tmux list-sessions": {Stdout: []byte("api\t1\nweb/feat\t2\n")},
	}}
	a := newTestAdapter(f)

	sessions, err := a.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, SessionInfo{Name: "api", Windows: 1}, sessions[0])
	assert.Equal(t, SessionInfo{Name: "web/feat", Windows: 2}, sessions[1])
}

func TestListSessionsNoServer(t *testing.T) {
	f := &fakeExec{results: map[string]*hostexec.Result{
		"tmux list-sessions": {ExitCode: 1, Stderr: []byte("no server running on /tmp/tmux-1000/default")},
	}}
	a := newTestAdapter(f)

	sessions, err := a.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCapturePane(t *testing.T) {
	f := &fakeExec{results: map[string]*hostexec.Result{
		"tmux capture-pane": {Stdout: []byte("Welcome\n")},
	}}
	a := newTestAdapter(f)

	text, err := a.CapturePane(context.Background(), "api", 400)
	require.NoError(t, err)
	assert.Equal(t, "Welcome\n", text)

	argv := f.calls[0]
	assert.Contains(t, argv, "-400")
}

func TestPaneInfo(t *testing.T) {
	f := &fakeExec{results: map[string]*hostexec.Result{
		"tmux display-message": {Stdout: []byte("/work/api\tclaude\t120\t40\n")},
	}}
	a := newTestAdapter(f)

	info, err := a.PaneInfo(context.Background(), "api", 0)
	require.NoError(t, err)
	assert.Equal(t, "/work/api", info.CWD)
	assert.Equal(t, "claude", info.Command)
	assert.Equal(t, 120, info.Cols)
	assert.Equal(t, 40, info.Rows)
}

func TestSpawnPane(t *testing.T) {
	f := &fakeExec{results: map[string]*hostexec.Result{
		"tmux split-window": {Stdout: []byte("2\n")},
	}}
	a := newTestAdapter(f)

	index, err := a.SpawnPane(context.Background(), "api", "/work/api", []string{"claude", "--worker"})
	require.NoError(t, err)
	assert.Equal(t, 2, index)
}

func TestKillSessionGraceful(t *testing.T) {
	f := &fakeExec{results: map[string]*hostexec.Result{
		// has-session fails, meaning the pane already closed after /exit.
		"tmux has-session": {ExitCode: 1, Stderr: []byte("can't find session: api")},
	}}
	a := newTestAdapter(f)

	err := a.KillSession(context.Background(), "api")
	require.NoError(t, err)

	// No kill-session call was needed.
	for _, argv := range f.calls {
		assert.NotEqual(t, "kill-session", argv[1])
	}
}
