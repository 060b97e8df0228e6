// Package mux wraps the tmux CLI. Every operation is parameterized by host
// and composed from argv vectors over hostexec; no command string ever
// embeds user input.
package mux

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
)

const (
	// keystrokePause separates a literal text segment from its Enter.
	keystrokePause = 80 * time.Millisecond
	// keyGroupPause separates key groups in the multi-argument form.
	keyGroupPause = 120 * time.Millisecond
	// gracefulExitPoll is how often killSession checks whether the pane closed.
	gracefulExitPoll = 200 * time.Millisecond
)

// SessionInfo is one row of ListSessions.
type SessionInfo struct {
	Name    string
	Windows int
}

// PaneInfo describes one pane's terminal state.
type PaneInfo struct {
	CWD     string
	Command string
	Cols    int
	Rows    int
}

// Adapter drives tmux on one machine.
type Adapter struct {
	exec   hostexec.Executor
	logger *logger.Logger

	// sleep is replaceable in tests.
	sleep func(time.Duration)

	// gracefulExitWait bounds how long KillSession waits for the foreground
	// program to exit after receiving /exit.
	gracefulExitWait time.Duration
}

// New creates an adapter over the given executor.
func New(exec hostexec.Executor, gracefulExitWait time.Duration, log *logger.Logger) *Adapter {
	return &Adapter{
		exec:             exec,
		logger:           log.WithFields(zap.String("component", "mux")),
		sleep:            time.Sleep,
		gracefulExitWait: gracefulExitWait,
	}
}

// run invokes tmux and maps its failures onto the portal error taxonomy.
func (a *Adapter) run(ctx context.Context, args ...string) (*hostexec.Result, error) {
	argv := append([]string{"tmux"}, args...)
	res, err := a.exec.Run(ctx, argv, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, mapTmuxError(string(res.Stderr))
	}
	return res, nil
}

func mapTmuxError(stderr string) error {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "can't find session"),
		strings.Contains(s, "session not found"),
		strings.Contains(s, "can't find pane"),
		strings.Contains(s, "no server running"):
		return apperrors.NotFound("session", strings.TrimSpace(stderr))
	case strings.Contains(s, "duplicate session"):
		return apperrors.AlreadyExists("session", strings.TrimSpace(stderr))
	default:
		return apperrors.Internal("tmux: "+strings.TrimSpace(stderr), nil)
	}
}

// NewSession creates a detached session running initialCommand in cwd.
func (a *Adapter) NewSession(ctx context.Context, id, cwd string, initialCommand []string, env map[string]string) error {
	args := []string{"new-session", "-d", "-s", id}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	if len(initialCommand) > 0 {
		args = append(args, initialCommand...)
	}
	_, err := a.run(ctx, args...)
	return err
}

// KillSession sends a graceful /exit to the foreground program, waits up to
// the configured grace period for the pane to close, then kills the session.
func (a *Adapter) KillSession(ctx context.Context, id string) error {
	if err := a.SendKeys(ctx, id, "/exit"); err != nil {
		if apperrors.IsNotFound(err) {
			return err
		}
		// Graceful exit is best effort; fall through to kill.
		a.logger.Debug("graceful exit send failed", zap.String("session", id), zap.Error(err))
	}

	deadline := time.Now().Add(a.gracefulExitWait)
	for time.Now().Before(deadline) {
		if !a.HasSession(ctx, id) {
			return nil
		}
		a.sleep(gracefulExitPoll)
	}

	_, err := a.run(ctx, "kill-session", "-t", id)
	if apperrors.IsNotFound(err) {
		// The pane closed between the last poll and the kill.
		return nil
	}
	return err
}

// HasSession reports whether the session exists.
func (a *Adapter) HasSession(ctx context.Context, id string) bool {
	_, err := a.run(ctx, "has-session", "-t", "="+id)
	return err == nil
}

// SendKeys delivers text to the foreground program. Embedded newlines split
// the text into segments; each segment is sent literally, followed by a
// pause and an Enter.
func (a *Adapter) SendKeys(ctx context.Context, id, text string) error {
	for _, segment := range strings.Split(text, "\n") {
		if segment != "" {
			if _, err := a.run(ctx, "send-keys", "-t", id, "-l", "--", segment); err != nil {
				return err
			}
		}
		a.sleep(keystrokePause)
		if _, err := a.run(ctx, "send-keys", "-t", id, "Enter"); err != nil {
			return err
		}
	}
	return nil
}

// SendKeyGroups sends each named key group (tmux key syntax, e.g. "Escape",
// "C-c") followed by a pause.
func (a *Adapter) SendKeyGroups(ctx context.Context, id string, groups ...string) error {
	for _, group := range groups {
		if _, err := a.run(ctx, "send-keys", "-t", id, group); err != nil {
			return err
		}
		a.sleep(keyGroupPause)
	}
	return nil
}

// CapturePane returns the last n lines of pane text.
func (a *Adapter) CapturePane(ctx context.Context, id string, n int) (string, error) {
	res, err := a.run(ctx, "capture-pane", "-p", "-t", id, "-S", "-"+strconv.Itoa(n))
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}

// ListSessions returns session names and window counts. A missing tmux
// server is an empty list, not an error.
func (a *Adapter) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	res, err := a.exec.Run(ctx, []string{"tmux", "list-sessions", "-F", "#{session_name}\t#{session_windows}"}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(strings.ToLower(string(res.Stderr)), "no server running") {
			return nil, nil
		}
		return nil, mapTmuxError(string(res.Stderr))
	}

	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(string(res.Stdout)), "\n") {
		if line == "" {
			continue
		}
		name, windows, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		w, _ := strconv.Atoi(windows)
		sessions = append(sessions, SessionInfo{Name: name, Windows: w})
	}
	return sessions, nil
}

// PaneInfo returns terminal metadata for one pane.
func (a *Adapter) PaneInfo(ctx context.Context, id string, pane int) (*PaneInfo, error) {
	target := id + "." + strconv.Itoa(pane)
	res, err := a.run(ctx, "display-message", "-p", "-t", target,
		"#{pane_current_path}\t#{pane_current_command}\t#{pane_width}\t#{pane_height}")
	if err != nil {
		return nil, err
	}

	fields := strings.Split(strings.TrimSpace(string(res.Stdout)), "\t")
	if len(fields) != 4 {
		return nil, apperrors.Internal("unexpected pane info: "+string(res.Stdout), nil)
	}
	cols, _ := strconv.Atoi(fields[2])
	rows, _ := strconv.Atoi(fields[3])
	return &PaneInfo{CWD: fields[0], Command: fields[1], Cols: cols, Rows: rows}, nil
}

// AttachPty attaches to the session under a pseudo-terminal for raw
// passthrough to a browser terminal.
func (a *Adapter) AttachPty(ctx context.Context, id string, cols, rows uint16) (hostexec.PtySession, error) {
	return a.exec.AttachPty(ctx, []string{"tmux", "attach-session", "-t", id}, cols, rows)
}

// SpawnPane splits a new pane off the session and returns its index.
// Pane 0 is always the orchestrator.
func (a *Adapter) SpawnPane(ctx context.Context, id string, cwd string, cmd []string) (int, error) {
	args := []string{"split-window", "-t", id, "-d", "-P", "-F", "#{pane_index}"}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, cmd...)
	res, err := a.run(ctx, args...)
	if err != nil {
		return 0, err
	}
	index, convErr := strconv.Atoi(strings.TrimSpace(string(res.Stdout)))
	if convErr != nil {
		return 0, apperrors.Internal("unexpected pane index: "+string(res.Stdout), nil)
	}
	return index, nil
}

// KillPane kills one pane by index.
func (a *Adapter) KillPane(ctx context.Context, id string, index int) error {
	_, err := a.run(ctx, "kill-pane", "-t", id+"."+strconv.Itoa(index))
	return err
}
