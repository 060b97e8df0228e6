package hostexec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"go.uber.org/zap"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
)

// Local executes commands with fork/exec on the portal's own machine.
type Local struct {
	logger *logger.Logger
}

// NewLocal creates a local executor.
func NewLocal(log *logger.Logger) *Local {
	return &Local{logger: log.WithFields(
		zap.String("component", "hostexec"),
		zap.String("machine", LocalMachine))}
}

// Run executes argv to completion.
func (l *Local) Run(ctx context.Context, argv []string, stdin []byte) (*Result, error) {
	if len(argv) == 0 {
		return nil, apperrors.Internal("empty argv", nil)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, apperrors.Timeout("command cancelled")
		}
		return nil, apperrors.Internal("exec failed", err)
	}
	return res, nil
}

// Stream executes argv and returns combined stdout+stderr as a stream.
// Closing the reader or cancelling ctx terminates the command.
func (l *Local) Stream(ctx context.Context, argv []string) (io.ReadCloser, error) {
	if len(argv) == 0 {
		return nil, apperrors.Internal("empty argv", nil)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return nil, apperrors.Internal("exec failed", err)
	}
	go func() {
		pw.CloseWithError(cmd.Wait())
	}()

	return &streamCloser{ReadCloser: pr, cancel: func() { _ = cmd.Process.Kill() }}, nil
}

type streamCloser struct {
	io.ReadCloser
	cancel func()
}

func (s *streamCloser) Close() error {
	s.cancel()
	return s.ReadCloser.Close()
}

// AttachPty executes argv under a local pseudo-terminal via creack/pty.
func (l *Local) AttachPty(ctx context.Context, argv []string, cols, rows uint16) (PtySession, error) {
	if len(argv) == 0 {
		return nil, apperrors.Internal("empty argv", nil)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, apperrors.Internal("pty start failed", err)
	}

	return &localPty{file: f, cmd: cmd}, nil
}

type localPty struct {
	file *os.File
	cmd  *exec.Cmd
}

func (p *localPty) Read(b []byte) (int, error)  { return p.file.Read(b) }
func (p *localPty) Write(b []byte) (int, error) { return p.file.Write(b) }

func (p *localPty) Resize(cols, rows uint16) error {
	return pty.Setsize(p.file, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *localPty) Close() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.file.Close()
}

// Close is a no-op for the local executor.
func (l *Local) Close() error { return nil }
