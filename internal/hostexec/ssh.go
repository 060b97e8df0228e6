package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"github.com/dotdevdotdev/agentwire/internal/common/config"
	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
)

const (
	defaultMaxChannels = 8
	dialTimeout        = 5 * time.Second
	dialAttempts       = 3
)

// SSHHost multiplexes commands over one persistent SSH connection to a
// remote machine. Channels are bounded; excess callers queue FIFO on the
// semaphore. A dead control connection is re-established lazily on the next
// call.
type SSHHost struct {
	id     string
	cfg    config.HostConfig
	logger *logger.Logger
	sem    *semaphore.Weighted

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHHost creates the executor for one remote machine. No connection is
// made until the first call.
func NewSSHHost(id string, cfg config.HostConfig, log *logger.Logger) *SSHHost {
	maxChannels := cfg.MaxChannels
	if maxChannels <= 0 {
		maxChannels = defaultMaxChannels
	}
	return &SSHHost{
		id:  id,
		cfg: cfg,
		logger: log.WithFields(
			zap.String("component", "hostexec"),
			zap.String("machine", id)),
		sem: semaphore.NewWeighted(int64(maxChannels)),
	}
}

// ID returns the machine id.
func (h *SSHHost) ID() string { return h.id }

// conn returns the live control connection, dialing it if necessary.
// Dialing retries with exponential backoff and jitter; after three
// consecutive failures the call fails with HostUnreachable.
func (h *SSHHost) conn(ctx context.Context) (*ssh.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		return h.client, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 30 * time.Second
	policy.RandomizationFactor = 0.2

	var client *ssh.Client
	var lastErr error
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		c, err := h.dial(ctx)
		if err != nil {
			lastErr = err
			h.logger.Warn("ssh dial failed",
				zap.Int("attempt", attempt), zap.Error(err))
			if attempt >= dialAttempts {
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, apperrors.HostUnreachable(h.id, lastErr)
	}

	h.client = client
	h.logger.Info("ssh control connection established",
		zap.String("target", h.cfg.SSHTarget))

	// Reap the client slot when the transport dies so the next call redials.
	go func(c *ssh.Client) {
		_ = c.Wait()
		h.mu.Lock()
		if h.client == c {
			h.client = nil
		}
		h.mu.Unlock()
		h.logger.Warn("ssh control connection lost")
	}(client)

	return client, nil
}

func (h *SSHHost) dial(ctx context.Context) (*ssh.Client, error) {
	user, addr, err := splitTarget(h.cfg.SSHTarget)
	if err != nil {
		return nil, err
	}

	signer, err := loadIdentity(h.cfg.IdentityFile)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Single trusted operator; host keys are not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	d := net.Dialer{Timeout: dialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// invalidate drops the cached client after a transport failure.
func (h *SSHHost) invalidate(c *ssh.Client) {
	h.mu.Lock()
	if h.client == c {
		h.client = nil
	}
	h.mu.Unlock()
}

// Run executes argv on the remote host to completion. Every argv word is
// shell-quoted before joining.
func (h *SSHHost) Run(ctx context.Context, argv []string, stdin []byte) (*Result, error) {
	if len(argv) == 0 {
		return nil, apperrors.Internal("empty argv", nil)
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, apperrors.Timeout("ssh channel wait cancelled")
	}
	defer h.sem.Release(1)

	client, err := h.conn(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		h.invalidate(client)
		return nil, apperrors.HostUnreachable(h.id, err)
	}
	defer session.Close()

	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(ShellJoin(argv)) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, apperrors.Timeout("command cancelled")
	case err = <-done:
	}

	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		h.invalidate(client)
		return nil, apperrors.HostUnreachable(h.id, err)
	}
	return res, nil
}

// Stream executes argv and returns combined output as a stream. Closing the
// reader tears down the channel and releases its pool slot.
func (h *SSHHost) Stream(ctx context.Context, argv []string) (io.ReadCloser, error) {
	if len(argv) == 0 {
		return nil, apperrors.Internal("empty argv", nil)
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, apperrors.Timeout("ssh channel wait cancelled")
	}

	client, err := h.conn(ctx)
	if err != nil {
		h.sem.Release(1)
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		h.sem.Release(1)
		h.invalidate(client)
		return nil, apperrors.HostUnreachable(h.id, err)
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err := session.Start(ShellJoin(argv)); err != nil {
		session.Close()
		h.sem.Release(1)
		return nil, apperrors.HostUnreachable(h.id, err)
	}

	go func() {
		pw.CloseWithError(session.Wait())
	}()

	var once sync.Once
	return &sshStream{
		ReadCloser: pr,
		close: func() {
			once.Do(func() {
				session.Close()
				h.sem.Release(1)
			})
		},
	}, nil
}

type sshStream struct {
	io.ReadCloser
	close func()
}

func (s *sshStream) Close() error {
	s.close()
	return s.ReadCloser.Close()
}

// AttachPty executes argv under a remote pseudo-terminal.
func (h *SSHHost) AttachPty(ctx context.Context, argv []string, cols, rows uint16) (PtySession, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, apperrors.Timeout("ssh channel wait cancelled")
	}

	client, err := h.conn(ctx)
	if err != nil {
		h.sem.Release(1)
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		h.sem.Release(1)
		h.invalidate(client)
		return nil, apperrors.HostUnreachable(h.id, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		session.Close()
		h.sem.Release(1)
		return nil, apperrors.HostUnreachable(h.id, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		h.sem.Release(1)
		return nil, apperrors.Internal("ssh stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		h.sem.Release(1)
		return nil, apperrors.Internal("ssh stdout pipe", err)
	}

	var startErr error
	if len(argv) == 0 {
		startErr = session.Shell()
	} else {
		startErr = session.Start(ShellJoin(argv))
	}
	if startErr != nil {
		session.Close()
		h.sem.Release(1)
		return nil, apperrors.HostUnreachable(h.id, startErr)
	}

	var once sync.Once
	return &sshPty{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		release: func() { once.Do(func() { h.sem.Release(1) }) },
	}, nil
}

type sshPty struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	release func()
}

func (p *sshPty) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *sshPty) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *sshPty) Resize(cols, rows uint16) error {
	return p.session.WindowChange(int(rows), int(cols))
}

func (p *sshPty) Close() error {
	defer p.release()
	_ = p.stdin.Close()
	return p.session.Close()
}

// DialRemote opens a TCP connection from the remote host, for SSH-forwarded
// services.
func (h *SSHHost) DialRemote(ctx context.Context, addr string) (net.Conn, error) {
	client, err := h.conn(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.Dial("tcp", addr)
	if err != nil {
		h.invalidate(client)
		return nil, apperrors.HostUnreachable(h.id, err)
	}
	return conn, nil
}

// Close tears down the control connection.
func (h *SSHHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		err := h.client.Close()
		h.client = nil
		return err
	}
	return nil
}

// splitTarget parses user@host[:port].
func splitTarget(target string) (user, addr string, err error) {
	at := strings.IndexByte(target, '@')
	if at <= 0 {
		return "", "", fmt.Errorf("invalid ssh target %q: missing user", target)
	}
	user = target[:at]
	addr = target[at+1:]
	if addr == "" {
		return "", "", fmt.Errorf("invalid ssh target %q: missing host", target)
	}
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	return user, addr, nil
}

// loadIdentity reads the private key used for public-key auth.
func loadIdentity(path string) (ssh.Signer, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "id_ed25519")
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return signer, nil
}
