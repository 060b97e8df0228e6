// Package hostexec runs commands on the local machine or on named remote
// hosts over SSH. It is the lowest layer of the portal: the multiplexer
// adapter and the tunnel manager are built on top of it.
package hostexec

import (
	"context"
	"io"

	"github.com/dotdevdotdev/agentwire/internal/common/config"
	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
)

// LocalMachine is the implicit machine id for the portal's own host.
const LocalMachine = "local"

// Result holds the outcome of a completed command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// PtySession is a bidirectional byte channel attached to a pseudo-terminal.
type PtySession interface {
	io.ReadWriteCloser
	// Resize changes the terminal window size.
	Resize(cols, rows uint16) error
}

// Executor runs commands on one machine. Implementations are safe for
// concurrent use.
type Executor interface {
	// Run executes argv to completion and returns its output and exit code.
	// A non-zero exit code is not an error; transport failures are.
	Run(ctx context.Context, argv []string, stdin []byte) (*Result, error)

	// Stream executes argv and returns its combined output as a stream.
	// Cancelling ctx terminates the command.
	Stream(ctx context.Context, argv []string) (io.ReadCloser, error)

	// AttachPty executes argv under a pseudo-terminal of the given size.
	AttachPty(ctx context.Context, argv []string, cols, rows uint16) (PtySession, error)

	// Close releases transport resources.
	Close() error
}

// Pool maps machine ids to executors. The "local" machine is always present;
// remote machines come from configuration.
type Pool struct {
	local  Executor
	remote map[string]*SSHHost
}

// NewPool builds a pool from the hosts section of the configuration.
func NewPool(hosts map[string]config.HostConfig, log *logger.Logger) *Pool {
	p := &Pool{
		local:  NewLocal(log),
		remote: make(map[string]*SSHHost, len(hosts)),
	}
	for id, hc := range hosts {
		p.remote[id] = NewSSHHost(id, hc, log)
	}
	return p
}

// Get returns the executor for a machine id.
func (p *Pool) Get(machine string) (Executor, error) {
	if machine == "" || machine == LocalMachine {
		return p.local, nil
	}
	host, ok := p.remote[machine]
	if !ok {
		return nil, apperrors.NotFound("machine", machine)
	}
	return host, nil
}

// Machines returns the configured remote machine ids.
func (p *Pool) Machines() []string {
	ids := make([]string, 0, len(p.remote))
	for id := range p.remote {
		ids = append(ids, id)
	}
	return ids
}

// Host returns the SSH host for a remote machine id, for callers that need
// transport-level operations such as port forwarding.
func (p *Pool) Host(machine string) (*SSHHost, error) {
	host, ok := p.remote[machine]
	if !ok {
		return nil, apperrors.NotFound("machine", machine)
	}
	return host, nil
}

// Close tears down every remote transport.
func (p *Pool) Close() {
	for _, host := range p.remote {
		_ = host.Close()
	}
	_ = p.local.Close()
}
