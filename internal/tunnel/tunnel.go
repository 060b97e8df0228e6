// Package tunnel keeps remote services reachable on loopback by forwarding
// local ports through the persistent SSH transports. Forward state is
// tracked on disk so status survives portal restarts.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotdevdotdev/agentwire/internal/common/config"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
)

// Forward describes one loopback-to-remote port forward.
type Forward struct {
	Machine    string `json:"machine"`
	LocalPort  int    `json:"local_port"`
	RemoteHost string `json:"remote_host"` // address on the remote side, usually loopback
	RemotePort int    `json:"remote_port"`
}

func (f Forward) key() string {
	return fmt.Sprintf("%s-%d", f.Machine, f.LocalPort)
}

type stateEntry struct {
	Forward
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Status is one forward's probe result.
type Status struct {
	Forward
	Up bool `json:"up"`
}

// Manager owns the active forwards.
type Manager struct {
	pool     *hostexec.Pool
	stateDir string
	logger   *logger.Logger

	mu        sync.Mutex
	listeners map[string]net.Listener
	wg        sync.WaitGroup
}

// NewManager creates a tunnel manager writing state under stateDir.
func NewManager(pool *hostexec.Pool, stateDir string, log *logger.Logger) *Manager {
	return &Manager{
		pool:      pool,
		stateDir:  stateDir,
		logger:    log.WithFields(zap.String("component", "tunnel")),
		listeners: make(map[string]net.Listener),
	}
}

// Up ensures every forward exists. Failures are warnings; dependent calls
// surface their own errors until the forward comes up.
func (m *Manager) Up(ctx context.Context, forwards []Forward) {
	for _, fwd := range forwards {
		if err := m.start(ctx, fwd); err != nil {
			m.logger.Warn("forward failed to start",
				zap.String("machine", fwd.Machine),
				zap.Int("localPort", fwd.LocalPort), zap.Error(err))
		}
	}
}

func (m *Manager) start(ctx context.Context, fwd Forward) error {
	m.mu.Lock()
	if _, running := m.listeners[fwd.key()]; running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	host, err := m.pool.Host(fwd.Machine)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", fwd.LocalPort))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.listeners[fwd.key()] = ln
	m.mu.Unlock()

	if err := m.writeState(fwd); err != nil {
		m.logger.Warn("forward state write failed", zap.Error(err))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.serve(ln, host, fwd)
	}()

	m.logger.Info("forward up",
		zap.String("machine", fwd.Machine),
		zap.Int("localPort", fwd.LocalPort), zap.Int("remotePort", fwd.RemotePort))
	return nil
}

// serve accepts loopback connections and splices each onto an SSH channel.
func (m *Manager) serve(ln net.Listener, host *hostexec.SSHHost, fwd Forward) {
	remoteAddr := fmt.Sprintf("%s:%d", fwd.RemoteHost, fwd.RemotePort)
	for {
		local, err := ln.Accept()
		if err != nil {
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer local.Close()

			remote, err := host.DialRemote(context.Background(), remoteAddr)
			if err != nil {
				m.logger.Debug("remote dial failed",
					zap.String("addr", remoteAddr), zap.Error(err))
				return
			}
			defer remote.Close()

			done := make(chan struct{})
			go func() {
				_, _ = io.Copy(remote, local)
				close(done)
			}()
			_, _ = io.Copy(local, remote)
			<-done
		}()
	}
}

// Down closes every forward and removes its state file.
func (m *Manager) Down() {
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = make(map[string]net.Listener)
	m.mu.Unlock()

	for key, ln := range listeners {
		_ = ln.Close()
		_ = os.Remove(m.statePath(key))
	}
	m.wg.Wait()
}

// Status probes every tracked forward: state on disk plus a loopback dial.
func (m *Manager) Status() []Status {
	entries, err := os.ReadDir(m.stateDir)
	if err != nil {
		return nil
	}

	var out []Status
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.stateDir, entry.Name()))
		if err != nil {
			continue
		}
		var st stateEntry
		if err := json.Unmarshal(data, &st); err != nil {
			continue
		}
		out = append(out, Status{Forward: st.Forward, Up: m.probe(st.LocalPort)})
	}
	return out
}

func (m *Manager) probe(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (m *Manager) statePath(key string) string {
	return filepath.Join(m.stateDir, key+".json")
}

func (m *Manager) writeState(fwd Forward) error {
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(stateEntry{Forward: fwd, PID: os.Getpid(), StartedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.statePath(fwd.key()), data, 0o644)
}

// ForwardsFromSpeech derives forwards for speech backends that live on
// remote machines.
func ForwardsFromSpeech(backends []config.SpeechBackend) []Forward {
	var out []Forward
	for _, b := range backends {
		if b.Kind != "network" || b.Host == "" || b.Host == hostexec.LocalMachine || b.Port == 0 {
			continue
		}
		out = append(out, Forward{
			Machine:    b.Host,
			LocalPort:  b.Port,
			RemoteHost: "127.0.0.1",
			RemotePort: b.Port,
		})
	}
	return out
}
