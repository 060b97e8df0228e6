// Package main is the AgentWire portal entry point. One binary runs the
// registry, session orchestrator, pane pumps, speech broker, permission
// rendezvous, and the HTTP/WebSocket gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dotdevdotdev/agentwire/internal/common/config"
	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/events/bus"
	"github.com/dotdevdotdev/agentwire/internal/gateway"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
	"github.com/dotdevdotdev/agentwire/internal/hub"
	"github.com/dotdevdotdev/agentwire/internal/mux"
	"github.com/dotdevdotdev/agentwire/internal/orchestrator"
	"github.com/dotdevdotdev/agentwire/internal/permission"
	"github.com/dotdevdotdev/agentwire/internal/pump"
	"github.com/dotdevdotdev/agentwire/internal/registry"
	"github.com/dotdevdotdev/agentwire/internal/speech"
	"github.com/dotdevdotdev/agentwire/internal/tunnel"
	"github.com/dotdevdotdev/agentwire/internal/worktree"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, unknown, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	for _, key := range unknown {
		log.Warn("unrecognized config key", zap.String("key", key))
	}

	log.Info("Starting AgentWire portal...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.Events.NATSURL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.Events.NATSURL))
		natsBus, err := bus.NewNATSEventBus(cfg.Events.NATSURL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Executor pool: local plus every configured SSH host.
	pool := hostexec.NewPool(cfg.Hosts, log)
	defer pool.Close()

	localExec, err := pool.Get(hostexec.LocalMachine)
	if err != nil {
		log.Fatal("Failed to initialize local executor", zap.Error(err))
	}

	// One multiplexer adapter and worktree manager per machine.
	machines := append([]string{hostexec.LocalMachine}, pool.Machines()...)
	adapters := make(map[string]*mux.Adapter, len(machines))
	worktrees := make(map[string]*worktree.Manager, len(machines))
	for _, machine := range machines {
		exec, err := pool.Get(machine)
		if err != nil {
			log.Fatal("Failed to initialize executor", zap.String("machine", machine), zap.Error(err))
		}
		adapters[machine] = mux.New(exec, cfg.Session.GracefulExitWait(), log)
		worktrees[machine] = worktree.NewManager(exec, log)
	}
	muxFor := func(machine string) (*mux.Adapter, error) {
		if a, ok := adapters[machine]; ok {
			return a, nil
		}
		return nil, apperrors.NotFound("machine", machine)
	}

	// Registry: the canonical room table, reconciled against tmux.
	reg := registry.New(cfg.Session.StateFile, cfg.Session.DefaultMode,
		cfg.Session.ReconcileInterval(), pool.Machines(),
		func(machine string) (registry.SessionLister, error) { return muxFor(machine) },
		eventBus, log)
	go reg.Run(ctx)

	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}

	// Orchestrator: session lifecycle verbs.
	orch := orchestrator.New(cfg.Session, cfg.Agents, orchestrator.Deps{
		Mux: func(machine string) (orchestrator.Muxer, error) { return muxFor(machine) },
		Worktree: func(machine string) (orchestrator.Worktreer, error) {
			if wt, ok := worktrees[machine]; ok {
				return wt, nil
			}
			return nil, apperrors.NotFound("machine", machine)
		},
		Exec: pool.Get,
		Projects: func(machine string) string {
			if machine == hostexec.LocalMachine {
				return cfg.Session.ProjectsRoot
			}
			return cfg.Hosts[machine].ProjectsRoot
		},
	}, reg, baseURL, log)

	// Hub manager: per-room fan-out, talker locks, idle tracking.
	keysFor := func(roomKey string) hub.KeySender {
		return func(ctx context.Context, text string) error {
			room, err := reg.Get(roomKey)
			if err != nil {
				return err
			}
			adapter, err := muxFor(room.Machine)
			if err != nil {
				return err
			}
			return adapter.SendKeys(ctx, room.ID.Name, text)
		}
	}
	notify := hub.NotifyCommand(func(ctx context.Context, argv []string) error {
		res, err := localExec.Run(ctx, argv, nil)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return apperrors.Internal("notify command failed: "+string(res.Stderr), nil)
		}
		return nil
	}, log)
	hubs, err := hub.NewManager(reg, eventBus, keysFor, notify, log)
	if err != nil {
		log.Fatal("Failed to initialize hub manager", zap.Error(err))
	}
	go hubs.Run(ctx)

	// Pane pumps: capture loops feeding the hubs.
	pumps, err := pump.NewManager(reg, hubs,
		func(machine string) (pump.Capturer, error) { return muxFor(machine) },
		cfg.Session.CaptureInterval(), cfg.Session.CaptureLines, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize pump manager", zap.Error(err))
	}
	pumps.StartAll()

	// Permission rendezvous with audit trail.
	audit := permission.NewAudit(cfg.Session.AuditLog, log)
	rdv, err := permission.New(reg, hubs, audit, cfg.Session.PermissionTimeout(), eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize permission rendezvous", zap.Error(err))
	}

	// Speech broker: TTS fallback chain and STT proxy.
	broker, err := speech.NewBroker(cfg.Speech, localExec, log)
	if err != nil {
		log.Fatal("Failed to initialize speech broker", zap.Error(err))
	}

	// SSH tunnels for speech backends served from remote machines.
	tunnels := tunnel.NewManager(pool, cfg.Tunnel.StateDir, log)
	tunnels.Up(ctx, tunnel.ForwardsFromSpeech(cfg.Speech.TTS))

	server := gateway.New(cfg.Server, reg, orch, hubs, broker, rdv, pool, muxFor, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("Shutting down AgentWire portal...")
		cancel()
		if err := <-serverErr; err != nil {
			log.Error("Server shutdown error", zap.Error(err))
		}
	case err := <-serverErr:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
		cancel()
	}

	pumps.Shutdown()
	hubs.Shutdown()
	rdv.Shutdown()
	tunnels.Down()

	log.Info("AgentWire portal stopped")
}
