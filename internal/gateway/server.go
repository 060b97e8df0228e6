// Package gateway is the portal's HTTP and WebSocket surface. It translates
// external calls into registry, orchestrator, speech, hub, and permission
// operations.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dotdevdotdev/agentwire/internal/common/config"
	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
	"github.com/dotdevdotdev/agentwire/internal/hub"
	"github.com/dotdevdotdev/agentwire/internal/mux"
	"github.com/dotdevdotdev/agentwire/internal/orchestrator"
	"github.com/dotdevdotdev/agentwire/internal/permission"
	"github.com/dotdevdotdev/agentwire/internal/registry"
	"github.com/dotdevdotdev/agentwire/internal/speech"
)

// MuxProvider resolves the multiplexer adapter for a machine.
type MuxProvider func(machine string) (*mux.Adapter, error)

// Server owns the gin engine and the HTTP listener.
type Server struct {
	cfg      config.ServerConfig
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	hubs     *hub.Manager
	broker   *speech.Broker
	rdv      *permission.Rendezvous
	pool     *hostexec.Pool
	muxFor   MuxProvider
	logger   *logger.Logger

	engine *gin.Engine
	http   *http.Server
}

// New builds the server and registers every route.
func New(cfg config.ServerConfig, reg *registry.Registry, orch *orchestrator.Orchestrator,
	hubs *hub.Manager, broker *speech.Broker, rdv *permission.Rendezvous,
	pool *hostexec.Pool, muxFor MuxProvider, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		registry: reg,
		orch:     orch,
		hubs:     hubs,
		broker:   broker,
		rdv:      rdv,
		pool:     pool,
		muxFor:   muxFor,
		logger:   log.WithFields(zap.String("component", "gateway")),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	s.engine = engine
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine

	r.GET("/healthz", s.handleHealthz)
	r.GET("/api/sessions", s.handleListSessions)
	r.POST("/api/create", s.handleCreate)
	// The wire surface has two historical spellings; both resolve to the
	// same handlers.
	r.DELETE("/api/sessions/*name", s.handleDelete)
	r.DELETE("/api/rooms/*name", s.handleDelete)
	r.POST("/api/session/*path", s.handleSessionVerb)
	r.POST("/api/room/*path", s.handleSessionVerb)

	r.GET("/api/check-path", s.handleCheckPath)
	r.GET("/api/check-branches", s.handleCheckBranches)

	r.POST("/transcribe", s.handleTranscribe)
	r.POST("/send/*name", s.handleSend)
	r.POST("/api/say/*name", s.handleSay)
	r.GET("/api/voices", s.handleVoices)

	r.POST("/api/permission/*path", s.handlePermission)
	r.POST("/api/answer/*name", s.handleAnswer)

	r.GET("/ws/*name", s.handleWebSocket)
}

// Run serves until ctx is cancelled, then drains with a bounded timeout.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// abortError writes the taxonomy error body for err.
func abortError(c *gin.Context, err error) {
	c.JSON(apperrors.HTTPStatus(err), apperrors.Body(err))
}

// wildcardName extracts the room name from a gin wildcard parameter.
func wildcardName(c *gin.Context, param string) string {
	return strings.TrimPrefix(c.Param(param), "/")
}

// splitVerb splits "api/feat/recreate" into name and trailing verb when the
// last segment is one of the known verbs.
func splitVerb(path string, verbs ...string) (name, verb string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path, ""
	}
	last := path[idx+1:]
	for _, v := range verbs {
		if last == v {
			return path[:idx], last
		}
	}
	return path, ""
}

// keySender builds the hub's pane-keystroke writer for one room.
func (s *Server) keySender(roomKey string) hub.KeySender {
	return func(ctx context.Context, text string) error {
		room, err := s.registry.Get(roomKey)
		if err != nil {
			return err
		}
		adapter, err := s.muxFor(room.Machine)
		if err != nil {
			return err
		}
		return adapter.SendKeys(ctx, room.ID.Name, text)
	}
}
