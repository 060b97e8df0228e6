package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
	"github.com/dotdevdotdev/agentwire/internal/orchestrator"
	"github.com/dotdevdotdev/agentwire/internal/registry"
)

// sessionView is one session row in listings.
type sessionView struct {
	Name              string `json:"name"`
	Path              string `json:"path"`
	Voice             string `json:"voice"`
	Machine           string `json:"machine"`
	BypassPermissions bool   `json:"bypass_permissions"`
	Restricted        bool   `json:"restricted"`
	Activity          string `json:"activity"`
	Branch            string `json:"branch,omitempty"`
	Parent            string `json:"parent,omitempty"`
}

func (s *Server) sessionView(room *registry.Room) sessionView {
	activity := "idle"
	if roomHub, ok := s.hubs.Peek(room.Key()); ok && roomHub.Active() {
		activity = "active"
	} else if time.Since(room.LastActivity) < 10*time.Second {
		activity = "active"
	}
	return sessionView{
		Name:              room.Key(),
		Path:              room.Path,
		Voice:             room.Voice,
		Machine:           room.Machine,
		BypassPermissions: room.Bypass(),
		Restricted:        room.Restricted(),
		Activity:          activity,
		Branch:            room.Branch,
		Parent:            room.Parent,
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListSessions(c *gin.Context) {
	_ = s.registry.Reconcile(c.Request.Context(), hostexec.LocalMachine)

	local := make([]sessionView, 0)
	for _, room := range s.registry.ListMachine(hostexec.LocalMachine) {
		local = append(local, s.sessionView(room))
	}

	type machineView struct {
		ID           string        `json:"id"`
		SessionCount int           `json:"session_count"`
		Sessions     []sessionView `json:"sessions"`
	}
	machines := make([]machineView, 0)
	for _, machine := range s.pool.Machines() {
		_ = s.registry.Reconcile(c.Request.Context(), machine)
		views := make([]sessionView, 0)
		for _, room := range s.registry.ListMachine(machine) {
			views = append(views, s.sessionView(room))
		}
		machines = append(machines, machineView{ID: machine, SessionCount: len(views), Sessions: views})
	}

	c.JSON(http.StatusOK, gin.H{
		"local":    gin.H{"sessions": local},
		"machines": machines,
	})
}

type createRequest struct {
	Name              string   `json:"name" binding:"required"`
	Path              string   `json:"path"`
	Voice             string   `json:"voice"`
	Machine           string   `json:"machine"`
	Worktree          bool     `json:"worktree"`
	Branch            string   `json:"branch"`
	BypassPermissions bool     `json:"bypass_permissions"`
	Restricted        bool     `json:"restricted"`
	Roles             []string `json:"roles"`
}

func (r createRequest) mode() string {
	switch {
	case r.BypassPermissions:
		return registry.ModeBypass
	case r.Restricted:
		return registry.ModeRestricted
	default:
		return ""
	}
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, apperrors.BadName("invalid create request: "+err.Error()))
		return
	}

	name := req.Name
	if req.Machine != "" && req.Machine != hostexec.LocalMachine {
		name = name + "@" + req.Machine
	}
	branch := req.Branch
	if !req.Worktree {
		branch = ""
	}

	room, err := s.orch.New(c.Request.Context(), orchestrator.NewRequest{
		Name:   name,
		Path:   req.Path,
		Branch: branch,
		Voice:  req.Voice,
		Roles:  req.Roles,
		Mode:   req.mode(),
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"name":    room.Key(),
		"path":    room.Path,
		"branch":  room.Branch,
		"machine": room.Machine,
	})
}

func (s *Server) handleDelete(c *gin.Context) {
	name := wildcardName(c, "name")
	if err := s.orch.Kill(c.Request.Context(), name); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "session " + name + " killed"})
}

// handleSessionVerb dispatches POST /api/session/{name}/{verb}.
func (s *Server) handleSessionVerb(c *gin.Context) {
	path := wildcardName(c, "path")
	name, verb := splitVerb(path, "recreate", "fork", "spawn-sibling", "restart-service", "config")
	if verb == "" {
		abortError(c, apperrors.NotFound("operation", path))
		return
	}

	switch verb {
	case "recreate":
		room, err := s.orch.Recreate(c.Request.Context(), name)
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "name": room.Key(), "path": room.Path})

	case "fork":
		var req struct {
			Target string `json:"target" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, apperrors.BadName("fork needs a target name"))
			return
		}
		room, err := s.orch.Fork(c.Request.Context(), name, req.Target)
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "name": room.Key(), "path": room.Path})

	case "spawn-sibling":
		var req struct {
			Agent  string `json:"agent" binding:"required"`
			Branch string `json:"branch"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, apperrors.BadName("spawn-sibling needs an agent kind"))
			return
		}
		pane, err := s.orch.SpawnPane(c.Request.Context(), name, req.Agent, req.Branch)
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "pane": pane})

	case "restart-service":
		if err := s.orch.RestartService(c.Request.Context(), name); err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})

	case "config":
		var patch registry.ConfigPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			abortError(c, apperrors.BadName("invalid config patch"))
			return
		}
		room, err := s.registry.UpdateConfig(c.Request.Context(), name, patch)
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "session": s.sessionView(room)})
	}
}

func (s *Server) handleCheckPath(c *gin.Context) {
	dir := c.Query("path")
	if dir == "" {
		abortError(c, apperrors.BadName("path query parameter is required"))
		return
	}
	machine := c.DefaultQuery("machine", hostexec.LocalMachine)

	isGit, branch, err := s.orch.CheckPath(c.Request.Context(), machine, dir)
	if err != nil {
		abortError(c, err)
		return
	}
	resp := gin.H{"is_git": isGit}
	if branch != "" {
		resp["current_branch"] = branch
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCheckBranches(c *gin.Context) {
	dir := c.Query("path")
	if dir == "" {
		abortError(c, apperrors.BadName("path query parameter is required"))
		return
	}
	machine := c.DefaultQuery("machine", hostexec.LocalMachine)
	prefix := c.Query("prefix")

	branches, err := s.orch.CheckBranches(c.Request.Context(), machine, dir, prefix)
	if err != nil {
		abortError(c, err)
		return
	}
	if branches == nil {
		branches = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"existing": branches})
}
