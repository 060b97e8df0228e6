package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
)

// handlePermission dispatches POST /api/permission/{name} (the blocking
// hook call) and POST /api/permission/{name}/respond (the browser's
// decision).
func (s *Server) handlePermission(c *gin.Context) {
	path := wildcardName(c, "path")
	name, verb := splitVerb(path, "respond")

	if verb == "respond" {
		s.handlePermissionRespond(c, name)
		return
	}
	s.handlePermissionRequest(c, name)
}

func (s *Server) handlePermissionRequest(c *gin.Context, name string) {
	var req struct {
		ToolName  string          `json:"tool_name" binding:"required"`
		ToolInput json.RawMessage `json:"tool_input"`
		Message   string          `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, apperrors.BadName("tool_name field is required"))
		return
	}

	decision, err := s.rdv.Request(c.Request.Context(), name, req.ToolName, req.ToolInput, req.Message)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handlePermissionRespond(c *gin.Context, name string) {
	var req struct {
		Decision string `json:"decision" binding:"required"`
		Message  string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, apperrors.BadName("decision field is required"))
		return
	}

	if err := s.rdv.Respond(name, req.Decision, req.Message); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleAnswer resolves the room's pending question.
func (s *Server) handleAnswer(c *gin.Context) {
	name := wildcardName(c, "name")
	var req struct {
		Answer       string `json:"answer"`
		OptionNumber string `json:"option_number"`
		Custom       bool   `json:"custom"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, apperrors.BadName("invalid answer request"))
		return
	}

	roomHub, err := s.hubs.Get(name)
	if err != nil {
		abortError(c, err)
		return
	}

	answer := req.Answer
	if answer == "" {
		answer = req.OptionNumber
	}
	if answer == "" {
		abortError(c, apperrors.BadName("answer or option_number is required"))
		return
	}

	if err := roomHub.AnswerQuestion(c.Request.Context(), answer); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
