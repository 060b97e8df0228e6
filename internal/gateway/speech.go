package gateway

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/speech"
	"github.com/dotdevdotdev/agentwire/pkg/wire"
)

func (s *Server) handleTranscribe(c *gin.Context) {
	file, header, err := c.Request.FormFile("audio")
	if err != nil {
		abortError(c, apperrors.BadName("multipart audio field is required"))
		return
	}
	defer file.Close()

	audio, err := speech.ReadAudio(file)
	if err != nil {
		abortError(c, err)
		return
	}
	s.persistUpload(audio, header.Header.Get("Content-Type"))

	text, err := s.broker.Transcribe(c.Request.Context(), audio, header.Header.Get("Content-Type"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}

// persistUpload keeps a copy of each transcription upload under the
// configured upload directory. Failures are logged, never surfaced.
func (s *Server) persistUpload(audio []byte, mime string) {
	if s.cfg.UploadDir == "" {
		return
	}
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		s.logger.Warn("upload dir create failed", zap.Error(err))
		return
	}
	name := filepath.Join(s.cfg.UploadDir, uuid.NewString()+uploadExt(mime))
	if err := os.WriteFile(name, audio, 0o600); err != nil {
		s.logger.Warn("upload persist failed", zap.Error(err))
	}
}

func uploadExt(mime string) string {
	switch {
	case strings.Contains(mime, "wav"):
		return ".wav"
	case strings.Contains(mime, "webm"):
		return ".webm"
	case strings.Contains(mime, "ogg"):
		return ".ogg"
	default:
		return ".bin"
	}
}

type sendRequest struct {
	Text string `json:"text" binding:"required"`
}

// handleSend writes text into the room's pane as keystrokes.
func (s *Server) handleSend(c *gin.Context) {
	name := wildcardName(c, "name")
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, apperrors.BadName("text field is required"))
		return
	}

	if err := s.keySender(name)(c.Request.Context(), req.Text); err != nil {
		abortError(c, err)
		return
	}
	s.registry.Touch(name)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type sayRequest struct {
	Text  string `json:"text" binding:"required"`
	Voice string `json:"voice"`
}

// handleSay synthesizes text and streams the audio to the room's
// subscribers. The HTTP response returns after the broadcast is enqueued.
func (s *Server) handleSay(c *gin.Context) {
	name := wildcardName(c, "name")
	room, err := s.registry.Get(name)
	if err != nil {
		abortError(c, err)
		return
	}

	var req sayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, apperrors.BadName("text field is required"))
		return
	}
	voice := req.Voice
	if voice == "" {
		voice = room.Voice
	}

	s.hubs.Broadcast(name, wire.TTSStart(req.Text))

	audio, err := s.broker.Synthesize(c.Request.Context(), req.Text, voice)
	if err != nil {
		abortError(c, err)
		return
	}
	if len(audio) > 0 {
		s.hubs.Broadcast(name, wire.AudioFrame(base64.StdEncoding.EncodeToString(audio)))
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleVoices(c *gin.Context) {
	voices := s.broker.Voices(c.Request.Context())
	if voices == nil {
		voices = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"voices": voices})
}
