// Package speech routes synthesis and transcription between agents,
// browsers, and the configured TTS/STT engines. Backends are tried in
// config order behind per-backend circuit breakers.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dotdevdotdev/agentwire/internal/common/config"
	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
)

const (
	breakerTrip     = 3                // consecutive failures before opening
	breakerInterval = 30 * time.Second // failure counting window
	breakerCooldown = 60 * time.Second // open to half-open
	voicesCacheTTL  = 30 * time.Second
)

// Broker is the TTS/STT front end. Safe for concurrent use.
type Broker struct {
	cfg      config.SpeechConfig
	backends []*breakerBackend
	client   *http.Client
	exec     hostexec.Executor
	logger   *logger.Logger

	voicesMu      sync.Mutex
	cachedVoices  []string
	voicesFetched time.Time
}

type breakerBackend struct {
	backend Backend
	cb      *gobreaker.CircuitBreaker
}

// NewBroker builds the broker from the speech section of the configuration.
func NewBroker(cfg config.SpeechConfig, exec hostexec.Executor, log *logger.Logger) (*Broker, error) {
	client := &http.Client{Timeout: cfg.TTSTimeout()}
	b := &Broker{
		cfg:    cfg,
		client: client,
		exec:   exec,
		logger: log.WithFields(zap.String("component", "speech")),
	}
	for _, bc := range cfg.TTS {
		backend, err := NewBackend(bc, client, exec)
		if err != nil {
			return nil, err
		}
		cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     backend.Name(),
			Interval: breakerInterval,
			Timeout:  breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTrip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				b.logger.Warn("tts backend state change",
					zap.String("backend", name),
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		b.backends = append(b.backends, &breakerBackend{backend: backend, cb: cb})
	}
	return b, nil
}

// Synthesize converts text to WAV audio with the first healthy backend and
// prepends leading silence.
func (b *Broker) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if len(b.backends) == 0 {
		return nil, apperrors.TtsUnavailable(errors.New("no tts backend configured"))
	}
	if voice == "" {
		voice = b.cfg.DefaultVoice
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.TTSTimeout())
	defer cancel()

	var lastErr error
	for _, bb := range b.backends {
		out, err := bb.cb.Execute(func() (interface{}, error) {
			return bb.backend.Synthesize(ctx, text, voice)
		})
		if err == nil {
			wav, _ := out.([]byte)
			if wav == nil {
				return nil, nil
			}
			return PrependSilence(wav, silenceMillis), nil
		}
		lastErr = err
		b.logger.Warn("tts backend failed",
			zap.String("backend", bb.backend.Name()), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, apperrors.TtsUnavailable(lastErr)
}

// Transcribe converts audio to text via the configured STT engine. Empty
// text after trimming is a valid empty result, not an error.
func (b *Broker) Transcribe(ctx context.Context, audio []byte, mime string) (string, error) {
	if b.cfg.STTURL == "" {
		return "", apperrors.SttUnavailable(errors.New("no stt engine configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.STTTimeout())
	defer cancel()

	pcm, err := b.toPCM(ctx, audio, mime)
	if err != nil {
		return "", apperrors.SttUnavailable(fmt.Errorf("audio transcode failed: %w", err))
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(pcm); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.STTURL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return "", apperrors.SttUnavailable(fmt.Errorf("stt request failed: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.SttUnavailable(fmt.Errorf("stt engine returned %s", resp.Status))
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", apperrors.SttUnavailable(fmt.Errorf("stt response decode failed: %w", err))
	}
	return strings.TrimSpace(payload.Text), nil
}

// toPCM converts audio to 16-kHz mono PCM WAV with the external transcoder.
// Audio that is already WAV passes through.
func (b *Broker) toPCM(ctx context.Context, audio []byte, mime string) ([]byte, error) {
	if strings.Contains(mime, "wav") || bytes.HasPrefix(audio, []byte("RIFF")) {
		return audio, nil
	}
	transcoder := b.cfg.Transcoder
	if transcoder == "" {
		transcoder = "ffmpeg"
	}
	res, err := b.exec.Run(ctx, []string{
		transcoder, "-hide_banner", "-loglevel", "error",
		"-i", "pipe:0", "-ar", "16000", "-ac", "1", "-f", "wav", "pipe:1",
	}, audio)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("transcoder exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return res.Stdout, nil
}

// Voices returns the engine's voice list, cached for 30 seconds. On fetch
// failure the cached list is returned even when stale.
func (b *Broker) Voices(ctx context.Context) []string {
	b.voicesMu.Lock()
	defer b.voicesMu.Unlock()

	if time.Since(b.voicesFetched) < voicesCacheTTL {
		return b.cachedVoices
	}

	for _, bb := range b.backends {
		voices, err := bb.backend.Voices(ctx)
		if err != nil {
			b.logger.Debug("voices fetch failed",
				zap.String("backend", bb.backend.Name()), zap.Error(err))
			continue
		}
		if voices != nil {
			b.cachedVoices = voices
			b.voicesFetched = time.Now()
			return voices
		}
	}
	// Stale beats empty.
	return b.cachedVoices
}

// readLimit guards against unbounded uploads on the transcribe endpoint.
const readLimit = 32 << 20

// ReadAudio drains an upload stream with a size cap.
func ReadAudio(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, readLimit+1))
	if err != nil {
		return nil, err
	}
	if len(data) > readLimit {
		return nil, apperrors.BadName("audio upload too large")
	}
	return data, nil
}
