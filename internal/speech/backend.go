package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dotdevdotdev/agentwire/internal/common/config"
	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
)

// Backend synthesizes speech from text. Implementations are tried in config
// order by the broker.
type Backend interface {
	Name() string
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
	Voices(ctx context.Context) ([]string, error)
}

// NewBackend builds one backend from its config entry.
func NewBackend(b config.SpeechBackend, client *http.Client, exec hostexec.Executor) (Backend, error) {
	switch b.Kind {
	case "network":
		url := b.URL
		if url == "" {
			host := b.Host
			if host == "" {
				host = "127.0.0.1"
			}
			url = fmt.Sprintf("http://%s:%d", host, b.Port)
		}
		return &networkBackend{baseURL: strings.TrimRight(url, "/"), client: client}, nil
	case "local":
		if b.Command == "" {
			return nil, apperrors.BadName("local tts backend needs a command")
		}
		return &localBackend{command: b.Command, exec: exec}, nil
	case "none":
		return noneBackend{}, nil
	default:
		return nil, apperrors.BadName("unknown tts backend kind " + b.Kind)
	}
}

// networkBackend talks to an HTTP TTS engine: JSON in, WAV out.
type networkBackend struct {
	baseURL string
	client  *http.Client
}

func (n *networkBackend) Name() string { return "network " + n.baseURL }

func (n *networkBackend) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	body, _ := json.Marshal(map[string]string{"text": text, "voice": voice})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("tts engine returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts engine returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return io.ReadAll(resp.Body)
}

func (n *networkBackend) Voices(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/voices", nil)
	if err != nil {
		return nil, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voices request returned %s", resp.Status)
	}
	var payload struct {
		Voices []string `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Voices, nil
}

// localBackend spawns a synthesizer process that reads text on stdin and
// writes WAV to stdout.
type localBackend struct {
	command string
	exec    hostexec.Executor
}

func (l *localBackend) Name() string { return "local " + l.command }

func (l *localBackend) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	argv := strings.Fields(l.command)
	if voice != "" {
		argv = append(argv, "--voice", voice)
	}
	res, err := l.exec.Run(ctx, argv, []byte(text))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("synthesizer exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return res.Stdout, nil
}

func (l *localBackend) Voices(ctx context.Context) ([]string, error) {
	return nil, nil
}

// noneBackend swallows synthesis requests, for text-only deployments.
type noneBackend struct{}

func (noneBackend) Name() string { return "none" }

func (noneBackend) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	return nil, nil
}

func (noneBackend) Voices(ctx context.Context) ([]string, error) { return nil, nil }
