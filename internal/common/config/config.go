// Package config provides configuration management for the AgentWire portal.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the portal.
type Config struct {
	Server  ServerConfig           `mapstructure:"server"`
	Logging LoggingConfig          `mapstructure:"logging"`
	Hosts   map[string]HostConfig  `mapstructure:"hosts"`
	Session SessionConfig          `mapstructure:"session"`
	Speech  SpeechConfig           `mapstructure:"speech"`
	Tunnel  TunnelConfig           `mapstructure:"tunnel"`
	Events  EventsConfig           `mapstructure:"events"`
	Agents  map[string]AgentConfig `mapstructure:"agents"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	BaseURL      string `mapstructure:"baseUrl"` // advertised to agents via AGENTWIRE_URL
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
	UploadDir    string `mapstructure:"uploadDir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HostConfig describes a remote machine sessions can run on.
// The machine id "local" is implicit and never configured here.
type HostConfig struct {
	SSHTarget    string `mapstructure:"sshTarget"`    // user@host[:port]
	ProjectsRoot string `mapstructure:"projectsRoot"` // directory containing project checkouts
	IdentityFile string `mapstructure:"identityFile"` // private key path; empty uses ~/.ssh/id_ed25519
	MaxChannels  int    `mapstructure:"maxChannels"`  // concurrent SSH channels per host
}

// SessionConfig holds session lifecycle and pump configuration.
type SessionConfig struct {
	ProjectsRoot       string `mapstructure:"projectsRoot"`       // local projects root
	StateFile          string `mapstructure:"stateFile"`          // per-room settings JSON
	AuditLog           string `mapstructure:"auditLog"`           // permission decisions, JSON per line
	AgentCommand       string `mapstructure:"agentCommand"`       // agent binary launched in pane 0
	AgentStateDir      string `mapstructure:"agentStateDir"`      // conversation state files, for fork
	DefaultMode        string `mapstructure:"defaultMode"`        // bypass, prompted, restricted
	CaptureLines       int    `mapstructure:"captureLines"`       // pane snapshot window
	CaptureIntervalMs  int    `mapstructure:"captureIntervalMs"`  // pump tick
	ReconcileIntervalS int    `mapstructure:"reconcileIntervalS"` // registry timer
	PermissionDeadline int    `mapstructure:"permissionDeadlineS"`
	GracefulExitWaitS  int    `mapstructure:"gracefulExitWaitS"`
	TalkerLockTTLS     int    `mapstructure:"talkerLockTtlS"`
	WorkerPaneLimit    int    `mapstructure:"workerPaneLimit"` // concurrent lightweight worker panes
}

// SpeechBackend describes one TTS engine, tried in config order.
type SpeechBackend struct {
	Kind    string `mapstructure:"kind"`    // network, local, none
	URL     string `mapstructure:"url"`     // network: POST endpoint
	Command string `mapstructure:"command"` // local: argv[0] of the spawned synthesizer
	Host    string `mapstructure:"host"`    // machine id when served behind a tunnel
	Port    int    `mapstructure:"port"`
}

// SpeechConfig holds TTS/STT broker configuration.
type SpeechConfig struct {
	TTS         []SpeechBackend `mapstructure:"tts"`
	STTURL      string          `mapstructure:"sttUrl"`
	TTSTimeoutS int             `mapstructure:"ttsTimeoutS"`
	STTTimeoutS int             `mapstructure:"sttTimeoutS"`
	Transcoder  string          `mapstructure:"transcoder"` // external tool for PCM conversion
	DefaultVoice string         `mapstructure:"defaultVoice"`
}

// TunnelConfig holds SSH port-forward configuration.
type TunnelConfig struct {
	StateDir string `mapstructure:"stateDir"` // PID files for tracked forwards
}

// EventsConfig holds event bus configuration. Empty URL selects the
// in-memory bus.
type EventsConfig struct {
	NATSURL string `mapstructure:"natsUrl"`
}

// AgentConfig describes a worker pane agent type.
type AgentConfig struct {
	Command       string `mapstructure:"command"`
	MaxConcurrent int    `mapstructure:"maxConcurrent"`
}

// CaptureInterval returns the pump tick as a duration.
func (s *SessionConfig) CaptureInterval() time.Duration {
	return time.Duration(s.CaptureIntervalMs) * time.Millisecond
}

// ReconcileInterval returns the registry reconcile timer as a duration.
func (s *SessionConfig) ReconcileInterval() time.Duration {
	return time.Duration(s.ReconcileIntervalS) * time.Second
}

// PermissionTimeout returns the rendezvous deadline as a duration.
func (s *SessionConfig) PermissionTimeout() time.Duration {
	return time.Duration(s.PermissionDeadline) * time.Second
}

// GracefulExitWait returns the graceful session exit wait as a duration.
func (s *SessionConfig) GracefulExitWait() time.Duration {
	return time.Duration(s.GracefulExitWaitS) * time.Second
}

// TalkerLockTTL returns the push-to-talk lock TTL as a duration.
func (s *SessionConfig) TalkerLockTTL() time.Duration {
	return time.Duration(s.TalkerLockTTLS) * time.Second
}

// TTSTimeout returns the synthesis deadline as a duration.
func (s *SpeechConfig) TTSTimeout() time.Duration {
	return time.Duration(s.TTSTimeoutS) * time.Second
}

// STTTimeout returns the transcription deadline as a duration.
func (s *SpeechConfig) STTTimeout() time.Duration {
	return time.Duration(s.STTTimeoutS) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// recognizedKeys lists every config key the portal understands. Unknown keys
// in the config file produce a warning, never an error.
var recognizedSections = map[string]bool{
	"server": true, "logging": true, "hosts": true, "session": true,
	"speech": true, "tunnel": true, "events": true, "agents": true,
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.baseUrl", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // long-poll permission requests need no write cap
	v.SetDefault("server.uploadDir", filepath.Join(home, ".agentwire", "uploads"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("session.projectsRoot", filepath.Join(home, "projects"))
	v.SetDefault("session.stateFile", filepath.Join(home, ".agentwire", "rooms.json"))
	v.SetDefault("session.auditLog", filepath.Join(home, ".agentwire", "audit.log"))
	v.SetDefault("session.agentCommand", "claude")
	v.SetDefault("session.agentStateDir", filepath.Join(home, ".claude", "projects"))
	v.SetDefault("session.defaultMode", "prompted")
	v.SetDefault("session.captureLines", 400)
	v.SetDefault("session.captureIntervalMs", 300)
	v.SetDefault("session.reconcileIntervalS", 5)
	v.SetDefault("session.permissionDeadlineS", 300)
	v.SetDefault("session.gracefulExitWaitS", 3)
	v.SetDefault("session.talkerLockTtlS", 15)
	v.SetDefault("session.workerPaneLimit", 2)

	v.SetDefault("speech.ttsTimeoutS", 60)
	v.SetDefault("speech.sttTimeoutS", 30)
	v.SetDefault("speech.transcoder", "ffmpeg")
	v.SetDefault("speech.defaultVoice", "default")

	v.SetDefault("tunnel.stateDir", filepath.Join(home, ".agentwire", "tunnels"))

	v.SetDefault("events.natsUrl", "")
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTWIRE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the AGENTWIRE_ prefix.
func Load() (*Config, []string, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. The second return value lists unknown config keys found in the
// file; callers should warn about them.
func LoadWithPath(configPath string) (*Config, []string, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".agentwire"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var unknown []string
	for _, key := range v.AllKeys() {
		section := strings.SplitN(key, ".", 2)[0]
		if !recognizedSections[section] {
			unknown = append(unknown, key)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, unknown, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	validModes := map[string]bool{"bypass": true, "prompted": true, "restricted": true}
	if !validModes[cfg.Session.DefaultMode] {
		errs = append(errs, "session.defaultMode must be one of: bypass, prompted, restricted")
	}

	if cfg.Session.CaptureLines <= 0 {
		errs = append(errs, "session.captureLines must be positive")
	}
	if cfg.Session.CaptureIntervalMs <= 0 {
		errs = append(errs, "session.captureIntervalMs must be positive")
	}

	for id, h := range cfg.Hosts {
		if id == "local" {
			errs = append(errs, "hosts: machine id 'local' is reserved")
		}
		if h.SSHTarget == "" {
			errs = append(errs, fmt.Sprintf("hosts.%s.sshTarget is required", id))
		}
	}

	for kind, a := range cfg.Agents {
		if a.Command == "" {
			errs = append(errs, fmt.Sprintf("agents.%s.command is required", kind))
		}
	}

	for i, b := range cfg.Speech.TTS {
		switch b.Kind {
		case "network":
			if b.URL == "" && b.Port == 0 {
				errs = append(errs, fmt.Sprintf("speech.tts[%d]: network backend needs url or port", i))
			}
		case "local":
			if b.Command == "" {
				errs = append(errs, fmt.Sprintf("speech.tts[%d]: local backend needs command", i))
			}
		case "none":
		default:
			errs = append(errs, fmt.Sprintf("speech.tts[%d].kind must be one of: network, local, none", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
