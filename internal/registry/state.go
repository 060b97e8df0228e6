package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// roomSettings is the on-disk shape of a room's persisted settings. Rooms
// discovered by reconciliation get their settings restored from this file.
type roomSettings struct {
	Voice             string   `json:"voice,omitempty"`
	BypassPermissions bool     `json:"bypass_permissions,omitempty"`
	Restricted        bool     `json:"restricted,omitempty"`
	Parent            string   `json:"parent,omitempty"`
	Roles             []string `json:"roles,omitempty"`
}

// stateFile persists the room id -> settings map as JSON.
type stateFile struct {
	path string
	mu   sync.Mutex
}

func newStateFile(path string) *stateFile {
	return &stateFile{path: path}
}

func (s *stateFile) load() (map[string]roomSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]roomSettings{}, nil
		}
		return nil, err
	}
	settings := map[string]roomSettings{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *stateFile) save(settings map[string]roomSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func settingsFromRoom(r *Room) roomSettings {
	return roomSettings{
		Voice:             r.Voice,
		BypassPermissions: r.Mode == ModeBypass,
		Restricted:        r.Mode == ModeRestricted,
		Parent:            r.Parent,
		Roles:             r.Roles,
	}
}

func (rs roomSettings) mode(fallback string) string {
	switch {
	case rs.Restricted:
		return ModeRestricted
	case rs.BypassPermissions:
		return ModeBypass
	default:
		return fallback
	}
}
