package registry

import "time"

// Permission modes.
const (
	ModeBypass     = "bypass"
	ModePrompted   = "prompted"
	ModeRestricted = "restricted"
)

// Room is one agent session inside one multiplexer session.
type Room struct {
	ID           ID        `json:"-"`
	Machine      string    `json:"machine"`
	Path         string    `json:"path"`
	Branch       string    `json:"branch,omitempty"`
	Mode         string    `json:"mode"`
	Voice        string    `json:"voice"`
	Roles        []string  `json:"roles,omitempty"`
	Parent       string    `json:"parent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Key returns the canonical id string, unique across the registry.
func (r *Room) Key() string { return r.ID.String() }

// Bypass reports whether the room skips permission prompts entirely.
func (r *Room) Bypass() bool { return r.Mode == ModeBypass }

// Restricted reports whether permission requests resolve from the built-in
// policy without surfacing to browsers.
func (r *Room) Restricted() bool { return r.Mode == ModeRestricted }

// ConfigPatch is a partial update to a room's settings. Nil fields are left
// unchanged.
type ConfigPatch struct {
	Voice  *string   `json:"voice,omitempty"`
	Mode   *string   `json:"mode,omitempty"`
	Parent *string   `json:"parent,omitempty"`
	Roles  *[]string `json:"roles,omitempty"`
}
