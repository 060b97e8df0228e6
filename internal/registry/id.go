// Package registry holds the canonical room table and reconciles it against
// the multiplexer on each host.
package registry

import (
	"regexp"
	"strings"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
)

// segmentRe validates one name segment: project, branch, bare name, or
// machine id.
var segmentRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,49}$`)

// ID is a parsed canonical room id. The canonical string forms are "name",
// "project/branch", and either with an "@machine" suffix.
type ID struct {
	Project string // empty for bare names
	Branch  string // empty for bare names
	Name    string // bare name, or "project/branch"
	Machine string // "local" when no suffix
}

// String returns the canonical form.
func (id ID) String() string {
	if id.Machine == "" || id.Machine == "local" {
		return id.Name
	}
	return id.Name + "@" + id.Machine
}

// HasWorktree reports whether the id names a worktree-backed room.
func (id ID) HasWorktree() bool {
	return id.Branch != ""
}

// ParseID parses and validates a canonical room id.
func ParseID(s string) (ID, error) {
	if s == "" {
		return ID{}, apperrors.BadName("empty session name")
	}

	name := s
	machine := "local"
	if at := strings.LastIndexByte(s, '@'); at >= 0 {
		name = s[:at]
		machine = s[at+1:]
		if !segmentRe.MatchString(machine) {
			return ID{}, apperrors.BadName("invalid machine id " + quoteName(machine))
		}
	}

	id := ID{Name: name, Machine: machine}
	if slash := strings.IndexByte(name, '/'); slash >= 0 {
		id.Project = name[:slash]
		id.Branch = name[slash+1:]
		if !segmentRe.MatchString(id.Project) || !segmentRe.MatchString(id.Branch) {
			return ID{}, apperrors.BadName("invalid session name " + quoteName(s))
		}
	} else if !segmentRe.MatchString(name) {
		return ID{}, apperrors.BadName("invalid session name " + quoteName(s))
	}

	return id, nil
}

// quoteName quotes a possibly hostile name for error messages.
func quoteName(s string) string {
	if len(s) > 64 {
		s = s[:64]
	}
	return "\"" + strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return '?'
		}
		return r
	}, s) + "\""
}
