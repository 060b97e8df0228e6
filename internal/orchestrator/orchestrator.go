// Package orchestrator implements the session lifecycle verbs: new, fork,
// recreate, kill, and worker pane spawning. Every verb is atomic from the
// caller's view and rolls back what it created on failure.
package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotdevdotdev/agentwire/internal/common/config"
	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/common/logger"
	"github.com/dotdevdotdev/agentwire/internal/events"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
	"github.com/dotdevdotdev/agentwire/internal/registry"
)

// bypassFlag is appended to the agent command in bypass mode.
const bypassFlag = "--dangerously-skip-permissions"

// resumeFlag makes a forked agent pick up the copied conversation state.
const resumeFlag = "--continue"

// Muxer is the slice of the multiplexer adapter the orchestrator uses.
type Muxer interface {
	NewSession(ctx context.Context, id, cwd string, initialCommand []string, env map[string]string) error
	KillSession(ctx context.Context, id string) error
	HasSession(ctx context.Context, id string) bool
	SendKeys(ctx context.Context, id, text string) error
	SendKeyGroups(ctx context.Context, id string, groups ...string) error
	SpawnPane(ctx context.Context, id string, cwd string, cmd []string) (int, error)
	KillPane(ctx context.Context, id string, index int) error
}

// Worktreer is the slice of the worktree manager the orchestrator uses.
type Worktreer interface {
	IsGitRepo(ctx context.Context, dir string) bool
	CurrentBranch(ctx context.Context, dir string) (string, error)
	BranchesWithPrefix(ctx context.Context, repoPath, prefix string) ([]string, error)
	Create(ctx context.Context, repoPath, projectsRoot, project, branch string) (string, error)
	Remove(ctx context.Context, repoPath, wtPath string) error
	FetchBase(ctx context.Context, repoPath string) error
}

// Deps are the per-machine collaborators, resolved by machine id.
type Deps struct {
	Mux      func(machine string) (Muxer, error)
	Worktree func(machine string) (Worktreer, error)
	Exec     func(machine string) (hostexec.Executor, error)
	Projects func(machine string) string // projects root on that machine
}

// Orchestrator composes the host executor, multiplexer adapter, and
// registry into atomic lifecycle verbs. Verbs on the same room id are
// serialized; verbs on different rooms run in parallel.
type Orchestrator struct {
	cfg      config.SessionConfig
	agents   map[string]config.AgentConfig
	deps     Deps
	registry *registry.Registry
	baseURL  string
	logger   *logger.Logger

	lockMu  sync.Mutex
	idLocks map[string]*sync.Mutex

	paneMu     sync.Mutex
	paneCounts map[string]map[string]int // room -> agent kind -> live panes
}

// New creates an orchestrator.
func New(cfg config.SessionConfig, agents map[string]config.AgentConfig, deps Deps,
	reg *registry.Registry, baseURL string, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		agents:     agents,
		deps:       deps,
		registry:   reg,
		baseURL:    baseURL,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		idLocks:    make(map[string]*sync.Mutex),
		paneCounts: make(map[string]map[string]int),
	}
}

// lockFor returns the serialization lock for one room id.
func (o *Orchestrator) lockFor(id string) *sync.Mutex {
	o.lockMu.Lock()
	defer o.lockMu.Unlock()
	if l, ok := o.idLocks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	o.idLocks[id] = l
	return l
}

// NewRequest holds the parameters of the new verb.
type NewRequest struct {
	Name    string // canonical id, may carry project/branch and @machine
	Path    string // working directory; derived from projects root when empty
	Branch  string // worktree branch; implied by project/branch names
	Voice   string
	Roles   []string
	Mode    string // bypass, prompted, restricted; default from config
}

// New creates a multiplexer session and registers the room. On any failure
// it rolls back the worktree and role files it created.
func (o *Orchestrator) New(ctx context.Context, req NewRequest) (*registry.Room, error) {
	id, err := registry.ParseID(req.Name)
	if err != nil {
		return nil, err
	}
	key := id.String()

	lock := o.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if _, err := o.registry.Get(key); err == nil {
		return nil, apperrors.AlreadyExists("session", key)
	}

	m, err := o.deps.Mux(id.Machine)
	if err != nil {
		return nil, err
	}
	if m.HasSession(ctx, id.Name) {
		return nil, apperrors.AlreadyExists("session", key)
	}

	wt, err := o.deps.Worktree(id.Machine)
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = o.cfg.DefaultMode
	}
	switch mode {
	case registry.ModeBypass, registry.ModePrompted, registry.ModeRestricted:
	default:
		return nil, apperrors.BadName("unknown permission mode " + mode)
	}

	branch := req.Branch
	if branch == "" {
		branch = id.Branch
	}

	projectsRoot := o.deps.Projects(id.Machine)
	cwd := req.Path
	if cwd == "" {
		project := id.Project
		if project == "" {
			project = id.Name
		}
		cwd = path.Join(projectsRoot, project)
	}

	// Rollback bookkeeping.
	var createdWorktree string
	var repoPath string
	var roleFiles []string
	rollback := func() {
		if len(roleFiles) > 0 {
			o.removeRoleFiles(ctx, id.Machine, roleFiles)
		}
		if createdWorktree != "" {
			if err := wt.Remove(ctx, repoPath, createdWorktree); err != nil {
				o.logger.Warn("rollback: worktree removal failed",
					zap.String("path", createdWorktree), zap.Error(err))
			}
		}
	}

	if branch != "" && wt.IsGitRepo(ctx, cwd) {
		project := id.Project
		if project == "" {
			project = id.Name
		}
		repoPath = cwd
		wtPath, err := wt.Create(ctx, repoPath, projectsRoot, project, branch)
		if err != nil {
			return nil, apperrors.Wrap(err, "worktree create failed")
		}
		createdWorktree = wtPath
		cwd = wtPath
	}

	if len(req.Roles) > 0 {
		files, err := o.writeRoleFiles(ctx, id.Machine, cwd, req.Roles)
		if err != nil {
			rollback()
			return nil, apperrors.Wrap(err, "role files failed")
		}
		roleFiles = files
	}

	if mode == registry.ModeRestricted {
		file, err := o.writePolicyFile(ctx, id.Machine, cwd)
		if err != nil {
			rollback()
			return nil, apperrors.Wrap(err, "policy file failed")
		}
		roleFiles = append(roleFiles, file)
	}

	command := o.agentCommand(mode)
	env := map[string]string{
		"AGENTWIRE_ROOM": key,
		"AGENTWIRE_URL":  o.baseURL,
	}

	if err := m.NewSession(ctx, id.Name, cwd, command, env); err != nil {
		rollback()
		return nil, err
	}

	now := time.Now()
	room := &registry.Room{
		ID:           id,
		Machine:      id.Machine,
		Path:         cwd,
		Branch:       branch,
		Mode:         mode,
		Voice:        req.Voice,
		Roles:        req.Roles,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := o.registry.Put(ctx, room); err != nil {
		_ = m.KillSession(ctx, id.Name)
		rollback()
		return nil, err
	}

	o.logger.Info("created session",
		zap.String("room", key), zap.String("path", cwd), zap.String("mode", mode))
	return room, nil
}

// agentCommand composes the agent's command line from the permission mode.
func (o *Orchestrator) agentCommand(mode string, extra ...string) []string {
	cmd := []string{o.cfg.AgentCommand}
	if mode == registry.ModeBypass {
		cmd = append(cmd, bypassFlag)
	}
	return append(cmd, extra...)
}

// Kill sends a graceful exit, removes the worktree if present, and deletes
// the registry entry. Of two concurrent kills, exactly one wins; the other
// sees NotFound.
func (o *Orchestrator) Kill(ctx context.Context, idStr string) error {
	id, err := registry.ParseID(idStr)
	if err != nil {
		return err
	}
	key := id.String()

	lock := o.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	room, err := o.registry.Get(key)
	if err != nil {
		return err
	}

	m, err := o.deps.Mux(room.Machine)
	if err != nil {
		return err
	}
	if err := m.KillSession(ctx, room.ID.Name); err != nil && !apperrors.IsNotFound(err) {
		return err
	}

	if room.Branch != "" {
		o.removeWorktree(ctx, room)
	}

	o.paneMu.Lock()
	delete(o.paneCounts, key)
	o.paneMu.Unlock()

	if err := o.registry.Delete(ctx, key, events.ReasonKilled); err != nil {
		return err
	}

	o.logger.Info("killed session", zap.String("room", key))
	return nil
}

func (o *Orchestrator) removeWorktree(ctx context.Context, room *registry.Room) {
	wt, err := o.deps.Worktree(room.Machine)
	if err != nil {
		return
	}
	project := room.ID.Project
	if project == "" {
		project = room.ID.Name
	}
	repoPath := path.Join(o.deps.Projects(room.Machine), project)
	if err := wt.Remove(ctx, repoPath, room.Path); err != nil {
		o.logger.Warn("worktree removal failed",
			zap.String("room", room.Key()), zap.Error(err))
	}
}

// Fork copies the source room's conversation state into the target project
// directory and creates the target resuming from it.
func (o *Orchestrator) Fork(ctx context.Context, sourceID, targetID string) (*registry.Room, error) {
	src, err := registry.ParseID(sourceID)
	if err != nil {
		return nil, err
	}
	dst, err := registry.ParseID(targetID)
	if err != nil {
		return nil, err
	}
	if src.String() == dst.String() {
		return nil, apperrors.BadName("fork target equals source")
	}

	source, err := o.registry.Get(src.String())
	if err != nil {
		return nil, err
	}
	if _, err := o.registry.Get(dst.String()); err == nil {
		return nil, apperrors.AlreadyExists("session", dst.String())
	}

	room, err := o.New(ctx, NewRequest{
		Name:  targetID,
		Voice: source.Voice,
		Roles: source.Roles,
		Mode:  source.Mode,
	})
	if err != nil {
		return nil, err
	}

	if err := o.copyConversationState(ctx, source, room); err != nil {
		// State copy failure undoes the fork.
		_ = o.Kill(ctx, room.Key())
		return nil, apperrors.Wrap(err, "conversation state copy failed")
	}

	// Restart the agent with the resume flag now that state is in place.
	m, err := o.deps.Mux(room.Machine)
	if err != nil {
		return nil, err
	}
	if err := m.SendKeyGroups(ctx, room.ID.Name, "C-c"); err != nil {
		return nil, err
	}
	if err := m.SendKeys(ctx, room.ID.Name, strings.Join(o.agentCommand(room.Mode, resumeFlag), " ")); err != nil {
		return nil, err
	}

	o.logger.Info("forked session",
		zap.String("source", source.Key()), zap.String("target", room.Key()))
	return room, nil
}

// copyConversationState copies the newest conversation state file from the
// source project's state directory into the target's. The state directory
// layout encodes the working directory into the directory name.
func (o *Orchestrator) copyConversationState(ctx context.Context, source, target *registry.Room) error {
	exec, err := o.deps.Exec(target.Machine)
	if err != nil {
		return err
	}

	srcDir := path.Join(o.cfg.AgentStateDir, encodeStatePath(source.Path))
	dstDir := path.Join(o.cfg.AgentStateDir, encodeStatePath(target.Path))

	if _, err := exec.Run(ctx, []string{"mkdir", "-p", "--", dstDir}, nil); err != nil {
		return err
	}

	// Copy the most recently modified state file.
	res, err := exec.Run(ctx, []string{"sh", "-c",
		fmt.Sprintf("ls -t %s/*.jsonl 2>/dev/null | head -1",
			hostexec.ShellQuote(srcDir))}, nil)
	if err != nil {
		return err
	}
	newest := strings.TrimSpace(string(res.Stdout))
	if newest == "" {
		return apperrors.NotFound("conversation state", source.Key())
	}

	res, err = exec.Run(ctx, []string{"cp", "--", newest, dstDir + "/"}, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperrors.Internal("state copy failed: "+string(res.Stderr), nil)
	}
	return nil
}

// encodeStatePath converts a working directory to the agent's state
// directory naming convention.
func encodeStatePath(cwd string) string {
	return strings.ReplaceAll(cwd, "/", "-")
}

// Recreate kills a room, refreshes its base branch if worktree-backed, and
// creates it again with the same parameters.
func (o *Orchestrator) Recreate(ctx context.Context, idStr string) (*registry.Room, error) {
	id, err := registry.ParseID(idStr)
	if err != nil {
		return nil, err
	}

	room, err := o.registry.Get(id.String())
	if err != nil {
		return nil, err
	}
	prior := *room

	if err := o.Kill(ctx, id.String()); err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}

	if prior.Branch != "" {
		project := prior.ID.Project
		if project == "" {
			project = prior.ID.Name
		}
		repoPath := path.Join(o.deps.Projects(prior.Machine), project)
		if wt, err := o.deps.Worktree(prior.Machine); err == nil {
			if err := wt.FetchBase(ctx, repoPath); err != nil {
				o.logger.Warn("base branch fetch failed",
					zap.String("room", prior.Key()), zap.Error(err))
			}
		}
	}

	req := NewRequest{
		Name:   idStr,
		Branch: prior.Branch,
		Voice:  prior.Voice,
		Roles:  prior.Roles,
		Mode:   prior.Mode,
	}
	if prior.Branch == "" {
		req.Path = prior.Path
	}
	return o.New(ctx, req)
}

// SpawnPane adds a worker pane running the named agent kind to the parent
// session. A per-kind concurrency limit applies.
func (o *Orchestrator) SpawnPane(ctx context.Context, parentID, agentKind, branch string) (int, error) {
	id, err := registry.ParseID(parentID)
	if err != nil {
		return 0, err
	}
	key := id.String()

	room, err := o.registry.Get(key)
	if err != nil {
		return 0, err
	}

	agent, ok := o.agents[agentKind]
	if !ok {
		return 0, apperrors.NotFound("agent", agentKind)
	}

	o.paneMu.Lock()
	counts := o.paneCounts[key]
	if counts == nil {
		counts = make(map[string]int)
		o.paneCounts[key] = counts
	}
	if agent.MaxConcurrent > 0 && counts[agentKind] >= agent.MaxConcurrent {
		o.paneMu.Unlock()
		return 0, apperrors.ConcurrencyLimit(
			fmt.Sprintf("agent %q is limited to %d concurrent panes", agentKind, agent.MaxConcurrent))
	}
	counts[agentKind]++
	o.paneMu.Unlock()

	cwd := room.Path
	var createdWorktree, repoPath string
	if branch != "" {
		wt, err := o.deps.Worktree(room.Machine)
		if err == nil && wt.IsGitRepo(ctx, room.Path) {
			project := room.ID.Project
			if project == "" {
				project = room.ID.Name
			}
			repoPath = room.Path
			wtPath, err := wt.Create(ctx, repoPath, o.deps.Projects(room.Machine), project, branch)
			if err != nil {
				o.releasePane(key, agentKind)
				return 0, apperrors.Wrap(err, "worker worktree failed")
			}
			createdWorktree = wtPath
			cwd = wtPath
		}
	}

	m, err := o.deps.Mux(room.Machine)
	if err != nil {
		o.releasePane(key, agentKind)
		return 0, err
	}
	index, err := m.SpawnPane(ctx, room.ID.Name, cwd, strings.Fields(agent.Command))
	if err != nil {
		o.releasePane(key, agentKind)
		if createdWorktree != "" {
			if wt, wtErr := o.deps.Worktree(room.Machine); wtErr == nil {
				_ = wt.Remove(ctx, repoPath, createdWorktree)
			}
		}
		return 0, err
	}

	o.logger.Info("spawned worker pane",
		zap.String("room", key), zap.String("agent", agentKind), zap.Int("pane", index))
	return index, nil
}

// KillPane kills a worker pane and releases its concurrency slot.
func (o *Orchestrator) KillPane(ctx context.Context, parentID, agentKind string, index int) error {
	id, err := registry.ParseID(parentID)
	if err != nil {
		return err
	}
	room, err := o.registry.Get(id.String())
	if err != nil {
		return err
	}
	m, err := o.deps.Mux(room.Machine)
	if err != nil {
		return err
	}
	if err := m.KillPane(ctx, room.ID.Name, index); err != nil {
		return err
	}
	o.releasePane(id.String(), agentKind)
	return nil
}

func (o *Orchestrator) releasePane(roomKey, agentKind string) {
	o.paneMu.Lock()
	if counts, ok := o.paneCounts[roomKey]; ok && counts[agentKind] > 0 {
		counts[agentKind]--
	}
	o.paneMu.Unlock()
}

// RestartService interrupts the foreground program and relaunches the agent
// in place, without touching the session or its worktree.
func (o *Orchestrator) RestartService(ctx context.Context, idStr string) error {
	id, err := registry.ParseID(idStr)
	if err != nil {
		return err
	}
	room, err := o.registry.Get(id.String())
	if err != nil {
		return err
	}
	m, err := o.deps.Mux(room.Machine)
	if err != nil {
		return err
	}
	if err := m.SendKeyGroups(ctx, room.ID.Name, "C-c"); err != nil {
		return err
	}
	return m.SendKeys(ctx, room.ID.Name, strings.Join(o.agentCommand(room.Mode), " "))
}

// CheckPath reports whether dir on machine is a git repository and, if so,
// its current branch.
func (o *Orchestrator) CheckPath(ctx context.Context, machine, dir string) (isGit bool, branch string, err error) {
	wt, err := o.deps.Worktree(machine)
	if err != nil {
		return false, "", err
	}
	if !wt.IsGitRepo(ctx, dir) {
		return false, "", nil
	}
	branch, err = wt.CurrentBranch(ctx, dir)
	if err != nil {
		return true, "", nil
	}
	return true, branch, nil
}

// CheckBranches returns existing branches with the given prefix.
func (o *Orchestrator) CheckBranches(ctx context.Context, machine, dir, prefix string) ([]string, error) {
	wt, err := o.deps.Worktree(machine)
	if err != nil {
		return nil, err
	}
	return wt.BranchesWithPrefix(ctx, dir, prefix)
}
