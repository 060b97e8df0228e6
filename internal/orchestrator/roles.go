package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strings"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
	"github.com/dotdevdotdev/agentwire/internal/hostexec"
	"github.com/dotdevdotdev/agentwire/internal/permission"
)

// roleDir is where role context files land inside a session's working
// directory. The agent picks them up as extra context on startup.
const roleDir = ".agentwire/roles"

// policyFile is where restricted mode's tool policy lands inside the
// session's working directory. The permission hook reads it locally.
const policyFile = ".agentwire/policy.json"

// roleTemplates maps role names to the context written for them. Unknown
// roles get a generic stub so the operator can fill it in.
var roleTemplates = map[string]string{
	"architect": "You are the architect for this project. Focus on structure, interfaces, and long-term maintainability. Push back on changes that erode boundaries.\n",
	"reviewer":  "You are the code reviewer for this project. Read diffs critically, flag correctness and style problems, and keep feedback actionable.\n",
	"tester":    "You are the test engineer for this project. Grow the test suite alongside changes and keep it fast and deterministic.\n",
}

func roleContent(role string) string {
	if c, ok := roleTemplates[role]; ok {
		return c
	}
	return fmt.Sprintf("You are acting in the %q role for this project.\n", role)
}

// writeRoleFiles creates one markdown file per role under cwd and returns
// the created paths for rollback.
func (o *Orchestrator) writeRoleFiles(ctx context.Context, machine, cwd string, roles []string) ([]string, error) {
	exec, err := o.deps.Exec(machine)
	if err != nil {
		return nil, err
	}

	dir := path.Join(cwd, roleDir)
	if res, err := exec.Run(ctx, []string{"mkdir", "-p", "--", dir}, nil); err != nil {
		return nil, err
	} else if res.ExitCode != 0 {
		return nil, apperrors.Internal("mkdir failed: "+strings.TrimSpace(string(res.Stderr)), nil)
	}

	var written []string
	for _, role := range roles {
		file := path.Join(dir, role+".md")
		res, err := exec.Run(ctx,
			[]string{"sh", "-c", "cat > " + hostexec.ShellQuote(file)},
			[]byte(roleContent(role)))
		if err != nil {
			return written, err
		}
		if res.ExitCode != 0 {
			return written, apperrors.Internal("role file write failed: "+strings.TrimSpace(string(res.Stderr)), nil)
		}
		written = append(written, file)
	}
	return written, nil
}

// writePolicyFile materializes the restricted-mode policy under cwd and
// returns the created path for rollback.
func (o *Orchestrator) writePolicyFile(ctx context.Context, machine, cwd string) (string, error) {
	exec, err := o.deps.Exec(machine)
	if err != nil {
		return "", err
	}

	file := path.Join(cwd, policyFile)
	if res, err := exec.Run(ctx, []string{"mkdir", "-p", "--", path.Dir(file)}, nil); err != nil {
		return "", err
	} else if res.ExitCode != 0 {
		return "", apperrors.Internal("mkdir failed: "+strings.TrimSpace(string(res.Stderr)), nil)
	}

	res, err := exec.Run(ctx,
		[]string{"sh", "-c", "cat > " + hostexec.ShellQuote(file)},
		permission.PolicyDocument())
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", apperrors.Internal("policy file write failed: "+strings.TrimSpace(string(res.Stderr)), nil)
	}
	return file, nil
}

// removeRoleFiles deletes role files written by a failed create.
func (o *Orchestrator) removeRoleFiles(ctx context.Context, machine string, files []string) {
	exec, err := o.deps.Exec(machine)
	if err != nil {
		return
	}
	for _, f := range files {
		_, _ = exec.Run(ctx, []string{"rm", "-f", "--", f}, nil)
	}
}
