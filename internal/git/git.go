// Package git shells out to the git CLI for the small set of repository
// and worktree operations the workflow needs.
package git

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Git runs git commands against one repository directory.
type Git struct {
	dir string
}

// NewGit returns a Git bound to dir.
func NewGit(dir string) *Git {
	return &Git{dir: dir}
}

// Dir returns the directory this Git operates in.
func (g *Git) Dir() string {
	return g.dir
}

// run executes git with the given args in g.dir and returns trimmed stdout.
func (g *Git) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsRepo reports whether g.dir is inside a git work tree.
func (g *Git) IsRepo() bool {
	out, err := g.run("rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Root returns the top-level directory of the work tree.
func (g *Git) Root() (string, error) {
	return g.run("rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch() (string, error) {
	return g.run("rev-parse", "--abbrev-ref", "HEAD")
}

// HasUncommittedChanges reports whether the work tree is dirty, counting
// untracked files.
func (g *Git) HasUncommittedChanges() (bool, error) {
	out, err := g.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Add stages the given paths.
func (g *Git) Add(paths ...string) error {
	args := append([]string{"add"}, paths...)
	_, err := g.run(args...)
	return err
}

// Commit records staged changes with the given message.
func (g *Git) Commit(message string) error {
	_, err := g.run("commit", "-m", message)
	return err
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(name string) (bool, error) {
	_, err := g.run("rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		// rev-parse --verify exits nonzero for unknown refs.
		return false, nil
	}
	return true, nil
}

// CreateBranch creates a local branch at HEAD without switching to it.
func (g *Git) CreateBranch(name string) error {
	_, err := g.run("branch", name)
	return err
}

// DefaultBranch returns the repository's primary branch: the remote HEAD if
// set, else main or master if present, else the current branch.
func (g *Git) DefaultBranch() (string, error) {
	if out, err := g.run("symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		return strings.TrimPrefix(out, "refs/remotes/origin/"), nil
	}
	for _, name := range []string{"main", "master"} {
		if ok, _ := g.BranchExists(name); ok {
			return name, nil
		}
	}
	return g.CurrentBranch()
}

// CommitsAhead counts commits reachable from HEAD but not from base.
func (g *Git) CommitsAhead(base string) (int, error) {
	out, err := g.run("rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parsing rev-list count %q: %w", out, err)
	}
	return n, nil
}

// Worktree is one entry from `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
}

// ListWorktrees returns all worktrees of the repository, main one first.
func (g *Git) ListWorktrees() ([]Worktree, error) {
	out, err := g.run("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var trees []Worktree
	var cur Worktree
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				trees = append(trees, cur)
			}
			cur = Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.Path != "" {
		trees = append(trees, cur)
	}
	return trees, nil
}

// EnsureWorktree makes sure a worktree exists at path on the named branch,
// creating the branch at HEAD when absent. Returns whether it created one.
func (g *Git) EnsureWorktree(path, branch string) (bool, error) {
	trees, err := g.ListWorktrees()
	if err != nil {
		return false, err
	}
	for _, wt := range trees {
		if wt.Path == path {
			return false, nil
		}
	}

	exists, err := g.BranchExists(branch)
	if err != nil {
		return false, err
	}
	if exists {
		_, err = g.run("worktree", "add", path, branch)
	} else {
		_, err = g.run("worktree", "add", "-b", branch, path)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RemoveWorktree force-removes the worktree at path. The branch stays.
func (g *Git) RemoveWorktree(path string) error {
	_, err := g.run("worktree", "remove", "--force", path)
	return err
}
