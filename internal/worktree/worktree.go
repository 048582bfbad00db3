// Package worktree implements the WorktreeBroker: a thin wrapper over
// the external git binary that gives each session an isolated checkout
// of a shared repository.
package worktree

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aperture-ai/aperture-gateway/internal/logging"
)

// Info describes one managed worktree.
type Info struct {
	Branch       string
	WorktreePath string
}

// Broker is the WorktreeBroker contract. ensureWorktree is idempotent:
// two calls for the same (repoRoot, branch) return the same path
// without creating a second checkout.
type Broker interface {
	EnsureRepoReady(repoRoot string) (defaultBranch string, err error)
	EnsureWorktree(repoRoot, branch, baseDir string) (Info, error)
	List(repoRoot string) ([]Info, error)
	Remove(repoRoot, branch string) error
	// Reset discards uncommitted file changes inside one worktree
	// checkout, restoring every tracked file to its checked-out state.
	Reset(worktreePath string) error
}

// GitBroker shells out to the git binary with exec.Command and parses
// its output.
type GitBroker struct {
	mu sync.Mutex
}

// New constructs a GitBroker if the git binary is present on PATH, and
// a Stub otherwise.
func New() Broker {
	if _, err := exec.LookPath("git"); err != nil {
		logging.Warn().Msg("git binary not found on PATH; worktree broker running in stub mode")
		return &Stub{}
	}
	return &GitBroker{}
}

func (b *GitBroker) EnsureRepoReady(repoRoot string) (string, error) {
	out, err := runGit(repoRoot, "rev-parse", "--is-inside-work-tree")
	if err != nil || strings.TrimSpace(out) != "true" {
		return "", fmt.Errorf("worktree: %s is not a git repository: %w", repoRoot, err)
	}

	branch, err := runGit(repoRoot, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		// Detached HEAD or a fresh repo with no commits yet.
		return "main", nil
	}
	return strings.TrimSpace(branch), nil
}

// EnsureWorktree creates (or reuses) a worktree for branch rooted under
// baseDir. Idempotency is achieved by first checking `git worktree list
// --porcelain` for an existing entry on that branch.
func (b *GitBroker) EnsureWorktree(repoRoot, branch, baseDir string) (Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.list(repoRoot)
	if err != nil {
		return Info{}, err
	}
	for _, info := range existing {
		if info.Branch == branch {
			return info, nil
		}
	}

	path := filepath.Join(baseDir, branch)
	if _, err := runGit(repoRoot, "worktree", "add", path, "-B", branch); err != nil {
		return Info{}, fmt.Errorf("worktree: creating worktree for branch %s: %w", branch, err)
	}
	return Info{Branch: branch, WorktreePath: path}, nil
}

func (b *GitBroker) List(repoRoot string) ([]Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.list(repoRoot)
}

func (b *GitBroker) list(repoRoot string) ([]Info, error) {
	out, err := runGit(repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree: listing worktrees: %w", err)
	}
	return parseWorktreeList(out), nil
}

func (b *GitBroker) Remove(repoRoot, branch string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, err := b.list(repoRoot)
	if err != nil {
		return err
	}
	for _, info := range existing {
		if info.Branch == branch {
			_, err := runGit(repoRoot, "worktree", "remove", info.WorktreePath, "--force")
			return err
		}
	}
	return nil
}

func (b *GitBroker) Reset(worktreePath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := runGit(worktreePath, "checkout", "--", "."); err != nil {
		return fmt.Errorf("worktree: resetting files in %s: %w", worktreePath, err)
	}
	return nil
}

// parseWorktreeList parses `git worktree list --porcelain` output: a
// blank-line-separated sequence of blocks, each a set of "key value"
// lines, the interesting ones being "worktree <path>" and
// "branch refs/heads/<name>".
func parseWorktreeList(out string) []Info {
	var infos []Info
	var current Info
	flush := func() {
		if current.WorktreePath != "" && current.Branch != "" {
			infos = append(infos, current)
		}
		current = Info{}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.WorktreePath = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	flush()
	return infos
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return string(out), err
}

// BranchForSession derives a branch name from a session id: a short
// prefix namespaced under "aperture/".
func BranchForSession(sessionID string) string {
	prefix := sessionID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "aperture/" + prefix
}

// Stub is the deterministic fallback broker used when git is
// unavailable: list is always empty, remove is a no-op, and
// ensure always errors so the SessionManager can reject workspace-backed
// session creation.
type Stub struct{}

func (*Stub) EnsureRepoReady(string) (string, error) { return "", fmt.Errorf("worktree: no git helper available") }
func (*Stub) EnsureWorktree(string, string, string) (Info, error) {
	return Info{}, fmt.Errorf("worktree: no git helper available")
}
func (*Stub) List(string) ([]Info, error) { return nil, nil }
func (*Stub) Remove(string, string) error { return nil }
func (*Stub) Reset(string) error          { return fmt.Errorf("worktree: no git helper available") }
