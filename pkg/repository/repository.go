// Package repository drives the per-package git working copy that holds a
// package's compose manifests, migration scripts, and backup/restore
// scripts. Every operation is carried out by `git` invocations (and file
// predicates) routed through a HostShell — the working copy lives on the
// host filesystem, behind the same privilege boundary as Docker.
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iothost/autoupdater/pkg/hostshell"
	"github.com/iothost/autoupdater/pkg/logger"
	"github.com/iothost/autoupdater/pkg/version"
)

// Shell is the slice of HostShell this package needs. Accepting the
// interface rather than *hostshell.HostShell lets tests drive Manager
// against a fake shell with no network.
type Shell interface {
	Exec(ctx context.Context, command, workingDir string, timeout time.Duration) (*hostshell.ExecResult, error)
	DirExists(ctx context.Context, path string) (bool, error)
	FileExists(ctx context.Context, path string) (bool, error)
}

// Error wraps a git-level failure. The orchestrator treats any Error from
// this package as a RepositoryError (spec §7): abort the update before any
// mutation, no rollback needed since nothing changed on disk yet.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("repository: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error  { return e.Err }

// Manager is the repository manager (C2). It has no mutable state of its
// own beyond the shell it drives commands through; every method takes the
// working-copy path explicitly so one Manager can serve every package.
type Manager struct {
	shell Shell
	log   logger.Logger
}

// New creates a Manager driving git over shell.
func New(shell Shell, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &Manager{shell: shell, log: log.With(map[string]interface{}{"component": "repository"})}
}

// IsRepository reports whether path has working-tree metadata (a .git
// directory or, for a linked worktree, a .git file).
func (m *Manager) IsRepository(ctx context.Context, path string) (bool, error) {
	if exists, err := m.shell.DirExists(ctx, path+"/.git"); err != nil {
		return false, &Error{Op: "isRepository", Err: err}
	} else if exists {
		return true, nil
	}
	if exists, err := m.shell.FileExists(ctx, path+"/.git"); err != nil {
		return false, &Error{Op: "isRepository", Err: err}
	} else {
		return exists, nil
	}
}

// Clone clones url into path with tag fetching enabled. Fails if path
// already exists (spec §4.2).
func (m *Manager) Clone(ctx context.Context, url, path string) error {
	if exists, err := m.shell.DirExists(ctx, path); err != nil {
		return &Error{Op: "clone", Err: err}
	} else if exists {
		return &Error{Op: "clone", Err: fmt.Errorf("target directory %s already exists", path)}
	}

	res, err := m.shell.Exec(ctx, fmt.Sprintf("git clone --tags %s %s", shellArg(url), shellArg(path)), "", 10*time.Minute)
	if err != nil {
		return &Error{Op: "clone", Err: err}
	}
	if !res.Success() {
		return &Error{Op: "clone", Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}
	return nil
}

// InitInPlace initializes a repository inside an existing, non-empty
// directory: `git init`, add origin, fetch with tags, create a local
// branch tracking the remote default (main or master), check it out.
func (m *Manager) InitInPlace(ctx context.Context, path, remoteURL string) error {
	steps := []string{
		"git init",
		fmt.Sprintf("git remote add origin %s", shellArg(remoteURL)),
		"git fetch origin --tags",
	}
	for _, cmd := range steps {
		res, err := m.shell.Exec(ctx, cmd, path, 5*time.Minute)
		if err != nil {
			return &Error{Op: "initInPlace", Err: err}
		}
		if !res.Success() {
			return &Error{Op: "initInPlace", Err: fmt.Errorf("%q: %s", cmd, strings.TrimSpace(res.Stderr))}
		}
	}

	defaultBranch, err := m.remoteDefaultBranch(ctx, path)
	if err != nil {
		return &Error{Op: "initInPlace", Err: err}
	}

	checkoutCmd := fmt.Sprintf("git checkout -B %s origin/%s", shellArg(defaultBranch), shellArg(defaultBranch))
	res, err := m.shell.Exec(ctx, checkoutCmd, path, time.Minute)
	if err != nil {
		return &Error{Op: "initInPlace", Err: err}
	}
	if !res.Success() {
		return &Error{Op: "initInPlace", Err: fmt.Errorf("checkout %s: %s", defaultBranch, strings.TrimSpace(res.Stderr))}
	}
	return nil
}

func (m *Manager) remoteDefaultBranch(ctx context.Context, path string) (string, error) {
	for _, branch := range []string{"main", "master"} {
		res, err := m.shell.Exec(ctx, fmt.Sprintf("git show-ref --verify --quiet refs/remotes/origin/%s", branch), path, 30*time.Second)
		if err != nil {
			return "", err
		}
		if res.Success() {
			return branch, nil
		}
	}
	return "", fmt.Errorf("neither origin/main nor origin/master exists")
}

// Fetch runs `git fetch origin` with all tags.
func (m *Manager) Fetch(ctx context.Context, path string) error {
	res, err := m.shell.Exec(ctx, "git fetch origin --tags --force", path, 5*time.Minute)
	if err != nil {
		return &Error{Op: "fetch", Err: err}
	}
	if !res.Success() {
		return &Error{Op: "fetch", Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}
	return nil
}

// AvailableVersions lists the repository's tags, parsed and sorted
// descending; unparseable tags are silently ignored (spec §4.2).
func (m *Manager) AvailableVersions(ctx context.Context, path string) ([]version.Version, error) {
	res, err := m.shell.Exec(ctx, "git tag -l", path, 30*time.Second)
	if err != nil {
		return nil, &Error{Op: "availableVersions", Err: err}
	}
	if !res.Success() {
		return nil, &Error{Op: "availableVersions", Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}

	trimmed := strings.TrimSpace(res.Stdout)
	if trimmed == "" {
		return []version.Version{}, nil
	}
	tags := strings.Split(trimmed, "\n")
	return version.ParseTags(tags), nil
}

// Checkout resolves friendlyVersion to a tag named exactly that string or
// `v<friendlyVersion>`, and checks it out detached at the tag's commit.
func (m *Manager) Checkout(ctx context.Context, path, friendlyVersion string) error {
	tag, err := m.resolveTag(ctx, path, friendlyVersion)
	if err != nil {
		return &Error{Op: "checkout", Err: err}
	}

	res, err := m.shell.Exec(ctx, fmt.Sprintf("git checkout --detach %s", shellArg(tag)), path, time.Minute)
	if err != nil {
		return &Error{Op: "checkout", Err: err}
	}
	if !res.Success() {
		return &Error{Op: "checkout", Err: fmt.Errorf("tag %s: %s", tag, strings.TrimSpace(res.Stderr))}
	}
	return nil
}

func (m *Manager) resolveTag(ctx context.Context, path, friendlyVersion string) (string, error) {
	for _, candidate := range []string{friendlyVersion, "v" + friendlyVersion} {
		res, err := m.shell.Exec(ctx, fmt.Sprintf("git show-ref --verify --quiet refs/tags/%s", candidate), path, 30*time.Second)
		if err != nil {
			return "", err
		}
		if res.Success() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no tag matching %q or %q", friendlyVersion, "v"+friendlyVersion)
}

func shellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
