package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/iothost/autoupdater/pkg/hostshell"
)

// fakeShell is an in-memory stand-in for hostshell.HostShell, driven purely
// by string matching against the commands Manager issues, the same way the
// teacher's tests stub out SSH-dependent behavior without a live channel.
type fakeShell struct {
	dirs     map[string]bool
	files    map[string]bool
	handlers []func(cmd string) (*hostshell.ExecResult, bool)
	calls    []string
}

func newFakeShell() *fakeShell {
	return &fakeShell{dirs: map[string]bool{}, files: map[string]bool{}}
}

func (f *fakeShell) on(match string, result *hostshell.ExecResult) {
	f.handlers = append(f.handlers, func(cmd string) (*hostshell.ExecResult, bool) {
		if strings.Contains(cmd, match) {
			return result, true
		}
		return nil, false
	})
}

func (f *fakeShell) Exec(ctx context.Context, command, workingDir string, timeout time.Duration) (*hostshell.ExecResult, error) {
	f.calls = append(f.calls, command)
	for _, h := range f.handlers {
		if res, ok := h(command); ok {
			return res, nil
		}
	}
	return nil, fmt.Errorf("fakeShell: no handler for command %q", command)
}

func (f *fakeShell) DirExists(ctx context.Context, path string) (bool, error) {
	return f.dirs[path], nil
}

func (f *fakeShell) FileExists(ctx context.Context, path string) (bool, error) {
	return f.files[path], nil
}

func ok(stdout string) *hostshell.ExecResult  { return &hostshell.ExecResult{ExitCode: 0, Stdout: stdout} }
func fail(stderr string) *hostshell.ExecResult { return &hostshell.ExecResult{ExitCode: 1, Stderr: stderr} }

func TestIsRepositoryTrueWhenGitDirExists(t *testing.T) {
	shell := newFakeShell()
	shell.dirs["/srv/app/.git"] = true
	m := New(shell, nil)

	got, err := m.IsRepository(context.Background(), "/srv/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("expected IsRepository to be true")
	}
}

func TestIsRepositoryFalseWhenNoMetadata(t *testing.T) {
	shell := newFakeShell()
	m := New(shell, nil)

	got, err := m.IsRepository(context.Background(), "/srv/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Error("expected IsRepository to be false")
	}
}

func TestCloneFailsWhenTargetExists(t *testing.T) {
	shell := newFakeShell()
	shell.dirs["/srv/app"] = true
	m := New(shell, nil)

	err := m.Clone(context.Background(), "https://example.com/repo.git", "/srv/app")
	if err == nil {
		t.Fatal("expected an error when target directory already exists")
	}
}

func TestCloneRunsGitClone(t *testing.T) {
	shell := newFakeShell()
	shell.on("git clone", ok(""))
	m := New(shell, nil)

	if err := m.Clone(context.Background(), "https://example.com/repo.git", "/srv/app"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(shell.calls) != 1 || !strings.Contains(shell.calls[0], "git clone --tags") {
		t.Fatalf("unexpected calls: %v", shell.calls)
	}
}

func TestAvailableVersionsParsesAndSortsDescending(t *testing.T) {
	shell := newFakeShell()
	shell.on("git tag -l", ok("v1.0.0\ngarbage\nv2.0.0\nv1.5.0\n"))
	m := New(shell, nil)

	versions, err := m.AvailableVersions(context.Background(), "/srv/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"v2.0.0", "v1.5.0", "v1.0.0"}
	if len(versions) != len(want) {
		t.Fatalf("got %d versions, want %d: %+v", len(versions), len(want), versions)
	}
	for i, w := range want {
		if versions[i].Friendly != w {
			t.Errorf("versions[%d] = %q, want %q", i, versions[i].Friendly, w)
		}
	}
}

func TestAvailableVersionsEmptyWhenNoTags(t *testing.T) {
	shell := newFakeShell()
	shell.on("git tag -l", ok(""))
	m := New(shell, nil)

	versions, err := m.AvailableVersions(context.Background(), "/srv/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("expected no versions, got %+v", versions)
	}
}

func TestCheckoutResolvesBareTagFirst(t *testing.T) {
	shell := newFakeShell()
	shell.on("refs/tags/1.2.0", ok(""))
	shell.on("git checkout --detach", ok(""))
	m := New(shell, nil)

	if err := m.Checkout(context.Background(), "/srv/app", "1.2.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, c := range shell.calls {
		if strings.Contains(c, "git checkout --detach '1.2.0'") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected checkout of bare tag, got calls: %v", shell.calls)
	}
}

func TestCheckoutFallsBackToVPrefixedTag(t *testing.T) {
	shell := newFakeShell()
	shell.on("refs/tags/1.2.0", fail(""))
	shell.on("refs/tags/v1.2.0", ok(""))
	shell.on("git checkout --detach", ok(""))
	m := New(shell, nil)

	if err := m.Checkout(context.Background(), "/srv/app", "1.2.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, c := range shell.calls {
		if strings.Contains(c, "git checkout --detach 'v1.2.0'") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected checkout of v-prefixed tag, got calls: %v", shell.calls)
	}
}

func TestCheckoutFailsWhenNoTagMatches(t *testing.T) {
	shell := newFakeShell()
	shell.on("refs/tags/", fail(""))
	m := New(shell, nil)

	if err := m.Checkout(context.Background(), "/srv/app", "9.9.9"); err == nil {
		t.Fatal("expected an error when no tag matches")
	}
}
