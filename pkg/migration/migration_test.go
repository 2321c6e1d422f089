package migration

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/iothost/autoupdater/pkg/hostshell"
	"github.com/iothost/autoupdater/pkg/version"
)

type fakeShell struct {
	names    []string
	handlers []func(cmd string) (*hostshell.ExecResult, bool)
	calls    []string
}

func (f *fakeShell) ListFiles(ctx context.Context, dir, glob string) ([]string, error) {
	return f.names, nil
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
	return nil, fmt.Errorf("fakeShell: no handler for %q", command)
}

func ok() *hostshell.ExecResult          { return &hostshell.ExecResult{ExitCode: 0} }
func failed() *hostshell.ExecResult      { return &hostshell.ExecResult{ExitCode: 1, Stderr: "boom"} }

func TestDiscoverParsesGrammarAndSortsAscending(t *testing.T) {
	shell := &fakeShell{names: []string{
		"up-1.2.0.sh", "down-1.2.0.sh", "up-1.0.1.sh", "readme.txt", "up-bad.sh",
	}}
	e := New(shell, nil)

	scripts, err := e.Discover(context.Background(), "/srv/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scripts) != 3 {
		t.Fatalf("expected 3 valid scripts, got %d: %+v", len(scripts), scripts)
	}
	if scripts[0].FileName != "up-1.0.1.sh" {
		t.Errorf("expected up-1.0.1.sh first, got %s", scripts[0].FileName)
	}
}

func TestDiscoverKeepsFirstOnConflict(t *testing.T) {
	shell := &fakeShell{names: []string{"up-1.0.0.sh", "up-1.0.0.sh"}}
	e := New(shell, nil)

	scripts, err := e.Discover(context.Background(), "/srv/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scripts) != 1 {
		t.Fatalf("expected duplicate to collapse to 1, got %d", len(scripts))
	}
}

func TestFilterForwardFromZero(t *testing.T) {
	all := []Script{
		{FileName: "up-1.0.0.sh", Version: version.MustParse("1.0.0"), Direction: Up},
		{FileName: "up-1.1.0.sh", Version: version.MustParse("1.1.0"), Direction: Up},
		{FileName: "up-1.2.0.sh", Version: version.MustParse("1.2.0"), Direction: Up},
	}
	target := version.MustParse("1.1.0")

	out := Filter(all, nil, target, version.Set{})
	if len(out) != 2 {
		t.Fatalf("expected 2 scripts up to target, got %d: %+v", len(out), out)
	}
	if out[0].Version.Friendly != "1.0.0" || out[1].Version.Friendly != "1.1.0" {
		t.Errorf("unexpected order: %+v", out)
	}
}

func TestFilterForwardExcludesApplied(t *testing.T) {
	all := []Script{
		{FileName: "up-1.0.0.sh", Version: version.MustParse("1.0.0"), Direction: Up},
		{FileName: "up-1.1.0.sh", Version: version.MustParse("1.1.0"), Direction: Up},
	}
	from := version.MustParse("1.0.0")
	target := version.MustParse("1.1.0")
	applied := version.NewSet("1.0.0")

	out := Filter(all, &from, target, applied)
	if len(out) != 1 || out[0].Version.Friendly != "1.1.0" {
		t.Fatalf("expected only 1.1.0, got %+v", out)
	}
}

func TestFilterRollbackOnlyUndoesApplied(t *testing.T) {
	all := []Script{
		{FileName: "down-1.0.0.sh", Version: version.MustParse("1.0.0"), Direction: Down},
		{FileName: "down-1.1.0.sh", Version: version.MustParse("1.1.0"), Direction: Down},
	}
	from := version.MustParse("1.1.0")
	target := version.MustParse("0.9.0")
	executed := version.NewSet("1.1.0") // 1.0.0's up-script never completed this attempt

	out := Filter(all, &from, target, executed)
	if len(out) != 1 || out[0].Version.Friendly != "1.1.0" {
		t.Fatalf("expected only 1.1.0 to roll back, got %+v", out)
	}
}

func TestFilterNoOpWhenTargetEqualsFrom(t *testing.T) {
	from := version.MustParse("1.0.0")
	out := Filter(nil, &from, from, version.Set{})
	if len(out) != 0 {
		t.Fatalf("expected no scripts, got %+v", out)
	}
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	shell := &fakeShell{}
	shell.on("up-1.0.0.sh", ok())
	shell.on("up-1.1.0.sh", failed())

	e := New(shell, nil)
	scripts := []Script{
		{FileName: "up-1.0.0.sh", AbsolutePath: "/srv/app/up-1.0.0.sh", Version: version.MustParse("1.0.0"), Direction: Up},
		{FileName: "up-1.1.0.sh", AbsolutePath: "/srv/app/up-1.1.0.sh", Version: version.MustParse("1.1.0"), Direction: Up},
		{FileName: "up-1.2.0.sh", AbsolutePath: "/srv/app/up-1.2.0.sh", Version: version.MustParse("1.2.0"), Direction: Up},
	}

	executed, err := e.Execute(context.Background(), scripts, "/srv/app")
	if err == nil {
		t.Fatal("expected an error from the failing script")
	}
	if len(executed) != 1 || executed[0].Friendly != "1.0.0" {
		t.Fatalf("expected only 1.0.0 to have executed, got %+v", executed)
	}
	if len(shell.calls) != 2 {
		t.Fatalf("expected execution to stop after the failing script, got %d calls", len(shell.calls))
	}
}

func TestExecuteRunsAllOnSuccess(t *testing.T) {
	shell := &fakeShell{}
	shell.on("sudo bash", ok())

	e := New(shell, nil)
	scripts := []Script{
		{FileName: "up-1.0.0.sh", AbsolutePath: "/srv/app/up-1.0.0.sh", Version: version.MustParse("1.0.0"), Direction: Up},
		{FileName: "up-1.1.0.sh", AbsolutePath: "/srv/app/up-1.1.0.sh", Version: version.MustParse("1.1.0"), Direction: Up},
	}

	executed, err := e.Execute(context.Background(), scripts, "/srv/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(executed) != 2 {
		t.Fatalf("expected both scripts to execute, got %+v", executed)
	}
}
