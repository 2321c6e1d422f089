package health

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/iothost/autoupdater/pkg/hostshell"
)

type fakeShell struct {
	handlers []func(cmd string) (*hostshell.ExecResult, bool)
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
	for _, h := range f.handlers {
		if res, ok := h(command); ok {
			return res, nil
		}
	}
	return nil, fmt.Errorf("fakeShell: no handler for %q", command)
}

func ok(stdout string) *hostshell.ExecResult { return &hostshell.ExecResult{ExitCode: 0, Stdout: stdout} }

func TestCheckAllHealthy(t *testing.T) {
	shell := &fakeShell{}
	shell.on("config --services", ok("web\nworker\n"))
	shell.on("ps --format json 'web'", ok(`[{"Service":"web","State":"running"}]`))
	shell.on("ps --format json 'worker'", ok(`[{"Service":"worker","State":"running"}]`))

	c := New(shell, nil)
	snap, err := c.Check(context.Background(), []string{"/a/docker-compose.yml"}, "/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Classification != AllHealthy {
		t.Errorf("Classification = %v, want AllHealthy", snap.Classification)
	}
}

func TestCheckUnhealthyNonCritical(t *testing.T) {
	shell := &fakeShell{}
	shell.on("config --services", ok("web\nworker\n"))
	shell.on("ps --format json 'web'", ok(`[{"Service":"web","State":"running"}]`))
	shell.on("ps --format json 'worker'", ok(`[{"Service":"worker","State":"exited"}]`))

	c := New(shell, nil)
	snap, err := c.Check(context.Background(), []string{"/a/docker-compose.yml"}, "/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Classification != Unhealthy {
		t.Errorf("Classification = %v, want Unhealthy", snap.Classification)
	}
}

func TestCheckCriticalFailure(t *testing.T) {
	shell := &fakeShell{}
	shell.on("config --services", ok("web\ndatabase\n"))
	shell.on("ps --format json 'web'", ok(`[{"Service":"web","State":"running"}]`))
	shell.on("ps --format json 'database'", ok(`[{"Service":"database","State":"exited"}]`))

	c := New(shell, nil)
	snap, err := c.Check(context.Background(), []string{"/a/docker-compose.yml"}, "/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Classification != CriticalFailure {
		t.Errorf("Classification = %v, want CriticalFailure", snap.Classification)
	}
}

func TestCheckUsesCustomCriticalNames(t *testing.T) {
	shell := &fakeShell{}
	shell.on("config --services", ok("billing\n"))
	shell.on("ps --format json 'billing'", ok(`[{"Service":"billing","State":"exited"}]`))

	c := New(shell, nil, WithCriticalNames([]string{"billing"}))
	snap, err := c.Check(context.Background(), []string{"/a/docker-compose.yml"}, "/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Classification != CriticalFailure {
		t.Errorf("Classification = %v, want CriticalFailure", snap.Classification)
	}
}
