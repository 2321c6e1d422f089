package compose

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/iothost/autoupdater/pkg/events"
	"github.com/iothost/autoupdater/pkg/hostshell"
)

type fakeShell struct {
	handlers []func(cmd string) (*hostshell.ExecResult, bool)
	files    map[string][]string
	calls    []string
}

func newFakeShell() *fakeShell {
	return &fakeShell{files: map[string][]string{}}
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

func (f *fakeShell) ListFiles(ctx context.Context, dir, glob string) ([]string, error) {
	return f.files[dir], nil
}

func ok(stdout string) *hostshell.ExecResult { return &hostshell.ExecResult{ExitCode: 0, Stdout: stdout} }

func TestDetectCLIPrefersV2(t *testing.T) {
	shell := newFakeShell()
	shell.on("docker compose version", ok("Docker Compose version v2.20.0"))
	d := New(shell, nil, nil)

	cli, err := d.DetectCLI(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cli != "docker compose" {
		t.Errorf("cli = %q, want %q", cli, "docker compose")
	}
}

func TestDetectCLIFallsBackToV1(t *testing.T) {
	shell := newFakeShell()
	shell.on("docker-compose --version", ok("docker-compose version 1.29.2"))
	d := New(shell, nil, nil)

	cli, err := d.DetectCLI(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cli != "docker-compose" {
		t.Errorf("cli = %q, want %q", cli, "docker-compose")
	}
}

func TestDetectCLICachesResult(t *testing.T) {
	shell := newFakeShell()
	shell.on("docker compose version", ok("v2"))
	d := New(shell, nil, nil)

	if _, err := d.DetectCLI(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.DetectCLI(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(shell.calls) != 1 {
		t.Fatalf("expected CLI probe to run once, ran %d times: %v", len(shell.calls), shell.calls)
	}
}

func TestSelectComposeFilesExcludesOtherArchAndOrdersByLength(t *testing.T) {
	shell := newFakeShell()
	shell.files["/srv/app"] = []string{
		"docker-compose.arm64.yml",
		"docker-compose.yml",
		"docker-compose.x64.yml",
		"docker-compose.override.yml",
	}
	d := New(shell, nil, nil)

	files, err := d.SelectComposeFiles(context.Background(), "/srv/app", hostshell.ArchX64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var names []string
	for _, f := range files {
		names = append(names, f[strings.LastIndex(f, "/")+1:])
	}

	for _, n := range names {
		if strings.Contains(n, ".arm64.") || strings.Contains(n, ".arm.") || strings.Contains(n, ".x86.") {
			t.Errorf("unexpected non-x64 overlay selected: %q", n)
		}
	}
	if names[0] != "docker-compose.yml" {
		t.Errorf("expected base compose file first, got %v", names)
	}
}

func TestUpRunsComposeUpAcrossFiles(t *testing.T) {
	shell := newFakeShell()
	shell.on("docker compose version", ok("v2"))
	shell.on(" up -d", ok(""))
	d := New(shell, nil, nil)

	err := d.Up(context.Background(), []string{"/srv/app/docker-compose.yml", "/srv/app/docker-compose.x64.yml"}, "/srv/app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last := shell.calls[len(shell.calls)-1]
	if !strings.Contains(last, "-f '/srv/app/docker-compose.yml'") || !strings.Contains(last, "-f '/srv/app/docker-compose.x64.yml'") {
		t.Errorf("expected both -f flags in command, got %q", last)
	}
}

func TestRestartBackgroundWrapsInNohup(t *testing.T) {
	shell := newFakeShell()
	shell.on("docker compose version", ok("v2"))
	shell.on("nohup", ok(""))
	d := New(shell, nil, nil)

	err := d.Restart(context.Background(), []string{"/srv/app/docker-compose.yml"}, "/srv/app", true, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last := shell.calls[len(shell.calls)-1]
	if !strings.HasPrefix(last, "nohup sh -c") || !strings.HasSuffix(last, "&") {
		t.Errorf("expected a backgrounded nohup command, got %q", last)
	}
}

func TestStatusMapParsesServiceCounts(t *testing.T) {
	shell := newFakeShell()
	shell.on("docker compose version", ok("v2"))
	shell.on(" ls --format json", ok(`[{"Name":"demo","Status":"running(2)","ConfigFiles":"/a/docker-compose.yml"}]`))
	d := New(shell, nil, nil)

	statuses, err := d.StatusMap(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, present := statuses["demo"]
	if !present {
		t.Fatal("expected demo package in status map")
	}
	if s.RunningServices != 2 {
		t.Errorf("RunningServices = %d, want 2", s.RunningServices)
	}
}

func TestStatusMapCachesWithinTTL(t *testing.T) {
	shell := newFakeShell()
	shell.on("docker compose version", ok("v2"))
	shell.on(" ls --format json", ok(`[]`))
	d := New(shell, nil, nil)

	if _, err := d.StatusMap(context.Background()); err != nil {
		t.Fatal(err)
	}
	lsCallsBefore := countCalls(shell.calls, " ls --format json")
	if _, err := d.StatusMap(context.Background()); err != nil {
		t.Fatal(err)
	}
	lsCallsAfter := countCalls(shell.calls, " ls --format json")
	if lsCallsAfter != lsCallsBefore {
		t.Errorf("expected cached statusMap to avoid a second ls invocation, got %d calls", lsCallsAfter)
	}
}

func TestStatusMapEmitsChangedEventOnDiff(t *testing.T) {
	shell := newFakeShell()
	shell.on("docker compose version", ok("v2"))
	first := ok(`[{"Name":"demo","Status":"running(1)","ConfigFiles":""}]`)
	second := ok(`[{"Name":"demo","Status":"exited(1)","ConfigFiles":""}]`)

	callCount := 0
	shell.handlers = append(shell.handlers, func(cmd string) (*hostshell.ExecResult, bool) {
		if !strings.Contains(cmd, " ls --format json") {
			return nil, false
		}
		callCount++
		if callCount == 1 {
			return first, true
		}
		return second, true
	})

	bus := events.NewBus()
	received := make(chan events.Event, 4)
	bus.Subscribe(events.SinkFunc(func(e events.Event) { received <- e }))

	d := New(shell, nil, bus)
	d.statusTTL = 0 // force a fresh poll on every call for this test

	if _, err := d.StatusMap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.StatusMap(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-received:
			if e.Type == events.PackageStatusChanged && e.Data["new_status"] == "exited(1)" {
				return
			}
		case <-deadline:
			t.Fatal("expected a PackageStatusChanged event for the status transition")
		}
	}
}

func countCalls(calls []string, substr string) int {
	n := 0
	for _, c := range calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}
