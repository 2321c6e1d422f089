// Package health polls a package's compose services and classifies the
// result as healthy, unhealthy, or a critical failure.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iothost/autoupdater/pkg/hostshell"
	"github.com/iothost/autoupdater/pkg/logger"
)

// Classification is the overall verdict for one health check.
type Classification int

const (
	AllHealthy Classification = iota
	Unhealthy
	CriticalFailure
)

func (c Classification) String() string {
	switch c {
	case AllHealthy:
		return "AllHealthy"
	case Unhealthy:
		return "Unhealthy"
	case CriticalFailure:
		return "CriticalFailure"
	default:
		return "Unknown"
	}
}

// DefaultCriticalNames is the default set of substrings identifying a
// service whose failure escalates Unhealthy to CriticalFailure.
var DefaultCriticalNames = []string{"database", "api", "core", "main", "primary"}

// Snapshot is the result of one health check.
type Snapshot struct {
	Classification   Classification
	HealthyServices  []string
	UnhealthyServices []string
}

// Error wraps a failure to reach compose itself (spec §7: HealthError).
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("health: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error  { return e.Err }

// Shell is the slice of HostShell this package needs.
type Shell interface {
	Exec(ctx context.Context, command, workingDir string, timeout time.Duration) (*hostshell.ExecResult, error)
}

// Checker is the health checker (C7).
type Checker struct {
	shell         Shell
	log           logger.Logger
	criticalNames []string
	cliPrefix     func(ctx context.Context) (string, error)
}

// Option configures a Checker.
type Option func(*Checker)

// WithCriticalNames overrides DefaultCriticalNames.
func WithCriticalNames(names []string) Option {
	return func(c *Checker) { c.criticalNames = names }
}

// WithCLIPrefix supplies a function resolving the compose CLI prefix
// ("docker compose" or "docker-compose"), letting the caller share a
// single cached detection result with a compose.Driver instead of probing
// twice.
func WithCLIPrefix(f func(ctx context.Context) (string, error)) Option {
	return func(c *Checker) { c.cliPrefix = f }
}

// New creates a Checker.
func New(shell Shell, log logger.Logger, opts ...Option) *Checker {
	if log == nil {
		log = logger.NewNoOp()
	}
	c := &Checker{
		shell:         shell,
		log:           log.With(map[string]interface{}{"component": "health"}),
		criticalNames: DefaultCriticalNames,
		cliPrefix:     func(ctx context.Context) (string, error) { return "docker compose", nil },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type psEntry struct {
	Service string `json:"Service"`
	State   string `json:"State"`
}

// Check enumerates services via `compose config --services`, polls each
// one's state via `compose ps --format json <service>`, and classifies
// the result.
func (c *Checker) Check(ctx context.Context, files []string, cwd string) (Snapshot, error) {
	cli, err := c.cliPrefix(ctx)
	if err != nil {
		return Snapshot{}, &Error{Op: "check", Err: err}
	}

	services, err := c.enumerateServices(ctx, cli, files, cwd)
	if err != nil {
		return Snapshot{}, err
	}

	var healthy, unhealthy []string
	for _, svc := range services {
		ok, err := c.isRunning(ctx, cli, files, cwd, svc)
		if err != nil {
			return Snapshot{}, err
		}
		if ok {
			healthy = append(healthy, svc)
		} else {
			unhealthy = append(unhealthy, svc)
		}
	}

	classification := AllHealthy
	if len(unhealthy) > 0 {
		classification = Unhealthy
		for _, svc := range unhealthy {
			if c.isCritical(svc) {
				classification = CriticalFailure
				break
			}
		}
	}

	return Snapshot{Classification: classification, HealthyServices: healthy, UnhealthyServices: unhealthy}, nil
}

func (c *Checker) enumerateServices(ctx context.Context, cli string, files []string, cwd string) ([]string, error) {
	cmd := cli + filesFlags(files) + " config --services"
	res, err := c.shell.Exec(ctx, cmd, cwd, 30*time.Second)
	if err != nil {
		return nil, &Error{Op: "enumerateServices", Err: err}
	}
	if !res.Success() {
		return nil, &Error{Op: "enumerateServices", Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}

	trimmed := strings.TrimSpace(res.Stdout)
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

func (c *Checker) isRunning(ctx context.Context, cli string, files []string, cwd, service string) (bool, error) {
	cmd := fmt.Sprintf("%s%s ps --format json %s", cli, filesFlags(files), shellArg(service))
	res, err := c.shell.Exec(ctx, cmd, cwd, 30*time.Second)
	if err != nil {
		return false, &Error{Op: "isRunning", Err: err}
	}
	if !res.Success() {
		return false, nil
	}

	trimmed := strings.TrimSpace(res.Stdout)
	if trimmed == "" {
		return false, nil
	}

	var entries []psEntry
	if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		var single psEntry
		if err2 := json.Unmarshal([]byte(trimmed), &single); err2 != nil {
			return false, &Error{Op: "isRunning", Err: fmt.Errorf("parsing ps output for %s: %w", service, err)}
		}
		entries = []psEntry{single}
	}
	for _, e := range entries {
		if strings.EqualFold(e.State, "running") {
			return true, nil
		}
	}
	return false, nil
}

func (c *Checker) isCritical(service string) bool {
	lower := strings.ToLower(service)
	for _, name := range c.criticalNames {
		if strings.Contains(lower, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

func filesFlags(files []string) string {
	var sb strings.Builder
	for _, f := range files {
		sb.WriteString(" -f ")
		sb.WriteString(shellArg(f))
	}
	return sb.String()
}

func shellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
