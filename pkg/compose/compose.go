// Package compose drives the docker compose (or docker-compose) CLI over a
// HostShell: CLI-flavor detection, architecture-aware compose file
// selection, lifecycle commands, and cached status enumeration with
// change-notification via the event bus.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iothost/autoupdater/pkg/events"
	"github.com/iothost/autoupdater/pkg/hostshell"
	"github.com/iothost/autoupdater/pkg/logger"
)

// knownArchitectures is the closed set selectComposeFiles excludes
// overlays for; must stay in sync with hostshell.Architecture's values.
var knownArchitectures = []hostshell.Architecture{
	hostshell.ArchX64, hostshell.ArchARM64, hostshell.ArchARM, hostshell.ArchX86,
}

// Error wraps a compose-CLI failure. The orchestrator treats these as
// ComposeError (spec §7): policy mirrors MigrationError for rollback.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("compose: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error  { return e.Err }

// Shell is the slice of HostShell the compose driver needs.
type Shell interface {
	Exec(ctx context.Context, command, workingDir string, timeout time.Duration) (*hostshell.ExecResult, error)
	ListFiles(ctx context.Context, dir, glob string) ([]string, error)
}

// ProjectStatus is the parsed form of one line of `compose ls --format
// json` output (spec §3: ComposeProjectStatus).
type ProjectStatus struct {
	StatusString    string   `json:"statusString"`
	ConfigFiles     []string `json:"configFiles"`
	RunningServices int      `json:"runningServices"`
	TotalServices   int      `json:"totalServices"`
}

// Driver is the compose driver (C3).
type Driver struct {
	shell Shell
	log   logger.Logger
	bus   *events.Bus

	cliMu  sync.Mutex
	cli    string // "docker compose" or "docker-compose", empty until detected

	statusMu    sync.Mutex
	statusCache map[string]ProjectStatus
	statusAt    time.Time
	statusTTL   time.Duration
}

// New creates a Driver. bus may be nil if status-change events aren't
// wanted (e.g. in a context with no orchestrator around it).
func New(shell Shell, log logger.Logger, bus *events.Bus) *Driver {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &Driver{
		shell:     shell,
		log:       log.With(map[string]interface{}{"component": "compose"}),
		bus:       bus,
		statusTTL: 5 * time.Second,
	}
}

// DetectCLI probes `docker compose version` then `docker-compose
// --version`, caching the winning invocation prefix. Concurrent callers
// are serialized on the same lock that guards the cache; default is the
// v2 form ("docker compose") if both probes are inconclusive.
func (d *Driver) DetectCLI(ctx context.Context) (string, error) {
	d.cliMu.Lock()
	defer d.cliMu.Unlock()

	if d.cli != "" {
		return d.cli, nil
	}

	if res, err := d.shell.Exec(ctx, "docker compose version", "", 10*time.Second); err == nil && res.Success() {
		d.cli = "docker compose"
		return d.cli, nil
	}
	if res, err := d.shell.Exec(ctx, "docker-compose --version", "", 10*time.Second); err == nil && res.Success() {
		d.cli = "docker-compose"
		return d.cli, nil
	}

	d.log.Warn("compose CLI probes were inconclusive, defaulting to v2 form", nil)
	d.cli = "docker compose"
	return d.cli, nil
}

// SelectComposeFiles returns the docker-compose*.yml files in dir that
// apply to arch: every file whose basename contains ".<otherArch>." for
// some other known architecture is excluded, and the remainder is ordered
// ascending by path length (shortest first), which deterministically
// places the base file before its overlays.
func (d *Driver) SelectComposeFiles(ctx context.Context, dir string, arch hostshell.Architecture) ([]string, error) {
	names, err := d.shell.ListFiles(ctx, dir, "docker-compose*.yml")
	if err != nil {
		return nil, &Error{Op: "selectComposeFiles", Err: err}
	}

	var selected []string
	for _, name := range names {
		excluded := false
		for _, other := range knownArchitectures {
			if other == arch {
				continue
			}
			if strings.Contains(strings.ToLower(name), "."+string(other)+".") {
				excluded = true
				break
			}
		}
		if !excluded {
			selected = append(selected, filepath.Join(dir, name))
		}
	}

	sort.SliceStable(selected, func(i, j int) bool { return len(selected[i]) < len(selected[j]) })
	return selected, nil
}

func (d *Driver) filesFlags(files []string) string {
	var sb strings.Builder
	for _, f := range files {
		sb.WriteString(" -f ")
		sb.WriteString(shellArg(f))
	}
	return sb.String()
}

// Up runs `compose -f file1 -f file2 ... up -d` in cwd.
func (d *Driver) Up(ctx context.Context, files []string, cwd string) error {
	cli, err := d.DetectCLI(ctx)
	if err != nil {
		return err
	}
	cmd := cli + d.filesFlags(files) + " up -d"
	res, err := d.shell.Exec(ctx, cmd, cwd, 10*time.Minute)
	if err != nil {
		return &Error{Op: "up", Err: err}
	}
	if !res.Success() {
		return &Error{Op: "up", Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}
	return nil
}

// Down runs `compose -f ... down` in cwd.
func (d *Driver) Down(ctx context.Context, files []string, cwd string) error {
	cli, err := d.DetectCLI(ctx)
	if err != nil {
		return err
	}
	cmd := cli + d.filesFlags(files) + " down"
	res, err := d.shell.Exec(ctx, cmd, cwd, 5*time.Minute)
	if err != nil {
		return &Error{Op: "down", Err: err}
	}
	if !res.Success() {
		return &Error{Op: "down", Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}
	return nil
}

// Pull runs `compose -f ... pull` in cwd with the caller-supplied timeout
// (callers MUST pass >=10 minutes on the update path).
func (d *Driver) Pull(ctx context.Context, files []string, cwd string, timeout time.Duration) error {
	cli, err := d.DetectCLI(ctx)
	if err != nil {
		return err
	}
	cmd := cli + d.filesFlags(files) + " pull"
	res, err := d.shell.Exec(ctx, cmd, cwd, timeout)
	if err != nil {
		return &Error{Op: "pull", Err: err}
	}
	if !res.Success() {
		return &Error{Op: "pull", Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}
	return nil
}

// Ps runs `compose -f ... ps --format json` in cwd and returns the raw
// stdout.
func (d *Driver) Ps(ctx context.Context, files []string, cwd string) (string, error) {
	cli, err := d.DetectCLI(ctx)
	if err != nil {
		return "", err
	}
	cmd := cli + d.filesFlags(files) + " ps --format json"
	res, err := d.shell.Exec(ctx, cmd, cwd, time.Minute)
	if err != nil {
		return "", &Error{Op: "ps", Err: err}
	}
	if !res.Success() {
		return "", &Error{Op: "ps", Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}
	return res.Stdout, nil
}

// Restart runs the compose command to bring services back up. When
// background is true the whole composite command is wrapped in `nohup sh
// -c '...' > /dev/null 2>&1 &` so a self-updating controller can restart
// itself without the replacement dying with the parent process (spec
// §4.3's self-update caveat); postCmd, if non-empty, runs after restart
// inside the same background shell.
func (d *Driver) Restart(ctx context.Context, files []string, cwd string, background bool, postCmd string) error {
	cli, err := d.DetectCLI(ctx)
	if err != nil {
		return err
	}
	restartCmd := cli + d.filesFlags(files) + " up -d --force-recreate"
	if postCmd != "" {
		restartCmd = restartCmd + " && " + postCmd
	}

	if !background {
		res, err := d.shell.Exec(ctx, restartCmd, cwd, 10*time.Minute)
		if err != nil {
			return &Error{Op: "restart", Err: err}
		}
		if !res.Success() {
			return &Error{Op: "restart", Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
		}
		return nil
	}

	wrapped := fmt.Sprintf("nohup sh -c %s > /dev/null 2>&1 &", shellArg(restartCmd))
	// Fire-and-forget: a self-update means this process may not survive to
	// see the result, so failures here are only logged, never propagated.
	res, err := d.shell.Exec(ctx, wrapped, cwd, 10*time.Second)
	if err != nil {
		d.log.Warn("background restart dispatch failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if !res.Success() {
		d.log.Warn("background restart dispatch returned non-zero", map[string]interface{}{"stderr": res.Stderr})
	}
	return nil
}

// StopProject runs `compose -p <name> down`.
func (d *Driver) StopProject(ctx context.Context, projectName string) error {
	cli, err := d.DetectCLI(ctx)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("%s -p %s down", cli, shellArg(projectName))
	res, err := d.shell.Exec(ctx, cmd, "", 5*time.Minute)
	if err != nil {
		return &Error{Op: "stopProject", Err: err}
	}
	if !res.Success() {
		return &Error{Op: "stopProject", Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}
	return nil
}

var serviceCountRe = regexp.MustCompile(`\((\d+)\)`)

type lsEntry struct {
	Name        string `json:"Name"`
	Status      string `json:"Status"`
	ConfigFiles string `json:"ConfigFiles"`
}

// StatusMap parses `compose ls --format json` into a package-name-keyed
// status map, caching the result for statusTTL (5s) and, if a previous
// snapshot exists, publishing a PackageStatusChanged event for every diff
// including removals, iff a bus was configured.
func (d *Driver) StatusMap(ctx context.Context) (map[string]ProjectStatus, error) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	if d.statusCache != nil && time.Since(d.statusAt) < d.statusTTL {
		return copyStatusMap(d.statusCache), nil
	}

	cli, err := d.DetectCLI(ctx)
	if err != nil {
		return nil, err
	}

	res, err := d.shell.Exec(ctx, cli+" ls --format json", "", 30*time.Second)
	if err != nil {
		return nil, &Error{Op: "statusMap", Err: err}
	}
	if !res.Success() {
		return nil, &Error{Op: "statusMap", Err: fmt.Errorf("%s", strings.TrimSpace(res.Stderr))}
	}

	var entries []lsEntry
	if err := json.Unmarshal([]byte(res.Stdout), &entries); err != nil {
		return nil, &Error{Op: "statusMap", Err: fmt.Errorf("parsing compose ls output: %w", err)}
	}

	next := make(map[string]ProjectStatus, len(entries))
	for _, e := range entries {
		next[e.Name] = ProjectStatus{
			StatusString:    e.Status,
			ConfigFiles:     splitConfigFiles(e.ConfigFiles),
			RunningServices: parseServiceCount(e.Status),
			TotalServices:   countTotalServices(e.Status),
		}
	}

	d.emitDiffs(d.statusCache, next)

	d.statusCache = next
	d.statusAt = time.Now()
	return copyStatusMap(next), nil
}

func (d *Driver) emitDiffs(prev, next map[string]ProjectStatus) {
	if d.bus == nil || prev == nil {
		return
	}
	for name, status := range next {
		old, existed := prev[name]
		if !existed {
			d.bus.Publish(events.NewPackageStatusChanged(name, status.StatusString, ""))
			continue
		}
		if old.StatusString != status.StatusString {
			d.bus.Publish(events.NewPackageStatusChanged(name, status.StatusString, old.StatusString))
		}
	}
	for name, old := range prev {
		if _, stillThere := next[name]; !stillThere {
			d.bus.Publish(events.NewPackageStatusChanged(name, "removed", old.StatusString))
		}
	}
}

func copyStatusMap(m map[string]ProjectStatus) map[string]ProjectStatus {
	out := make(map[string]ProjectStatus, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func splitConfigFiles(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

// parseServiceCount recovers the running-service count from a status
// string like "running(2)"; falls back to 1 when no count is present,
// matching spec §3's "fallback is 1" note for unusual forms.
func parseServiceCount(status string) int {
	m := serviceCountRe.FindStringSubmatch(status)
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 1
	}
	return n
}

// countTotalServices sums every parenthesized count in the status string
// (e.g. "running(2), exited(1)" -> 3); falls back to the running count
// alone when only one group is present.
func countTotalServices(status string) int {
	matches := serviceCountRe.FindAllStringSubmatch(status, -1)
	if len(matches) == 0 {
		return 1
	}
	total := 0
	for _, m := range matches {
		if n, err := strconv.Atoi(m[1]); err == nil {
			total += n
		}
	}
	return total
}

func shellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
