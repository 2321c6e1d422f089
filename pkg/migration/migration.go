// Package migration discovers, orders, filters and executes the
// per-release up/down shell scripts a package ships alongside its compose
// manifests.
package migration

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/iothost/autoupdater/pkg/hostshell"
	"github.com/iothost/autoupdater/pkg/logger"
	"github.com/iothost/autoupdater/pkg/version"
)

// Direction is the direction a migration script runs.
type Direction int

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// Error wraps a script execution failure. The orchestrator treats this as
// MigrationError (spec §7): triggers rollback.
type Error struct {
	Script *Script
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration: %s: %v", e.Script.FileName, e.Err)
}
func (e *Error) Unwrap() error { return e.Err }

// Script is a single discovered migration script (spec §3:
// MigrationScript).
type Script struct {
	FileName     string
	AbsolutePath string
	Version      version.Version
	Direction    Direction
}

var fileNameGrammar = regexp.MustCompile(`^(up|down)-(\d+(?:\.\d+){1,3})\.sh$`)

// Shell is the slice of HostShell this package needs.
type Shell interface {
	ListFiles(ctx context.Context, dir, glob string) ([]string, error)
	Exec(ctx context.Context, command, workingDir string, timeout time.Duration) (*hostshell.ExecResult, error)
}

// Engine is the migration engine (C4).
type Engine struct {
	shell Shell
	log   logger.Logger
}

// New creates an Engine driving scripts over shell.
func New(shell Shell, log logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &Engine{shell: shell, log: log.With(map[string]interface{}{"component": "migration"})}
}

// Discover lists dir for up-X.Y.Z.sh / down-X.Y.Z.sh scripts, sorted
// ascending by (version, direction). Files not matching the grammar are
// ignored; entries with an unparseable version are logged and skipped.
// Two scripts with the same (version, direction) are a conflict: the
// first discovered is kept (spec §3, open question resolved by "keep
// first").
func (e *Engine) Discover(ctx context.Context, dir string) ([]Script, error) {
	names, err := e.shell.ListFiles(ctx, dir, "*.sh")
	if err != nil {
		return nil, fmt.Errorf("migration: discover: %w", err)
	}

	seen := map[string]bool{}
	scripts := make([]Script, 0, len(names))
	for _, name := range names {
		m := fileNameGrammar.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		v, err := version.Parse(m[2])
		if err != nil {
			e.log.Warn("skipping migration script with unparseable version", map[string]interface{}{"file": name, "error": err.Error()})
			continue
		}
		direction := Up
		if m[1] == "down" {
			direction = Down
		}
		key := fmt.Sprintf("%s-%s", direction, v.String())
		if seen[key] {
			e.log.Warn("duplicate migration script for version+direction, keeping first discovered", map[string]interface{}{"file": name})
			continue
		}
		seen[key] = true
		scripts = append(scripts, Script{FileName: name, AbsolutePath: strings.TrimSuffix(dir, "/") + "/" + name, Version: v, Direction: direction})
	}

	sort.SliceStable(scripts, func(i, j int) bool {
		if !scripts[i].Version.Equal(scripts[j].Version) {
			return scripts[i].Version.Less(scripts[j].Version)
		}
		return scripts[i].Direction < scripts[j].Direction
	})
	return scripts, nil
}

// Filter selects the scripts to run for one update attempt. Semantics
// (spec §4.4):
//   - forward (from==nil or target>from): all Up scripts with
//     version<=target, version>from (when from present), and
//     version not in excluded. Ascending order.
//   - rollback (target<from): all Down scripts with version>target,
//     version<=from, and version in excluded (only undo what actually
//     ran). Descending order.
//   - no-op (target==from): empty.
func Filter(all []Script, from *version.Version, target version.Version, excluded version.Set) []Script {
	if from != nil && target.Equal(*from) {
		return nil
	}

	forward := from == nil || target.Compare(*from) > 0

	var out []Script
	for _, s := range all {
		if forward {
			if s.Direction != Up {
				continue
			}
			if s.Version.Compare(target) > 0 {
				continue
			}
			if from != nil && s.Version.Compare(*from) <= 0 {
				continue
			}
			if excluded.Contains(s.Version) {
				continue
			}
			out = append(out, s)
		} else {
			if s.Direction != Down {
				continue
			}
			if s.Version.Compare(target) <= 0 {
				continue
			}
			if from == nil || s.Version.Compare(*from) > 0 {
				continue
			}
			if !excluded.Contains(s.Version) {
				continue
			}
			out = append(out, s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if forward {
			return out[i].Version.Less(out[j].Version)
		}
		return out[j].Version.Less(out[i].Version)
	})
	return out
}

// Execute runs each script as `sudo bash "<absolutePath>"` in cwd, in the
// order given, stopping at the first non-zero exit. Returns the versions
// of the scripts that ran to completion (the prefix preceding any
// failure).
func (e *Engine) Execute(ctx context.Context, scripts []Script, cwd string) ([]version.Version, error) {
	executed := make([]version.Version, 0, len(scripts))
	for i := range scripts {
		s := &scripts[i]
		path := s.AbsolutePath
		if path == "" {
			path = cwd + "/" + s.FileName
		}
		cmd := fmt.Sprintf("sudo bash %s", shellArg(path))
		res, err := e.shell.Exec(ctx, cmd, cwd, 10*time.Minute)
		if err != nil {
			return executed, &Error{Script: s, Err: err}
		}
		if !res.Success() {
			return executed, &Error{Script: s, Err: fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}
		}
		executed = append(executed, s.Version)
	}
	return executed, nil
}

func shellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
