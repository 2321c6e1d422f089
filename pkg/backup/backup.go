// Package backup invokes a package's own backup.sh/restore.sh scripts
// over a JSON protocol and parses their structured result, never
// free-form stdout.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iothost/autoupdater/pkg/hostshell"
	"github.com/iothost/autoupdater/pkg/logger"
)

// Error wraps a backup/restore script failure (non-zero exit or
// malformed JSON). The orchestrator treats create-failures as BackupError
// (fatal for the attempt) and restore-failures as RestoreError
// (RecoverableFailure, spec §7).
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("backup: %s: %s", e.Op, e.Message) }

// Record describes one backup on disk (spec §3: BackupRecord).
type Record struct {
	Filename     string    `json:"filename"`
	DisplayName  string    `json:"displayName"`
	Version      string    `json:"version"`
	GitTagExists bool      `json:"gitTagExists"`
	SizeBytes    int64     `json:"sizeBytes"`
	CreatedAt    time.Time `json:"createdAt"`
	FullPath     string    `json:"fullPath"`
}

type createResult struct {
	Success bool   `json:"success"`
	File    string `json:"file"`
	Error   string `json:"error"`
}

type restoreResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type listResult struct {
	Backups        []Record `json:"backups"`
	TotalCount     int      `json:"totalCount"`
	TotalSizeBytes int64    `json:"totalSizeBytes"`
	TotalSize      string   `json:"totalSize"`
}

// Shell is the slice of HostShell this package needs.
type Shell interface {
	Exec(ctx context.Context, command, workingDir string, timeout time.Duration) (*hostshell.ExecResult, error)
	FileExists(ctx context.Context, path string) (bool, error)
}

// Driver is the backup driver (C5).
type Driver struct {
	shell Shell
	log   logger.Logger
}

// New creates a Driver.
func New(shell Shell, log logger.Logger) *Driver {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &Driver{shell: shell, log: log.With(map[string]interface{}{"component": "backup"})}
}

func scriptName(kind string) string {
	switch kind {
	case "backup":
		return "backup.sh"
	case "restore":
		return "restore.sh"
	default:
		return kind
	}
}

// ScriptExists reports whether backup.sh or restore.sh is present in dir.
// kind is "backup" or "restore".
func (d *Driver) ScriptExists(ctx context.Context, kind, dir string) (bool, error) {
	return d.shell.FileExists(ctx, dir+"/"+scriptName(kind))
}

// Create invokes `sudo bash ./backup.sh [--version=<v>] --format=json`.
func (d *Driver) Create(ctx context.Context, dir string, pkgVersion string) (*Record, error) {
	cmd := "sudo bash ./backup.sh"
	if pkgVersion != "" {
		cmd += fmt.Sprintf(" --version=%s", shellArg(pkgVersion))
	}
	cmd += " --format=json"

	res, err := d.shell.Exec(ctx, cmd, dir, 10*time.Minute)
	if err != nil {
		return nil, &Error{Op: "create", Message: err.Error()}
	}
	if !res.Success() {
		return nil, &Error{Op: "create", Message: strings.TrimSpace(res.Stderr)}
	}

	var parsed createResult
	if err := json.Unmarshal([]byte(res.Stdout), &parsed); err != nil {
		return nil, &Error{Op: "create", Message: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if !parsed.Success {
		return nil, &Error{Op: "create", Message: parsed.Error}
	}

	return &Record{Filename: parsed.File, FullPath: dir + "/" + parsed.File, Version: pkgVersion}, nil
}

// Restore invokes `sudo bash ./restore.sh --file="<name>" --format=json`.
func (d *Driver) Restore(ctx context.Context, dir, filenameOrPath string) error {
	cmd := fmt.Sprintf("sudo bash ./restore.sh --file=%s --format=json", shellArg(filenameOrPath))
	res, err := d.shell.Exec(ctx, cmd, dir, 30*time.Minute)
	if err != nil {
		return &Error{Op: "restore", Message: err.Error()}
	}
	if !res.Success() {
		return &Error{Op: "restore", Message: strings.TrimSpace(res.Stderr)}
	}

	var parsed restoreResult
	if err := json.Unmarshal([]byte(res.Stdout), &parsed); err != nil {
		return &Error{Op: "restore", Message: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if !parsed.Success {
		return &Error{Op: "restore", Message: parsed.Error}
	}
	return nil
}

// List invokes `sudo bash ./backup.sh list --format=json` and returns the
// enumerated backups.
func (d *Driver) List(ctx context.Context, dir string) ([]Record, error) {
	res, err := d.shell.Exec(ctx, "sudo bash ./backup.sh list --format=json", dir, time.Minute)
	if err != nil {
		return nil, &Error{Op: "list", Message: err.Error()}
	}
	if !res.Success() {
		return nil, &Error{Op: "list", Message: strings.TrimSpace(res.Stderr)}
	}

	var parsed listResult
	if err := json.Unmarshal([]byte(res.Stdout), &parsed); err != nil {
		return nil, &Error{Op: "list", Message: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return parsed.Backups, nil
}

func shellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
