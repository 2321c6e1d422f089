// Package state reads and writes the per-package deployment state file on
// the host: the current version and the sets of applied and failed
// migration versions.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iothost/autoupdater/pkg/hostshell"
	"github.com/iothost/autoupdater/pkg/logger"
	"github.com/iothost/autoupdater/pkg/version"
)

const fileName = "deployment.state.json"

// Error wraps a failure to persist state (spec §7: StateError). The
// orchestrator logs this but still treats the update as successful if
// services are healthy; the next run re-evaluates.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("state: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error  { return e.Err }

// DeploymentState is the JSON document persisted at
// <composeFolder>/deployment.state.json.
type DeploymentState struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated"`
	Applied   []string  `json:"up"`
	Failed    []string  `json:"failed"`
}

// AppliedSet parses Applied into a version.Set.
func (s DeploymentState) AppliedSet() version.Set { return version.NewSet(s.Applied...) }

// FailedSet parses Failed into a version.Set.
func (s DeploymentState) FailedSet() version.Set { return version.NewSet(s.Failed...) }

// Shell is the slice of HostShell this package needs.
type Shell interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	FileExists(ctx context.Context, path string) (bool, error)
}

// Store is the deployment state store (C6).
type Store struct {
	shell Shell
	log   logger.Logger
}

// New creates a Store.
func New(shell Shell, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &Store{shell: shell, log: log.With(map[string]interface{}{"component": "state"})}
}

func path(folder string) string { return folder + "/" + fileName }

// Read returns the parsed state, nil if the file is missing, or nil (with
// a logged warning) if the file exists but is not valid JSON — it never
// returns an error to the orchestrator for a corrupt file, per spec §4.6.
func (s *Store) Read(ctx context.Context, folder string) (*DeploymentState, error) {
	exists, err := s.shell.FileExists(ctx, path(folder))
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}
	if !exists {
		return nil, nil
	}

	data, err := s.shell.ReadFile(ctx, path(folder))
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}

	var parsed DeploymentState
	if err := json.Unmarshal(data, &parsed); err != nil {
		s.log.Warn("corrupt deployment state file, treating as absent", map[string]interface{}{"folder": folder, "error": err.Error()})
		return nil, nil
	}
	return &parsed, nil
}

// Write serializes state and persists it via HostShell.WriteFile, which
// creates the directory tree if absent and elevates privilege if a direct
// write isn't permitted.
func (s *Store) Write(ctx context.Context, folder string, state DeploymentState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return &Error{Op: "write", Err: err}
	}
	if err := s.shell.WriteFile(ctx, path(folder), data); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

// CurrentVersion returns the friendly version string, or nil if no state
// exists yet.
func (s *Store) CurrentVersion(ctx context.Context, folder string) (*string, error) {
	st, err := s.Read(ctx, folder)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, nil
	}
	return &st.Version, nil
}

// Exists reports whether a state file is present at folder.
func (s *Store) Exists(ctx context.Context, folder string) (bool, error) {
	exists, err := s.shell.FileExists(ctx, path(folder))
	if err != nil {
		return false, &Error{Op: "exists", Err: err}
	}
	return exists, nil
}
