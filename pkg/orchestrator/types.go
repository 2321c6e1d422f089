package orchestrator

import (
	"github.com/iothost/autoupdater/pkg/health"
	"github.com/iothost/autoupdater/pkg/migration"
)

// Outcome is the terminal classification of one update attempt (spec §3:
// UpdateResult.outcome).
type Outcome int

const (
	Success Outcome = iota
	PartialSuccess
	Failed
	RecoverableFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "Success"
	case PartialSuccess:
		return "PartialSuccess"
	case Failed:
		return "Failed"
	case RecoverableFailure:
		return "RecoverableFailure"
	default:
		return "Unknown"
	}
}

// Result is the outcome of one update attempt (spec §3: UpdateResult).
type Result struct {
	Outcome           Outcome
	FromVersion       string
	ToVersion         string
	ExecutedScripts   []string
	HealthSnapshot    *health.Snapshot
	BackupFile        string
	RecoveryPerformed bool
	ErrorMessage      string
	// RestartPending signals updateAll to stop iterating because this
	// package was a self-update and the controller expects to be replaced
	// by a new instance (spec §4.9).
	RestartPending bool
}

// CheckResult is the read-only outcome of checkForUpdates (spec §4.9).
type CheckResult struct {
	Current          string
	Latest           string
	UpgradeAvailable bool
}

// scriptNames formats the file names for Result.ExecutedScripts; kept local
// so this package doesn't leak migration.Script into its public surface.
func scriptNames(scripts []migration.Script) []string {
	names := make([]string, len(scripts))
	for i, s := range scripts {
		names[i] = s.FileName
	}
	return names
}
