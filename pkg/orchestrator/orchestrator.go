// Package orchestrator implements the update state machine (C9) and the
// version-check read path (C10): the sequence that takes one package from
// its currently deployed release to the newest available one, with
// rollback on failure, serialized system-wide by a single non-blocking
// mutex.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iothost/autoupdater/pkg/backup"
	"github.com/iothost/autoupdater/pkg/events"
	"github.com/iothost/autoupdater/pkg/health"
	"github.com/iothost/autoupdater/pkg/hostshell"
	"github.com/iothost/autoupdater/pkg/logger"
	"github.com/iothost/autoupdater/pkg/migration"
	"github.com/iothost/autoupdater/pkg/registry"
	"github.com/iothost/autoupdater/pkg/state"
	"github.com/iothost/autoupdater/pkg/state/history"
	"github.com/iothost/autoupdater/pkg/version"
)

// lockTimeout is how long Update waits to acquire the global mutex before
// failing fast (spec §4.9).
const lockTimeout = 100 * time.Millisecond

// RepositoryManager is the slice of pkg/repository.Manager the
// orchestrator drives.
type RepositoryManager interface {
	IsRepository(ctx context.Context, path string) (bool, error)
	Clone(ctx context.Context, url, path string) error
	InitInPlace(ctx context.Context, path, remoteURL string) error
	Fetch(ctx context.Context, path string) error
	AvailableVersions(ctx context.Context, path string) ([]version.Version, error)
	Checkout(ctx context.Context, path, friendlyVersion string) error
}

// ComposeDriver is the slice of pkg/compose.Driver the orchestrator
// drives.
type ComposeDriver interface {
	SelectComposeFiles(ctx context.Context, dir string, arch hostshell.Architecture) ([]string, error)
	Up(ctx context.Context, files []string, cwd string) error
	Down(ctx context.Context, files []string, cwd string) error
	Restart(ctx context.Context, files []string, cwd string, background bool, postCmd string) error
}

// MigrationRunner is the slice of pkg/migration.Engine the orchestrator
// drives.
type MigrationRunner interface {
	Discover(ctx context.Context, dir string) ([]migration.Script, error)
	Execute(ctx context.Context, scripts []migration.Script, cwd string) ([]version.Version, error)
}

// BackupDriver is the slice of pkg/backup.Driver the orchestrator drives.
type BackupDriver interface {
	ScriptExists(ctx context.Context, kind, dir string) (bool, error)
	Create(ctx context.Context, dir, pkgVersion string) (*backup.Record, error)
	Restore(ctx context.Context, dir, filenameOrPath string) error
}

// StateStore is the slice of pkg/state.Store the orchestrator drives.
type StateStore interface {
	Read(ctx context.Context, folder string) (*state.DeploymentState, error)
	Write(ctx context.Context, folder string, s state.DeploymentState) error
}

// HealthChecker is the slice of pkg/health.Checker the orchestrator
// drives.
type HealthChecker interface {
	Check(ctx context.Context, files []string, cwd string) (health.Snapshot, error)
}

// ArchProbe is the slice of pkg/hostshell.HostShell the orchestrator
// needs for architecture-aware compose file selection.
type ArchProbe interface {
	Architecture(ctx context.Context) (hostshell.Architecture, error)
	DirExists(ctx context.Context, path string) (bool, error)
	ListFiles(ctx context.Context, dir, glob string) ([]string, error)
}

// Orchestrator is the update orchestrator (C9/C10).
type Orchestrator struct {
	registry   *registry.Registry
	repo       RepositoryManager
	composeDrv ComposeDriver
	migrations MigrationRunner
	backups    BackupDriver
	states     StateStore
	healthChk  HealthChecker
	archProbe  ArchProbe
	historyStr history.Store // may be nil: history is best-effort bookkeeping
	bus        *events.Bus
	log        logger.Logger

	selfPackageName string

	mu chan struct{} // 1-buffered channel used as a TryLock-with-timeout mutex
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry        *registry.Registry
	Repository      RepositoryManager
	Compose         ComposeDriver
	Migrations      MigrationRunner
	Backups         BackupDriver
	States          StateStore
	Health          HealthChecker
	ArchProbe       ArchProbe
	History         history.Store
	Bus             *events.Bus
	Log             logger.Logger
	SelfPackageName string // package name that is this controller itself
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	if d.Log == nil {
		d.Log = logger.NewNoOp()
	}
	if d.Bus == nil {
		d.Bus = events.NewBus()
	}
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &Orchestrator{
		registry:        d.Registry,
		repo:            d.Repository,
		composeDrv:      d.Compose,
		migrations:      d.Migrations,
		backups:         d.Backups,
		states:          d.States,
		healthChk:       d.Health,
		archProbe:       d.ArchProbe,
		historyStr:      d.History,
		bus:             d.Bus,
		log:             d.Log.With(map[string]interface{}{"component": "orchestrator"}),
		selfPackageName: d.SelfPackageName,
		mu:              mu,
	}
}

func (o *Orchestrator) tryLock(ctx context.Context) bool {
	deadline := time.NewTimer(lockTimeout)
	defer deadline.Stop()
	select {
	case <-o.mu:
		return true
	case <-deadline.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) unlock() {
	o.mu <- struct{}{}
}

// Update drives one package through the full state machine. It is
// non-blocking on contention: if the global mutex cannot be acquired
// within 100ms, it returns immediately with outcome Failed.
func (o *Orchestrator) Update(ctx context.Context, packageName string) (*Result, error) {
	if !o.tryLock(ctx) {
		return &Result{Outcome: Failed, ErrorMessage: "Update already in progress"}, nil
	}
	defer o.unlock()

	pkg, ok := o.registry.Get(packageName)
	if !ok {
		return nil, fmt.Errorf("orchestrator: no package named %q", packageName)
	}

	operationID := uuid.New().String()
	log := o.log.With(map[string]interface{}{"package": packageName, "operation_id": operationID})
	start := time.Now()

	result := o.runAttempt(ctx, pkg, operationID, log)

	if o.historyStr != nil {
		record := history.Record{
			ID:                operationID,
			PackageName:       packageName,
			OperationID:       operationID,
			FromVersion:       result.FromVersion,
			ToVersion:         result.ToVersion,
			Outcome:           result.Outcome.String(),
			StartedAt:         start,
			FinishedAt:        time.Now(),
			RollbackPerformed: result.RecoveryPerformed,
			ErrorMessage:      result.ErrorMessage,
		}
		if err := o.historyStr.Append(ctx, record); err != nil {
			log.Warn("failed to append operation history", map[string]interface{}{"error": err.Error()})
		}
	}

	return result, nil
}

func (o *Orchestrator) runAttempt(ctx context.Context, pkg registry.Config, operationID string, log logger.Logger) *Result {
	dir := pkg.ComposeFolderPath()
	isSelfUpdate := pkg.Name == o.selfPackageName

	// LoadState
	st, err := o.states.Read(ctx, dir)
	if err != nil {
		return &Result{Outcome: Failed, ErrorMessage: fmt.Sprintf("load state: %v", err)}
	}
	var currentVersion *version.Version
	if st != nil && st.Version != "" {
		if v, err := version.Parse(st.Version); err == nil {
			currentVersion = &v
		}
	}

	// PrepareRepo
	if err := o.prepareRepo(ctx, pkg, dir); err != nil {
		return &Result{Outcome: Failed, ErrorMessage: fmt.Sprintf("prepare repository: %v", err)}
	}

	// Fetch
	if err := o.repo.Fetch(ctx, dir); err != nil {
		return &Result{Outcome: Failed, ErrorMessage: fmt.Sprintf("fetch: %v", err)}
	}

	// SelectVersion
	available, err := o.repo.AvailableVersions(ctx, dir)
	if err != nil {
		return &Result{Outcome: Failed, ErrorMessage: fmt.Sprintf("list versions: %v", err)}
	}
	if len(available) == 0 {
		toVersion := ""
		if currentVersion != nil {
			toVersion = currentVersion.Friendly
		}
		return &Result{Outcome: Success, FromVersion: toVersion, ToVersion: toVersion}
	}
	target := available[0]

	fromFriendly := ""
	if currentVersion != nil {
		fromFriendly = currentVersion.Friendly
	}

	// NoOpIfSame
	if currentVersion != nil && target.Equal(*currentVersion) {
		return &Result{Outcome: Success, FromVersion: fromFriendly, ToVersion: target.Friendly}
	}

	o.bus.Publish(events.NewUpdateStarted(pkg.Name, fromFriendly, target.Friendly))
	o.bus.Publish(events.NewUpdateProgress(pkg.Name, "checkout", 10))

	// CheckoutTarget
	if err := o.repo.Checkout(ctx, dir, target.Friendly); err != nil {
		result := &Result{Outcome: Failed, FromVersion: fromFriendly, ToVersion: target.Friendly, ErrorMessage: fmt.Sprintf("checkout: %v", err)}
		o.emitCompleted(pkg.Name, result)
		return result
	}

	// Backup?
	var backupRecord *backup.Record
	hasBackupScript, err := o.backups.ScriptExists(ctx, "backup", dir)
	if err != nil {
		result := &Result{Outcome: Failed, FromVersion: fromFriendly, ToVersion: target.Friendly, ErrorMessage: fmt.Sprintf("probe backup script: %v", err)}
		o.emitCompleted(pkg.Name, result)
		return result
	}
	if hasBackupScript {
		o.bus.Publish(events.NewUpdateProgress(pkg.Name, "backup", 20))
		backupRecord, err = o.backups.Create(ctx, dir, target.Friendly)
		if err != nil {
			// Fatal: abort the attempt, no rollback (spec §4.9 failure semantics).
			result := &Result{Outcome: Failed, FromVersion: fromFriendly, ToVersion: target.Friendly, ErrorMessage: fmt.Sprintf("backup failed: %v", err)}
			log.Error("backup creation failed, aborting attempt without rollback", map[string]interface{}{"error": err.Error()})
			o.emitCompleted(pkg.Name, result)
			return result
		}
	} else {
		log.Info("no backup script present, proceeding without a safety net", nil)
	}

	arch, err := o.archProbe.Architecture(ctx)
	if err != nil {
		result := &Result{Outcome: Failed, FromVersion: fromFriendly, ToVersion: target.Friendly, ErrorMessage: fmt.Sprintf("detect architecture: %v", err)}
		o.emitCompleted(pkg.Name, result)
		return result
	}
	files, err := o.composeDrv.SelectComposeFiles(ctx, dir, arch)
	if err != nil {
		result := &Result{Outcome: Failed, FromVersion: fromFriendly, ToVersion: target.Friendly, ErrorMessage: fmt.Sprintf("select compose files: %v", err)}
		o.emitCompleted(pkg.Name, result)
		return result
	}

	// StopServices (skipped for self-update)
	if !isSelfUpdate {
		o.bus.Publish(events.NewUpdateProgress(pkg.Name, "stop", 30))
		if err := o.composeDrv.Down(ctx, files, dir); err != nil {
			return o.rollback(ctx, pkg, dir, files, target, currentVersion, nil, backupRecord, fromFriendly, fmt.Sprintf("stop services: %v", err))
		}
	}

	// RunUpMigrations
	o.bus.Publish(events.NewUpdateProgress(pkg.Name, "migrate", 50))
	allScripts, err := o.migrations.Discover(ctx, dir)
	if err != nil {
		return o.rollback(ctx, pkg, dir, files, target, currentVersion, nil, backupRecord, fromFriendly, fmt.Sprintf("discover migrations: %v", err))
	}
	var excluded version.Set
	if st != nil {
		excluded = st.AppliedSet()
	}
	toRun := migration.Filter(allScripts, currentVersion, target, excluded)
	executed, migErr := o.migrations.Execute(ctx, toRun, dir)
	if migErr != nil {
		return o.rollback(ctx, pkg, dir, files, target, currentVersion, executed, backupRecord, fromFriendly, fmt.Sprintf("migration failed: %v", migErr))
	}

	// StartServices (or detached restart for self-update)
	o.bus.Publish(events.NewUpdateProgress(pkg.Name, "start", 80))
	if isSelfUpdate {
		if err := o.composeDrv.Restart(ctx, files, dir, true, ""); err != nil {
			return o.rollback(ctx, pkg, dir, files, target, currentVersion, executed, backupRecord, fromFriendly, fmt.Sprintf("restart: %v", err))
		}
	} else {
		if err := o.composeDrv.Up(ctx, files, dir); err != nil {
			return o.rollback(ctx, pkg, dir, files, target, currentVersion, executed, backupRecord, fromFriendly, fmt.Sprintf("start services: %v", err))
		}
	}

	if isSelfUpdate {
		// The replacement container takes over after this process exits;
		// persist state now since there is no further health check to run
		// against the soon-to-be-replaced process.
		o.persistState(ctx, dir, st, target, executed)
		result := &Result{Outcome: Success, FromVersion: fromFriendly, ToVersion: target.Friendly, ExecutedScripts: scriptNames(toRun), RestartPending: true}
		o.emitCompleted(pkg.Name, result)
		return result
	}

	// HealthCheck
	o.bus.Publish(events.NewUpdateProgress(pkg.Name, "health-check", 90))
	snapshot, err := o.healthChk.Check(ctx, files, dir)
	if err != nil {
		return o.rollback(ctx, pkg, dir, files, target, currentVersion, executed, backupRecord, fromFriendly, fmt.Sprintf("health check: %v", err))
	}

	switch snapshot.Classification {
	case health.CriticalFailure:
		return o.rollback(ctx, pkg, dir, files, target, currentVersion, executed, backupRecord, fromFriendly, "critical service health failure")
	case health.Unhealthy:
		o.persistState(ctx, dir, st, target, executed)
		result := &Result{
			Outcome: PartialSuccess, FromVersion: fromFriendly, ToVersion: target.Friendly,
			ExecutedScripts: scriptNames(toRun), HealthSnapshot: &snapshot,
		}
		if backupRecord != nil {
			result.BackupFile = backupRecord.Filename
		}
		o.emitCompleted(pkg.Name, result)
		return result
	default: // AllHealthy
		o.persistState(ctx, dir, st, target, executed)
		result := &Result{
			Outcome: Success, FromVersion: fromFriendly, ToVersion: target.Friendly,
			ExecutedScripts: scriptNames(toRun), HealthSnapshot: &snapshot,
		}
		if backupRecord != nil {
			result.BackupFile = backupRecord.Filename
		}
		o.emitCompleted(pkg.Name, result)
		return result
	}
}

func (o *Orchestrator) prepareRepo(ctx context.Context, pkg registry.Config, dir string) error {
	isRepo, err := o.repo.IsRepository(ctx, dir)
	if err != nil {
		return err
	}
	if isRepo {
		return nil
	}

	exists, err := o.archProbe.DirExists(ctx, dir)
	if err != nil {
		return err
	}
	if !exists {
		return o.repo.Clone(ctx, pkg.RepositoryURL, dir)
	}

	entries, err := o.archProbe.ListFiles(ctx, dir, "*")
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return o.repo.Clone(ctx, pkg.RepositoryURL, dir)
	}
	return o.repo.InitInPlace(ctx, dir, pkg.RepositoryURL)
}

// rollback runs the ROLLBACK procedure (spec §4.9): down all services,
// run Down scripts for the versions that actually executed this attempt
// in descending order, restore from backup if one was created, bring
// services back up. deployment.state.json is never touched here, keeping
// invariant §8.3 (unchanged state content across a rolled-back attempt).
func (o *Orchestrator) rollback(ctx context.Context, pkg registry.Config, dir string, files []string, target version.Version, from *version.Version, executedThisAttempt []version.Version, backupRecord *backup.Record, fromFriendly, reason string) *Result {
	log := o.log.With(map[string]interface{}{"package": pkg.Name})
	log.Error("rolling back update attempt", map[string]interface{}{"reason": reason})

	if err := o.composeDrv.Down(ctx, files, dir); err != nil {
		log.Warn("rollback: down failed", map[string]interface{}{"error": err.Error()})
	}

	executedSet := version.Set{}
	for _, v := range executedThisAttempt {
		executedSet.Add(v)
	}
	allScripts, err := o.migrations.Discover(ctx, dir)
	if err != nil {
		log.Warn("rollback: could not discover down scripts", map[string]interface{}{"error": err.Error()})
	} else {
		origin := target
		var destination version.Version
		if from != nil {
			destination = *from
		}
		downScripts := migration.Filter(allScripts, &origin, destination, executedSet)
		if _, err := o.migrations.Execute(ctx, downScripts, dir); err != nil {
			log.Warn("rollback: a down script failed", map[string]interface{}{"error": err.Error()})
		}
	}

	restoreSucceeded := false
	if backupRecord != nil {
		if err := o.backups.Restore(ctx, dir, backupRecord.Filename); err != nil {
			log.Error("rollback: restore failed", map[string]interface{}{"error": err.Error()})
		} else {
			restoreSucceeded = true
		}
	}

	if err := o.composeDrv.Up(ctx, files, dir); err != nil {
		log.Warn("rollback: bringing services back up failed", map[string]interface{}{"error": err.Error()})
	}

	result := &Result{
		FromVersion:     fromFriendly,
		ToVersion:       target.Friendly,
		ErrorMessage:    reason,
		ExecutedScripts: scriptNames(nil),
	}
	if backupRecord != nil {
		result.BackupFile = backupRecord.Filename
	}
	if restoreSucceeded {
		result.Outcome = Failed
		result.RecoveryPerformed = true
	} else {
		result.Outcome = RecoverableFailure
	}

	o.emitCompleted(pkg.Name, result)
	return result
}

func (o *Orchestrator) persistState(ctx context.Context, dir string, prev *state.DeploymentState, target version.Version, executedThisAttempt []version.Version) {
	var applied, failed version.Set
	if prev != nil {
		applied = prev.AppliedSet()
		failed = prev.FailedSet()
	}
	for _, v := range executedThisAttempt {
		applied.Add(v)
	}

	newState := state.DeploymentState{
		Version:   target.Friendly,
		UpdatedAt: time.Now(),
		Applied:   applied.Friendly(),
		Failed:    failed.Friendly(),
	}
	if err := o.states.Write(ctx, dir, newState); err != nil {
		o.log.Error("failed to persist deployment state", map[string]interface{}{"dir": dir, "error": err.Error()})
	}
}

func (o *Orchestrator) emitCompleted(pkgName string, r *Result) {
	o.bus.Publish(events.NewUpdateCompleted(pkgName, r.FromVersion, r.ToVersion, r.Outcome == Success || r.Outcome == PartialSuccess, r.ErrorMessage, r.ExecutedScripts))
}

// CheckForUpdates is the read-only version check (C10): fetch, list tags,
// compare against current state, and emit a VersionCheckCompleted event
// even on a no-op result.
func (o *Orchestrator) CheckForUpdates(ctx context.Context, packageName string) (*CheckResult, error) {
	pkg, ok := o.registry.Get(packageName)
	if !ok {
		return nil, fmt.Errorf("orchestrator: no package named %q", packageName)
	}
	dir := pkg.ComposeFolderPath()

	if err := o.repo.Fetch(ctx, dir); err != nil {
		return nil, fmt.Errorf("orchestrator: check for updates: %w", err)
	}

	available, err := o.repo.AvailableVersions(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: check for updates: %w", err)
	}

	st, err := o.states.Read(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: check for updates: %w", err)
	}

	current := ""
	var currentVersion *version.Version
	if st != nil && st.Version != "" {
		current = st.Version
		if v, err := version.Parse(st.Version); err == nil {
			currentVersion = &v
		}
	}

	latest := ""
	upgradeAvailable := false
	if len(available) > 0 {
		latest = available[0].Friendly
		upgradeAvailable = currentVersion == nil || available[0].Compare(*currentVersion) > 0
	}

	result := &CheckResult{Current: current, Latest: latest, UpgradeAvailable: upgradeAvailable}
	o.bus.Publish(events.NewVersionCheckCompleted(packageName, current, latest, upgradeAvailable))
	return result, nil
}

// UpdateAll iterates the registry in order, updating each package in
// turn. It stops early if a package signals RestartPending (the
// self-update case): the controller expects to be replaced by a new
// instance, so running further packages would race the replacement.
func (o *Orchestrator) UpdateAll(ctx context.Context) ([]*Result, error) {
	var results []*Result
	for _, pkg := range o.registry.List() {
		result, err := o.Update(ctx, pkg.Name)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if result.RestartPending {
			o.log.Info("self-update in progress, aborting remaining packages this cycle", map[string]interface{}{"package": pkg.Name})
			break
		}
	}
	return results, nil
}
