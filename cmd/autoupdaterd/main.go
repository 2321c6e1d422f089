// Command autoupdaterd is the controller entrypoint: it wires the host
// channel, the package registry, and every update-pipeline component into
// an Orchestrator and drives one action against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/iothost/autoupdater/internal/config"
	"github.com/iothost/autoupdater/pkg/backup"
	"github.com/iothost/autoupdater/pkg/compose"
	"github.com/iothost/autoupdater/pkg/events"
	"github.com/iothost/autoupdater/pkg/health"
	"github.com/iothost/autoupdater/pkg/hostshell"
	loggerpkg "github.com/iothost/autoupdater/pkg/logger"
	"github.com/iothost/autoupdater/pkg/migration"
	"github.com/iothost/autoupdater/pkg/orchestrator"
	"github.com/iothost/autoupdater/pkg/registry"
	"github.com/iothost/autoupdater/pkg/repository"
	"github.com/iothost/autoupdater/pkg/state"
	"github.com/iothost/autoupdater/pkg/state/history"
)

// Exit codes (spec's external-interface table): 0 success, 1 startup
// failure (channel unavailable), 2 update failed with no rollback, 3
// rollback performed, 4 partial success.
const (
	exitSuccess        = 0
	exitStartupFailure = 1
	exitUpdateFailed   = 2
	exitRolledBack     = 3
	exitPartialSuccess = 4
)

func main() {
	var (
		configFile = flag.String("config", "config.yaml", "Configuration file")
		action     = flag.String("action", "update-all", "Action: update, update-all, check")
		pkgName    = flag.String("package", "", "Package name for update/check actions")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	level := loggerpkg.INFO
	if *verbose {
		level = loggerpkg.DEBUG
	}
	lg := loggerpkg.New(loggerpkg.Config{Level: level, Format: loggerpkg.FormatJSON})

	orch, err := buildOrchestrator(cfg, lg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	switch *action {
	case "update":
		if *pkgName == "" {
			log.Fatal("-package is required for the update action")
		}
		os.Exit(runUpdate(ctx, orch, *pkgName))

	case "update-all":
		os.Exit(runUpdateAll(ctx, orch))

	case "check":
		if *pkgName == "" {
			log.Fatal("-package is required for the check action")
		}
		os.Exit(runCheck(ctx, orch, *pkgName))

	default:
		log.Fatalf("unknown action: %s", *action)
	}
}

// buildOrchestrator wires every update-pipeline component (spec C1-C10)
// behind one Orchestrator, using the host channel and package registry
// described by cfg.
func buildOrchestrator(cfg *config.Config, lg loggerpkg.Logger) (*orchestrator.Orchestrator, error) {
	shell := hostshell.New(cfg.HostShellConfig(), lg)
	if err := shell.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("connect host channel: %w", err)
	}

	bus := events.NewBus()
	bus.Subscribe(events.SinkFunc(func(e events.Event) {
		lg.Info("event", map[string]interface{}{
			"type":    string(e.Type),
			"package": e.Package,
		})
	}))

	reg := registry.New(lg)
	std, user := cfg.PackageConfigs()
	reg.Reload(std, user)

	historyStore, err := history.New(cfg.HistoryStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err := historyStore.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping history store: %w", err)
	}

	deps := orchestrator.Deps{
		Registry:        reg,
		Repository:      repository.New(shell, lg),
		Compose:         compose.New(shell, lg, bus),
		Migrations:      migration.New(shell, lg),
		Backups:         backup.New(shell, lg),
		States:          state.New(shell, lg),
		Health:          health.New(shell, lg),
		ArchProbe:       shell,
		History:         historyStore,
		Bus:             bus,
		Log:             lg,
		SelfPackageName: cfg.SelfPackageName,
	}
	return orchestrator.New(deps), nil
}

func runUpdate(ctx context.Context, orch *orchestrator.Orchestrator, pkgName string) int {
	result, err := orch.Update(ctx, pkgName)
	if err != nil {
		log.Printf("update failed to start: %v", err)
		return exitStartupFailure
	}
	return exitCodeForResult(result)
}

func runUpdateAll(ctx context.Context, orch *orchestrator.Orchestrator) int {
	results, err := orch.UpdateAll(ctx)
	if err != nil {
		log.Printf("update-all failed to start: %v", err)
		return exitStartupFailure
	}

	worst := exitSuccess
	for _, r := range results {
		code := exitCodeForResult(r)
		if code > worst {
			worst = code
		}
	}
	return worst
}

func runCheck(ctx context.Context, orch *orchestrator.Orchestrator, pkgName string) int {
	result, err := orch.CheckForUpdates(ctx, pkgName)
	if err != nil {
		log.Printf("check failed: %v", err)
		return exitStartupFailure
	}
	fmt.Printf("%s: current=%s latest=%s upgrade_available=%t\n",
		pkgName, result.Current, result.Latest, result.UpgradeAvailable)
	return exitSuccess
}

func exitCodeForResult(r *orchestrator.Result) int {
	switch r.Outcome {
	case orchestrator.Success:
		return exitSuccess
	case orchestrator.PartialSuccess:
		return exitPartialSuccess
	case orchestrator.RecoverableFailure:
		return exitRolledBack
	case orchestrator.Failed:
		if r.RecoveryPerformed {
			return exitRolledBack
		}
		return exitUpdateFailed
	default:
		return exitUpdateFailed
	}
}
