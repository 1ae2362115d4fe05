// Homelink Core - multi-tenant home automation hub
//
// This is the main entry point for the Homelink Core service. Core keeps a
// live model of every tenant's devices, translates canonical commands into
// vendor dialects and runs the automation rules and scenes that act on them.
//
// Devices and bridges speak MQTT; operators use the HTTP API and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	_ "github.com/nerrad567/homelink-core/migrations"

	"github.com/nerrad567/homelink-core/internal/api"
	"github.com/nerrad567/homelink-core/internal/audit"
	"github.com/nerrad567/homelink-core/internal/automation"
	"github.com/nerrad567/homelink-core/internal/bridge"
	"github.com/nerrad567/homelink-core/internal/capability"
	"github.com/nerrad567/homelink-core/internal/device"
	"github.com/nerrad567/homelink-core/internal/infrastructure/clock"
	"github.com/nerrad567/homelink-core/internal/infrastructure/config"
	"github.com/nerrad567/homelink-core/internal/infrastructure/database"
	"github.com/nerrad567/homelink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/homelink-core/internal/infrastructure/logging"
	"github.com/nerrad567/homelink-core/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// startupTimeout bounds the infrastructure health check at boot.
const startupTimeout = 10 * time.Second

func main() {
	flags := pflag.NewFlagSet("homelink", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to config.yaml (default $HOMELINK_CONFIG or "+defaultConfigPath+")")
	showVersion := flags.BoolP("version", "v", false, "print version and exit")
	//nolint:errcheck // ExitOnError exits on parse failure
	flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("homelink %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, resolveConfigPath(*configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Homelink Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	loc, err := time.LoadLocation(cfg.Automation.Timezone)
	if err != nil {
		return fmt.Errorf("loading automation timezone %q: %w", cfg.Automation.Timezone, err)
	}

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	clk := clock.Real()

	// Broker sessions are opened per tenant on first use.
	broker := mqtt.NewManager(cfg.MQTT, mqtt.PahoFactory(cfg.MQTT), clk)
	broker.SetLogger(log)
	defer func() {
		log.Info("closing MQTT sessions")
		if closeErr := broker.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Capabilities: built-in catalog, operator overrides, then announced schemas.
	catalog := capability.DefaultCatalog()
	if cfg.Capabilities.CatalogFile != "" {
		if loadErr := catalog.LoadFile(cfg.Capabilities.CatalogFile); loadErr != nil {
			return fmt.Errorf("loading capability catalog: %w", loadErr)
		}
		log.Info("capability catalog loaded", "path", cfg.Capabilities.CatalogFile, "descriptors", catalog.Len())
	}
	capabilities := capability.NewRegistry(catalog, capability.NewSQLiteStore(db.DB))
	capabilities.SetLogger(log)
	if restoreErr := capabilities.Restore(ctx); restoreErr != nil {
		return fmt.Errorf("restoring announced capabilities: %w", restoreErr)
	}

	// Device registry
	deviceRegistry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	deviceRegistry.SetLogger(log)
	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	stats := deviceRegistry.GetStats()
	log.Info("device registry initialised",
		"devices", stats.TotalDevices,
		"tenants", len(stats.ByTenant),
	)

	history := device.NewSQLiteStateHistoryRepository(db.DB)
	qos := byte(cfg.MQTT.QoS) //nolint:gosec // validated to 0-2 by config

	syncer := device.NewSynchronizer(deviceRegistry, capabilities, broker, clk, device.SyncConfig{
		LivenessWindow:   cfg.LivenessWindow(),
		QoS:              qos,
		HistoryRetention: time.Duration(cfg.Sync.HistoryRetention) * time.Hour,
	})
	syncer.SetLogger(log)
	syncer.SetHistory(history)
	if influxClient != nil {
		syncer.SetTelemetry(influxClient)
		unsubLiveness := syncer.SubscribeLiveness(func(ev device.LivenessEvent) {
			influxClient.WriteLiveness(ev.TenantID, ev.DeviceID, ev.Liveness == device.LivenessOnline, ev.Timestamp)
		})
		defer unsubLiveness()
	}

	commander := device.NewCommander(deviceRegistry, capabilities, broker, clk, qos)
	commander.SetLogger(log)
	commander.SetHistory(history)

	// The hub is created up front so the automation engines can broadcast.
	hub := api.NewHub(cfg.WebSocket, log)

	// Scenes
	sceneRepo := automation.NewSQLiteSceneRepository(db.DB)
	sceneRegistry := automation.NewSceneRegistry(sceneRepo)
	sceneRegistry.SetLogger(log)
	if refreshErr := sceneRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading scene registry: %w", refreshErr)
	}
	sceneEngine := automation.NewSceneEngine(sceneRegistry, commander, sceneRepo, clk, hub)
	sceneEngine.SetLogger(log)

	// Rules
	ruleRegistry := automation.NewRuleRegistry(automation.NewSQLiteRuleRepository(db.DB))
	ruleRegistry.SetLogger(log)
	if refreshErr := ruleRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading rule registry: %w", refreshErr)
	}
	ruleEngine := automation.NewRuleEngine(ruleRegistry, commander, sceneEngine, clk, automation.RuleEngineConfig{
		Location:         loc,
		ExecutionTimeout: time.Duration(cfg.Automation.ExecutionTimeout) * time.Second,
	})
	ruleEngine.SetLogger(log)
	ruleEngine.SetHub(hub)
	ruleEngine.SetRecorder(ruleRegistry)
	ruleRegistry.SetOnChange(func(ctx context.Context) {
		if reloadErr := ruleEngine.Reload(ctx); reloadErr != nil {
			log.Error("failed to reload rules", "error", reloadErr)
		}
	})
	if startErr := ruleEngine.Start(ctx, syncer); startErr != nil {
		return fmt.Errorf("starting rule engine: %w", startErr)
	}
	defer ruleEngine.Stop()
	log.Info("automation initialised",
		"rules", ruleRegistry.GetRuleCount(),
		"scenes", sceneRegistry.GetSceneCount(),
	)

	// Vendor bridges
	bridges := bridge.NewManager(deviceRegistry, syncer, broker, clk,
		time.Duration(cfg.Bridges.HealthInterval)*time.Second)
	bridges.SetLogger(log)
	if startErr := bridges.StartAll(ctx, cfg.Bridges.Autostart); startErr != nil {
		// A bridge that failed to start can be started later over the API.
		log.Warn("some bridges failed to start", "error", startErr)
	}
	defer func() {
		log.Info("stopping bridges")
		//nolint:contextcheck // shutdown must outlive the cancelled run context
		bridges.StopAll(context.Background())
	}()
	log.Info("bridges started", "running", bridges.RunningCount())

	// Offline sweep and history pruning
	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		syncer.RunSweeper(sweepCtx, cfg.SweepInterval())
	}()
	defer func() {
		stopSweep()
		<-sweepDone
	}()

	// HTTP API and WebSocket
	apiServer, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Security:     cfg.Security,
		Logger:       log,
		Clock:        clk,
		Devices:      deviceRegistry,
		Syncer:       syncer,
		Commander:    commander,
		Capabilities: capabilities,
		History:      history,
		Rules:        ruleRegistry,
		RuleEngine:   ruleEngine,
		Scenes:       sceneRegistry,
		SceneEngine:  sceneEngine,
		Bridges:      bridges,
		Audit:        audit.NewSQLiteRepository(db.DB),
		MQTT:         broker,
		Hub:          hub,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, broker, influxClient); err != nil {
		// Broker sessions reconnect in the background; a down broker is not fatal.
		if !errors.Is(err, mqtt.ErrNotConnected) {
			return fmt.Errorf("health check failed: %w", err)
		}
		log.Warn("starting with disconnected broker sessions", "error", err)
	} else {
		log.Info("all health checks passed")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API server, sweeper, bridges,
	// rule engine, InfluxDB, MQTT sessions, database.
	return nil
}

// resolveConfigPath picks the --config flag, then HOMELINK_CONFIG, then the default.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("HOMELINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections. influxClient may be nil.
func healthCheck(ctx context.Context, db *database.DB, broker *mqtt.Manager, influxClient *influxdb.Client) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := broker.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	return nil
}
