// BluLok Gateway Service
//
// This is the main entry point for the gateway communication service. It
// keeps a live connection to every configured facility gateway, reconciles
// their device inventories, and delivers key-management commands through a
// durable retrying queue.
//
// Configuration is read from configs/config.yaml unless BLULOK_CONFIG points
// elsewhere. See internal/infrastructure/config for every setting.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/skatamatic/blulok-cloud-sub006/migrations"

	"github.com/skatamatic/blulok-cloud-sub006/internal/api"
	"github.com/skatamatic/blulok-cloud-sub006/internal/commandqueue"
	"github.com/skatamatic/blulok-cloud-sub006/internal/device"
	"github.com/skatamatic/blulok-cloud-sub006/internal/devicesync"
	"github.com/skatamatic/blulok-cloud-sub006/internal/events"
	"github.com/skatamatic/blulok-cloud-sub006/internal/gateway"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/config"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/database"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/influxdb"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/kafka"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/lock"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/logging"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/mqtt"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/postgres"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// shutdownTimeout bounds gateway disconnects on exit.
	shutdownTimeout = 15 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, blocks until ctx is cancelled, then shuts
// down in reverse order. Deferred closes run last-in first-out.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting BluLok gateway service",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "service_id", cfg.Service.ID)

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
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Command queue store
	store, closeStore, err := openQueueStore(ctx, cfg.CommandQueue, db, log)
	if err != nil {
		return err
	}
	defer closeStore()
	queue := commandqueue.NewQueue(store, log.Component("commandqueue"))

	// Sync lock
	locker, closeLocker, err := openLocker(cfg, log)
	if err != nil {
		return err
	}
	defer closeLocker()

	// Event sinks. Every sink is optional except the websocket hub.
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	sinks := []events.Sink{hub}

	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		mqttClient.SetLogger(log.Component("mqtt"))
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		sinks = append(sinks, events.NewMQTTSink(mqttClient, mqttClient.Topics()))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.Kafka.Enabled {
		writer, kafkaErr := kafka.NewWriter(cfg.Kafka)
		if kafkaErr != nil {
			return fmt.Errorf("creating Kafka writer: %w", kafkaErr)
		}
		defer func() {
			log.Info("closing Kafka writer")
			if closeErr := writer.Close(); closeErr != nil {
				log.Error("error closing Kafka writer", "error", closeErr)
			}
		}()
		sinks = append(sinks, events.NewKafkaSink(writer))
		log.Info("Kafka writer ready", "topic", writer.Topic(), "brokers", cfg.Kafka.Brokers)
	} else {
		log.Info("Kafka disabled")
	}

	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB, cfg.Service.ID)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
			st := influxClient.Stats()
			log.Info("telemetry totals", "written", st.Written, "failed", st.Failed, "skipped", st.Skipped)
		}()
		sinks = append(sinks, events.NewTelemetrySink(influxClient))
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	notifier := events.NewNotifier(events.NotifierConfig{
		Sinks:  sinks,
		Logger: log.Component("events"),
	})
	notifier.Start()
	defer notifier.Stop()

	inventory := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	inventory.SetLogger(log.Component("device"))
	synchronizer, err := devicesync.New(devicesync.Config{
		Repository: inventory,
		Locker:     locker,
		Notifier:   notifier,
		Logger:     log.Component("devicesync"),
	})
	if err != nil {
		return fmt.Errorf("creating device synchronizer: %w", err)
	}

	opts := gateway.OptionsFromConfig(cfg.Gateways)
	opts.Synchronizer = synchronizer
	manager := gateway.NewManager(gateway.ManagerConfig{
		Store:    gateway.NewSQLiteStore(db.DB),
		Queue:    queue,
		Options:  opts,
		Notifier: notifier,
		Logger:   log.Component("gateway"),
	})
	defer func() {
		log.Info("disconnecting gateways")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := manager.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error("error disconnecting gateways", "error", shutdownErr)
		}
	}()

	if seedErr := seedGateways(ctx, manager, cfg.Gateways.Seed); seedErr != nil {
		return seedErr
	}
	loaded, err := manager.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading gateways: %w", err)
	}
	log.Info("gateways loaded", "count", loaded)

	// Dispatcher
	var dispatcher *commandqueue.Dispatcher
	if cfg.CommandQueue.Enabled {
		dispatcher, err = commandqueue.NewDispatcher(commandqueue.DispatcherConfig{
			Queue:        queue,
			Executor:     manager,
			Workers:      cfg.CommandQueue.Workers,
			PollInterval: cfg.CommandQueue.PollInterval,
			BatchSize:    cfg.CommandQueue.BatchSize,
			Retry: commandqueue.RetryPolicy{
				MaxAttempts: cfg.CommandQueue.Retry.MaxAttempts,
				BaseDelay:   cfg.CommandQueue.Retry.BaseDelay,
				MaxDelay:    cfg.CommandQueue.Retry.MaxDelay,
			},
			OnDeadLetter: notifier.CommandDeadLettered,
			Logger:       log.Component("dispatcher"),
		})
		if err != nil {
			return fmt.Errorf("creating dispatcher: %w", err)
		}
		dispatcher.Start(ctx)
		defer dispatcher.Stop()
		log.Info("command dispatcher started",
			"driver", cfg.CommandQueue.Driver,
			"workers", cfg.CommandQueue.Workers,
		)
	} else {
		log.Info("command dispatcher disabled")
	}

	// Operator API
	go hub.Run(ctx)
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log.Component("api"),
		Manager:    manager,
		Queue:      queue,
		Dispatcher: dispatcher,
		Inventory:  inventory,
		Hub:        hub,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server listening", "addr", server.Addr())

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: database: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses BLULOK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BLULOK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openQueueStore returns the command-queue store selected by cfg.Driver and
// a function that releases it. A Postgres store that cannot be reached is
// not fatal: the queue starts degraded and Enqueue drops commands.
func openQueueStore(ctx context.Context, cfg config.CommandQueueConfig, db *database.DB, log *logging.Logger) (commandqueue.Store, func(), error) {
	if cfg.Driver != "postgres" {
		log.Info("command queue using SQLite store")
		return commandqueue.NewSQLiteStore(db.DB), func() {}, nil
	}

	pool, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		if errors.Is(err, postgres.ErrNoURL) {
			return nil, nil, fmt.Errorf("opening command queue database: %w", err)
		}
		log.Error("command queue database unreachable, queue degraded", "error", err)
		return nil, func() {}, nil
	}
	store := commandqueue.NewPostgresStore(pool)
	if cfg.Postgres.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("creating command queue schema: %w", err)
		}
	}
	log.Info("command queue using Postgres store")
	return store, func() {
		log.Info("closing command queue database")
		pool.Close()
	}, nil
}

// openLocker returns the lock that serializes synchronization passes.
func openLocker(cfg *config.Config, log *logging.Logger) (lock.Locker, func(), error) {
	if cfg.Sync.LockBackend != "redis" {
		return lock.NewLocal(), func() {}, nil
	}
	r, err := lock.NewRedis(cfg.Redis, cfg.Sync.LockTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to Redis: %w", err)
	}
	log.Info("sync lock using Redis", "addr", cfg.Redis.Addr)
	return r, func() {
		if closeErr := r.Close(); closeErr != nil {
			log.Error("error closing Redis", "error", closeErr)
		}
	}, nil
}

// seedGateways writes configured gateway definitions to the store so that
// LoadAll picks them up.
func seedGateways(ctx context.Context, manager *gateway.Manager, seeds []config.GatewaySeed) error {
	for _, s := range seeds {
		if err := manager.SaveConfig(ctx, gatewayConfigFromSeed(s)); err != nil {
			return fmt.Errorf("seeding gateway %s: %w", s.ID, err)
		}
	}
	return nil
}

func gatewayConfigFromSeed(s config.GatewaySeed) gateway.Config {
	return gateway.Config{
		ID:                   s.ID,
		FacilityID:           s.FacilityID,
		Name:                 s.Name,
		Type:                 gateway.Type(s.Type),
		ConnectionURL:        s.ConnectionURL,
		BaseURL:              s.BaseURL,
		APIKey:               s.APIKey,
		ProtocolVersion:      s.ProtocolVersion,
		KeyManagementVersion: s.KeyManagementVersion,
		PollFrequency:        s.PollFrequency,
		IgnoreTLSValidation:  s.IgnoreTLSValidation,
	}
}
