// IoT Core - real-time routing for gateway telemetry.
//
// This is the main entry point of the routing core. It ingests gateway
// topics from the central MQTT broker into the device state cache, fans
// device updates out to websocket clients, bridges tenant brokers into the
// central broker, and coordinates client actions with the directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/symgrid/iot-cloud-apps/internal/action"
	"github.com/symgrid/iot-cloud-apps/internal/api"
	"github.com/symgrid/iot-cloud-apps/internal/bridge"
	"github.com/symgrid/iot-cloud-apps/internal/devicestate"
	"github.com/symgrid/iot-cloud-apps/internal/directory"
	"github.com/symgrid/iot-cloud-apps/internal/fanout"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/cache"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/influxdb"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/logging"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/mqtt"
	"github.com/symgrid/iot-cloud-apps/internal/ingest"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// fanoutClientSuffix distinguishes the fan-out connection from the ingest
// connection on the central broker.
const fanoutClientSuffix = ".fanout"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting IoT Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer log.Sync() //nolint:errcheck // stdout sync fails on some platforms
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Device state cache
	store, err := cache.Open(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("opening %s cache: %w", cfg.Cache.Driver, err)
	}
	defer func() {
		log.Info("closing cache")
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing cache", "error", closeErr)
		}
	}()
	log.Info("cache connected", "driver", cfg.Cache.Driver)

	state := devicestate.New(store,
		devicestate.WithOfflineExpiry(cfg.GetOfflineExpiry()),
		devicestate.WithMaxChildren(cfg.DeviceState.MaxChildren),
	)

	// Telemetry (optional)
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

	// Central broker: one connection for ingest, one for per-device fan-out
	mqttLog := log.With("component", "mqtt")
	ingestConn, err := connectCentral(cfg.MQTT, "", mqttLog)
	if err != nil {
		return err
	}
	defer closeMQTT(log, ingestConn, "ingest")

	fanoutConn, err := connectCentral(cfg.MQTT, fanoutClientSuffix, mqttLog)
	if err != nil {
		return err
	}
	defer closeMQTT(log, fanoutConn, "fanout")

	dir := directory.New(cfg.Directory.URL, directory.WithTimeout(time.Duration(cfg.Directory.Timeout)*time.Second))

	engine := fanout.New(log.With("component", "fanout"))
	engine.SetUpstream(fanout.NewBrokerUpstream(fanoutConn, byte(cfg.MQTT.QoS), engine.HandleMessage))

	coordinator := action.New(action.NewDirectoryBackend(dir), log.With("component", "action"),
		action.WithSweepInterval(cfg.GetSweepInterval()),
		action.WithTimeout(cfg.GetActionTimeout()),
	)

	checks := []api.HealthCheck{
		{Name: "mqtt", Check: ingestConn.HealthCheck},
		{Name: "cache", Check: store.Ping},
	}
	if influxClient != nil {
		checks = append(checks, api.HealthCheck{Name: "influxdb", Check: influxClient.HealthCheck, Optional: true})
	}

	server, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Logger:        log.With("component", "api"),
		Directory:     dir,
		State:         state,
		Subscriptions: engine,
		Actions:       coordinator,
		Checks:        checks,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return coordinator.Run(gctx) })

	if cfg.Ingest.Enabled {
		opts := []ingest.Option{ingest.WithDispatcher(engine)}
		if influxClient != nil {
			opts = append(opts, ingest.WithRecorder(influxClient))
		}
		in := ingest.New(state, log.With("component", "ingest"), opts...)
		g.Go(func() error { return in.Run(gctx, ingestConn, byte(cfg.MQTT.QoS)) })
	} else {
		log.Info("ingest disabled")
	}

	if sqlite, ok := store.(*cache.SQLiteStore); ok && cfg.Cache.SQLite.JanitorInterval > 0 {
		interval := time.Duration(cfg.Cache.SQLite.JanitorInterval) * time.Second
		g.Go(func() error {
			sqlite.RunJanitor(gctx, interval, log.With("component", "cache"))
			return nil
		})
	}

	if cfg.Bridge.Enabled {
		manager := bridge.NewManager(dir, bridge.MQTTDialer{Logger: mqttLog}, bridge.ManagerOptions{
			Bridge: bridge.Options{
				Central:                cfg.MQTT,
				Private:                cfg.MQTT,
				ClientIDPrefix:         cfg.Bridge.ClientIDPrefix,
				DefaultPrivateClientID: cfg.Bridge.DefaultPrivateClientID,
				ReconcileInterval:      cfg.GetReconcileInterval(),
			},
			ServiceAuth:       cfg.Directory.AuthCode,
			SyncInterval:      cfg.GetSyncInterval(),
			MaxParallelStarts: cfg.Bridge.MaxParallelStarts,
		}, log.With("component", "bridge"))
		g.Go(func() error { return manager.Run(gctx) })
	} else {
		log.Info("bridging disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("IoT Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses IOTCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IOTCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectCentral opens a central broker connection whose client id carries suffix.
func connectCentral(cfg config.MQTTConfig, suffix string, log *logging.Logger) (*mqtt.Client, error) {
	cfg.Broker.ClientID += suffix
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT as %s: %w", cfg.Broker.ClientID, err)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected", "client_id", cfg.Broker.ClientID)
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "client_id", cfg.Broker.ClientID, "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
	)
	return client, nil
}

func closeMQTT(log *logging.Logger, client *mqtt.Client, name string) {
	log.Info("disconnecting from MQTT", "connection", name)
	if err := client.Close(); err != nil {
		log.Error("error closing MQTT", "connection", name, "error", err)
	}
}
