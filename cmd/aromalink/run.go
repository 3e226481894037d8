package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/aromalink-core/internal/api"
	"github.com/nerrad567/aromalink-core/internal/aromalink"
	"github.com/nerrad567/aromalink-core/internal/cloud"
	"github.com/nerrad567/aromalink-core/internal/infrastructure/config"
	"github.com/nerrad567/aromalink-core/internal/infrastructure/database"
	"github.com/nerrad567/aromalink-core/internal/infrastructure/logging"
	"github.com/nerrad567/aromalink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/aromalink-core/internal/metrics"
	"github.com/nerrad567/aromalink-core/internal/mqttbridge"
	"github.com/nerrad567/aromalink-core/internal/push"
	"github.com/nerrad567/aromalink-core/internal/store"
)

// healthInterval is how often run re-checks its infrastructure.
const healthInterval = time.Minute

// run is the long-running service, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - path: Configuration file path
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, path string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Aroma-Link core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", resolveConfigPath(path))

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	// Connection state listeners are registered after the client exists.
	fanout := &stateFanout{}
	hooks := push.Hooks{
		OnStateChange: fanout.notify,
		OnGiveUp: func(failures int) {
			log.Error("push connection giving up", "consecutive_failures", failures)
		},
		OnAuthFailure: func(err error) {
			log.Error("push connection refused credentials", "error", err)
		},
	}

	client, err := newClient(cfg, db, log, hooks)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("stopping Aroma-Link client")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing client", "error", closeErr)
		}
	}()

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log)
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT connection lost", "error", err)
		})
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("starting client: %w", err)
	}
	log.Info("Aroma-Link client started", "devices", len(client.Devices()))

	// Start MQTT bridge (if enabled)
	if mqttClient != nil {
		qos := byte(cfg.MQTT.QoS) //nolint:gosec // validated to 0..2
		bridge, bridgeErr := mqttbridge.New(mqttbridge.Options{
			MQTT:   mqttClient,
			Core:   client,
			Topics: mqttClient.Topics(),
			QoS:    &qos,
			Logger: log,
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating MQTT bridge: %w", bridgeErr)
		}
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
		fanout.add(bridge.ConnectionChanged)
		mqttClient.SetOnConnect(bridge.Resync)
		log.Info("MQTT bridge started", "prefix", cfg.MQTT.TopicPrefix)
	}

	// Start HTTP API (if enabled)
	if cfg.API.Enabled {
		srv, srvErr := api.New(api.Deps{
			Config:        cfg.API,
			WS:            cfg.WebSocket,
			Logger:        log,
			Core:          client,
			Metrics:       metrics.Handler(metrics.NewRegistry(client)),
			MQTTConnected: mqttConnectedFunc(mqttClient),
			Version:       version,
		})
		if srvErr != nil {
			return fmt.Errorf("creating API server: %w", srvErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		fanout.add(srv.ConnectionChanged)
	} else {
		log.Info("HTTP API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return healthLoop(gctx, db, mqttClient, log)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// API, MQTT bridge, MQTT, client, database.

	log.Info("Aroma-Link core stopped")
	return nil
}

// loadConfig loads and validates configuration.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// openDatabase opens the SQLite database and applies migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")
	return db, nil
}

// newClient builds the Aroma-Link client with SQLite-backed persistence.
func newClient(cfg *config.Config, db *database.DB, log *logging.Logger, hooks push.Hooks) (*aromalink.Client, error) {
	client, err := aromalink.New(aromalink.Options{
		Username:          cfg.Cloud.Username,
		Password:          cfg.Cloud.Password,
		BaseURL:           cfg.Cloud.BaseURL,
		RequestTimeout:    cfg.GetRequestTimeout(),
		RefreshInterval:   cfg.GetRefreshInterval(),
		PushURL:           cfg.Push.URL,
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
		MissedHeartbeats:  cfg.Push.MissedHeartbeats,
		HandshakeTimeout:  cfg.GetHandshakeTimeout(),
		BackoffInitial:    cfg.GetBackoffInitial(),
		BackoffMax:        cfg.GetBackoffMax(),
		GiveUpAfter:       cfg.Push.GiveUpAfter,
		ExpiryQueryDelay:  cfg.GetExpiryQueryDelay(),
		PushHooks:         hooks,
		TickInterval:      cfg.GetTickInterval(),
		ConfirmTimeout:    cfg.GetConfirmTimeout(),
		QueryLead:         cfg.Reconciler.QueryLead,
		Sessions:          store.NewSessionStore(db.DB, cfg.Cloud.Username),
		Cache:             store.NewDeviceCache(db.DB, cfg.Cloud.Username),
		Logger:            log,
	})
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return client, nil
}

// withClient runs fn against a started client and closes it afterwards.
func withClient(ctx context.Context, path string, fn func(*aromalink.Client) error) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	// Output is for the terminal, so the configured logger stays quiet.
	log := logging.Discard()

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := newClient(cfg, db, log, push.Hooks{})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("starting client: %w", err)
	}
	return fn(client)
}

// listDevices prints the account's devices as a table.
func listDevices(ctx context.Context, path string, out io.Writer) error {
	return withClient(ctx, path, func(c *aromalink.Client) error {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPOWER\tPHASE\tWORK\tPAUSE\tFAN\tSTATUS")
		fmt.Fprintln(w, "--\t----\t-----\t-----\t----\t-----\t---\t------")
		for _, st := range c.Devices() {
			fan := "-"
			if st.HasFan {
				fan = onOff(st.Fan)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%ds\t%ds\t%s\t%s\n",
				st.ID, st.Name, onOff(st.Power), st.Phase,
				st.WorkDuration, st.PauseDuration, fan, st.ConnectionStatus)
		}
		return w.Flush()
	})
}

// sendCommand sends one JSON command and prints the acknowledgement.
func sendCommand(ctx context.Context, path, id string, body []byte, out io.Writer) error {
	req, err := cloud.DecodeCommandRequest(body)
	if err != nil {
		return err
	}
	cmd, err := req.Build()
	if err != nil {
		return err
	}

	return withClient(ctx, path, func(c *aromalink.Client) error {
		ack, sendErr := c.SendCommand(ctx, id, cmd)
		if sendErr != nil {
			return fmt.Errorf("sending %s to %s: %w", req.Name, id, sendErr)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ack)
	})
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// healthLoop periodically verifies the database and MQTT connections until
// ctx is cancelled. Failures are logged; the service keeps running.
func healthLoop(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, log *logging.Logger) error {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := db.HealthCheck(checkCtx); err != nil {
				log.Warn("database health check failed", "error", err)
			}
			if mqttClient != nil {
				if err := mqttClient.HealthCheck(checkCtx); err != nil {
					log.Warn("mqtt health check failed", "error", err)
				}
			}
			cancel()
		}
	}
}

func mqttConnectedFunc(c *mqtt.Client) func() bool {
	if c == nil {
		return nil
	}
	return c.IsConnected
}

// stateFanout forwards push lifecycle changes to listeners added after the
// client was built.
type stateFanout struct {
	mu        sync.RWMutex
	listeners []func(push.State)
}

func (f *stateFanout) add(fn func(push.State)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *stateFanout) notify(state push.State) {
	f.mu.RLock()
	listeners := append(([]func(push.State))(nil), f.listeners...)
	f.mu.RUnlock()
	for _, fn := range listeners {
		fn(state)
	}
}
