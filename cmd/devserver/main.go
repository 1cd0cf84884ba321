// Command devserver runs one device server process: it declares its
// devices, serves them over the configured transport and polls them.
//
// Usage:
//
//	devserver <instance> [-v<0-5>] [-nodb [-class C] [-dlist dev1,dev2]] [-register Class=dev1,dev2] [-config file]
//
// The registry, transport and event stream are configured in YAML (see
// internal/infrastructure/config); flags override the file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/devserver/internal/api"
	"github.com/nerrad567/devserver/internal/audit"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/infrastructure/config"
	"github.com/nerrad567/devserver/internal/infrastructure/database"
	"github.com/nerrad567/devserver/internal/infrastructure/influxdb"
	"github.com/nerrad567/devserver/internal/infrastructure/logging"
	"github.com/nerrad567/devserver/internal/infrastructure/mqtt"
	"github.com/nerrad567/devserver/internal/registry"
	"github.com/nerrad567/devserver/internal/server"
	"github.com/nerrad567/devserver/internal/sim"
	"github.com/nerrad567/devserver/internal/transport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// shutdownTimeout bounds the runtime shutdown once a signal arrived.
const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	log := logging.Default()

	opts, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log = logging.New(cfg.Logging, version)
	log.Info("starting devserver",
		"server", cfg.ServerName(),
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", opts.path(),
	)

	reg, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing registry")
		if closeErr := reg.Close(); closeErr != nil {
			log.Error("error closing registry", "error", closeErr)
		}
	}()

	if len(opts.register) > 0 {
		if regErr := reg.AddServer(ctx, cfg.ServerName(), opts.register); regErr != nil {
			return fmt.Errorf("declaring server devices: %w", regErr)
		}
		log.Info("server declared", "server", cfg.ServerName(), "classes", opts.register.String())
	}

	// Admin commands are audited in the registry database when there is one.
	var trail audit.Repository
	if sq, ok := reg.(*registry.SQLiteClient); ok {
		trail = audit.NewSQLiteRepository(sq.DB().DB)
	}

	classes, err := device.NewClassSet(sim.NewMotor(nil))
	if err != nil {
		return fmt.Errorf("registering device classes: %w", err)
	}

	apiServer, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		Logger:        log.With("component", "api"),
		AdminDevice:   registry.AdminDeviceName(cfg.ServerName()),
		AdvertiseHost: cfg.Server.Host,
		Audit:         trail,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	host := cfg.Server.Host
	if host == "" {
		host, _ = os.Hostname()
	}

	// Connect to MQTT broker (mqtt backend only)
	var mqttClient *mqtt.Client
	if cfg.Transport.Backend == config.TransportMQTT {
		mqttClient, err = connectMQTT(cfg, host, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	}

	binder, client := buildTransport(cfg, apiServer, mqttClient, log)
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			log.Warn("error closing transport", "error", closeErr)
		}
	}()

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.ServerName())
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
			st := influxClient.Stats()
			log.Info("InfluxDB export closed", "samples", st.Written, "failed_batches", st.Failed)
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

	rt, err := server.New(server.Deps{
		Config:   cfg,
		Classes:  classes,
		Registry: reg,
		Binder:   binder,
		Client:   client,
		Audit:    trail,
		Logger:   log,
		Version:  version,
		Host:     host,
		PID:      os.Getpid(),
	})
	if err != nil {
		return fmt.Errorf("creating runtime: %w", err)
	}

	engine := rt.Engine()
	skew := engine.Skew()
	engine.AddSink(apiServer.Hub().PollSink(skew))
	if mqttClient != nil {
		engine.AddSink(server.MQTTSink(mqttClient, mqttClient.Topics(), byte(cfg.MQTT.QoS), skew, log))
	}
	if influxClient != nil {
		engine.AddSink(server.InfluxSink(influxClient, skew))
	}

	if err := rt.Init(ctx); err != nil {
		return fmt.Errorf("initialising server: %w", err)
	}

	if err := healthCheck(ctx, reg, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()

	select {
	case err = <-runErr:
		if err != nil {
			err = fmt.Errorf("running server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if shutErr := rt.Shutdown(sctx); shutErr != nil {
		log.Error("shutdown incomplete", "error", shutErr)
	}

	if err != nil {
		return err
	}
	log.Info("devserver stopped", "server", cfg.ServerName())
	return nil
}

// openRegistry opens the SQLite registry, or the in-memory one when the
// server runs without a registry.
func openRegistry(ctx context.Context, cfg *config.Config, log *logging.Logger) (registry.Client, error) {
	if cfg.Server.NoRegistry {
		if cfg.Server.PropertiesFile == "" {
			log.Info("running without registry")
			return registry.NewNoDB(), nil
		}
		reg, err := registry.LoadNoDB(cfg.Server.PropertiesFile)
		if err != nil {
			return nil, fmt.Errorf("loading properties file: %w", err)
		}
		log.Info("running without registry", "properties", cfg.Server.PropertiesFile)
		return reg, nil
	}

	reg, err := registry.OpenSQLite(ctx, database.Config{
		Path:        cfg.Registry.Path,
		WALMode:     cfg.Registry.WALMode,
		BusyTimeout: cfg.Registry.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	log.Info("registry opened", "path", cfg.Registry.Path)
	return reg, nil
}

func connectMQTT(cfg *config.Config, host string, log *logging.Logger) (*mqtt.Client, error) {
	p := mqtt.Presence{
		ClientID: cfg.MQTT.Broker.ClientID,
		Server:   cfg.ServerName(),
		Host:     host,
		PID:      os.Getpid(),
		Version:  version,
	}
	if p.ClientID == "" {
		p.ClientID = cfg.Server.Exec + "-" + cfg.Server.Instance
	}
	c, err := mqtt.Connect(cfg.MQTT, p)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	c.SetLogger(log)
	c.SetOnConnect(func() {
		log.Info("MQTT reconnected", "subscriptions", len(c.Subscriptions()))
	})
	c.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", p.ClientID,
		"status_topic", c.Topics().Status(p.ClientID),
	)
	return c, nil
}

// buildTransport returns the binder serving this process and the client
// reaching other servers. The configured backend is the primary binding;
// the HTTP server always serves alongside it.
func buildTransport(cfg *config.Config, apiServer *api.Server, mqttClient *mqtt.Client, log *logging.Logger) (transport.Binder, *transport.Mux) {
	client := transport.NewMux()
	client.Handle(transport.SchemeHTTP, api.NewClient(cfg.RequestTimeout(), ""))

	switch cfg.Transport.Backend {
	case config.TransportMQTT:
		mt := transport.NewMQTT(mqttClient, mqttClient.Topics(), transport.MQTTOptions{
			ClientID: cfg.MQTT.Broker.ClientID,
			Server:   cfg.ServerName(),
			QoS:      byte(cfg.MQTT.QoS),
		})
		mt.SetLogger(log.With("component", "transport"))
		client.Handle(transport.SchemeMQTT, mt)
		return transport.NewFanout(mt, apiServer), client

	case config.TransportLoopback:
		lb := transport.NewLoopback()
		client.Handle(transport.SchemeLoopback, lb)
		return transport.NewFanout(lb.Binder(cfg.ServerName()), apiServer), client

	default:
		return apiServer, client
	}
}

func healthCheck(ctx context.Context, reg registry.Client, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if sq, ok := reg.(*registry.SQLiteClient); ok {
		if err := sq.DB().HealthCheck(ctx); err != nil {
			return fmt.Errorf("registry: %w", err)
		}
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
