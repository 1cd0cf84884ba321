// Package lifecycle publishes devices to the registry at startup, detects
// a second instance of the same server, and withdraws the devices at
// shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/fault"
	"github.com/nerrad567/devserver/internal/registry"
	"github.com/nerrad567/devserver/internal/transport"
)

// objectNamespace roots the name-based UUIDs used as device object ids.
var objectNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("devserver:device"))

// ServerName joins executable and instance names.
func ServerName(exec, instance string) string {
	return exec + "/" + instance
}

// AdminDeviceName returns "dserver/<exec>/<instance>".
func AdminDeviceName(exec, instance string) string {
	return registry.AdminDeviceName(ServerName(exec, instance))
}

// ObjectID derives the stable object id of a device name.
func ObjectID(name string) (string, error) {
	if name == "" {
		return "", fault.New(fault.CantGetObjectID, "empty device name", "lifecycle.ObjectID")
	}
	return uuid.NewSHA1(objectNamespace, []byte(strings.ToLower(name))).String(), nil
}

// Prober asks a running server for the name of one of its devices.
type Prober interface {
	Name(ctx context.Context, endpoint, device string) (string, error)
}

// TransportProber probes through a client transport.
type TransportProber struct {
	Transport transport.Transport
}

// Name sends a name request to device at endpoint.
func (p TransportProber) Name(ctx context.Context, endpoint, device string) (string, error) {
	var name string
	err := transport.RoundTrip(ctx, p.Transport, endpoint,
		&transport.Request{Op: transport.OpName, Device: device}, &name)
	return name, err
}

// Logger interface for optional logging support.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config identifies the process in export records.
type Config struct {
	Server  string
	Host    string
	PID     int
	Version string

	// UseRegistry is false in no-registry mode: exports stay local.
	UseRegistry bool

	// StartupJitter bounds the random delay before the duplicate check.
	StartupJitter time.Duration
	// ProbeTimeout bounds the registry import and the liveness probe.
	ProbeTimeout time.Duration
}

// Exporter owns the transport binding and the registry records of one
// server.
type Exporter struct {
	cfg      Config
	registry registry.Client
	binder   transport.Binder
	prober   Prober
	logger   Logger

	// jitter returns the startup delay; replaced in tests.
	jitter func(max time.Duration) time.Duration

	mu        sync.Mutex
	endpoints []string
}

// NewExporter returns an Exporter. prober may be nil when no duplicate
// check is wanted.
func NewExporter(cfg Config, reg registry.Client, binder transport.Binder, prober Prober) *Exporter {
	return &Exporter{
		cfg:      cfg,
		registry: reg,
		binder:   binder,
		prober:   prober,
		logger:   noopLogger{},
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max)
		},
	}
}

// SetLogger sets the logger.
func (e *Exporter) SetLogger(logger Logger) {
	e.logger = logger
}

// Server returns the server name.
func (e *Exporter) Server() string { return e.cfg.Server }

// Bind starts serving h on the transport. Failure is fatal.
func (e *Exporter) Bind(ctx context.Context, h transport.Handler) ([]string, error) {
	endpoints, err := e.binder.Bind(ctx, h)
	if err == nil && len(endpoints) == 0 {
		err = fault.New(fault.CantBindDevice, "transport returned no endpoint", "Exporter.Bind")
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.CantBindDevice,
			fmt.Sprintf("cannot bind server %s", e.cfg.Server), "Exporter.Bind")
	}

	e.mu.Lock()
	e.endpoints = endpoints
	e.mu.Unlock()
	return endpoints, nil
}

// Unbind stops serving.
func (e *Exporter) Unbind() error {
	e.mu.Lock()
	e.endpoints = nil
	e.mu.Unlock()
	return e.binder.Unbind()
}

// Endpoints returns the bound endpoints.
func (e *Exporter) Endpoints() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.endpoints...)
}

// Export publishes dev and marks it exported.
func (e *Exporter) Export(ctx context.Context, dev *device.Device) error {
	e.mu.Lock()
	var endpoint string
	if len(e.endpoints) > 0 {
		endpoint = e.endpoints[0]
	}
	e.mu.Unlock()
	if endpoint == "" {
		return fault.New(fault.CantBindDevice,
			fmt.Sprintf("cannot export %s: transport not bound", dev.Name()), "Exporter.Export")
	}

	objectID, err := ObjectID(dev.Name())
	if err != nil {
		return err
	}

	if e.cfg.UseRegistry {
		err := e.registry.Export(ctx, registry.ExportInfo{
			Name:     dev.Name(),
			Endpoint: endpoint,
			Host:     e.cfg.Host,
			PID:      e.cfg.PID,
			Version:  e.cfg.Version,
			Server:   e.cfg.Server,
			Class:    dev.Class().Name(),
			ObjectID: objectID,
		})
		if err != nil {
			reason := fault.ReasonOf(err)
			if reason == "" {
				reason = fault.RegistryUnavailable
			}
			return fault.Wrap(err, reason,
				fmt.Sprintf("cannot export device %s", dev.Name()), "Exporter.Export")
		}
	}

	dev.MarkExported(objectID, endpoint)
	e.logger.Debug("device exported", "device", dev.Name(), "endpoint", endpoint, "object_id", objectID)
	return nil
}

// ExportAll exports devs in order and stops at the first failure.
func (e *Exporter) ExportAll(ctx context.Context, devs []*device.Device) error {
	for _, dev := range devs {
		if err := e.Export(ctx, dev); err != nil {
			return err
		}
	}
	return nil
}

// CheckAlreadyRunning fails when another live process serves this server.
//
// After a random delay the admin device record is imported:
//   - not defined: fatal, the server must be declared first
//   - import failure of any other kind: not running
//   - exported and answering the probe with its own name: fatal
//   - exported but the probe times out: fatal, running but blocked
//   - anything else: not running
func (e *Exporter) CheckAlreadyRunning(ctx context.Context) error {
	if !e.cfg.UseRegistry {
		return nil
	}

	if d := e.jitter(e.cfg.StartupJitter); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	admin := registry.AdminDeviceName(e.cfg.Server)
	info, err := e.importAdmin(ctx, admin)
	switch {
	case fault.Has(err, fault.DeviceNotDefined):
		return fault.Wrap(err, fault.DeviceNotDefined,
			fmt.Sprintf("server %s is not defined in the registry, register it first", e.cfg.Server),
			"Exporter.CheckAlreadyRunning")
	case err != nil:
		e.logger.Info("admin device import failed, assuming not running",
			"device", admin, "reason", fault.ReasonOf(err), "error", err)
		return nil
	case !info.Exported || info.Endpoint == "" || e.prober == nil:
		return nil
	}

	name, err := e.probe(ctx, info.Endpoint, admin)
	switch {
	case fault.Has(err, fault.Timeout):
		return fault.Wrap(err, fault.AlreadyRunningBlocked,
			fmt.Sprintf("server %s is already running but does not answer (pid %d on %s)",
				e.cfg.Server, info.PID, info.Host),
			"Exporter.CheckAlreadyRunning")
	case err != nil:
		e.logger.Info("stale admin device record", "device", admin, "endpoint", info.Endpoint, "error", err)
		return nil
	case strings.EqualFold(name, admin):
		return fault.New(fault.AlreadyRunning,
			fmt.Sprintf("server %s is already running (pid %d on %s)", e.cfg.Server, info.PID, info.Host),
			"Exporter.CheckAlreadyRunning")
	default:
		return nil
	}
}

func (e *Exporter) importAdmin(ctx context.Context, admin string) (registry.ImportInfo, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	return e.registry.Import(ctx, admin)
}

func (e *Exporter) probe(ctx context.Context, endpoint, admin string) (string, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()
	name, err := e.prober.Name(ctx, endpoint, admin)
	if err != nil && ctx.Err() != nil && !fault.Has(err, fault.Timeout) {
		err = fault.Wrap(err, fault.Timeout, "liveness probe timed out", "Exporter.probe")
	}
	return name, err
}

func (e *Exporter) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.ProbeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.ProbeTimeout)
}

// UnexportAll withdraws every device of this server. A registry failure
// is fatal: the process must not look alive after stopping.
func (e *Exporter) UnexportAll(ctx context.Context, devs []*device.Device) error {
	if e.cfg.UseRegistry {
		if err := e.registry.Unexport(ctx, e.cfg.Server); err != nil {
			return fault.Wrap(err, fault.UnexportFailed,
				fmt.Sprintf("cannot unexport devices of %s", e.cfg.Server), "Exporter.UnexportAll")
		}
	}
	for _, dev := range devs {
		dev.MarkUnexported()
	}
	return nil
}
