package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/devserver/internal/async"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/fault"
	"github.com/nerrad567/devserver/internal/infrastructure/config"
	"github.com/nerrad567/devserver/internal/infrastructure/logging"
	"github.com/nerrad567/devserver/internal/lifecycle"
	"github.com/nerrad567/devserver/internal/monitor"
	"github.com/nerrad567/devserver/internal/polling"
	"github.com/nerrad567/devserver/internal/registry"
	"github.com/nerrad567/devserver/internal/transport"
)

// dispatchInterval is how often Push-mode callbacks of arrived replies are
// delivered when nobody drains explicitly.
const dispatchInterval = 50 * time.Millisecond

// Deps are the collaborators of a Runtime.
type Deps struct {
	Config   *config.Config
	Classes  *device.ClassSet
	Registry registry.Client

	// Binder serves inbound requests. Client sends outbound ones and
	// probes a possibly running twin; it may be nil.
	Binder transport.Binder
	Client transport.Transport

	// Clock drives the polling loop; nil uses real time.
	Clock polling.Clock

	// Audit records state-changing admin commands; it may be nil.
	Audit AuditRecorder

	Logger  *logging.Logger
	Version string
	Host    string
	PID     int
}

// Runtime is the context object of one server process. It owns the
// device classes, the monitors, the polling engine and the async call
// registry.
//
// Thread Safety:
//   - All methods are safe for concurrent use once Init has returned.
type Runtime struct {
	cfg      *config.Config
	server   string
	admin    string
	classes  *device.ClassSet
	devices  *device.Registry
	monitors *monitor.Set
	engine   *polling.Engine
	async    *async.Registry
	exporter *lifecycle.Exporter
	registry registry.Client
	client   transport.Transport
	audit    AuditRecorder
	logger   *logging.Logger

	mu      sync.Mutex
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wires a Runtime. Devices are created by Init.
func New(deps Deps) (*Runtime, error) {
	if deps.Config == nil || deps.Classes == nil || deps.Registry == nil || deps.Binder == nil {
		return nil, errors.New("server: config, classes, registry and binder are required")
	}
	cfg := deps.Config

	model, err := monitor.ParseModel(cfg.Server.SerialModel)
	if err != nil {
		return nil, err
	}
	mode, err := async.ParseCallbackMode(cfg.Async.CallbackMode)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	server := cfg.ServerName()
	r := &Runtime{
		cfg:      cfg,
		server:   server,
		admin:    registry.AdminDeviceName(server),
		classes:  deps.Classes,
		devices:  device.NewRegistry(),
		monitors: monitor.NewSet(model, cfg.CommandTimeout()),
		async:    async.NewRegistry(),
		registry: deps.Registry,
		client:   deps.Client,
		audit:    deps.Audit,
		logger:   logger,
	}
	r.devices.SetLogger(logger.With("component", "devices"))
	r.async.SetLogger(logger.With("component", "async"))
	r.async.SetCallbackMode(mode)

	r.engine = polling.New(engineConfig(cfg), r, deps.Clock)
	r.engine.SetLogger(logger.With("component", "polling"))

	var prober lifecycle.Prober
	if deps.Client != nil {
		prober = lifecycle.TransportProber{Transport: deps.Client}
	}
	r.exporter = lifecycle.NewExporter(lifecycle.Config{
		Server:        server,
		Host:          deps.Host,
		PID:           deps.PID,
		Version:       deps.Version,
		UseRegistry:   !cfg.Server.NoRegistry,
		StartupJitter: cfg.StartupJitter(),
		ProbeTimeout:  cfg.ProbeTimeout(),
	}, deps.Registry, deps.Binder, prober)
	r.exporter.SetLogger(logger.With("component", "lifecycle"))

	return r, nil
}

func engineConfig(cfg *config.Config) polling.Config {
	pc := polling.Config{
		RingDepth:      cfg.Polling.RingDepth,
		TriggerTimeout: cfg.TriggerTimeout(),
		Tick:           cfg.PollTick(),
	}
	if cfg.Polling.TimestampSkew != nil {
		skew := time.Duration(*cfg.Polling.TimestampSkew) * time.Second
		pc.Skew = &skew
	}
	return pc
}

// Name returns the server name, "<exec>/<instance>".
func (r *Runtime) Name() string { return r.server }

// AdminName returns the name of the admin device.
func (r *Runtime) AdminName() string { return r.admin }

// Engine returns the polling engine.
func (r *Runtime) Engine() *polling.Engine { return r.engine }

// Async returns the async call registry.
func (r *Runtime) Async() *async.Registry { return r.async }

// Init creates the admin device and every device the registry lists for
// this server, then configures polling from the device properties. A
// class listed in the registry but not compiled into the binary is fatal.
func (r *Runtime) Init(ctx context.Context) error {
	if len(r.cfg.Server.Devices) > 0 {
		if err := r.registry.AddServer(ctx, r.server, r.cfg.Server.Devices); err != nil {
			return wrapRegistry(err, fmt.Sprintf("cannot declare the devices of server %s", r.server))
		}
	}

	admin, err := device.NewDeviceClass(newAdminClass(r))
	if err != nil {
		return err
	}
	if _, err := r.createDevices(ctx, admin, []string{r.admin}, nil); err != nil {
		return err
	}

	classes, err := r.registry.ClassList(ctx, r.server)
	if err != nil {
		return wrapRegistry(err, fmt.Sprintf("cannot read the class list of server %s", r.server))
	}
	for _, name := range classes {
		impl, err := r.classes.Lookup(name)
		if err != nil {
			return err
		}
		names, err := r.registry.DeviceList(ctx, r.server, name)
		if err != nil {
			return wrapRegistry(err, fmt.Sprintf("cannot read the devices of class %s", name))
		}
		dc, err := device.NewDeviceClass(impl)
		if err != nil {
			return err
		}
		if _, err := r.createDevices(ctx, dc, names, r.propertyLookup(dc)); err != nil {
			return err
		}
	}

	for _, dev := range r.devices.All() {
		if err := r.configurePolling(ctx, dev.Name()); err != nil {
			return err
		}
	}

	r.logger.Info("server initialised",
		"server", r.server,
		"classes", len(classes),
		"devices", len(r.devices.All()),
		"polled_objects", len(r.engine.Objects("")),
	)
	return nil
}

// wrapRegistry keeps the reason of a registry failure on top.
func wrapRegistry(err error, desc string) error {
	reason := fault.ReasonOf(err)
	if reason == "" {
		reason = fault.RegistryUnavailable
	}
	return fault.Wrap(err, reason, desc, "Runtime.Init")
}

func (r *Runtime) createDevices(ctx context.Context, dc *device.DeviceClass, names []string, lookup device.PropertyLookup) ([]*device.Device, error) {
	dc.SetLogger(r.logger.With("class", dc.Name()))
	devs, err := dc.CreateDevices(ctx, names, lookup)
	if err != nil {
		return nil, err
	}
	if err := r.devices.AddClass(dc); err != nil {
		return nil, fault.Wrap(err, fault.Internal, "cannot register device class", "Runtime.Init")
	}
	return devs, nil
}

func (r *Runtime) configurePolling(ctx context.Context, dev string) error {
	props, err := r.registry.GetProperties(ctx, registry.ScopeDevice, dev)
	if err != nil {
		return wrapRegistry(err, fmt.Sprintf("cannot read the properties of device %s", dev))
	}
	plan := planPolling(dev, props)
	for _, err := range plan.skipped {
		r.logger.Warn("polling property ignored", "device", dev, "error", err)
	}
	for _, obj := range plan.objects {
		if err := r.engine.AddPolling(obj); err != nil {
			r.logger.Warn("polled object ignored", "device", dev, "kind", obj.Kind.String(),
				"object", obj.Name, "error", err)
		}
	}
	return nil
}

// Run exports the server and serves until ctx ends or Shutdown is called.
// Startup failures (twin already running, bind or export errors) are
// returned before anything is served.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return errors.New("server: already running")
	}
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = time.Now()
	done := r.done
	r.mu.Unlock()
	defer close(done)

	if err := r.exporter.CheckAlreadyRunning(ctx); err != nil {
		return err
	}
	if _, err := r.exporter.Bind(ctx, r.Handle); err != nil {
		return err
	}
	if err := r.exporter.ExportAll(ctx, r.exportOrder()); err != nil {
		return err
	}

	if !r.cfg.Polling.Disabled {
		r.engine.Start()
	}
	r.logger.Info("server ready", "server", r.server, "endpoints", r.exporter.Endpoints())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.engine.Run(gctx) })
	g.Go(func() error { return r.dispatch(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// exportOrder lists the devices with the admin device last, so a probe
// never sees the server live before its devices are.
func (r *Runtime) exportOrder() []*device.Device {
	var devs []*device.Device
	var admin *device.Device
	for _, d := range r.devices.All() {
		if strings.EqualFold(d.Name(), r.admin) {
			admin = d
			continue
		}
		devs = append(devs, d)
	}
	if admin != nil {
		devs = append(devs, admin)
	}
	return devs
}

// dispatch delivers Push-mode callbacks of replies that arrived.
func (r *Runtime) dispatch(ctx context.Context) error {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if r.async.CallbackMode() != async.Push {
				continue
			}
			if err := r.async.DrainReplies(ctx, "", 0); err != nil {
				r.logger.Warn("reply dispatch failed", "error", err)
			}
		}
	}
}

// Uptime returns the time since Run was called, or zero.
func (r *Runtime) Uptime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.IsZero() {
		return 0
	}
	return time.Since(r.started)
}

// Shutdown stops Run, unexports the server and deletes every device. An
// unexport failure is returned after the devices are deleted.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.engine.Stop()
	r.engine.Close()

	devs := r.devices.All()
	unexportErr := r.exporter.UnexportAll(ctx, devs)
	if err := r.exporter.Unbind(); err != nil {
		r.logger.Warn("unbind failed", "error", err)
	}

	for _, dc := range r.devices.Classes() {
		for _, d := range dc.Devices() {
			if err := dc.RemoveDevice(d.Name()); err != nil {
				r.logger.Warn("device removal failed", "device", d.Name(), "error", err)
			}
			r.engine.RemoveDevice(d.Name())
			r.monitors.Forget(d.Name())
		}
	}
	r.devices.RefreshCache()

	if unexportErr != nil {
		return unexportErr
	}
	r.logger.Info("server stopped", "server", r.server)
	return nil
}
