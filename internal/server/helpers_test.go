package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/infrastructure/config"
	"github.com/nerrad567/devserver/internal/infrastructure/logging"
	"github.com/nerrad567/devserver/internal/registry"
	"github.com/nerrad567/devserver/internal/transport"
)

const (
	motor1 = "lab/motor/1"
	motor2 = "lab/motor/2"
)

// motorClass is the device type used across the package tests.
type motorClass struct {
	mu       sync.Mutex
	position float64
	speed    float64
	deletes  int
	inits    int

	// hold, when set, makes Move wait until it is closed.
	hold chan struct{}
}

func (m *motorClass) Name() string { return "Motor" }

func (m *motorClass) CommandFactory() []*device.Command {
	return []*device.Command{
		{
			Name: "On",
			Execute: func(_ context.Context, dev *device.Device, _ any) (any, error) {
				dev.SetState(device.On)
				return nil, nil
			},
		},
		{
			Name: "Move",
			In:   "DevDouble",
			Execute: func(ctx context.Context, _ *device.Device, arg any) (any, error) {
				v, ok := arg.(float64)
				if !ok {
					return nil, errors.New("Move wants a number")
				}
				m.mu.Lock()
				hold := m.hold
				m.mu.Unlock()
				if hold != nil {
					select {
					case <-hold:
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
				m.mu.Lock()
				m.position = v
				m.mu.Unlock()
				return v, nil
			},
		},
		{
			Name: "GetPosition",
			Out:  "DevDouble",
			Execute: func(context.Context, *device.Device, any) (any, error) {
				return m.pos(), nil
			},
		},
		{
			Name:    "Stop",
			Allowed: device.OnlyIn(device.Moving),
			Execute: func(_ context.Context, dev *device.Device, _ any) (any, error) {
				dev.SetState(device.Standby)
				return nil, nil
			},
		},
	}
}

func (m *motorClass) AttributeFactory() []attribute.Definition {
	return []attribute.Definition{
		{Name: "Position", Type: attribute.TypeDouble},
		{Name: "Speed", Type: attribute.TypeDouble, WriteMode: attribute.ReadWrite},
		{Name: "Current", Type: attribute.TypeDouble},
		{Name: "Setpoint", Type: attribute.TypeDouble, WriteMode: attribute.Write},
	}
}

func (m *motorClass) DeviceFactory(names []string) ([]device.Hooks, error) {
	out := make([]device.Hooks, len(names))
	for i := range names {
		out[i] = device.Hooks{
			Init: func(_ context.Context, dev *device.Device) error {
				m.mu.Lock()
				m.inits++
				m.mu.Unlock()
				dev.SetState(device.Standby)
				return nil
			},
			Delete: func(*device.Device) {
				m.mu.Lock()
				m.deletes++
				m.mu.Unlock()
			},
			ReadAttribute: func(_ context.Context, _ *device.Device, a *attribute.Attribute) error {
				m.mu.Lock()
				defer m.mu.Unlock()
				switch a.Name() {
				case "Position":
					return a.SetValue(m.position, time.Now())
				case "Speed":
					return a.SetValue(m.speed, time.Now())
				case "Current":
					return a.SetValue(m.speed*0.5, time.Now())
				}
				return nil
			},
			WriteAttribute: func(_ context.Context, _ *device.Device, a *attribute.Attribute) error {
				if a.Name() != "Speed" {
					return nil
				}
				v, ok := a.WriteValue().(float64)
				if !ok {
					return errors.New("speed must be a double")
				}
				m.mu.Lock()
				m.speed = v
				m.mu.Unlock()
				return nil
			},
		}
	}
	return out, nil
}

func (m *motorClass) pos() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

func (m *motorClass) counts() (inits, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inits, m.deletes
}

// env is a runtime wired to an in-memory registry and a loopback bus.
type env struct {
	rt    *Runtime
	motor *motorClass
	reg   registry.Client
	bus   *transport.Loopback
	cfg   *config.Config
	audit AuditRecorder
}

func testConfig(instance string) *config.Config {
	cfg := config.Default()
	cfg.Server.Instance = instance
	cfg.Server.NoRegistry = true
	cfg.Server.Devices = map[string][]string{"Motor": {motor1, motor2}}
	cfg.Server.CommandTimeout = 500
	cfg.Polling.Tick = 5
	cfg.Polling.TriggerTimeout = 1000
	cfg.Registry.StartupJitter = 0
	cfg.Registry.ProbeTimeout = 200
	cfg.Transport.Backend = config.TransportLoopback
	return cfg
}

type envOption func(*env)

func withRegistry(reg registry.Client) envOption {
	return func(e *env) { e.reg = reg }
}

func withBus(bus *transport.Loopback) envOption {
	return func(e *env) { e.bus = bus }
}

func withAudit(rec AuditRecorder) envOption {
	return func(e *env) { e.audit = rec }
}

func withConfig(fn func(*config.Config)) envOption {
	return func(e *env) { fn(e.cfg) }
}

// newEnv builds a runtime without initialising it.
func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	e := &env{
		motor: &motorClass{},
		reg:   registry.NewNoDB(),
		bus:   transport.NewLoopback(),
		cfg:   testConfig("lab"),
	}
	for _, opt := range opts {
		opt(e)
	}

	classes, err := device.NewClassSet(e.motor)
	require.NoError(t, err)

	rt, err := New(Deps{
		Config:   e.cfg,
		Classes:  classes,
		Registry: e.reg,
		Binder:   e.bus.Binder(e.cfg.ServerName()),
		Client:   e.bus,
		Audit:    e.audit,
		Logger:   logging.Discard(),
		Version:  "test",
		Host:     "test-host",
		PID:      1,
	})
	require.NoError(t, err)
	e.rt = rt
	return e
}

// started initialises the runtime and runs it until the test ends.
func started(t *testing.T, opts ...envOption) *env {
	t.Helper()
	e := newEnv(t, opts...)
	ctx := context.Background()
	require.NoError(t, e.rt.Init(ctx))

	errc := make(chan error, 1)
	go func() { errc <- e.rt.Run(ctx) }()
	require.Eventually(t, func() bool {
		dev, err := e.rt.DeviceByName(e.rt.AdminName())
		return err == nil && dev.Exported()
	}, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.rt.Shutdown(sctx)
		select {
		case <-errc:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after Shutdown")
		}
	})
	return e
}

func (e *env) endpoint() string {
	return transport.FormatEndpoint(transport.SchemeLoopback, e.cfg.ServerName())
}

func (e *env) call(t *testing.T, req *transport.Request, out any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return transport.RoundTrip(ctx, e.bus, e.endpoint(), req, out)
}
