package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/audit"
	"github.com/nerrad567/devserver/internal/auth"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/infrastructure/config"
	"github.com/nerrad567/devserver/internal/infrastructure/database"
	"github.com/nerrad567/devserver/internal/infrastructure/logging"
	"github.com/nerrad567/devserver/internal/registry"
	"github.com/nerrad567/devserver/internal/server"
	"github.com/nerrad567/devserver/migrations"
)

const (
	pump1      = "plant/pump/1"
	pump1Path  = "/api/v1/devices/plant/pump/1"
	testSecret = "test-secret-with-enough-length-0123456789"
)

// pumpClass is the device type served in the package tests.
type pumpClass struct {
	mu       sync.Mutex
	pressure float64
	level    float64
}

func (p *pumpClass) Name() string { return "Pump" }

func (p *pumpClass) CommandFactory() []*device.Command {
	return []*device.Command{
		{
			Name: "Start",
			Execute: func(_ context.Context, dev *device.Device, _ any) (any, error) {
				dev.SetState(device.On)
				return nil, nil
			},
		},
		{
			Name: "Echo",
			Execute: func(_ context.Context, _ *device.Device, arg any) (any, error) {
				return arg, nil
			},
		},
	}
}

func (p *pumpClass) AttributeFactory() []attribute.Definition {
	return []attribute.Definition{
		{Name: "Pressure", Type: attribute.TypeDouble},
		{Name: "Level", Type: attribute.TypeDouble, WriteMode: attribute.ReadWrite},
	}
}

func (p *pumpClass) DeviceFactory(names []string) ([]device.Hooks, error) {
	out := make([]device.Hooks, len(names))
	for i := range names {
		out[i] = device.Hooks{
			Init: func(_ context.Context, dev *device.Device) error {
				dev.SetState(device.Standby)
				return nil
			},
			ReadAttribute: func(_ context.Context, _ *device.Device, a *attribute.Attribute) error {
				p.mu.Lock()
				defer p.mu.Unlock()
				switch a.Name() {
				case "Pressure":
					return a.SetValue(p.pressure, time.Now())
				case "Level":
					return a.SetValue(p.level, time.Now())
				}
				return nil
			},
			WriteAttribute: func(_ context.Context, _ *device.Device, a *attribute.Attribute) error {
				v, ok := a.WriteValue().(float64)
				if !ok {
					return errors.New("level must be a double")
				}
				p.mu.Lock()
				p.level = v
				p.mu.Unlock()
				return nil
			},
		}
	}
	return out, nil
}

// testEnv is a runtime served by an API server on a loopback port.
type testEnv struct {
	srv  *Server
	rt   *server.Runtime
	pump *pumpClass
	base string
}

type envSettings struct {
	cfg   *config.Config
	audit audit.Repository
}

type envOption func(*envSettings)

func withSecret(secret string) envOption {
	return func(s *envSettings) { s.cfg.Security.JWT.Secret = secret }
}

// withAudit records admin commands in a fresh SQLite registry database.
func withAudit(t *testing.T) envOption {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: filepath.Join(t.TempDir(), "registry.db"), WALMode: true, BusyTimeout: 5})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx, migrations.FS, migrations.Dir))
	repo := audit.NewSQLiteRepository(db.DB)
	return func(s *envSettings) { s.audit = repo }
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Instance = "api"
	cfg.Server.NoRegistry = true
	cfg.Server.Devices = map[string][]string{"Pump": {pump1}}
	cfg.Server.CommandTimeout = 500
	cfg.Polling.Tick = 5
	cfg.Registry.StartupJitter = 0
	cfg.Transport.Backend = config.TransportHTTP
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0
	cfg.API.Timeouts.Read = 5
	cfg.API.Timeouts.Write = 5
	cfg.API.Timeouts.Idle = 5
	cfg.WebSocket.PingInterval = 1
	cfg.WebSocket.PongTimeout = 1
	return cfg
}

// newServer builds an API server that nothing is bound to yet.
func newServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	return newServerWithAudit(t, cfg, nil)
}

func newServerWithAudit(t *testing.T, cfg *config.Config, repo audit.Repository) *Server {
	t.Helper()
	srv, err := New(Deps{
		Audit:       repo,
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      logging.Discard(),
		AdminDevice: registry.AdminDeviceName(cfg.ServerName()),
		Version:     "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// startEnv runs a runtime with the API server as its binder until the
// test ends.
func startEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	set := &envSettings{cfg: testConfig()}
	for _, opt := range opts {
		opt(set)
	}
	cfg := set.cfg

	e := &testEnv{pump: &pumpClass{pressure: 1.5}}
	e.srv = newServerWithAudit(t, cfg, set.audit)

	classes, err := device.NewClassSet(e.pump)
	require.NoError(t, err)

	rt, err := server.New(server.Deps{
		Config:   cfg,
		Classes:  classes,
		Registry: registry.NewNoDB(),
		Binder:   e.srv,
		Audit:    set.audit,
		Client:   NewClient(2*time.Second, ""),
		Logger:   logging.Discard(),
		Version:  "test",
		Host:     "test-host",
		PID:      1,
	})
	require.NoError(t, err)
	e.rt = rt

	ctx := context.Background()
	require.NoError(t, rt.Init(ctx))
	errc := make(chan error, 1)
	go func() { errc <- rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		return e.srv.boundHandler() != nil && e.srv.Addr() != ""
	}, 2*time.Second, 5*time.Millisecond)
	e.base = "http://" + e.srv.Addr()

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Shutdown(sctx)
		select {
		case <-errc:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after Shutdown")
		}
	})
	return e
}

// do sends a JSON request and returns the response with its body read.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, e.base+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// decode unmarshals a JSON body.
func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken("tester", role, testSecret, time.Minute)
	require.NoError(t, err)
	return tok
}
