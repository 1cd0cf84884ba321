package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/devserver/internal/fault"
)

// Mux is a client that routes each endpoint to the backend registered for
// its scheme.
type Mux struct {
	mu       sync.RWMutex
	backends map[string]Transport
}

var _ Transport = (*Mux)(nil)

// NewMux returns a client with no backends.
func NewMux() *Mux {
	return &Mux{backends: make(map[string]Transport)}
}

// Handle registers t for scheme, replacing any earlier backend.
func (m *Mux) Handle(scheme string, t Transport) {
	m.mu.Lock()
	m.backends[strings.ToLower(scheme)] = t
	m.mu.Unlock()
}

func (m *Mux) route(endpoint string) (Transport, error) {
	scheme, _, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	t, ok := m.backends[strings.ToLower(scheme)]
	m.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.CommFailure,
			fmt.Sprintf("no transport for scheme %s", scheme), "Mux")
	}
	return t, nil
}

func (m *Mux) Connect(ctx context.Context, endpoint string) error {
	t, err := m.route(endpoint)
	if err != nil {
		return err
	}
	return t.Connect(ctx, endpoint)
}

func (m *Mux) Send(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	t, err := m.route(endpoint)
	if err != nil {
		return nil, err
	}
	return t.Send(ctx, endpoint, payload)
}

func (m *Mux) SendAsync(ctx context.Context, endpoint string, payload []byte) (*Call, error) {
	t, err := m.route(endpoint)
	if err != nil {
		return nil, err
	}
	return t.SendAsync(ctx, endpoint, payload)
}

func (m *Mux) Disconnect(endpoint string) error {
	t, err := m.route(endpoint)
	if err != nil {
		return err
	}
	return t.Disconnect(endpoint)
}

// Close closes every distinct backend once.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[Transport]bool)
	var errs []error
	for _, t := range m.backends {
		if seen[t] {
			continue
		}
		seen[t] = true
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout binds one handler on several backends. The primary's endpoints
// come first, so it is the one published for devices.
type Fanout struct {
	binders []Binder
}

var _ Binder = (*Fanout)(nil)

// NewFanout returns a binder serving on primary and every one of more.
func NewFanout(primary Binder, more ...Binder) *Fanout {
	return &Fanout{binders: append([]Binder{primary}, more...)}
}

// Bind binds every backend in order. A failure unbinds the ones already
// bound.
func (f *Fanout) Bind(ctx context.Context, h Handler) ([]string, error) {
	var endpoints []string
	for i, b := range f.binders {
		eps, err := b.Bind(ctx, h)
		if err != nil {
			for _, done := range f.binders[:i] {
				_ = done.Unbind()
			}
			return nil, err
		}
		endpoints = append(endpoints, eps...)
	}
	return endpoints, nil
}

func (f *Fanout) Unbind() error {
	var errs []error
	for _, b := range f.binders {
		if err := b.Unbind(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
