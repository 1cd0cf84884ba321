package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/devserver/internal/fault"
)

// Loopback is an in-process network. Servers bind through Binder and
// clients send through the Loopback itself.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	closed   bool
}

// NewLoopback returns an empty network.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]Handler)}
}

// Binder returns the server side for one server name.
func (l *Loopback) Binder(server string) Binder {
	return &loopbackBinder{net: l, endpoint: FormatEndpoint(SchemeLoopback, server)}
}

func (l *Loopback) handler(endpoint string) (Handler, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, fault.New(fault.CommFailure, "loopback transport closed", "Loopback")
	}
	h, ok := l.handlers[strings.ToLower(endpoint)]
	if !ok {
		return nil, fault.New(fault.CommFailure,
			fmt.Sprintf("no server listening on %s", endpoint), "Loopback")
	}
	return h, nil
}

// Connect fails when nothing is bound to endpoint.
func (l *Loopback) Connect(_ context.Context, endpoint string) error {
	_, err := l.handler(endpoint)
	return err
}

// Send runs the bound handler and waits for it within ctx.
func (l *Loopback) Send(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(err, fault.Timeout, "send cancelled", "Loopback.Send")
	}
	call, err := l.SendAsync(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// SendAsync runs the bound handler on its own goroutine.
func (l *Loopback) SendAsync(ctx context.Context, endpoint string, payload []byte) (*Call, error) {
	h, err := l.handler(endpoint)
	if err != nil {
		return nil, err
	}
	call := NewCall(uuid.NewString())
	body := append([]byte(nil), payload...)
	go func() {
		call.Complete(h(context.WithoutCancel(ctx), body), nil)
	}()
	return call, nil
}

// Disconnect is a no-op.
func (l *Loopback) Disconnect(string) error { return nil }

// Close drops every binding.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	clear(l.handlers)
	return nil
}

type loopbackBinder struct {
	net      *Loopback
	endpoint string
}

func (b *loopbackBinder) Bind(_ context.Context, h Handler) ([]string, error) {
	b.net.mu.Lock()
	defer b.net.mu.Unlock()

	if b.net.closed {
		return nil, fault.New(fault.CantBindDevice, "loopback transport closed", "Loopback.Bind")
	}
	if _, taken := b.net.handlers[b.endpoint]; taken {
		return nil, fault.New(fault.CantBindDevice,
			fmt.Sprintf("endpoint %s already bound", b.endpoint), "Loopback.Bind")
	}
	b.net.handlers[b.endpoint] = h
	return []string{b.endpoint}, nil
}

func (b *loopbackBinder) Unbind() error {
	b.net.mu.Lock()
	defer b.net.mu.Unlock()
	delete(b.net.handlers, b.endpoint)
	return nil
}
