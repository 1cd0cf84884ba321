// Package transport moves opaque request and reply payloads between
// clients and device servers.
//
// The server side binds a Handler and publishes the returned endpoints in
// the registry. The client side connects to an endpoint and sends payloads
// synchronously or asynchronously; an asynchronous send returns a *Call
// that the async registry tracks until its reply arrives.
//
// Payloads are CBOR-encoded Request and Reply values (see codec.go), but
// backends treat them as bytes.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/devserver/internal/fault"
)

// Handler serves one request payload and returns the reply payload.
type Handler func(ctx context.Context, payload []byte) []byte

// Transport is the client side of a backend.
type Transport interface {
	// Connect checks that endpoint is reachable and prepares it for sends.
	Connect(ctx context.Context, endpoint string) error
	// Send delivers payload and waits for the reply.
	Send(ctx context.Context, endpoint string, payload []byte) ([]byte, error)
	// SendAsync delivers payload and returns without waiting.
	SendAsync(ctx context.Context, endpoint string, payload []byte) (*Call, error)
	// Disconnect releases what Connect prepared.
	Disconnect(endpoint string) error
	Close() error
}

// Binder is the server side of a backend.
type Binder interface {
	// Bind starts serving h and returns the endpoints clients can use.
	Bind(ctx context.Context, h Handler) ([]string, error)
	// Unbind stops serving.
	Unbind() error
}

// Call is an in-flight asynchronous send.
type Call struct {
	ID string

	once  sync.Once
	done  chan struct{}
	reply []byte
	err   error
}

// NewCall returns an incomplete call.
func NewCall(id string) *Call {
	return &Call{ID: id, done: make(chan struct{})}
}

// Done is closed once the reply or a failure has arrived.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the reply payload. Valid after Done is closed.
func (c *Call) Result() ([]byte, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	default:
		return nil, fault.New(fault.ReplyNotArrived,
			fmt.Sprintf("reply for call %s not yet arrived", c.ID), "Call.Result")
	}
}

// Complete records the outcome. Later calls are ignored.
func (c *Call) Complete(reply []byte, err error) {
	c.once.Do(func() {
		c.reply, c.err = reply, err
		close(c.done)
	})
}

// Wait blocks until the call completes or ctx ends.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		return nil, fault.Wrap(ctx.Err(), fault.Timeout,
			fmt.Sprintf("no reply for call %s", c.ID), "Call.Wait")
	}
}

// Endpoint schemes.
const (
	SchemeLoopback = "loopback"
	SchemeMQTT     = "mqtt"
	SchemeHTTP     = "http"
)

// FormatEndpoint builds "<scheme>://<server>".
func FormatEndpoint(scheme, server string) string {
	return scheme + "://" + strings.ToLower(server)
}

// ParseEndpoint splits an endpoint built by FormatEndpoint.
func ParseEndpoint(endpoint string) (scheme, server string, err error) {
	scheme, server, ok := strings.Cut(endpoint, "://")
	if !ok || scheme == "" || server == "" {
		return "", "", fault.New(fault.IncompatibleArg,
			fmt.Sprintf("malformed endpoint %q", endpoint), "transport.ParseEndpoint")
	}
	return scheme, server, nil
}

// RoundTrip encodes req, sends it and decodes the reply into out.
func RoundTrip(ctx context.Context, t Transport, endpoint string, req *Request, out any) error {
	payload, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	data, err := t.Send(ctx, endpoint, payload)
	if err != nil {
		return err
	}
	return Result(data, out)
}
