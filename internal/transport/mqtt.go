package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/devserver/internal/fault"
	"github.com/nerrad567/devserver/internal/infrastructure/mqtt"
)

// Bus is the subset of the MQTT client used by the MQTT backend.
type Bus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
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

// MQTTOptions configures the MQTT backend.
type MQTTOptions struct {
	// ClientID names the reply topic of this process.
	ClientID string
	// Server is the server name served by Bind.
	Server string
	QoS    byte
}

// MQTT carries requests over a broker. Requests go to the target server's
// request topic inside an Envelope naming this client's reply topic;
// replies are matched to calls by envelope id.
type MQTT struct {
	bus    Bus
	topics mqtt.Topics
	opts   MQTTOptions
	logger Logger

	mu        sync.Mutex
	pending   map[string]*Call
	listening bool
	bound     bool
	cancel    context.CancelFunc
	closed    bool
}

// NewMQTT returns a backend publishing on bus.
func NewMQTT(bus Bus, topics mqtt.Topics, opts MQTTOptions) *MQTT {
	return &MQTT{
		bus:     bus,
		topics:  topics,
		opts:    opts,
		logger:  noopLogger{},
		pending: make(map[string]*Call),
	}
}

// SetLogger sets the logger.
func (m *MQTT) SetLogger(logger Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

func (m *MQTT) server(endpoint string) (string, error) {
	scheme, server, err := ParseEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	if scheme != SchemeMQTT || !mqtt.ValidName(server) {
		return "", fault.New(fault.IncompatibleArg,
			fmt.Sprintf("endpoint %s is not an mqtt endpoint", endpoint), "MQTT")
	}
	return server, nil
}

// listen subscribes to the reply topic once. Caller holds m.mu.
func (m *MQTT) listen() error {
	if m.closed {
		return fault.New(fault.CommFailure, "mqtt transport closed", "MQTT")
	}
	if m.listening {
		return nil
	}
	if err := m.bus.Subscribe(m.topics.Reply(m.opts.ClientID), m.opts.QoS, m.onReply); err != nil {
		return fault.Wrap(err, fault.CommFailure, "cannot subscribe to reply topic", "MQTT")
	}
	m.listening = true
	return nil
}

func (m *MQTT) onReply(_ string, payload []byte) error {
	var env Envelope
	if err := Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decoding reply envelope: %w", err)
	}

	m.mu.Lock()
	call, ok := m.pending[env.ID]
	delete(m.pending, env.ID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("reply for unknown call %s", env.ID)
	}
	call.Complete(env.Body, nil)
	return nil
}

// Connect validates endpoint and starts listening for replies.
func (m *MQTT) Connect(_ context.Context, endpoint string) error {
	if _, err := m.server(endpoint); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listen()
}

// SendAsync publishes payload to the endpoint's request topic.
func (m *MQTT) SendAsync(_ context.Context, endpoint string, payload []byte) (*Call, error) {
	server, err := m.server(endpoint)
	if err != nil {
		return nil, err
	}

	call := NewCall(uuid.NewString())
	m.mu.Lock()
	if err := m.listen(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.pending[call.ID] = call
	m.mu.Unlock()

	env, err := Marshal(&Envelope{ID: call.ID, ReplyTo: m.topics.Reply(m.opts.ClientID), Body: payload})
	if err == nil {
		err = m.bus.Publish(m.topics.Request(server), env, m.opts.QoS, false)
	}
	if err != nil {
		m.forget(call.ID)
		return nil, fault.Wrap(err, fault.CommFailure,
			fmt.Sprintf("cannot send request to %s", endpoint), "MQTT.SendAsync")
	}
	return call, nil
}

// Send publishes payload and waits for the reply within ctx.
func (m *MQTT) Send(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	call, err := m.SendAsync(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	reply, err := call.Wait(ctx)
	if err != nil {
		m.forget(call.ID)
	}
	return reply, err
}

func (m *MQTT) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Disconnect is a no-op: requests to every server share one reply topic.
func (m *MQTT) Disconnect(endpoint string) error {
	_, err := m.server(endpoint)
	return err
}

// Bind subscribes to this server's request topic. Each request is served
// on its own goroutine and the reply published to the envelope's ReplyTo.
func (m *MQTT) Bind(ctx context.Context, h Handler) ([]string, error) {
	if !mqtt.ValidName(m.opts.Server) {
		return nil, fault.New(fault.CantBindDevice,
			fmt.Sprintf("invalid server name %q", m.opts.Server), "MQTT.Bind")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.bound {
		return nil, fault.New(fault.CantBindDevice, "mqtt transport closed or already bound", "MQTT.Bind")
	}

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	err := m.bus.Subscribe(m.topics.Request(m.opts.Server), m.opts.QoS, func(_ string, payload []byte) error {
		return m.serve(serveCtx, h, payload)
	})
	if err != nil {
		cancel()
		return nil, fault.Wrap(err, fault.CantBindDevice, "cannot subscribe to request topic", "MQTT.Bind")
	}
	m.bound = true
	m.cancel = cancel
	return []string{FormatEndpoint(SchemeMQTT, m.opts.Server)}, nil
}

func (m *MQTT) serve(ctx context.Context, h Handler, payload []byte) error {
	var env Envelope
	if err := Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decoding request envelope: %w", err)
	}
	go func() {
		reply := h(ctx, env.Body)
		if env.ReplyTo == "" {
			return
		}
		out, err := Marshal(&Envelope{ID: env.ID, Body: reply})
		if err == nil {
			err = m.bus.Publish(env.ReplyTo, out, m.opts.QoS, false)
		}
		if err != nil {
			m.mu.Lock()
			logger := m.logger
			m.mu.Unlock()
			logger.Warn("mqtt reply not sent", "call", env.ID, "reply_to", env.ReplyTo, "error", err)
		}
	}()
	return nil
}

// Unbind stops serving requests.
func (m *MQTT) Unbind() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unbindLocked()
}

func (m *MQTT) unbindLocked() error {
	if !m.bound {
		return nil
	}
	m.bound = false
	m.cancel()
	return m.bus.Unsubscribe(m.topics.Request(m.opts.Server))
}

// Close unbinds, stops listening and fails every pending call.
func (m *MQTT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	err := m.unbindLocked()
	if m.listening {
		m.listening = false
		if uerr := m.bus.Unsubscribe(m.topics.Reply(m.opts.ClientID)); err == nil {
			err = uerr
		}
	}
	for id, call := range m.pending {
		call.Complete(nil, fault.New(fault.CommFailure, "mqtt transport closed", "MQTT.Close"))
		delete(m.pending, id)
	}
	return err
}
