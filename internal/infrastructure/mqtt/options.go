package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/devserver/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second

	// opTimeout bounds waiting for a publish, subscribe or unsubscribe ack.
	opTimeout = 5 * time.Second

	disconnectQuiesce = 500 // milliseconds
	keepAlive         = 30 * time.Second

	// Reconnect delays used when the config leaves them at zero.
	defaultRetryDelay = time.Second
	defaultMaxDelay   = time.Minute

	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12
)

// Presence states published on the status topic.
const (
	StateOnline  = "online"
	StateOffline = "offline"
)

// Presence identifies the process behind a client. It is published,
// retained, on the client's status topic: online after every connect,
// offline on Close, and offline by the broker (the will) when the
// connection drops.
type Presence struct {
	ClientID string
	Server   string
	Host     string
	PID      int
	Version  string
}

// presenceMessage is the JSON body of a status topic.
type presenceMessage struct {
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
	ClientID string `json:"client_id"`
	Server   string `json:"server,omitempty"`
	Host     string `json:"host,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Version  string `json:"version,omitempty"`
	Since    string `json:"since"`
}

func (p Presence) message(state, reason string, now time.Time) []byte {
	data, err := json.Marshal(presenceMessage{
		State:    state,
		Reason:   reason,
		ClientID: p.ClientID,
		Server:   p.Server,
		Host:     p.Host,
		PID:      p.PID,
		Version:  p.Version,
		Since:    now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		// Only strings and ints; cannot fail.
		panic(err)
	}
	return data
}

func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// buildClientOptions maps the mqtt config section onto paho options. The
// session is clean: request subscriptions are restored by the client on
// reconnect, not by the broker.
func buildClientOptions(cfg config.MQTTConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(seconds(cfg.Reconnect.InitialDelay, defaultRetryDelay)).
		SetMaxReconnectInterval(seconds(cfg.Reconnect.MaxDelay, defaultMaxDelay)).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetOrderMatters(false)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

// configureLWT makes the broker publish an offline presence when the
// connection drops without Close.
func configureLWT(opts *pahomqtt.ClientOptions, topics Topics, p Presence) {
	opts.SetBinaryWill(topics.Status(p.ClientID),
		p.message(StateOffline, "connection_lost", time.Now()), 1, true)
}
