package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/devserver/internal/infrastructure/config"
	"github.com/nerrad567/devserver/internal/infrastructure/logging"
	"github.com/nerrad567/devserver/internal/polling"
	"github.com/nerrad567/devserver/internal/server"
)

// Stream message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// ChannelPollSample carries one event per polling record.
	ChannelPollSample = "polling.sample"
)

// WSMessage is one frame of the event stream, in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe.
//
// Devices and Objects narrow device events; an empty list lets every
// device (or object) through. Objects are "kind/name", for example
// "attribute/Position". Matching is case-insensitive.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Devices  []string `json:"devices,omitempty"`
	Objects  []string `json:"objects,omitempty"`
}

// HubStats is a snapshot of the hub counters.
type HubStats struct {
	Clients   int    `json:"clients"`
	Delivered uint64 `json:"delivered"`
	// Dropped counts events skipped because a client's buffer was full.
	Dropped uint64 `json:"dropped"`
}

// event is one broadcast; device and object are empty for server-wide
// events.
type event struct {
	channel string
	device  string
	object  string
	data    []byte
}

// Hub fans events out to the connected stream clients.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS middleware owns origin policy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Zero config values take defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

func (h *Hub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "subject", c.subject, "role", c.role, "clients", n)
}

// remove drops c and closes its send queue. Safe to call twice.
func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if c.close() {
		h.logger.Debug("stream client disconnected", "subject", c.subject, "clients", n)
	}
}

// Broadcast sends a server-wide event on channel.
func (h *Hub) Broadcast(channel string, payload any) {
	h.publish(channel, "", "", payload)
}

// BroadcastObject sends an event about one polled object of a device.
func (h *Hub) BroadcastObject(channel, device, kind, name string, payload any) {
	h.publish(channel, strings.ToLower(device), objectKey(kind, name), payload)
}

func (h *Hub) publish(channel, device, object string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("stream event not encoded", "channel", channel, "error", err)
		return
	}
	ev := event{channel: channel, device: device, object: object, data: data}

	// Client locks are never taken under the hub lock.
	h.mu.RLock()
	targets := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		switch c.offer(ev) {
		case offerSent:
			h.delivered.Add(1)
		case offerFull:
			h.dropped.Add(1)
		}
	}
}

// PollSink returns a polling history sink that streams every record to
// the subscribers of ChannelPollSample. skew is the engine timestamp skew.
func (h *Hub) PollSink(skew time.Duration) polling.HistorySink {
	return func(key polling.ObjectKey, rec polling.Record) {
		sample := server.SampleOf(key, rec, skew)
		sample.Value = jsonSafe(sample.Value)
		h.BroadcastObject(ChannelPollSample, key.Device, key.Kind.String(), key.Name, sample)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns the hub counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients:   h.ClientCount(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// handleWebSocket upgrades to the event stream. With authentication
// enabled a single-use ticket from POST /auth/ws-ticket is required.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var who ticketEntry
	if s.authEnabled() {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		var ok bool
		if who, ok = s.tickets.validate(ticket); !ok {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newStreamClient(s.hub, conn, who)
	s.hub.add(c)
	go c.serve(streamTimingsOf(s.wsCfg))
}
