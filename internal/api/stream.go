package api

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/devserver/internal/auth"
	"github.com/nerrad567/devserver/internal/infrastructure/config"
)

const (
	// streamQueue is the per-client outbound buffer, in events.
	streamQueue = 256

	defaultMaxMessage   = 4096
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

type streamTimings struct {
	maxMessage int64
	ping       time.Duration
	pong       time.Duration
}

func streamTimingsOf(cfg config.WebSocketConfig) streamTimings {
	t := streamTimings{
		maxMessage: defaultMaxMessage,
		ping:       defaultPingInterval,
		pong:       defaultPongTimeout,
	}
	if cfg.MaxMessageSize > 0 {
		t.maxMessage = int64(cfg.MaxMessageSize)
	}
	if cfg.PingInterval > 0 {
		t.ping = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		t.pong = time.Duration(cfg.PongTimeout) * time.Second
	}
	return t
}

func objectKey(kind, name string) string {
	return strings.ToLower(kind + "/" + name)
}

// streamFilter is what one client asked to receive.
type streamFilter struct {
	channels map[string]struct{}
	devices  map[string]struct{}
	objects  map[string]struct{}
}

func newStreamFilter() streamFilter {
	return streamFilter{
		channels: make(map[string]struct{}),
		devices:  make(map[string]struct{}),
		objects:  make(map[string]struct{}),
	}
}

func (f streamFilter) update(p WSSubscribePayload, add bool) {
	set := func(m map[string]struct{}, keys []string, lower bool) {
		for _, k := range keys {
			if lower {
				k = strings.ToLower(k)
			}
			if add {
				m[k] = struct{}{}
			} else {
				delete(m, k)
			}
		}
	}
	set(f.channels, p.Channels, false)
	set(f.devices, p.Devices, true)
	set(f.objects, p.Objects, true)
}

func (f streamFilter) matches(ev event) bool {
	if _, ok := f.channels[ev.channel]; !ok {
		return false
	}
	return within(f.devices, ev.device) && within(f.objects, ev.object)
}

// within reports whether key passes an optional narrowing set.
func within(set map[string]struct{}, key string) bool {
	if key == "" || len(set) == 0 {
		return true
	}
	_, ok := set[key]
	return ok
}

type offerResult int

const (
	offerSkipped offerResult = iota // filtered out or closed
	offerSent
	offerFull
)

// streamClient is one WebSocket connection of the event stream.
type streamClient struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string
	role    auth.Role

	mu     sync.Mutex
	filter streamFilter
	send   chan []byte
	closed bool
}

func newStreamClient(h *Hub, conn *websocket.Conn, who ticketEntry) *streamClient {
	return &streamClient{
		hub:     h,
		conn:    conn,
		subject: who.subject,
		role:    who.role,
		filter:  newStreamFilter(),
		send:    make(chan []byte, streamQueue),
	}
}

// offer queues ev if the client wants it. It never blocks.
func (c *streamClient) offer(ev event) offerResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.filter.matches(ev) {
		return offerSkipped
	}
	select {
	case c.send <- ev.data:
		return offerSent
	default:
		return offerFull
	}
}

// reply queues a direct answer to the client.
func (c *streamClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *streamClient) fail(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}

// close closes the send queue once and reports whether it did.
func (c *streamClient) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// serve runs the writer in the background and reads until the peer goes
// away or the hub closes the connection.
func (c *streamClient) serve(t streamTimings) {
	go c.write(t)
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	idle := t.ping + t.pong
	c.conn.SetReadLimit(t.maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("stream read failed", "subject", c.subject, "error", err)
			}
			return
		}
		// Browsers may ignore protocol pings; any frame counts as alive.
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		c.handle(data)
	}
}

func (c *streamClient) write(t streamTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind = websocket.TextMessage
			data []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			data = msg
		case <-ticker.C:
			kind = websocket.PingMessage
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(t.pong))
		if err := c.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

// inbound is a client frame with its payload left undecoded.
type inbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func (c *streamClient) handle(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &sub); err != nil {
				c.fail(msg.ID, "invalid "+msg.Type+" payload")
				return
			}
		}
		add := msg.Type == WSTypeSubscribe

		c.mu.Lock()
		c.filter.update(sub, add)
		c.mu.Unlock()

		key := "subscribed"
		if !add {
			key = "unsubscribed"
		}
		c.hub.logger.Debug("stream "+msg.Type, "subject", c.subject,
			"channels", sub.Channels, "devices", sub.Devices, "objects", sub.Objects)
		c.reply(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
	default:
		c.fail(msg.ID, "unknown message type: "+msg.Type)
	}
}
