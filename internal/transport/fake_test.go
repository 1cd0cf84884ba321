package transport

import (
	"context"
	"sync"

	"github.com/nerrad567/devserver/internal/infrastructure/mqtt"
)

// fakeBus is an in-memory broker delivering to exact topic matches.
type fakeBus struct {
	mu        sync.Mutex
	subs      map[string]mqtt.MessageHandler
	published []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBus) Publish(topic string, payload []byte, _ byte, _ bool) error {
	b.mu.Lock()
	h := b.subs[topic]
	b.published = append(b.published, topic)
	b.mu.Unlock()
	if h != nil {
		_ = h(topic, append([]byte(nil), payload...))
	}
	return nil
}

func (b *fakeBus) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = h
	return nil
}

func (b *fakeBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return nil
}

func (b *fakeBus) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[topic]
	return ok
}

// echoHandler answers ping with the device name and name with the
// request name; anything else fails with command_not_found.
func echoHandler(_ context.Context, payload []byte) []byte {
	req, err := DecodeRequest(payload)
	var rep *Reply
	switch {
	case err != nil:
		rep = NewReply(nil, err)
	case req.Op == OpPing:
		rep = NewReply(req.Device, nil)
	case req.Op == OpCommandInOut && req.Name == "Echo":
		rep = NewReply(req.Arg, nil)
	default:
		rep = NewReply(nil, errNotFound(req.Name))
	}
	out, _ := EncodeReply(rep)
	return out
}
