package polling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/devserver/internal/fault"
)

// fakeClock drives the loop deterministically: Tick moves time forward
// and delivers one tick.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
	ch  chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start, ch: make(chan time.Time)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Ticker(time.Duration) Ticker { return fakeTicker{ch: c.ch} }

// Tick advances the clock by d and blocks until the loop takes the tick.
func (c *fakeClock) Tick(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	c.ch <- now
}

type fakeTicker struct{ ch chan time.Time }

func (t fakeTicker) Chan() <-chan time.Time { return t.ch }
func (fakeTicker) Stop()                    {}

// fakeSampler returns an increasing counter per object.
type fakeSampler struct {
	mu      sync.Mutex
	known   map[string]string // "kind/name" -> attribute write mode, "" for commands
	counts  map[string]int
	failing map[string]error
	block   chan struct{}
}

func newFakeSampler(objects ...string) *fakeSampler {
	s := &fakeSampler{
		known:   make(map[string]string),
		counts:  make(map[string]int),
		failing: make(map[string]error),
	}
	for _, o := range objects {
		if strings.HasPrefix(o, "attribute/") {
			s.known[o] = "READ"
		} else {
			s.known[o] = ""
		}
	}
	return s
}

func (s *fakeSampler) CheckObject(device string, kind Kind, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode, ok := s.known[kind.String()+"/"+strings.ToLower(name)]
	switch {
	case !ok && kind == KindCommand:
		return fault.New(fault.CommandNotFound, "no command "+name, "fakeSampler")
	case !ok:
		return fault.New(fault.AttrNotFound, "no attribute "+name, "fakeSampler")
	case kind == KindAttribute && mode != "READ":
		return fault.New(fault.ObjectNotPolled, "Attribute "+name+" is not READ only", "fakeSampler")
	}
	return nil
}

func (s *fakeSampler) next(ctx context.Context, id string) (any, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing[id]; err != nil {
		return nil, err
	}
	s.counts[id]++
	return float64(s.counts[id]), nil
}

func (s *fakeSampler) SampleCommand(ctx context.Context, device, name string) (any, error) {
	return s.next(ctx, fmt.Sprintf("%s/command/%s", device, name))
}

func (s *fakeSampler) SampleAttribute(ctx context.Context, device, name string) (any, error) {
	return s.next(ctx, fmt.Sprintf("%s/attribute/%s", device, name))
}

func (s *fakeSampler) fail(id string, err error) {
	s.mu.Lock()
	s.failing[id] = err
	s.mu.Unlock()
}

var errHardware = errors.New("encoder unplugged")

func noSkew() *time.Duration {
	var d time.Duration
	return &d
}
