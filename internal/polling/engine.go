package polling

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/devserver/internal/fault"
)

// Engine defaults.
const (
	// DefaultTimestampSkew is subtracted from every sample time before the
	// record is stored.
	DefaultTimestampSkew = 1002000000 * time.Second

	DefaultRingDepth      = 10
	DefaultTriggerTimeout = 3200 * time.Millisecond
	DefaultTick           = 100 * time.Millisecond

	// MinPeriod is the shortest accepted non-zero period.
	MinPeriod = 20 * time.Millisecond
)

// Sampler executes the underlying operations of polled objects. The
// server runtime implements it so samples go through the device monitor.
type Sampler interface {
	// CheckObject reports whether the object exists and may be polled.
	CheckObject(device string, kind Kind, name string) error
	SampleCommand(ctx context.Context, device, name string) (any, error)
	SampleAttribute(ctx context.Context, device, name string) (any, error)
}

// HistorySink receives every record stored by the loop.
type HistorySink func(key ObjectKey, rec Record)

// Logger defines the logging interface used by the Engine.
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

// Config holds the engine settings. Zero fields take the defaults.
type Config struct {
	RingDepth      int
	TriggerTimeout time.Duration
	Tick           time.Duration

	// Skew is subtracted from sample times. Nil selects
	// DefaultTimestampSkew; zero disables it.
	Skew *time.Duration
}

func (c Config) withDefaults() Config {
	if c.RingDepth < 1 {
		c.RingDepth = DefaultRingDepth
	}
	if c.TriggerTimeout <= 0 {
		c.TriggerTimeout = DefaultTriggerTimeout
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.Skew == nil {
		skew := DefaultTimestampSkew
		c.Skew = &skew
	}
	return c
}

// triggerWork is the hand-off cell between Trigger and the loop.
type triggerWork struct {
	key  ObjectKey
	done chan struct{}
}

// Engine is the polling scheduler of one server process.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Run must be called once.
type Engine struct {
	cfg     Config
	skew    time.Duration
	sampler Sampler
	clock   Clock
	logger  Logger

	mu      sync.Mutex
	objects map[ObjectKey]*polled
	sinks   []HistorySink

	running atomic.Bool
	looping atomic.Bool

	trigMu sync.Mutex // one trigger in flight
	work   chan *triggerWork

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates an engine. A nil clock uses real time.
func New(cfg Config, sampler Sampler, clock Clock) *Engine {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = realClock{}
	}
	return &Engine{
		cfg:     cfg,
		skew:    *cfg.Skew,
		sampler: sampler,
		clock:   clock,
		logger:  noopLogger{},
		objects: make(map[ObjectKey]*polled),
		work:    make(chan *triggerWork),
		quit:    make(chan struct{}),
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// AddSink registers a sink for stored records.
func (e *Engine) AddSink(sink HistorySink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, sink)
	e.mu.Unlock()
}

// Skew returns the timestamp skew in use.
func (e *Engine) Skew() time.Duration { return e.skew }

// RingDepth returns the default ring depth.
func (e *Engine) RingDepth() int { return e.cfg.RingDepth }

// AddPolling starts polling an object. The sampler validates that the
// object exists and is eligible.
func (e *Engine) AddPolling(obj Object) error {
	if err := checkPeriod(obj.Period, "Engine.AddPolling"); err != nil {
		return err
	}
	if err := e.sampler.CheckObject(obj.Device, obj.Kind, obj.Name); err != nil {
		return err
	}

	depth := obj.Depth
	if depth < 1 {
		depth = e.cfg.RingDepth
	}
	key := Key(obj.Device, obj.Kind, obj.Name)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.objects[key]; ok {
		return fault.New(fault.AlreadyPolled,
			fmt.Sprintf("%s %s of device %s is already polled", obj.Kind, obj.Name, obj.Device),
			"Engine.AddPolling")
	}
	e.objects[key] = &polled{
		key:    key,
		device: obj.Device,
		name:   obj.Name,
		period: obj.Period,
		ring:   NewRing(depth),
	}

	e.logger.Info("polling added", "device", obj.Device, "kind", obj.Kind.String(),
		"object", obj.Name, "period_ms", obj.Period.Milliseconds(), "depth", depth)
	return nil
}

// RemovePolling stops polling an object and drops its history.
func (e *Engine) RemovePolling(device string, kind Kind, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.lookupLocked(device, kind, name, "Engine.RemovePolling")
	if err != nil {
		return err
	}
	delete(e.objects, p.key)
	e.logger.Info("polling removed", "device", device, "kind", kind.String(), "object", name)
	return nil
}

// RemoveDevice stops polling every object of device.
func (e *Engine) RemoveDevice(device string) {
	dev := strings.ToLower(device)
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.objects {
		if k.Device == dev {
			delete(e.objects, k)
		}
	}
}

// UpdatePeriod changes the period of a polled object. An object becoming
// periodic is due on the next tick.
func (e *Engine) UpdatePeriod(device string, kind Kind, name string, period time.Duration) error {
	if err := checkPeriod(period, "Engine.UpdatePeriod"); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.lookupLocked(device, kind, name, "Engine.UpdatePeriod")
	if err != nil {
		return err
	}
	if p.period != period {
		p.period = period
		p.next = time.Time{}
	}
	return nil
}

// UpdateDepth resizes the ring of a polled object.
func (e *Engine) UpdateDepth(device string, kind Kind, name string, depth int) error {
	if depth < 1 {
		return fault.New(fault.IncompatibleArg,
			fmt.Sprintf("ring depth %d is below 1", depth), "Engine.UpdateDepth")
	}
	e.mu.Lock()
	p, err := e.lookupLocked(device, kind, name, "Engine.UpdateDepth")
	e.mu.Unlock()
	if err != nil {
		return err
	}
	p.ring.Resize(depth)
	return nil
}

func checkPeriod(period time.Duration, origin string) error {
	if period < 0 || (period > 0 && period < MinPeriod) {
		return fault.New(fault.IncompatibleArg,
			fmt.Sprintf("polling period %v is not 0 and below the minimum %v", period, MinPeriod), origin)
	}
	return nil
}

// lookupLocked resolves a polled object. Caller holds e.mu.
func (e *Engine) lookupLocked(device string, kind Kind, name, origin string) (*polled, error) {
	key := Key(device, kind, name)
	if p, ok := e.objects[key]; ok {
		return p, nil
	}
	for k := range e.objects {
		if k.Device == key.Device {
			return nil, fault.New(fault.ObjectNotPolled,
				fmt.Sprintf("%s %s of device %s is not polled", kind, name, device), origin)
		}
	}
	return nil, fault.New(fault.DeviceNotPolled,
		fmt.Sprintf("device %s has no polled object", device), origin)
}

func (e *Engine) lookup(device string, kind Kind, name, origin string) (*polled, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookupLocked(device, kind, name, origin)
}

// Start enables periodic sampling.
func (e *Engine) Start() {
	if !e.running.Swap(true) {
		e.logger.Info("polling started")
	}
}

// Stop disables periodic sampling. The loop observes it on its next tick.
// Triggers are still served.
func (e *Engine) Stop() {
	if e.running.Swap(false) {
		e.logger.Info("polling stopped")
	}
}

// IsRunning reports whether periodic sampling is enabled.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Close makes Run return.
func (e *Engine) Close() {
	e.quitOnce.Do(func() { close(e.quit) })
}

// Run is the polling loop. It returns when ctx ends or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	if e.looping.Swap(true) {
		return fmt.Errorf("polling: loop already running")
	}
	defer e.looping.Store(false)

	ticker := e.clock.Ticker(e.cfg.Tick)
	defer ticker.Stop()

	e.logger.Debug("polling loop started", "tick", e.cfg.Tick)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.quit:
			return nil
		case w := <-e.work:
			e.serveTrigger(ctx, w)
		case now := <-ticker.Chan():
			if e.running.Load() {
				e.pollDue(ctx, now)
			}
		}
	}
}

// pollDue samples every periodic object whose next due time is not after
// now, in key order.
func (e *Engine) pollDue(ctx context.Context, now time.Time) {
	e.mu.Lock()
	var due []*polled
	for _, p := range e.objects {
		if p.period == 0 || now.Before(p.next) {
			continue
		}
		if p.next.IsZero() || !p.next.Add(p.period).After(now) {
			p.next = now.Add(p.period)
		} else {
			p.next = p.next.Add(p.period)
		}
		due = append(due, p)
	}
	e.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].key.String() < due[j].key.String() })
	for _, p := range due {
		if ctx.Err() != nil {
			return
		}
		e.sample(ctx, p)
	}
}

func (e *Engine) serveTrigger(ctx context.Context, w *triggerWork) {
	defer close(w.done)
	e.mu.Lock()
	p, ok := e.objects[w.key]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.sample(ctx, p)
}

// sample runs one object and stores the outcome.
func (e *Engine) sample(ctx context.Context, p *polled) {
	start := e.clock.Now()

	var (
		v   any
		err error
	)
	switch p.key.Kind {
	case KindCommand:
		v, err = e.sampler.SampleCommand(ctx, p.device, p.name)
	default:
		v, err = e.sampler.SampleAttribute(ctx, p.device, p.name)
	}

	rec := Record{When: start.Add(-e.skew), Value: v, Err: err}
	if err != nil {
		rec.Value = nil
		e.logger.Debug("polled object failed", "object", p.key.String(), "error", err)
	}
	p.ring.Insert(rec)

	e.mu.Lock()
	p.lastSample = start
	p.lastTook = e.clock.Now().Sub(start)
	sinks := e.sinks
	e.mu.Unlock()

	for _, sink := range sinks {
		sink(p.key, rec)
	}
}

// Trigger samples an externally triggered object (period 0) on the loop
// and waits for it. Objects with a non-zero period fail with
// not_supported. When the loop does not acknowledge within the trigger
// timeout the call fails with blocked.
//
// Callers must not hold the monitor of the device: the loop takes it to
// sample.
func (e *Engine) Trigger(ctx context.Context, device string, kind Kind, name string) error {
	p, err := e.lookup(device, kind, name, "Engine.Trigger")
	if err != nil {
		return err
	}
	e.mu.Lock()
	period := p.period
	e.mu.Unlock()
	if period != 0 {
		return fault.New(fault.NotSupported,
			fmt.Sprintf("polling for %s %s of device %s is not externally triggered (period %v)",
				kind, name, device, period),
			"Engine.Trigger")
	}

	e.trigMu.Lock()
	defer e.trigMu.Unlock()

	timer := time.NewTimer(e.cfg.TriggerTimeout)
	defer timer.Stop()

	w := &triggerWork{key: p.key, done: make(chan struct{})}
	select {
	case e.work <- w:
	case <-timer.C:
		return e.blocked(device, name)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-w.done:
		return nil
	case <-timer.C:
		return e.blocked(device, name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) blocked(device, name string) error {
	e.logger.Warn("polling thread blocked", "device", device, "object", name)
	return fault.New(fault.Blocked,
		fmt.Sprintf("Polling thread blocked while triggering %s of device %s", name, device),
		"Engine.Trigger")
}
