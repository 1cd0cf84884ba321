package async

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/devserver/internal/fault"
)

// ReplyModel selects how the reply of a call is retrieved.
type ReplyModel int

// Reply models.
const (
	Polling ReplyModel = iota
	Callback
)

func (m ReplyModel) String() string {
	if m == Callback {
		return "callback"
	}
	return "polling"
}

// CallbackMode is the process-wide delivery mode for callbacks.
type CallbackMode int

// Callback delivery modes.
const (
	Push CallbackMode = iota
	Pull
)

func (m CallbackMode) String() string {
	if m == Pull {
		return "pull"
	}
	return "push"
}

// ParseCallbackMode accepts "push" and "pull", any case.
func ParseCallbackMode(s string) (CallbackMode, error) {
	switch strings.ToLower(s) {
	case "", "push":
		return Push, nil
	case "pull":
		return Pull, nil
	default:
		return Push, fmt.Errorf("async: unknown callback mode %q", s)
	}
}

// Request is the transport handle of one in-flight call.
type Request interface {
	// Done is closed once the reply or a failure has arrived.
	Done() <-chan struct{}
	// Result returns the reply payload. Valid after Done is closed.
	Result() ([]byte, error)
}

// Reply is a delivered outcome.
type Reply struct {
	ID     int64
	Device string
	Data   []byte
	Err    error
}

// CallbackFunc receives a reply.
type CallbackFunc func(Reply)

// Record is one outstanding call.
type Record struct {
	ID       int64
	Device   string
	Model    ReplyModel
	Callback CallbackFunc
	Request  Request
	Issued   time.Time
}

// Logger defines the logging interface used by the Registry.
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

type queued struct {
	cb    CallbackFunc
	reply Reply
}

// Registry tracks the outstanding asynchronous calls of a process.
//
// All public methods are thread-safe.
type Registry struct {
	mu      sync.Mutex
	nextID  int64
	calls   map[int64]*Record
	results map[int64]Reply
	pulled  []queued
	mode    CallbackMode
	logger  Logger
}

// NewRegistry creates an empty registry in Push mode.
func NewRegistry() *Registry {
	return &Registry{
		calls:   make(map[int64]*Record),
		results: make(map[int64]Reply),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Register records a call and returns its id. Ids increase monotonically
// and are never reused.
func (r *Registry) Register(device string, model ReplyModel, req Request) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.calls[id] = &Record{
		ID:      id,
		Device:  device,
		Model:   model,
		Request: req,
		Issued:  time.Now(),
	}
	return id
}

// RegisterCallback records a Callback-model call with its callback set,
// so no drain can observe it without one.
func (r *Registry) RegisterCallback(device string, req Request, cb CallbackFunc) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.calls[id] = &Record{
		ID:       id,
		Device:   device,
		Model:    Callback,
		Callback: cb,
		Request:  req,
		Issued:   time.Now(),
	}
	return id
}

// Get returns a copy of an outstanding record.
func (r *Registry) Get(id int64) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[id]
	if !ok {
		return Record{}, notFound(id, "Registry.Get")
	}
	return *rec, nil
}

// SetCallback attaches cb to an outstanding call and switches it to the
// Callback model.
func (r *Registry) SetCallback(id int64, cb CallbackFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[id]
	if !ok {
		return notFound(id, "Registry.SetCallback")
	}
	rec.Callback = cb
	rec.Model = Callback
	return nil
}

// SetReplyModel changes the reply model of an outstanding call.
func (r *Registry) SetReplyModel(id int64, model ReplyModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.calls[id]
	if !ok {
		return notFound(id, "Registry.SetReplyModel")
	}
	rec.Model = model
	return nil
}

// Remove cancels bookkeeping for a call. The transport request itself is
// not cancelled. A stored, unread result is dropped too.
func (r *Registry) Remove(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, outstanding := r.calls[id]
	_, stored := r.results[id]
	if !outstanding && !stored {
		return notFound(id, "Registry.Remove")
	}
	delete(r.calls, id)
	delete(r.results, id)
	return nil
}

// PendingCount counts outstanding calls with the given reply model. An
// empty device counts every device.
func (r *Registry) PendingCount(device string, model ReplyModel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.calls {
		if rec.Model == model && matches(rec, device) {
			n++
		}
	}
	return n
}

// PulledCount returns the number of callbacks queued for the next drain.
func (r *Registry) PulledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pulled)
}

// SetCallbackMode sets the delivery mode for callbacks.
func (r *Registry) SetCallbackMode(m CallbackMode) {
	r.mu.Lock()
	r.mode = m
	r.mu.Unlock()
}

// CallbackMode returns the delivery mode for callbacks.
func (r *Registry) CallbackMode() CallbackMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Result returns the stored reply of a Polling-model call, exactly once.
// A call whose reply has not been drained yet fails with
// async_reply_not_arrived.
func (r *Registry) Result(id int64) (Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rep, ok := r.results[id]; ok {
		delete(r.results, id)
		return rep, nil
	}
	if _, ok := r.calls[id]; ok {
		return Reply{}, fault.New(fault.ReplyNotArrived,
			fmt.Sprintf("Reply for asynchronous call %d is not yet arrived", id), "Registry.Result")
	}
	return Reply{}, notFound(id, "Registry.Result")
}

// WaitResult drains the one call id for up to timeout and returns its
// reply. The call must use the Polling model.
func (r *Registry) WaitResult(ctx context.Context, id int64, timeout time.Duration) (Reply, error) {
	rec, err := r.Get(id)
	if err != nil {
		return r.Result(id)
	}
	if rec.Model != Polling {
		return Reply{}, fault.New(fault.NotSupported,
			fmt.Sprintf("asynchronous call %d uses the callback model", id), "Registry.WaitResult")
	}
	if err := r.drain(ctx, func(x *Record) bool { return x.ID == id }, timeout); err != nil {
		return Reply{}, err
	}
	return r.Result(id)
}

// DrainReplies delivers arrived replies of outstanding calls, optionally
// scoped to one device (empty means all).
//
// Callbacks queued by an earlier drain in Pull mode are invoked first.
// With a zero timeout only replies that have already arrived are consumed.
// With a positive timeout the drain waits for the matching calls, delivers
// each reply as it arrives, and fails with async_reply_not_arrived if any
// is still outstanding when the timeout expires.
func (r *Registry) DrainReplies(ctx context.Context, device string, timeout time.Duration) error {
	r.flushPulled(device)
	return r.drain(ctx, func(rec *Record) bool { return matches(rec, device) }, timeout)
}

func (r *Registry) drain(ctx context.Context, match func(*Record) bool, timeout time.Duration) error {
	pending := r.snapshot(match)

	var waiting []*Record
	for _, rec := range pending {
		if arrived(rec.Request) {
			r.deliver(rec.ID)
		} else {
			waiting = append(waiting, rec)
		}
	}
	if timeout <= 0 || len(waiting) == 0 {
		return nil
	}

	stop := make(chan struct{})
	defer close(stop)
	arrivals := make(chan int64, len(waiting))
	for _, rec := range waiting {
		go func(rec *Record) {
			select {
			case <-rec.Request.Done():
				arrivals <- rec.ID
			case <-stop:
			}
		}(rec)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	left := len(waiting)
	for left > 0 {
		select {
		case id := <-arrivals:
			r.deliver(id)
			left--
		case <-timer.C:
			return r.stillOutstanding(waiting)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// stillOutstanding reports the calls of waiting that no drain or Remove
// has taken since.
func (r *Registry) stillOutstanding(waiting []*Record) error {
	r.mu.Lock()
	var ids []string
	for _, rec := range waiting {
		if _, ok := r.calls[rec.ID]; ok {
			ids = append(ids, fmt.Sprint(rec.ID))
		}
	}
	r.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	return fault.New(fault.ReplyNotArrived,
		fmt.Sprintf("Still %d asynchronous call(s) without reply (%s)", len(ids), strings.Join(ids, ", ")),
		"Registry.DrainReplies")
}

func (r *Registry) snapshot(match func(*Record) bool) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.calls))
	for _, rec := range r.calls {
		if match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// deliver moves one arrived call out of the registry. A call already taken
// by a concurrent drain or removed is skipped.
func (r *Registry) deliver(id int64) {
	r.mu.Lock()
	rec, ok := r.calls[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.calls, id)

	data, err := rec.Request.Result()
	reply := Reply{ID: id, Device: rec.Device, Data: data, Err: err}

	if rec.Model == Polling || rec.Callback == nil {
		if rec.Model == Callback {
			r.logger.Warn("callback call without callback, reply kept for polling", "id", id)
		}
		r.results[id] = reply
		r.mu.Unlock()
		return
	}

	if r.mode == Pull {
		r.pulled = append(r.pulled, queued{cb: rec.Callback, reply: reply})
		r.mu.Unlock()
		return
	}
	cb := rec.Callback
	r.mu.Unlock()

	cb(reply)
}

func (r *Registry) flushPulled(device string) {
	r.mu.Lock()
	var run, keep []queued
	for _, q := range r.pulled {
		if device == "" || strings.EqualFold(q.reply.Device, device) {
			run = append(run, q)
		} else {
			keep = append(keep, q)
		}
	}
	r.pulled = keep
	r.mu.Unlock()

	for _, q := range run {
		q.cb(q.reply)
	}
}

func matches(rec *Record, device string) bool {
	return device == "" || strings.EqualFold(rec.Device, device)
}

func arrived(req Request) bool {
	select {
	case <-req.Done():
		return true
	default:
		return false
	}
}

func notFound(id int64, origin string) error {
	return fault.New(fault.AsyncIDNotFound,
		fmt.Sprintf("Asynchronous call id %d not found", id), origin)
}
