package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devserver/internal/fault"
)

type fakeRequest struct {
	done chan struct{}
	once sync.Once
	data []byte
	err  error
}

func newRequest() *fakeRequest {
	return &fakeRequest{done: make(chan struct{})}
}

func (f *fakeRequest) Done() <-chan struct{}  { return f.done }
func (f *fakeRequest) Result() ([]byte, error) { return f.data, f.err }

func (f *fakeRequest) reply(data string, err error) {
	f.once.Do(func() {
		f.data = []byte(data)
		f.err = err
		close(f.done)
	})
}

// collector records callback deliveries.
type collector struct {
	mu  sync.Mutex
	ids []int64
}

func (c *collector) cb(r Reply) {
	c.mu.Lock()
	c.ids = append(c.ids, r.ID)
	c.mu.Unlock()
}

func (c *collector) got() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.ids...)
}

func TestRegister_MonotonicIDs(t *testing.T) {
	r := NewRegistry()
	a := r.Register("motor/1", Polling, newRequest())
	b := r.Register("motor/1", Polling, newRequest())
	require.NoError(t, r.Remove(a))
	c := r.Register("motor/1", Polling, newRequest())

	assert.Less(t, a, b)
	assert.Less(t, b, c, "ids are not reused")

	rec, err := r.Get(b)
	require.NoError(t, err)
	assert.Equal(t, "motor/1", rec.Device)
	assert.Equal(t, Polling, rec.Model)

	_, err = r.Get(a)
	assert.Equal(t, fault.AsyncIDNotFound, fault.ReasonOf(err))
	assert.Equal(t, fault.AsyncIDNotFound, fault.ReasonOf(r.Remove(a)))
}

func TestPendingCount(t *testing.T) {
	r := NewRegistry()
	r.Register("motor/1", Polling, newRequest())
	r.Register("motor/1", Callback, newRequest())
	id := r.Register("motor/2", Polling, newRequest())

	assert.Equal(t, 2, r.PendingCount("", Polling))
	assert.Equal(t, 1, r.PendingCount("MOTOR/1", Polling))
	assert.Equal(t, 1, r.PendingCount("", Callback))

	require.NoError(t, r.SetCallback(id, func(Reply) {}))
	assert.Equal(t, 1, r.PendingCount("", Polling))
	assert.Equal(t, 2, r.PendingCount("", Callback))

	require.NoError(t, r.SetReplyModel(id, Polling))
	assert.Equal(t, 2, r.PendingCount("", Polling))
}

func TestDrain_AllDeliveredExactlyOnce(t *testing.T) {
	const n = 8
	r := NewRegistry()
	var c collector

	reqs := make([]*fakeRequest, n)
	for i := range reqs {
		reqs[i] = newRequest()
		id := r.Register("motor/1", Callback, reqs[i])
		require.NoError(t, r.SetCallback(id, c.cb))
	}

	for i, req := range reqs {
		go func(i int, req *fakeRequest) {
			time.Sleep(time.Duration(i) * time.Millisecond)
			req.reply(fmt.Sprint(i), nil)
		}(i, req)
	}

	require.NoError(t, r.DrainReplies(context.Background(), "", time.Second))
	require.NoError(t, r.DrainReplies(context.Background(), "", time.Second))

	got := c.got()
	assert.Len(t, got, n)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, got)
	assert.Zero(t, r.PendingCount("", Callback))
}

func TestDrain_ZeroTimeoutOnlyConsumesArrived(t *testing.T) {
	r := NewRegistry()
	var c collector
	done, late := newRequest(), newRequest()

	a := r.Register("motor/1", Callback, done)
	b := r.Register("motor/1", Callback, late)
	require.NoError(t, r.SetCallback(a, c.cb))
	require.NoError(t, r.SetCallback(b, c.cb))
	done.reply("ok", nil)

	start := time.Now()
	require.NoError(t, r.DrainReplies(context.Background(), "", 0))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, []int64{a}, c.got())
	assert.Equal(t, 1, r.PendingCount("", Callback))
}

func TestDrain_TimeoutReportsMissing(t *testing.T) {
	r := NewRegistry()
	var c collector
	fast, never := newRequest(), newRequest()

	a := r.Register("motor/1", Callback, fast)
	b := r.Register("motor/1", Callback, never)
	require.NoError(t, r.SetCallback(a, c.cb))
	require.NoError(t, r.SetCallback(b, c.cb))

	go func() {
		time.Sleep(5 * time.Millisecond)
		fast.reply("ok", nil)
	}()

	err := r.DrainReplies(context.Background(), "", 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, fault.ReplyNotArrived, fault.ReasonOf(err))
	assert.Equal(t, []int64{a}, c.got(), "arrived replies are still delivered")

	_, err = r.Get(b)
	assert.NoError(t, err, "the missing call stays registered")
}

func TestDrain_DeviceScope(t *testing.T) {
	r := NewRegistry()
	var c collector
	m1, m2 := newRequest(), newRequest()

	a := r.Register("motor/1", Callback, m1)
	b := r.Register("motor/2", Callback, m2)
	require.NoError(t, r.SetCallback(a, c.cb))
	require.NoError(t, r.SetCallback(b, c.cb))
	m1.reply("1", nil)
	m2.reply("2", nil)

	require.NoError(t, r.DrainReplies(context.Background(), "motor/2", 0))
	assert.Equal(t, []int64{b}, c.got())
	assert.Equal(t, 1, r.PendingCount("motor/1", Callback))
}

func TestDrain_PullModeQueuesForNextDrain(t *testing.T) {
	r := NewRegistry()
	r.SetCallbackMode(Pull)
	assert.Equal(t, Pull, r.CallbackMode())

	var c collector
	req := newRequest()
	id := r.Register("motor/1", Callback, req)
	require.NoError(t, r.SetCallback(id, c.cb))
	req.reply("ok", nil)

	require.NoError(t, r.DrainReplies(context.Background(), "", 0))
	assert.Empty(t, c.got(), "pull mode defers the callback")
	assert.Equal(t, 1, r.PulledCount())
	assert.Zero(t, r.PendingCount("", Callback))

	require.NoError(t, r.DrainReplies(context.Background(), "", 0))
	assert.Equal(t, []int64{id}, c.got())
	assert.Zero(t, r.PulledCount())

	require.NoError(t, r.DrainReplies(context.Background(), "", 0))
	assert.Equal(t, []int64{id}, c.got(), "never delivered twice")
}

func TestResult_PollingModel(t *testing.T) {
	r := NewRegistry()
	failing := errors.New("device offline")
	ok, bad := newRequest(), newRequest()
	a := r.Register("motor/1", Polling, ok)
	b := r.Register("motor/1", Polling, bad)

	_, err := r.Result(a)
	assert.Equal(t, fault.ReplyNotArrived, fault.ReasonOf(err))

	ok.reply("42", nil)
	bad.reply("", failing)
	require.NoError(t, r.DrainReplies(context.Background(), "", time.Second))
	assert.Zero(t, r.PendingCount("", Polling))

	rep, err := r.Result(a)
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), rep.Data)

	rep, err = r.Result(b)
	require.NoError(t, err)
	assert.ErrorIs(t, rep.Err, failing)

	_, err = r.Result(a)
	assert.Equal(t, fault.AsyncIDNotFound, fault.ReasonOf(err), "a result is retrieved once")
}

func TestWaitResult(t *testing.T) {
	r := NewRegistry()
	req := newRequest()
	id := r.Register("motor/1", Polling, req)

	go func() {
		time.Sleep(5 * time.Millisecond)
		req.reply("done", nil)
	}()
	rep, err := r.WaitResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), rep.Data)

	cbID := r.Register("motor/1", Callback, newRequest())
	_, err = r.WaitResult(context.Background(), cbID, time.Millisecond)
	assert.Equal(t, fault.NotSupported, fault.ReasonOf(err))

	never := r.Register("motor/1", Polling, newRequest())
	_, err = r.WaitResult(context.Background(), never, 10*time.Millisecond)
	assert.Equal(t, fault.ReplyNotArrived, fault.ReasonOf(err))
}

func TestDrain_ContextCancelled(t *testing.T) {
	r := NewRegistry()
	r.Register("motor/1", Polling, newRequest())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.DrainReplies(ctx, "", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentDrainsNeverDoubleDeliver(t *testing.T) {
	r := NewRegistry()
	var c collector
	for i := 0; i < 50; i++ {
		req := newRequest()
		id := r.Register("motor/1", Callback, req)
		require.NoError(t, r.SetCallback(id, c.cb))
		req.reply("x", nil)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.DrainReplies(context.Background(), "", 10*time.Millisecond))
		}()
	}
	wg.Wait()
	assert.Len(t, c.got(), 50)
}

func TestParseCallbackMode(t *testing.T) {
	m, err := ParseCallbackMode("PULL")
	require.NoError(t, err)
	assert.Equal(t, Pull, m)
	_, err = ParseCallbackMode("poll")
	assert.Error(t, err)
	assert.Equal(t, "callback", Callback.String())
}

func TestRegisterCallback_DeliveredOnDrain(t *testing.T) {
	r := NewRegistry()
	var c collector
	req := newRequest()
	id := r.RegisterCallback("motor/1", req, c.cb)

	rec, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, Callback, rec.Model)

	req.reply("ok", nil)
	require.NoError(t, r.DrainReplies(context.Background(), "", 0))
	assert.Equal(t, []int64{id}, c.got())
	assert.Zero(t, r.PendingCount("", Callback))
}
