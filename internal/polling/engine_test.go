package polling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devserver/internal/fault"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// startEngine runs the loop until the test ends.
func startEngine(t *testing.T, cfg Config, s Sampler) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock(t0)
	e := New(cfg, s, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e, clock
}

func TestEngine_MotorPositionHistory(t *testing.T) {
	s := newFakeSampler("attribute/position")
	e, clock := startEngine(t, Config{RingDepth: 10, Tick: time.Second}, s)

	require.NoError(t, e.AddPolling(Object{
		Device: "motor/1", Kind: KindAttribute, Name: "position", Period: time.Second,
	}))
	e.Start()

	for i := 0; i < 12; i++ {
		clock.Tick(time.Second)
	}

	require.Eventually(t, func() bool {
		last, err := e.Last("motor/1", KindAttribute, "position")
		return err == nil && last.Value == 12.0
	}, time.Second, time.Millisecond)

	recs, err := e.History("motor/1", KindAttribute, "position", 0)
	require.NoError(t, err)
	require.Len(t, recs, 10)
	for i, r := range recs {
		assert.Equal(t, float64(i+3), r.Value)
		assert.NoError(t, r.Err)
		if i > 0 {
			assert.True(t, recs[i-1].When.Before(r.When), "timestamps increase")
		}
	}
	assert.Equal(t, t0.Add(3*time.Second).Add(-DefaultTimestampSkew), recs[0].When)
}

func TestEngine_AddPollingValidation(t *testing.T) {
	s := newFakeSampler("attribute/position", "command/status")
	s.known["attribute/setpoint"] = "WRITE"
	s.known["attribute/velocity"] = "READ_WRITE"
	e := New(Config{}, s, newFakeClock(t0))

	tests := []struct {
		name string
		obj  Object
		want fault.Reason
	}{
		{"unknown attribute", Object{Device: "motor/1", Kind: KindAttribute, Name: "speed", Period: time.Second}, fault.AttrNotFound},
		{"unknown command", Object{Device: "motor/1", Kind: KindCommand, Name: "Jump", Period: time.Second}, fault.CommandNotFound},
		{"write only attribute", Object{Device: "motor/1", Kind: KindAttribute, Name: "setpoint", Period: time.Second}, fault.ObjectNotPolled},
		{"read write attribute", Object{Device: "motor/1", Kind: KindAttribute, Name: "velocity", Period: time.Second}, fault.ObjectNotPolled},
		{"period below minimum", Object{Device: "motor/1", Kind: KindAttribute, Name: "position", Period: 5 * time.Millisecond}, fault.IncompatibleArg},
		{"negative period", Object{Device: "motor/1", Kind: KindAttribute, Name: "position", Period: -time.Second}, fault.IncompatibleArg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.AddPolling(tt.obj)
			require.Error(t, err)
			assert.Equal(t, tt.want, fault.ReasonOf(err))
		})
	}

	obj := Object{Device: "motor/1", Kind: KindCommand, Name: "Status", Period: time.Second}
	require.NoError(t, e.AddPolling(obj))
	obj.Name = "STATUS"
	assert.True(t, fault.Has(e.AddPolling(obj), fault.AlreadyPolled))
}

func TestEngine_RemovePolling(t *testing.T) {
	s := newFakeSampler("attribute/position", "attribute/velocity")
	e := New(Config{}, s, newFakeClock(t0))
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position"}))

	err := e.RemovePolling("motor/2", KindAttribute, "position")
	assert.Equal(t, fault.DeviceNotPolled, fault.ReasonOf(err))

	err = e.RemovePolling("motor/1", KindAttribute, "velocity")
	assert.Equal(t, fault.ObjectNotPolled, fault.ReasonOf(err))

	require.NoError(t, e.RemovePolling("Motor/1", KindAttribute, "Position"))
	assert.False(t, e.IsPolled("motor/1", KindAttribute, "position"))
	assert.Empty(t, e.Devices())
}

func TestEngine_StopObservedWithinOneTick(t *testing.T) {
	s := newFakeSampler("attribute/position")
	e, clock := startEngine(t, Config{}, s)
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position", Period: time.Second}))

	e.Start()
	assert.True(t, e.IsRunning())
	clock.Tick(time.Second)

	e.Stop()
	assert.False(t, e.IsRunning())
	clock.Tick(time.Second)
	clock.Tick(time.Second)

	recs, err := e.History("motor/1", KindAttribute, "position", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestEngine_PeriodSchedule(t *testing.T) {
	s := newFakeSampler("attribute/position", "attribute/temperature")
	e, clock := startEngine(t, Config{}, s)
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position", Period: time.Second}))
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "temperature", Period: 3 * time.Second}))
	e.Start()

	for i := 0; i < 6; i++ {
		clock.Tick(time.Second)
	}
	clock.Tick(time.Millisecond) // flush: the loop finished the sixth tick

	pos, err := e.History("motor/1", KindAttribute, "position", 0)
	require.NoError(t, err)
	temp, err := e.History("motor/1", KindAttribute, "temperature", 0)
	require.NoError(t, err)
	assert.Len(t, pos, 6)
	assert.Len(t, temp, 2)
}

func TestEngine_Trigger(t *testing.T) {
	s := newFakeSampler("attribute/position", "command/status")
	e, _ := startEngine(t, Config{}, s)
	ctx := context.Background()

	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position"}))
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindCommand, Name: "status", Period: time.Second}))

	require.NoError(t, e.Trigger(ctx, "motor/1", KindAttribute, "position"))
	last, err := e.Last("motor/1", KindAttribute, "position")
	require.NoError(t, err)
	assert.Equal(t, 1.0, last.Value)

	err = e.Trigger(ctx, "motor/1", KindCommand, "status")
	assert.Equal(t, fault.NotSupported, fault.ReasonOf(err))

	err = e.Trigger(ctx, "motor/1", KindAttribute, "velocity")
	assert.Equal(t, fault.ObjectNotPolled, fault.ReasonOf(err))
}

func TestEngine_TriggerConcurrent(t *testing.T) {
	s := newFakeSampler("attribute/position")
	e, _ := startEngine(t, Config{}, s)
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position"}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Trigger(context.Background(), "motor/1", KindAttribute, "position"))
		}()
	}
	wg.Wait()

	recs, err := e.History("motor/1", KindAttribute, "position", 0)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0, 4.0, 5.0}, values(recs))
}

func TestEngine_TriggerBlocked(t *testing.T) {
	s := newFakeSampler("attribute/position")
	s.block = make(chan struct{})
	e, _ := startEngine(t, Config{TriggerTimeout: 30 * time.Millisecond}, s)
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position"}))

	start := time.Now()
	err := e.Trigger(context.Background(), "motor/1", KindAttribute, "position")
	require.Error(t, err)
	assert.Equal(t, fault.Blocked, fault.ReasonOf(err))
	assert.Less(t, time.Since(start), time.Second)
	close(s.block)
}

func TestEngine_TriggerWithoutLoop(t *testing.T) {
	s := newFakeSampler("attribute/position")
	e := New(Config{TriggerTimeout: 20 * time.Millisecond}, s, newFakeClock(t0))
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position"}))

	err := e.Trigger(context.Background(), "motor/1", KindAttribute, "position")
	assert.Equal(t, fault.Blocked, fault.ReasonOf(err))
}

func TestEngine_FillHistory(t *testing.T) {
	s := newFakeSampler("attribute/position")
	s.known["attribute/setpoint"] = "WRITE"
	s.known["attribute/velocity"] = "READ_WRITE"
	e := New(Config{RingDepth: 3, Skew: noSkew()}, s, newFakeClock(t0))
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position"}))

	err := e.FillHistory("motor/1", "position", []Record{{When: at(1)}, {When: at(2)}, {When: at(3)}, {When: at(4)}})
	assert.Equal(t, fault.IncompatibleArg, fault.ReasonOf(err))

	err = e.FillHistory("motor/1", "setpoint", []Record{{When: at(1)}})
	assert.Equal(t, fault.AttrNotAllowed, fault.ReasonOf(err))
	err = e.FillHistory("motor/1", "velocity", []Record{{When: at(1)}})
	assert.Equal(t, fault.AttrNotAllowed, fault.ReasonOf(err))
	assert.True(t, fault.Has(err, fault.ObjectNotPolled))

	require.NoError(t, e.FillHistory("motor/1", "position", []Record{
		{When: at(3), Value: 3.0},
		{When: at(1), Value: 1.0},
		{When: at(2), Value: 99.0, Err: errHardware},
	}))

	recs, err := e.History("motor/1", KindAttribute, "position", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []any{1.0, nil, 3.0}, values(recs))
	assert.ErrorIs(t, recs[1].Err, errHardware)
	assert.Equal(t, at(1), recs[0].When)
}

func TestEngine_FillHistoryAfterLiveSample(t *testing.T) {
	s := newFakeSampler("attribute/position")
	e, _ := startEngine(t, Config{RingDepth: 3, Skew: noSkew()}, s)
	ctx := context.Background()
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position"}))
	require.NoError(t, e.Trigger(ctx, "motor/1", KindAttribute, "position"))

	require.NoError(t, e.FillHistory("motor/1", "position", []Record{
		{When: t0.Add(-time.Second), Value: 20.0},
		{When: t0.Add(-2 * time.Second), Value: 10.0},
	}))
	recs, err := e.History("motor/1", KindAttribute, "position", 0)
	require.NoError(t, err)
	assert.Equal(t, []any{10.0, 20.0, 1.0}, values(recs))

	last, err := e.Last("motor/1", KindAttribute, "position")
	require.NoError(t, err)
	assert.Equal(t, 1.0, last.Value, "backfilled records stay behind the live sample")

	require.NoError(t, e.FillHistory("motor/1", "position", []Record{{When: t0.Add(-5 * time.Second), Value: 5.0}}))
	recs, err = e.History("motor/1", KindAttribute, "position", 0)
	require.NoError(t, err)
	assert.Equal(t, []any{10.0, 20.0, 1.0}, values(recs), "a record older than a full ring is dropped")

	require.NoError(t, e.FillHistory("motor/1", "position", []Record{{When: t0.Add(time.Second), Value: 30.0}}))
	recs, err = e.History("motor/1", KindAttribute, "position", 0)
	require.NoError(t, err)
	assert.Equal(t, []any{20.0, 1.0, 30.0}, values(recs))
	for i := 1; i < len(recs); i++ {
		assert.True(t, recs[i-1].When.Before(recs[i].When), "timestamps increase")
	}
}

func TestEngine_FillHistoryAppliesSkew(t *testing.T) {
	s := newFakeSampler("attribute/position")
	e := New(Config{}, s, newFakeClock(t0))
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position"}))
	require.NoError(t, e.FillHistory("motor/1", "position", []Record{{When: t0, Value: 1.0}}))

	last, err := e.Last("motor/1", KindAttribute, "position")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-DefaultTimestampSkew), last.When)
}

func TestEngine_NoHistory(t *testing.T) {
	s := newFakeSampler("attribute/position")
	e := New(Config{}, s, newFakeClock(t0))
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position"}))

	_, err := e.History("motor/1", KindAttribute, "position", 0)
	assert.Equal(t, fault.NoHistory, fault.ReasonOf(err))
}

func TestEngine_ErrorsStoredAndSinks(t *testing.T) {
	s := newFakeSampler("attribute/position")
	s.fail("Motor/1/attribute/Position", errHardware)
	e, _ := startEngine(t, Config{}, s)

	var mu sync.Mutex
	var seen []ObjectKey
	e.AddSink(func(key ObjectKey, rec Record) {
		mu.Lock()
		seen = append(seen, key)
		mu.Unlock()
	})
	require.NoError(t, e.AddPolling(Object{Device: "Motor/1", Kind: KindAttribute, Name: "Position"}))
	require.NoError(t, e.Trigger(context.Background(), "motor/1", KindAttribute, "position"))

	last, err := e.Last("motor/1", KindAttribute, "position")
	require.NoError(t, err)
	assert.ErrorIs(t, last.Err, errHardware)
	assert.Nil(t, last.Value)

	mu.Lock()
	assert.Equal(t, []ObjectKey{{Device: "motor/1", Kind: KindAttribute, Name: "position"}}, seen)
	mu.Unlock()

	status, err := e.Status("motor/1")
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Contains(t, status[0], "Polled attribute name = Position")
	assert.Contains(t, status[0], "Polling externally triggered")
	assert.Contains(t, status[0], "Last attribute FAILED")
}

func TestEngine_StatusAndObjects(t *testing.T) {
	s := newFakeSampler("attribute/position", "command/status")
	e := New(Config{}, s, newFakeClock(t0))
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position", Period: time.Second}))
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindCommand, Name: "status", Period: 2 * time.Second, Depth: 4}))
	require.NoError(t, e.AddPolling(Object{Device: "motor/2", Kind: KindAttribute, Name: "position", Period: time.Second}))

	objs := e.Objects("MOTOR/1")
	require.Len(t, objs, 2)
	assert.Equal(t, "attribute", objs[0].Kind)
	assert.Equal(t, 4, objs[1].Depth)
	assert.Equal(t, int64(2000), objs[1].PeriodMS)

	assert.Len(t, e.Objects(""), 3)
	assert.Equal(t, []string{"motor/1", "motor/2"}, e.Devices())

	status, err := e.Status("motor/1")
	require.NoError(t, err)
	assert.Contains(t, status[0], "Polling period (mS) = 1000")
	assert.Contains(t, status[0], "Polling ring buffer depth = 10")
	assert.Contains(t, status[0], "No data recorded yet")

	_, err = e.Status("motor/9")
	assert.Equal(t, fault.DeviceNotPolled, fault.ReasonOf(err))

	e.RemoveDevice("motor/1")
	assert.Equal(t, []string{"motor/2"}, e.Devices())
}

func TestEngine_UpdatePeriodAndDepth(t *testing.T) {
	s := newFakeSampler("attribute/position")
	e, clock := startEngine(t, Config{}, s)
	require.NoError(t, e.AddPolling(Object{Device: "motor/1", Kind: KindAttribute, Name: "position"}))
	e.Start()

	clock.Tick(time.Second)
	assert.False(t, e.IsPolled("motor/1", KindAttribute, "velocity"))

	require.NoError(t, e.UpdatePeriod("motor/1", KindAttribute, "position", time.Second))
	clock.Tick(time.Second)
	clock.Tick(time.Millisecond)

	recs, err := e.History("motor/1", KindAttribute, "position", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "period 0 objects are skipped until made periodic")

	require.NoError(t, e.UpdateDepth("motor/1", KindAttribute, "position", 2))
	assert.Equal(t, 2, e.Objects("motor/1")[0].Depth)
	assert.Error(t, e.UpdateDepth("motor/1", KindAttribute, "position", 0))
	assert.Error(t, e.UpdatePeriod("motor/1", KindAttribute, "position", time.Millisecond))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("ATTR")
	require.NoError(t, err)
	assert.Equal(t, KindAttribute, k)
	k, err = ParseKind("command")
	require.NoError(t, err)
	assert.Equal(t, KindCommand, k)
	_, err = ParseKind("pipe")
	assert.Error(t, err)
}
