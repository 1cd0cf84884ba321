package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/fault"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type motorEnv struct {
	clock *fakeClock
	class *device.DeviceClass
	dev   *device.Device
}

func newMotorEnv(t *testing.T) *motorEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	class, err := device.NewDeviceClass(NewMotor(clock.Now))
	require.NoError(t, err)
	devs, err := class.CreateDevices(context.Background(), []string{"sim/motor/1"}, nil)
	require.NoError(t, err)
	return &motorEnv{clock: clock, class: class, dev: devs[0]}
}

func (e *motorEnv) command(t *testing.T, name string, arg any) error {
	t.Helper()
	_, err := e.class.CommandHandler(context.Background(), e.dev, name, arg)
	return err
}

func (e *motorEnv) read(t *testing.T, name string) attribute.Reading {
	t.Helper()
	r, err := e.dev.ReadAttribute(context.Background(), name)
	require.NoError(t, err)
	return r
}

func TestMotor_Init(t *testing.T) {
	e := newMotorEnv(t)

	assert.Equal(t, device.Off, e.dev.State())
	assert.Equal(t, "The motor is off", e.dev.Status())
	assert.Equal(t, 0.0, e.read(t, AttrPosition).Value)
	assert.Equal(t, defaultVelocity, e.read(t, AttrVelocity).Value)
	assert.Equal(t, ambientTemp, e.read(t, AttrTemperature).Value)
	assert.Equal(t, attribute.Valid, e.read(t, AttrTemperature).Quality)
}

func TestMotor_MoveToRecordsSetpoint(t *testing.T) {
	e := newMotorEnv(t)
	require.NoError(t, e.command(t, CmdOn, nil))
	require.NoError(t, e.command(t, CmdMoveTo, 42.0))

	sp, err := e.dev.Attributes().Get(AttrSetpoint)
	require.NoError(t, err)
	assert.Equal(t, 42.0, sp.WriteValue())
}

func TestMotor_MoveLifecycle(t *testing.T) {
	e := newMotorEnv(t)

	err := e.command(t, CmdMoveTo, 20.0)
	assert.ErrorIs(t, err, fault.CommandNotAllowed, "motor is off")

	require.NoError(t, e.command(t, CmdOn, nil))
	assert.Equal(t, device.On, e.dev.State())

	require.NoError(t, e.command(t, CmdMoveTo, 20.0))
	assert.Equal(t, device.Moving, e.dev.State())
	assert.Equal(t, "Moving to 20", e.dev.Status())

	e.clock.Advance(time.Second)
	assert.InDelta(t, 10.0, e.read(t, AttrPosition).Value, 1e-9)
	assert.Equal(t, device.Moving, e.dev.State())

	assert.ErrorIs(t, e.command(t, CmdOn, nil), fault.CommandNotAllowed)

	e.clock.Advance(2 * time.Second)
	assert.InDelta(t, 20.0, e.read(t, AttrPosition).Value, 1e-9)
	assert.Equal(t, device.On, e.dev.State(), "arrival settles the state")

	assert.ErrorIs(t, e.command(t, CmdStop, nil), fault.CommandNotAllowed)
}

func TestMotor_Stop(t *testing.T) {
	e := newMotorEnv(t)
	require.NoError(t, e.command(t, CmdOn, nil))
	require.NoError(t, e.command(t, CmdMoveTo, -50.0))

	e.clock.Advance(1500 * time.Millisecond)
	require.NoError(t, e.command(t, CmdStop, nil))
	assert.Equal(t, device.On, e.dev.State())
	assert.Equal(t, "Move stopped", e.dev.Status())

	e.clock.Advance(10 * time.Second)
	assert.InDelta(t, -15.0, e.read(t, AttrPosition).Value, 1e-9)
}

func TestMotor_ArrivalSettlesBeforeCommand(t *testing.T) {
	e := newMotorEnv(t)
	require.NoError(t, e.command(t, CmdOn, nil))
	require.NoError(t, e.command(t, CmdMoveTo, 5.0))

	// No read in between: the always-executed hook notices the arrival.
	e.clock.Advance(time.Minute)
	assert.ErrorIs(t, e.command(t, CmdStop, nil), fault.CommandNotAllowed)
	assert.Equal(t, device.On, e.dev.State())
}

func TestMotor_Off(t *testing.T) {
	e := newMotorEnv(t)
	require.NoError(t, e.command(t, CmdOn, nil))
	require.NoError(t, e.command(t, CmdMoveTo, 100.0))

	e.clock.Advance(2 * time.Second)
	require.NoError(t, e.command(t, CmdOff, nil))
	assert.Equal(t, device.Off, e.dev.State())

	e.clock.Advance(time.Second)
	assert.InDelta(t, 20.0, e.read(t, AttrPosition).Value, 1e-9)
}

func TestMotor_Velocity(t *testing.T) {
	e := newMotorEnv(t)
	ctx := context.Background()

	err := e.dev.WriteAttribute(ctx, AttrVelocity, 500.0)
	assert.ErrorIs(t, err, fault.AttrOutsideLimit)
	assert.Equal(t, defaultVelocity, e.read(t, AttrVelocity).Value)

	require.NoError(t, e.dev.WriteAttribute(ctx, AttrVelocity, 40.0))
	assert.Equal(t, 40.0, e.read(t, AttrVelocity).Value)

	require.NoError(t, e.command(t, CmdOn, nil))
	require.NoError(t, e.command(t, CmdMoveTo, 100.0))
	e.clock.Advance(time.Second)
	assert.InDelta(t, 40.0, e.read(t, AttrPosition).Value, 1e-9)
}

func TestMotor_TemperatureAlarm(t *testing.T) {
	e := newMotorEnv(t)
	require.NoError(t, e.dev.WriteAttribute(context.Background(), AttrVelocity, 100.0))
	require.NoError(t, e.command(t, CmdOn, nil))

	require.NoError(t, e.command(t, CmdMoveTo, 1000.0))
	e.clock.Advance(10 * time.Second)
	temp := e.read(t, AttrTemperature)
	assert.InDelta(t, 71.0, temp.Value, 1e-9)
	assert.Equal(t, attribute.Warning, temp.Quality)

	require.NoError(t, e.command(t, CmdMoveTo, 0.0))
	e.clock.Advance(10 * time.Second)
	temp = e.read(t, AttrTemperature)
	assert.InDelta(t, 121.0, temp.Value, 1e-9)
	assert.Equal(t, attribute.Alarm, temp.Quality)
}

func TestMotor_MoveToRejectsBadArgument(t *testing.T) {
	e := newMotorEnv(t)
	require.NoError(t, e.command(t, CmdOn, nil))

	err := e.command(t, CmdMoveTo, "far")
	assert.ErrorIs(t, err, fault.IncompatibleArg)
	assert.Equal(t, device.On, e.dev.State())
}

func TestMotor_DevicesAreIndependent(t *testing.T) {
	e := newMotorEnv(t)
	more, err := e.class.CreateDevices(context.Background(), []string{"sim/motor/2"}, nil)
	require.NoError(t, err)
	other := more[0]

	require.NoError(t, e.command(t, CmdOn, nil))
	require.NoError(t, e.command(t, CmdMoveTo, 10.0))
	e.clock.Advance(time.Hour)

	r, err := other.ReadAttribute(context.Background(), AttrPosition)
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Value)
	assert.Equal(t, device.Off, other.State())

	require.NoError(t, e.class.RemoveDevice("sim/motor/2"))
	_, err = other.ReadAttribute(context.Background(), AttrPosition)
	assert.ErrorIs(t, err, fault.Internal)
}
