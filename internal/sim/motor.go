// Package sim provides simulated device classes compiled into the
// devserver binary. They let a server run end to end without hardware:
// polling, serialisation and transport behave as with a real class.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/fault"
)

// MotorClassName is the class name registered by Motor.
const MotorClassName = "SimMotor"

// Attribute and command names of the simulated motor.
const (
	AttrPosition    = "Position"
	AttrVelocity    = "Velocity"
	AttrSetpoint    = "Setpoint"
	AttrTemperature = "Temperature"

	CmdOn     = "On"
	CmdOff    = "Off"
	CmdMoveTo = "MoveTo"
	CmdStop   = "Stop"
)

const (
	defaultVelocity = 10.0 // units per second
	ambientTemp     = 21.0
	// heatPerUnit is the temperature rise per unit travelled.
	heatPerUnit = 0.05
)

// Motor is a device class of single-axis motors moving at constant
// velocity towards a setpoint.
type Motor struct {
	now  func() time.Time
	axes sync.Map // device name -> *axis
}

// NewMotor returns the class. A nil clock uses time.Now.
func NewMotor(now func() time.Time) *Motor {
	if now == nil {
		now = time.Now
	}
	return &Motor{now: now}
}

func (m *Motor) Name() string { return MotorClassName }

// axis is the per-device simulation state.
type axis struct {
	mu       sync.Mutex
	now      func() time.Time
	from     float64
	target   float64
	velocity float64
	started  time.Time
	moving   bool
	travel   float64
}

// position advances the simulation and reports whether the move ended.
func (a *axis) position() (pos float64, arrived bool) {
	if !a.moving {
		return a.from, false
	}
	dist := a.target - a.from
	done := a.velocity * a.now().Sub(a.started).Seconds()
	if done >= math.Abs(dist) {
		a.travel += math.Abs(dist)
		a.from = a.target
		a.moving = false
		return a.from, true
	}
	return a.from + math.Copysign(done, dist), false
}

// halt freezes the axis at its current position.
func (a *axis) halt() {
	pos, _ := a.position()
	if a.moving {
		a.travel += math.Abs(pos - a.from)
	}
	a.from = pos
	a.moving = false
}

func (a *axis) temperature() float64 {
	pos, _ := a.position()
	moved := a.travel
	if a.moving {
		moved += math.Abs(pos - a.from)
	}
	return ambientTemp + moved*heatPerUnit
}

func (m *Motor) axisOf(dev *device.Device) (*axis, error) {
	v, ok := m.axes.Load(dev.Name())
	if !ok {
		return nil, fault.New(fault.Internal,
			fmt.Sprintf("no simulation state for device %s", dev.Name()), "sim.Motor")
	}
	return v.(*axis), nil
}

func (m *Motor) CommandFactory() []*device.Command {
	return []*device.Command{
		{
			Name:        CmdOn,
			Description: "Power the axis",
			Allowed:     device.NotIn(device.Moving),
			Execute: func(_ context.Context, dev *device.Device, _ any) (any, error) {
				dev.SetState(device.On)
				dev.SetStatus("The motor is powered")
				return nil, nil
			},
		},
		{
			Name:        CmdOff,
			Description: "Remove power, stopping any move",
			Execute: func(_ context.Context, dev *device.Device, _ any) (any, error) {
				a, err := m.axisOf(dev)
				if err != nil {
					return nil, err
				}
				a.mu.Lock()
				a.halt()
				a.mu.Unlock()
				dev.SetState(device.Off)
				dev.SetStatus("The motor is off")
				return nil, nil
			},
		},
		{
			Name:        CmdMoveTo,
			Description: "Start a move to an absolute position",
			In:          "DevDouble",
			Allowed:     device.OnlyIn(device.On),
			Execute: func(ctx context.Context, dev *device.Device, arg any) (any, error) {
				target, err := attribute.Convert(attribute.TypeDouble, attribute.Scalar, arg)
				if err != nil {
					return nil, err
				}
				if err := dev.WriteAttribute(ctx, AttrSetpoint, target); err != nil {
					return nil, err
				}
				return nil, m.startMove(dev, target.(float64))
			},
		},
		{
			Name:        CmdStop,
			Description: "Stop the current move",
			Allowed:     device.OnlyIn(device.Moving),
			Execute: func(_ context.Context, dev *device.Device, _ any) (any, error) {
				a, err := m.axisOf(dev)
				if err != nil {
					return nil, err
				}
				a.mu.Lock()
				a.halt()
				a.mu.Unlock()
				dev.SetState(device.On)
				dev.SetStatus("Move stopped")
				return nil, nil
			},
		},
	}
}

func (m *Motor) startMove(dev *device.Device, target float64) error {
	a, err := m.axisOf(dev)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.halt()
	a.target = target
	a.started = a.now()
	a.moving = a.from != target
	moving := a.moving
	a.mu.Unlock()

	if moving {
		dev.SetState(device.Moving)
		dev.SetStatus(fmt.Sprintf("Moving to %g", target))
	}
	return nil
}

func (m *Motor) AttributeFactory() []attribute.Definition {
	return []attribute.Definition{
		{
			Name: AttrPosition,
			Type: attribute.TypeDouble,
			UserDefaults: attribute.Properties{
				{Name: "unit", Value: "mm"},
			},
		},
		{
			Name:      AttrVelocity,
			Type:      attribute.TypeDouble,
			WriteMode: attribute.ReadWrite,
			UserDefaults: attribute.Properties{
				{Name: attribute.PropMinValue, Value: "0.1"},
				{Name: attribute.PropMaxValue, Value: "100"},
				{Name: "unit", Value: "mm/s"},
			},
		},
		{
			Name:      AttrSetpoint,
			Type:      attribute.TypeDouble,
			WriteMode: attribute.Write,
		},
		{
			Name: AttrTemperature,
			Type: attribute.TypeDouble,
			UserDefaults: attribute.Properties{
				{Name: attribute.PropMaxWarning, Value: "60"},
				{Name: attribute.PropMaxAlarm, Value: "80"},
				{Name: "unit", Value: "degC"},
			},
		},
	}
}

func (m *Motor) DeviceFactory(names []string) ([]device.Hooks, error) {
	out := make([]device.Hooks, len(names))
	for i := range names {
		out[i] = device.Hooks{
			Init: func(_ context.Context, dev *device.Device) error {
				m.axes.Store(dev.Name(), &axis{now: m.now, velocity: defaultVelocity})
				dev.SetState(device.Off)
				dev.SetStatus("The motor is off")
				return nil
			},
			Delete: func(dev *device.Device) {
				m.axes.Delete(dev.Name())
			},
			AlwaysExecuted: func(dev *device.Device) {
				m.settle(dev)
			},
			ReadAttribute: m.read,
			WriteAttribute: func(_ context.Context, dev *device.Device, attr *attribute.Attribute) error {
				if attr.Name() != AttrVelocity {
					return nil
				}
				a, err := m.axisOf(dev)
				if err != nil {
					return err
				}
				v, ok := attr.WriteValue().(float64)
				if !ok {
					return fault.New(fault.IncompatibleArg, "velocity must be a double", "sim.Motor")
				}
				a.mu.Lock()
				a.halt()
				a.velocity = v
				a.mu.Unlock()
				return nil
			},
		}
	}
	return out, nil
}

// settle moves a device whose axis arrived back to On.
func (m *Motor) settle(dev *device.Device) {
	a, err := m.axisOf(dev)
	if err != nil {
		return
	}
	a.mu.Lock()
	_, arrived := a.position()
	a.mu.Unlock()
	if arrived && dev.State() == device.Moving {
		dev.SetState(device.On)
		dev.SetStatus("The motor is powered")
	}
}

func (m *Motor) read(_ context.Context, dev *device.Device, attr *attribute.Attribute) error {
	a, err := m.axisOf(dev)
	if err != nil {
		return err
	}
	a.mu.Lock()
	pos, _ := a.position()
	vel := a.velocity
	temp := a.temperature()
	a.mu.Unlock()
	m.settle(dev)

	now := m.now()
	switch attr.Name() {
	case AttrPosition:
		return attr.SetValue(pos, now)
	case AttrVelocity:
		return attr.SetValue(vel, now)
	case AttrTemperature:
		return attr.SetValue(temp, now)
	}
	return nil
}
