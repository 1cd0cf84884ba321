package device

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/devserver/internal/attribute"
)

// motorClass is a minimal device type used across the package tests.
type motorClass struct {
	initErr   error
	reads     int
	deletes   int
	always    int
	position  float64
	temp      float64
	writeFail bool
}

func (m *motorClass) Name() string { return "Motor" }

func (m *motorClass) CommandFactory() []*Command {
	return []*Command{
		{
			Name: "On",
			Execute: func(_ context.Context, dev *Device, _ any) (any, error) {
				dev.SetState(On)
				return nil, nil
			},
		},
		{
			Name: "Fault",
			Execute: func(_ context.Context, dev *Device, _ any) (any, error) {
				dev.SetState(Fault)
				return nil, nil
			},
		},
		{
			Name:    "Move",
			In:      "DevDouble",
			Allowed: NotIn(Fault, Moving),
			Execute: func(_ context.Context, dev *Device, arg any) (any, error) {
				v, ok := arg.(float64)
				if !ok {
					return nil, errors.New("Move wants a float64")
				}
				m.position = v
				return v, nil
			},
		},
	}
}

func (m *motorClass) AttributeFactory() []attribute.Definition {
	return []attribute.Definition{
		{Name: "Position", Type: attribute.TypeDouble},
		{Name: "Setpoint", Type: attribute.TypeDouble, WriteMode: attribute.Write},
		{
			Name:         "Target",
			Type:         attribute.TypeDouble,
			WriteMode:    attribute.ReadWithWrite,
			UserDefaults: attribute.Properties{{Name: attribute.PropWritableAttr, Value: "Setpoint"}},
		},
		{
			Name:         "Temperature",
			Type:         attribute.TypeDouble,
			UserDefaults: attribute.Properties{{Name: attribute.PropMaxAlarm, Value: "80"}},
		},
	}
}

func (m *motorClass) DeviceFactory(names []string) ([]Hooks, error) {
	out := make([]Hooks, len(names))
	for i := range names {
		out[i] = Hooks{
			Init: func(_ context.Context, dev *Device) error {
				if m.initErr != nil {
					return m.initErr
				}
				dev.SetState(Standby)
				return nil
			},
			Delete: func(*Device) { m.deletes++ },
			AlwaysExecuted: func(*Device) {
				m.always++
			},
			ReadAttribute: func(_ context.Context, _ *Device, a *attribute.Attribute) error {
				m.reads++
				switch a.Name() {
				case "Position":
					return a.SetValue(m.position, time.Now())
				case "Temperature":
					return a.SetValue(m.temp, time.Now())
				case "Target":
					return a.SetValue(m.position, time.Now())
				}
				return nil
			},
			WriteAttribute: func(context.Context, *Device, *attribute.Attribute) error {
				if m.writeFail {
					return errors.New("hardware refused")
				}
				return nil
			},
		}
	}
	return out, nil
}

func newMotor(names ...string) (*motorClass, *DeviceClass, []*Device, error) {
	impl := &motorClass{}
	dc, err := NewDeviceClass(impl)
	if err != nil {
		return nil, nil, nil, err
	}
	devs, err := dc.CreateDevices(context.Background(), names, nil)
	return impl, dc, devs, err
}
