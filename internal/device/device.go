package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/fault"
)

// Device is one hosted device: identity, owning class, state and status,
// attributes and export information.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Command and attribute
//     execution ordering is the job of the monitor package, not Device.
type Device struct {
	name  string
	class *DeviceClass
	hooks Hooks
	attrs *attribute.MultiAttribute

	mu       sync.RWMutex
	state    State
	status   string
	exported bool
	objectID string
	endpoint string
}

func newDevice(name string, class *DeviceClass, hooks Hooks, attrs *attribute.MultiAttribute) *Device {
	return &Device{
		name:   name,
		class:  class,
		hooks:  hooks,
		attrs:  attrs,
		state:  Unknown,
		status: "The device is in UNKNOWN state.",
	}
}

// Name returns the device name as declared.
func (d *Device) Name() string { return d.name }

// Class returns the owning class.
func (d *Device) Class() *DeviceClass { return d.class }

// Attributes returns the device attribute collection.
func (d *Device) Attributes() *attribute.MultiAttribute { return d.attrs }

// State returns the stored state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetState stores a new state and the matching default status.
func (d *Device) SetState(s State) {
	d.mu.Lock()
	d.state = s
	d.status = fmt.Sprintf("The device is in %s state.", s)
	d.mu.Unlock()
}

// Status returns the stored status string.
func (d *Device) Status() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// SetStatus overrides the status string.
func (d *Device) SetStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// EvaluateState returns the state reported to clients. Unless the device
// is in FAULT or UNKNOWN, alarm-enabled attributes are refreshed and
// checked; any attribute in alarm or warning reports ALARM. The stored
// state is left untouched.
func (d *Device) EvaluateState(ctx context.Context) State {
	s := d.State()
	if s == Fault || s == Unknown || len(d.attrs.AlarmList()) == 0 {
		return s
	}

	for _, i := range d.attrs.AlarmList() {
		a, err := d.attrs.At(i)
		if err != nil {
			continue
		}
		if err := d.readHook(ctx, a); err != nil {
			return s
		}
	}

	inAlarm, err := d.attrs.CheckAlarm()
	if err == nil && inAlarm {
		return Alarm
	}
	return s
}

// EvaluateStatus returns the status reported to clients, with one line per
// attribute in alarm appended when the evaluated state is ALARM.
func (d *Device) EvaluateStatus(ctx context.Context) string {
	status := d.Status()
	if d.EvaluateState(ctx) != Alarm {
		return status
	}
	var b strings.Builder
	b.WriteString(status)
	d.attrs.ReadAlarm(&b)
	return b.String()
}

// ReadAttributes refreshes and snapshots the named attributes. Each
// attribute goes through the read hook, READ_WITH_WRITE attributes get the
// echoed write value, and alarm-enabled attributes have their quality
// re-evaluated.
func (d *Device) ReadAttributes(ctx context.Context, names []string) ([]attribute.Reading, error) {
	out := make([]attribute.Reading, 0, len(names))
	for _, name := range names {
		a, err := d.attrs.Get(name)
		if err != nil {
			return nil, err
		}
		if err := d.readHook(ctx, a); err != nil {
			return nil, fault.Wrap(err, fault.Internal,
				fmt.Sprintf("reading attribute %s of device %s failed", a.Name(), d.name), "Device.ReadAttributes")
		}
		if a.WriteMode() == attribute.ReadWithWrite {
			if err := d.attrs.AddWriteValue(a); err != nil {
				return nil, err
			}
		}
		if a.AlarmEnabled() {
			if _, err := a.CheckAlarm(); err != nil && !errors.Is(err, fault.AttrNoAlarm) {
				return nil, err
			}
		}
		out = append(out, a.Reading())
	}
	return out, nil
}

// ReadAttribute is ReadAttributes for a single name.
func (d *Device) ReadAttribute(ctx context.Context, name string) (attribute.Reading, error) {
	rs, err := d.ReadAttributes(ctx, []string{name})
	if err != nil {
		return attribute.Reading{}, err
	}
	return rs[0], nil
}

// WriteAttribute records a client write and passes it to the write hook.
// A hook failure restores the previous write value.
func (d *Device) WriteAttribute(ctx context.Context, name string, value any) error {
	a, err := d.attrs.Get(name)
	if err != nil {
		return err
	}
	prev := a.WriteValue()
	if err := a.SetWriteValue(value); err != nil {
		return err
	}
	if d.hooks.WriteAttribute == nil {
		return nil
	}
	if err := d.hooks.WriteAttribute(ctx, d, a); err != nil {
		if prev != nil {
			_ = a.SetWriteValue(prev)
		}
		return fault.Wrap(err, fault.Internal,
			fmt.Sprintf("writing attribute %s of device %s failed", a.Name(), d.name), "Device.WriteAttribute")
	}
	return nil
}

func (d *Device) readHook(ctx context.Context, a *attribute.Attribute) error {
	if d.hooks.ReadAttribute == nil {
		return nil
	}
	return d.hooks.ReadAttribute(ctx, d, a)
}

func (d *Device) runInit(ctx context.Context) error {
	if d.hooks.Init == nil {
		d.SetState(On)
		return nil
	}
	return d.hooks.Init(ctx, d)
}

func (d *Device) reinit(ctx context.Context) error {
	if d.hooks.Delete != nil {
		d.hooks.Delete(d)
	}
	if err := d.runInit(ctx); err != nil {
		d.SetState(Fault)
		d.SetStatus(fmt.Sprintf("Init failed: %v", err))
		return fault.Wrap(err, fault.Internal,
			fmt.Sprintf("re-init of device %s failed", d.name), "Device.Init")
	}
	return nil
}

// Exported reports whether the device is reachable by clients.
func (d *Device) Exported() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.exported
}

// ObjectID returns the stable object id set at export.
func (d *Device) ObjectID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.objectID
}

// Endpoint returns the connection string set at export.
func (d *Device) Endpoint() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.endpoint
}

// MarkExported records the export result.
func (d *Device) MarkExported(objectID, endpoint string) {
	d.mu.Lock()
	d.exported = true
	d.objectID = objectID
	d.endpoint = endpoint
	d.mu.Unlock()
}

// MarkUnexported clears the exported flag. The object id is kept.
func (d *Device) MarkUnexported() {
	d.mu.Lock()
	d.exported = false
	d.mu.Unlock()
}

// Info is a serialisable summary of a device.
type Info struct {
	Name     string `json:"name" cbor:"1,keyasint"`
	Class    string `json:"class" cbor:"2,keyasint"`
	State    string `json:"state" cbor:"3,keyasint"`
	Exported bool   `json:"exported" cbor:"4,keyasint"`
	Endpoint string `json:"endpoint,omitempty" cbor:"5,keyasint,omitempty"`
}

// Info snapshots the device.
func (d *Device) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Info{
		Name:     d.name,
		Class:    d.class.Name(),
		State:    d.state.String(),
		Exported: d.exported,
		Endpoint: d.endpoint,
	}
}
