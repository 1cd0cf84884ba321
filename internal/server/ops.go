package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/fault"
	"github.com/nerrad567/devserver/internal/polling"
)

// Source selects where an attribute read is served from.
type Source int

// Read sources.
const (
	// SourceDevice reads the device under its monitor.
	SourceDevice Source = iota
	// SourceCache returns the newest polled record.
	SourceCache
	// SourceCacheDevice uses the cache for polled attributes and the
	// device for the rest.
	SourceCacheDevice
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceCacheDevice:
		return "cache_device"
	default:
		return "device"
	}
}

// ParseSource accepts "device" (or empty), "cache" and "cache_device".
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(s) {
	case "", "device", "dev":
		return SourceDevice, nil
	case "cache":
		return SourceCache, nil
	case "cache_device", "cache-device", "cachedevice":
		return SourceCacheDevice, nil
	default:
		return SourceDevice, fault.New(fault.IncompatibleArg,
			fmt.Sprintf("unknown read source %q", s), "server.ParseSource")
	}
}

// DeviceByName returns a device of this server, the admin device
// included. Matching is case-insensitive.
func (r *Runtime) DeviceByName(name string) (*device.Device, error) {
	return r.devices.Device(name)
}

// DeviceList returns the devices matching an exact name or a glob with *.
func (r *Runtime) DeviceList(pattern string) ([]*device.Device, error) {
	return r.devices.List(pattern)
}

// DeviceListByClass returns the devices of one class.
func (r *Runtime) DeviceListByClass(class string) ([]*device.Device, error) {
	return r.devices.ListByClass(class)
}

// monitored runs fn while holding the monitor the serialisation model
// assigns to dev.
func (r *Runtime) monitored(ctx context.Context, dev *device.Device, owner string, fn func() error) error {
	m := r.monitors.For(dev.Name(), dev.Class().Name())
	return m.Do(ctx, owner, fn)
}

// CommandInOut executes a command of a device under its monitor.
func (r *Runtime) CommandInOut(ctx context.Context, name, cmd string, arg any) (any, error) {
	dev, err := r.DeviceByName(name)
	if err != nil {
		return nil, err
	}
	return r.command(ctx, dev, cmd, arg)
}

func (r *Runtime) command(ctx context.Context, dev *device.Device, cmd string, arg any) (any, error) {
	var out any
	err := r.monitored(ctx, dev, "command "+cmd, func() error {
		var err error
		out, err = dev.Class().CommandHandler(ctx, dev, cmd, arg)
		return err
	})
	return out, err
}

// ReadAttributes reads attributes of a device from src.
func (r *Runtime) ReadAttributes(ctx context.Context, name string, names []string, src Source) ([]attribute.Reading, error) {
	dev, err := r.DeviceByName(name)
	if err != nil {
		return nil, err
	}

	switch src {
	case SourceCache:
		out := make([]attribute.Reading, 0, len(names))
		for _, attr := range names {
			rd, err := r.cachedReading(dev.Name(), attr)
			if err != nil {
				return nil, err
			}
			out = append(out, rd)
		}
		return out, nil

	case SourceCacheDevice:
		out := make([]attribute.Reading, len(names))
		var live []string
		var slots []int
		for i, attr := range names {
			if !r.engine.IsPolled(dev.Name(), polling.KindAttribute, attr) {
				live = append(live, attr)
				slots = append(slots, i)
				continue
			}
			rd, err := r.cachedReading(dev.Name(), attr)
			if err != nil {
				return nil, err
			}
			out[i] = rd
		}
		if len(live) > 0 {
			rs, err := r.readDevice(ctx, dev, live)
			if err != nil {
				return nil, err
			}
			for j, rd := range rs {
				out[slots[j]] = rd
			}
		}
		return out, nil

	default:
		return r.readDevice(ctx, dev, names)
	}
}

func (r *Runtime) readDevice(ctx context.Context, dev *device.Device, names []string) ([]attribute.Reading, error) {
	var out []attribute.Reading
	err := r.monitored(ctx, dev, "read_attributes "+strings.Join(names, ","), func() error {
		var err error
		out, err = dev.ReadAttributes(ctx, names)
		return err
	})
	return out, err
}

func (r *Runtime) cachedReading(dev, attr string) (attribute.Reading, error) {
	if !r.engine.IsPolled(dev, polling.KindAttribute, attr) {
		return attribute.Reading{}, fault.New(fault.ObjectNotPolled,
			fmt.Sprintf("attribute %s of device %s is not polled", attr, dev), "Runtime.ReadAttributes")
	}
	rec, err := r.engine.Last(dev, polling.KindAttribute, attr)
	if err != nil {
		return attribute.Reading{}, err
	}
	if rec.Err != nil {
		return attribute.Reading{}, rec.Err
	}
	rd, ok := rec.Value.(attribute.Reading)
	if !ok {
		return attribute.Reading{}, fault.New(fault.Internal,
			fmt.Sprintf("cached value of attribute %s is a %T", attr, rec.Value), "Runtime.ReadAttributes")
	}
	return rd, nil
}

// WriteAttribute converts value to the attribute type and writes it under
// the device monitor.
func (r *Runtime) WriteAttribute(ctx context.Context, name, attr string, value any) error {
	dev, err := r.DeviceByName(name)
	if err != nil {
		return err
	}
	a, err := dev.Attributes().Get(attr)
	if err != nil {
		return err
	}
	if !a.WriteMode().Writable() {
		return fault.New(fault.AttrNotWritable,
			fmt.Sprintf("attribute %s of device %s is not writable", a.Name(), dev.Name()), "Runtime.WriteAttribute")
	}
	v, err := attribute.Convert(a.Type(), a.Format(), value)
	if err != nil {
		return err
	}
	return r.monitored(ctx, dev, "write_attribute "+a.Name(), func() error {
		return dev.WriteAttribute(ctx, a.Name(), v)
	})
}

// CheckObject implements polling.Sampler. Only READ attributes and
// commands without an argument can be polled.
func (r *Runtime) CheckObject(name string, kind polling.Kind, obj string) error {
	dev, err := r.DeviceByName(name)
	if err != nil {
		return err
	}
	switch kind {
	case polling.KindAttribute:
		a, err := dev.Attributes().Get(obj)
		if err != nil {
			return err
		}
		if a.WriteMode() != attribute.Read {
			return fault.New(fault.ObjectNotPolled,
				fmt.Sprintf("Attribute %s of device %s is not READ only", a.Name(), dev.Name()),
				"Runtime.CheckObject")
		}
	default:
		cmd, err := dev.Class().Command(obj)
		if err != nil {
			return err
		}
		if cmd.In != "" {
			return fault.New(fault.IncompatibleArg,
				fmt.Sprintf("command %s takes an argument and cannot be polled", cmd.Name), "Runtime.CheckObject")
		}
	}
	return nil
}

// SampleCommand implements polling.Sampler.
func (r *Runtime) SampleCommand(ctx context.Context, name, cmd string) (any, error) {
	return r.CommandInOut(ctx, name, cmd, nil)
}

// SampleAttribute implements polling.Sampler. The value stored is the
// full attribute.Reading.
func (r *Runtime) SampleAttribute(ctx context.Context, name, attr string) (any, error) {
	dev, err := r.DeviceByName(name)
	if err != nil {
		return nil, err
	}
	rs, err := r.readDevice(ctx, dev, []string{attr})
	if err != nil {
		return nil, err
	}
	return rs[0], nil
}
