package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/fault"
	"github.com/nerrad567/devserver/internal/infrastructure/logging"
	"github.com/nerrad567/devserver/internal/polling"
	"github.com/nerrad567/devserver/internal/registry"
	"github.com/nerrad567/devserver/internal/transport"
)

// Admin device commands.
const (
	CmdAddObjPolling         = "AddObjPolling"
	CmdRemObjPolling         = "RemObjPolling"
	CmdUpdObjPollingPeriod   = "UpdObjPollingPeriod"
	CmdStartPolling          = "StartPolling"
	CmdStopPolling           = "StopPolling"
	CmdPollingStatus         = "PollingStatus"
	CmdDevPollStatus         = "DevPollStatus"
	CmdPolledDevice          = "PolledDevice"
	CmdTriggerPolling        = "TriggerPolling"
	CmdFillAttrPollingBuffer = "FillAttrPollingBuffer"
	CmdQueryDevice           = "QueryDevice"
	CmdQueryClass            = "QueryClass"
	CmdPing                  = "Ping"
	CmdDevRestart            = "DevRestart"
	CmdGetTraceLevel         = "GetTraceLevel"
	CmdSetTraceLevel         = "SetTraceLevel"
)

// PollArg names a polled object. PeriodMS and Depth are used by the
// commands that need them.
type PollArg struct {
	Device   string `json:"device" cbor:"device"`
	Kind     string `json:"kind" cbor:"kind"`
	Name     string `json:"name" cbor:"name"`
	PeriodMS int64  `json:"period_ms,omitempty" cbor:"period_ms,omitempty"`
	Depth    int    `json:"depth,omitempty" cbor:"depth,omitempty"`
}

func (a PollArg) kind() (polling.Kind, error) {
	k, err := polling.ParseKind(a.Kind)
	if err != nil {
		return 0, fault.Wrap(err, fault.IncompatibleArg, "invalid polled object kind", "admin.PollArg")
	}
	return k, nil
}

// HistoryRecord is one externally supplied polling record. A non-empty
// Error stores a failed sample.
type HistoryRecord struct {
	Time  time.Time `json:"time" cbor:"time"`
	Value any       `json:"value,omitempty" cbor:"value,omitempty"`
	Error string    `json:"error,omitempty" cbor:"error,omitempty"`
}

// FillArg is the argument of FillAttrPollingBuffer.
type FillArg struct {
	Device    string          `json:"device" cbor:"device"`
	Attribute string          `json:"attribute" cbor:"attribute"`
	Records   []HistoryRecord `json:"records" cbor:"records"`
}

// adminClass is the class of the per-server admin device. Its commands
// administer the polling engine and the device set.
type adminClass struct {
	r *Runtime
}

func newAdminClass(r *Runtime) *adminClass {
	return &adminClass{r: r}
}

func (c *adminClass) Name() string { return registry.AdminClass }

func (c *adminClass) AttributeFactory() []attribute.Definition { return nil }

func (c *adminClass) DeviceFactory(names []string) ([]device.Hooks, error) {
	hooks := make([]device.Hooks, len(names))
	for i := range hooks {
		hooks[i] = device.Hooks{
			Init: func(_ context.Context, dev *device.Device) error {
				dev.SetState(device.On)
				dev.SetStatus("The device is ON")
				return nil
			},
		}
	}
	return hooks, nil
}

func (c *adminClass) CommandFactory() []*device.Command {
	r := c.r
	return []*device.Command{
		{
			Name:        CmdAddObjPolling,
			Description: "Start polling an object",
			In:          "PollArg",
			Execute: func(ctx context.Context, _ *device.Device, arg any) (any, error) {
				a, err := argAs[PollArg](arg)
				if err != nil {
					return nil, err
				}
				err = r.AddObjPolling(ctx, a)
				r.record(ctx, CmdAddObjPolling, a.Device, a, err)
				return nil, err
			},
		},
		{
			Name:        CmdRemObjPolling,
			Description: "Stop polling an object",
			In:          "PollArg",
			Execute: func(ctx context.Context, _ *device.Device, arg any) (any, error) {
				a, err := argAs[PollArg](arg)
				if err != nil {
					return nil, err
				}
				err = r.RemObjPolling(ctx, a)
				r.record(ctx, CmdRemObjPolling, a.Device, a, err)
				return nil, err
			},
		},
		{
			Name:        CmdUpdObjPollingPeriod,
			Description: "Change the period or depth of a polled object",
			In:          "PollArg",
			Execute: func(ctx context.Context, _ *device.Device, arg any) (any, error) {
				a, err := argAs[PollArg](arg)
				if err != nil {
					return nil, err
				}
				err = r.UpdObjPollingPeriod(ctx, a)
				r.record(ctx, CmdUpdObjPollingPeriod, a.Device, a, err)
				return nil, err
			},
		},
		{
			Name:        CmdStartPolling,
			Description: "Enable periodic sampling",
			Execute: func(ctx context.Context, _ *device.Device, _ any) (any, error) {
				r.engine.Start()
				r.record(ctx, CmdStartPolling, "", nil, nil)
				return nil, nil
			},
		},
		{
			Name:        CmdStopPolling,
			Description: "Disable periodic sampling",
			Execute: func(ctx context.Context, _ *device.Device, _ any) (any, error) {
				r.engine.Stop()
				r.record(ctx, CmdStopPolling, "", nil, nil)
				return nil, nil
			},
		},
		{
			Name:        CmdPollingStatus,
			Description: "Polled objects of a device",
			In:          "DevString",
			Out:         "[]ObjectStatus",
			Execute: func(_ context.Context, _ *device.Device, arg any) (any, error) {
				name, err := argAs[string](arg)
				if err != nil {
					return nil, err
				}
				return r.PollingStatus(name)
			},
		},
		{
			Name:        CmdDevPollStatus,
			Description: "Polling status of a device as text",
			In:          "DevString",
			Out:         "DevVarStringArray",
			Execute: func(_ context.Context, _ *device.Device, arg any) (any, error) {
				name, err := argAs[string](arg)
				if err != nil {
					return nil, err
				}
				if _, err := r.DeviceByName(name); err != nil {
					return nil, err
				}
				return r.engine.Status(name)
			},
		},
		{
			Name:        CmdPolledDevice,
			Description: "Devices with at least one polled object",
			Out:         "DevVarStringArray",
			Execute: func(context.Context, *device.Device, any) (any, error) {
				return r.engine.Devices(), nil
			},
		},
		{
			Name:        CmdTriggerPolling,
			Description: "Sample an externally triggered object now",
			In:          "PollArg",
			Execute: func(ctx context.Context, _ *device.Device, arg any) (any, error) {
				a, err := argAs[PollArg](arg)
				if err != nil {
					return nil, err
				}
				err = r.TriggerPolling(ctx, a)
				r.record(ctx, CmdTriggerPolling, a.Device, a, err)
				return nil, err
			},
		},
		{
			Name:        CmdFillAttrPollingBuffer,
			Description: "Seed the history of a polled attribute",
			In:          "FillArg",
			Execute: func(ctx context.Context, _ *device.Device, arg any) (any, error) {
				a, err := argAs[FillArg](arg)
				if err != nil {
					return nil, err
				}
				err = r.FillAttrPollingBuffer(a)
				r.record(ctx, CmdFillAttrPollingBuffer, a.Device, map[string]any{"attribute": a.Attribute, "records": len(a.Records)}, err)
				return nil, err
			},
		},
		{
			Name:        CmdQueryDevice,
			Description: "Devices of this server as Class::device",
			Out:         "DevVarStringArray",
			Execute: func(context.Context, *device.Device, any) (any, error) {
				return r.QueryDevice(), nil
			},
		},
		{
			Name:        CmdQueryClass,
			Description: "Classes of this server",
			Out:         "DevVarStringArray",
			Execute: func(context.Context, *device.Device, any) (any, error) {
				return r.QueryClass(), nil
			},
		},
		{
			Name:        CmdPing,
			Description: "Liveness check",
			Execute: func(context.Context, *device.Device, any) (any, error) {
				return nil, nil
			},
		},
		{
			Name:        CmdGetTraceLevel,
			Description: "Current trace verbosity, 0..5",
			Out:         "DevLong",
			Execute: func(context.Context, *device.Device, any) (any, error) {
				return r.logger.Trace(), nil
			},
		},
		{
			Name:        CmdSetTraceLevel,
			Description: "Change the trace verbosity of the whole process",
			In:          "DevLong",
			Execute: func(ctx context.Context, _ *device.Device, arg any) (any, error) {
				level, err := traceArg(arg)
				if err == nil {
					r.logger.SetTrace(level)
					r.logger.Info("trace level changed", "trace", level)
				}
				r.record(ctx, CmdSetTraceLevel, "", arg, err)
				return nil, err
			},
		},
		{
			Name:        CmdDevRestart,
			Description: "Delete and recreate a device",
			In:          "DevString",
			Execute: func(ctx context.Context, _ *device.Device, arg any) (any, error) {
				name, err := argAs[string](arg)
				if err != nil {
					return nil, err
				}
				err = r.DevRestart(ctx, name)
				r.record(ctx, CmdDevRestart, name, nil, err)
				return nil, err
			},
		},
	}
}

// AddObjPolling starts polling an object and saves the polling
// configuration of its device.
func (r *Runtime) AddObjPolling(ctx context.Context, a PollArg) error {
	dev, kind, err := r.pollTarget(a)
	if err != nil {
		return err
	}
	err = r.engine.AddPolling(polling.Object{
		Device: dev.Name(),
		Kind:   kind,
		Name:   a.Name,
		Period: time.Duration(a.PeriodMS) * time.Millisecond,
		Depth:  a.Depth,
	})
	if err != nil {
		return err
	}
	r.persistPolling(ctx, dev.Name())
	return nil
}

// RemObjPolling stops polling an object and drops its history.
func (r *Runtime) RemObjPolling(ctx context.Context, a PollArg) error {
	dev, kind, err := r.pollTarget(a)
	if err != nil {
		return err
	}
	if err := r.engine.RemovePolling(dev.Name(), kind, a.Name); err != nil {
		return err
	}
	r.persistPolling(ctx, dev.Name())
	return nil
}

// UpdObjPollingPeriod changes the period of a polled object, and its ring
// depth when Depth is positive.
func (r *Runtime) UpdObjPollingPeriod(ctx context.Context, a PollArg) error {
	dev, kind, err := r.pollTarget(a)
	if err != nil {
		return err
	}
	period := time.Duration(a.PeriodMS) * time.Millisecond
	if err := r.engine.UpdatePeriod(dev.Name(), kind, a.Name, period); err != nil {
		return err
	}
	if a.Depth > 0 {
		if err := r.engine.UpdateDepth(dev.Name(), kind, a.Name, a.Depth); err != nil {
			return err
		}
	}
	r.persistPolling(ctx, dev.Name())
	return nil
}

// PollingStatus returns the polled objects of a device.
func (r *Runtime) PollingStatus(name string) ([]polling.ObjectStatus, error) {
	dev, err := r.DeviceByName(name)
	if err != nil {
		return nil, err
	}
	return r.engine.Objects(dev.Name()), nil
}

// TriggerPolling samples an externally triggered object and waits for
// the polling loop to store it.
//
// The admin command runs under the admin device monitor and the loop
// takes the monitor of the sampled device, so objects of the admin device
// itself cannot be triggered this way.
func (r *Runtime) TriggerPolling(ctx context.Context, a PollArg) error {
	dev, kind, err := r.pollTarget(a)
	if err != nil {
		return err
	}
	if strings.EqualFold(dev.Name(), r.admin) {
		return fault.New(fault.NotSupported,
			"objects of the admin device cannot be triggered", "Runtime.TriggerPolling")
	}
	return r.engine.Trigger(ctx, dev.Name(), kind, a.Name)
}

// FillAttrPollingBuffer seeds the ring of a polled attribute. Values are
// converted to the attribute type.
func (r *Runtime) FillAttrPollingBuffer(a FillArg) error {
	dev, err := r.DeviceByName(a.Device)
	if err != nil {
		return err
	}
	attr, err := dev.Attributes().Get(a.Attribute)
	if err != nil {
		return err
	}

	recs := make([]polling.Record, len(a.Records))
	for i, hr := range a.Records {
		if hr.Error != "" {
			recs[i] = polling.Record{
				When: hr.Time,
				Err:  fault.New(fault.Internal, hr.Error, "FillAttrPollingBuffer"),
			}
			continue
		}
		v, err := attribute.Convert(attr.Type(), attr.Format(), hr.Value)
		if err != nil {
			return fault.Wrap(err, fault.IncompatibleArg,
				fmt.Sprintf("record %d of attribute %s", i, attr.Name()), "Runtime.FillAttrPollingBuffer")
		}
		recs[i] = polling.Record{
			When: hr.Time,
			Value: attribute.Reading{
				Name:    attr.Name(),
				Value:   v,
				Quality: attribute.Valid,
				Time:    hr.Time,
			},
		}
	}
	return r.engine.FillHistory(dev.Name(), attr.Name(), recs)
}

// QueryDevice lists the devices of this server as "Class::device",
// without the admin device.
func (r *Runtime) QueryDevice() []string {
	var out []string
	for _, d := range r.devices.All() {
		if strings.EqualFold(d.Name(), r.admin) {
			continue
		}
		out = append(out, d.Class().Name()+"::"+d.Name())
	}
	return out
}

// QueryClass lists the device classes of this server, without the admin
// class.
func (r *Runtime) QueryClass() []string {
	var out []string
	for _, c := range r.devices.Classes() {
		if strings.EqualFold(c.Name(), registry.AdminClass) {
			continue
		}
		out = append(out, c.Name())
	}
	sort.Strings(out)
	return out
}

// DevRestart deletes a device and recreates it from the registry. Its
// polling configuration and export are restored.
func (r *Runtime) DevRestart(ctx context.Context, name string) error {
	dev, err := r.DeviceByName(name)
	if err != nil {
		return err
	}
	if strings.EqualFold(dev.Name(), r.admin) {
		return fault.New(fault.NotSupported,
			"the admin device cannot be restarted", "Runtime.DevRestart")
	}
	dc := dev.Class()
	devName := dev.Name()

	err = r.monitored(ctx, dev, "restart", func() error {
		r.engine.RemoveDevice(devName)
		if err := dc.RemoveDevice(devName); err != nil {
			return err
		}
		_, err := dc.CreateDevices(ctx, []string{devName}, r.propertyLookup(dc))
		return err
	})
	r.devices.RefreshCache()
	if err != nil {
		return err
	}

	fresh, err := r.DeviceByName(devName)
	if err != nil {
		return err
	}
	if err := r.configurePolling(ctx, devName); err != nil {
		return err
	}
	if len(r.exporter.Endpoints()) > 0 {
		if err := r.exporter.Export(ctx, fresh); err != nil {
			return err
		}
	}
	r.logger.Info("device restarted", "device", devName, "class", dc.Name())
	return nil
}

func (r *Runtime) pollTarget(a PollArg) (*device.Device, polling.Kind, error) {
	kind, err := a.kind()
	if err != nil {
		return nil, 0, err
	}
	if a.Name == "" {
		return nil, 0, fault.New(fault.IncompatibleArg, "polled object name required", "admin.PollArg")
	}
	dev, err := r.DeviceByName(a.Device)
	if err != nil {
		return nil, 0, err
	}
	return dev, kind, nil
}

// traceArg accepts a trace level decoded from JSON, CBOR or Go.
func traceArg(arg any) (int, error) {
	var (
		n  int64
		ok = true
	)
	switch v := arg.(type) {
	case int:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint64:
		n = int64(min(v, uint64(logging.MaxTrace)+1))
	case float64:
		n = int64(v)
		ok = float64(n) == v
	default:
		ok = false
	}
	if !ok || n < 0 || n > logging.MaxTrace {
		return 0, fault.New(fault.IncompatibleArg,
			fmt.Sprintf("trace level must be an integer 0..%d, got %v", logging.MaxTrace, arg), "server.traceArg")
	}
	return int(n), nil
}

// argAs converts a command argument to T. Arguments decoded from the
// wire arrive as generic maps and are converted through their encoding.
func argAs[T any](arg any) (T, error) {
	var out T
	switch v := arg.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	case nil:
	case map[string]any:
		raw, err := json.Marshal(v)
		if err == nil {
			err = json.Unmarshal(raw, &out)
		}
		if err != nil {
			return out, fault.Wrap(err, fault.IncompatibleArg,
				fmt.Sprintf("argument is not a %T", out), "server.argAs")
		}
		return out, nil
	default:
		raw, err := transport.Marshal(v)
		if err == nil {
			err = transport.Unmarshal(raw, &out)
		}
		if err != nil {
			return out, fault.Wrap(err, fault.IncompatibleArg,
				fmt.Sprintf("argument is not a %T", out), "server.argAs")
		}
		return out, nil
	}
	return out, fault.New(fault.IncompatibleArg,
		fmt.Sprintf("argument of type %T required", out), "server.argAs")
}
