package polling

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nerrad567/devserver/internal/fault"
)

// FillHistory seeds the ring of a polled attribute with externally
// supplied records. They are merged with what the ring already holds so
// the history stays ordered by time, and the oldest records drop out when
// the ring overflows. More records than the ring depth are rejected.
// Records carrying an error are stored as error entries. Timestamps get
// the same skew as sampled records.
func (e *Engine) FillHistory(device, attr string, recs []Record) error {
	if err := e.sampler.CheckObject(device, KindAttribute, attr); err != nil {
		return fault.Wrap(err, fault.AttrNotAllowed,
			fmt.Sprintf("cannot fill the polling buffer of attribute %s", attr), "Engine.FillHistory")
	}
	p, err := e.lookup(device, KindAttribute, attr, "Engine.FillHistory")
	if err != nil {
		return err
	}

	depth := p.ring.Depth()
	if len(recs) > depth {
		return fault.New(fault.IncompatibleArg,
			fmt.Sprintf("%d records exceed the polling buffer depth %d of attribute %s", len(recs), depth, attr),
			"Engine.FillHistory")
	}

	fill := make([]Record, len(recs))
	for i, r := range recs {
		r.When = r.When.Add(-e.skew)
		if r.Err != nil {
			r.Value = nil
		}
		fill[i] = r
	}
	p.ring.Merge(fill)
	return nil
}

// History returns the newest n records of a polled object, oldest first.
// n <= 0 returns everything stored. An empty ring fails with no_history.
func (e *Engine) History(device string, kind Kind, name string, n int) ([]Record, error) {
	p, err := e.lookup(device, kind, name, "Engine.History")
	if err != nil {
		return nil, err
	}
	recs := p.ring.Latest(n)
	if len(recs) == 0 {
		return nil, fault.New(fault.NoHistory,
			fmt.Sprintf("No data available in cache for %s %s of device %s", kind, name, device),
			"Engine.History")
	}
	return recs, nil
}

// Last returns the newest record of a polled object.
func (e *Engine) Last(device string, kind Kind, name string) (Record, error) {
	recs, err := e.History(device, kind, name, 1)
	if err != nil {
		return Record{}, err
	}
	return recs[0], nil
}

// IsPolled reports whether the object is polled.
func (e *Engine) IsPolled(device string, kind Kind, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.objects[Key(device, kind, name)]
	return ok
}

// Objects returns the polled objects of device, sorted by kind then name.
// An empty device name returns every object.
func (e *Engine) Objects(device string) []ObjectStatus {
	dev := strings.ToLower(device)

	e.mu.Lock()
	out := make([]ObjectStatus, 0, len(e.objects))
	for k, p := range e.objects {
		if dev == "" || k.Device == dev {
			out = append(out, p.status())
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return strings.ToLower(out[i].Device) < strings.ToLower(out[j].Device)
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Devices returns the names of devices with at least one polled object,
// sorted.
func (e *Engine) Devices() []string {
	e.mu.Lock()
	seen := make(map[string]string)
	for k, p := range e.objects {
		seen[k.Device] = p.device
	}
	e.mu.Unlock()

	out := make([]string, 0, len(seen))
	for _, name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Status renders one text block per polled object of device.
func (e *Engine) Status(device string) ([]string, error) {
	objs := e.Objects(device)
	if len(objs) == 0 {
		return nil, fault.New(fault.DeviceNotPolled,
			fmt.Sprintf("device %s has no polled object", device), "Engine.Status")
	}

	now := e.clock.Now()
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		var b strings.Builder
		fmt.Fprintf(&b, "Polled %s name = %s\n", o.Kind, o.Name)
		if o.Period == 0 {
			b.WriteString("Polling externally triggered\n")
		} else {
			fmt.Fprintf(&b, "Polling period (mS) = %d\n", o.Period.Milliseconds())
		}
		fmt.Fprintf(&b, "Polling ring buffer depth = %d\n", o.Depth)

		if o.LastSample.IsZero() {
			b.WriteString("No data recorded yet")
		} else {
			fmt.Fprintf(&b, "Time needed for the last %s execution (mS) = %.3f\n",
				o.Kind, float64(o.LastTook.Microseconds())/1000)
			fmt.Fprintf(&b, "Data not updated since %d mS", now.Sub(o.LastSample).Milliseconds())
			if deltas := e.deltas(o); len(deltas) > 0 {
				b.WriteString("\nDelta between last records (in mS) = ")
				b.WriteString(strings.Join(deltas, ", "))
			}
		}
		if o.LastError != "" {
			fmt.Fprintf(&b, "\nLast %s FAILED :\n%s", o.Kind, o.LastError)
		}
		out = append(out, b.String())
	}
	return out, nil
}

func (e *Engine) deltas(o ObjectStatus) []string {
	kind, err := ParseKind(o.Kind)
	if err != nil {
		return nil
	}
	p, err := e.lookup(o.Device, kind, o.Name, "Engine.Status")
	if err != nil {
		return nil
	}
	ds := p.ring.Deltas()
	out := make([]string, 0, len(ds))
	for i := len(ds) - 1; i >= 0 && len(out) < 4; i-- {
		out = append(out, fmt.Sprintf("%d", ds[i].Milliseconds()))
	}
	return out
}
