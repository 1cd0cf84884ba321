package server

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/polling"
	"github.com/nerrad567/devserver/internal/registry"
)

// Device properties read at startup.
const (
	// PropPolledAttr lists polled attributes as "name:period_ms" entries
	// separated by commas or newlines. Period 0 is externally triggered.
	PropPolledAttr = "polled_attr"
	// PropPolledCmd lists polled commands in the same format.
	PropPolledCmd = "polled_cmd"
	// PropPollRingDepth overrides the ring depth for every object of the
	// device.
	PropPollRingDepth = "poll_ring_depth"
	// PropAttrPollRingDepth and PropCmdPollRingDepth override the depth of
	// single objects, as "name:depth" entries.
	PropAttrPollRingDepth = "attr_poll_ring_depth"
	PropCmdPollRingDepth  = "cmd_poll_ring_depth"
)

// propertyFetchLimit bounds concurrent registry reads per device.
const propertyFetchLimit = 8

// entry is one "name:number" item of a list property.
type entry struct {
	name  string
	value int64
}

func parseEntries(prop, s string) ([]entry, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' })
	out := make([]entry, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		name, num, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("%s: entry %q is not name:number", prop, f)
		}
		v, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("%s: entry %q has an invalid number", prop, f)
		}
		out = append(out, entry{name: strings.TrimSpace(name), value: v})
	}
	return out, nil
}

func formatEntries(entries []entry) string {
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s:%d", e.name, e.value)
	}
	return strings.Join(parts, ",")
}

// pollingPlan is the polling configuration of one device.
type pollingPlan struct {
	objects []polling.Object
	skipped []error
}

// planPolling turns device properties into polled objects. Malformed
// entries are reported in skipped and do not stop the rest.
func planPolling(dev string, props map[string]string) pollingPlan {
	var plan pollingPlan

	depth := 0
	if s, ok := props[PropPollRingDepth]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n < 1 {
			plan.skipped = append(plan.skipped, fmt.Errorf("%s: invalid value %q", PropPollRingDepth, s))
		} else {
			depth = n
		}
	}

	add := func(kind polling.Kind, listProp, depthProp string) {
		depths := make(map[string]int)
		if s := props[depthProp]; s != "" {
			entries, err := parseEntries(depthProp, s)
			if err != nil {
				plan.skipped = append(plan.skipped, err)
			}
			for _, e := range entries {
				depths[strings.ToLower(e.name)] = int(e.value)
			}
		}

		entries, err := parseEntries(listProp, props[listProp])
		if err != nil {
			plan.skipped = append(plan.skipped, err)
			return
		}
		for _, e := range entries {
			d := depth
			if n, ok := depths[strings.ToLower(e.name)]; ok && n > 0 {
				d = n
			}
			plan.objects = append(plan.objects, polling.Object{
				Device: dev,
				Kind:   kind,
				Name:   e.name,
				Period: time.Duration(e.value) * time.Millisecond,
				Depth:  d,
			})
		}
	}
	add(polling.KindAttribute, PropPolledAttr, PropAttrPollRingDepth)
	add(polling.KindCommand, PropPolledCmd, PropCmdPollRingDepth)
	return plan
}

// propertyLookup fetches the device and class property sets of every
// attribute of dc, a few at a time.
func (r *Runtime) propertyLookup(dc *device.DeviceClass) device.PropertyLookup {
	return func(ctx context.Context, dev string) (map[string]attribute.PropertySet, error) {
		defs := dc.AttributeDefinitions()
		sets := make([]attribute.PropertySet, len(defs))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(propertyFetchLimit)
		for i, def := range defs {
			g.Go(func() error {
				devProps, err := r.registry.GetProperties(gctx, registry.ScopeAttribute,
					registry.AttrObject(dev, def.Name))
				if err != nil {
					return err
				}
				classProps, err := r.registry.GetProperties(gctx, registry.ScopeClassAttribute,
					registry.AttrObject(dc.Name(), def.Name))
				if err != nil {
					return err
				}
				sets[i] = attribute.PropertySet{
					Device: attribute.FromMap(devProps),
					Class:  attribute.FromMap(classProps),
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		out := make(map[string]attribute.PropertySet, len(defs))
		for i, def := range defs {
			out[strings.ToLower(def.Name)] = sets[i]
		}
		return out, nil
	}
}

// persistPolling writes the polled object lists of dev back to the
// registry so the configuration survives a restart.
func (r *Runtime) persistPolling(ctx context.Context, dev string) {
	var attrs, cmds []entry
	for _, o := range r.engine.Objects(dev) {
		e := entry{name: o.Name, value: o.PeriodMS}
		if o.Kind == polling.KindCommand.String() {
			cmds = append(cmds, e)
		} else {
			attrs = append(attrs, e)
		}
	}

	props := map[string]string{
		PropPolledAttr: formatEntries(attrs),
		PropPolledCmd:  formatEntries(cmds),
	}
	if err := r.registry.SetProperties(ctx, registry.ScopeDevice, dev, props); err != nil {
		r.logger.Warn("polling configuration not saved", "device", dev, "error", err)
	}
}
