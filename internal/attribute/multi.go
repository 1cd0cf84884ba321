package attribute

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/devserver/internal/fault"
)

// PropertySet holds the registry-provided properties of one attribute.
type PropertySet struct {
	Device Properties
	Class  Properties
}

// MultiAttribute is the ordered attribute collection of one device, with
// derived index lists for writable and alarm-enabled attributes.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type MultiAttribute struct {
	device string

	mu       sync.RWMutex
	attrs    []*Attribute
	index    map[string]int
	writable []int
	alarmed  []int
}

// NewMultiAttribute builds every attribute of a device from its class
// definitions and the registry property sets (keyed by lower-cased
// attribute name), then validates associated write wiring. Any violation
// fails the whole device.
func NewMultiAttribute(device string, defs []Definition, sets map[string]PropertySet) (*MultiAttribute, error) {
	m := &MultiAttribute{
		device: device,
		attrs:  make([]*Attribute, 0, len(defs)),
	}

	for _, def := range defs {
		set := sets[strings.ToLower(def.Name)]
		props := ResolveProperties(set.Device, set.Class, nil)
		props = AddUserDefault(props, def.UserDefaults)
		props = AddUserDefault(props, DefaultProperties())

		a, err := New(device, def, props)
		if err != nil {
			return nil, err
		}
		m.attrs = append(m.attrs, a)
	}

	if err := m.reindex(); err != nil {
		return nil, err
	}

	for i := range m.attrs {
		if err := m.CheckAssociated(i); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// reindex rebuilds the name map and the derived lists. Caller holds mu or
// has exclusive access.
func (m *MultiAttribute) reindex() error {
	m.index = make(map[string]int, len(m.attrs))
	m.writable = m.writable[:0]
	m.alarmed = m.alarmed[:0]

	for i, a := range m.attrs {
		key := strings.ToLower(a.name)
		if _, dup := m.index[key]; dup {
			return fault.New(fault.AttrOptProp,
				fmt.Sprintf("Device --> %s\nAttribute %s is defined twice", m.device, a.name),
				"MultiAttribute.reindex")
		}
		m.index[key] = i
		if a.writeMode.Writable() {
			m.writable = append(m.writable, i)
		}
		if a.AlarmEnabled() {
			m.alarmed = append(m.alarmed, i)
		}
	}
	return nil
}

// Device returns the owning device name.
func (m *MultiAttribute) Device() string { return m.device }

// Len returns the number of attributes.
func (m *MultiAttribute) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.attrs)
}

// All returns the attributes in declared order.
func (m *MultiAttribute) All() []*Attribute {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Attribute, len(m.attrs))
	copy(out, m.attrs)
	return out
}

// Get returns the attribute with the given case-insensitive name.
func (m *MultiAttribute) Get(name string) (*Attribute, error) {
	i, err := m.IndexOf(name)
	if err != nil {
		return nil, err
	}
	return m.At(i)
}

// IndexOf returns the declared position of name.
func (m *MultiAttribute) IndexOf(name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.index[strings.ToLower(name)]
	if !ok {
		return -1, fault.New(fault.AttrNotFound, name+" attribute not found", "MultiAttribute.IndexOf")
	}
	return i, nil
}

// At returns the attribute at index i.
func (m *MultiAttribute) At(i int) (*Attribute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.attrs) {
		return nil, fault.New(fault.AttrNotFound,
			fmt.Sprintf("no attribute at index %d", i), "MultiAttribute.At")
	}
	return m.attrs[i], nil
}

// Writable returns the indexes of writable attributes.
func (m *MultiAttribute) Writable() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.writable...)
}

// AlarmList returns the indexes of attributes with an alarm bound.
func (m *MultiAttribute) AlarmList() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.alarmed...)
}

// Remove deletes an attribute and rebuilds the derived lists. Attributes
// echoing the removed one lose their association.
func (m *MultiAttribute) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[strings.ToLower(name)]
	if !ok {
		return fault.New(fault.AttrNotFound, name+" attribute not found", "MultiAttribute.Remove")
	}
	m.attrs = append(m.attrs[:i], m.attrs[i+1:]...)
	if err := m.reindex(); err != nil {
		return err
	}

	for _, a := range m.attrs {
		if a.assocName == "" {
			continue
		}
		if j, ok := m.index[strings.ToLower(a.assocName)]; ok {
			a.setAssocIndex(j)
		} else {
			a.setAssocIndex(-1)
		}
	}
	return nil
}

// CheckAssociated validates the associated write wiring of the attribute at
// index. It applies to READ_WITH_WRITE attributes and to READ_WRITE
// attributes that name an associated write attribute. The
// rules, in order: the attribute is scalar; the associated name matches a
// writable attribute; that attribute is scalar; both share a data type. On
// success the associated index is recorded.
func (m *MultiAttribute) CheckAssociated(index int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index < 0 || index >= len(m.attrs) {
		return fault.New(fault.AttrNotFound,
			fmt.Sprintf("no attribute at index %d", index), "MultiAttribute.CheckAssociated")
	}
	a := m.attrs[index]
	switch {
	case a.writeMode == ReadWithWrite:
	case a.writeMode == ReadWrite && a.assocName != "":
	default:
		return nil
	}

	prefix := fmt.Sprintf("Device --> %s\nProperty writable_attr_name for attribute %s", m.device, a.name)
	fail := func(desc string) error {
		return fault.New(fault.AttrOptProp, prefix+desc, "MultiAttribute.CheckAssociated")
	}

	if a.format != Scalar {
		return fail(" is defined but this attribute data format is not SCALAR")
	}

	target := -1
	for _, w := range m.writable {
		if strings.EqualFold(m.attrs[w].name, a.assocName) {
			target = w
			break
		}
	}
	if target < 0 {
		if a.assocName == "" {
			return fail(" is not set")
		}
		return fail(fmt.Sprintf(" is set to %s, but this attribute does not exist or is not writable", a.assocName))
	}

	assoc := m.attrs[target]
	if assoc.format != Scalar {
		return fail(fmt.Sprintf(" is set to %s, but this attribute is not of the SCALAR data format", a.assocName))
	}
	if assoc.dataType != a.dataType {
		return fail(fmt.Sprintf(" is set to %s, but these two attributes do not support the same data type", a.assocName))
	}

	a.setAssocIndex(target)
	return nil
}

// CheckAlarm evaluates every alarm-enabled attribute in declared order and
// reports whether any is in alarm or warning.
func (m *MultiAttribute) CheckAlarm() (bool, error) {
	var inAlarm bool
	for _, i := range m.AlarmList() {
		in, err := m.CheckAlarmAt(i)
		if err != nil {
			return false, err
		}
		inAlarm = inAlarm || in
	}
	return inAlarm, nil
}

// CheckAlarmByName evaluates one attribute by name.
func (m *MultiAttribute) CheckAlarmByName(name string) (bool, error) {
	a, err := m.Get(name)
	if err != nil {
		return false, err
	}
	return a.CheckAlarm()
}

// CheckAlarmAt evaluates one attribute by index.
func (m *MultiAttribute) CheckAlarmAt(index int) (bool, error) {
	a, err := m.At(index)
	if err != nil {
		return false, err
	}
	return a.CheckAlarm()
}

// AddWriteValue copies the current write value of the associated write
// attribute into the outgoing representation of a READ_WITH_WRITE
// attribute. Dispatch is on data type; bool, short, ushort, long, ulong,
// long64, ulong64, double and string are supported.
func (m *MultiAttribute) AddWriteValue(a *Attribute) error {
	assoc, err := m.At(a.AssocIndex())
	if err != nil {
		return fault.Wrap(err, fault.AttrNotFound,
			fmt.Sprintf("attribute %s has no associated write attribute", a.name), "MultiAttribute.AddWriteValue")
	}

	w := assoc.WriteValue()
	var echo any
	switch a.dataType {
	case TypeBool:
		echo, err = as[bool](w)
	case TypeShort:
		echo, err = as[int16](w)
	case TypeUShort:
		echo, err = as[uint16](w)
	case TypeLong:
		echo, err = as[int32](w)
	case TypeULong:
		echo, err = as[uint32](w)
	case TypeLong64:
		echo, err = as[int64](w)
	case TypeULong64:
		echo, err = as[uint64](w)
	case TypeDouble:
		echo, err = as[float64](w)
	case TypeString:
		echo, err = as[string](w)
	default:
		return fault.New(fault.TypeNotSupported,
			fmt.Sprintf("data type %v of attribute %s is not supported", a.dataType, a.name),
			"MultiAttribute.AddWriteValue")
	}
	if err != nil {
		return fault.Wrap(err, fault.IncompatibleArg,
			fmt.Sprintf("write value of %s cannot be echoed by %s", assoc.name, a.name),
			"MultiAttribute.AddWriteValue")
	}

	a.setEcho(echo)
	return nil
}

// as converts a stored write value; a never-written attribute yields the
// zero value.
func as[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("write value is %T, want %T", v, zero)
	}
	return t, nil
}

// ReadAlarm appends one line per attribute currently in alarm to status,
// naming the crossed side.
func (m *MultiAttribute) ReadAlarm(status *strings.Builder) {
	for _, i := range m.AlarmList() {
		a, err := m.At(i)
		if err != nil {
			continue
		}
		low, high, q := a.alarmSides()
		if q != Alarm {
			continue
		}
		if low {
			status.WriteString("\nAlarm : Value too low for attribute ")
			status.WriteString(a.name)
		}
		if high {
			status.WriteString("\nAlarm : Value too high for attribute ")
			status.WriteString(a.name)
		}
	}
}
