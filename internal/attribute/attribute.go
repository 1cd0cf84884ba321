package attribute

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/devserver/internal/fault"
)

// Definition is the class-level declaration of an attribute.
type Definition struct {
	Name      string
	Type      DataType
	Format    Format
	WriteMode WriteMode
	MaxX      int
	MaxY      int

	// UserDefaults are coded default properties. They rank below device
	// and class properties and above the built-in defaults.
	UserDefaults Properties
}

// Reading is the outgoing representation of an attribute read.
type Reading struct {
	Name       string    `json:"name" cbor:"1,keyasint"`
	Value      any       `json:"value" cbor:"2,keyasint"`
	WriteValue any       `json:"write_value,omitempty" cbor:"3,keyasint,omitempty"`
	Quality    Quality   `json:"quality" cbor:"4,keyasint"`
	Time       time.Time `json:"time" cbor:"5,keyasint"`
	DimX       int       `json:"dim_x" cbor:"6,keyasint"`
	DimY       int       `json:"dim_y" cbor:"7,keyasint"`
}

// bounds holds parsed numeric limits; nil pointers are not configured.
type bounds struct {
	minValue, maxValue     *float64
	minAlarm, maxAlarm     *float64
	minWarning, maxWarning *float64
}

func (b bounds) alarmEnabled() bool {
	return b.minAlarm != nil || b.maxAlarm != nil || b.minWarning != nil || b.maxWarning != nil
}

// Attribute is one attribute of one device: metadata, resolved properties,
// current value and, for writable attributes, the last written value.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Attribute struct {
	name      string
	dataType  DataType
	format    Format
	writeMode WriteMode
	maxX      int
	maxY      int
	props     Properties
	limits    bounds
	assocName string

	mu         sync.RWMutex
	assocIndex int
	value      any
	when       time.Time
	quality    Quality
	dimX, dimY int
	writeValue any
	echo       any
	lowAlarm   bool
	highAlarm  bool
}

// New builds an attribute from its definition and resolved properties.
// Alarm and limit properties are parsed; a non-numeric type carrying any
// of them, or an unparsable bound, fails with an attr_opt_prop error.
func New(device string, def Definition, props Properties) (*Attribute, error) {
	a := &Attribute{
		name:       def.Name,
		dataType:   def.Type,
		format:     def.Format,
		writeMode:  def.WriteMode,
		maxX:       def.MaxX,
		maxY:       def.MaxY,
		props:      props,
		assocIndex: -1,
		quality:    Invalid,
	}
	if a.maxX == 0 {
		a.maxX = 1
	}

	if err := a.parseBounds(device); err != nil {
		return nil, err
	}

	if v, ok := props.Get(PropWritableAttr); ok && specified(v) {
		a.assocName = v
	}

	return a, nil
}

func (a *Attribute) parseBounds(device string) error {
	targets := []struct {
		prop string
		dst  **float64
	}{
		{PropMinValue, &a.limits.minValue},
		{PropMaxValue, &a.limits.maxValue},
		{PropMinAlarm, &a.limits.minAlarm},
		{PropMaxAlarm, &a.limits.maxAlarm},
		{PropMinWarning, &a.limits.minWarning},
		{PropMaxWarning, &a.limits.maxWarning},
	}

	for _, tg := range targets {
		raw, ok := a.props.Get(tg.prop)
		if !ok || !specified(raw) {
			continue
		}
		if !a.dataType.Numeric() {
			return fault.New(fault.AttrOptProp,
				fmt.Sprintf("Device --> %s\nProperty %s for attribute %s is defined but data type %v has no numeric bounds",
					device, tg.prop, a.name, a.dataType),
				"attribute.New")
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fault.New(fault.AttrOptProp,
				fmt.Sprintf("Device --> %s\nProperty %s for attribute %s is not a number: %q",
					device, tg.prop, a.name, raw),
				"attribute.New")
		}
		*tg.dst = &f
	}

	l := a.limits
	if l.minAlarm != nil && l.maxAlarm != nil && *l.minAlarm >= *l.maxAlarm {
		return fault.New(fault.AttrOptProp,
			fmt.Sprintf("Device --> %s\nAttribute %s: min_alarm must be below max_alarm", device, a.name),
			"attribute.New")
	}
	if l.minValue != nil && l.maxValue != nil && *l.minValue >= *l.maxValue {
		return fault.New(fault.AttrOptProp,
			fmt.Sprintf("Device --> %s\nAttribute %s: min_value must be below max_value", device, a.name),
			"attribute.New")
	}
	return nil
}

// Name returns the attribute name as declared.
func (a *Attribute) Name() string { return a.name }

// Type returns the element data type.
func (a *Attribute) Type() DataType { return a.dataType }

// Format returns the attribute format.
func (a *Attribute) Format() Format { return a.format }

// WriteMode returns the attribute write mode.
func (a *Attribute) WriteMode() WriteMode { return a.writeMode }

// Properties returns the resolved property list.
func (a *Attribute) Properties() Properties {
	out := make(Properties, len(a.props))
	copy(out, a.props)
	return out
}

// AssocName returns the associated write attribute name, or "".
func (a *Attribute) AssocName() string { return a.assocName }

// AssocIndex returns the index of the associated write attribute, or -1
// until CheckAssociated succeeds.
func (a *Attribute) AssocIndex() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.assocIndex
}

func (a *Attribute) setAssocIndex(i int) {
	a.mu.Lock()
	a.assocIndex = i
	a.mu.Unlock()
}

// AlarmEnabled reports whether any alarm or warning bound is configured.
func (a *Attribute) AlarmEnabled() bool { return a.limits.alarmEnabled() }

// SetValue stores a new read value with quality Valid.
func (a *Attribute) SetValue(v any, when time.Time) error {
	return a.SetValueQuality(v, when, Valid)
}

// SetValueQuality stores a new read value with an explicit quality.
func (a *Attribute) SetValueQuality(v any, when time.Time, q Quality) error {
	if err := checkValue(a.dataType, a.format, v); err != nil {
		return fault.New(fault.IncompatibleArg, err.Error(), "Attribute.SetValue")
	}
	dimX, dimY, err := a.dims(v)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.value = v
	a.when = when
	a.quality = q
	a.dimX, a.dimY = dimX, dimY
	a.echo = nil
	a.mu.Unlock()
	return nil
}

func (a *Attribute) dims(v any) (int, int, error) {
	switch a.format {
	case Scalar:
		return 1, 0, nil
	case Spectrum:
		n := sliceLen(v)
		if n > a.maxX {
			return 0, 0, fault.New(fault.IncompatibleArg,
				fmt.Sprintf("spectrum of %d elements exceeds max_dim_x %d for %s", n, a.maxX, a.name),
				"Attribute.SetValue")
		}
		return n, 0, nil
	default:
		n := sliceLen(v)
		x := a.maxX
		if x == 0 || n%x != 0 || (a.maxY > 0 && n/x > a.maxY) {
			return 0, 0, fault.New(fault.IncompatibleArg,
				fmt.Sprintf("image of %d elements does not fit %dx%d for %s", n, a.maxX, a.maxY, a.name),
				"Attribute.SetValue")
		}
		return x, n / x, nil
	}
}

// Value returns the current value, its timestamp and quality.
func (a *Attribute) Value() (any, time.Time, Quality) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value, a.when, a.quality
}

// SetWriteValue records a client write. Only writable attributes accept it;
// numeric values are checked against min_value/max_value.
func (a *Attribute) SetWriteValue(v any) error {
	if !a.writeMode.Writable() {
		return fault.New(fault.AttrNotWritable,
			fmt.Sprintf("attribute %s is %v", a.name, a.writeMode), "Attribute.SetWriteValue")
	}
	if err := checkValue(a.dataType, a.format, v); err != nil {
		return fault.New(fault.IncompatibleArg, err.Error(), "Attribute.SetWriteValue")
	}
	if nums, ok := numbers(v); ok {
		for _, n := range nums {
			if (a.limits.minValue != nil && n < *a.limits.minValue) ||
				(a.limits.maxValue != nil && n > *a.limits.maxValue) {
				return fault.New(fault.AttrOutsideLimit,
					fmt.Sprintf("value %v for attribute %s is outside [min_value, max_value]", n, a.name),
					"Attribute.SetWriteValue")
			}
		}
	}

	a.mu.Lock()
	a.writeValue = v
	a.mu.Unlock()
	return nil
}

// WriteValue returns the last written value, or nil.
func (a *Attribute) WriteValue() any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.writeValue
}

func (a *Attribute) setEcho(v any) {
	a.mu.Lock()
	a.echo = v
	a.mu.Unlock()
}

// Reading snapshots the outgoing representation.
func (a *Attribute) Reading() Reading {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r := Reading{
		Name:    a.name,
		Value:   a.value,
		Quality: a.quality,
		Time:    a.when,
		DimX:    a.dimX,
		DimY:    a.dimY,
	}
	switch a.writeMode {
	case ReadWithWrite:
		r.WriteValue = a.echo
	case ReadWrite:
		r.WriteValue = a.writeValue
	}
	return r
}

// CheckAlarm evaluates the current value against the configured bounds and
// updates the quality. It returns true when the value is in alarm or
// warning. An attribute without any bound fails with attr_no_alarm.
func (a *Attribute) CheckAlarm() (bool, error) {
	if !a.limits.alarmEnabled() {
		return false, fault.New(fault.AttrNoAlarm,
			fmt.Sprintf("attribute %s has no alarm level defined", a.name), "Attribute.CheckAlarm")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.lowAlarm, a.highAlarm = false, false
	if a.quality == Invalid || a.value == nil {
		return false, nil
	}

	nums, _ := numbers(a.value)
	l := a.limits
	var low, high, warn bool
	for _, n := range nums {
		switch {
		case l.minAlarm != nil && n <= *l.minAlarm:
			low = true
		case l.maxAlarm != nil && n >= *l.maxAlarm:
			high = true
		case l.minWarning != nil && n <= *l.minWarning, l.maxWarning != nil && n >= *l.maxWarning:
			warn = true
		}
	}

	switch {
	case low || high:
		a.quality = Alarm
		a.lowAlarm, a.highAlarm = low, high
		return true, nil
	case warn:
		a.quality = Warning
		return true, nil
	default:
		if a.quality == Alarm || a.quality == Warning {
			a.quality = Valid
		}
		return false, nil
	}
}

// alarmSides reports which alarm bounds were crossed at the last check.
func (a *Attribute) alarmSides() (low, high bool, q Quality) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lowAlarm, a.highAlarm, a.quality
}

func sliceLen(v any) int {
	switch x := v.(type) {
	case []bool:
		return len(x)
	case []string:
		return len(x)
	default:
		if nums, ok := numbers(v); ok {
			return len(nums)
		}
		return 0
	}
}
