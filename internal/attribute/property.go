package attribute

import "strings"

// Well-known "not specified" sentinels for the built-in optional properties.
const (
	LabelNotSpec       = "No label"
	DescNotSpec        = "No description"
	UnitNotSpec        = "No unit"
	StdUnitNotSpec     = "No standard unit"
	DispUnitNotSpec    = "No display unit"
	FormatNotSpec      = "Not specified"
	AlarmValueNotSpec  = "Not specified"
	AssocWriteNotSpec  = "None"
	PropWritableAttr   = "writable_attr_name"
	PropMinValue       = "min_value"
	PropMaxValue       = "max_value"
	PropMinAlarm       = "min_alarm"
	PropMaxAlarm       = "max_alarm"
	PropMinWarning     = "min_warning"
	PropMaxWarning     = "max_warning"
	propLabel          = "label"
	propDescription    = "description"
	propUnit           = "unit"
	propStandardUnit   = "standard_unit"
	propDisplayUnit    = "display_unit"
	propFormat         = "format"
)

// Property is a named attribute property value.
type Property struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Properties is an ordered property list. Name lookups ignore case.
type Properties []Property

// Get returns the value of name and whether it is present.
func (p Properties) Get(name string) (string, bool) {
	for _, prop := range p {
		if strings.EqualFold(prop.Name, name) {
			return prop.Value, true
		}
	}
	return "", false
}

// Map returns the properties keyed by lower-cased name.
func (p Properties) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, prop := range p {
		m[strings.ToLower(prop.Name)] = prop.Value
	}
	return m
}

// FromMap builds a Properties list from m in the key order given, or in an
// unspecified order when keys is nil.
func FromMap(m map[string]string, keys ...string) Properties {
	if keys == nil {
		for k := range m {
			keys = append(keys, k)
		}
	}
	out := make(Properties, 0, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out = append(out, Property{Name: k, Value: v})
		}
	}
	return out
}

// DefaultProperties returns the built-in optional properties, each set to
// its "not specified" sentinel.
func DefaultProperties() Properties {
	return Properties{
		{propLabel, LabelNotSpec},
		{propDescription, DescNotSpec},
		{propUnit, UnitNotSpec},
		{propStandardUnit, StdUnitNotSpec},
		{propDisplayUnit, DispUnitNotSpec},
		{propFormat, FormatNotSpec},
		{PropMinValue, AlarmValueNotSpec},
		{PropMaxValue, AlarmValueNotSpec},
		{PropMinAlarm, AlarmValueNotSpec},
		{PropMaxAlarm, AlarmValueNotSpec},
		{PropMinWarning, AlarmValueNotSpec},
		{PropMaxWarning, AlarmValueNotSpec},
		{PropWritableAttr, AssocWriteNotSpec},
	}
}

// ResolveProperties merges property levels by precedence: every device
// property verbatim, then each class property whose name is not yet present,
// then each built-in default whose name is still absent. Names compare
// case-insensitively; the result keeps first-seen order.
func ResolveProperties(device, class, builtin Properties) Properties {
	out := make(Properties, 0, len(device)+len(class)+len(builtin))
	seen := make(map[string]struct{}, cap(out))

	for _, level := range []Properties{device, class, builtin} {
		out = addAbsent(out, seen, level)
	}
	return out
}

// AddUserDefault appends each user default whose name is absent from props.
// It returns the extended list; props itself is not modified.
func AddUserDefault(props, userDefaults Properties) Properties {
	out := make(Properties, len(props), len(props)+len(userDefaults))
	copy(out, props)
	seen := make(map[string]struct{}, len(out))
	for _, p := range out {
		seen[strings.ToLower(p.Name)] = struct{}{}
	}
	return addAbsent(out, seen, userDefaults)
}

func addAbsent(out Properties, seen map[string]struct{}, level Properties) Properties {
	for _, p := range level {
		key := strings.ToLower(p.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// specified reports whether a property value is a real setting rather than a
// sentinel.
func specified(v string) bool {
	switch v {
	case "", AlarmValueNotSpec, AssocWriteNotSpec:
		return false
	default:
		return true
	}
}
