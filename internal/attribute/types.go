package attribute

import (
	"fmt"
	"reflect"
)

// DataType is the element type of an attribute value.
type DataType uint8

// Supported element types. The Go representation of each is listed; spectrum
// and image attributes hold a slice of it.
const (
	TypeBool    DataType = iota + 1 // bool
	TypeShort                       // int16
	TypeUShort                      // uint16
	TypeLong                        // int32
	TypeULong                       // uint32
	TypeLong64                      // int64
	TypeULong64                     // uint64
	TypeFloat                       // float32
	TypeDouble                      // float64
	TypeString                      // string
	TypeUChar                       // uint8
	TypeState                       // int32 (device state code)
)

var dataTypeNames = map[DataType]string{
	TypeBool:    "bool",
	TypeShort:   "short",
	TypeUShort:  "ushort",
	TypeLong:    "long",
	TypeULong:   "ulong",
	TypeLong64:  "long64",
	TypeULong64: "ulong64",
	TypeFloat:   "float",
	TypeDouble:  "double",
	TypeString:  "string",
	TypeUChar:   "uchar",
	TypeState:   "state",
}

var goTypes = map[DataType]reflect.Type{
	TypeBool:    reflect.TypeFor[bool](),
	TypeShort:   reflect.TypeFor[int16](),
	TypeUShort:  reflect.TypeFor[uint16](),
	TypeLong:    reflect.TypeFor[int32](),
	TypeULong:   reflect.TypeFor[uint32](),
	TypeLong64:  reflect.TypeFor[int64](),
	TypeULong64: reflect.TypeFor[uint64](),
	TypeFloat:   reflect.TypeFor[float32](),
	TypeDouble:  reflect.TypeFor[float64](),
	TypeString:  reflect.TypeFor[string](),
	TypeUChar:   reflect.TypeFor[uint8](),
	TypeState:   reflect.TypeFor[int32](),
}

// String returns the type name.
func (t DataType) String() string {
	if s, ok := dataTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", t)
}

// ParseDataType is the inverse of String.
func ParseDataType(s string) (DataType, error) {
	for t, name := range dataTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// Numeric reports whether alarm bounds apply to the type.
func (t DataType) Numeric() bool {
	switch t {
	case TypeShort, TypeUShort, TypeLong, TypeULong, TypeLong64, TypeULong64,
		TypeFloat, TypeDouble, TypeUChar:
		return true
	default:
		return false
	}
}

// Format is the dimensionality of an attribute.
type Format uint8

// Attribute formats.
const (
	Scalar Format = iota
	Spectrum
	Image
)

func (f Format) String() string {
	switch f {
	case Scalar:
		return "scalar"
	case Spectrum:
		return "spectrum"
	case Image:
		return "image"
	default:
		return fmt.Sprintf("Format(%d)", f)
	}
}

// WriteMode describes how an attribute may be accessed.
type WriteMode uint8

// Write modes. ReadWithWrite is a read attribute that echoes the last
// value written to its associated write attribute.
const (
	Read WriteMode = iota
	Write
	ReadWrite
	ReadWithWrite
)

func (w WriteMode) String() string {
	switch w {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case ReadWrite:
		return "READ_WRITE"
	case ReadWithWrite:
		return "READ_WITH_WRITE"
	default:
		return fmt.Sprintf("WriteMode(%d)", w)
	}
}

// Writable reports whether clients may write the attribute.
func (w WriteMode) Writable() bool {
	return w == Write || w == ReadWrite
}

// Quality qualifies the current value of an attribute.
type Quality uint8

// Value qualities.
const (
	Valid Quality = iota
	Invalid
	Alarm
	Changing
	Warning
)

func (q Quality) String() string {
	switch q {
	case Valid:
		return "VALID"
	case Invalid:
		return "INVALID"
	case Alarm:
		return "ALARM"
	case Changing:
		return "CHANGING"
	case Warning:
		return "WARNING"
	default:
		return fmt.Sprintf("Quality(%d)", q)
	}
}

// MarshalText renders the quality by name in JSON.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText parses a quality name.
func (q *Quality) UnmarshalText(b []byte) error {
	for c := Valid; c <= Warning; c++ {
		if c.String() == string(b) {
			*q = c
			return nil
		}
	}
	return fmt.Errorf("attribute: unknown quality %q", b)
}

// checkValue verifies v has the Go representation of t in format f.
func checkValue(t DataType, f Format, v any) error {
	want, ok := goTypes[t]
	if !ok {
		return fmt.Errorf("unsupported data type %v", t)
	}
	if f != Scalar {
		want = reflect.SliceOf(want)
	}
	if got := reflect.TypeOf(v); got != want {
		return fmt.Errorf("value of type %v given, %v %v expects %v", got, f, t, want)
	}
	return nil
}

// numbers flattens a numeric scalar or slice into float64s for alarm
// comparison.
func numbers(v any) ([]float64, bool) {
	switch x := v.(type) {
	case int16:
		return []float64{float64(x)}, true
	case uint16:
		return []float64{float64(x)}, true
	case int32:
		return []float64{float64(x)}, true
	case uint32:
		return []float64{float64(x)}, true
	case int64:
		return []float64{float64(x)}, true
	case uint64:
		return []float64{float64(x)}, true
	case float32:
		return []float64{float64(x)}, true
	case float64:
		return []float64{x}, true
	case uint8:
		return []float64{float64(x)}, true
	case []int16:
		return toFloats(x), true
	case []uint16:
		return toFloats(x), true
	case []int32:
		return toFloats(x), true
	case []uint32:
		return toFloats(x), true
	case []int64:
		return toFloats(x), true
	case []uint64:
		return toFloats(x), true
	case []float32:
		return toFloats(x), true
	case []float64:
		return x, true
	case []uint8:
		return toFloats(x), true
	default:
		return nil, false
	}
}

type number interface {
	~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~uint8
}

func toFloats[T number](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
