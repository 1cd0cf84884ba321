package attribute

import (
	"fmt"
	"math"
	"reflect"

	"github.com/nerrad567/devserver/internal/fault"
)

// Convert coerces a value decoded from the wire into the Go representation
// of t in format f. Decoders produce int64, uint64, float64, string, bool
// and []any; integers must be integral and fit the target type.
func Convert(t DataType, f Format, v any) (any, error) {
	if checkValue(t, f, v) == nil {
		return v, nil
	}
	want, ok := goTypes[t]
	if !ok {
		return nil, fault.New(fault.TypeNotSupported,
			fmt.Sprintf("unsupported data type %v", t), "attribute.Convert")
	}
	if f == Scalar {
		return convertScalar(want, v)
	}

	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, fault.New(fault.IncompatibleArg,
			fmt.Sprintf("%v %v expects a list, got %T", f, t, v), "attribute.Convert")
	}
	out := reflect.MakeSlice(reflect.SliceOf(want), rv.Len(), rv.Len())
	for i := range rv.Len() {
		elem, err := convertScalar(want, rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		out.Index(i).Set(reflect.ValueOf(elem))
	}
	return out.Interface(), nil
}

func convertScalar(want reflect.Type, v any) (any, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, fault.New(fault.IncompatibleArg, "missing value", "attribute.Convert")
	}
	if rv.Type() == want {
		return v, nil
	}
	mismatch := func() error {
		return fault.New(fault.IncompatibleArg,
			fmt.Sprintf("cannot use %v (%T) as %v", v, v, want), "attribute.Convert")
	}

	out := reflect.New(want).Elem()
	switch want.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, ok := asInt(rv)
		if !ok || out.OverflowInt(i) {
			return nil, mismatch()
		}
		out.SetInt(i)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, ok := asUint(rv)
		if !ok || out.OverflowUint(u) {
			return nil, mismatch()
		}
		out.SetUint(u)
	case reflect.Float32, reflect.Float64:
		x, ok := asFloat(rv)
		if !ok || out.OverflowFloat(x) {
			return nil, mismatch()
		}
		out.SetFloat(x)
	default:
		return nil, mismatch()
	}
	return out.Interface(), nil
}

func asInt(rv reflect.Value) (int64, bool) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		return int64(u), u <= math.MaxInt64
	case reflect.Float32, reflect.Float64:
		x := rv.Float()
		if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	default:
		return 0, false
	}
}

func asUint(rv reflect.Value) (uint64, bool) {
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		return uint64(i), i >= 0
	case reflect.Float32, reflect.Float64:
		x := rv.Float()
		if x != math.Trunc(x) || x < 0 || x >= math.MaxUint64 {
			return 0, false
		}
		return uint64(x), true
	default:
		return 0, false
	}
}

func asFloat(rv reflect.Value) (float64, bool) {
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	default:
		return 0, false
	}
}
