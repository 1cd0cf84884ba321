package influxdb

import (
	"fmt"
	"reflect"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// PollMeasurement is the measurement polling samples are written to.
const PollMeasurement = "poll_samples"

// Field keys of a poll sample. Numeric values share one float field so a
// measurement never mixes field types.
const (
	fieldValue     = "value"
	fieldValueBool = "value_bool"
	fieldValueText = "value_text"
	fieldError     = "error"
)

// PollPoint builds the point of one polling record. A non-empty errText
// marks a failed sample and the value is ignored.
//
// Tags: device, kind (command or attribute), object.
func PollPoint(device, kind, object string, value any, errText string, when time.Time) *write.Point {
	tags := map[string]string{
		"device": device,
		"kind":   kind,
		"object": object,
	}

	fields := make(map[string]interface{}, 1)
	if errText != "" {
		fields[fieldError] = errText
	} else {
		key, v := pollField(value)
		fields[key] = v
	}
	return write.NewPoint(PollMeasurement, tags, fields, when)
}

// pollField maps a sample value to a field. Scalars keep their kind;
// anything else is stored as text.
func pollField(value any) (string, interface{}) {
	if value == nil {
		return fieldValueText, ""
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Bool:
		return fieldValueBool, rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fieldValue, float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fieldValue, float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return fieldValue, rv.Float()
	case reflect.String:
		return fieldValueText, rv.String()
	default:
		return fieldValueText, fmt.Sprint(value)
	}
}

// WritePollSample queues one polling record for export. Records written
// after Close are dropped.
func (c *Client) WritePollSample(device, kind, object string, value any, errText string, when time.Time) {
	if c.closed.Load() {
		return
	}
	c.writeAPI.WritePoint(PollPoint(device, kind, object, value, errText, when))
	c.written.Add(1)
}
