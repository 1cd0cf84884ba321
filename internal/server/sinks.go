package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/infrastructure/mqtt"
	"github.com/nerrad567/devserver/internal/polling"
)

// Sample is the published form of one polling record.
type Sample struct {
	Device  string    `json:"device"`
	Kind    string    `json:"kind"`
	Name    string    `json:"name"`
	Time    time.Time `json:"time"`
	Value   any       `json:"value,omitempty"`
	Quality string    `json:"quality,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// SampleOf flattens a record. skew is the engine timestamp skew, added
// back so the sample carries wall-clock time. Attribute readings
// contribute their value and quality; device states are rendered by name.
func SampleOf(key polling.ObjectKey, rec polling.Record, skew time.Duration) Sample {
	s := Sample{
		Device: key.Device,
		Kind:   key.Kind.String(),
		Name:   key.Name,
		Time:   rec.When.Add(skew),
	}
	if rec.Err != nil {
		s.Error = rec.Err.Error()
		return s
	}
	switch v := rec.Value.(type) {
	case attribute.Reading:
		s.Value = v.Value
		s.Quality = v.Quality.String()
	case device.State:
		s.Value = v.String()
	default:
		s.Value = v
	}
	return s
}

// Publisher publishes MQTT messages. *mqtt.Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTSink publishes every polling record as JSON on its poll topic.
// Publish failures are logged and dropped.
func MQTTSink(pub Publisher, topics mqtt.Topics, qos byte, skew time.Duration, logger Logger) polling.HistorySink {
	return func(key polling.ObjectKey, rec polling.Record) {
		payload, err := json.Marshal(SampleOf(key, rec, skew))
		if err != nil {
			logger.Warn("poll sample not encodable", "object", key.String(), "error", err)
			return
		}
		topic := topics.Poll(key.Device, key.Kind.String(), key.Name)
		if err := pub.Publish(topic, payload, qos, false); err != nil {
			logger.Debug("poll sample not published", "topic", topic, "error", err)
		}
	}
}

// PointWriter writes polling records to a time-series store.
// *influxdb.Client implements it.
type PointWriter interface {
	WritePollSample(device, kind, object string, value any, errText string, when time.Time)
}

// InfluxSink writes every polling record to a time-series store.
func InfluxSink(w PointWriter, skew time.Duration) polling.HistorySink {
	return func(key polling.ObjectKey, rec polling.Record) {
		s := SampleOf(key, rec, skew)
		w.WritePollSample(s.Device, s.Kind, s.Name, s.Value, s.Error, s.Time)
	}
}

// Logger is the logging interface used by the sinks.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// String renders a sample for logs.
func (s Sample) String() string {
	if s.Error != "" {
		return fmt.Sprintf("%s/%s/%s: error %s", s.Device, s.Kind, s.Name, s.Error)
	}
	return fmt.Sprintf("%s/%s/%s = %v", s.Device, s.Kind, s.Name, s.Value)
}
