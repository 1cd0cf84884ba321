package server

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devserver/internal/attribute"
	"github.com/nerrad567/devserver/internal/device"
	"github.com/nerrad567/devserver/internal/infrastructure/logging"
	"github.com/nerrad567/devserver/internal/infrastructure/mqtt"
	"github.com/nerrad567/devserver/internal/polling"
)

type published struct {
	topic   string
	payload []byte
	qos     byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, payload []byte, qos byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, payload: payload, qos: qos})
	return p.err
}

type point struct {
	device, kind, object string
	value                any
	errText              string
	when                 time.Time
}

type fakeWriter struct {
	mu     sync.Mutex
	points []point
}

func (w *fakeWriter) WritePollSample(device, kind, object string, value any, errText string, when time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, point{device, kind, object, value, errText, when})
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

const testSkew = time.Hour

var wall = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func TestSampleOf(t *testing.T) {
	key := polling.Key(motor1, polling.KindAttribute, "Position")

	s := SampleOf(key, polling.Record{
		When:  wall.Add(-testSkew),
		Value: attribute.Reading{Name: "Position", Value: 4.5, Quality: attribute.Alarm},
	}, testSkew)
	assert.Equal(t, Sample{
		Device: motor1, Kind: "attribute", Name: "position",
		Time: wall, Value: 4.5, Quality: "ALARM",
	}, s)
	assert.Equal(t, "lab/motor/1/attribute/position = 4.5", s.String())

	s = SampleOf(polling.Key(motor1, polling.KindCommand, "State"),
		polling.Record{When: wall, Value: device.Moving}, 0)
	assert.Equal(t, "MOVING", s.Value)

	s = SampleOf(key, polling.Record{When: wall, Value: 1.0, Err: errors.New("encoder lost")}, 0)
	assert.Nil(t, s.Value)
	assert.Equal(t, "encoder lost", s.Error)
	assert.Contains(t, s.String(), "error encoder lost")
}

func TestMQTTSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := MQTTSink(pub, mqtt.NewTopics("plant"), 1, testSkew, logging.Discard())

	sink(polling.Key(motor1, polling.KindAttribute, "Position"), polling.Record{
		When:  wall.Add(-testSkew),
		Value: attribute.Reading{Name: "Position", Value: 2.0, Quality: attribute.Valid},
	})

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "plant/poll/lab/motor/1/attribute/position", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var got Sample
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, wall, got.Time.UTC())
	assert.Equal(t, 2.0, got.Value)
	assert.Equal(t, "VALID", got.Quality)

	// Broker failures are not propagated.
	pub.err = errors.New("not connected")
	sink(polling.Key(motor1, polling.KindCommand, "GetPosition"), polling.Record{When: wall, Value: 1.0})
	assert.Len(t, pub.msgs, 2)
}

func TestInfluxSink(t *testing.T) {
	w := &fakeWriter{}
	sink := InfluxSink(w, testSkew)

	sink(polling.Key(motor2, polling.KindAttribute, "Speed"), polling.Record{
		When:  wall.Add(-testSkew),
		Value: attribute.Reading{Name: "Speed", Value: 3.0},
	})
	sink(polling.Key(motor2, polling.KindCommand, "GetPosition"), polling.Record{
		When: wall.Add(-testSkew),
		Err:  errors.New("timeout"),
	})

	require.Len(t, w.points, 2)
	assert.Equal(t, point{"lab/motor/2", "attribute", "speed", 3.0, "", wall}, w.points[0])
	assert.Equal(t, "timeout", w.points[1].errText)
	assert.Nil(t, w.points[1].value)
}

func TestSinks_ReceiveEngineRecords(t *testing.T) {
	e := initialised(t)
	w := &fakeWriter{}
	e.rt.Engine().AddSink(InfluxSink(w, e.rt.Engine().Skew()))

	require.NoError(t, e.rt.AddObjPolling(t.Context(),
		PollArg{Device: motor1, Kind: "attribute", Name: "Position", PeriodMS: 20}))
	e.motor.mu.Lock()
	e.motor.position = 8
	e.motor.mu.Unlock()

	go func() { _ = e.rt.Engine().Run(t.Context()) }()
	e.rt.Engine().Start()
	t.Cleanup(e.rt.Engine().Close)

	require.Eventually(t, func() bool {
		return lastValue(e.rt.Engine()) == 8.0 && w.count() > 0
	}, 2*time.Second, 5*time.Millisecond)

	w.mu.Lock()
	first := w.points[0]
	w.mu.Unlock()
	assert.Equal(t, "position", first.object)
	assert.WithinDuration(t, time.Now(), first.when, time.Minute)
}

func lastValue(eng *polling.Engine) any {
	rec, err := eng.Last(motor1, polling.KindAttribute, "Position")
	if err != nil {
		return nil
	}
	rd, ok := rec.Value.(attribute.Reading)
	if !ok {
		return nil
	}
	return rd.Value
}
