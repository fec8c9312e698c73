package bus

import (
	"math"
	"testing"

	"github.com/banshee-data/position.report/internal/binner"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func testGeometry(t *testing.T) *geom.Geometry {
	t.Helper()
	g, err := geom.New(map[geom.AnchorID]geom.AnchorConfig{
		0: {Position: geom.Vec{X: 480, Y: 600, Z: 239}},
		1: {Position: geom.Vec{X: 0, Y: 600, Z: 239}},
		2: {Position: geom.Vec{X: 480, Y: 0, Z: 239}},
		3: {Position: geom.Vec{X: 0, Y: 0, Z: 239}},
	})
	if err != nil {
		t.Fatalf("geom.New: %v", err)
	}
	return g
}

func TestParseMeasurement(t *testing.T) {
	payload := []byte(`{"t_unix_ns": 1700000000500000000, "vector_local": {"x": 1.5, "y": -2, "z": 3}}`)
	m, err := ParseMeasurement("uwb/anchor/2/vector", payload, 7)
	if err != nil {
		t.Fatalf("ParseMeasurement: %v", err)
	}
	if m.AnchorID != 2 {
		t.Errorf("anchor = %d, want 2", m.AnchorID)
	}
	if m.TagID != 7 {
		t.Errorf("tag = %d, want 7", m.TagID)
	}
	if math.Abs(m.Timestamp-1700000000.5) > 1e-6 {
		t.Errorf("timestamp = %v, want 1700000000.5", m.Timestamp)
	}
	if m.Local.X != 1.5 || m.Local.Y != -2 || m.Local.Z != 3 {
		t.Errorf("local = %v", m.Local)
	}
}

func TestParseMeasurementIgnoresUnknownFields(t *testing.T) {
	payload := []byte(`{"t_unix_ns": 1000000000, "vector_local": {"x": 1, "y": 2, "z": 3}, "firmware": "v9", "rssi": -70}`)
	if _, err := ParseMeasurement("uwb/anchor/0/vector", payload, 0); err != nil {
		t.Fatalf("unknown fields must be ignored: %v", err)
	}
}

func TestParseMeasurementErrors(t *testing.T) {
	cases := []struct {
		name    string
		topic   string
		payload string
	}{
		{"malformed json", "uwb/anchor/0/vector", `{"t_unix_ns": `},
		{"missing timestamp", "uwb/anchor/0/vector", `{"vector_local": {"x": 1, "y": 2, "z": 3}}`},
		{"negative timestamp", "uwb/anchor/0/vector", `{"t_unix_ns": -5, "vector_local": {"x": 1, "y": 2, "z": 3}}`},
		{"bad anchor id", "uwb/anchor/banana/vector", `{"t_unix_ns": 1, "vector_local": {"x": 1, "y": 2, "z": 3}}`},
		{"wrong topic shape", "uwb/tag/0/position", `{"t_unix_ns": 1, "vector_local": {"x": 1, "y": 2, "z": 3}}`},
		{"oversized anchor id", "uwb/anchor/300/vector", `{"t_unix_ns": 1, "vector_local": {"x": 1, "y": 2, "z": 3}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseMeasurement(tc.topic, []byte(tc.payload), 0); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestAnchorFromTopicWithNestedBase(t *testing.T) {
	id, err := anchorFromTopic("site/floor2/uwb/anchor/3/vector")
	if err != nil {
		t.Fatalf("anchorFromTopic: %v", err)
	}
	if id != 3 {
		t.Errorf("anchor = %d, want 3", id)
	}
}

// sinkFunc adapts a function to the Sink interface.
type sinkFunc func(binner.Measurement) binner.Result

func (f sinkFunc) Insert(m binner.Measurement) binner.Result { return f(m) }

// fakeMessage implements mqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (f fakeMessage) Duplicate() bool   { return false }
func (f fakeMessage) Qos() byte         { return 0 }
func (f fakeMessage) Retained() bool    { return false }
func (f fakeMessage) Topic() string     { return f.topic }
func (f fakeMessage) MessageID() uint16 { return 0 }
func (f fakeMessage) Payload() []byte   { return f.payload }
func (f fakeMessage) Ack()              {}

func TestHandleMessageRoutesToSink(t *testing.T) {
	g := testGeometry(t)
	var got []binner.Measurement
	in := NewIngest(Config{TagID: 0}, g, sinkFunc(func(m binner.Measurement) binner.Result {
		got = append(got, m)
		return binner.Result{Accepted: true}
	}))

	in.handleMessage(nil, fakeMessage{
		topic:   "uwb/anchor/1/vector",
		payload: []byte(`{"t_unix_ns": 1000000000, "vector_local": {"x": 10, "y": 20, "z": 30}}`),
	})

	if len(got) != 1 {
		t.Fatalf("sink received %d measurements, want 1", len(got))
	}
	if c := in.Counters(); c.Received != 1 || c.InvalidPayload+c.UnknownAnchor+c.InvalidVector != 0 {
		t.Errorf("counters = %+v", c)
	}
}

func TestHandleMessageDropCategories(t *testing.T) {
	g := testGeometry(t)
	in := NewIngest(Config{TagID: 0}, g, sinkFunc(func(binner.Measurement) binner.Result {
		return binner.Result{Accepted: true}
	}))

	// Malformed payload.
	in.handleMessage(nil, fakeMessage{topic: "uwb/anchor/0/vector", payload: []byte(`nope`)})
	// Unknown anchor (9 not in geometry, topic itself is well-formed).
	in.handleMessage(nil, fakeMessage{
		topic:   "uwb/anchor/9/vector",
		payload: []byte(`{"t_unix_ns": 1000000000, "vector_local": {"x": 1, "y": 2, "z": 3}}`),
	})
	// Vectors beyond the sanity bound (default 2x room diagonal).
	in.handleMessage(nil, fakeMessage{
		topic:   "uwb/anchor/0/vector",
		payload: []byte(`{"t_unix_ns": 1000000000, "vector_local": {"x": 0, "y": 88888, "z": 0}}`),
	})
	in.handleMessage(nil, fakeMessage{
		topic:   "uwb/anchor/0/vector",
		payload: []byte(`{"t_unix_ns": 1000000000, "vector_local": {"x": 99999, "y": 0, "z": 0}}`),
	})

	c := in.Counters()
	if c.InvalidPayload != 1 {
		t.Errorf("invalid payload = %d, want 1", c.InvalidPayload)
	}
	if c.UnknownAnchor != 1 {
		t.Errorf("unknown anchor = %d, want 1", c.UnknownAnchor)
	}
	if c.InvalidVector != 2 {
		t.Errorf("invalid vector = %d, want 2", c.InvalidVector)
	}
	if c.Received != 4 {
		t.Errorf("received = %d, want 4", c.Received)
	}
}

func TestVectorTopicPattern(t *testing.T) {
	in := NewIngest(Config{BaseTopic: "uwb"}, testGeometry(t), nil)
	if got := in.vectorTopic(); got != "uwb/anchor/+/vector" {
		t.Errorf("vector topic = %q", got)
	}
}
