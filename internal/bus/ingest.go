// Package bus binds the pipeline to the MQTT message bus: inbound anchor
// vector measurements and outbound tag position updates. It validates and
// converts payloads, counts drops by category, and leans on the client's
// bounded-backoff auto-reconnect for transport failures. No measurements are
// fabricated while disconnected.
package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/binner"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/monitoring"
)

// Sink receives validated measurements. The bus depends on this interface,
// not on the binner concretely.
type Sink interface {
	Insert(binner.Measurement) binner.Result
}

// Config describes the broker endpoint and topic layout.
type Config struct {
	Host      string
	Port      int
	BaseTopic string
	ClientID  string

	// TagID is the single-tag slot every inbound measurement is attributed
	// to. The wire format carries no tag id; the design admits a small fixed
	// set, the current deployment runs one.
	TagID binner.TagID

	// MaxVectorNorm rejects any measurement longer than this bound (cm),
	// conventionally twice the room diagonal.
	MaxVectorNorm float64
}

// Counters is a monotonic snapshot of ingest drop categories.
type Counters struct {
	Received       uint64
	InvalidPayload uint64
	UnknownAnchor  uint64
	InvalidVector  uint64
}

// Ingest is one subscription session against the bus. Messages are handed to
// the sink on the client's dispatch goroutine; each delivery is one trip
// through validation and one Insert, with no blocking on the solver.
type Ingest struct {
	cfg    Config
	geo    *geom.Geometry
	sink   Sink
	client mqtt.Client

	received       atomic.Uint64
	invalidPayload atomic.Uint64
	unknownAnchor  atomic.Uint64
	invalidVector  atomic.Uint64
}

// NewIngest prepares an ingest session. Call Start to connect.
func NewIngest(cfg Config, geo *geom.Geometry, sink Sink) *Ingest {
	if cfg.MaxVectorNorm <= 0 {
		cfg.MaxVectorNorm = 2 * geo.Diagonal()
	}
	return &Ingest{cfg: cfg, geo: geo, sink: sink}
}

// vectorTopic returns the subscription filter for anchor reports.
func (in *Ingest) vectorTopic() string {
	return in.cfg.BaseTopic + "/anchor/+/vector"
}

// Start connects to the broker and subscribes. A failure to reach the broker
// here is fatal to the caller; once connected, transport drops are handled by
// auto-reconnect with bounded exponential backoff, and the subscription is
// re-established on every (re)connect.
func (in *Ingest) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", in.cfg.Host, in.cfg.Port)).
		SetClientID(in.cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			monitoring.Logf("bus: connection lost: %v", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			topic := in.vectorTopic()
			if token := c.Subscribe(topic, 0, in.handleMessage); token.Wait() && token.Error() != nil {
				monitoring.Logf("bus: subscribe %q failed: %v", topic, token.Error())
				return
			}
			monitoring.Logf("bus: subscribed to %q", topic)
		})

	in.client = mqtt.NewClient(opts)
	if token := in.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("bus: connect to %s:%d: %w", in.cfg.Host, in.cfg.Port, token.Error())
	}
	return nil
}

// Stop disconnects from the broker, allowing a short drain for in-flight
// work. Reconnect attempts cease.
func (in *Ingest) Stop() {
	if in.client != nil {
		in.client.Disconnect(250)
	}
}

// Counters returns a snapshot of the drop counters.
func (in *Ingest) Counters() Counters {
	return Counters{
		Received:       in.received.Load(),
		InvalidPayload: in.invalidPayload.Load(),
		UnknownAnchor:  in.unknownAnchor.Load(),
		InvalidVector:  in.invalidVector.Load(),
	}
}

func (in *Ingest) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	in.received.Add(1)

	m, err := ParseMeasurement(msg.Topic(), msg.Payload(), in.cfg.TagID)
	if err != nil {
		in.invalidPayload.Add(1)
		monitoring.Logf("bus: dropping malformed payload on %q: %v", msg.Topic(), err)
		return
	}
	if !in.geo.Has(m.AnchorID) {
		in.unknownAnchor.Add(1)
		return
	}
	if !geom.IsFinite(m.Local) || r3.Norm(m.Local) > in.cfg.MaxVectorNorm {
		in.invalidVector.Add(1)
		return
	}

	in.sink.Insert(m)
}

// vectorPayload is the inbound wire format. Unknown fields are ignored.
type vectorPayload struct {
	TUnixNs     int64 `json:"t_unix_ns"`
	VectorLocal struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
		Z float64 `json:"z"`
	} `json:"vector_local"`
}

// ParseMeasurement converts one wire message into a Measurement: the anchor
// id comes from the topic, the timestamp is converted from nanoseconds to
// seconds, the vector stays in centimeters.
func ParseMeasurement(topic string, payload []byte, tag binner.TagID) (binner.Measurement, error) {
	id, err := anchorFromTopic(topic)
	if err != nil {
		return binner.Measurement{}, err
	}

	var p vectorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return binner.Measurement{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if p.TUnixNs <= 0 {
		return binner.Measurement{}, fmt.Errorf("missing or non-positive t_unix_ns")
	}

	return binner.Measurement{
		Timestamp: float64(p.TUnixNs) / 1e9,
		AnchorID:  id,
		TagID:     tag,
		Local: geom.Vec{
			X: p.VectorLocal.X,
			Y: p.VectorLocal.Y,
			Z: p.VectorLocal.Z,
		},
	}, nil
}

// anchorFromTopic extracts the anchor id from "<base>/anchor/<id>/vector".
func anchorFromTopic(topic string) (geom.AnchorID, error) {
	parts := strings.Split(topic, "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "anchor" && parts[i+2] == "vector" {
			n, err := strconv.ParseUint(parts[i+1], 10, 8)
			if err != nil {
				return 0, fmt.Errorf("bad anchor id %q in topic %q", parts[i+1], topic)
			}
			return geom.AnchorID(n), nil
		}
	}
	return 0, fmt.Errorf("topic %q does not match anchor vector pattern", topic)
}
