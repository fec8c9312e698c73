package bus

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/position.report/internal/binner"
	"github.com/banshee-data/position.report/internal/monitoring"
)

// PositionMessage is the outbound wire format for a solved tag position.
type PositionMessage struct {
	TUnixNs        int64   `json:"t_unix_ns"`
	PositionGlobal XYZ     `json:"position_global"`
	Residual       float64 `json:"residual"`
	Converged      bool    `json:"converged"`
	AnchorEdges    int     `json:"n_anchor_edges_used"`
}

// XYZ is a plain JSON vector in centimeters.
type XYZ struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Publisher pushes solved positions back onto the bus for external
// collaborators (visualisation tabs, audio routing). It shares the broker
// endpoint with the ingest session but holds its own client so a slow
// publish never backs up the measurement dispatch.
type Publisher struct {
	cfg    Config
	client mqtt.Client
}

// NewPublisher prepares a publisher. Call Start to connect.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{cfg: cfg}
}

// Start connects the publisher to the broker.
func (p *Publisher) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", p.cfg.Host, p.cfg.Port)).
		SetClientID(p.cfg.ClientID + "-pub").
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second)
	p.client = mqtt.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("bus: publisher connect: %w", token.Error())
	}
	return nil
}

// Stop disconnects the publisher.
func (p *Publisher) Stop() {
	if p.client != nil {
		p.client.Disconnect(250)
	}
}

// Publish emits one position update on <base>/tag/<id>/position. Publish
// failures are logged, not returned: a missed update is superseded by the
// next tick anyway.
func (p *Publisher) Publish(tag binner.TagID, msg PositionMessage) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		monitoring.Logf("bus: marshal position update: %v", err)
		return
	}
	topic := fmt.Sprintf("%s/tag/%d/position", p.cfg.BaseTopic, tag)
	if token := p.client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
		monitoring.Logf("bus: publish %q: %v", topic, token.Error())
	}
}
