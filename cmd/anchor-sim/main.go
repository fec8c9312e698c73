// anchor-sim publishes synthetic anchor vector measurements so the full
// pipeline can be exercised without UWB hardware. Each simulated anchor
// reports the true vector to a moving (or fixed) tag, expressed in its own
// local frame, plus optional Gaussian noise.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/geom"
)

var (
	configPath = flag.String("config", "config/position.json", "Path to the JSON configuration file")
	rateHz     = flag.Float64("rate", 10, "Per-anchor report rate in Hz")
	noiseCM    = flag.Float64("noise", 2.0, "Gaussian noise sigma per component (cm)")
	tagX       = flag.Float64("x", 240, "Tag X when not orbiting (cm)")
	tagY       = flag.Float64("y", 300, "Tag Y when not orbiting (cm)")
	tagZ       = flag.Float64("z", 100, "Tag Z (cm)")
	orbit      = flag.Bool("orbit", false, "Move the tag on a circle around the room centre")
	orbitCM    = flag.Float64("orbit-radius", 150, "Orbit radius (cm)")
)

type vectorPayload struct {
	TUnixNs     int64 `json:"t_unix_ns"`
	VectorLocal struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
		Z float64 `json:"z"`
	} `json:"vector_local"`
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	geo, err := geom.New(cfg.AnchorConfigs())
	if err != nil {
		log.Fatalf("failed to build anchor geometry: %v", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.GetBusHost(), cfg.GetBusPort())).
		SetClientID(cfg.GetClientID() + "-sim").
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	defer client.Disconnect(250)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	centre := geo.Centroid()
	interval := time.Duration(float64(time.Second) / *rateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	startedAt := time.Now()
	log.Printf("simulating %d anchors at %.1f Hz, noise sigma %.1f cm", len(geo.Positions), *rateHz, *noiseCM)

	for {
		select {
		case <-stop:
			log.Print("stopping")
			return
		case now := <-ticker.C:
			tag := tagPosition(centre, now.Sub(startedAt))
			for _, id := range geo.IDs() {
				local := localVector(geo, id, tag)
				local.X += rand.NormFloat64() * *noiseCM
				local.Y += rand.NormFloat64() * *noiseCM
				local.Z += rand.NormFloat64() * *noiseCM

				var p vectorPayload
				p.TUnixNs = now.UnixNano()
				p.VectorLocal.X = local.X
				p.VectorLocal.Y = local.Y
				p.VectorLocal.Z = local.Z
				payload, err := json.Marshal(p)
				if err != nil {
					log.Printf("marshal payload: %v", err)
					continue
				}
				topic := fmt.Sprintf("%s/anchor/%d/vector", cfg.GetBaseTopic(), id)
				client.Publish(topic, 0, false, payload)
			}
		}
	}
}

// tagPosition returns the simulated true tag position at elapsed time t.
func tagPosition(centre geom.Vec, t time.Duration) geom.Vec {
	if !*orbit {
		return geom.Vec{X: *tagX, Y: *tagY, Z: *tagZ}
	}
	// One revolution per minute.
	angle := 2 * math.Pi * t.Minutes()
	return geom.Vec{
		X: centre.X + *orbitCM*math.Cos(angle),
		Y: centre.Y + *orbitCM*math.Sin(angle),
		Z: *tagZ,
	}
}

// localVector expresses the anchor-to-tag vector in the anchor's local
// frame: the inverse of the local-to-global rotation is its transpose.
func localVector(geo *geom.Geometry, id geom.AnchorID, tag geom.Vec) geom.Vec {
	global := tag.Sub(geo.Positions[id])
	return geom.Rotate(geo.Rotations[id].T(), global)
}
