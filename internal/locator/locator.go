// Package locator coordinates the localization pipeline: it owns the per-tag
// sliding-window binners, runs the periodic solve tick, maintains the
// latest-position slots, and fans successful solves out to subscribers, the
// bus publisher, and the history store.
package locator

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/banshee-data/position.report/internal/binner"
	"github.com/banshee-data/position.report/internal/bus"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/pgo"
	"github.com/banshee-data/position.report/internal/timeutil"
)

// Position is the externally visible localization state for one tag: the
// most recent successful solve plus its quality metrics. Staleness shows up
// through the timestamps and the Stale flag when a later solve failed to
// converge.
type Position struct {
	TagID      binner.TagID
	Vec        geom.Vec
	BinStart   float64
	BinEnd     float64
	Residual   float64
	Iterations int
	Converged  bool

	// AnchorEdges is how many anchors constrained the solve. Below two the
	// result is underconstrained; consumers decide whether to ignore it.
	AnchorEdges int

	// Stale is set when a newer tick failed and this position was carried
	// over instead of being replaced.
	Stale bool
}

// TickMetrics describes one solve tick for one tag.
type TickMetrics struct {
	TagID      binner.TagID
	BinSizes   map[geom.AnchorID]int
	Rejections binner.Counters // delta since the previous tick
	Iterations int
	Residual   float64
	WallTime   time.Duration

	// Skipped is empty for a completed tick, otherwise the reason the tick
	// produced no update ("empty_bin", "no_tag_edges", "numeric_failure").
	Skipped string
}

// Publisher pushes solved positions onto the bus. Optional.
type Publisher interface {
	Publish(tag binner.TagID, msg bus.PositionMessage)
}

// Recorder persists solved positions. Optional.
type Recorder interface {
	RecordPosition(Position) error
}

// Config collects the coordinator tuning.
type Config struct {
	Binner       binner.Config
	Solver       pgo.SolverConfig
	TickInterval time.Duration
}

// slot is one latest-position cell; its mutex scopes the short critical
// sections of reads and updates so they never block ingest or the solver.
type slot struct {
	mu  sync.Mutex
	pos Position
	set bool
}

// Coordinator owns the pipeline lifecycle and per-tag state. Create with
// New, wire optional collaborators, then Run.
type Coordinator struct {
	geo   *geom.Geometry
	cfg   Config
	clock timeutil.Clock

	publisher Publisher
	recorder  Recorder

	binnerMu     sync.Mutex
	binners      map[binner.TagID]*binner.Binner
	lastCounters map[binner.TagID]binner.Counters

	slotMu sync.Mutex
	slots  map[binner.TagID]*slot

	subscriberMu sync.Mutex
	subscribers  map[string]chan Position

	tickMu    sync.Mutex
	lastTicks map[binner.TagID]TickMetrics
}

// New creates a coordinator over the given geometry.
func New(geo *geom.Geometry, cfg Config, clock timeutil.Clock) *Coordinator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Coordinator{
		geo:          geo,
		cfg:          cfg,
		clock:        clock,
		binners:      make(map[binner.TagID]*binner.Binner),
		lastCounters: make(map[binner.TagID]binner.Counters),
		slots:        make(map[binner.TagID]*slot),
		subscribers:  make(map[string]chan Position),
		lastTicks:    make(map[binner.TagID]TickMetrics),
	}
}

// SetPublisher wires the optional bus publisher. Must be called before Run.
func (c *Coordinator) SetPublisher(p Publisher) { c.publisher = p }

// SetRecorder wires the optional history store. Must be called before Run.
func (c *Coordinator) SetRecorder(r Recorder) { c.recorder = r }

// Insert routes one validated measurement to its tag's binner, creating the
// binner lazily on first sight of the tag. Implements bus.Sink; runs on the
// ingest dispatch goroutine and does no long work.
func (c *Coordinator) Insert(m binner.Measurement) binner.Result {
	c.binnerMu.Lock()
	b, ok := c.binners[m.TagID]
	if !ok {
		b = binner.New(m.TagID, c.cfg.Binner)
		c.binners[m.TagID] = b
	}
	c.binnerMu.Unlock()
	return b.Insert(m)
}

// Run drives the solve tick loop until the context is cancelled. In-flight
// solves run to completion; the iteration cap bounds each one.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			c.Tick()
		}
	}
}

// Tick runs one solve pass over every known tag. Exported so tests (and the
// mock clock) can drive the pipeline deterministically.
func (c *Coordinator) Tick() {
	c.binnerMu.Lock()
	tags := make([]binner.TagID, 0, len(c.binners))
	for tag := range c.binners {
		tags = append(tags, tag)
	}
	c.binnerMu.Unlock()

	for _, tag := range tags {
		c.solveTag(tag)
	}
}

func (c *Coordinator) solveTag(tag binner.TagID) {
	start := c.clock.Now()

	c.binnerMu.Lock()
	b := c.binners[tag]
	c.binnerMu.Unlock()
	if b == nil {
		return
	}

	metrics := TickMetrics{TagID: tag, BinSizes: make(map[geom.AnchorID]int)}
	metrics.Rejections = c.counterDelta(tag, b.Counters())
	defer func() {
		metrics.WallTime = c.clock.Now().Sub(start)
		c.recordTick(tag, metrics)
	}()

	bin, ok := b.EmitBin()
	if !ok {
		metrics.Skipped = "empty_bin"
		return
	}
	for id, vs := range bin.PerAnchor {
		metrics.BinSizes[id] = len(vs)
	}

	edges := pgo.BuildEdges(bin, c.geo)
	tagEdges := pgo.CountTagEdges(edges)
	if tagEdges == 0 {
		metrics.Skipped = "no_tag_edges"
		return
	}

	tagNode := pgo.TagNode(tag)
	var warm *geom.Vec
	if prev, ok := c.LatestPosition(tag); ok {
		v := prev.Vec
		warm = &v
	}

	result, err := pgo.Solve(pgo.Seeds(c.geo, tagNode, warm), edges, c.cfg.Solver)
	if err != nil {
		// Numeric failure or malformed graph: skip the tick, never
		// overwrite the previous position.
		metrics.Skipped = "numeric_failure"
		monitoring.Logf("locator: tag %d solve failed: %v", tag, err)
		return
	}
	metrics.Iterations = result.Iterations
	metrics.Residual = result.ResidualNorm

	if !result.Converged {
		c.markStale(tag)
		monitoring.Logf("locator: tag %d solve did not converge (residual %.3f); keeping previous position", tag, result.ResidualNorm)
		return
	}

	fixed, err := pgo.GaugeFix(result.Positions, c.geo)
	if err != nil {
		metrics.Skipped = "numeric_failure"
		monitoring.Logf("locator: tag %d gauge fix failed: %v", tag, err)
		return
	}

	pos := Position{
		TagID:       tag,
		Vec:         fixed[tagNode],
		BinStart:    bin.Start,
		BinEnd:      bin.End,
		Residual:    result.ResidualNorm,
		Iterations:  result.Iterations,
		Converged:   true,
		AnchorEdges: tagEdges,
	}
	c.updateSlot(pos)
	c.notify(pos)

	if c.publisher != nil {
		c.publisher.Publish(tag, bus.PositionMessage{
			TUnixNs: int64(bin.End * 1e9),
			PositionGlobal: bus.XYZ{
				X: pos.Vec.X,
				Y: pos.Vec.Y,
				Z: pos.Vec.Z,
			},
			Residual:    pos.Residual,
			Converged:   pos.Converged,
			AnchorEdges: pos.AnchorEdges,
		})
	}
	if c.recorder != nil {
		if err := c.recorder.RecordPosition(pos); err != nil {
			monitoring.Logf("locator: record position for tag %d: %v", tag, err)
		}
	}
}

// counterDelta returns the rejection counters accumulated since the last
// tick for this tag.
func (c *Coordinator) counterDelta(tag binner.TagID, now binner.Counters) binner.Counters {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	prev := c.lastCounters[tag]
	c.lastCounters[tag] = now
	return binner.Counters{
		Accepted:           now.Accepted - prev.Accepted,
		LateDrops:          now.LateDrops - prev.LateDrops,
		StatisticalOutlier: now.StatisticalOutlier - prev.StatisticalOutlier,
		VarianceTooHigh:    now.VarianceTooHigh - prev.VarianceTooHigh,
	}
}

func (c *Coordinator) recordTick(tag binner.TagID, m TickMetrics) {
	c.tickMu.Lock()
	c.lastTicks[tag] = m
	c.tickMu.Unlock()
}

// LastTick returns the metrics of the most recent tick for a tag.
func (c *Coordinator) LastTick(tag binner.TagID) (TickMetrics, bool) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	m, ok := c.lastTicks[tag]
	return m, ok
}

// Tags returns the tags that have produced at least one measurement.
func (c *Coordinator) Tags() []binner.TagID {
	c.binnerMu.Lock()
	defer c.binnerMu.Unlock()
	tags := make([]binner.TagID, 0, len(c.binners))
	for tag := range c.binners {
		tags = append(tags, tag)
	}
	return tags
}

// BinnerCounters returns the monotonic insert counters for a tag.
func (c *Coordinator) BinnerCounters(tag binner.TagID) (binner.Counters, bool) {
	c.binnerMu.Lock()
	b := c.binners[tag]
	c.binnerMu.Unlock()
	if b == nil {
		return binner.Counters{}, false
	}
	return b.Counters(), true
}

func (c *Coordinator) getSlot(tag binner.TagID) *slot {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	s, ok := c.slots[tag]
	if !ok {
		s = &slot{}
		c.slots[tag] = s
	}
	return s
}

func (c *Coordinator) updateSlot(pos Position) {
	s := c.getSlot(pos.TagID)
	s.mu.Lock()
	s.pos = pos
	s.set = true
	s.mu.Unlock()
}

func (c *Coordinator) markStale(tag binner.TagID) {
	s := c.getSlot(tag)
	s.mu.Lock()
	if s.set {
		s.pos.Stale = true
	}
	s.mu.Unlock()
}

// LatestPosition returns the most recent successful solve for a tag. The
// copy happens under the slot lock; readers never observe a torn vector.
func (c *Coordinator) LatestPosition(tag binner.TagID) (Position, bool) {
	s := c.getSlot(tag)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, s.set
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a channel that receives every successful solve. The
// returned ID identifies the channel for Unsubscribe. Slow subscribers skip
// updates rather than blocking the tick loop.
func (c *Coordinator) Subscribe() (string, chan Position) {
	id := randomID()
	ch := make(chan Position, 8)
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	c.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (c *Coordinator) Unsubscribe(id string) {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	if ch, ok := c.subscribers[id]; ok {
		close(ch)
		delete(c.subscribers, id)
	}
}

func (c *Coordinator) notify(pos Position) {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- pos:
		default:
		}
	}
}
