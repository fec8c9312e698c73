// Package binner maintains a per-tag sliding window of UWB measurements and
// applies two-stage statistical quality filtering at insertion time. Bad
// measurements are never buffered, so a misbehaving anchor's statistics decay
// as the window slides: the filter heals itself within one window duration of
// good input.
package binner

import (
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/position.report/internal/geom"
)

// TagID identifies a mobile tag (phone) being localized.
type TagID uint32

// Measurement is a single anchor report: the vector from the anchor to the
// tag in the anchor's sensor-local frame, in centimeters. Immutable once
// ingested.
type Measurement struct {
	Timestamp float64 // seconds since the shared monotonic epoch
	AnchorID  geom.AnchorID
	TagID     TagID
	Local     geom.Vec
}

// Bin is the unit of work for one solve tick: all buffered measurements for
// one tag, grouped by reporting anchor, over [Start, End].
type Bin struct {
	TagID     TagID
	Start     float64
	End       float64
	PerAnchor map[geom.AnchorID][]geom.Vec
}

// Reason classifies why an insert was rejected.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonLateDrop
	ReasonStatisticalOutlier
	ReasonVarianceTooHigh
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "accepted"
	case ReasonLateDrop:
		return "late_drop"
	case ReasonStatisticalOutlier:
		return "statistical_outlier"
	case ReasonVarianceTooHigh:
		return "variance_too_high"
	}
	return "unknown"
}

// Result reports the outcome of one Insert. Value carries the z-score for
// statistical outliers and the predicted variance for variance rejections.
type Result struct {
	Accepted bool
	Reason   Reason
	Value    float64
}

// Counters is a monotonic snapshot of insert outcomes.
type Counters struct {
	Accepted           uint64
	LateDrops          uint64
	StatisticalOutlier uint64
	VarianceTooHigh    uint64
}

// Config holds the binner tuning parameters.
type Config struct {
	// WindowSeconds is the sliding window length. The window follows the
	// measurement stream, not the wall clock, so late but still-recent
	// measurements are admitted.
	WindowSeconds float64

	// OutlierSigma is the z-score threshold for the per-anchor distance
	// distribution.
	OutlierSigma float64

	// MinSamplesForOutlierCheck is how many same-anchor samples must be
	// buffered before the z-score check activates.
	MinSamplesForOutlierCheck int

	// MaxAnchorVariance caps the per-anchor distance variance (cm^2),
	// evaluated as if the candidate measurement were already buffered.
	MaxAnchorVariance float64
}

// DefaultConfig returns the standard binner tuning.
func DefaultConfig() Config {
	return Config{
		WindowSeconds:             1.0,
		OutlierSigma:              2.0,
		MinSamplesForOutlierCheck: 5,
		MaxAnchorVariance:         10000, // ~100 cm standard deviation
	}
}

// Binner is a sliding-window buffer for a single tag. Insert and EmitBin are
// safe for concurrent use; within one tag they are serialized by the internal
// mutex.
type Binner struct {
	tag TagID
	cfg Config

	mu       sync.Mutex
	buf      []Measurement // ordered by insertion
	latestTS float64
	counters Counters
}

// New creates a binner for one tag.
func New(tag TagID, cfg Config) *Binner {
	return &Binner{tag: tag, cfg: cfg}
}

// Insert applies the window rule and the two-stage quality filter, then
// buffers the measurement and evicts anything that has slid out of the
// window. Rejections are local and non-fatal; they are reported only through
// the Result and the counters.
func (b *Binner) Insert(m Measurement) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.latestTS
	if m.Timestamp > now {
		now = m.Timestamp
	}
	windowStart := now - b.cfg.WindowSeconds

	if m.Timestamp < windowStart {
		b.counters.LateDrops++
		return Result{Reason: ReasonLateDrop}
	}

	// Distances of currently buffered same-anchor measurements.
	dist := r3norm(m.Local)
	var sameAnchor []float64
	for _, prev := range b.buf {
		if prev.AnchorID == m.AnchorID {
			sameAnchor = append(sameAnchor, r3norm(prev.Local))
		}
	}

	if len(sameAnchor) >= b.cfg.MinSamplesForOutlierCheck {
		mean, sd := stat.MeanStdDev(sameAnchor, nil)
		if sd > 0 {
			z := (dist - mean) / sd
			if z < 0 {
				z = -z
			}
			if z > b.cfg.OutlierSigma {
				b.counters.StatisticalOutlier++
				return Result{Reason: ReasonStatisticalOutlier, Value: z}
			}
		}
	}

	// Predictive variance: evaluated as if the measurement were added.
	predicted := append(append([]float64(nil), sameAnchor...), dist)
	if len(predicted) > 1 {
		if v := stat.Variance(predicted, nil); v > b.cfg.MaxAnchorVariance {
			b.counters.VarianceTooHigh++
			return Result{Reason: ReasonVarianceTooHigh, Value: v}
		}
	}

	b.buf = append(b.buf, m)
	if m.Timestamp > b.latestTS {
		b.latestTS = m.Timestamp
	}
	b.evictLocked()
	b.counters.Accepted++
	return Result{Accepted: true}
}

// evictLocked drops every buffered measurement older than the window behind
// the latest buffered timestamp. Called with b.mu held.
func (b *Binner) evictLocked() {
	cutoff := b.latestTS - b.cfg.WindowSeconds
	keep := b.buf[:0]
	for _, m := range b.buf {
		if m.Timestamp >= cutoff {
			keep = append(keep, m)
		}
	}
	// Zero the tail so evicted measurements don't pin memory.
	for i := len(keep); i < len(b.buf); i++ {
		b.buf[i] = Measurement{}
	}
	b.buf = keep
}

// EmitBin snapshots the current buffer into a Bin. It does not clear the
// buffer: eviction on insert is the only retention policy, so consecutive
// ticks may share overlapping measurements, and during stream silence the
// last bin stays emittable until fresh inserts evict it.
func (b *Binner) EmitBin() (Bin, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buf) == 0 {
		return Bin{}, false
	}

	bin := Bin{
		TagID:     b.tag,
		Start:     b.buf[0].Timestamp,
		End:       b.buf[0].Timestamp,
		PerAnchor: make(map[geom.AnchorID][]geom.Vec),
	}
	for _, m := range b.buf {
		if m.Timestamp < bin.Start {
			bin.Start = m.Timestamp
		}
		if m.Timestamp > bin.End {
			bin.End = m.Timestamp
		}
		bin.PerAnchor[m.AnchorID] = append(bin.PerAnchor[m.AnchorID], m.Local)
	}
	return bin, true
}

// Counters returns a snapshot of the monotonic insert counters.
func (b *Binner) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

// Len returns the number of currently buffered measurements.
func (b *Binner) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func r3norm(v geom.Vec) float64 {
	return r3.Norm(v)
}
