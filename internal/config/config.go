// Package config loads the pipeline configuration. The schema uses pointer
// fields so a partial JSON file is safe: fields omitted from the file fall
// back to defaults through the Get* accessors. Anchor geometry is the only
// mandatory section.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/position.report/internal/geom"
)

// Config is the root configuration. Loaded once at startup and treated as
// immutable thereafter.
type Config struct {
	Bus struct {
		Host      *string `json:"host,omitempty"`
		Port      *int    `json:"port,omitempty"`
		BaseTopic *string `json:"base_topic,omitempty"`
		ClientID  *string `json:"client_id,omitempty"`
	} `json:"bus"`

	// Anchors maps anchor id (as a JSON object key) to its installation.
	// Positions are centimeters in the global frame; yaw and tilt are
	// degrees. The tilt sign is a calibration decision carried entirely by
	// this file.
	Anchors struct {
		Positions map[string][3]float64 `json:"positions"`
		YawDeg    map[string]float64    `json:"yaw_deg"`
		TiltDeg   map[string]float64    `json:"tilt_deg"`
	} `json:"anchors"`

	Binner struct {
		WindowSeconds             *float64 `json:"window_seconds,omitempty"`
		OutlierSigma              *float64 `json:"outlier_sigma,omitempty"`
		MinSamplesForOutlierCheck *int     `json:"min_samples_for_outlier_check,omitempty"`
		MaxAnchorVariance         *float64 `json:"max_anchor_variance,omitempty"`
	} `json:"binner"`

	Solver struct {
		IterationCap      *int     `json:"iteration_cap,omitempty"`
		GradientTolerance *float64 `json:"gradient_tolerance,omitempty"`
		StepTolerance     *float64 `json:"step_tolerance,omitempty"`
	} `json:"solver"`

	Coordinator struct {
		TickSeconds *float64 `json:"tick_seconds,omitempty"`
		TagID       *uint32  `json:"tag_id,omitempty"`
	} `json:"coordinator"`

	DB struct {
		Path *string `json:"path,omitempty"`
	} `json:"db"`
}

// Load reads and validates a Config from a JSON file. The file must carry a
// .json extension and stay under the size cap.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable. Anchor geometry
// problems are fatal here rather than at first solve.
func (c *Config) Validate() error {
	if len(c.Anchors.Positions) == 0 {
		return fmt.Errorf("anchors.positions is required")
	}
	for key := range c.Anchors.Positions {
		if _, err := strconv.ParseUint(key, 10, 8); err != nil {
			return fmt.Errorf("anchors.positions key %q is not an anchor id", key)
		}
	}
	for key := range c.Anchors.YawDeg {
		if _, ok := c.Anchors.Positions[key]; !ok {
			return fmt.Errorf("anchors.yaw_deg has unknown anchor %q", key)
		}
	}
	for key := range c.Anchors.TiltDeg {
		if _, ok := c.Anchors.Positions[key]; !ok {
			return fmt.Errorf("anchors.tilt_deg has unknown anchor %q", key)
		}
	}

	if c.Binner.WindowSeconds != nil && *c.Binner.WindowSeconds <= 0 {
		return fmt.Errorf("binner.window_seconds must be positive, got %f", *c.Binner.WindowSeconds)
	}
	if c.Binner.OutlierSigma != nil && *c.Binner.OutlierSigma <= 0 {
		return fmt.Errorf("binner.outlier_sigma must be positive, got %f", *c.Binner.OutlierSigma)
	}
	if c.Binner.MaxAnchorVariance != nil && *c.Binner.MaxAnchorVariance <= 0 {
		return fmt.Errorf("binner.max_anchor_variance must be positive, got %f", *c.Binner.MaxAnchorVariance)
	}
	if c.Solver.IterationCap != nil && *c.Solver.IterationCap < 1 {
		return fmt.Errorf("solver.iteration_cap must be at least 1, got %d", *c.Solver.IterationCap)
	}
	if c.Coordinator.TickSeconds != nil && *c.Coordinator.TickSeconds <= 0 {
		return fmt.Errorf("coordinator.tick_seconds must be positive, got %f", *c.Coordinator.TickSeconds)
	}

	return nil
}

// AnchorConfigs converts the anchors section into the geometry package's
// form. Yaw and tilt default to zero for anchors missing from those maps.
func (c *Config) AnchorConfigs() map[geom.AnchorID]geom.AnchorConfig {
	out := make(map[geom.AnchorID]geom.AnchorConfig, len(c.Anchors.Positions))
	for key, pos := range c.Anchors.Positions {
		n, err := strconv.ParseUint(key, 10, 8)
		if err != nil {
			continue // Validate rejects these before use
		}
		out[geom.AnchorID(n)] = geom.AnchorConfig{
			Position: geom.Vec{X: pos[0], Y: pos[1], Z: pos[2]},
			YawDeg:   c.Anchors.YawDeg[key],
			TiltDeg:  c.Anchors.TiltDeg[key],
		}
	}
	return out
}

// GetBusHost returns the bus.host value or the default.
func (c *Config) GetBusHost() string {
	if c.Bus.Host == nil {
		return "localhost"
	}
	return *c.Bus.Host
}

// GetBusPort returns the bus.port value or the default.
func (c *Config) GetBusPort() int {
	if c.Bus.Port == nil {
		return 1883
	}
	return *c.Bus.Port
}

// GetBaseTopic returns the bus.base_topic value or the default.
func (c *Config) GetBaseTopic() string {
	if c.Bus.BaseTopic == nil {
		return "uwb"
	}
	return *c.Bus.BaseTopic
}

// GetClientID returns the bus.client_id value or the default.
func (c *Config) GetClientID() string {
	if c.Bus.ClientID == nil {
		return "position-report"
	}
	return *c.Bus.ClientID
}

// GetWindowSeconds returns the binner.window_seconds value or the default.
func (c *Config) GetWindowSeconds() float64 {
	if c.Binner.WindowSeconds == nil {
		return 1.0
	}
	return *c.Binner.WindowSeconds
}

// GetOutlierSigma returns the binner.outlier_sigma value or the default.
func (c *Config) GetOutlierSigma() float64 {
	if c.Binner.OutlierSigma == nil {
		return 2.0
	}
	return *c.Binner.OutlierSigma
}

// GetMinSamplesForOutlierCheck returns the warm-up sample count or the default.
func (c *Config) GetMinSamplesForOutlierCheck() int {
	if c.Binner.MinSamplesForOutlierCheck == nil {
		return 5
	}
	return *c.Binner.MinSamplesForOutlierCheck
}

// GetMaxAnchorVariance returns the per-anchor variance cap (cm^2) or the default.
func (c *Config) GetMaxAnchorVariance() float64 {
	if c.Binner.MaxAnchorVariance == nil {
		return 10000
	}
	return *c.Binner.MaxAnchorVariance
}

// GetIterationCap returns the solver.iteration_cap value or the default.
func (c *Config) GetIterationCap() int {
	if c.Solver.IterationCap == nil {
		return 200
	}
	return *c.Solver.IterationCap
}

// GetGradientTolerance returns the solver.gradient_tolerance value or the default.
func (c *Config) GetGradientTolerance() float64 {
	if c.Solver.GradientTolerance == nil {
		return 1e-10
	}
	return *c.Solver.GradientTolerance
}

// GetStepTolerance returns the solver.step_tolerance value or the default.
func (c *Config) GetStepTolerance() float64 {
	if c.Solver.StepTolerance == nil {
		return 1e-12
	}
	return *c.Solver.StepTolerance
}

// GetTickSeconds returns the coordinator.tick_seconds value or the default.
func (c *Config) GetTickSeconds() float64 {
	if c.Coordinator.TickSeconds == nil {
		return 1.0
	}
	return *c.Coordinator.TickSeconds
}

// GetTickInterval returns the tick cadence as a time.Duration.
func (c *Config) GetTickInterval() time.Duration {
	return time.Duration(c.GetTickSeconds() * float64(time.Second))
}

// GetTagID returns the coordinator.tag_id value or the default.
func (c *Config) GetTagID() uint32 {
	if c.Coordinator.TagID == nil {
		return 0
	}
	return *c.Coordinator.TagID
}

// GetDBPath returns the db.path value or the default.
func (c *Config) GetDBPath() string {
	if c.DB.Path == nil {
		return "position_data.db"
	}
	return *c.DB.Path
}
