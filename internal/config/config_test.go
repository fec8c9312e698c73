package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "position.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `{
  "anchors": {
    "positions": {
      "0": [480, 600, 239],
      "1": [0, 600, 239],
      "2": [480, 0, 239],
      "3": [0, 0, 239]
    }
  }
}`

func TestLoadMinimalConfigUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.GetBusHost(); got != "localhost" {
		t.Errorf("bus host = %q", got)
	}
	if got := cfg.GetBusPort(); got != 1883 {
		t.Errorf("bus port = %d", got)
	}
	if got := cfg.GetBaseTopic(); got != "uwb" {
		t.Errorf("base topic = %q", got)
	}
	if got := cfg.GetWindowSeconds(); got != 1.0 {
		t.Errorf("window = %v", got)
	}
	if got := cfg.GetOutlierSigma(); got != 2.0 {
		t.Errorf("sigma = %v", got)
	}
	if got := cfg.GetMinSamplesForOutlierCheck(); got != 5 {
		t.Errorf("min samples = %d", got)
	}
	if got := cfg.GetMaxAnchorVariance(); got != 10000 {
		t.Errorf("max variance = %v", got)
	}
	if got := cfg.GetIterationCap(); got != 200 {
		t.Errorf("iteration cap = %d", got)
	}
	if got := cfg.GetTickSeconds(); got != 1.0 {
		t.Errorf("tick seconds = %v", got)
	}
	if got := cfg.GetTagID(); got != 0 {
		t.Errorf("tag id = %d", got)
	}
	if got := cfg.GetDBPath(); got != "position_data.db" {
		t.Errorf("db path = %q", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
	  "bus": {"host": "broker.local", "port": 8883, "base_topic": "site/uwb"},
	  "anchors": {
	    "positions": {"0": [1,0,0], "1": [0,1,0], "2": [0,0,1], "3": [0,0,0]},
	    "yaw_deg": {"0": 225},
	    "tilt_deg": {"0": -45}
	  },
	  "binner": {"window_seconds": 2.0},
	  "coordinator": {"tick_seconds": 0.5, "tag_id": 4}
	}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.GetBusHost(); got != "broker.local" {
		t.Errorf("bus host = %q", got)
	}
	if got := cfg.GetWindowSeconds(); got != 2.0 {
		t.Errorf("window = %v", got)
	}
	if got := cfg.GetTagID(); got != 4 {
		t.Errorf("tag id = %d", got)
	}

	anchors := cfg.AnchorConfigs()
	a0 := anchors[0]
	if a0.YawDeg != 225 || a0.TiltDeg != -45 {
		t.Errorf("anchor 0 rotation = yaw %v tilt %v", a0.YawDeg, a0.TiltDeg)
	}
	// The tilt sign travels with the configuration, negative included; an
	// anchor missing from tilt_deg gets 0.
	if anchors[1].TiltDeg != 0 {
		t.Errorf("anchor 1 tilt = %v, want 0 default", anchors[1].TiltDeg)
	}
}

func TestLoadRejectsMissingAnchors(t *testing.T) {
	if _, err := Load(writeConfig(t, `{"bus": {"host": "x"}}`)); err == nil {
		t.Fatal("expected error for missing anchors")
	}
}

func TestLoadRejectsBadExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "position.yaml")
	os.WriteFile(path, []byte("{}"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-json extension")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad anchor key", `{"anchors": {"positions": {"zero": [0,0,0]}}}`},
		{"yaw for unknown anchor", `{"anchors": {"positions": {"0": [0,0,0]}, "yaw_deg": {"7": 45}}}`},
		{"tilt for unknown anchor", `{"anchors": {"positions": {"0": [0,0,0]}, "tilt_deg": {"7": 45}}}`},
		{"zero window", `{"anchors": {"positions": {"0": [0,0,0]}}, "binner": {"window_seconds": 0}}`},
		{"negative sigma", `{"anchors": {"positions": {"0": [0,0,0]}}, "binner": {"outlier_sigma": -1}}`},
		{"zero iteration cap", `{"anchors": {"positions": {"0": [0,0,0]}}, "solver": {"iteration_cap": 0}}`},
		{"zero tick", `{"anchors": {"positions": {"0": [0,0,0]}}, "coordinator": {"tick_seconds": 0}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestGetTickInterval(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.GetTickInterval().Seconds(); got != 1.0 {
		t.Errorf("tick interval = %v s", got)
	}
}
