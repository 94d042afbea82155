package config

import (
	"os"
	"path/filepath"
	"testing"

	"volseg3d/pkg/labeling"
	"volseg3d/pkg/stitch"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Default()
	if cfg.Processing.PatchShape != def.Processing.PatchShape {
		t.Fatalf("patch shape = %v, want default %v", cfg.Processing.PatchShape, def.Processing.PatchShape)
	}
	if cfg.Labeling.Threshold != 0.5 || cfg.Labeling.Connectivity != 26 {
		t.Fatalf("labeling defaults = %+v", cfg.Labeling)
	}
	if !cfg.Correction.Enabled {
		t.Fatal("correction must default to enabled")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volseg3d.yaml")
	doc := `
processing:
  workers: 2
  patchShape: [32, 32, 32]
  stride: [16, 16, 16]
stitching:
  blendMode: average
  probabilityChannel: 1
labeling:
  threshold: 0.7
  connectivity: 6
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Processing.Workers != 2 {
		t.Fatalf("workers = %d, want 2", cfg.Processing.Workers)
	}
	if cfg.Processing.PatchShape != [3]int{32, 32, 32} {
		t.Fatalf("patch shape = %v", cfg.Processing.PatchShape)
	}
	if cfg.Stitching.BlendMode != "average" || cfg.Stitching.ProbabilityChannel != 1 ||
		cfg.Labeling.Threshold != 0.7 {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Stitching, cfg.Labeling)
	}
	// Untouched sections keep their defaults.
	if cfg.Correction.MergeThreshold != 2.0 {
		t.Fatalf("merge threshold = %g, want default 2.0", cfg.Correction.MergeThreshold)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "cfg.yaml")
	cfg := Default()
	cfg.Processing.Workers = 3
	cfg.Correction.SeedMinSeparation = 7.5
	cfg.Output.SlicesDir = "out/slices"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Processing.Workers != 3 || loaded.Correction.SeedMinSeparation != 7.5 ||
		loaded.Output.SlicesDir != "out/slices" {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}

func TestPipelineParams(t *testing.T) {
	cfg := Default()
	params, err := cfg.PipelineParams()
	if err != nil {
		t.Fatalf("PipelineParams failed: %v", err)
	}
	if params.Blend != stitch.LinearRamp {
		t.Fatalf("blend = %q, want linear-ramp", params.Blend)
	}
	if params.Labeling.Connectivity != labeling.Vertex {
		t.Fatalf("connectivity = %d, want 26", params.Labeling.Connectivity)
	}
	if params.Correction.Workers != cfg.Processing.Workers {
		t.Fatal("correction workers must follow processing workers")
	}
	if params.ProbabilityChannel != cfg.Stitching.ProbabilityChannel {
		t.Fatal("probability channel not passed through")
	}

	t.Run("bad blend mode", func(t *testing.T) {
		bad := Default()
		bad.Stitching.BlendMode = "mosaic"
		if _, err := bad.PipelineParams(); err == nil {
			t.Fatal("expected error for unknown blend mode")
		}
	})

	t.Run("bad connectivity", func(t *testing.T) {
		bad := Default()
		bad.Labeling.Connectivity = 8
		if _, err := bad.PipelineParams(); err == nil {
			t.Fatal("expected error for unsupported connectivity")
		}
	})
}
