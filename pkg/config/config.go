// Package config provides configuration loading and management for volseg3d.
// It handles loading configuration from YAML files and provides default
// values; every pipeline option is explicit, with no hidden defaults beyond
// what Default returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"volseg3d/pkg/geodesic"
	"volseg3d/pkg/labeling"
	"volseg3d/pkg/metrics"
	"volseg3d/pkg/pipeline"
	"volseg3d/pkg/stitch"
	"volseg3d/pkg/tiler"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers specifies how many patch/label tasks run concurrently
		Workers int `yaml:"workers"`

		// BatchSize is the number of patches one inference worker claims at a time
		BatchSize int `yaml:"batchSize"`

		// PatchShape is the (z, y, x) extent of extracted patches
		PatchShape [3]int `yaml:"patchShape"`

		// Stride is the (z, y, x) step between patch origins
		Stride [3]int `yaml:"stride"`

		// PadEdges pads edge patches to the full patch shape instead of truncating
		PadEdges bool `yaml:"padEdges"`

		// VolumeTimeoutSec aborts a single volume exceeding this wall time, 0 = no limit
		VolumeTimeoutSec int `yaml:"volumeTimeoutSec"`
	} `yaml:"processing"`

	// Stitching parameters
	Stitching struct {
		// BlendMode is one of "overwrite", "average", "linear-ramp"
		BlendMode string `yaml:"blendMode"`

		// ProbabilityChannel selects the foreground channel of
		// multi-channel predictions
		ProbabilityChannel int `yaml:"probabilityChannel"`

		// SmoothingRadius is the median-filter radius applied before
		// thresholding, 0 disables smoothing
		SmoothingRadius int `yaml:"smoothingRadius"`
	} `yaml:"stitching"`

	// Labeling parameters
	Labeling struct {
		// Threshold binarizes the probability volume
		Threshold float64 `yaml:"threshold"`

		// Connectivity is the 3D neighborhood: 6, 18 or 26
		Connectivity int `yaml:"connectivity"`

		// MinComponentSize discards smaller components as noise
		MinComponentSize int `yaml:"minComponentSize"`
	} `yaml:"labeling"`

	// Correction parameters
	Correction struct {
		// Enabled toggles the geodesic split/merge refinement
		Enabled bool `yaml:"enabled"`

		// MergeThreshold is the geodesic distance below which adjacent
		// labels merge, in physical units
		MergeThreshold float64 `yaml:"mergeThreshold"`

		// MaxVoxelBudget skips correction of labels with larger bounding boxes
		MaxVoxelBudget int `yaml:"maxVoxelBudget"`

		// SeedMinSeparation is the minimum physical distance between seeds
		SeedMinSeparation float64 `yaml:"seedMinSeparation"`
	} `yaml:"correction"`

	// Evaluation parameters
	Evaluation struct {
		// IoUThreshold is the minimum IoU for an instance match
		IoUThreshold float64 `yaml:"iouThreshold"`
	} `yaml:"evaluation"`

	// Output parameters
	Output struct {
		// ExportSlices saves slice images of the final labeling
		ExportSlices bool `yaml:"exportSlices"`

		// SlicesDir is the directory slice images are written to
		SlicesDir string `yaml:"slicesDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// Default returns a configuration with default values.
func Default() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.BatchSize = 4
	cfg.Processing.PatchShape = [3]int{64, 64, 64}
	cfg.Processing.Stride = [3]int{48, 48, 48}
	cfg.Processing.PadEdges = true
	cfg.Processing.VolumeTimeoutSec = 0

	cfg.Stitching.BlendMode = string(stitch.LinearRamp)
	cfg.Stitching.ProbabilityChannel = 0
	cfg.Stitching.SmoothingRadius = 1

	cfg.Labeling.Threshold = 0.5
	cfg.Labeling.Connectivity = int(labeling.Vertex)
	cfg.Labeling.MinComponentSize = 16

	cfg.Correction.Enabled = true
	cfg.Correction.MergeThreshold = 2.0
	cfg.Correction.MaxVoxelBudget = 4 << 20
	cfg.Correction.SeedMinSeparation = 4.0

	cfg.Evaluation.IoUThreshold = 0.5

	cfg.Output.ExportSlices = false
	cfg.Output.SlicesDir = "label_slices"
	cfg.Output.Verbose = true

	return cfg
}

// Load loads configuration from a YAML file. If the file doesn't exist, it
// returns the default configuration.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func Save(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// PipelineParams converts the configuration into pipeline parameters.
func (cfg *Config) PipelineParams() (*pipeline.Params, error) {
	blend, err := stitch.ParseBlendMode(cfg.Stitching.BlendMode)
	if err != nil {
		return nil, err
	}
	conn := labeling.Connectivity(cfg.Labeling.Connectivity)
	if !conn.Valid() {
		return nil, fmt.Errorf("unsupported connectivity %d (must be 6, 18 or 26)", cfg.Labeling.Connectivity)
	}
	return &pipeline.Params{
		Tiling: tiler.Config{
			PatchShape: cfg.Processing.PatchShape,
			Stride:     cfg.Processing.Stride,
			PadEdges:   cfg.Processing.PadEdges,
		},
		Blend:              blend,
		ProbabilityChannel: cfg.Stitching.ProbabilityChannel,
		SmoothingRadius:    cfg.Stitching.SmoothingRadius,
		Labeling: labeling.Options{
			Threshold:    cfg.Labeling.Threshold,
			Connectivity: conn,
			MinSize:      cfg.Labeling.MinComponentSize,
		},
		CorrectionEnabled: cfg.Correction.Enabled,
		Correction: geodesic.Options{
			MergeThreshold:    cfg.Correction.MergeThreshold,
			MaxVoxelBudget:    cfg.Correction.MaxVoxelBudget,
			SeedMinSeparation: cfg.Correction.SeedMinSeparation,
			Connectivity:      conn,
			Workers:           cfg.Processing.Workers,
		},
		Evaluation: metrics.Options{
			IoUThreshold: cfg.Evaluation.IoUThreshold,
		},
		Workers:       cfg.Processing.Workers,
		BatchSize:     cfg.Processing.BatchSize,
		VolumeTimeout: time.Duration(cfg.Processing.VolumeTimeoutSec) * time.Second,
	}, nil
}
