package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"volseg3d/pkg/config"
	"volseg3d/pkg/export"
	"volseg3d/pkg/inference"
	"volseg3d/pkg/pipeline"
	"volseg3d/pkg/volume"
)

// passthroughModel treats the input volume as an already-computed
// probability map, rescaled to [0, 1]. It exists for smoke runs and for
// post-processing predictions produced outside this binary; real models are
// injected by library users.
func passthroughModel(data []float64, shape [3]int, channels int) ([]float64, int, error) {
	min, max := data[0], data[0]
	for _, s := range data {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	out := make([]float64, len(data))
	if max > min {
		scale := 1 / (max - min)
		for i, s := range data {
			out[i] = (s - min) * scale
		}
	}
	return out, channels, nil
}

func main() {
	inputFile := flag.String("input", "", "Input volume file (required)")
	outputFile := flag.String("output", "labels.vsg", "Output label volume file")
	configPath := flag.String("config", "volseg3d.yaml", "Configuration file")
	groundTruth := flag.String("ground-truth", "", "Optional ground-truth label volume for evaluation")
	exportSlices := flag.Bool("export-slices", false, "Export label slice images along all axes")
	slicesDir := flag.String("slices-dir", "", "Directory for exported slice images (default from config)")
	workers := flag.Int("workers", 0, "Worker count override (default from config)")
	flag.Parse()

	if *inputFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Processing.Workers = *workers
	}
	if *exportSlices {
		cfg.Output.ExportSlices = true
	}
	if *slicesDir != "" {
		cfg.Output.SlicesDir = *slicesDir
	}

	var logger *zap.Logger
	if cfg.Output.Verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	params, err := cfg.PipelineParams()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	vol, err := volume.Read(*inputFile)
	if err != nil {
		logger.Fatal("reading input volume", zap.Error(err))
	}

	var truth *volume.LabelVolume
	if *groundTruth != "" {
		truth, err = volume.ReadLabels(*groundTruth)
		if err != nil {
			logger.Fatal("reading ground truth", zap.Error(err))
		}
	}

	p := pipeline.New(params, logger)
	res, err := p.Process(context.Background(), vol, inference.PredictFunc(passthroughModel), truth)
	if err != nil {
		logger.Fatal("pipeline failed", zap.Error(err))
	}

	if err := res.Labels.Write(*outputFile); err != nil {
		logger.Fatal("writing label volume", zap.Error(err))
	}

	fmt.Printf("Segmentation complete in %s\n", res.Elapsed)
	fmt.Printf("Instances: %d\n", res.Instances)
	fmt.Printf("Labels written to: %s\n", *outputFile)
	if res.Correction != nil {
		fmt.Printf("Correction: %d splits (+%d instances), %d merges, %d skipped over budget\n",
			res.Correction.SplitLabels, res.Correction.NewInstances,
			res.Correction.MergedPairs, len(res.Correction.Skipped))
	}
	if res.Metrics != nil {
		fmt.Printf("\nEvaluation at IoU >= %.2f:\n", params.Evaluation.IoUThreshold)
		fmt.Printf("  True positives:  %d\n", res.Metrics.TruePositives)
		fmt.Printf("  False positives: %d\n", res.Metrics.FalsePositives)
		fmt.Printf("  False negatives: %d\n", res.Metrics.FalseNegatives)
		fmt.Printf("  Precision: %.3f  Recall: %.3f  F1: %.3f\n",
			res.Metrics.Precision, res.Metrics.Recall, res.Metrics.F1)
		fmt.Printf("  Mean matched IoU: %.3f\n", res.Metrics.MeanMatchedIoU)
	}

	if cfg.Output.ExportSlices {
		for _, axis := range []string{"x", "y", "z"} {
			dir := filepath.Join(cfg.Output.SlicesDir, axis)
			if err := export.SaveLabelSlices(res.Labels, axis, dir); err != nil {
				logger.Warn("exporting label slices failed", zap.String("axis", axis), zap.Error(err))
			}
			if err := export.SaveProbabilitySlices(res.Probabilities, axis, dir); err != nil {
				logger.Warn("exporting probability slices failed", zap.String("axis", axis), zap.Error(err))
			}
		}
		fmt.Printf("Slice images written to: %s\n", cfg.Output.SlicesDir)
	}
}
