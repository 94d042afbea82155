// Package pipeline orchestrates the full segmentation post-processing chain:
// tiling, tiled inference, stitching, smoothing, connected-component
// labeling, geodesic correction, and optional evaluation against ground
// truth. It owns no algorithm of its own; each stage lives in its package
// and the pipeline wires them together with shared configuration.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"volseg3d/pkg/geodesic"
	"volseg3d/pkg/inference"
	"volseg3d/pkg/labeling"
	"volseg3d/pkg/metrics"
	"volseg3d/pkg/smoothing"
	"volseg3d/pkg/stitch"
	"volseg3d/pkg/tiler"
	"volseg3d/pkg/volume"
)

// Params holds the full pipeline configuration. Every option is explicit;
// config.Default supplies the defaults.
type Params struct {
	// Tiling controls patch extraction.
	Tiling tiler.Config

	// Blend selects how overlapping patch predictions are stitched.
	Blend stitch.BlendMode

	// ProbabilityChannel selects which channel of a multi-channel
	// prediction holds the foreground probability. Ignored for
	// single-channel models.
	ProbabilityChannel int

	// SmoothingRadius is the median filter radius applied to the stitched
	// probability volume before thresholding; 0 disables smoothing.
	SmoothingRadius int

	// Labeling controls thresholding and connected components.
	Labeling labeling.Options

	// CorrectionEnabled toggles the geodesic split/merge refinement.
	CorrectionEnabled bool

	// Correction controls the geodesic refinement.
	Correction geodesic.Options

	// Evaluation controls instance matching when ground truth is given.
	Evaluation metrics.Options

	// Workers bounds parallelism in inference and correction.
	Workers int

	// BatchSize is the number of patches one inference worker claims at a
	// time.
	BatchSize int

	// VolumeTimeout aborts a single volume that runs too long; it fails
	// that volume only, not a whole batch. Zero disables the timeout.
	VolumeTimeout time.Duration
}

// Result is the output of one volume run.
type Result struct {
	// RunID identifies this pipeline invocation in logs and reports.
	RunID string

	// Probabilities is the stitched (and smoothed) full-volume map.
	Probabilities *volume.VoxelVolume

	// Labels is the final instance labeling.
	Labels *volume.LabelVolume

	// Instances is the final instance count.
	Instances int

	// Correction reports what the geodesic pass changed, nil when the
	// pass is disabled.
	Correction *geodesic.Report

	// Metrics holds the evaluation against ground truth, nil when no
	// ground truth was supplied.
	Metrics *metrics.Result

	// Elapsed is the wall-clock duration of the run.
	Elapsed time.Duration
}

// Pipeline runs the post-processing chain over volumes.
type Pipeline struct {
	params *Params
	logger *zap.Logger
}

// New creates a pipeline. A nil logger disables logging.
func New(params *Params, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{params: params, logger: logger}
}

// Process runs the full chain on one volume. The predict function is the
// injected model; truth may be nil to skip evaluation.
func (p *Pipeline) Process(ctx context.Context, vol *volume.VoxelVolume, predict inference.PredictFunc, truth *volume.LabelVolume) (*Result, error) {
	if p.params.VolumeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.params.VolumeTimeout)
		defer cancel()
	}

	runID := uuid.Must(uuid.NewV4()).String()
	logger := p.logger.With(zap.String("run", runID))
	start := time.Now()
	res := &Result{RunID: runID}

	logger.Info("step 1: tiling volume",
		zap.String("shape", vol.Shape.String()),
		zap.String("size", humanize.Bytes(vol.SizeBytes())))
	patches, err := tiler.Split(vol, p.params.Tiling)
	if err != nil {
		return nil, fmt.Errorf("tiling volume: %w", err)
	}
	logger.Info("volume tiled", zap.Int("patches", len(patches)))

	logger.Info("step 2: running inference", zap.Int("workers", p.params.Workers))
	runner := &inference.Runner{
		Workers:   p.params.Workers,
		BatchSize: p.params.BatchSize,
		Logger:    logger,
	}
	predictions, err := runner.Run(ctx, patches, predict)
	if err != nil {
		return nil, fmt.Errorf("running inference: %w", err)
	}

	logger.Info("step 3: stitching predictions", zap.String("blend", string(p.params.Blend)))
	channels := 1
	if len(predictions) > 0 {
		channels = predictions[0].Channels
	}
	prob, err := stitch.Stitch(predictions, vol.Shape, channels, p.params.Blend, vol.Spacing)
	if err != nil {
		return nil, fmt.Errorf("stitching predictions: %w", err)
	}
	if prob.Channels > 1 {
		ch := p.params.ProbabilityChannel
		if ch < 0 || ch >= prob.Channels {
			return nil, fmt.Errorf("probability channel %d out of range for %d-channel prediction",
				ch, prob.Channels)
		}
		logger.Info("extracting probability channel",
			zap.Int("channel", ch), zap.Int("channels", prob.Channels))
		single := volume.New(prob.Shape, 1, prob.Spacing)
		for z := 0; z < prob.Shape[0]; z++ {
			for y := 0; y < prob.Shape[1]; y++ {
				for x := 0; x < prob.Shape[2]; x++ {
					single.Set(z, y, x, prob.AtChan(z, y, x, ch))
				}
			}
		}
		prob = single
	}

	if p.params.SmoothingRadius > 0 {
		logger.Info("step 4: smoothing probability map", zap.Int("radius", p.params.SmoothingRadius))
		prob = smoothing.Median(prob, p.params.SmoothingRadius)
	}
	res.Probabilities = prob

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("volume aborted: %w", err)
	}

	logger.Info("step 5: labeling connected components",
		zap.Float64("threshold", p.params.Labeling.Threshold),
		zap.Int("connectivity", int(p.params.Labeling.Connectivity)))
	labels, labelRes, err := labeling.Label(prob, p.params.Labeling)
	if err != nil {
		return nil, fmt.Errorf("labeling volume: %w", err)
	}
	if labelRes.Discarded > 0 {
		logger.Warn("small components discarded", zap.Int("count", labelRes.Discarded))
	}
	res.Instances = labelRes.Instances

	if p.params.CorrectionEnabled {
		logger.Info("step 6: geodesic correction", zap.Int("instances", labelRes.Instances))
		corr := p.params.Correction
		if corr.Workers == 0 {
			corr.Workers = p.params.Workers
		}
		report, err := geodesic.New(corr, logger).Correct(labels, prob)
		if err != nil {
			return nil, fmt.Errorf("correcting labels: %w", err)
		}
		res.Correction = report
		res.Instances = report.Instances
	}
	res.Labels = labels

	if truth != nil {
		logger.Info("step 7: evaluating against ground truth",
			zap.Float64("iouThreshold", p.params.Evaluation.IoUThreshold))
		m, err := metrics.Evaluate(labels, truth, p.params.Evaluation)
		if err != nil {
			return nil, fmt.Errorf("evaluating labels: %w", err)
		}
		res.Metrics = m
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("volume aborted: %w", err)
	}

	res.Elapsed = time.Since(start)
	logger.Info("volume complete",
		zap.Int("instances", res.Instances),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// BatchItem pairs one volume's result with its error; exactly one of the
// two is set.
type BatchItem struct {
	Result *Result
	Err    error
}

// ProcessBatch runs several volumes concurrently. A failed or timed-out
// volume fails alone: its slot carries the error and the other volumes
// still complete. truths may be nil, or match vols in length with nil
// entries where no ground truth exists.
func (p *Pipeline) ProcessBatch(ctx context.Context, vols []*volume.VoxelVolume, predict inference.PredictFunc, truths []*volume.LabelVolume) []BatchItem {
	items := make([]BatchItem, len(vols))
	var g errgroup.Group
	workers := p.params.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, vol := range vols {
		i, vol := i, vol
		var truth *volume.LabelVolume
		if truths != nil {
			truth = truths[i]
		}
		g.Go(func() error {
			res, err := p.Process(ctx, vol, predict, truth)
			if err != nil {
				p.logger.Error("volume failed", zap.Int("index", i), zap.Error(err))
				items[i] = BatchItem{Err: err}
				return nil
			}
			items[i] = BatchItem{Result: res}
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; failures land in items
	return items
}
