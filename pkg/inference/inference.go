// Package inference applies an injected model function to extracted patches.
// The model is an opaque capability: any function from a patch array to a
// prediction array of the same spatial shape. The runner only handles
// batching and bounded parallelism; model failures abort the volume with the
// failing patch's origin attached.
package inference

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"volseg3d/pkg/stitch"
	"volseg3d/pkg/tiler"
)

// PredictFunc is the model boundary: it receives one patch's samples and
// spatial shape and returns prediction samples of the same spatial shape
// with outChannels channels. Implementations must be safe for concurrent
// calls.
type PredictFunc func(data []float64, shape [3]int, channels int) (out []float64, outChannels int, err error)

// ModelError wraps a model failure with the origin of the patch being
// predicted. Model failures are not transient; there are no retries.
type ModelError struct {
	Origin [3]int
	Err    error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("inference: model failed on patch at (%d,%d,%d): %v",
		e.Origin[0], e.Origin[1], e.Origin[2], e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Runner executes patch predictions over a bounded worker pool.
type Runner struct {
	// Workers bounds concurrent model calls; zero or less means 1.
	Workers int

	// BatchSize is the number of patches one worker claims at a time.
	// Larger batches amortize scheduling overhead for cheap models.
	BatchSize int

	// Logger is optional.
	Logger *zap.Logger
}

// Run predicts every patch and returns prediction patches in the input
// order. The first model failure cancels outstanding work and is returned
// as a ModelError; the context cancels the run as a whole.
func (r *Runner) Run(ctx context.Context, patches []tiler.Patch, predict PredictFunc) ([]stitch.PredictionPatch, error) {
	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	batch := r.BatchSize
	if batch < 1 {
		batch = 1
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	out := make([]stitch.PredictionPatch, len(patches))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(patches); start += batch {
		end := start + batch
		if end > len(patches) {
			end = len(patches)
		}
		start, end := start, end
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				p := patches[i]
				pred, channels, err := predict(p.Data, p.Shape, p.Channels)
				if err != nil {
					return &ModelError{Origin: p.Origin, Err: err}
				}
				if len(pred) != p.Shape[0]*p.Shape[1]*p.Shape[2]*channels {
					return &ModelError{Origin: p.Origin,
						Err: fmt.Errorf("prediction length %d does not match patch shape %dx%dx%d with %d channels",
							len(pred), p.Shape[0], p.Shape[1], p.Shape[2], channels)}
				}
				out[i] = stitch.PredictionPatch{
					Origin:   p.Origin,
					Shape:    p.Shape,
					Channels: channels,
					Data:     pred,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Debug("inference complete", zap.Int("patches", len(patches)), zap.Int("workers", workers))
	return out, nil
}
