// Package stitch folds per-patch prediction arrays back into one full-volume
// probability map. Overlap between patches is resolved by a blend mode, and
// blended modes accumulate through per-worker partial accumulators merged in
// a fixed order, so the stitched result does not depend on the order patches
// were processed in.
package stitch

import (
	"fmt"

	"volseg3d/pkg/volume"
)

// BlendMode selects how overlapping patch predictions are combined.
type BlendMode string

const (
	// Overwrite keeps the last value written in raster order.
	Overwrite BlendMode = "overwrite"

	// Average takes the unweighted per-voxel mean over covering patches.
	Average BlendMode = "average"

	// LinearRamp weights each patch contribution by a ramp that peaks at
	// the patch center and decays toward its faces, suppressing seams.
	LinearRamp BlendMode = "linear-ramp"
)

// ParseBlendMode validates a blend mode string from configuration.
func ParseBlendMode(s string) (BlendMode, error) {
	switch BlendMode(s) {
	case Overwrite, Average, LinearRamp:
		return BlendMode(s), nil
	}
	return "", fmt.Errorf("unknown blend mode %q", s)
}

// PredictionPatch carries one patch's prediction and its placement in the
// output volume. Shape is the patch's spatial shape; Data holds
// Shape[0]*Shape[1]*Shape[2]*Channels samples in the usual layout.
type PredictionPatch struct {
	Origin   [3]int
	Shape    [3]int
	Channels int
	Data     []float64
}

// CoverageGapError reports output voxels no patch ever wrote. It indicates a
// tiling or stride misconfiguration and is fatal.
type CoverageGapError struct {
	Gaps  int
	First [3]int
}

func (e *CoverageGapError) Error() string {
	return fmt.Sprintf("stitch: %d voxels never covered by any patch, first gap at (%d,%d,%d)",
		e.Gaps, e.First[0], e.First[1], e.First[2])
}

// Accumulator collects patch predictions for one output volume. A single
// accumulator is not safe for concurrent Add calls; concurrent producers
// each fill their own accumulator and the partials are merged sequentially
// with Merge, which keeps blended modes order-independent.
type Accumulator struct {
	mode     BlendMode
	shape    volume.Shape
	channels int
	sum      []float64
	weight   []float64
}

// NewAccumulator creates an empty accumulator for the given output geometry.
func NewAccumulator(shape volume.Shape, channels int, mode BlendMode) *Accumulator {
	if channels < 1 {
		channels = 1
	}
	return &Accumulator{
		mode:     mode,
		shape:    shape,
		channels: channels,
		sum:      make([]float64, shape.NumVoxels()*channels),
		weight:   make([]float64, shape.NumVoxels()),
	}
}

// rampWeight returns the linear-ramp weight for patch-local coordinate i on
// an axis of the given extent: w = min(i+1, extent-i) / ceil(extent/2).
// The weight peaks at 1 in the center and stays strictly positive.
func rampWeight(i, extent int) float64 {
	up := i + 1
	down := extent - i
	w := up
	if down < w {
		w = down
	}
	return float64(w) / float64((extent+1)/2)
}

// Add folds one prediction patch into the accumulator. Regions of padded
// edge patches that extend past the output shape are clipped.
func (a *Accumulator) Add(p PredictionPatch) error {
	if p.Channels != a.channels {
		return &volume.ShapeError{Op: "stitch: patch channel count mismatch",
			Got: volume.Shape{p.Channels, 1, 1}, Want: volume.Shape{a.channels, 1, 1}}
	}
	if len(p.Data) != p.Shape[0]*p.Shape[1]*p.Shape[2]*p.Channels {
		return &volume.ShapeError{Op: "stitch: patch data length mismatch",
			Got: volume.Shape(p.Shape), Want: a.shape}
	}
	for a2 := 0; a2 < 3; a2++ {
		if p.Origin[a2] < 0 || p.Origin[a2] >= a.shape[a2] {
			return &volume.ShapeError{Op: "stitch: patch origin outside output",
				Got: volume.Shape(p.Origin), Want: a.shape}
		}
	}
	pshape := volume.Shape(p.Shape)
	for z := 0; z < p.Shape[0]; z++ {
		oz := p.Origin[0] + z
		if oz >= a.shape[0] {
			break
		}
		wz := rampWeight(z, p.Shape[0])
		for y := 0; y < p.Shape[1]; y++ {
			oy := p.Origin[1] + y
			if oy >= a.shape[1] {
				break
			}
			wy := rampWeight(y, p.Shape[1])
			for x := 0; x < p.Shape[2]; x++ {
				ox := p.Origin[2] + x
				if ox >= a.shape[2] {
					break
				}
				src := pshape.Index(z, y, x)
				dst := a.shape.Index(oz, oy, ox)
				switch a.mode {
				case Overwrite:
					for c := 0; c < a.channels; c++ {
						a.sum[dst*a.channels+c] = p.Data[src*a.channels+c]
					}
					a.weight[dst] = 1
				case Average:
					for c := 0; c < a.channels; c++ {
						a.sum[dst*a.channels+c] += p.Data[src*a.channels+c]
					}
					a.weight[dst]++
				case LinearRamp:
					w := wz * wy * rampWeight(x, p.Shape[2])
					for c := 0; c < a.channels; c++ {
						a.sum[dst*a.channels+c] += w * p.Data[src*a.channels+c]
					}
					a.weight[dst] += w
				default:
					return fmt.Errorf("unknown blend mode %q", a.mode)
				}
			}
		}
	}
	return nil
}

// Merge folds another accumulator's partial sums into this one. Both must
// share geometry and mode. For Overwrite, covered voxels of the argument
// replace this accumulator's values, matching raster-order semantics when
// partials are merged in raster order of their patch subsets.
func (a *Accumulator) Merge(b *Accumulator) error {
	if a.mode != b.mode || a.shape != b.shape || a.channels != b.channels {
		return &volume.ShapeError{Op: "stitch: merging incompatible accumulators", Got: b.shape, Want: a.shape}
	}
	if a.mode == Overwrite {
		for i, w := range b.weight {
			if w > 0 {
				a.weight[i] = 1
				for c := 0; c < a.channels; c++ {
					a.sum[i*a.channels+c] = b.sum[i*a.channels+c]
				}
			}
		}
		return nil
	}
	for i := range a.sum {
		a.sum[i] += b.sum[i]
	}
	for i := range a.weight {
		a.weight[i] += b.weight[i]
	}
	return nil
}

// Finalize normalizes the accumulated sums into the stitched volume.
// A CoverageGapError is returned when any voxel was never written.
func (a *Accumulator) Finalize(spacing volume.Spacing) (*volume.VoxelVolume, error) {
	gaps := 0
	first := [3]int{-1, -1, -1}
	out := volume.New(a.shape, a.channels, spacing)
	for i, w := range a.weight {
		if w == 0 {
			if gaps == 0 {
				z, y, x := a.shape.Coord(i)
				first = [3]int{z, y, x}
			}
			gaps++
			continue
		}
		switch a.mode {
		case Overwrite:
			for c := 0; c < a.channels; c++ {
				out.Data[i*a.channels+c] = a.sum[i*a.channels+c]
			}
		default:
			for c := 0; c < a.channels; c++ {
				out.Data[i*a.channels+c] = a.sum[i*a.channels+c] / w
			}
		}
	}
	if gaps > 0 {
		return nil, &CoverageGapError{Gaps: gaps, First: first}
	}
	return out, nil
}

// Stitch merges prediction patches into a full volume in one call. Patches
// are folded in the given order, which matters only for Overwrite.
func Stitch(patches []PredictionPatch, shape volume.Shape, channels int, mode BlendMode, spacing volume.Spacing) (*volume.VoxelVolume, error) {
	acc := NewAccumulator(shape, channels, mode)
	for _, p := range patches {
		if err := acc.Add(p); err != nil {
			return nil, err
		}
	}
	return acc.Finalize(spacing)
}
