// Package tiler splits a volume into overlapping patches for piecewise
// inference and produces the coordinate grid the stitcher folds results back
// onto. The grid is a pure function of (volume shape, patch shape, stride),
// so coverage can be verified without running any model.
package tiler

import (
	"volseg3d/pkg/volume"
)

// Config controls patch extraction.
type Config struct {
	// PatchShape is the (z, y, x) extent of each extracted patch.
	PatchShape [3]int

	// Stride is the (z, y, x) step between consecutive patch origins.
	// Stride <= PatchShape on every axis, so overlap is never negative.
	Stride [3]int

	// PadEdges selects the edge policy: when true, patches reaching past
	// the volume boundary are zero-padded to the full patch shape; when
	// false they are truncated to the part inside the volume. The same
	// policy must be used for the matching stitch call.
	PadEdges bool
}

// Patch is one extracted sub-volume plus its origin in the parent volume.
type Patch struct {
	Origin   [3]int
	Shape    [3]int
	Channels int
	Data     []float64
}

func validate(volShape volume.Shape, patchShape, stride [3]int, padEdges bool) error {
	for a := 0; a < 3; a++ {
		if patchShape[a] <= 0 || stride[a] <= 0 {
			return &volume.ShapeError{Op: "tiler: non-positive patch shape or stride", Got: volume.Shape(patchShape), Want: volShape}
		}
		if stride[a] > patchShape[a] {
			return &volume.ShapeError{Op: "tiler: stride exceeds patch shape", Got: volume.Shape(stride), Want: volume.Shape(patchShape)}
		}
		if patchShape[a] > volShape[a] && !padEdges {
			return &volume.ShapeError{Op: "tiler: patch exceeds volume and edge padding is disabled", Got: volume.Shape(patchShape), Want: volShape}
		}
	}
	return nil
}

// axisOrigins returns the patch origins along one axis. Consecutive origins
// differ by at most stride <= patch extent, so the patches cover [0, dim)
// with no gap, and the final patch always reaches the end of the axis.
func axisOrigins(dim, patch, stride int) []int {
	if patch >= dim {
		return []int{0}
	}
	var origins []int
	for o := 0; ; o += stride {
		origins = append(origins, o)
		if o+patch >= dim {
			break
		}
	}
	return origins
}

// Grid returns every patch origin for the given geometry in deterministic
// raster order: z-major, then y, then x.
func Grid(volShape volume.Shape, patchShape, stride [3]int) ([][3]int, error) {
	if err := validate(volShape, patchShape, stride, true); err != nil {
		return nil, err
	}
	zs := axisOrigins(volShape[0], patchShape[0], stride[0])
	ys := axisOrigins(volShape[1], patchShape[1], stride[1])
	xs := axisOrigins(volShape[2], patchShape[2], stride[2])
	origins := make([][3]int, 0, len(zs)*len(ys)*len(xs))
	for _, z := range zs {
		for _, y := range ys {
			for _, x := range xs {
				origins = append(origins, [3]int{z, y, x})
			}
		}
	}
	return origins, nil
}

// Split extracts every patch of the grid from the volume, in raster order.
func Split(v *volume.VoxelVolume, cfg Config) ([]Patch, error) {
	if err := validate(v.Shape, cfg.PatchShape, cfg.Stride, cfg.PadEdges); err != nil {
		return nil, err
	}
	origins, err := Grid(v.Shape, cfg.PatchShape, cfg.Stride)
	if err != nil {
		return nil, err
	}
	patches := make([]Patch, 0, len(origins))
	for _, origin := range origins {
		patches = append(patches, extract(v, origin, cfg))
	}
	return patches, nil
}

func extract(v *volume.VoxelVolume, origin [3]int, cfg Config) Patch {
	shape := cfg.PatchShape
	if !cfg.PadEdges {
		for a := 0; a < 3; a++ {
			if origin[a]+shape[a] > v.Shape[a] {
				shape[a] = v.Shape[a] - origin[a]
			}
		}
	}
	p := Patch{
		Origin:   origin,
		Shape:    shape,
		Channels: v.Channels,
		Data:     make([]float64, shape[0]*shape[1]*shape[2]*v.Channels),
	}
	pshape := volume.Shape(shape)
	for z := 0; z < shape[0]; z++ {
		vz := origin[0] + z
		if vz >= v.Shape[0] {
			break // zero padding past the boundary
		}
		for y := 0; y < shape[1]; y++ {
			vy := origin[1] + y
			if vy >= v.Shape[1] {
				break
			}
			rowLen := shape[2]
			if origin[2]+rowLen > v.Shape[2] {
				rowLen = v.Shape[2] - origin[2]
			}
			src := v.Shape.Index(vz, vy, origin[2]) * v.Channels
			dst := pshape.Index(z, y, 0) * v.Channels
			copy(p.Data[dst:dst+rowLen*v.Channels], v.Data[src:src+rowLen*v.Channels])
		}
	}
	return p
}
