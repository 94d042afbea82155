// Package volume provides the dense 3D voxel array types shared by every
// stage of the segmentation pipeline, along with a compressed on-disk codec.
// Volumes are stored as flat slices in z-major, row-major order (z, then y,
// then x), the same layout the rest of the pipeline indexes into directly.
package volume

import (
	"fmt"
)

// Shape describes the voxel extent of a volume along (Z, Y, X).
type Shape [3]int

// NumVoxels returns the total voxel count of the shape.
func (s Shape) NumVoxels() int {
	return s[0] * s[1] * s[2]
}

// Valid reports whether every extent is a positive integer.
func (s Shape) Valid() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0
}

// Contains reports whether the coordinate lies inside the shape.
func (s Shape) Contains(z, y, x int) bool {
	return z >= 0 && z < s[0] && y >= 0 && y < s[1] && x >= 0 && x < s[2]
}

// Index converts a (z, y, x) coordinate to a flat array index.
func (s Shape) Index(z, y, x int) int {
	return (z*s[1]+y)*s[2] + x
}

// Coord converts a flat array index back to a (z, y, x) coordinate.
func (s Shape) Coord(idx int) (z, y, x int) {
	x = idx % s[2]
	idx /= s[2]
	y = idx % s[1]
	z = idx / s[1]
	return
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2])
}

// Spacing holds the physical size of a voxel along each axis, in whatever
// unit the acquisition used (typically micrometers). Geodesic distances and
// seed separation are measured in these units.
type Spacing struct {
	Z, Y, X float64
}

// Valid reports whether all spacing components are positive.
func (sp Spacing) Valid() bool {
	return sp.Z > 0 && sp.Y > 0 && sp.X > 0
}

// Isotropic returns a spacing with the same physical size on every axis.
func Isotropic(s float64) Spacing {
	return Spacing{Z: s, Y: s, X: s}
}

// ShapeError reports a geometry mismatch between volumes, patches or
// expected output shapes. It is fatal wherever it occurs: shapes are part of
// the pipeline configuration and never self-correct.
type ShapeError struct {
	Op   string
	Got  Shape
	Want Shape
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape %s incompatible with %s", e.Op, e.Got, e.Want)
}

// VoxelVolume is a dense 3D array of float64 samples with optional
// channels. For multi-channel volumes the channel index varies fastest
// (channel-last layout), so Data has length Shape.NumVoxels()*Channels.
type VoxelVolume struct {
	Data     []float64
	Shape    Shape
	Channels int
	Spacing  Spacing
	// Origin is the offset of this volume inside a larger parent volume,
	// zero for top-level volumes.
	Origin [3]int
}

// New allocates a zero-filled volume with the given geometry.
func New(shape Shape, channels int, spacing Spacing) *VoxelVolume {
	if channels < 1 {
		channels = 1
	}
	return &VoxelVolume{
		Data:     make([]float64, shape.NumVoxels()*channels),
		Shape:    shape,
		Channels: channels,
		Spacing:  spacing,
	}
}

// At returns the channel-0 sample at (z, y, x).
func (v *VoxelVolume) At(z, y, x int) float64 {
	return v.Data[v.Shape.Index(z, y, x)*v.Channels]
}

// AtChan returns the sample of channel c at (z, y, x).
func (v *VoxelVolume) AtChan(z, y, x, c int) float64 {
	return v.Data[v.Shape.Index(z, y, x)*v.Channels+c]
}

// Set writes the channel-0 sample at (z, y, x).
func (v *VoxelVolume) Set(z, y, x int, val float64) {
	v.Data[v.Shape.Index(z, y, x)*v.Channels] = val
}

// Clone returns a deep copy of the volume.
func (v *VoxelVolume) Clone() *VoxelVolume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// ValueRange returns the minimum and maximum sample across all channels.
// An empty volume reports (0, 0).
func (v *VoxelVolume) ValueRange() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max = v.Data[0], v.Data[0]
	for _, s := range v.Data[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return min, max
}

// SubVolume copies the region [origin, origin+shape) into a new volume.
// The region must lie fully inside the parent.
func (v *VoxelVolume) SubVolume(origin [3]int, shape Shape) (*VoxelVolume, error) {
	for a := 0; a < 3; a++ {
		if origin[a] < 0 || origin[a]+shape[a] > v.Shape[a] {
			return nil, &ShapeError{Op: "volume.SubVolume", Got: shape, Want: v.Shape}
		}
	}
	out := New(shape, v.Channels, v.Spacing)
	out.Origin = [3]int{v.Origin[0] + origin[0], v.Origin[1] + origin[1], v.Origin[2] + origin[2]}
	rowLen := shape[2] * v.Channels
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			src := v.Shape.Index(origin[0]+z, origin[1]+y, origin[2]) * v.Channels
			dst := shape.Index(z, y, 0) * v.Channels
			copy(out.Data[dst:dst+rowLen], v.Data[src:src+rowLen])
		}
	}
	return out, nil
}

// SizeBytes returns the in-memory payload size of the sample data.
func (v *VoxelVolume) SizeBytes() uint64 {
	return uint64(len(v.Data)) * 8
}
