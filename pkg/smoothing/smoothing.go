// Package smoothing removes speckle from a stitched probability volume
// before thresholding. A median filter keeps object boundaries sharp where a
// mean would smear them across the threshold.
package smoothing

import (
	"sort"

	"volseg3d/pkg/volume"
)

// Median applies a cubic median filter of the given radius to the channel-0
// samples and returns a new volume. Radius 0 returns an untouched copy. The
// window is clamped at the volume boundary.
func Median(v *volume.VoxelVolume, radius int) *volume.VoxelVolume {
	if radius <= 0 {
		return v.Clone()
	}
	out := v.Clone()
	shape := v.Shape
	window := make([]float64, 0, (2*radius+1)*(2*radius+1)*(2*radius+1))
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				window = window[:0]
				for dz := -radius; dz <= radius; dz++ {
					for dy := -radius; dy <= radius; dy++ {
						for dx := -radius; dx <= radius; dx++ {
							nz, ny, nx := z+dz, y+dy, x+dx
							if shape.Contains(nz, ny, nx) {
								window = append(window, v.At(nz, ny, nx))
							}
						}
					}
				}
				out.Set(z, y, x, median(window))
			}
		}
	}
	return out
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	n := len(values)
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}
