package volume

import "sort"

// LabelVolume is a dense 3D array of instance labels with the same geometry
// as the probability volume it was derived from. Label 0 is background;
// every positive label identifies one instance.
type LabelVolume struct {
	Labels  []uint32
	Shape   Shape
	Spacing Spacing
}

// NewLabels allocates a zero-filled (all background) label volume.
func NewLabels(shape Shape, spacing Spacing) *LabelVolume {
	return &LabelVolume{
		Labels:  make([]uint32, shape.NumVoxels()),
		Shape:   shape,
		Spacing: spacing,
	}
}

// At returns the label at (z, y, x).
func (l *LabelVolume) At(z, y, x int) uint32 {
	return l.Labels[l.Shape.Index(z, y, x)]
}

// Set writes the label at (z, y, x).
func (l *LabelVolume) Set(z, y, x int, label uint32) {
	l.Labels[l.Shape.Index(z, y, x)] = label
}

// Clone returns a deep copy of the label volume.
func (l *LabelVolume) Clone() *LabelVolume {
	out := *l
	out.Labels = make([]uint32, len(l.Labels))
	copy(out.Labels, l.Labels)
	return &out
}

// Counts returns the voxel count of every non-background label.
func (l *LabelVolume) Counts() map[uint32]int {
	counts := make(map[uint32]int)
	for _, lb := range l.Labels {
		if lb != 0 {
			counts[lb]++
		}
	}
	return counts
}

// Instances returns the sorted list of non-background labels present.
func (l *LabelVolume) Instances() []uint32 {
	counts := l.Counts()
	out := make([]uint32, 0, len(counts))
	for lb := range counts {
		out = append(out, lb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MaxLabel returns the highest label id in use, 0 when only background.
func (l *LabelVolume) MaxLabel() uint32 {
	var max uint32
	for _, lb := range l.Labels {
		if lb > max {
			max = lb
		}
	}
	return max
}

// Relabel rewrites labels through the given mapping. Labels missing from
// the mapping are kept as they are; mapping to 0 clears an instance.
func (l *LabelVolume) Relabel(mapping map[uint32]uint32) {
	for i, lb := range l.Labels {
		if nb, ok := mapping[lb]; ok {
			l.Labels[i] = nb
		}
	}
}

// Compact renumbers all instances to the dense range 1..N in first-encounter
// scan order and returns the instance count. The partition is unchanged.
func (l *LabelVolume) Compact() int {
	next := uint32(1)
	mapping := make(map[uint32]uint32)
	for i, lb := range l.Labels {
		if lb == 0 {
			continue
		}
		nb, ok := mapping[lb]
		if !ok {
			nb = next
			mapping[lb] = nb
			next++
		}
		l.Labels[i] = nb
	}
	return int(next - 1)
}

// BoundingBox holds the inclusive min and exclusive max corner of a label's
// extent, plus its voxel count.
type BoundingBox struct {
	Min, Max [3]int
	Voxels   int
}

// NumVoxels returns the voxel count of the bounding box region.
func (b BoundingBox) NumVoxels() int {
	return (b.Max[0] - b.Min[0]) * (b.Max[1] - b.Min[1]) * (b.Max[2] - b.Min[2])
}

// BoundingBoxes computes the bounding box of every non-background label in
// one scan over the volume.
func (l *LabelVolume) BoundingBoxes() map[uint32]BoundingBox {
	boxes := make(map[uint32]BoundingBox)
	for z := 0; z < l.Shape[0]; z++ {
		for y := 0; y < l.Shape[1]; y++ {
			base := l.Shape.Index(z, y, 0)
			for x := 0; x < l.Shape[2]; x++ {
				lb := l.Labels[base+x]
				if lb == 0 {
					continue
				}
				box, ok := boxes[lb]
				if !ok {
					box = BoundingBox{Min: [3]int{z, y, x}, Max: [3]int{z + 1, y + 1, x + 1}}
				} else {
					for a, c := range [3]int{z, y, x} {
						if c < box.Min[a] {
							box.Min[a] = c
						}
						if c+1 > box.Max[a] {
							box.Max[a] = c + 1
						}
					}
				}
				box.Voxels++
				boxes[lb] = box
			}
		}
	}
	return boxes
}
