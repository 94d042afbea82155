// Package labeling converts a stitched probability volume into discrete
// instance labels: binarize at a threshold, then connected-component
// labeling under a configurable 3D neighborhood. Labels are assigned in
// first-encounter scan order (lowest z, y, x), which makes repeated labeling
// of the same foreground produce the identical partition.
package labeling

import (
	"fmt"

	"volseg3d/pkg/volume"
)

// Connectivity selects the 3D neighborhood used for component labeling.
type Connectivity int

const (
	Face   Connectivity = 6  // face neighbors only
	Edge   Connectivity = 18 // face and edge neighbors
	Vertex Connectivity = 26 // face, edge and vertex neighbors
)

// Valid reports whether the connectivity is one of 6, 18 or 26.
func (c Connectivity) Valid() bool {
	return c == Face || c == Edge || c == Vertex
}

// Offsets returns the neighbor offsets of the connectivity.
func (c Connectivity) Offsets() [][3]int {
	var out [][3]int
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dz == 0 && dy == 0 && dx == 0 {
					continue
				}
				manhattan := abs(dz) + abs(dy) + abs(dx)
				switch c {
				case Face:
					if manhattan > 1 {
						continue
					}
				case Edge:
					if manhattan > 2 {
						continue
					}
				}
				out = append(out, [3]int{dz, dy, dx})
			}
		}
	}
	return out
}

// priorOffsets returns only the neighbors already visited in z,y,x scan
// order, the half of the neighborhood a single forward pass needs.
func (c Connectivity) priorOffsets() [][3]int {
	var out [][3]int
	for _, off := range c.Offsets() {
		if off[0] < 0 || (off[0] == 0 && off[1] < 0) || (off[0] == 0 && off[1] == 0 && off[2] < 0) {
			out = append(out, off)
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ThresholdError reports a labeling threshold outside the probability
// volume's value range, which would binarize to all-foreground or
// all-background and is always a configuration mistake.
type ThresholdError struct {
	Threshold float64
	Min, Max  float64
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("labeling: threshold %g outside volume value range [%g, %g]", e.Threshold, e.Min, e.Max)
}

// Options configures the labeling pass.
type Options struct {
	// Threshold binarizes the probability volume; samples >= Threshold
	// are foreground.
	Threshold float64

	// Connectivity is the 3D neighborhood for component labeling.
	Connectivity Connectivity

	// MinSize discards components with fewer voxels, relabeling them to
	// background. Zero keeps everything.
	MinSize int
}

// Result reports what the labeling pass produced.
type Result struct {
	// Instances is the number of labels assigned after size filtering.
	Instances int

	// Discarded is the number of components dropped by MinSize.
	Discarded int
}

// unionFind is a standard disjoint-set forest over provisional component
// ids, with path halving and union by smaller root id so that the final
// roots stay in first-encounter order.
type unionFind struct {
	parent []int32
}

func (u *unionFind) add() int32 {
	id := int32(len(u.parent))
	u.parent = append(u.parent, id)
	return id
}

func (u *unionFind) find(id int32) int32 {
	for u.parent[id] != id {
		u.parent[id] = u.parent[u.parent[id]]
		id = u.parent[id]
	}
	return id
}

func (u *unionFind) union(a, b int32) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

// Label binarizes the volume at the configured threshold and assigns
// connected-component instance labels. The channel-0 samples are used for
// multi-channel volumes.
func Label(v *volume.VoxelVolume, opts Options) (*volume.LabelVolume, *Result, error) {
	if !opts.Connectivity.Valid() {
		return nil, nil, fmt.Errorf("labeling: unsupported connectivity %d", opts.Connectivity)
	}
	min, max := v.ValueRange()
	if opts.Threshold < min || opts.Threshold > max {
		return nil, nil, &ThresholdError{Threshold: opts.Threshold, Min: min, Max: max}
	}

	shape := v.Shape
	labels := volume.NewLabels(shape, v.Spacing)
	prior := opts.Connectivity.priorOffsets()

	// First pass: provisional ids with union-find over prior neighbors.
	provisional := make([]int32, shape.NumVoxels())
	for i := range provisional {
		provisional[i] = -1
	}
	uf := &unionFind{}
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				idx := shape.Index(z, y, x)
				if v.Data[idx*v.Channels] < opts.Threshold {
					continue
				}
				var id int32 = -1
				for _, off := range prior {
					nz, ny, nx := z+off[0], y+off[1], x+off[2]
					if !shape.Contains(nz, ny, nx) {
						continue
					}
					nid := provisional[shape.Index(nz, ny, nx)]
					if nid < 0 {
						continue
					}
					if id < 0 {
						id = nid
					} else {
						uf.union(id, nid)
					}
				}
				if id < 0 {
					id = uf.add()
				}
				provisional[idx] = id
			}
		}
	}

	// Second pass: compact roots to labels 1..N in first-encounter order
	// while counting sizes.
	compact := make(map[int32]uint32)
	var sizes []int
	next := uint32(1)
	for i, id := range provisional {
		if id < 0 {
			continue
		}
		root := uf.find(id)
		lb, ok := compact[root]
		if !ok {
			lb = next
			compact[root] = lb
			sizes = append(sizes, 0)
			next++
		}
		sizes[lb-1]++
		labels.Labels[i] = lb
	}

	res := &Result{Instances: int(next - 1)}
	if opts.MinSize > 1 {
		mapping := make(map[uint32]uint32)
		for lb, size := range sizes {
			if size < opts.MinSize {
				mapping[uint32(lb+1)] = 0
				res.Discarded++
			}
		}
		if res.Discarded > 0 {
			labels.Relabel(mapping)
			res.Instances = labels.Compact()
		}
	}
	return labels, res, nil
}
