package geodesic

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"volseg3d/pkg/volume"
)

// labelPair orders two distinct labels with the lower id first.
type labelPair struct {
	a, b uint32
}

func makePair(a, b uint32) labelPair {
	if a > b {
		a, b = b, a
	}
	return labelPair{a: a, b: b}
}

// adjacentPairs finds every pair of labels that touch directly or are
// separated by a single background voxel, the gap a thin probability dip
// leaves behind.
func (c *Corrector) adjacentPairs(labels *volume.LabelVolume) []labelPair {
	shape := labels.Shape
	offsets := c.opts.Connectivity.Offsets()
	pairs := make(map[labelPair]struct{})
	var around []uint32
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				lb := labels.Labels[shape.Index(z, y, x)]
				around = around[:0]
				for _, off := range offsets {
					nz, ny, nx := z+off[0], y+off[1], x+off[2]
					if !shape.Contains(nz, ny, nx) {
						continue
					}
					nl := labels.Labels[shape.Index(nz, ny, nx)]
					if nl == 0 || nl == lb {
						continue
					}
					if lb != 0 {
						pairs[makePair(lb, nl)] = struct{}{}
					} else {
						around = append(around, nl)
					}
				}
				// A background voxel bridging two labels makes them
				// gap-adjacent.
				for i := 0; i < len(around); i++ {
					for j := i + 1; j < len(around); j++ {
						if around[i] != around[j] {
							pairs[makePair(around[i], around[j])] = struct{}{}
						}
					}
				}
			}
		}
	}
	out := make([]labelPair, 0, len(pairs))
	for p := range pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].a != out[j].a {
			return out[i].a < out[j].a
		}
		return out[i].b < out[j].b
	})
	return out
}

// mergePass fuses adjacent labels whose seed sets lie within the merge
// threshold of geodesic distance. The traversal region for a pair is both
// labels plus the background voxels of their joint bounding box, so a path
// may cross the thin gap between them.
func (c *Corrector) mergePass(labels *volume.LabelVolume, prob *volume.VoxelVolume, report *Report) {
	pairs := c.adjacentPairs(labels)
	if len(pairs) == 0 {
		return
	}
	boxes := labels.BoundingBoxes()

	// Merge chains resolve through a label -> target mapping applied once
	// at the end; lookups chase the chain to its lowest surviving id.
	target := make(map[uint32]uint32)
	resolve := func(lb uint32) uint32 {
		for {
			t, ok := target[lb]
			if !ok {
				return lb
			}
			lb = t
		}
	}

	for _, pair := range pairs {
		a, b := resolve(pair.a), resolve(pair.b)
		if a == b {
			continue
		}
		boxA, okA := boxes[pair.a]
		boxB, okB := boxes[pair.b]
		if !okA || !okB {
			continue
		}
		box := unionBox(boxA, boxB)
		if c.opts.MaxVoxelBudget > 0 && box.NumVoxels() > c.opts.MaxVoxelBudget {
			skip := &BudgetError{Label: pair.a, PairedWith: pair.b,
				Voxels: box.NumVoxels(), Budget: c.opts.MaxVoxelBudget}
			report.Skipped = append(report.Skipped, skip)
			c.logger.Warn("merge check skipped", zap.Uint32("labelA", pair.a),
				zap.Uint32("labelB", pair.b), zap.Int("bboxVoxels", skip.Voxels))
			continue
		}
		d := c.interSeedDistance(labels, prob, pair.a, pair.b, box)
		if d < c.opts.MergeThreshold {
			if a > b {
				a, b = b, a
			}
			target[b] = a
			report.MergedPairs++
			c.logger.Info("labels merged", zap.Uint32("kept", a), zap.Uint32("absorbed", b),
				zap.Float64("geodesicDistance", d))
		}
	}

	if len(target) == 0 {
		return
	}
	mapping := make(map[uint32]uint32, len(target))
	for lb := range target {
		mapping[lb] = resolve(lb)
	}
	labels.Relabel(mapping)
}

func unionBox(a, b volume.BoundingBox) volume.BoundingBox {
	out := a
	for i := 0; i < 3; i++ {
		if b.Min[i] < out.Min[i] {
			out.Min[i] = b.Min[i]
		}
		if b.Max[i] > out.Max[i] {
			out.Max[i] = b.Max[i]
		}
	}
	out.Voxels = a.Voxels + b.Voxels
	return out
}

// interSeedDistance computes the minimum geodesic distance between the seed
// sets of labels a and b, traversing voxels of either label and background
// voxels inside their joint bounding box.
func (c *Corrector) interSeedDistance(labels *volume.LabelVolume, prob *volume.VoxelVolume, a, b uint32, box volume.BoundingBox) float64 {
	shape := labels.Shape
	var voxels []int
	inRegion := make(map[int]int)
	var voxelsA, voxelsB []int
	for z := box.Min[0]; z < box.Max[0]; z++ {
		for y := box.Min[1]; y < box.Max[1]; y++ {
			for x := box.Min[2]; x < box.Max[2]; x++ {
				idx := shape.Index(z, y, x)
				lb := labels.Labels[idx]
				if lb != 0 && lb != a && lb != b {
					continue // other labels block the path
				}
				inRegion[idx] = len(voxels)
				voxels = append(voxels, idx)
				switch lb {
				case a:
					voxelsA = append(voxelsA, idx)
				case b:
					voxelsB = append(voxelsB, idx)
				}
			}
		}
	}
	if len(voxelsA) == 0 || len(voxelsB) == 0 {
		return math.Inf(1)
	}

	seedsA := c.findSeeds(prob, voxelsA)
	seedsB := c.findSeeds(prob, voxelsB)
	if len(seedsA) == 0 || len(seedsB) == 0 {
		return math.Inf(1)
	}

	field := c.distanceBasins(prob, inRegion, voxels, seedsA)
	best := math.Inf(1)
	for _, s := range seedsB {
		if pos, ok := inRegion[s.index]; ok && field.dist[pos] < best {
			best = field.dist[pos]
		}
	}
	return best
}
