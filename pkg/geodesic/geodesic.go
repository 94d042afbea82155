// Package geodesic refines a connected-component labeling using weighted
// shortest-path distance fields computed on the probability volume. It fixes
// the two failure modes of plain component labeling: touching objects merged
// into one label are split along watershed basins of geodesic distance from
// probability-maximum seeds, and one object fractured across two labels by a
// thin probability dip is merged back when the labels' seeds are geodesically
// close. Correction is best-effort refinement: labels whose bounding box
// exceeds the voxel budget are passed through unmodified.
package geodesic

import (
	"container/heap"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"volseg3d/pkg/labeling"
	"volseg3d/pkg/volume"
)

// costEpsilon keeps traversal cost strictly positive on probability
// plateaus at 1.0, so distance fields stay well ordered.
const costEpsilon = 1e-3

// Options configures the correction pass.
type Options struct {
	// MergeThreshold is the geodesic distance (in physical units) below
	// which two adjacent labels are considered one fractured object and
	// merged. Zero disables merging.
	MergeThreshold float64

	// MaxVoxelBudget caps the bounding-box voxel count a single label (or
	// candidate pair) may occupy before its correction is skipped.
	MaxVoxelBudget int

	// SeedMinSeparation is the minimum physical distance between two
	// accepted seeds of the same label.
	SeedMinSeparation float64

	// Connectivity is the voxel adjacency of the traversal graph.
	Connectivity labeling.Connectivity

	// Workers bounds the number of labels corrected concurrently.
	Workers int
}

// BudgetError records one skipped correction step whose region exceeded the
// voxel budget. For a skipped split Label names the label; for a skipped
// merge check PairedWith carries the second label of the pair. It is never
// fatal.
type BudgetError struct {
	Label      uint32
	PairedWith uint32
	Voxels     int
	Budget     int
}

func (e *BudgetError) Error() string {
	if e.PairedWith != 0 {
		return fmt.Sprintf("geodesic: merge check of labels %d and %d covers %d voxels, over budget %d; pair skipped",
			e.Label, e.PairedWith, e.Voxels, e.Budget)
	}
	return fmt.Sprintf("geodesic: label %d bounding box holds %d voxels, over budget %d; correction skipped",
		e.Label, e.Voxels, e.Budget)
}

// Report summarizes what a correction pass changed.
type Report struct {
	// SplitLabels is the number of labels divided into several instances.
	SplitLabels int

	// NewInstances is the number of extra instances created by splits.
	NewInstances int

	// MergedPairs is the number of label pairs fused back together.
	MergedPairs int

	// Skipped lists the labels passed through over budget.
	Skipped []*BudgetError

	// Instances is the final instance count after compaction.
	Instances int
}

// Corrector runs geodesic split/merge correction over a label volume.
type Corrector struct {
	opts   Options
	logger *zap.Logger
}

// New creates a corrector. A nil logger disables logging.
func New(opts Options, logger *zap.Logger) *Corrector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !opts.Connectivity.Valid() {
		opts.Connectivity = labeling.Vertex
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Corrector{opts: opts, logger: logger}
}

// Correct mutates the label volume in place, first splitting falsely merged
// labels, then merging falsely split ones, and finally compacting label ids.
// The probability volume must share the label volume's geometry.
func (c *Corrector) Correct(labels *volume.LabelVolume, prob *volume.VoxelVolume) (*Report, error) {
	if labels.Shape != prob.Shape {
		return nil, &volume.ShapeError{Op: "geodesic: probability and label volume shapes differ",
			Got: prob.Shape, Want: labels.Shape}
	}
	if !prob.Spacing.Valid() {
		return nil, fmt.Errorf("geodesic: non-positive voxel spacing %+v", prob.Spacing)
	}
	report := &Report{}
	if err := c.splitPass(labels, prob, report); err != nil {
		return nil, err
	}
	if c.opts.MergeThreshold > 0 {
		c.mergePass(labels, prob, report)
	}
	report.Instances = labels.Compact()
	return report, nil
}

// splitResult carries one label's watershed outcome back to the serial
// relabel writer: basin index per in-label voxel, for labels with >1 basin.
type splitResult struct {
	label  uint32
	voxels []int // flat indices in scan order
	basins []int32
	nSeeds int
}

func (c *Corrector) splitPass(labels *volume.LabelVolume, prob *volume.VoxelVolume, report *Report) error {
	boxes := labels.BoundingBoxes()
	ids := make([]uint32, 0, len(boxes))
	for lb := range boxes {
		ids = append(ids, lb)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	results := make([]*splitResult, len(ids))
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i, lb := range ids {
		box := boxes[lb]
		if c.opts.MaxVoxelBudget > 0 && box.NumVoxels() > c.opts.MaxVoxelBudget {
			skip := &BudgetError{Label: lb, Voxels: box.NumVoxels(), Budget: c.opts.MaxVoxelBudget}
			report.Skipped = append(report.Skipped, skip)
			c.logger.Warn("correction skipped", zap.Uint32("label", lb),
				zap.Int("bboxVoxels", skip.Voxels), zap.Int("budget", skip.Budget))
			continue
		}
		i, lb, box := i, lb, box
		g.Go(func() error {
			results[i] = c.splitLabel(labels, prob, lb, box)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Relabel writes are applied serially in ascending label order so the
	// assignment of new ids is deterministic.
	next := labels.MaxLabel() + 1
	for _, res := range results {
		if res == nil || res.nSeeds < 2 {
			continue
		}
		basinLabel := make([]uint32, res.nSeeds)
		used := 0
		for _, b := range res.basins {
			if b >= 0 && basinLabel[b] == 0 {
				if used == 0 {
					basinLabel[b] = res.label // first basin keeps the id
				} else {
					basinLabel[b] = next
					next++
				}
				used++
			}
		}
		if used < 2 {
			continue
		}
		for j, idx := range res.voxels {
			if b := res.basins[j]; b >= 0 {
				labels.Labels[idx] = basinLabel[b]
			}
		}
		report.SplitLabels++
		report.NewInstances += used - 1
		c.logger.Info("label split", zap.Uint32("label", res.label), zap.Int("basins", used))
	}
	return nil
}

// splitLabel computes the watershed basins of one label. The returned
// result has nSeeds < 2 when the label shows a single probability peak.
func (c *Corrector) splitLabel(labels *volume.LabelVolume, prob *volume.VoxelVolume, lb uint32, box volume.BoundingBox) *splitResult {
	voxels := make([]int, 0, box.Voxels)
	inRegion := make(map[int]int, box.Voxels) // flat index -> position in voxels
	for z := box.Min[0]; z < box.Max[0]; z++ {
		for y := box.Min[1]; y < box.Max[1]; y++ {
			for x := box.Min[2]; x < box.Max[2]; x++ {
				idx := labels.Shape.Index(z, y, x)
				if labels.Labels[idx] == lb {
					inRegion[idx] = len(voxels)
					voxels = append(voxels, idx)
				}
			}
		}
	}

	seeds := c.findSeeds(prob, voxels)
	res := &splitResult{label: lb, voxels: voxels, nSeeds: len(seeds)}
	if len(seeds) < 2 {
		return res
	}
	res.basins = c.distanceBasins(prob, inRegion, voxels, seeds).basins
	return res
}

// seed is a local probability maximum inside one label.
type seed struct {
	index int // flat index in the full volume
	prob  float64
}

// findSeeds locates the local probability maxima of the label's voxel set
// and suppresses maxima closer than the minimum separation, keeping the
// higher-probability one. Candidates are ordered by descending probability
// (scan order on ties) before suppression, so the result is deterministic.
func (c *Corrector) findSeeds(prob *volume.VoxelVolume, voxels []int) []seed {
	offsets := c.opts.Connectivity.Offsets()
	shape := prob.Shape
	inLabel := make(map[int]struct{}, len(voxels))
	for _, idx := range voxels {
		inLabel[idx] = struct{}{}
	}

	var cands []seed
	for _, idx := range voxels {
		z, y, x := shape.Coord(idx)
		p := prob.Data[idx*prob.Channels]
		isMax := true
		for _, off := range offsets {
			nz, ny, nx := z+off[0], y+off[1], x+off[2]
			if !shape.Contains(nz, ny, nx) {
				continue
			}
			nidx := shape.Index(nz, ny, nx)
			if _, ok := inLabel[nidx]; !ok {
				continue
			}
			np := prob.Data[nidx*prob.Channels]
			if np > p || (np == p && nidx < idx) {
				isMax = false
				break
			}
		}
		if isMax {
			cands = append(cands, seed{index: idx, prob: p})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].prob != cands[j].prob {
			return cands[i].prob > cands[j].prob
		}
		return cands[i].index < cands[j].index
	})
	return c.suppressClose(cands, prob.Shape, prob.Spacing)
}

// dijkstra state for one region.
type basinField struct {
	dist   []float64
	basins []int32
}

type pqItem struct {
	dist  float64
	basin int32
	pos   int // position in the region's voxel list
}

type pq []pqItem

func (q pq) Len() int { return len(q) }
func (q pq) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	if q[i].basin != q[j].basin {
		return q[i].basin < q[j].basin
	}
	return q[i].pos < q[j].pos
}
func (q pq) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *pq) Push(x any)   { *q = append(*q, x.(pqItem)) }
func (q *pq) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// distanceBasins runs multi-source Dijkstra over the region's voxels. Edge
// traversal cost is the physical step length scaled by (eps + 1 - p) of the
// voxel stepped onto. Ties in distance resolve to the lower basin id, then
// scan order, so the field is independent of heap internals.
func (c *Corrector) distanceBasins(prob *volume.VoxelVolume, inRegion map[int]int, voxels []int, seeds []seed) *basinField {
	shape := prob.Shape
	sp := prob.Spacing
	offsets := c.opts.Connectivity.Offsets()
	steps := make([]float64, len(offsets))
	for i, off := range offsets {
		dz := float64(off[0]) * sp.Z
		dy := float64(off[1]) * sp.Y
		dx := float64(off[2]) * sp.X
		steps[i] = math.Sqrt(dz*dz + dy*dy + dx*dx)
	}

	f := &basinField{
		dist:   make([]float64, len(voxels)),
		basins: make([]int32, len(voxels)),
	}
	for i := range f.dist {
		f.dist[i] = math.Inf(1)
		f.basins[i] = -1
	}

	q := make(pq, 0, len(seeds))
	for si, s := range seeds {
		pos := inRegion[s.index]
		f.dist[pos] = 0
		f.basins[pos] = int32(si)
		q = append(q, pqItem{dist: 0, basin: int32(si), pos: pos})
	}
	heap.Init(&q)

	for q.Len() > 0 {
		item := heap.Pop(&q).(pqItem)
		if item.dist > f.dist[item.pos] ||
			(item.dist == f.dist[item.pos] && item.basin > f.basins[item.pos]) {
			continue // stale entry
		}
		idx := voxels[item.pos]
		z, y, x := shape.Coord(idx)
		for oi, off := range offsets {
			nz, ny, nx := z+off[0], y+off[1], x+off[2]
			if !shape.Contains(nz, ny, nx) {
				continue
			}
			npos, ok := inRegion[shape.Index(nz, ny, nx)]
			if !ok {
				continue
			}
			nidx := voxels[npos]
			p := prob.Data[nidx*prob.Channels]
			nd := item.dist + steps[oi]*(costEpsilon+1-p)
			if nd < f.dist[npos] || (nd == f.dist[npos] && item.basin < f.basins[npos]) {
				f.dist[npos] = nd
				f.basins[npos] = item.basin
				heap.Push(&q, pqItem{dist: nd, basin: item.basin, pos: npos})
			}
		}
	}
	return f
}
