package geodesic

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"volseg3d/pkg/volume"
)

// seedPoint is a seed candidate in physical coordinates, usable as a
// kdtree.Comparable. rank is the candidate's position in the priority order
// (descending probability), so suppression decisions are stable.
type seedPoint struct {
	X, Y, Z float64
	rank    int
}

func (p seedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(seedPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

func (p seedPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points.
func (p seedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(seedPoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// seedPoints is a collection of seedPoint that satisfies kdtree.Interface.
type seedPoints []seedPoint

func (p seedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p seedPoints) Len() int                              { return len(p) }
func (p seedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p seedPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(seedPlane{seedPoints: p, Dim: d}, kdtree.MedianOfRandoms(seedPlane{seedPoints: p, Dim: d}, 100))
}

// seedPlane implements sort.Interface and kdtree.SortSlicer for seedPoints.
type seedPlane struct {
	seedPoints
	kdtree.Dim
}

func (p seedPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.seedPoints[i].X < p.seedPoints[j].X
	case 1:
		return p.seedPoints[i].Y < p.seedPoints[j].Y
	case 2:
		return p.seedPoints[i].Z < p.seedPoints[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p seedPlane) Slice(start, end int) kdtree.SortSlicer {
	return seedPlane{seedPoints: p.seedPoints[start:end], Dim: p.Dim}
}

func (p seedPlane) Swap(i, j int) {
	p.seedPoints[i], p.seedPoints[j] = p.seedPoints[j], p.seedPoints[i]
}

// suppressClose drops every candidate that has a higher-priority candidate
// within the minimum separation radius. Candidates must arrive sorted by
// priority (descending probability, scan order on ties). A kd-tree over all
// candidates answers the radius queries. kdtree.New partitions its input
// slice in place, so queries use points kept aside in rank order, never the
// tree's own slice.
func (c *Corrector) suppressClose(cands []seed, shape volume.Shape, sp volume.Spacing) []seed {
	if len(cands) < 2 || c.opts.SeedMinSeparation <= 0 {
		return cands
	}
	byRank := make([]seedPoint, len(cands))
	for i, s := range cands {
		z, y, x := shape.Coord(s.index)
		byRank[i] = seedPoint{
			X:    float64(x) * sp.X,
			Y:    float64(y) * sp.Y,
			Z:    float64(z) * sp.Z,
			rank: i,
		}
	}
	points := make(seedPoints, len(byRank))
	copy(points, byRank)
	tree := kdtree.New(points, false)
	sepSq := c.opts.SeedMinSeparation * c.opts.SeedMinSeparation

	accepted := make([]bool, len(cands))
	var out []seed
	for i := range cands {
		keeper := kdtree.NewDistKeeper(sepSq)
		tree.NearestSet(keeper, byRank[i])
		ok := true
		for _, hit := range keeper.Heap {
			if hit.Comparable == nil {
				continue
			}
			r := hit.Comparable.(seedPoint).rank
			if r != i && r < i && accepted[r] {
				ok = false
				break
			}
		}
		if ok {
			accepted[i] = true
			out = append(out, cands[i])
		}
	}
	return out
}
