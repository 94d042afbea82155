// Package metrics evaluates a predicted instance labeling against ground
// truth using IoU-based one-to-one instance matching.
package metrics

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"volseg3d/pkg/volume"
)

// Options configures the evaluation.
type Options struct {
	// IoUThreshold is the minimum intersection-over-union for a predicted
	// instance to count as a true positive match.
	IoUThreshold float64
}

// Match pairs one predicted instance with one ground-truth instance.
type Match struct {
	Predicted uint32
	Truth     uint32
	IoU       float64
}

// Result holds the instance-level evaluation of one volume.
type Result struct {
	Matches        []Match
	TruePositives  int
	FalsePositives int
	FalseNegatives int
	Precision      float64
	Recall         float64
	F1             float64
	MeanMatchedIoU float64
}

// Evaluate matches predicted instances to ground-truth instances greedily by
// descending IoU, one-to-one, and derives detection counts at the configured
// IoU threshold. Neither input is mutated.
func Evaluate(pred, truth *volume.LabelVolume, opts Options) (*Result, error) {
	if pred.Shape != truth.Shape {
		return nil, &volume.ShapeError{Op: "metrics: predicted and truth shapes differ",
			Got: pred.Shape, Want: truth.Shape}
	}

	predSizes := pred.Counts()
	truthSizes := truth.Counts()
	overlap := make(map[[2]uint32]int)
	for i, pl := range pred.Labels {
		tl := truth.Labels[i]
		if pl != 0 && tl != 0 {
			overlap[[2]uint32{pl, tl}]++
		}
	}

	candidates := make([]Match, 0, len(overlap))
	for key, inter := range overlap {
		union := predSizes[key[0]] + truthSizes[key[1]] - inter
		iou := float64(inter) / float64(union)
		if iou >= opts.IoUThreshold {
			candidates = append(candidates, Match{Predicted: key[0], Truth: key[1], IoU: iou})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].IoU != candidates[j].IoU {
			return candidates[i].IoU > candidates[j].IoU
		}
		if candidates[i].Predicted != candidates[j].Predicted {
			return candidates[i].Predicted < candidates[j].Predicted
		}
		return candidates[i].Truth < candidates[j].Truth
	})

	res := &Result{}
	usedPred := make(map[uint32]bool)
	usedTruth := make(map[uint32]bool)
	var ious []float64
	for _, m := range candidates {
		if usedPred[m.Predicted] || usedTruth[m.Truth] {
			continue
		}
		usedPred[m.Predicted] = true
		usedTruth[m.Truth] = true
		res.Matches = append(res.Matches, m)
		ious = append(ious, m.IoU)
	}

	res.TruePositives = len(res.Matches)
	res.FalsePositives = len(predSizes) - res.TruePositives
	res.FalseNegatives = len(truthSizes) - res.TruePositives
	if res.TruePositives+res.FalsePositives > 0 {
		res.Precision = float64(res.TruePositives) / float64(res.TruePositives+res.FalsePositives)
	}
	if res.TruePositives+res.FalseNegatives > 0 {
		res.Recall = float64(res.TruePositives) / float64(res.TruePositives+res.FalseNegatives)
	}
	if res.Precision+res.Recall > 0 {
		res.F1 = 2 * res.Precision * res.Recall / (res.Precision + res.Recall)
	}
	if len(ious) > 0 {
		res.MeanMatchedIoU = stat.Mean(ious, nil)
	}
	return res, nil
}
