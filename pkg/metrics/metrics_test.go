package metrics

import (
	"math"
	"testing"

	"volseg3d/pkg/volume"
)

// lineLabels builds a 1xN label line from explicit per-voxel ids.
func lineLabels(ids []uint32) *volume.LabelVolume {
	lv := volume.NewLabels(volume.Shape{1, 1, len(ids)}, volume.Isotropic(1))
	copy(lv.Labels, ids)
	return lv
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

func TestEvaluatePerfect(t *testing.T) {
	ids := []uint32{1, 1, 0, 2, 2, 2, 0, 3}
	res, err := Evaluate(lineLabels(ids), lineLabels(ids), Options{IoUThreshold: 0.5})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.TruePositives != 3 || res.FalsePositives != 0 || res.FalseNegatives != 0 {
		t.Fatalf("counts = %d/%d/%d, want 3/0/0", res.TruePositives, res.FalsePositives, res.FalseNegatives)
	}
	if res.Precision != 1 || res.Recall != 1 || res.F1 != 1 || res.MeanMatchedIoU != 1 {
		t.Fatalf("scores = %+v, want all 1", res)
	}
}

func TestEvaluatePartialOverlap(t *testing.T) {
	// Predicted covers x 0..5, truth covers x 2..9: intersection 4 of a
	// union of 10 voxels, so IoU is exactly 0.4.
	pred := lineLabels([]uint32{1, 1, 1, 1, 1, 1, 0, 0, 0, 0})
	truth := lineLabels([]uint32{0, 0, 1, 1, 1, 1, 1, 1, 1, 1})

	t.Run("above threshold", func(t *testing.T) {
		res, err := Evaluate(pred, truth, Options{IoUThreshold: 0.25})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if res.TruePositives != 1 || res.FalsePositives != 0 || res.FalseNegatives != 0 {
			t.Fatalf("counts = %d/%d/%d, want 1/0/0", res.TruePositives, res.FalsePositives, res.FalseNegatives)
		}
		if len(res.Matches) != 1 || !approx(res.Matches[0].IoU, 0.4) {
			t.Fatalf("matches = %+v, want single match at IoU 0.4", res.Matches)
		}
		if !approx(res.MeanMatchedIoU, 0.4) {
			t.Fatalf("mean matched IoU = %g, want 0.4", res.MeanMatchedIoU)
		}
	})

	t.Run("below threshold", func(t *testing.T) {
		res, err := Evaluate(pred, truth, Options{IoUThreshold: 0.5})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if res.TruePositives != 0 || res.FalsePositives != 1 || res.FalseNegatives != 1 {
			t.Fatalf("counts = %d/%d/%d, want 0/1/1", res.TruePositives, res.FalsePositives, res.FalseNegatives)
		}
		if res.Precision != 0 || res.Recall != 0 || res.F1 != 0 {
			t.Fatalf("scores = %+v, want all 0", res)
		}
	})
}

func TestEvaluateGreedyOneToOne(t *testing.T) {
	// One predicted instance overlaps two truth instances; it must match
	// only the higher-IoU one, leaving the other a false negative.
	pred := lineLabels([]uint32{1, 1, 1, 1, 1, 1, 0, 0, 0, 0})
	truth := lineLabels([]uint32{1, 1, 1, 1, 2, 2, 2, 2, 2, 2})

	res, err := Evaluate(pred, truth, Options{IoUThreshold: 0.1})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.TruePositives != 1 || res.FalsePositives != 0 || res.FalseNegatives != 1 {
		t.Fatalf("counts = %d/%d/%d, want 1/0/1", res.TruePositives, res.FalsePositives, res.FalseNegatives)
	}
	m := res.Matches[0]
	if m.Predicted != 1 || m.Truth != 1 || !approx(m.IoU, 4.0/6.0) {
		t.Fatalf("match = %+v, want pred 1 / truth 1 at IoU 2/3", m)
	}
	if !approx(res.Precision, 1) || !approx(res.Recall, 0.5) || !approx(res.F1, 2.0/3.0) {
		t.Fatalf("scores P=%g R=%g F1=%g, want 1, 0.5, 2/3", res.Precision, res.Recall, res.F1)
	}
}

func TestEvaluateAnnexedBoundaryVoxel(t *testing.T) {
	// Ground truth holds one instance covering A plus one boundary voxel of
	// B; the prediction splits A and B. A matches at IoU 4/5, B's leftover
	// overlap of 1/8 does not, so B is a pure false positive.
	pred := lineLabels([]uint32{1, 1, 1, 1, 2, 2, 2, 2})
	truth := lineLabels([]uint32{1, 1, 1, 1, 1, 0, 0, 0})

	res, err := Evaluate(pred, truth, Options{IoUThreshold: 0.5})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.TruePositives != 1 || res.FalsePositives != 1 || res.FalseNegatives != 0 {
		t.Fatalf("counts = %d/%d/%d, want 1/1/0", res.TruePositives, res.FalsePositives, res.FalseNegatives)
	}
	if len(res.Matches) != 1 || res.Matches[0].Predicted != 1 || !approx(res.Matches[0].IoU, 0.8) {
		t.Fatalf("matches = %+v, want pred 1 at IoU 0.8", res.Matches)
	}
	if !approx(res.Precision, 0.5) || !approx(res.Recall, 1.0) {
		t.Fatalf("precision=%g recall=%g, want 0.5 and 1", res.Precision, res.Recall)
	}
}

func TestEvaluateIgnoresLabelIDs(t *testing.T) {
	// Matching depends on voxel partitions, not on the numeric ids.
	pred := lineLabels([]uint32{7, 7, 0, 3, 3, 3})
	truth := lineLabels([]uint32{2, 2, 0, 9, 9, 9})
	res, err := Evaluate(pred, truth, Options{IoUThreshold: 0.5})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.TruePositives != 2 || res.MeanMatchedIoU != 1 {
		t.Fatalf("result = %+v, want 2 exact matches", res)
	}
}

func TestEvaluateShapeMismatch(t *testing.T) {
	pred := lineLabels([]uint32{1, 1})
	truth := lineLabels([]uint32{1, 1, 1})
	if _, err := Evaluate(pred, truth, Options{IoUThreshold: 0.5}); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}
