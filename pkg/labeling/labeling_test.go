package labeling

import (
	"errors"
	"testing"

	"volseg3d/pkg/volume"
)

// binaryVolume builds a probability volume from a set of foreground
// coordinates, 1.0 inside and 0.0 outside.
func binaryVolume(shape volume.Shape, foreground [][3]int) *volume.VoxelVolume {
	v := volume.New(shape, 1, volume.Isotropic(1))
	for _, c := range foreground {
		v.Set(c[0], c[1], c[2], 1.0)
	}
	return v
}

func TestConnectivityOffsets(t *testing.T) {
	cases := []struct {
		conn Connectivity
		want int
	}{
		{Face, 6},
		{Edge, 18},
		{Vertex, 26},
	}
	for _, tc := range cases {
		if got := len(tc.conn.Offsets()); got != tc.want {
			t.Fatalf("connectivity %d: %d offsets, want %d", tc.conn, got, tc.want)
		}
		// A forward scan visits exactly half the neighborhood.
		if got := len(tc.conn.priorOffsets()); got != tc.want/2 {
			t.Fatalf("connectivity %d: %d prior offsets, want %d", tc.conn, got, tc.want/2)
		}
	}
}

func TestDiagonalPairConnectivity(t *testing.T) {
	// Two voxels touching only at a vertex: one label under 26-connectivity,
	// two labels under 6-connectivity.
	v := binaryVolume(volume.Shape{2, 2, 2}, [][3]int{{0, 0, 0}, {1, 1, 1}})

	labels26, res26, err := Label(v, Options{Threshold: 0.5, Connectivity: Vertex})
	if err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	if res26.Instances != 1 {
		t.Fatalf("26-connectivity: %d instances, want 1", res26.Instances)
	}
	if labels26.At(0, 0, 0) != labels26.At(1, 1, 1) {
		t.Fatal("26-connectivity: diagonal voxels should share a label")
	}

	labels6, res6, err := Label(v, Options{Threshold: 0.5, Connectivity: Face})
	if err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	if res6.Instances != 2 {
		t.Fatalf("6-connectivity: %d instances, want 2", res6.Instances)
	}
	if labels6.At(0, 0, 0) == labels6.At(1, 1, 1) {
		t.Fatal("6-connectivity: diagonal voxels should not share a label")
	}
}

func TestLabelOrderIsDeterministic(t *testing.T) {
	// Labels are assigned in first-encounter scan order, lowest z,y,x first.
	v := binaryVolume(volume.Shape{1, 3, 5}, [][3]int{
		{0, 0, 4}, // second in scan order
		{0, 0, 0}, // first
		{0, 2, 2}, // third
	})
	labels, res, err := Label(v, Options{Threshold: 0.5, Connectivity: Face})
	if err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	if res.Instances != 3 {
		t.Fatalf("%d instances, want 3", res.Instances)
	}
	if labels.At(0, 0, 0) != 1 || labels.At(0, 0, 4) != 2 || labels.At(0, 2, 2) != 3 {
		t.Fatalf("labels not in scan order: %v %v %v",
			labels.At(0, 0, 0), labels.At(0, 0, 4), labels.At(0, 2, 2))
	}
}

func TestUShapeMergesThroughUnionFind(t *testing.T) {
	// A U shape forces two provisional ids that must be united when the
	// bottom of the U connects them.
	v := binaryVolume(volume.Shape{1, 3, 3}, [][3]int{
		{0, 0, 0}, {0, 0, 2},
		{0, 1, 0}, {0, 1, 2},
		{0, 2, 0}, {0, 2, 1}, {0, 2, 2},
	})
	_, res, err := Label(v, Options{Threshold: 0.5, Connectivity: Face})
	if err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	if res.Instances != 1 {
		t.Fatalf("%d instances, want 1", res.Instances)
	}
}

func TestLabelingIdempotence(t *testing.T) {
	v := binaryVolume(volume.Shape{3, 4, 4}, [][3]int{
		{0, 0, 0}, {0, 0, 1}, {1, 0, 0},
		{2, 3, 3}, {2, 3, 2},
		{0, 3, 0},
	})
	opts := Options{Threshold: 0.5, Connectivity: Vertex}

	first, res1, err := Label(v, opts)
	if err != nil {
		t.Fatalf("Label failed: %v", err)
	}

	// Re-binarize the labeling and label again; the partition must be
	// identical, not merely isomorphic, because assignment order is fixed.
	rebin := volume.New(v.Shape, 1, v.Spacing)
	for i, lb := range first.Labels {
		if lb != 0 {
			rebin.Data[i] = 1
		}
	}
	second, res2, err := Label(rebin, opts)
	if err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	if res1.Instances != res2.Instances {
		t.Fatalf("instance count changed: %d vs %d", res1.Instances, res2.Instances)
	}
	for i := range first.Labels {
		if first.Labels[i] != second.Labels[i] {
			t.Fatalf("partition changed at voxel %d: %d vs %d", i, first.Labels[i], second.Labels[i])
		}
	}
}

func TestMinSizeFilter(t *testing.T) {
	v := binaryVolume(volume.Shape{1, 1, 7}, [][3]int{
		{0, 0, 0}, {0, 0, 1}, {0, 0, 2}, // size 3
		{0, 0, 5}, // size 1, discarded
	})
	labels, res, err := Label(v, Options{Threshold: 0.5, Connectivity: Face, MinSize: 2})
	if err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	if res.Instances != 1 || res.Discarded != 1 {
		t.Fatalf("instances=%d discarded=%d, want 1 and 1", res.Instances, res.Discarded)
	}
	if labels.At(0, 0, 5) != 0 {
		t.Fatal("small component should be background")
	}
	if labels.At(0, 0, 0) != 1 {
		t.Fatalf("surviving component = %d, want 1 after renumbering", labels.At(0, 0, 0))
	}
}

func TestThresholdError(t *testing.T) {
	v := binaryVolume(volume.Shape{1, 1, 2}, [][3]int{{0, 0, 0}})

	var te *ThresholdError
	if _, _, err := Label(v, Options{Threshold: 2.0, Connectivity: Face}); !errors.As(err, &te) {
		t.Fatalf("got %v, want ThresholdError", err)
	}
	if _, _, err := Label(v, Options{Threshold: -0.5, Connectivity: Face}); !errors.As(err, &te) {
		t.Fatalf("got %v, want ThresholdError", err)
	}
}

func TestInvalidConnectivity(t *testing.T) {
	v := binaryVolume(volume.Shape{1, 1, 2}, [][3]int{{0, 0, 0}})
	if _, _, err := Label(v, Options{Threshold: 0.5, Connectivity: 10}); err == nil {
		t.Fatal("expected error for unsupported connectivity")
	}
}
