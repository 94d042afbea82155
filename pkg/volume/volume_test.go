package volume

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestShapeIndexing(t *testing.T) {
	shape := Shape{4, 5, 6}

	if got := shape.NumVoxels(); got != 120 {
		t.Fatalf("NumVoxels = %d, want 120", got)
	}

	// Index and Coord must be inverses over the whole shape, in scan order.
	want := 0
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				idx := shape.Index(z, y, x)
				if idx != want {
					t.Fatalf("Index(%d,%d,%d) = %d, want %d", z, y, x, idx, want)
				}
				gz, gy, gx := shape.Coord(idx)
				if gz != z || gy != y || gx != x {
					t.Fatalf("Coord(%d) = (%d,%d,%d), want (%d,%d,%d)", idx, gz, gy, gx, z, y, x)
				}
				want++
			}
		}
	}
}

func TestSubVolume(t *testing.T) {
	v := New(Shape{4, 4, 4}, 1, Isotropic(1))
	for i := range v.Data {
		v.Data[i] = float64(i)
	}

	sub, err := v.SubVolume([3]int{1, 1, 1}, Shape{2, 2, 2})
	if err != nil {
		t.Fatalf("SubVolume failed: %v", err)
	}
	for z := 0; z < 2; z++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				if sub.At(z, y, x) != v.At(z+1, y+1, x+1) {
					t.Errorf("sub(%d,%d,%d) = %v, want %v", z, y, x, sub.At(z, y, x), v.At(z+1, y+1, x+1))
				}
			}
		}
	}

	if _, err := v.SubVolume([3]int{3, 3, 3}, Shape{2, 2, 2}); err == nil {
		t.Fatal("expected ShapeError for out-of-range region")
	} else {
		var se *ShapeError
		if !errors.As(err, &se) {
			t.Fatalf("got %T, want *ShapeError", err)
		}
	}
}

func TestValueRange(t *testing.T) {
	v := New(Shape{2, 2, 2}, 1, Isotropic(1))
	copy(v.Data, []float64{3, -1, 7, 0, 2, 2, 2, 5})
	min, max := v.ValueRange()
	if min != -1 || max != 7 {
		t.Fatalf("ValueRange = (%v, %v), want (-1, 7)", min, max)
	}
}

func TestVolumeFileRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "volseg3d-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(dir)

	v := New(Shape{3, 4, 5}, 1, Spacing{Z: 2.0, Y: 0.5, X: 0.5})
	for i := range v.Data {
		v.Data[i] = float64(i) * 0.25
	}

	path := filepath.Join(dir, "vol.vsg")
	if err := v.Write(path); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Shape != v.Shape || got.Spacing != v.Spacing || got.Channels != v.Channels {
		t.Fatalf("geometry changed in round trip: %+v vs %+v", got, v)
	}
	for i := range v.Data {
		if got.Data[i] != v.Data[i] {
			t.Fatalf("sample %d = %v, want %v", i, got.Data[i], v.Data[i])
		}
	}
}

func TestLabelFileRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "volseg3d-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(dir)

	l := NewLabels(Shape{2, 3, 4}, Isotropic(1))
	for i := range l.Labels {
		l.Labels[i] = uint32(i % 3)
	}

	path := filepath.Join(dir, "labels.vsg")
	if err := l.Write(path); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := ReadLabels(path)
	if err != nil {
		t.Fatalf("ReadLabels failed: %v", err)
	}
	for i := range l.Labels {
		if got.Labels[i] != l.Labels[i] {
			t.Fatalf("label %d = %d, want %d", i, got.Labels[i], l.Labels[i])
		}
	}

	// A label file must not read back as a voxel volume.
	if _, err := Read(path); err == nil {
		t.Fatal("expected kind mismatch error")
	}
}

func TestReadRejectsCorruptShape(t *testing.T) {
	dir, err := os.MkdirTemp("", "volseg3d-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(dir)

	v := New(Shape{2, 2, 2}, 1, Isotropic(1))
	path := filepath.Join(dir, "vol.vsg")
	if err := v.Write(path); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Zero the z extent in the header: magic(4) + kind(1) + channels(4)
	// put shape[0] at byte offset 9.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	for i := 9; i < 13; i++ {
		raw[i] = 0
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Read(path); err == nil {
		t.Fatal("expected error for zero-extent shape in header")
	}
}

func TestLabelVolumeCompact(t *testing.T) {
	l := NewLabels(Shape{1, 1, 6}, Isotropic(1))
	copy(l.Labels, []uint32{0, 7, 7, 3, 0, 9})

	n := l.Compact()
	if n != 3 {
		t.Fatalf("Compact returned %d, want 3", n)
	}
	want := []uint32{0, 1, 1, 2, 0, 3}
	for i, lb := range l.Labels {
		if lb != want[i] {
			t.Fatalf("labels after Compact = %v, want %v", l.Labels, want)
		}
	}
}

func TestBoundingBoxes(t *testing.T) {
	l := NewLabels(Shape{3, 3, 3}, Isotropic(1))
	l.Set(0, 0, 0, 1)
	l.Set(2, 2, 2, 1)
	l.Set(1, 1, 1, 2)

	boxes := l.BoundingBoxes()
	b1 := boxes[1]
	if b1.Min != [3]int{0, 0, 0} || b1.Max != [3]int{3, 3, 3} || b1.Voxels != 2 {
		t.Fatalf("box of label 1 = %+v", b1)
	}
	b2 := boxes[2]
	if b2.Min != [3]int{1, 1, 1} || b2.Max != [3]int{2, 2, 2} || b2.Voxels != 1 {
		t.Fatalf("box of label 2 = %+v", b2)
	}
}
