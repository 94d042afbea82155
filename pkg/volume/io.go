package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"

	"github.com/golang/snappy"
)

// On-disk dense volume format: a fixed little-endian header followed by a
// snappy-compressed sample payload and a CRC32 of the compressed bytes.
//
//	magic    [4]byte  "VSG1"
//	kind     uint8    0 = float64 samples, 1 = uint32 labels
//	channels uint32
//	shape    3x uint32 (z, y, x)
//	spacing  3x float64 (z, y, x)
//	paylen   uint32   compressed payload length
//	crc      uint32   CRC32 (IEEE) of the compressed payload
//	payload  snappy block of little-endian samples

var fileMagic = [4]byte{'V', 'S', 'G', '1'}

const (
	kindVoxels uint8 = 0
	kindLabels uint8 = 1
)

type header struct {
	Kind     uint8
	Channels uint32
	Shape    [3]uint32
	Spacing  [3]float64
}

func writeFile(path string, h header, raw []byte) error {
	compressed := snappy.Encode(nil, raw)
	var buf bytes.Buffer
	buf.Write(fileMagic[:])
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("encoding volume header: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(compressed))); err != nil {
		return fmt.Errorf("encoding payload length: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(compressed)); err != nil {
		return fmt.Errorf("encoding checksum: %w", err)
	}
	buf.Write(compressed)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing volume file: %w", err)
	}
	return nil
}

func readFile(path string) (header, []byte, error) {
	var h header
	data, err := os.ReadFile(path)
	if err != nil {
		return h, nil, fmt.Errorf("reading volume file: %w", err)
	}
	r := bytes.NewReader(data)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != fileMagic {
		return h, nil, fmt.Errorf("%s: not a volume file", path)
	}
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, nil, fmt.Errorf("decoding volume header: %w", err)
	}
	var payLen, crc uint32
	if err := binary.Read(r, binary.LittleEndian, &payLen); err != nil {
		return h, nil, fmt.Errorf("decoding payload length: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &crc); err != nil {
		return h, nil, fmt.Errorf("decoding checksum: %w", err)
	}
	compressed := make([]byte, payLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return h, nil, fmt.Errorf("reading payload: %w", err)
	}
	if crc32.ChecksumIEEE(compressed) != crc {
		return h, nil, fmt.Errorf("%s: payload checksum mismatch", path)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return h, nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return h, raw, nil
}

// Write stores the volume at path in the compressed dense format.
func (v *VoxelVolume) Write(path string) error {
	h := header{
		Kind:     kindVoxels,
		Channels: uint32(v.Channels),
		Shape:    [3]uint32{uint32(v.Shape[0]), uint32(v.Shape[1]), uint32(v.Shape[2])},
		Spacing:  [3]float64{v.Spacing.Z, v.Spacing.Y, v.Spacing.X},
	}
	raw := make([]byte, len(v.Data)*8)
	for i, s := range v.Data {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(s))
	}
	return writeFile(path, h, raw)
}

// Read loads a voxel volume previously stored with Write.
func Read(path string) (*VoxelVolume, error) {
	h, raw, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if h.Kind != kindVoxels {
		return nil, fmt.Errorf("%s: file holds labels, not voxel samples", path)
	}
	shape := Shape{int(h.Shape[0]), int(h.Shape[1]), int(h.Shape[2])}
	if !shape.Valid() {
		return nil, fmt.Errorf("%s: invalid shape %s in header", path, shape)
	}
	channels := int(h.Channels)
	if len(raw) != shape.NumVoxels()*channels*8 {
		return nil, &ShapeError{Op: "volume.Read", Got: Shape{len(raw) / 8, 1, 1}, Want: shape}
	}
	v := New(shape, channels, Spacing{Z: h.Spacing[0], Y: h.Spacing[1], X: h.Spacing[2]})
	for i := range v.Data {
		v.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return v, nil
}

// Write stores the label volume at path in the compressed dense format.
func (l *LabelVolume) Write(path string) error {
	h := header{
		Kind:     kindLabels,
		Channels: 1,
		Shape:    [3]uint32{uint32(l.Shape[0]), uint32(l.Shape[1]), uint32(l.Shape[2])},
		Spacing:  [3]float64{l.Spacing.Z, l.Spacing.Y, l.Spacing.X},
	}
	raw := make([]byte, len(l.Labels)*4)
	for i, lb := range l.Labels {
		binary.LittleEndian.PutUint32(raw[i*4:], lb)
	}
	return writeFile(path, h, raw)
}

// ReadLabels loads a label volume previously stored with LabelVolume.Write.
func ReadLabels(path string) (*LabelVolume, error) {
	h, raw, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if h.Kind != kindLabels {
		return nil, fmt.Errorf("%s: file holds voxel samples, not labels", path)
	}
	shape := Shape{int(h.Shape[0]), int(h.Shape[1]), int(h.Shape[2])}
	if !shape.Valid() {
		return nil, fmt.Errorf("%s: invalid shape %s in header", path, shape)
	}
	if len(raw) != shape.NumVoxels()*4 {
		return nil, &ShapeError{Op: "volume.ReadLabels", Got: Shape{len(raw) / 4, 1, 1}, Want: shape}
	}
	l := NewLabels(shape, Spacing{Z: h.Spacing[0], Y: h.Spacing[1], X: h.Spacing[2]})
	for i := range l.Labels {
		l.Labels[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return l, nil
}
