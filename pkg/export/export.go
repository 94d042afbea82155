// Package export renders probability and label volumes as 2D slice images
// for visual inspection of pipeline output.
package export

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"volseg3d/pkg/volume"
)

// ProbabilitySlice renders the 2D cross-section of the probability volume at
// the given position along the axis ("x", "y" or "z") as a grayscale image.
// Samples are mapped from the volume's value range onto 16-bit gray.
func ProbabilitySlice(v *volume.VoxelVolume, axis string, position int) (image.Image, error) {
	min, max := v.ValueRange()
	scale := 0.0
	if max > min {
		scale = 65535.0 / (max - min)
	}
	return renderSlice(v.Shape, axis, position, func(z, y, x int) color.Color {
		val := (v.At(z, y, x) - min) * scale
		return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, val)))}
	})
}

// LabelSlice renders a label cross-section, background black and every
// instance in a deterministic color derived from its id.
func LabelSlice(l *volume.LabelVolume, axis string, position int) (image.Image, error) {
	return renderSlice(l.Shape, axis, position, func(z, y, x int) color.Color {
		return labelColor(l.At(z, y, x))
	})
}

// labelColor maps a label id onto a stable, visually spread palette.
// Background stays black.
func labelColor(lb uint32) color.Color {
	if lb == 0 {
		return color.RGBA{A: 255}
	}
	// Golden-angle hue stepping keeps consecutive ids far apart.
	h := math.Mod(float64(lb)*0.61803398875, 1.0) * 6.0
	c := uint8(255 * (1 - math.Abs(math.Mod(h, 2)-1)))
	switch int(h) {
	case 0:
		return color.RGBA{R: 255, G: c, A: 255}
	case 1:
		return color.RGBA{R: c, G: 255, A: 255}
	case 2:
		return color.RGBA{G: 255, B: c, A: 255}
	case 3:
		return color.RGBA{G: c, B: 255, A: 255}
	case 4:
		return color.RGBA{R: c, B: 255, A: 255}
	default:
		return color.RGBA{R: 255, B: c, A: 255}
	}
}

func renderSlice(shape volume.Shape, axis string, position int, at func(z, y, x int) color.Color) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	switch axis {
	case "x", "X":
		if position >= shape[2] {
			return nil, fmt.Errorf("position %d exceeds width %d", position, shape[2])
		}
		img := image.NewRGBA(image.Rect(0, 0, shape[0], shape[1]))
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[0]; z++ {
				img.Set(z, y, at(z, y, position))
			}
		}
		return img, nil
	case "y", "Y":
		if position >= shape[1] {
			return nil, fmt.Errorf("position %d exceeds height %d", position, shape[1])
		}
		img := image.NewRGBA(image.Rect(0, 0, shape[2], shape[0]))
		for z := 0; z < shape[0]; z++ {
			for x := 0; x < shape[2]; x++ {
				img.Set(x, z, at(z, position, x))
			}
		}
		return img, nil
	case "z", "Z":
		if position >= shape[0] {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, shape[0])
		}
		img := image.NewRGBA(image.Rect(0, 0, shape[2], shape[1]))
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				img.Set(x, y, at(position, y, x))
			}
		}
		return img, nil
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

func axisExtent(shape volume.Shape, axis string) (int, error) {
	switch axis {
	case "x", "X":
		return shape[2], nil
	case "y", "Y":
		return shape[1], nil
	case "z", "Z":
		return shape[0], nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

func saveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveProbabilitySlices writes every cross-section of the probability volume
// along the axis into outputDir as JPEG images.
func SaveProbabilitySlices(v *volume.VoxelVolume, axis, outputDir string) error {
	extent, err := axisExtent(v.Shape, axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for pos := 0; pos < extent; pos++ {
		img, err := ProbabilitySlice(v, axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("prob_%s_%03d.jpg", axis, pos))
		if err := saveImage(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// SaveLabelSlices writes every label cross-section along the axis into
// outputDir as JPEG images.
func SaveLabelSlices(l *volume.LabelVolume, axis, outputDir string) error {
	extent, err := axisExtent(l.Shape, axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for pos := 0; pos < extent; pos++ {
		img, err := LabelSlice(l, axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("labels_%s_%03d.jpg", axis, pos))
		if err := saveImage(img, filename); err != nil {
			return err
		}
	}
	return nil
}
