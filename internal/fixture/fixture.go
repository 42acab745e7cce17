// Package fixture generates synthetic raw-pixel files for exercising
// mmapsource and asyncsource without a real capture device, mirroring
// the teacher's synthetic-stream idiom for a file-backed source.
package fixture

import (
	"fmt"
	"os"

	"github.com/luoxiafeng-1990/display/framesource"
)

// RawFile describes a synthetic raw-pixel file's geometry.
type RawFile struct {
	Width, Height, BitsPerPixel int
	FrameCount                  int
}

// FrameSize returns the per-frame byte size for f's geometry.
func (f RawFile) FrameSize() int {
	return framesource.FrameSize(f.Width, f.Height, f.BitsPerPixel)
}

// FrameFill returns the byte every pixel of frame index is filled
// with. Frame content is deterministic and index-derived so a test
// can verify which frame it read back without tracking separate
// expected buffers.
func FrameFill(index int) byte {
	return byte(index % 256)
}

// WriteRawFile writes f.FrameCount frames of f's geometry to path,
// each frame filled with FrameFill(index). Truncates any existing
// file at path.
func WriteRawFile(path string, f RawFile) error {
	if f.FrameCount <= 0 {
		return fmt.Errorf("fixture: frame count must be positive, got %d", f.FrameCount)
	}
	frameSize := f.FrameSize()
	if frameSize <= 0 {
		return fmt.Errorf("fixture: invalid geometry %+v produces zero frame size", f)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("fixture: create %s: %w", path, err)
	}
	defer out.Close()

	frame := make([]byte, frameSize)
	for i := 0; i < f.FrameCount; i++ {
		fillFrame(frame, FrameFill(i))
		if _, err := out.Write(frame); err != nil {
			return fmt.Errorf("fixture: write frame %d to %s: %w", i, path, err)
		}
	}
	return nil
}

func fillFrame(frame []byte, b byte) {
	for i := range frame {
		frame[i] = b
	}
}
