package fixture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/luoxiafeng-1990/display/framesource/mmapsource"
)

func TestWriteRawFileRejectsZeroFrameCount(t *testing.T) {
	err := WriteRawFile(filepath.Join(t.TempDir(), "frames.raw"), RawFile{Width: 4, Height: 4, BitsPerPixel: 8})
	if err == nil {
		t.Fatal("expected error for zero frame count")
	}
}

func TestWriteRawFileReadableByMmapSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.raw")
	geom := RawFile{Width: 4, Height: 4, BitsPerPixel: 8, FrameCount: 3}
	if err := WriteRawFile(path, geom); err != nil {
		t.Fatalf("WriteRawFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got, want := info.Size(), int64(geom.FrameSize()*geom.FrameCount); got != want {
		t.Fatalf("file size = %d, want %d", got, want)
	}

	src := mmapsource.New(geom.Width, geom.Height, geom.BitsPerPixel)
	if err := src.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.TotalFrames() != uint64(geom.FrameCount) {
		t.Fatalf("TotalFrames = %d, want %d", src.TotalFrames(), geom.FrameCount)
	}

	dest := make([]byte, geom.FrameSize())
	for i := 0; i < geom.FrameCount; i++ {
		n, err := src.ReadFrameAt(context.Background(), uint64(i), dest)
		if err != nil {
			t.Fatalf("ReadFrameAt(%d): %v", i, err)
		}
		if n != geom.FrameSize() {
			t.Fatalf("ReadFrameAt(%d) = %d bytes, want %d", i, n, geom.FrameSize())
		}
		want := FrameFill(i)
		for _, b := range dest {
			if b != want {
				t.Fatalf("frame %d byte = %#x, want %#x", i, b, want)
			}
		}
	}
}
