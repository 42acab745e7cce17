// Package mmapsource implements framesource.Source over a read-only
// whole-file memory mapping, for local raw-pixel files.
package mmapsource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/luoxiafeng-1990/display/framesource"
)

// Source maps an entire raw-pixel file into memory once and serves
// ReadFrameAt as a bounds-checked copy out of that mapping. The mapping
// is read-only, but ReadFrameAt holds the source's mutex for the whole
// copy, so concurrent reads run one at a time.
type Source struct {
	mu sync.Mutex

	data          []byte
	width, height int
	bpp           int
	frameSize     int
	total         uint64
	open          bool
}

// New returns an unopened mmap source for the given geometry.
func New(width, height, bitsPerPixel int) *Source {
	return &Source{
		width:     width,
		height:    height,
		bpp:       bitsPerPixel,
		frameSize: framesource.FrameSize(width, height, bitsPerPixel),
	}
}

func (s *Source) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return fmt.Errorf("mmapsource: already open")
	}

	f, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("mmapsource: open %s: %w", path, err)
	}
	defer unix.Close(f)

	var st unix.Stat_t
	if err := unix.Fstat(f, &st); err != nil {
		return fmt.Errorf("mmapsource: stat %s: %w", path, err)
	}
	size := int(st.Size)
	if size == 0 {
		return fmt.Errorf("mmapsource: %s is empty", path)
	}

	data, err := unix.Mmap(f, 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("mmapsource: mmap %s: %w", path, err)
	}

	s.data = data
	s.total = uint64(size) / uint64(s.frameSize)
	if s.frameSize > 0 && size%s.frameSize != 0 {
		slog.Warn("mmapsource: file size is not a whole number of frames; tail ignored",
			"path", path, "size", size, "frame_size", s.frameSize)
	}
	s.open = true
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	s.open = false
	return err
}

func (s *Source) ReadFrameAt(ctx context.Context, index uint64, dest []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, fmt.Errorf("mmapsource: not open")
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if index >= s.total {
		return 0, fmt.Errorf("mmapsource: index %d out of range (total %d)", index, s.total)
	}
	start := int(index) * s.frameSize
	end := start + s.frameSize
	if end > len(s.data) {
		return 0, fmt.Errorf("mmapsource: frame %d extends past mapping", index)
	}
	n := copy(dest, s.data[start:end])
	return n, nil
}

func (s *Source) TotalFrames() uint64 { return s.total }
func (s *Source) FrameSize() int      { return s.frameSize }
func (s *Source) Width() int          { return s.width }
func (s *Source) Height() int         { return s.height }
func (s *Source) BitsPerPixel() int   { return s.bpp }
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}
