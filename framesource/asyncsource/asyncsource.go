// Package asyncsource implements framesource.Source over a
// depth-bounded pool of workers issuing unix.Pread, giving the same
// "submit, wait for completion, bounded queue depth" contract an
// io_uring-backed reader would, without depending on a Go io_uring
// binding (none exists in the ecosystem this repo draws from).
package asyncsource

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/luoxiafeng-1990/display/framesource"
)

// DefaultQueueDepth bounds how many reads may be in flight at once.
const DefaultQueueDepth = 4

type readJob struct {
	index uint64
	dest  []byte
	done  chan readResult
	ctx   context.Context
}

type readResult struct {
	n   int
	err error
}

// Source issues pread(2) calls from a small worker pool so a single
// slow read never blocks the caller longer than necessary and at most
// QueueDepth reads are outstanding at once.
type Source struct {
	mu sync.Mutex

	fd            int
	width, height int
	bpp           int
	frameSize     int
	total         uint64
	open          bool

	queueDepth int
	jobs       chan readJob
	workerWG   sync.WaitGroup
	stop       chan struct{}
}

// New returns an unopened async source for the given geometry and
// queue depth (0 selects DefaultQueueDepth).
func New(width, height, bitsPerPixel, queueDepth int) *Source {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Source{
		width:      width,
		height:     height,
		bpp:        bitsPerPixel,
		frameSize:  framesource.FrameSize(width, height, bitsPerPixel),
		queueDepth: queueDepth,
		fd:         -1,
	}
}

func (s *Source) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return fmt.Errorf("asyncsource: already open")
	}

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("asyncsource: open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return fmt.Errorf("asyncsource: stat %s: %w", path, err)
	}

	s.fd = fd
	if s.frameSize > 0 {
		s.total = uint64(st.Size) / uint64(s.frameSize)
	}
	s.jobs = make(chan readJob, s.queueDepth)
	s.stop = make(chan struct{})
	for i := 0; i < s.queueDepth; i++ {
		s.workerWG.Add(1)
		go s.worker()
	}
	s.open = true
	return nil
}

func (s *Source) worker() {
	defer s.workerWG.Done()
	for {
		select {
		case <-s.stop:
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			n, err := unix.Pread(s.fd, job.dest, int64(job.index)*int64(s.frameSize))
			select {
			case job.done <- readResult{n: n, err: err}:
			case <-job.ctx.Done():
			}
		}
	}
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	close(s.stop)
	close(s.jobs)
	s.workerWG.Wait()
	err := unix.Close(s.fd)
	s.fd = -1
	s.open = false
	return err
}

func (s *Source) ReadFrameAt(ctx context.Context, index uint64, dest []byte) (int, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return 0, fmt.Errorf("asyncsource: not open")
	}
	if index >= s.total {
		s.mu.Unlock()
		return 0, fmt.Errorf("asyncsource: index %d out of range (total %d)", index, s.total)
	}
	jobs := s.jobs
	s.mu.Unlock()

	done := make(chan readResult, 1)
	job := readJob{index: index, dest: dest, done: done, ctx: ctx}

	select {
	case jobs <- job:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case res := <-done:
		if res.err != nil {
			return 0, fmt.Errorf("asyncsource: pread frame %d: %w", index, res.err)
		}
		return res.n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
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
