// Package framesource provides the pluggable frame-acquisition
// strategies a producer reads from: a memory-mapped local file, an
// async-I/O local file, or an RTSP network stream.
package framesource

import (
	"context"
	"errors"
	"math"
)

// ErrSeekUnsupported is returned by strategies that have no notion of
// a frame index (network streams).
var ErrSeekUnsupported = errors.New("framesource: random access not supported by this source")

// ErrUnsupportedContainer names a container this package cannot read
// frames from directly. Sniff does not return it: Sniff reports such a
// file as its Format with a nil error.
var ErrUnsupportedContainer = errors.New("framesource: unsupported container format")

// Unbounded is the sentinel TotalFrames returns for sources with no
// fixed frame count (a live network stream). A producer must special
// case this value rather than treat it as a very large but finite
// count.
const Unbounded = math.MaxUint64

// Strategy names a FrameSource implementation for configuration and
// diagnostics.
type Strategy string

const (
	StrategyAuto  Strategy = "auto"
	StrategyMmap  Strategy = "mmap"
	StrategyAsync Strategy = "async"
	StrategyRTSP  Strategy = "rtsp"
)

// Source is the common interface every frame-acquisition strategy
// implements. ReadFrameAt(ctx, index, dest) is the only hot-path call;
// everything else is setup, teardown, or geometry.
type Source interface {
	Open(path string) error
	Close() error
	// ReadFrameAt copies the frame at index into dest and returns the
	// number of bytes written. Sources with no concept of index (RTSP)
	// ignore it and serve their latest frame.
	ReadFrameAt(ctx context.Context, index uint64, dest []byte) (int, error)
	// TotalFrames returns the source's frame count, or Unbounded if it
	// has none.
	TotalFrames() uint64
	FrameSize() int
	Width() int
	Height() int
	BitsPerPixel() int
	IsOpen() bool
}
