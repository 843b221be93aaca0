package buffer

import (
	"errors"
	"io"
	"sync"
)

// Sink write failures. Both are swallowed at the engine's write sites;
// they exist so tests and debug logs can tell the cases apart.
var (
	errSinkClosed = errors.New("buffer: sink closed")
	errSinkFull   = errors.New("buffer: sink full")
)

// sinkDepth bounds the per-stream chunk queue between the output loop
// and a consumer. Sized to absorb a slow reader for a few hundred
// milliseconds without ever blocking the loop.
const sinkDepth = 64

// sinkPipe is a non-blocking, bounded byte-chunk pipe. The engine
// writes whole frames; the consumer reads a byte stream. Writes never
// block: a full queue drops the frame, and a closed reader returns an
// error the engine ignores. Write and CloseWrite are serialized by the
// engine's lock; Read and Close belong to the consumer.
type sinkPipe struct {
	ch   chan []byte
	done chan struct{}

	closeW sync.Once
	closeR sync.Once

	rest []byte
}

func newSinkPipe() *sinkPipe {
	return &sinkPipe{
		ch:   make(chan []byte, sinkDepth),
		done: make(chan struct{}),
	}
}

// Write enqueues one frame without blocking.
func (s *sinkPipe) Write(b []byte) (int, error) {
	select {
	case <-s.done:
		return 0, errSinkClosed
	default:
	}

	select {
	case s.ch <- b:
		return len(b), nil
	case <-s.done:
		return 0, errSinkClosed
	default:
		return 0, errSinkFull
	}
}

// CloseWrite ends the stream; pending frames remain readable and the
// consumer then sees EOF.
func (s *sinkPipe) CloseWrite() {
	s.closeW.Do(func() { close(s.ch) })
}

// Read implements io.Reader for the consumer side.
func (s *sinkPipe) Read(p []byte) (int, error) {
	if len(s.rest) > 0 {
		n := copy(p, s.rest)
		s.rest = s.rest[n:]
		return n, nil
	}

	select {
	case b, ok := <-s.ch:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, b)
		s.rest = b[n:]
		return n, nil
	case <-s.done:
		return 0, io.EOF
	}
}

// Close implements io.Closer for the consumer side. Subsequent engine
// writes fail and are swallowed upstream.
func (s *sinkPipe) Close() error {
	s.closeR.Do(func() { close(s.done) })
	return nil
}
