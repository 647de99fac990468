// Package chunked uploads file content to an existing upload session in
// fixed-size parts, in parallel, verifies integrity via a full-content
// digest, and commits the assembled parts into a final file. It supports
// cooperative cancellation via Abort.
package chunked

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrNotReady is returned by Source.ReadAt when a streaming source has not
// yet buffered enough bytes for the requested range. Callers poll again
// later; ReadAt never blocks.
var ErrNotReady = errors.New("chunked: source bytes not ready")

// ErrInvalidSource is returned by NewSource for unsupported content types.
var ErrInvalidSource = errors.New("chunked: unsupported source type")

var errSourceClosed = errors.New("chunked: source closed")

// fillChunkSize is the read granularity of the streaming source's filler.
const fillChunkSize = 64 * 1024

// Source yields byte ranges of the upload content. ReadAt returns the
// requested range, ErrNotReady if the bytes are not yet available (poll
// later), or a short slice once the underlying stream has ended. Close
// releases the underlying content; subsequent reads fail.
//
// Streaming sources are consumed sequentially: ranges must be requested in
// ascending, contiguous offset order.
type Source interface {
	ReadAt(offset, length int64) ([]byte, error)
	Close() error
}

// NewSource normalizes upload content into a Source. Accepted types:
// []byte and string (fixed, always ready), io.Reader (streaming, buffered
// up to bufferLimit bytes), or a Source passed through unchanged. Any other
// type fails with ErrInvalidSource.
func NewSource(content any, bufferLimit int64) (Source, error) {
	switch v := content.(type) {
	case Source:
		return v, nil
	case []byte:
		return &bytesSource{data: v}, nil
	case string:
		return &bytesSource{data: []byte(v)}, nil
	case io.Reader:
		return newStreamSource(v, bufferLimit), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidSource, content)
	}
}

// bytesSource serves a fixed in-memory byte sequence. Always ready.
type bytesSource struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func (s *bytesSource) ReadAt(offset, length int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errSourceClosed
	}

	if offset < 0 || length < 0 || offset+length > int64(len(s.data)) {
		return nil, fmt.Errorf("chunked: range [%d, %d) outside content of %d bytes: %w",
			offset, offset+length, len(s.data), io.ErrUnexpectedEOF)
	}

	return s.data[offset : offset+length], nil
}

func (s *bytesSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = nil

	return nil
}

// streamSource adapts a blocking io.Reader into the non-blocking ReadAt
// contract. A filler goroutine pulls from the reader into a window buffer
// bounded by limit bytes; consumption is strictly sequential from the front
// of the window. The bound keeps memory at roughly parallelism × partSize
// regardless of total file size.
type streamSource struct {
	mu   sync.Mutex
	cond *sync.Cond // signaled when buffer space frees up or state changes

	r       io.Reader
	buf     []byte // window contents, starting at offset base
	base    int64
	limit   int64
	eof     bool
	readErr error
	closed  bool
}

func newStreamSource(r io.Reader, limit int64) *streamSource {
	if limit < fillChunkSize {
		limit = fillChunkSize
	}

	s := &streamSource{r: r, limit: limit}
	s.cond = sync.NewCond(&s.mu)

	go s.fill()

	return s
}

// fill pulls from the reader until EOF, error, or Close, waiting whenever
// the window is full.
func (s *streamSource) fill() {
	scratch := make([]byte, fillChunkSize)

	for {
		s.mu.Lock()
		for int64(len(s.buf)) >= s.limit && !s.closed {
			s.cond.Wait()
		}

		if s.closed {
			s.mu.Unlock()
			return
		}

		r := s.r
		s.mu.Unlock()

		n, err := r.Read(scratch)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}

		if n > 0 {
			s.buf = append(s.buf, scratch[:n]...)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				s.eof = true
			} else {
				s.readErr = err
			}

			s.mu.Unlock()

			return
		}
		s.mu.Unlock()
	}
}

func (s *streamSource) ReadAt(offset, length int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errSourceClosed
	}

	if offset != s.base {
		return nil, fmt.Errorf("chunked: non-sequential stream read at offset %d, expected %d", offset, s.base)
	}

	avail := int64(len(s.buf))

	if avail < length {
		if s.readErr != nil {
			return nil, fmt.Errorf("chunked: reading stream: %w", s.readErr)
		}

		if !s.eof {
			return nil, ErrNotReady
		}

		if avail == 0 {
			return nil, io.ErrUnexpectedEOF
		}

		// Stream ended: hand out the short remainder.
		length = avail
	}

	out := make([]byte, length)
	copy(out, s.buf[:length])
	s.buf = s.buf[length:]
	s.base += length
	s.cond.Signal()

	return out, nil
}

func (s *streamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.buf = nil
	s.r = nil
	s.cond.Broadcast()

	return nil
}

// buffered reports the number of bytes currently held in the window.
func (s *streamSource) buffered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.buf))
}
