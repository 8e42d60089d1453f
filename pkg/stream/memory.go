package stream

import (
	"context"
	"sync"
)

// MemorySink is a reference implementation of a sink, storing every chunk it receives in
// memory. It satisfies all requirements of a component, and unlike the layers it is safe to
// inspect from other goroutines while a pipeline writes to it.
//
// Beyond offering a useful reference implementation, this can be used for testing layer
// logic without being coupled to an actual backend.
type MemorySink struct {
	chunks [][]byte
	closed bool
	sync.Mutex
}

var _ Component = &MemorySink{}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		chunks: [][]byte{},
	}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(ctx context.Context, buf []byte) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return &ClosedError{Layer: s.Name(), Op: "write"}
	}

	select {
	case <-ctx.Done():
		return &ResourceError{Sink: s.Name(), Op: "write", Err: ctx.Err()}
	default:
	}

	s.chunks = append(s.chunks, append([]byte(nil), buf...))

	return nil
}

func (s *MemorySink) Close(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return &ClosedError{Layer: s.Name(), Op: "close"}
	}

	s.closed = true

	return nil
}

// Chunks returns a copy of every chunk received, in the order they were written.
func (s *MemorySink) Chunks() [][]byte {
	s.Lock()
	defer s.Unlock()

	chunks := make([][]byte, 0, len(s.chunks))
	for _, chunk := range s.chunks {
		chunks = append(chunks, append([]byte(nil), chunk...))
	}

	return chunks
}

// Bytes returns the concatenation of every chunk received.
func (s *MemorySink) Bytes() []byte {
	s.Lock()
	defer s.Unlock()

	all := []byte{}
	for _, chunk := range s.chunks {
		all = append(all, chunk...)
	}

	return all
}

func (s *MemorySink) Closed() bool {
	s.Lock()
	defer s.Unlock()

	return s.closed
}
