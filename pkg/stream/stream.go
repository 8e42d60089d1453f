// Suite of layers that can be composed around a sink to build byte-stream pipelines. Each
// layer wraps exactly one inner component, and data flows from the outermost layer inward
// until it reaches the sink.
//
// The package's types are not safe for concurrent use. Callers that share a pipeline across
// goroutines must serialise access themselves.
package stream

import (
	"context"
)

// Component is implemented by every layer and every sink. Write may be called any number
// of times, Close exactly once. Once Close has returned, further calls fail with a
// ClosedError.
//
// Write must treat buf as immutable and must not retain it after returning. Implementations
// that need to keep bytes across calls are responsible for copying them.
type Component interface {
	Write(ctx context.Context, buf []byte) error
	Close(ctx context.Context) error
}

// Flusher is implemented by layers that hold bytes they have not yet forwarded. Flush
// pushes any held bytes to the inner component, keeping them if the push fails.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Finisher is implemented by transforms that must emit trailing bytes once the stream has
// ended, such as framing encoders. Finish is called exactly once, before the inner
// component is closed.
type Finisher interface {
	Finish(dst []byte) ([]byte, error)
}

// Named components report a short identifier used to annotate errors and logs.
type Named interface {
	Name() string
}

// nameOf returns the name of a component, falling back to a placeholder for anonymous
// implementations.
func nameOf(c Component) string {
	if named, ok := c.(Named); ok {
		return named.Name()
	}

	return "component"
}
