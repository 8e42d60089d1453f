package stream

import (
	"errors"
	"fmt"
)

// ErrClosed is matched by every ClosedError, allowing errors.Is(err, stream.ErrClosed)
// regardless of which layer refused the call.
var ErrClosed = errors.New("component is closed")

// ClosedError is returned when Write or Close is called on a component that has already
// been closed. The call has no side effect.
type ClosedError struct {
	Layer string
	Op    string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Layer, e.Op, ErrClosed.Error())
}

func (e *ClosedError) Is(target error) bool {
	return target == ErrClosed
}

// ForwardingError is returned when an inner component fails a write or close that a layer
// forwarded to it. Layer names the layer that was forwarding, so nested errors read as a
// path from the caller toward the sink.
//
// Retained is set when the failed write was nonetheless accepted: the layer holds the bytes
// and will forward them on a later Flush or Close. The caller must not write them again.
// When unset, none of the bytes were accepted and the caller may retry by writing the same
// bytes.
type ForwardingError struct {
	Layer    string
	Op       string
	Err      error
	Retained bool
}

func (e *ForwardingError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Layer, e.Op, e.Err)
}

func (e *ForwardingError) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause, which predates Unwrap.
func (e *ForwardingError) Cause() error { return e.Err }

// Retained reports whether a failed Write left its bytes in the custody of the component,
// as described on ForwardingError. Errors that are not forwarding errors never retain.
func Retained(err error) bool {
	var fwd *ForwardingError
	return errors.As(err, &fwd) && fwd.Retained
}

// ResourceError is returned by sinks when the resource they own fails, such as a file that
// cannot be written or a database connection that has gone away.
type ResourceError struct {
	Sink string
	Op   string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("sink %s: %s: %v", e.Sink, e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

func (e *ResourceError) Cause() error { return e.Err }

// CompositionError is returned by the pipeline builder when the declared layers cannot be
// composed safely. Index is the position of the offending layer in outer-to-inner order.
type CompositionError struct {
	Index  int
	Layer  string
	Reason string
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("invalid composition at layer %d (%s): %s", e.Index, e.Layer, e.Reason)
}

// UnknownTypeError is returned when a registry has no factory for the requested kind.
type UnknownTypeError struct {
	Kind string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown layer kind: %q", e.Kind)
}

// CloseError is returned when a layer failed to flush its held bytes and the inner
// component then also failed to close. Both causes are reachable through errors.Is and
// errors.As.
type CloseError struct {
	Flush   error
	Release error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("flush failed: %v; release failed: %v", e.Flush, e.Release)
}

func (e *CloseError) Unwrap() []error {
	return []error{e.Flush, e.Release}
}

// closeErrors combines the outcome of flushing and releasing, so neither error can be
// dropped when both occur.
func closeErrors(flushErr, releaseErr error) error {
	switch {
	case flushErr != nil && releaseErr != nil:
		return &CloseError{Flush: flushErr, Release: releaseErr}
	case flushErr != nil:
		return flushErr
	default:
		return releaseErr
	}
}
