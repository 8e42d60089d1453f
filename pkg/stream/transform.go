package stream

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
)

// Transform rewrites bytes as they flow through a TransformComponent. Transforms are
// stateful: the output for a byte depends on every byte transformed before it, so each
// byte must be transformed exactly once and in order.
type Transform interface {
	Name() string

	// Transform appends the transformed form of src to dst, returning the extended slice.
	// It must not modify src.
	Transform(dst, src []byte) ([]byte, error)

	// BoundaryIndependent reports whether the concatenated output depends only on the
	// order of the input bytes, and not on how they were split across calls. Stream ciphers
	// are boundary independent; per-chunk framing is not.
	BoundaryIndependent() bool
}

// TransformComponent applies a Transform to every chunk before forwarding it to the inner
// component.
//
// When the inner component rejects a chunk, the transform has already advanced past those
// bytes. The component keeps the rejected input alongside its transformed output, and the
// next write must begin with that same input: the held output is forwarded in its place,
// so no byte is ever transformed twice or at the wrong position.
type TransformComponent struct {
	inner     Component
	transform Transform
	scratch   []byte
	position  int64
	closed    bool

	// rejected and rejectedOut hold the input and output of the last write the inner
	// component refused, until a write resends that input
	rejected, rejectedOut []byte
}

var (
	_ Component = &TransformComponent{}
	_ Flusher   = &TransformComponent{}
)

func NewTransformComponent(inner Component, transform Transform) *TransformComponent {
	return &TransformComponent{
		inner:     inner,
		transform: transform,
	}
}

func (t *TransformComponent) Name() string { return t.transform.Name() }

// Position returns the number of bytes transformed since construction, including those of
// a rejected write held for resending.
func (t *TransformComponent) Position() int64 { return t.position }

// Write transforms buf and forwards the result. Empty writes forward nothing.
//
// If the inner component rejects the result, the error is returned and the caller may
// retry by writing the same bytes again, optionally followed by more. Any other write is
// refused until then, as the transform cannot rewind.
func (t *TransformComponent) Write(ctx context.Context, buf []byte) error {
	if t.closed {
		return &ClosedError{Layer: t.Name(), Op: "write"}
	}

	if len(buf) == 0 {
		return nil
	}

	out, fresh := t.scratch[:0], buf
	if t.rejected != nil {
		if !bytes.HasPrefix(buf, t.rejected) {
			return errors.Errorf("%s: write must resend the %d bytes previously rejected by the inner component", t.Name(), len(t.rejected))
		}

		out, fresh = t.rejectedOut, buf[len(t.rejected):]
	}

	if len(fresh) > 0 {
		var err error
		out, err = t.transform.Transform(out, fresh)
		if err != nil {
			return errors.Wrapf(err, "%s: transform", t.Name())
		}

		t.position += int64(len(fresh))
	}

	if err := t.inner.Write(ctx, out); err != nil {
		retained := Retained(err)
		if retained {
			t.accepted(out)
		} else {
			// Hold on to both sides, copying the input as the caller owns it
			t.rejected, t.rejectedOut = append(t.rejected[:0:0], buf...), out
			t.scratch = nil
		}

		return &ForwardingError{Layer: t.Name(), Op: "write", Err: err, Retained: retained}
	}

	t.accepted(out)

	return nil
}

// accepted clears any rejected write once the inner component has taken out. Inner
// components never retain what they're given, so out is reused for the next call.
func (t *TransformComponent) accepted(out []byte) {
	t.rejected, t.rejectedOut = nil, nil
	t.scratch = out[:0]
}

// Flush holds no bytes of its own, so only flushes the inner component.
func (t *TransformComponent) Flush(ctx context.Context) error {
	if t.closed {
		return &ClosedError{Layer: t.Name(), Op: "flush"}
	}

	if flusher, ok := t.inner.(Flusher); ok {
		if err := flusher.Flush(ctx); err != nil {
			return &ForwardingError{Layer: t.Name(), Op: "flush", Err: err}
		}
	}

	return nil
}

// Close emits any trailing bytes from transforms that implement Finisher, then closes the
// inner component regardless of whether that succeeded. A rejected write that was never
// resent is reported, and no trailer follows it.
func (t *TransformComponent) Close(ctx context.Context) error {
	if t.closed {
		return &ClosedError{Layer: t.Name(), Op: "close"}
	}

	t.closed = true

	var finishErr error
	if t.rejected != nil {
		finishErr = errors.Errorf("%s: %d bytes rejected by the inner component were never resent", t.Name(), len(t.rejected))
	} else if finisher, ok := t.transform.(Finisher); ok {
		finishErr = t.finish(ctx, finisher)
	}

	var releaseErr error
	if err := t.inner.Close(ctx); err != nil {
		releaseErr = &ForwardingError{Layer: t.Name(), Op: "close", Err: err}
	}

	return closeErrors(finishErr, releaseErr)
}

func (t *TransformComponent) finish(ctx context.Context, finisher Finisher) error {
	tail, err := finisher.Finish(t.scratch[:0])
	if err != nil {
		return errors.Wrapf(err, "%s: finish", t.Name())
	}

	if len(tail) == 0 {
		return nil
	}

	if err := t.inner.Write(ctx, tail); err != nil {
		return &ForwardingError{Layer: t.Name(), Op: "finish", Err: err}
	}

	return nil
}
