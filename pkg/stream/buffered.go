package stream

import (
	"context"
	"fmt"
)

// maxInitialBufferCapacity bounds the up-front allocation for very large thresholds. The
// buffer still grows to the threshold if writes require it.
const maxInitialBufferCapacity = 64 * 1024

// BufferedComponent coalesces small writes into threshold-sized chunks before forwarding
// them to the inner component.
//
// Whenever the accumulated bytes reach the threshold, the first threshold bytes are
// forwarded as one chunk, repeating until less than a threshold remains. Only Flush and
// Close forward a shorter chunk.
type BufferedComponent struct {
	inner     Component
	buffer    []byte
	threshold int
	closed    bool
}

var (
	_ Component = &BufferedComponent{}
	_ Flusher   = &BufferedComponent{}
)

// NewBufferedComponent wraps inner with a buffer of the given threshold, which must be
// positive. The pipeline builder rejects non-positive thresholds before reaching here.
func NewBufferedComponent(inner Component, threshold int) *BufferedComponent {
	if threshold <= 0 {
		panic(fmt.Sprintf("buffer threshold must be positive, got %d", threshold))
	}

	capacity := threshold
	if capacity > maxInitialBufferCapacity {
		capacity = maxInitialBufferCapacity
	}

	return &BufferedComponent{
		inner:     inner,
		buffer:    make([]byte, 0, capacity),
		threshold: threshold,
	}
}

func (b *BufferedComponent) Name() string { return fmt.Sprintf("buffer(%d)", b.threshold) }

// Buffered returns the number of bytes held but not yet forwarded.
func (b *BufferedComponent) Buffered() int { return len(b.buffer) }

// Write copies buf into the buffer and forwards any complete chunks. If forwarding fails,
// every byte not accepted by the inner component remains buffered, including those from
// buf: the buffer has taken custody of buf, and says so with a retained ForwardingError.
// Callers should retry with Flush rather than writing buf again.
func (b *BufferedComponent) Write(ctx context.Context, buf []byte) error {
	if b.closed {
		return &ClosedError{Layer: b.Name(), Op: "write"}
	}

	b.buffer = append(b.buffer, buf...)

	return b.overflow(ctx, "write", false)
}

// Flush forwards any held bytes as a single chunk, then flushes the inner component if it
// supports flushing.
func (b *BufferedComponent) Flush(ctx context.Context) error {
	if b.closed {
		return &ClosedError{Layer: b.Name(), Op: "flush"}
	}

	if err := b.overflow(ctx, "flush", true); err != nil {
		return err
	}

	if flusher, ok := b.inner.(Flusher); ok {
		if err := flusher.Flush(ctx); err != nil {
			return &ForwardingError{Layer: b.Name(), Op: "flush", Err: err}
		}
	}

	return nil
}

// Close forwards the remaining bytes before closing the inner component. The inner
// component is closed even if forwarding failed, and both errors are reported.
func (b *BufferedComponent) Close(ctx context.Context) error {
	if b.closed {
		return &ClosedError{Layer: b.Name(), Op: "close"}
	}

	b.closed = true

	flushErr := b.overflow(ctx, "flush", true)

	var releaseErr error
	if err := b.inner.Close(ctx); err != nil {
		releaseErr = &ForwardingError{Layer: b.Name(), Op: "close", Err: err}
	}

	return closeErrors(flushErr, releaseErr)
}

// overflow forwards threshold-sized chunks from the front of the buffer. If all is set,
// any remainder is forwarded as a final, shorter chunk. Bytes the inner component accepted
// are removed from the buffer, including those it retained while failing; everything else
// stays, in order.
func (b *BufferedComponent) overflow(ctx context.Context, op string, all bool) error {
	var (
		forwarded int
		err       error
	)

	for err == nil && len(b.buffer)-forwarded >= b.threshold {
		err = b.forward(ctx, &forwarded, forwarded+b.threshold)
	}

	if err == nil && all && len(b.buffer) > forwarded {
		err = b.forward(ctx, &forwarded, len(b.buffer))
	}

	b.buffer = b.buffer[:copy(b.buffer, b.buffer[forwarded:])]

	if err != nil {
		// A failed write leaves the caller's bytes with us, whatever happened further in
		return &ForwardingError{Layer: b.Name(), Op: op, Err: err, Retained: op == "write"}
	}

	return nil
}

// forward writes buffer[*forwarded:end] to the inner component, advancing forwarded past
// the chunk if the inner component accepted it.
func (b *BufferedComponent) forward(ctx context.Context, forwarded *int, end int) error {
	err := b.inner.Write(ctx, b.buffer[*forwarded:end:end])
	if err == nil || Retained(err) {
		*forwarded = end
	}

	return err
}
