package stream

import (
	"context"
	_ "crypto/sha256" // register digest.SHA256
	_ "crypto/sha512" // register digest.SHA384, digest.SHA512

	"github.com/opencontainers/go-digest"
)

// DigestComponent forwards bytes unchanged while digesting everything the inner component
// accepted, including writes it retained while failing. Placed just outside a sink, it pins
// the content that reached storage; placed outermost, it pins what the caller wrote.
type DigestComponent struct {
	inner    Component
	digester digest.Digester
	count    int64
	closed   bool
}

var (
	_ Component = &DigestComponent{}
	_ Flusher   = &DigestComponent{}
)

// NewDigestComponent panics if the algorithm is unavailable. The pipeline builder checks
// availability first.
func NewDigestComponent(inner Component, algorithm digest.Algorithm) *DigestComponent {
	if !algorithm.Available() {
		panic("digest algorithm unavailable: " + algorithm.String())
	}

	return &DigestComponent{
		inner:    inner,
		digester: algorithm.Digester(),
	}
}

func (d *DigestComponent) Name() string { return "digest" }

// Digest returns the digest of every byte forwarded so far.
func (d *DigestComponent) Digest() digest.Digest { return d.digester.Digest() }

// Count returns the number of bytes forwarded so far.
func (d *DigestComponent) Count() int64 { return d.count }

func (d *DigestComponent) Write(ctx context.Context, buf []byte) error {
	if d.closed {
		return &ClosedError{Layer: d.Name(), Op: "write"}
	}

	if err := d.inner.Write(ctx, buf); err != nil {
		retained := Retained(err)
		if retained {
			d.observe(buf)
		}

		return &ForwardingError{Layer: d.Name(), Op: "write", Err: err, Retained: retained}
	}

	d.observe(buf)

	return nil
}

func (d *DigestComponent) observe(buf []byte) {
	d.digester.Hash().Write(buf)
	d.count += int64(len(buf))
}

func (d *DigestComponent) Flush(ctx context.Context) error {
	if d.closed {
		return &ClosedError{Layer: d.Name(), Op: "flush"}
	}

	if flusher, ok := d.inner.(Flusher); ok {
		if err := flusher.Flush(ctx); err != nil {
			return &ForwardingError{Layer: d.Name(), Op: "flush", Err: err}
		}
	}

	return nil
}

func (d *DigestComponent) Close(ctx context.Context) error {
	if d.closed {
		return &ClosedError{Layer: d.Name(), Op: "close"}
	}

	d.closed = true

	if err := d.inner.Close(ctx); err != nil {
		return &ForwardingError{Layer: d.Name(), Op: "close", Err: err}
	}

	return nil
}
