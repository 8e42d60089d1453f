package stream

import (
	"context"
	"io"
)

// NewWriter adapts a component to io.WriteCloser, for use with io.Copy and friends. Each
// call to Write is forwarded as one chunk using ctx.
func NewWriter(ctx context.Context, c Component) io.WriteCloser {
	return &writer{ctx: ctx, component: c}
}

type writer struct {
	ctx       context.Context
	component Component
}

// Write reports either every byte or none. A failed write counts every byte when the
// component retained them, so the caller never writes them twice.
func (w *writer) Write(buf []byte) (int, error) {
	if err := w.component.Write(w.ctx, buf); err != nil {
		if Retained(err) {
			return len(buf), err
		}

		return 0, err
	}

	return len(buf), nil
}

func (w *writer) Close() error {
	return w.component.Close(w.ctx)
}
