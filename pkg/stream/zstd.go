package stream

import (
	"github.com/klauspost/compress/zstd"
)

// NewZstdFrameTransform compresses each chunk into its own zstd frame. Concatenated frames
// decode back to the original stream, but where the frame boundaries fall depends on how
// the input was chunked, so the transform is not boundary independent.
func NewZstdFrameTransform(level zstd.EncoderLevel) (Transform, error) {
	// A nil writer is fine: we only ever use EncodeAll, which keeps no state between calls
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		return nil, err
	}

	return &zstdFrameTransform{encoder: encoder}, nil
}

type zstdFrameTransform struct {
	encoder *zstd.Encoder
}

func (z *zstdFrameTransform) Name() string { return "zstd" }

func (z *zstdFrameTransform) BoundaryIndependent() bool { return false }

func (z *zstdFrameTransform) Transform(dst, src []byte) ([]byte, error) {
	return z.encoder.EncodeAll(src, dst), nil
}
