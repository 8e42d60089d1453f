package stream_test

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/lawrencejones/bytesink/pkg/stream"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

// suffixTransform passes bytes through unchanged and emits a trailer on finish, like a
// framing encoder that writes bytes once the stream ends.
type suffixTransform struct {
	trailer []byte
	err     error
}

func (s *suffixTransform) Name() string              { return "suffix" }
func (s *suffixTransform) BoundaryIndependent() bool { return true }

func (s *suffixTransform) Transform(dst, src []byte) ([]byte, error) {
	if s.err != nil {
		return dst, s.err
	}

	return append(dst, src...), nil
}

func (s *suffixTransform) Finish(dst []byte) ([]byte, error) {
	return append(dst, s.trailer...), nil
}

var (
	aesKey = bytes.Repeat([]byte{0x01}, 32)
	aesIV  = bytes.Repeat([]byte{0x02}, aes.BlockSize)
)

// referenceAESCTR encrypts data in a single call, giving the output every chunking should
// reproduce.
func referenceAESCTR(data []byte) []byte {
	block, err := aes.NewCipher(aesKey)
	Expect(err).NotTo(HaveOccurred())

	out := make([]byte, len(data))
	cipher.NewCTR(block, aesIV).XORKeyStream(out, data)

	return out
}

var _ = Describe("TransformComponent", func() {
	var (
		ctx  context.Context
		sink *fakeSink
	)

	BeforeEach(func() {
		ctx = context.Background()
		sink = newFakeSink()
	})

	Describe("xor", func() {
		var component *stream.TransformComponent

		BeforeEach(func() {
			component = stream.NewTransformComponent(sink, stream.NewXORTransform([]byte{0x5A}))
		})

		It("combines each byte with the key", func() {
			Expect(component.Write(ctx, []byte{0x00, 0xFF, 0x5A})).To(Succeed())
			Expect(sink.Bytes()).To(Equal([]byte{0x5A, 0xA5, 0x00}))
		})

		It("forwards one chunk per write", func() {
			Expect(component.Write(ctx, []byte("ab"))).To(Succeed())
			Expect(component.Write(ctx, []byte("c"))).To(Succeed())

			Expect(sink.Chunks()).To(HaveLen(2))
		})

		It("does not modify the caller's buffer", func() {
			buf := []byte("hello")
			Expect(component.Write(ctx, buf)).To(Succeed())
			Expect(buf).To(Equal([]byte("hello")))
		})

		It("advances position by each write", func() {
			Expect(component.Position()).To(BeNumerically("==", 0))

			Expect(component.Write(ctx, []byte("abc"))).To(Succeed())
			Expect(component.Position()).To(BeNumerically("==", 3))

			Expect(component.Write(ctx, []byte("de"))).To(Succeed())
			Expect(component.Position()).To(BeNumerically("==", 5))
		})

		It("forwards nothing for empty writes", func() {
			Expect(component.Write(ctx, []byte{})).To(Succeed())

			Expect(sink.Writes).To(Equal(0))
			Expect(component.Position()).To(BeNumerically("==", 0))
		})

		It("keys bytes by stream position, not by call", func() {
			keyed := stream.NewTransformComponent(sink, stream.NewXORTransform([]byte{0x01, 0x02}))

			Expect(keyed.Write(ctx, []byte{0x00})).To(Succeed())
			Expect(keyed.Write(ctx, []byte{0x00, 0x00})).To(Succeed())

			Expect(sink.Bytes()).To(Equal([]byte{0x01, 0x02, 0x01}))
		})

		Context("when the sink fails", func() {
			var sinkErr = fmt.Errorf("broken pipe")

			BeforeEach(func() {
				sink.Fail(sinkErr)
			})

			It("returns a forwarding error naming the layer", func() {
				err := component.Write(ctx, []byte("a"))

				var fwd *stream.ForwardingError
				Expect(errors.As(err, &fwd)).To(BeTrue(), "expected a ForwardingError, got %v", err)
				Expect(fwd.Layer).To(Equal("xor"))
				Expect(errors.Is(err, sinkErr)).To(BeTrue())
			})
		})
	})

	DescribeTable("output is independent of chunking",
		func(newTransform func() stream.Transform, reference func([]byte) []byte, sizes ...int) {
			data := sequence(1000)
			component := stream.NewTransformComponent(sink, newTransform())

			for _, chunk := range chunked(data, sizes...) {
				Expect(component.Write(ctx, chunk)).To(Succeed())
			}

			Expect(sink.Bytes()).To(Equal(reference(data)))
			Expect(component.Position()).To(BeNumerically("==", len(data)))
		},
		Entry("xor, single write",
			func() stream.Transform { return stream.NewXORTransform([]byte{0x5A, 0x13, 0x37}) },
			func(data []byte) []byte {
				out := make([]byte, len(data))
				for idx, b := range data {
					out[idx] = b ^ []byte{0x5A, 0x13, 0x37}[idx%3]
				}
				return out
			},
		),
		Entry("xor, uneven writes",
			func() stream.Transform { return stream.NewXORTransform([]byte{0x5A, 0x13, 0x37}) },
			func(data []byte) []byte {
				out := make([]byte, len(data))
				for idx, b := range data {
					out[idx] = b ^ []byte{0x5A, 0x13, 0x37}[idx%3]
				}
				return out
			},
			1, 2, 7, 100, 3,
		),
		Entry("aes-ctr, single write",
			func() stream.Transform {
				transform, err := stream.NewAESCTRTransform(aesKey, aesIV)
				Expect(err).NotTo(HaveOccurred())
				return transform
			},
			referenceAESCTR,
		),
		Entry("aes-ctr, writes that straddle blocks",
			func() stream.Transform {
				transform, err := stream.NewAESCTRTransform(aesKey, aesIV)
				Expect(err).NotTo(HaveOccurred())
				return transform
			},
			referenceAESCTR,
			1, 15, 17, 31, 33, 5,
		),
	)

	Describe("aes-ctr", func() {
		It("rejects an iv that is not one block", func() {
			_, err := stream.NewAESCTRTransform(aesKey, []byte{0x00})
			Expect(err).To(MatchError(ContainSubstring("iv must be 16 bytes")))
		})

		It("rejects invalid key sizes", func() {
			_, err := stream.NewAESCTRTransform([]byte("short"), aesIV)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe(".Close", func() {
		It("writes trailing bytes from a finisher before closing the sink", func() {
			component := stream.NewTransformComponent(sink, &suffixTransform{trailer: []byte("!")})

			Expect(component.Write(ctx, []byte("done"))).To(Succeed())
			Expect(component.Close(ctx)).To(Succeed())

			Expect(sink.Chunks()).To(Equal([][]byte{[]byte("done"), []byte("!")}))
			Expect(sink.Closed()).To(BeTrue())
		})

		It("rejects calls once closed", func() {
			component := stream.NewTransformComponent(sink, stream.NewXORTransform([]byte{0x01}))
			Expect(component.Close(ctx)).To(Succeed())

			Expect(errors.Is(component.Write(ctx, []byte("a")), stream.ErrClosed)).To(BeTrue())
			Expect(errors.Is(component.Close(ctx), stream.ErrClosed)).To(BeTrue())
		})

		It("returns errors from closing the sink", func() {
			closeErr := fmt.Errorf("fsync failed")
			sink.FailClose(closeErr)

			component := stream.NewTransformComponent(sink, stream.NewXORTransform([]byte{0x01}))
			Expect(errors.Is(component.Close(ctx), closeErr)).To(BeTrue())
		})
	})

	Context("when the transform fails", func() {
		It("returns the error without forwarding", func() {
			component := stream.NewTransformComponent(sink, &suffixTransform{err: fmt.Errorf("bad input")})

			err := component.Write(ctx, []byte("a"))
			Expect(err).To(MatchError(ContainSubstring("bad input")))
			Expect(sink.Writes).To(Equal(0))
		})
	})
})
