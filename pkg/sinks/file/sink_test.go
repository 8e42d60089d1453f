package file_test

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/lawrencejones/bytesink/pkg/sinks/file"
	"github.com/lawrencejones/bytesink/pkg/stream"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Sink", func() {
	var (
		ctx  context.Context
		dir  string
		path string
		opts file.Options
	)

	BeforeEach(func() {
		var err error
		dir, err = ioutil.TempDir("", "bytesink-file-")
		Expect(err).NotTo(HaveOccurred())

		ctx = context.Background()
		path = filepath.Join(dir, "out.bin")
		opts = file.Options{Path: path, Mode: "0600", Sync: true}
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	open := func() *file.Sink {
		sink, err := file.New(logger, opts)
		Expect(err).NotTo(HaveOccurred())
		return sink
	}

	It("writes chunks in order", func() {
		sink := open()

		Expect(sink.Write(ctx, []byte("hello "))).To(Succeed())
		Expect(sink.Write(ctx, []byte("world"))).To(Succeed())
		Expect(sink.Close(ctx)).To(Succeed())

		Expect(ioutil.ReadFile(path)).To(Equal([]byte("hello world")))
		Expect(sink.Written()).To(BeNumerically("==", 11))
	})

	It("creates files with the configured mode", func() {
		Expect(open().Close(ctx)).To(Succeed())

		info, err := os.Stat(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0600)))
	})

	It("appends to existing files", func() {
		Expect(ioutil.WriteFile(path, []byte("existing "), 0600)).To(Succeed())

		sink := open()
		Expect(sink.Write(ctx, []byte("appended"))).To(Succeed())
		Expect(sink.Close(ctx)).To(Succeed())

		Expect(ioutil.ReadFile(path)).To(Equal([]byte("existing appended")))
	})

	Context("with truncate", func() {
		BeforeEach(func() {
			opts.Truncate = true
		})

		It("replaces existing content", func() {
			Expect(ioutil.WriteFile(path, []byte("existing"), 0600)).To(Succeed())

			sink := open()
			Expect(sink.Write(ctx, []byte("new"))).To(Succeed())
			Expect(sink.Close(ctx)).To(Succeed())

			Expect(ioutil.ReadFile(path)).To(Equal([]byte("new")))
		})
	})

	It("rejects invalid modes", func() {
		opts.Mode = "rwx"

		_, err := file.New(logger, opts)
		Expect(err).To(MatchError(ContainSubstring("invalid file mode")))
	})

	It("fails with a resource error when the directory does not exist", func() {
		opts.Path = filepath.Join(dir, "missing", "out.bin")

		_, err := file.New(logger, opts)

		var resourceErr *stream.ResourceError
		Expect(errors.As(err, &resourceErr)).To(BeTrue(), "expected a ResourceError, got %v", err)
		Expect(resourceErr.Op).To(Equal("open"))
	})

	It("rejects calls once closed", func() {
		sink := open()
		Expect(sink.Close(ctx)).To(Succeed())

		Expect(errors.Is(sink.Write(ctx, []byte("a")), stream.ErrClosed)).To(BeTrue())
		Expect(errors.Is(sink.Close(ctx), stream.ErrClosed)).To(BeTrue())
	})

	It("can terminate a pipeline", func() {
		pipeline, err := stream.PipelineBuilder(
			open(),
			stream.PipelineBuilder.WithLogger(logger),
			stream.PipelineBuilder.WithBuffer(4),
			stream.PipelineBuilder.WithTransform(stream.NewXORTransform([]byte{0x5A}), stream.AnchorNone),
		)
		Expect(err).NotTo(HaveOccurred())

		Expect(pipeline.Write(ctx, []byte{0x01, 0x02})).To(Succeed())
		Expect(pipeline.Write(ctx, []byte{0x03, 0x04, 0x05})).To(Succeed())
		Expect(pipeline.Close(ctx)).To(Succeed())

		Expect(ioutil.ReadFile(path)).To(Equal([]byte{0x01 ^ 0x5A, 0x02 ^ 0x5A, 0x03 ^ 0x5A, 0x04 ^ 0x5A, 0x05 ^ 0x5A}))
	})
})
