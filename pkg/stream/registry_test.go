package stream_test

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/lawrencejones/bytesink/pkg/stream"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gstruct"
)

var _ = Describe("Registry", func() {
	var registry stream.Registry

	BeforeEach(func() {
		registry = stream.DefaultRegistry()
	})

	It("lists every kind in order", func() {
		Expect(registry.Kinds()).To(Equal([]string{"aes-ctr", "buffer", "digest", "xor", "zstd"}))
	})

	Describe(".Lookup", func() {
		It("fails with UnknownTypeError for unregistered kinds", func() {
			_, err := registry.Lookup("rot13")

			var unknown *stream.UnknownTypeError
			Expect(errors.As(err, &unknown)).To(BeTrue(), "expected an UnknownTypeError, got %v", err)
			Expect(unknown.Kind).To(Equal("rot13"))
		})

		It("only consults entries it was given", func() {
			empty := stream.Registry{}

			_, err := empty.Lookup("buffer")
			Expect(err).To(BeAssignableToTypeOf(&stream.UnknownTypeError{}))
		})
	})

	DescribeTable(".Build",
		func(spec string, match OmegaMatcher) {
			var layerSpec stream.LayerSpec
			Expect(json.Unmarshal([]byte(spec), &layerSpec)).To(Succeed())

			layer, err := registry.Build(layerSpec)
			Expect(err).NotTo(HaveOccurred())
			Expect(layer).To(match)
		},
		Entry("buffer", `{"kind":"buffer","options":{"threshold":64}}`,
			MatchFields(IgnoreExtras, Fields{
				"Name": Equal("buffer(64)"),
				"Kind": Equal(stream.KindBuffer),
			}),
		),
		Entry("xor", `{"kind":"xor","options":{"key":"5a"}}`,
			MatchFields(IgnoreExtras, Fields{
				"Name":                Equal("xor"),
				"Kind":                Equal(stream.KindTransform),
				"BoundaryIndependent": BeTrue(),
			}),
		),
		Entry("xor with overrides", `{"kind":"xor","options":{"key":"5a","anchor":"caller","boundary_independent":false}}`,
			MatchFields(IgnoreExtras, Fields{
				"BoundaryIndependent": BeFalse(),
				"Anchor":              Equal(stream.AnchorCaller),
			}),
		),
		Entry("aes-ctr", `{"kind":"aes-ctr","options":{"key":"000102030405060708090a0b0c0d0e0f","iv":"0f0e0d0c0b0a09080706050403020100"}}`,
			MatchFields(IgnoreExtras, Fields{
				"Name":                Equal("aes-ctr"),
				"BoundaryIndependent": BeTrue(),
			}),
		),
		Entry("zstd", `{"kind":"zstd","options":{"level":"fastest","anchor":"sink"}}`,
			MatchFields(IgnoreExtras, Fields{
				"Name":                Equal("zstd"),
				"BoundaryIndependent": BeFalse(),
				"Anchor":              Equal(stream.AnchorSink),
			}),
		),
		Entry("zstd with defaults", `{"kind":"zstd"}`,
			MatchFields(IgnoreExtras, Fields{
				"Anchor": Equal(stream.AnchorNone),
			}),
		),
		Entry("digest", `{"kind":"digest","options":{"algorithm":"sha512"}}`,
			MatchFields(IgnoreExtras, Fields{
				"Name": Equal("digest"),
				"Kind": Equal(stream.KindPassthrough),
			}),
		),
	)

	DescribeTable(".Build with invalid options",
		func(spec string, message string) {
			var layerSpec stream.LayerSpec
			Expect(json.Unmarshal([]byte(spec), &layerSpec)).To(Succeed())

			_, err := registry.Build(layerSpec)
			Expect(err).To(MatchError(ContainSubstring(message)))
		},
		Entry("unknown field", `{"kind":"buffer","options":{"threshhold":64}}`, "unknown field"),
		Entry("xor key not hex", `{"kind":"xor","options":{"key":"zz"}}`, "key must be hex encoded"),
		Entry("xor key missing", `{"kind":"xor"}`, "key must not be empty"),
		Entry("aes-ctr short iv", `{"kind":"aes-ctr","options":{"key":"000102030405060708090a0b0c0d0e0f","iv":"00"}}`, "iv must be 16 bytes"),
		Entry("zstd unknown level", `{"kind":"zstd","options":{"level":"ludicrous"}}`, "unknown zstd level"),
		Entry("anchor unknown", `{"kind":"zstd","options":{"anchor":"middle"}}`, "invalid anchor"),
	)

	Describe("ParseLayerSpecs", func() {
		It("decodes an array of specs", func() {
			specs, err := stream.ParseLayerSpecs(strings.NewReader(`[
				{"kind": "buffer", "options": {"threshold": 4}},
				{"kind": "xor", "options": {"key": "5a"}}
			]`))

			Expect(err).NotTo(HaveOccurred())
			Expect(specs).To(ConsistOf(
				MatchFields(IgnoreExtras, Fields{"Kind": Equal("buffer")}),
				MatchFields(IgnoreExtras, Fields{"Kind": Equal("xor")}),
			))
		})

		It("rejects unknown fields", func() {
			_, err := stream.ParseLayerSpecs(strings.NewReader(`[{"kind": "buffer", "opts": {}}]`))
			Expect(err).To(MatchError(ContainSubstring("unknown field")))
		})
	})

	Describe("BuildFromSpecs", func() {
		It("composes layers in the order given", func() {
			sink := newFakeSink()
			pipeline, err := stream.BuildFromSpecs(sink, registry, []stream.LayerSpec{
				{Kind: "buffer", Options: json.RawMessage(`{"threshold":4}`)},
				{Kind: "xor", Options: json.RawMessage(`{"key":"5a"}`)},
			}, stream.PipelineBuilder.WithLogger(logger))

			Expect(err).NotTo(HaveOccurred())
			Expect(pipeline.Topology()).To(Equal("buffer(4) -> xor -> memory"))
		})

		It("fails for unknown kinds", func() {
			_, err := stream.BuildFromSpecs(newFakeSink(), registry, []stream.LayerSpec{{Kind: "gzip"}})
			Expect(err).To(BeAssignableToTypeOf(&stream.UnknownTypeError{}))
		})

		It("validates the composed order", func() {
			_, err := stream.BuildFromSpecs(newFakeSink(), registry, []stream.LayerSpec{
				{Kind: "buffer", Options: json.RawMessage(`{"threshold":4}`)},
				{Kind: "zstd"},
			})

			Expect(err).To(BeAssignableToTypeOf(&stream.CompositionError{}))
		})

		It("can build many pipelines from the same specs", func() {
			specs := []stream.LayerSpec{{Kind: "xor", Options: json.RawMessage(`{"key":"01"}`)}}

			for range []int{0, 1} {
				_, err := stream.BuildFromSpecs(newFakeSink(), registry, specs)
				Expect(err).NotTo(HaveOccurred())
			}
		})
	})
})
