package stream

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// LayerSpec is the serialised form of a layer, as found in configuration files:
//
//	[
//	  {"kind": "buffer", "options": {"threshold": 4096}},
//	  {"kind": "xor", "options": {"key": "5a"}}
//	]
type LayerSpec struct {
	Kind    string          `json:"kind"`
	Options json.RawMessage `json:"options,omitempty"`
}

// LayerFactory builds a layer from its raw options.
type LayerFactory func(raw json.RawMessage) (Layer, error)

// Registry maps layer kinds to factories. It is populated explicitly at startup, and never
// consults anything but its own entries.
type Registry map[string]LayerFactory

// Lookup returns the factory for kind, or an UnknownTypeError.
func (r Registry) Lookup(kind string) (LayerFactory, error) {
	factory, ok := r[kind]
	if !ok {
		return nil, &UnknownTypeError{Kind: kind}
	}

	return factory, nil
}

// Build constructs the layer described by spec.
func (r Registry) Build(spec LayerSpec) (Layer, error) {
	factory, err := r.Lookup(spec.Kind)
	if err != nil {
		return Layer{}, err
	}

	layer, err := factory(spec.Options)
	if err != nil {
		return Layer{}, fmt.Errorf("invalid %s layer options: %w", spec.Kind, err)
	}

	return layer, nil
}

// Kinds returns the registered kinds in alphabetical order.
func (r Registry) Kinds() []string {
	kinds := make([]string, 0, len(r))
	for kind := range r {
		kinds = append(kinds, kind)
	}

	sort.Strings(kinds)
	return kinds
}

// BuildFromSpecs resolves every spec against the registry and composes the resulting
// layers, in order, around sink. Additional options are applied after the specs, so any
// layers they add sit inside those from the specs.
func BuildFromSpecs(sink Component, registry Registry, specs []LayerSpec, opts ...func(*pipelineConfig)) (*Pipeline, error) {
	layers := make([]Layer, 0, len(specs))
	for _, spec := range specs {
		layer, err := registry.Build(spec)
		if err != nil {
			return nil, err
		}

		layers = append(layers, layer)
	}

	return PipelineBuilder(sink, append([]func(*pipelineConfig){PipelineBuilder.WithLayers(layers...)}, opts...)...)
}

// ParseLayerSpecs decodes a JSON array of layer specs, rejecting unknown fields.
func ParseLayerSpecs(r io.Reader) ([]LayerSpec, error) {
	var specs []LayerSpec

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&specs); err != nil {
		return nil, err
	}

	return specs, nil
}

// strictUnmarshal decodes options, rejecting unknown fields. Empty options leave v at its
// zero value.
func strictUnmarshal(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// TransformOptions are shared by every transform kind. BoundaryIndependent lets the
// composer override what the transform reports about itself, such as marking a cipher
// dependent when it was only ever validated against one chunking.
type TransformOptions struct {
	Anchor              Anchor `json:"anchor,omitempty"`
	BoundaryIndependent *bool  `json:"boundary_independent,omitempty"`
}

func (o TransformOptions) apply(layer Layer) Layer {
	layer.Anchor = o.Anchor
	if o.BoundaryIndependent != nil {
		layer.BoundaryIndependent = *o.BoundaryIndependent
	}

	return layer
}

type BufferOptions struct {
	Threshold int `json:"threshold"`
}

type XOROptions struct {
	TransformOptions
	Key string `json:"key"`
}

type AESCTROptions struct {
	TransformOptions
	Key string `json:"key"`
	IV  string `json:"iv"`
}

type ZstdOptions struct {
	TransformOptions
	Level string `json:"level,omitempty"`
}

type DigestOptions struct {
	Algorithm string `json:"algorithm,omitempty"`
}

// DefaultRegistry returns a registry of every layer kind this package provides. Callers
// may add their own kinds to the returned map.
func DefaultRegistry() Registry {
	return Registry{
		// buffer: coalesce writes into threshold-sized chunks
		"buffer": func(raw json.RawMessage) (Layer, error) {
			var opts BufferOptions
			if err := strictUnmarshal(raw, &opts); err != nil {
				return Layer{}, err
			}

			return BufferLayer(opts.Threshold), nil
		},
		// xor: repeating-key xor, keyed by stream position
		"xor": func(raw json.RawMessage) (Layer, error) {
			var opts XOROptions
			if err := strictUnmarshal(raw, &opts); err != nil {
				return Layer{}, err
			}

			key, err := hex.DecodeString(opts.Key)
			if err != nil {
				return Layer{}, fmt.Errorf("key must be hex encoded: %w", err)
			}
			if len(key) == 0 {
				return Layer{}, fmt.Errorf("key must not be empty")
			}

			return opts.apply(TransformFactoryLayer("xor", true, AnchorNone, func() (Transform, error) {
				return NewXORTransform(key), nil
			})), nil
		},
		// aes-ctr: AES stream encryption in counter mode
		"aes-ctr": func(raw json.RawMessage) (Layer, error) {
			var opts AESCTROptions
			if err := strictUnmarshal(raw, &opts); err != nil {
				return Layer{}, err
			}

			key, err := hex.DecodeString(opts.Key)
			if err != nil {
				return Layer{}, fmt.Errorf("key must be hex encoded: %w", err)
			}

			iv, err := hex.DecodeString(opts.IV)
			if err != nil {
				return Layer{}, fmt.Errorf("iv must be hex encoded: %w", err)
			}

			// Fail on bad key material now, rather than when the pipeline is built
			if _, err := NewAESCTRTransform(key, iv); err != nil {
				return Layer{}, err
			}

			return opts.apply(TransformFactoryLayer("aes-ctr", true, AnchorNone, func() (Transform, error) {
				return NewAESCTRTransform(key, iv)
			})), nil
		},
		// zstd: compress each chunk into an independent frame
		"zstd": func(raw json.RawMessage) (Layer, error) {
			var opts ZstdOptions
			if err := strictUnmarshal(raw, &opts); err != nil {
				return Layer{}, err
			}

			level := zstd.SpeedDefault
			if opts.Level != "" {
				ok, parsed := zstd.EncoderLevelFromString(opts.Level)
				if !ok {
					return Layer{}, fmt.Errorf("unknown zstd level %q", opts.Level)
				}

				level = parsed
			}

			return opts.apply(TransformFactoryLayer("zstd", false, AnchorNone, func() (Transform, error) {
				return NewZstdFrameTransform(level)
			})), nil
		},
		// digest: record the digest of every byte passing through
		"digest": func(raw json.RawMessage) (Layer, error) {
			var opts DigestOptions
			if err := strictUnmarshal(raw, &opts); err != nil {
				return Layer{}, err
			}

			algorithm := digest.Canonical
			if opts.Algorithm != "" {
				algorithm = digest.Algorithm(opts.Algorithm)
			}

			return DigestLayer(algorithm), nil
		},
	}
}
