package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// LayerKind classifies how a layer affects the chunking seen by the layers inside it.
type LayerKind int

const (
	// KindPassthrough forwards each chunk as it was received, possibly observing it.
	KindPassthrough LayerKind = iota
	// KindBuffer re-chunks the stream, so layers inside it see different call boundaries
	// from those outside.
	KindBuffer
	// KindTransform rewrites the bytes of each chunk.
	KindTransform
)

// Anchor records which side of any buffering a boundary-dependent transform was validated
// against. The pipeline builder rejects placements that contradict it.
type Anchor int

const (
	// AnchorNone declares nothing. Only acceptable for boundary-independent transforms, or
	// pipelines without buffering.
	AnchorNone Anchor = iota
	// AnchorCaller requires the transform to see the chunks written by the caller, so no
	// buffering layer may wrap it.
	AnchorCaller
	// AnchorSink requires the transform to see the chunks that reach the sink, so no
	// buffering layer may sit between it and the sink.
	AnchorSink
)

func (a Anchor) String() string {
	switch a {
	case AnchorCaller:
		return "caller"
	case AnchorSink:
		return "sink"
	default:
		return "none"
	}
}

func ParseAnchor(s string) (Anchor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AnchorNone, nil
	case "caller":
		return AnchorCaller, nil
	case "sink":
		return AnchorSink, nil
	}

	return AnchorNone, fmt.Errorf("invalid anchor %q, expected caller or sink", s)
}

func (a Anchor) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Anchor) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	anchor, err := ParseAnchor(s)
	if err != nil {
		return err
	}

	*a = anchor
	return nil
}

// Layer describes a layer before it is composed into a pipeline. Wrap is called once, at
// build time, and must construct fresh state on every call: layers hold per-stream state
// such as buffered bytes or keystream position.
type Layer struct {
	Name                string
	Kind                LayerKind
	BoundaryIndependent bool
	Anchor              Anchor
	Wrap                func(inner Component) (Component, error)

	// invalid is set by constructors when the layer can never be composed, surfacing as a
	// CompositionError at build time.
	invalid string
}

// BufferLayer describes a BufferedComponent with the given threshold.
func BufferLayer(threshold int) Layer {
	layer := Layer{
		Name:                fmt.Sprintf("buffer(%d)", threshold),
		Kind:                KindBuffer,
		BoundaryIndependent: true,
		Wrap: func(inner Component) (Component, error) {
			return NewBufferedComponent(inner, threshold), nil
		},
	}

	if threshold <= 0 {
		layer.invalid = fmt.Sprintf("buffer threshold must be positive, got %d", threshold)
	}

	return layer
}

// TransformLayer describes a TransformComponent around an already constructed transform.
// The transform is stateful, so the layer may be composed into one pipeline only.
func TransformLayer(transform Transform, anchor Anchor) Layer {
	if transform == nil {
		return Layer{Name: "transform", Kind: KindTransform, invalid: "transform must not be nil"}
	}

	used := false
	return Layer{
		Name:                transform.Name(),
		Kind:                KindTransform,
		BoundaryIndependent: transform.BoundaryIndependent(),
		Anchor:              anchor,
		Wrap: func(inner Component) (Component, error) {
			if used {
				return nil, fmt.Errorf("transform %s is already composed into a pipeline", transform.Name())
			}

			used = true
			return NewTransformComponent(inner, transform), nil
		},
	}
}

// TransformFactoryLayer describes a TransformComponent whose transform is constructed at
// build time, allowing the layer to be reused across pipelines.
func TransformFactoryLayer(name string, boundaryIndependent bool, anchor Anchor, build func() (Transform, error)) Layer {
	return Layer{
		Name:                name,
		Kind:                KindTransform,
		BoundaryIndependent: boundaryIndependent,
		Anchor:              anchor,
		Wrap: func(inner Component) (Component, error) {
			transform, err := build()
			if err != nil {
				return nil, err
			}

			return NewTransformComponent(inner, transform), nil
		},
	}
}

// DigestLayer describes a DigestComponent using the given algorithm.
func DigestLayer(algorithm digest.Algorithm) Layer {
	layer := Layer{
		Name:                "digest",
		Kind:                KindPassthrough,
		BoundaryIndependent: true,
		Wrap: func(inner Component) (Component, error) {
			return NewDigestComponent(inner, algorithm), nil
		},
	}

	if !algorithm.Available() {
		layer.invalid = fmt.Sprintf("digest algorithm %q is unavailable", algorithm)
	}

	return layer
}

// validateLayers checks layers, given outermost first, against the ordering rule: a
// transform that is not boundary independent must declare which side of any buffering it
// belongs on, and the declaration must match its placement.
func validateLayers(layers []Layer) error {
	var buffers []int
	for idx, layer := range layers {
		if layer.invalid != "" {
			return &CompositionError{Index: idx, Layer: layer.Name, Reason: layer.invalid}
		}

		if layer.Wrap == nil {
			return &CompositionError{Index: idx, Layer: layer.Name, Reason: "layer has no constructor"}
		}

		if layer.Kind == KindBuffer {
			buffers = append(buffers, idx)
		}
	}

	for idx, layer := range layers {
		if layer.Kind != KindTransform || layer.BoundaryIndependent || len(buffers) == 0 {
			continue
		}

		// Layers are outermost first, so buffers before idx wrap the transform, and buffers
		// after it sit between the transform and the sink.
		bufferedOutside := buffers[0] < idx
		bufferedInside := buffers[len(buffers)-1] > idx

		switch layer.Anchor {
		case AnchorCaller:
			if bufferedOutside {
				return &CompositionError{Index: idx, Layer: layer.Name,
					Reason: "transform is anchored to the caller, but a buffering layer wraps it and re-chunks the caller's writes"}
			}
		case AnchorSink:
			if bufferedInside {
				return &CompositionError{Index: idx, Layer: layer.Name,
					Reason: "transform is anchored to the sink, but a buffering layer inside it re-chunks its output before the sink"}
			}
		default:
			return &CompositionError{Index: idx, Layer: layer.Name,
				Reason: "transform is not chunk-boundary independent and the pipeline buffers; declare an anchor of caller or sink"}
		}
	}

	return nil
}
