package stream

import (
	"context"

	"github.com/lawrencejones/bytesink/internal/telem"

	kitlog "github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"go.opencensus.io/trace"
)

// Pipeline is a composed chain of layers terminating in a sink. The topology is fixed at
// construction: callers only ever hold the outermost layer, through the pipeline.
type Pipeline struct {
	id         uuid.UUID
	outer      Component
	components []Component
	logger     kitlog.Logger
}

var (
	_ Component = &Pipeline{}
	_ Flusher   = &Pipeline{}
)

// PipelineBuilder composes layers around a sink. Layers are declared caller-facing first:
// the first layer option becomes the outermost layer, and the last wraps the sink
// directly.
//
//	pipeline, err := stream.PipelineBuilder(
//		sink,
//		stream.PipelineBuilder.WithLogger(logger),
//		stream.PipelineBuilder.WithBuffer(4096),
//		stream.PipelineBuilder.WithTransform(stream.NewXORTransform(key), stream.AnchorNone),
//	)
//
// Composition is validated before any layer is constructed, returning a CompositionError
// if the declared order is ambiguous or contradicts a transform's anchor.
var PipelineBuilder = pipelineBuilderFunc(func(sink Component, opts ...func(*pipelineConfig)) (*Pipeline, error) {
	cfg := &pipelineConfig{
		logger: kitlog.NewNopLogger(),
		layers: []Layer{},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg.build(sink)
})

type pipelineBuilderFunc func(sink Component, opts ...func(*pipelineConfig)) (*Pipeline, error)

func (b pipelineBuilderFunc) WithLogger(logger kitlog.Logger) func(*pipelineConfig) {
	return func(cfg *pipelineConfig) {
		cfg.logger = logger
	}
}

// WithInstrumentation wraps the sink with an InstrumentedComponent. This tracks the lowest
// level operation, which is often what we'll be interested in.
func (b pipelineBuilderFunc) WithInstrumentation(instrument bool) func(*pipelineConfig) {
	return func(cfg *pipelineConfig) {
		cfg.instrument = instrument
	}
}

func (b pipelineBuilderFunc) WithBuffer(threshold int) func(*pipelineConfig) {
	return b.WithLayers(BufferLayer(threshold))
}

func (b pipelineBuilderFunc) WithTransform(transform Transform, anchor Anchor) func(*pipelineConfig) {
	return b.WithLayers(TransformLayer(transform, anchor))
}

func (b pipelineBuilderFunc) WithDigest(algorithm digest.Algorithm) func(*pipelineConfig) {
	return b.WithLayers(DigestLayer(algorithm))
}

func (b pipelineBuilderFunc) WithLayers(layers ...Layer) func(*pipelineConfig) {
	return func(cfg *pipelineConfig) {
		cfg.layers = append(cfg.layers, layers...)
	}
}

type pipelineConfig struct {
	logger     kitlog.Logger
	instrument bool
	layers     []Layer
}

func (cfg *pipelineConfig) build(sink Component) (*Pipeline, error) {
	if err := validateLayers(cfg.layers); err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := kitlog.With(cfg.logger, "pipeline_id", id.String())

	var outer Component = sink
	if cfg.instrument {
		outer = NewInstrumentedComponent(logger, sink)
	}

	// Wrap from the sink outward, so we apply the innermost declared layer first
	components := make([]Component, len(cfg.layers)+1)
	components[len(cfg.layers)] = sink
	for idx := len(cfg.layers) - 1; idx >= 0; idx-- {
		wrapped, err := cfg.layers[idx].Wrap(outer)
		if err != nil {
			return nil, &CompositionError{Index: idx, Layer: cfg.layers[idx].Name, Reason: err.Error()}
		}

		outer, components[idx] = wrapped, wrapped
	}

	pipeline := &Pipeline{
		id:         id,
		outer:      outer,
		components: components,
		logger:     logger,
	}

	logger.Log("event", "pipeline_built", "layers", pipeline.Topology())

	return pipeline, nil
}

func (p *Pipeline) ID() uuid.UUID { return p.id }

func (p *Pipeline) Name() string { return "pipeline" }

// Components returns every layer, outermost first, followed by the sink.
func (p *Pipeline) Components() []Component {
	return append([]Component(nil), p.components...)
}

// Topology renders the chain of layer names from caller to sink.
func (p *Pipeline) Topology() string {
	topology := ""
	for idx, component := range p.components {
		if idx > 0 {
			topology += " -> "
		}

		topology += nameOf(component)
	}

	return topology
}

// Digests returns the current digest of every digest layer, outermost first.
func (p *Pipeline) Digests() []digest.Digest {
	digests := []digest.Digest{}
	for _, component := range p.components {
		if d, ok := component.(*DigestComponent); ok {
			digests = append(digests, d.Digest())
		}
	}

	return digests
}

func (p *Pipeline) Write(ctx context.Context, buf []byte) error {
	return p.outer.Write(ctx, buf)
}

// Flush pushes any buffered bytes toward the sink, without closing anything.
func (p *Pipeline) Flush(ctx context.Context) error {
	if flusher, ok := p.outer.(Flusher); ok {
		return flusher.Flush(ctx)
	}

	return nil
}

// Close cascades from the outermost layer to the sink. Each layer flushes before closing
// the layer inside it, and the sink is always released.
func (p *Pipeline) Close(ctx context.Context) error {
	ctx, span, logger := telem.StartSpan(telem.WithLogger(ctx, p.logger), "pkg/stream.Pipeline.Close")
	defer span.End()

	err := p.outer.Close(ctx)
	if err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
	}

	logger.Log("event", "pipeline_closed", "error", err)

	return err
}
