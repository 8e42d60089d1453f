package stream

import (
	"context"

	kitlog "github.com/go-kit/kit/log"
	level "github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opencensus.io/trace"
)

var (
	layerWriteDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bytesink_layer_write_duration_seconds",
			Help:    "Distribution of time spent forwarding writes, by layer",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms -> 3.2s
		},
		[]string{"layer"},
	)
	layerWriteSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bytesink_layer_write_size_bytes",
			Help:    "Distribution of forwarded chunk sizes, by layer",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12), // 1B -> 4MiB
		},
		[]string{"layer"},
	)
	layerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bytesink_layer_errors_total",
			Help: "Total number of failed operations, by layer and operation",
		},
		[]string{"layer", "op"},
	)
)

// InstrumentedComponent is transparent: errors from the inner component are returned
// exactly as they were received, and the name is that of the inner component.
type InstrumentedComponent struct {
	inner                      Component
	logger                     kitlog.Logger
	layer                      string
	durationSeconds, sizeBytes prometheus.ObserverVec
	errors                     *prometheus.CounterVec
}

var (
	_ Component = &InstrumentedComponent{}
	_ Flusher   = &InstrumentedComponent{}
)

// NewInstrumentedComponent wraps an existing component, causing every write to be logged,
// capture chunk size and duration in metrics, and create new spans.
func NewInstrumentedComponent(logger kitlog.Logger, inner Component) *InstrumentedComponent {
	layer := nameOf(inner)
	labels := prometheus.Labels(map[string]string{"layer": layer})

	return &InstrumentedComponent{
		inner:           inner,
		logger:          kitlog.With(logger, "layer", layer),
		layer:           layer,
		durationSeconds: layerWriteDurationSeconds.MustCurryWith(labels),
		sizeBytes:       layerWriteSizeBytes.MustCurryWith(labels),
		errors:          layerErrorsTotal.MustCurryWith(labels),
	}
}

func (i *InstrumentedComponent) Name() string { return i.layer }

func (i *InstrumentedComponent) Write(ctx context.Context, buf []byte) (err error) {
	ctx, span := trace.StartSpan(ctx, "pkg/stream.InstrumentedComponent.Write")
	defer span.End()

	size := len(buf)
	span.AddAttributes(
		trace.StringAttribute("layer", i.layer),
		trace.Int64Attribute("size", int64(size)),
	)

	defer prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		level.Debug(i.logger).Log("event", "write", "duration", v, "size", size, "error", err)
		i.durationSeconds.WithLabelValues().Observe(v)
		i.sizeBytes.WithLabelValues().Observe(float64(size))
		i.observeError(span, "write", err)
	})).ObserveDuration()

	return i.inner.Write(ctx, buf)
}

func (i *InstrumentedComponent) Flush(ctx context.Context) (err error) {
	flusher, ok := i.inner.(Flusher)
	if !ok {
		return nil
	}

	ctx, span := trace.StartSpan(ctx, "pkg/stream.InstrumentedComponent.Flush")
	defer span.End()

	defer func() {
		level.Debug(i.logger).Log("event", "flush", "error", err)
		i.observeError(span, "flush", err)
	}()

	return flusher.Flush(ctx)
}

func (i *InstrumentedComponent) Close(ctx context.Context) (err error) {
	ctx, span := trace.StartSpan(ctx, "pkg/stream.InstrumentedComponent.Close")
	defer span.End()

	defer func() {
		i.logger.Log("event", "close", "error", err)
		i.observeError(span, "close", err)
	}()

	return i.inner.Close(ctx)
}

func (i *InstrumentedComponent) observeError(span *trace.Span, op string, err error) {
	if err == nil {
		return
	}

	i.errors.WithLabelValues(op).Inc()
	span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
}
