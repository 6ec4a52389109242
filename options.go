package dagengine

import "go.opentelemetry.io/otel/trace"

// CellOption configures a single cell (Input or Function) at creation
// time. Equal overrides the default reflect.DeepEqual change-detection
// used by Cell.set_value; OnPanic overrides the engine-wide panic
// handler for that one cell's subscriber/update callbacks.
type CellOption[T any] struct {
	Equal   EqualFunc[T]
	OnPanic func(err any, stack []byte)
}

type cellOptions[T any] struct {
	equal   EqualFunc[T]
	onPanic func(any, []byte)
}

// WithEqual overrides the equality function used to decide whether a
// new value actually changed the cell.
func WithEqual[T any](fn EqualFunc[T]) CellOption[T] {
	return CellOption[T]{Equal: fn}
}

// WithOnPanic overrides the panic handler invoked when a subscriber or
// update listener panics for this cell. If never set, the engine's
// own OnPanic (or the package default of logging and continuing) is
// used.
func WithOnPanic[T any](fn func(err any, stack []byte)) CellOption[T] {
	return CellOption[T]{OnPanic: fn}
}

func applyCellOptions[T any](engineOnPanic func(any, []byte), opts []CellOption[T]) cellOptions[T] {
	out := cellOptions[T]{onPanic: engineOnPanic}
	for _, o := range opts {
		if o.Equal != nil {
			out.equal = o.Equal
		}
		if o.OnPanic != nil {
			out.onPanic = o.OnPanic
		}
	}
	return out
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*engineOptions)

type engineOptions struct {
	onPanic func(any, []byte)
	tracer  trace.Tracer
}

// WithEnginePanicHandler sets the default panic handler every node's
// subscriber/update callbacks use unless overridden per-cell.
func WithEnginePanicHandler(fn func(err any, stack []byte)) EngineOption {
	return func(o *engineOptions) { o.onPanic = fn }
}

// WithTracer attaches an OpenTelemetry tracer; Evaluate, propagate,
// and GetResult each open a span tagged with the cell index. A nil
// tracer (the default) makes tracing a no-op.
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(o *engineOptions) { o.tracer = tracer }
}

func applyEngineOptions(opts []EngineOption) engineOptions {
	var out engineOptions
	for _, o := range opts {
		o(&out)
	}
	return out
}

// StreamOption configures a single Stream call.
type StreamOption func(*streamOptions)

type streamOptions struct {
	onError func(error)
}

// WithStreamOnError registers a callback invoked (in addition to the
// stream terminating) whenever GetResult fails while servicing an
// update event.
func WithStreamOnError(fn func(error)) StreamOption {
	return func(o *streamOptions) { o.onError = fn }
}

func applyStreamOptions(opts []StreamOption) streamOptions {
	var out streamOptions
	for _, o := range opts {
		o(&out)
	}
	return out
}
