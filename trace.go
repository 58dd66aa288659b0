// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan

// A Tracer creates spans for RPC dispatches. The tracing package provides an
// implementation backed by OpenTelemetry.
type Tracer interface {
	// StartSpan starts a new span with the given name. If parent == nil the
	// new span is a root span.
	StartSpan(name string, parent Span) Span

	// Inject records the identity of span into carrier so that it can be
	// carried across a transport.
	Inject(span Span, carrier map[string]string)

	// Extract recovers a span from carrier, as recorded by Inject on the
	// calling side. It returns nil if carrier does not describe a span.
	Extract(carrier map[string]string) Span
}

// A Span is a unit of tracing data representing one RPC dispatch.
type Span interface {
	// SetError records err as the outcome of the span.
	SetError(err error)

	// Finish completes the span. It must be called exactly once.
	Finish()
}

// NopTracer is a Tracer that does not record anything.
type NopTracer struct{}

// StartSpan implements a method of the [Tracer] interface.
func (NopTracer) StartSpan(string, Span) Span { return nopSpan{} }

// Inject implements a method of the [Tracer] interface.
func (NopTracer) Inject(Span, map[string]string) {}

// Extract implements a method of the [Tracer] interface.
func (NopTracer) Extract(map[string]string) Span { return nil }

type nopSpan struct{}

func (nopSpan) SetError(error) {}
func (nopSpan) Finish()        {}
