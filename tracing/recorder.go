// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tracing

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// A Recorder is a Tracer that records the spans it completes in memory.
type Recorder struct {
	*Tracer

	sr *tracetest.SpanRecorder
	tp *sdktrace.TracerProvider
}

// NewRecorder constructs a Recorder that samples every span.
func NewRecorder() *Recorder {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(sr),
	)
	return &Recorder{Tracer: New(tp), sr: sr, tp: tp}
}

// Len reports the number of completed spans.
func (r *Recorder) Len() int { return len(r.sr.Ended()) }

// Spans returns the completed spans in order of completion.
func (r *Recorder) Spans() []sdktrace.ReadOnlySpan { return r.sr.Ended() }

// Names returns the names of the completed spans in order of completion.
func (r *Recorder) Names() []string {
	var names []string
	for _, s := range r.sr.Ended() {
		names = append(names, s.Name())
	}
	return names
}

// Shutdown shuts down the tracer provider of r.
func (r *Recorder) Shutdown(ctx context.Context) error { return r.tp.Shutdown(ctx) }
