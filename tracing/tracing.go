// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package tracing implements the fan.Tracer interface using OpenTelemetry.
//
// Spans are carried across transports in W3C Trace Context form, so a span
// started by a method on the receiving side of a transport is a child of the
// dispatch span on the calling side.
//
// For testing, a [Recorder] keeps the spans it completes in memory:
//
//	rec := tracing.NewRecorder()
//	p := fan.NewProcess(d, fan.WithTracer(rec))
//	...
//	fmt.Println(rec.Len(), "spans")
package tracing

import (
	"context"

	"github.com/creachadair/fan"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name of the OpenTelemetry tracer used by this
// package.
const InstrumentationName = "github.com/creachadair/fan"

// Tracer is a fan.Tracer backed by an OpenTelemetry tracer.
type Tracer struct {
	tr   trace.Tracer
	prop propagation.TextMapPropagator
}

// New returns a Tracer that creates spans using tp.
func New(tp trace.TracerProvider) *Tracer {
	return &Tracer{
		tr:   tp.Tracer(InstrumentationName),
		prop: propagation.TraceContext{},
	}
}

// Span is the concrete type of spans created by a Tracer.
type Span struct {
	ctx    context.Context
	span   trace.Span
	remote bool // recovered by Extract; not ended locally
}

// SpanContext returns the OpenTelemetry span context of s.
func (s *Span) SpanContext() trace.SpanContext { return s.span.SpanContext() }

// SetError implements a method of the fan.Span interface.
func (s *Span) SetError(err error) {
	if s.remote || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// Finish implements a method of the fan.Span interface.
func (s *Span) Finish() {
	if !s.remote {
		s.span.End()
	}
}

// StartSpan implements a method of the fan.Tracer interface.
func (t *Tracer) StartSpan(name string, parent fan.Span) fan.Span {
	ctx := context.Background()
	if p, ok := parent.(*Span); ok && p != nil {
		ctx = p.ctx
	}
	ctx, sp := t.tr.Start(ctx, name)
	return &Span{ctx: ctx, span: sp}
}

// Inject implements a method of the fan.Tracer interface.
func (t *Tracer) Inject(span fan.Span, carrier map[string]string) {
	if s, ok := span.(*Span); ok && s != nil {
		t.prop.Inject(s.ctx, propagation.MapCarrier(carrier))
	}
}

// Extract implements a method of the fan.Tracer interface.
func (t *Tracer) Extract(carrier map[string]string) fan.Span {
	if len(carrier) == 0 {
		return nil
	}
	ctx := t.prop.Extract(context.Background(), propagation.MapCarrier(carrier))
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return &Span{ctx: ctx, span: trace.SpanFromContext(ctx), remote: true}
}
