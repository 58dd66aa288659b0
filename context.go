// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// A Context carries the state of one call chain: the discovery used to
// resolve service names, the tracer, the current span, and a logger. It
// embeds a context.Context for cancellation and deadlines, which transports
// honor.
//
// A Context is an immutable value; the With methods return modified copies.
// Methods receive a Context whose current span is the span of the dispatch
// that invoked them, so calls they make through it nest beneath that span.
type Context struct {
	context.Context

	disc   Discovery
	tracer Tracer
	span   Span
	log    zerolog.Logger
}

// NewContext returns a root context bound to d, with no current span. The
// context has a NopTracer and a no-op logger unless changed.
func NewContext(base context.Context, d Discovery) *Context {
	if base == nil {
		base = context.Background()
	}
	return &Context{Context: base, disc: d, tracer: NopTracer{}, log: zerolog.Nop()}
}

// Discovery returns the discovery of c.
func (c *Context) Discovery() Discovery { return c.disc }

// Tracer returns the tracer of c.
func (c *Context) Tracer() Tracer { return c.tracer }

// Span returns the current span of c, or nil if c is a root context.
func (c *Context) Span() Span { return c.span }

// Logger returns the logger of c.
func (c *Context) Logger() *zerolog.Logger { return &c.log }

// WithTracer returns a copy of c using t as its tracer. A nil t is
// replaced by a NopTracer.
func (c *Context) WithTracer(t Tracer) *Context {
	if t == nil {
		t = NopTracer{}
	}
	cp := *c
	cp.tracer = t
	return &cp
}

// WithSpan returns a copy of c with sp as its current span.
func (c *Context) WithSpan(sp Span) *Context {
	cp := *c
	cp.span = sp
	return &cp
}

// WithLogger returns a copy of c using log as its logger.
func (c *Context) WithLogger(log zerolog.Logger) *Context {
	cp := *c
	cp.log = log
	return &cp
}

// WithContext returns a copy of c whose embedded context is base.
func (c *Context) WithContext(base context.Context) *Context {
	cp := *c
	cp.Context = base
	return &cp
}

// Call invokes the named method of service with the given params, and
// decodes its result into reply, which must be a pointer or nil. If reply ==
// nil the result is discarded.
//
// The service is resolved through the discovery of c, preferring an endpoint
// that can be called in this process. Each dispatch is traced by a span named
// "service.method" whose parent is the current span of c. The method receives
// a context carrying that span.
//
// Any error is reported as a *CallError.
func (c *Context) Call(service, method string, params, reply any) error {
	ep, route, err := c.resolve(service)
	if err != nil {
		rootMetrics.notFound.Add(1)
		c.log.Debug().Str("service", service).Str("method", method).Err(err).Msg("lookup failed")
		return &CallError{Service: service, Method: method, Err: err}
	}
	rootMetrics.callOut.Add(1)
	v, err := c.dispatch(ep, route, NewCall(service, method, params))
	if err == nil {
		err = assign(reply, v)
	}
	c.log.Debug().Str("service", service).Str("method", method).Str("route", route).
		Err(err).Msg("call")
	if err != nil {
		rootMetrics.callOutErr.Add(1)
		return &CallError{Service: service, Method: method, Err: err}
	}
	return nil
}

// dispatch executes call on ep under a new span. The span is finished and
// the pending gauge restored however the dispatch ends, and a panic out of
// the endpoint or its transport is reported as an error.
func (c *Context) dispatch(ep Endpoint, route string, call *Call) (v any, err error) {
	rootMetrics.callPending.Add(1)
	span := c.tracer.StartSpan(call.Service+"."+call.Method, c.span)
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("dispatch panicked (recovered): %v", x)
		}
		if err != nil {
			span.SetError(err)
		}
		span.Finish()
		rootMetrics.callPending.Add(-1)
	}()

	sub := c.WithSpan(span)
	switch route {
	case routeLocal:
		rootMetrics.callLocal.Add(1)
		return ep.HandleCall(sub, call)
	default:
		rootMetrics.callRemote.Add(1)
		return ep.(*RemoteEndpoint).Transport().Call(sub, call)
	}
}

const (
	routeLocal  = "local"
	routeRemote = "remote"
)

// resolve finds an endpoint for service, preferring a local endpoint.
func (c *Context) resolve(service string) (Endpoint, string, error) {
	if c.disc == nil {
		return nil, "", notFound(service)
	}
	if ep, err := c.disc.FindLocal(service); err == nil {
		return ep, routeLocal, nil
	} else if !errors.Is(err, ErrServiceNotFound) {
		return nil, "", err
	}
	rep, err := c.disc.FindRemote(service)
	if err != nil {
		return nil, "", err
	}
	return rep, routeRemote, nil
}

// Service returns a client for the named service, bound to c.
func (c *Context) Service(name string) Client { return Client{ctx: c, name: name} }

// A Client calls the methods of one service through a Context.
type Client struct {
	ctx  *Context
	name string
}

// Name reports the service name of c.
func (c Client) Name() string { return c.name }

// Call invokes the named method of the service. It is shorthand for
// c.ctx.Call(c.Name(), method, params, reply).
func (c Client) Call(method string, params, reply any) error {
	return c.ctx.Call(c.name, method, params, reply)
}

// Invoke calls service.method with params through ctx and returns its result
// decoded as a value of type R.
func Invoke[R any](ctx *Context, service, method string, params any) (R, error) {
	var r R
	err := ctx.Call(service, method, params, &r)
	return r, err
}
