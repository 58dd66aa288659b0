// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// An Endpoint is a discoverable binding of a service name to a way of
// executing calls.
type Endpoint interface {
	// ServiceName reports the service name the endpoint serves.
	ServiceName() string

	// HandleCall executes call in this process.
	HandleCall(ctx *Context, call *Call) (any, error)
}

// A Transport carries a call and its trace context to a remote endpoint and
// returns the result. A transport may also implement Starter and io.Closer,
// in which case its endpoint forwards lifecycle events to it.
type Transport interface {
	Call(ctx *Context, call *Call) (any, error)
}

// A TransportFactory constructs a transport for an endpoint. The discovery is
// the scope of the process that owns the endpoint.
type TransportFactory func(d Discovery, ep *RemoteEndpoint, p Params) (Transport, error)

// Transports maps transport kind names to factories.
type Transports map[string]TransportFactory

// Lookup returns the factory for kind, or an error if none is defined.
func (t Transports) Lookup(kind string) (TransportFactory, error) {
	f, ok := t[kind]
	if !ok {
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
	return f, nil
}

// Params is a configuration bag for an endpoint. Params are passed verbatim
// to the transport factory.
type Params map[string]string

// Get returns the value of key in p, or dflt if key is unset or empty.
func (p Params) Get(key, dflt string) string {
	if v := p[key]; v != "" {
		return v
	}
	return dflt
}

// Duration parses the value of key in p as a duration, or returns dflt if the
// key is unset.
func (p Params) Duration(key string, dflt time.Duration) (time.Duration, error) {
	v := p[key]
	if v == "" {
		return dflt, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("param %q: %w", key, err)
	}
	return d, nil
}

// Require returns the value of key in p, or an error if it is unset.
func (p Params) Require(key string) (string, error) {
	if v := p[key]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("missing required param %q", key)
}

// String renders p in a stable order, for logging.
func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%s", k, p[k])
	}
	return sb.String()
}

// A LocalEndpoint invokes the methods of a service directly.
type LocalEndpoint struct {
	svc     Service
	methods methodTable
}

// NewLocalEndpoint constructs an endpoint that invokes svc directly. It
// reports an error if svc declares the same method name twice.
func NewLocalEndpoint(svc Service) (*LocalEndpoint, error) {
	mt, err := newMethodTable(svc)
	if err != nil {
		return nil, err
	}
	return &LocalEndpoint{svc: svc, methods: mt}, nil
}

// MustLocal is as NewLocalEndpoint, but panics on error.
func MustLocal(svc Service) *LocalEndpoint {
	ep, err := NewLocalEndpoint(svc)
	if err != nil {
		panic(err)
	}
	return ep
}

// ServiceName implements a method of the [Endpoint] interface.
func (e *LocalEndpoint) ServiceName() string { return e.svc.ServiceName() }

// Service returns the service bound to e.
func (e *LocalEndpoint) Service() Service { return e.svc }

// HandleCall implements a method of the [Endpoint] interface.
func (e *LocalEndpoint) HandleCall(ctx *Context, call *Call) (any, error) {
	return e.methods.invoke(ctx, call)
}

// A RemoteEndpoint binds a service name to a transport. On the serving side
// it also holds the service, and receives calls delivered by its transport.
// On the calling side (as built by DictDiscovery) the service is nil.
type RemoteEndpoint struct {
	name      string
	svc       Service     // nil on the calling side
	methods   methodTable // nil on the calling side
	disc      Discovery
	params    Params
	transport Transport
	tracer    Tracer
	log       zerolog.Logger
}

// An EndpointOption configures a RemoteEndpoint.
type EndpointOption func(*RemoteEndpoint, *TransportFactory)

// WithTransport sets the factory used to construct the endpoint transport.
func WithTransport(f TransportFactory) EndpointOption {
	return func(_ *RemoteEndpoint, tf *TransportFactory) { *tf = f }
}

// WithName sets the service name of the endpoint. It is required when no
// service is bound.
func WithName(name string) EndpointOption {
	return func(ep *RemoteEndpoint, _ *TransportFactory) { ep.name = name }
}

// WithEndpointTracer sets the tracer used when the endpoint serves calls.
func WithEndpointTracer(t Tracer) EndpointOption {
	return func(ep *RemoteEndpoint, _ *TransportFactory) { ep.tracer = t }
}

// WithEndpointLogger sets the logger used when the endpoint serves calls.
func WithEndpointLogger(log zerolog.Logger) EndpointOption {
	return func(ep *RemoteEndpoint, _ *TransportFactory) { ep.log = log }
}

// NewRemoteEndpoint constructs an endpoint for svc reachable through a
// transport, and constructs the transport from (d, ep, params). If svc is nil
// the endpoint only forwards calls, and WithName must be given.
func NewRemoteEndpoint(d Discovery, svc Service, params Params, opts ...EndpointOption) (*RemoteEndpoint, error) {
	ep := &RemoteEndpoint{
		svc:    svc,
		disc:   d,
		params: params,
		tracer: NopTracer{},
		log:    zerolog.Nop(),
	}
	if svc != nil {
		ep.name = svc.ServiceName()
	}
	var factory TransportFactory
	for _, opt := range opts {
		opt(ep, &factory)
	}
	if ep.name == "" {
		return nil, errors.New("remote endpoint has no service name")
	} else if factory == nil {
		return nil, fmt.Errorf("remote endpoint %q has no transport", ep.name)
	}
	if svc != nil {
		mt, err := newMethodTable(svc)
		if err != nil {
			return nil, err
		}
		ep.methods = mt
	}
	t, err := factory(d, ep, params)
	if err != nil {
		return nil, fmt.Errorf("remote endpoint %q: %w", ep.name, err)
	}
	ep.transport = t
	return ep, nil
}

// ServiceName implements a method of the [Endpoint] interface.
func (e *RemoteEndpoint) ServiceName() string { return e.name }

// Service returns the service bound to e, or nil on the calling side.
func (e *RemoteEndpoint) Service() Service { return e.svc }

// Serving reports whether e has a service bound to receive calls.
func (e *RemoteEndpoint) Serving() bool { return e.svc != nil }

// Params returns the configuration of e.
func (e *RemoteEndpoint) Params() Params { return e.params }

// Discovery returns the discovery scope of the process that owns e.
func (e *RemoteEndpoint) Discovery() Discovery { return e.disc }

// Transport returns the transport of e.
func (e *RemoteEndpoint) Transport() Transport { return e.transport }

// Logger returns the logger of e.
func (e *RemoteEndpoint) Logger() *zerolog.Logger { return &e.log }

// Start starts the transport of e, if it requires starting.
func (e *RemoteEndpoint) Start(ctx context.Context) error {
	if s, ok := e.transport.(Starter); ok {
		return s.Start(ctx)
	}
	return nil
}

// Close closes the transport of e, if it requires closing.
func (e *RemoteEndpoint) Close() error {
	if c, ok := e.transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// HandleCall implements a method of the [Endpoint] interface. It is the
// receiving-side counterpart of LocalEndpoint.HandleCall.
func (e *RemoteEndpoint) HandleCall(ctx *Context, call *Call) (any, error) {
	if e.methods == nil {
		return nil, fmt.Errorf("endpoint %q does not serve calls: %w", e.name, ErrServiceNotFound)
	}
	return e.methods.invoke(ctx, call)
}

// Serve handles a request delivered by a transport. The handler context is
// bound to the discovery and tracer of e, with the caller's span (if any) as
// its current span, so nested calls are traced beneath the caller. A request
// for a service other than the one bound to e reports ErrServiceNotFound.
func (e *RemoteEndpoint) Serve(ctx context.Context, req *Request) *Response {
	rootMetrics.callIn.Add(1)
	rootMetrics.callActive.Add(1)
	defer rootMetrics.callActive.Add(-1)

	hctx := &Context{
		Context: ctx,
		disc:    e.disc,
		tracer:  e.tracer,
		span:    e.tracer.Extract(req.Trace),
		log:     e.log,
	}
	var v any
	var err error
	if req.Service != e.name {
		err = notFound(req.Service)
	} else {
		v, err = e.HandleCall(hctx, req.Call())
	}
	if err != nil {
		rootMetrics.callInErr.Add(1)
		e.log.Debug().Str("service", req.Service).Str("method", req.Method).Err(err).Msg("call failed")
	}
	return newResponse(req, v, err)
}
