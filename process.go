// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// A Process owns one discovery scope and a list of service groups, and is a
// factory for the contexts that make calls in that scope. Several processes
// in one program may share a PublicDiscovery to simulate distinct hosts.
type Process struct {
	disc   Discovery
	tracer Tracer
	log    zerolog.Logger
	ts     Transports
	groups []*ServiceGroup

	μ       sync.Mutex
	started int // number of groups started
}

// A ProcessOption configures a Process.
type ProcessOption func(*Process)

// WithTracer sets the tracer used by the process. The default is NopTracer.
func WithTracer(t Tracer) ProcessOption { return func(p *Process) { p.tracer = t } }

// WithLogger sets the logger used by the process. The default discards logs.
func WithLogger(log zerolog.Logger) ProcessOption { return func(p *Process) { p.log = log } }

// WithTransports sets the transport kinds available to remote endpoints.
func WithTransports(ts Transports) ProcessOption { return func(p *Process) { p.ts = ts } }

// WithGroups adds service groups to the process, started in order.
func WithGroups(gs ...*ServiceGroup) ProcessOption {
	return func(p *Process) { p.groups = append(p.groups, gs...) }
}

// NewProcess constructs a process bound to discovery d.
func NewProcess(d Discovery, opts ...ProcessOption) *Process {
	p := &Process{disc: d, tracer: NopTracer{}, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracer == nil {
		p.tracer = NopTracer{}
	}
	return p
}

// Discovery returns the discovery of p.
func (p *Process) Discovery() Discovery { return p.disc }

// Tracer returns the tracer of p.
func (p *Process) Tracer() Tracer { return p.tracer }

// Logger returns the logger of p.
func (p *Process) Logger() *zerolog.Logger { return &p.log }

// Transports returns the transport table of p.
func (p *Process) Transports() Transports { return p.ts }

// Groups returns the service groups of p.
func (p *Process) Groups() []*ServiceGroup { return p.groups }

// Start starts the service groups of p in order. If a group fails to start,
// the groups already started are stopped.
func (p *Process) Start(ctx context.Context) error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.started != 0 {
		return errors.New("process is already started")
	}
	for _, g := range p.groups {
		if err := g.Start(ctx, p); err != nil {
			return errors.Join(err, p.stopLocked())
		}
		p.started++
	}
	p.log.Info().Int("groups", len(p.groups)).Msg("process started")
	return nil
}

// Stop stops the started service groups of p in reverse order.
func (p *Process) Stop() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	err := p.stopLocked()
	p.log.Info().Err(err).Msg("process stopped")
	return err
}

func (p *Process) stopLocked() error {
	var errs []error
	for ; p.started > 0; p.started-- {
		if err := p.groups[p.started-1].Stop(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Context returns a new root context for calls in the scope of p.
func (p *Process) Context(base context.Context) *Context {
	ctx := NewContext(base, p.disc)
	ctx.tracer = p.tracer
	ctx.log = p.log
	return ctx
}

// newEndpoint constructs an endpoint for svc as described by es.
func (p *Process) newEndpoint(svc Service, es EndpointSpec) (Endpoint, error) {
	if es.Transport == "" {
		return NewLocalEndpoint(svc)
	}
	f, err := p.ts.Lookup(es.Transport)
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", svc.ServiceName(), err)
	}
	return NewRemoteEndpoint(p.disc, svc, es.Params,
		WithTransport(f),
		WithEndpointTracer(p.tracer),
		WithEndpointLogger(p.log.With().Str("service", svc.ServiceName()).Str("transport", es.Transport).Logger()),
	)
}
