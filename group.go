// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// An EndpointSpec describes one endpoint to attach to a service when its
// group starts. An empty Transport denotes a LocalEndpoint; otherwise it names
// a transport kind in the Transports table of the process.
type EndpointSpec struct {
	Transport string
	Params    Params
}

// A ServiceSpec describes a service to instantiate and the endpoints to
// attach to it.
type ServiceSpec struct {
	New       func() Service
	Endpoints []EndpointSpec
}

// Local is a convenience constructor for a ServiceSpec with one local
// endpoint.
func Local(newService func() Service) ServiceSpec {
	return ServiceSpec{New: newService, Endpoints: []EndpointSpec{{}}}
}

// Remote is a convenience constructor for a ServiceSpec with one remote
// endpoint using the given transport kind and params.
func Remote(newService func() Service, kind string, params Params) ServiceSpec {
	return ServiceSpec{
		New:       newService,
		Endpoints: []EndpointSpec{{Transport: kind, Params: params}},
	}
}

// A ServiceGroup is a unit of startup. Starting the group instantiates each
// service in order, starts it, and then attaches and registers its
// endpoints. No endpoint of a service is discoverable before the service has
// been started.
//
// A service with several endpoints is registered once, through its first
// endpoint. The remaining endpoints are started and serve calls arriving
// over their own transports, but discovery resolves the service name to the
// first endpoint only.
type ServiceGroup struct {
	Name     string
	Services []ServiceSpec

	μ       sync.Mutex
	running []*runningService
}

type runningService struct {
	svc        Service
	eps        []Endpoint
	registered bool // eps[0] is registered under the service name
}

// NewServiceGroup constructs a service group with the given name and specs.
func NewServiceGroup(name string, specs ...ServiceSpec) *ServiceGroup {
	return &ServiceGroup{Name: name, Services: specs}
}

// Start starts the services of g within process p. If any step fails, Start
// stops whatever it had started and returns the error.
func (g *ServiceGroup) Start(ctx context.Context, p *Process) error {
	g.μ.Lock()
	defer g.μ.Unlock()
	if g.running != nil {
		return fmt.Errorf("group %q is already started", g.Name)
	}
	log := p.log.With().Str("group", g.Name).Logger()
	for i, spec := range g.Services {
		rs, err := g.startService(ctx, p, spec)
		if rs != nil {
			g.running = append(g.running, rs)
		}
		if err != nil {
			log.Error().Err(err).Int("index", i).Msg("service start failed")
			serr := g.stopLocked(p)
			return errors.Join(fmt.Errorf("group %q: %w", g.Name, err), serr)
		}
		log.Info().Str("service", rs.svc.ServiceName()).Int("endpoints", len(rs.eps)).Msg("service started")
	}
	if g.running == nil {
		g.running = []*runningService{}
	}
	return nil
}

// startService instantiates one service and attaches its endpoints. The
// returned value records what was started even when err != nil.
func (g *ServiceGroup) startService(ctx context.Context, p *Process, spec ServiceSpec) (*runningService, error) {
	if spec.New == nil {
		return nil, errors.New("service spec has no constructor")
	}
	svc := spec.New()
	if _, err := newMethodTable(svc); err != nil {
		return nil, err
	}
	if s, ok := svc.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			return nil, fmt.Errorf("start service %q: %w", svc.ServiceName(), err)
		}
	}
	rs := &runningService{svc: svc}
	for _, es := range spec.Endpoints {
		ep, err := p.newEndpoint(svc, es)
		if err != nil {
			return rs, err
		}
		if rep, ok := ep.(*RemoteEndpoint); ok {
			if err := rep.Start(ctx); err != nil {
				rep.Close()
				return rs, fmt.Errorf("start endpoint %q: %w", rep.ServiceName(), err)
			}
		}
		if len(rs.eps) == 0 {
			if err := p.disc.Register(ep); err != nil {
				closeEndpoint(ep)
				return rs, err
			}
			rs.registered = true
		}
		rs.eps = append(rs.eps, ep)
	}
	return rs, nil
}

// Stop unregisters and closes the endpoints of g and stops its services, in
// reverse order of startup.
func (g *ServiceGroup) Stop(p *Process) error {
	g.μ.Lock()
	defer g.μ.Unlock()
	return g.stopLocked(p)
}

func (g *ServiceGroup) stopLocked(p *Process) error {
	var errs []error
	for i := len(g.running) - 1; i >= 0; i-- {
		rs := g.running[i]
		if u, ok := p.disc.(Unregisterer); ok && rs.registered {
			u.Unregister(rs.svc.ServiceName())
		}
		for j := len(rs.eps) - 1; j >= 0; j-- {
			if err := closeEndpoint(rs.eps[j]); err != nil {
				errs = append(errs, err)
			}
		}
		if s, ok := rs.svc.(Stopper); ok {
			if err := s.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop service %q: %w", rs.svc.ServiceName(), err))
			}
		}
	}
	g.running = nil
	return errors.Join(errs...)
}

func closeEndpoint(ep Endpoint) error {
	if c, ok := ep.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
