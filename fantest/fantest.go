// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package fantest provides support code for testing fan services and
// transports.
//
// A [Cluster] is a set of processes in one program that can reach each
// other's published endpoints, as if they were separate hosts sharing a
// discovery service:
//
//	c := fantest.NewCluster(nil)
//	p1 := c.Process(fan.NewServiceGroup("front", fan.Local(newFront)))
//	p2 := c.Process(fantest.RemoteGroup("back", memory.Kind, nil, newBack))
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Stop()
//
// A [TransportTest] runs a suite of calls through a transport.
package fantest

import (
	"context"
	"errors"
	"sync"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/tracing"
	"github.com/creachadair/fan/transport/memory"
	"github.com/rs/zerolog"
)

// A Cluster is a collection of linked processes. Each process resolves names
// through its own LocalDiscovery followed by the shared Public discovery, so
// a process sees its own endpoints and the serving remote endpoints of all
// the other processes, but never their local endpoints.
type Cluster struct {
	Public     *fan.PublicDiscovery
	Hub        *memory.Hub
	Tracer     *tracing.Recorder
	Transports fan.Transports
	Logger     zerolog.Logger

	μ     sync.Mutex
	procs []*fan.Process
}

// NewCluster constructs an empty cluster whose processes use the given
// transports. The memory transport is added under memory.Kind, bound to the
// Hub of the cluster, unless ts already defines that kind.
func NewCluster(ts fan.Transports) *Cluster {
	hub := memory.NewHub()
	all := fan.Transports{memory.Kind: hub.Factory()}
	for kind, f := range ts {
		all[kind] = f
	}
	return &Cluster{
		Public:     fan.NewPublicDiscovery(),
		Hub:        hub,
		Tracer:     tracing.NewRecorder(),
		Transports: all,
		Logger:     zerolog.Nop(),
	}
}

// Process adds a new unstarted process to c hosting the given groups.
func (c *Cluster) Process(groups ...*fan.ServiceGroup) *fan.Process {
	d := fan.NewCompositeDiscovery(fan.NewLocalDiscovery(), c.Public)
	p := fan.NewProcess(d,
		fan.WithTracer(c.Tracer),
		fan.WithLogger(c.Logger),
		fan.WithTransports(c.Transports),
		fan.WithGroups(groups...),
	)
	c.μ.Lock()
	defer c.μ.Unlock()
	c.procs = append(c.procs, p)
	return p
}

// Start starts the processes of c in the order they were added. If any
// fails, those already started are stopped.
func (c *Cluster) Start(ctx context.Context) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	for i, p := range c.procs {
		if err := p.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				c.procs[j].Stop()
			}
			return err
		}
	}
	return nil
}

// Stop stops the processes of c in reverse order.
func (c *Cluster) Stop() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	var errs []error
	for i := len(c.procs) - 1; i >= 0; i-- {
		errs = append(errs, c.procs[i].Stop())
	}
	return errors.Join(errs...)
}

// RemoteGroup constructs a service group that hosts each of the given
// services behind a remote endpoint of the given transport kind. Serving
// remote endpoints are published, so they are visible to other processes in
// a Cluster.
func RemoteGroup(name, kind string, params fan.Params, newServices ...func() fan.Service) *fan.ServiceGroup {
	g := fan.NewServiceGroup(name)
	for _, ns := range newServices {
		g.Services = append(g.Services, fan.Remote(ns, kind, params))
	}
	return g
}
