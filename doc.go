// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package fan implements a lightweight service framework.
//
// Services are grouped into processes, discovered by name, and called through
// a uniform interface whether the callee runs in the same process or in
// another one reached through a transport. Every call is traced by a span,
// and spans nest across process boundaries.
//
// # Services
//
// A [Service] reports its name and statically enumerates its public methods:
//
//	type Echo struct{}
//
//	func (Echo) ServiceName() string { return "echo" }
//
//	func (e Echo) Methods() []fan.MethodSpec {
//	   return []fan.MethodSpec{{Name: "echo", Method: e.echo}}
//	}
//
//	func (Echo) echo(ctx *fan.Context, call *fan.Call) (any, error) {
//	   var s string
//	   if err := call.Decode(&s); err != nil {
//	      return nil, err
//	   }
//	   return s, nil
//	}
//
// The handler package provides adapters from typed functions to methods.
//
// # Endpoints and Discovery
//
// An [Endpoint] binds a service name to a way of executing calls. A
// [LocalEndpoint] invokes the service directly; a [RemoteEndpoint] forwards
// calls through a [Transport]. Transports are constructed by name from a
// [Transports] table; the transport subpackages provide implementations.
//
// A [Discovery] resolves names to endpoints. [LocalDiscovery] holds the
// endpoints registered in one process, [DictDiscovery] constructs remote
// endpoints from a static [Config], [PublicDiscovery] is shared between
// processes, and [CompositeDiscovery] consults a list of sources in order.
//
// # Processes
//
// A [Process] owns a discovery scope and a list of [ServiceGroup] values.
// Starting the process starts each group, which instantiates its services
// and registers their endpoints:
//
//	p := fan.NewProcess(
//	   fan.NewCompositeDiscovery(fan.NewLocalDiscovery(), public),
//	   fan.WithTransports(transports),
//	   fan.WithGroups(fan.NewServiceGroup("main", fan.Local(newEcho))),
//	)
//	if err := p.Start(ctx); err != nil {
//	   log.Fatalf("Start: %v", err)
//	}
//	defer p.Stop()
//
// # Calls
//
// Use [Process.Context] to obtain a [Context], and call methods through it:
//
//	var out string
//	if err := p.Context(ctx).Call("echo", "echo", "hello", &out); err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// A call resolves the service through discovery, preferring an endpoint in
// the same process. Each dispatch opens a span named "service.method" beneath
// the current span of the context, and the method receives a context carrying
// that span. Errors reported by Call have concrete type [*CallError].
//
// # Metrics
//
// Dispatch counters are kept in an [expvar.Map] returned by [Metrics], and
// [MetricsCollector] exports them to Prometheus.
package fan
