// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/catalog"
	"github.com/creachadair/fan/handler"
	"github.com/creachadair/fan/transport/memory"
	"github.com/google/go-cmp/cmp"
)

// eventLog records service lifecycle events in order.
type eventLog struct {
	μ   sync.Mutex
	log []string
}

func (e *eventLog) add(format string, args ...any) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *eventLog) take() []string {
	e.μ.Lock()
	defer e.μ.Unlock()
	out := e.log
	e.log = nil
	return out
}

// lifecycle is a service that records its lifecycle, and whose Start fails
// if fail is set. Its "seen" method reports whether a name resolves locally in
// the discovery of the caller.
type lifecycle struct {
	name string
	log  *eventLog
	fail bool
}

func (p *lifecycle) ServiceName() string { return p.name }

func (p *lifecycle) Methods() []fan.MethodSpec {
	return catalog.New().
		Add("seen", handler.ParamResult(func(ctx *fan.Context, name string) bool {
			_, err := ctx.Discovery().FindLocal(name)
			return err == nil
		})).
		Methods()
}

func (p *lifecycle) Start(context.Context) error {
	if p.fail {
		p.log.add("fail %s", p.name)
		return errors.New("start failed")
	}
	p.log.add("start %s", p.name)
	return nil
}

func (p *lifecycle) Stop() error { p.log.add("stop %s", p.name); return nil }

func (e *eventLog) spec(name string, fail bool) fan.ServiceSpec {
	return fan.Local(func() fan.Service { return &lifecycle{name: name, log: e, fail: fail} })
}

func TestGroupLifecycle(t *testing.T) {
	var events eventLog
	d := fan.NewLocalDiscovery()
	p := fan.NewProcess(d, fan.WithGroups(
		fan.NewServiceGroup("one", events.spec("a", false), events.spec("b", false)),
		fan.NewServiceGroup("two", events.spec("c", false)),
	))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if diff := cmp.Diff(events.take(), []string{"start a", "start b", "start c"}); diff != "" {
		t.Errorf("Start events (-got, +want):\n%s", diff)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("Start again: got nil, want error")
	}

	// Services in an earlier group are visible to later ones.
	ok, err := fan.Invoke[bool](p.Context(context.Background()), "c", "seen", "a")
	if err != nil {
		t.Errorf("Call c.seen: unexpected error: %v", err)
	} else if !ok {
		t.Error("Service a is not visible to c")
	}

	if err := p.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	if diff := cmp.Diff(events.take(), []string{"stop c", "stop b", "stop a"}); diff != "" {
		t.Errorf("Stop events (-got, +want):\n%s", diff)
	}
	if names := d.Names(); len(names) != 0 {
		t.Errorf("After stop: registered %q, want none", names)
	}

	// Stopping again is a no-op, and the process can be restarted.
	if err := p.Stop(); err != nil {
		t.Errorf("Stop again: unexpected error: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Errorf("Restart: unexpected error: %v", err)
	}
	p.Stop()
}

func TestGroupRollback(t *testing.T) {
	var events eventLog
	d := fan.NewLocalDiscovery()
	p := fan.NewProcess(d, fan.WithGroups(
		fan.NewServiceGroup("good", events.spec("a", false)),
		fan.NewServiceGroup("bad", events.spec("b", false), events.spec("c", true), events.spec("d", false)),
	))
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("Start: got nil, want error")
	}
	want := []string{"start a", "start b", "fail c", "stop b", "stop a"}
	if diff := cmp.Diff(events.take(), want); diff != "" {
		t.Errorf("Events (-got, +want):\n%s", diff)
	}
	if names := d.Names(); len(names) != 0 {
		t.Errorf("After rollback: registered %q, want none", names)
	}
}

func TestGroupErrors(t *testing.T) {
	hub := memory.NewHub()
	newProc := func(specs ...fan.ServiceSpec) *fan.Process {
		return fan.NewProcess(fan.NewLocalDiscovery(),
			fan.WithTransports(fan.Transports{memory.Kind: hub.Factory()}),
			fan.WithGroups(fan.NewServiceGroup("test", specs...)),
		)
	}
	dupMethod := func() fan.Service {
		return catalog.Service("dup", catalog.New().
			Add("m", handler.ResultOnly(func(*fan.Context) int { return 1 })).
			Add("m", handler.ResultOnly(func(*fan.Context) int { return 2 })))
	}
	simple := func() fan.Service {
		return catalog.Service("simple", catalog.New().
			Add("m", handler.ResultOnly(func(*fan.Context) int { return 1 })))
	}

	tests := []struct {
		name  string
		specs []fan.ServiceSpec
		want  error
	}{
		{"DuplicateMethod", []fan.ServiceSpec{fan.Local(dupMethod)}, fan.ErrDuplicateMethod},
		{"DuplicateRegistration", []fan.ServiceSpec{fan.Local(simple), fan.Local(simple)}, fan.ErrDuplicateRegistration},
		{"DuplicateLocalRemote", []fan.ServiceSpec{
			fan.Local(simple), fan.Remote(simple, memory.Kind, nil),
		}, fan.ErrDuplicateRegistration},
		{"UnknownTransport", []fan.ServiceSpec{fan.Remote(simple, "carrier-pigeon", nil)}, nil},
		{"NoConstructor", []fan.ServiceSpec{{}}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := newProc(tc.specs...).Start(context.Background())
			if err == nil {
				t.Fatal("Start: got nil, want error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("Start: got %v, want %v", err, tc.want)
			}
			if n := hub.Len(); n != 0 {
				t.Errorf("Hub has %d endpoints after failure, want 0", n)
			}
		})
	}
}

func TestRemoteGroup(t *testing.T) {
	hub := memory.NewHub()
	var events eventLog
	spec := fan.ServiceSpec{
		New:       func() fan.Service { return &lifecycle{name: "r", log: &events} },
		Endpoints: []fan.EndpointSpec{{Transport: memory.Kind}},
	}
	d := fan.NewLocalDiscovery()
	p := fan.NewProcess(d,
		fan.WithTransports(fan.Transports{memory.Kind: hub.Factory()}),
		fan.WithGroups(fan.NewServiceGroup("remote", spec)),
	)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := hub.Len(); n != 1 {
		t.Errorf("Hub has %d endpoints, want 1", n)
	}
	ep, err := d.FindRemote("r")
	if err != nil {
		t.Fatalf("FindRemote: %v", err)
	}
	if !ep.Serving() {
		t.Error("Endpoint is not serving")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if n := hub.Len(); n != 0 {
		t.Errorf("Hub has %d endpoints after stop, want 0", n)
	}
	if diff := cmp.Diff(events.take(), []string{"start r", "stop r"}); diff != "" {
		t.Errorf("Events (-got, +want):\n%s", diff)
	}
}

func TestMultipleEndpoints(t *testing.T) {
	hub := memory.NewHub()
	spec := fan.ServiceSpec{
		New: func() fan.Service {
			return catalog.Service("multi", catalog.New().
				Add("m", handler.ResultOnly(func(*fan.Context) int { return 5 })))
		},
		Endpoints: []fan.EndpointSpec{
			{Transport: memory.Kind, Params: fan.Params{"bucket": "a"}},
			{Transport: memory.Kind, Params: fan.Params{"bucket": "b"}},
		},
	}
	d := fan.NewLocalDiscovery()
	p := fan.NewProcess(d,
		fan.WithTransports(fan.Transports{memory.Kind: hub.Factory()}),
		fan.WithGroups(fan.NewServiceGroup("g", spec)),
	)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := hub.Len(); n != 2 {
		t.Errorf("Hub has %d endpoints, want 2", n)
	}

	// The name resolves to the first endpoint.
	ep, err := d.FindRemote("multi")
	if err != nil {
		t.Fatalf("FindRemote: %v", err)
	}
	if got := ep.Transport().(*memory.Transport).Bucket(); got != "a" {
		t.Errorf("Registered bucket: got %q, want a", got)
	}

	// Each endpoint serves calls over its own transport.
	for _, bucket := range []string{"a", "b"} {
		caller, err := fan.NewRemoteEndpoint(nil, nil, fan.Params{"bucket": bucket},
			fan.WithName("multi"), fan.WithTransport(hub.Factory()))
		if err != nil {
			t.Fatalf("NewRemoteEndpoint: %v", err)
		}
		cd := fan.NewLocalDiscovery()
		if err := cd.Register(caller); err != nil {
			t.Fatalf("Register caller: %v", err)
		}
		got, err := fan.Invoke[int](fan.NewContext(context.Background(), cd), "multi", "m", nil)
		if err != nil {
			t.Errorf("Call via bucket %q: unexpected error: %v", bucket, err)
		} else if got != 5 {
			t.Errorf("Call via bucket %q: got %d, want 5", bucket, got)
		}
	}

	if err := p.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if n := hub.Len(); n != 0 {
		t.Errorf("Hub has %d endpoints after stop, want 0", n)
	}
	if names := d.Names(); len(names) != 0 {
		t.Errorf("After stop: registered %q, want none", names)
	}
}
