// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package kvstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/fantest"
	"github.com/creachadair/fan/internal/echo"
	"github.com/creachadair/fan/transport/kvstore"
)

func TestMemory(t *testing.T) {
	// The server is stopped by a cleanup registered in Run, which must run
	// before the stores are closed.
	st := kvstore.NewStores()
	t.Cleanup(func() { st.Close() })

	fantest.TransportTest{
		Factory: st.Factory(),
		Serve:   func(string) fan.Params { return fan.Params{"prefix": "test"} },
		Call:    func(ep *fan.RemoteEndpoint) fan.Params { return ep.Params() },
	}.Run(t)
}

func TestPersistent(t *testing.T) {
	st := kvstore.NewStores()
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	fantest.TransportTest{
		Factory: st.Factory(),
		Serve:   func(string) fan.Params { return fan.Params{"path": dir, "poll": "1ms"} },
		Call:    func(ep *fan.RemoteEndpoint) fan.Params { return ep.Params() },
	}.Run(t)
}

func TestParams(t *testing.T) {
	st := kvstore.NewStores()
	defer st.Close()

	for _, p := range []fan.Params{
		{"poll": "bogus"},
		{"poll": "-1s"},
		{"timeout": "soon"},
		{"lease": "later"},
		{"lease": "0s"},
	} {
		_, err := fan.NewRemoteEndpoint(nil, nil, p, fan.WithName("x"), fan.WithTransport(st.Factory()))
		if err == nil {
			t.Errorf("NewRemoteEndpoint(%v): got nil, want error", p)
		}
	}
}

func TestLifecycle(t *testing.T) {
	st := kvstore.NewStores()
	defer st.Close()
	f := st.Factory()

	newServer := func() *fan.RemoteEndpoint {
		t.Helper()
		ep, err := fan.NewRemoteEndpoint(nil, echo.NewSimple(), nil, fan.WithTransport(f))
		if err != nil {
			t.Fatalf("NewRemoteEndpoint: %v", err)
		}
		return ep
	}
	caller, err := fan.NewRemoteEndpoint(nil, nil, fan.Params{"timeout": "50ms"},
		fan.WithName(echo.SimpleName), fan.WithTransport(f))
	if err != nil {
		t.Fatalf("NewRemoteEndpoint: %v", err)
	}
	d := fan.NewLocalDiscovery()
	if err := d.Register(caller); err != nil {
		t.Fatalf("Register: %v", err)
	}
	call := func() error {
		return fan.NewContext(context.Background(), d).Call(echo.SimpleName, "echo", "ok", nil)
	}

	// With no server, calls fail fast.
	if err := call(); !errors.Is(err, fan.ErrServiceNotFound) {
		t.Errorf("Call before start: got %v, want %v", err, fan.ErrServiceNotFound)
	}

	a := newServer()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := call(); err != nil {
		t.Errorf("Call: unexpected error: %v", err)
	}

	// A second server for the same service is rejected.
	if err := newServer().Start(context.Background()); !errors.Is(err, fan.ErrDuplicateRegistration) {
		t.Errorf("Start duplicate: got %v, want %v", err, fan.ErrDuplicateRegistration)
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if err := call(); !errors.Is(err, fan.ErrServiceNotFound) {
		t.Errorf("Call after close: got %v, want %v", err, fan.ErrServiceNotFound)
	}
}

func TestCloseAfterStores(t *testing.T) {
	st := kvstore.NewStores()
	srv, err := fan.NewRemoteEndpoint(nil, echo.NewSimple(), fan.Params{"path": t.TempDir()},
		fan.WithTransport(st.Factory()))
	if err != nil {
		t.Fatalf("NewRemoteEndpoint: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close stores: %v", err)
	}

	// Closing the endpoint after its store is not an error.
	if err := srv.Close(); err != nil {
		t.Errorf("Close endpoint: unexpected error: %v", err)
	}
}

func TestTimeout(t *testing.T) {
	st := kvstore.NewStores()
	defer st.Close()
	f := st.Factory()

	// A server whose method blocks longer than the caller waits.
	release := make(chan struct{})
	defer close(release)
	svc := stallService{release: release}
	srv, err := fan.NewRemoteEndpoint(nil, svc, nil, fan.WithTransport(f))
	if err != nil {
		t.Fatalf("NewRemoteEndpoint: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Close()

	caller, err := fan.NewRemoteEndpoint(nil, nil, fan.Params{"timeout": "20ms"},
		fan.WithName(svc.ServiceName()), fan.WithTransport(f))
	if err != nil {
		t.Fatalf("NewRemoteEndpoint: %v", err)
	}
	d := fan.NewLocalDiscovery()
	d.Register(caller)

	start := time.Now()
	err = fan.NewContext(context.Background(), d).Call(svc.ServiceName(), "stall", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call: got %v, want %v", err, context.DeadlineExceeded)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Call took %v, want prompt timeout", elapsed)
	}
}

type stallService struct{ release <-chan struct{} }

func (stallService) ServiceName() string { return "stall" }

func (s stallService) Methods() []fan.MethodSpec {
	return []fan.MethodSpec{{Name: "stall", Method: func(ctx *fan.Context, _ *fan.Call) (any, error) {
		select {
		case <-s.release:
		case <-ctx.Done():
		}
		return nil, nil
	}}}
}
