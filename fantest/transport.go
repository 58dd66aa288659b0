// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package fantest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/catalog"
	"github.com/creachadair/fan/internal/echo"
	"github.com/creachadair/fan/tracing"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

// testKind is the transport kind name used by a TransportTest.
const testKind = "test"

// A TransportTest describes how to run the standard transport checks on one
// transport implementation.
type TransportTest struct {
	// Factory constructs transports of the kind under test.
	Factory fan.TransportFactory

	// Serve returns the params for the serving endpoint of the named service.
	Serve func(service string) fan.Params

	// Call returns the params a caller uses to reach the given serving
	// endpoint, which has already been started.
	Call func(ep *fan.RemoteEndpoint) fan.Params
}

// Run runs the transport checks as subtests of t. A server process hosts the
// sample services behind remote endpoints of the transport under test, and a
// client process reaches them through a DictDiscovery.
func (tt TransportTest) Run(t *testing.T) {
	t.Helper()
	ctx := t.Context()
	rec := tracing.NewRecorder()
	ts := fan.Transports{testKind: tt.Factory}

	sd := fan.NewLocalDiscovery()
	server := fan.NewProcess(sd,
		fan.WithTracer(rec),
		fan.WithTransports(ts),
		fan.WithGroups(fan.NewServiceGroup("server",
			fan.Remote(echo.NewSimple, testKind, tt.Serve(echo.SimpleName)),
			fan.Remote(echo.NewRecursive, testKind, tt.Serve(echo.RecursiveName)),
		)),
	)
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("Stop server: %v", err)
		}
	})

	// The first connection is the default route, so names the server does not
	// host are sent to the simple service.
	var cfg fan.Config
	cfg.Services = make(map[string]string)
	for _, name := range []string{echo.SimpleName, echo.RecursiveName} {
		ep, err := sd.FindRemote(name)
		if err != nil {
			t.Fatalf("Find serving endpoint: %v", err)
		}
		cfg.Connections = append(cfg.Connections, fan.Connection{
			Name:      name,
			Transport: testKind,
			Params:    tt.Call(ep),
		})
		cfg.Services[name] = name
	}
	dict, err := fan.NewDictDiscovery(&cfg, ts)
	if err != nil {
		t.Fatalf("NewDictDiscovery: %v", err)
	}
	t.Cleanup(func() { dict.Close() })
	client := fan.NewProcess(fan.NewCompositeDiscovery(fan.NewLocalDiscovery(), dict), fan.WithTracer(rec))

	t.Run("Echo", func(t *testing.T) {
		got, err := fan.Invoke[string](client.Context(ctx), echo.SimpleName, "echo", "hello")
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		} else if got != "hello" {
			t.Errorf("Call: got %q, want hello", got)
		}
	})

	t.Run("Proxy", func(t *testing.T) {
		var got string
		if err := client.Context(ctx).Service(echo.SimpleName).Call("echo", "world", &got); err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		} else if got != "world" {
			t.Errorf("Call: got %q, want world", got)
		}
	})

	t.Run("ServiceError", func(t *testing.T) {
		err := client.Context(ctx).Call(echo.SimpleName, "fail", "bad robot", nil)
		var ce *fan.CallError
		if !errors.As(err, &ce) {
			t.Fatalf("Call: got %v, want *fan.CallError", err)
		}
		var ed *fan.ErrorData
		if !errors.As(err, &ed) {
			t.Fatalf("Call: got %v, want *fan.ErrorData", err)
		}
		if ed.Code != fan.CodeServiceError || ed.Message != "bad robot" {
			t.Errorf("Call: got %+v, want service error %q", ed, "bad robot")
		}
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		err := client.Context(ctx).Call(echo.SimpleName, "nonesuch", nil, nil)
		if !errors.Is(err, fan.ErrUnknownMethod) {
			t.Errorf("Call: got %v, want %v", err, fan.ErrUnknownMethod)
		}
	})

	t.Run("ServiceNotFound", func(t *testing.T) {
		err := client.Context(ctx).Call("nonesuch", "echo", nil, nil)
		if !errors.Is(err, fan.ErrServiceNotFound) {
			t.Errorf("Call: got %v, want %v", err, fan.ErrServiceNotFound)
		}
	})

	t.Run("Catalog", func(t *testing.T) {
		enc, err := fan.Invoke[[]byte](client.Context(ctx), echo.SimpleName, "methods", nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		names, err := catalog.Decode(enc)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if diff := cmp.Diff(names, []string{"echo", "fail", "methods"}); diff != "" {
			t.Errorf("Methods (-got, +want):\n%s", diff)
		}
	})

	t.Run("Trace", func(t *testing.T) {
		before := rec.Len()
		got, err := fan.Invoke[echo.Reply](client.Context(ctx), echo.RecursiveName, "echo", echo.Args{Word: "hi", Count: 2})
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if diff := cmp.Diff(got, echo.Reply{Word: "hi"}); diff != "" {
			t.Errorf("Reply (-got, +want):\n%s", diff)
		}

		// One span per dispatch, all in the same trace, each nested in the
		// one before it, even across the transport.
		spans := rec.Spans()[before:]
		if len(spans) != 3 {
			t.Fatalf("Got %d spans, want 3", len(spans))
		}
		for i, sp := range spans {
			if sp.Name() != "dummy_tracer.echo" {
				t.Errorf("Span %d name: got %q, want dummy_tracer.echo", i, sp.Name())
			}
			if i > 0 && sp.SpanContext().SpanID() != spans[i-1].Parent().SpanID() {
				t.Errorf("Span %d is not the parent of span %d", i, i-1)
			}
		}
		if root := spans[len(spans)-1]; root.Parent().IsValid() {
			t.Errorf("Root span has parent %v", root.Parent())
		}
	})

	t.Run("Canceled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := client.Context(cctx).Call(echo.SimpleName, "echo", "x", nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Call: got %v, want %v", err, context.Canceled)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		const numCalls = 16
		g := taskgroup.New(nil)
		for i := range numCalls {
			g.Go(func() error {
				want := fmt.Sprintf("call-%d", i)
				got, err := fan.Invoke[string](client.Context(ctx), echo.SimpleName, "echo", want)
				if err != nil {
					return err
				} else if got != want {
					return fmt.Errorf("call %d: got %q, want %q", i, got, want)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Error(err)
		}
	})
}
