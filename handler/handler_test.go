// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/catalog"
	"github.com/creachadair/fan/handler"
	"github.com/creachadair/fan/transport/memory"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// callers returns contexts that reach a service holding method m under the
// name "test.m", directly and through an in-memory transport.
func callers(t *testing.T, m fan.Method) map[string]*fan.Context {
	t.Helper()
	svc := catalog.Service("test", catalog.New().Add("m", m))

	local := fan.NewLocalDiscovery()
	if err := local.Register(fan.MustLocal(svc)); err != nil {
		t.Fatalf("Register local: %v", err)
	}

	hub := memory.NewHub()
	srv, err := fan.NewRemoteEndpoint(nil, svc, nil, fan.WithTransport(hub.Factory()))
	if err != nil {
		t.Fatalf("NewRemoteEndpoint: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	cep, err := fan.NewRemoteEndpoint(nil, nil, nil, fan.WithName("test"), fan.WithTransport(hub.Factory()))
	if err != nil {
		t.Fatalf("NewRemoteEndpoint: %v", err)
	}
	remote := fan.NewLocalDiscovery()
	if err := remote.Register(cep); err != nil {
		t.Fatalf("Register remote: %v", err)
	}

	return map[string]*fan.Context{
		"Local":  fan.NewContext(context.Background(), local),
		"Memory": fan.NewContext(context.Background(), remote),
	}
}

func TestHandler(t *testing.T) {
	defer leaktest.Check(t)()

	// check calls m with params and compares the result to want. If etext is
	// not empty, the call must fail with an error containing etext.
	check := func(t *testing.T, params, want any, etext string, m fan.Method) {
		t.Helper()
		for name, ctx := range callers(t, m) {
			t.Run(name, func(t *testing.T) {
				got := reflect.New(reflect.TypeFor[any]())
				if want != nil {
					got = reflect.New(reflect.TypeOf(want))
				}
				err := ctx.Call("test", "m", params, got.Interface())
				if err != nil {
					if etext == "" || !strings.Contains(err.Error(), etext) {
						t.Fatalf("Call: got error %v, want %q", err, etext)
					}
					return
				} else if etext != "" {
					t.Fatalf("Call: got %v, want error %q", got.Elem(), etext)
				}
				if diff := cmp.Diff(got.Elem().Interface(), want); diff != "" {
					t.Errorf("Result (-got, +want):\n%s", diff)
				}
			})
		}
	}
	checkCall := func(t *testing.T, ctx *fan.Context) {
		t.Helper()
		call := handler.ContextCall(ctx)
		if call == nil {
			t.Error("Context does not contain call")
		} else if call.Service != "test" || call.Method != "m" {
			t.Errorf("Context call: got %s.%s, want test.m", call.Service, call.Method)
		}
	}

	t.Run("PRE", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input", "input-ok", "", handler.ParamResultError(
				func(ctx *fan.Context, s string) (string, error) {
					checkCall(t, ctx)
					return s + "-ok", nil
				},
			))
		})
		t.Run("StructNumber", func(t *testing.T) {
			check(t, point{X: 3, Y: 4}, 7, "", handler.ParamResultError(
				func(ctx *fan.Context, p point) (int, error) {
					checkCall(t, ctx)
					return p.X + p.Y, nil
				},
			))
		})
		t.Run("MapStruct", func(t *testing.T) {
			check(t, map[string]int{"x": 1, "y": 2}, point{X: 2, Y: 1}, "", handler.ParamResultError(
				func(ctx *fan.Context, p point) (point, error) {
					return point{X: p.Y, Y: p.X}, nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "input", nil, "bad robot", handler.ParamResultError(
				func(ctx *fan.Context, s string) (string, error) {
					checkCall(t, ctx)
					return "", errors.New("bad robot")
				},
			))
		})
		t.Run("BadParams", func(t *testing.T) {
			check(t, "not a point", nil, "cannot unmarshal", handler.ParamResultError(
				func(ctx *fan.Context, p point) (int, error) { return 0, nil },
			))
		})
	})

	t.Run("PR", func(t *testing.T) {
		check(t, []string{"a", "b"}, 2, "", handler.ParamResult(
			func(ctx *fan.Context, ss []string) int {
				checkCall(t, ctx)
				return len(ss)
			},
		))
	})

	t.Run("PE", func(t *testing.T) {
		t.Run("OK", func(t *testing.T) {
			check(t, "input", nil, "", handler.ParamError(
				func(ctx *fan.Context, s string) error {
					checkCall(t, ctx)
					return nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "input", nil, "input failed", handler.ParamError(
				func(ctx *fan.Context, s string) error { return errors.New(s + " failed") },
			))
		})
	})

	t.Run("RE", func(t *testing.T) {
		t.Run("OK", func(t *testing.T) {
			check(t, nil, "ok", "", handler.ResultError(
				func(ctx *fan.Context) (string, error) {
					checkCall(t, ctx)
					return "ok", nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, nil, nil, "no luck", handler.ResultError(
				func(ctx *fan.Context) (string, error) { return "", errors.New("no luck") },
			))
		})
	})

	t.Run("R", func(t *testing.T) {
		check(t, nil, true, "", handler.ResultOnly(
			func(ctx *fan.Context) bool {
				checkCall(t, ctx)
				return true
			},
		))
	})
}

func TestContextCall(t *testing.T) {
	if call := handler.ContextCall(context.Background()); call != nil {
		t.Errorf("ContextCall: got %v, want nil", call)
	}
}
