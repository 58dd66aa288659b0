// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package echo defines sample services used by tests and the fan command.
package echo

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/catalog"
	"github.com/creachadair/fan/handler"
)

// Service names.
const (
	RecursiveName = "dummy_tracer"
	ChainedName   = "chained_echo"
	SimpleName    = "simple_echo"
)

// Args are the parameters of the recursive echo method.
type Args struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Reply is the result of the recursive echo method.
type Reply struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Recursive is a service whose "echo" method calls itself through discovery
// until the count reaches zero.
type Recursive struct {
	started atomic.Bool
	stopped atomic.Bool
}

// NewRecursive constructs a new Recursive service.
func NewRecursive() fan.Service { return new(Recursive) }

// ServiceName implements a method of the fan.Service interface.
func (*Recursive) ServiceName() string { return RecursiveName }

// Methods implements a method of the fan.Service interface.
func (r *Recursive) Methods() []fan.MethodSpec {
	return []fan.MethodSpec{{Name: "echo", Method: handler.ParamResultError(r.echo)}}
}

// Start implements the fan.Starter interface.
func (r *Recursive) Start(context.Context) error { r.started.Store(true); return nil }

// Stop implements the fan.Stopper interface.
func (r *Recursive) Stop() error { r.stopped.Store(true); return nil }

// Started reports whether r has been started.
func (r *Recursive) Started() bool { return r.started.Load() }

// Stopped reports whether r has been stopped.
func (r *Recursive) Stopped() bool { return r.stopped.Load() }

func (r *Recursive) echo(ctx *fan.Context, a Args) (Reply, error) {
	if !r.Started() {
		return Reply{}, errors.New("service not started")
	}
	if a.Count <= 0 {
		return Reply{Word: a.Word}, nil
	}
	return fan.Invoke[Reply](ctx, RecursiveName, "echo", Args{Word: a.Word, Count: a.Count - 1})
}

// Chained is a service whose "echo" method passes its input through the
// recursive echo service and returns the result.
type Chained struct{}

// NewChained constructs a new Chained service.
func NewChained() fan.Service { return Chained{} }

// ServiceName implements a method of the fan.Service interface.
func (Chained) ServiceName() string { return ChainedName }

// Methods implements a method of the fan.Service interface.
func (c Chained) Methods() []fan.MethodSpec {
	return []fan.MethodSpec{{Name: "echo", Method: handler.ParamResultError(c.echo)}}
}

func (Chained) echo(ctx *fan.Context, s string) (string, error) {
	rsp, err := fan.Invoke[Reply](ctx, RecursiveName, "echo", Args{Word: s})
	if err != nil {
		return "", err
	}
	return rsp.Word, nil
}

// NewSimple constructs a service with an "echo" method that returns its
// input, a "fail" method that reports its input as an error, and a "methods"
// method that reports the encoded catalog of its methods.
func NewSimple() fan.Service {
	cat := catalog.New().
		Add("echo", handler.ParamResult(func(_ *fan.Context, s string) string { return s })).
		Add("fail", handler.ParamError(func(_ *fan.Context, s string) error { return errors.New(s) }))
	cat.Add("methods", cat.Handler)
	return catalog.Service(SimpleName, cat)
}
