// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the fan.Method type for functions
// with other signatures.
//
// Parameters are decoded with fan.Call.Decode, so a parameter type may be any
// type that the caller's value can be assigned or JSON-encoded into. Results
// are returned as-is and encoded by the transport, if any.
package handler

import (
	"context"

	"github.com/creachadair/fan"
)

// callContextKey is a context key for the call value to a handler.
type callContextKey struct{}

// ContextCall returns the original call passed to the handler, or nil if ctx
// has no associated call. The context passed to a handler returned by this
// package will have this value.
func ContextCall(ctx context.Context) *fan.Call {
	if v := ctx.Value(callContextKey{}); v != nil {
		return v.(*fan.Call)
	}
	return nil
}

func withCall(ctx *fan.Context, call *fan.Call) *fan.Context {
	return ctx.WithContext(context.WithValue(ctx.Context, callContextKey{}, call))
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a fan.Method.
func ParamResultError[P, R any](f func(*fan.Context, P) (R, error)) fan.Method {
	return func(ctx *fan.Context, call *fan.Call) (any, error) {
		var p P
		if err := call.Decode(&p); err != nil {
			return nil, err
		}
		r, err := f(withCall(ctx, call), p)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a fan.Method.
func ParamResult[P, R any](f func(*fan.Context, P) R) fan.Method {
	return func(ctx *fan.Context, call *fan.Call) (any, error) {
		var p P
		if err := call.Decode(&p); err != nil {
			return nil, err
		}
		return f(withCall(ctx, call), p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a fan.Method.
func ParamError[P any](f func(*fan.Context, P) error) fan.Method {
	return func(ctx *fan.Context, call *fan.Call) (any, error) {
		var p P
		if err := call.Decode(&p); err != nil {
			return nil, err
		}
		return nil, f(withCall(ctx, call), p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a fan.Method.
func ResultError[R any](f func(*fan.Context) (R, error)) fan.Method {
	return func(ctx *fan.Context, call *fan.Call) (any, error) {
		r, err := f(withCall(ctx, call))
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to a fan.Method.
func ResultOnly[R any](f func(*fan.Context) R) fan.Method {
	return func(ctx *fan.Context, call *fan.Call) (any, error) {
		return f(withCall(ctx, call)), nil
	}
}
