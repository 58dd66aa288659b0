// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package grpcwire implements a fan transport over gRPC.
//
// Requests and responses are carried as JSON by a custom codec, through a
// single unary method "/fan.Transport/Call", so no generated code is needed.
// The "addr" parameter gives the address a serving endpoint listens on, or
// the address a calling endpoint dials.
package grpcwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/fan"
	"github.com/creachadair/taskgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Kind is the conventional transport kind name for this package.
const Kind = "grpc"

const callMethod = "/fan.Transport/Call"

// codec is a gRPC codec that encodes messages as JSON.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (codec) Name() string                       { return "fan-json" }

// A Server handles requests delivered by the transport. A serving
// *fan.RemoteEndpoint is a Server.
type Server interface {
	Serve(ctx context.Context, req *fan.Request) *fan.Response
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "fan.Transport",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Call",
		Handler:    callHandler,
	}},
	Metadata: "fan/transport",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, intercept grpc.UnaryServerInterceptor) (any, error) {
	req := new(fan.Request)
	if err := dec(req); err != nil {
		return nil, err
	}
	if intercept == nil {
		return srv.(Server).Serve(ctx, req), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	return intercept(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Serve(ctx, req.(*fan.Request)), nil
	})
}

// Factory constructs gRPC transports. It implements fan.TransportFactory.
func Factory(_ fan.Discovery, ep *fan.RemoteEndpoint, p fan.Params) (fan.Transport, error) {
	addr, err := p.Require("addr")
	if err != nil {
		return nil, err
	}
	return &Transport{ep: ep, addr: addr}, nil
}

// Transport is a fan.Transport over gRPC.
type Transport struct {
	ep   *fan.RemoteEndpoint
	addr string

	μ      sync.Mutex
	lst    net.Listener
	srv    *grpc.Server
	serve  *taskgroup.Single[error]
	client *grpc.ClientConn
}

// Addr reports the address of t. Once a serving transport has started, this
// is the address actually bound by its listener.
func (t *Transport) Addr() string {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.lst != nil {
		return t.lst.Addr().String()
	}
	return t.addr
}

// Start starts a gRPC server for the endpoint of t, if it serves calls.
func (t *Transport) Start(context.Context) error {
	if !t.ep.Serving() {
		return nil
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.srv != nil {
		return fmt.Errorf("grpc %q is already serving", t.addr)
	}
	lst, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	srv := grpc.NewServer(grpc.ForceServerCodec(codec{}))
	srv.RegisterService(&serviceDesc, t.ep)
	t.lst, t.srv = lst, srv
	t.serve = taskgroup.Go(func() error { return srv.Serve(lst) })
	t.ep.Logger().Info().Str("addr", lst.Addr().String()).Msg("grpc serving")
	return nil
}

// Close stops the server and the client connection of t, if any.
func (t *Transport) Close() error {
	t.μ.Lock()
	defer t.μ.Unlock()
	var errs []error
	if t.client != nil {
		errs = append(errs, t.client.Close())
		t.client = nil
	}
	if t.srv != nil {
		t.srv.Stop()
		if err := t.serve.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errs = append(errs, err)
		}
		t.lst, t.srv, t.serve = nil, nil, nil
	}
	return errors.Join(errs...)
}

func (t *Transport) conn() (*grpc.ClientConn, error) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.client == nil {
		cc, err := grpc.NewClient(t.addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
		)
		if err != nil {
			return nil, err
		}
		t.client = cc
	}
	return t.client, nil
}

// Call implements the fan.Transport interface.
func (t *Transport) Call(ctx *fan.Context, call *fan.Call) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cc, err := t.conn()
	if err != nil {
		return nil, err
	}
	req, err := fan.NewRequest(ctx, call)
	if err != nil {
		return nil, err
	}
	rsp := new(fan.Response)
	if err := cc.Invoke(ctx, callMethod, req, rsp); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		switch status.Code(err) {
		case codes.Unavailable:
			return nil, fmt.Errorf("%w: %q: %w", fan.ErrServiceNotFound, call.Service, err)
		case codes.Canceled:
			return nil, fmt.Errorf("%w: %w", context.Canceled, err)
		}
		return nil, err
	}
	return rsp.Value()
}
