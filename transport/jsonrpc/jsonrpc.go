// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package jsonrpc implements a fan transport using JSON-RPC 2.0 over HTTP.
//
// A serving endpoint runs an HTTP server that exposes the method "fan.Call"
// at the path given by the "path" parameter (default "/rpc"). The "addr"
// parameter gives the listen address of a serving endpoint, or the host:port
// a calling endpoint posts to.
package jsonrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/fan"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

// Kind is the conventional transport kind name for this package.
const Kind = "jsonrpc"

// DefaultPath is the HTTP path used when no "path" param is set.
const DefaultPath = "/rpc"

// callMethod is the JSON-RPC method name that carries fan requests.
const callMethod = "fan.Call"

// Factory constructs JSON-RPC transports. It implements fan.TransportFactory.
func Factory(_ fan.Discovery, ep *fan.RemoteEndpoint, p fan.Params) (fan.Transport, error) {
	addr, err := p.Require("addr")
	if err != nil {
		return nil, err
	}
	return &Transport{
		ep:     ep,
		addr:   addr,
		path:   p.Get("path", DefaultPath),
		client: new(http.Client),
	}, nil
}

// rpcService is the receiver registered with the JSON-RPC server.
type rpcService struct{ ep *fan.RemoteEndpoint }

// Call delivers a request to the endpoint. Errors reported by the endpoint
// are carried in the response, not as JSON-RPC errors.
func (s rpcService) Call(r *http.Request, req *fan.Request, rsp *fan.Response) error {
	*rsp = *s.ep.Serve(r.Context(), req)
	return nil
}

// Transport is a fan.Transport over HTTP.
type Transport struct {
	ep     *fan.RemoteEndpoint
	addr   string
	path   string
	client *http.Client

	μ     sync.Mutex
	lst   net.Listener
	srv   *http.Server
	serve *taskgroup.Single[error]
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

// URL reports the URL a caller posts requests to.
func (t *Transport) URL() string { return "http://" + t.Addr() + t.path }

// Start starts an HTTP server for the endpoint of t, if it serves calls.
func (t *Transport) Start(context.Context) error {
	if !t.ep.Serving() {
		return nil
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.srv != nil {
		return fmt.Errorf("jsonrpc %q is already serving", t.addr)
	}
	rs := rpc.NewServer()
	rs.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rs.RegisterService(rpcService{ep: t.ep}, "fan"); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(t.path, rs)

	lst, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux}
	t.lst, t.srv = lst, srv
	t.serve = taskgroup.Go(func() error { return srv.Serve(lst) })
	t.ep.Logger().Info().Str("addr", lst.Addr().String()).Str("path", t.path).Msg("jsonrpc serving")
	return nil
}

// Close shuts down the HTTP server of t, if any.
func (t *Transport) Close() error {
	t.μ.Lock()
	defer t.μ.Unlock()
	t.client.CloseIdleConnections()
	if t.srv == nil {
		return nil
	}
	err := t.srv.Close()
	if serr := t.serve.Wait(); !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Join(err, serr)
	}
	t.lst, t.srv, t.serve = nil, nil, nil
	return err
}

// Call implements the fan.Transport interface.
func (t *Transport) Call(ctx *fan.Context, call *fan.Call) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req, err := fan.NewRequest(ctx, call)
	if err != nil {
		return nil, err
	}
	body, err := json2.EncodeClientRequest(callMethod, req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	hrsp, err := t.client.Do(hreq)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		var oerr *net.OpError
		if errors.As(err, &oerr) && oerr.Op == "dial" {
			return nil, fmt.Errorf("%w: %q: %w", fan.ErrServiceNotFound, call.Service, err)
		}
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, hrsp.Body)
		hrsp.Body.Close()
	}()
	if hrsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jsonrpc: HTTP status %s", hrsp.Status)
	}
	var rsp fan.Response
	if err := json2.DecodeClientResponse(hrsp.Body, &rsp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return rsp.Value()
}
