// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package grpcwire_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/fantest"
	"github.com/creachadair/fan/internal/echo"
	"github.com/creachadair/fan/transport/grpcwire"
)

var _ grpcwire.Server = (*fan.RemoteEndpoint)(nil)

func TestTransport(t *testing.T) {
	fantest.TransportTest{
		Factory: grpcwire.Factory,
		Serve:   func(string) fan.Params { return fan.Params{"addr": "127.0.0.1:0"} },
		Call: func(ep *fan.RemoteEndpoint) fan.Params {
			return fan.Params{"addr": ep.Transport().(*grpcwire.Transport).Addr()}
		},
	}.Run(t)
}

func TestMissingAddr(t *testing.T) {
	_, err := fan.NewRemoteEndpoint(nil, echo.NewSimple(), nil, fan.WithTransport(grpcwire.Factory))
	if err == nil {
		t.Error("NewRemoteEndpoint without addr: got nil, want error")
	}
}

func TestUnavailable(t *testing.T) {
	// Reserve an address and release it, so nothing is listening there.
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := lst.Addr().String()
	lst.Close()

	ep, err := fan.NewRemoteEndpoint(nil, nil, fan.Params{"addr": addr},
		fan.WithName(echo.SimpleName), fan.WithTransport(grpcwire.Factory))
	if err != nil {
		t.Fatalf("NewRemoteEndpoint: %v", err)
	}
	defer ep.Close()

	d := fan.NewLocalDiscovery()
	d.Register(ep)
	err = fan.NewContext(context.Background(), d).Call(echo.SimpleName, "echo", "x", nil)
	if !errors.Is(err, fan.ErrServiceNotFound) {
		t.Errorf("Call: got %v, want %v", err, fan.ErrServiceNotFound)
	}
}
