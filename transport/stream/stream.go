// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package stream implements a fan transport that carries calls between peers
// over a TCP or Unix-domain socket, using the framing of the peer package.
//
// The "addr" parameter gives the address. An address of the form host:port
// selects TCP; otherwise it is taken as the path of a Unix-domain socket.
//
// A serving endpoint listens at its address when it starts, and serves each
// accepted connection with its own peer. A calling endpoint dials the address
// on its first call and multiplexes all its calls over that connection.
package stream

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/channel"
	"github.com/creachadair/fan/peer"
	"github.com/creachadair/fan/peers"
	"github.com/creachadair/taskgroup"
)

// Kind is the conventional transport kind name for this package.
const Kind = "stream"

// Factory constructs stream transports. It implements fan.TransportFactory.
func Factory(_ fan.Discovery, ep *fan.RemoteEndpoint, p fan.Params) (fan.Transport, error) {
	addr, err := p.Require("addr")
	if err != nil {
		return nil, err
	}
	network, addr := peers.SplitAddress(addr)
	return &Transport{ep: ep, network: network, addr: addr}, nil
}

// Transport is a fan.Transport over a stream socket.
type Transport struct {
	ep      *fan.RemoteEndpoint
	network string
	addr    string

	μ      sync.Mutex
	lst    net.Listener
	loop   *taskgroup.Single[error]
	stop   context.CancelFunc
	client *peer.Peer
}

// Addr reports the network and address of t. Once a serving transport has
// started, the address is the one actually bound by the listener.
func (t *Transport) Addr() (network, addr string) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.lst != nil {
		return t.network, t.lst.Addr().String()
	}
	return t.network, t.addr
}

// Start begins listening for connections if the endpoint of t serves calls.
func (t *Transport) Start(ctx context.Context) error {
	if !t.ep.Serving() {
		return nil
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.lst != nil {
		return fmt.Errorf("stream %q is already listening", t.addr)
	}
	lst, err := net.Listen(t.network, t.addr)
	if err != nil {
		return err
	}
	log := t.ep.Logger()
	lctx, cancel := context.WithCancel(context.Background())
	t.lst, t.stop = lst, cancel
	t.loop = taskgroup.Go(func() error {
		return peers.Loop(lctx, peers.NetAccepter(lst), func() *peer.Peer {
			return peer.NewPeer().Serve(t.ep.Serve)
		})
	})
	log.Info().Str("addr", lst.Addr().String()).Msg("stream listening")
	return nil
}

// Close stops the listener and the client connection of t, if any.
func (t *Transport) Close() error {
	t.μ.Lock()
	defer t.μ.Unlock()
	var err error
	if t.client != nil {
		err = t.client.Stop()
		t.client = nil
	}
	if t.lst != nil {
		t.stop()
		t.lst.Close()
		if lerr := t.loop.Wait(); err == nil {
			err = lerr
		}
		t.lst, t.loop, t.stop = nil, nil, nil
	}
	return err
}

// Call implements the fan.Transport interface.
func (t *Transport) Call(ctx *fan.Context, call *fan.Call) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := t.peer(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", fan.ErrServiceNotFound, call.Service, err)
	}
	req, err := fan.NewRequest(ctx, call)
	if err != nil {
		return nil, err
	}
	rsp, err := p.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	return rsp.Value()
}

// peer returns a running client peer, dialing a new connection if needed.
func (t *Transport) peer(ctx context.Context) (*peer.Peer, error) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.client != nil {
		if t.client.Running() {
			return t.client, nil
		}
		t.client.Wait()
		t.client = nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, t.network, t.addr)
	if err != nil {
		return nil, err
	}
	t.client = peer.NewPeer().Start(channel.Conn(conn))
	return t.client, nil
}
