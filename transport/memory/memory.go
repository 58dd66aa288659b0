// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package memory implements a fan transport that exchanges encoded requests
// and responses through in-memory buffers.
//
// Endpoints reach each other through a shared [Hub], which must be passed to
// every process that should communicate:
//
//	hub := memory.NewHub()
//	ts := fan.Transports{memory.Kind: hub.Factory()}
//
// Each endpoint attaches to a bucket of the hub, named by the "bucket"
// parameter (default "default"). A call reaches the serving endpoint attached
// to the same bucket under the target service name.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/creachadair/fan"
)

// Kind is the conventional transport kind name for this package.
const Kind = "memory"

// DefaultBucket is the bucket used when no "bucket" param is set.
const DefaultBucket = "default"

// A Hub is a shared registry of serving endpoints. A Hub is safe for
// concurrent use by multiple goroutines.
type Hub struct {
	μ   sync.RWMutex
	eps map[hubKey]*fan.RemoteEndpoint
}

type hubKey struct{ bucket, service string }

// NewHub constructs an empty hub.
func NewHub() *Hub { return &Hub{eps: make(map[hubKey]*fan.RemoteEndpoint)} }

// Factory returns a transport factory that attaches endpoints to h.
func (h *Hub) Factory() fan.TransportFactory {
	return func(_ fan.Discovery, ep *fan.RemoteEndpoint, p fan.Params) (fan.Transport, error) {
		return &Transport{hub: h, ep: ep, bucket: p.Get("bucket", DefaultBucket)}, nil
	}
}

// Len reports the number of endpoints attached to h.
func (h *Hub) Len() int {
	h.μ.RLock()
	defer h.μ.RUnlock()
	return len(h.eps)
}

func (h *Hub) attach(bucket string, ep *fan.RemoteEndpoint) error {
	h.μ.Lock()
	defer h.μ.Unlock()
	key := hubKey{bucket, ep.ServiceName()}
	if _, ok := h.eps[key]; ok {
		return fmt.Errorf("bucket %q: %w: %q", bucket, fan.ErrDuplicateRegistration, ep.ServiceName())
	}
	h.eps[key] = ep
	return nil
}

func (h *Hub) detach(bucket string, ep *fan.RemoteEndpoint) {
	h.μ.Lock()
	defer h.μ.Unlock()
	key := hubKey{bucket, ep.ServiceName()}
	if h.eps[key] == ep {
		delete(h.eps, key)
	}
}

func (h *Hub) lookup(bucket, service string) *fan.RemoteEndpoint {
	h.μ.RLock()
	defer h.μ.RUnlock()
	return h.eps[hubKey{bucket, service}]
}

// Transport is a fan.Transport that delivers calls through a Hub.
type Transport struct {
	hub    *Hub
	ep     *fan.RemoteEndpoint
	bucket string
}

// Bucket reports the bucket name of t.
func (t *Transport) Bucket() string { return t.bucket }

// Start attaches a serving endpoint to its bucket. It does nothing for an
// endpoint that does not serve calls.
func (t *Transport) Start(context.Context) error {
	if !t.ep.Serving() {
		return nil
	}
	return t.hub.attach(t.bucket, t.ep)
}

// Close detaches the endpoint of t from its bucket.
func (t *Transport) Close() error {
	t.hub.detach(t.bucket, t.ep)
	return nil
}

// Call implements the fan.Transport interface. The request and response are
// each encoded into a buffer and decoded on the other side, so the callee
// sees the same data it would receive from an external transport.
func (t *Transport) Call(ctx *fan.Context, call *fan.Call) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := t.hub.lookup(t.bucket, call.Service)
	if target == nil {
		return nil, fmt.Errorf("bucket %q: %w: %q", t.bucket, fan.ErrServiceNotFound, call.Service)
	}
	req, err := fan.NewRequest(ctx, call)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	var in fan.Request
	if err := transfer(&buf, req, &in); err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	rsp := target.Serve(ctx, &in)

	var out fan.Response
	if err := transfer(&buf, rsp, &out); err != nil {
		return nil, fmt.Errorf("response: %w", err)
	}
	return out.Value()
}

// transfer encodes src into buf and decodes the result into dst.
func transfer(buf *bytes.Buffer, src, dst any) error {
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(src); err != nil {
		return err
	}
	return json.NewDecoder(buf).Decode(dst)
}
