// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package natsrpc implements a fan transport using NATS request-reply.
//
// Params:
//
//	url      the NATS server URL (default nats.DefaultURL)
//	subject  the subject requests are published to (default "fan.<service>")
//	queue    the queue group of serving endpoints (default "fan")
//
// Serving endpoints subscribe to the subject as members of the queue group,
// so several processes may serve the same service and each request is
// delivered to only one of them.
package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/fan"
	"github.com/creachadair/taskgroup"
	"github.com/nats-io/nats.go"
)

// Kind is the conventional transport kind name for this package.
const Kind = "nats"

// Factory constructs NATS transports. It implements fan.TransportFactory.
func Factory(_ fan.Discovery, ep *fan.RemoteEndpoint, p fan.Params) (fan.Transport, error) {
	return &Transport{
		ep:      ep,
		url:     p.Get("url", nats.DefaultURL),
		subject: p.Get("subject", "fan."+ep.ServiceName()),
		queue:   p.Get("queue", "fan"),
	}, nil
}

// Transport is a fan.Transport over NATS.
type Transport struct {
	ep      *fan.RemoteEndpoint
	url     string
	subject string
	queue   string

	μ     sync.Mutex
	nc    *nats.Conn
	sub   *nats.Subscription
	tasks *taskgroup.Group
	stop  context.CancelFunc
}

// Subject reports the subject t publishes or subscribes to.
func (t *Transport) Subject() string { return t.subject }

// connLocked returns the connection of t, connecting if necessary.
func (t *Transport) connLocked() (*nats.Conn, error) {
	if t.nc == nil || t.nc.IsClosed() {
		nc, err := nats.Connect(t.url, nats.Name("fan:"+t.ep.ServiceName()))
		if err != nil {
			return nil, err
		}
		t.nc = nc
	}
	return t.nc, nil
}

// Start subscribes to the request subject, if the endpoint of t serves calls.
func (t *Transport) Start(context.Context) error {
	if !t.ep.Serving() {
		return nil
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.sub != nil {
		return fmt.Errorf("nats %q is already subscribed", t.subject)
	}
	nc, err := t.connLocked()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := taskgroup.New(nil)
	log := t.ep.Logger()
	sub, err := nc.QueueSubscribe(t.subject, t.queue, func(msg *nats.Msg) {
		req := new(fan.Request)
		if err := json.Unmarshal(msg.Data, req); err != nil {
			log.Error().Err(err).Msg("invalid request")
			respond(msg, fan.ErrorResponse("", fmt.Errorf("invalid request: %w", err)))
			return
		}
		g.Go(func() error {
			respond(msg, t.ep.Serve(ctx, req))
			return nil
		})
	})
	if err != nil {
		cancel()
		return err
	}
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		cancel()
		return err
	}
	t.sub, t.tasks, t.stop = sub, g, cancel
	log.Info().Str("subject", t.subject).Str("queue", t.queue).Msg("nats subscribed")
	return nil
}

func respond(msg *nats.Msg, rsp *fan.Response) {
	data, err := json.Marshal(rsp)
	if err != nil {
		data, _ = json.Marshal(fan.ErrorResponse(rsp.ID, err))
	}
	msg.Respond(data)
}

// Close unsubscribes, waits for calls in progress, and closes the connection
// of t.
func (t *Transport) Close() error {
	t.μ.Lock()
	defer t.μ.Unlock()
	var err error
	if t.sub != nil {
		err = t.sub.Unsubscribe()
		t.stop()
		t.tasks.Wait()
		t.sub, t.tasks, t.stop = nil, nil, nil
	}
	if t.nc != nil {
		t.nc.Close()
		t.nc = nil
	}
	return err
}

// Call implements the fan.Transport interface.
func (t *Transport) Call(ctx *fan.Context, call *fan.Call) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.μ.Lock()
	nc, err := t.connLocked()
	t.μ.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", fan.ErrServiceNotFound, call.Service, err)
	}
	req, err := fan.NewRequest(ctx, call)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	msg, err := nc.RequestWithContext(ctx, t.subject, data)
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, fmt.Errorf("subject %q: %w: %q", t.subject, fan.ErrServiceNotFound, call.Service)
	} else if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	var rsp fan.Response
	if err := json.Unmarshal(msg.Data, &rsp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return rsp.Value()
}
