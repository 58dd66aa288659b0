// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package kvstore implements a fan transport that exchanges requests and
// responses as records in a LevelDB key-value store.
//
// A calling endpoint writes each request under a fresh key and polls for the
// matching response. A serving endpoint polls for requests addressed to its
// service, dispatches them, and writes the responses back. Keys have the
// form:
//
//	<prefix>/svc/<service>             presence of a serving endpoint
//	<prefix>/req/<service>/<id>        a pending request
//	<prefix>/rsp/<id>                  the response to request <id>
//
// Params:
//
//	path     the database directory; empty selects an in-memory store
//	prefix   the key prefix (default "fan")
//	poll     the polling interval (default 2ms)
//	timeout  how long a caller waits for a response (default: no limit)
//	lease    how long a presence record lasts without a heartbeat (default 10s)
//
// A serving endpoint refreshes its presence record at intervals of a third of
// its lease. A record that has not been refreshed within the lease is stale:
// callers treat the service as absent, and a new server may take it over.
// This lets a server restart after a crash left its record behind. Calling
// and serving endpoints should agree on the lease.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/fan"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
)

// Kind is the conventional transport kind name for this package.
const Kind = "kvstore"

// DefaultPoll is the polling interval used when no "poll" param is set.
const DefaultPoll = 2 * time.Millisecond

// DefaultLease is the presence lease used when no "lease" param is set.
const DefaultLease = 10 * time.Second

// Stores manages the stores opened by the transports of one factory. Each
// distinct path is opened once and shared, so endpoints of one program using
// the same path see each other's records.
type Stores struct {
	μ  sync.Mutex
	db map[string]*Store
}

// NewStores constructs an empty set of stores.
func NewStores() *Stores { return &Stores{db: make(map[string]*Store)} }

// Open returns the store for path, opening it if necessary.
func (s *Stores) Open(path string) (*Store, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if st, ok := s.db[path]; ok {
		return st, nil
	}
	st, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	s.db[path] = st
	return st, nil
}

// Close closes all the stores opened by s.
func (s *Stores) Close() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	var errs []error
	for path, st := range s.db {
		errs = append(errs, st.Close())
		delete(s.db, path)
	}
	return errors.Join(errs...)
}

// Factory returns a transport factory whose transports use the stores of s.
func (s *Stores) Factory() fan.TransportFactory {
	return func(_ fan.Discovery, ep *fan.RemoteEndpoint, p fan.Params) (fan.Transport, error) {
		poll, err := p.Duration("poll", DefaultPoll)
		if err != nil {
			return nil, err
		} else if poll <= 0 {
			return nil, fmt.Errorf("invalid poll interval %v", poll)
		}
		timeout, err := p.Duration("timeout", 0)
		if err != nil {
			return nil, err
		}
		lease, err := p.Duration("lease", DefaultLease)
		if err != nil {
			return nil, err
		} else if lease <= 0 {
			return nil, fmt.Errorf("invalid lease %v", lease)
		}
		st, err := s.Open(p.Get("path", ""))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return &Transport{
			st:      st,
			ep:      ep,
			prefix:  p.Get("prefix", "fan"),
			poll:    poll,
			timeout: timeout,
			lease:   lease,
			owner:   uuid.NewString(),
		}, nil
	}
}

// Transport is a fan.Transport through a key-value store.
type Transport struct {
	st      *Store
	ep      *fan.RemoteEndpoint
	prefix  string
	poll    time.Duration
	timeout time.Duration
	lease   time.Duration
	owner   string // identifies the presence records of this transport

	μ     sync.Mutex
	tasks *taskgroup.Group
	stop  context.CancelFunc
}

func (t *Transport) svcKey(service string) string { return t.prefix + "/svc/" + service }
func (t *Transport) reqPrefix(service string) string {
	return t.prefix + "/req/" + service + "/"
}
func (t *Transport) rspKey(id string) string { return t.prefix + "/rsp/" + id }

// Start records the presence of a serving endpoint and begins polling for
// its requests. It does nothing for an endpoint that does not serve calls.
func (t *Transport) Start(context.Context) error {
	if !t.ep.Serving() {
		return nil
	}
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.tasks != nil {
		return errors.New("transport is already started")
	}
	if ok, err := t.st.claim(t.svcKey(t.ep.ServiceName()), t.owner, t.lease); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %q", fan.ErrDuplicateRegistration, t.ep.ServiceName())
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := taskgroup.New(nil)
	t.tasks, t.stop = g, cancel
	g.Go(func() error { t.serve(ctx, g); return nil })
	return nil
}

// Close stops polling for requests and withdraws the presence record of a
// serving endpoint. A store that is already closed is not an error.
func (t *Transport) Close() error {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.tasks == nil {
		return nil
	}
	t.stop()
	t.tasks.Wait()
	t.tasks, t.stop = nil, nil
	err := t.st.release(t.svcKey(t.ep.ServiceName()), t.owner)
	if errors.Is(err, leveldb.ErrClosed) {
		return nil
	}
	return err
}

// serve polls for requests and refreshes the presence record until ctx ends.
func (t *Transport) serve(ctx context.Context, g *taskgroup.Group) {
	log := t.ep.Logger()
	key := t.svcKey(t.ep.ServiceName())
	prefix := t.reqPrefix(t.ep.ServiceName())
	tick := time.NewTicker(t.poll)
	defer tick.Stop()
	beat := time.NewTicker(max(t.lease/3, time.Millisecond))
	defer beat.Stop()
	for {
		keys, err := t.st.scan(prefix)
		if err != nil {
			log.Error().Err(err).Msg("scan requests")
		}
		for _, key := range keys {
			req := new(fan.Request)
			if ok, err := t.st.take(key, req); err != nil {
				log.Error().Err(err).Str("key", key).Msg("read request")
				continue
			} else if !ok || !t.st.markServed(req.ID) {
				continue
			}
			g.Go(func() error {
				rsp := t.ep.Serve(ctx, req)
				if err := t.st.put(t.rspKey(req.ID), rsp); err != nil {
					log.Error().Err(err).Str("id", req.ID).Msg("write response")
				}
				return nil
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			if ok, err := t.st.claim(key, t.owner, t.lease); err != nil {
				log.Error().Err(err).Str("key", key).Msg("refresh presence")
			} else if !ok {
				log.Warn().Str("key", key).Msg("presence claimed by another server")
			}
		case <-tick.C:
		}
	}
}

// Call implements the fan.Transport interface.
func (t *Transport) Call(ctx *fan.Context, call *fan.Call) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok, err := t.st.present(t.svcKey(call.Service), t.lease); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("kvstore: %w: %q", fan.ErrServiceNotFound, call.Service)
	}
	req, err := fan.NewRequest(ctx, call)
	if err != nil {
		return nil, err
	}
	req.ID = uuid.NewString()
	reqKey := t.reqPrefix(call.Service) + req.ID
	if err := t.st.put(reqKey, req); err != nil {
		return nil, err
	}

	var expired <-chan time.Time
	if t.timeout > 0 {
		tm := time.NewTimer(t.timeout)
		defer tm.Stop()
		expired = tm.C
	}
	tick := time.NewTicker(t.poll)
	defer tick.Stop()
	for {
		var rsp fan.Response
		if ok, err := t.st.take(t.rspKey(req.ID), &rsp); err != nil {
			return nil, err
		} else if ok {
			return rsp.Value()
		}
		select {
		case <-ctx.Done():
			// Withdraw the request if it has not yet been picked up.
			// TODO(creachadair): Reclaim responses to requests that were
			// withdrawn after the server picked them up.
			t.st.remove(reqKey)
			return nil, ctx.Err()
		case <-expired:
			t.st.remove(reqKey)
			return nil, fmt.Errorf("kvstore: no response after %v: %w", t.timeout, context.DeadlineExceeded)
		case <-tick.C:
		}
	}
}
