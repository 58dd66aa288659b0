// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan

import (
	"errors"
	"fmt"
	"sync"
)

// A Discovery resolves service names to endpoints.
type Discovery interface {
	// Register makes ep discoverable by its service name.
	Register(ep Endpoint) error

	// FindLocal returns an endpoint for name that can be invoked in this
	// process, or an error wrapping ErrServiceNotFound.
	FindLocal(name string) (Endpoint, error)

	// FindRemote returns an endpoint for name reachable through a transport,
	// or an error wrapping ErrServiceNotFound.
	FindRemote(name string) (*RemoteEndpoint, error)
}

// A Publisher is a discovery source that makes serving remote endpoints
// visible outside the process that registered them.
type Publisher interface {
	Publish(ep *RemoteEndpoint) error

	// Withdraw removes ep if it is the endpoint published under its name,
	// and reports whether it was removed.
	Withdraw(ep *RemoteEndpoint) bool
}

// An Unregisterer is a discovery source that can remove registrations.
type Unregisterer interface {
	Unregister(name string) bool
}

// LocalDiscovery is an in-process registry of endpoints. A LocalDiscovery is
// safe for concurrent use by multiple goroutines.
type LocalDiscovery struct {
	μ      sync.RWMutex
	local  map[string]Endpoint
	remote map[string]*RemoteEndpoint
}

// NewLocalDiscovery constructs an empty local discovery.
func NewLocalDiscovery() *LocalDiscovery {
	return &LocalDiscovery{
		local:  make(map[string]Endpoint),
		remote: make(map[string]*RemoteEndpoint),
	}
}

// Register implements a method of the [Discovery] interface. Local endpoints
// and serving remote endpoints are resolved by FindLocal; remote endpoints
// are resolved by FindRemote.
func (d *LocalDiscovery) Register(ep Endpoint) error {
	name := ep.ServiceName()
	d.μ.Lock()
	defer d.μ.Unlock()
	if _, ok := d.local[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateRegistration, name)
	} else if _, ok := d.remote[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateRegistration, name)
	}
	switch t := ep.(type) {
	case *RemoteEndpoint:
		d.remote[name] = t
		if t.Serving() {
			d.local[name] = t
		}
	default:
		d.local[name] = ep
	}
	return nil
}

// Unregister removes the registration for name, if any, and reports whether
// it was present.
func (d *LocalDiscovery) Unregister(name string) bool {
	d.μ.Lock()
	defer d.μ.Unlock()
	_, lok := d.local[name]
	_, rok := d.remote[name]
	delete(d.local, name)
	delete(d.remote, name)
	return lok || rok
}

// FindLocal implements a method of the [Discovery] interface.
func (d *LocalDiscovery) FindLocal(name string) (Endpoint, error) {
	d.μ.RLock()
	defer d.μ.RUnlock()
	if ep, ok := d.local[name]; ok {
		return ep, nil
	}
	return nil, notFound(name)
}

// FindRemote implements a method of the [Discovery] interface.
func (d *LocalDiscovery) FindRemote(name string) (*RemoteEndpoint, error) {
	d.μ.RLock()
	defer d.μ.RUnlock()
	if ep, ok := d.remote[name]; ok {
		return ep, nil
	}
	return nil, notFound(name)
}

// Names returns the registered service names in unspecified order.
func (d *LocalDiscovery) Names() []string {
	d.μ.RLock()
	defer d.μ.RUnlock()
	var out []string
	for name := range d.local {
		out = append(out, name)
	}
	for name := range d.remote {
		if _, ok := d.local[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// PublicDiscovery is a registry of serving remote endpoints shared by several
// processes. It stands in for an external discovery service: processes that
// compose the same PublicDiscovery can reach each other's published
// endpoints, but never each other's local endpoints.
type PublicDiscovery struct {
	μ   sync.RWMutex
	eps map[string]*RemoteEndpoint
}

// NewPublicDiscovery constructs an empty public discovery.
func NewPublicDiscovery() *PublicDiscovery {
	return &PublicDiscovery{eps: make(map[string]*RemoteEndpoint)}
}

// Publish implements the [Publisher] interface.
func (d *PublicDiscovery) Publish(ep *RemoteEndpoint) error {
	name := ep.ServiceName()
	d.μ.Lock()
	defer d.μ.Unlock()
	if _, ok := d.eps[name]; ok {
		return fmt.Errorf("publish: %w: %q", ErrDuplicateRegistration, name)
	}
	d.eps[name] = ep
	return nil
}

// Unregister removes the published endpoint for name, if any, and reports
// whether it was present.
func (d *PublicDiscovery) Unregister(name string) bool {
	d.μ.Lock()
	defer d.μ.Unlock()
	_, ok := d.eps[name]
	delete(d.eps, name)
	return ok
}

// Withdraw implements the [Publisher] interface.
func (d *PublicDiscovery) Withdraw(ep *RemoteEndpoint) bool {
	d.μ.Lock()
	defer d.μ.Unlock()
	name := ep.ServiceName()
	if d.eps[name] != ep {
		return false
	}
	delete(d.eps, name)
	return true
}

// Register implements a method of the [Discovery] interface. It always
// reports ErrStaticDiscovery; use Publish.
func (d *PublicDiscovery) Register(ep Endpoint) error {
	return fmt.Errorf("register %q: %w", ep.ServiceName(), ErrStaticDiscovery)
}

// FindLocal implements a method of the [Discovery] interface. A public
// discovery has no local endpoints.
func (d *PublicDiscovery) FindLocal(name string) (Endpoint, error) { return nil, notFound(name) }

// FindRemote implements a method of the [Discovery] interface.
func (d *PublicDiscovery) FindRemote(name string) (*RemoteEndpoint, error) {
	d.μ.RLock()
	defer d.μ.RUnlock()
	if ep, ok := d.eps[name]; ok {
		return ep, nil
	}
	return nil, notFound(name)
}

// CompositeDiscovery consults an ordered list of discovery sources. The first
// source that resolves a name wins; sources reporting ErrServiceNotFound are
// skipped.
type CompositeDiscovery struct {
	sources []Discovery

	μ         sync.Mutex
	published map[string]*RemoteEndpoint
}

// NewCompositeDiscovery constructs a composite of the given sources, which
// are consulted in order.
func NewCompositeDiscovery(sources ...Discovery) *CompositeDiscovery {
	return &CompositeDiscovery{sources: sources, published: make(map[string]*RemoteEndpoint)}
}

// Sources returns the sources of d in lookup order.
func (d *CompositeDiscovery) Sources() []Discovery { return d.sources }

// Register implements a method of the [Discovery] interface. The endpoint is
// registered with the first source that accepts registrations. A serving
// remote endpoint is additionally published to each source that implements
// the Publisher interface. If publication fails, the registration is undone.
func (d *CompositeDiscovery) Register(ep Endpoint) error {
	var owner Discovery
	for _, src := range d.sources {
		err := src.Register(ep)
		if err == nil {
			owner = src
			break
		} else if !errors.Is(err, ErrStaticDiscovery) {
			return err
		}
	}
	registered := owner != nil
	if rep, ok := ep.(*RemoteEndpoint); ok && rep.Serving() {
		var done []Publisher
		for _, src := range d.sources {
			p, ok := src.(Publisher)
			if !ok {
				continue
			}
			if err := p.Publish(rep); err != nil {
				for _, q := range done {
					q.Withdraw(rep)
				}
				if u, ok := owner.(Unregisterer); ok {
					u.Unregister(rep.ServiceName())
				}
				return err
			}
			done = append(done, p)
		}
		if len(done) != 0 {
			registered = true
			d.μ.Lock()
			d.published[rep.ServiceName()] = rep
			d.μ.Unlock()
		}
	}
	if !registered {
		return fmt.Errorf("register %q: %w", ep.ServiceName(), ErrStaticDiscovery)
	}
	return nil
}

// FindLocal implements a method of the [Discovery] interface.
func (d *CompositeDiscovery) FindLocal(name string) (Endpoint, error) {
	for _, src := range d.sources {
		ep, err := src.FindLocal(name)
		if err == nil {
			return ep, nil
		} else if !errors.Is(err, ErrServiceNotFound) {
			return nil, err
		}
	}
	return nil, notFound(name)
}

// FindRemote implements a method of the [Discovery] interface.
func (d *CompositeDiscovery) FindRemote(name string) (*RemoteEndpoint, error) {
	for _, src := range d.sources {
		ep, err := src.FindRemote(name)
		if err == nil {
			return ep, nil
		} else if !errors.Is(err, ErrServiceNotFound) {
			return nil, err
		}
	}
	return nil, notFound(name)
}

// Unregister removes name from every source of d that supports removal, and
// reports whether any of them had a registration for it. Publishers only
// lose endpoints that were published through d.
func (d *CompositeDiscovery) Unregister(name string) bool {
	d.μ.Lock()
	rep := d.published[name]
	delete(d.published, name)
	d.μ.Unlock()

	var found bool
	for _, src := range d.sources {
		if p, ok := src.(Publisher); ok {
			if rep != nil && p.Withdraw(rep) {
				found = true
			}
		} else if u, ok := src.(Unregisterer); ok && u.Unregister(name) {
			found = true
		}
	}
	return found
}
