// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/naoina/toml"
	"github.com/rs/zerolog"
)

// A Connection describes one transport binding in a discovery config.
type Connection struct {
	Name      string            `toml:"connection"`
	Transport string            `toml:"transport"`
	Params    map[string]string `toml:"params"`
}

// Config is the static configuration of a DictDiscovery.
//
// Each service resolves to the connection named by Services; a service with
// no entry resolves to the first connection listed.
type Config struct {
	Connections []Connection      `toml:"connections"`
	Services    map[string]string `toml:"services"`
}

// ParseConfig decodes a TOML discovery configuration from r.
func ParseConfig(r io.Reader) (*Config, error) {
	var cfg Config
	if err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a TOML discovery configuration from the named file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) check() error {
	seen := make(map[string]bool)
	for i, conn := range c.Connections {
		if conn.Name == "" {
			return fmt.Errorf("connection %d has no name", i+1)
		} else if conn.Transport == "" {
			return fmt.Errorf("connection %q has no transport", conn.Name)
		} else if seen[conn.Name] {
			return fmt.Errorf("duplicate connection %q", conn.Name)
		}
		seen[conn.Name] = true
	}
	for svc, conn := range c.Services {
		if !seen[conn] {
			return fmt.Errorf("service %q refers to unknown connection %q", svc, conn)
		}
	}
	return nil
}

// Connection returns the connection used to reach the named service.
func (c *Config) Connection(service string) (Connection, bool) {
	if len(c.Connections) == 0 {
		return Connection{}, false
	}
	name, ok := c.Services[service]
	if !ok {
		return c.Connections[0], true
	}
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return Connection{}, false
}

// DictDiscovery resolves remote endpoints from a static configuration. The
// calling-side endpoint for each service is constructed on first use and
// reused for subsequent lookups. A DictDiscovery does not accept
// registrations and has no local endpoints.
type DictDiscovery struct {
	cfg   *Config
	ts    Transports
	owner Discovery // the scope passed to transport factories
	log   zerolog.Logger

	μ     sync.Mutex
	cache map[string]*RemoteEndpoint
}

// A DictOption configures a DictDiscovery.
type DictOption func(*DictDiscovery)

// WithOwner sets the discovery scope passed to the transport factories of
// the endpoints d constructs. By default it is d itself.
func WithOwner(owner Discovery) DictOption { return func(d *DictDiscovery) { d.owner = owner } }

// WithDictLogger sets the logger of d.
func WithDictLogger(log zerolog.Logger) DictOption { return func(d *DictDiscovery) { d.log = log } }

// NewDictDiscovery constructs a discovery from cfg, using ts to construct
// transports. It reports an error if cfg names a transport kind that is not
// defined by ts.
func NewDictDiscovery(cfg *Config, ts Transports, opts ...DictOption) (*DictDiscovery, error) {
	if cfg == nil {
		return nil, errors.New("nil discovery config")
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	for _, conn := range cfg.Connections {
		if _, err := ts.Lookup(conn.Transport); err != nil {
			return nil, fmt.Errorf("connection %q: %w", conn.Name, err)
		}
	}
	d := &DictDiscovery{
		cfg:   cfg,
		ts:    ts,
		log:   zerolog.Nop(),
		cache: make(map[string]*RemoteEndpoint),
	}
	d.owner = d
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the configuration of d.
func (d *DictDiscovery) Config() *Config { return d.cfg }

// Register implements a method of the [Discovery] interface. It always
// reports ErrStaticDiscovery.
func (d *DictDiscovery) Register(ep Endpoint) error {
	return fmt.Errorf("register %q: %w", ep.ServiceName(), ErrStaticDiscovery)
}

// FindLocal implements a method of the [Discovery] interface. A dictionary
// discovery has no local endpoints.
func (d *DictDiscovery) FindLocal(name string) (Endpoint, error) { return nil, notFound(name) }

// FindRemote implements a method of the [Discovery] interface.
func (d *DictDiscovery) FindRemote(name string) (*RemoteEndpoint, error) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if ep, ok := d.cache[name]; ok {
		return ep, nil
	}
	conn, ok := d.cfg.Connection(name)
	if !ok {
		return nil, notFound(name)
	}
	f, err := d.ts.Lookup(conn.Transport)
	if err != nil {
		return nil, err
	}
	ep, err := NewRemoteEndpoint(d.owner, nil, Params(conn.Params),
		WithName(name),
		WithTransport(f),
		WithEndpointLogger(d.log),
	)
	if err != nil {
		return nil, err
	}
	d.log.Debug().Str("service", name).Str("connection", conn.Name).
		Str("transport", conn.Transport).Msg("endpoint created")
	d.cache[name] = ep
	return ep, nil
}

// CachedEndpoints returns the endpoints constructed by d so far, keyed by
// service name.
func (d *DictDiscovery) CachedEndpoints() map[string]*RemoteEndpoint {
	d.μ.Lock()
	defer d.μ.Unlock()
	out := make(map[string]*RemoteEndpoint, len(d.cache))
	for name, ep := range d.cache {
		out[name] = ep
	}
	return out
}

// Close closes the transports of all cached endpoints and empties the cache.
func (d *DictDiscovery) Close() error {
	d.μ.Lock()
	defer d.μ.Unlock()
	var errs []error
	for name, ep := range d.cache {
		if err := ep.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
		delete(d.cache, name)
	}
	return errors.Join(errs...)
}
