// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a builder for the method lists of fan services.
//
// # Usage
//
// Construct a new empty catalog and add methods to it:
//
//	cat := catalog.New().
//	   Add("echo", echo).
//	   Add("reverse", reverse)
//
// Methods are dispatched by name. The catalog keeps them in the order they
// were added, and that order is preserved by Methods and by the encoding.
//
// A catalog implements the Methods half of the fan.Service interface; to
// build a complete service from a catalog use Service:
//
//	svc := catalog.Service("text", cat)
//
// A Catalog provides a Handler method that reports the encoded catalog, so a
// service can describe itself to its callers:
//
//	cat.Add("methods", cat.Handler)
//
//	var enc []byte
//	err := ctx.Call("text", "methods", nil, &enc)
//	names, err := catalog.Decode(enc)
package catalog

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	"github.com/creachadair/fan"
)

// A Catalog is an ordered list of public method names and their
// implementations. It is safe to copy the resulting value; all copies share
// the same method list.
type Catalog struct{ m *methods }

type methods struct {
	specs []fan.MethodSpec
}

// New creates a new empty catalog.
func New() Catalog { return Catalog{m: new(methods)} }

// Add adds a method with the given name to c, and returns c to allow
// chaining. Adding the same name twice is not an error here, but a service
// built from c will be rejected when its endpoint is constructed.
//
// It is not safe to call Add while c is used concurrently by other goroutines
// without external synchronization.
func (c Catalog) Add(name string, m fan.Method) Catalog {
	c.m.specs = append(c.m.specs, fan.MethodSpec{Name: name, Method: m})
	return c
}

// Methods returns the methods of c in the order they were added.
func (c Catalog) Methods() []fan.MethodSpec {
	if c.m == nil {
		return nil
	}
	return slices.Clone(c.m.specs)
}

// Len reports the number of methods in c.
func (c Catalog) Len() int {
	if c.m == nil {
		return 0
	}
	return len(c.m.specs)
}

// Names returns the method names of c in lexicographic order.
func (c Catalog) Names() []string {
	names := make([]string, 0, c.Len())
	for _, ms := range c.Methods() {
		names = append(names, ms.Name)
	}
	sort.Strings(names)
	return names
}

// Method returns the implementation of name, or nil if name is not in c.
func (c Catalog) Method(name string) fan.Method {
	for _, ms := range c.Methods() {
		if ms.Name == name {
			return ms.Method
		}
	}
	return nil
}

// Encode encodes the method names of c in binary format.
//
// The wire format of the catalog comprises the names of all defined methods
// in the order they were added. Each name is encoded as a big-endian uint16
// length followed by that many bytes of the name.
func (c Catalog) Encode() []byte {
	if c.Len() == 0 {
		return nil
	}
	var buf []byte
	for _, ms := range c.Methods() {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(ms.Name)))
		buf = append(buf, ms.Name...)
	}
	return buf
}

// Decode decodes data as a catalog payload, and returns the method names it
// contains in the order they were added.
func Decode(data []byte) ([]string, error) {
	var names []string
	for pos := 0; pos < len(data); {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("truncated catalog at offset %d", pos)
		}
		nlen := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		if pos+nlen > len(data) {
			return nil, fmt.Errorf("truncated name at offset %d", pos)
		}
		names = append(names, string(data[pos:pos+nlen]))
		pos += nlen
	}
	return names, nil
}

// Handler is a fan.Method that reports the encoded contents of the catalog.
func (c Catalog) Handler(_ *fan.Context, _ *fan.Call) (any, error) {
	return c.Encode(), nil
}

// Service returns a fan.Service with the given name whose methods are the
// methods of c at the time of each call to its Methods method.
func Service(name string, c Catalog) fan.Service { return service{name: name, cat: c} }

type service struct {
	name string
	cat  Catalog
}

func (s service) ServiceName() string       { return s.name }
func (s service) Methods() []fan.MethodSpec { return s.cat.Methods() }
