// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan

import (
	"context"
	"fmt"
)

// A Method handles a call to one public method of a service. The context
// passed to a method carries the dispatch span, so calls the method makes
// through ctx are traced beneath it.
type Method func(ctx *Context, call *Call) (any, error)

// A MethodSpec binds a public method name to its implementation.
type MethodSpec struct {
	Name   string
	Method Method
}

// A Service is a named unit exposing one or more methods.
type Service interface {
	// ServiceName reports the name under which the service is discovered.
	ServiceName() string

	// Methods enumerates the public methods of the service. A service must
	// not declare the same public name twice.
	Methods() []MethodSpec
}

// A Starter is a service or transport that must be initialized before it is
// made discoverable.
type Starter interface {
	Start(context.Context) error
}

// A Stopper is a service that releases resources when its process stops.
type Stopper interface {
	Stop() error
}

// methodTable maps public method names to their implementations.
type methodTable map[string]Method

func newMethodTable(svc Service) (methodTable, error) {
	specs := svc.Methods()
	mt := make(methodTable, len(specs))
	for _, ms := range specs {
		if _, ok := mt[ms.Name]; ok {
			return nil, fmt.Errorf("service %q: %w %q", svc.ServiceName(), ErrDuplicateMethod, ms.Name)
		} else if ms.Method == nil {
			return nil, fmt.Errorf("service %q: method %q has no implementation", svc.ServiceName(), ms.Name)
		}
		mt[ms.Name] = ms.Method
	}
	return mt, nil
}

// invoke calls the method named by call, if one exists.
func (mt methodTable) invoke(ctx *Context, call *Call) (_ any, err error) {
	m, ok := mt[call.Method]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", call.Service, call.Method, ErrUnknownMethod)
	}

	// Ensure a panic out of the method is turned into an error.
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("method panicked (recovered): %v", x)
		}
	}()
	return m(ctx, call)
}
