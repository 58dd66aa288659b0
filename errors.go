// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrServiceNotFound is reported when no discovery source can resolve a
	// service name.
	ErrServiceNotFound = errors.New("service not found")

	// ErrUnknownMethod is reported when an endpoint was resolved but the
	// service does not declare the requested method.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrDuplicateRegistration is reported when two endpoints register the
	// same service name in one discovery scope.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrDuplicateMethod is reported when a service declares two methods with
	// the same public name.
	ErrDuplicateMethod = errors.New("duplicate method")

	// ErrStaticDiscovery is reported by discovery sources that do not accept
	// registrations.
	ErrStaticDiscovery = errors.New("discovery does not accept registrations")
)

// ErrorCode classifies an error carried across a transport.
type ErrorCode int

const (
	CodeServiceError    ErrorCode = 1 // The method reported an error
	CodeUnknownMethod   ErrorCode = 2 // The service has no such method
	CodeServiceNotFound ErrorCode = 3 // A nested lookup failed on the remote side
	CodeCanceled        ErrorCode = 4 // The call was canceled or timed out
)

func (c ErrorCode) String() string {
	switch c {
	case CodeServiceError:
		return "SERVICE_ERROR"
	case CodeUnknownMethod:
		return "UNKNOWN_METHOD"
	case CodeServiceNotFound:
		return "SERVICE_NOT_FOUND"
	case CodeCanceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// ErrorData is the wire form of an error reported by a remote endpoint.
type ErrorData struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *ErrorData) Error() string {
	if e.Code == CodeServiceError {
		return e.Message
	}
	return fmt.Sprintf("[%v] %s", e.Code, e.Message)
}

// Unwrap maps the error code back to the corresponding sentinel, so that
// errors.Is works for errors that crossed a process boundary.
func (e *ErrorData) Unwrap() error {
	switch e.Code {
	case CodeUnknownMethod:
		return ErrUnknownMethod
	case CodeServiceNotFound:
		return ErrServiceNotFound
	case CodeCanceled:
		return context.Canceled
	}
	return nil
}

// errorData converts err into its wire form.
func errorData(err error) *ErrorData {
	var ed *ErrorData
	switch {
	case errors.As(err, &ed):
		return &ErrorData{Code: ed.Code, Message: ed.Message}
	case errors.Is(err, ErrUnknownMethod):
		return &ErrorData{Code: CodeUnknownMethod, Message: err.Error()}
	case errors.Is(err, ErrServiceNotFound):
		return &ErrorData{Code: CodeServiceNotFound, Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &ErrorData{Code: CodeCanceled, Message: err.Error()}
	}
	return &ErrorData{Code: CodeServiceError, Message: err.Error()}
}

// CallError is the concrete type of errors reported by Context.Call.
type CallError struct {
	Service string // the target service name
	Method  string // the target method name
	Err     error  // the underlying failure
}

// Unwrap reports the underlying error of c.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	return fmt.Sprintf("call %s.%s: %v", c.Service, c.Method, c.Err)
}

func notFound(name string) error {
	return fmt.Errorf("%w: %q", ErrServiceNotFound, name)
}
