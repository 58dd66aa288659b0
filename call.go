// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fan

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// A Call describes one invocation of a method. A method receives the call
// and uses Decode to recover its parameters.
type Call struct {
	Service string // the target service name
	Method  string // the public method name

	params any             // parameters passed in-process
	raw    json.RawMessage // parameters received from a transport
}

// NewCall constructs a call to the given method with the specified params.
func NewCall(service, method string, params any) *Call {
	return &Call{Service: service, Method: method, params: params}
}

// Decode decodes the parameters of c into v, which must be a non-nil pointer.
// Parameters passed in-process are assigned directly when their type matches
// the target; otherwise they are converted through their JSON encoding.
func (c *Call) Decode(v any) error {
	if c.raw != nil {
		return json.Unmarshal(c.raw, v)
	}
	return assign(v, c.params)
}

// Params returns the encoded parameters of c.
func (c *Call) Params() (json.RawMessage, error) {
	if c.raw != nil {
		return c.raw, nil
	} else if c.params == nil {
		return nil, nil
	}
	return json.Marshal(c.params)
}

// assign stores src into the value pointed to by dst.
func assign(dst, src any) error {
	if dst == nil {
		return nil
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("cannot decode into %T", dst)
	}
	switch t := src.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return json.Unmarshal(t, dst)
	}
	sv := reflect.ValueOf(src)
	if et := dv.Elem().Type(); sv.Type().AssignableTo(et) {
		dv.Elem().Set(sv)
		return nil
	} else if sv.Kind() == reflect.Pointer && !sv.IsNil() && sv.Elem().Type().AssignableTo(et) {
		dv.Elem().Set(sv.Elem())
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode %T: %w", src, err)
	}
	return json.Unmarshal(data, dst)
}

// A Request is the transport-neutral form of a call sent to a remote
// endpoint. Transports encode requests as JSON.
type Request struct {
	ID      string            `json:"id,omitempty"`
	Service string            `json:"service"`
	Method  string            `json:"method"`
	Params  json.RawMessage   `json:"params,omitempty"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// NewRequest encodes call for delivery to a remote endpoint. The current span
// of ctx is injected into the request so the receiver can parent its work.
func NewRequest(ctx *Context, call *Call) (*Request, error) {
	params, err := call.Params()
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	req := &Request{Service: call.Service, Method: call.Method, Params: params}
	if sp := ctx.Span(); sp != nil {
		req.Trace = make(map[string]string)
		ctx.Tracer().Inject(sp, req.Trace)
	}
	return req, nil
}

// Call returns a Call for the method described by r.
func (r *Request) Call() *Call {
	raw := r.Params
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Call{Service: r.Service, Method: r.Method, raw: raw}
}

// A Response is the transport-neutral form of the reply to a Request.
type Response struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorData      `json:"error,omitempty"`
}

// newResponse encodes the outcome of a call as a response to req.
func newResponse(req *Request, v any, err error) *Response {
	rsp := &Response{ID: req.ID}
	if err == nil {
		rsp.Result, err = json.Marshal(v)
	}
	if err != nil {
		rsp.Result = nil
		rsp.Error = errorData(err)
	}
	return rsp
}

// Value reports the result carried by r. A successful result is returned as a
// json.RawMessage, which Context.Call decodes into the caller's reply.
func (r *Response) Value() (any, error) {
	if r.Error != nil {
		return nil, r.Error
	} else if r.Result == nil {
		return nil, nil
	}
	return r.Result, nil
}

// ErrorResponse returns a response reporting err for the request with the
// given ID. Transports use it for failures that occur outside a method.
func ErrorResponse(id string, err error) *Response {
	if err == nil {
		err = errors.New("unknown error")
	}
	return &Response{ID: id, Error: errorData(err)}
}
