// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package jsonrpc_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/fantest"
	"github.com/creachadair/fan/internal/echo"
	"github.com/creachadair/fan/transport/jsonrpc"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/rpc/v2/json2"
)

func TestTransport(t *testing.T) {
	fantest.TransportTest{
		Factory: jsonrpc.Factory,
		Serve: func(string) fan.Params {
			return fan.Params{"addr": "127.0.0.1:0", "path": "/test/rpc"}
		},
		Call: func(ep *fan.RemoteEndpoint) fan.Params {
			return fan.Params{"addr": ep.Transport().(*jsonrpc.Transport).Addr(), "path": "/test/rpc"}
		},
	}.Run(t)
}

// A plain JSON-RPC client can call a serving endpoint.
func TestWireFormat(t *testing.T) {
	ep, err := fan.NewRemoteEndpoint(nil, echo.NewSimple(), fan.Params{"addr": "127.0.0.1:0"},
		fan.WithTransport(jsonrpc.Factory))
	if err != nil {
		t.Fatalf("NewRemoteEndpoint: %v", err)
	}
	if err := ep.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ep.Close()

	body, err := json2.EncodeClientRequest("fan.Call", map[string]any{
		"service": echo.SimpleName,
		"method":  "echo",
		"params":  "wire",
	})
	if err != nil {
		t.Fatalf("EncodeClientRequest: %v", err)
	}
	url := ep.Transport().(*jsonrpc.Transport).URL()
	rsp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Post %q: %v", url, err)
	}
	defer rsp.Body.Close()

	var got struct {
		Result json.RawMessage `json:"result"`
		Error  *fan.ErrorData  `json:"error"`
	}
	if err := json2.DecodeClientResponse(rsp.Body, &got); err != nil {
		t.Fatalf("DecodeClientResponse: %v", err)
	}
	if got.Error != nil {
		t.Fatalf("Response error: %v", got.Error)
	}
	if diff := cmp.Diff(string(got.Result), `"wire"`); diff != "" {
		t.Errorf("Result (-got, +want):\n%s", diff)
	}
}
