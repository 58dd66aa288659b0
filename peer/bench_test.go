// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peer_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/channel"
	"github.com/creachadair/fan/peer"
	"github.com/creachadair/fan/peers"
)

func noop(context.Context, *fan.Request) *fan.Response { return &fan.Response{} }

func echo(_ context.Context, req *fan.Request) *fan.Response {
	return &fan.Response{Result: req.Params}
}

func BenchmarkCall(b *testing.B) {
	payload, _ := json.Marshal("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Direct-noop", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Serve(noop)
		runBench(b, loc.B, nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Serve(echo)
		runBench(b, loc.B, payload)
	})

	b.Run("IO-noop", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Serve(noop)
		runBench(b, pb, nil)
	})
	b.Run("IO-echo", func(b *testing.B) {
		pa, pb := pipePeers(b)
		pa.Serve(echo)
		runBench(b, pb, payload)
	})
}

func runBench(b *testing.B, p *peer.Peer, data []byte) {
	b.Helper()
	ctx := context.Background()
	req := &fan.Request{Service: "X", Method: "X", Params: data}

	for b.Loop() {
		_, err := p.Call(ctx, req)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func pipePeers(tb testing.TB) (pa, pb *peer.Peer) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	pa = peer.NewPeer().Start(channel.IO(ar, aw))
	pb = peer.NewPeer().Start(channel.IO(br, bw))
	tb.Cleanup(func() {
		if err := pa.Stop(); err != nil {
			tb.Errorf("A stop: %v", err)
		}
		if err := pb.Stop(); err != nil {
			tb.Errorf("B stop: %v", err)
		}
	})
	return
}
