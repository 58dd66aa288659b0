// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peer implements a symmetric call protocol for fan requests over a
// reliable ordered stream of packets.
//
// A [Peer] concurrently initiates and services calls with another peer over
// a [Channel]. Each call is a request packet answered by one response packet;
// calls are multiplexed by request ID, so many calls may be in flight at
// once in either direction.
//
//	p := peer.NewPeer().Serve(ep.Serve).Start(ch)
//	defer p.Stop()
//
//	rsp, err := p.Call(ctx, req)
//
// The channel package provides implementations of the Channel interface.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/fan"
	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Server handles a request from the remote peer. Endpoints provide a
// server through their Serve method.
type Server func(ctx context.Context, req *fan.Request) *fan.Response

// A PacketLogger logs a packet exchanged with the remote peer.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet and a flag indicating whether the packet was
// sent or received.
type PacketInfo struct {
	*Packet      // the packet being logged
	Sent    bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) String() string {
	if p.Sent {
		return fmt.Sprintf("send %v", p.Packet)
	}
	return fmt.Sprintf("recv %v", p.Packet)
}

// CancelGrace is how long a canceled call waits for the remote peer to
// acknowledge the cancellation before giving up.
const CancelGrace = 50 * time.Millisecond

// A Peer is one end of a call protocol session. A zero-valued Peer is ready
// for use, but must not be copied after any method has been called.
//
// Call Start with a channel to start the service routine for the peer. Once
// started, a peer runs until Stop is called, the channel closes, or a
// protocol fatal error occurs. Use Wait to wait for the peer to exit and
// report its status.
type Peer struct {
	in  interface{ Recv() (*Packet, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err   error              // protocol fatal error
	ocall map[uint32]pending // outbound calls pending responses
	nexto uint32             // next unused outbound call ID
	icall map[uint32]func()  // requestID → cancel func
	srv   Server             // handler for inbound requests
	plog  PacketLogger       // what it says on the tin
	base  func() context.Context

	onExit func(error)
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer { return new(Peer) }

// Start starts the peer running on the given channel. Start does not block;
// call Wait to wait for the peer to exit and report its status.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.in != nil {
		panic("peer is already started")
	}

	g := taskgroup.New(nil)
	p.in = ch
	p.tasks = g
	p.out.ch = ch
	p.err = nil
	p.ocall = make(map[uint32]pending)
	p.nexto = 0
	p.icall = make(map[uint32]func())
	if p.base == nil {
		p.base = context.Background
	}

	in := ch
	g.Go(func() error {
		for {
			pkt, err := in.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			peerMetrics.packetRecv.Add(1)
			if err := p.dispatchPacket(pkt); err != nil {
				p.fail(err)
				return nil
			}
		}
	})
	return p
}

// Stop closes the channel and terminates the peer. It blocks until the peer
// has exited and returns its status.
func (p *Peer) Stop() error { p.closeOut(); return p.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until p terminates and reports the error that caused it to
// stop. If p is not running, or stopped because its channel closed, Wait
// returns nil.
func (p *Peer) Wait() error {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return nil
	}
	t.Wait()

	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()

	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// Running reports whether p is running, that is, whether it has been
// started and has not yet failed or stopped.
func (p *Peer) Running() bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.in != nil && p.err == nil
}

// Serve sets the server for inbound requests, and returns p to permit
// chaining. If no server is set, inbound requests are rejected.
func (p *Peer) Serve(srv Server) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.srv = srv
	return p
}

// LogPackets registers a callback invoked for each packet exchanged with the
// remote peer. Passing nil disables packet logging.
func (p *Peer) LogPackets(log PacketLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.plog = log
	return p
}

// OnExit registers a callback invoked when the peer terminates, with the
// same error value that Wait would report.
func (p *Peer) OnExit(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

// NewContext registers a function that creates the base context for inbound
// requests. If it is not set a background context is used.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.base = base
	return p
}

// Call sends req to the remote peer and blocks until ctx ends or the
// response is received. If ctx ends first, the call is canceled on the
// remote peer.
func (p *Peer) Call(ctx context.Context, req *fan.Request) (_ *fan.Response, err error) {
	peerMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			peerMetrics.callOutErr.Add(1)
		}
	}()

	id, pc, err := p.sendReq(req)
	if err != nil {
		return nil, err
	}
	peerMetrics.callPending.Add(1)
	defer peerMetrics.callPending.Add(-1)

	done := ctx.Done()
	for {
		select {
		case <-done:
			// Push a cancellation to the peer, then resume waiting for the
			// response. Set done to nil so that we will not recur on this case.
			p.sendCancel(id)
			done = nil

			// Ensure the call eventually gives up even if the peer does not
			// reply. The ID stays pinned so a later call cannot reuse it before
			// the peer has released it.
			ct := time.AfterFunc(CancelGrace, func() {
				p.μ.Lock()
				defer p.μ.Unlock()
				if pc, ok := p.ocall[id]; ok {
					p.ocall[id] = nil
					pc.deliver(fan.ErrorResponse("", ctx.Err()))
				}
			})
			defer ct.Stop()

		case rsp, ok := <-pc:
			if ok {
				return rsp, nil
			}
			// Closed without a response means there was a protocol fatal error.
			p.μ.Lock()
			t := p.tasks
			p.μ.Unlock()
			if t != nil {
				t.Wait()
			}
			return nil, fmt.Errorf("call terminated: %w", p.failure())
		}
	}
}

func (p *Peer) failure() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.err == nil {
		return net.ErrClosed
	}
	return p.err
}

// fail terminates all pending calls and updates the failure status.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	defer p.μ.Unlock()
	for _, pc := range p.ocall {
		pc.close()
	}
	p.ocall = nil
	for _, stop := range p.icall {
		stop()
	}
	p.icall = nil

	p.err = err
	if p.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		p.onExit(err)
	}
}

// sendReq sends a request packet and returns the channel on which its
// response will be delivered. It does not wait for the reply.
func (p *Peer) sendReq(req *fan.Request) (uint32, pending, error) {
	p.μ.Lock()
	if p.in == nil {
		p.μ.Unlock()
		return 0, nil, errors.New("peer is not started")
	} else if err := p.err; err != nil {
		p.μ.Unlock()
		return 0, nil, err
	}
	p.nexto++
	id := p.nexto
	pc := make(pending, 1)
	p.ocall[id] = pc
	p.μ.Unlock()

	// We MUST NOT hold the state lock while sending, as that would block the
	// receiver from dispatching packets.
	err := p.sendOut(&Packet{Type: PacketRequest, Payload: encodeRequest(id, req)})

	p.μ.Lock()
	defer p.μ.Unlock()
	if err != nil {
		p.releaseIDLocked(id)
		return 0, nil, err
	}
	return id, pc, nil
}

func (p *Peer) sendCancel(id uint32) {
	if err := p.sendOut(&Packet{Type: PacketCancel, Payload: encodeCancel(id)}); err != nil {
		p.closeOut() // protocol fatal
	}
}

func (p *Peer) sendRsp(id uint32, rsp *fan.Response) {
	p.μ.Lock()
	delete(p.icall, id)
	err := p.err
	p.μ.Unlock()
	if err != nil {
		return
	}
	if err := p.sendOut(&Packet{Type: PacketResponse, Payload: encodeResponse(id, rsp)}); err != nil {
		p.closeOut()
	}
}

// dispatchRequestLocked starts a goroutine to serve an inbound request.
func (p *Peer) dispatchRequestLocked(id uint32, req *fan.Request) error {
	peerMetrics.callIn.Add(1)
	if _, ok := p.icall[id]; ok {
		peerMetrics.callInErr.Add(1)
		return p.sendOut(&Packet{Type: PacketResponse, Payload: encodeResponse(id,
			fan.ErrorResponse("", fmt.Errorf("duplicate request id %d", id)))})
	}
	srv := p.srv
	if srv == nil {
		peerMetrics.callInErr.Add(1)
		return p.sendOut(&Packet{Type: PacketResponse, Payload: encodeResponse(id,
			fan.ErrorResponse("", fmt.Errorf("peer does not serve %q: %w", req.Service, fan.ErrServiceNotFound)))})
	}

	ctx, cancel := context.WithCancel(p.base())
	p.icall[id] = cancel
	peerMetrics.callActive.Add(1)

	p.tasks.Go(func() error {
		defer cancel()
		defer peerMetrics.callActive.Add(-1)

		rsp := func() (rsp *fan.Response) {
			defer func() {
				if x := recover(); x != nil {
					rsp = fan.ErrorResponse("", fmt.Errorf("server panicked (recovered): %v", x))
				}
			}()
			return srv(ctx, req)
		}()
		if ctx.Err() != nil {
			// The remote peer canceled the call, or the peer is stopping.
			rsp = fan.ErrorResponse("", context.Canceled)
		}
		if rsp.Error != nil {
			peerMetrics.callInErr.Add(1)
		}
		p.sendRsp(id, rsp)
		return nil
	})
	return nil
}

// dispatchPacket routes an inbound packet from the remote peer.
// Any error it reports is protocol fatal.
func (p *Peer) dispatchPacket(pkt *Packet) error {
	p.μ.Lock()
	plog := p.plog
	p.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: false})
	}

	switch pkt.Type {
	case PacketRequest:
		id, req, err := decodeRequest(pkt.Payload)
		if err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		return p.dispatchRequestLocked(id, req)

	case PacketCancel:
		id, err := decodeCancel(pkt.Payload)
		if err != nil {
			return fmt.Errorf("invalid cancel packet: %w", err)
		}
		peerMetrics.cancelIn.Add(1)
		p.μ.Lock()
		defer p.μ.Unlock()
		if stop, ok := p.icall[id]; ok {
			stop()
		}

	case PacketResponse:
		id, rsp, err := decodeResponse(pkt.Payload)
		if err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		pc, ok := p.ocall[id]
		if !ok {
			return nil // discard response for unknown request ID
		}
		p.releaseIDLocked(id)
		pc.deliver(rsp) // does not block

	default:
		peerMetrics.packetDropped.Add(1)
	}
	return nil
}

func (p *Peer) releaseIDLocked(id uint32) {
	delete(p.ocall, id)
	if len(p.ocall) == 0 {
		p.nexto = 0
	}
}

func (p *Peer) sendOut(pkt *Packet) error {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return net.ErrClosed
	}
	peerMetrics.packetSent.Add(1)
	if plog := p.plog; plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: true})
	}
	return p.out.ch.Send(pkt)
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

type pending chan *fan.Response

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *fan.Response) {
	if p != nil {
		p <- r
		close(p)
	}
}
