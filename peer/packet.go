// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/creachadair/fan"
	"github.com/creachadair/fan/packet"
)

// Packet is the framed unit of data exchanged by peers.
//
// The binary format of a packet is an 8-byte header followed by the payload:
//
//	'F' 'N' <version> <type> <length:uint32, big-endian>
type Packet struct {
	Type    PacketType
	Payload []byte
}

// Version is the protocol version written in packet headers.
const Version = 0

// maxPayload bounds the size of a packet payload accepted by ReadFrom.
const maxPayload = 64 << 20

// maxMessage bounds the length in bytes of an error message in a response.
const maxMessage = 65535

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	var b packet.Builder
	b.Grow(8 + len(p.Payload))
	b.Byte('F')
	b.Byte('N')
	b.Byte(Version)
	b.Byte(byte(p.Type))
	b.Uint32(uint32(len(p.Payload)))
	nw, err := w.Write(append(b.Bytes(), p.Payload...))
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var hdr [8]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if err == io.EOF {
			return int64(nr), err
		}
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if magic := string(hdr[:3]); magic != "FN\x00" {
		return int64(nr), fmt.Errorf("invalid packet header %q", magic)
	}
	s := packet.NewScanner(hdr[4:])
	psize, _ := s.Uint32()
	if psize > maxPayload {
		return int64(nr), fmt.Errorf("packet payload too large (%d bytes)", psize)
	}

	p.Type = PacketType(hdr[3])
	p.Payload = nil
	if psize > 0 {
		p.Payload = make([]byte, int(psize))
		np, err := io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			return int64(nr), fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), nil
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest:
		if id, req, err := decodeRequest(p.Payload); err == nil {
			pay = fmt.Sprintf("Request(ID=%d, %s.%s)", id, req.Service, req.Method)
		}
	case PacketCancel:
		if id, err := decodeCancel(p.Payload); err == nil {
			pay = fmt.Sprintf("Cancel(ID=%d)", id)
		}
	case PacketResponse:
		if id, rsp, err := decodeResponse(p.Payload); err == nil {
			if rsp.Error != nil {
				pay = fmt.Sprintf("Response(ID=%d, %v)", id, rsp.Error)
			} else {
				pay = fmt.Sprintf("Response(ID=%d, %d bytes)", id, len(rsp.Result))
			}
		}
	}
	if pay == "" {
		pay = fmt.Sprintf("%d bytes", len(p.Payload))
	}
	return fmt.Sprintf("Packet(FN%d, %v, %s)", Version, p.Type, pay)
}

// PacketType describes the structure of a packet payload.
type PacketType byte

const (
	PacketRequest  PacketType = 2 // The initial request for a call
	PacketCancel   PacketType = 3 // A cancellation signal for a pending call
	PacketResponse PacketType = 4 // The final response from a call
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketCancel:
		return "CANCEL"
	case PacketResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// encodeRequest encodes a request payload:
//
//	<id:uint32> <service:vstr> <method:vstr> <trace:map> <params:vstr>
func encodeRequest(id uint32, req *fan.Request) []byte {
	var b packet.Builder
	b.Uint32(id)
	b.VPutString(req.Service)
	b.VPutString(req.Method)
	b.StringMap(req.Trace)
	b.VPut(req.Params)
	return b.Bytes()
}

func decodeRequest(data []byte) (uint32, *fan.Request, error) {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return 0, nil, fmt.Errorf("request id: %w", err)
	}
	var req fan.Request
	if req.Service, err = packet.VGet[string](s); err != nil {
		return 0, nil, fmt.Errorf("request service: %w", err)
	}
	if req.Method, err = packet.VGet[string](s); err != nil {
		return 0, nil, fmt.Errorf("request method: %w", err)
	}
	if req.Trace, err = s.StringMap(); err != nil {
		return 0, nil, fmt.Errorf("request trace: %w", err)
	}
	params, err := packet.VGet[[]byte](s)
	if err != nil {
		return 0, nil, fmt.Errorf("request params: %w", err)
	}
	if len(params) != 0 {
		req.Params = json.RawMessage(bytes.Clone(params))
	}
	return id, &req, nil
}

// encodeResponse encodes a response payload:
//
//	<id:uint32> 0 <result:vstr>              -- success
//	<id:uint32> <code:byte> <message:vstr>   -- error
func encodeResponse(id uint32, rsp *fan.Response) []byte {
	var b packet.Builder
	b.Uint32(id)
	if rsp.Error != nil {
		b.Byte(byte(rsp.Error.Code))
		b.VPutString(truncate(rsp.Error.Message, maxMessage))
	} else {
		b.Byte(0)
		b.VPut(rsp.Result)
	}
	return b.Bytes()
}

func decodeResponse(data []byte) (uint32, *fan.Response, error) {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return 0, nil, fmt.Errorf("response id: %w", err)
	}
	code, err := s.Byte()
	if err != nil {
		return 0, nil, fmt.Errorf("response code: %w", err)
	}
	body, err := packet.VGet[[]byte](s)
	if err != nil {
		return 0, nil, fmt.Errorf("response body: %w", err)
	}
	if code > byte(fan.CodeCanceled) {
		return 0, nil, fmt.Errorf("invalid result code %d", code)
	}
	rsp := new(fan.Response)
	if code != 0 {
		rsp.Error = &fan.ErrorData{Code: fan.ErrorCode(code), Message: string(body)}
	} else if len(body) != 0 {
		rsp.Result = json.RawMessage(bytes.Clone(body))
	}
	return id, rsp, nil
}

func encodeCancel(id uint32) []byte {
	var b packet.Builder
	b.Uint32(id)
	return b.Bytes()
}

func decodeCancel(data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("invalid cancel payload (%d bytes)", len(data))
	}
	return packet.NewScanner(data).Uint32()
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. It's possible the value was already complete, but it's simpler
	// if we only have to check in one direction.
	//
	// Otherwise, we have a single-byte code (0x00... or 0x01...).
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}
