// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A Scanner reads encoded values from the contents of a packet payload.
// The methods of a scanner return [io.EOF] when no further input is
// available, and [io.ErrUnexpectedEOF] for incomplete values.
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner constructs a [Scanner] that consumes data from input. The
// scanner does not modify input, but values it returns may alias it.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

func (s *Scanner) take(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, fmt.Errorf("offset %d: value truncated (%d < %d bytes): %w",
			s.offset, len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := s.rest[:n]
	s.rest = s.rest[n:]
	s.offset += n
	return out, nil
}

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	v, err := s.take(1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// Bool scans a single byte and reports whether it is non-zero.
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	return b != 0, err
}

// Uint32 scans a big-endian uint32 value from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	v, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v), nil
}

// Vint30 scans a single [Vint30] value from the head of the input.
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	v, err := s.take(int(s.rest[0]&3) + 1)
	if err != nil {
		return 0, err
	}
	var w uint32
	for i := len(v) - 1; i >= 0; i-- {
		w = w<<8 | uint32(v[i])
	}
	return int(w >> 2), nil
}

// StringMap scans a map of strings encoded by [Builder.StringMap]. An empty
// map is returned as nil.
func (s *Scanner) StringMap() (map[string]string, error) {
	n, err := s.Vint30()
	if err != nil {
		return nil, err
	} else if n == 0 {
		return nil, nil
	}
	m := make(map[string]string, n)
	for range n {
		k, err := VGet[string](s)
		if err != nil {
			return nil, err
		}
		v, err := VGet[string](s)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// Len reports the number of unconsumed input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset of the next unconsumed input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns the unconsumed input of s. The caller must not modify its
// contents.
func (s *Scanner) Rest() []byte { return s.rest }

// VGet scans a single length-prefixed string from the head of s. When the
// result is a slice, it aliases the input.
func VGet[Str ~string | ~[]byte](s *Scanner) (out Str, err error) {
	n, err := s.Vint30()
	if err == io.EOF {
		return out, io.ErrUnexpectedEOF
	} else if err != nil {
		return out, err
	}
	v, err := s.take(n)
	if err != nil {
		return out, err
	}
	return Str(v), nil
}
