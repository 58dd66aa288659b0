// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"encoding/binary"
	"slices"

	"github.com/creachadair/mds/value"
)

// A Builder accumulates data into a packet payload. The zero value is ready
// for use as an empty builder.
type Builder struct {
	buf []byte
}

// Byte appends a single byte to b.
func (b *Builder) Byte(v byte) { b.buf = append(b.buf, v) }

// Bool appends a Boolean to b as a single byte with value 0 or 1.
func (b *Builder) Bool(ok bool) { b.Byte(value.Cond[byte](ok, 1, 0)) }

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Vint30 appends the [Vint30] encoding of v to b.
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// VPut appends a length-prefixed byte string to b.
func (b *Builder) VPut(data []byte) {
	b.Grow(VLen(len(data)))
	b.Vint30(uint32(len(data)))
	b.buf = append(b.buf, data...)
}

// VPutString appends a length-prefixed string to b.
func (b *Builder) VPutString(s string) {
	b.Grow(VLen(len(s)))
	b.Vint30(uint32(len(s)))
	b.buf = append(b.buf, s...)
}

// StringMap appends a map of strings to b. The encoding is a [Vint30] count
// of entries followed by the length-prefixed key and value of each entry, in
// lexicographic order by key.
func (b *Builder) StringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	b.Vint30(uint32(len(keys)))
	for _, k := range keys {
		b.VPutString(k)
		b.VPutString(m[k])
	}
}

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes reports the current contents of the buffer. The builder retains
// ownership of the slice, and the caller must not modify it unless b will no
// longer be used.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow ensures that at least n more bytes can be added to b without another
// allocation.
func (b *Builder) Grow(n int) { b.buf = slices.Grow(b.buf, n) }
