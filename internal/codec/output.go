// Package codec implements the framed wire codec: an output buffer with
// deferred length backfill and scatter-gather emission, and an input
// buffer with length-prefixed primitives and bounds checking. It flattens
// the teacher-adjacent C++ object hierarchy (ISphOutputBuffer /
// CachedOutputBuffer / SmartOutputBuffer / NetOutputBuffer) into a single
// value type plus composition, per the design notes: the blob and the
// deferred-length stack are data, scatter-gather and socket draining are
// capabilities applied to it.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Output is a growable byte buffer supporting big-endian primitive writers
// and deferred length backfill. The zero value is ready to use.
type Output struct {
	buf      []byte
	lenStack []int // offsets of open begin_length() slots
	chunks   [][]byte // sealed chunks, oldest first; buf is the active chunk
}

// Len returns the number of bytes written to the active chunk.
func (o *Output) Len() int { return len(o.buf) }

// Bytes returns the active chunk's contents. Callers must not retain the
// slice across further writes.
func (o *Output) Bytes() []byte { return o.buf }

func (o *Output) WriteU8(v uint8) {
	o.buf = append(o.buf, v)
}

func (o *Output) WriteU16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	o.buf = append(o.buf, tmp[:]...)
}

func (o *Output) WriteU32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	o.buf = append(o.buf, tmp[:]...)
}

func (o *Output) WriteU64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	o.buf = append(o.buf, tmp[:]...)
}

// WriteU32LSB writes a u32 in little-endian order, for the rare fields the
// wire format carries byte-swapped.
func (o *Output) WriteU32LSB(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	o.buf = append(o.buf, tmp[:]...)
}

// WriteF32 writes an IEEE-754 32-bit float as its big-endian bit pattern.
func (o *Output) WriteF32(v float32) {
	o.WriteU32(float32bits(v))
}

// WriteDword clamps a signed value into the unsigned 32-bit wire range:
// negative values become 0, values above 2^32-1 become 2^32-1.
func (o *Output) WriteDword(v int64) {
	switch {
	case v < 0:
		o.WriteU32(0)
	case v > 0xFFFFFFFF:
		o.WriteU32(0xFFFFFFFF)
	default:
		o.WriteU32(uint32(v))
	}
}

// WriteString writes a u32 big-endian length prefix followed by the raw
// bytes of s.
func (o *Output) WriteString(s string) {
	o.WriteU32(uint32(len(s)))
	o.buf = append(o.buf, s...)
}

// WriteBytes writes a u32 big-endian length prefix followed by b.
func (o *Output) WriteBytes(b []byte) {
	o.WriteU32(uint32(len(b)))
	o.buf = append(o.buf, b...)
}

// BeginLength reserves a 4-byte slot for a length that will be known only
// once the bracketed region is complete, and pushes its offset onto the
// deferred-length stack.
func (o *Output) BeginLength() {
	o.lenStack = append(o.lenStack, len(o.buf))
	o.WriteU32(0)
}

// CommitLength pops the most recently opened slot and backfills it with
// the number of bytes written since BeginLength (the delta between the
// current length and the slot's offset plus its own 4 bytes). Commits are
// last-in-first-out: nested begin/commit pairs must close innermost first.
func (o *Output) CommitLength() error {
	n := len(o.lenStack)
	if n == 0 {
		return fmt.Errorf("codec: CommitLength with no open BeginLength")
	}
	offset := o.lenStack[n-1]
	o.lenStack = o.lenStack[:n-1]

	delta := len(o.buf) - offset - 4
	if delta < 0 {
		return fmt.Errorf("codec: negative length delta at offset %d", offset)
	}
	binary.BigEndian.PutUint32(o.buf[offset:offset+4], uint32(delta))
	return nil
}

// commitAllOpen closes every outstanding BeginLength, innermost first, as
// required before a flush or chunk swap can safely hand the buffer off.
func (o *Output) commitAllOpen() error {
	for len(o.lenStack) > 0 {
		if err := o.CommitLength(); err != nil {
			return err
		}
	}
	return nil
}

// NewChunk seals the active blob into the chunk list and begins a new
// active blob. Any deferred lengths still open are committed first.
func (o *Output) NewChunk() error {
	if err := o.commitAllOpen(); err != nil {
		return err
	}
	if len(o.buf) > 0 {
		sealed := make([]byte, len(o.buf))
		copy(sealed, o.buf)
		o.chunks = append(o.chunks, sealed)
	}
	o.buf = nil
	return nil
}

// ToScatterGather commits any open lengths and returns the full ordered
// list of chunks (sealed chunks followed by the active blob) suitable for
// a vectored write. The total length is the sum of every chunk.
func (o *Output) ToScatterGather() ([][]byte, error) {
	if err := o.commitAllOpen(); err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(o.chunks)+1)
	out = append(out, o.chunks...)
	if len(o.buf) > 0 {
		out = append(out, o.buf)
	}
	return out, nil
}

// TotalLen returns the sum of every sealed chunk plus the active blob.
func (o *Output) TotalLen() int {
	n := len(o.buf)
	for _, c := range o.chunks {
		n += len(c)
	}
	return n
}

// Reset clears the buffer and any open deferred lengths, for reuse.
func (o *Output) Reset() {
	o.buf = o.buf[:0]
	o.lenStack = o.lenStack[:0]
	o.chunks = o.chunks[:0]
}
