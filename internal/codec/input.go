package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/sphinx-search/searchd-core/internal/errs"
)

// Input wraps a borrowed byte slice with a cursor and a sticky error bit.
// Any read past the end of the slice sets the error bit; every primitive
// reader after that returns the zero value and leaves the bit set, so a
// caller can defer all error checking to one place after a sequence of
// reads.
type Input struct {
	buf    []byte
	cursor int
	err    error

	// MaxPacketSize bounds ReadString/ReadBytes length prefixes. Zero
	// means unbounded.
	MaxPacketSize uint32
}

// NewInput wraps buf for reading. The slice is not copied.
func NewInput(buf []byte) *Input {
	return &Input{buf: buf}
}

// Err returns the sticky error, if any read has failed.
func (in *Input) Err() error { return in.err }

// Remaining reports how many bytes are left before the cursor reaches the
// end of the buffer.
func (in *Input) Remaining() int {
	if in.cursor >= len(in.buf) {
		return 0
	}
	return len(in.buf) - in.cursor
}

func (in *Input) fail(kind errs.Kind, detail string) {
	if in.err == nil {
		in.err = errs.NewProtocol(kind, detail)
	}
}

func (in *Input) need(n int) bool {
	if in.err != nil {
		return false
	}
	if in.Remaining() < n {
		in.fail(errs.KindShortHeader, fmt.Sprintf("need %d bytes, have %d", n, in.Remaining()))
		return false
	}
	return true
}

func (in *Input) ReadU8() uint8 {
	if !in.need(1) {
		return 0
	}
	v := in.buf[in.cursor]
	in.cursor++
	return v
}

func (in *Input) ReadU16() uint16 {
	if !in.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(in.buf[in.cursor:])
	in.cursor += 2
	return v
}

func (in *Input) ReadU32() uint32 {
	if !in.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(in.buf[in.cursor:])
	in.cursor += 4
	return v
}

func (in *Input) ReadU64() uint64 {
	if !in.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(in.buf[in.cursor:])
	in.cursor += 8
	return v
}

func (in *Input) ReadU32LSB() uint32 {
	if !in.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(in.buf[in.cursor:])
	in.cursor += 4
	return v
}

func (in *Input) ReadF32() float32 {
	return float32frombits(in.ReadU32())
}

// ReadString reads a u32 length prefix, validates it against
// MaxPacketSize (when set), and returns a copy of the following bytes as
// a string.
func (in *Input) ReadString() string {
	n := in.ReadU32()
	if in.err != nil {
		return ""
	}
	if in.MaxPacketSize > 0 && n > in.MaxPacketSize {
		in.fail(errs.KindOversizedPacket, fmt.Sprintf("string length %d exceeds max %d", n, in.MaxPacketSize))
		return ""
	}
	if !in.need(int(n)) {
		return ""
	}
	s := string(in.buf[in.cursor : in.cursor+int(n)])
	in.cursor += int(n)
	return s
}

// ReadBytes reads a u32 length prefix and returns a copy of the following
// bytes.
func (in *Input) ReadBytes() []byte {
	n := in.ReadU32()
	if in.err != nil {
		return nil
	}
	if in.MaxPacketSize > 0 && n > in.MaxPacketSize {
		in.fail(errs.KindOversizedPacket, fmt.Sprintf("blob length %d exceeds max %d", n, in.MaxPacketSize))
		return nil
	}
	if !in.need(int(n)) {
		return nil
	}
	out := make([]byte, n)
	copy(out, in.buf[in.cursor:in.cursor+int(n)])
	in.cursor += int(n)
	return out
}

// ReadBytesZerocopy returns a slice pointing directly into the
// underlying buffer, without copying. The returned slice is only valid
// as long as the caller holds the underlying buffer.
func (in *Input) ReadBytesZerocopy(n int) []byte {
	if !in.need(n) {
		return nil
	}
	b := in.buf[in.cursor : in.cursor+n]
	in.cursor += n
	return b
}
