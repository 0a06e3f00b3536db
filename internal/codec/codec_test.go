package codec

import (
	"testing"
)

// Mirrors the length-backfill scenario: an output blob built as
// begin{u32=7, begin{str="abc"}, u32=11} must decode back to exactly
// [outer_len, 7, inner_len=7, "abc", 11], with each length equal to the
// measured size of its bracketed region.
func TestLengthBackfillNestedScenario(t *testing.T) {
	out := &Output{}
	out.BeginLength()
	out.WriteU32(7)
	out.BeginLength()
	out.WriteString("abc")
	if err := out.CommitLength(); err != nil {
		t.Fatalf("inner CommitLength: %v", err)
	}
	out.WriteU32(11)
	if err := out.CommitLength(); err != nil {
		t.Fatalf("outer CommitLength: %v", err)
	}

	in := NewInput(out.Bytes())
	outerLen := in.ReadU32()
	seven := in.ReadU32()
	innerLen := in.ReadU32()
	str := in.ReadString()
	eleven := in.ReadU32()
	if err := in.Err(); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if seven != 7 {
		t.Fatalf("expected 7, got %d", seven)
	}
	if str != "abc" {
		t.Fatalf("expected \"abc\", got %q", str)
	}
	if eleven != 11 {
		t.Fatalf("expected 11, got %d", eleven)
	}
	// inner region is the string's own u32 length prefix (4 bytes) plus
	// its 3 content bytes.
	if innerLen != 7 {
		t.Fatalf("expected inner_len 7, got %d", innerLen)
	}
	// outer region is: u32=7 (4 bytes) + inner length slot (4 bytes) +
	// inner content (7 bytes) + u32=11 (4 bytes) = 19.
	if outerLen != 19 {
		t.Fatalf("expected outer_len 19, got %d", outerLen)
	}
	if in.Remaining() != 0 {
		t.Fatalf("expected buffer fully consumed, %d bytes remaining", in.Remaining())
	}
}

// Mirrors the general length-prefix round-trip property: for arbitrary
// nested BeginLength/CommitLength pairs, decoding through Input yields the
// same sequence of primitives, with each length field equal to the size of
// its bracketed region.
func TestLengthPrefixRoundTripArbitraryNesting(t *testing.T) {
	out := &Output{}
	out.WriteU16(1)
	out.BeginLength()
	out.WriteU8(9)
	out.BeginLength()
	out.BeginLength()
	out.WriteBytes([]byte{1, 2, 3, 4})
	if err := out.CommitLength(); err != nil {
		t.Fatalf("commit innermost: %v", err)
	}
	out.WriteU16(42)
	if err := out.CommitLength(); err != nil {
		t.Fatalf("commit middle: %v", err)
	}
	out.WriteU8(5)
	if err := out.CommitLength(); err != nil {
		t.Fatalf("commit outer: %v", err)
	}

	in := NewInput(out.Bytes())
	if got := in.ReadU16(); got != 1 {
		t.Fatalf("expected leading u16 1, got %d", got)
	}
	outerLen := in.ReadU32()
	if got := in.ReadU8(); got != 9 {
		t.Fatalf("expected u8 9, got %d", got)
	}
	middleLen := in.ReadU32()
	innerLen := in.ReadU32()
	bytesVal := in.ReadBytes()
	if got := in.ReadU16(); got != 42 {
		t.Fatalf("expected u16 42, got %d", got)
	}
	if got := in.ReadU8(); got != 5 {
		t.Fatalf("expected trailing u8 5, got %d", got)
	}
	if err := in.Err(); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Remaining() != 0 {
		t.Fatalf("expected buffer fully consumed, %d bytes remaining", in.Remaining())
	}

	if len(bytesVal) != 4 {
		t.Fatalf("expected 4 bytes, got %v", bytesVal)
	}
	// innermost region: the WriteBytes call's own u32 length prefix (4
	// bytes) plus its 4 content bytes.
	if innerLen != 8 {
		t.Fatalf("expected inner_len 8, got %d", innerLen)
	}
	// middle region: inner length slot (4) + inner region (8) + u16=42
	// (2) = 14.
	if middleLen != 14 {
		t.Fatalf("expected middle_len 14, got %d", middleLen)
	}
	// outer region: u8=9 (1) + middle length slot (4) + middle region
	// (14) + u8=5 (1) = 20.
	if outerLen != 20 {
		t.Fatalf("expected outer_len 20, got %d", outerLen)
	}
}

func TestCommitLengthWithoutOpenReturnsError(t *testing.T) {
	out := &Output{}
	if err := out.CommitLength(); err == nil {
		t.Fatalf("expected error committing with no open BeginLength")
	}
}

func TestScatterGatherTotalLenMatchesSumOfChunks(t *testing.T) {
	out := &Output{}
	out.WriteString("first")
	if err := out.NewChunk(); err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	out.WriteString("second")

	total := out.TotalLen()
	chunks, err := out.ToScatterGather()
	if err != nil {
		t.Fatalf("ToScatterGather: %v", err)
	}

	sum := 0
	for _, c := range chunks {
		sum += len(c)
	}
	if sum != total {
		t.Fatalf("scatter-gather sum %d != TotalLen %d", sum, total)
	}
}
