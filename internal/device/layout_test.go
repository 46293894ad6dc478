package device

import "testing"

// TestExtractBitsMatchesReferenceFormula checks against hand-computed
// values for small, easily-verified byte patterns.
func TestExtractBitsMatchesReferenceFormula(t *testing.T) {
	// Big-endian 0x1234: bits 0-7 = 0x12, bits 8-15 = 0x34.
	data := []byte{0x12, 0x34}
	if got := ExtractBits(data, 0, 7, BigEndian); got != 0x12 {
		t.Errorf("bits[0:7] big-endian = 0x%x, want 0x12", got)
	}
	if got := ExtractBits(data, 8, 15, BigEndian); got != 0x34 {
		t.Errorf("bits[8:15] big-endian = 0x%x, want 0x34", got)
	}

	// Little-endian: int.from_bytes({0x12,0x34}, "little") == 0x3412.
	// bits 8-15 of that 16-bit integer (MSB-numbered) == low byte == 0x12.
	if got := ExtractBits(data, 8, 15, LittleEndian); got != 0x12 {
		t.Errorf("bits[8:15] little-endian = 0x%x, want 0x12", got)
	}
	if got := ExtractBits(data, 0, 7, LittleEndian); got != 0x34 {
		t.Errorf("bits[0:7] little-endian = 0x%x, want 0x34", got)
	}
}

func TestExtractBitsSingleBit(t *testing.T) {
	data := []byte{0b10000000}
	if got := ExtractBits(data, 0, 0, BigEndian); got != 1 {
		t.Errorf("bit 0 = %d, want 1", got)
	}
	if got := ExtractBits(data, 1, 1, BigEndian); got != 0 {
		t.Errorf("bit 1 = %d, want 0", got)
	}
}

// Invariant 4 — ring-buffer read plans cover exactly unread*recordByteSize
// bytes, whatever the wrap/no-wrap split.
func TestCalcRingBufferReadCoversExactUnreadBytes(t *testing.T) {
	cases := []struct {
		name                        string
		lastSlot, unread, capacity  int
	}{
		{"no wrap", 50, 10, 100},
		{"wrap", 5, 10, 100},
		{"exact boundary no wrap", 10, 10, 100},
		{"full ring wrap", 0, 100, 100},
	}
	const recordSize = 16
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			chunks := CalcRingBufferRead(0x0098, recordSize, c.capacity, c.unread, c.lastSlot)
			total := 0
			for _, ch := range chunks {
				total += ch.Size
			}
			if want := c.unread * recordSize; total != want {
				t.Errorf("total bytes = %d, want %d (chunks=%+v)", total, want, chunks)
			}
		})
	}
}

// S2/S3 — wrap vs. no-wrap scenarios per spec.
func TestCalcRingBufferReadNoWrap(t *testing.T) {
	chunks := CalcRingBufferRead(0x0098, 16, 100, 10, 50)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d: %+v", len(chunks), chunks)
	}
	wantAddr := uint16(0x0098 + (50-10)*16)
	if chunks[0].Address != wantAddr || chunks[0].Size != 160 {
		t.Errorf("got %+v, want address 0x%04x size 160", chunks[0], wantAddr)
	}
}

func TestCalcRingBufferReadWrap(t *testing.T) {
	chunks := CalcRingBufferRead(0x0098, 16, 100, 10, 5)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Address != 0x0098 || chunks[0].Size != 5*16 {
		t.Errorf("first chunk = %+v, want address 0x0098 size 80", chunks[0])
	}
	wantWrapAddr := uint16(0x0098 + (100+5-10)*16)
	if chunks[1].Address != wantWrapAddr || chunks[1].Size != 5*16 {
		t.Errorf("second chunk = %+v, want address 0x%04x size 80", chunks[1], wantWrapAddr)
	}
}

func TestCalcRingBufferReadZeroUnreadEmitsNoChunks(t *testing.T) {
	chunks := CalcRingBufferRead(0x0098, 16, 100, 0, 50)
	if len(chunks) != 0 {
		t.Errorf("expected no chunks for unread=0, got %+v", chunks)
	}
}
