package device

import (
	"testing"
	"time"
)

// encodeRecord is the test-side inverse of HEM7361T.ParseRecord, used to
// verify Invariant 1 (decode(encode(r)) == r) without depending on a real
// device or the Python reference implementation. Bit positions are numbered
// MSB-first over the record read as one little-endian integer, so bit 0 lives
// in the last byte of the slice.
func encodeRecord(ts time.Time, systolic, diastolic, pulse int, ihb, mov bool) []byte {
	rec := make([]byte, 16)
	set := func(firstBit, lastBit int, v uint64) {
		for bit := firstBit; bit <= lastBit; bit++ {
			byteIdx := len(rec) - 1 - bit/8
			bitInByte := 7 - (bit % 8)
			shift := lastBit - bit
			if (v>>shift)&1 != 0 {
				rec[byteIdx] |= 1 << bitInByte
			}
		}
	}
	set(68, 73, uint64(ts.Minute()))
	set(74, 79, uint64(ts.Second()))
	if mov {
		set(80, 80, 1)
	}
	if ihb {
		set(81, 81, 1)
	}
	set(82, 85, uint64(ts.Month()))
	set(86, 90, uint64(ts.Day()))
	set(91, 95, uint64(ts.Hour()))
	set(98, 103, uint64(ts.Year()-2000))
	set(104, 111, uint64(pulse))
	set(112, 119, uint64(diastolic))
	set(120, 127, uint64(systolic-25))
	return rec
}

func TestParseRecordRoundTrip(t *testing.T) {
	ts := time.Date(2024, time.March, 15, 7, 30, 45, 0, time.UTC)
	rec := encodeRecord(ts, 128, 82, 65, true, false)

	d := HEM7361T{}
	reading, err := d.ParseRecord(rec)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}

	if !reading.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", reading.Timestamp, ts)
	}
	if reading.Systolic != 128 || reading.Diastolic != 82 || reading.Pulse != 65 {
		t.Errorf("got sys=%d dia=%d pulse=%d, want 128/82/65", reading.Systolic, reading.Diastolic, reading.Pulse)
	}
	if !reading.IrregularHeartbeat || reading.BodyMovement {
		t.Errorf("ihb=%v mov=%v, want ihb=true mov=false", reading.IrregularHeartbeat, reading.BodyMovement)
	}
}

func TestParseRecordRejectsWrongSize(t *testing.T) {
	d := HEM7361T{}
	if _, err := d.ParseRecord(make([]byte, 8)); err == nil {
		t.Fatal("expected error for short record")
	}
}

// Invariant 7 — time-sync checksum is the sum of the 14 preceding bytes,
// mod 256.
func TestTimeSyncPayloadChecksum(t *testing.T) {
	d := HEM7361T{}
	cached := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0xAA, 0xBB}
	now := time.Date(2026, time.July, 31, 9, 15, 0, 0, time.UTC)

	payload := d.TimeSyncPayload(cached, now)
	if len(payload) != 16 {
		t.Fatalf("payload length = %d, want 16", len(payload))
	}

	var want byte
	for _, b := range payload[:14] {
		want += b
	}
	if payload[14] != want {
		t.Errorf("checksum byte = 0x%02x, want 0x%02x", payload[14], want)
	}
	if payload[15] != 0x00 {
		t.Errorf("trailing byte = 0x%02x, want 0x00", payload[15])
	}
	if payload[8] != 26 || payload[9] != 7 || payload[10] != 31 {
		t.Errorf("date fields wrong: % x", payload[8:11])
	}
}
