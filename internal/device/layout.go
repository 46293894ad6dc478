// Package device implements the model-specific EEPROM layout, bit-field
// record decoding, ring-buffer math, and the read-all orchestration
// algorithm (component C3). Drivers are concrete per-model implementations
// of a small capability set; new models are new variants, never a deep
// class hierarchy.
package device

import (
	"math/big"
	"time"

	"github.com/jzubielik/omron-bridge/internal/models"
)

// Endianness selects the byte order used to interpret a device's
// multi-byte integer fields. Drivers may vary; ExtractBits honors whichever
// is declared by the driver's Layout.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

// Layout holds the static EEPROM constants for one device model.
type Layout struct {
	Endianness Endianness

	// UserStartAddresses is the EEPROM start address of each user slot's
	// ring buffer.
	UserStartAddresses []uint16
	// RecordsPerUser is the ring capacity for each user slot.
	RecordsPerUser []int
	// RecordByteSize is the size in bytes of one encoded record.
	RecordByteSize int
	// TransmissionBlockSize is the block size used for continuous reads.
	TransmissionBlockSize int

	SettingsReadAddress  uint16
	SettingsWriteAddress uint16
	// SettingsUnreadRecordsBytes is the [start,end) byte range, relative to
	// SettingsReadAddress, holding per-slot last_slot/unread_count fields.
	SettingsUnreadRecordsBytes [2]int
	// SettingsTimeSyncBytes is the [start,end) byte range, relative to
	// SettingsReadAddress, holding the time-sync section.
	SettingsTimeSyncBytes [2]int
}

// Driver is the polymorphic capability set a device model must implement:
// its EEPROM layout, record decoding, and time-sync payload construction.
type Driver interface {
	Layout() Layout
	ParseRecord(record []byte) (models.Reading, error)
	// TimeSyncPayload builds the write-back payload for device clock
	// synchronization from the cached time-sync settings section and the
	// current time.
	TimeSyncPayload(cachedSection []byte, now time.Time) []byte
}

// ExtractBits implements the bit-extract contract shared by every driver:
// given a byte array interpreted as a single integer in the given
// endianness, with bit 0 being the most-significant bit of that integer
// (big-endian bit numbering), extract the inclusive range
// [firstBit, lastBit].
//
//	I := intFromBytes(data, endianness)
//	(I >> (8*len(data) - (lastBit+1))) & ((1 << (lastBit-firstBit+1)) - 1)
//
// Values are returned as uint64, which is sufficient for every bit range
// used by known OMRON record and settings formats (at most 8 bits).
func ExtractBits(data []byte, firstBit, lastBit int, endianness Endianness) uint64 {
	ordered := make([]byte, len(data))
	copy(ordered, data)
	if endianness == LittleEndian {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	value := new(big.Int).SetBytes(ordered)
	totalBits := len(data) * 8
	shift := totalBits - (lastBit + 1)
	shifted := new(big.Int).Rsh(value, uint(shift))

	maskBits := lastBit - firstBit + 1
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(maskBits)), big.NewInt(1))

	return new(big.Int).And(shifted, mask).Uint64()
}

// PutUint16 encodes v as 2 bytes in the given endianness, mirroring Python's
// int.to_bytes(2, endianness).
func PutUint16(v uint16, endianness Endianness) []byte {
	if endianness == BigEndian {
		return []byte{byte(v >> 8), byte(v)}
	}
	return []byte{byte(v), byte(v >> 8)}
}

// Chunk is one {address, length} read or write range.
type Chunk struct {
	Address uint16
	Size    int
}

// CalcRingBufferRead computes the read plan for "new only" mode on one user
// slot: given the ring's capacity, the number of unread records, and the
// device's last-written slot cursor, it returns the minimal set of
// contiguous EEPROM ranges covering exactly `unread` records. When the
// unread records wrap past the end of the ring, the first chunk is the one
// at the start of the ring (the newest records) and the second is the older
// tail at the end of the ring, so the concatenated bytes are not in
// chronological order.
//
// Invariant 4 (testable property): for any (lastSlot, unread, capacity)
// with unread <= capacity, the sum of returned chunk sizes equals
// unread*recordByteSize.
func CalcRingBufferRead(startAddr uint16, recordByteSize, capacity, unread, lastSlot int) []Chunk {
	if unread == 0 {
		return nil
	}

	if lastSlot < unread {
		// Wrap: the newest records straddle the end of the ring.
		wrapAddr := startAddr + uint16((capacity+lastSlot-unread)*recordByteSize)
		return []Chunk{
			{Address: startAddr, Size: recordByteSize * lastSlot},
			{Address: wrapAddr, Size: recordByteSize * (unread - lastSlot)},
		}
	}

	readAddr := startAddr + uint16((lastSlot-unread)*recordByteSize)
	return []Chunk{{Address: readAddr, Size: recordByteSize * unread}}
}
