package device

import (
	"fmt"
	"time"

	"github.com/jzubielik/omron-bridge/internal/models"
)

// HEM7361T is the driver for the OMRON HEM-7361T, a two-user home blood
// pressure monitor. All addresses and bit offsets are taken from the
// reference implementation's device profile for this model.
type HEM7361T struct{}

var _ Driver = HEM7361T{}

func (HEM7361T) Layout() Layout {
	return Layout{
		Endianness:                 LittleEndian,
		UserStartAddresses:         []uint16{0x0098, 0x06D8},
		RecordsPerUser:             []int{100, 100},
		RecordByteSize:             0x10,
		TransmissionBlockSize:      0x10,
		SettingsReadAddress:        0x0010,
		SettingsWriteAddress:       0x0054,
		SettingsUnreadRecordsBytes: [2]int{0x00, 0x10},
		SettingsTimeSyncBytes:      [2]int{0x2C, 0x3C},
	}
}

// ParseRecord decodes one 16-byte ring-buffer record into a Reading. Bit
// offsets are numbered MSB-first over the 16-byte record read as one
// little-endian integer (see ExtractBits), per the reference
// implementation's device profile.
func (d HEM7361T) ParseRecord(record []byte) (models.Reading, error) {
	if len(record) != 16 {
		return models.Reading{}, fmt.Errorf("device: hem7361t: record must be 16 bytes, got %d", len(record))
	}
	endian := d.Layout().Endianness

	minute := int(ExtractBits(record, 68, 73, endian))
	second := int(ExtractBits(record, 74, 79, endian))
	if second > 59 {
		// The device can report seconds up to 63; clamp to a valid value.
		second = 59
	}
	mov := ExtractBits(record, 80, 80, endian) != 0
	ihb := ExtractBits(record, 81, 81, endian) != 0
	month := int(ExtractBits(record, 82, 85, endian))
	day := int(ExtractBits(record, 86, 90, endian))
	hour := int(ExtractBits(record, 91, 95, endian))
	year := int(ExtractBits(record, 98, 103, endian)) + 2000
	pulse := int(ExtractBits(record, 104, 111, endian))
	diastolic := int(ExtractBits(record, 112, 119, endian))
	systolic := int(ExtractBits(record, 120, 127, endian)) + 25

	timestamp := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)

	return models.Reading{
		Timestamp:          timestamp,
		Systolic:           systolic,
		Diastolic:          diastolic,
		Pulse:              pulse,
		IrregularHeartbeat: ihb,
		BodyMovement:       mov,
	}, nil
}

// TimeSyncPayload builds the 16-byte time-sync write-back payload: the
// first 8 bytes of the cached settings section are preserved, followed by
// {year-2000, month, day, hour, minute, second}, a checksum over those 14
// bytes, and a trailing zero byte.
func (d HEM7361T) TimeSyncPayload(cachedSection []byte, now time.Time) []byte {
	payload := make([]byte, 0, 16)
	payload = append(payload, cachedSection[:8]...)
	payload = append(payload,
		byte(now.Year()-2000),
		byte(now.Month()),
		byte(now.Day()),
		byte(now.Hour()),
		byte(now.Minute()),
		byte(now.Second()),
	)

	var checksum byte
	for _, b := range payload {
		checksum += b
	}
	payload = append(payload, checksum, 0x00)
	return payload
}
