package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jzubielik/omron-bridge/internal/models"
	"github.com/jzubielik/omron-bridge/internal/protocol"
)

// ReadOptions controls the scope of one ReadAll cycle.
type ReadOptions struct {
	// NewOnly restricts the read to records written since the device's
	// unread-record counters were last reset. When false, every record slot
	// for every user is read.
	NewOnly bool
	// SyncTime writes the host's current time back to the device after
	// reading.
	SyncTime bool
}

// ReadAll runs the full session sequence against a connected, transport-
// started device: unlock, start transmission, read every (or only unread)
// record for every user slot, optionally reset the unread counters and sync
// the clock, then end transmission. Per-record decode failures are logged
// and skipped rather than aborting the whole slot, matching the reference
// implementation's tolerance for occasional malformed EEPROM rows.
func ReadAll(ctx context.Context, proto *protocol.Protocol, drv Driver, key []byte, opts ReadOptions, logger *slog.Logger) ([]models.Reading, error) {
	if logger == nil {
		logger = slog.Default()
	}
	layout := drv.Layout()

	if err := proto.Unlock(ctx, key); err != nil {
		return nil, fmt.Errorf("device: unlock: %w", err)
	}
	if err := proto.StartTransmission(ctx); err != nil {
		return nil, fmt.Errorf("device: start transmission: %w", err)
	}

	var endErr error
	defer func() {
		if err := proto.EndTransmission(ctx); err != nil {
			endErr = err
			logger.Warn("device: end transmission failed", "error", err)
		}
	}()

	var cached []byte
	if opts.NewOnly || opts.SyncTime {
		var err error
		cached, err = cacheSettings(ctx, proto, layout)
		if err != nil {
			return nil, fmt.Errorf("device: cache settings: %w", err)
		}
	}

	var readings []models.Reading
	for userIdx := range layout.UserStartAddresses {
		chunks, err := readPlan(cached, layout, userIdx, opts.NewOnly)
		if err != nil {
			return nil, fmt.Errorf("device: read plan for user %d: %w", userIdx+1, err)
		}

		var userData []byte
		for _, c := range chunks {
			data, err := proto.ReadContinuous(ctx, c.Address, c.Size)
			if err != nil {
				return nil, fmt.Errorf("device: read user %d at 0x%04x: %w", userIdx+1, c.Address, err)
			}
			userData = append(userData, data...)
		}

		for off := 0; off+layout.RecordByteSize <= len(userData); off += layout.RecordByteSize {
			record := userData[off : off+layout.RecordByteSize]
			if allFF(record) {
				continue
			}
			reading, err := drv.ParseRecord(record)
			if err != nil {
				logger.Warn("device: skipping unparsable record", "user_slot", userIdx+1, "error", err)
				continue
			}
			reading.UserSlot = userIdx + 1
			readings = append(readings, reading)
		}
	}

	if opts.NewOnly {
		if err := resetUnreadCounters(ctx, proto, layout, cached); err != nil {
			return nil, fmt.Errorf("device: reset unread counters: %w", err)
		}
	}
	if opts.SyncTime {
		if err := syncDeviceTime(ctx, proto, drv, layout, cached, time.Now()); err != nil {
			return nil, fmt.Errorf("device: sync time: %w", err)
		}
	}

	if endErr != nil {
		return readings, fmt.Errorf("device: end transmission: %w", endErr)
	}
	return readings, nil
}

func allFF(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

// readPlan returns the EEPROM ranges to read for one user slot: the whole
// ring when newOnly is false, or the minimal unread range computed from the
// cached settings section when newOnly is true.
func readPlan(cached []byte, layout Layout, userIdx int, newOnly bool) ([]Chunk, error) {
	if !newOnly {
		size := layout.RecordsPerUser[userIdx] * layout.RecordByteSize
		return []Chunk{{Address: layout.UserStartAddresses[userIdx], Size: size}}, nil
	}

	lastSlot, unread, err := unreadRecordsFields(cached, layout, userIdx)
	if err != nil {
		return nil, err
	}
	return CalcRingBufferRead(layout.UserStartAddresses[userIdx], layout.RecordByteSize, layout.RecordsPerUser[userIdx], unread, lastSlot), nil
}

// cacheSettings reads the unread-records and time-sync settings sections
// into a single buffer addressed relative to SettingsReadAddress, mirroring
// the reference implementation's _cache_settings. Bytes outside those two
// sections are left zero and are never consulted.
func cacheSettings(ctx context.Context, proto *protocol.Protocol, layout Layout) ([]byte, error) {
	size := int(layout.SettingsWriteAddress - layout.SettingsReadAddress)
	buf := make([]byte, size)

	us, ue := layout.SettingsUnreadRecordsBytes[0], layout.SettingsUnreadRecordsBytes[1]
	data, err := proto.ReadContinuous(ctx, layout.SettingsReadAddress+uint16(us), ue-us)
	if err != nil {
		return nil, fmt.Errorf("unread-records section: %w", err)
	}
	copy(buf[us:ue], data)

	ts, te := layout.SettingsTimeSyncBytes[0], layout.SettingsTimeSyncBytes[1]
	data, err = proto.ReadContinuous(ctx, layout.SettingsReadAddress+uint16(ts), te-ts)
	if err != nil {
		return nil, fmt.Errorf("time-sync section: %w", err)
	}
	copy(buf[ts:te], data)

	return buf, nil
}

// unreadRecordsFields extracts the last-written-slot and unread-count
// fields for one user from the cached unread-records section. The section
// layout is grouped by field, not by user: bytes [0:4) hold both users'
// last_slot fields, bytes [4:8) hold both users' unread_count fields.
func unreadRecordsFields(cached []byte, layout Layout, userIdx int) (lastSlot, unread int, err error) {
	start, end := layout.SettingsUnreadRecordsBytes[0], layout.SettingsUnreadRecordsBytes[1]
	if end > len(cached) {
		return 0, 0, fmt.Errorf("unread-records section out of range")
	}
	info := cached[start:end]
	if 2*userIdx+6 > len(info) {
		return 0, 0, fmt.Errorf("no unread-records fields for user index %d", userIdx)
	}

	lastSlotField := info[2*userIdx : 2*userIdx+2]
	unreadField := info[2*userIdx+4 : 2*userIdx+6]
	lastSlot = int(ExtractBits(lastSlotField, 8, 15, layout.Endianness))
	unread = int(ExtractBits(unreadField, 8, 15, layout.Endianness))
	return lastSlot, unread, nil
}

// resetUnreadCounters clears the unread-count fields for every user to the
// 0x8000 sentinel (meaning "nothing unread") while preserving the
// last_slot fields and any bytes beyond the per-user fields, then writes
// the updated section back to the device and updates the in-memory cache.
//
// The 0x8000 sentinel value is only verified against the reference Python
// model, not against a physical device; see DESIGN.md.
func resetUnreadCounters(ctx context.Context, proto *protocol.Protocol, layout Layout, cached []byte) error {
	start, end := layout.SettingsUnreadRecordsBytes[0], layout.SettingsUnreadRecordsBytes[1]
	section := cached[start:end]
	if len(section) < 8 {
		return fmt.Errorf("unread-records section too short to reset")
	}

	sentinel := PutUint16(0x8000, layout.Endianness)
	newSection := make([]byte, len(section))
	copy(newSection[:4], section[:4])
	copy(newSection[4:6], sentinel)
	copy(newSection[6:8], sentinel)
	copy(newSection[8:], section[8:])

	copy(cached[start:end], newSection)
	return proto.WriteContinuous(ctx, layout.SettingsWriteAddress+uint16(start), newSection)
}

// syncDeviceTime writes the current host time to the device's time-sync
// settings section.
func syncDeviceTime(ctx context.Context, proto *protocol.Protocol, drv Driver, layout Layout, cached []byte, now time.Time) error {
	start, end := layout.SettingsTimeSyncBytes[0], layout.SettingsTimeSyncBytes[1]
	section := cached[start:end]
	payload := drv.TimeSyncPayload(section, now)
	return proto.WriteContinuous(ctx, layout.SettingsWriteAddress+uint16(start), payload)
}
