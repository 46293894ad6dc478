package device_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jzubielik/omron-bridge/internal/ble"
	"github.com/jzubielik/omron-bridge/internal/device"
	"github.com/jzubielik/omron-bridge/internal/models"
	"github.com/jzubielik/omron-bridge/internal/protocol"
	"github.com/jzubielik/omron-bridge/internal/transport"
)

// fakeMemoryDevice is a minimal in-memory ble.Device standing in for a real
// OMRON peripheral: it answers unlock, start/end-transmission, and EEPROM
// read/write exchanges against a byte-addressed memory map, using the same
// multi-channel fragment wire format internal/transport speaks.
type fakeMemoryDevice struct {
	subs    map[ble.CharacteristicUUID]ble.NotifyFunc
	pending []byte
	memory  map[uint16]byte
}

const (
	unlockUUID ble.CharacteristicUUID = "b305b680-aee7-11e1-a730-0002a5d5c51b"
)

var rxUUIDs = []ble.CharacteristicUUID{
	"49123040-aee8-11e1-a74d-0002a5d5c51b",
	"4d0bf320-aee8-11e1-a0d9-0002a5d5c51b",
	"5128ce60-aee8-11e1-b84b-0002a5d5c51b",
	"560f1420-aee8-11e1-8184-0002a5d5c51b",
}

func newFakeMemoryDevice() *fakeMemoryDevice {
	return &fakeMemoryDevice{subs: map[ble.CharacteristicUUID]ble.NotifyFunc{}, memory: map[uint16]byte{}}
}

func (f *fakeMemoryDevice) writeMemory(addr uint16, data []byte) {
	for i, b := range data {
		f.memory[addr+uint16(i)] = b
	}
}

func (f *fakeMemoryDevice) readMemory(addr uint16, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = f.memory[addr+uint16(i)]
	}
	return out
}

func xorCrc(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return x
}

func encodeResponse(respType uint16, address uint16, payload []byte) []byte {
	size := 8 + len(payload)
	frame := make([]byte, 0, size+1)
	frame = append(frame, byte(size))
	frame = append(frame, byte(respType>>8), byte(respType))
	frame = append(frame, byte(address>>8), byte(address))
	frame = append(frame, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, 0x00)
	frame = append(frame, xorCrc(frame))
	return frame
}

func fragment16(data []byte) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := 16
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func (f *fakeMemoryDevice) deliver(frame []byte) {
	for i, frag := range fragment16(frame) {
		if i >= len(rxUUIDs) {
			return
		}
		if fn, ok := f.subs[rxUUIDs[i]]; ok {
			fn(frag)
		}
	}
}

func (f *fakeMemoryDevice) WriteCharacteristic(_ context.Context, uuid ble.CharacteristicUUID, data []byte) error {
	if uuid == unlockUUID {
		switch data[0] {
		case 0x01: // unlock
			if fn, ok := f.subs[unlockUUID]; ok {
				fn([]byte{0x81, 0x00})
			}
		case 0x02: // enter pairing mode
			if fn, ok := f.subs[unlockUUID]; ok {
				fn([]byte{0x82, 0x00})
			}
		case 0x00: // program key
			if fn, ok := f.subs[unlockUUID]; ok {
				fn([]byte{0x80, 0x00})
			}
		}
		return nil
	}

	f.pending = append(f.pending, data...)
	if len(f.pending) == 0 || len(f.pending) < int(f.pending[0]) {
		return nil
	}
	cmd := f.pending
	f.pending = nil

	switch {
	case cmd[1] == 0x00 && cmd[2] == 0x00 && len(cmd) == 8:
		f.deliver(encodeResponse(0x8000, 0, nil))
	case cmd[1] == 0x0f:
		f.deliver(encodeResponse(0x8f00, 0, []byte{0x00}))
	default:
		opType := uint16(cmd[1])<<8 | uint16(cmd[2])
		address := uint16(cmd[3])<<8 | uint16(cmd[4])
		length := int(cmd[5])
		switch opType {
		case 0x0100: // EEPROM read
			f.deliver(encodeResponse(0x8100, address, f.readMemory(address, length)))
		case 0x01c0: // EEPROM write
			payload := cmd[6 : 6+length]
			f.writeMemory(address, payload)
			f.deliver(encodeResponse(0x81c0, address, payload))
		}
	}
	return nil
}

func (f *fakeMemoryDevice) Subscribe(_ context.Context, uuid ble.CharacteristicUUID, fn ble.NotifyFunc) error {
	f.subs[uuid] = fn
	return nil
}

func (f *fakeMemoryDevice) Unsubscribe(uuid ble.CharacteristicUUID) error {
	delete(f.subs, uuid)
	return nil
}

func (f *fakeMemoryDevice) Disconnect() error { return nil }

// tinyDriver is a test-only Driver with a much smaller ring than HEM7361T,
// so ReadAll's EEPROM traffic stays small enough to script by hand while
// still exercising the full read-all algorithm end to end.
type tinyDriver struct{}

func (tinyDriver) Layout() device.Layout {
	return device.Layout{
		Endianness:                 device.LittleEndian,
		UserStartAddresses:         []uint16{0x0100},
		RecordsPerUser:             []int{2},
		RecordByteSize:             16,
		TransmissionBlockSize:      16,
		SettingsReadAddress:        0x0010,
		SettingsWriteAddress:       0x0054,
		SettingsUnreadRecordsBytes: [2]int{0x00, 0x10},
		SettingsTimeSyncBytes:      [2]int{0x2C, 0x3C},
	}
}

func (tinyDriver) ParseRecord(record []byte) (models.Reading, error) {
	return models.Reading{Systolic: int(record[0])}, nil
}

func (tinyDriver) TimeSyncPayload(cachedSection []byte, now time.Time) []byte {
	return append([]byte{}, cachedSection...)
}

func TestReadAllReadsAllSlotsAcrossFullSession(t *testing.T) {
	dev := newFakeMemoryDevice()
	// Seed two 16-byte records for the single user slot, one all-0xFF empty
	// slot to verify it gets skipped.
	dev.writeMemory(0x0100, append(bytesOf(1, 16), bytesOf(0xFF, 16)...))

	tr := transport.New(dev, slog.Default())
	ctx := context.Background()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	proto := protocol.New(tr)

	readings, err := device.ReadAll(ctx, proto, tinyDriver{}, protocol.DefaultPairingKey, device.ReadOptions{}, slog.Default())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("got %d readings, want 1 (the all-0xFF slot should be skipped)", len(readings))
	}
	if readings[0].UserSlot != 1 {
		t.Errorf("UserSlot = %d, want 1", readings[0].UserSlot)
	}
	if tr.State() != transport.StateClosed {
		t.Errorf("final state = %v, want closed", tr.State())
	}
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
