package transport_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jzubielik/omron-bridge/internal/ble"
	"github.com/jzubielik/omron-bridge/internal/transport"
)

// fakeDevice is a minimal in-memory ble.Device that lets tests script
// canned responses: whenever a write lands on the last TX channel touched
// (i.e. the command is fully sent), it invokes onSend with the full
// concatenated command and fans the returned response fragments out to the
// registered RX subscribers.
type fakeDevice struct {
	subs map[ble.CharacteristicUUID]ble.NotifyFunc
	onSend func(cmd []byte) [][]byte // returns fragments to deliver on rx0..rxN
	rxUUIDs []ble.CharacteristicUUID
	pending []byte
}

func newFakeDevice(rxUUIDs []ble.CharacteristicUUID) *fakeDevice {
	return &fakeDevice{subs: map[ble.CharacteristicUUID]ble.NotifyFunc{}, rxUUIDs: rxUUIDs}
}

func (f *fakeDevice) WriteCharacteristic(_ context.Context, uuid ble.CharacteristicUUID, data []byte) error {
	f.pending = append(f.pending, data...)
	// Heuristic for tests: a command is complete once pending reaches the
	// declared size in its first byte.
	if len(f.pending) > 0 && len(f.pending) >= int(f.pending[0]) {
		cmd := f.pending
		f.pending = nil
		if f.onSend == nil {
			return nil
		}
		frags := f.onSend(cmd)
		for i, frag := range frags {
			if i >= len(f.rxUUIDs) {
				break
			}
			if fn, ok := f.subs[f.rxUUIDs[i]]; ok {
				fn(frag)
			}
		}
	}
	return nil
}

func (f *fakeDevice) Subscribe(_ context.Context, uuid ble.CharacteristicUUID, fn ble.NotifyFunc) error {
	f.subs[uuid] = fn
	return nil
}

func (f *fakeDevice) Unsubscribe(uuid ble.CharacteristicUUID) error {
	delete(f.subs, uuid)
	return nil
}

func (f *fakeDevice) Disconnect() error { return nil }

func xorCrc(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return x
}

// buildResponse builds a complete 8-byte response frame of the given type
// whose length byte is 1 and whose byte 6 holds payload (the error-code
// position an end-transmission response is read from). The frame fits in a
// single 16-byte fragment.
func buildResponse(respType uint16, payload byte) []byte {
	frame := []byte{0x08, byte(respType >> 8), byte(respType), 0x00, 0x00, 0x01, payload, 0x00}
	frame[len(frame)-1] = xorCrc(frame[:len(frame)-1])
	return frame
}

var testRxUUIDs = []ble.CharacteristicUUID{
	"49123040-aee8-11e1-a74d-0002a5d5c51b",
	"4d0bf320-aee8-11e1-a0d9-0002a5d5c51b",
	"5128ce60-aee8-11e1-b84b-0002a5d5c51b",
	"560f1420-aee8-11e1-8184-0002a5d5c51b",
}

func TestStartAndEndTransmission(t *testing.T) {
	dev := newFakeDevice(testRxUUIDs)
	dev.onSend = func(cmd []byte) [][]byte {
		switch {
		case cmd[1] == 0x00 && cmd[2] == 0x00: // start-transmission
			return [][]byte{buildResponse(0x8000, 0x00)}
		case cmd[1] == 0x0f: // end-transmission
			return [][]byte{buildResponse(0x8f00, 0x00)}
		}
		return nil
	}

	tr := transport.New(dev, slog.Default())
	ctx := context.Background()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.StartTransmission(ctx); err != nil {
		t.Fatalf("StartTransmission: %v", err)
	}
	if tr.State() != transport.StateOpened {
		t.Fatalf("state = %v, want opened", tr.State())
	}
	if err := tr.EndTransmission(ctx); err != nil {
		t.Fatalf("EndTransmission: %v", err)
	}
	if tr.State() != transport.StateClosed {
		t.Fatalf("state = %v, want closed", tr.State())
	}
}

func TestEndTransmissionDeviceError(t *testing.T) {
	dev := newFakeDevice(testRxUUIDs)
	dev.onSend = func(cmd []byte) [][]byte {
		if cmd[1] == 0x00 && cmd[2] == 0x00 {
			return [][]byte{buildResponse(0x8000, 0x00)}
		}
		return [][]byte{buildResponse(0x8f00, 0x07)} // nonzero error code
	}

	tr := transport.New(dev, slog.Default())
	ctx := context.Background()
	_ = tr.Start(ctx)
	_ = tr.StartTransmission(ctx)

	if err := tr.EndTransmission(ctx); err == nil {
		t.Fatal("expected device-reported error, got nil")
	}
}

func TestSendCommandRequiresOpenedSession(t *testing.T) {
	dev := newFakeDevice(testRxUUIDs)
	tr := transport.New(dev, slog.Default())
	ctx := context.Background()
	_ = tr.Start(ctx)

	_, err := tr.SendCommand(ctx, transport.OpcodeEepromRead, 0x0098, 0x10, nil)
	if err == nil {
		t.Fatal("expected error sending EEPROM command on idle session")
	}
}

func TestTransmissionTimeoutAfterRetryBudget(t *testing.T) {
	dev := newFakeDevice(testRxUUIDs)
	dev.onSend = func(cmd []byte) [][]byte { return nil } // never responds

	tr := transport.New(dev, slog.Default())
	ctx := context.Background()
	_ = tr.Start(ctx)

	start := time.Now()
	err := tr.StartTransmission(ctx)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("expected at least one full 1s timeout window, took %s", elapsed)
	}
}
