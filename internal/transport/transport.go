package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jzubielik/omron-bridge/internal/ble"
)

// State is the transport session's explicit state machine. Every EEPROM
// operation declares opened as a precondition; unlock brings the session
// from idle to unlocked; start-transmission opens it; end-transmission
// closes it and drops RX notifications.
type State int

const (
	StateIdle State = iota
	StateUnlocked
	StateOpened
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUnlocked:
		return "unlocked"
	case StateOpened:
		return "opened"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel layout, grounded on the reference device's GATT service.
const (
	unlockUUID ble.CharacteristicUUID = "b305b680-aee7-11e1-a730-0002a5d5c51b"
)

var rxUUIDs = [4]ble.CharacteristicUUID{
	"49123040-aee8-11e1-a74d-0002a5d5c51b",
	"4d0bf320-aee8-11e1-a0d9-0002a5d5c51b",
	"5128ce60-aee8-11e1-b84b-0002a5d5c51b",
	"560f1420-aee8-11e1-8184-0002a5d5c51b",
}

var txUUIDs = [4]ble.CharacteristicUUID{
	"db5b55e0-aee7-11e1-965e-0002a5d5c51b",
	"e0b8a060-aee7-11e1-92f4-0002a5d5c51b",
	"0ae12b00-aee8-11e1-a192-0002a5d5c51b",
	"10e1ba60-aee8-11e1-89e5-0002a5d5c51b",
}

// ParentServiceUUID is the single GATT service carrying every
// characteristic referenced by this package. It is exported so a Central
// implementation can filter services during Connect.
const ParentServiceUUID = "ecbe3980-c9a2-11e1-b1bd-0002a5d5c51b"

// sendTimeout and maxRetries implement the send-and-wait retry budget: 1
// second per attempt, 5 consecutive timeouts before TransmissionTimeout.
const (
	sendTimeout = time.Second
	maxRetries  = 5
)

// Transport drives one OMRON session over a connected ble.Device. Only one
// operation may be in flight at a time; concurrent callers block on a mutex
// until the operation ahead of them finishes (they are not rejected), so
// exchanges are never interleaved, since the driver relies on strict
// sequencing to correlate request and response addresses.
type Transport struct {
	dev    ble.Device
	logger *slog.Logger

	opMu  sync.Mutex // serializes operations end-to-end
	state State

	asm *assembler

	unlockMu   sync.Mutex
	unlockResp chan []byte
}

// New returns a Transport bound to dev, idle until Start is called.
func New(dev ble.Device, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		dev:    dev,
		logger: logger,
		state:  StateIdle,
		asm:    newAssembler(),
	}
}

// State returns the current session state.
func (t *Transport) State() State {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	return t.state
}

// Start subscribes to the four RX notify channels, fanning inbound
// fragments into the internal assembler. It must be called before any send
// operation.
func (t *Transport) Start(ctx context.Context) error {
	for i, uuid := range rxUUIDs {
		idx := i
		if err := t.dev.Subscribe(ctx, uuid, func(data []byte) {
			t.asm.feed(idx, data)
		}); err != nil {
			return fmt.Errorf("transport: subscribe rx%d: %w", idx, err)
		}
	}
	return nil
}

// Stop unsubscribes from every RX channel. Safe to call multiple times.
func (t *Transport) Stop() {
	for _, uuid := range rxUUIDs {
		_ = t.dev.Unsubscribe(uuid)
	}
}

// StartTransmission opens a read-out session with the device: opcode 0x0800,
// expects response type 0x8000. Transitions idle|unlocked -> opened.
func (t *Transport) StartTransmission(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	frame, err := t.sendAndWaitLocked(ctx, startTransmissionCmd)
	if err != nil {
		return err
	}
	if frame.Type != OpcodeStartTransmissionResp {
		return fmt.Errorf("%w: start-transmission returned 0x%04x", ErrUnexpectedOpcode, frame.Type)
	}
	t.state = StateOpened
	return nil
}

// EndTransmission closes the session: opcode 0x080f, expects response type
// 0x8f00 carrying a one-byte error code. A nonzero error code fails with
// ErrDeviceReported. Transitions opened -> closed and drops RX
// notifications.
func (t *Transport) EndTransmission(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if t.state != StateOpened {
		return fmt.Errorf("%w: end-transmission requires opened, have %s", ErrSessionState, t.state)
	}

	frame, err := t.sendAndWaitLocked(ctx, endTransmissionCmd)
	if err != nil {
		return err
	}
	if frame.Type != OpcodeEndTransmissionResp {
		return fmt.Errorf("%w: end-transmission returned 0x%04x", ErrUnexpectedOpcode, frame.Type)
	}
	if len(frame.Payload) > 0 && frame.Payload[0] != 0 {
		return fmt.Errorf("%w: error code %d", ErrDeviceReported, frame.Payload[0])
	}

	t.state = StateClosed
	t.Stop()
	return nil
}

// SendCommand transmits a pre-built command frame and returns the decoded
// response, requiring the session to be opened. EEPROM read/write (C2) use
// this for every block operation.
func (t *Transport) SendCommand(ctx context.Context, opcode uint16, address uint16, lengthByte byte, payload []byte) (Frame, error) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if t.state != StateOpened {
		return Frame{}, fmt.Errorf("%w: EEPROM operation requires opened, have %s", ErrSessionState, t.state)
	}

	cmd, err := buildCommand(opcode, address, lengthByte, payload)
	if err != nil {
		return Frame{}, err
	}
	return t.sendAndWaitLocked(ctx, cmd)
}

// sendAndWaitLocked implements the send-and-wait retry loop: write cmd in
// 16-byte fragments to TX0..TXk, wait up to sendTimeout for one complete
// inbound frame, retry from scratch on timeout or on a frame that fails its
// CRC check, up to maxRetries attempts, then fail with the last attempt's
// error (ErrTransmissionTimeout, or the CRC failure). Caller must hold opMu.
func (t *Transport) sendAndWaitLocked(ctx context.Context, cmd []byte) (Frame, error) {
	lastErr := ErrTransmissionTimeout
	for attempt := 0; attempt < maxRetries; attempt++ {
		t.asm.reset()

		for i, chunk := range fragments(cmd) {
			if err := t.dev.WriteCharacteristic(ctx, txUUIDs[i], chunk); err != nil {
				return Frame{}, fmt.Errorf("transport: write tx%d: %w", i, err)
			}
		}

		select {
		case frame := <-t.asm.frames:
			return frame, nil
		case err := <-t.asm.errs:
			t.logger.Warn("received corrupt frame, retrying", "attempt", attempt+1, "max_retries", maxRetries, "error", err)
			lastErr = err
			continue
		case <-time.After(sendTimeout):
			t.logger.Warn("transmission timed out, retrying", "attempt", attempt+1, "max_retries", maxRetries)
			lastErr = ErrTransmissionTimeout
			continue
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
	return Frame{}, lastErr
}

// SendUnlock drives the single-characteristic, non-channeled request/response
// exchange used by unlock and pairing: write data to the unlock
// characteristic and wait for exactly one indication, with the same retry
// count as the multi-channel path and the caller-supplied per-attempt
// timeout. It is exported for use by
// internal/protocol, which owns the unlock/pair wire formats; this package
// only owns the suspension/retry mechanics.
func (t *Transport) SendUnlock(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	t.unlockMu.Lock()
	defer t.unlockMu.Unlock()

	t.unlockResp = make(chan []byte, 1)
	defer func() { t.unlockResp = nil }()

	if err := t.dev.Subscribe(ctx, unlockUUID, func(data []byte) {
		ch := t.unlockResp
		if ch != nil {
			select {
			case ch <- data:
			default:
			}
		}
	}); err != nil {
		return nil, fmt.Errorf("transport: subscribe unlock channel: %w", err)
	}
	defer func() { _ = t.dev.Unsubscribe(unlockUUID) }()

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := t.dev.WriteCharacteristic(ctx, unlockUUID, data); err != nil {
			return nil, fmt.Errorf("transport: write unlock channel: %w", err)
		}

		select {
		case resp := <-t.unlockResp:
			return resp, nil
		case <-time.After(timeout):
			t.logger.Warn("unlock exchange timed out, retrying", "attempt", attempt+1, "max_retries", maxRetries)
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrTransmissionTimeout
}

// MarkUnlocked transitions idle -> unlocked. Called by internal/protocol
// after a successful unlock exchange.
func (t *Transport) MarkUnlocked() {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	if t.state == StateIdle {
		t.state = StateUnlocked
	}
}
