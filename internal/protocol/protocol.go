// Package protocol implements the application-layer operations built atop
// internal/transport: unlock, pairing, EEPROM block and continuous
// read/write (component C2). It never sleeps or retries itself — every
// suspension point and retry budget lives in transport.
package protocol

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jzubielik/omron-bridge/internal/transport"
)

// KeyLength is the fixed size of an OMRON pairing key.
const KeyLength = 16

// DefaultPairingKey is the factory-default key used by the reference
// implementation when no prior pairing has taken place.
var DefaultPairingKey = mustHex("deadbeaf12341234deadbeaf12341234")

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

var (
	ErrKeyMismatch       = errors.New("protocol: pairing key does not match stored key")
	ErrNotInPairingMode  = errors.New("protocol: device not in pairing mode")
	ErrKeyProgramFailed  = errors.New("protocol: key programming failed")
	ErrInvalidKeyLength  = errors.New("protocol: pairing key must be 16 bytes")
)

// unlockTimeout is the per-step timeout used for unlock/pair exchanges on
// the dedicated unlock characteristic.
const unlockTimeout = 5 * time.Second

// Protocol wraps a transport.Transport with the unlock/pair/EEPROM
// application-layer vocabulary.
type Protocol struct {
	t *transport.Transport
}

// New returns a Protocol driving ops over t.
func New(t *transport.Transport) *Protocol {
	return &Protocol{t: t}
}

// Unlock authenticates the session using the given 16-byte pairing key by
// writing 0x01||key to the unlock characteristic and expecting an
// indication whose first two bytes are 0x8100.
func (p *Protocol) Unlock(ctx context.Context, key []byte) error {
	if len(key) != KeyLength {
		return ErrInvalidKeyLength
	}
	req := append([]byte{0x01}, key...)
	resp, err := p.t.SendUnlock(ctx, req, unlockTimeout)
	if err != nil {
		return fmt.Errorf("protocol: unlock: %w", err)
	}
	if len(resp) < 2 || uint16(resp[0])<<8|uint16(resp[1]) != transport.OpcodeUnlockResp {
		return ErrKeyMismatch
	}
	p.t.MarkUnlocked()
	return nil
}

// Pair programs a new pairing key into a device that is in physical
// pairing mode (the device's "P" indicator blinking). It first enters
// key-programming mode (0x02 + 16 zero bytes, expects 0x8200), then writes
// the new key (0x00||key, expects 0x8000). The key is the caller's
// responsibility to persist for future Unlock calls.
func (p *Protocol) Pair(ctx context.Context, newKey []byte) error {
	if len(newKey) != KeyLength {
		return ErrInvalidKeyLength
	}

	enterCmd := append([]byte{0x02}, make([]byte, 16)...)
	resp, err := p.t.SendUnlock(ctx, enterCmd, unlockTimeout)
	if err != nil {
		return fmt.Errorf("protocol: enter pairing mode: %w", err)
	}
	if len(resp) < 2 || uint16(resp[0])<<8|uint16(resp[1]) != transport.OpcodePairEnterModeResp {
		return fmt.Errorf("%w: is the device displaying \"P\"?", ErrNotInPairingMode)
	}

	programCmd := append([]byte{0x00}, newKey...)
	resp, err = p.t.SendUnlock(ctx, programCmd, unlockTimeout)
	if err != nil {
		return fmt.Errorf("protocol: program key: %w", err)
	}
	if len(resp) < 2 || uint16(resp[0])<<8|uint16(resp[1]) != transport.OpcodePairProgramResp {
		return ErrKeyProgramFailed
	}
	return nil
}

// ReadEepromBlock reads blockSize bytes starting at address. Response
// capacity is bounded by frame size (<= 56 payload bytes); callers wanting a
// larger range should use ReadContinuous.
func (p *Protocol) ReadEepromBlock(ctx context.Context, address uint16, blockSize int) ([]byte, error) {
	frame, err := p.t.SendCommand(ctx, transport.OpcodeEepromRead, address, byte(blockSize), nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: read eeprom block at 0x%04x: %w", address, err)
	}
	if frame.Address != address {
		return nil, fmt.Errorf("%w: requested 0x%04x, got 0x%04x", transport.ErrAddressMismatch, address, frame.Address)
	}
	if frame.Type != transport.OpcodeEepromReadResp {
		return nil, fmt.Errorf("%w: 0x%04x", transport.ErrUnexpectedOpcode, frame.Type)
	}
	return frame.Payload, nil
}

// WriteEepromBlock writes data (at most 8 bytes, to keep the frame within
// 16 bytes) starting at address.
func (p *Protocol) WriteEepromBlock(ctx context.Context, address uint16, data []byte) error {
	frame, err := p.t.SendCommand(ctx, transport.OpcodeEepromWrite, address, byte(len(data)), data)
	if err != nil {
		return fmt.Errorf("protocol: write eeprom block at 0x%04x: %w", address, err)
	}
	if frame.Address != address {
		return fmt.Errorf("%w: wrote 0x%04x, got 0x%04x", transport.ErrAddressMismatch, address, frame.Address)
	}
	if frame.Type != transport.OpcodeEepromWriteResp {
		return fmt.Errorf("%w: 0x%04x", transport.ErrUnexpectedOpcode, frame.Type)
	}
	return nil
}

// defaultReadBlockSize and defaultWriteBlockSize match the reference
// implementation's chunking: reads are bounded by frame capacity (<=56
// payload bytes, 0x10 used in practice to match the device's own
// transmission block size), writes are limited to 8 bytes so the write
// frame never exceeds 16 bytes.
const (
	defaultReadBlockSize  = 0x10
	defaultWriteBlockSize = 0x08
)

// ReadContinuous reads n bytes starting at address, issuing as many block
// reads as needed and concatenating the results in order.
func (p *Protocol) ReadContinuous(ctx context.Context, address uint16, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for n > 0 {
		chunk := defaultReadBlockSize
		if chunk > n {
			chunk = n
		}
		data, err := p.ReadEepromBlock(ctx, address, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		address += uint16(chunk)
		n -= chunk
	}
	return out, nil
}

// WriteContinuous writes data starting at address, issuing as many block
// writes as needed.
func (p *Protocol) WriteContinuous(ctx context.Context, address uint16, data []byte) error {
	for len(data) > 0 {
		chunk := defaultWriteBlockSize
		if chunk > len(data) {
			chunk = len(data)
		}
		if err := p.WriteEepromBlock(ctx, address, data[:chunk]); err != nil {
			return err
		}
		data = data[chunk:]
		address += uint16(chunk)
	}
	return nil
}

// StartTransmission and EndTransmission are passed through from transport so
// callers of protocol don't need to hold both a *transport.Transport and a
// *Protocol reference.
func (p *Protocol) StartTransmission(ctx context.Context) error { return p.t.StartTransmission(ctx) }
func (p *Protocol) EndTransmission(ctx context.Context) error   { return p.t.EndTransmission(ctx) }
