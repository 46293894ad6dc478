// Package ble declares the narrow interfaces the transport layer needs from
// a host GATT/BLE stack. The stack itself — scanning, connecting, and
// characteristic notify/write — is deliberately out of scope for this
// module; it is an external collaborator. internal/transport depends only
// on these interfaces, never on a concrete BLE library, so that the wire
// protocol and framing logic can be exercised without real hardware.
//
// The concrete adapter that satisfies these interfaces against
// tinygo.org/x/bluetooth lives in cmd/omron-bridge, kept out of the
// internal packages entirely.
package ble

import "context"

// CharacteristicUUID identifies a single GATT characteristic.
type CharacteristicUUID string

// Device is a connected GATT peer exposing the characteristics the protocol
// needs: four write channels, four notify channels, and one unlock channel.
type Device interface {
	// WriteCharacteristic performs a GATT write-without-response of data to
	// the characteristic identified by uuid.
	WriteCharacteristic(ctx context.Context, uuid CharacteristicUUID, data []byte) error

	// Subscribe registers fn to be called with every notification/indication
	// received on the characteristic identified by uuid, until ctx is done or
	// Unsubscribe is called. Subscribe must not block past registration.
	Subscribe(ctx context.Context, uuid CharacteristicUUID, fn NotifyFunc) error

	// Unsubscribe disables notifications previously enabled by Subscribe.
	Unsubscribe(uuid CharacteristicUUID) error

	// Disconnect tears down the GATT connection. It does not unpair — pairing
	// state is preserved across reconnects so a future session can unlock
	// without re-pairing.
	Disconnect() error
}

// NotifyFunc receives one inbound notification payload.
type NotifyFunc func(data []byte)

// Central discovers and connects to a single OMRON peripheral. Scan timeouts
// and connect timeouts are the caller's responsibility; the device remains
// reachable over BLE for only about 30 seconds after a physical button
// press, so Central implementations should favor a direct connect by known
// address over an open-ended scan whenever the address is already known.
type Central interface {
	// Connect dials the peripheral identified by address (implementation
	// defined: MAC address or platform identifier) and returns a Device
	// bound to the GATT service carrying the OMRON characteristics.
	Connect(ctx context.Context, address string) (Device, error)
}
