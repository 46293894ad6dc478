package main

import (
	"context"
	"fmt"

	"github.com/jzubielik/omron-bridge/internal/ble"
	"tinygo.org/x/bluetooth"
)

// tinygoCentral adapts a *bluetooth.Adapter to internal/ble.Central.
type tinygoCentral struct {
	adapter *bluetooth.Adapter
}

// newTinygoCentral enables the host's default BLE adapter and returns a
// Central bound to it.
func newTinygoCentral() (*tinygoCentral, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	return &tinygoCentral{adapter: adapter}, nil
}

// omronServiceUUID and the characteristic UUIDs are placeholders for the
// vendor-assigned GATT service OMRON devices expose; address and exact
// UUIDs come from the paired device's advertisement and are not validated
// further here.
var omronServiceUUID = bluetooth.New16BitUUID(0xfe00)

// Connect implements ble.Central.
func (c *tinygoCentral) Connect(ctx context.Context, address string) (ble.Device, error) {
	addr, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("ble: parse address %q: %w", address, err)
	}

	dev, err := c.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: addr}}, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	services, err := dev.DiscoverServices([]bluetooth.UUID{omronServiceUUID})
	if err != nil {
		dev.Disconnect()
		return nil, fmt.Errorf("ble: discover services on %s: %w", address, err)
	}
	if len(services) == 0 {
		dev.Disconnect()
		return nil, fmt.Errorf("ble: %s does not expose the OMRON GATT service", address)
	}

	chars, err := services[0].DiscoverCharacteristics(nil)
	if err != nil {
		dev.Disconnect()
		return nil, fmt.Errorf("ble: discover characteristics on %s: %w", address, err)
	}

	byUUID := make(map[ble.CharacteristicUUID]bluetooth.DeviceCharacteristic, len(chars))
	for _, ch := range chars {
		byUUID[ble.CharacteristicUUID(ch.UUID().String())] = ch
	}

	return &tinygoDevice{dev: dev, chars: byUUID}, nil
}

// tinygoDevice adapts a bluetooth.Device plus its discovered characteristics
// to internal/ble.Device.
type tinygoDevice struct {
	dev   bluetooth.Device
	chars map[ble.CharacteristicUUID]bluetooth.DeviceCharacteristic
}

func (d *tinygoDevice) characteristic(uuid ble.CharacteristicUUID) (bluetooth.DeviceCharacteristic, error) {
	ch, ok := d.chars[uuid]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not discovered", uuid)
	}
	return ch, nil
}

// WriteCharacteristic implements ble.Device.
func (d *tinygoDevice) WriteCharacteristic(_ context.Context, uuid ble.CharacteristicUUID, data []byte) error {
	ch, err := d.characteristic(uuid)
	if err != nil {
		return err
	}
	_, err = ch.WriteWithoutResponse(data)
	return err
}

// Subscribe implements ble.Device.
func (d *tinygoDevice) Subscribe(_ context.Context, uuid ble.CharacteristicUUID, fn ble.NotifyFunc) error {
	ch, err := d.characteristic(uuid)
	if err != nil {
		return err
	}
	return ch.EnableNotifications(func(buf []byte) {
		fn(buf)
	})
}

// Unsubscribe implements ble.Device.
func (d *tinygoDevice) Unsubscribe(uuid ble.CharacteristicUUID) error {
	ch, err := d.characteristic(uuid)
	if err != nil {
		return err
	}
	return ch.EnableNotifications(nil)
}

// Disconnect implements ble.Device.
func (d *tinygoDevice) Disconnect() error {
	return d.dev.Disconnect()
}
