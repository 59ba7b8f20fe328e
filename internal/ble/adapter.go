// Package ble connects the mesh provisioner to the Bluetooth radio: scanning
// for mesh advertisements, tracking radio power and carrying provisioning
// sessions over GATT.
package ble

import (
	"context"
	"errors"
)

// Mesh GATT service and characteristic UUIDs.
const (
	ProvisioningServiceUUID = "00001827-0000-1000-8000-00805f9b34fb"
	ProvisioningDataInUUID  = "00002adb-0000-1000-8000-00805f9b34fb"
	ProvisioningDataOutUUID = "00002adc-0000-1000-8000-00805f9b34fb"

	ProxyServiceUUID = "00001828-0000-1000-8000-00805f9b34fb"
	ProxyDataInUUID  = "00002add-0000-1000-8000-00805f9b34fb"
	ProxyDataOutUUID = "00002ade-0000-1000-8000-00805f9b34fb"
)

// ErrRadioDisabled is returned when scanning or connecting with the radio off.
var ErrRadioDisabled = errors.New("ble: radio disabled")

// ErrNotFound is returned by Connection.DiscoverCharacteristic when the
// peripheral does not expose the service or characteristic.
var ErrNotFound = errors.New("ble: not found")

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Advertisement is one received advertising report. Payload holds the raw
// AD structures.
type Advertisement struct {
	Address string
	RSSI    int
	Payload []byte
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement to fn until ctx is cancelled.
	Scan(ctx context.Context, fn func(Advertisement)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
