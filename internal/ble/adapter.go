// Package ble manages the central-role link to an LED matrix peripheral:
// discovery, connection lifecycle, MTU and PHY negotiation, bonding and the
// characteristic handles the chunked transfer engine writes through.
package ble

import (
	"context"
	"strings"

	"github.com/chaz8081/ledlink/internal/identity"
)

// LED matrix GATT identifiers.
const (
	ServiceUUID = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"

	ControlCharUUID      = "beb5483e-36e1-4688-b7f5-ea07361b26c0"
	BrightnessCharUUID   = "beb5483e-36e1-4688-b7f5-ea07361b26a9"
	GIFCharUUID          = "beb5483e-36e1-4688-b7f5-ea07361b26b1"
	TextCharUUID         = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	TextScrollCharUUID   = "beb5483e-36e1-4688-b7f5-ea07361b26a3"
	DrawNormalCharUUID   = "beb5483e-36e1-4688-b7f5-ea07361b26a7"
	DrawColorfulCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a6"
	FillPixelCharUUID    = "beb5483e-36e1-4688-b7f5-ea07361b26a5"
	FillScreenCharUUID   = "beb5483e-36e1-4688-b7f5-ea07361b26a4"
	RefreshRateCharUUID  = "beb5483e-36e1-4688-b7f5-ea07361b26b2"

	// TelemetryCharUUID notifies the current brightness and status strings.
	TelemetryCharUUID = BrightnessCharUUID

	DefaultDeviceName = "MyLED"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Read returns the current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// ScanFilter selects the peripheral during a scan. A device matches when it
// advertises ServiceUUID or its local name equals Name.
type ScanFilter struct {
	ServiceUUID string
	Name        string
}

// Matches reports whether an advertisement with the given local name and
// service membership is the target.
func (f ScanFilter) Matches(name string, hasService bool) bool {
	if hasService {
		return true
	}
	return f.Name != "" && strings.TrimSpace(name) == f.Name
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// RequestMTU asks for an ATT MTU of size and returns the MTU in effect.
	RequestMTU(ctx context.Context, size int) (int, error)
	// SetPreferredPHY requests tx/rx PHYs and returns the ones in effect.
	SetPreferredPHY(ctx context.Context, tx, rx PHY) (PHY, PHY, error)
	// ReadPHY returns the PHYs currently in use.
	ReadPHY(ctx context.Context) (PHY, PHY, error)
	// CreateBond starts OS-level pairing with the peripheral.
	CreateBond(ctx context.Context) error
	// BondState returns the current pairing state.
	BondState() identity.BondState
	// OnBondStateChange registers a callback for pairing state changes.
	OnBondStateChange(callback func(identity.BondState))
	// IsConnected polls the link layer for the connection status.
	IsConnected() bool
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan blocks until a device matching filter is seen or ctx ends.
	Scan(ctx context.Context, filter ScanFilter) (Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
	// SupportedPHYs lists the PHYs the local controller can use.
	SupportedPHYs() []PHY
}
