package ble

import "github.com/chaz8081/ledlink/internal/identity"

// Event is published on Manager.Events. The set of implementations is closed;
// consumers type-switch on it.
type Event interface {
	event()
}

// Connecting is emitted when a connection attempt starts.
type Connecting struct{}

// Connected is emitted on radio-level link-up, before negotiation.
type Connected struct {
	Name    string
	Address string
}

// Disconnected is emitted when a ready link drops or Disconnect is called.
type Disconnected struct{}

// Ready is emitted once negotiation and discovery completed.
type Ready struct{}

// ConnectFailed is emitted once after the retry budget is spent.
type ConnectFailed struct {
	Err error
}

// MTUNegotiated reports the settled MTU.
type MTUNegotiated struct {
	Size      int
	Succeeded bool
}

// PHYNegotiated reports the settled PHYs.
type PHYNegotiated struct {
	TX, RX    PHY
	Succeeded bool
}

// Bonded is emitted when the peripheral finishes pairing.
type Bonded struct {
	Name    string
	Address string
}

// BondStateChanged is emitted on every pairing state change.
type BondStateChanged struct {
	State identity.BondState
}

// TransferProgress carries the percentage of chunks processed.
type TransferProgress struct {
	Percent int
}

// TransferComplete ends every Send.
type TransferComplete struct {
	Succeeded bool
	Message   string
}

// CharacteristicValue forwards a telemetry notification as-is.
type CharacteristicValue struct {
	Raw string
}

func (Connecting) event()          {}
func (Connected) event()           {}
func (Disconnected) event()        {}
func (Ready) event()               {}
func (ConnectFailed) event()       {}
func (MTUNegotiated) event()       {}
func (PHYNegotiated) event()       {}
func (Bonded) event()              {}
func (BondStateChanged) event()    {}
func (TransferProgress) event()    {}
func (TransferComplete) event()    {}
func (CharacteristicValue) event() {}
