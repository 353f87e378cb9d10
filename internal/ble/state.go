package ble

import (
	"fmt"

	"github.com/chaz8081/ledlink/internal/ble/protocol"
)

// State is the lifecycle state of the link.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDiscovering
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// busy reports whether a connection is underway or established.
func (s State) busy() bool {
	switch s {
	case StateConnecting, StateConnected, StateDiscovering, StateReady:
		return true
	}
	return false
}

// linkUp reports whether a radio link exists.
func (s State) linkUp() bool {
	return s == StateConnected || s == StateDiscovering || s == StateReady
}

// LinkParameters describes the negotiated link.
type LinkParameters struct {
	MTU           int
	TxPHY         PHY
	RxPHY         PHY
	MTUNegotiated bool
	PHYNegotiated bool
}

func defaultLinkParameters() LinkParameters {
	return LinkParameters{MTU: DefaultMTU, TxPHY: PHY1M, RxPHY: PHY1M}
}

// ChunkSize is the payload carried per data packet at this MTU.
func (p LinkParameters) ChunkSize() int {
	return p.MTU - protocol.HeaderOverhead
}
