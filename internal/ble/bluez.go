package ble

import (
	"context"

	"github.com/chaz8081/ledlink/internal/identity"
)

// bondBackend reaches the OS pairing agent for one peripheral, which the
// tinygo API does not cover.
type bondBackend interface {
	// Pair blocks until pairing completes or fails.
	Pair(ctx context.Context) error
	BondState() identity.BondState
	// Connected reports the OS view of the link.
	Connected() (bool, error)
	// Watch calls cb on every pairing change until Close.
	Watch(cb func(identity.BondState))
	Close()
}
