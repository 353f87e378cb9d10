//go:build !linux

package ble

func newBondBackend(string) (bondBackend, error) {
	return nil, ErrUnsupported
}
