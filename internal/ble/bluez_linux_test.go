//go:build linux

package ble

import "testing"

func TestBluezDevicePath(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"AA:BB:CC:DD:EE:FF", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"},
		{"aa:bb:cc:dd:ee:0f", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_0F"},
	}
	for _, tt := range tests {
		if got := bluezDevicePath(tt.address); string(got) != tt.want {
			t.Errorf("bluezDevicePath(%q) = %q, want %q", tt.address, got, tt.want)
		}
	}
}
