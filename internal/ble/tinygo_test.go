package ble

import "testing"

func TestTinyGoConnectionMTUTarget(t *testing.T) {
	const (
		customService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
		customControl = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	)
	tests := []struct {
		name        string
		service     string
		control     string
		wantService string
		wantChar    string
	}{
		{"stock firmware", "", "", ServiceUUID, ControlCharUUID},
		{"configured identifiers", customService, customControl, customService, customControl},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewTinyGoAdapter(tt.service, tt.control)
			conn := a.newConnection(nil)
			if conn.serviceUUID != tt.wantService {
				t.Errorf("serviceUUID = %q, want %q", conn.serviceUUID, tt.wantService)
			}
			if conn.mtuCharUUID != tt.wantChar {
				t.Errorf("mtuCharUUID = %q, want %q", conn.mtuCharUUID, tt.wantChar)
			}
			if !conn.IsConnected() {
				t.Error("new connection should report connected")
			}
		})
	}
}
