package ble

import (
	"testing"

	"github.com/chaz8081/ledlink/internal/identity"
)

func TestShouldBond(t *testing.T) {
	tests := []struct {
		name  string
		state identity.BondState
		count int
		dev   string
		want  bool
	}{
		{"already bonded", identity.BondBonded, 10, "MyLED", false},
		{"bonding in progress", identity.BondBonding, 10, "MyLED", false},
		{"third connect", identity.BondNone, 3, "Sensor", true},
		{"second connect unknown name", identity.BondNone, 2, "Sensor", false},
		{"name hint", identity.BondNone, 1, "MyLED", true},
		{"name hint case insensitive", identity.BondNone, 1, "kitchen-matrix", true},
		{"display hint", identity.BondNone, 1, "Desk Display", true},
		{"empty name", identity.BondNone, 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldBond(tt.state, tt.count, tt.dev); got != tt.want {
				t.Errorf("ShouldBond(%v, %d, %q) = %v, want %v", tt.state, tt.count, tt.dev, got, tt.want)
			}
		})
	}
}

func TestBondPolicyThreshold(t *testing.T) {
	p := BondPolicy{Auto: true, AfterConnects: 5}
	if p.ShouldBond(identity.BondNone, 4, "Sensor") {
		t.Error("ShouldBond below custom threshold = true")
	}
	if !p.ShouldBond(identity.BondNone, 5, "Sensor") {
		t.Error("ShouldBond at custom threshold = false")
	}
}
