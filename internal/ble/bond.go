package ble

import (
	"strings"

	"github.com/chaz8081/ledlink/internal/identity"
)

// DefaultBondAfterConnects is the connect count that triggers bonding.
const DefaultBondAfterConnects = 3

var bondNameHints = []string{"led", "myled", "matrix", "display"}

// BondPolicy decides when to pair with the peripheral automatically.
type BondPolicy struct {
	Auto          bool
	AfterConnects int
}

// DefaultBondPolicy enables automatic bonding after three connects.
func DefaultBondPolicy() BondPolicy {
	return BondPolicy{Auto: true, AfterConnects: DefaultBondAfterConnects}
}

// ShouldBond applies the policy to the current link. Frequently used devices
// and devices whose name looks like an LED display are worth pairing with.
func (p BondPolicy) ShouldBond(state identity.BondState, connectCount int, name string) bool {
	if state == identity.BondBonded || state == identity.BondBonding {
		return false
	}
	threshold := p.AfterConnects
	if threshold <= 0 {
		threshold = DefaultBondAfterConnects
	}
	if connectCount >= threshold {
		return true
	}
	lower := strings.ToLower(name)
	for _, hint := range bondNameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// ShouldBond applies DefaultBondPolicy.
func ShouldBond(state identity.BondState, connectCount int, name string) bool {
	return DefaultBondPolicy().ShouldBond(state, connectCount, name)
}
