package ble

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// PHY is a Bluetooth LE physical layer.
type PHY int

const (
	PHY1M    PHY = 1
	PHY2M    PHY = 2
	PHYCoded PHY = 3
)

func (p PHY) String() string {
	switch p {
	case PHY1M:
		return "1M"
	case PHY2M:
		return "2M"
	case PHYCoded:
		return "Coded"
	default:
		return fmt.Sprintf("PHY(%d)", int(p))
	}
}

// Describe returns a longer label for status output.
func (p PHY) Describe() string {
	switch p {
	case PHY1M:
		return "LE 1M (1 Mbps, baseline)"
	case PHY2M:
		return "LE 2M (2 Mbps, high throughput)"
	case PHYCoded:
		return "LE Coded (long range, low rate)"
	default:
		return p.String()
	}
}

// PreferredPHY picks the best PHY from supported: 2M, then Coded, then 1M.
func PreferredPHY(supported []PHY) PHY {
	for _, p := range []PHY{PHY2M, PHYCoded} {
		if slices.Contains(supported, p) {
			return p
		}
	}
	return PHY1M
}

type phyResult struct {
	TX, RX    PHY
	Succeeded bool
}

// phyNegotiator caches the adapter's PHY support for the life of the Manager.
type phyNegotiator struct {
	adapter Adapter
	timeout time.Duration

	once      sync.Once
	supported []PHY
}

func (n *phyNegotiator) supportedPHYs() []PHY {
	n.once.Do(func() {
		s := slices.Clone(n.adapter.SupportedPHYs())
		if !slices.Contains(s, PHY1M) {
			s = append(s, PHY1M)
		}
		n.supported = s
		slog.Debug("[PHY] Adapter support", "phys", s)
	})
	return n.supported
}

// negotiate never fails: a refused or timed out request settles at 1M/1M
// and is reported as a success, since 1M is always usable.
func (n *phyNegotiator) negotiate(ctx context.Context, conn Connection) phyResult {
	pref := PreferredPHY(n.supportedPHYs())
	if pref == PHY1M {
		slog.Info("[PHY] Only 1M available, skipping negotiation")
		return phyResult{TX: PHY1M, RX: PHY1M, Succeeded: true}
	}

	slog.Info("[PHY] Requesting preferred PHY", "phy", pref)
	pair, err := await(ctx, n.timeout, func(ctx context.Context) ([2]PHY, error) {
		tx, rx, err := conn.SetPreferredPHY(ctx, pref, pref)
		return [2]PHY{tx, rx}, err
	})
	if err != nil {
		slog.Warn("[PHY] Negotiation failed, forcing 1M", "requested", pref, "error", err)
		return phyResult{TX: PHY1M, RX: PHY1M, Succeeded: true}
	}
	slog.Info("[PHY] Negotiated", "tx", pair[0], "rx", pair[1])
	return phyResult{TX: pair[0], RX: pair[1], Succeeded: true}
}
