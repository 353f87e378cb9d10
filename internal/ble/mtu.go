package ble

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// DefaultMTU is the ATT minimum every link supports.
	DefaultMTU = 23
	// MaxMTU is the largest MTU requested.
	MaxMTU = 512
)

// DefaultMTUTiers is the request order: the maximum, then one fallback.
var DefaultMTUTiers = []int{MaxMTU, 256}

type mtuResult struct {
	Size      int
	Succeeded bool
}

// MTUQuality names the throughput tier of an MTU for logs and status output.
func MTUQuality(mtu int) string {
	switch {
	case mtu >= 512:
		return "optimal"
	case mtu >= 256:
		return "good"
	case mtu >= 128:
		return "acceptable"
	default:
		return "low"
	}
}

// mtuNegotiator runs once per connection attempt.
type mtuNegotiator struct {
	tiers   []int
	timeout time.Duration
	started atomic.Bool
}

func newMTUNegotiator(tiers []int, timeout time.Duration) *mtuNegotiator {
	if len(tiers) == 0 {
		tiers = DefaultMTUTiers
	}
	return &mtuNegotiator{tiers: tiers, timeout: timeout}
}

// start negotiates in the background and reports through done. It returns
// false without doing anything if negotiation already started.
func (n *mtuNegotiator) start(ctx context.Context, conn Connection, done func(mtuResult)) bool {
	if !n.started.CompareAndSwap(false, true) {
		slog.Debug("[MTU] Negotiation already in progress")
		return false
	}
	go func() { done(n.negotiate(ctx, conn)) }()
	return true
}

func (n *mtuNegotiator) negotiate(ctx context.Context, conn Connection) mtuResult {
	for _, want := range n.tiers {
		want := want // per-iteration copy (pre-Go 1.22 loop semantics)
		got, err := await(ctx, n.timeout, func(ctx context.Context) (int, error) {
			return conn.RequestMTU(ctx, want)
		})
		if err != nil {
			slog.Warn("[MTU] Request failed", "requested", want, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		size := max(DefaultMTU, min(got, want))
		slog.Info("[MTU] Negotiated", "requested", want, "mtu", size, "quality", MTUQuality(size))
		return mtuResult{Size: size, Succeeded: true}
	}
	slog.Warn("[MTU] All requests failed, using default", "mtu", DefaultMTU)
	return mtuResult{Size: DefaultMTU}
}
