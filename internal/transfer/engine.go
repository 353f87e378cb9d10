// Package transfer pushes payloads larger than one GATT write to the
// peripheral as a header packet followed by sequenced data packets.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/ledlink/internal/ble/protocol"
)

var (
	ErrNotReady        = errors.New("transfer: link not ready")
	ErrEmptyPayload    = errors.New("transfer: empty payload")
	ErrPayloadTooLarge = errors.New("transfer: payload too large")
	ErrHeaderFailed    = errors.New("transfer: header packet failed")
	ErrLinkDropped     = errors.New("transfer: link dropped")
	ErrCancelled       = errors.New("transfer: cancelled")
	ErrPartialTransfer = errors.New("transfer: some chunks failed")
)

// Link is the write path the engine borrows from the connection manager.
type Link interface {
	// Ready reports whether writes may be issued.
	Ready() bool
	// MTU returns the negotiated ATT MTU.
	MTU() int
	// WritePacket writes one packet and waits for its completion.
	WritePacket(ctx context.Context, pkt []byte) error
}

// Options tunes retries and pacing.
type Options struct {
	HeaderRetries      int           // extra attempts for the header packet
	DataRetries        int           // extra attempts per data packet
	RetryDelay         time.Duration // multiplied by the retry number
	HeaderSettle       time.Duration // pause after the header so the peripheral can allocate
	PacketDelay        time.Duration // pause after each data packet
	BatchSize          int           // packets between batch pauses
	BatchDelay         time.Duration
	CapacityMultiplier int // max payload is MTU * CapacityMultiplier
}

// DefaultOptions returns the pacing the firmware was tuned against.
func DefaultOptions() Options {
	return Options{
		HeaderRetries:      5,
		DataRetries:        3,
		RetryDelay:         100 * time.Millisecond,
		HeaderSettle:       800 * time.Millisecond,
		PacketDelay:        50 * time.Millisecond,
		BatchSize:          10,
		BatchDelay:         200 * time.Millisecond,
		CapacityMultiplier: 1024,
	}
}

// Report summarizes a finished or aborted transfer.
type Report struct {
	ID       string
	Digest   string
	Size     int
	MTU      int
	Chunks   int
	Sent     int
	Failed   int
	Duration time.Duration
}

type session struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine runs at most one transfer at a time.
type Engine struct {
	link Link
	opts Options

	mu     sync.Mutex
	active *session
}

// NewEngine creates an engine writing through link. Negative values in opts
// are treated as zero.
func NewEngine(link Link, opts Options) *Engine {
	opts.HeaderRetries = max(opts.HeaderRetries, 0)
	opts.DataRetries = max(opts.DataRetries, 0)
	if opts.CapacityMultiplier <= 0 {
		opts.CapacityMultiplier = DefaultOptions().CapacityMultiplier
	}
	return &Engine{link: link, opts: opts}
}

// Active reports whether a transfer is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// Cancel aborts the running transfer, if any. It does not wait.
func (e *Engine) Cancel() {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s != nil {
		s.cancel()
	}
}

// supersede cancels the running transfer and waits for it to return.
func (e *Engine) supersede() {
	e.mu.Lock()
	prev := e.active
	e.mu.Unlock()
	if prev != nil {
		slog.Info("[XFER] Cancelling previous transfer", "id", prev.id)
		prev.cancel()
		<-prev.done
	}
}

// Send transfers payload. A running transfer is cancelled and waited for
// first, even when the new payload is then rejected. progress, if non-nil,
// is called after every data packet with the percentage of packets processed.
func (e *Engine) Send(ctx context.Context, payload []byte, progress func(percent int)) (*Report, error) {
	e.supersede()

	if !e.link.Ready() {
		return nil, ErrNotReady
	}
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	mtu := e.link.MTU()
	if limit := mtu * e.opts.CapacityMultiplier; len(payload) > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d at mtu %d", ErrPayloadTooLarge, len(payload), limit, mtu)
	}
	header, err := protocol.EncodeHeader(len(payload), mtu)
	if err != nil {
		return nil, fmt.Errorf("transfer: encoding header: %w", err)
	}
	packets, err := protocol.Split(payload, mtu)
	if err != nil {
		return nil, fmt.Errorf("transfer: splitting payload: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	prev := e.active
	e.active = s
	e.mu.Unlock()
	if prev != nil {
		slog.Info("[XFER] Cancelling previous transfer", "id", prev.id)
		prev.cancel()
		<-prev.done
	}
	defer func() {
		cancel()
		e.mu.Lock()
		if e.active == s {
			e.active = nil
		}
		e.mu.Unlock()
		close(s.done)
	}()

	report := &Report{
		ID:     s.id,
		Digest: protocol.Digest(payload),
		Size:   len(payload),
		MTU:    mtu,
		Chunks: len(packets),
	}
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	slog.Info("[XFER] Starting transfer", "id", s.id, "bytes", len(payload), "mtu", mtu, "chunks", len(packets), "digest", report.Digest)

	if err := e.write(ctx, header, e.opts.HeaderRetries); err != nil {
		if errors.Is(err, ErrCancelled) || errors.Is(err, ErrLinkDropped) {
			return report, err
		}
		slog.Error("[XFER] Header packet failed", "id", s.id, "error", err)
		return report, fmt.Errorf("%w: %w", ErrHeaderFailed, err)
	}
	if err := sleep(ctx, e.opts.HeaderSettle); err != nil {
		return report, err
	}

	for i, pkt := range packets {
		if ctx.Err() != nil {
			return report, ErrCancelled
		}
		err := e.write(ctx, pkt, e.opts.DataRetries)
		switch {
		case errors.Is(err, ErrCancelled), errors.Is(err, ErrLinkDropped):
			slog.Warn("[XFER] Transfer aborted", "id", s.id, "chunk", i, "error", err)
			return report, err
		case err != nil:
			report.Failed++
			slog.Warn("[XFER] Chunk failed", "id", s.id, "chunk", i, "error", err)
		default:
			report.Sent++
		}

		if progress != nil {
			progress(min(100, (i+1)*100/len(packets)))
		}
		if i == len(packets)-1 {
			break
		}
		if err := sleep(ctx, e.opts.PacketDelay); err != nil {
			return report, err
		}
		if e.opts.BatchSize > 0 && (i+1)%e.opts.BatchSize == 0 {
			if err := sleep(ctx, e.opts.BatchDelay); err != nil {
				return report, err
			}
		}
	}

	if report.Failed > 0 {
		slog.Warn("[XFER] Transfer finished with failures", "id", s.id, "failed", report.Failed, "chunks", report.Chunks)
		return report, fmt.Errorf("%w: %d of %d chunks", ErrPartialTransfer, report.Failed, report.Chunks)
	}
	slog.Info("[XFER] Transfer complete", "id", s.id, "chunks", report.Chunks, "elapsed", time.Since(start))
	return report, nil
}

// write sends one packet with up to retries extra attempts. The link is
// checked before every attempt.
func (e *Engine) write(ctx context.Context, pkt []byte, retries int) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, e.opts.RetryDelay*time.Duration(attempt)); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if !e.link.Ready() {
			return ErrLinkDropped
		}
		lastErr = e.link.WritePacket(ctx, pkt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ErrCancelled
		}
		slog.Debug("[XFER] Write failed", "attempt", attempt+1, "of", retries+1, "error", lastErr)
	}
	return lastErr
}

// sleep waits d or until ctx ends, in which case it returns ErrCancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}
