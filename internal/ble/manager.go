package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/ledlink/internal/identity"
	"github.com/chaz8081/ledlink/internal/transfer"
)

var (
	ErrBusy                  = errors.New("ble: connection already in progress")
	ErrNotReady              = errors.New("ble: link not ready")
	ErrClosed                = errors.New("ble: manager closed")
	ErrCharacteristicMissing = errors.New("ble: required characteristic missing")
	ErrUnsupported           = errors.New("ble: not supported by this adapter")
	ErrLinkLost              = errors.New("ble: link lost")
)

// Options configures the Manager.
type Options struct {
	DeviceName        string
	ServiceUUID       string
	ControlCharUUID   string // required; its absence fails the attempt
	TelemetryCharUUID string // optional notify characteristic
	TransferCharUUID  string // target of chunked transfers

	ScanTimeout      time.Duration
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	MaxRetries       int
	RetryDelay       time.Duration // multiplied by the attempt number
	MonitorInterval  time.Duration

	MTUTiers     []int
	MTUTimeout   time.Duration
	PHYTimeout   time.Duration
	WriteTimeout time.Duration

	Bonding  BondPolicy
	Transfer transfer.Options

	EventBuffer int
}

// DefaultOptions returns the timings used against the stock firmware.
func DefaultOptions() Options {
	return Options{
		DeviceName:        DefaultDeviceName,
		ServiceUUID:       ServiceUUID,
		ControlCharUUID:   ControlCharUUID,
		TelemetryCharUUID: TelemetryCharUUID,
		TransferCharUUID:  GIFCharUUID,
		ScanTimeout:       8 * time.Second,
		ConnectTimeout:    12 * time.Second,
		DiscoveryTimeout:  15 * time.Second,
		MaxRetries:        3,
		RetryDelay:        2 * time.Second,
		MonitorInterval:   5 * time.Second,
		MTUTiers:          DefaultMTUTiers,
		MTUTimeout:        5 * time.Second,
		PHYTimeout:        5 * time.Second,
		WriteTimeout:      2 * time.Second,
		Bonding:           DefaultBondPolicy(),
		Transfer:          transfer.DefaultOptions(),
		EventBuffer:       64,
	}
}

// link is the established connection as seen by callers outside the actor.
type link struct {
	conn      Connection
	chars     map[string]Characteristic
	params    LinkParameters
	state     State
	bondState identity.BondState
}

// Manager owns the connection to one peripheral. All lifecycle state is
// mutated by a single goroutine; hardware callbacks and phase results are
// posted to its inbox tagged with the attempt generation, and results from
// a superseded attempt are dropped.
type Manager struct {
	adapter Adapter
	store   *identity.Store
	opts    Options
	phy     *phyNegotiator
	engine  *transfer.Engine

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	events chan Event
	done   chan struct{}
	closed sync.Once

	mu   sync.RWMutex
	snap link

	// Owned by the actor goroutine.
	gen         uint64
	attempts    int
	enabled     bool
	conn        Connection
	device      Device
	attemptCtx  context.Context
	attemptStop context.CancelFunc
	monitorStop chan struct{}
	retryTimer  *time.Timer
	mtu         *mtuNegotiator
}

// NewManager starts the manager's goroutine. Call Close to stop it.
func NewManager(adapter Adapter, store *identity.Store, opts Options) *Manager {
	if store == nil {
		store, _ = identity.Open("")
	}
	def := DefaultOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.ControlCharUUID == "" {
		opts.ControlCharUUID = def.ControlCharUUID
	}
	if opts.TransferCharUUID == "" {
		opts.TransferCharUUID = opts.ControlCharUUID
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = def.MonitorInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		adapter: adapter,
		store:   store,
		opts:    opts,
		phy:     &phyNegotiator{adapter: adapter, timeout: opts.PHYTimeout},
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan func(), 64),
		events:  make(chan Event, opts.EventBuffer),
		done:    make(chan struct{}),
		snap:    link{params: defaultLinkParameters()},
	}
	m.engine = transfer.NewEngine(m, opts.Transfer)
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.ctx.Done():
			return
		}
	}
}

// post queues fn for the actor. It is dropped once the manager is closed.
func (m *Manager) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.ctx.Done():
	}
}

// call runs fn on the actor and waits for its result.
func (m *Manager) call(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case m.inbox <- func() { reply <- fn() }:
	case <-m.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	}
}

// Events returns the event stream. Events are dropped when the buffer is
// full. The channel is never closed.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		slog.Warn("[BLE] Event buffer full, dropping event", "event", fmt.Sprintf("%T", e))
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.state
}

// Params returns the negotiated link parameters.
func (m *Manager) Params() LinkParameters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.params
}

// Identity returns the remembered peripheral, if any.
func (m *Manager) Identity() (identity.Peripheral, bool) {
	return m.store.Snapshot()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.snap.state
	m.snap.state = s
	m.mu.Unlock()
	if prev != s {
		slog.Debug("[BLE] State transition", "from", prev, "to", s)
	}
}

func (m *Manager) updateParams(fn func(*LinkParameters)) LinkParameters {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.snap.params)
	return m.snap.params
}

// Connect starts a connection attempt. It returns once the attempt is
// underway; progress is reported on Events.
func (m *Manager) Connect() error {
	return m.call(func() error {
		if s := m.State(); s.busy() {
			return fmt.Errorf("%w: state %s", ErrBusy, s)
		}
		if !m.enabled {
			if err := m.adapter.Enable(); err != nil {
				return fmt.Errorf("ble: enable adapter: %w", err)
			}
			m.enabled = true
		}
		m.stopRetry()
		m.attempts = 0
		m.startAttempt()
		return nil
	})
}

func (m *Manager) startAttempt() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.ctx)
	m.attemptCtx, m.attemptStop = ctx, cancel
	m.mtu = newMTUNegotiator(m.opts.MTUTiers, m.opts.MTUTimeout)

	m.setState(StateConnecting)
	m.emit(Connecting{})

	known, ok := m.store.Snapshot()
	go func() {
		dev, conn, err := m.establish(ctx, known, ok)
		m.post(func() {
			if err != nil {
				m.fail(gen, err)
				return
			}
			m.onLinkUp(gen, dev, conn)
		})
	}()
}

// establish finds and connects to the peripheral. A remembered address is
// tried directly first; when that fails the attempt falls back to scanning.
func (m *Manager) establish(ctx context.Context, known identity.Peripheral, haveKnown bool) (Device, Connection, error) {
	if haveKnown {
		slog.Info("[BLE] Connecting to saved device", "name", known.Name, "address", known.Address)
		dev := Device{Name: known.Name, Address: known.Address}
		conn, err := m.connect(ctx, dev.Address)
		if err == nil {
			return dev, conn, nil
		}
		if ctx.Err() != nil {
			return Device{}, nil, err
		}
		slog.Warn("[BLE] Direct connect failed, scanning", "address", known.Address, "error", err)
	}

	filter := ScanFilter{ServiceUUID: m.opts.ServiceUUID, Name: m.opts.DeviceName}
	slog.Info("[BLE] Scanning", "service", filter.ServiceUUID, "name", filter.Name, "timeout", m.opts.ScanTimeout)
	dev, err := await(ctx, m.opts.ScanTimeout, func(ctx context.Context) (Device, error) {
		return m.adapter.Scan(ctx, filter)
	})
	if err != nil {
		return Device{}, nil, fmt.Errorf("ble: scan: %w", err)
	}
	slog.Info("[BLE] Found device", "name", dev.Name, "address", dev.Address, "rssi", dev.RSSI)

	conn, err := m.connect(ctx, dev.Address)
	if err != nil {
		return Device{}, nil, err
	}
	return dev, conn, nil
}

func (m *Manager) connect(ctx context.Context, address string) (Connection, error) {
	conn, err := await(ctx, m.opts.ConnectTimeout, func(ctx context.Context) (Connection, error) {
		return m.adapter.Connect(ctx, address)
	})
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	return conn, nil
}

func (m *Manager) stale(gen uint64) bool {
	return gen != m.gen
}

func (m *Manager) onLinkUp(gen uint64, dev Device, conn Connection) {
	if m.stale(gen) {
		slog.Debug("[BLE] Dropping connection from superseded attempt", "address", dev.Address)
		go conn.Disconnect()
		return
	}

	m.conn = conn
	m.device = dev
	conn.OnDisconnect(func() {
		m.post(func() { m.onLinkLost(gen, "disconnect callback") })
	})
	conn.OnBondStateChange(func(s identity.BondState) {
		m.post(func() { m.onBondState(gen, s) })
	})

	if p, err := m.store.RecordConnect(dev.Name, dev.Address); err != nil {
		slog.Warn("[BLE] Failed to persist identity", "error", err)
	} else if dev.Name == "" {
		m.device.Name = p.Name
	}

	bond := conn.BondState()
	m.mu.Lock()
	m.snap.conn = conn
	m.snap.bondState = bond
	m.snap.chars = make(map[string]Characteristic)
	m.snap.params = defaultLinkParameters()
	m.mu.Unlock()

	m.setState(StateConnected)
	slog.Info("[BLE] Connected", "name", m.device.Name, "address", dev.Address)
	m.emit(Connected{Name: m.device.Name, Address: dev.Address})

	m.startMonitor(gen, conn)
	m.startMTU(gen)
}

func (m *Manager) startMTU(gen uint64) {
	m.mtu.start(m.attemptCtx, m.conn, func(r mtuResult) {
		m.post(func() { m.onMTUSettled(gen, r) })
	})
}

func (m *Manager) onMTUSettled(gen uint64, r mtuResult) {
	if m.stale(gen) || !m.State().linkUp() {
		return
	}
	m.updateParams(func(p *LinkParameters) {
		p.MTU = r.Size
		p.MTUNegotiated = r.Succeeded
	})
	m.emit(MTUNegotiated{Size: r.Size, Succeeded: r.Succeeded})

	ctx, conn := m.attemptCtx, m.conn
	go func() {
		res := m.phy.negotiate(ctx, conn)
		m.post(func() { m.onPHYSettled(gen, res) })
	}()
}

func (m *Manager) onPHYSettled(gen uint64, r phyResult) {
	if m.stale(gen) || !m.State().linkUp() {
		return
	}
	m.updateParams(func(p *LinkParameters) {
		p.TxPHY, p.RxPHY = r.TX, r.RX
		p.PHYNegotiated = r.Succeeded
	})
	m.emit(PHYNegotiated{TX: r.TX, RX: r.RX, Succeeded: r.Succeeded})

	m.setState(StateDiscovering)
	ctx, conn := m.attemptCtx, m.conn
	go func() {
		chars, err := await(ctx, m.opts.DiscoveryTimeout, func(context.Context) (map[string]Characteristic, error) {
			return m.discover(gen, conn)
		})
		m.post(func() { m.onDiscovered(gen, chars, err) })
	}()
}

// discover resolves the control characteristic and subscribes to telemetry.
func (m *Manager) discover(gen uint64, conn Connection) (map[string]Characteristic, error) {
	chars := make(map[string]Characteristic)

	control, err := conn.DiscoverCharacteristic(m.opts.ServiceUUID, m.opts.ControlCharUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: control %s: %w", ErrCharacteristicMissing, m.opts.ControlCharUUID, err)
	}
	chars[normalizeUUID(m.opts.ControlCharUUID)] = control

	if m.opts.TelemetryCharUUID == "" {
		return chars, nil
	}
	telemetry, err := conn.DiscoverCharacteristic(m.opts.ServiceUUID, m.opts.TelemetryCharUUID)
	if err != nil {
		slog.Warn("[BLE] Telemetry characteristic not found, notifications disabled", "uuid", m.opts.TelemetryCharUUID, "error", err)
		return chars, nil
	}
	chars[normalizeUUID(m.opts.TelemetryCharUUID)] = telemetry
	if err := telemetry.Subscribe(func(data []byte) {
		raw := string(data)
		m.post(func() {
			if !m.stale(gen) {
				m.emit(CharacteristicValue{Raw: raw})
			}
		})
	}); err != nil {
		slog.Warn("[BLE] Failed to enable telemetry notifications", "error", err)
	}
	return chars, nil
}

func (m *Manager) onDiscovered(gen uint64, chars map[string]Characteristic, err error) {
	if m.stale(gen) || m.State() != StateDiscovering {
		return
	}
	if err != nil {
		m.fail(gen, fmt.Errorf("ble: discovery: %w", err))
		return
	}

	m.mu.Lock()
	for k, c := range chars {
		m.snap.chars[k] = c
	}
	m.mu.Unlock()

	m.attempts = 0
	m.setState(StateReady)
	params := m.Params()
	slog.Info("[BLE] Ready", "mtu", params.MTU, "tx_phy", params.TxPHY, "rx_phy", params.RxPHY)
	m.emit(Ready{})

	m.maybeBond()
}

func (m *Manager) maybeBond() {
	if !m.opts.Bonding.Auto {
		return
	}
	p, _ := m.store.Snapshot()
	state := m.conn.BondState()
	if !m.opts.Bonding.ShouldBond(state, p.ConnectCount, m.device.Name) {
		return
	}
	slog.Info("[BLE] Requesting bond", "name", m.device.Name, "connects", p.ConnectCount)
	ctx, conn := m.attemptCtx, m.conn
	go func() {
		if err := conn.CreateBond(ctx); err != nil {
			slog.Warn("[BLE] Bonding failed", "error", err)
		}
	}()
}

func (m *Manager) onBondState(gen uint64, s identity.BondState) {
	if m.stale(gen) {
		return
	}
	m.mu.Lock()
	prev := m.snap.bondState
	m.snap.bondState = s
	m.mu.Unlock()
	if prev == s {
		return
	}

	if _, err := m.store.UpdateBondState(s); err != nil {
		slog.Warn("[BLE] Failed to persist bond state", "error", err)
	}
	m.emit(BondStateChanged{State: s})
	if s == identity.BondBonded {
		slog.Info("[BLE] Bonded", "name", m.device.Name, "address", m.device.Address)
		m.emit(Bonded{Name: m.device.Name, Address: m.device.Address})
	}
}

// fail ends the current attempt and schedules a retry, or reports terminal
// failure once the retry budget is spent.
func (m *Manager) fail(gen uint64, err error) {
	if m.stale(gen) {
		return
	}
	m.releaseLink()
	m.setState(StateError)
	m.attempts++

	if m.attempts < m.opts.MaxRetries {
		delay := m.opts.RetryDelay * time.Duration(m.attempts)
		slog.Warn("[BLE] Connection attempt failed, retrying", "attempt", m.attempts, "max", m.opts.MaxRetries, "delay", delay, "error", err)
		m.retryTimer = time.AfterFunc(delay, func() {
			m.post(func() { m.retry(gen) })
		})
		return
	}

	slog.Error("[BLE] Connection failed", "attempts", m.attempts, "error", err)
	m.attempts = 0
	m.emit(ConnectFailed{Err: err})
}

func (m *Manager) retry(gen uint64) {
	if m.stale(gen) || m.State() != StateError {
		return
	}
	m.retryTimer = nil
	m.setState(StateDisconnected)
	m.startAttempt()
}

func (m *Manager) stopRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) onLinkLost(gen uint64, reason string) {
	if m.stale(gen) {
		return
	}
	switch s := m.State(); {
	case s == StateReady:
		slog.Warn("[BLE] Link lost", "reason", reason)
		m.gen++
		m.releaseLink()
		m.setState(StateDisconnected)
		m.emit(Disconnected{})
	case s.linkUp():
		m.fail(gen, fmt.Errorf("%w during %s: %s", ErrLinkLost, s, reason))
	}
}

// startMonitor polls the link for drops the stack did not report.
func (m *Manager) startMonitor(gen uint64, conn Connection) {
	stop := make(chan struct{})
	m.monitorStop = stop
	go func() {
		t := time.NewTicker(m.opts.MonitorInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if !conn.IsConnected() {
					m.post(func() { m.onLinkLost(gen, "monitor") })
					return
				}
			}
		}
	}()
}

// releaseLink stops in-flight phases and the monitor, and drops the
// connection. The state is left to the caller.
func (m *Manager) releaseLink() {
	if m.attemptStop != nil {
		m.attemptStop()
		m.attemptStop = nil
		m.attemptCtx = nil
	}
	if m.monitorStop != nil {
		close(m.monitorStop)
		m.monitorStop = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		go func() {
			if err := conn.Disconnect(); err != nil {
				slog.Debug("[BLE] Disconnect error", "error", err)
			}
		}()
	}
	m.mu.Lock()
	m.snap.conn = nil
	m.snap.chars = nil
	m.snap.params = defaultLinkParameters()
	m.mu.Unlock()
}

// Disconnect tears down the link and any pending retry. It is safe in any
// state and emits Disconnected only if the state changed.
func (m *Manager) Disconnect() error {
	return m.call(func() error {
		m.shutdown()
		return nil
	})
}

func (m *Manager) shutdown() {
	m.gen++
	m.stopRetry()
	m.attempts = 0
	m.engine.Cancel()
	m.releaseLink()
	if m.State() != StateDisconnected {
		m.setState(StateDisconnected)
		slog.Info("[BLE] Disconnected")
		m.emit(Disconnected{})
	}
}

// Close disconnects and stops the manager.
func (m *Manager) Close() error {
	m.closed.Do(func() {
		_ = m.call(func() error {
			m.shutdown()
			return nil
		})
		m.cancel()
		<-m.done
	})
	return nil
}

// Ready reports whether the link accepts writes.
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}

// MTU returns the negotiated MTU.
func (m *Manager) MTU() int {
	return m.Params().MTU
}

// WritePacket writes one transfer packet to the transfer characteristic.
func (m *Manager) WritePacket(ctx context.Context, pkt []byte) error {
	char, err := m.characteristic(ctx, m.opts.TransferCharUUID)
	if err != nil {
		return err
	}
	return m.write(ctx, char, pkt)
}

// Write sends data to one of the peripheral's characteristics.
func (m *Manager) Write(ctx context.Context, charUUID string, data []byte) error {
	char, err := m.characteristic(ctx, charUUID)
	if err != nil {
		return err
	}
	return m.write(ctx, char, data)
}

func (m *Manager) write(ctx context.Context, char Characteristic, data []byte) error {
	_, err := await(ctx, m.opts.WriteTimeout, func(context.Context) (struct{}, error) {
		return struct{}{}, char.Write(data)
	})
	if err != nil {
		return fmt.Errorf("ble: write: %w", err)
	}
	return nil
}

// Read returns the current value of one of the peripheral's characteristics.
func (m *Manager) Read(ctx context.Context, charUUID string) ([]byte, error) {
	char, err := m.characteristic(ctx, charUUID)
	if err != nil {
		return nil, err
	}
	data, err := await(ctx, m.opts.WriteTimeout, func(context.Context) ([]byte, error) {
		return char.Read()
	})
	if err != nil {
		return nil, fmt.Errorf("ble: read %s: %w", charUUID, err)
	}
	return data, nil
}

// characteristic returns a cached handle or discovers it on the ready link.
func (m *Manager) characteristic(ctx context.Context, charUUID string) (Characteristic, error) {
	key := normalizeUUID(charUUID)
	m.mu.RLock()
	state, conn, char := m.snap.state, m.snap.conn, m.snap.chars[key]
	m.mu.RUnlock()
	if state != StateReady || conn == nil {
		return nil, ErrNotReady
	}
	if char != nil {
		return char, nil
	}

	char, err := await(ctx, m.opts.DiscoveryTimeout, func(context.Context) (Characteristic, error) {
		return conn.DiscoverCharacteristic(m.opts.ServiceUUID, charUUID)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCharacteristicMissing, charUUID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.conn != conn {
		return nil, ErrNotReady
	}
	m.snap.chars[key] = char
	return char, nil
}

// ReadPHY queries the PHYs in use on the current link.
func (m *Manager) ReadPHY(ctx context.Context) (tx, rx PHY, err error) {
	m.mu.RLock()
	conn := m.snap.conn
	m.mu.RUnlock()
	if conn == nil {
		return 0, 0, ErrNotReady
	}
	pair, err := await(ctx, m.opts.PHYTimeout, func(ctx context.Context) ([2]PHY, error) {
		tx, rx, err := conn.ReadPHY(ctx)
		return [2]PHY{tx, rx}, err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("ble: read phy: %w", err)
	}
	return pair[0], pair[1], nil
}

// RequestBond pairs with the peripheral regardless of the bonding policy.
func (m *Manager) RequestBond(ctx context.Context) error {
	m.mu.RLock()
	state, conn, bond := m.snap.state, m.snap.conn, m.snap.bondState
	m.mu.RUnlock()
	if state != StateReady || conn == nil {
		return ErrNotReady
	}
	if bond == identity.BondBonded {
		return nil
	}
	if err := conn.CreateBond(ctx); err != nil {
		return fmt.Errorf("ble: create bond: %w", err)
	}
	return nil
}

// Send pushes payload through the chunked transfer engine, reporting
// TransferProgress and a final TransferComplete on Events.
func (m *Manager) Send(ctx context.Context, payload []byte) (*transfer.Report, error) {
	report, err := m.engine.Send(ctx, payload, func(percent int) {
		m.emit(TransferProgress{Percent: percent})
	})
	if err != nil {
		m.emit(TransferComplete{Succeeded: false, Message: err.Error()})
		return report, err
	}
	m.emit(TransferComplete{
		Succeeded: true,
		Message:   fmt.Sprintf("sent %d bytes in %d chunks", report.Size, report.Chunks),
	})
	return report, nil
}

// CancelTransfer aborts the running transfer, if any.
func (m *Manager) CancelTransfer() {
	m.engine.Cancel()
}

func normalizeUUID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
