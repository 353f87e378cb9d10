package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/ledlink/internal/identity"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; both are carried as strings.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// GATT service and characteristic the link MTU is read from.
	serviceUUID string
	mtuCharUUID string

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by upper-cased address
}

// NewTinyGoAdapter creates an adapter on the default host controller.
// serviceUUID and controlCharUUID name the characteristic the negotiated MTU
// is read from; empty values select the stock firmware's identifiers.
func NewTinyGoAdapter(serviceUUID, controlCharUUID string) *TinyGoAdapter {
	if serviceUUID == "" {
		serviceUUID = ServiceUUID
	}
	if controlCharUUID == "" {
		controlCharUUID = ControlCharUUID
	}
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		serviceUUID: serviceUUID,
		mtuCharUUID: controlCharUUID,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) newConnection(device *bluetooth.Device) *tinyGoConnection {
	conn := &tinyGoConnection{
		device:      device,
		serviceUUID: a.serviceUUID,
		mtuCharUUID: a.mtuCharUUID,
		chars:       make(map[string]*bluetooth.DeviceCharacteristic),
	}
	conn.connected.Store(true)
	return conn
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo reports peripheral disconnects through the adapter-level
	// connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[key]
		delete(a.connections, key)
		a.mu.Unlock()
		if ok {
			conn.markDisconnected()
		}
	})
	return nil
}

// SupportedPHYs reports 1M only: tinygo exposes no PHY control, so the
// controller's default is used.
func (a *TinyGoAdapter) SupportedPHYs() []PHY {
	return []PHY{PHY1M}
}

func (a *TinyGoAdapter) Scan(ctx context.Context, filter ScanFilter) (Device, error) {
	svc, err := bluetooth.ParseUUID(filter.ServiceUUID)
	if err != nil {
		return Device{}, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var (
		mu    sync.Mutex
		found Device
		hit   bool
	)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !filter.Matches(result.LocalName(), result.HasServiceUUID(svc)) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if hit {
			return
		}
		found = Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		}
		hit = true
		adapter.StopScan()
	})
	close(done)

	mu.Lock()
	defer mu.Unlock()
	if hit {
		return found, nil
	}
	if ctx.Err() != nil {
		return Device{}, ctx.Err()
	}
	if err != nil {
		return Device{}, fmt.Errorf("ble: scan: %w", err)
	}
	return Device{}, fmt.Errorf("ble: scan ended without a match")
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo's Connect blocks with its own timeout and cannot be cancelled.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := a.newConnection(&result.device)

		bonds, err := newBondBackend(address)
		if err != nil {
			slog.Debug("[BLE] Bonding backend unavailable", "error", err)
		} else {
			conn.bonds = bonds
			bonds.Watch(conn.bondChanged)
		}

		a.mu.Lock()
		a.connections[strings.ToUpper(address)] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device      *bluetooth.Device
	serviceUUID string
	mtuCharUUID string
	connected   atomic.Bool
	bonds       bondBackend

	mu           sync.Mutex
	chars        map[string]*bluetooth.DeviceCharacteristic
	disconnectCb func()
	bondCb       func(identity.BondState)
}

func (c *tinyGoConnection) find(serviceUUID, charUUID string) (*bluetooth.DeviceCharacteristic, error) {
	key := strings.ToLower(serviceUUID + "/" + charUUID)
	c.mu.Lock()
	if ch, ok := c.chars[key]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	c.mu.Lock()
	c.chars[key] = &chars[0]
	c.mu.Unlock()
	return &chars[0], nil
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	ch, err := c.find(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	return &tinyGoCharacteristic{char: ch}, nil
}

// RequestMTU reads the MTU the host stack exchanged on connect; neither
// BlueZ nor CoreBluetooth lets a client pick it.
func (c *tinyGoConnection) RequestMTU(_ context.Context, size int) (int, error) {
	ch, err := c.find(c.serviceUUID, c.mtuCharUUID)
	if err != nil {
		return 0, fmt.Errorf("ble: mtu: %w", err)
	}
	mtu, err := ch.GetMTU()
	if err != nil {
		return 0, fmt.Errorf("ble: mtu: %w", err)
	}
	return min(int(mtu), size), nil
}

func (c *tinyGoConnection) SetPreferredPHY(context.Context, PHY, PHY) (PHY, PHY, error) {
	return 0, 0, ErrUnsupported
}

func (c *tinyGoConnection) ReadPHY(context.Context) (PHY, PHY, error) {
	return 0, 0, ErrUnsupported
}

func (c *tinyGoConnection) CreateBond(ctx context.Context) error {
	if c.bonds == nil {
		return ErrUnsupported
	}
	c.bondChanged(identity.BondBonding)
	if err := c.bonds.Pair(ctx); err != nil {
		c.bondChanged(c.bonds.BondState())
		return err
	}
	return nil
}

func (c *tinyGoConnection) BondState() identity.BondState {
	if c.bonds == nil {
		return identity.BondNone
	}
	return c.bonds.BondState()
}

func (c *tinyGoConnection) OnBondStateChange(cb func(identity.BondState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bondCb = cb
}

func (c *tinyGoConnection) bondChanged(s identity.BondState) {
	c.mu.Lock()
	cb := c.bondCb
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *tinyGoConnection) IsConnected() bool {
	if !c.connected.Load() {
		return false
	}
	if c.bonds != nil {
		if ok, err := c.bonds.Connected(); err == nil {
			return ok
		}
	}
	return true
}

func (c *tinyGoConnection) markDisconnected() {
	if !c.connected.Swap(false) {
		return
	}
	if c.bonds != nil {
		c.bonds.Close()
	}
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *tinyGoConnection) Disconnect() error {
	if c.bonds != nil {
		c.bonds.Close()
	}
	c.connected.Store(false)
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, MaxMTU)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:min(n, len(buf))], nil
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(append([]byte(nil), buf...))
	})
}
