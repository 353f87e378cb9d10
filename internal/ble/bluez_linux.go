//go:build linux

package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/ledlink/internal/identity"
)

const (
	bluezBusName         = "org.bluez"
	bluezDeviceInterface = "org.bluez.Device1"
	bluezAdapterPath     = "/org/bluez/hci0"
	dbusProperties       = "org.freedesktop.DBus.Properties"
)

// bluezDevice talks to org.bluez.Device1 over a private system bus
// connection.
type bluezDevice struct {
	conn *dbus.Conn
	path dbus.ObjectPath

	once sync.Once
}

func newBondBackend(address string) (bondBackend, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: system bus: %w", err)
	}
	return &bluezDevice{conn: conn, path: bluezDevicePath(address)}, nil
}

func bluezDevicePath(address string) dbus.ObjectPath {
	mac := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(bluezAdapterPath + "/dev_" + mac)
}

func (d *bluezDevice) object() dbus.BusObject {
	return d.conn.Object(bluezBusName, d.path)
}

func (d *bluezDevice) boolProperty(name string) (bool, error) {
	v, err := d.object().GetProperty(bluezDeviceInterface + "." + name)
	if err != nil {
		return false, err
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: %s is %T, not bool", name, v.Value())
	}
	return b, nil
}

func (d *bluezDevice) Pair(ctx context.Context) error {
	if err := d.object().CallWithContext(ctx, bluezDeviceInterface+".Pair", 0).Err; err != nil {
		return fmt.Errorf("ble: pair %s: %w", d.path, err)
	}
	return nil
}

func (d *bluezDevice) BondState() identity.BondState {
	if paired, err := d.boolProperty("Paired"); err == nil && paired {
		return identity.BondBonded
	}
	return identity.BondNone
}

func (d *bluezDevice) Connected() (bool, error) {
	return d.boolProperty("Connected")
}

func (d *bluezDevice) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(d.path),
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	}
}

func (d *bluezDevice) Watch(cb func(identity.BondState)) {
	if err := d.conn.AddMatchSignal(d.matchOptions()...); err != nil {
		return
	}
	signals := make(chan *dbus.Signal, 16)
	d.conn.Signal(signals)

	go func() {
		// Closed by conn.Close.
		for sig := range signals {
			if sig.Path != d.path || len(sig.Body) < 2 {
				continue
			}
			if iface, _ := sig.Body[0].(string); iface != bluezDeviceInterface {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if v, ok := changed["Paired"]; ok {
				if paired, _ := v.Value().(bool); paired {
					cb(identity.BondBonded)
				} else {
					cb(identity.BondNone)
				}
			}
		}
	}()
}

func (d *bluezDevice) Close() {
	d.once.Do(func() {
		_ = d.conn.RemoveMatchSignal(d.matchOptions()...)
		_ = d.conn.Close()
	})
}
