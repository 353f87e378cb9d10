// Package identity persists the last connected peripheral so the link
// manager can reconnect directly instead of scanning.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// BondState mirrors the OS pairing state of the peripheral.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (b BondState) String() string {
	switch b {
	case BondNone:
		return "none"
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return fmt.Sprintf("BondState(%d)", int(b))
	}
}

// MarshalYAML stores the state by name.
func (b BondState) MarshalYAML() (any, error) {
	return b.String(), nil
}

// UnmarshalYAML accepts the names written by MarshalYAML.
func (b *BondState) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(strings.TrimSpace(node.Value)) {
	case "", "none":
		*b = BondNone
	case "bonding":
		*b = BondBonding
	case "bonded":
		*b = BondBonded
	default:
		return fmt.Errorf("identity: unknown bond state %q", node.Value)
	}
	return nil
}

// Peripheral is the remembered identity of the LED matrix.
type Peripheral struct {
	Name            string    `yaml:"name"`
	Address         string    `yaml:"address"`
	BondState       BondState `yaml:"bond_state"`
	LastConnectedAt time.Time `yaml:"last_connected_at"`
	ConnectCount    int       `yaml:"connect_count"`
}

// Summary renders a short human-readable description relative to now.
func (p Peripheral) Summary(now time.Time) string {
	name := p.Name
	if name == "" {
		name = "unknown"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "device:       %s\n", name)
	fmt.Fprintf(&b, "address:      %s\n", p.Address)
	fmt.Fprintf(&b, "bond state:   %s\n", p.BondState)
	fmt.Fprintf(&b, "connections:  %d\n", p.ConnectCount)
	fmt.Fprintf(&b, "last seen:    %s", since(p.LastConnectedAt, now))
	return b.String()
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}

// ErrNoIdentity is returned by operations that need a remembered peripheral.
var ErrNoIdentity = errors.New("identity: no peripheral recorded")

// Store holds at most one Peripheral and mirrors it to a YAML file. An empty
// path keeps the identity in memory only.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  *Peripheral

	// Now is the clock used for LastConnectedAt. Tests override it.
	Now func() time.Time
}

// Open loads the identity file at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, Now: time.Now}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: reading %s: %w", path, err)
	}

	var p Peripheral
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("identity: parsing %s: %w", path, err)
	}
	if p.Address != "" {
		s.cur = &p
	}
	return s, nil
}

// Path returns the backing file, or "" for an in-memory store.
func (s *Store) Path() string { return s.path }

// Snapshot returns a copy of the remembered peripheral.
func (s *Store) Snapshot() (Peripheral, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return Peripheral{}, false
	}
	return *s.cur, true
}

// RecordConnect notes a successful link-up. Reconnecting to the same address
// bumps the count; a different address starts a fresh identity.
func (s *Store) RecordConnect(name, address string) (Peripheral, error) {
	if address == "" {
		return Peripheral{}, errors.New("identity: empty address")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur == nil || !strings.EqualFold(s.cur.Address, address) {
		s.cur = &Peripheral{Address: address}
	}
	if name != "" {
		s.cur.Name = name
	}
	s.cur.ConnectCount++
	s.cur.LastConnectedAt = s.Now().UTC()

	slog.Debug("[ID] Recorded connection", "address", address, "count", s.cur.ConnectCount)
	return *s.cur, s.save()
}

// UpdateBondState folds a pairing change into the remembered identity.
func (s *Store) UpdateBondState(state BondState) (Peripheral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur == nil {
		return Peripheral{}, ErrNoIdentity
	}
	if s.cur.BondState == state {
		return *s.cur, nil
	}
	s.cur.BondState = state
	slog.Info("[ID] Bond state changed", "address", s.cur.Address, "state", state)
	return *s.cur, s.save()
}

// Clear forgets the peripheral and removes the backing file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur = nil
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("identity: removing %s: %w", s.path, err)
	}
	return nil
}

// save writes the file atomically. Caller holds s.mu.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(s.cur)
	if err != nil {
		return fmt.Errorf("identity: encoding: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("identity: creating dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".identity-*")
	if err != nil {
		return fmt.Errorf("identity: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: writing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: writing: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("identity: replacing %s: %w", s.path, err)
	}
	return nil
}
