package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/ledlink/internal/ble"
	"github.com/chaz8081/ledlink/internal/config"
	"github.com/chaz8081/ledlink/internal/identity"
)

// session is a connected manager plus a goroutine printing its events.
type session struct {
	cfg    *config.Config
	mgr    *ble.Manager
	store  *identity.Store
	ready  chan struct{}
	failed chan error
}

func openSession(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	store, err := identity.Open(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}

	opts := cfg.ManagerOptions()
	s := &session{
		cfg:    cfg,
		mgr:    ble.NewManager(ble.NewTinyGoAdapter(opts.ServiceUUID, opts.ControlCharUUID), store, opts),
		store:  store,
		ready:  make(chan struct{}, 1),
		failed: make(chan error, 1),
	}
	go s.printEvents()
	return s, nil
}

func (s *session) printEvents() {
	for ev := range s.mgr.Events() {
		switch e := ev.(type) {
		case ble.Connecting:
			fmt.Fprintln(os.Stderr, "Connecting to "+cyan(s.cfg.Device.Name)+"...")
		case ble.Connected:
			fmt.Fprintf(os.Stderr, "%s %s (%s)\n", green("Connected"), e.Name, e.Address)
		case ble.MTUNegotiated:
			fmt.Fprintf(os.Stderr, "  MTU:  %d (%s)\n", e.Size, ble.MTUQuality(e.Size))
		case ble.PHYNegotiated:
			fmt.Fprintf(os.Stderr, "  PHY:  tx %s, rx %s\n", e.TX.Describe(), e.RX.Describe())
		case ble.Ready:
			fmt.Fprintln(os.Stderr, green("Ready"))
			signal1(s.ready, struct{}{})
		case ble.ConnectFailed:
			fmt.Fprintln(os.Stderr, red("Connection failed: "+e.Err.Error()))
			signal1(s.failed, e.Err)
		case ble.Disconnected:
			fmt.Fprintln(os.Stderr, yellow("Disconnected"))
			signal1(s.failed, ble.ErrLinkLost)
		case ble.BondStateChanged:
			fmt.Fprintf(os.Stderr, "  Bond: %s\n", e.State)
		case ble.Bonded:
			fmt.Fprintf(os.Stderr, "%s with %s (%s)\n", green("Bonded"), e.Name, e.Address)
		case ble.TransferProgress:
			fmt.Fprintf(os.Stderr, "\rSending... %3d%%", e.Percent)
		case ble.TransferComplete:
			if e.Succeeded {
				fmt.Fprintln(os.Stderr, "\n"+green("Transfer complete: ")+e.Message)
			} else {
				fmt.Fprintln(os.Stderr, "\n"+red("Transfer failed: ")+e.Message)
			}
		case ble.CharacteristicValue:
			fmt.Fprintf(os.Stderr, "  Telemetry: %s\n", e.Raw)
		}
	}
}

func signal1[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// connect starts a connection and blocks until the link is ready.
func (s *session) connect(ctx context.Context) error {
	if err := s.mgr.Connect(); err != nil {
		return err
	}
	select {
	case <-s.ready:
		return nil
	case err := <-s.failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) close() {
	_ = s.mgr.Close()
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withLink runs fn against a ready link.
func withLink(c *cli.Context, fn func(ctx context.Context, s *session) error) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := interruptContext()
	defer stop()

	if err := s.connect(ctx); err != nil {
		return err
	}
	return fn(ctx, s)
}

func connectCommand(c *cli.Context) error {
	return withLink(c, func(ctx context.Context, s *session) error {
		if tx, rx, err := s.mgr.ReadPHY(ctx); err == nil {
			fmt.Fprintf(os.Stderr, "  PHY in use: tx %s, rx %s\n", tx, rx)
		}
		fmt.Fprintln(os.Stderr, "Watching link events. Ctrl+C to quit.")
		select {
		case <-ctx.Done():
		case <-s.failed:
		}
		return nil
	})
}

func sendCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: ledlink send <file>")
	}
	payload, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	return withLink(c, func(ctx context.Context, s *session) error {
		report, err := s.mgr.Send(ctx, payload)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %d bytes, %d chunks @ MTU %d, %s\n",
			report.ID, report.Size, report.Chunks, report.MTU, report.Duration.Round(time.Millisecond))
		fmt.Printf("blake2b-256 %s\n", report.Digest)
		return nil
	})
}

func writeCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: ledlink write [--char UUID] [--hex] <value>")
	}
	value := []byte(c.Args().First())
	if c.Bool("hex") {
		raw := strings.ReplaceAll(c.Args().First(), " ", "")
		decoded, err := hex.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("decoding hex value: %w", err)
		}
		value = decoded
	}
	return withLink(c, func(ctx context.Context, s *session) error {
		if err := s.mgr.Write(ctx, c.String("char"), value); err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(value), cyan(c.String("char")))
		return nil
	})
}

func readCommand(c *cli.Context) error {
	return withLink(c, func(ctx context.Context, s *session) error {
		data, err := s.mgr.Read(ctx, c.String("char"))
		if err != nil {
			return err
		}
		fmt.Printf("%s\n%s", string(data), hex.Dump(data))
		return nil
	})
}

func bondCommand(c *cli.Context) error {
	return withLink(c, func(ctx context.Context, s *session) error {
		if err := s.mgr.RequestBond(ctx); err != nil {
			if errors.Is(err, ble.ErrUnsupported) {
				return fmt.Errorf("pairing is not supported on this platform; pair from the system Bluetooth settings")
			}
			return err
		}
		fmt.Println(green("Bond requested"))
		return nil
	})
}

func statusCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := identity.Open(cfg.IdentityPath)
	if err != nil {
		return err
	}
	p, ok := store.Snapshot()
	if !ok {
		fmt.Println("No remembered peripheral. Run " + cyan("ledlink connect") + " first.")
		return nil
	}
	fmt.Println(p.Summary(time.Now()))
	return nil
}

func forgetCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := identity.Open(cfg.IdentityPath)
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Println("Forgot remembered peripheral")
	return nil
}
