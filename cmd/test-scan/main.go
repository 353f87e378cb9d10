// Command test-scan is a manual test for discovery.
// It scans for the LED matrix and prints the first match.
//
// Usage:
//
//	go run ./cmd/test-scan [--name MyLED] [--timeout 8s]
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/chaz8081/ledlink/internal/ble"
)

func main() {
	name := flag.String("name", ble.DefaultDeviceName, "advertised device name")
	timeout := flag.Duration("timeout", 8*time.Second, "scan timeout")
	flag.Parse()

	adapter := ble.NewTinyGoAdapter("", "")
	if err := adapter.Enable(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Scanning for %q or service %s (%s)...\n", *name, ble.ServiceUUID, *timeout)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dev, err := adapter.Scan(ctx, ble.ScanFilter{ServiceUUID: ble.ServiceUUID, Name: *name})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Found %s\n", dev.Name)
	fmt.Printf("  Address: %s\n", dev.Address)
	fmt.Printf("  RSSI:    %d dBm\n", dev.RSSI)
	fmt.Printf("  PHYs:    %v\n", adapter.SupportedPHYs())
}
