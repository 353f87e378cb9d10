// Command test-text is a manual test for characteristic writes.
// It connects to the LED matrix and writes a line of text to the text
// characteristic.
//
// Usage:
//
//	go run ./cmd/test-text [--text "Hello"] [--scroll]
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/chaz8081/ledlink/internal/ble"
)

func main() {
	text := flag.String("text", "Hello from ledlink!", "text to display")
	scroll := flag.Bool("scroll", false, "write to the scrolling text characteristic")
	flag.Parse()

	mgr := ble.NewManager(ble.NewTinyGoAdapter("", ""), nil, ble.DefaultOptions())
	defer mgr.Close()

	if err := mgr.Connect(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	deadline := time.After(45 * time.Second)
wait:
	for {
		select {
		case ev := <-mgr.Events():
			switch e := ev.(type) {
			case ble.Ready:
				break wait
			case ble.ConnectFailed:
				fmt.Printf("Error: %v\n", e.Err)
				return
			default:
				fmt.Printf("%T %+v\n", ev, ev)
			}
		case <-deadline:
			fmt.Println("Error: timed out waiting for the link")
			return
		}
	}

	char := ble.TextCharUUID
	if *scroll {
		char = ble.TextScrollCharUUID
	}
	fmt.Printf("Writing %q (MTU %d)...\n", *text, mgr.MTU())

	if err := mgr.Write(context.Background(), char, []byte(*text)); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("\nDone!")
}
