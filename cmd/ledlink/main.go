// Command ledlink connects to an LED matrix peripheral over BLE and pushes
// content to it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"github.com/chaz8081/ledlink/internal/ble"
	"github.com/chaz8081/ledlink/internal/config"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "ledlink"
	app.Usage = "connect to an LED matrix over Bluetooth LE and send it content"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/ledlink/config.yaml)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override log_level from the config (debug, info, warn, error)",
		},
	}
	charFlag := cli.StringFlag{
		Name:  "char",
		Value: ble.ControlCharUUID,
		Usage: "characteristic UUID",
	}
	app.Commands = []cli.Command{
		{
			Name:   "init",
			Usage:  "Write the default config file",
			Action: initCommand,
		},
		{
			Name:   "connect",
			Usage:  "Connect and print link events until interrupted",
			Action: connectCommand,
		},
		{
			Name:      "send",
			Usage:     "Send a file to the transfer characteristic",
			ArgsUsage: "<file>",
			Action:    sendCommand,
		},
		{
			Name:      "write",
			Usage:     "Write a value to a characteristic",
			ArgsUsage: "<value>",
			Flags: []cli.Flag{
				charFlag,
				cli.BoolFlag{
					Name:  "hex",
					Usage: "treat the value as hex bytes",
				},
			},
			Action: writeCommand,
		},
		{
			Name:   "read",
			Usage:  "Read a characteristic",
			Flags:  []cli.Flag{charFlag},
			Action: readCommand,
		},
		{
			Name:   "bond",
			Usage:  "Pair with the peripheral",
			Action: bondCommand,
		},
		{
			Name:   "status",
			Usage:  "Show the remembered peripheral",
			Action: statusCommand,
		},
		{
			Name:   "forget",
			Usage:  "Forget the remembered peripheral",
			Action: forgetCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, red("ledlink ▶ "+err.Error()))
		os.Exit(1)
	}
}

// loadConfig loads the config from the --config flag, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.GlobalString("config")
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(config.DefaultConfigPath())
	}
	if err != nil {
		return nil, err
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	return cfg, nil
}

func initCommand(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println("Config already exists at " + cyan(config.DefaultConfigPath()))
		return nil
	}
	fmt.Println("Wrote default config to " + cyan(path))
	return nil
}
