// Command rafdpd is the RAFDP daemon: it binds the wire-protocol
// transport, runs the sync loop, and answers the local control-plane
// RPC, until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rafdp/engine/internal/engine"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "rafdpd",
		Usage: "run the RAFDP peer-to-peer content distribution daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a TOML config file"},
			&cli.IntFlag{Name: "transport-port", Usage: "UDP port for the wire protocol (0 = ephemeral)"},
			&cli.IntFlag{Name: "control-port", Usage: "loopback UDP port for the control-plane RPC"},
			&cli.StringSliceFlag{Name: "tracker-url", Usage: "tracker URL to announce to (repeatable)"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "logrus level: debug, info, warn, error"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := defaultConfig()
	if err := loadConfig(c.String("config"), &cfg); err != nil {
		return err
	}
	if c.IsSet("transport-port") {
		cfg.TransportPort = c.Int("transport-port")
	}
	if c.IsSet("control-port") {
		cfg.ControlPort = c.Int("control-port")
	}
	if c.IsSet("tracker-url") {
		cfg.TrackerURLs = c.StringSlice("tracker-url")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log-level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)
	log := logrus.NewEntry(logger)

	checkPlatformPrerequisite(log)

	eng, err := engine.New(engine.Config{
		TransportPort: cfg.TransportPort,
		ControlPort:   cfg.ControlPort,
	}, log)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	for _, u := range cfg.TrackerURLs {
		eng.Tracker.AddURL(u)
	}

	log.WithFields(logrus.Fields{
		"transport_port": eng.TransportPort(),
		"control_port":   eng.ControlPort(),
	}).Info("rafdpd started")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return eng.Run(ctx)
}
