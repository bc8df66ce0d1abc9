package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/rspbridge/rspbridge/internal/cli"
	"github.com/rspbridge/rspbridge/internal/config"
	ucli "github.com/urfave/cli"
)

func newApp(cfg *config.Config) *ucli.App {
	app := ucli.NewApp()
	app.Name = toolName
	app.Usage = "expose an emulated R5900 CPU to GDB over the remote serial protocol"
	app.Version = cli.Version
	app.HideVersion = true
	app.Flags = serveFlags(cfg)
	app.Action = func(c *ucli.Context) error { return serveAction(c, cfg) }
	app.Commands = []ucli.Command{
		{
			Name:   "serve",
			Usage:  "run the bridge until interrupted (default)",
			Flags:  serveFlags(cfg),
			Action: func(c *ucli.Context) error { return serveAction(c, cfg) },
		},
		{
			Name:  "version",
			Usage: "print version information",
			Flags: []ucli.Flag{
				ucli.BoolFlag{Name: "json", Usage: "output JSON"},
			},
			Action: func(c *ucli.Context) error {
				return cli.PrintVersion(c.App.Writer, toolName, c.Bool("json"))
			},
		},
	}
	return app
}

// serveFlags defaults every flag to the environment value so flags override
// RSPBRIDGE_* variables.
func serveFlags(cfg *config.Config) []ucli.Flag {
	return []ucli.Flag{
		ucli.UintFlag{Name: "port, p", Value: uint(cfg.Port), Usage: "TCP port to listen on"},
		ucli.StringFlag{Name: "host", Value: cfg.Host, Usage: "listen address, empty for all interfaces"},
		ucli.StringFlag{Name: "image, i", Value: cfg.Image, Usage: "raw binary or little-endian MIPS ELF to load"},
		ucli.BoolFlag{Name: "watch", Usage: "reload the image when the file changes"},
		ucli.GenericFlag{Name: "load-addr", Value: &cfg.LoadAddr, Usage: "load address of raw images"},
		ucli.GenericFlag{Name: "entry", Value: &cfg.Entry, Usage: "entry point override"},
		ucli.GenericFlag{Name: "mem-size", Value: &cfg.MemSize, Usage: "RAM size in bytes"},
		ucli.IntFlag{Name: "gpr-bits", Value: cfg.GPRBits, Usage: "general purpose register width: 32, 64 or 128"},
		ucli.BoolFlag{Name: "synthetic-cp0", Usage: "serve status, badvaddr and cause as shadow registers"},
		ucli.DurationFlag{Name: "shutdown-timeout", Value: cfg.ShutdownTimeout, Usage: "force-close the connection when the session ignores a shutdown (0 waits forever)"},
		ucli.DurationFlag{Name: "wait-timeout", Value: cfg.WaitTimeout, Usage: "bound on waiting for the CPU to stop, resume or step (0 waits forever)"},
		ucli.StringFlag{Name: "log-level", Value: cfg.LogLevel, Usage: "debug, info, warn or error"},
		ucli.StringFlag{Name: "log-format", Value: cfg.LogFormat, Usage: "text or json"},
		ucli.StringFlag{Name: "otel-endpoint", Value: cfg.OTelEndpoint, Usage: "OTLP/HTTP trace endpoint URL"},
	}
}

func applyFlags(c *ucli.Context, cfg *config.Config) error {
	port := c.Uint("port")
	if port > math.MaxUint16 {
		return fmt.Errorf("port %d out of range", port)
	}
	cfg.Port = uint16(port)
	cfg.Host = c.String("host")
	cfg.Image = c.String("image")
	cfg.GPRBits = c.Int("gpr-bits")
	cfg.ShutdownTimeout = c.Duration("shutdown-timeout")
	cfg.WaitTimeout = c.Duration("wait-timeout")
	cfg.LogLevel = c.String("log-level")
	cfg.LogFormat = c.String("log-format")
	cfg.OTelEndpoint = c.String("otel-endpoint")
	if c.IsSet("watch") {
		cfg.WatchImage = c.Bool("watch")
	}
	if c.IsSet("synthetic-cp0") {
		cfg.SyntheticCP0 = c.Bool("synthetic-cp0")
	}
	return cfg.Validate()
}

func serveAction(c *ucli.Context, cfg *config.Config) error {
	if err := applyFlags(c, cfg); err != nil {
		return err
	}
	logger, err := cli.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, *cfg, logger)
}
