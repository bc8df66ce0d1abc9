package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/rspbridge/rspbridge/internal/bridge"
	"github.com/rspbridge/rspbridge/internal/cli"
	"github.com/rspbridge/rspbridge/internal/config"
	"github.com/rspbridge/rspbridge/internal/target"
	"github.com/rspbridge/rspbridge/internal/telemetry"
	"github.com/rspbridge/rspbridge/internal/transport"
	"github.com/rspbridge/rspbridge/internal/vcpu"
)

// run builds the CPU and the bridge, then serves one debugger session after
// another until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, toolName, cli.Version, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	cpu, err := vcpu.New(vcpu.Config{
		MemSize:  uint32(cfg.MemSize),
		GPRBits:  cfg.GPRBits,
		LoadAddr: uint32(cfg.LoadAddr),
		Entry:    uint32(cfg.Entry),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if cfg.Image != "" {
		data, err := os.ReadFile(cfg.Image)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		if err := cpu.LoadBytes(data); err != nil {
			return fmt.Errorf("load image %s: %w", cfg.Image, err)
		}
	}
	cpuCtx, stopCPU := context.WithCancel(ctx)
	cpuDone := cpu.Start(cpuCtx)
	defer func() {
		stopCPU()
		<-cpuDone
	}()

	if cfg.WatchImage {
		iw, err := vcpu.WatchImage(cpu, cfg.Image, logger)
		if err != nil {
			return fmt.Errorf("watch image: %w", err)
		}
		defer iw.Close()
	}

	br, err := newBridge(cpu, cfg, logger)
	if err != nil {
		return err
	}
	return serveSessions(ctx, br, cfg.Port, logger)
}

func newBridge(cpu *vcpu.CPU, cfg config.Config, logger *slog.Logger) (*bridge.Bridge, error) {
	registry := bridge.NewRegistry(logger)

	layout := target.R5900Layout()
	layout.GPR = vcpu.CategoryGPR
	layout.FPR = vcpu.CategoryFPR
	if !cfg.SyntheticCP0 {
		layout.CP0 = vcpu.CategoryCP0
	}
	binding, err := target.NewBinding(cpu, registry, target.Options{
		Logger:      logger.With("component", "target"),
		Layout:      layout,
		WaitTimeout: cfg.WaitTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("bind target: %w", err)
	}
	if err := binding.DefineCommands(registry); err != nil {
		return nil, err
	}
	if err := cpu.DefineCommands(registry); err != nil {
		return nil, err
	}

	return bridge.New(bridge.ArchMIPSR5900, registry, binding, bridge.Options{
		Logger:          logger,
		NewTransport:    transport.Factory(transport.Options{Host: cfg.Host, Logger: logger}),
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
}

// serveSessions re-enables the bridge after every session until ctx is done.
// A failure to start listening ends the loop.
func serveSessions(ctx context.Context, br *bridge.Bridge, port uint16, logger *slog.Logger) error {
	for ctx.Err() == nil {
		br.EnableInBackground(port)
		ended := make(chan error, 1)
		go func() { ended <- br.Wait() }()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			err := br.Shutdown()
			<-ended
			return err
		case err := <-ended:
			if !br.IsEnabled() {
				if ctx.Err() != nil {
					return br.Shutdown()
				}
				return fmt.Errorf("listen on port %d: %w", port, err)
			}
			if err != nil {
				logger.Warn("session ended", "error", err)
			} else {
				logger.Info("session ended")
			}
			if err := br.Disable(); err != nil {
				return err
			}
		}
	}
	return br.Shutdown()
}
