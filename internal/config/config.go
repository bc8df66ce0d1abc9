// Package config loads the bridge settings from RSPBRIDGE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every variable name.
const Prefix = "RSPBRIDGE_"

// Hex32 is a 32-bit value accepting decimal, 0x hex or 0o octal input.
type Hex32 uint32

// UnmarshalText lets env parse Hex32 fields.
func (h *Hex32) UnmarshalText(text []byte) error {
	return h.Set(string(text))
}

// Set implements flag.Value.
func (h *Hex32) Set(s string) error {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return fmt.Errorf("parse %q: %w", s, err)
	}
	*h = Hex32(v)
	return nil
}

func (h Hex32) String() string { return fmt.Sprintf("0x%08x", uint32(h)) }

// Config holds everything the rsp-bridge binary needs.
type Config struct {
	Port uint16 `env:"PORT" envDefault:"6169"`
	// Host is the listen address; empty listens on all interfaces.
	Host            string        `env:"HOST"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"0s"`
	WaitTimeout     time.Duration `env:"WAIT_TIMEOUT" envDefault:"0s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	Image      string `env:"IMAGE"`
	WatchImage bool   `env:"WATCH_IMAGE"`
	LoadAddr   Hex32  `env:"LOAD_ADDR" envDefault:"0x00100000"`
	Entry      Hex32  `env:"ENTRY"`
	MemSize    Hex32  `env:"MEM_SIZE" envDefault:"0x02000000"`
	GPRBits    int    `env:"GPR_BITS" envDefault:"32"`
	// SyntheticCP0 serves status, badvaddr and cause from shadow values
	// instead of the CPU's CP0 file.
	SyntheticCP0 bool `env:"SYNTHETIC_CP0"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Port == 0 {
		errs = append(errs, errors.New("port must be non-zero"))
	}
	switch c.GPRBits {
	case 32, 64, 128:
	default:
		errs = append(errs, fmt.Errorf("gpr bits %d: want 32, 64 or 128", c.GPRBits))
	}
	if c.MemSize == 0 {
		errs = append(errs, errors.New("memory size must be positive"))
	}
	if c.ShutdownTimeout < 0 || c.WaitTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.WatchImage && c.Image == "" {
		errs = append(errs, errors.New("watching requires an image"))
	}
	return errors.Join(errs...)
}
