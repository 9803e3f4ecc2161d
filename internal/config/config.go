// Package config holds the tunables of the adapter, loaded from a TOML file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-faster/errors"
)

type Config struct {
	Probe   Probe   `toml:"probe"`
	Session Session `toml:"session"`
	Catalog Catalog `toml:"catalog"`
	Log     Log     `toml:"log"`
	Server  Server  `toml:"server"`
}

// Probe configures the link to the probe server.
type Probe struct {
	Address string `toml:"address"`
	// Timeout bounds a single probe command attempt.
	Timeout time.Duration `toml:"timeout"`
	// Retries is the number of extra attempts made after a timeout.
	Retries      int           `toml:"retries"`
	PollInterval time.Duration `toml:"poll_interval"`
	// HaltTimeout bounds the wait for the core to acknowledge a halt request.
	HaltTimeout time.Duration `toml:"halt_timeout"`
}

type Session struct {
	MaxStackDepth  int    `toml:"max_stack_depth"`
	StepLimit      int    `toml:"step_limit"`
	InstructionSet string `toml:"instruction_set"`
	CoreName       string `toml:"core_name"`
}

type Catalog struct {
	Path string `toml:"path"`
}

type Log struct {
	Level  string `toml:"level"`
	File   string `toml:"file"`
	Format string `toml:"format"`
}

type Server struct {
	Listen    string `toml:"listen"`
	WebSocket string `toml:"websocket"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Probe: Probe{
			Address:      "localhost:3333",
			Timeout:      2 * time.Second,
			Retries:      2,
			PollInterval: 50 * time.Millisecond,
			HaltTimeout:  time.Second,
		},
		Session: Session{
			MaxStackDepth:  64,
			StepLimit:      20000,
			InstructionSet: "thumb",
			CoreName:       "core0",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, errors.Wrapf(err, "config %s", path)
		}
		return cfg, errors.Wrapf(err, "decode config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, errors.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the adapter cannot work with.
func (c Config) Validate() error {
	switch {
	case c.Probe.Timeout <= 0:
		return errors.New("probe.timeout must be positive")
	case c.Probe.Retries < 0:
		return errors.New("probe.retries must not be negative")
	case c.Probe.PollInterval <= 0:
		return errors.New("probe.poll_interval must be positive")
	case c.Session.MaxStackDepth <= 0:
		return errors.New("session.max_stack_depth must be positive")
	case c.Session.StepLimit <= 0:
		return errors.New("session.step_limit must be positive")
	}
	switch c.Session.InstructionSet {
	case "thumb", "arm":
	default:
		return errors.Errorf("session.instruction_set: unknown %q", c.Session.InstructionSet)
	}
	return nil
}
