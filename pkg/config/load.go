package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"corebus/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Paths holds the resolved corebus state file locations.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home       string // ~/.corebus or COREBUS_HOME
	ConfigPath string // config.yaml or COREBUS_CONFIG
	SocketPath string // corebus.sock
	DBPath     string // events.db or COREBUS_DB_PATH
}

// ResolvePaths returns all corebus paths, respecting env var overrides.
// Environment variables:
//   - COREBUS_HOME: base directory for all corebus state (default: ~/.corebus)
//   - COREBUS_CONFIG: config file (default: $COREBUS_HOME/config.yaml)
//   - COREBUS_DB_PATH: event log database (default: $COREBUS_HOME/events.db)
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:       home,
		ConfigPath: resolvePathWithEnv("COREBUS_CONFIG", home, protocol.ConfigName),
		SocketPath: filepath.Join(home, protocol.SocketName),
		DBPath:     resolvePathWithEnv("COREBUS_DB_PATH", home, protocol.DBName),
	}, nil
}

func resolveHome() (string, error) {
	if v := os.Getenv("COREBUS_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}

// Format is a config file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the encoding from a file extension. Anything that is not
// .toml is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Decode parses data in the given format. Defaults are not applied.
func Decode(data []byte, format Format) (Config, error) {
	return decodeOver(Config{}, data, format)
}

// Encode renders cfg in the given format.
func Encode(cfg Config, format Format) ([]byte, error) {
	switch format {
	case FormatTOML:
		out, err := toml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encode toml: %w", err)
		}
		return out, nil
	default:
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		return out, nil
	}
}

// Load reads p.ConfigPath, applies env overrides and fills defaults. A
// missing file is not an error: the defaults are returned. The event log is
// enabled and max_retries is 3 unless the file sets them explicitly.
func Load(p *Paths) (Config, error) {
	cfg := base()

	data, err := os.ReadFile(p.ConfigPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", p.ConfigPath, err)
	default:
		cfg, err = decodeOver(cfg, data, FormatFor(p.ConfigPath))
		if err != nil {
			return Config{}, fmt.Errorf("load %s: %w", p.ConfigPath, err)
		}
	}

	applyEnv(&cfg)
	cfg = cfg.withDefaults()
	if cfg.Listen.Addr == "" && cfg.Listen.Network == "unix" {
		cfg.Listen.Addr = p.SocketPath
	}
	if cfg.EventLog.Path == "" {
		cfg.EventLog.Path = p.DBPath
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeOver decodes data on top of base so absent keys keep base values.
func decodeOver(base Config, data []byte, format Format) (Config, error) {
	cfg := base
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode toml: %w", err)
		}
	default:
		if len(bytes.TrimSpace(data)) == 0 {
			return cfg, nil
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode yaml: %w", err)
		}
	}
	return cfg, nil
}

// applyEnv overlays COREBUS_NETWORK, COREBUS_ADDR and COREBUS_DB_PATH.
func applyEnv(cfg *Config) {
	if v := os.Getenv("COREBUS_NETWORK"); v != "" {
		cfg.Listen.Network = v
	}
	if v := os.Getenv("COREBUS_ADDR"); v != "" {
		cfg.Listen.Addr = v
	}
	if v := os.Getenv("COREBUS_DB_PATH"); v != "" {
		cfg.EventLog.Path = v
	}
}
