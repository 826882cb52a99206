// Package config loads engine configuration with layered precedence:
// embedded defaults, then system and local slotwise.toml files, then
// SLOTWISE_ environment variables.
package config

import (
	_ "embed"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/slotwise/slotwise/pkg/errors"
)

//go:embed defaults.toml
var defaultConfig []byte

// Config holds the typed engine configuration
type Config struct {
	// BlockSize is the fixed block size all extents are expressed in
	BlockSize uint64

	// StateDir overrides the XDG-derived state directory when non-empty
	StateDir string

	// CheckpointEveryOps bounds how much work is redone on resume
	CheckpointEveryOps int

	// VABCEnabled selects the COW backend when dynamic-partition control
	// reports no preference
	VABCEnabled bool

	// CowCompression is the codec for COW replace payloads: zstd, gzip, none
	CowCompression string

	// PostinstallTimeout bounds each postinstall program; zero means no limit
	PostinstallTimeout time.Duration
}

// rawBytesProvider adapts an embedded byte slice to a koanf provider
type rawBytesProvider struct {
	bytes []byte
}

func (r *rawBytesProvider) ReadBytes() ([]byte, error) { return r.bytes, nil }
func (r *rawBytesProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New(errors.ErrNotImplemented, "raw bytes provider does not support Read")
}

// Load builds the configuration from all layers
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(&rawBytesProvider{bytes: defaultConfig}, toml.Parser()); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load defaults")
	}

	for _, path := range []string{"/etc/slotwise/slotwise.toml", "slotwise.toml"} {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, errors.Wrapf(err, errors.ErrConfigParse, "failed to load config from %s", path)
			}
		}
	}

	// SLOTWISE_VABC_ENABLED=true overrides vabc.enabled; only the first
	// underscore becomes the section separator, TOML keys keep theirs
	if err := k.Load(env.Provider("SLOTWISE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SLOTWISE_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load environment overrides")
	}

	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		BlockSize:          uint64(k.Int64("engine.block_size")),
		StateDir:           k.String("engine.state_dir"),
		CheckpointEveryOps: k.Int("engine.checkpoint_every_ops"),
		VABCEnabled:        k.Bool("vabc.enabled"),
		CowCompression:     k.String("vabc.compression"),
		PostinstallTimeout: time.Duration(k.Int64("postinstall.timeout_seconds")) * time.Second,
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.BlockSize == 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return errors.Newf(errors.ErrConfigValid, "block_size must be a power of two, got %d", c.BlockSize)
	}
	if c.CheckpointEveryOps <= 0 {
		return errors.Newf(errors.ErrConfigValid, "checkpoint_every_ops must be positive, got %d", c.CheckpointEveryOps)
	}
	switch c.CowCompression {
	case "zstd", "gzip", "none":
	default:
		return errors.Newf(errors.ErrConfigValid, "unknown cow compression %q", c.CowCompression)
	}
	return nil
}

// Default returns the built-in configuration without file or env layers
func Default() *Config {
	k := koanf.New(".")
	// Embedded defaults always parse; a failure here is a build defect
	if err := k.Load(&rawBytesProvider{bytes: defaultConfig}, toml.Parser()); err != nil {
		panic(err)
	}
	cfg, err := fromKoanf(k)
	if err != nil {
		panic(err)
	}
	return cfg
}
