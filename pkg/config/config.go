// Package config loads the partyd TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/ZentaChain/zentalk-replicator/pkg/codec"
	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
)

type Config struct {
	Node    NodeConfig    `toml:"node"`
	API     APIConfig     `toml:"api"`
	Log     LogConfig     `toml:"log"`
	Rules   RulesConfig   `toml:"rules"`
	Parties []PartyConfig `toml:"party"`
}

type NodeConfig struct {
	Port         int      `toml:"port"`
	DataDir      string   `toml:"data_dir"`
	Bootstrap    []string `toml:"bootstrap"`
	IdentityFile string   `toml:"identity_file"`
	EnableNAT    bool     `toml:"enable_nat"`

	// Codec encodes frames and envelopes: "json" or "msgpack"
	Codec string `toml:"codec"`

	// HandshakeTimeout bounds the transport handshake of every connection
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	// DiscoveryInterval is how often joined parties look for members
	DiscoveryInterval Duration `toml:"discovery_interval"`
}

type APIConfig struct {
	Enable      bool     `toml:"enable"`
	Port        int      `toml:"port"`
	EnableCORS  bool     `toml:"cors"`
	CorsOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// RulesConfig tunes the built-in feed replication rules
type RulesConfig struct {
	TransactionTimeout Duration `toml:"transaction_timeout"`
	Live               bool     `toml:"live"`
}

type PartyConfig struct {
	Key   string `toml:"key"`
	Rules string `toml:"rules"`
}

// Duration is a time.Duration written as a Go duration string ("10s")
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used for missing keys
func Default() Config {
	return Config{
		Node: NodeConfig{
			Port:              9400,
			DataDir:           "./partyd-data",
			Codec:             "json",
			HandshakeTimeout:  Duration(10 * time.Second),
			DiscoveryInterval: Duration(30 * time.Second),
		},
		API: APIConfig{
			Enable:     true,
			Port:       8480,
			EnableCORS: true,
			RateLimit:  100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Rules: RulesConfig{
			TransactionTimeout: Duration(10 * time.Second),
			Live:               true,
		},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as TOML
func Save(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config encode failed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c Config) Validate() error {
	if c.Node.Port < 0 || c.Node.Port > 65535 {
		return fmt.Errorf("node port %d out of range", c.Node.Port)
	}
	if strings.TrimSpace(c.Node.DataDir) == "" {
		return fmt.Errorf("node config missing data_dir")
	}
	if _, err := codec.ByName(c.Node.Codec); err != nil {
		return fmt.Errorf("node codec: %w", err)
	}
	if c.Node.HandshakeTimeout < 0 {
		return fmt.Errorf("node handshake_timeout must not be negative")
	}
	if c.API.Enable && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api port %d out of range", c.API.Port)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api rate_limit must not be negative")
	}
	if c.Rules.TransactionTimeout < 0 {
		return fmt.Errorf("rules transaction_timeout must not be negative")
	}
	for i, p := range c.Parties {
		if _, err := crypto.ParseKey(p.Key); err != nil {
			return fmt.Errorf("party[%d] invalid: %w", i, err)
		}
	}
	return nil
}

// IdentityPath is the identity file, defaulting to one inside the data directory
func (c Config) IdentityPath() string {
	if c.Node.IdentityFile != "" {
		return c.Node.IdentityFile
	}
	return filepath.Join(c.Node.DataDir, "identity.key")
}
