package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aretw0/tendril/internal/logging"
	"github.com/aretw0/tendril/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportMemory    = "memory"
	TransportRedis     = "redis"
	TransportWebsocket = "websocket"
)

// Store kinds.
const (
	StoreNone   = "none"
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config is the node configuration file (tendril.yaml).
type Config struct {
	Node      NodeConfig      `yaml:"node" json:"node"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

type NodeConfig struct {
	ID          string        `yaml:"id" json:"id"`
	SizeLimit   int           `yaml:"size_limit" json:"size_limit"`
	PeerTimeout time.Duration `yaml:"peer_timeout" json:"peer_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

type TransportConfig struct {
	Kind      string        `yaml:"kind" json:"kind"`
	Redis     RedisConfig   `yaml:"redis" json:"redis"`
	Prefix    string        `yaml:"prefix" json:"prefix"`
	Heartbeat time.Duration `yaml:"heartbeat" json:"heartbeat"`
	URL       string        `yaml:"url" json:"url"`
}

type StoreConfig struct {
	Kind   string        `yaml:"kind" json:"kind"`
	Path   string        `yaml:"path" json:"path"`
	Redis  RedisConfig   `yaml:"redis" json:"redis"`
	Prefix string        `yaml:"prefix" json:"prefix"`
	TTL    time.Duration `yaml:"ttl" json:"ttl"`
	Merge  bool          `yaml:"merge" json:"merge"`
	// EncryptionKey is a base64 encoded 32-byte AES key. Empty disables encryption.
	EncryptionKey string   `yaml:"encryption_key" json:"encryption_key"`
	FallbackKeys  []string `yaml:"fallback_keys" json:"fallback_keys"`
	Exclude       []string `yaml:"exclude" json:"exclude"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			SizeLimit: domain.DefaultSizeLimit,
		},
		Transport: TransportConfig{
			Kind:      TransportMemory,
			Redis:     RedisConfig{Addr: "localhost:6379"},
			Prefix:    "tendril:",
			Heartbeat: 5 * time.Second,
			URL:       "ws://localhost:8090/",
		},
		Store: StoreConfig{
			Kind:   StoreNone,
			Path:   filepath.Join(".tendril", "snapshots"),
			Redis:  RedisConfig{Addr: "localhost:6379"},
			Prefix: "tendril:snapshot:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// Load reads a YAML (or .json) file over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.SizeLimit <= 0 {
		errs = append(errs, fmt.Errorf("node.size_limit must be positive"))
	}
	if c.Node.PeerTimeout < 0 {
		errs = append(errs, fmt.Errorf("node.peer_timeout must not be negative"))
	}

	switch c.Transport.Kind {
	case TransportMemory:
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("transport.redis.addr is required"))
		}
	case TransportWebsocket:
		if c.Transport.URL == "" {
			errs = append(errs, fmt.Errorf("transport.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport.kind %q", c.Transport.Kind))
	}

	switch c.Store.Kind {
	case StoreNone, StoreMemory:
	case StoreFile:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required"))
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("store.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.kind %q", c.Store.Kind))
	}
	if _, _, err := c.Store.Keys(); err != nil {
		errs = append(errs, err)
	}
	for i, p := range c.Store.Exclude {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("store.exclude[%d]: %w", i, err))
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != logging.FormatText && c.Log.Format != logging.FormatJSON {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Keys decodes the encryption keys. Both results are nil when encryption is off.
func (s StoreConfig) Keys() ([]byte, [][]byte, error) {
	if s.EncryptionKey == "" {
		if len(s.FallbackKeys) > 0 {
			return nil, nil, fmt.Errorf("store.fallback_keys requires store.encryption_key")
		}
		return nil, nil, nil
	}
	active, err := decodeKey("store.encryption_key", s.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	fallback := make([][]byte, 0, len(s.FallbackKeys))
	for i, k := range s.FallbackKeys {
		key, err := decodeKey(fmt.Sprintf("store.fallback_keys[%d]", i), k)
		if err != nil {
			return nil, nil, err
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(name, value string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(key))
	}
	return key, nil
}
