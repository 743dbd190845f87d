// Package config loads and validates the store's configuration from
// environment variables and optional YAML files.
//
// Environment variables use the SPIRALMEM_ prefix and override file values.
// Construction order: defaults, then file, then environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Duration is a time.Duration that unmarshals from YAML strings like "5s"
// or "2m30s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	dur, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("%w: parsing duration %q: %v", ErrInvalidConfig, node.Value, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// StorageConfig selects and parameterizes the backend.
type StorageConfig struct {
	// Kind is one of: memory, badger, redis, redis-cluster.
	Kind string `yaml:"kind"`

	// DataDir is the badger data directory.
	DataDir string `yaml:"dataDir"`

	// Addr is the single-node cache-server address.
	Addr string `yaml:"addr"`

	// Addrs are the clustered cache-server seed addresses.
	Addrs []string `yaml:"addrs"`

	// Password authenticates against the cache server.
	Password string `yaml:"password"`

	// DB is the single-node cache-server logical database.
	DB int `yaml:"db"`

	// OpTimeout bounds individual network operations.
	OpTimeout Duration `yaml:"opTimeout"`

	// RetryAttempts bounds retries of retryable backend failures.
	RetryAttempts int `yaml:"retryAttempts"`

	// RetryBackoff is the base delay between retries (linear growth).
	RetryBackoff Duration `yaml:"retryBackoff"`
}

// EncryptionConfig controls envelope encryption.
type EncryptionConfig struct {
	// MasterSecret enables encryption when non-empty.
	MasterSecret string `yaml:"masterSecret"`

	// Salt should be unique per installation.
	Salt string `yaml:"salt"`
}

// GCConfig tunes the eviction scheduler.
type GCConfig struct {
	Budget       int      `yaml:"budget"`
	Interval     Duration `yaml:"interval"`
	AccessWeight float64  `yaml:"accessWeight"`
	MinimumAge   Duration `yaml:"minimumAge"`
}

// TopologyConfig tunes the router.
type TopologyConfig struct {
	// CandidateBudget caps candidates examined per routing decision.
	CandidateBudget int `yaml:"candidateBudget"`

	// DefaultType tags spirals created without an explicit content type.
	DefaultType string `yaml:"defaultType"`
}

// ResonanceConfig tunes similarity queries.
type ResonanceConfig struct {
	// DefaultTopN caps results when callers pass no limit.
	DefaultTopN int `yaml:"defaultTopN"`

	// DefaultThreshold is the similarity floor when callers pass none.
	DefaultThreshold float64 `yaml:"defaultThreshold"`
}

// Config is the complete store configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Encryption EncryptionConfig `yaml:"encryption"`
	GC         GCConfig         `yaml:"gc"`
	Topology   TopologyConfig   `yaml:"topology"`
	Resonance  ResonanceConfig  `yaml:"resonance"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Kind:          "memory",
			Addr:          "localhost:6379",
			OpTimeout:     Duration(5 * time.Second),
			RetryAttempts: 3,
			RetryBackoff:  Duration(100 * time.Millisecond),
		},
		GC: GCConfig{
			Budget:       100,
			Interval:     Duration(time.Minute),
			AccessWeight: 3600,
		},
		Topology: TopologyConfig{
			CandidateBudget: 32,
			DefaultType:     "general",
		},
		Resonance: ResonanceConfig{
			DefaultTopN:      10,
			DefaultThreshold: 0.3,
		},
	}
}

// LoadFromFile reads a YAML configuration file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds the configuration from defaults plus SPIRALMEM_*
// environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays SPIRALMEM_* environment variables onto cfg.
func (c *Config) applyEnv() {
	setString(&c.Storage.Kind, "SPIRALMEM_STORAGE_KIND")
	setString(&c.Storage.DataDir, "SPIRALMEM_STORAGE_DATA_DIR")
	setString(&c.Storage.Addr, "SPIRALMEM_STORAGE_ADDR")
	setString(&c.Storage.Password, "SPIRALMEM_STORAGE_PASSWORD")
	setInt(&c.Storage.DB, "SPIRALMEM_STORAGE_DB")
	setDuration(&c.Storage.OpTimeout, "SPIRALMEM_STORAGE_OP_TIMEOUT")
	setInt(&c.Storage.RetryAttempts, "SPIRALMEM_STORAGE_RETRY_ATTEMPTS")
	setDuration(&c.Storage.RetryBackoff, "SPIRALMEM_STORAGE_RETRY_BACKOFF")

	if v := os.Getenv("SPIRALMEM_STORAGE_ADDRS"); v != "" {
		parts := strings.Split(v, ",")
		addrs := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				addrs = append(addrs, p)
			}
		}
		c.Storage.Addrs = addrs
	}

	setString(&c.Encryption.MasterSecret, "SPIRALMEM_ENCRYPTION_SECRET")
	setString(&c.Encryption.Salt, "SPIRALMEM_ENCRYPTION_SALT")

	setInt(&c.GC.Budget, "SPIRALMEM_GC_BUDGET")
	setDuration(&c.GC.Interval, "SPIRALMEM_GC_INTERVAL")
	setFloat(&c.GC.AccessWeight, "SPIRALMEM_GC_ACCESS_WEIGHT")
	setDuration(&c.GC.MinimumAge, "SPIRALMEM_GC_MINIMUM_AGE")

	setInt(&c.Topology.CandidateBudget, "SPIRALMEM_TOPOLOGY_CANDIDATE_BUDGET")
	setString(&c.Topology.DefaultType, "SPIRALMEM_TOPOLOGY_DEFAULT_TYPE")

	setInt(&c.Resonance.DefaultTopN, "SPIRALMEM_RESONANCE_TOP_N")
	setFloat(&c.Resonance.DefaultThreshold, "SPIRALMEM_RESONANCE_THRESHOLD")
}

// Validate checks cross-field consistency before the configuration is used.
func (c *Config) Validate() error {
	switch c.Storage.Kind {
	case "memory", "":
	case "badger":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("%w: badger backend requires storage.dataDir", ErrInvalidConfig)
		}
	case "redis":
		if c.Storage.Addr == "" {
			return fmt.Errorf("%w: redis backend requires storage.addr", ErrInvalidConfig)
		}
	case "redis-cluster":
		if len(c.Storage.Addrs) == 0 {
			return fmt.Errorf("%w: redis-cluster backend requires storage.addrs", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage.kind %q", ErrInvalidConfig, c.Storage.Kind)
	}

	if c.Storage.OpTimeout < 0 {
		return fmt.Errorf("%w: storage.opTimeout must not be negative", ErrInvalidConfig)
	}
	if c.GC.Budget < 0 {
		return fmt.Errorf("%w: gc.budget must not be negative", ErrInvalidConfig)
	}
	if c.GC.Interval < 0 {
		return fmt.Errorf("%w: gc.interval must not be negative", ErrInvalidConfig)
	}
	if c.Topology.CandidateBudget < 0 {
		return fmt.Errorf("%w: topology.candidateBudget must not be negative", ErrInvalidConfig)
	}
	if c.Resonance.DefaultThreshold < -1 || c.Resonance.DefaultThreshold > 1 {
		return fmt.Errorf("%w: resonance.defaultThreshold must be within [-1, 1]", ErrInvalidConfig)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
