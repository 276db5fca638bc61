// Package config handles configuration persistence for the pcclink gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// PLCFamily selects the processor family, which in turn selects the PCCC
// dialect used on the wire.
type PLCFamily string

const (
	FamilyPLC5         PLCFamily = "plc5"
	FamilySLC          PLCFamily = "slc"
	FamilyMicroLogix   PLCFamily = "micrologix"
	FamilyControlLogix PLCFamily = "controllogix"
)

// String returns the family name, defaulting to slc.
func (f PLCFamily) String() string {
	if f == "" {
		return string(FamilySLC)
	}
	return string(f)
}

// CPU returns the cpu attribute value for the tag layer.
func (f PLCFamily) CPU() string {
	switch f {
	case FamilyPLC5:
		return "PLC5"
	case FamilyMicroLogix:
		return "MLGX"
	case FamilyControlLogix:
		return "LGX"
	default:
		return "SLC"
	}
}

// NeedsRoute reports whether the family requires a backplane/slot route.
func (f PLCFamily) NeedsRoute() bool {
	return f == FamilyControlLogix
}

// Config holds the complete gateway configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // instance namespace for topic/key isolation
	PLCs      []PLCConfig    `yaml:"plcs"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	Web       WebConfig      `yaml:"web"`
	PollRate  time.Duration  `yaml:"poll_rate"`

	// dataMu protects all config fields against concurrent access.
	dataMu sync.Mutex `yaml:"-"`
	path   string     `yaml:"-"`
}

// PLCConfig stores configuration for a single PLC connection.
type PLCConfig struct {
	Name        string        `yaml:"name"`
	Family      PLCFamily     `yaml:"family"`
	Address     string        `yaml:"address"`        // host or host:port
	Path        string        `yaml:"path,omitempty"` // CIP route, e.g. "1,0"
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	PollRate    time.Duration `yaml:"poll_rate,omitempty"` // overrides the global rate
	ReadCacheMS int           `yaml:"read_cache_ms,omitempty"`
	Enabled     bool          `yaml:"enabled"`
	Tags        []TagConfig   `yaml:"tags"`
}

// TagConfig describes one polled data-table address.
type TagConfig struct {
	Name     string `yaml:"name,omitempty"` // display name; defaults to the address
	Address  string `yaml:"address"`        // data table address, e.g. N7:0
	Count    int    `yaml:"count,omitempty"`
	Writable bool   `yaml:"writable,omitempty"`
}

// DisplayName returns the tag's display name.
func (t TagConfig) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Address
}

// MQTTConfig holds configuration for one MQTT broker.
type MQTTConfig struct {
	Name      string `yaml:"name"`
	Broker    string `yaml:"broker"` // tcp://host:1883 or ssl://host:8883
	ClientID  string `yaml:"client_id,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	RootTopic string `yaml:"root_topic,omitempty"`
	QOS       byte   `yaml:"qos,omitempty"`
	Enabled   bool   `yaml:"enabled"`
}

// ValkeyConfig holds configuration for one Valkey/Redis server.
type ValkeyConfig struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"` // host:6379
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
	TTL       int    `yaml:"ttl_seconds,omitempty"` // 0 = no expiry
	Enabled   bool   `yaml:"enabled"`
}

// KafkaConfig holds configuration for one Kafka cluster.
type KafkaConfig struct {
	Name          string   `yaml:"name"`
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	SASLMechanism string   `yaml:"sasl_mechanism,omitempty"` // "", "plain", "scram-sha-256", "scram-sha-512"
	Username      string   `yaml:"username,omitempty"`
	Password      string   `yaml:"password,omitempty"`
	Enabled       bool     `yaml:"enabled"`
}

// WebConfig holds the web UI/API server configuration.
type WebConfig struct {
	Enabled       bool         `yaml:"enabled"`
	Listen        string       `yaml:"listen,omitempty"` // default 127.0.0.1:8080
	SessionSecret string       `yaml:"session_secret,omitempty"`
	Users         []UserConfig `yaml:"users,omitempty"`
}

// UserConfig is one web user with a bcrypt password hash.
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role,omitempty"` // "admin" or "viewer"
}

// DefaultPollRate is used when poll_rate is not configured.
const DefaultPollRate = 1 * time.Second

// DefaultWebListen is used when web.listen is not configured.
const DefaultWebListen = "127.0.0.1:8080"

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pcclink.yaml"
	}
	return filepath.Join(home, ".config", "pcclink", "pcclink.yaml")
}

// Load reads the configuration from path.  A missing file yields an empty
// config bound to that path, so first runs can Save a skeleton.
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("Load: %w", err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Load: failed to parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("Load: %s: %w", path, err)
	}

	cfg.normalize()
	return cfg, nil
}

// Save writes the configuration back to its path, creating parent
// directories as needed.
func (c *Config) Save() error {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	if c.path == "" {
		return fmt.Errorf("Save: no config path set")
	}

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("Save: %w", err)
		}
	}

	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

// Lock takes the config data mutex for a multi-field update.
func (c *Config) Lock() {
	c.dataMu.Lock()
}

// UnlockAndSave persists the config and releases the data mutex.
func (c *Config) UnlockAndSave() error {
	defer c.dataMu.Unlock()
	return c.saveLocked()
}

// PLC returns the named PLC config, or nil.
func (c *Config) PLC(name string) *PLCConfig {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	for i := range c.PLCs {
		if c.PLCs[i].Name == name {
			return &c.PLCs[i]
		}
	}
	return nil
}

// validate rejects configs the gateway cannot run with.
func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i := range c.PLCs {
		plc := &c.PLCs[i]
		if plc.Name == "" {
			return fmt.Errorf("plcs[%d]: name is required", i)
		}
		if seen[plc.Name] {
			return fmt.Errorf("plcs[%d]: duplicate name %q", i, plc.Name)
		}
		seen[plc.Name] = true
		if plc.Address == "" {
			return fmt.Errorf("plc %q: address is required", plc.Name)
		}
		switch plc.Family {
		case "", FamilyPLC5, FamilySLC, FamilyMicroLogix, FamilyControlLogix:
		default:
			return fmt.Errorf("plc %q: unknown family %q", plc.Name, plc.Family)
		}
		if plc.Family.NeedsRoute() && plc.Path == "" {
			return fmt.Errorf("plc %q: family %s requires a path", plc.Name, plc.Family)
		}
		for j, tag := range plc.Tags {
			if tag.Address == "" {
				return fmt.Errorf("plc %q: tags[%d]: address is required", plc.Name, j)
			}
		}
	}
	return nil
}

// normalize fills defaults after load.
func (c *Config) normalize() {
	if c.PollRate <= 0 {
		c.PollRate = DefaultPollRate
	}
	if c.Web.Listen == "" {
		c.Web.Listen = DefaultWebListen
	}
	if c.Namespace == "" {
		c.Namespace = "pcclink"
	}
	for i := range c.PLCs {
		plc := &c.PLCs[i]
		if plc.Family == "" {
			plc.Family = FamilySLC
		}
		if plc.PollRate <= 0 {
			plc.PollRate = c.PollRate
		}
		for j := range plc.Tags {
			if plc.Tags[j].Count <= 0 {
				plc.Tags[j].Count = 1
			}
		}
	}
}
