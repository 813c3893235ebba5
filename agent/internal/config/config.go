// Package config handles agent configuration loading, saving and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (SMOTRA_*)
// 3. Config file (YAML, or TOML when the file ends in .toml)
// 4. Defaults
//
// # Example Config File
//
//	version: 1
//	agent_id: 0192f0c4-8a63-7b4e-9d61-3f0c2a7d9e11
//	agent_name: edge-fra-01
//	tags: [edge, fra]
//
//	monitoring:
//	  interval_secs: 60
//	  timeout_secs: 2
//	  ping_count: 3
//	  max_concurrent: 10
//
//	server:
//	  url: https://api.smotra.net
//	  api_key: sk_xxx
//	  report_interval_secs: 300
//
//	storage:
//	  cache_dir: /var/lib/smotra/cache
//	  backend: sqlite
//
//	endpoints:
//	  - address: 8.8.8.8
//	    check: ping
//	  - address: example.com
//	    port: 443
//	    check: tcp_connect
//
// The file holds the server credential once the agent has been claimed, so
// it is always written with owner-only permissions.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// DefaultServerURL is used when no server URL is configured.
const DefaultServerURL = "https://api.smotra.net"

// FileMode is the permission set for persisted config files.
const FileMode os.FileMode = 0o600

// endpointNamespace seeds deterministic endpoint ids for entries that omit one.
var endpointNamespace = uuid.MustParse("6f1c3c2e-5d0b-4c1e-9a57-0e8a8f4b2d11")

// Config is the complete agent configuration.
type Config struct {
	// Version increases each time the server hands out a new config; 0
	// means the agent has never been claimed.
	Version   uint32    `yaml:"version" toml:"version"`
	AgentID   uuid.UUID `yaml:"agent_id" toml:"agent_id"`
	AgentName string    `yaml:"agent_name" toml:"agent_name"`
	Tags      []string  `yaml:"tags" toml:"tags"`

	Monitoring MonitoringConfig `yaml:"monitoring" toml:"monitoring"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Endpoints  []Endpoint       `yaml:"endpoints" toml:"endpoints"`
}

// MonitoringConfig defines probing behavior.
type MonitoringConfig struct {
	IntervalSecs        uint64 `yaml:"interval_secs" toml:"interval_secs"`
	TimeoutSecs         uint64 `yaml:"timeout_secs" toml:"timeout_secs"`
	PingCount           uint32 `yaml:"ping_count" toml:"ping_count"`
	MaxConcurrent       int    `yaml:"max_concurrent" toml:"max_concurrent"`
	TracerouteOnFailure bool   `yaml:"traceroute_on_failure" toml:"traceroute_on_failure"`
	TracerouteMaxHops   int    `yaml:"traceroute_max_hops" toml:"traceroute_max_hops"`

	// Checker binaries
	FpingPath string `yaml:"fping_path,omitempty" toml:"fping_path,omitempty"`
	MTRPath   string `yaml:"mtr_path,omitempty" toml:"mtr_path,omitempty"`
}

// ServerConfig defines how to reach the server.
type ServerConfig struct {
	URL string `yaml:"url" toml:"url"`
	// APIKey is nil until the agent has been claimed.
	APIKey *string `yaml:"api_key,omitempty" toml:"api_key,omitempty"`

	ReportIntervalSecs    uint64 `yaml:"report_interval_secs" toml:"report_interval_secs"`
	HeartbeatIntervalSecs uint64 `yaml:"heartbeat_interval_secs" toml:"heartbeat_interval_secs"`
	VerifyTLS             bool   `yaml:"verify_tls" toml:"verify_tls"`
	TimeoutSecs           uint64 `yaml:"timeout_secs" toml:"timeout_secs"`
	// RetryAttempts is the number of consecutive failed sends after which
	// the agent considers itself disconnected.
	RetryAttempts uint32 `yaml:"retry_attempts" toml:"retry_attempts"`

	Claiming ClaimConfig `yaml:"claiming" toml:"claiming"`
}

// ClaimConfig tunes the claiming workflow.
type ClaimConfig struct {
	PollIntervalSecs       uint64 `yaml:"poll_interval_secs" toml:"poll_interval_secs"`
	MaxRegistrationRetries uint32 `yaml:"max_registration_retries" toml:"max_registration_retries"`
}

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// StorageConfig defines the local result cache.
type StorageConfig struct {
	CacheDir         string `yaml:"cache_dir" toml:"cache_dir"`
	Backend          string `yaml:"backend" toml:"backend"`
	RedisURL         string `yaml:"redis_url,omitempty" toml:"redis_url,omitempty"`
	MaxCachedResults int    `yaml:"max_cached_results" toml:"max_cached_results"`
	MaxCacheAgeSecs  uint64 `yaml:"max_cache_age_secs" toml:"max_cache_age_secs"`
}

// Endpoint is a single monitored target.
type Endpoint struct {
	ID      uuid.UUID       `yaml:"id" toml:"id"`
	Address string          `yaml:"address" toml:"address"`
	Port    *uint16         `yaml:"port,omitempty" toml:"port,omitempty"`
	Tags    []string        `yaml:"tags,omitempty" toml:"tags,omitempty"`
	Enabled *bool           `yaml:"enabled,omitempty" toml:"enabled,omitempty"` // nil means enabled
	Check   types.CheckKind `yaml:"check" toml:"check"`
	Plugin  string          `yaml:"plugin,omitempty" toml:"plugin,omitempty"`
	// Params holds checker-specific options (http path, snmp community, ...)
	Params map[string]string `yaml:"params,omitempty" toml:"params,omitempty"`
}

// IsEnabled reports whether the coordinator should check this endpoint.
func (e Endpoint) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// HostPort returns address:port, or the bare address when no port is set.
func (e Endpoint) HostPort() string {
	if e.Port == nil {
		return e.Address
	}
	return joinHostPort(e.Address, *e.Port)
}

// DefaultConfig returns a config with sensible defaults.
//
// The agent id is left nil; the claim workflow assigns one on first boot.
func DefaultConfig() *Config {
	return &Config{
		AgentName: "Unnamed Agent",
		Tags:      []string{},
		Monitoring: MonitoringConfig{
			IntervalSecs:      60,
			TimeoutSecs:       1,
			PingCount:         3,
			MaxConcurrent:     10,
			TracerouteMaxHops: 30,
		},
		Server: ServerConfig{
			URL:                   DefaultServerURL,
			ReportIntervalSecs:    300,
			HeartbeatIntervalSecs: 300,
			VerifyTLS:             true,
			TimeoutSecs:           5,
			RetryAttempts:         3,
			Claiming: ClaimConfig{
				PollIntervalSecs:       30,
				MaxRegistrationRetries: 5,
			},
		},
		Storage: StorageConfig{
			CacheDir:         "./cache",
			Backend:          BackendSQLite,
			MaxCachedResults: 10000,
			MaxCacheAgeSecs:  86400,
		},
		Endpoints: []Endpoint{},
	}
}

// LoadFromFile loads configuration from a YAML or TOML file without
// validating it. Claiming runs against configs that are not valid yet.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// Load loads and validates configuration from path.
func Load(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path with owner-only permissions.
// The file is replaced atomically so a crash never leaves half a config.
func (c *Config) Save(path string) error {
	data, err := c.Marshal(isTOML(path))
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("setting config permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing config: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return os.Chmod(path, FileMode)
}

// Marshal encodes the config as YAML, or TOML when asTOML is set.
func (c *Config) Marshal(asTOML bool) ([]byte, error) {
	if asTOML {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("encoding config: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return data, nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the SMOTRA_ prefix:
// - SMOTRA_SERVER_URL
// - SMOTRA_API_KEY
// - SMOTRA_AGENT_NAME
// - SMOTRA_AGENT_TAGS (comma separated)
// - SMOTRA_CACHE_DIR
// - SMOTRA_CACHE_BACKEND
// - SMOTRA_REDIS_URL
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SMOTRA_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("SMOTRA_API_KEY"); v != "" {
		c.Server.APIKey = &v
	}
	if v := os.Getenv("SMOTRA_AGENT_NAME"); v != "" {
		c.AgentName = v
	}
	if v := os.Getenv("SMOTRA_AGENT_TAGS"); v != "" {
		tags := make([]string, 0)
		for _, tag := range strings.Split(v, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
		c.Tags = tags
	}
	if v := os.Getenv("SMOTRA_CACHE_DIR"); v != "" {
		c.Storage.CacheDir = v
	}
	if v := os.Getenv("SMOTRA_CACHE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("SMOTRA_REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	}
}

// HasCredential reports whether the agent holds a server credential.
func (c *Config) HasCredential() bool {
	return c.Server.APIKey != nil && *c.Server.APIKey != ""
}

// APIKeyValue returns the credential, or "" when unclaimed.
func (c *Config) APIKeyValue() string {
	if c.Server.APIKey == nil {
		return ""
	}
	return *c.Server.APIKey
}

// ApplyClaim stores the identity and credential obtained by claiming.
func (c *Config) ApplyClaim(agentID uuid.UUID, apiKey string) {
	c.AgentID = agentID
	c.Server.APIKey = &apiKey
	if c.Version == 0 {
		c.Version = 1
	}
}

// EnabledEndpoints returns the endpoints the coordinator should check, in
// file order.
func (c *Config) EnabledEndpoints() []Endpoint {
	out := make([]Endpoint, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.IsEnabled() {
			out = append(out, ep)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Tags = cloneStrings(c.Tags)
	if c.Server.APIKey != nil {
		key := *c.Server.APIKey
		out.Server.APIKey = &key
	}
	out.Endpoints = make([]Endpoint, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		out.Endpoints[i] = ep.clone()
	}
	return &out
}

func (e Endpoint) clone() Endpoint {
	out := e
	out.Tags = cloneStrings(e.Tags)
	if e.Port != nil {
		p := *e.Port
		out.Port = &p
	}
	if e.Enabled != nil {
		b := *e.Enabled
		out.Enabled = &b
	}
	if e.Params != nil {
		out.Params = make(map[string]string, len(e.Params))
		for k, v := range e.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Interval returns the monitoring interval.
func (m MonitoringConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSecs) * time.Second
}

// Timeout returns the per-probe timeout.
func (m MonitoringConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSecs) * time.Second
}

// ReportInterval returns the result delivery interval.
func (s ServerConfig) ReportInterval() time.Duration {
	return time.Duration(s.ReportIntervalSecs) * time.Second
}

// HeartbeatInterval returns the beacon interval.
func (s ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSecs) * time.Second
}

// Timeout returns the HTTP request timeout.
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// PollInterval returns the claim status poll interval.
func (c ClaimConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// MaxCacheAge returns the age after which cached results are evicted.
func (s StorageConfig) MaxCacheAge() time.Duration {
	return time.Duration(s.MaxCacheAgeSecs) * time.Second
}

// normalize fixes up values a human edit commonly leaves inconsistent.
func (c *Config) normalize() {
	if c.Server.APIKey != nil && strings.TrimSpace(*c.Server.APIKey) == "" {
		c.Server.APIKey = nil
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Check == "" {
			ep.Check = types.CheckPing
		}
		if ep.ID == uuid.Nil {
			ep.ID = DeriveEndpointID(*ep)
		}
	}
}

// DeriveEndpointID returns a stable id for an endpoint that has none, so
// that reloading an unchanged file keeps endpoint identities.
func DeriveEndpointID(ep Endpoint) uuid.UUID {
	key := string(ep.Check) + "|" + ep.Plugin + "|" + ep.HostPort()
	return uuid.NewSHA1(endpointNamespace, []byte(key))
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func joinHostPort(host string, port uint16) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]:" + strconv.Itoa(int(port))
	}
	return host + ":" + strconv.Itoa(int(port))
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
