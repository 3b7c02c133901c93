// Package config loads the agent and broker YAML configuration files into
// typed structs, applying spec-defined defaults for any field left unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigError wraps the offending field name and underlying cause so
// cmd/agent and cmd/broker can map any configuration failure to the
// process's config-error exit code without inspecting error strings.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: field %q: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AgentConfig controls the sensor agent: capture, sign, rate-limit,
// WAL-backed publish loop.
type AgentConfig struct {
	MaxEnvBytes           int     `yaml:"max_env_bytes"`
	SendRateEps           float64 `yaml:"send_rate_eps"`
	RetryMaxAttempts      int     `yaml:"retry_max_attempts"`
	RetryTimeoutS         float64 `yaml:"retry_timeout_s"`
	WALMaxBytes           int64   `yaml:"wal_max_bytes"`
	WALPath               string  `yaml:"wal_path"`
	BrokerAddress         string  `yaml:"broker_address"`
	TLSCA                 string  `yaml:"tls_ca"`
	TLSClientCert         string  `yaml:"tls_client_cert"`
	TLSClientKey          string  `yaml:"tls_client_key"`
	SigningPrivateKeyPath string  `yaml:"signing_private_key_path"`
	DrainingBatchSize     int     `yaml:"draining_batch_size"`
	Debug                 bool    `yaml:"debug"`
}

// agent defaults per spec.md §4.3. send_rate_eps's default is 0, meaning
// unbounded — it is deliberately never overridden by applyDefaults.
const (
	defaultAgentMaxEnvBytes      = 131072
	defaultAgentRetryMaxAttempts = 6
	defaultAgentWALMaxBytes      = 200 * 1024 * 1024
	defaultAgentDrainingBatch    = 500
	defaultAgentRetryTimeoutS    = 1.0
)

func (c *AgentConfig) applyDefaults() {
	if c.MaxEnvBytes == 0 {
		c.MaxEnvBytes = defaultAgentMaxEnvBytes
	}
	if c.RetryMaxAttempts == 0 {
		c.RetryMaxAttempts = defaultAgentRetryMaxAttempts
	}
	if c.WALMaxBytes == 0 {
		c.WALMaxBytes = defaultAgentWALMaxBytes
	}
	if c.DrainingBatchSize == 0 {
		c.DrainingBatchSize = defaultAgentDrainingBatch
	}
	if c.RetryTimeoutS == 0 {
		c.RetryTimeoutS = defaultAgentRetryTimeoutS
	}
}

func (c *AgentConfig) validate() error {
	if c.BrokerAddress == "" {
		return &ConfigError{Field: "broker_address", Err: fmt.Errorf("required")}
	}
	if c.WALPath == "" {
		return &ConfigError{Field: "wal_path", Err: fmt.Errorf("required")}
	}
	if c.SigningPrivateKeyPath == "" {
		return &ConfigError{Field: "signing_private_key_path", Err: fmt.Errorf("required")}
	}
	if c.TLSCA == "" || c.TLSClientCert == "" || c.TLSClientKey == "" {
		return &ConfigError{Field: "tls_ca/tls_client_cert/tls_client_key", Err: fmt.Errorf("all three required")}
	}
	return nil
}

// LoadAgentConfig reads and validates an AgentConfig from a YAML file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: path, Err: err}
	}
	var c AgentConfig
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, &ConfigError{Field: path, Err: err}
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// BrokerConfig controls the event broker: listener, TLS/trust material,
// admission thresholds, durable storage.
type BrokerConfig struct {
	ListenAddress     string `yaml:"listen_address"`
	TLSServerCert     string `yaml:"tls_server_cert"`
	TLSServerKey      string `yaml:"tls_server_key"`
	TLSClientCABundle string `yaml:"tls_client_ca_bundle"`
	TrustMapPath      string `yaml:"trust_map_path"`
	MaxEnvBytes       int    `yaml:"max_env_bytes"`
	MaxInflight       int    `yaml:"max_inflight"`
	HardMaxInflight   int    `yaml:"hard_max_inflight"`
	DedupTTLSeconds   int64  `yaml:"dedup_ttl_s"`
	OverloadMode      bool   `yaml:"overload_mode"`
	DurableLogPath    string `yaml:"durable_log_path"`
	Debug             bool   `yaml:"debug"`
}

const (
	defaultBrokerMaxEnvBytes     = 131072
	defaultBrokerMaxInflight     = 100
	defaultBrokerDedupTTLSeconds = 300
)

func (c *BrokerConfig) applyDefaults() {
	if c.MaxEnvBytes == 0 {
		c.MaxEnvBytes = defaultBrokerMaxEnvBytes
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = defaultBrokerMaxInflight
	}
	if c.HardMaxInflight == 0 {
		c.HardMaxInflight = 2 * c.MaxInflight
	}
	if c.DedupTTLSeconds == 0 {
		c.DedupTTLSeconds = defaultBrokerDedupTTLSeconds
	}
}

func (c *BrokerConfig) validate() error {
	if c.ListenAddress == "" {
		return &ConfigError{Field: "listen_address", Err: fmt.Errorf("required")}
	}
	if c.TrustMapPath == "" {
		return &ConfigError{Field: "trust_map_path", Err: fmt.Errorf("required")}
	}
	if c.DurableLogPath == "" {
		return &ConfigError{Field: "durable_log_path", Err: fmt.Errorf("required")}
	}
	if c.TLSServerCert == "" || c.TLSServerKey == "" || c.TLSClientCABundle == "" {
		return &ConfigError{Field: "tls_server_cert/tls_server_key/tls_client_ca_bundle", Err: fmt.Errorf("all three required")}
	}
	if c.HardMaxInflight < c.MaxInflight {
		return &ConfigError{Field: "hard_max_inflight", Err: fmt.Errorf("must be >= max_inflight")}
	}
	return nil
}

// LoadBrokerConfig reads and validates a BrokerConfig from a YAML file.
func LoadBrokerConfig(path string) (*BrokerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: path, Err: err}
	}
	var c BrokerConfig
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, &ConfigError{Field: path, Err: err}
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// TrustMapEntry is one peer's signing identity: its CN and the path to its
// Ed25519 SPKI-PEM public key.
type TrustMapEntry struct {
	CN            string `yaml:"cn"`
	PublicKeyPath string `yaml:"public_key_path"`
}

// TrustMapFile is the on-disk shape of trust_map_path: a flat list of peer
// entries, loaded once at broker startup (spec.md §4.4).
type TrustMapFile struct {
	Peers []TrustMapEntry `yaml:"peers"`
}

// LoadTrustMapFile reads and parses the trust map YAML file.
func LoadTrustMapFile(path string) (*TrustMapFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "trust_map_path", Err: err}
	}
	var tm TrustMapFile
	if err := yaml.Unmarshal(raw, &tm); err != nil {
		return nil, &ConfigError{Field: "trust_map_path", Err: err}
	}
	if len(tm.Peers) == 0 {
		return nil, &ConfigError{Field: "trust_map_path", Err: fmt.Errorf("no peers defined")}
	}
	return &tm, nil
}
