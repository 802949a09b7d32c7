// Package config loads and validates coordinator configuration from YAML.
// Defaults come from struct tags, validation from validator tags, so the
// whole shape of the file is visible in one place.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration accepts "90s" style values in YAML.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the full coordinator configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Chains     ChainsConfig     `yaml:"chains"`
	Signer     SignerConfig     `yaml:"signer"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string   `yaml:"host" default:"0.0.0.0"`
	Port            int      `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// SetDefaults fills duration defaults; tag defaults cannot express them.
func (c *ServerConfig) SetDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = Duration(30 * time.Second)
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = Duration(2 * time.Minute)
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = Duration(time.Minute)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(2 * time.Minute)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(30 * time.Second)
	}
}

// DatabaseConfig contains trade-ledger database connection settings. When
// Host is empty the coordinator runs with the in-memory ledger.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" default:"5432"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database" default:"escrow_coordinator"`
	SSLMode  string `yaml:"ssl_mode" default:"disable"`
}

// ChainsConfig holds per-network adapter settings. At least one network must
// be enabled.
type ChainsConfig struct {
	Solana SolanaConfig `yaml:"solana"`
	EVM    EVMConfig    `yaml:"evm"`
}

// SolanaConfig configures the account-model adapter.
type SolanaConfig struct {
	Enabled    bool   `yaml:"enabled"`
	RPCURL     string `yaml:"rpc_url" validate:"omitempty,url"`
	ProgramID  string `yaml:"program_id"`
	Commitment string `yaml:"commitment" default:"confirmed" validate:"oneof=processed confirmed finalized"`
}

// EVMConfig configures the contract-storage-model adapter.
type EVMConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RPCURL          string `yaml:"rpc_url" validate:"omitempty,url"`
	ChainID         int64  `yaml:"chain_id"`
	ContractAddress string `yaml:"contract_address"`
	TokenAddress    string `yaml:"token_address"`
}

// SignerConfig points at the external transaction-signing service. The
// coordinator submits payloads for signing and never holds key material.
type SignerConfig struct {
	URL     string   `yaml:"url" validate:"omitempty,url"`
	Timeout Duration `yaml:"timeout"`
}

// SetDefaults fills duration defaults.
func (c *SignerConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = Duration(10 * time.Second)
	}
}

// GatewayConfig tunes escrow operation submission.
type GatewayConfig struct {
	OperationTimeout Duration `yaml:"operation_timeout"`
	MaxAttempts      int      `yaml:"max_attempts" default:"3" validate:"gte=1"`
	RetryBaseDelay   Duration `yaml:"retry_base_delay"`
}

// SetDefaults fills duration defaults; tag defaults cannot express them.
func (c *GatewayConfig) SetDefaults() {
	if c.OperationTimeout == 0 {
		c.OperationTimeout = Duration(90 * time.Second)
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = Duration(500 * time.Millisecond)
	}
}

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	Interval         Duration `yaml:"interval"`
	MaxInterval      Duration `yaml:"max_interval"`
	MaxConcurrent    int      `yaml:"max_concurrent" default:"8" validate:"gte=1"`
	FailureThreshold int      `yaml:"failure_threshold" default:"3" validate:"gte=1"`
	ReadTimeout      Duration `yaml:"read_timeout"`
	SubscriberBuffer int      `yaml:"subscriber_buffer" default:"16" validate:"gte=1"`
}

// SetDefaults fills duration defaults.
func (c *ReconcilerConfig) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = Duration(5 * time.Second)
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = Duration(8 * c.Interval.Std())
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = Duration(15 * time.Second)
	}
}

// AuthConfig contains API authentication settings. When Secret is empty the
// HTTP surface runs unauthenticated, which is only acceptable for local
// development.
type AuthConfig struct {
	Secret   string   `yaml:"secret"`
	Issuer   string   `yaml:"issuer" default:"escrow-coordinator"`
	Audience string   `yaml:"audience" default:"escrow-api"`
	TokenTTL Duration `yaml:"token_ttl"`
}

// SetDefaults fills duration defaults.
func (c *AuthConfig) SetDefaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = Duration(time.Hour)
	}
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
	OutputPath string `yaml:"output_path" default:"stdout"`
}

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if !c.Chains.Solana.Enabled && !c.Chains.EVM.Enabled {
		return fmt.Errorf("at least one chain must be enabled")
	}
	if c.Chains.Solana.Enabled {
		if c.Chains.Solana.RPCURL == "" {
			return fmt.Errorf("chains.solana.rpc_url is required when solana is enabled")
		}
		if c.Chains.Solana.ProgramID == "" {
			return fmt.Errorf("chains.solana.program_id is required when solana is enabled")
		}
	}
	if c.Chains.EVM.Enabled {
		if c.Chains.EVM.RPCURL == "" {
			return fmt.Errorf("chains.evm.rpc_url is required when evm is enabled")
		}
		if c.Chains.EVM.ContractAddress == "" {
			return fmt.Errorf("chains.evm.contract_address is required when evm is enabled")
		}
		if c.Chains.EVM.TokenAddress == "" {
			return fmt.Errorf("chains.evm.token_address is required when evm is enabled")
		}
	}
	if c.Signer.URL == "" {
		return fmt.Errorf("signer.url is required")
	}
	return nil
}
