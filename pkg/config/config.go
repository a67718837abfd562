package config

// Package config provides a reusable loader for ledger node configuration
// files and environment variables, versioned so dependents can pin a
// stable contract. Adapted from the teacher's pkg/config/config.go: the
// viper-backed Load/LoadFromEnv shape is kept verbatim; the Config struct
// fields are rewritten for this repo's domain (consensus/storage/network
// sections replacing Synnergy's VM/RPC/discovery fields).

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"ledger/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a ledger node. It mirrors the
// YAML files under config/.
type Config struct {
	Network struct {
		NodeID         string   `mapstructure:"node_id" json:"node_id"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		ValidatorsRequired int `mapstructure:"validators_required" json:"validators_required"`
		RoundTimeoutMS     int `mapstructure:"round_timeout_ms" json:"round_timeout_ms"`
	} `mapstructure:"consensus" json:"consensus"`

	Storage struct {
		DataDir          string `mapstructure:"data_dir" json:"data_dir"`
		SnapshotInterval uint64 `mapstructure:"snapshot_interval" json:"snapshot_interval"`
		Shards           int    `mapstructure:"shards" json:"shards"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads config/default.yaml and merges an env-specific override file
// (config/<env>.yaml) plus environment variables. The result is stored in
// AppConfig and returned.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath("cmd/config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("LEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // picks up LEDGER_* overrides via .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the LEDGER_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("LEDGER_ENV", ""))
}
