// Package config provides a reusable loader for block-ingest configuration
// files and environment variables, following the viper+godotenv loading
// shape used elsewhere in this repo's pkg/config.Load.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/synnergy-network/block-ingest/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for an ingestd process.
type Config struct {
	Network struct {
		Name         string `mapstructure:"name" json:"name"`
		HasSegWit    bool   `mapstructure:"has_segwit" json:"has_segwit"`
		MaxBlockSize int    `mapstructure:"max_block_size" json:"max_block_size"`
	} `mapstructure:"network" json:"network"`

	Providers struct {
		RPC []RPCProviderConfig `mapstructure:"rpc" json:"rpc"`
		P2P []P2PProviderConfig `mapstructure:"p2p" json:"p2p"`
	} `mapstructure:"providers" json:"providers"`

	Queue struct {
		MaxQueueSize  int `mapstructure:"max_queue_size" json:"max_queue_size"`
		MaxBatchBytes int `mapstructure:"max_batch_bytes" json:"max_batch_bytes"`
	} `mapstructure:"queue" json:"queue"`

	Loader struct {
		MinPreloadCount int `mapstructure:"min_preload_count" json:"min_preload_count"`
		MaxPreloadCount int `mapstructure:"max_preload_count" json:"max_preload_count"`
		SeenCacheSize   int `mapstructure:"seen_cache_size" json:"seen_cache_size"`
	} `mapstructure:"loader" json:"loader"`

	Iterator struct {
		BatchSize int `mapstructure:"batch_size" json:"batch_size"`
	} `mapstructure:"iterator" json:"iterator"`

	Outbox struct {
		MaxMessageBytes int      `mapstructure:"max_message_bytes" json:"max_message_bytes"`
		AckTimeoutMS    int      `mapstructure:"ack_timeout_ms" json:"ack_timeout_ms"`
		SystemModels    []string `mapstructure:"system_models" json:"system_models"`
	} `mapstructure:"outbox" json:"outbox"`

	Transport struct {
		Kind string `mapstructure:"kind" json:"kind"` // http | ws | ipc
		HTTP struct {
			Host       string `mapstructure:"host" json:"host"`
			Port       int    `mapstructure:"port" json:"port"`
			WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"`
			PingURL    string `mapstructure:"ping_url" json:"ping_url"`
			Token      string `mapstructure:"token" json:"token"`
		} `mapstructure:"http" json:"http"`
		WS struct {
			Host  string `mapstructure:"host" json:"host"`
			Port  int    `mapstructure:"port" json:"port"`
			Path  string `mapstructure:"path" json:"path"`
			Token string `mapstructure:"token" json:"token"`
		} `mapstructure:"ws" json:"ws"`
		Heartbeat struct {
			IntervalMS    int `mapstructure:"interval_ms" json:"interval_ms"`
			MaxIntervalMS int `mapstructure:"max_interval_ms" json:"max_interval_ms"`
			StaleAfterMS  int `mapstructure:"stale_after_ms" json:"stale_after_ms"`
		} `mapstructure:"heartbeat" json:"heartbeat"`
	} `mapstructure:"transport" json:"transport"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Addr    string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"metrics" json:"metrics"`
}

// RPCProviderConfig describes one configured RPC upstream.
type RPCProviderConfig struct {
	UniqName    string `mapstructure:"uniq_name" json:"uniq_name"`
	BaseURL     string `mapstructure:"base_url" json:"base_url"`
	Username    string `mapstructure:"username" json:"username"`
	Password    string `mapstructure:"password" json:"password"`
	ZMQEndpoint string `mapstructure:"zmq_endpoint" json:"zmq_endpoint"`
}

// P2PProviderConfig describes one configured P2P upstream.
type P2PProviderConfig struct {
	UniqName  string   `mapstructure:"uniq_name" json:"uniq_name"`
	PeerAddrs []string `mapstructure:"peer_addrs" json:"peer_addrs"`
	MaxHeight uint64   `mapstructure:"max_height" json:"max_height"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads the base config file plus an optional environment-specific
// overlay, merges environment variables, and unmarshals into AppConfig.
func Load(env string) (*Config, error) {
	_ = godotenv.Load(".env") // best-effort; missing .env is not an error

	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
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

	viper.SetEnvPrefix("INGESTD")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the INGESTD_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("INGESTD_ENV", ""))
}
