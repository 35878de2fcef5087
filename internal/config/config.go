package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/helix-games/helix-ledger/pkg/alert"
)

// Config 配置
type Config struct {
	Service        ServiceConfig        `yaml:"service" json:"service"`
	Postgres       PostgresConfig       `yaml:"postgres" json:"postgres"`
	Redis          RedisConfig          `yaml:"redis" json:"redis"`
	Kafka          KafkaConfig          `yaml:"kafka" json:"kafka"`
	Blockchain     BlockchainConfig     `yaml:"blockchain" json:"blockchain"`
	Sync           SyncConfig           `yaml:"sync" json:"sync"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation" json:"reconciliation"`
	Indexer        IndexerConfig        `yaml:"indexer" json:"indexer"`
	Log            LogConfig            `yaml:"log" json:"log"`
	Alert          alert.Config         `yaml:"alert" json:"alert"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name        string `yaml:"name" json:"name"`
	MetricsPort int    `yaml:"metrics_port" json:"metrics_port"`
	Env         string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURLs       []string `yaml:"rpc_urls" json:"rpc_urls"`
	ChainID       int64    `yaml:"chain_id" json:"chain_id"`
	VaultAddress  string   `yaml:"vault_address" json:"vault_address"`
	PrivateKey    string   `yaml:"private_key" json:"private_key"`
	MaxRetries    int      `yaml:"max_retries" json:"max_retries"`
	RetryInterval int      `yaml:"retry_interval" json:"retry_interval"` // 秒
}

// SyncConfig 账链核对配置
type SyncConfig struct {
	CheckInterval int `yaml:"check_interval" json:"check_interval"` // 秒
}

// ReconciliationConfig 对账配置
type ReconciliationConfig struct {
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// IndexerConfig 链上事件索引配置
type IndexerConfig struct {
	StartBlock       uint64 `yaml:"start_block" json:"start_block"`
	PollInterval     int    `yaml:"poll_interval" json:"poll_interval"` // 秒
	BatchBlocks      uint64 `yaml:"batch_blocks" json:"batch_blocks"`
	RequiredConfirms uint64 `yaml:"required_confirms" json:"required_confirms"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := string(data)
	content = expandEnvVars(content)

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	// 设置默认值
	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "helix-ledger"
	}
	if cfg.Service.MetricsPort == 0 {
		cfg.Service.MetricsPort = 9090
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "helix-ledger"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "helix-ledger"
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.MaxRetries == 0 {
		cfg.Blockchain.MaxRetries = 3
	}
	if cfg.Blockchain.RetryInterval == 0 {
		cfg.Blockchain.RetryInterval = 1
	}

	if cfg.Sync.CheckInterval == 0 {
		cfg.Sync.CheckInterval = 60
	}

	if cfg.Reconciliation.BatchSize == 0 {
		cfg.Reconciliation.BatchSize = 100
	}

	if cfg.Indexer.PollInterval == 0 {
		cfg.Indexer.PollInterval = 1
	}
	if cfg.Indexer.BatchBlocks == 0 {
		cfg.Indexer.BatchBlocks = 100
	}
	if cfg.Indexer.RequiredConfirms == 0 {
		cfg.Indexer.RequiredConfirms = 6
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
