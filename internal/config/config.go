package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 描述服务启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Policy  PolicyConfig  `yaml:"policy"`
	Workers WorkersConfig `yaml:"workers"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metrics_address"`
}

// StorageConfig 描述持久化后端。driver 支持 memory 与 mysql。
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// QueueConfig 描述准入与资金两条队列使用的消息后端。
// driver 支持 memory、redis 与 rabbitmq。
type QueueConfig struct {
	Driver         string `yaml:"driver"`
	Address        string `yaml:"address"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	URL            string `yaml:"url"`
	AdmissionTopic string `yaml:"admission_topic"`
	FundingTopic   string `yaml:"funding_topic"`
}

// LedgerConfig 描述账本接入方式。driver 支持 simulated 与 ethereum。
type LedgerConfig struct {
	Driver           string `yaml:"driver"`
	RPCURL           string `yaml:"rpc_url"`
	ChainID          int64  `yaml:"chain_id"`
	PrivateKey       string `yaml:"private_key"`
	IdentityContract string `yaml:"identity_contract"`
	FactoryContract  string `yaml:"factory_contract"`
	BrokerContract   string `yaml:"broker_contract"`
}

// PolicyConfig 汇总平台级业务参数。
type PolicyConfig struct {
	PlatformAddress        string `yaml:"platform_address"`
	FastPathRouter         string `yaml:"fast_path_router"`
	FeeRateBp              int    `yaml:"fee_rate_bp"`
	LoanThreshold          int64  `yaml:"loan_threshold"`
	LoanRatioBp            int    `yaml:"loan_ratio_bp"`
	CreditReward           int    `yaml:"credit_reward"`
	CreditPenalty          int    `yaml:"credit_penalty"`
	RematchIntervalSeconds int    `yaml:"rematch_interval_seconds"`
}

// WorkersConfig 控制后台消费协程数量。
type WorkersConfig struct {
	Admission int `yaml:"admission"`
	Funding   int `yaml:"funding"`
}

// APIKey 将一个密钥绑定到主体与角色。
type APIKey struct {
	Key   string   `yaml:"key"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// AuthConfig 描述 API 密钥清单。为空时认证关闭。
type AuthConfig struct {
	APIKeys []APIKey `yaml:"api_keys"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志落盘。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load 解析指定路径的 YAML 配置文件，${VAR} 形式的引用会展开为环境变量。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content)
}

// Parse 从字节内容解析配置，供测试与嵌入式使用。
func Parse(content []byte) (*Config, error) {
	expanded := os.Expand(string(content), func(name string) string {
		return os.Getenv(name)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.AdmissionTopic == "" {
		c.Queue.AdmissionTopic = "agentcredit.admission"
	}
	if c.Queue.FundingTopic == "" {
		c.Queue.FundingTopic = "agentcredit.funding"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "simulated"
	}
	if c.Policy.FeeRateBp <= 0 {
		c.Policy.FeeRateBp = 500
	}
	if c.Policy.LoanThreshold <= 0 {
		c.Policy.LoanThreshold = 10
	}
	if c.Policy.LoanRatioBp <= 0 {
		c.Policy.LoanRatioBp = 8000
	}
	if c.Policy.CreditReward <= 0 {
		c.Policy.CreditReward = 20
	}
	if c.Policy.CreditPenalty <= 0 {
		c.Policy.CreditPenalty = 50
	}
	if c.Policy.RematchIntervalSeconds <= 0 {
		c.Policy.RematchIntervalSeconds = 30
	}
	if c.Workers.Admission <= 0 {
		c.Workers.Admission = 4
	}
	if c.Workers.Funding <= 0 {
		c.Workers.Funding = 4
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// validate 拦截明显无法启动的组合。
func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.driver 为 mysql 时必须提供 storage.dsn")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.Address) == "" {
			return errors.New("queue.driver 为 redis 时必须提供 queue.address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.URL) == "" {
			return errors.New("queue.driver 为 rabbitmq 时必须提供 queue.url")
		}
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}

	switch c.Ledger.Driver {
	case "simulated":
	case "ethereum":
		if strings.TrimSpace(c.Ledger.RPCURL) == "" {
			return errors.New("ledger.driver 为 ethereum 时必须提供 ledger.rpc_url")
		}
	default:
		return fmt.Errorf("不支持的账本驱动: %s", c.Ledger.Driver)
	}

	if c.Policy.LoanRatioBp > 10000 {
		return errors.New("policy.loan_ratio_bp 不能超过 10000")
	}
	return nil
}
