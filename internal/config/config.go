package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述代理守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Locks   LocksConfig   `json:"locks"`
	Alerts  AlertsConfig  `json:"alerts"`
	Chains  ChainsConfig  `json:"chains"`
	Proofs  ProofsConfig  `json:"proofs"`
	Wallet  WalletConfig  `json:"wallet"`
	Owner   OwnerConfig   `json:"owner"`
	Agents  []AgentConfig `json:"agents"`
	Runtime RuntimeConfig `json:"runtime"`
}

// LoggingConfig 控制日志级别、格式与输出位置。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
}

// ServerConfig 控制运维状态接口的监听地址与访问密钥。
type ServerConfig struct {
	Address string `json:"address"`
	APIKey  string `json:"api_key"`
}

// StorageConfig 描述工作流仓库的后端。
type StorageConfig struct {
	// Driver 可选 memory 或 mysql。
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// LocksConfig 描述交易锁管理器的后端。
type LocksConfig struct {
	// Driver 可选 memory 或 redis。
	Driver string          `json:"driver"`
	Redis  RedisLockConfig `json:"redis"`
}

// RedisLockConfig 是 Redis 锁后端的连接参数。
type RedisLockConfig struct {
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// AlertsConfig 描述告警的投递通道，日志通道始终开启。
type AlertsConfig struct {
	Webhook WebhookAlertConfig `json:"webhook"`
	AMQP    AMQPAlertConfig    `json:"amqp"`
}

// WebhookAlertConfig 启用后把告警 POST 到外部服务。
type WebhookAlertConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	APIKey  string `json:"api_key"`
}

// AMQPAlertConfig 启用后把告警发布到消息队列。
type AMQPAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
	Durable    bool   `json:"durable"`
}

// ChainsConfig 指向链元数据的 YAML 文件。
type ChainsConfig struct {
	Definitions string `json:"definitions"`
}

// ProofsConfig 描述数据连接器客户端的参数。
type ProofsConfig struct {
	ProviderURLs       []string `json:"provider_urls"`
	VerifierURL        string   `json:"verifier_url"`
	VerifierAPIKey     string   `json:"verifier_api_key"`
	QueryWindowSeconds uint64   `json:"query_window_seconds"`
	// ProofRetryExtraRounds 控制证明取不回时等待多少个额外轮次再重置。
	ProofRetryExtraRounds int64 `json:"proof_retry_extra_rounds"`
}

// WalletConfig 描述底层链钱包服务的连接参数。
type WalletConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// OwnerConfig 是代理所有者的两个资金地址。
type OwnerConfig struct {
	WorkAddress       string `json:"work_address"`
	UnderlyingAddress string `json:"underlying_address"`
}

// AgentConfig 描述一个被管理的金库。
type AgentConfig struct {
	VaultAddress      string `json:"vault_address"`
	PoolAddress       string `json:"pool_address"`
	UnderlyingAddress string `json:"underlying_address"`
}

// RuntimeConfig 汇总主循环与各状态机的运行参数。
type RuntimeConfig struct {
	TickSeconds            int64  `json:"tick_seconds"`
	MaxEventRetries        int    `json:"max_event_retries"`
	CollateralSeconds      int64  `json:"collateral_seconds"`
	DailyTasksSeconds      int64  `json:"daily_tasks_seconds"`
	LiquidationPreventBIPS int64  `json:"liquidation_prevention_bips"`
	NativeBalanceMinWei    string `json:"native_balance_min_wei"`
	UnderlyingBalanceMin   string `json:"underlying_balance_min_uba"`
	UnderlyingTopUp        string `json:"underlying_top_up_uba"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Locks.Driver == "" {
		c.Locks.Driver = "memory"
	}

	if c.Chains.Definitions == "" {
		c.Chains.Definitions = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chains.Definitions) {
		c.Chains.Definitions = filepath.Join(baseDir, c.Chains.Definitions)
	}

	if c.Proofs.QueryWindowSeconds == 0 {
		c.Proofs.QueryWindowSeconds = 86_400
	}
	if c.Proofs.ProofRetryExtraRounds <= 0 {
		c.Proofs.ProofRetryExtraRounds = 2
	}

	if c.Runtime.TickSeconds <= 0 {
		c.Runtime.TickSeconds = 15
	}
	if c.Runtime.MaxEventRetries <= 0 {
		c.Runtime.MaxEventRetries = 5
	}
	if c.Runtime.CollateralSeconds <= 0 {
		c.Runtime.CollateralSeconds = 600
	}
	if c.Runtime.DailyTasksSeconds <= 0 {
		c.Runtime.DailyTasksSeconds = 86_400
	}
	if c.Runtime.LiquidationPreventBIPS <= 0 {
		c.Runtime.LiquidationPreventBIPS = 12_000
	}
}

// validate 检查没有默认值可以兜底的必填字段。
func (c *Config) validate() error {
	if c.Storage.Driver == "mysql" && c.Storage.DSN == "" {
		return errors.New("mysql 存储需要配置 DSN")
	}
	if c.Locks.Driver == "redis" && c.Locks.Redis.Address == "" {
		return errors.New("redis 锁需要配置地址")
	}
	if c.Owner.WorkAddress == "" {
		return errors.New("未配置所有者工作地址")
	}
	if c.Owner.UnderlyingAddress == "" {
		return errors.New("未配置所有者底层链地址")
	}
	if len(c.Agents) == 0 {
		return errors.New("未配置任何金库代理")
	}
	for i, agent := range c.Agents {
		if agent.VaultAddress == "" {
			return fmt.Errorf("第 %d 个代理缺少金库地址", i+1)
		}
		if agent.UnderlyingAddress == "" {
			return fmt.Errorf("代理 %s 缺少底层链地址", agent.VaultAddress)
		}
	}
	return nil
}
