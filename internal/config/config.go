package config

import "time"

// 挑战类型（与 ACME 协议中的类型名一致）
const (
	ChallengeTLSALPN = "tls-alpn-01"
	ChallengeHTTP    = "http-01"
	ChallengeDNS     = "dns-01"
)

// Let's Encrypt 目录地址
const (
	LetsEncryptProduction = "https://acme-v02.api.letsencrypt.org/directory"
	LetsEncryptStaging    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// Config 配置结构
type Config struct {
	// ACME 配置
	Domains       []string      `yaml:"domains" env:"ACME_DOMAINS" envSeparator:","`
	TosAgree      bool          `yaml:"tos_agree" env:"ACME_TOS_AGREE"`
	RenewWithin   time.Duration `yaml:"renew_within" env:"ACME_RENEW_WITHIN"`     // 到期前多久开始续期
	ChallengeType string        `yaml:"challenge_type" env:"ACME_CHALLENGE_TYPE"` // tls, http, dns
	AccountKey    string        `yaml:"account_key" env:"ACME_ACCOUNT_KEY"`       // 内联 PEM 或 file:路径
	DomainKey     string        `yaml:"domain_key" env:"ACME_DOMAIN_KEY"`         // 内联 PEM 或 file:路径
	CertLocation  string        `yaml:"cert_location" env:"ACME_CERT_LOCATION"`
	AcmeServer    string        `yaml:"acme_server" env:"ACME_SERVER"`
	Timeout       time.Duration `yaml:"timeout"` // 访问 ACME 服务的网络超时

	Order RetryConfig `yaml:"order"` // 订单状态轮询
	Auth  RetryConfig `yaml:"auth"`  // 授权挑战轮询

	// 服务配置
	HTTPChallengeServerPort int    `yaml:"http_challenge_server_port" env:"ACME_HTTP_CHALLENGE_SERVER_PORT"`
	TLSAddr                 string `yaml:"tls_addr,omitempty" env:"ACME_TLS_ADDR"` // 可选的 HTTPS 监听地址

	// 全局配置
	CheckInterval int    `yaml:"check_interval"` // 检查间隔（小时）
	PostCommand   string `yaml:"post_command"`   // 续期成功后执行的命令

	// 云平台凭证配置
	Providers ProvidersConfig `yaml:"providers"`

	// DNS 挑战使用的云 DNS 提供商，为空时仅输出人工操作说明
	DNSProvider string `yaml:"dns_provider,omitempty"`

	// 证书签发后同步上传到的云平台
	Sync []string `yaml:"sync,omitempty"`

	// Webhook 通知配置
	Webhook *WebhookConfig `yaml:"webhook,omitempty"`

	// 日志配置
	Log LogConfig `yaml:"log"`
}

// RetryConfig 轮询重试配置
type RetryConfig struct {
	Pause           time.Duration `yaml:"pause"`            // 每次检查的间隔
	RefreshAttempts int           `yaml:"refresh_attempts"` // 最大检查次数
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" env:"ACME_LOG_LEVEL"`
	Format string `yaml:"format" env:"ACME_LOG_FORMAT"` // console, json
}

// ProvidersConfig 云平台凭证配置
type ProvidersConfig struct {
	Aliyun  *AliyunConfig  `yaml:"aliyun,omitempty"`
	Tencent *TencentConfig `yaml:"tencent,omitempty"`
	Huawei  *HuaweiConfig  `yaml:"huawei,omitempty"`
}

// AliyunConfig 阿里云配置
type AliyunConfig struct {
	AccessKeyID     string `yaml:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret"`
	Region          string `yaml:"region"`
}

// TencentConfig 腾讯云配置
type TencentConfig struct {
	SecretID  string `yaml:"secret_id"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// HuaweiConfig 华为云配置
type HuaweiConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	ProjectID string `yaml:"project_id"`
}

// WebhookConfig Webhook 通知配置
type WebhookConfig struct {
	Enabled      bool              `yaml:"enabled"`                 // 是否启用
	URL          string            `yaml:"url"`                     // Webhook URL
	Headers      map[string]string `yaml:"headers,omitempty"`       // 自定义请求头
	Events       []string          `yaml:"events,omitempty"`        // 订阅的事件类型
	Timeout      int               `yaml:"timeout,omitempty"`       // 请求超时时间（秒），默认30
	Retries      int               `yaml:"retries,omitempty"`       // 重试次数，默认3
	BodyTemplate string            `yaml:"body_template,omitempty"` // 请求体模板（JSON格式）
}

// CertFile 证书链文件名
const CertFile = "domain.crt"

// CSRFile 证书签名请求文件名
const CSRFile = "domain.csr"
