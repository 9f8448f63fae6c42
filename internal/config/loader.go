package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 默认值
const (
	DefaultRenewWithin             = 30 * 24 * time.Hour
	DefaultPause                   = 3 * time.Second
	DefaultRefreshAttempts         = 10
	DefaultHTTPChallengeServerPort = 9999
	DefaultTimeout                 = 10 * time.Second
	DefaultCheckInterval           = 24
	DefaultCertLocation            = "./certs"
	// DefaultTLSALPNAddr tls-alpn-01 验证时 CA 连接 443 端口
	DefaultTLSALPNAddr = ":443"
)

// Load 加载配置文件
// 加载顺序: .env 文件 -> YAML 配置文件 -> ACME_* 环境变量覆盖
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 文件失败: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return Parse(data)
}

// Parse 解析配置内容并设置默认值
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	applyDefaults(&config)

	// 验证配置
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// applyDefaults 设置默认值
func applyDefaults(config *Config) {
	if config.RenewWithin == 0 {
		config.RenewWithin = DefaultRenewWithin
	}
	if config.ChallengeType == "" {
		config.ChallengeType = ChallengeTLSALPN
	}
	if config.CertLocation == "" {
		config.CertLocation = DefaultCertLocation
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	applyRetryDefaults(&config.Order)
	applyRetryDefaults(&config.Auth)
	if config.HTTPChallengeServerPort == 0 {
		config.HTTPChallengeServerPort = DefaultHTTPChallengeServerPort
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "console"
	}
}

func applyRetryDefaults(r *RetryConfig) {
	if r.Pause == 0 {
		r.Pause = DefaultPause
	}
	if r.RefreshAttempts == 0 {
		r.RefreshAttempts = DefaultRefreshAttempts
	}
}

// NormalizeChallengeType 将配置中的挑战类型转换为协议中的类型名
func NormalizeChallengeType(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "tls", "tls-alpn", "tls-alpn-01":
		return ChallengeTLSALPN, nil
	case "http", "http-01":
		return ChallengeHTTP, nil
	case "dns", "dns-01":
		return ChallengeDNS, nil
	default:
		return "", fmt.Errorf("不支持的挑战类型: %s", value)
	}
}

// validate 验证配置
func validate(config *Config) error {
	if len(config.Domains) == 0 {
		return fmt.Errorf("未配置任何域名")
	}
	for _, d := range config.Domains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("域名列表中存在空域名")
		}
	}

	if strings.TrimSpace(config.AccountKey) == "" {
		return fmt.Errorf("未配置 account_key")
	}
	if strings.TrimSpace(config.DomainKey) == "" {
		return fmt.Errorf("未配置 domain_key")
	}
	if config.AcmeServer == "" {
		return fmt.Errorf("未配置 acme_server")
	}

	challengeType, err := NormalizeChallengeType(config.ChallengeType)
	if err != nil {
		return err
	}
	config.ChallengeType = challengeType
	// 验证证书只能通过 HTTPS 监听提供
	if challengeType == ChallengeTLSALPN && config.TLSAddr == "" {
		config.TLSAddr = DefaultTLSALPNAddr
	}

	if err := validateRetry("order", config.Order); err != nil {
		return err
	}
	if err := validateRetry("auth", config.Auth); err != nil {
		return err
	}

	if config.RenewWithin < 0 {
		return fmt.Errorf("renew_within 不能为负数")
	}
	if config.HTTPChallengeServerPort < 0 || config.HTTPChallengeServerPort > 65535 {
		return fmt.Errorf("http_challenge_server_port 无效: %d", config.HTTPChallengeServerPort)
	}
	if config.CheckInterval < 0 {
		return fmt.Errorf("check_interval 不能为负数")
	}

	if config.DNSProvider != "" {
		if err := validateProviderConfig(config, config.DNSProvider, "DNS"); err != nil {
			return err
		}
	}
	for _, name := range config.Sync {
		if err := validateProviderConfig(config, name, "证书同步"); err != nil {
			return err
		}
	}

	if config.Webhook != nil && config.Webhook.Enabled && config.Webhook.URL == "" {
		return fmt.Errorf("webhook 已启用但未配置 url")
	}

	return nil
}

// validateRetry 验证轮询配置
func validateRetry(name string, r RetryConfig) error {
	if r.RefreshAttempts <= 0 {
		return fmt.Errorf("%s.refresh_attempts 必须大于 0", name)
	}
	if r.Pause <= 0 {
		return fmt.Errorf("%s.pause 必须大于 0", name)
	}
	return nil
}

// validateProviderConfig 验证提供商配置是否存在
func validateProviderConfig(config *Config, providerName, providerType string) error {
	switch providerName {
	case "aliyun":
		if config.Providers.Aliyun == nil {
			return fmt.Errorf("%s提供商 aliyun 未配置凭证", providerType)
		}
		if config.Providers.Aliyun.AccessKeyID == "" || config.Providers.Aliyun.AccessKeySecret == "" {
			return fmt.Errorf("aliyun 凭证不完整")
		}
	case "tencent":
		if config.Providers.Tencent == nil {
			return fmt.Errorf("%s提供商 tencent 未配置凭证", providerType)
		}
		if config.Providers.Tencent.SecretID == "" || config.Providers.Tencent.SecretKey == "" {
			return fmt.Errorf("tencent 凭证不完整")
		}
	case "huawei":
		if config.Providers.Huawei == nil {
			return fmt.Errorf("%s提供商 huawei 未配置凭证", providerType)
		}
		if config.Providers.Huawei.AccessKey == "" || config.Providers.Huawei.SecretKey == "" {
			return fmt.Errorf("huawei 凭证不完整")
		}
	default:
		return fmt.Errorf("不支持的%s提供商: %s", providerType, providerName)
	}
	return nil
}
