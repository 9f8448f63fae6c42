package core

import (
	"fmt"

	"go.uber.org/zap"

	"acme-manager/internal/challenge"
	"acme-manager/internal/config"
	"acme-manager/internal/provider"
	"acme-manager/internal/provider/aliyun"
	"acme-manager/internal/provider/huawei"
	"acme-manager/internal/provider/tencent"
)

// Factory 云平台提供商工厂
type Factory struct {
	config *config.Config
	logger *zap.Logger

	// 缓存已创建的提供商实例
	dnsProviders  map[string]provider.DNSProvider
	certUploaders map[string]provider.CertUploader
}

// NewFactory 创建工厂
func NewFactory(cfg *config.Config, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		config:        cfg,
		logger:        logger,
		dnsProviders:  make(map[string]provider.DNSProvider),
		certUploaders: make(map[string]provider.CertUploader),
	}
}

// GetDNSProvider 获取DNS提供商
func (f *Factory) GetDNSProvider(name string) (provider.DNSProvider, error) {
	if p, ok := f.dnsProviders[name]; ok {
		return p, nil
	}

	var p provider.DNSProvider
	var err error

	switch name {
	case "aliyun":
		if f.config.Providers.Aliyun == nil {
			return nil, fmt.Errorf("阿里云DNS提供商未配置")
		}
		p, err = aliyun.NewDNSProvider(f.config.Providers.Aliyun, f.logger)

	case "tencent":
		if f.config.Providers.Tencent == nil {
			return nil, fmt.Errorf("腾讯云DNS提供商未配置")
		}
		p, err = tencent.NewDNSProvider(f.config.Providers.Tencent, f.logger)

	case "huawei":
		if f.config.Providers.Huawei == nil {
			return nil, fmt.Errorf("华为云DNS提供商未配置")
		}
		p, err = huawei.NewDNSProvider(f.config.Providers.Huawei, f.logger)

	default:
		return nil, fmt.Errorf("不支持的DNS提供商: %s", name)
	}

	if err != nil {
		return nil, err
	}

	f.dnsProviders[name] = p
	return p, nil
}

// GetCertUploader 获取证书同步目标
func (f *Factory) GetCertUploader(name string) (provider.CertUploader, error) {
	if u, ok := f.certUploaders[name]; ok {
		return u, nil
	}

	var u provider.CertUploader
	var err error

	switch name {
	case "aliyun":
		if f.config.Providers.Aliyun == nil {
			return nil, fmt.Errorf("阿里云证书服务未配置")
		}
		u, err = aliyun.NewCertUploader(f.config.Providers.Aliyun, f.logger)

	case "tencent":
		if f.config.Providers.Tencent == nil {
			return nil, fmt.Errorf("腾讯云证书服务未配置")
		}
		u, err = tencent.NewCertUploader(f.config.Providers.Tencent, f.logger)

	case "huawei":
		if f.config.Providers.Huawei == nil {
			return nil, fmt.Errorf("华为云证书服务未配置")
		}
		u, err = huawei.NewCertUploader(f.config.Providers.Huawei, f.logger)

	default:
		return nil, fmt.Errorf("不支持的证书同步目标: %s", name)
	}

	if err != nil {
		return nil, err
	}

	f.certUploaders[name] = u
	return u, nil
}

// DNSSolver 返回 dns-01 挑战处理器
// 未配置 dns_provider 时只输出人工创建记录的说明。
func (f *Factory) DNSSolver() (challenge.DNSSolver, error) {
	if f.config.DNSProvider == "" {
		return challenge.NewRenderedTextSolver(f.logger), nil
	}

	p, err := f.GetDNSProvider(f.config.DNSProvider)
	if err != nil {
		return nil, fmt.Errorf("获取DNS提供商失败: %w", err)
	}
	return challenge.NewProviderSolver(p, f.logger), nil
}

// CertUploaders 返回配置的全部证书同步目标
func (f *Factory) CertUploaders() ([]provider.CertUploader, error) {
	uploaders := make([]provider.CertUploader, 0, len(f.config.Sync))
	for _, name := range f.config.Sync {
		u, err := f.GetCertUploader(name)
		if err != nil {
			return nil, fmt.Errorf("获取证书同步目标失败: %w", err)
		}
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}
