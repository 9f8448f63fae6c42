package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"acme-manager/internal/domain"
	"acme-manager/internal/provider"
)

// RecordPrefix dns-01 TXT 记录名前缀
const RecordPrefix = "_acme-challenge"

const banner = "!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!"

// DNSSolver dns-01 挑战记录的创建与清理
type DNSSolver interface {
	CreateRecord(ctx context.Context, domain, digest string) error
	DestroyRecord(ctx context.Context, domain string) error
}

// RecordName 返回域名对应的 TXT 记录名
func RecordName(d string) string {
	return RecordPrefix + "." + strings.TrimPrefix(d, domain.WildcardPrefix)
}

// DNSDigest 计算 dns-01 TXT 记录值
func DNSDigest(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// RenderedTextSolver 仅输出人工创建 TXT 记录的说明，不修改 DNS
type RenderedTextSolver struct {
	logger *zap.Logger
}

// NewRenderedTextSolver 创建文本说明输出器
func NewRenderedTextSolver(logger *zap.Logger) *RenderedTextSolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RenderedTextSolver{logger: logger}
}

// CreateRecord 输出创建 TXT 记录的说明
func (s *RenderedTextSolver) CreateRecord(_ context.Context, d, digest string) error {
	s.logger.Info(banner)
	s.logger.Info(banner)
	s.logger.Info("\t\t\t\t\t\t\tCREATE DNS `TXT` ENTRY AS FOLLOWS")
	s.logger.Info(fmt.Sprintf("\t\t\t\t%s with value %s", RecordName(d), digest))
	s.logger.Info(banner)
	s.logger.Info(banner)
	return nil
}

// DestroyRecord 输出可以删除记录的提示
func (s *RenderedTextSolver) DestroyRecord(_ context.Context, d string) error {
	s.logger.Debug("TXT 记录可以删除了", zap.String("record", RecordName(d)))
	return nil
}

// ProviderSolver 通过云平台 DNS 接口自动创建和删除 TXT 记录
type ProviderSolver struct {
	dns    provider.DNSProvider
	logger *zap.Logger
}

// NewProviderSolver 创建云 DNS 挑战处理器
func NewProviderSolver(dns provider.DNSProvider, logger *zap.Logger) *ProviderSolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderSolver{dns: dns, logger: logger}
}

// CreateRecord 添加或更新 TXT 记录
func (s *ProviderSolver) CreateRecord(ctx context.Context, d, digest string) error {
	name := RecordName(d)
	if err := s.dns.AddRecord(ctx, name, name, "TXT", digest); err != nil {
		return fmt.Errorf("[%s] 添加 TXT 记录 %s 失败: %w", s.dns.Name(), name, err)
	}
	s.logger.Info("TXT 记录已添加", zap.String("provider", s.dns.Name()), zap.String("record", name))
	return nil
}

// DestroyRecord 删除 TXT 记录，记录不存在时忽略
func (s *ProviderSolver) DestroyRecord(ctx context.Context, d string) error {
	name := RecordName(d)
	record, err := s.dns.FindRecord(ctx, name, name, "TXT")
	if err != nil {
		return fmt.Errorf("[%s] 查询 TXT 记录 %s 失败: %w", s.dns.Name(), name, err)
	}
	if record == nil {
		return nil
	}

	if err := s.dns.DeleteRecord(ctx, name, record.RecordID); err != nil {
		return fmt.Errorf("[%s] 删除 TXT 记录 %s 失败: %w", s.dns.Name(), name, err)
	}
	s.logger.Info("TXT 记录已删除", zap.String("provider", s.dns.Name()), zap.String("record", name))
	return nil
}
