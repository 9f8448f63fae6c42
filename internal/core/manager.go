// Package core 组织证书续期流程：检查本地证书、驱动 ACME 订单并执行续期后的操作
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"acme-manager/internal/challenge"
	"acme-manager/internal/config"
	"acme-manager/internal/domain"
	"acme-manager/internal/events"
	"acme-manager/internal/keys"
	"acme-manager/internal/metrics"
	"acme-manager/internal/notification"
	"acme-manager/internal/provider"
	"acme-manager/internal/storage"
)

var (
	// ErrConfig 配置错误，启动时遇到直接退出
	ErrConfig = errors.New("配置错误")
	// ErrTermsNotAccepted 未同意服务条款
	ErrTermsNotAccepted = fmt.Errorf("%w: 未同意 ACME 服务条款 (tos_agree)", ErrConfig)
)

// IsConfigError 判断是否为配置错误
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Orderer 申请证书
type Orderer interface {
	Order(ctx context.Context, domains []string) (*storage.Record, error)
}

// Manager 证书管理器
type Manager struct {
	config      *config.Config
	domains     []string
	storage     *storage.FileStorage
	coordinator Orderer
	publisher   challenge.Publisher
	webhook     *notification.WebhookNotifier
	uploaders   []provider.CertUploader
	executor    *Executor
	metrics     *metrics.Metrics
	clock       clock.Clock
	logger      *zap.Logger
}

// ManagerOptions 管理器依赖
type ManagerOptions struct {
	Storage     *storage.FileStorage
	Coordinator Orderer
	Publisher   challenge.Publisher
	Webhook     *notification.WebhookNotifier
	Uploaders   []provider.CertUploader
	Executor    *Executor
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	Logger      *zap.Logger
}

// NewManager 创建管理器，通配符域名在这里展开一次
func NewManager(cfg *config.Config, opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Executor == nil {
		opts.Executor = NewExecutor(opts.Logger)
	}

	return &Manager{
		config:      cfg,
		domains:     domain.ExpandWildcards(cfg.Domains),
		storage:     opts.Storage,
		coordinator: opts.Coordinator,
		publisher:   opts.Publisher,
		webhook:     opts.Webhook,
		uploaders:   opts.Uploaders,
		executor:    opts.Executor,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
}

// Domains 返回展开后的订单域名
func (m *Manager) Domains() []string {
	return m.domains
}

// CheckAndRenew 检查本地证书，需要时申请新证书，否则重新发布已有证书
func (m *Manager) CheckAndRenew(ctx context.Context) error {
	if !m.config.TosAgree {
		return ErrTermsNotAccepted
	}
	if len(m.domains) == 0 {
		return configError("未配置域名")
	}

	m.logger.Info("========== 开始检查证书 ==========", zap.Strings("domains", m.domains))
	defer m.logger.Info("========== 检查完成 ==========")

	record := m.storage.CurrentRecord()
	renew, reason := NeedRenew(record, m.domains, m.config.RenewWithin, m.clock.Now())
	if !renew {
		m.logger.Info("证书有效，无需续期", zap.Time("not_after", record.NotAfter))
		return m.publishExisting(ctx, record)
	}

	m.logger.Info("需要申请新证书", zap.String("reason", reason))
	if record != nil {
		m.notifyExpiring(ctx, record)
	}

	issued, err := m.coordinator.Order(ctx, m.domains)
	if err != nil {
		if werr := m.webhook.NotifyCertFailed(ctx, m.domains[0], err.Error()); werr != nil {
			m.logger.Warn("发送失败通知失败", zap.Error(werr))
		}
		return err
	}

	m.afterRenew(ctx, issued)
	return nil
}

// Startup 进程启动时的首次检查
// 配置错误直接返回。订单失败本应终止启动，这里有意放宽：本地仍有未过期证书时继续使用该证书。
func (m *Manager) Startup(ctx context.Context) error {
	err := m.CheckAndRenew(ctx)
	if err == nil || IsConfigError(err) {
		return err
	}

	record := m.storage.CurrentRecord()
	if record == nil || !m.clock.Now().Before(record.NotAfter) {
		return fmt.Errorf("启动时没有可用证书: %w", err)
	}

	m.logger.Warn("申请证书失败，继续使用未过期的已有证书",
		zap.Time("not_after", record.NotAfter), zap.Error(err))
	return m.publishExisting(ctx, record)
}

// Run 按固定间隔执行检查直到 ctx 结束
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	m.logger.Info("定时检查已启动", zap.Duration("interval", interval))

	for {
		timer := m.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := m.CheckAndRenew(ctx); err != nil {
			if IsConfigError(err) {
				return err
			}
			m.logger.Error("证书续期失败，保留当前证书", zap.Error(err))
		}
	}
}

// publishExisting 把已有证书发布给 TLS 凭证持有者
func (m *Manager) publishExisting(ctx context.Context, record *storage.Record) error {
	key, err := keys.Load(m.config.DomainKey)
	if err != nil {
		return configError("域名密钥: %v", err)
	}

	ev := events.CertificateEvent{Key: key, Chain: record.Chain}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		return fmt.Errorf("发布已有证书失败: %w", err)
	}
	m.metrics.CertificateExpiry(record.NotAfter)
	return nil
}

// afterRenew 续期成功后的通知、同步和后置命令，失败只记录日志
func (m *Manager) afterRenew(ctx context.Context, record *storage.Record) {
	primary := m.domains[0]

	if len(m.uploaders) > 0 {
		m.syncCertificate(ctx, record)
	}

	if m.config.PostCommand != "" {
		vars := m.executor.BuildVars(
			primary,
			m.storage.GetCertDir(),
			m.storage.GetCertPath(),
			m.storage.GetCSRPath(),
		)
		if err := m.executor.RunPostCommand(ctx, m.config.PostCommand, vars); err != nil {
			m.logger.Error("执行后置命令失败", zap.Error(err))
		}
	}

	if err := m.webhook.NotifyCertRenewed(ctx, primary, record.NotAfter); err != nil {
		m.logger.Warn("发送续期通知失败", zap.Error(err))
	}
}

// syncCertificate 把新证书上传到配置的云平台
func (m *Manager) syncCertificate(ctx context.Context, record *storage.Record) {
	keyPEM, err := keys.Read(m.config.DomainKey)
	if err != nil {
		m.logger.Error("读取域名密钥失败，跳过证书同步", zap.Error(err))
		return
	}

	name := certificateName(m.domains[0], record.NotAfter)
	for _, u := range m.uploaders {
		certID, err := u.UploadCertificate(ctx, name, string(record.ChainPEM), string(keyPEM))
		if err != nil {
			m.logger.Error("证书同步失败", zap.String("provider", u.Name()), zap.Error(err))
			continue
		}
		m.logger.Info("证书已同步", zap.String("provider", u.Name()), zap.String("cert_id", certID))
	}
}

// notifyExpiring 已有证书进入续期窗口
func (m *Manager) notifyExpiring(ctx context.Context, record *storage.Record) {
	days := int(record.NotAfter.Sub(m.clock.Now()).Hours() / 24)
	if err := m.webhook.NotifyCertExpiring(ctx, m.domains[0], days); err != nil {
		m.logger.Warn("发送过期提醒失败", zap.Error(err))
	}
}

// certificateName 云平台上的证书名，例如 wildcard.example.com-20260101
func certificateName(primary string, notAfter time.Time) string {
	name := strings.Replace(primary, "*", "wildcard", 1)
	return name + "-" + notAfter.UTC().Format("20060102")
}
