// Package tlsctx 持有当前生效的 TLS 服务凭证，支持并发读取和原子替换
package tlsctx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"acme-manager/internal/events"
)

// snapshot 不可变的凭证快照
type snapshot struct {
	serving     *Credential
	validation  *Credential
	placeholder bool
}

// Holder TLS 凭证持有者
// 读取方每次握手调用 GetCertificate；写入方整体替换快照，读取方不会看到半更新状态。
type Holder struct {
	state  atomic.Pointer[snapshot]
	logger *zap.Logger
}

// NewHolder 创建凭证持有者，初始为短期自签名占位证书
func NewHolder(clk clock.Clock, logger *zap.Logger) (*Holder, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	placeholder, err := newPlaceholder(clk.Now())
	if err != nil {
		return nil, err
	}

	h := &Holder{logger: logger}
	h.state.Store(&snapshot{serving: placeholder, placeholder: true})
	return h, nil
}

// Current 返回当前服务凭证
func (h *Holder) Current() *Credential {
	return h.state.Load().serving
}

// Validation 返回当前的 tls-alpn-01 验证凭证，没有时返回 nil
func (h *Holder) Validation() *Credential {
	return h.state.Load().validation
}

// IsPlaceholder 是否仍在使用占位证书
func (h *Holder) IsPlaceholder() bool {
	return h.state.Load().placeholder
}

// Replace 替换服务凭证，同时清除验证凭证
func (h *Holder) Replace(c *Credential) {
	h.state.Store(&snapshot{serving: c})
}

// SetValidation 设置验证凭证，服务凭证保持不变
func (h *Holder) SetValidation(c *Credential) {
	for {
		old := h.state.Load()
		next := &snapshot{serving: old.serving, validation: c, placeholder: old.placeholder}
		if h.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// Handle 处理证书事件
// 构建凭证失败时记录日志并返回错误，原凭证继续生效。
func (h *Holder) Handle(_ context.Context, ev events.CertificateEvent) error {
	cred, err := NewCredential(ev.Key, ev.Chain)
	if err != nil {
		h.logger.Error("构建 TLS 凭证失败，继续使用原凭证",
			zap.Bool("validation", ev.Validation),
			zap.Error(err))
		return fmt.Errorf("构建 TLS 凭证失败: %w", err)
	}

	if ev.Validation {
		h.SetValidation(cred)
		h.logger.Info("已安装 tls-alpn-01 验证证书", zap.Strings("dns_names", cred.Leaf.DNSNames))
		return nil
	}

	h.Replace(cred)
	h.logger.Info("TLS 证书已更新",
		zap.Strings("dns_names", cred.Leaf.DNSNames),
		zap.Time("not_after", cred.Leaf.NotAfter))
	return nil
}

// GetCertificate 供 tls.Config 使用，每次握手调用
// 客户端协商 acme-tls/1 且存在验证凭证时返回验证证书，否则返回服务凭证。
func (h *Holder) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s := h.state.Load()

	if hello != nil && slices.Contains(hello.SupportedProtos, tlsalpn01.ACMETLS1Protocol) {
		if s.validation == nil {
			return nil, errors.New("没有可用的 tls-alpn-01 验证证书")
		}
		return s.validation.Certificate(), nil
	}

	return s.serving.Certificate(), nil
}

// TLSConfig 返回使用本持有者的 TLS 配置
func (h *Holder) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: h.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1", tlsalpn01.ACMETLS1Protocol},
	}
}
