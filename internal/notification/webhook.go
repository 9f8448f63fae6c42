// Package notification 证书事件的 Webhook 通知
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"acme-manager/internal/config"
)

// EventType 事件类型
type EventType string

const (
	EventCertExpiring EventType = "cert_expiring" // 证书即将过期
	EventCertRenewed  EventType = "cert_renewed"  // 证书申请/续期成功
	EventCertFailed   EventType = "cert_failed"   // 证书申请失败
)

// EventData 事件数据
type EventData struct {
	ID        string         `json:"id"`             // 事件ID，接收方可用于去重
	Event     string         `json:"event"`          // 事件类型
	Domain    string         `json:"domain"`         // 域名
	Timestamp string         `json:"timestamp"`      // 时间戳
	Message   string         `json:"message"`        // 消息
	Data      map[string]any `json:"data,omitempty"` // 额外数据
}

// WebhookNotifier Webhook 通知器，nil 表示未启用
type WebhookNotifier struct {
	config *config.WebhookConfig
	client *http.Client
	logger *zap.Logger

	initialInterval time.Duration
}

// NewWebhookNotifier 创建 Webhook 通知器，未启用时返回 nil
func NewWebhookNotifier(cfg *config.WebhookConfig, logger *zap.Logger) *WebhookNotifier {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &WebhookNotifier{
		config:          cfg,
		client:          &http.Client{Timeout: timeout},
		logger:          logger.Named("webhook"),
		initialInterval: time.Second,
	}
}

// ShouldNotify 检查是否应该发送该事件的通知
func (w *WebhookNotifier) ShouldNotify(eventType EventType) bool {
	if !w.IsEnabled() {
		return false
	}

	// 没有配置事件列表时发送所有事件
	if len(w.config.Events) == 0 {
		return true
	}
	return slices.Contains(w.config.Events, string(eventType))
}

// Notify 发送通知，失败时按指数退避重试
func (w *WebhookNotifier) Notify(ctx context.Context, eventType EventType, domain, message string, data map[string]any) error {
	if !w.ShouldNotify(eventType) {
		return nil
	}

	eventData := EventData{
		ID:        uuid.NewString(),
		Event:     string(eventType),
		Domain:    domain,
		Timestamp: time.Now().Format(time.RFC3339),
		Message:   message,
		Data:      data,
	}

	body, err := w.buildBody(eventData)
	if err != nil {
		return err
	}

	retries := w.config.Retries
	if retries <= 0 {
		retries = 3
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries-1)), ctx)

	log := w.logger.With(zap.String("event", string(eventType)), zap.String("domain", domain), zap.String("id", eventData.ID))

	err = backoff.RetryNotify(func() error {
		return w.send(ctx, body)
	}, policy, func(err error, wait time.Duration) {
		log.Warn("Webhook 通知失败，稍后重试", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		log.Error("Webhook 通知发送失败", zap.Int("retries", retries), zap.Error(err))
		return err
	}

	log.Info("Webhook 通知发送成功", zap.String("url", w.config.URL))
	return nil
}

func (w *WebhookNotifier) buildBody(eventData EventData) ([]byte, error) {
	if w.config.BodyTemplate != "" {
		body, err := w.renderTemplate(w.config.BodyTemplate, eventData)
		if err == nil {
			return body, nil
		}
		// 模板渲染失败时退回默认 JSON 格式
		w.logger.Warn("渲染 Webhook 请求体模板失败", zap.Error(err))
	}

	body, err := json.Marshal(eventData)
	if err != nil {
		return nil, fmt.Errorf("序列化事件数据失败: %w", err)
	}
	return body, nil
}

func (w *WebhookNotifier) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("创建请求失败: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Webhook 返回错误状态码: %d", resp.StatusCode)
	}
	return nil
}

// renderTemplate 渲染模板
func (w *WebhookNotifier) renderTemplate(tmplStr string, data EventData) ([]byte, error) {
	tmplData := map[string]any{
		"ID":        data.ID,
		"Event":     data.Event,
		"Domain":    data.Domain,
		"Timestamp": data.Timestamp,
		"Message":   data.Message,
		"Data":      data.Data,
	}

	funcMap := template.FuncMap{
		"toJson": func(v any) string {
			b, err := json.Marshal(v)
			if err != nil {
				return "null"
			}
			return string(b)
		},
	}

	tmpl, err := template.New("webhook").Funcs(funcMap).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("解析模板失败: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, tmplData); err != nil {
		return nil, fmt.Errorf("渲染模板失败: %w", err)
	}
	return buf.Bytes(), nil
}

// NotifyCertExpiring 通知证书即将过期
func (w *WebhookNotifier) NotifyCertExpiring(ctx context.Context, domain string, daysRemaining int) error {
	message := fmt.Sprintf("证书即将过期: %s (剩余 %d 天)", domain, daysRemaining)
	return w.Notify(ctx, EventCertExpiring, domain, message, map[string]any{
		"days_remaining": daysRemaining,
	})
}

// NotifyCertRenewed 通知证书申请/续期成功
func (w *WebhookNotifier) NotifyCertRenewed(ctx context.Context, domain string, notAfter time.Time) error {
	message := fmt.Sprintf("证书申请/续期成功: %s", domain)
	return w.Notify(ctx, EventCertRenewed, domain, message, map[string]any{
		"not_after": notAfter.Format(time.RFC3339),
	})
}

// NotifyCertFailed 通知证书申请失败
func (w *WebhookNotifier) NotifyCertFailed(ctx context.Context, domain string, reason string) error {
	message := fmt.Sprintf("证书申请失败: %s", domain)
	return w.Notify(ctx, EventCertFailed, domain, message, map[string]any{
		"reason": reason,
	})
}

// IsEnabled 检查是否启用
func (w *WebhookNotifier) IsEnabled() bool {
	return w != nil && w.config != nil && w.config.Enabled
}
