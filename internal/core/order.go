package core

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"acme-manager/internal/acmeclient"
	"acme-manager/internal/challenge"
	"acme-manager/internal/events"
	"acme-manager/internal/keys"
	"acme-manager/internal/metrics"
	"acme-manager/internal/poller"
	"acme-manager/internal/storage"
)

// ErrOrderInvalid 服务端判定订单失败
var ErrOrderInvalid = errors.New("订单已失效")

// ACMEClient 订单流程需要的 ACME 操作
type ACMEClient interface {
	challenge.ACME
	Login(ctx context.Context) (string, error)
	NewOrder(ctx context.Context, domains []string) (acmeclient.Order, error)
	GetOrder(ctx context.Context, orderURL string) (acmeclient.Order, error)
	FinalizeOrder(ctx context.Context, finalizeURL string, csr []byte) (acmeclient.Order, error)
	GetAuthorization(ctx context.Context, authzURL string) (acmeclient.Authorization, error)
	FetchCertificate(ctx context.Context, certURL string) ([]byte, error)
}

// ClientFactory 使用账户密钥创建 ACME 客户端
type ClientFactory func(accountKey crypto.PrivateKey) (ACMEClient, error)

// CertificateStore 证书存储
type CertificateStore interface {
	CurrentRecord() *storage.Record
	SaveCertificate(chainPEM []byte) error
	SaveCSR(csrDER []byte) error
}

// Authorizer 完成单个授权
type Authorizer interface {
	Authorize(ctx context.Context, client challenge.ACME, authz acmeclient.Authorization, domainKey crypto.PrivateKey) error
}

// Coordinator 驱动一次完整的证书订单
type Coordinator struct {
	AccountKey string
	DomainKey  string
	Policy     poller.Policy

	NewClient  ClientFactory
	Authorizer Authorizer
	Store      CertificateStore
	Publisher  challenge.Publisher
	Poller     *poller.Poller
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Order 为 domains 申请证书并保存、发布
// domains 必须已经展开通配符。任一授权失败都会终止整个订单，不修改已保存的证书。
func (c *Coordinator) Order(ctx context.Context, domains []string) (*storage.Record, error) {
	log := c.Logger.With(zap.String("attempt", uuid.NewString()), zap.Strings("domains", domains))

	record, err := c.order(ctx, log, domains)
	c.Metrics.OrderFinished(err)
	if err != nil {
		log.Error("证书订单失败", zap.String("detail", acmeclient.ProblemDetail(err)), zap.Error(err))
		return nil, err
	}
	c.Metrics.CertificateExpiry(record.NotAfter)
	return record, nil
}

func (c *Coordinator) order(ctx context.Context, log *zap.Logger, domains []string) (*storage.Record, error) {
	if len(domains) == 0 {
		return nil, configError("未配置域名")
	}

	accountKey, err := keys.Load(c.AccountKey)
	if err != nil {
		return nil, configError("账户密钥: %v", err)
	}
	domainKey, err := keys.Load(c.DomainKey)
	if err != nil {
		return nil, configError("域名密钥: %v", err)
	}

	client, err := c.NewClient(accountKey)
	if err != nil {
		return nil, fmt.Errorf("[login] %w", err)
	}
	accountURL, err := client.Login(ctx)
	if err != nil {
		return nil, fmt.Errorf("[login] %w", err)
	}
	log.Info("已登录 ACME 账户", zap.String("account", accountURL))

	order, err := client.NewOrder(ctx, domains)
	if err != nil {
		return nil, fmt.Errorf("[order] %w", err)
	}
	log = log.With(zap.String("order", order.URL))
	log.Info("订单已创建", zap.String("status", order.Status), zap.Int("authorizations", len(order.Authorizations)))

	for _, authzURL := range order.Authorizations {
		authz, err := client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, fmt.Errorf("[authorization] %w", err)
		}
		if err := c.Authorizer.Authorize(ctx, client, authz, domainKey); err != nil {
			return nil, fmt.Errorf("[authorization] %w", err)
		}
	}

	certURL, err := c.awaitCertificate(ctx, log, client, order, domains, domainKey)
	if err != nil {
		return nil, err
	}

	chainPEM, err := client.FetchCertificate(ctx, certURL)
	if err != nil {
		return nil, fmt.Errorf("[download] %w", err)
	}
	record, err := storage.ParseChain(chainPEM)
	if err != nil {
		return nil, fmt.Errorf("[download] %w", err)
	}

	if err := c.Store.SaveCertificate(chainPEM); err != nil {
		return nil, fmt.Errorf("[persist] %w", err)
	}
	log.Info("证书已签发", zap.Time("not_after", record.NotAfter))

	// 证书已落盘，发布失败时旧凭证继续服务，下次启动会重新加载文件
	ev := events.CertificateEvent{Key: domainKey, Chain: record.Chain}
	if err := c.Publisher.Publish(ctx, ev); err != nil {
		log.Error("发布新证书失败", zap.Error(err))
	}

	return record, nil
}

// awaitCertificate 轮询订单状态，就绪时提交 CSR，返回证书下载地址
func (c *Coordinator) awaitCertificate(ctx context.Context, log *zap.Logger, client ACMEClient, order acmeclient.Order, domains []string, domainKey crypto.PrivateKey) (string, error) {
	var current acmeclient.Order
	finalized := false

	err := c.Poller.Poll(ctx, "order", c.Policy, func(ctx context.Context, attempt int) poller.Result {
		o, err := client.GetOrder(ctx, order.URL)
		if err != nil {
			var hinted *acmeclient.RetryAfterError
			if errors.As(err, &hinted) {
				return poller.ContinueAfter(hinted.NotBefore)
			}
			log.Warn("查询订单状态失败，稍后重试", zap.Int("attempt", attempt), zap.Error(err))
			return poller.Continue()
		}
		current = o

		log.Debug("订单状态", zap.String("status", current.Status), zap.Int("attempt", attempt))

		switch current.Status {
		case acmeclient.StatusValid:
			return poller.Success()
		case acmeclient.StatusInvalid:
			return poller.Fatal(fmt.Errorf("[order] %w: %s", ErrOrderInvalid, current.Error))
		case acmeclient.StatusReady:
			if finalized {
				return poller.ContinueAfter(current.RetryAfter)
			}
			o, err := c.finalize(ctx, client, current, domains, domainKey)
			if err != nil {
				var hinted *acmeclient.RetryAfterError
				if errors.As(err, &hinted) {
					return poller.ContinueAfter(hinted.NotBefore)
				}
				return poller.Fatal(err)
			}
			finalized = true
			log.Info("CSR 已提交", zap.String("status", o.Status))
			if o.Status == acmeclient.StatusValid && o.CertificateURL != "" {
				current = o
				return poller.Success()
			}
			return poller.ContinueAfter(o.RetryAfter)
		default:
			return poller.ContinueAfter(current.RetryAfter)
		}
	})
	if err != nil {
		if errors.Is(err, poller.ErrAttemptsExhausted) {
			return "", fmt.Errorf("[order] %w", err)
		}
		return "", err
	}

	if current.CertificateURL == "" {
		return "", fmt.Errorf("[order] 订单已完成但没有证书地址")
	}
	return current.CertificateURL, nil
}

// finalize 生成并保存 CSR，然后提交给服务端
func (c *Coordinator) finalize(ctx context.Context, client ACMEClient, order acmeclient.Order, domains []string, domainKey crypto.PrivateKey) (acmeclient.Order, error) {
	csr, err := createCSR(domainKey, domains)
	if err != nil {
		return acmeclient.Order{}, fmt.Errorf("[csr] %w", err)
	}
	if err := c.Store.SaveCSR(csr); err != nil {
		return acmeclient.Order{}, fmt.Errorf("[csr] %w", err)
	}

	o, err := client.FinalizeOrder(ctx, order.FinalizeURL, csr)
	if err != nil {
		return acmeclient.Order{}, fmt.Errorf("[finalize] %w", err)
	}
	return o, nil
}

// createCSR 生成覆盖全部域名的 DER 编码 CSR，第一个域名作为 CN
func createCSR(key crypto.PrivateKey, domains []string) ([]byte, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("不支持的私钥类型: %T", key)
	}

	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, signer)
	if err != nil {
		return nil, fmt.Errorf("生成 CSR 失败: %w", err)
	}
	return der, nil
}
