// Package acmeclient 封装 ACME 协议的账户、订单、授权、挑战和证书下载操作
package acmeclient

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/jmhodges/clock"
)

// DefaultUserAgent 默认 User-Agent
const DefaultUserAgent = "acme-manager/1.0"

// Options 客户端选项
type Options struct {
	DirectoryURL string
	Timeout      time.Duration
	UserAgent    string
	// Transport 底层传输，为空时使用 http.DefaultTransport
	Transport http.RoundTripper
	Clock     clock.Clock
}

// Client ACME 客户端
type Client struct {
	core  *api.Core
	hints *retryAfterTransport
}

// New 创建 ACME 客户端，会请求一次目录地址
func New(opts Options, accountKey crypto.PrivateKey) (*Client, error) {
	if opts.DirectoryURL == "" {
		return nil, errors.New("未配置 ACME 目录地址")
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	hints := newRetryAfterTransport(opts.Transport, opts.Clock)
	httpClient := &http.Client{
		Timeout:   opts.Timeout,
		Transport: hints,
	}

	core, err := api.New(httpClient, opts.UserAgent, opts.DirectoryURL, "", accountKey)
	if err != nil {
		return nil, fmt.Errorf("连接 ACME 服务失败: %w", err)
	}

	return &Client{core: core, hints: hints}, nil
}

// Login 使用账户密钥登录已有账户，返回账户地址
func (c *Client) Login(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	account, err := c.core.Accounts.New(acme.Account{OnlyReturnExisting: true})
	if err != nil {
		return "", fmt.Errorf("登录账户失败: %w", err)
	}
	return account.Location, nil
}

// Register 注册新账户并同意服务条款，账户已存在时返回已有账户地址
func (c *Client) Register(ctx context.Context, email string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	req := acme.Account{TermsOfServiceAgreed: true}
	if email != "" {
		req.Contact = []string{"mailto:" + email}
	}

	account, err := c.core.Accounts.New(req)
	if err != nil {
		return "", fmt.Errorf("创建账户失败: %w", err)
	}
	return account.Location, nil
}

// Deactivate 停用账户
func (c *Client) Deactivate(ctx context.Context, accountURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.core.Accounts.Deactivate(accountURL); err != nil {
		return fmt.Errorf("停用账户失败: %w", err)
	}
	return nil
}

// NewOrder 创建订单
func (c *Client) NewOrder(ctx context.Context, domains []string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}

	order, err := c.core.Orders.New(domains)
	if err != nil {
		return Order{}, fmt.Errorf("创建订单失败: %w", err)
	}
	return c.toOrder(order, order.Location), nil
}

// GetOrder 查询订单
func (c *Client) GetOrder(ctx context.Context, orderURL string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}

	order, err := c.core.Orders.Get(orderURL)
	if err != nil {
		return Order{}, c.withHint(orderURL, fmt.Errorf("查询订单失败: %w", err))
	}
	return c.toOrder(order, orderURL), nil
}

// FinalizeOrder 提交 CSR（DER 编码），不等待签发完成
func (c *Client) FinalizeOrder(ctx context.Context, finalizeURL string, csr []byte) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}

	order, err := c.core.Orders.UpdateForCSR(finalizeURL, csr)
	if err != nil {
		return Order{}, c.withHint(finalizeURL, fmt.Errorf("提交 CSR 失败: %w", err))
	}
	o := c.toOrder(order, order.Location)
	if o.RetryAfter.IsZero() {
		o.RetryAfter = c.hints.take(finalizeURL)
	}
	return o, nil
}

// GetAuthorization 查询授权
func (c *Client) GetAuthorization(ctx context.Context, authzURL string) (Authorization, error) {
	if err := ctx.Err(); err != nil {
		return Authorization{}, err
	}

	authz, err := c.core.Authorizations.Get(authzURL)
	if err != nil {
		return Authorization{}, fmt.Errorf("查询授权失败: %w", err)
	}

	result := Authorization{
		URL:      authzURL,
		Domain:   authz.Identifier.Value,
		Wildcard: authz.Wildcard,
		Status:   authz.Status,
	}
	for _, ch := range authz.Challenges {
		result.Challenges = append(result.Challenges, toChallenge(ch))
	}
	return result, nil
}

// TriggerChallenge 通知服务端开始验证挑战
func (c *Client) TriggerChallenge(ctx context.Context, challengeURL string) (Challenge, error) {
	if err := ctx.Err(); err != nil {
		return Challenge{}, err
	}

	ch, err := c.core.Challenges.New(challengeURL)
	if err != nil {
		return Challenge{}, c.withHint(challengeURL, fmt.Errorf("触发挑战验证失败: %w", err))
	}
	return c.toExtendedChallenge(ch, challengeURL), nil
}

// GetChallenge 查询挑战
func (c *Client) GetChallenge(ctx context.Context, challengeURL string) (Challenge, error) {
	if err := ctx.Err(); err != nil {
		return Challenge{}, err
	}

	ch, err := c.core.Challenges.Get(challengeURL)
	if err != nil {
		return Challenge{}, c.withHint(challengeURL, fmt.Errorf("查询挑战失败: %w", err))
	}
	return c.toExtendedChallenge(ch, challengeURL), nil
}

// KeyAuthorization 计算挑战的 key authorization
func (c *Client) KeyAuthorization(token string) (string, error) {
	return c.core.GetKeyAuthorization(token)
}

// FetchCertificate 下载 PEM 格式的完整证书链
func (c *Client) FetchCertificate(ctx context.Context, certURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cert, _, err := c.core.Certificates.Get(certURL, true)
	if err != nil {
		return nil, fmt.Errorf("下载证书失败: %w", err)
	}
	return cert, nil
}

func (c *Client) toOrder(order acme.ExtendedOrder, url string) Order {
	o := Order{
		URL:            url,
		Status:         order.Status,
		Authorizations: order.Authorizations,
		FinalizeURL:    order.Finalize,
		CertificateURL: order.Certificate,
		RetryAfter:     c.hints.take(url),
	}
	if order.Error != nil {
		o.Error = order.Error.Error()
	}
	return o
}

func (c *Client) toExtendedChallenge(ch acme.ExtendedChallenge, url string) Challenge {
	result := toChallenge(ch.Challenge)
	if result.URL == "" {
		result.URL = url
	}

	hint := c.hints.take(url)
	if at, ok := parseRetryAfter(ch.RetryAfter, c.hints.clock.Now()); ok {
		hint = at
	}
	result.RetryAfter = hint
	return result
}

func toChallenge(ch acme.Challenge) Challenge {
	result := Challenge{
		Kind:   ChallengeKind(ch.Type),
		URL:    ch.URL,
		Token:  ch.Token,
		Status: ch.Status,
	}
	if ch.Error != nil {
		result.Error = ch.Error.Error()
	}
	return result
}

// withHint 如果服务端返回了 Retry-After，则包装为 RetryAfterError
func (c *Client) withHint(url string, err error) error {
	if at := c.hints.take(url); !at.IsZero() {
		return &RetryAfterError{NotBefore: at, Err: err}
	}
	return err
}

// ProblemDetail 提取服务端返回的错误详情
func ProblemDetail(err error) string {
	var problem *acme.ProblemDetails
	if errors.As(err, &problem) {
		return problem.Detail
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
