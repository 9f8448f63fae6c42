// Package challenge 完成单个授权的挑战：按类型准备验证材料，通知服务端验证并轮询结果
package challenge

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"acme-manager/internal/acmeclient"
	"acme-manager/internal/events"
	"acme-manager/internal/metrics"
	"acme-manager/internal/poller"
)

// ErrChallengeInvalid 服务端判定挑战失败
var ErrChallengeInvalid = errors.New("挑战验证失败")

// ACME 挑战相关的 ACME 操作
type ACME interface {
	KeyAuthorization(token string) (string, error)
	TriggerChallenge(ctx context.Context, challengeURL string) (acmeclient.Challenge, error)
	GetChallenge(ctx context.Context, challengeURL string) (acmeclient.Challenge, error)
}

// Publisher 发布证书事件
type Publisher interface {
	Publish(ctx context.Context, ev events.CertificateEvent) error
}

// Options 分发器选项
type Options struct {
	Kind      acmeclient.ChallengeKind
	Policy    poller.Policy
	Poller    *poller.Poller
	Publisher Publisher
	Tokens    *TokenStore
	DNS       DNSSolver
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Dispatcher 挑战分发器
type Dispatcher struct {
	opts Options
}

// NewDispatcher 创建挑战分发器
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Poller == nil {
		opts.Poller = poller.New(opts.Clock, opts.Logger)
	}
	if opts.Tokens == nil {
		opts.Tokens = NewTokenStore()
	}
	if opts.DNS == nil {
		opts.DNS = NewRenderedTextSolver(opts.Logger)
	}
	return &Dispatcher{opts: opts}
}

// Authorize 完成一个授权
// 已经有效的授权直接跳过；没有配置类型的挑战时记录警告并跳过。
func (d *Dispatcher) Authorize(ctx context.Context, client ACME, authz acmeclient.Authorization, domainKey crypto.PrivateKey) error {
	log := d.opts.Logger.With(zap.String("domain", authz.Domain), zap.String("challenge", string(d.opts.Kind)))

	if authz.Status == acmeclient.StatusValid {
		log.Debug("授权已有效，跳过")
		return nil
	}

	ch, ok := authz.Find(d.opts.Kind)
	if !ok {
		log.Warn("授权中没有配置类型的挑战，跳过")
		return nil
	}
	if ch.Status == acmeclient.StatusValid {
		log.Debug("挑战已有效，跳过")
		return nil
	}

	err := d.complete(ctx, log, client, authz, ch, domainKey)
	d.opts.Metrics.ChallengeFinished(string(ch.Kind), err)
	return err
}

func (d *Dispatcher) complete(ctx context.Context, log *zap.Logger, client ACME, authz acmeclient.Authorization, ch acmeclient.Challenge, domainKey crypto.PrivateKey) error {
	keyAuth, err := client.KeyAuthorization(ch.Token)
	if err != nil {
		return fmt.Errorf("计算 key authorization 失败: %w", err)
	}

	cleanup, err := d.setup(ctx, authz, ch, keyAuth, domainKey)
	if err != nil {
		return fmt.Errorf("准备 %s 挑战失败 (域名: %s): %w", ch.Kind, authz.Domain, err)
	}
	defer cleanup()

	triggered, err := client.TriggerChallenge(ctx, ch.URL)
	if err != nil {
		return fmt.Errorf("域名 %s: %w", authz.Domain, err)
	}
	log.Info("已通知服务端验证挑战")

	if r := d.evaluate(authz.Domain, triggered); r.Outcome != poller.OutcomeContinue {
		return r.Err
	}

	err = d.opts.Poller.Poll(ctx, "authorization", d.opts.Policy, func(ctx context.Context, attempt int) poller.Result {
		current, err := client.GetChallenge(ctx, ch.URL)
		if err != nil {
			var hinted *acmeclient.RetryAfterError
			if errors.As(err, &hinted) {
				return poller.ContinueAfter(hinted.NotBefore)
			}
			log.Warn("查询挑战状态失败，稍后重试", zap.Int("attempt", attempt), zap.Error(err))
			return poller.Continue()
		}
		return d.evaluate(authz.Domain, current)
	})
	if err != nil {
		return fmt.Errorf("域名 %s 授权失败: %w", authz.Domain, err)
	}

	log.Info("挑战验证通过")
	return nil
}

// evaluate 根据挑战状态返回轮询结果
func (d *Dispatcher) evaluate(domain string, ch acmeclient.Challenge) poller.Result {
	switch ch.Status {
	case acmeclient.StatusValid:
		return poller.Success()
	case acmeclient.StatusInvalid:
		return poller.Fatal(fmt.Errorf("%w: 域名 %s: %s", ErrChallengeInvalid, domain, ch.Error))
	default:
		return poller.ContinueAfter(ch.RetryAfter)
	}
}

// setup 按挑战类型准备验证材料，返回清理函数
func (d *Dispatcher) setup(ctx context.Context, authz acmeclient.Authorization, ch acmeclient.Challenge, keyAuth string, domainKey crypto.PrivateKey) (func(), error) {
	noop := func() {}

	switch ch.Kind {
	case acmeclient.KindTLSALPN:
		der, err := ValidationCertificate(domainKey, authz.Domain, keyAuth, d.opts.Clock.Now())
		if err != nil {
			return noop, err
		}
		if d.opts.Publisher == nil {
			return noop, errors.New("未配置证书事件发布者")
		}
		ev := events.CertificateEvent{Key: domainKey, Chain: [][]byte{der}, Validation: true}
		if err := d.opts.Publisher.Publish(ctx, ev); err != nil {
			return noop, fmt.Errorf("安装验证证书失败: %w", err)
		}
		return noop, nil

	case acmeclient.KindHTTP:
		d.opts.Tokens.Publish(ch.Token, keyAuth)
		return noop, nil

	case acmeclient.KindDNS:
		if err := d.opts.DNS.CreateRecord(ctx, authz.Domain, DNSDigest(keyAuth)); err != nil {
			return noop, err
		}
		return func() {
			if err := d.opts.DNS.DestroyRecord(context.WithoutCancel(ctx), authz.Domain); err != nil {
				d.opts.Logger.Warn("清理 TXT 记录失败", zap.String("domain", authz.Domain), zap.Error(err))
			}
		}, nil

	default:
		return noop, fmt.Errorf("不支持的挑战类型: %s", ch.Kind)
	}
}
