// Package poller 提供有界、固定间隔、可取消的轮询原语
//
// 每次检查由调用方提供的函数完成，返回 Continue / Success / Fatal 之一；
// 轮询在成功、致命错误或次数耗尽时自行结束，调用方同步等待结果。
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"
)

// ErrAttemptsExhausted 检查次数耗尽
var ErrAttemptsExhausted = errors.New("attempts exhausted")

// Outcome 单次检查的结果类型
type Outcome int

const (
	// OutcomeContinue 尚未结束，等待下一次检查
	OutcomeContinue Outcome = iota
	// OutcomeSuccess 成功结束
	OutcomeSuccess
	// OutcomeFatal 失败结束
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeSuccess:
		return "success"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result 单次检查的结果
type Result struct {
	Outcome Outcome
	Err     error
	// NotBefore 服务端要求的最早重试时间，零值表示不限制
	NotBefore time.Time
}

// Continue 继续轮询
func Continue() Result {
	return Result{Outcome: OutcomeContinue}
}

// ContinueAfter 继续轮询，但在 t 之前不再检查
func ContinueAfter(t time.Time) Result {
	return Result{Outcome: OutcomeContinue, NotBefore: t}
}

// Success 轮询成功
func Success() Result {
	return Result{Outcome: OutcomeSuccess}
}

// Fatal 轮询失败
func Fatal(err error) Result {
	return Result{Outcome: OutcomeFatal, Err: err}
}

// Policy 轮询策略
type Policy struct {
	MaxAttempts int
	Pause       time.Duration
}

// CheckFunc 单次检查，attempt 从 1 开始
type CheckFunc func(ctx context.Context, attempt int) Result

// Poller 轮询器
type Poller struct {
	clock  clock.Clock
	logger *zap.Logger
	// OnTick 每次检查后调用，用于统计
	OnTick func(name string, outcome Outcome)
}

// New 创建轮询器
func New(clk clock.Clock, logger *zap.Logger) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{clock: clk, logger: logger}
}

// Poll 按策略执行检查直到结束
// 第一次检查立即执行，之后每次间隔 policy.Pause；若检查返回了 NotBefore，
// 下一次检查会推迟到该时间之后，被推迟的等待不消耗检查次数。
// 同一时刻只有一个定时器在等待。ctx 取消时返回 ctx.Err()。
func (p *Poller) Poll(ctx context.Context, name string, policy Policy, check CheckFunc) error {
	if policy.MaxAttempts <= 0 {
		return fmt.Errorf("%s: %w", name, ErrAttemptsExhausted)
	}

	var notBefore time.Time
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := policy.Pause
			if until := notBefore.Sub(p.clock.Now()); until > wait {
				wait = until
			}
			if err := p.sleep(ctx, wait); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		result := check(ctx, attempt)
		if p.OnTick != nil {
			p.OnTick(name, result.Outcome)
		}

		switch result.Outcome {
		case OutcomeSuccess:
			return nil
		case OutcomeFatal:
			if result.Err == nil {
				return fmt.Errorf("%s: 轮询失败", name)
			}
			return result.Err
		default:
			notBefore = result.NotBefore
			p.logger.Debug("等待下一次检查",
				zap.String("poll", name),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Time("not_before", notBefore))
		}
	}

	return fmt.Errorf("%s: 已检查 %d 次: %w", name, policy.MaxAttempts, ErrAttemptsExhausted)
}

// sleep 等待 d 或 ctx 结束
func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
