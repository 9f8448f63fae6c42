// Package events 在订单流程和 TLS 凭证持有者之间传递证书变更事件
package events

import (
	"context"
	"crypto"
	"errors"
	"sync/atomic"
)

// ErrAlreadySubscribed 已经存在订阅者
var ErrAlreadySubscribed = errors.New("证书事件已有订阅者")

// CertificateEvent 证书变更事件
type CertificateEvent struct {
	// Key 与证书配套的私钥
	Key crypto.PrivateKey
	// Chain DER 编码的证书链，第一个为叶子证书
	Chain [][]byte
	// Validation 是否为 tls-alpn-01 临时验证证书
	Validation bool
}

// Handler 处理证书事件
type Handler func(ctx context.Context, ev CertificateEvent) error

type delivery struct {
	ev   CertificateEvent
	done chan error
}

// Notifier 单消费者的证书事件通道
// Publish 会等待订阅者处理完成后返回处理结果。
type Notifier struct {
	ch         chan delivery
	subscribed atomic.Bool
}

// NewNotifier 创建事件通道
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan delivery)}
}

// Publish 发布事件并等待订阅者处理
func (n *Notifier) Publish(ctx context.Context, ev CertificateEvent) error {
	d := delivery{ev: ev, done: make(chan error, 1)}

	select {
	case n.ch <- d:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-d.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe 处理事件直到 ctx 结束，只允许一个订阅者
func (n *Notifier) Subscribe(ctx context.Context, handle Handler) error {
	if !n.subscribed.CompareAndSwap(false, true) {
		return ErrAlreadySubscribed
	}
	defer n.subscribed.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-n.ch:
			d.done <- handle(ctx, d.ev)
		}
	}
}
