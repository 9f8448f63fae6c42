package acmeclient

import (
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/acme"
)

// 订单、授权、挑战状态
const (
	StatusPending    = acme.StatusPending
	StatusReady      = acme.StatusReady
	StatusProcessing = acme.StatusProcessing
	StatusValid      = acme.StatusValid
	StatusInvalid    = acme.StatusInvalid
)

// ChallengeKind 挑战类型，取值与协议中的类型名一致
type ChallengeKind string

const (
	KindTLSALPN ChallengeKind = "tls-alpn-01"
	KindHTTP    ChallengeKind = "http-01"
	KindDNS     ChallengeKind = "dns-01"
)

// Order 订单
type Order struct {
	URL            string
	Status         string
	Authorizations []string
	FinalizeURL    string
	CertificateURL string
	// Error 服务端返回的错误详情
	Error string
	// RetryAfter 服务端要求的最早重试时间
	RetryAfter time.Time
}

// Authorization 单个域名的授权
type Authorization struct {
	URL        string
	Domain     string
	Wildcard   bool
	Status     string
	Challenges []Challenge
}

// Challenge 挑战
type Challenge struct {
	Kind       ChallengeKind
	URL        string
	Token      string
	Status     string
	Error      string
	RetryAfter time.Time
}

// Find 查找指定类型的挑战
func (a Authorization) Find(kind ChallengeKind) (Challenge, bool) {
	for _, c := range a.Challenges {
		if c.Kind == kind {
			return c, true
		}
	}
	return Challenge{}, false
}

// RetryAfterError 附带服务端重试时间的错误
type RetryAfterError struct {
	NotBefore time.Time
	Err       error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.NotBefore.Format(time.RFC3339))
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}
