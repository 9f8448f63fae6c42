package core

import (
	"fmt"
	"time"

	"acme-manager/internal/domain"
	"acme-manager/internal/storage"
)

// NeedRenew 判断是否需要申请新证书，返回原因
// 没有证书、now+renewWithin 已到达过期时间、或证书没有覆盖全部目标域名时需要续期。
func NeedRenew(record *storage.Record, domains []string, renewWithin time.Duration, now time.Time) (bool, string) {
	if record == nil {
		return true, "没有可用证书"
	}

	if !now.Add(renewWithin).Before(record.NotAfter) {
		return true, fmt.Sprintf("证书将在 %s 过期", record.NotAfter.Format(time.RFC3339))
	}

	if !domain.CoversAll(record.Domains(), domains) {
		return true, fmt.Sprintf("证书域名 %v 未覆盖目标域名 %v", record.Domains(), domains)
	}

	return false, ""
}
