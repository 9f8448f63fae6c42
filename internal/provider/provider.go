// Package provider 云平台 DNS 与证书服务的统一接口，具体实现在各子包中
package provider

import "context"

// DNSRecord 云平台上的一条解析记录
type DNSRecord struct {
	RecordID string
	Domain   string // 托管的主域名
	RR       string // 主机记录，如 _acme-challenge.www
	Type     string
	Value    string
	TTL      int
}

// DNSProvider 用于 dns-01 挑战的 TXT 记录管理
//
// domain 和 rr 都可以传完整记录名 (_acme-challenge.www.example.com)，
// 实现负责拆分出主域名和主机记录。
type DNSProvider interface {
	Name() string

	// AddRecord 添加记录，同名同类型记录已存在时改为更新
	AddRecord(ctx context.Context, domain, rr, recordType, value string) error
	UpdateRecord(ctx context.Context, domain, recordID, rr, recordType, value string) error
	DeleteRecord(ctx context.Context, domain, recordID string) error

	// FindRecord 没有匹配记录时返回 nil, nil
	FindRecord(ctx context.Context, domain, rr, recordType string) (*DNSRecord, error)
}

// CertUploader 续期后把证书同步到云平台证书管理服务
type CertUploader interface {
	Name() string

	// UploadCertificate certPEM 为完整证书链，返回平台侧证书 ID
	UploadCertificate(ctx context.Context, name, certPEM, keyPEM string) (certID string, err error)
}
