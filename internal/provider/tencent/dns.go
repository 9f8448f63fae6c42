package tencent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	dnspod "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/dnspod/v20210323"
	"go.uber.org/zap"

	"acme-manager/internal/config"
	"acme-manager/internal/domain"
	"acme-manager/internal/provider"
)

// DNSProvider 腾讯云DNS提供商 (DNSPod)
type DNSProvider struct {
	client *dnspod.Client
	logger *zap.Logger
}

// NewDNSProvider 创建腾讯云DNS提供商
func NewDNSProvider(cfg *config.TencentConfig, logger *zap.Logger) (*DNSProvider, error) {
	credential := common.NewCredential(cfg.SecretID, cfg.SecretKey)
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = "dnspod.tencentcloudapi.com"

	client, err := dnspod.NewClient(credential, "", cpf)
	if err != nil {
		return nil, fmt.Errorf("创建腾讯云DNSPod客户端失败: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &DNSProvider{client: client, logger: logger.Named("tencent-dns")}, nil
}

// Name 返回提供商名称
func (p *DNSProvider) Name() string {
	return "tencent"
}

// AddRecord 添加DNS记录
func (p *DNSProvider) AddRecord(ctx context.Context, d, rr, recordType, value string) error {
	mainDomain := domain.ExtractMainDomain(d)
	subDomain := domain.ExtractSubDomain(rr, mainDomain)

	p.logger.Info("添加记录",
		zap.String("rr", subDomain), zap.String("domain", mainDomain), zap.String("type", recordType))

	existing, err := p.FindRecord(ctx, d, subDomain, recordType)
	if err != nil {
		p.logger.Warn("检查现有记录失败", zap.Error(err))
	}
	if existing != nil {
		return p.UpdateRecord(ctx, d, existing.RecordID, subDomain, recordType, value)
	}

	request := dnspod.NewCreateRecordRequest()
	request.Domain = common.StringPtr(mainDomain)
	request.SubDomain = common.StringPtr(subDomain)
	request.RecordType = common.StringPtr(recordType)
	request.RecordLine = common.StringPtr("默认")
	request.Value = common.StringPtr(value)

	if _, err := p.client.CreateRecordWithContext(ctx, request); err != nil {
		return fmt.Errorf("添加DNS记录失败: %w", err)
	}

	p.logger.Info("记录已添加", zap.String("rr", subDomain))
	return nil
}

// UpdateRecord 更新DNS记录
func (p *DNSProvider) UpdateRecord(ctx context.Context, d, recordID, rr, recordType, value string) error {
	mainDomain := domain.ExtractMainDomain(d)
	subDomain := domain.ExtractSubDomain(rr, mainDomain)

	var id uint64
	fmt.Sscanf(recordID, "%d", &id)

	request := dnspod.NewModifyRecordRequest()
	request.Domain = common.StringPtr(mainDomain)
	request.RecordId = common.Uint64Ptr(id)
	request.SubDomain = common.StringPtr(subDomain)
	request.RecordType = common.StringPtr(recordType)
	request.RecordLine = common.StringPtr("默认")
	request.Value = common.StringPtr(value)

	if _, err := p.client.ModifyRecordWithContext(ctx, request); err != nil {
		return fmt.Errorf("更新DNS记录失败: %w", err)
	}

	p.logger.Info("记录已更新", zap.String("record_id", recordID), zap.String("rr", subDomain))
	return nil
}

// DeleteRecord 删除DNS记录
func (p *DNSProvider) DeleteRecord(ctx context.Context, d, recordID string) error {
	var id uint64
	fmt.Sscanf(recordID, "%d", &id)

	request := dnspod.NewDeleteRecordRequest()
	request.Domain = common.StringPtr(domain.ExtractMainDomain(d))
	request.RecordId = common.Uint64Ptr(id)

	if _, err := p.client.DeleteRecordWithContext(ctx, request); err != nil {
		return fmt.Errorf("删除DNS记录失败: %w", err)
	}

	p.logger.Info("记录已删除", zap.String("record_id", recordID))
	return nil
}

// FindRecord 查找DNS记录
func (p *DNSProvider) FindRecord(ctx context.Context, d, rr, recordType string) (*provider.DNSRecord, error) {
	mainDomain := domain.ExtractMainDomain(d)
	subDomain := domain.ExtractSubDomain(rr, mainDomain)

	request := dnspod.NewDescribeRecordListRequest()
	request.Domain = common.StringPtr(mainDomain)
	request.Subdomain = common.StringPtr(subDomain)
	request.RecordType = common.StringPtr(recordType)

	response, err := p.client.DescribeRecordListWithContext(ctx, request)
	if err != nil {
		// 没有记录时腾讯云返回错误
		if strings.Contains(err.Error(), "NoRecord") || strings.Contains(err.Error(), "记录列表为空") {
			return nil, nil
		}
		return nil, fmt.Errorf("查询DNS记录失败: %w", err)
	}
	if response.Response == nil {
		return nil, nil
	}

	for _, record := range response.Response.RecordList {
		if record.Name != nil && *record.Name == subDomain &&
			record.Type != nil && *record.Type == recordType {
			return &provider.DNSRecord{
				RecordID: fmt.Sprintf("%d", *record.RecordId),
				Domain:   mainDomain,
				RR:       *record.Name,
				Type:     *record.Type,
				Value:    *record.Value,
				TTL:      int(*record.TTL),
			}, nil
		}
	}
	return nil, nil
}
