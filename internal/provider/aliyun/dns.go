package aliyun

import (
	"context"
	"fmt"

	alidns "github.com/alibabacloud-go/alidns-20150109/v4/client"
	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	"github.com/alibabacloud-go/tea/tea"
	"go.uber.org/zap"

	"acme-manager/internal/config"
	"acme-manager/internal/domain"
	"acme-manager/internal/provider"
)

// DNSProvider 阿里云DNS提供商
type DNSProvider struct {
	client *alidns.Client
	logger *zap.Logger
}

// NewDNSProvider 创建阿里云DNS提供商
func NewDNSProvider(cfg *config.AliyunConfig, logger *zap.Logger) (*DNSProvider, error) {
	endpoint := "alidns.cn-hangzhou.aliyuncs.com"
	if cfg.Region != "" {
		endpoint = fmt.Sprintf("alidns.%s.aliyuncs.com", cfg.Region)
	}

	clientConfig := &openapi.Config{
		AccessKeyId:     tea.String(cfg.AccessKeyID),
		AccessKeySecret: tea.String(cfg.AccessKeySecret),
		Endpoint:        tea.String(endpoint),
	}

	client, err := alidns.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("创建阿里云DNS客户端失败: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &DNSProvider{client: client, logger: logger.Named("aliyun-dns")}, nil
}

// Name 返回提供商名称
func (p *DNSProvider) Name() string {
	return "aliyun"
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

	request := &alidns.AddDomainRecordRequest{
		DomainName: tea.String(mainDomain),
		RR:         tea.String(subDomain),
		Type:       tea.String(recordType),
		Value:      tea.String(value),
	}
	if _, err := p.client.AddDomainRecord(request); err != nil {
		return fmt.Errorf("添加DNS记录失败: %w", err)
	}

	p.logger.Info("记录已添加", zap.String("rr", subDomain))
	return nil
}

// UpdateRecord 更新DNS记录
func (p *DNSProvider) UpdateRecord(ctx context.Context, d, recordID, rr, recordType, value string) error {
	subDomain := domain.ExtractSubDomain(rr, domain.ExtractMainDomain(d))

	request := &alidns.UpdateDomainRecordRequest{
		RecordId: tea.String(recordID),
		RR:       tea.String(subDomain),
		Type:     tea.String(recordType),
		Value:    tea.String(value),
	}
	if _, err := p.client.UpdateDomainRecord(request); err != nil {
		return fmt.Errorf("更新DNS记录失败: %w", err)
	}

	p.logger.Info("记录已更新", zap.String("record_id", recordID), zap.String("rr", subDomain))
	return nil
}

// DeleteRecord 删除DNS记录
func (p *DNSProvider) DeleteRecord(ctx context.Context, d, recordID string) error {
	request := &alidns.DeleteDomainRecordRequest{
		RecordId: tea.String(recordID),
	}
	if _, err := p.client.DeleteDomainRecord(request); err != nil {
		return fmt.Errorf("删除DNS记录失败: %w", err)
	}

	p.logger.Info("记录已删除", zap.String("record_id", recordID))
	return nil
}

// FindRecord 查找DNS记录
func (p *DNSProvider) FindRecord(ctx context.Context, d, rr, recordType string) (*provider.DNSRecord, error) {
	mainDomain := domain.ExtractMainDomain(d)
	subDomain := domain.ExtractSubDomain(rr, mainDomain)

	request := &alidns.DescribeDomainRecordsRequest{
		DomainName: tea.String(mainDomain),
		RRKeyWord:  tea.String(subDomain),
		Type:       tea.String(recordType),
	}

	response, err := p.client.DescribeDomainRecords(request)
	if err != nil {
		return nil, fmt.Errorf("查询DNS记录失败: %w", err)
	}
	if response.Body == nil || response.Body.DomainRecords == nil {
		return nil, nil
	}

	for _, record := range response.Body.DomainRecords.Record {
		if tea.StringValue(record.RR) == subDomain && tea.StringValue(record.Type) == recordType {
			return &provider.DNSRecord{
				RecordID: tea.StringValue(record.RecordId),
				Domain:   mainDomain,
				RR:       tea.StringValue(record.RR),
				Type:     tea.StringValue(record.Type),
				Value:    tea.StringValue(record.Value),
				TTL:      int(tea.Int64Value(record.TTL)),
			}, nil
		}
	}
	return nil, nil
}
