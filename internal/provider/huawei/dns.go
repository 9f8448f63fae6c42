package huawei

import (
	"context"
	"fmt"
	"strings"

	"github.com/huaweicloud/huaweicloud-sdk-go-v3/core/auth/basic"
	dns "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/dns/v2"
	dnsModel "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/dns/v2/model"
	dnsRegion "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/dns/v2/region"
	"go.uber.org/zap"

	"acme-manager/internal/config"
	"acme-manager/internal/domain"
	"acme-manager/internal/provider"
)

// DNSProvider 华为云DNS提供商
type DNSProvider struct {
	client *dns.DnsClient
	logger *zap.Logger
}

// NewDNSProvider 创建华为云DNS提供商
func NewDNSProvider(cfg *config.HuaweiConfig, logger *zap.Logger) (*DNSProvider, error) {
	auth := basic.NewCredentialsBuilder().
		WithAk(cfg.AccessKey).
		WithSk(cfg.SecretKey).
		Build()

	region := cfg.Region
	if region == "" {
		region = "cn-north-4"
	}

	regionObj, err := dnsRegion.SafeValueOf(region)
	if err != nil {
		return nil, fmt.Errorf("无效的区域: %s", region)
	}

	client := dns.NewDnsClient(
		dns.DnsClientBuilder().
			WithRegion(regionObj).
			WithCredential(auth).
			Build())

	if logger == nil {
		logger = zap.NewNop()
	}
	return &DNSProvider{client: client, logger: logger.Named("huawei-dns")}, nil
}

// Name 返回提供商名称
func (p *DNSProvider) Name() string {
	return "huawei"
}

// getZoneID 获取域名的Zone ID
func (p *DNSProvider) getZoneID(d string) (string, error) {
	mainDomain := domain.ExtractMainDomain(d)

	response, err := p.client.ListPublicZones(&dnsModel.ListPublicZonesRequest{})
	if err != nil {
		return "", fmt.Errorf("获取Zone列表失败: %w", err)
	}

	if response.Zones != nil {
		for _, zone := range *response.Zones {
			if zone.Name != nil && strings.TrimSuffix(*zone.Name, ".") == mainDomain {
				return *zone.Id, nil
			}
		}
	}
	return "", fmt.Errorf("未找到域名 %s 的Zone", mainDomain)
}

// recordName 华为云记录名为带结尾点的完整域名
func recordName(rr, mainDomain string) string {
	return domain.ExtractSubDomain(rr, mainDomain) + "." + mainDomain + "."
}

// AddRecord 添加DNS记录
func (p *DNSProvider) AddRecord(ctx context.Context, d, rr, recordType, value string) error {
	mainDomain := domain.ExtractMainDomain(d)
	name := recordName(rr, mainDomain)

	p.logger.Info("添加记录", zap.String("name", name), zap.String("type", recordType))

	zoneID, err := p.getZoneID(d)
	if err != nil {
		return err
	}

	existing, err := p.FindRecord(ctx, d, rr, recordType)
	if err != nil {
		p.logger.Warn("检查现有记录失败", zap.Error(err))
	}
	if existing != nil {
		return p.UpdateRecord(ctx, d, existing.RecordID, rr, recordType, value)
	}

	// TXT 记录值需要加引号
	request := &dnsModel.CreateRecordSetRequest{
		ZoneId: zoneID,
		Body: &dnsModel.CreateRecordSetRequestBody{
			Name:    name,
			Type:    recordType,
			Records: []string{quoteTXT(recordType, value)},
		},
	}
	if _, err := p.client.CreateRecordSet(request); err != nil {
		return fmt.Errorf("添加DNS记录失败: %w", err)
	}

	p.logger.Info("记录已添加", zap.String("name", name))
	return nil
}

// UpdateRecord 更新DNS记录
func (p *DNSProvider) UpdateRecord(ctx context.Context, d, recordID, rr, recordType, value string) error {
	name := recordName(rr, domain.ExtractMainDomain(d))

	zoneID, err := p.getZoneID(d)
	if err != nil {
		return err
	}

	request := &dnsModel.UpdateRecordSetRequest{
		ZoneId:      zoneID,
		RecordsetId: recordID,
		Body: &dnsModel.UpdateRecordSetReq{
			Name:    &name,
			Type:    &recordType,
			Records: &[]string{quoteTXT(recordType, value)},
		},
	}
	if _, err := p.client.UpdateRecordSet(request); err != nil {
		return fmt.Errorf("更新DNS记录失败: %w", err)
	}

	p.logger.Info("记录已更新", zap.String("record_id", recordID), zap.String("name", name))
	return nil
}

// DeleteRecord 删除DNS记录
func (p *DNSProvider) DeleteRecord(ctx context.Context, d, recordID string) error {
	zoneID, err := p.getZoneID(d)
	if err != nil {
		return err
	}

	request := &dnsModel.DeleteRecordSetRequest{
		ZoneId:      zoneID,
		RecordsetId: recordID,
	}
	if _, err := p.client.DeleteRecordSet(request); err != nil {
		return fmt.Errorf("删除DNS记录失败: %w", err)
	}

	p.logger.Info("记录已删除", zap.String("record_id", recordID))
	return nil
}

// FindRecord 查找DNS记录
func (p *DNSProvider) FindRecord(ctx context.Context, d, rr, recordType string) (*provider.DNSRecord, error) {
	mainDomain := domain.ExtractMainDomain(d)
	name := recordName(rr, mainDomain)

	zoneID, err := p.getZoneID(d)
	if err != nil {
		return nil, err
	}

	request := &dnsModel.ListRecordSetsByZoneRequest{
		ZoneId: zoneID,
		Name:   &name,
		Type:   &recordType,
	}

	response, err := p.client.ListRecordSetsByZone(request)
	if err != nil {
		return nil, fmt.Errorf("查询DNS记录失败: %w", err)
	}
	if response.Recordsets == nil {
		return nil, nil
	}

	for _, rs := range *response.Recordsets {
		if rs.Name == nil || *rs.Name != name || rs.Type == nil || *rs.Type != recordType {
			continue
		}
		var value string
		if rs.Records != nil && len(*rs.Records) > 0 {
			value = strings.Trim((*rs.Records)[0], `"`)
		}
		var ttl int
		if rs.Ttl != nil {
			ttl = int(*rs.Ttl)
		}
		return &provider.DNSRecord{
			RecordID: *rs.Id,
			Domain:   mainDomain,
			RR:       domain.ExtractSubDomain(rr, mainDomain),
			Type:     *rs.Type,
			Value:    value,
			TTL:      ttl,
		}, nil
	}
	return nil, nil
}

func quoteTXT(recordType, value string) string {
	if recordType != "TXT" || strings.HasPrefix(value, `"`) {
		return value
	}
	return `"` + value + `"`
}
