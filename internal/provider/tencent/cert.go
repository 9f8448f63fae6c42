package tencent

import (
	"context"
	"fmt"

	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	ssl "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/ssl/v20191205"
	"go.uber.org/zap"

	"acme-manager/internal/config"
)

// CertUploader 腾讯云SSL证书上传
type CertUploader struct {
	client *ssl.Client
	logger *zap.Logger
}

// NewCertUploader 创建腾讯云证书上传器
func NewCertUploader(cfg *config.TencentConfig, logger *zap.Logger) (*CertUploader, error) {
	credential := common.NewCredential(cfg.SecretID, cfg.SecretKey)
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = "ssl.tencentcloudapi.com"

	region := cfg.Region
	if region == "" {
		region = "ap-guangzhou"
	}

	client, err := ssl.NewClient(credential, region, cpf)
	if err != nil {
		return nil, fmt.Errorf("创建腾讯云SSL客户端失败: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &CertUploader{client: client, logger: logger.Named("tencent-ssl")}, nil
}

// Name 返回提供商名称
func (u *CertUploader) Name() string {
	return "tencent"
}

// UploadCertificate 上传证书
func (u *CertUploader) UploadCertificate(ctx context.Context, name, certPEM, keyPEM string) (string, error) {
	request := ssl.NewUploadCertificateRequest()
	request.CertificatePublicKey = common.StringPtr(certPEM)
	request.CertificatePrivateKey = common.StringPtr(keyPEM)
	request.CertificateType = common.StringPtr("SVR")
	request.Alias = common.StringPtr(name)

	response, err := u.client.UploadCertificateWithContext(ctx, request)
	if err != nil {
		return "", fmt.Errorf("上传证书失败: %w", err)
	}
	if response.Response == nil || response.Response.CertificateId == nil {
		return "", fmt.Errorf("上传证书失败: 响应中没有证书ID")
	}

	certID := *response.Response.CertificateId
	u.logger.Info("证书已上传", zap.String("name", name), zap.String("cert_id", certID))
	return certID, nil
}
