package aliyun

import (
	"context"
	"fmt"

	cas "github.com/alibabacloud-go/cas-20200407/v3/client"
	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	"github.com/alibabacloud-go/tea/tea"
	"go.uber.org/zap"

	"acme-manager/internal/config"
)

// CertUploader 阿里云数字证书管理服务 (CAS) 上传
type CertUploader struct {
	client *cas.Client
	logger *zap.Logger
}

// NewCertUploader 创建阿里云证书上传器
func NewCertUploader(cfg *config.AliyunConfig, logger *zap.Logger) (*CertUploader, error) {
	clientConfig := &openapi.Config{
		AccessKeyId:     tea.String(cfg.AccessKeyID),
		AccessKeySecret: tea.String(cfg.AccessKeySecret),
		Endpoint:        tea.String("cas.aliyuncs.com"),
	}

	client, err := cas.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("创建阿里云CAS客户端失败: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &CertUploader{client: client, logger: logger.Named("aliyun-cas")}, nil
}

// Name 返回提供商名称
func (u *CertUploader) Name() string {
	return "aliyun"
}

// UploadCertificate 上传证书
func (u *CertUploader) UploadCertificate(ctx context.Context, name, certPEM, keyPEM string) (string, error) {
	request := &cas.UploadUserCertificateRequest{
		Name: tea.String(name),
		Cert: tea.String(certPEM),
		Key:  tea.String(keyPEM),
	}

	response, err := u.client.UploadUserCertificate(request)
	if err != nil {
		return "", fmt.Errorf("上传证书失败: %w", err)
	}
	if response.Body == nil {
		return "", fmt.Errorf("上传证书失败: 响应为空")
	}

	certID := fmt.Sprintf("%d", tea.Int64Value(response.Body.CertId))
	u.logger.Info("证书已上传", zap.String("name", name), zap.String("cert_id", certID))
	return certID, nil
}
