package huawei

import (
	"context"
	"fmt"

	"github.com/huaweicloud/huaweicloud-sdk-go-v3/core/auth/basic"
	scm "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/scm/v3"
	scmModel "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/scm/v3/model"
	scmRegion "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/scm/v3/region"
	"go.uber.org/zap"

	"acme-manager/internal/config"
	"acme-manager/internal/storage"
)

// CertUploader 华为云证书管理服务 (SCM) 导入
type CertUploader struct {
	client *scm.ScmClient
	logger *zap.Logger
}

// NewCertUploader 创建华为云证书上传器
func NewCertUploader(cfg *config.HuaweiConfig, logger *zap.Logger) (*CertUploader, error) {
	auth := basic.NewCredentialsBuilder().
		WithAk(cfg.AccessKey).
		WithSk(cfg.SecretKey).
		Build()

	region := cfg.Region
	if region == "" {
		region = "cn-north-4"
	}

	regionObj, err := scmRegion.SafeValueOf(region)
	if err != nil {
		return nil, fmt.Errorf("无效的区域: %s", region)
	}

	client := scm.NewScmClient(
		scm.ScmClientBuilder().
			WithRegion(regionObj).
			WithCredential(auth).
			Build())

	if logger == nil {
		logger = zap.NewNop()
	}
	return &CertUploader{client: client, logger: logger.Named("huawei-scm")}, nil
}

// Name 返回提供商名称
func (u *CertUploader) Name() string {
	return "huawei"
}

// UploadCertificate 导入证书
// SCM 要求叶子证书与中间证书分开提交
func (u *CertUploader) UploadCertificate(ctx context.Context, name, certPEM, keyPEM string) (string, error) {
	request, err := importRequest(name, certPEM, keyPEM)
	if err != nil {
		return "", err
	}

	response, err := u.client.ImportCertificate(request)
	if err != nil {
		return "", fmt.Errorf("导入证书失败: %w", err)
	}
	if response.CertificateId == nil {
		return "", fmt.Errorf("导入证书失败: 响应中没有证书ID")
	}

	u.logger.Info("证书已导入", zap.String("name", name), zap.String("cert_id", *response.CertificateId))
	return *response.CertificateId, nil
}

// importRequest 构造导入请求，没有中间证书时不填证书链
func importRequest(name, certPEM, keyPEM string) (*scmModel.ImportCertificateRequest, error) {
	leaf, intermediates, err := storage.SplitChainPEM([]byte(certPEM))
	if err != nil {
		return nil, err
	}

	body := &scmModel.ImportCertificateRequestBody{
		Name:        name,
		Certificate: string(leaf),
		PrivateKey:  keyPEM,
	}
	if len(intermediates) > 0 {
		chain := string(intermediates)
		body.CertificateChain = &chain
	}
	return &scmModel.ImportCertificateRequest{Body: body}, nil
}
