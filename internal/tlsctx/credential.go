package tlsctx

import (
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

// Credential 不可变的服务凭证：私钥和证书链
type Credential struct {
	PrivateKey crypto.PrivateKey
	// Chain DER 编码的证书链，第一个为叶子证书
	Chain [][]byte
	Leaf  *x509.Certificate

	cert *tls.Certificate
}

// NewCredential 构建凭证并校验私钥与叶子证书匹配
func NewCredential(key crypto.PrivateKey, chain [][]byte) (*Credential, error) {
	if len(chain) == 0 {
		return nil, errors.New("证书链为空")
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("不支持的私钥类型: %T", key)
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("解析叶子证书失败: %w", err)
	}

	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(leaf.PublicKey) {
		return nil, errors.New("私钥与证书不匹配")
	}

	return &Credential{
		PrivateKey: key,
		Chain:      chain,
		Leaf:       leaf,
		cert: &tls.Certificate{
			Certificate: chain,
			PrivateKey:  key,
			Leaf:        leaf,
		},
	}, nil
}

// Certificate 返回用于握手的证书
func (c *Credential) Certificate() *tls.Certificate {
	return c.cert
}

// placeholderLifetime 占位证书的有效期
const placeholderLifetime = 10 * time.Second

// newPlaceholder 生成短期自签名占位凭证，启动时在真正的证书到达前使用
func newPlaceholder(now time.Time) (*Credential, error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, fmt.Errorf("生成占位证书私钥失败: %w", err)
	}
	signer := key.(crypto.Signer)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("生成序列号失败: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "acme-manager placeholder"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(placeholderLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("生成占位证书失败: %w", err)
	}

	return NewCredential(key, [][]byte{der})
}
