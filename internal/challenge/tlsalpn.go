package challenge

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// idPeAcmeIdentifier acmeIdentifier 扩展 (RFC 8737)
var idPeAcmeIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}

// validationLifetime 验证证书有效期
const validationLifetime = time.Hour

// ValidationCertificate 使用域名私钥生成 tls-alpn-01 自签名验证证书，返回 DER
func ValidationCertificate(key crypto.PrivateKey, domain, keyAuth string, now time.Time) ([]byte, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("不支持的私钥类型: %T", key)
	}

	digest := sha256.Sum256([]byte(keyAuth))
	extValue, err := asn1.Marshal(digest[:])
	if err != nil {
		return nil, fmt.Errorf("编码 acmeIdentifier 失败: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("生成序列号失败: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "ACME challenge"},
		DNSNames:              []string{domain},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validationLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{
			{Id: idPeAcmeIdentifier, Critical: true, Value: extValue},
		},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("生成验证证书失败: %w", err)
	}
	return der, nil
}
