package storage

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/moby/sys/atomicwriter"
	"go.uber.org/zap"

	"acme-manager/internal/config"
)

// Record 已保存的证书
type Record struct {
	// ChainPEM 文件原始内容
	ChainPEM []byte
	// Chain DER 编码的证书链，第一个为叶子证书
	Chain    [][]byte
	Leaf     *x509.Certificate
	NotAfter time.Time
}

// Domains 返回证书覆盖的域名（CN + SANs）
func (r *Record) Domains() []string {
	var domains []string
	if r.Leaf.Subject.CommonName != "" {
		domains = append(domains, r.Leaf.Subject.CommonName)
	}
	return append(domains, r.Leaf.DNSNames...)
}

// FileStorage 证书文件存储，是证书文件的唯一写入方
type FileStorage struct {
	baseDir string
	logger  *zap.Logger
}

// NewFileStorage 创建文件存储
func NewFileStorage(baseDir string, logger *zap.Logger) *FileStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStorage{baseDir: baseDir, logger: logger}
}

// CurrentRecord 读取当前证书
// 文件不存在或内容损坏时返回 nil，不视为错误。
func (s *FileStorage) CurrentRecord() *Record {
	path := s.GetCertPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("读取证书文件失败，视为没有证书", zap.String("path", path), zap.Error(err))
		}
		return nil
	}

	record, err := ParseChain(data)
	if err != nil {
		s.logger.Warn("证书文件已损坏，视为没有证书", zap.String("path", path), zap.Error(err))
		return nil
	}

	return record
}

// ParseChain 解析 PEM 格式证书链
func ParseChain(data []byte) (*Record, error) {
	certs, err := certcrypto.ParsePEMBundle(data)
	if err != nil {
		return nil, fmt.Errorf("解析证书链失败: %w", err)
	}
	if len(certs) == 0 {
		return nil, errors.New("证书链为空")
	}

	chain := make([][]byte, 0, len(certs))
	for _, c := range certs {
		chain = append(chain, c.Raw)
	}

	return &Record{
		ChainPEM: data,
		Chain:    chain,
		Leaf:     certs[0],
		NotAfter: certs[0].NotAfter,
	}, nil
}

// SplitChainPEM 把证书链拆成叶子证书和中间证书两段 PEM
func SplitChainPEM(data []byte) (leaf, intermediates []byte, err error) {
	record, err := ParseChain(data)
	if err != nil {
		return nil, nil, err
	}
	for i, der := range record.Chain {
		block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		if i == 0 {
			leaf = block
			continue
		}
		intermediates = append(intermediates, block...)
	}
	return leaf, intermediates, nil
}

// SaveCertificate 原子写入证书链
func (s *FileStorage) SaveCertificate(chainPEM []byte) error {
	if err := s.write(s.GetCertPath(), chainPEM, 0o644); err != nil {
		return fmt.Errorf("保存证书失败: %w", err)
	}
	s.logger.Info("证书已保存", zap.String("path", s.GetCertPath()))
	return nil
}

// SaveCSR 原子写入 DER 编码的证书签名请求（以 PEM 保存）
func (s *FileStorage) SaveCSR(csrDER []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	if err := s.write(s.GetCSRPath(), data, 0o644); err != nil {
		return fmt.Errorf("保存 CSR 失败: %w", err)
	}
	s.logger.Debug("CSR 已保存", zap.String("path", s.GetCSRPath()))
	return nil
}

func (s *FileStorage) write(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	return atomicwriter.WriteFile(path, data, perm)
}

// GetCertDir 获取证书目录
func (s *FileStorage) GetCertDir() string {
	return s.baseDir
}

// GetCertPath 获取证书链路径
func (s *FileStorage) GetCertPath() string {
	return filepath.Join(s.baseDir, config.CertFile)
}

// GetCSRPath 获取证书签名请求路径
func (s *FileStorage) GetCSRPath() string {
	return filepath.Join(s.baseDir, config.CSRFile)
}
