// Package keys 负责账户密钥和域名密钥的加载、生成与编码
package keys

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/moby/sys/atomicwriter"
)

// FilePrefix 文件引用前缀，例如 file:/etc/acme/account.pem
const FilePrefix = "file:"

// DefaultKeySize 默认 RSA 密钥长度
const DefaultKeySize = 4096

var (
	// ErrNoKeyMaterial 未配置密钥
	ErrNoKeyMaterial = errors.New("未配置密钥")
	// ErrInvalidKey 密钥无法解析
	ErrInvalidKey = errors.New("密钥无法解析")
)

var keyTypes = map[int]certcrypto.KeyType{
	2048: certcrypto.RSA2048,
	3072: certcrypto.RSA3072,
	4096: certcrypto.RSA4096,
	8192: certcrypto.RSA8192,
}

// Read 读取密钥内容
// ref 可以是内联 PEM，也可以是 file: 开头的文件路径
func Read(ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrNoKeyMaterial
	}

	if path, ok := strings.CutPrefix(ref, FilePrefix); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取密钥文件 %s 失败: %w", path, err)
		}
		return data, nil
	}

	return []byte(ref), nil
}

// Load 读取并解析私钥
func Load(ref string) (crypto.PrivateKey, error) {
	data, err := Read(ref)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 PEM 格式私钥（PKCS#1、PKCS#8、SEC1）
func Parse(data []byte) (crypto.PrivateKey, error) {
	key, err := certcrypto.ParsePEMPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if _, ok := key.(crypto.Signer); !ok {
		return nil, fmt.Errorf("%w: 不支持的密钥类型 %T", ErrInvalidKey, key)
	}
	return key, nil
}

// Generate 生成指定长度的 RSA 私钥
func Generate(size int) (crypto.PrivateKey, error) {
	keyType, ok := keyTypes[size]
	if !ok {
		return nil, fmt.Errorf("不支持的密钥长度: %d", size)
	}

	key, err := certcrypto.GeneratePrivateKey(keyType)
	if err != nil {
		return nil, fmt.Errorf("生成密钥失败: %w", err)
	}
	return key, nil
}

// Encode 将私钥编码为 PEM
func Encode(key crypto.PrivateKey) []byte {
	return certcrypto.PEMEncode(key)
}

// LoadOrCreate 读取已有密钥文件，不存在时生成新密钥并写入
func LoadOrCreate(path string, size int) (crypto.PrivateKey, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := Parse(data)
		if err != nil {
			return nil, false, fmt.Errorf("密钥文件 %s: %w", path, err)
		}
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("读取密钥文件失败: %w", err)
	}

	key, err := Generate(size)
	if err != nil {
		return nil, false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("创建目录失败: %w", err)
	}
	if err := atomicwriter.WriteFile(path, Encode(key), 0o600); err != nil {
		return nil, false, fmt.Errorf("保存密钥失败: %w", err)
	}

	return key, true, nil
}
