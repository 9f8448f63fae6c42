// acme-cli 生成密钥并管理 ACME 账户
package main

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"acme-manager/internal/acmeclient"
	"acme-manager/internal/config"
	"acme-manager/internal/keys"
)

var keyFlags = []cli.Flag{
	&cli.StringFlag{Name: "key-dir", Value: "/tmp", Usage: "密钥目录"},
	&cli.StringFlag{Name: "key-name", Value: "acme.pem", Usage: "密钥文件名"},
	&cli.IntFlag{Name: "key-size", Value: 4096, Usage: "RSA 密钥长度"},
}

var serverFlags = []cli.Flag{
	&cli.StringFlag{Name: "url", Usage: "ACME 目录地址"},
	&cli.BoolFlag{Name: "lets-encrypt-prod", Usage: "使用 Let's Encrypt 生产环境"},
	&cli.BoolFlag{Name: "lets-encrypt-staging", Usage: "使用 Let's Encrypt 测试环境"},
}

func main() {
	app := &cli.App{
		Name:  "acme-cli",
		Usage: "ACME 密钥和账户工具",
		Commands: []*cli.Command{
			{
				Name:   "create-key",
				Usage:  "生成 RSA 私钥，文件已存在时直接复用",
				Flags:  keyFlags,
				Action: createKey,
			},
			{
				Name:  "create-account",
				Usage: "注册 ACME 账户并同意服务条款",
				Flags: append(append([]cli.Flag{
					&cli.StringFlag{Name: "email", Usage: "联系邮箱"},
				}, keyFlags...), serverFlags...),
				Action: createAccount,
			},
			{
				Name:   "deactivate-account",
				Usage:  "停用 ACME 账户",
				Flags:  append(append([]cli.Flag{}, keyFlags[:2]...), serverFlags...),
				Action: deactivateAccount,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func keyPath(c *cli.Context) string {
	return filepath.Join(c.String("key-dir"), c.String("key-name"))
}

func loadOrCreateKey(c *cli.Context) (crypto.PrivateKey, error) {
	path := keyPath(c)
	key, created, err := keys.LoadOrCreate(path, c.Int("key-size"))
	if err != nil {
		return nil, err
	}
	if created {
		fmt.Printf("已生成密钥: %s\n", path)
	} else {
		fmt.Printf("使用已有密钥: %s\n", path)
	}
	return key, nil
}

// directoryURL 根据参数选择 ACME 目录地址
func directoryURL(c *cli.Context) (string, error) {
	selected := 0
	url := ""
	if c.String("url") != "" {
		selected++
		url = c.String("url")
	}
	if c.Bool("lets-encrypt-prod") {
		selected++
		url = config.LetsEncryptProduction
	}
	if c.Bool("lets-encrypt-staging") {
		selected++
		url = config.LetsEncryptStaging
	}

	switch selected {
	case 0:
		return "", errors.New("需要指定 --url、--lets-encrypt-prod 或 --lets-encrypt-staging")
	case 1:
		return url, nil
	default:
		return "", errors.New("--url、--lets-encrypt-prod 和 --lets-encrypt-staging 只能指定一个")
	}
}

func createKey(c *cli.Context) error {
	_, err := loadOrCreateKey(c)
	return err
}

func createAccount(c *cli.Context) error {
	url, err := directoryURL(c)
	if err != nil {
		return err
	}
	key, err := loadOrCreateKey(c)
	if err != nil {
		return err
	}

	client, err := acmeclient.New(acmeclient.Options{DirectoryURL: url}, key)
	if err != nil {
		return err
	}
	accountURL, err := client.Register(c.Context, c.String("email"))
	if err != nil {
		return err
	}
	fmt.Printf("账户地址: %s\n", accountURL)
	return nil
}

func deactivateAccount(c *cli.Context) error {
	url, err := directoryURL(c)
	if err != nil {
		return err
	}
	key, err := keys.Load(keys.FilePrefix + keyPath(c))
	if err != nil {
		return err
	}

	client, err := acmeclient.New(acmeclient.Options{DirectoryURL: url}, key)
	if err != nil {
		return err
	}
	accountURL, err := client.Login(c.Context)
	if err != nil {
		return err
	}
	if err := client.Deactivate(c.Context, accountURL); err != nil {
		return err
	}
	fmt.Printf("账户已停用: %s\n", accountURL)
	return nil
}
