package core

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Executor 命令执行器
type Executor struct {
	logger *zap.Logger
}

// NewExecutor 创建执行器
func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger}
}

// RunPostCommand 执行后置命令，命令中的 ${VAR} 会被替换
func (e *Executor) RunPostCommand(ctx context.Context, command string, vars map[string]string) error {
	if command == "" {
		return nil
	}

	for key, value := range vars {
		command = strings.ReplaceAll(command, "${"+key+"}", value)
	}

	e.logger.Info("执行后置命令", zap.String("command", command))

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	for key, value := range vars {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("执行命令失败: %w", err)
	}

	e.logger.Info("后置命令执行成功")
	return nil
}

// BuildVars 构建变量映射
func (e *Executor) BuildVars(domain, certDir, certFile, csrFile string) map[string]string {
	return map[string]string{
		"DOMAIN":    domain,
		"CERT_DIR":  certDir,
		"CERT_FILE": certFile,
		"CSR_FILE":  csrFile,
	}
}
