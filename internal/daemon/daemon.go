// Package daemon 后台运行、PID 文件和退出信号处理
package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/moby/sys/atomicwriter"
)

// EnvDaemonized 子进程通过该环境变量识别自己已经后台化
const EnvDaemonized = "ACME_MANAGER_DAEMONIZED"

const (
	defaultStopTimeout = 3 * time.Second
	stopPollInterval   = 100 * time.Millisecond
)

var (
	// ErrNotRunning 守护进程未运行
	ErrNotRunning = errors.New("守护进程未运行")

	errStillRunning = errors.New("进程仍在运行")
)

// Daemon 守护进程管理器
// PID 和日志文件放在配置文件所在目录。
type Daemon struct {
	PidFile    string
	LogFile    string
	ConfigPath string

	// Out 命令行提示输出，默认 stdout
	Out io.Writer
	// StopTimeout 发送 SIGTERM 后等待退出的时间，超时后 SIGKILL
	StopTimeout time.Duration
}

// NewDaemon 创建守护进程管理器
func NewDaemon(configPath string) *Daemon {
	dir := filepath.Dir(configPath)
	if dir == "." {
		dir, _ = os.Getwd()
	}

	return &Daemon{
		PidFile:     filepath.Join(dir, "acme-manager.pid"),
		LogFile:     filepath.Join(dir, "acme-manager.log"),
		ConfigPath:  configPath,
		Out:         os.Stdout,
		StopTimeout: defaultStopTimeout,
	}
}

// Start 启动守护进程
// 在后台子进程中调用时返回 nil，由调用方继续运行服务。
func (d *Daemon) Start() error {
	if pid, running := d.IsRunning(); running {
		return fmt.Errorf("守护进程已在运行，PID: %d", pid)
	}
	if IsDaemonized() {
		return nil
	}

	logFile, err := os.OpenFile(d.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("无法打开日志文件 %s: %w", d.LogFile, err)
	}
	defer logFile.Close()

	cmd, err := d.command()
	if err != nil {
		return err
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("启动守护进程失败: %w", err)
	}

	d.printf("守护进程已启动，PID: %d\n", cmd.Process.Pid)
	d.printf("日志文件: %s\n", d.LogFile)
	d.printf("PID文件: %s\n", d.PidFile)
	return nil
}

// command 构造后台子进程：新会话中重新执行 start
func (d *Daemon) command() (*exec.Cmd, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("获取可执行文件路径失败: %w", err)
	}

	cmd := exec.Command(executable, "--config", d.ConfigPath, "start")
	cmd.Env = append(os.Environ(), EnvDaemonized+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd, nil
}

// Stop 发送 SIGTERM，超时未退出再发送 SIGKILL
func (d *Daemon) Stop() error {
	pid, running := d.IsRunning()
	if !running {
		return ErrNotRunning
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("找不到进程 %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("发送停止信号失败: %w", err)
	}
	d.printf("已发送停止信号到进程 %d\n", pid)

	if d.waitExit() {
		d.printf("守护进程已停止\n")
		return nil
	}

	d.printf("进程未响应，尝试强制终止...\n")
	if err := process.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("强制终止失败: %w", err)
	}
	d.RemovePid()
	d.printf("守护进程已强制停止\n")
	return nil
}

// waitExit 在 StopTimeout 内等待进程退出
func (d *Daemon) waitExit() bool {
	timeout := d.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(stopPollInterval),
		uint64(timeout/stopPollInterval),
	)

	err := backoff.Retry(func() error {
		if _, running := d.IsRunning(); running {
			return errStillRunning
		}
		return nil
	}, policy)
	return err == nil
}

// Restart 重启守护进程
func (d *Daemon) Restart() error {
	if _, running := d.IsRunning(); running {
		if err := d.Stop(); err != nil {
			return fmt.Errorf("停止守护进程失败: %w", err)
		}
	}
	return d.Start()
}

// Status 输出并返回守护进程状态
func (d *Daemon) Status() (int, bool) {
	pid, running := d.IsRunning()
	if !running {
		d.printf("守护进程未运行\n")
		return 0, false
	}
	d.printf("守护进程运行中，PID: %d\n", pid)
	d.printf("PID文件: %s\n", d.PidFile)
	d.printf("日志文件: %s\n", d.LogFile)
	return pid, true
}

// IsRunning 根据 PID 文件判断守护进程是否存活
func (d *Daemon) IsRunning() (int, bool) {
	pid, err := d.readPid()
	if err != nil {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// 信号 0 只做存在性检查
	return pid, process.Signal(syscall.Signal(0)) == nil
}

func (d *Daemon) readPid() (int, error) {
	data, err := os.ReadFile(d.PidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("PID 文件内容无效: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("PID 文件内容无效: %d", pid)
	}
	return pid, nil
}

// WritePid 写入当前进程 PID
func (d *Daemon) WritePid() error {
	return atomicwriter.WriteFile(d.PidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePid 删除 PID 文件
func (d *Daemon) RemovePid() {
	_ = os.Remove(d.PidFile)
}

func (d *Daemon) printf(format string, args ...any) {
	if d.Out == nil {
		return
	}
	fmt.Fprintf(d.Out, format, args...)
}

// IsDaemonized 当前进程是否为后台子进程
func IsDaemonized() bool {
	return os.Getenv(EnvDaemonized) == "1"
}
