package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"acme-manager/internal/config"
	"acme-manager/internal/daemon"
	"acme-manager/internal/logger"
)

func main() {
	app := &cli.App{
		Name:  "acme-manager",
		Usage: "ACME 证书自动申请与续期",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "配置文件路径",
			},
		},
		Action: runOnce,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "检查并申请证书（单次运行）",
				Action: runOnce,
			},
			{
				Name:   "start",
				Usage:  "启动守护进程（后台运行）",
				Action: handleStart,
			},
			{
				Name:  "stop",
				Usage: "停止守护进程",
				Action: func(c *cli.Context) error {
					return daemon.NewDaemon(c.String("config")).Stop()
				},
			},
			{
				Name:  "restart",
				Usage: "重启守护进程",
				Action: func(c *cli.Context) error {
					return daemon.NewDaemon(c.String("config")).Restart()
				},
			},
			{
				Name:  "status",
				Usage: "查看运行状态",
				Action: func(c *cli.Context) error {
					daemon.NewDaemon(c.String("config")).Status()
					return nil
				},
			},
			{
				Name:  "daemon",
				Usage: "前台守护进程模式（调试用）",
				Action: func(c *cli.Context) error {
					return serve(c.String("config"), false)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func runOnce(c *cli.Context) error {
	return serve(c.String("config"), true)
}

func handleStart(c *cli.Context) error {
	d := daemon.NewDaemon(c.String("config"))

	// 非后台子进程时启动子进程后直接返回
	if err := d.Start(); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	if !daemon.IsDaemonized() {
		return nil
	}

	if err := d.WritePid(); err != nil {
		return fmt.Errorf("写入PID失败: %w", err)
	}
	defer d.RemovePid()

	return serve(c.String("config"), false)
}

// serve 加载配置并运行，直到收到退出信号或 once 模式下完成首次检查
func serve(configPath string, once bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sig := daemon.NewSignalHandler(context.Background(), log)
	sig.Start()
	defer sig.Stop()

	a, err := newApplication(cfg, log)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}

	log.Info("acme-manager 已启动",
		zap.Int("pid", os.Getpid()),
		zap.Strings("domains", a.manager.Domains()),
		zap.Bool("once", once),
		zap.Int("check_interval_hours", cfg.CheckInterval))

	if err := a.run(sig.Context(), once); err != nil {
		log.Error("运行出错", zap.Error(err))
		return err
	}
	log.Info("acme-manager 已退出")
	return nil
}
