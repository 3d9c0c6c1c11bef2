package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"claude-pool/internal/api"
	"claude-pool/internal/config"
	"claude-pool/internal/logger"
	"claude-pool/internal/metrics"
	"claude-pool/internal/pool"
	"claude-pool/internal/register"
	"claude-pool/internal/store"
	"claude-pool/internal/upstream"
)

type serveFlags struct {
	host     string
	port     int
	poolFile string
	register int
}

func bindServeFlags(cmd *cobra.Command, f *serveFlags) {
	cmd.Flags().StringVar(&f.host, "host", "", "监听地址（默认 0.0.0.0）")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "监听端口（默认 8000）")
	cmd.Flags().StringVar(&f.poolFile, "pool-file", "", "账号池快照文件（file 存储）")
	cmd.Flags().IntVarP(&f.register, "register", "r", 0, "启动前批量注册的账号数量")
}

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动账号池 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, g, f)
		},
	}
	bindServeFlags(cmd, f)
	return cmd
}

func (f *serveFlags) apply(cfg *config.Config) error {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		if f.port < 0 || f.port > 65535 {
			return fmt.Errorf("无效的端口: %d", f.port)
		}
		cfg.Server.Port = f.port
	}
	if f.poolFile != "" {
		cfg.Storage.Type = config.StorageTypeFile
		cfg.Storage.File = f.poolFile
	}
	if f.register < 0 {
		return fmt.Errorf("注册数量不能为负数: %d", f.register)
	}
	return nil
}

func runServe(cmd *cobra.Command, g *globalFlags, f *serveFlags) error {
	cfg, err := g.prepare()
	if err != nil {
		return err
	}
	if err := f.apply(cfg); err != nil {
		return err
	}

	if err := logger.Init(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}
	defer logger.Close()
	logger.Info("=== Claude 账号池 %s 启动中 ===", Version)
	logger.Info("上游: %s, 存储: %s, 系统时区: %s", cfg.Upstream.BaseURL, cfg.Storage.Type, time.Local.String())

	metrics.Register()

	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("打开存储失败: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := upstream.NewClient(&cfg.Upstream)
	p := pool.New(client, st, pool.OptionsFromConfig(cfg))
	logger.Info("[账号池] 已恢复 %d 个账号", p.Load(ctx))

	registrar := register.New(client, p, register.OptionsFromConfig(&cfg.Register))
	if f.register > 0 {
		results := registrar.RegisterBatch(ctx, f.register)
		ok, failed := register.Summary(results)
		logger.Info("[注册] 启动注册完成 - 成功: %d, 失败: %d", ok, failed)
	}

	if p.Len() > 0 {
		ok, total := p.LoginAll(ctx)
		logger.Info("[账号池] 登录完成: %d/%d", ok, total)
		p.Save(ctx)
	} else {
		logger.Warn("[账号池] 账号池为空，可通过 /api/pool/register 或 /api/pool/add 添加账号")
	}

	sweeper := pool.NewSweeper(p, cfg.Pool.HealthCheckInterval)
	sweeper.Start(ctx)

	server := api.NewServer(cfg, p, registrar, sweeper, Version)
	defer server.Close()

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 300 * time.Second, // 流式响应需要较长超时
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP 服务器监听中 - 地址: http://%s", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("HTTP 服务器启动失败: %v", err)
		return err
	case <-ctx.Done():
	}

	logger.Info("收到关闭信号，正在优雅关闭服务器...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务器强制关闭: %v", err)
	}
	if err := p.Save(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "保存账号池失败: %v\n", err)
	}

	logger.Info("=== Claude 账号池 %s 已停止 ===", Version)
	return nil
}
