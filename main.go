package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"claude-pool/internal/config"
	"claude-pool/internal/logger"

	_ "time/tzdata" // 嵌入时区数据库，解决 Windows 下时区加载失败问题
)

// Version 版本号，通过 ldflags 注入
var Version = "dev"

// globalFlags 所有子命令共用的参数
type globalFlags struct {
	configPath string
	dataDir    string
	debug      bool
}

func main() {
	// 设置时区为北京时间（UTC+8）
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		log.Printf("警告: 加载时区失败，使用 UTC+8: %v", err)
		loc = time.FixedZone("CST", 8*3600)
	}
	time.Local = loc

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	serve := &serveFlags{}

	cmd := &cobra.Command{
		Use:          "claude-pool",
		Short:        "openclaude.me 账号池调度服务",
		Version:      Version,
		SilenceUsage: true,
		// 不带子命令时直接启动服务
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, g, serve)
		},
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "配置文件路径（默认查找 config.yaml / config.yml / config.json）")
	cmd.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "数据目录，启动前切换到该目录")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "开启调试日志")
	bindServeFlags(cmd, serve)

	cmd.AddCommand(
		newServeCmd(g),
		newRegisterCmd(g),
		newChatCmd(g),
		newStatsCmd(g),
	)
	return cmd
}

// prepare 切换数据目录并加载配置，命令行参数最后覆盖
func (g *globalFlags) prepare() (*config.Config, error) {
	if g.dataDir != "" {
		if err := os.MkdirAll(g.dataDir, 0755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
		if err := os.Chdir(g.dataDir); err != nil {
			return nil, fmt.Errorf("切换到数据目录失败: %w", err)
		}
	}

	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.debug {
		cfg.Debug = true
	}
	logger.SetDebugEnabled(cfg.Debug)
	return cfg, nil
}
