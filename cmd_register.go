package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"claude-pool/internal/logger"
	"claude-pool/internal/pool"
	"claude-pool/internal/register"
	"claude-pool/internal/store"
	"claude-pool/internal/upstream"
)

func newRegisterCmd(g *globalFlags) *cobra.Command {
	var (
		count      int
		domain     string
		concurrent int
		delay      time.Duration
		output     string
		toPool     bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "批量注册账号",
		Long: `批量注册 openclaude.me 账号，结果写入 JSON 文件。

加上 --pool 时成功的账号同时加入账号池快照，下次启动服务时自动登录。`,
		Example: `  claude-pool register -n 10 --domain example.org --concurrent 3
  claude-pool register -n 5 --pool`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("注册数量必须大于 0")
			}
			cfg, err := g.prepare()
			if err != nil {
				return err
			}
			logger.InitConsole()

			opts := register.OptionsFromConfig(&cfg.Register)
			if domain != "" {
				opts.Domain = domain
			}
			if concurrent > 0 {
				opts.Concurrency = concurrent
			}
			if cmd.Flags().Changed("delay") {
				opts.Delay = delay
			}

			client := upstream.NewClient(&cfg.Upstream)
			var p *pool.Pool
			if toPool {
				st, err := store.Open(cfg)
				if err != nil {
					return fmt.Errorf("打开存储失败: %w", err)
				}
				defer st.Close()
				p = pool.New(client, st, pool.OptionsFromConfig(cfg))
				p.Load(cmd.Context())
			}

			results := register.New(client, p, opts).RegisterBatch(cmd.Context(), count)
			ok, failed := register.Summary(results)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n注册完成: 成功 %d, 失败 %d\n", ok, failed)
			for _, r := range results {
				mark := "✗"
				if r.Success {
					mark = "✓"
				}
				fmt.Fprintf(out, "  %s %s  %s\n", mark, r.Email, r.Message)
			}

			if output != "" {
				if err := register.SaveResults(output, results); err != nil {
					return err
				}
				fmt.Fprintf(out, "结果已保存到 %s\n", output)
			}
			if p != nil {
				fmt.Fprintf(out, "账号池现有 %d 个账号\n", p.Len())
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 5, "注册数量")
	cmd.Flags().StringVar(&domain, "domain", "", "邮箱域名（默认取配置）")
	cmd.Flags().IntVar(&concurrent, "concurrent", 0, "并发数（默认取配置）")
	cmd.Flags().DurationVar(&delay, "delay", 0, "每个注册任务之间的间隔，如 500ms")
	cmd.Flags().StringVarP(&output, "output", "o", "registered_accounts.json", "结果文件，为空时不保存")
	cmd.Flags().BoolVar(&toPool, "pool", false, "把成功的账号加入账号池快照")
	return cmd
}
