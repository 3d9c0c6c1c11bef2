package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"claude-pool/internal/logger"
	"claude-pool/internal/models"
	"claude-pool/internal/pool"
	"claude-pool/internal/store"
)

func newStatsCmd(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "显示已保存的账号池统计",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.prepare()
			if err != nil {
				return err
			}
			logger.InitConsole()

			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("打开存储失败: %w", err)
			}
			defer st.Close()

			p := pool.New(nil, st, pool.OptionsFromConfig(cfg))
			p.Load(cmd.Context())
			stats := p.Stats()

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			fmt.Fprintf(out, "账号总数: %d, 可用: %d\n", stats.Total, stats.Eligible)
			fmt.Fprintf(out, "总请求数: %d, 总错误数: %d\n", stats.TotalRequests, stats.TotalErrors)
			for _, status := range models.AllStatuses {
				fmt.Fprintf(out, "  %-12s %d\n", status, stats.ByStatus[status])
			}
			fmt.Fprintln(out)
			for _, acc := range p.Accounts() {
				fmt.Fprintf(out, "  %-40s %-12s 请求 %-6d 错误 %-4d 最近使用 %s\n",
					acc.Email, acc.Status, acc.RequestCount, acc.ErrorCount, acc.LastUsedAt)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出")
	return cmd
}
