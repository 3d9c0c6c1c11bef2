package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"claude-pool/internal/logger"
	"claude-pool/internal/models"
	"claude-pool/internal/pool"
	"claude-pool/internal/upstream"
)

func newChatCmd(g *globalFlags) *cobra.Command {
	var (
		email    string
		password string
		message  string
		model    string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "用指定账号直接对话",
		Long: `用一个账号登录后直接对话，不经过 HTTP 服务。

不带 -m 时进入交互模式，输入 exit 或 quit 退出，同一会话内保持上下文。`,
		Example: `  claude-pool chat -e user@example.org --password secret -m "你好"
  claude-pool chat -e user@example.org --password secret --model claude-opus-4-5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.prepare()
			if err != nil {
				return err
			}
			logger.InitConsole()

			ctx := cmd.Context()
			p := pool.New(upstream.NewClient(&cfg.Upstream), nil, pool.OptionsFromConfig(cfg))
			if _, err := p.AddAccount(email, password); err != nil {
				return err
			}
			if err := p.Login(ctx, email); err != nil {
				return fmt.Errorf("登录失败: %w", err)
			}

			out := cmd.OutOrStdout()
			s := &chatSession{pool: p, email: email, model: model, out: out}
			if message != "" {
				return s.send(ctx, message)
			}

			fmt.Fprintf(out, "已登录 %s，输入消息开始对话（exit 退出）\n", email)
			return s.interactive(ctx, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "账号邮箱")
	cmd.Flags().StringVar(&password, "password", "", "账号密码")
	cmd.Flags().StringVarP(&message, "message", "m", "", "要发送的消息，为空时进入交互模式")
	cmd.Flags().StringVar(&model, "model", "", "模型（默认取配置）")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	return cmd
}

// chatSession 命令行对话，保存会话 ID 以延续上下文
type chatSession struct {
	pool           *pool.Pool
	email          string
	model          string
	conversationID string
	out            io.Writer
}

func (s *chatSession) send(ctx context.Context, message string) error {
	req := &models.ChatRequest{
		Message:        message,
		Model:          s.model,
		ConversationID: s.conversationID,
		Account:        s.email,
	}
	inputTokens := 0
	for ev := range s.pool.ChatStream(ctx, req) {
		switch ev.Type {
		case models.EventTypeStart:
			inputTokens = ev.InputTokens
		case models.EventTypeText:
			fmt.Fprint(s.out, ev.Text)
		case models.EventTypeConversationID:
			s.conversationID = ev.ID
		case models.EventTypeDone:
			fmt.Fprintf(s.out, "\n[输入 %d / 输出 %d tokens]\n", inputTokens, ev.OutputTokens)
		case models.EventTypeError:
			return fmt.Errorf("对话失败: %s", ev.Message)
		}
	}
	return ctx.Err()
}

func (s *chatSession) interactive(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := s.send(ctx, line); err != nil {
			fmt.Fprintln(s.out, err)
		}
	}
}
