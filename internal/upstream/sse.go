package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"claude-pool/internal/logger"
	"claude-pool/internal/models"
)

const maxSSELine = 1024 * 1024

// StreamEvents 逐行解析 SSE 响应体，`data: {json}` 转成事件，`[DONE]` 和无法解析的行被忽略
// 事件通道关闭后，错误通道里最多有一个读取错误
func StreamEvents(ctx context.Context, body io.ReadCloser) (<-chan models.ChatEvent, <-chan error) {
	eventChan := make(chan models.ChatEvent, 50)
	errChan := make(chan error, 1)

	go func() {
		defer close(errChan)
		defer close(eventChan)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		count := 0

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}

			var ev models.ChatEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				logger.Debug("[上游] 跳过无法解析的 SSE 行: %s", data)
				continue
			}
			count++

			select {
			case eventChan <- ev:
			case <-ctx.Done():
				logger.Debug("[上游] 事件流被取消 - 已处理 %d 个事件", count)
				errChan <- ctx.Err()
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			logger.Warn("[上游] 读取事件流失败 - 已处理 %d 个事件: %v", count, err)
			errChan <- err
			return
		}
		logger.Debug("[上游] 事件流结束 - 共 %d 个事件", count)
	}()

	return eventChan, errChan
}
