package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"lingzhi-trainer/log"
)

// WaitReady 等待后端健康检查通过
// 参数:
//   - ctx: 控制等待的上下文
//   - attempts: 最多尝试次数
//   - interval: 每次尝试的间隔
//
// 返回:
//   - error: 超过尝试次数仍未就绪时返回错误
func (c *Client) WaitReady(ctx context.Context, attempts int, interval time.Duration) error {
	log.Infof("等待后端就绪，地址: %s...", c.baseURL)
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathHealth, nil)
		if err != nil {
			return fmt.Errorf("创建健康检查请求失败: %w", err)
		}
		if resp, err := c.http.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				log.Infof("后端已就绪")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("后端不可用，地址: %s", c.baseURL)
}
