package alert

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookSink 把告警 POST 到外部 webhook（值班系统 / IM 机器人）。
// 发送失败只记日志，不影响执行路径。
type WebhookSink struct {
	client *resty.Client
	url    string
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	return &WebhookSink{client: c, url: strings.TrimSpace(url)}
}

func (w *WebhookSink) Emit(ctx context.Context, a Alert) {
	if w == nil || w.url == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(a).
		Post(w.url)
	if err != nil {
		log.Warnf("告警 webhook 发送失败: kind=%s group=%s err=%v", a.Kind, a.GroupID, err)
		return
	}
	if resp.IsError() {
		log.Warnf("告警 webhook 返回错误: kind=%s group=%s status=%d", a.Kind, a.GroupID, resp.StatusCode())
	}
}
