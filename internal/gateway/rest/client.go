package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/atomicexec/pkg/ratelimit"
)

// HTTPError 非 2xx 响应
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return "http " + strconv.Itoa(e.Status) + ": " + e.Body
}

// IsNotFound 404
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusNotFound
}

type client struct {
	http    *resty.Client
	limiter ratelimit.Limiter
	apiKey  string
}

func newClient(host, apiKey string, timeout time.Duration, retries int, limiter ratelimit.Limiter) *client {
	host = strings.TrimSuffix(host, "/")
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := resty.New().
		SetBaseURL(host).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil || resp == nil {
				return false
			}
			// 只对限流和 5xx 重试；下单带客户端订单号，券商侧去重
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 时使用 Retry-After 头
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil {
						return time.Duration(secs) * time.Second, nil
					}
				}
			}
			return 0, nil
		})
	return &client{http: c, limiter: limiter, apiKey: apiKey}
}

func (c *client) newRequest(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx)
	r.SetHeader("Accept", "application/json")
	if c.apiKey != "" {
		r.SetHeader("X-API-Key", c.apiKey)
	}
	return r
}

// do 发起请求：先取令牌，再把非 2xx 转成 *HTTPError
func (c *client) do(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limit wait")
		}
	}
	r := c.newRequest(ctx)
	if len(query) > 0 {
		r.SetQueryParamsFromValues(query)
	}
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := r.Execute(method, endpoint)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, endpoint)
	}
	if resp.IsError() {
		return &HTTPError{Status: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return errors.Wrapf(err, "decode %s %s", method, endpoint)
		}
	}
	return nil
}
