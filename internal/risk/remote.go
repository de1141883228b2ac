package risk

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/ports"
)

// RemoteGate 把风控检查委托给外部风控服务（VIX 档位、相关性分组、阶段仓位上限都在那边）。
//
// 请求：POST {base}/v1/check  body=组快照
// 响应：{"allowed": bool, "reason": "..."}
type RemoteGate struct {
	client *resty.Client
}

type remoteLeg struct {
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Quantity   int64  `json:"quantity"`
	Style      string `json:"style"`
	LimitPrice string `json:"limit_price,omitempty"`
}

type remoteCheckRequest struct {
	GroupID     string      `json:"group_id"`
	StrategyTag string      `json:"strategy_tag"`
	Legs        []remoteLeg `json:"legs"`
}

type remoteCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func NewRemoteGate(baseURL string, timeout time.Duration) *RemoteGate {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(100 * time.Millisecond)
	return &RemoteGate{client: c}
}

func (r *RemoteGate) CheckConstraints(ctx context.Context, g *domain.Group) (ports.RiskDecision, error) {
	req := remoteCheckRequest{GroupID: g.ID, StrategyTag: g.StrategyTag}
	for _, l := range g.Legs {
		rl := remoteLeg{Instrument: l.Instrument, Side: string(l.Side), Quantity: l.Quantity, Style: string(l.Style)}
		if l.LimitPrice != nil {
			rl.LimitPrice = l.LimitPrice.String()
		}
		req.Legs = append(req.Legs, rl)
	}

	var out remoteCheckResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		Post("/v1/check")
	if err != nil {
		return ports.RiskDecision{}, errors.Wrap(err, "remote risk check")
	}
	if resp.IsError() {
		return ports.RiskDecision{}, errors.Errorf("remote risk check: http %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	log.WithField("group_id", g.ID).Debugf("remote risk verdict allowed=%v reason=%s", out.Allowed, out.Reason)
	return ports.RiskDecision{Allowed: out.Allowed, Reason: out.Reason}, nil
}
