// Package rest 通用 JSON/REST 券商适配器。
//
//	POST   /v1/orders                      下单，body=orderRequest，返回 {"order_ref": "..."}
//	DELETE /v1/orders/{ref}                撤单
//	GET    /v1/orders/{ref}                查询成交状态
//	GET    /v1/orders?client_order_id=...  按客户端订单号查单，404 表示不存在
//	GET    /v1/instruments/{instrument}    可交易性 {"tradable": bool}
package rest

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/ports"
	"github.com/betbot/atomicexec/pkg/ratelimit"
)

var log = logrus.WithField("component", "rest_gateway")

// Config REST 网关参数
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int               // 429/5xx 重试次数
	Limiter ratelimit.Limiter // nil 不限流
}

// Gateway 实现 BrokerGateway / OrderLookup / Tradability
type Gateway struct {
	c *client
}

func New(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("rest gateway: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errors.Wrap(err, "rest gateway: invalid base url")
	}
	return &Gateway{c: newClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout, cfg.Retries, cfg.Limiter)}, nil
}

type orderRequest struct {
	ClientOrderID string `json:"client_order_id,omitempty"`
	Instrument    string `json:"instrument"`
	Side          string `json:"side"`
	Quantity      int64  `json:"quantity"`
	Type          string `json:"type"`
	LimitPrice    string `json:"limit_price,omitempty"`
}

type orderResponse struct {
	OrderRef string `json:"order_ref"`
}

type statusResponse struct {
	OrderRef       string           `json:"order_ref"`
	State          string           `json:"state"`
	FilledQuantity int64            `json:"filled_quantity"`
	FillPrice      *decimal.Decimal `json:"fill_price,omitempty"`
	FilledAt       *time.Time       `json:"filled_at,omitempty"`
}

type tradableResponse struct {
	Tradable bool `json:"tradable"`
}

func (g *Gateway) PlaceOrder(ctx context.Context, leg domain.Leg) (string, error) {
	req := orderRequest{
		ClientOrderID: leg.ClientOrderID,
		Instrument:    leg.Instrument,
		Side:          string(leg.Side),
		Quantity:      leg.Quantity,
		Type:          string(leg.Style),
	}
	if leg.Style == domain.StyleLimit && leg.LimitPrice != nil {
		req.LimitPrice = leg.LimitPrice.String()
	}
	return g.submit(ctx, req)
}

func (g *Gateway) PlaceMarketOrder(ctx context.Context, clientOrderID, instrument string, side domain.Side, quantity int64) (string, error) {
	return g.submit(ctx, orderRequest{
		ClientOrderID: clientOrderID,
		Instrument:    instrument,
		Side:          string(side),
		Quantity:      quantity,
		Type:          string(domain.StyleMarket),
	})
}

func (g *Gateway) submit(ctx context.Context, req orderRequest) (string, error) {
	var out orderResponse
	if err := g.c.do(ctx, http.MethodPost, "/v1/orders", nil, req, &out); err != nil {
		return "", errors.Wrapf(err, "place order %s", req.ClientOrderID)
	}
	if out.OrderRef == "" {
		return "", errors.Errorf("place order %s: empty order_ref in response", req.ClientOrderID)
	}
	log.Debugf("order placed: clientOrderID=%s ref=%s instrument=%s side=%s qty=%d",
		req.ClientOrderID, out.OrderRef, req.Instrument, req.Side, req.Quantity)
	return out.OrderRef, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, orderRef string) error {
	if err := g.c.do(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(orderRef), nil, nil, nil); err != nil {
		return errors.Wrapf(err, "cancel order %s", orderRef)
	}
	return nil
}

func (g *Gateway) GetFillStatus(ctx context.Context, orderRef string) (ports.FillStatus, error) {
	var out statusResponse
	if err := g.c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderRef), nil, nil, &out); err != nil {
		return ports.FillStatus{}, errors.Wrapf(err, "get order %s", orderRef)
	}
	return out.toFillStatus()
}

func (r statusResponse) toFillStatus() (ports.FillStatus, error) {
	state, err := ParseState(r.State)
	if err != nil {
		return ports.FillStatus{}, err
	}
	return ports.FillStatus{
		State:          state,
		FillPrice:      r.FillPrice,
		FilledQuantity: r.FilledQuantity,
		FilledAt:       r.FilledAt,
	}, nil
}

// ParseState 把券商状态字符串映射到 FillState
func ParseState(s string) (domain.FillState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW", "OPEN", "WORKING", "PENDING", "PARTIALLY_FILLED", "LIVE":
		return domain.FillWorking, nil
	case "FILLED", "MATCHED":
		return domain.FillFilled, nil
	case "CANCELED", "CANCELLED", "EXPIRED":
		return domain.FillCanceled, nil
	case "REJECTED":
		return domain.FillRejected, nil
	}
	return "", errors.Errorf("unknown order state %q", s)
}

// LookupOrder 按客户端订单号查单
func (g *Gateway) LookupOrder(ctx context.Context, clientOrderID string) (string, bool, error) {
	var out orderResponse
	q := url.Values{"client_order_id": []string{clientOrderID}}
	if err := g.c.do(ctx, http.MethodGet, "/v1/orders", q, nil, &out); err != nil {
		if IsNotFound(err) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "lookup order %s", clientOrderID)
	}
	return out.OrderRef, out.OrderRef != "", nil
}

func (g *Gateway) IsTradable(ctx context.Context, instrument string) (bool, error) {
	var out tradableResponse
	if err := g.c.do(ctx, http.MethodGet, "/v1/instruments/"+url.PathEscape(instrument), nil, nil, &out); err != nil {
		return false, errors.Wrapf(err, "instrument %s", instrument)
	}
	return out.Tradable, nil
}

var (
	_ ports.BrokerGateway = (*Gateway)(nil)
	_ ports.OrderLookup   = (*Gateway)(nil)
	_ ports.Tradability   = (*Gateway)(nil)
)
