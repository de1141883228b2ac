package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/ports"
)

var log = logrus.WithField("component", "risk")

// AllowAll 不做任何检查（仅用于纸交易/测试）
type AllowAll struct{}

func (AllowAll) CheckConstraints(context.Context, *domain.Group) (ports.RiskDecision, error) {
	return ports.RiskDecision{Allowed: true}, nil
}

// Chain 依次调用多个风控门，第一个拒绝即返回。
type Chain []ports.RiskGate

func (c Chain) CheckConstraints(ctx context.Context, g *domain.Group) (ports.RiskDecision, error) {
	for _, gate := range c {
		if gate == nil {
			continue
		}
		d, err := gate.CheckConstraints(ctx, g)
		if err != nil {
			return ports.RiskDecision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}
	return ports.RiskDecision{Allowed: true}, nil
}

// Limits 本地静态限制：腿数、单腿数量、禁止交易的合约。
// 约定：<= 0 表示关闭对应限制。
type Limits struct {
	MaxLegs            int
	MaxLegQuantity     int64
	BlockedInstruments []string
}

func (l Limits) CheckConstraints(_ context.Context, g *domain.Group) (ports.RiskDecision, error) {
	if l.MaxLegs > 0 && len(g.Legs) > l.MaxLegs {
		return deny("group has %d legs, limit %d", len(g.Legs), l.MaxLegs), nil
	}
	blocked := make(map[string]struct{}, len(l.BlockedInstruments))
	for _, inst := range l.BlockedInstruments {
		blocked[strings.TrimSpace(inst)] = struct{}{}
	}
	for i, leg := range g.Legs {
		if l.MaxLegQuantity > 0 && leg.Quantity > l.MaxLegQuantity {
			return deny("leg %d quantity %d exceeds limit %d", i, leg.Quantity, l.MaxLegQuantity), nil
		}
		if _, ok := blocked[leg.Instrument]; ok {
			return deny("instrument %s is blocked", leg.Instrument), nil
		}
	}
	return ports.RiskDecision{Allowed: true}, nil
}

func deny(format string, args ...any) ports.RiskDecision {
	return ports.RiskDecision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}
