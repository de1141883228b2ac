package ports

import (
	"context"

	"github.com/betbot/atomicexec/internal/domain"
)

// RiskDecision is the pre-trade verdict for one fully specified group.
type RiskDecision struct {
	Allowed bool
	Reason  string
}

// RiskGate is consulted once, synchronously, before any order is placed.
type RiskGate interface {
	CheckConstraints(ctx context.Context, group *domain.Group) (RiskDecision, error)
}

// RiskGateFunc adapts a plain function to RiskGate.
type RiskGateFunc func(ctx context.Context, group *domain.Group) (RiskDecision, error)

func (f RiskGateFunc) CheckConstraints(ctx context.Context, group *domain.Group) (RiskDecision, error) {
	return f(ctx, group)
}
