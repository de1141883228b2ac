package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betbot/atomicexec/internal/domain"
)

// 调用错误（Execute 的 error 返回值）
var (
	ErrUnknownGroup      = fmt.Errorf("unknown group")
	ErrInvalidGroupState = fmt.Errorf("invalid group state")
	ErrInvalidLeg        = fmt.Errorf("invalid leg")
	ErrCreationHalted    = fmt.Errorf("group creation halted")
	ErrNotRecovered      = fmt.Errorf("recovery has not run")
	ErrPersistence       = fmt.Errorf("persistence failure")
)

// 执行结果（Outcome.Err()，作为类型化结果返回而不是异常）
var (
	ErrEmptyGroup         = fmt.Errorf("group has no legs")
	ErrRiskDenied         = fmt.Errorf("risk denied")
	ErrSubmissionRejected = fmt.Errorf("submission rejected")
	ErrExecutionTimeout   = fmt.Errorf("execution timeout")
	ErrPartialFillTimeout = fmt.Errorf("partial fill timeout")
	ErrRollbackFailed     = fmt.Errorf("rollback failed")
	ErrAbandoned          = fmt.Errorf("abandoned before submission")
)

// PersistenceError 持久化失败：该组的内存状态停留在失败写之前。
type PersistenceError struct {
	GroupID string
	Status  domain.GroupStatus // 尝试写入的状态
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure: group=%s status=%s: %v", e.GroupID, e.Status, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }

// LegFill 成交明细
type LegFill struct {
	Instrument string           `json:"instrument"`
	Side       domain.Side      `json:"side"`
	Quantity   int64            `json:"quantity"`
	OrderRef   string           `json:"order_ref"`
	FillPrice  *decimal.Decimal `json:"fill_price,omitempty"`
}

// Outcome 一次 Execute（或一次恢复）的最终结果
type Outcome struct {
	GroupID      string               `json:"group_id"`
	StrategyTag  string               `json:"strategy_tag"`
	Status       domain.GroupStatus   `json:"status"`
	Reason       string               `json:"reason,omitempty"`
	Fills        []LegFill            `json:"fills,omitempty"`
	RollbackLegs []domain.RollbackLeg `json:"rollback_legs,omitempty"`
	err          error
}

// Err 返回结果对应的哨兵错误；FILLED 时为 nil。
func (o *Outcome) Err() error {
	if o == nil {
		return nil
	}
	return o.err
}

// Succeeded 全部腿在窗口内成交
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Status == domain.StatusFilled
}

func newOutcome(g *domain.Group, err error) *Outcome {
	o := &Outcome{
		GroupID:      g.ID,
		StrategyTag:  g.StrategyTag,
		Status:       g.Status,
		Reason:       g.Reason,
		RollbackLegs: append([]domain.RollbackLeg(nil), g.RollbackLegs...),
		err:          err,
	}
	for _, l := range g.Legs {
		if l.FillState != domain.FillFilled {
			continue
		}
		o.Fills = append(o.Fills, LegFill{
			Instrument: l.Instrument,
			Side:       l.Side,
			Quantity:   l.Quantity,
			OrderRef:   l.OrderRef,
			FillPrice:  l.FillPrice,
		})
	}
	return o
}
