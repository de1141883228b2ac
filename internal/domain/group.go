package domain

import (
	"fmt"
	"time"
)

// GroupStatus 原子组状态机
type GroupStatus string

const (
	StatusPending          GroupStatus = "PENDING"
	StatusSubmitted        GroupStatus = "SUBMITTED"
	StatusFilled           GroupStatus = "FILLED"
	StatusPartiallyFilled  GroupStatus = "PARTIALLY_FILLED"
	StatusRollingBack      GroupStatus = "ROLLING_BACK"
	StatusRolledBack       GroupStatus = "ROLLED_BACK"
	StatusRejected         GroupStatus = "REJECTED"
	StatusTimedOutRejected GroupStatus = "TIMED_OUT_REJECTED"
	StatusRollbackFailed   GroupStatus = "ROLLBACK_FAILED"
)

// 合法迁移表。终态没有出边。
var transitions = map[GroupStatus][]GroupStatus{
	StatusPending:         {StatusSubmitted, StatusRejected},
	StatusSubmitted:       {StatusFilled, StatusPartiallyFilled, StatusTimedOutRejected},
	StatusPartiallyFilled: {StatusRollingBack},
	StatusRollingBack:     {StatusRolledBack, StatusRollbackFailed},
}

// IsTerminal 终态：FILLED / ROLLED_BACK / REJECTED / TIMED_OUT_REJECTED / ROLLBACK_FAILED
func (s GroupStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusRolledBack, StatusRejected, StatusTimedOutRejected, StatusRollbackFailed:
		return true
	}
	return false
}

func (s GroupStatus) Valid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// CanTransition 检查 from -> to 是否合法
func CanTransition(from, to GroupStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition 非法状态迁移
type ErrIllegalTransition struct {
	GroupID string
	From    GroupStatus
	To      GroupStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("group %s: illegal transition %s -> %s", e.GroupID, e.From, e.To)
}

// Group 原子执行单元：要么全部腿成交，要么回滚到执行前的头寸。
type Group struct {
	ID               string        `json:"id"`
	StrategyTag      string        `json:"strategy_tag"`
	Legs             []Leg         `json:"legs"`
	Status           GroupStatus   `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	SubmittedAt      *time.Time    `json:"submitted_at,omitempty"`
	Deadline         *time.Time    `json:"deadline,omitempty"`
	RollbackDeadline *time.Time    `json:"rollback_deadline,omitempty"`
	RollbackLegs     []RollbackLeg `json:"rollback_legs,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Version          int64         `json:"version"` // 每次持久化递增
}

// NewGroup 创建 PENDING 组
func NewGroup(id, strategyTag string, now time.Time) *Group {
	return &Group{
		ID:          id,
		StrategyTag: strategyTag,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone 深拷贝（执行器先在副本上推进状态，持久化成功后才替换内存对象）
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	c := *g
	c.Legs = append([]Leg(nil), g.Legs...)
	c.RollbackLegs = append([]RollbackLeg(nil), g.RollbackLegs...)
	c.SubmittedAt = cloneTime(g.SubmittedAt)
	c.Deadline = cloneTime(g.Deadline)
	c.RollbackDeadline = cloneTime(g.RollbackDeadline)
	for i := range c.Legs {
		c.Legs[i].FilledAt = cloneTime(g.Legs[i].FilledAt)
		if g.Legs[i].LimitPrice != nil {
			p := *g.Legs[i].LimitPrice
			c.Legs[i].LimitPrice = &p
		}
		if g.Legs[i].FillPrice != nil {
			p := *g.Legs[i].FillPrice
			c.Legs[i].FillPrice = &p
		}
	}
	for i := range c.RollbackLegs {
		if g.RollbackLegs[i].FillPrice != nil {
			p := *g.RollbackLegs[i].FillPrice
			c.RollbackLegs[i].FillPrice = &p
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AddLeg 仅 PENDING 状态允许添加腿
func (g *Group) AddLeg(leg Leg) error {
	if g.Status != StatusPending {
		return &ErrIllegalTransition{GroupID: g.ID, From: g.Status, To: g.Status}
	}
	if err := leg.Validate(); err != nil {
		return err
	}
	leg.FillState = FillUnsubmitted
	leg.OrderRef = ""
	leg.FillPrice = nil
	leg.FilledAt = nil
	leg.FilledQuantity = 0
	g.Legs = append(g.Legs, leg)
	return nil
}

// Transition 返回推进到 to 之后的副本，不修改 g 本身。
// 对终态重复应用同一终态是幂等的：返回 (副本, false, nil)。
func (g *Group) Transition(to GroupStatus, now time.Time) (*Group, bool, error) {
	if g.Status == to && to.IsTerminal() {
		return g.Clone(), false, nil
	}
	if !CanTransition(g.Status, to) {
		return nil, false, &ErrIllegalTransition{GroupID: g.ID, From: g.Status, To: to}
	}
	next := g.Clone()
	next.Status = to
	next.UpdatedAt = now
	return next, true, nil
}

// LegByRef 根据订单引用找到腿下标
func (g *Group) LegByRef(ref string) (int, bool) {
	if ref == "" {
		return -1, false
	}
	for i := range g.Legs {
		if g.Legs[i].OrderRef == ref {
			return i, true
		}
	}
	return -1, false
}

// AllFilled 所有腿均为 FILLED
func (g *Group) AllFilled() bool {
	if len(g.Legs) == 0 {
		return false
	}
	for _, l := range g.Legs {
		if l.FillState != FillFilled {
			return false
		}
	}
	return true
}

// ExposedLegs 返回产生了敞口的腿下标（需要回滚的集合）
func (g *Group) ExposedLegs() []int {
	var out []int
	for i, l := range g.Legs {
		if l.ExposedQuantity() > 0 {
			out = append(out, i)
		}
	}
	return out
}

// NetExposure 按合约汇总本组贡献的净带符号数量（正向成交 + 已成交的回滚单）
func (g *Group) NetExposure() map[string]int64 {
	out := make(map[string]int64)
	for _, l := range g.Legs {
		if q := l.SignedExposure(); q != 0 {
			out[l.Instrument] += q
		}
	}
	for _, r := range g.RollbackLegs {
		if q := r.SignedFilled(); q != 0 {
			out[r.Instrument] += q
		}
	}
	for k, v := range out {
		if v == 0 {
			delete(out, k)
		}
	}
	return out
}

// IsFlat 净敞口为零
func (g *Group) IsFlat() bool {
	return len(g.NetExposure()) == 0
}

// ForwardDeadlinePassed 正向窗口是否已过
func (g *Group) ForwardDeadlinePassed(now time.Time) bool {
	return g.Deadline != nil && !now.Before(*g.Deadline)
}
