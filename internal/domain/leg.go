package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回反向（回滚用）
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign 买入为 +1，卖出为 -1（净头寸计算）
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStyle 下单方式
type OrderStyle string

const (
	StyleMarket OrderStyle = "MARKET"
	StyleLimit  OrderStyle = "LIMIT"
)

func (s OrderStyle) Valid() bool {
	return s == StyleMarket || s == StyleLimit
}

// FillState 单腿成交状态
type FillState string

const (
	FillUnsubmitted FillState = "UNSUBMITTED" // 尚未提交
	FillWorking     FillState = "WORKING"     // 已挂单
	FillFilled      FillState = "FILLED"      // 全部成交
	FillCanceled    FillState = "CANCELED"    // 已撤单
	FillRejected    FillState = "REJECTED"    // 被拒绝
)

// IsTerminal 最终状态不会再变化（filled/canceled/rejected）
func (f FillState) IsTerminal() bool {
	return f == FillFilled || f == FillCanceled || f == FillRejected
}

func (f FillState) Valid() bool {
	switch f {
	case FillUnsubmitted, FillWorking, FillFilled, FillCanceled, FillRejected:
		return true
	}
	return false
}

// Leg 组合中的一条腿（单一合约的一笔订单）
type Leg struct {
	Instrument     string           `json:"instrument"`
	Side           Side             `json:"side"`
	Quantity       int64            `json:"quantity"`
	Style          OrderStyle       `json:"style"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	ClientOrderID  string           `json:"client_order_id,omitempty"` // 提交前由执行器分配：<groupID>-L<i>
	OrderRef       string           `json:"order_ref,omitempty"`       // 券商返回的订单引用，提交前为空
	FillState      FillState        `json:"fill_state"`
	FillPrice      *decimal.Decimal `json:"fill_price,omitempty"`
	FilledQuantity int64            `json:"filled_quantity,omitempty"` // 撤单前的部分成交量
	FilledAt       *time.Time       `json:"filled_at,omitempty"`
}

// NewMarketLeg 构造市价腿
func NewMarketLeg(instrument string, side Side, quantity int64) Leg {
	return Leg{Instrument: instrument, Side: side, Quantity: quantity, Style: StyleMarket, FillState: FillUnsubmitted}
}

// NewLimitLeg 构造限价腿
func NewLimitLeg(instrument string, side Side, quantity int64, price decimal.Decimal) Leg {
	p := price
	return Leg{Instrument: instrument, Side: side, Quantity: quantity, Style: StyleLimit, LimitPrice: &p, FillState: FillUnsubmitted}
}

// Validate 校验腿的固定形状（合约、方向、数量、下单方式）
func (l Leg) Validate() error {
	if strings.TrimSpace(l.Instrument) == "" {
		return fmt.Errorf("instrument is empty")
	}
	if !l.Side.Valid() {
		return fmt.Errorf("invalid side %q", l.Side)
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", l.Quantity)
	}
	switch l.Style {
	case StyleMarket:
		if l.LimitPrice != nil {
			return fmt.Errorf("market leg must not carry a limit price")
		}
	case StyleLimit:
		if l.LimitPrice != nil && !l.LimitPrice.IsPositive() {
			return fmt.Errorf("limit price must be positive, got %s", l.LimitPrice.String())
		}
	default:
		return fmt.Errorf("invalid order style %q", l.Style)
	}
	return nil
}

// ExposedQuantity 已形成敞口的数量：FILLED 为全部数量，否则为部分成交量。
func (l Leg) ExposedQuantity() int64 {
	if l.FillState == FillFilled {
		return l.Quantity
	}
	if l.FilledQuantity > 0 {
		return l.FilledQuantity
	}
	return 0
}

// SignedExposure 带方向的敞口
func (l Leg) SignedExposure() int64 {
	return l.Side.Sign() * l.ExposedQuantity()
}

// RollbackLeg 回滚时发出的反向市价单及其结果
type RollbackLeg struct {
	SourceLeg     int              `json:"source_leg"` // 对应 Group.Legs 的下标
	Instrument    string           `json:"instrument"`
	Side          Side             `json:"side"`
	Quantity      int64            `json:"quantity"`
	ClientOrderID string           `json:"client_order_id"`
	OrderRef      string           `json:"order_ref,omitempty"`
	FillState     FillState        `json:"fill_state"`
	FillPrice     *decimal.Decimal `json:"fill_price,omitempty"`
	Error         string           `json:"error,omitempty"`
}

func (r RollbackLeg) SignedFilled() int64 {
	if r.FillState != FillFilled {
		return 0
	}
	return r.Side.Sign() * r.Quantity
}
