package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/metrics"
	"github.com/betbot/atomicexec/internal/ports"
	"github.com/betbot/atomicexec/pkg/syncgroup"
)

// ErrReversalImpossible 无法为某条腿构造反向单：回滚直接升级为失败，不下任何单。
var ErrReversalImpossible = fmt.Errorf("reversal impossible")

// RollbackCoordinator 为已成交的腿构造反向市价单并监控到完成或截止。
type RollbackCoordinator struct {
	gw       ports.BrokerGateway
	monitor  *FillMonitor
	callTime time.Duration // 截止后最终对账的单次调用超时
}

func NewRollbackCoordinator(gw ports.BrokerGateway, monitor *FillMonitor, callTimeout time.Duration) *RollbackCoordinator {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &RollbackCoordinator{gw: gw, monitor: monitor, callTime: callTimeout}
}

// RollbackClientOrderID 回滚单的客户端订单号，恢复时用它查找已提交的回滚单。
func RollbackClientOrderID(groupID string, sourceLeg int) string {
	return fmt.Sprintf("%s-R%d", groupID, sourceLeg)
}

// Plan 为组内每条有敞口的腿生成反向单（同合约、反方向、等量、市价）。
// 任意一条腿无法反向时返回 ErrReversalImpossible，调用方不得下任何回滚单。
func (c *RollbackCoordinator) Plan(ctx context.Context, g *domain.Group) ([]domain.RollbackLeg, error) {
	idxs := g.ExposedLegs()
	plan := make([]domain.RollbackLeg, 0, len(idxs))
	tr, _ := c.gw.(ports.Tradability)
	checked := make(map[string]bool)

	for _, i := range idxs {
		l := g.Legs[i]
		qty := l.ExposedQuantity()
		if l.Instrument == "" || !l.Side.Valid() || qty <= 0 {
			return nil, fmt.Errorf("%w: leg %d has no reversible shape", ErrReversalImpossible, i)
		}
		if tr != nil && !checked[l.Instrument] {
			ok, err := tr.IsTradable(ctx, l.Instrument)
			if err != nil {
				return nil, fmt.Errorf("%w: tradability check for %s: %v", ErrReversalImpossible, l.Instrument, err)
			}
			if !ok {
				return nil, fmt.Errorf("%w: instrument %s is not tradable", ErrReversalImpossible, l.Instrument)
			}
			checked[l.Instrument] = true
		}
		plan = append(plan, domain.RollbackLeg{
			SourceLeg:     i,
			Instrument:    l.Instrument,
			Side:          l.Side.Opposite(),
			Quantity:      qty,
			ClientOrderID: RollbackClientOrderID(g.ID, i),
			FillState:     domain.FillUnsubmitted,
		})
	}
	return plan, nil
}

// Unwind 执行计划直到全部成交或 deadline：
// - UNSUBMITTED 且无引用的腿并发下市价单
// - 已有引用且未终结的腿继续监控
// - 下单报错时按客户端订单号确认是否其实已被接受
// - 截止后对仍在途的单做一次最终查询，FILLED 照常接受并记录为迟到成交
//
// report 在每条回滚腿变化时被串行调用，用于持久化。
func (c *RollbackCoordinator) Unwind(ctx context.Context, groupID string, legs []domain.RollbackLeg, deadline time.Time, report func(i int, rl domain.RollbackLeg)) []domain.RollbackLeg {
	out := append([]domain.RollbackLeg(nil), legs...)
	if report == nil {
		report = func(int, domain.RollbackLeg) {}
	}
	rbCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type placed struct {
		i   int
		ref string
		err error
	}
	ch := make(chan placed, len(out))
	n := 0
	for i := range out {
		rl := out[i]
		if rl.FillState != domain.FillUnsubmitted || rl.OrderRef != "" {
			continue
		}
		n++
		go func(i int, rl domain.RollbackLeg) {
			ref, err := c.gw.PlaceMarketOrder(rbCtx, rl.ClientOrderID, rl.Instrument, rl.Side, rl.Quantity)
			if err != nil || ref == "" {
				// 报错不代表券商没收到：按客户端订单号确认一次（只查不下）
				if found, ok := lookupByClientID(ctx, c.gw, c.callTime, rl.ClientOrderID); ok {
					log.Warnf("⚠️ rollback order accepted despite error: group=%s client_id=%s ref=%s err=%v", groupID, rl.ClientOrderID, found, err)
					ref, err = found, nil
				}
			}
			ch <- placed{i: i, ref: ref, err: err}
		}(i, rl)
	}
	for ; n > 0; n-- {
		p := <-ch
		if p.err != nil || p.ref == "" {
			if p.err == nil {
				p.err = fmt.Errorf("empty order reference")
			}
			out[p.i].FillState = domain.FillRejected
			out[p.i].Error = p.err.Error()
			metrics.OrdersPlaced.WithLabelValues("rollback", "rejected").Inc()
			log.Errorf("🚨 rollback order rejected: group=%s %s %s %d err=%v", groupID, out[p.i].Side, out[p.i].Instrument, out[p.i].Quantity, p.err)
		} else {
			out[p.i].OrderRef = p.ref
			out[p.i].FillState = domain.FillWorking
			metrics.OrdersPlaced.WithLabelValues("rollback", "accepted").Inc()
			log.Infof("↩️ rollback order placed: group=%s ref=%s %s %s %d", groupID, p.ref, out[p.i].Side, out[p.i].Instrument, out[p.i].Quantity)
		}
		report(p.i, out[p.i])
	}

	targets := make([]WatchTarget, 0, len(out))
	for i, rl := range out {
		if rl.OrderRef != "" && !rl.FillState.IsTerminal() {
			targets = append(targets, WatchTarget{Index: i, OrderRef: rl.OrderRef})
		}
	}
	for obs := range c.monitor.Watch(rbCtx, targets) {
		applyRollbackStatus(&out[obs.Index], obs.Status)
		report(obs.Index, out[obs.Index])
	}

	// 截止后的最终对账：只读，不撤单不重下
	for i := range out {
		rl := out[i]
		if rl.OrderRef == "" || rl.FillState.IsTerminal() {
			continue
		}
		st, err := c.finalStatus(ctx, rl.OrderRef)
		if err != nil {
			log.Warnf("⚠️ rollback final status query failed: group=%s ref=%s err=%v", groupID, rl.OrderRef, err)
			continue
		}
		if st.State == domain.FillFilled || st.State == domain.FillCanceled || st.State == domain.FillRejected {
			if st.State == domain.FillFilled {
				log.Warnf("⚠️ rollback fill confirmed after deadline: group=%s ref=%s %s %s %d deadline=%s",
					groupID, rl.OrderRef, rl.Side, rl.Instrument, rl.Quantity, deadline.Format(time.RFC3339Nano))
			}
			applyRollbackStatus(&out[i], st)
			report(i, out[i])
		}
	}
	return out
}

func (c *RollbackCoordinator) finalStatus(ctx context.Context, ref string) (ports.FillStatus, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTime)
	defer cancel()
	return c.gw.GetFillStatus(callCtx, ref)
}

// Refresh 恢复时按引用重新查询回滚腿状态（不信任缓存）
func (c *RollbackCoordinator) Refresh(ctx context.Context, legs []domain.RollbackLeg) []domain.RollbackLeg {
	out := append([]domain.RollbackLeg(nil), legs...)
	syncgroup.Each(len(out), func(i int) bool { return out[i].OrderRef == "" }, func(i int) {
		st, err := c.finalStatus(ctx, out[i].OrderRef)
		if err != nil {
			log.Warnf("⚠️ rollback status refresh failed: ref=%s err=%v", out[i].OrderRef, err)
			return
		}
		applyRollbackStatus(&out[i], st)
	})
	return out
}

func applyRollbackStatus(rl *domain.RollbackLeg, st ports.FillStatus) {
	if !st.State.Valid() || st.State == domain.FillUnsubmitted {
		return
	}
	rl.FillState = st.State
	if st.FillPrice != nil {
		p := *st.FillPrice
		rl.FillPrice = &p
	}
	if st.State == domain.FillCanceled || st.State == domain.FillRejected {
		if rl.Error == "" {
			rl.Error = fmt.Sprintf("rollback order %s", st.State)
		}
	}
}
