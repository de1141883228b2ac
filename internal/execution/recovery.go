package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/betbot/atomicexec/internal/alert"
	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/metrics"
	"github.com/betbot/atomicexec/internal/ports"
	"github.com/betbot/atomicexec/pkg/persistence"
	"github.com/betbot/atomicexec/pkg/syncgroup"
)

// RecoveryReport 启动恢复结果
type RecoveryReport struct {
	Outcomes []*Outcome
	Failed   map[string]error
}

// Recover 加载所有非终态组并逐个推进到终态。必须在创建任何新组之前调用。
//
// 每个组都以券商的最新状态为准，不信任存储中的缓存：
//   - PENDING：从未提交，标记为 REJECTED（abandoned）
//   - SUBMITTED：刷新腿状态；窗口未过则继续监控，否则撤单对账后判定
//   - PARTIALLY_FILLED：直接进入回滚
//   - ROLLING_BACK：查询已下的回滚单，只补下确认未下过的单，从不重复下单
//
// 重复调用是幂等的。
func (e *Executor) Recover(ctx context.Context) (*RecoveryReport, error) {
	sctx, cancel := e.storeCtx(ctx)
	groups, err := e.store.LoadIncomplete(sctx)
	cancel()
	if err != nil {
		return nil, errors.Wrap(err, "load incomplete groups")
	}

	e.mu.Lock()
	for i, g := range groups {
		if mem, ok := e.groups[g.ID]; ok && mem.Version >= g.Version {
			groups[i] = mem
			continue
		}
		e.groups[g.ID] = g
	}
	e.mu.Unlock()

	report := &RecoveryReport{Failed: make(map[string]error)}
	var (
		mu sync.Mutex
		sg = syncgroup.NewSyncGroup()
	)
	for _, g := range groups {
		if g.Status.IsTerminal() {
			continue
		}
		if err := e.inFlight.TryAcquire(g.ID); err != nil {
			// 正在被 Execute 推进
			continue
		}
		sg.Go(func() {
			defer e.inFlight.Release(g.ID)
			out, err := e.resolve(ctx, g)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[g.ID] = err
				log.Errorf("🚨 recovery failed: group=%s status=%s err=%v", g.ID, g.Status, err)
				return
			}
			if out != nil {
				report.Outcomes = append(report.Outcomes, out)
			}
		})
	}
	sg.Wait()

	e.recovered.Store(true)
	log.Infof("🔁 recovery finished: loaded=%d resolved=%d failed=%d", len(groups), len(report.Outcomes), len(report.Failed))
	return report, nil
}

func (e *Executor) resolve(ctx context.Context, g *domain.Group) (*Outcome, error) {
	metrics.GroupsRecovered.WithLabelValues(string(g.Status)).Inc()
	log.Infof("🔁 recovering group: group=%s strategy=%s status=%s version=%d", g.ID, g.StrategyTag, g.Status, g.Version)

	switch g.Status {
	case domain.StatusPending:
		// 执行器不会持久化 PENDING；存储里出现的 PENDING 记录没有任何订单，直接删除
		sctx, cancel := e.storeCtx(ctx)
		defer cancel()
		if err := e.store.Delete(sctx, g.ID); err != nil && !errors.Is(err, persistence.ErrNotExists) {
			return nil, errors.Wrapf(err, "delete stray pending group %s", g.ID)
		}
		e.forget(g.ID)
		log.Warnf("⚠️ dropped stray pending record: group=%s strategy=%s", g.ID, g.StrategyTag)
		return nil, nil

	case domain.StatusSubmitted:
		return e.resumeSubmitted(ctx, g)

	case domain.StatusPartiallyFilled:
		cur, err := e.refreshLegs(ctx, g)
		if err != nil {
			return nil, err
		}
		if cur, err = e.cancelAndReconcile(ctx, cur); err != nil {
			return nil, err
		}
		return e.rollbackGroup(ctx, cur, cur.Reason, ErrPartialFillTimeout)

	case domain.StatusRollingBack:
		return e.resumeRollback(ctx, g)
	}
	return newOutcome(g, terminalErr(g.Status)), nil
}

func (e *Executor) resumeSubmitted(ctx context.Context, g *domain.Group) (*Outcome, error) {
	cur, err := e.resolveForwardRefs(ctx, g)
	if err != nil {
		return nil, err
	}
	if cur, err = e.refreshLegs(ctx, cur); err != nil {
		return nil, err
	}

	now := e.now()
	passed := cur.ForwardDeadlinePassed(now)
	if cur.AllFilled() && (!passed || filledInWindow(cur)) {
		cur, err = e.transition(ctx, cur, domain.StatusFilled, func(n *domain.Group) { n.Reason = "" })
		if err != nil {
			return nil, err
		}
		log.Infof("✅ recovered group filled: group=%s", cur.ID)
		return newOutcome(cur, nil), nil
	}
	for i, l := range cur.Legs {
		if l.FillState == domain.FillCanceled || l.FillState == domain.FillRejected {
			return e.finishForward(ctx, cur, fmt.Sprintf("leg %d (%s) %s before fill", i, l.Instrument, l.FillState), ErrExecutionTimeout)
		}
	}
	if passed || cur.Deadline == nil {
		return e.finishForward(ctx, cur, "execution window elapsed during restart", ErrExecutionTimeout)
	}

	fwdCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), *cur.Deadline)
	defer cancel()
	return e.awaitFills(ctx, fwdCtx, cur)
}

// resolveForwardRefs 处理崩溃在“下单”与“持久化引用”之间的腿。
func (e *Executor) resolveForwardRefs(ctx context.Context, cur *domain.Group) (*domain.Group, error) {
	_, canLookup := e.gw.(ports.OrderLookup)
	next := cur.Clone()
	changed := false
	for i := range next.Legs {
		l := &next.Legs[i]
		if l.OrderRef != "" || l.FillState.IsTerminal() {
			continue
		}
		changed = true
		if ref, ok := e.lookupOrder(ctx, l.ClientOrderID); ok {
			l.OrderRef = ref
			l.FillState = domain.FillWorking
			log.Infof("🔎 recovered order reference: group=%s leg=%d ref=%s", cur.ID, i, ref)
			continue
		}
		l.FillState = domain.FillRejected
		if !canLookup {
			e.emit(ctx, next, alert.SeverityWarning, alert.KindOrphanOrder,
				fmt.Sprintf("leg %d placement state unknown after restart; verify %s at the broker", i, l.ClientOrderID),
				map[string]string{"client_order_id": l.ClientOrderID, "instrument": l.Instrument})
		}
	}
	if !changed {
		return cur, nil
	}
	return e.commit(ctx, cur, next)
}

// refreshLegs 按引用重新查询所有腿的最新状态
func (e *Executor) refreshLegs(ctx context.Context, cur *domain.Group) (*domain.Group, error) {
	statuses := make([]*ports.FillStatus, len(cur.Legs))
	syncgroup.Each(len(cur.Legs), func(i int) bool { return cur.Legs[i].OrderRef == "" }, func(i int) {
		ref := cur.Legs[i].OrderRef
		sctx, cancel := e.storeCtx(ctx)
		defer cancel()
		st, err := e.gw.GetFillStatus(sctx, ref)
		if err != nil {
			log.Warnf("⚠️ fill status refresh failed: group=%s ref=%s err=%v", cur.ID, ref, err)
			return
		}
		statuses[i] = &st
	})

	next := cur.Clone()
	changed := false
	for i, st := range statuses {
		if st == nil {
			continue
		}
		before := next.Legs[i]
		applyLegStatus(&next.Legs[i], *st, e.now())
		if !sameLeg(before, next.Legs[i]) {
			changed = true
		}
	}
	if !changed {
		return cur, nil
	}
	return e.commit(ctx, cur, next)
}

func (e *Executor) resumeRollback(ctx context.Context, g *domain.Group) (*Outcome, error) {
	legs := append([]domain.RollbackLeg(nil), g.RollbackLegs...)
	_, canLookup := e.gw.(ports.OrderLookup)
	for i := range legs {
		rl := &legs[i]
		if rl.OrderRef != "" || rl.FillState.IsTerminal() {
			continue
		}
		if ref, ok := e.lookupOrder(ctx, rl.ClientOrderID); ok {
			rl.OrderRef = ref
			rl.FillState = domain.FillWorking
			continue
		}
		if !canLookup {
			// 无法确认是否已下过：不能冒险重复下单
			rl.FillState = domain.FillRejected
			rl.Error = "placement state unknown after restart"
			e.emit(ctx, g, alert.SeverityWarning, alert.KindOrphanOrder,
				fmt.Sprintf("rollback order %s placement state unknown after restart", rl.ClientOrderID),
				map[string]string{"client_order_id": rl.ClientOrderID, "instrument": rl.Instrument})
		}
		// 可查询但未找到：保持 UNSUBMITTED，交给 Unwind 首次下单
	}
	legs = e.rollback.Refresh(ctx, legs)

	cur := g
	if !rollbackLegsEqual(g.RollbackLegs, legs) {
		next := g.Clone()
		next.RollbackLegs = legs
		var err error
		if cur, err = e.commit(ctx, g, next); err != nil {
			return nil, err
		}
	}

	if cur.RollbackDeadline == nil || !e.now().Before(*cur.RollbackDeadline) {
		return e.finishRollback(ctx, cur, ErrPartialFillTimeout)
	}
	return e.unwind(ctx, cur, ErrPartialFillTimeout)
}

func filledInWindow(g *domain.Group) bool {
	if g.Deadline == nil {
		return false
	}
	for _, l := range g.Legs {
		if l.FilledAt == nil || !l.FilledAt.Before(*g.Deadline) {
			return false
		}
	}
	return true
}

func rollbackLegsEqual(a, b []domain.RollbackLeg) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.OrderRef != y.OrderRef || x.FillState != y.FillState || x.Error != y.Error {
			return false
		}
		if (x.FillPrice == nil) != (y.FillPrice == nil) {
			return false
		}
		if x.FillPrice != nil && !x.FillPrice.Equal(*y.FillPrice) {
			return false
		}
	}
	return true
}

func terminalErr(s domain.GroupStatus) error {
	switch s {
	case domain.StatusRejected:
		return ErrRiskDenied
	case domain.StatusTimedOutRejected:
		return ErrExecutionTimeout
	case domain.StatusRolledBack:
		return ErrPartialFillTimeout
	case domain.StatusRollbackFailed:
		return ErrRollbackFailed
	}
	return nil
}
