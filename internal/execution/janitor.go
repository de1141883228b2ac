package execution

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/atomicexec/internal/common"
	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/metrics"
	"github.com/betbot/atomicexec/internal/risk"
	"github.com/betbot/atomicexec/pkg/persistence"
)

// Start 启动后台巡检：
// - 持久化导致的熔断：存储 Ping 成功后自动解除
// - 按保留期清理终态组（ROLLBACK_FAILED 除外，需人工确认）
func (e *Executor) Start(ctx context.Context) {
	common.StartTickerLoop(ctx, &e.loopOnce, func(cancel context.CancelFunc) {
		e.mu.Lock()
		e.loopCancel = cancel
		e.mu.Unlock()
	}, e.cfg.JanitorInterval, false, e.janitorTick)
}

// Stop 停止后台巡检（不影响进行中的 Execute）
func (e *Executor) Stop() {
	e.mu.Lock()
	cancel := e.loopCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Executor) janitorTick(ctx context.Context) {
	e.checkStoreHealth(ctx)
	if e.cfg.Retention > 0 {
		if n := e.evictStalePending(e.now().Add(-e.cfg.Retention)); n > 0 {
			log.Infof("🧹 evicted %d stale pending groups", n)
		}
		if n, err := e.PurgeExpired(ctx, e.now().Add(-e.cfg.Retention)); err != nil {
			log.Warnf("⚠️ purge expired groups failed: %v", err)
		} else if n > 0 {
			log.Infof("🧹 purged %d expired groups", n)
		}
	}
}

// checkStoreHealth 持久化熔断后探测存储健康。只解除持久化这一来源，
// 回滚失败等其他来源仍需运维 Resume。
func (e *Executor) checkStoreHealth(ctx context.Context) {
	if !e.breaker.HaltedBy(risk.CausePersistence) {
		return
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.Ping(sctx); err != nil {
		log.Warnf("⚠️ store still unhealthy, group creation stays halted: %v", err)
		return
	}
	if e.breaker.Clear(risk.CausePersistence) {
		log.Warnf("⚠️ store healthy again, but group creation stays halted: %s", e.breaker.State().Reason)
		return
	}
	metrics.CreationHalted.Set(0)
	log.Infof("✅ store healthy again, group creation resumed")
}

// PurgeExpired 删除 olderThan 之前进入终态的组，ROLLBACK_FAILED 保留到人工确认。
func (e *Executor) PurgeExpired(ctx context.Context, olderThan time.Time) (int, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	groups, err := e.store.List(sctx)
	if err != nil {
		return 0, errors.Wrap(err, "list groups")
	}
	n := 0
	for _, g := range groups {
		if !g.Status.IsTerminal() || g.Status == domain.StatusRollbackFailed {
			continue
		}
		if !g.UpdatedAt.Before(olderThan) {
			continue
		}
		if err := e.store.Delete(sctx, g.ID); err != nil {
			return n, errors.Wrapf(err, "delete group %s", g.ID)
		}
		e.forget(g.ID)
		n++
	}
	return n, nil
}

// evictStalePending 丢弃 olderThan 之前最后修改、一直没有 Execute 的 PENDING 组。
// 它们只在内存里，没有任何订单。
func (e *Executor) evictStalePending(olderThan time.Time) int {
	e.mu.RLock()
	var stale []string
	for id, g := range e.groups {
		if g.Status == domain.StatusPending && g.UpdatedAt.Before(olderThan) {
			stale = append(stale, id)
		}
	}
	e.mu.RUnlock()

	n := 0
	for _, id := range stale {
		// 正在 AddLeg / Execute 的组跳过
		if err := e.inFlight.TryAcquire(id); err != nil {
			continue
		}
		e.mu.Lock()
		if g, ok := e.groups[id]; ok && g.Status == domain.StatusPending {
			delete(e.groups, id)
			n++
		}
		e.mu.Unlock()
		e.inFlight.Release(id)
	}
	return n
}

// Acknowledge 运维确认一个终态组（通常是 ROLLBACK_FAILED）并从存储中移除。
func (e *Executor) Acknowledge(ctx context.Context, groupID string) error {
	if err := e.inFlight.TryAcquire(groupID); err != nil {
		return errors.Wrapf(ErrInvalidGroupState, "group %s is busy", groupID)
	}
	defer e.inFlight.Release(groupID)

	g, err := e.current(ctx, groupID)
	if err != nil {
		return err
	}
	if !g.Status.IsTerminal() {
		return errors.Wrapf(ErrInvalidGroupState, "group %s is %s", groupID, g.Status)
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.Delete(sctx, groupID); err != nil {
		return errors.Wrapf(err, "delete group %s", groupID)
	}
	e.forget(groupID)
	log.Infof("👌 group acknowledged: group=%s status=%s", groupID, g.Status)
	return nil
}

func (e *Executor) forget(id string) {
	e.mu.Lock()
	delete(e.groups, id)
	e.mu.Unlock()
}

// Group 返回组的只读快照
func (e *Executor) Group(ctx context.Context, id string) (*domain.Group, error) {
	g, err := e.current(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

// Groups 返回存储中的全部组，加上只在内存中的 PENDING 组
func (e *Executor) Groups(ctx context.Context) ([]*domain.Group, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	gs, err := e.store.List(sctx)
	if err != nil && !errors.Is(err, persistence.ErrNotExists) {
		return nil, errors.Wrap(err, "list groups")
	}
	seen := make(map[string]bool, len(gs))
	for _, g := range gs {
		seen[g.ID] = true
	}
	e.mu.RLock()
	for id, g := range e.groups {
		if g.Status == domain.StatusPending && !seen[id] {
			gs = append(gs, g.Clone())
		}
	}
	e.mu.RUnlock()
	return gs, nil
}

// BreakerState 新建组开关的当前状态
func (e *Executor) BreakerState() risk.BreakerState {
	return e.breaker.State()
}

// ResumeCreation 运维手动解除熔断
func (e *Executor) ResumeCreation() {
	e.breaker.Resume()
	metrics.CreationHalted.Set(0)
	log.Infof("✅ group creation resumed by operator")
}
