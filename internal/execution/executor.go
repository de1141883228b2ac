package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/atomicexec/internal/alert"
	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/metrics"
	"github.com/betbot/atomicexec/internal/ports"
	"github.com/betbot/atomicexec/internal/risk"
	"github.com/betbot/atomicexec/pkg/persistence"
	"github.com/betbot/atomicexec/pkg/syncgroup"
)

var log = logrus.WithField("component", "execution")

// Config 执行器参数
type Config struct {
	ExecutionWindow time.Duration // 正向执行窗口（默认 30s），从 SUBMITTED 起算
	RollbackWindow  time.Duration // 回滚窗口（默认 5s）
	PollInterval    time.Duration // 成交轮询间隔（默认 250ms）
	CallTimeout     time.Duration // 持久化、截止后撤单/查询的单次超时（默认 5s）
	Retention       time.Duration // 终态组保留时长，<=0 不清理
	JanitorInterval time.Duration // 后台巡检间隔（默认 1m）
}

func (c Config) withDefaults() Config {
	if c.ExecutionWindow <= 0 {
		c.ExecutionWindow = 30 * time.Second
	}
	if c.RollbackWindow <= 0 {
		c.RollbackWindow = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Minute
	}
	return c
}

// Option 执行器可选项
type Option func(*Executor)

func WithAlertSink(s alert.Sink) Option {
	return func(e *Executor) {
		if s != nil {
			e.alerts = s
		}
	}
}

func WithCircuitBreaker(cb *risk.CircuitBreaker) Option {
	return func(e *Executor) {
		if cb != nil {
			e.breaker = cb
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(e *Executor) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// Executor 原子多腿执行器。
//
// 它是组状态的唯一写入者：每次迁移先在副本上计算，持久化成功后才替换内存对象。
// 不同组之间完全独立，可并发执行；同一组同一时刻只有一个执行流程。
type Executor struct {
	cfg      Config
	gw       ports.BrokerGateway
	risk     ports.RiskGate
	store    ports.GroupStore
	alerts   alert.Sink
	breaker  *risk.CircuitBreaker
	monitor  *FillMonitor
	rollback *RollbackCoordinator
	inFlight *InFlightDeduper
	now      func() time.Time
	newID    func() string

	recovered atomic.Bool

	mu     sync.RWMutex
	groups map[string]*domain.Group

	loopOnce   sync.Once
	loopCancel context.CancelFunc
}

// NewExecutor 创建执行器。gate 为 nil 时放行所有组。
func NewExecutor(gw ports.BrokerGateway, gate ports.RiskGate, store ports.GroupStore, cfg Config, opts ...Option) *Executor {
	cfg = cfg.withDefaults()
	if gate == nil {
		gate = risk.AllowAll{}
	}
	e := &Executor{
		cfg:      cfg,
		gw:       gw,
		risk:     gate,
		store:    store,
		alerts:   alert.LogSink{},
		breaker:  risk.NewCircuitBreaker(risk.CircuitBreakerConfig{}),
		inFlight: NewInFlightDeduper(0, 64),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		groups:   make(map[string]*domain.Group),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.monitor = NewFillMonitor(gw, cfg.PollInterval)
	e.monitor.now = e.now
	e.rollback = NewRollbackCoordinator(gw, e.monitor, cfg.CallTimeout)
	return e
}

// Config 返回生效的配置
func (e *Executor) Config() Config { return e.cfg }

// OnFillEvent 推送的成交事件入口（websocket / paper 网关）
func (e *Executor) OnFillEvent(ctx context.Context, ev ports.FillEvent) {
	e.monitor.OnFillEvent(ctx, ev)
}

// LegClientOrderID 正向腿的客户端订单号
func LegClientOrderID(groupID string, leg int) string {
	return fmt.Sprintf("%s-L%d", groupID, leg)
}

// CreateGroup 在内存中创建一个 PENDING 组，返回组 ID。
// PENDING 不落盘：第一次持久化写入的是 REJECTED 或 SUBMITTED。
func (e *Executor) CreateGroup(ctx context.Context, strategyTag string) (string, error) {
	if !e.recovered.Load() {
		return "", ErrNotRecovered
	}
	if err := e.breaker.Allow(); err != nil {
		return "", errors.Wrap(ErrCreationHalted, e.breaker.State().Reason)
	}
	g := domain.NewGroup(e.newID(), strategyTag, e.now())

	e.mu.Lock()
	e.groups[g.ID] = g
	e.mu.Unlock()
	metrics.GroupsCreated.Inc()
	log.WithFields(logrus.Fields{"group_id": g.ID, "strategy": strategyTag}).Debug("group created")
	return g.ID, nil
}

// AddLeg 向 PENDING 组追加一条腿（仅内存）。
func (e *Executor) AddLeg(ctx context.Context, groupID string, leg domain.Leg) error {
	if err := e.inFlight.TryAcquire(groupID); err != nil {
		return errors.Wrapf(ErrInvalidGroupState, "group %s is busy", groupID)
	}
	defer e.inFlight.Release(groupID)

	cur, err := e.current(ctx, groupID)
	if err != nil {
		return err
	}
	if cur.Status != domain.StatusPending {
		return errors.Wrapf(ErrInvalidGroupState, "group %s is %s", groupID, cur.Status)
	}
	next := cur.Clone()
	if err := next.AddLeg(leg); err != nil {
		return errors.Wrapf(ErrInvalidLeg, "%v", err)
	}
	next.UpdatedAt = e.now()

	e.mu.Lock()
	e.groups[next.ID] = next
	e.mu.Unlock()
	return nil
}

// Execute 对组做一次原子执行，阻塞直到组进入终态。
//
// error 只在调用本身无效（未知组/状态不对/持久化失败）时返回；
// 风控拒绝、超时、回滚等预期结果通过 Outcome 返回，Outcome.Err() 给出对应的哨兵错误。
// 一旦进入 SUBMITTED，流程与调用方 ctx 的取消解耦，直到终态。
func (e *Executor) Execute(ctx context.Context, groupID string, window time.Duration) (*Outcome, error) {
	if window <= 0 {
		window = e.cfg.ExecutionWindow
	}
	if err := e.inFlight.TryAcquire(groupID); err != nil {
		return nil, errors.Wrapf(ErrInvalidGroupState, "group %s is already executing", groupID)
	}
	defer e.inFlight.Release(groupID)

	cur, err := e.current(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if cur.Status != domain.StatusPending {
		return nil, errors.Wrapf(ErrInvalidGroupState, "group %s is %s", groupID, cur.Status)
	}

	start := time.Now()
	out, err := e.execute(ctx, cur, window)
	if out != nil {
		metrics.ExecuteDuration.WithLabelValues(string(out.Status)).Observe(time.Since(start).Seconds())
	}
	return out, err
}

func (e *Executor) execute(ctx context.Context, cur *domain.Group, window time.Duration) (*Outcome, error) {
	var err error
	if len(cur.Legs) == 0 {
		cur, err = e.transition(ctx, cur, domain.StatusRejected, func(n *domain.Group) {
			n.Reason = ErrEmptyGroup.Error()
		})
		if err != nil {
			return nil, err
		}
		return newOutcome(cur, ErrEmptyGroup), nil
	}

	decision, gateErr := e.risk.CheckConstraints(ctx, cur.Clone())
	if gateErr != nil {
		decision = ports.RiskDecision{Allowed: false, Reason: fmt.Sprintf("risk gate error: %v", gateErr)}
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "denied"
		}
		cur, err = e.transition(ctx, cur, domain.StatusRejected, func(n *domain.Group) {
			n.Reason = "risk: " + reason
		})
		if err != nil {
			return nil, err
		}
		log.Warnf("⛔ group rejected by risk gate: group=%s strategy=%s reason=%s", cur.ID, cur.StrategyTag, reason)
		return newOutcome(cur, ErrRiskDenied), nil
	}

	// 调用方在提交前放弃：此时还没有任何订单，直接拒绝
	if ctx.Err() != nil {
		cur, err = e.transition(ctx, cur, domain.StatusRejected, func(n *domain.Group) {
			n.Reason = "abandoned: caller canceled before submission"
		})
		if err != nil {
			return nil, err
		}
		return newOutcome(cur, ErrAbandoned), nil
	}

	submittedAt := e.now()
	deadline := submittedAt.Add(window)
	cur, err = e.transition(ctx, cur, domain.StatusSubmitted, func(n *domain.Group) {
		n.SubmittedAt = &submittedAt
		n.Deadline = &deadline
		for i := range n.Legs {
			n.Legs[i].ClientOrderID = LegClientOrderID(n.ID, i)
		}
	})
	if err != nil {
		return nil, err
	}
	log.Infof("🚀 group submitted: group=%s strategy=%s legs=%d deadline=%s",
		cur.ID, cur.StrategyTag, len(cur.Legs), deadline.Format(time.RFC3339Nano))

	fwdCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()

	cur, rejected, orphans, err := e.placeLegs(ctx, fwdCtx, cur)
	if err != nil {
		return e.abortOnPersistence(ctx, cur, orphans, err)
	}
	if len(rejected) > 0 {
		e.breaker.OnFailure()
		return e.finishForward(ctx, cur, "submission rejected: "+strings.Join(rejected, "; "), ErrSubmissionRejected)
	}
	return e.awaitFills(ctx, fwdCtx, cur)
}

// placeLegs 并发提交所有腿，每个结果到达后立即持久化引用。
// 持久化失败后不再写入，但已被接受的引用放进 orphans 供撤单。
func (e *Executor) placeLegs(ctx, fwdCtx context.Context, cur *domain.Group) (*domain.Group, []string, []string, error) {
	type placed struct {
		i   int
		ref string
		err error
	}
	ch := make(chan placed, len(cur.Legs))
	for i := range cur.Legs {
		go func(i int, leg domain.Leg) {
			ref, err := e.gw.PlaceOrder(fwdCtx, leg)
			if err != nil || ref == "" {
				// 提交超时并不代表没有挂上：按客户端订单号再确认一次
				if found, ok := e.lookupOrder(ctx, leg.ClientOrderID); ok {
					ref, err = found, nil
				}
			}
			if err == nil && ref == "" {
				err = fmt.Errorf("empty order reference")
			}
			ch <- placed{i: i, ref: ref, err: err}
		}(i, cur.Legs[i])
	}

	var (
		rejected   []string
		orphans    []string
		persistErr error
	)
	for range cur.Legs {
		p := <-ch
		if p.err != nil {
			metrics.OrdersPlaced.WithLabelValues("forward", "rejected").Inc()
			rejected = append(rejected, fmt.Sprintf("leg %d (%s): %v", p.i, cur.Legs[p.i].Instrument, p.err))
			log.Warnf("⚠️ leg rejected: group=%s leg=%d instrument=%s err=%v", cur.ID, p.i, cur.Legs[p.i].Instrument, p.err)
		} else {
			metrics.OrdersPlaced.WithLabelValues("forward", "accepted").Inc()
		}
		if persistErr != nil {
			if p.err == nil {
				orphans = append(orphans, p.ref)
			}
			continue
		}
		next, err := e.update(ctx, cur, func(n *domain.Group) {
			if p.err != nil {
				n.Legs[p.i].FillState = domain.FillRejected
				return
			}
			n.Legs[p.i].OrderRef = p.ref
			n.Legs[p.i].FillState = domain.FillWorking
		})
		if err != nil {
			persistErr = err
			if p.err == nil {
				orphans = append(orphans, p.ref)
			}
			continue
		}
		cur = next
	}
	return cur, rejected, orphans, persistErr
}

// awaitFills 等待所有腿成交，直到截止、某条腿提前失败或全部成交。
func (e *Executor) awaitFills(ctx, fwdCtx context.Context, cur *domain.Group) (*Outcome, error) {
	deadline := *cur.Deadline
	targets := make([]WatchTarget, 0, len(cur.Legs))
	for i, l := range cur.Legs {
		if l.OrderRef != "" && !l.FillState.IsTerminal() {
			targets = append(targets, WatchTarget{Index: i, OrderRef: l.OrderRef})
		}
	}

	wctx, stop := context.WithCancel(fwdCtx)
	defer stop()

	failReason := ""
	for obs := range e.monitor.Watch(wctx, targets) {
		if !obs.At.Before(deadline) {
			// 截止之后的观测不算窗口内成交，交给对账处理
			break
		}
		next, err := e.update(ctx, cur, func(n *domain.Group) {
			applyLegStatus(&n.Legs[obs.Index], obs.Status, obs.At)
		})
		if err != nil {
			return e.abortOnPersistence(ctx, cur, nil, err)
		}
		cur = next
		if st := obs.Status.State; st == domain.FillCanceled || st == domain.FillRejected {
			failReason = fmt.Sprintf("leg %d (%s) %s before fill", obs.Index, cur.Legs[obs.Index].Instrument, st)
			break
		}
		if cur.AllFilled() {
			break
		}
	}

	stop()

	if failReason == "" && cur.AllFilled() {
		var err error
		cur, err = e.transition(ctx, cur, domain.StatusFilled, func(n *domain.Group) { n.Reason = "" })
		if err != nil {
			return nil, err
		}
		e.breaker.OnSuccess()
		log.Infof("✅ group filled: group=%s strategy=%s legs=%d", cur.ID, cur.StrategyTag, len(cur.Legs))
		return newOutcome(cur, nil), nil
	}
	if failReason == "" {
		failReason = "execution window elapsed"
	}
	return e.finishForward(ctx, cur, failReason, ErrExecutionTimeout)
}

// finishForward 撤掉所有在途腿，用最新的券商状态判定：无敞口 -> TIMED_OUT_REJECTED，否则回滚。
func (e *Executor) finishForward(ctx context.Context, cur *domain.Group, reason string, kind error) (*Outcome, error) {
	cur, err := e.cancelAndReconcile(ctx, cur)
	if err != nil {
		return nil, err
	}
	if len(cur.ExposedLegs()) == 0 {
		cur, err = e.transition(ctx, cur, domain.StatusTimedOutRejected, func(n *domain.Group) { n.Reason = reason })
		if err != nil {
			return nil, err
		}
		log.Warnf("⏱️ group not executed: group=%s strategy=%s reason=%s", cur.ID, cur.StrategyTag, reason)
		return newOutcome(cur, kind), nil
	}
	if kind == ErrExecutionTimeout {
		kind = ErrPartialFillTimeout
	}
	return e.rollbackGroup(ctx, cur, reason, kind)
}

// cancelAndReconcile 撤掉未终结的腿，并以撤单后的最新状态为准（不信任监控时的缓存）。
func (e *Executor) cancelAndReconcile(ctx context.Context, cur *domain.Group) (*domain.Group, error) {
	type result struct {
		st ports.FillStatus
		ok bool
	}
	results := make([]result, len(cur.Legs))
	syncgroup.Each(len(cur.Legs), func(i int) bool {
		return cur.Legs[i].OrderRef == "" || cur.Legs[i].FillState.IsTerminal()
	}, func(i int) {
		st, ok := e.cancelAndQuery(ctx, cur.Legs[i].OrderRef)
		results[i] = result{st: st, ok: ok}
	})

	next := cur.Clone()
	changed := false
	for i, r := range results {
		if !r.ok {
			continue
		}
		before := next.Legs[i]
		applyLegStatus(&next.Legs[i], r.st, time.Time{})
		if !sameLeg(before, next.Legs[i]) {
			changed = true
		}
	}
	for i, l := range next.Legs {
		if l.OrderRef != "" && !l.FillState.IsTerminal() {
			e.emit(ctx, next, alert.SeverityCritical, alert.KindCancelFailed,
				fmt.Sprintf("leg %d order %s still working after cancel", i, l.OrderRef),
				map[string]string{"order_ref": l.OrderRef, "instrument": l.Instrument})
		}
	}
	if !changed {
		return cur, nil
	}
	return e.commit(ctx, cur, next)
}

func (e *Executor) cancelAndQuery(ctx context.Context, ref string) (ports.FillStatus, bool) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()
	if err := e.gw.CancelOrder(callCtx, ref); err != nil {
		// 已成交的单撤不掉是正常的，以查询结果为准
		log.Debugf("cancel order failed: ref=%s err=%v", ref, err)
	}
	var (
		last ports.FillStatus
		have bool
	)
	for {
		st, err := e.gw.GetFillStatus(callCtx, ref)
		if err == nil {
			if st.State.IsTerminal() {
				return st, true
			}
			last, have = st, true
		}
		select {
		case <-callCtx.Done():
			return last, have
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// rollbackGroup PARTIALLY_FILLED -> ROLLING_BACK -> 终态。
// ROLLING_BACK 与回滚计划先落盘，之后才下任何反向单。
func (e *Executor) rollbackGroup(ctx context.Context, cur *domain.Group, reason string, kind error) (*Outcome, error) {
	var err error
	if cur.Status == domain.StatusSubmitted {
		cur, err = e.transition(ctx, cur, domain.StatusPartiallyFilled, func(n *domain.Group) { n.Reason = reason })
		if err != nil {
			return nil, err
		}
	}
	log.Warnf("⚠️ group partially filled, rolling back: group=%s strategy=%s exposure=%v reason=%s",
		cur.ID, cur.StrategyTag, cur.NetExposure(), cur.Reason)

	plan, planErr := e.rollback.Plan(ctx, cur)
	if planErr != nil {
		cur, err = e.transition(ctx, cur, domain.StatusRollingBack, func(n *domain.Group) { n.RollbackLegs = nil })
		if err != nil {
			return nil, err
		}
		return e.rollbackFailed(ctx, cur, planErr.Error())
	}

	rbDeadline := e.now().Add(e.cfg.RollbackWindow)
	cur, err = e.transition(ctx, cur, domain.StatusRollingBack, func(n *domain.Group) {
		n.RollbackLegs = plan
		n.RollbackDeadline = &rbDeadline
	})
	if err != nil {
		return nil, err
	}
	return e.unwind(ctx, cur, kind)
}

func (e *Executor) unwind(ctx context.Context, cur *domain.Group, kind error) (*Outcome, error) {
	var persistErr error
	e.rollback.Unwind(context.WithoutCancel(ctx), cur.ID, cur.RollbackLegs, *cur.RollbackDeadline, func(i int, rl domain.RollbackLeg) {
		if persistErr != nil {
			return
		}
		next, err := e.update(ctx, cur, func(n *domain.Group) { n.RollbackLegs[i] = rl })
		if err != nil {
			persistErr = err
			return
		}
		cur = next
	})
	if persistErr != nil {
		return nil, persistErr
	}
	return e.finishRollback(ctx, cur, kind)
}

func (e *Executor) finishRollback(ctx context.Context, cur *domain.Group, kind error) (*Outcome, error) {
	var pending []string
	for _, rl := range cur.RollbackLegs {
		if rl.FillState == domain.FillFilled {
			continue
		}
		desc := fmt.Sprintf("%s %s %d: %s", rl.Side, rl.Instrument, rl.Quantity, rl.FillState)
		if rl.Error != "" {
			desc += " (" + rl.Error + ")"
		}
		pending = append(pending, desc)
	}
	if len(pending) == 0 && cur.IsFlat() {
		var err error
		cur, err = e.transition(ctx, cur, domain.StatusRolledBack, nil)
		if err != nil {
			return nil, err
		}
		log.Infof("↩️ group rolled back: group=%s strategy=%s", cur.ID, cur.StrategyTag)
		return newOutcome(cur, kind), nil
	}
	detail := strings.Join(pending, "; ")
	if detail == "" {
		detail = fmt.Sprintf("residual exposure %v", cur.NetExposure())
	}
	return e.rollbackFailed(ctx, cur, detail)
}

// rollbackFailed ROLLING_BACK -> ROLLBACK_FAILED，升级告警并停止新建组。
func (e *Executor) rollbackFailed(ctx context.Context, cur *domain.Group, detail string) (*Outcome, error) {
	cur, err := e.transition(ctx, cur, domain.StatusRollbackFailed, func(n *domain.Group) {
		n.Reason = "rollback failed: " + detail
	})
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	for inst, q := range cur.NetExposure() {
		fields["exposure."+inst] = fmt.Sprintf("%d", q)
	}
	e.emit(ctx, cur, alert.SeverityCritical, alert.KindRollbackFailed, cur.Reason, fields)
	e.breaker.Halt(risk.CauseRollback, fmt.Sprintf("rollback failed for group %s", cur.ID))
	metrics.CreationHalted.Set(1)
	return newOutcome(cur, ErrRollbackFailed), nil
}

// abortOnPersistence 持久化失败：停止推进该组，尽力撤掉所有在途单。
func (e *Executor) abortOnPersistence(ctx context.Context, cur *domain.Group, orphans []string, cause error) (*Outcome, error) {
	refs := append([]string(nil), orphans...)
	for _, l := range cur.Legs {
		if l.OrderRef != "" && !l.FillState.IsTerminal() {
			refs = append(refs, l.OrderRef)
		}
	}
	syncgroup.Each(len(refs), nil, func(i int) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
		defer cancel()
		if err := e.gw.CancelOrder(callCtx, refs[i]); err != nil {
			log.Errorf("🚨 cancel after persistence failure failed: group=%s ref=%s err=%v", cur.ID, refs[i], err)
		}
	})
	log.Errorf("🚨 group aborted on persistence failure: group=%s canceled=%v err=%v", cur.ID, refs, cause)
	return nil, cause
}

// ---- 状态提交 ----

func (e *Executor) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
}

// commit 持久化 next，成功后才替换内存中的组。失败时返回原来的 cur。
func (e *Executor) commit(ctx context.Context, cur, next *domain.Group) (*domain.Group, error) {
	next.Version = cur.Version + 1
	next.UpdatedAt = e.now()

	sctx, cancel := e.storeCtx(ctx)
	err := e.store.Save(sctx, next)
	cancel()
	if err != nil {
		perr := &PersistenceError{GroupID: next.ID, Status: next.Status, Err: err}
		e.persistenceFailed(ctx, next, perr)
		return cur, perr
	}

	e.mu.Lock()
	e.groups[next.ID] = next
	e.mu.Unlock()

	if next.Status != cur.Status {
		metrics.GroupTransitions.WithLabelValues(string(next.Status)).Inc()
		log.WithFields(logrus.Fields{
			"group_id": next.ID,
			"strategy": next.StrategyTag,
			"from":     cur.Status,
			"to":       next.Status,
			"version":  next.Version,
		}).Info("group transition")
	}
	return next, nil
}

func (e *Executor) transition(ctx context.Context, cur *domain.Group, to domain.GroupStatus, mutate func(*domain.Group)) (*domain.Group, error) {
	next, changed, err := cur.Transition(to, e.now())
	if err != nil {
		return cur, errors.Wrap(ErrInvalidGroupState, err.Error())
	}
	if !changed {
		return cur, nil
	}
	if mutate != nil {
		mutate(next)
	}
	return e.commit(ctx, cur, next)
}

func (e *Executor) update(ctx context.Context, cur *domain.Group, mutate func(*domain.Group)) (*domain.Group, error) {
	next := cur.Clone()
	mutate(next)
	return e.commit(ctx, cur, next)
}

func (e *Executor) persistenceFailed(ctx context.Context, g *domain.Group, err error) {
	metrics.PersistenceFailures.Inc()
	metrics.CreationHalted.Set(1)
	e.breaker.Halt(risk.CausePersistence, fmt.Sprintf("persistence failure on group %s", g.ID))
	e.emit(ctx, g, alert.SeverityCritical, alert.KindPersistenceFailure, err.Error(), map[string]string{
		"status":  string(g.Status),
		"version": fmt.Sprintf("%d", g.Version),
	})
}

func (e *Executor) emit(ctx context.Context, g *domain.Group, sev alert.Severity, kind alert.Kind, msg string, fields map[string]string) {
	a := alert.Alert{
		Severity: sev,
		Kind:     kind,
		Message:  msg,
		Fields:   fields,
		At:       e.now(),
	}
	if g != nil {
		a.GroupID = g.ID
		a.Strategy = g.StrategyTag
	}
	metrics.AlertsEmitted.WithLabelValues(string(kind)).Inc()
	e.alerts.Emit(context.WithoutCancel(ctx), a)
}

// current 返回组的最新已提交版本（内存优先，其次存储）。
func (e *Executor) current(ctx context.Context, id string) (*domain.Group, error) {
	e.mu.RLock()
	g, ok := e.groups[id]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	g, err := e.store.Load(sctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return nil, errors.Wrapf(ErrUnknownGroup, "group %s", id)
		}
		return nil, errors.Wrapf(err, "load group %s", id)
	}
	return g, nil
}

func (e *Executor) lookupOrder(ctx context.Context, clientOrderID string) (string, bool) {
	return lookupByClientID(ctx, e.gw, e.cfg.CallTimeout, clientOrderID)
}

// lookupByClientID 按客户端订单号查找券商侧订单；网关不支持查询或查询失败时返回 false
func lookupByClientID(ctx context.Context, gw ports.BrokerGateway, timeout time.Duration, clientOrderID string) (string, bool) {
	lk, ok := gw.(ports.OrderLookup)
	if !ok || clientOrderID == "" {
		return "", false
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	ref, found, err := lk.LookupOrder(callCtx, clientOrderID)
	if err != nil {
		log.Warnf("⚠️ order lookup failed: client_id=%s err=%v", clientOrderID, err)
		return "", false
	}
	return ref, found && ref != ""
}

// applyLegStatus 把券商状态写进腿。observedAt 用于券商未给出成交时间的 FILLED。
func applyLegStatus(l *domain.Leg, st ports.FillStatus, observedAt time.Time) {
	if !st.State.Valid() || st.State == domain.FillUnsubmitted {
		return
	}
	l.FillState = st.State
	if st.FillPrice != nil {
		p := *st.FillPrice
		l.FillPrice = &p
	}
	if st.FilledQuantity > 0 {
		l.FilledQuantity = min(st.FilledQuantity, l.Quantity)
	}
	if st.State == domain.FillFilled {
		l.FilledQuantity = l.Quantity
	}
	switch {
	case st.FilledAt != nil:
		t := *st.FilledAt
		l.FilledAt = &t
	case st.State == domain.FillFilled && l.FilledAt == nil && !observedAt.IsZero():
		t := observedAt
		l.FilledAt = &t
	}
}

func sameLeg(a, b domain.Leg) bool {
	if a.FillState != b.FillState || a.FilledQuantity != b.FilledQuantity || a.OrderRef != b.OrderRef {
		return false
	}
	if (a.FillPrice == nil) != (b.FillPrice == nil) {
		return false
	}
	if a.FillPrice != nil && !a.FillPrice.Equal(*b.FillPrice) {
		return false
	}
	if (a.FilledAt == nil) != (b.FilledAt == nil) {
		return false
	}
	return a.FilledAt == nil || a.FilledAt.Equal(*b.FilledAt)
}
