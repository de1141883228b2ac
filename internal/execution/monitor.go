package execution

import (
	"context"
	"sync"
	"time"

	"github.com/betbot/atomicexec/internal/ports"
	"github.com/betbot/atomicexec/pkg/syncgroup"
)

// WatchTarget 需要监控的一笔订单。Index 由调用方解释（正向腿或回滚腿下标）。
type WatchTarget struct {
	Index    int
	OrderRef string
}

// Observation 某笔订单首次到达的最终成交状态
type Observation struct {
	Index    int
	OrderRef string
	Status   ports.FillStatus
	At       time.Time
}

// FillMonitor 轮询 + 推送两路合并：
// - 每个订单引用只上报一次最终状态（第一个到达的为准）
// - 重复/乱序事件被忽略
// - 所有目标到达最终状态或 ctx 结束时关闭输出 channel
type FillMonitor struct {
	getter ports.FillStatusGetter
	poll   time.Duration
	now    func() time.Time

	mu   sync.Mutex
	subs map[string]map[*watch]struct{} // orderRef -> 活跃 watch
}

// NewFillMonitor 创建监控器，poll <= 0 时使用 250ms。
func NewFillMonitor(getter ports.FillStatusGetter, poll time.Duration) *FillMonitor {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &FillMonitor{
		getter: getter,
		poll:   poll,
		now:    time.Now,
		subs:   make(map[string]map[*watch]struct{}),
	}
}

type watch struct {
	mu        sync.Mutex
	out       chan Observation
	byRef     map[string]int
	done      map[string]bool
	remaining int
	closed    bool
	stop      chan struct{}
}

// deliver 记录 ref 的最终状态；返回是否被接受。
func (w *watch) deliver(ref string, st ports.FillStatus, at time.Time) bool {
	if !st.State.IsTerminal() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	idx, ok := w.byRef[ref]
	if !ok || w.done[ref] {
		return false
	}
	w.done[ref] = true
	w.remaining--
	// out 的容量等于目标数，每个 ref 至多写一次，不会阻塞
	w.out <- Observation{Index: idx, OrderRef: ref, Status: st, At: at}
	if w.remaining == 0 {
		w.closeLocked()
	}
	return true
}

func (w *watch) pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	out := make([]string, 0, w.remaining)
	for ref := range w.byRef {
		if !w.done[ref] {
			out = append(out, ref)
		}
	}
	return out
}

func (w *watch) closeLocked() {
	w.closed = true
	close(w.out)
	close(w.stop)
}

func (w *watch) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closeLocked()
	}
}

// Watch 开始监控 targets，返回的 channel 在全部到达最终状态或 ctx 结束后关闭。
// 没有引用的目标被忽略。
func (m *FillMonitor) Watch(ctx context.Context, targets []WatchTarget) <-chan Observation {
	w := &watch{
		byRef: make(map[string]int, len(targets)),
		done:  make(map[string]bool, len(targets)),
		stop:  make(chan struct{}),
	}
	for _, t := range targets {
		if t.OrderRef == "" {
			continue
		}
		w.byRef[t.OrderRef] = t.Index
	}
	w.remaining = len(w.byRef)
	w.out = make(chan Observation, len(w.byRef))
	if w.remaining == 0 {
		w.closeLocked()
		return w.out
	}

	m.register(w)
	go m.pollLoop(ctx, w)
	return w.out
}

func (m *FillMonitor) register(w *watch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref := range w.byRef {
		set := m.subs[ref]
		if set == nil {
			set = make(map[*watch]struct{})
			m.subs[ref] = set
		}
		set[w] = struct{}{}
	}
}

func (m *FillMonitor) unregister(w *watch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref := range w.byRef {
		set := m.subs[ref]
		delete(set, w)
		if len(set) == 0 {
			delete(m.subs, ref)
		}
	}
}

func (m *FillMonitor) pollLoop(ctx context.Context, w *watch) {
	defer w.finish()
	defer m.unregister(w)

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		// 先查一次：推送可能在注册之前就已经发生
		m.pollOnce(ctx, w)
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		}
	}
}

func (m *FillMonitor) pollOnce(ctx context.Context, w *watch) {
	refs := w.pending()
	if len(refs) == 0 {
		return
	}
	syncgroup.Each(len(refs), nil, func(i int) {
		st, err := m.getter.GetFillStatus(ctx, refs[i])
		if err != nil {
			if ctx.Err() == nil {
				log.Debugf("poll fill status failed: ref=%s err=%v", refs[i], err)
			}
			return
		}
		w.deliver(refs[i], st, m.now())
	})
}

// OnFillEvent 推送路径（实现 ports.FillEventHandler）。未被监控的引用直接忽略。
func (m *FillMonitor) OnFillEvent(_ context.Context, ev ports.FillEvent) {
	if ev.OrderRef == "" {
		return
	}
	m.mu.Lock()
	set := m.subs[ev.OrderRef]
	ws := make([]*watch, 0, len(set))
	for w := range set {
		ws = append(ws, w)
	}
	m.mu.Unlock()

	at := m.now()
	for _, w := range ws {
		w.deliver(ev.OrderRef, ev.Status, at)
	}
}
