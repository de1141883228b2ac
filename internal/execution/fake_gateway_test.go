package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/betbot/atomicexec/internal/alert"
	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/ports"
	"github.com/betbot/atomicexec/pkg/persistence"
)

// fakeGateway 按合约脚本化的券商：订单状态按下单后经过的时间惰性推进。
type fakeGateway struct {
	mu       sync.Mutex
	seq      int
	orders   map[string]*fakeOrder
	byClient map[string]string
	cancels  []string

	placeErr          map[string]error         // 正向下单直接报错
	fillAfter         map[string]time.Duration // 正向单成交延迟；缺省永不成交
	failAfter         map[string]time.Duration // 正向单在延迟后被拒
	ignoreCancel      map[string]bool          // 撤单无效
	partialOnCancel   map[string]int64         // 撤单时已部分成交的数量
	rollbackReject    map[string]bool          // 回滚市价单被拒
	rollbackLostAck   map[string]bool          // 回滚市价单已受理但应答丢失
	rollbackNeverFill bool
	rollbackFillAfter time.Duration

	onPlaceMarket func(clientOrderID string)
}

type fakeOrder struct {
	ref        string
	clientID   string
	instrument string
	side       domain.Side
	qty        int64
	rollback   bool
	placedAt   time.Time
	state      domain.FillState
	filledQty  int64
	filledAt   *time.Time
}

var testFillPrice = decimal.RequireFromString("2.15")

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		orders:          make(map[string]*fakeOrder),
		byClient:        make(map[string]string),
		placeErr:        make(map[string]error),
		fillAfter:       make(map[string]time.Duration),
		failAfter:       make(map[string]time.Duration),
		ignoreCancel:    make(map[string]bool),
		partialOnCancel: make(map[string]int64),
		rollbackReject:  make(map[string]bool),
		rollbackLostAck: make(map[string]bool),
	}
}

func (f *fakeGateway) addLocked(clientID, instrument string, side domain.Side, qty int64, rollback bool) string {
	f.seq++
	ref := fmt.Sprintf("ord-%d", f.seq)
	f.orders[ref] = &fakeOrder{
		ref:        ref,
		clientID:   clientID,
		instrument: instrument,
		side:       side,
		qty:        qty,
		rollback:   rollback,
		placedAt:   time.Now(),
		state:      domain.FillWorking,
	}
	if clientID != "" {
		f.byClient[clientID] = ref
	}
	return ref
}

func (f *fakeGateway) PlaceOrder(_ context.Context, leg domain.Leg) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.placeErr[leg.Instrument]; err != nil {
		return "", err
	}
	return f.addLocked(leg.ClientOrderID, leg.Instrument, leg.Side, leg.Quantity, false), nil
}

func (f *fakeGateway) PlaceMarketOrder(_ context.Context, clientOrderID, instrument string, side domain.Side, quantity int64) (string, error) {
	if f.onPlaceMarket != nil {
		f.onPlaceMarket(clientOrderID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rollbackReject[instrument] {
		return "", fmt.Errorf("instrument %s halted", instrument)
	}
	ref := f.addLocked(clientOrderID, instrument, side, quantity, true)
	if f.rollbackLostAck[instrument] {
		return "", fmt.Errorf("read tcp: connection reset by peer")
	}
	return ref, nil
}

func (f *fakeGateway) fillLocked(o *fakeOrder, at time.Time) {
	o.state = domain.FillFilled
	o.filledQty = o.qty
	o.filledAt = &at
}

func (f *fakeGateway) advanceLocked(o *fakeOrder, now time.Time) {
	if o.state != domain.FillWorking {
		return
	}
	age := now.Sub(o.placedAt)
	if o.rollback {
		if !f.rollbackNeverFill && age >= f.rollbackFillAfter {
			f.fillLocked(o, o.placedAt.Add(f.rollbackFillAfter))
		}
		return
	}
	if d, ok := f.failAfter[o.instrument]; ok && age >= d {
		o.state = domain.FillRejected
		return
	}
	if d, ok := f.fillAfter[o.instrument]; ok && age >= d {
		f.fillLocked(o, o.placedAt.Add(d))
	}
}

func (f *fakeGateway) GetFillStatus(_ context.Context, ref string) (ports.FillStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[ref]
	if !ok {
		return ports.FillStatus{}, fmt.Errorf("unknown order %s", ref)
	}
	f.advanceLocked(o, time.Now())
	st := ports.FillStatus{State: o.state, FilledQuantity: o.filledQty}
	if o.state == domain.FillFilled {
		p := testFillPrice
		st.FillPrice = &p
		t := *o.filledAt
		st.FilledAt = &t
	}
	return st, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[ref]
	if !ok {
		return fmt.Errorf("unknown order %s", ref)
	}
	f.cancels = append(f.cancels, ref)
	f.advanceLocked(o, time.Now())
	if o.state.IsTerminal() {
		return fmt.Errorf("order %s already %s", ref, o.state)
	}
	if f.ignoreCancel[o.instrument] {
		return fmt.Errorf("cancel rejected for %s", ref)
	}
	o.state = domain.FillCanceled
	o.filledQty = f.partialOnCancel[o.instrument]
	return nil
}

// forceFill 立即把订单置为成交（模拟外部事件）
func (f *fakeGateway) forceFill(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[ref]; ok && o.state == domain.FillWorking {
		f.fillLocked(o, time.Now())
	}
}

func (f *fakeGateway) placed(rollback bool) []fakeOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeOrder
	for i := 1; i <= f.seq; i++ {
		o := f.orders[fmt.Sprintf("ord-%d", i)]
		if o != nil && o.rollback == rollback {
			out = append(out, *o)
		}
	}
	return out
}

func (f *fakeGateway) canceled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

// lookupGateway 额外支持按客户端订单号查单
type lookupGateway struct{ *fakeGateway }

func (g lookupGateway) LookupOrder(_ context.Context, clientOrderID string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ref, ok := g.byClient[clientOrderID]
	return ref, ok, nil
}

// tradableGateway 额外支持可交易性查询
type tradableGateway struct {
	*fakeGateway
	blocked map[string]bool
}

func (g tradableGateway) IsTradable(_ context.Context, instrument string) (bool, error) {
	return !g.blocked[instrument], nil
}

// flakyStore 在 failOn 返回 true 时让 Save 失败
type flakyStore struct {
	ports.GroupStore
	mu      sync.Mutex
	failOn  func(*domain.Group) bool
	pingErr error
}

func (s *flakyStore) Save(ctx context.Context, g *domain.Group) error {
	s.mu.Lock()
	fail := s.failOn != nil && s.failOn(g)
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("disk full")
	}
	return s.GroupStore.Save(ctx, g)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	err := s.pingErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.GroupStore.Ping(ctx)
}

func (s *flakyStore) set(failOn func(*domain.Group) bool, pingErr error) {
	s.mu.Lock()
	s.failOn = failOn
	s.pingErr = pingErr
	s.mu.Unlock()
}

// countingStore 统计 Save 次数
type countingStore struct {
	ports.GroupStore
	mu    sync.Mutex
	saves []domain.GroupStatus
}

func (s *countingStore) Save(ctx context.Context, g *domain.Group) error {
	s.mu.Lock()
	s.saves = append(s.saves, g.Status)
	s.mu.Unlock()
	return s.GroupStore.Save(ctx, g)
}

func (s *countingStore) saved() []domain.GroupStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.GroupStatus(nil), s.saves...)
}

var testConfig = Config{
	ExecutionWindow: 300 * time.Millisecond,
	RollbackWindow:  300 * time.Millisecond,
	PollInterval:    5 * time.Millisecond,
	CallTimeout:     time.Second,
}

func newMemStore(t *testing.T) ports.GroupStore {
	t.Helper()
	s, err := persistence.OpenBadger(persistence.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type harness struct {
	ex     *Executor
	store  ports.GroupStore
	alerts *alert.Recorder
}

func newHarness(t *testing.T, gw ports.BrokerGateway, gate ports.RiskGate, store ports.GroupStore, opts ...Option) *harness {
	t.Helper()
	if store == nil {
		store = newMemStore(t)
	}
	rec := alert.NewRecorder(32)
	ex := NewExecutor(gw, gate, store, testConfig, append([]Option{WithAlertSink(rec)}, opts...)...)
	_, err := ex.Recover(context.Background())
	require.NoError(t, err)
	return &harness{ex: ex, store: store, alerts: rec}
}

// group 创建一个带有给定腿的组
func (h *harness) group(t *testing.T, tag string, legs ...domain.Leg) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.ex.CreateGroup(ctx, tag)
	require.NoError(t, err)
	for _, l := range legs {
		require.NoError(t, h.ex.AddLeg(ctx, id, l))
	}
	return id
}

func (h *harness) stored(t *testing.T, id string) *domain.Group {
	t.Helper()
	g, err := h.store.Load(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (h *harness) alertKinds() []alert.Kind {
	var out []alert.Kind
	for _, a := range h.alerts.Recent() {
		out = append(out, a.Kind)
	}
	return out
}
