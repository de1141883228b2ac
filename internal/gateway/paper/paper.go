// Package paper 纸交易券商：订单只存在于内存，按配置的延迟成交。
// 用于 dry run 与集成测试，实现 BrokerGateway / OrderLookup / Tradability。
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/ports"
)

var log = logrus.WithField("component", "paper")

// ErrUnknownOrder 订单引用不存在
var ErrUnknownOrder = errors.New("paper: unknown order")

// Config 纸交易参数
type Config struct {
	FillLatency           time.Duration // 下单到成交的延迟，<=0 立即成交
	RejectInstruments     []string      // 下单直接被拒的合约
	UntradableInstruments []string      // IsTradable=false，且回滚市价单被拒
	NeverFillInstruments  []string      // 挂单但永不成交（用于演练超时/回滚）
	DefaultPrice          decimal.Decimal
}

type order struct {
	ref        string
	clientID   string
	instrument string
	side       domain.Side
	qty        int64
	limit      *decimal.Decimal
	state      domain.FillState
	price      *decimal.Decimal
	filledAt   *time.Time
	timer      *time.Timer
}

// Broker 内存券商
type Broker struct {
	cfg        Config
	reject     map[string]bool
	untradable map[string]bool
	neverFill  map[string]bool
	now        func() time.Time

	mu       sync.Mutex
	seq      int64
	orders   map[string]*order
	byClient map[string]string
	marks    map[string]decimal.Decimal
	handlers []ports.FillEventHandler
	closed   bool
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = true
		}
	}
	return out
}

// New 创建纸交易券商
func New(cfg Config) *Broker {
	if !cfg.DefaultPrice.IsPositive() {
		cfg.DefaultPrice = decimal.NewFromInt(1)
	}
	return &Broker{
		cfg:        cfg,
		reject:     toSet(cfg.RejectInstruments),
		untradable: toSet(cfg.UntradableInstruments),
		neverFill:  toSet(cfg.NeverFillInstruments),
		now:        time.Now,
		orders:     make(map[string]*order),
		byClient:   make(map[string]string),
		marks:      make(map[string]decimal.Decimal),
	}
}

// Subscribe 注册成交推送。事件在成交/撤单的 goroutine 中同步回调。
func (b *Broker) Subscribe(h ports.FillEventHandler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// SetMark 设置合约的模拟成交价（市价单使用）
func (b *Broker) SetMark(instrument string, price decimal.Decimal) {
	b.mu.Lock()
	b.marks[instrument] = price
	b.mu.Unlock()
}

func (b *Broker) PlaceOrder(ctx context.Context, leg domain.Leg) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.reject[leg.Instrument] || b.untradable[leg.Instrument] {
		log.Warnf("📝 [纸交易] 拒绝下单: instrument=%s clientOrderID=%s", leg.Instrument, leg.ClientOrderID)
		return "", errors.Errorf("paper: instrument %s rejected", leg.Instrument)
	}
	var limit *decimal.Decimal
	if leg.Style == domain.StyleLimit && leg.LimitPrice != nil {
		p := *leg.LimitPrice
		limit = &p
	}
	return b.place(leg.ClientOrderID, leg.Instrument, leg.Side, leg.Quantity, limit, b.neverFill[leg.Instrument])
}

func (b *Broker) PlaceMarketOrder(ctx context.Context, clientOrderID, instrument string, side domain.Side, quantity int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.untradable[instrument] {
		log.Warnf("📝 [纸交易] 拒绝市价单: instrument=%s clientOrderID=%s", instrument, clientOrderID)
		return "", errors.Errorf("paper: instrument %s is not tradable", instrument)
	}
	return b.place(clientOrderID, instrument, side, quantity, nil, false)
}

func (b *Broker) place(clientID, instrument string, side domain.Side, qty int64, limit *decimal.Decimal, never bool) (string, error) {
	if qty <= 0 {
		return "", errors.Errorf("paper: quantity must be positive, got %d", qty)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", errors.New("paper: broker closed")
	}
	// 同一个客户端订单号只下一次
	if clientID != "" {
		if ref, ok := b.byClient[clientID]; ok {
			return ref, nil
		}
	}
	b.seq++
	o := &order{
		ref:        fmt.Sprintf("paper-%d", b.seq),
		clientID:   clientID,
		instrument: instrument,
		side:       side,
		qty:        qty,
		limit:      limit,
		state:      domain.FillWorking,
	}
	b.orders[o.ref] = o
	if clientID != "" {
		b.byClient[clientID] = o.ref
	}
	log.Infof("📝 [纸交易] 模拟下单: ref=%s clientOrderID=%s instrument=%s side=%s qty=%d",
		o.ref, clientID, instrument, side, qty)

	if !never {
		ref := o.ref
		o.timer = time.AfterFunc(max(b.cfg.FillLatency, 0), func() { b.fill(ref) })
	}
	return o.ref, nil
}

func (b *Broker) fill(ref string) {
	b.mu.Lock()
	o, ok := b.orders[ref]
	if !ok || o.state != domain.FillWorking || b.closed {
		b.mu.Unlock()
		return
	}
	price := b.cfg.DefaultPrice
	if o.limit != nil {
		price = *o.limit
	} else if m, ok := b.marks[o.instrument]; ok {
		price = m
	}
	at := b.now()
	o.state = domain.FillFilled
	o.price = &price
	o.filledAt = &at
	ev := ports.FillEvent{OrderRef: ref, Status: statusOf(o)}
	handlers := append([]ports.FillEventHandler(nil), b.handlers...)
	b.mu.Unlock()

	log.Infof("📝 [纸交易] 模拟成交: ref=%s price=%s", ref, price.String())
	b.publish(handlers, ev)
}

func (b *Broker) publish(handlers []ports.FillEventHandler, ev ports.FillEvent) {
	for _, h := range handlers {
		h.OnFillEvent(context.Background(), ev)
	}
}

func statusOf(o *order) ports.FillStatus {
	st := ports.FillStatus{State: o.state}
	if o.state == domain.FillFilled {
		st.FilledQuantity = o.qty
		p := *o.price
		st.FillPrice = &p
		t := *o.filledAt
		st.FilledAt = &t
	}
	return st
}

func (b *Broker) CancelOrder(ctx context.Context, orderRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	o, ok := b.orders[orderRef]
	if !ok {
		b.mu.Unlock()
		return errors.Wrap(ErrUnknownOrder, orderRef)
	}
	if o.state.IsTerminal() {
		state := o.state
		b.mu.Unlock()
		return errors.Errorf("paper: order %s already %s", orderRef, state)
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	o.state = domain.FillCanceled
	ev := ports.FillEvent{OrderRef: orderRef, Status: statusOf(o)}
	handlers := append([]ports.FillEventHandler(nil), b.handlers...)
	b.mu.Unlock()

	log.Infof("📝 [纸交易] 模拟取消订单: ref=%s", orderRef)
	b.publish(handlers, ev)
	return nil
}

func (b *Broker) GetFillStatus(ctx context.Context, orderRef string) (ports.FillStatus, error) {
	if err := ctx.Err(); err != nil {
		return ports.FillStatus{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderRef]
	if !ok {
		return ports.FillStatus{}, errors.Wrap(ErrUnknownOrder, orderRef)
	}
	return statusOf(o), nil
}

// LookupOrder 按客户端订单号查单
func (b *Broker) LookupOrder(ctx context.Context, clientOrderID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.byClient[clientOrderID]
	return ref, ok, nil
}

// IsTradable 不在 untradable 列表中的合约均可交易
func (b *Broker) IsTradable(_ context.Context, instrument string) (bool, error) {
	return !b.untradable[instrument], nil
}

// Close 停止所有待成交定时器
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, o := range b.orders {
		if o.timer != nil {
			o.timer.Stop()
		}
	}
	return nil
}

var (
	_ ports.BrokerGateway = (*Broker)(nil)
	_ ports.OrderLookup   = (*Broker)(nil)
	_ ports.Tradability   = (*Broker)(nil)
)
