// Package stream 券商成交推送（websocket）。推送只是加速，轮询仍是兜底，
// 所以断线期间丢失的事件不影响正确性。
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/atomicexec/internal/common"
	"github.com/betbot/atomicexec/internal/gateway/rest"
	"github.com/betbot/atomicexec/internal/ports"
)

var log = logrus.WithField("component", "fill_stream")

// Config 推送连接参数
type Config struct {
	URL               string
	APIKey            string
	PingInterval      time.Duration // 默认 10s
	ReadTimeout       time.Duration // 默认 30s，超过未收到任何消息视为断线
	ReconnectDelay    time.Duration // 初始重连延迟，默认 1s
	MaxReconnectDelay time.Duration // 默认 30s
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = 30 * time.Second
	}
	return c
}

// fillMessage 推送消息格式
type fillMessage struct {
	Type           string           `json:"type"`
	OrderRef       string           `json:"order_ref"`
	State          string           `json:"state"`
	FilledQuantity int64            `json:"filled_quantity"`
	FillPrice      *decimal.Decimal `json:"fill_price,omitempty"`
	FilledAt       *time.Time       `json:"filled_at,omitempty"`
}

// FillStream 连接券商的成交推送并把事件串行交给 handler
type FillStream struct {
	cfg     Config
	handler ports.FillEventHandler
	dialer  websocket.Dialer
	warn    *common.Debouncer // 断线告警限频

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewFillStream(cfg Config, handler ports.FillEventHandler) *FillStream {
	return &FillStream{
		cfg:     cfg.withDefaults(),
		handler: handler,
		warn:    common.NewDebouncer(time.Minute),
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

// Connected 当前是否在线
func (s *FillStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Start 在后台运行，断线后按指数退避重连，直到 ctx 结束或 Close
func (s *FillStream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
}

func (s *FillStream) run(ctx context.Context) {
	delay := s.cfg.ReconnectDelay
	for {
		connectedAt := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		// 连接保持过一段时间则重置退避
		if time.Since(connectedAt) > s.cfg.ReadTimeout {
			delay = s.cfg.ReconnectDelay
		}
		if ok, _ := s.warn.Allow(time.Now()); ok {
			log.Warnf("⚠️ fill stream disconnected: %v, reconnecting in %s", err, delay)
		} else {
			log.Debugf("fill stream disconnected: %v, reconnecting in %s", err, delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, s.cfg.MaxReconnectDelay)
	}
}

// session 建立一次连接并读到断开为止
func (s *FillStream) session(ctx context.Context) error {
	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("X-API-Key", s.cfg.APIKey)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	s.setConnected(true)
	defer s.setConnected(false)
	s.warn.Reset()
	log.Infof("✅ fill stream connected: %s", s.cfg.URL)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// ctx 结束时关闭连接以打断阻塞的读
	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	go s.pingLoop(sctx, conn, &writeMu)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		s.dispatch(ctx, data)
	}
}

func (s *FillStream) pingLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			writeMu.Unlock()
			if err != nil {
				log.Debugf("ping failed: %v", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *FillStream) dispatch(ctx context.Context, data []byte) {
	text := strings.TrimSpace(string(data))
	if text == "" || text == "PONG" {
		return
	}
	var msg fillMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debugf("ignore malformed message: %v", err)
		return
	}
	if msg.Type != "fill" && msg.Type != "order" {
		return
	}
	if msg.OrderRef == "" {
		return
	}
	state, err := rest.ParseState(msg.State)
	if err != nil {
		log.Debugf("ignore message for %s: %v", msg.OrderRef, err)
		return
	}
	s.handler.OnFillEvent(ctx, ports.FillEvent{
		OrderRef: msg.OrderRef,
		Status: ports.FillStatus{
			State:          state,
			FillPrice:      msg.FillPrice,
			FilledQuantity: msg.FilledQuantity,
			FilledAt:       msg.FilledAt,
		},
	})
}

func (s *FillStream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Close 停止重连并等待后台退出
func (s *FillStream) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	log.Infof("fill stream closed")
	return nil
}
