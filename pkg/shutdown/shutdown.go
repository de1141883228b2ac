package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type entry struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器：按注册的逆序依次执行（后启动的先关闭）。
// 例如先停 HTTP 入口，再停执行器巡检，最后关闭存储。
type Manager struct {
	mu       sync.Mutex
	handlers []entry
	once     sync.Once
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, entry{name: name, fn: fn})
}

// Shutdown 执行所有关闭回调（阻塞调用，只执行一次）。
// ctx 应该带超时；超时后剩余回调仍会被调用，但会拿到已取消的 ctx。
func (m *Manager) Shutdown(ctx context.Context) {
	m.once.Do(func() {
		m.mu.Lock()
		handlers := append([]entry(nil), m.handlers...)
		m.mu.Unlock()

		log.Infof("开始优雅关闭，共 %d 个回调", len(handlers))
		for i := len(handlers) - 1; i >= 0; i-- {
			h := handlers[i]
			if err := h.fn(ctx); err != nil {
				log.Warnf("⚠️ 关闭 %s 失败: %v", h.name, err)
				continue
			}
			log.Debugf("关闭 %s 完成", h.name)
		}
		if err := ctx.Err(); err != nil {
			log.Warnf("关闭超时: %v", err)
			return
		}
		log.Info("所有关闭回调已完成")
	})
}
