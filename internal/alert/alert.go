package alert

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "alert")

// Severity 告警级别
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Kind 告警类型
type Kind string

const (
	KindRollbackFailed     Kind = "ROLLBACK_FAILED"
	KindPersistenceFailure Kind = "PERSISTENCE_FAILURE"
	KindOrphanOrder        Kind = "ORPHAN_ORDER" // 恢复时发现没有订单引用的腿
	KindCancelFailed       Kind = "CANCEL_FAILED"
)

// Alert 面向运维的告警。回滚失败与持久化失败不走正常返回路径，而是从这里升级。
type Alert struct {
	Severity Severity          `json:"severity"`
	Kind     Kind              `json:"kind"`
	GroupID  string            `json:"group_id,omitempty"`
	Strategy string            `json:"strategy,omitempty"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Sink 告警出口
type Sink interface {
	Emit(ctx context.Context, a Alert)
}

// LogSink 写日志（CRITICAL 用 Error 级别）
type LogSink struct{}

func (LogSink) Emit(_ context.Context, a Alert) {
	fields := logrus.Fields{
		"severity": a.Severity,
		"kind":     a.Kind,
		"group_id": a.GroupID,
	}
	if a.Strategy != "" {
		fields["strategy"] = a.Strategy
	}
	for k, v := range a.Fields {
		fields[k] = v
	}
	entry := log.WithFields(fields)
	if a.Severity == SeverityCritical {
		entry.Errorf("🚨 %s", a.Message)
		return
	}
	entry.Warnf("⚠️ %s", a.Message)
}

// Fanout 同时发往多个出口
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, a Alert) {
	for _, s := range f {
		if s != nil {
			s.Emit(ctx, a)
		}
	}
}

// Recorder 保留最近 N 条告警（控制面查询）
type Recorder struct {
	mu    sync.Mutex
	max   int
	items []Alert
}

func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 256
	}
	return &Recorder{max: max}
}

func (r *Recorder) Emit(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, a)
	if over := len(r.items) - r.max; over > 0 {
		r.items = append([]Alert(nil), r.items[over:]...)
	}
}

// Recent 返回最近的告警（新的在后）
func (r *Recorder) Recent() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.items...)
}

// Channel 把告警投递到一个有缓冲的 channel，满了就丢弃并记日志（不阻塞执行路径）
type Channel struct {
	C chan Alert
}

func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 64
	}
	return &Channel{C: make(chan Alert, size)}
}

func (c *Channel) Emit(_ context.Context, a Alert) {
	select {
	case c.C <- a:
	default:
		log.Warnf("告警 channel 已满，丢弃: kind=%s group=%s", a.Kind, a.GroupID)
	}
}
