package risk

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitBreakerOpen 表示断路器已打开，禁止创建新的原子组。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveFailures 连续提交失败上限（腿在下单阶段被拒）。
	MaxConsecutiveFailures int64
}

// 熔断来源。不同来源各自解除：持久化熔断在存储恢复后自动解除，
// 回滚失败与连续提交失败只能由运维 Resume。
type HaltCause string

const (
	CausePersistence HaltCause = "persistence"
	CauseRollback    HaltCause = "rollback"
	CauseSubmission  HaltCause = "submission"
	CauseManual      HaltCause = "manual"
)

type haltEntry struct {
	cause  HaltCause
	reason string
	at     time.Time
}

// CircuitBreaker 高频快路径使用原子变量。
//
// 打开的来源：
// - 持久化失败（存储恢复健康前禁止新建组）
// - 回滚失败（需要人工介入）
// - 连续提交失败达到阈值
//
// 只要还有任一来源未解除，就保持熔断。
type CircuitBreaker struct {
	halted atomic.Bool

	consecutiveFailures    atomic.Int64
	maxConsecutiveFailures atomic.Int64

	mu     sync.Mutex
	causes []haltEntry // 按熔断先后排列，每个来源最多一条
}

// BreakerState 当前断路器状态快照
type BreakerState struct {
	Halted              bool        `json:"halted"`
	Reason              string      `json:"reason,omitempty"` // 各来源原因，按先后用 "; " 连接
	Causes              []HaltCause `json:"causes,omitempty"`
	HaltedAt            time.Time   `json:"halted_at,omitempty"` // 最早一次熔断时间
	ConsecutiveFailures int64       `json:"consecutive_failures"`
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveFailures.Store(cfg.MaxConsecutiveFailures)
}

// Halt 按来源熔断。同一来源重复熔断时保留第一次的原因。
func (cb *CircuitBreaker) Halt(cause HaltCause, reason string) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for _, h := range cb.causes {
		if h.cause == cause {
			return
		}
	}
	cb.causes = append(cb.causes, haltEntry{cause: cause, reason: reason, at: time.Now()})
	cb.halted.Store(true)
}

// Clear 只解除指定来源；返回解除后是否仍处于熔断。
func (cb *CircuitBreaker) Clear(cause HaltCause) (stillHalted bool) {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	kept := cb.causes[:0]
	for _, h := range cb.causes {
		if h.cause != cause {
			kept = append(kept, h)
		}
	}
	cb.causes = kept
	if cause == CauseSubmission {
		cb.consecutiveFailures.Store(0)
	}
	stillHalted = len(cb.causes) > 0
	cb.halted.Store(stillHalted)
	return stillHalted
}

// HaltedBy 指定来源是否在熔断中
func (cb *CircuitBreaker) HaltedBy(cause HaltCause) bool {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for _, h := range cb.causes {
		if h.cause == cause {
			return true
		}
	}
	return false
}

// Resume 运维解除全部来源（会同时清空连续失败计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	cb.causes = nil
	cb.mu.Unlock()
	cb.halted.Store(false)
	cb.consecutiveFailures.Store(0)
}

// Halted 是否处于熔断
func (cb *CircuitBreaker) Halted() bool {
	return cb != nil && cb.halted.Load()
}

// Allow 快路径检查是否允许新建组。
func (cb *CircuitBreaker) Allow() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}
	maxFail := cb.maxConsecutiveFailures.Load()
	if maxFail > 0 && cb.consecutiveFailures.Load() >= maxFail {
		cb.Halt(CauseSubmission, fmt.Sprintf("%d consecutive submission failures", maxFail))
		return ErrCircuitBreakerOpen
	}
	return nil
}

// OnSuccess 一次组执行成功后调用，清空连续失败计数。
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveFailures.Store(0)
}

// OnFailure 一次提交失败后调用，累计连续失败计数。
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	cb.consecutiveFailures.Add(1)
}

// State 返回状态快照
func (cb *CircuitBreaker) State() BreakerState {
	if cb == nil {
		return BreakerState{}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := BreakerState{
		Halted:              cb.halted.Load(),
		ConsecutiveFailures: cb.consecutiveFailures.Load(),
	}
	reasons := make([]string, 0, len(cb.causes))
	for _, h := range cb.causes {
		st.Causes = append(st.Causes, h.cause)
		reasons = append(reasons, h.reason)
	}
	st.Reason = strings.Join(reasons, "; ")
	if len(cb.causes) > 0 {
		st.HaltedAt = cb.causes[0].at
	}
	return st
}
