package common

import (
	"sync"
	"time"
)

// Debouncer 基于时间的闸门：两次放行之间至少间隔 interval。
// 用于日志限频之类的场景，并发安全。
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Allow 判断 now 是否可以放行；放行时记录时间并返回距上次放行的间隔（首次为 0）。
func (d *Debouncer) Allow(now time.Time) (ok bool, since time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.last.IsZero() {
		since = now.Sub(d.last)
		if d.interval > 0 && since < d.interval {
			return false, since
		}
	}
	d.last = now
	return true, since
}

// Reset 清除记录，下一次 Allow 必定放行
func (d *Debouncer) Reset() {
	d.mu.Lock()
	d.last = time.Time{}
	d.mu.Unlock()
}
