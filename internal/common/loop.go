package common

import (
	"context"
	"sync"
	"time"
)

// StartTickerLoop 只启动一次后台循环：每个 tick 调用一次 fn，ctx 取消时退出。
//
// - once 为 nil 时每次调用都启动
// - setCancel 收到循环的 cancel，用于 Stop
// - tick <= 0 时不启动
// - runNow 为 true 时先立即执行一次
func StartTickerLoop(
	parent context.Context,
	once *sync.Once,
	setCancel func(context.CancelFunc),
	tick time.Duration,
	runNow bool,
	fn func(ctx context.Context),
) {
	if tick <= 0 || fn == nil {
		return
	}
	start := func() {
		loopCtx, cancel := context.WithCancel(parent)
		if setCancel != nil {
			setCancel(cancel)
		}
		go runTicker(loopCtx, tick, runNow, fn)
	}
	if once == nil {
		start()
		return
	}
	once.Do(start)
}

func runTicker(ctx context.Context, tick time.Duration, runNow bool, fn func(context.Context)) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	if runNow {
		fn(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
