package syncgroup

import (
	"sync"
)

// SyncGroup 是 sync.WaitGroup 的包装器，自动管理 Add() 和 Done()。
// 用于“并发发起一批券商调用，全部返回后再统一处理结果”的场景。
type SyncGroup struct {
	wg sync.WaitGroup
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Go 启动一个 goroutine
func (w *SyncGroup) Go(fn func()) {
	if fn == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Wait 等待所有 goroutine 完成
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}

// Each 对 [0, n) 中 skip 返回 false 的下标并发执行 fn，全部完成后返回。
// skip 为 nil 时执行全部下标。
func Each(n int, skip func(i int) bool, fn func(i int)) {
	var g SyncGroup
	for i := 0; i < n; i++ {
		if skip != nil && skip(i) {
			continue
		}
		g.Go(func() { fn(i) })
	}
	g.Wait()
}
