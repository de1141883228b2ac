package execution

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// ErrDuplicateInFlight 表示同一 key（组 ID）仍在执行中。
var ErrDuplicateInFlight = fmt.Errorf("duplicate in-flight")

// InFlightDeduper 按 key 的确定性互斥：同一个组同一时刻只允许一个 Execute/恢复流程。
//
// - 分片 map，不同组之间没有共享锁
// - ttl > 0 时令牌会过期（惰性清理）；ttl <= 0 表示持有到 Release
type InFlightDeduper struct {
	ttl    time.Duration
	shards []inFlightShard
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt（零值表示不过期）
}

// NewInFlightDeduper 创建去重器。
func NewInFlightDeduper(ttl time.Duration, shardCount int) *InFlightDeduper {
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &InFlightDeduper{ttl: ttl, shards: shards}
}

func (d *InFlightDeduper) live(exp, now time.Time) bool {
	return exp.IsZero() || exp.After(now)
}

// TryAcquire 尝试获取 key 的 in-flight 令牌。
// - 成功返回 nil
// - 失败返回 ErrDuplicateInFlight
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil || key == "" {
		return nil
	}
	now := time.Now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if exp, ok := sh.m[key]; ok && d.live(exp, now) {
		return ErrDuplicateInFlight
	}
	var exp time.Time
	if d.ttl > 0 {
		exp = now.Add(d.ttl)
	}
	sh.m[key] = exp
	return nil
}

// Held key 当前是否被持有
func (d *InFlightDeduper) Held(key string) bool {
	if d == nil || key == "" {
		return false
	}
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	exp, ok := sh.m[key]
	if ok && !d.live(exp, time.Now()) {
		delete(sh.m, key)
		return false
	}
	return ok
}

// Release 释放 key
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

func (d *InFlightDeduper) shard(key string) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32() % uint32(len(d.shards)))
	return &d.shards[idx]
}
