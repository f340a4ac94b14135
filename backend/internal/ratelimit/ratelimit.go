package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultWindow = 1000 * time.Millisecond
	DefaultMaxOps = 20
)

type Options struct {
	Window time.Duration
	MaxOps int
}

// Limiter 按用户维护滑动窗口：最近 Window 内的接受时间戳序列。
// 纯进程内状态，重启即清零——这是软性防刷闸门，不是正确性机制。
// 多进程部署下限流按进程生效，不做全局限流（已知取舍）。
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	maxOps int
	ops    map[uint64][]time.Time

	// 测试注入用
	now func() time.Time
}

func NewLimiter(opt Options) *Limiter {
	if opt.Window <= 0 {
		opt.Window = DefaultWindow
	}
	if opt.MaxOps <= 0 {
		opt.MaxOps = DefaultMaxOps
	}
	return &Limiter{
		window: opt.Window,
		maxOps: opt.MaxOps,
		ops:    make(map[uint64][]time.Time),
		now:    time.Now,
	}
}

// Allow 判断该用户的一次提交是否放行。
// 先剪掉窗口外的时间戳，再比较剩余条数；放行时记录本次时间。
// 同一用户的并发提交靠互斥锁保证计数不丢。
func (l *Limiter) Allow(userID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	arr := l.ops[userID]
	kept := arr[:0]
	for _, ts := range arr {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.maxOps {
		l.ops[userID] = kept
		return false
	}
	l.ops[userID] = append(kept, now)
	return true
}

// Forget 清除某用户的窗口。房间清空后可调用，属于软回收，不影响正确性。
func (l *Limiter) Forget(userID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ops, userID)
}
