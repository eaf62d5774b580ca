package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
}

// TokenBucket 令牌桶速率限制器（按经过时间连续补充）
type TokenBucket struct {
	capacity   float64   // 桶容量（突发上限）
	tokens     float64   // 当前令牌数
	refillRate float64   // 每秒补充的令牌数
	lastRefill time.Time // 上次补充时间
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶
// capacity <= 0 时按 refillRate 取值；refillRate <= 0 表示不限速
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	if capacity <= 0 {
		capacity = int(refillRate)
		if capacity <= 0 {
			capacity = 1
		}
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// refill 补充令牌（调用方持有锁）
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Allow 检查是否允许请求（允许时消耗一个令牌）
func (tb *TokenBucket) Allow() bool {
	if tb.refillRate <= 0 {
		return true
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 等待直到允许请求，ctx 取消时返回 ctx.Err()
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}

		// 计算下一个令牌到达需要的时间
		tb.mu.Lock()
		tb.refill()
		missing := 1 - tb.tokens
		tb.mu.Unlock()
		waitTime := time.Duration(missing / tb.refillRate * float64(time.Second))
		if waitTime < time.Millisecond {
			waitTime = time.Millisecond
		}

		timer := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetRemaining 获取剩余令牌数
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}

// Deribit 把接口分为撮合引擎请求和非撮合请求，两者分别计费
const (
	CategoryMatching    = "matching"
	CategoryNonMatching = "non_matching"
)

// matchingMethods 走撮合引擎额度的方法
var matchingMethods = map[string]bool{
	"private/buy":    true,
	"private/sell":   true,
	"private/edit":   true,
	"private/cancel": true,
}

// Category 返回方法对应的限速分类
func Category(method string) string {
	if matchingMethods[strings.TrimPrefix(method, "/")] {
		return CategoryMatching
	}
	return CategoryNonMatching
}

// Limits 各分类的速率配置（每秒请求数与突发上限）
type Limits struct {
	MatchingPerSecond    float64
	MatchingBurst        int
	NonMatchingPerSecond float64
	NonMatchingBurst     int
}

// DefaultLimits Deribit 默认账户等级下的保守限速
func DefaultLimits() Limits {
	return Limits{
		MatchingPerSecond:    5,
		MatchingBurst:        20,
		NonMatchingPerSecond: 20,
		NonMatchingBurst:     100,
	}
}

// RateLimitManager 按方法分类的速率限制管理器
type RateLimitManager struct {
	limiters map[string]RateLimiter
	mu       sync.RWMutex
}

// NewRateLimitManager 创建新的速率限制管理器
func NewRateLimitManager(limits Limits) *RateLimitManager {
	return &RateLimitManager{
		limiters: map[string]RateLimiter{
			CategoryMatching:    NewTokenBucket(limits.MatchingBurst, limits.MatchingPerSecond),
			CategoryNonMatching: NewTokenBucket(limits.NonMatchingBurst, limits.NonMatchingPerSecond),
		},
	}
}

// GetLimiter 获取方法对应的速率限制器
func (rlm *RateLimitManager) GetLimiter(method string) RateLimiter {
	rlm.mu.RLock()
	defer rlm.mu.RUnlock()
	return rlm.limiters[Category(method)]
}

// Wait 等待直到允许请求
func (rlm *RateLimitManager) Wait(ctx context.Context, method string) error {
	limiter := rlm.GetLimiter(method)
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// GetRemaining 获取剩余请求数
func (rlm *RateLimitManager) GetRemaining(method string) int {
	limiter := rlm.GetLimiter(method)
	if limiter == nil {
		return 0
	}
	return limiter.GetRemaining()
}
