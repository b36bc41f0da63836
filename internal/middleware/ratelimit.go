package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/primsh/relay/internal/config"
)

// callerLimiter 单个调用方的限流器
type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按调用方身份限流。身份缺失时退回按来源 IP。
type RateLimiter struct {
	mu      sync.Mutex
	callers map[string]*callerLimiter
	rps     rate.Limit
	burst   int
}

// NewRateLimiter 创建限流中间件
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		callers: make(map[string]*callerLimiter),
		rps:     rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.callers[key]
	if !ok {
		entry = &callerLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.callers[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// cleanupLoop 周期回收长时间不活跃的限流器，防止 map 无界增长。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-30 * time.Minute)
		rl.mu.Lock()
		for key, entry := range rl.callers {
			if entry.lastSeen.Before(cutoff) {
				delete(rl.callers, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Handler 限流中间件
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := Owner(c)
		if key == "" {
			key = c.ClientIP()
		}
		if !rl.limiterFor(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "请求过于频繁，请稍后重试",
			})
			return
		}
		c.Next()
	}
}
