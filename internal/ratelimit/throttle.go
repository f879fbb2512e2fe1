package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

// throttle はクライアントIPごとのトークンバケットです。
type throttle struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle は /api 全体に掛けるリクエスト数の上限（1秒あたり rps、最大 burst）です。
// 使われなくなったバケットは Service の掃除で削除されます。
func (s *Service) Throttle(rps float64, burst int) gin.HandlerFunc {
	t := &throttle{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     s.now,
	}
	s.mu.Lock()
	s.throttles = append(s.throttles, t)
	s.mu.Unlock()

	return func(c *gin.Context) {
		if ok, retry := t.allow(c.ClientIP()); !ok {
			s.metrics.RateLimited("api")
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			web.RespondError(c, apperror.RateLimit("Too many requests"))
			return
		}
		c.Next()
	}
}

func (t *throttle) allow(ip string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b, ok := t.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[ip] = b
	}
	b.lastSeen = now
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (t *throttle) sweep(now time.Time, idle time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, b := range t.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(t.buckets, ip)
		}
	}
}

func (t *throttle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
