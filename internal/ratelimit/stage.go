package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/pipeline"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

const attemptKey = "ratelimit.attempt"

// Attempt は1回の認証試行です。ハンドラーは結果に応じて Fail か Succeed のどちらかを1度だけ呼びます。
type Attempt struct {
	svc      *Service
	policy   string
	ip       string
	resolved bool
}

// AttemptFrom はステージが付与した Attempt を返します。ステージを通っていない場合は nil です。
func AttemptFrom(c *gin.Context) *Attempt {
	v, ok := c.Get(attemptKey)
	if !ok {
		return nil
	}
	a, _ := v.(*Attempt)
	return a
}

// Fail は失敗として記録します。
func (a *Attempt) Fail(ctx context.Context) {
	if a == nil || a.resolved {
		return
	}
	a.resolved = true
	a.svc.RecordIncrement(ctx, a.policy, a.ip)
}

// Succeed は成功としてカウンターをリセットします。
func (a *Attempt) Succeed(ctx context.Context) {
	if a == nil || a.resolved {
		return
	}
	a.resolved = true
	a.svc.RecordSuccess(ctx, a.policy, a.ip)
}

// Skip はカウンターを変更せずに試行を終えます。サーバー側の障害で判定できなかった場合に使います。
func (a *Attempt) Skip() {
	if a != nil {
		a.resolved = true
	}
}

// Resolved は Fail・Succeed・Skip のいずれかが呼ばれたかを返します。
func (a *Attempt) Resolved() bool {
	return a != nil && a.resolved
}

type stage struct {
	svc    *Service
	policy string
}

var (
	_ pipeline.Stage    = (*stage)(nil)
	_ pipeline.Finisher = (*stage)(nil)
)

// Stage は policy の閾値を確認するパイプラインステージを返します。
func (s *Service) Stage(policy string) pipeline.Stage {
	s.mustPolicy(policy)
	return &stage{svc: s, policy: policy}
}

func (st *stage) Handle(c *gin.Context) pipeline.Result {
	ip := c.ClientIP()
	allowed, retry := st.svc.Check(c.Request.Context(), st.policy, ip)
	if !allowed {
		st.svc.metrics.RateLimited(st.policy)
		actor := audit.Actor{}
		if u, ok := session.User(c); ok {
			actor = audit.ActorOf(u)
		}
		st.svc.audit.LogSecurity(c, audit.RateLimitExceeded, actor, map[string]any{"policy": st.policy})
		logger.From(c).Warn("rate limit exceeded", zap.String("policy", st.policy), zap.String("ip", ip))

		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		web.RespondError(c, apperror.RateLimit("Too many attempts. Please try again later."))
		return pipeline.Halt
	}
	c.Set(attemptKey, &Attempt{svc: st.svc, policy: st.policy, ip: ip})
	return pipeline.Continue
}

// Finish は結果が記録されなかった試行を応答ステータスから判定して記録します。
func (st *stage) Finish(c *gin.Context) {
	a := AttemptFrom(c)
	if a == nil || a.resolved {
		return
	}
	status := c.Writer.Status()
	logger.From(c).Warn("rate limit attempt not resolved by handler",
		zap.String("policy", st.policy), zap.Int("status", status))
	if status >= http.StatusBadRequest && status != http.StatusTooManyRequests {
		a.Fail(c.Request.Context())
		return
	}
	a.Succeed(c.Request.Context())
}
