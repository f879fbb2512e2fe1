// Package idle は一定時間操作のないログインセッションを失効させます。
package idle

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
	"github.com/fengjnw/10-health-33915059-sub000/internal/pipeline"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

const (
	DefaultTimeout = 30 * time.Minute
	DefaultWarning = 25 * time.Minute

	HeaderWarning   = "X-Session-Warning"
	HeaderRemaining = "X-Session-Remaining"
)

// Guard は最終アクセスからの経過時間を確認するステージです。
type Guard struct {
	timeout time.Duration
	warning time.Duration
	audit   *audit.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

var _ pipeline.Stage = (*Guard)(nil)

func New(timeout, warning time.Duration, a *audit.Logger, m *metrics.Metrics) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if warning <= 0 || warning >= timeout {
		warning = DefaultWarning
	}
	return &Guard{timeout: timeout, warning: warning, audit: a, metrics: m, now: time.Now}
}

// SetClock はテスト用に時刻を差し替えます。
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

func (g *Guard) Handle(c *gin.Context) pipeline.Result {
	user, ok := session.CurrentUser(session.Load(c))
	if !ok {
		return pipeline.Continue
	}

	now := g.now()
	if last := session.LastActivity(c); !last.IsZero() {
		elapsed := now.Sub(last)
		if elapsed > g.timeout {
			g.expire(c, user.ID, user.Username, elapsed)
			return pipeline.Halt
		}
		if elapsed > g.warning {
			remaining := int((g.timeout - elapsed).Seconds())
			c.Set(web.KeySessionWarning, true)
			c.Set(web.KeySessionRemaining, remaining)
			c.Header(HeaderWarning, "true")
			c.Header(HeaderRemaining, strconv.Itoa(remaining))
		}
	}

	if err := session.Touch(c, now); err != nil {
		logger.From(c).Warn("session touch failed", logger.Err(err))
	}
	return pipeline.Continue
}

func (g *Guard) expire(c *gin.Context, userID int64, username string, elapsed time.Duration) {
	if err := session.Destroy(c); err != nil {
		logger.From(c).Warn("session destroy failed", logger.Err(err))
	}
	g.metrics.SessionTimedOut()
	g.audit.LogSecurity(c, audit.SessionTimeout, audit.Actor{ID: userID, Username: username},
		map[string]any{"idle_seconds": int(elapsed.Seconds())})
	logger.From(c).Info("session expired", zap.Int64("user_id", userID), zap.Duration("idle", elapsed))

	if web.WantsJSON(c) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success":        false,
			"error":          "Session expired",
			"sessionExpired": true,
		})
		return
	}
	c.HTML(http.StatusUnauthorized, "timeout.html", nil)
	c.Abort()
}

// StatusHandler は GET /internal/session のハンドラーです。残りの猶予秒数を返します。
func (g *Guard) StatusHandler(c *gin.Context) {
	if _, ok := session.User(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
		return
	}
	remaining := g.timeout
	if last := session.LastActivity(c); !last.IsZero() {
		remaining = g.timeout - g.now().Sub(last)
	}
	web.OK(c, http.StatusOK, gin.H{
		"remainingSeconds":   int(remaining.Seconds()),
		"idleTimeoutSeconds": int(g.timeout.Seconds()),
		"warning":            c.GetBool(web.KeySessionWarning),
	})
}
