// Package csrf はセッションに紐づくトークンで状態変更リクエストを検証します。
package csrf

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
	"github.com/fengjnw/10-health-33915059-sub000/internal/pipeline"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

const (
	FieldName  = "_csrf"
	HeaderName = "X-CSRF-Token"

	tokenBytes   = 32
	maxBodyPeek  = 1 << 20
	rejectReason = "Invalid CSRF token"
)

// Skipper が true を返したリクエストは検証しません。
type Skipper func(c *gin.Context) bool

// SkipRoute は特定のメソッドとパスを検証対象から外します。
func SkipRoute(method, path string) Skipper {
	return func(c *gin.Context) bool {
		return c.Request.Method == method && c.Request.URL.Path == path
	}
}

// Guard は CSRF 検証ステージです。
type Guard struct {
	audit    *audit.Logger
	metrics  *metrics.Metrics
	skippers []Skipper
}

var _ pipeline.Stage = (*Guard)(nil)

func New(a *audit.Logger, m *metrics.Metrics, skippers ...Skipper) *Guard {
	return &Guard{audit: a, metrics: m, skippers: skippers}
}

// Handle は安全でないメソッドについてトークンを照合し、成功したらトークンを更新します。
func (g *Guard) Handle(c *gin.Context) pipeline.Result {
	if isSafeMethod(c.Request.Method) {
		return pipeline.Continue
	}
	for _, skip := range g.skippers {
		if skip(c) {
			return pipeline.Continue
		}
	}

	expected, _ := session.Get(c).Get(session.KeyCSRF).(string)
	provided := extract(c)

	reason := ""
	switch {
	case expected == "":
		reason = "no token in session"
	case provided == "":
		reason = "missing token"
	case subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1:
		reason = "token mismatch"
	}
	if reason != "" {
		g.reject(c, reason)
		return pipeline.Halt
	}

	if _, err := Rotate(c); err != nil {
		logger.From(c).Warn("csrf token rotation failed", logger.Err(err))
	}
	return pipeline.Continue
}

func (g *Guard) reject(c *gin.Context, reason string) {
	g.metrics.CSRFRejected()
	actor := audit.Actor{}
	if u, ok := session.User(c); ok {
		actor = audit.ActorOf(u)
	}
	g.audit.LogSecurity(c, audit.CSRFViolation, actor, map[string]any{"reason": reason})
	logger.From(c).Warn("csrf validation failed", zap.String("reason", reason))

	fresh, err := Rotate(c)
	if err != nil {
		logger.From(c).Warn("csrf token rotation failed", logger.Err(err))
	}
	if web.WantsJSON(c) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success":   false,
			"error":     rejectReason,
			"csrfToken": fresh,
		})
		return
	}
	back := c.Request.Referer()
	if back == "" || !strings.HasPrefix(back, "/") && !sameHost(c, back) {
		back = "/"
	}
	web.Render(c, http.StatusForbidden, "csrf.html", gin.H{"Title": "Form expired", "Back": back, "CSRFToken": fresh})
	c.Abort()
}

// extract はボディ（フォームまたは JSON）、ヘッダー、クエリの順にトークンを探します。
func extract(c *gin.Context) string {
	if tok := fromBody(c); tok != "" {
		return tok
	}
	if tok := c.GetHeader(HeaderName); tok != "" {
		return tok
	}
	return c.Query(FieldName)
}

func fromBody(c *gin.Context) string {
	ct := c.ContentType()
	switch {
	case ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data":
		return c.PostForm(FieldName)
	case ct == "application/json":
		if c.Request.Body == nil {
			return ""
		}
		orig := c.Request.Body
		body, err := io.ReadAll(io.LimitReader(orig, maxBodyPeek))
		// 読んだ分を残りの本文の前に戻し、ハンドラーが全体を読めるようにする
		c.Request.Body = peekedBody{Reader: io.MultiReader(bytes.NewReader(body), orig), Closer: orig}
		if err != nil || len(body) == 0 || len(body) == maxBodyPeek {
			return ""
		}
		var payload struct {
			CSRF string `json:"_csrf"`
		}
		if json.Unmarshal(body, &payload) != nil {
			return ""
		}
		return payload.CSRF
	default:
		return ""
	}
}

type peekedBody struct {
	io.Reader
	io.Closer
}

// Token はセッションのトークンを返します。未発行であれば発行して保存します。
func Token(c *gin.Context) string {
	if tok := c.GetString(web.KeyCSRFToken); tok != "" {
		return tok
	}
	if tok, ok := session.Get(c).Get(session.KeyCSRF).(string); ok && tok != "" {
		c.Set(web.KeyCSRFToken, tok)
		return tok
	}
	tok, err := Rotate(c)
	if err != nil {
		logger.From(c).Warn("csrf token save failed", logger.Err(err))
	}
	return tok
}

// Rotate は新しいトークンを発行してセッションに保存し、レスポンスヘッダーとコンテキストに設定します。
func Rotate(c *gin.Context) (string, error) {
	tok := hex.EncodeToString(securecookie.GenerateRandomKey(tokenBytes))
	s := session.Get(c)
	s.Set(session.KeyCSRF, tok)
	c.Set(web.KeyCSRFToken, tok)
	c.Header(HeaderName, tok)
	return tok, s.Save()
}

// TokenHandler は GET /api/csrf-token のハンドラーです。
func TokenHandler(c *gin.Context) {
	web.OK(c, http.StatusOK, gin.H{"csrfToken": Token(c)})
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func sameHost(c *gin.Context, ref string) bool {
	return strings.HasPrefix(ref, "http://"+c.Request.Host+"/") || strings.HasPrefix(ref, "https://"+c.Request.Host+"/")
}
