// Package session はサーバー側セッション（gin-contrib/sessions）の読み書きをまとめます。
// セッションの中身は State・CSRF トークン・最終アクセス時刻の3つだけです。
package session

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	gsessions "github.com/gorilla/sessions"

	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
)

const (
	CookieName = "fit_session"

	keyState      = "state"
	keyLastActive = "last_activity"
	// KeyCSRF は CSRF トークンの保存キーです。
	KeyCSRF = "csrf_token"

	detachedKey = "session.detached"
)

// Options はセッションクッキーの属性を返します。
func Options(secure bool, maxAge time.Duration) sessions.Options {
	return sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Get は現在のリクエストのセッションを返します。
// セッションミドルウェアが設定されていない場合は、リクエスト内だけで有効な空のセッションを返します。
func Get(c *gin.Context) sessions.Session {
	if _, ok := c.Get(sessions.DefaultKey); ok {
		return sessions.Default(c)
	}
	if v, ok := c.Get(detachedKey); ok {
		if s, ok := v.(sessions.Session); ok {
			return s
		}
	}
	s := newDetached()
	c.Set(detachedKey, s)
	return s
}

// Load はセッション状態を読み込みます。
func Load(c *gin.Context) State {
	raw, _ := Get(c).Get(keyState).(string)
	return decodeState(raw)
}

// Store はセッション状態を書き込み、保存します。
func Store(c *gin.Context, st State) error {
	s := Get(c)
	if _, ok := st.(Anonymous); ok {
		s.Delete(keyState)
		return s.Save()
	}
	raw, err := encodeState(st)
	if err != nil {
		return err
	}
	s.Set(keyState, raw)
	return s.Save()
}

// User はログイン済みであればユーザーを返します。
func User(c *gin.Context) (models.UserSnapshot, bool) {
	return CurrentUser(Load(c))
}

// LastActivity は最終アクセス時刻を返します。未設定の場合はゼロ値です。
func LastActivity(c *gin.Context) time.Time {
	return readUnix(Get(c).Get(keyLastActive))
}

// Touch は最終アクセス時刻を更新して保存します。
func Touch(c *gin.Context, now time.Time) error {
	s := Get(c)
	s.Set(keyLastActive, now.Unix())
	return s.Save()
}

// Begin はログイン時に呼び出します。セッションIDを振り直してから認証済み状態にします。
func Begin(c *gin.Context, user models.UserSnapshot, now time.Time) error {
	Regenerate(c)
	s := Get(c)
	raw, err := encodeState(Authenticated{User: user})
	if err != nil {
		return err
	}
	s.Set(keyState, raw)
	s.Set(keyLastActive, now.Unix())
	return s.Save()
}

// Destroy はセッションを破棄し、クッキーを失効させます。
func Destroy(c *gin.Context) error {
	s := Get(c)
	s.Clear()
	s.Options(sessions.Options{Path: "/", MaxAge: -1})
	return s.Save()
}

// Regenerate は値を消去し、次回保存時に新しいセッションIDが採番されるようにします（セッション固定化対策）。
func Regenerate(c *gin.Context) {
	s := Get(c)
	s.Clear()
	if gs, ok := s.(interface{ Session() *gsessions.Session }); ok {
		if inner := gs.Session(); inner != nil {
			inner.ID = ""
			inner.IsNew = true
		}
	}
}

func readUnix(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
