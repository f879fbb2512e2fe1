// Package auth は認証・認可機能を提供します。
package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/pipeline"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

// ContextUserKey は Bearer トークンで認証されたユーザーを共有するためのキーです。
const (
	ContextUserKey = "auth.user"
	contextBearer  = "auth.bearer"
)

// Identity は現在のリクエストのユーザーを返します。Bearer トークン、セッションの順に確認します。
func Identity(c *gin.Context) (models.UserSnapshot, bool) {
	if v, ok := c.Get(ContextUserKey); ok {
		if u, ok := v.(models.UserSnapshot); ok {
			return u, true
		}
	}
	return session.User(c)
}

// ViaBearer は Bearer トークンで認証されたリクエストかを返します。CSRF 検証の除外に使います。
func ViaBearer(c *gin.Context) bool {
	return c.GetBool(contextBearer)
}

// Identify は Authorization ヘッダーの Bearer トークンを検証するステージです。
// ヘッダーがなければセッションに任せます。トークンが不正な場合は 401 で打ち切ります。
func (m *Manager) Identify() pipeline.Stage {
	return pipeline.StageFunc(func(c *gin.Context) pipeline.Result {
		h := c.GetHeader("Authorization")
		if h == "" {
			return pipeline.Continue
		}
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || m.tokens == nil {
			web.RespondError(c, apperror.Authentication("Invalid or expired token"))
			return pipeline.Halt
		}
		claims, err := m.tokens.Parse(strings.TrimSpace(raw))
		if err != nil {
			web.RespondError(c, apperror.Authentication("Invalid or expired token"))
			return pipeline.Halt
		}
		id, err := claims.UserID()
		if err != nil {
			web.RespondError(c, apperror.Authentication("Invalid or expired token"))
			return pipeline.Halt
		}
		// 権限の変更や削除を反映するため毎回読み直す
		u, err := m.users.GetUserByID(c.Request.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			web.RespondError(c, apperror.Authentication("Invalid or expired token"))
			return pipeline.Halt
		}
		if err != nil {
			logger.From(c).Error("bearer user lookup failed", logger.Err(err))
			web.RespondError(c, apperror.Server(err))
			return pipeline.Halt
		}
		c.Set(ContextUserKey, u.Snapshot())
		c.Set(contextBearer, true)
		return pipeline.Continue
	})
}

// RequireUser はログインしていないリクエストを 401 で打ち切ります。
func RequireUser() pipeline.Stage {
	return pipeline.StageFunc(func(c *gin.Context) pipeline.Result {
		if _, ok := Identity(c); !ok {
			web.RespondError(c, apperror.Authentication("Authentication required"))
			return pipeline.Halt
		}
		return pipeline.Continue
	})
}

// RequireSession はセッションでログインしているリクエストだけを通します。
func RequireSession() pipeline.Stage {
	return pipeline.StageFunc(func(c *gin.Context) pipeline.Result {
		if _, ok := session.User(c); !ok {
			web.RespondError(c, apperror.Authentication("Authentication required"))
			return pipeline.Halt
		}
		return pipeline.Continue
	})
}

// RequireAdmin は管理者以外を 403 で打ち切ります。
// セッションの情報は古い可能性があるため、権限はデータベースで確認します。
func (m *Manager) RequireAdmin() pipeline.Stage {
	return pipeline.StageFunc(func(c *gin.Context) pipeline.Result {
		id, ok := Identity(c)
		if !ok {
			web.RespondError(c, apperror.Authentication("Authentication required"))
			return pipeline.Halt
		}
		u, err := m.users.GetUserByID(c.Request.Context(), id.ID)
		if errors.Is(err, storage.ErrNotFound) {
			web.RespondError(c, apperror.Authentication("Authentication required"))
			return pipeline.Halt
		}
		if err != nil {
			web.RespondError(c, apperror.Server(err))
			return pipeline.Halt
		}
		if !u.IsAdmin {
			web.RespondError(c, apperror.Authorization("Admin access required"))
			return pipeline.Halt
		}
		return pipeline.Continue
	})
}
