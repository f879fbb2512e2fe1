// Package admin は管理者向けの監査ログ閲覧・保持期間の削除・ユーザー管理を提供します。
// ルートには auth.Manager.RequireAdmin を前段に置く前提です。
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/auth"
	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage"
	"github.com/fengjnw/10-health-33915059-sub000/internal/validate"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

const day = 24 * time.Hour

// Repository はユーザー管理に必要な操作です。
type Repository interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]models.User, int, error)
	SetAdmin(ctx context.Context, id int64, isAdmin bool) error
	DeleteUser(ctx context.Context, id int64) error
}

// PurgeQueue は監査ログ削除をバックグラウンドに回す投入口です（jobs.Manager が満たします）。
type PurgeQueue interface {
	EnqueuePurge(ctx context.Context, olderThan time.Duration) (string, error)
}

// Handler は管理者 API のハンドラーです。
type Handler struct {
	users     Repository
	audit     *audit.Logger
	queue     PurgeQueue
	retention time.Duration
}

// NewHandler は Handler を作成します。retention は削除対象を指定しない場合の保持期間です。
func NewHandler(users Repository, a *audit.Logger, retention time.Duration) *Handler {
	if retention < day {
		retention = 90 * day
	}
	return &Handler{users: users, audit: a, retention: retention}
}

// UseQueue を設定すると、削除はその場で行わずキューに投入します。
func (h *Handler) UseQueue(q PurgeQueue) *Handler {
	h.queue = q
	return h
}

type pageQuery struct {
	Page  int `form:"page" binding:"omitempty,min=1"`
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

func (q pageQuery) normalize() (page, limit int) {
	page, limit = q.Page, q.Limit
	if page < 1 {
		page = 1
	}
	if limit == 0 {
		limit = models.DefaultPageSize
	}
	return page, limit
}

type logQuery struct {
	pageQuery
	UserID    *int64 `form:"user_id" binding:"omitempty,min=1"`
	EventType string `form:"event_type" binding:"omitempty,max=64"`
	From      string `form:"from"`
	To        string `form:"to"`
}

func parseTime(raw, field string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, time.Local)
	if err != nil {
		return nil, apperror.Validation(field+" must be a date (YYYY-MM-DD)", field)
	}
	if endOfDay {
		t = t.Add(day - time.Nanosecond)
	}
	return &t, nil
}

func current(c *gin.Context) audit.Actor {
	u, _ := auth.Identity(c)
	return audit.ActorOf(u)
}

func paramID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, apperror.NotFound("User not found")
	}
	return id, nil
}

// Logs は GET /api/admin/logs のハンドラーです。
func (h *Handler) Logs(c *gin.Context) {
	var q logQuery
	if err := validate.BindQuery(c, &q); err != nil {
		web.RespondError(c, err)
		return
	}
	from, err := parseTime(q.From, "from", false)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	to, err := parseTime(q.To, "to", true)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	page, limit := q.normalize()
	items, total, err := h.audit.Query(c.Request.Context(), models.AuditFilter{
		UserID:    q.UserID,
		EventType: q.EventType,
		From:      from,
		To:        to,
		Limit:     limit,
		Offset:    (page - 1) * limit,
	})
	if err != nil {
		web.RespondError(c, apperror.Server(err))
		return
	}
	if items == nil {
		items = []models.AuditEntry{}
	}
	web.OK(c, http.StatusOK, gin.H{"items": items, "total": total, "page": page, "limit": limit})
}

type purgeInput struct {
	OlderThanDays *int `json:"olderThanDays" binding:"omitempty,min=1,max=3650"`
}

// Purge は POST /api/admin/logs/purge のハンドラーです。本文がなければ設定の保持期間を使います。
func (h *Handler) Purge(c *gin.Context) {
	var in purgeInput
	if c.Request.ContentLength != 0 {
		if err := validate.Bind(c, &in); err != nil {
			web.RespondError(c, err)
			return
		}
	}
	olderThan := h.retention
	if in.OlderThanDays != nil {
		olderThan = time.Duration(*in.OlderThanDays) * day
	}
	days := int(olderThan / day)
	if h.queue != nil {
		taskID, err := h.queue.EnqueuePurge(c.Request.Context(), olderThan)
		if err != nil {
			web.RespondError(c, apperror.Server(err))
			return
		}
		h.audit.LogSecurity(c, audit.AuditPurge, current(c), map[string]any{
			"older_than_days": days,
			"task_id":         taskID,
		})
		web.OK(c, http.StatusAccepted, gin.H{"queued": true, "taskId": taskID, "olderThanDays": days})
		return
	}

	n, err := h.audit.Purge(c.Request.Context(), olderThan)
	if err != nil {
		web.RespondError(c, apperror.Server(err))
		return
	}
	// 削除の記録は削除後に書くので、今回の削除対象にはならない
	h.audit.LogSecurity(c, audit.AuditPurge, current(c), map[string]any{
		"older_than_days": days,
		"deleted":         n,
	})
	web.OK(c, http.StatusOK, gin.H{"deleted": n, "olderThanDays": days})
}

// Users は GET /api/admin/users のハンドラーです。
func (h *Handler) Users(c *gin.Context) {
	var q pageQuery
	if err := validate.BindQuery(c, &q); err != nil {
		web.RespondError(c, err)
		return
	}
	page, limit := q.normalize()
	items, total, err := h.users.ListUsers(c.Request.Context(), limit, (page-1)*limit)
	if err != nil {
		web.RespondError(c, apperror.Server(err))
		return
	}
	if items == nil {
		items = []models.User{}
	}
	web.OK(c, http.StatusOK, gin.H{"items": items, "total": total, "page": page, "limit": limit})
}

func (h *Handler) load(c *gin.Context, id int64) (*models.User, error) {
	u, err := h.users.GetUserByID(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperror.NotFound("User not found")
	}
	if err != nil {
		return nil, apperror.Server(err)
	}
	return u, nil
}

type updateInput struct {
	IsAdmin *bool `json:"is_admin" binding:"required"`
}

// UpdateUser は PATCH /api/admin/users/:id のハンドラーです。自分自身の管理者権限は外せません。
func (h *Handler) UpdateUser(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	var in updateInput
	if err := validate.Bind(c, &in); err != nil {
		web.RespondError(c, err)
		return
	}
	me := current(c)
	if id == me.ID && !*in.IsAdmin {
		web.RespondError(c, apperror.Validation("You cannot revoke your own admin access", "is_admin"))
		return
	}
	before, err := h.load(c, id)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	if err := h.users.SetAdmin(c.Request.Context(), id, *in.IsAdmin); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = apperror.NotFound("User not found")
		}
		web.RespondError(c, err)
		return
	}
	after := *before
	after.IsAdmin = *in.IsAdmin
	h.audit.LogDataChange(c, audit.AdminUserUpdate, me, "user", id, map[string]any{
		"before": map[string]any{"is_admin": before.IsAdmin},
		"after":  map[string]any{"is_admin": after.IsAdmin},
	})
	logger.From(c).Info("admin flag changed",
		zap.Int64("target_id", id), zap.Bool("is_admin", after.IsAdmin))
	web.OK(c, http.StatusOK, gin.H{"user": after})
}

// DeleteUser は DELETE /api/admin/users/:id のハンドラーです。自分自身は削除できません。
func (h *Handler) DeleteUser(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	me := current(c)
	if id == me.ID {
		web.RespondError(c, apperror.Validation("You cannot delete your own account here"))
		return
	}
	u, err := h.load(c, id)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	if err := h.users.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = apperror.NotFound("User not found")
		}
		web.RespondError(c, err)
		return
	}
	h.audit.LogDataChange(c, audit.AdminUserDelete, me, "user", id, map[string]any{
		"deleted": map[string]any{"username": u.Username, "email": u.Email},
	})
	web.OK(c, http.StatusOK, gin.H{"message": "User deleted"})
}
