package activity

import (
	"context"
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
	"github.com/fengjnw/10-health-33915059-sub000/internal/validate"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

// UserLookup は管理者権限を最新の値で確認するために使います。
type UserLookup interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// Handler は運動記録の HTTP ハンドラーです。
type Handler struct {
	svc   *Service
	users UserLookup
	audit *audit.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(svc *Service, users UserLookup, a *audit.Logger) *Handler {
	return &Handler{svc: svc, users: users, audit: a}
}

// viewer は現在のユーザーを返します。セッションの管理者フラグは古い可能性があるため、
// 管理者を名乗る場合だけデータベースで確認します。
func (h *Handler) viewer(c *gin.Context) Viewer {
	u, ok := auth.Identity(c)
	if !ok {
		return Viewer{}
	}
	v := Viewer{ID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}
	if v.IsAdmin && h.users != nil {
		fresh, err := h.users.GetUserByID(c.Request.Context(), u.ID)
		v.IsAdmin = err == nil && fresh.IsAdmin
	}
	return v
}

func actor(v Viewer) audit.Actor {
	return audit.Actor{ID: v.ID, Username: v.Username}
}

type listQuery struct {
	ActivityType string `form:"activity_type" binding:"omitempty,oneof=Running Walking Cycling Swimming Yoga Weightlifting Hiking Other"`
	MinDuration  *int   `form:"min_duration" binding:"omitempty,min=0"`
	MaxDuration  *int   `form:"max_duration" binding:"omitempty,min=0"`
	MinCalories  *int   `form:"min_calories" binding:"omitempty,min=0"`
	MaxCalories  *int   `form:"max_calories" binding:"omitempty,min=0"`
	From         string `form:"from"`
	To           string `form:"to"`
	IsPublic     *bool  `form:"is_public"`
	Mine         bool   `form:"mine"`
	Sort         string `form:"sort"`
	Page         int    `form:"page" binding:"omitempty,min=1"`
	Limit        int    `form:"limit" binding:"omitempty,min=1,max=100"`
}

// parseDate は YYYY-MM-DD または RFC3339 を受け付けます。endOfDay が true の場合、日付のみの指定はその日の終わりになります。
func parseDate(raw, field string, endOfDay bool) (*time.Time, error) {
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
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (q listQuery) filter() (models.ActivityFilter, error) {
	from, err := parseDate(q.From, "from", false)
	if err != nil {
		return models.ActivityFilter{}, err
	}
	to, err := parseDate(q.To, "to", true)
	if err != nil {
		return models.ActivityFilter{}, err
	}
	return models.ActivityFilter{
		OnlyMine:    q.Mine,
		Type:        models.ActivityType(q.ActivityType),
		MinDuration: q.MinDuration,
		MaxDuration: q.MaxDuration,
		MinCalories: q.MinCalories,
		MaxCalories: q.MaxCalories,
		From:        from,
		To:          to,
		IsPublic:    q.IsPublic,
		Sort:        models.ActivitySort(q.Sort),
		Page:        q.Page,
		Limit:       q.Limit,
	}, nil
}

func paramID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, apperror.NotFound("Activity not found")
	}
	return id, nil
}

// List は GET /api/activities のハンドラーです。
func (h *Handler) List(c *gin.Context) {
	var q listQuery
	if err := validate.BindQuery(c, &q); err != nil {
		web.RespondError(c, err)
		return
	}
	f, err := q.filter()
	if err != nil {
		web.RespondError(c, err)
		return
	}
	items, total, err := h.svc.Search(c.Request.Context(), h.viewer(c), f)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit == 0 {
		limit = models.DefaultPageSize
	}
	web.OK(c, http.StatusOK, gin.H{"items": items, "total": total, "page": page, "limit": limit})
}

// Get は GET /api/activities/:id のハンドラーです。
func (h *Handler) Get(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	a, err := h.svc.Get(c.Request.Context(), h.viewer(c), id)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	web.OK(c, http.StatusOK, gin.H{"activity": a})
}

// Create は POST /api/activities のハンドラーです。
func (h *Handler) Create(c *gin.Context) {
	var in Input
	if err := validate.Bind(c, &in); err != nil {
		web.RespondError(c, err)
		return
	}
	v := h.viewer(c)
	a, err := h.svc.Create(c.Request.Context(), v, in)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	h.audit.LogDataChange(c, audit.ActivityCreate, actor(v), "activity", a.ID, map[string]any{"after": a})
	web.OK(c, http.StatusCreated, gin.H{"activity": a})
}

// Update は PATCH /api/activities/:id のハンドラーです。
func (h *Handler) Update(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	var p Patch
	if err := validate.Bind(c, &p); err != nil {
		web.RespondError(c, err)
		return
	}
	v := h.viewer(c)
	before, after, err := h.svc.Update(c.Request.Context(), v, id, p)
	if err != nil {
		h.logDenied(c, v, id, err)
		web.RespondError(c, err)
		return
	}
	h.audit.LogDataChange(c, audit.ActivityUpdate, actor(v), "activity", id, map[string]any{
		"before": before,
		"after":  after,
	})
	web.OK(c, http.StatusOK, gin.H{"activity": after})
}

// Delete は DELETE /api/activities/:id のハンドラーです。
func (h *Handler) Delete(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	v := h.viewer(c)
	deleted, err := h.svc.Delete(c.Request.Context(), v, id)
	if err != nil {
		h.logDenied(c, v, id, err)
		web.RespondError(c, err)
		return
	}
	h.audit.LogDataChange(c, audit.ActivityDelete, actor(v), "activity", id, map[string]any{"deleted": deleted})
	web.OK(c, http.StatusOK, gin.H{"message": "Activity deleted"})
}

func (h *Handler) logDenied(c *gin.Context, v Viewer, id int64, err error) {
	if apperror.Is(err, apperror.KindAuthorization) {
		logger.From(c).Warn("activity modification denied",
			zap.Int64("user_id", v.ID), zap.Int64("activity_id", id))
	}
}
