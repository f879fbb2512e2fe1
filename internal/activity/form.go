package activity

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/csrf"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

// datetime-local 入力の形式
const formTimeLayout = "2006-01-02T15:04"

// formInput は HTML フォームの入力をそのまま保持します。再表示時に入力値を戻すために文字列で受けます。
type formInput struct {
	ActivityType    string `form:"activity_type"`
	DurationMinutes string `form:"duration_minutes"`
	DistanceKm      string `form:"distance_km"`
	CaloriesBurned  string `form:"calories_burned"`
	ActivityTime    string `form:"activity_time"`
	Notes           string `form:"notes"`
	IsPublic        bool   `form:"is_public"`
}

// input は文字列の入力を Input に変換します。変換できない項目はエラーメッセージとして返します。
func (f formInput) input() (Input, []string) {
	var (
		in   Input
		errs []string
	)
	in.ActivityType = models.ActivityType(strings.TrimSpace(f.ActivityType))
	in.IsPublic = f.IsPublic

	if n, err := strconv.Atoi(strings.TrimSpace(f.DurationMinutes)); err == nil {
		in.DurationMinutes = n
	} else {
		errs = append(errs, "Duration must be a whole number of minutes")
	}
	if s := strings.TrimSpace(f.DistanceKm); s != "" {
		if d, err := strconv.ParseFloat(s, 64); err == nil {
			in.DistanceKm = &d
		} else {
			errs = append(errs, "Distance must be a number")
		}
	}
	if s := strings.TrimSpace(f.CaloriesBurned); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			in.CaloriesBurned = n
		} else {
			errs = append(errs, "Calories must be a whole number")
		}
	}
	if s := strings.TrimSpace(f.ActivityTime); s != "" {
		if t, err := time.ParseInLocation(formTimeLayout, s, time.Local); err == nil {
			in.ActivityTime = &t
		} else {
			errs = append(errs, "Date is invalid")
		}
	}
	if f.Notes != "" {
		notes := f.Notes
		in.Notes = &notes
	}
	return in, errs
}

func (h *Handler) renderForm(c *gin.Context, status int, form formInput, errs []string) {
	web.Render(c, status, "activity_form.html", gin.H{
		"Title":     "Log activity",
		"Types":     models.ActivityTypes(),
		"Form":      form,
		"Errors":    errs,
		"CSRFToken": csrf.Token(c),
	})
}

// Index は GET / のハンドラーです。閲覧可能な記録を一覧表示します。
func (h *Handler) Index(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}
	f := models.ActivityFilter{Page: page, Limit: models.DefaultPageSize, Sort: models.SortDateDesc}
	items, total, err := h.svc.Search(c.Request.Context(), h.viewer(c), f)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	data := gin.H{
		"Title":     "Activities",
		"Items":     items,
		"Total":     total,
		"CSRFToken": csrf.Token(c),
	}
	if page > 1 {
		data["PrevPage"] = page - 1
	}
	if page*models.DefaultPageSize < total {
		data["NextPage"] = page + 1
	}
	web.Render(c, http.StatusOK, "activities.html", data)
}

// NewForm は GET /activities/new のハンドラーです。
func (h *Handler) NewForm(c *gin.Context) {
	h.renderForm(c, http.StatusOK, formInput{
		ActivityType: string(models.ActivityRunning),
		ActivityTime: time.Now().Format(formTimeLayout),
	}, nil)
}

// CreateForm は POST /activities のハンドラーです。エラー時は入力値を残したままフォームを再表示します。
func (h *Handler) CreateForm(c *gin.Context) {
	var form formInput
	if err := c.ShouldBind(&form); err != nil {
		h.renderForm(c, http.StatusBadRequest, form, []string{"Invalid form submission"})
		return
	}
	in, errs := form.input()
	if len(errs) > 0 {
		h.renderForm(c, http.StatusBadRequest, form, errs)
		return
	}
	v := h.viewer(c)
	a, err := h.svc.Create(c.Request.Context(), v, in)
	if err != nil {
		if apperror.Is(err, apperror.KindValidation) {
			h.renderForm(c, http.StatusBadRequest, form, strings.Split(apperror.Public(err), "; "))
			return
		}
		web.RespondError(c, err)
		return
	}
	h.audit.LogDataChange(c, audit.ActivityCreate, actor(v), "activity", a.ID, map[string]any{"after": a})
	c.Redirect(http.StatusSeeOther, "/")
}

// DeleteForm は POST /activities/:id/delete のハンドラーです。
func (h *Handler) DeleteForm(c *gin.Context) {
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
	c.Redirect(http.StatusSeeOther, "/")
}
