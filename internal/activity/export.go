package activity

import (
	"encoding/csv"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

var csvHeader = []string{
	"id", "activity_type", "duration_minutes", "distance_km", "calories_burned",
	"activity_time", "notes", "is_public", "created_at",
}

// WriteCSV は記録を CSV で書き出します。
func WriteCSV(w io.Writer, items []models.Activity) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, a := range items {
		distance := ""
		if a.DistanceKm != nil {
			distance = strconv.FormatFloat(*a.DistanceKm, 'f', -1, 64)
		}
		notes := ""
		if a.Notes != nil {
			notes = escapeFormula(*a.Notes)
		}
		if err := cw.Write([]string{
			strconv.FormatInt(a.ID, 10),
			string(a.ActivityType),
			strconv.Itoa(a.DurationMinutes),
			distance,
			strconv.Itoa(a.CaloriesBurned),
			a.ActivityTime.UTC().Format(time.RFC3339),
			notes,
			strconv.FormatBool(a.IsPublic),
			a.CreatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// escapeFormula は表計算ソフトで数式として解釈される値の先頭に ' を付けます。
func escapeFormula(s string) string {
	if s != "" && strings.ContainsAny(s[:1], "=+-@\t\r") {
		return "'" + s
	}
	return s
}

// sessionUser は /internal 配下のセッション専用ハンドラーで使います。
func sessionUser(c *gin.Context) (models.UserSnapshot, bool) {
	u, ok := session.User(c)
	if !ok {
		web.RespondError(c, apperror.Authentication("Authentication required"))
	}
	return u, ok
}

// Stats は GET /internal/stats のハンドラーです。
func (h *Handler) Stats(c *gin.Context) {
	u, ok := sessionUser(c)
	if !ok {
		return
	}
	sum, err := h.svc.Stats(c.Request.Context(), u.ID)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	web.OK(c, http.StatusOK, gin.H{"stats": sum})
}

// Export は GET /internal/export のハンドラーです。本人の記録を CSV で返します。
func (h *Handler) Export(c *gin.Context) {
	u, ok := sessionUser(c)
	if !ok {
		return
	}
	items, err := h.svc.Own(c.Request.Context(), u.ID)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="activities.csv"`)
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
	if err := WriteCSV(c.Writer, items); err != nil {
		logger.From(c).Error("csv export failed", logger.Err(err))
	}
}
