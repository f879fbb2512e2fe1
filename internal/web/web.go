// Package web はHTMLテンプレートと、JSON/HTML の応答の出し分けを扱います。
package web

import (
	"embed"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

// Context キー。ステージからテンプレートへ値を渡すために使います。
const (
	KeySessionWarning   = "session.warning"
	KeySessionRemaining = "session.remaining_seconds"
	KeyCSRFToken        = "csrf.token"
)

var funcs = template.FuncMap{
	"date": func(t time.Time) string { return t.Format("2006-01-02 15:04") },
	"deref": func(p *float64) float64 {
		if p == nil {
			return 0
		}
		return *p
	},
	"text": func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	},
}

// Templates は埋め込みテンプレートをすべて読み込みます。
func Templates() *template.Template {
	return template.Must(template.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html"))
}

// Install はエンジンにテンプレートを登録します。
func Install(r *gin.Engine) {
	r.SetHTMLTemplate(Templates())
}

// WantsJSON はリクエストが JSON 応答を期待しているかを判定します。
func WantsJSON(c *gin.Context) bool {
	r := c.Request
	if r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
		return true
	}
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	p := r.URL.Path
	return p == "/api" || strings.HasPrefix(p, "/api/") || p == "/internal" || strings.HasPrefix(p, "/internal/")
}

// Render は共通の値（ログインユーザー・タイムアウト警告）を加えてテンプレートを描画します。
func Render(c *gin.Context, status int, name string, data gin.H) {
	if data == nil {
		data = gin.H{}
	}
	if u, ok := session.User(c); ok {
		data["User"] = u
	}
	if c.GetBool(KeySessionWarning) {
		data["SessionWarning"] = true
		data["SessionRemaining"] = c.GetInt(KeySessionRemaining)
	}
	if _, ok := data["CSRFToken"]; !ok {
		if tok := c.GetString(KeyCSRFToken); tok != "" {
			data["CSRFToken"] = tok
		}
	}
	c.HTML(status, name, data)
}

// RespondError はエラーを分類して JSON または HTML で応答し、以降のハンドラーを中断します。
func RespondError(c *gin.Context, err error) {
	appErr := apperror.From(err)
	if appErr.Kind == apperror.KindServer {
		logger.From(c).Error("request failed", logger.Err(err))
	}

	if WantsJSON(c) {
		body := gin.H{"success": false, "error": appErr.Message}
		if len(appErr.Fields) > 0 {
			body["fields"] = appErr.Fields
		}
		c.AbortWithStatusJSON(appErr.Status(), body)
		return
	}

	if appErr.Kind == apperror.KindAuthentication {
		c.Redirect(http.StatusSeeOther, "/login")
		c.Abort()
		return
	}
	Render(c, appErr.Status(), "error.html", gin.H{
		"Title":   http.StatusText(appErr.Status()),
		"Message": appErr.Message,
		"Status":  appErr.Status(),
	})
	c.Abort()
}

// OK は成功時の JSON 応答です。
func OK(c *gin.Context, status int, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(status, body)
}
