package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/csrf"
	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/ratelimit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/validate"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

type loginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

var errBadCredentials = apperror.Authentication("Invalid username or password")

// LoginPage は GET /login のハンドラーです。
func (m *Manager) LoginPage(c *gin.Context) {
	if _, ok := session.User(c); ok {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	web.Render(c, http.StatusOK, "login.html", gin.H{
		"Title":     "Log in",
		"CSRFToken": csrf.Token(c),
		"Timeout":   c.Query("timeout") == "1",
	})
}

// RegisterPage は GET /register のハンドラーです。
func (m *Manager) RegisterPage(c *gin.Context) {
	web.Render(c, http.StatusOK, "register.html", gin.H{
		"Title":     "Register",
		"CSRFToken": csrf.Token(c),
		"Form":      RegisterInput{},
	})
}

// Login は POST /api/auth/login と POST /login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	ctx := c.Request.Context()
	var req loginRequest
	if err := validate.Bind(c, &req); err != nil {
		m.loginFailed(c, req.Username, "malformed request", err)
		return
	}

	u, reason, err := m.Authenticate(ctx, req.Username, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		m.loginFailed(c, req.Username, reason, errBadCredentials)
		return
	}
	if err != nil {
		ratelimit.AttemptFrom(c).Skip()
		web.RespondError(c, err)
		return
	}

	ratelimit.AttemptFrom(c).Succeed(ctx)
	snap := u.Snapshot()
	tok, err := m.startSession(c, snap)
	if err != nil {
		web.RespondError(c, apperror.Server(err))
		return
	}
	m.audit.LogAuth(c, audit.LoginSuccess, audit.ActorOf(snap), "")

	if web.WantsJSON(c) {
		web.OK(c, http.StatusOK, gin.H{"user": snap, "csrfToken": tok})
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (m *Manager) loginFailed(c *gin.Context, username, reason string, err error) {
	ratelimit.AttemptFrom(c).Fail(c.Request.Context())
	m.metrics.LoginFailed()
	m.audit.LogAuth(c, audit.LoginFailure, audit.Anonymous(username), reason)

	if web.WantsJSON(c) {
		web.RespondError(c, err)
		return
	}
	web.Render(c, apperror.From(err).Status(), "login.html", gin.H{
		"Title":     "Log in",
		"Error":     apperror.Public(err),
		"Username":  username,
		"CSRFToken": csrf.Token(c),
	})
}

// Register は POST /api/auth/register と POST /register のハンドラーです。
// 成功するとそのままログイン状態になります。
func (m *Manager) Register(c *gin.Context) {
	ctx := c.Request.Context()
	var in RegisterInput
	if err := validate.Bind(c, &in); err != nil {
		m.registerFailed(c, in, err)
		return
	}

	u, err := m.CreateUser(ctx, in)
	if err != nil {
		if apperror.Is(err, apperror.KindServer) {
			ratelimit.AttemptFrom(c).Skip()
			web.RespondError(c, err)
			return
		}
		m.registerFailed(c, in, err)
		return
	}

	ratelimit.AttemptFrom(c).Succeed(ctx)
	snap := u.Snapshot()
	tok, err := m.startSession(c, snap)
	if err != nil {
		web.RespondError(c, apperror.Server(err))
		return
	}
	m.audit.LogAuth(c, audit.RegisterSuccess, audit.ActorOf(snap), "")

	if web.WantsJSON(c) {
		web.OK(c, http.StatusCreated, gin.H{"user": snap, "csrfToken": tok})
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (m *Manager) registerFailed(c *gin.Context, in RegisterInput, err error) {
	ratelimit.AttemptFrom(c).Fail(c.Request.Context())
	m.audit.LogAuth(c, audit.RegisterFailure, audit.Anonymous(in.Username), apperror.Public(err))

	if web.WantsJSON(c) {
		web.RespondError(c, err)
		return
	}
	in.Password = ""
	web.Render(c, apperror.From(err).Status(), "register.html", gin.H{
		"Title":     "Register",
		"Error":     apperror.Public(err),
		"Form":      in,
		"CSRFToken": csrf.Token(c),
	})
}

// startSession はセッションIDを振り直して認証済みにし、新しい CSRF トークンを返します。
func (m *Manager) startSession(c *gin.Context, u models.UserSnapshot) (string, error) {
	if err := session.Begin(c, u, m.now()); err != nil {
		return "", err
	}
	return csrf.Rotate(c)
}

// Logout は POST /api/auth/logout と POST /logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	if u, ok := session.User(c); ok {
		m.audit.LogAuth(c, audit.Logout, audit.ActorOf(u), "")
	}
	if err := session.Destroy(c); err != nil {
		logger.From(c).Warn("session destroy failed", logger.Err(err))
	}
	if web.WantsJSON(c) {
		web.OK(c, http.StatusOK, gin.H{"message": "Logged out"})
		return
	}
	c.Redirect(http.StatusSeeOther, "/login")
}

// Token は POST /api/auth/token のハンドラーです。API クライアント向けに Bearer トークンを発行します。
func (m *Manager) Token(c *gin.Context) {
	ctx := c.Request.Context()
	var req loginRequest
	if err := validate.Bind(c, &req); err != nil {
		m.loginFailed(c, req.Username, "malformed request", err)
		return
	}
	u, reason, err := m.Authenticate(ctx, req.Username, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		m.loginFailed(c, req.Username, reason, errBadCredentials)
		return
	}
	if err != nil {
		ratelimit.AttemptFrom(c).Skip()
		web.RespondError(c, err)
		return
	}
	if m.tokens == nil {
		ratelimit.AttemptFrom(c).Skip()
		web.RespondError(c, apperror.Server(errors.New("token issuer not configured")))
		return
	}

	ratelimit.AttemptFrom(c).Succeed(ctx)
	snap := u.Snapshot()
	raw, err := m.tokens.Issue(snap)
	if err != nil {
		web.RespondError(c, apperror.Server(err))
		return
	}
	m.audit.LogAuth(c, audit.TokenIssued, audit.ActorOf(snap), "")
	web.OK(c, http.StatusOK, gin.H{
		"token":     raw,
		"tokenType": "Bearer",
		"expiresIn": int(m.tokens.TTL().Seconds()),
	})
}

// Me は GET /api/auth/me のハンドラーです。
func (m *Manager) Me(c *gin.Context) {
	u, ok := Identity(c)
	if !ok {
		web.RespondError(c, apperror.Authentication("Authentication required"))
		return
	}
	web.OK(c, http.StatusOK, gin.H{"user": u})
}
