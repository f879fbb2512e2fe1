package account

import (
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

const resetAcceptedMessage = "If the email is registered, a verification code has been sent"

type profileRequest struct {
	FirstName *string `json:"first_name" binding:"omitempty,max=50"`
	LastName  *string `json:"last_name" binding:"omitempty,max=50"`
}

type passwordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

type emailRequest struct {
	NewEmail string `json:"new_email" binding:"required,email,max=255"`
}

type codeRequest struct {
	Code string `json:"code" binding:"required,code"`
}

type deleteRequest struct {
	Password string `json:"password" binding:"required"`
}

type resetRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type resetConfirmRequest struct {
	Code        string `json:"code" binding:"required,code"`
	NewPassword string `json:"new_password" binding:"required"`
}

// Handler はアカウント関連の HTTP ハンドラーです。
type Handler struct {
	svc   *Service
	audit *audit.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(svc *Service, a *audit.Logger) *Handler {
	return &Handler{svc: svc, audit: a}
}

// current はセッションでログインしているユーザーを返します。ログインしていなければ 401 を返します。
func current(c *gin.Context) (session.State, models.UserSnapshot, bool) {
	st := session.Load(c)
	u, ok := session.CurrentUser(st)
	if !ok {
		web.RespondError(c, apperror.Authentication("Authentication required"))
	}
	return st, u, ok
}

// refresh はセッションのユーザー情報を最新の値に差し替えます。
func refresh(c *gin.Context, st session.State, u *models.User) {
	if err := session.Store(c, session.WithUser(st, u.Snapshot())); err != nil {
		logger.From(c).Warn("session refresh failed", logger.Err(err))
	}
}

// Profile は GET /api/account のハンドラーです。
func (h *Handler) Profile(c *gin.Context) {
	_, me, ok := current(c)
	if !ok {
		return
	}
	u, err := h.svc.user(c.Request.Context(), me.ID)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	web.OK(c, http.StatusOK, gin.H{"user": u})
}

// UpdateProfile は PATCH /api/account のハンドラーです。
func (h *Handler) UpdateProfile(c *gin.Context) {
	st, me, ok := current(c)
	if !ok {
		return
	}
	var req profileRequest
	if err := validate.Bind(c, &req); err != nil {
		web.RespondError(c, err)
		return
	}
	before, after, err := h.svc.UpdateProfile(c.Request.Context(), me.ID, req.FirstName, req.LastName)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	refresh(c, st, after)
	h.audit.LogDataChange(c, audit.ProfileUpdate, audit.ActorOf(me), "user", me.ID, map[string]any{
		"before": gin.H{"first_name": before.FirstName, "last_name": before.LastName},
		"after":  gin.H{"first_name": after.FirstName, "last_name": after.LastName},
	})
	web.OK(c, http.StatusOK, gin.H{"user": after})
}

// ChangePassword は POST /api/account/password のハンドラーです。
// 変更後はセッションIDを振り直し、新しい CSRF トークンを返します。
func (h *Handler) ChangePassword(c *gin.Context) {
	_, me, ok := current(c)
	if !ok {
		return
	}
	var req passwordRequest
	if err := validate.Bind(c, &req); err != nil {
		web.RespondError(c, err)
		return
	}
	if err := h.svc.ChangePassword(c.Request.Context(), me.ID, req.CurrentPassword, req.NewPassword); err != nil {
		web.RespondError(c, err)
		return
	}
	h.audit.LogAuth(c, audit.PasswordChange, audit.ActorOf(me), "")

	if err := session.Begin(c, me, h.svc.now()); err != nil {
		web.RespondError(c, apperror.Server(err))
		return
	}
	tok, err := csrf.Rotate(c)
	if err != nil {
		web.RespondError(c, apperror.Server(err))
		return
	}
	web.OK(c, http.StatusOK, gin.H{"message": "Password updated", "csrfToken": tok})
}

// RequestEmailChange は POST /api/account/email のハンドラーです。
func (h *Handler) RequestEmailChange(c *gin.Context) {
	_, me, ok := current(c)
	if !ok {
		return
	}
	// コードの発行は結果にかかわらず回数に数える
	ratelimit.AttemptFrom(c).Fail(c.Request.Context())

	var req emailRequest
	if err := validate.Bind(c, &req); err != nil {
		web.RespondError(c, err)
		return
	}
	email, err := h.svc.RequestEmailChange(c.Request.Context(), me.ID, req.NewEmail)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	h.audit.LogDataChange(c, audit.EmailChangeRequested, audit.ActorOf(me), "user", me.ID, map[string]any{
		"new_email": email,
	})
	web.OK(c, http.StatusOK, gin.H{"message": "Verification code sent to the new email address"})
}

// ConfirmEmailChange は POST /api/account/email/verify のハンドラーです。
func (h *Handler) ConfirmEmailChange(c *gin.Context) {
	st, me, ok := current(c)
	if !ok {
		return
	}
	var req codeRequest
	if err := validate.Bind(c, &req); err != nil {
		ratelimit.AttemptFrom(c).Fail(c.Request.Context())
		web.RespondError(c, err)
		return
	}
	before, after, err := h.svc.ConfirmEmailChange(c.Request.Context(), me.ID, req.Code)
	if err != nil {
		h.resolveCodeFailure(c, err)
		web.RespondError(c, err)
		return
	}
	ratelimit.AttemptFrom(c).Succeed(c.Request.Context())
	refresh(c, st, after)
	h.audit.LogDataChange(c, audit.EmailChanged, audit.ActorOf(me), "user", me.ID, map[string]any{
		"before": gin.H{"email": before.Email},
		"after":  gin.H{"email": after.Email},
	})
	web.OK(c, http.StatusOK, gin.H{"user": after})
}

// RequestDeletion は POST /api/account/delete のハンドラーです。
// セッションは退会確認待ちになり、ログイン状態はそのまま保たれます。
func (h *Handler) RequestDeletion(c *gin.Context) {
	_, me, ok := current(c)
	if !ok {
		return
	}
	ratelimit.AttemptFrom(c).Fail(c.Request.Context())

	var req deleteRequest
	if err := validate.Bind(c, &req); err != nil {
		web.RespondError(c, err)
		return
	}
	u, v, err := h.svc.RequestDeletion(c.Request.Context(), me.ID, req.Password)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	if err := session.Store(c, session.AccountDeletionPending{User: u.Snapshot(), VerificationID: v.ID}); err != nil {
		web.RespondError(c, apperror.Server(err))
		return
	}
	h.audit.LogAuth(c, audit.AccountDeletionRequested, audit.ActorOf(me), "")
	web.OK(c, http.StatusOK, gin.H{"message": "Verification code sent to your email address"})
}

// ConfirmDeletion は POST /api/account/delete/confirm のハンドラーです。
func (h *Handler) ConfirmDeletion(c *gin.Context) {
	pending, ok := session.Load(c).(session.AccountDeletionPending)
	if !ok {
		web.RespondError(c, apperror.Validation("No account deletion is pending"))
		return
	}
	var req codeRequest
	if err := validate.Bind(c, &req); err != nil {
		ratelimit.AttemptFrom(c).Fail(c.Request.Context())
		web.RespondError(c, err)
		return
	}
	me := pending.User
	if err := h.svc.ConfirmDeletion(c.Request.Context(), me.ID, pending.VerificationID, req.Code); err != nil {
		h.resolveCodeFailure(c, err)
		web.RespondError(c, err)
		return
	}
	ratelimit.AttemptFrom(c).Succeed(c.Request.Context())
	h.audit.LogDataChange(c, audit.AccountDeleted, audit.ActorOf(me), "user", me.ID, map[string]any{
		"deleted": me,
	})
	if err := session.Destroy(c); err != nil {
		logger.From(c).Warn("session destroy failed", logger.Err(err))
	}
	web.OK(c, http.StatusOK, gin.H{"message": "Account deleted"})
}

// RequestPasswordReset は POST /api/password-reset のハンドラーです。
// 登録の有無を推測されないよう、常に同じ 200 応答を返します。
func (h *Handler) RequestPasswordReset(c *gin.Context) {
	// 依頼は結果にかかわらず回数に数える
	ratelimit.AttemptFrom(c).Fail(c.Request.Context())

	var req resetRequest
	if err := validate.Bind(c, &req); err != nil {
		web.RespondError(c, err)
		return
	}
	u, err := h.svc.RequestPasswordReset(c.Request.Context(), req.Email)
	if err != nil {
		web.RespondError(c, err)
		return
	}
	if u != nil {
		if err := session.Store(c, session.PasswordResetPending{UserID: u.ID}); err != nil {
			web.RespondError(c, apperror.Server(err))
			return
		}
		h.audit.LogAuth(c, audit.PasswordResetRequested, audit.Actor{ID: u.ID, Username: u.Username}, "")
	} else {
		h.audit.LogAuth(c, audit.PasswordResetRequested, audit.Actor{}, "unknown email")
	}
	web.OK(c, http.StatusOK, gin.H{"message": resetAcceptedMessage})
}

// ConfirmPasswordReset は POST /api/password-reset/confirm のハンドラーです。
func (h *Handler) ConfirmPasswordReset(c *gin.Context) {
	var req resetConfirmRequest
	if err := validate.Bind(c, &req); err != nil {
		ratelimit.AttemptFrom(c).Fail(c.Request.Context())
		web.RespondError(c, err)
		return
	}
	pending, ok := session.Load(c).(session.PasswordResetPending)
	if !ok {
		ratelimit.AttemptFrom(c).Fail(c.Request.Context())
		web.RespondError(c, errInvalidCode)
		return
	}
	u, err := h.svc.ConfirmPasswordReset(c.Request.Context(), pending.UserID, req.Code, req.NewPassword)
	if err != nil {
		h.resolveCodeFailure(c, err)
		web.RespondError(c, err)
		return
	}
	ratelimit.AttemptFrom(c).Succeed(c.Request.Context())

	session.Regenerate(c)
	if err := session.Store(c, session.Anonymous{}); err != nil {
		logger.From(c).Warn("session reset failed", logger.Err(err))
	}
	h.audit.LogAuth(c, audit.PasswordReset, audit.Actor{ID: u.ID, Username: u.Username}, "")
	web.OK(c, http.StatusOK, gin.H{"message": "Password has been reset"})
}

// resolveCodeFailure は確認コード入力の失敗をレート制限に記録します。サーバー障害は数えません。
func (h *Handler) resolveCodeFailure(c *gin.Context, err error) {
	a := ratelimit.AttemptFrom(c)
	if apperror.Is(err, apperror.KindServer) {
		a.Skip()
		return
	}
	a.Fail(c.Request.Context())
}
