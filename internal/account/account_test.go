package account

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/memstore"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/csrf"
	"github.com/fengjnw/10-health-33915059-sub000/internal/mailer"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/password"
	"github.com/fengjnw/10-health-33915059-sub000/internal/pipeline"
	"github.com/fengjnw/10-health-33915059-sub000/internal/ratelimit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	oldPassword = "Old!Passw0rd"
	newPassword = "New!Passw0rd"
)

type outbox struct {
	mu   sync.Mutex
	msgs []mailer.Message
}

func (o *outbox) SendMail(_ context.Context, msg mailer.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

// lastCode はメール本文から確認コードを取り出します。
func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.msgs)
	body := o.msgs[len(o.msgs)-1].Body
	const marker = "Your verification code is "
	i := strings.Index(body, marker)
	require.GreaterOrEqual(t, i, 0)
	return body[i+len(marker) : i+len(marker)+6]
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

type env struct {
	t      *testing.T
	store  *memory.Store
	audit  *audit.Logger
	mail   *outbox
	r      *gin.Engine
	cookie *http.Cookie
	csrf   string
	user   *models.User
}

func newEnv(t *testing.T) *env {
	store := memory.New()
	mail := &outbox{}
	al := audit.New(store, zap.NewNop(), nil)
	h := NewHandler(NewService(store, mail, nil), al)
	limiter := ratelimit.NewService(ratelimit.Options{
		Policies: []ratelimit.Policy{ratelimit.CodePolicy(), ratelimit.IssuePolicy()},
	})

	r := gin.New()
	r.Use(sessions.Sessions(session.CookieName, memstore.NewStore([]byte("0123456789abcdef0123456789abcdef"))))
	guard := csrf.New(al, nil)
	authed := pipeline.New(guard)
	code := pipeline.New(limiter.Stage(ratelimit.PolicyCode), guard)
	issue := pipeline.New(limiter.Stage(ratelimit.PolicyIssue), guard)

	// テスト用のログイン
	r.GET("/test/login/:id", func(c *gin.Context) {
		id, _ := strconv.ParseInt(c.Param("id"), 10, 64)
		u, err := store.GetUserByID(c.Request.Context(), id)
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		require.NoError(t, session.Begin(c, u.Snapshot(), time.Now()))
		_, err = csrf.Rotate(c)
		require.NoError(t, err)
		c.Status(http.StatusNoContent)
	})
	r.GET("/api/csrf-token", csrf.TokenHandler)
	r.GET("/api/account", h.Profile)
	r.PATCH("/api/account", authed.Then(h.UpdateProfile))
	r.POST("/api/account/password", authed.Then(h.ChangePassword))
	r.POST("/api/account/email", issue.Then(h.RequestEmailChange))
	r.POST("/api/account/email/verify", code.Then(h.ConfirmEmailChange))
	r.POST("/api/account/delete", issue.Then(h.RequestDeletion))
	r.POST("/api/account/delete/confirm", code.Then(h.ConfirmDeletion))
	r.POST("/api/password-reset", issue.Then(h.RequestPasswordReset))
	r.POST("/api/password-reset/confirm", code.Then(h.ConfirmPasswordReset))

	hash, err := password.Hash(oldPassword)
	require.NoError(t, err)
	u := &models.User{Username: "alice", Email: "alice@example.com", PasswordHash: hash, FirstName: "Alice"}
	require.NoError(t, store.CreateUser(context.Background(), u))

	return &env{t: t, store: store, audit: al, mail: mail, r: r, user: u}
}

func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		req = httptest.NewRequest(method, path, strings.NewReader(string(raw)))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if e.csrf != "" {
		req.Header.Set(csrf.HeaderName, e.csrf)
	}
	if e.cookie != nil {
		req.AddCookie(e.cookie)
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	for _, ck := range w.Result().Cookies() {
		if ck.Name == session.CookieName {
			e.cookie = ck
		}
	}
	if tok := w.Header().Get(csrf.HeaderName); tok != "" {
		e.csrf = tok
	}
	return w
}

func (e *env) login() {
	w := e.do(http.MethodGet, "/test/login/"+strconv.FormatInt(e.user.ID, 10), nil)
	require.Equal(e.t, http.StatusNoContent, w.Code)
}

func (e *env) anonymousToken() {
	w := e.do(http.MethodGet, "/api/csrf-token", nil)
	require.Equal(e.t, http.StatusOK, w.Code)
}

func (e *env) reload() *models.User {
	u, err := e.store.GetUserByID(context.Background(), e.user.ID)
	require.NoError(e.t, err)
	return u
}

func (e *env) auditCount(event audit.Event) int {
	_, total, err := e.audit.Query(context.Background(), models.AuditFilter{EventType: string(event), Limit: 10})
	require.NoError(e.t, err)
	return total
}

func TestProfileRequiresLogin(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/account", nil).Code)
}

func TestUpdateProfile(t *testing.T) {
	e := newEnv(t)
	e.login()

	w := e.do(http.MethodPatch, "/api/account", gin.H{"last_name": " Liddell "})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	u := e.reload()
	assert.Equal(t, "Alice", u.FirstName)
	assert.Equal(t, "Liddell", u.LastName)
	assert.Equal(t, 1, e.auditCount(audit.ProfileUpdate))

	w = e.do(http.MethodPatch, "/api/account", gin.H{"first_name": strings.Repeat("a", 51)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodGet, "/api/account", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"last_name":"Liddell"`)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestChangePassword(t *testing.T) {
	e := newEnv(t)
	e.login()

	w := e.do(http.MethodPost, "/api/account/password", gin.H{"current_password": "wrong", "new_password": newPassword})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/account/password", gin.H{"current_password": oldPassword, "new_password": "weak"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/account/password", gin.H{"current_password": oldPassword, "new_password": newPassword})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, password.Verify(e.reload().PasswordHash, newPassword))
	assert.Equal(t, 1, e.auditCount(audit.PasswordChange))

	// 振り直したセッションでも引き続き操作できる
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/account", nil).Code)
}

func TestEmailChange(t *testing.T) {
	e := newEnv(t)
	hash, _ := password.Hash(oldPassword)
	require.NoError(t, e.store.CreateUser(context.Background(), &models.User{Username: "bob", Email: "bob@example.com", PasswordHash: hash}))
	e.login()

	w := e.do(http.MethodPost, "/api/account/email", gin.H{"new_email": "bob@example.com"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = e.do(http.MethodPost, "/api/account/email", gin.H{"new_email": "alice@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/account/email", gin.H{"new_email": "Alice.New@example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, 1, e.mail.len())
	assert.Equal(t, "alice.new@example.com", e.mail.msgs[0].To)
	code := e.mail.lastCode(t)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	w = e.do(http.MethodPost, "/api/account/email/verify", gin.H{"code": wrong})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "alice@example.com", e.reload().Email)

	w = e.do(http.MethodPost, "/api/account/email/verify", gin.H{"code": code})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "alice.new@example.com", e.reload().Email)
	assert.Equal(t, 1, e.auditCount(audit.EmailChanged))

	// コードは1回限り
	w = e.do(http.MethodPost, "/api/account/email/verify", gin.H{"code": code})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccountDeletion(t *testing.T) {
	e := newEnv(t)
	e.login()

	w := e.do(http.MethodPost, "/api/account/delete/confirm", gin.H{"code": "123456"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/account/delete", gin.H{"password": "wrong"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/account/delete", gin.H{"password": oldPassword})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "alice@example.com", e.mail.msgs[0].To)
	assert.Equal(t, string(models.PurposeAccountDeletion), e.mail.msgs[0].Purpose)

	// 退会確認待ちの間もログイン状態のまま
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/account", nil).Code)

	w = e.do(http.MethodPost, "/api/account/delete/confirm", gin.H{"code": e.mail.lastCode(t)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, err := e.store.GetUserByID(context.Background(), e.user.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/account", nil).Code)
	assert.Equal(t, 1, e.auditCount(audit.AccountDeleted))
}

func TestPasswordReset(t *testing.T) {
	e := newEnv(t)
	e.anonymousToken()

	w := e.do(http.MethodPost, "/api/password-reset", gin.H{"email": "nobody@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	unknownBody := w.Body.String()
	assert.Equal(t, 0, e.mail.len())

	w = e.do(http.MethodPost, "/api/password-reset", gin.H{"email": "ALICE@example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, unknownBody, w.Body.String())
	require.Equal(t, 1, e.mail.len())
	code := e.mail.lastCode(t)

	w = e.do(http.MethodPost, "/api/password-reset/confirm", gin.H{"code": code, "new_password": "weak"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPost, "/api/password-reset/confirm", gin.H{"code": code, "new_password": newPassword})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, password.Verify(e.reload().PasswordHash, newPassword))
	assert.Equal(t, 1, e.auditCount(audit.PasswordReset))

	// 完了後は再設定待ちではない
	e.anonymousToken()
	w = e.do(http.MethodPost, "/api/password-reset/confirm", gin.H{"code": code, "new_password": "An0ther!Pass"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPasswordResetIsRateLimited(t *testing.T) {
	e := newEnv(t)
	e.anonymousToken()
	for i := 0; i < 5; i++ {
		w := e.do(http.MethodPost, "/api/password-reset", gin.H{"email": "nobody@example.com"})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := e.do(http.MethodPost, "/api/password-reset", gin.H{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCodeIssuanceIsRateLimited(t *testing.T) {
	e := newEnv(t)
	e.login()

	for i := 0; i < 5; i++ {
		w := e.do(http.MethodPost, "/api/account/email", gin.H{"new_email": "victim@example.com"})
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	w := e.do(http.MethodPost, "/api/account/email", gin.H{"new_email": "victim@example.com"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	w = e.do(http.MethodPost, "/api/account/delete", gin.H{"password": oldPassword})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 5, e.mail.len())
}

func TestCorrectCodeDoesNotClearFailures(t *testing.T) {
	e := newEnv(t)
	e.login()

	w := e.do(http.MethodPost, "/api/account/email", gin.H{"new_email": "new@example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	code := e.mail.lastCode(t)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 4; i++ {
		w = e.do(http.MethodPost, "/api/account/email/verify", gin.H{"code": wrong})
		require.Equal(t, http.StatusBadRequest, w.Code)
	}
	w = e.do(http.MethodPost, "/api/account/email/verify", gin.H{"code": code})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(http.MethodPost, "/api/account/email", gin.H{"new_email": "newer@example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	code = e.mail.lastCode(t)
	if code == wrong {
		wrong = "222222"
	}
	w = e.do(http.MethodPost, "/api/account/email/verify", gin.H{"code": wrong})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(http.MethodPost, "/api/account/email/verify", gin.H{"code": code})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "new@example.com", e.reload().Email)
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		assert.Len(t, code, 6)
		_, err = strconv.Atoi(code)
		assert.NoError(t, err)
	}
}
