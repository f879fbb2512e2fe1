package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
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
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/pipeline"
	"github.com/fengjnw/10-health-33915059-sub000/internal/ratelimit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage/memory"
	"github.com/fengjnw/10-health-33915059-sub000/internal/token"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const strongPassword = "Str0ng!Pass"

type env struct {
	t      *testing.T
	store  *memory.Store
	audit  *audit.Logger
	mgr    *Manager
	r      *gin.Engine
	cookie *http.Cookie
	csrf   string
}

func newEnv(t *testing.T) *env {
	store := memory.New()
	al := audit.New(store, zap.NewNop(), nil)
	mgr := NewManager(store, token.NewIssuer("0123456789abcdef0123456789abcdef", time.Hour, "test"), al, nil, nil)
	limiter := ratelimit.NewService(ratelimit.Options{
		Policies: []ratelimit.Policy{ratelimit.LoginPolicy(), ratelimit.RegisterPolicy()},
	})

	r := gin.New()
	web.Install(r)
	r.Use(sessions.Sessions(session.CookieName, memstore.NewStore([]byte("0123456789abcdef0123456789abcdef"))))

	base := pipeline.New(mgr.Identify(), csrf.New(al, nil,
		ViaBearer, csrf.SkipRoute(http.MethodPost, "/api/auth/token")))
	login := pipeline.New(limiter.Stage(ratelimit.PolicyLogin)).Append(mgr.Identify(), csrf.New(al, nil,
		ViaBearer, csrf.SkipRoute(http.MethodPost, "/api/auth/token")))
	register := pipeline.New(limiter.Stage(ratelimit.PolicyRegister)).Append(mgr.Identify(), csrf.New(al, nil, ViaBearer))

	r.GET("/api/csrf-token", csrf.TokenHandler)
	r.GET("/login", base.Then(mgr.LoginPage))
	r.POST("/login", login.Then(mgr.Login))
	r.POST("/api/auth/login", login.Then(mgr.Login))
	r.POST("/api/auth/register", register.Then(mgr.Register))
	r.POST("/api/auth/logout", base.Then(mgr.Logout))
	r.POST("/api/auth/token", login.Then(mgr.Token))
	r.GET("/api/auth/me", base.Then(mgr.Me))
	r.POST("/api/echo", base.Append(RequireUser()).Then(func(c *gin.Context) {
		u, _ := Identity(c)
		web.OK(c, http.StatusOK, gin.H{"username": u.Username})
	}))
	r.GET("/api/admin", base.Append(mgr.RequireAdmin()).Then(func(c *gin.Context) {
		web.OK(c, http.StatusOK, nil)
	}))

	return &env{t: t, store: store, audit: al, mgr: mgr, r: r}
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
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

func (e *env) fetchToken() {
	w := e.do(httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	require.Equal(e.t, http.StatusOK, w.Code)
	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &body))
	e.csrf = body.CSRFToken
}

func (e *env) postJSON(path string, body any) *httptest.ResponseRecorder {
	raw, err := json.Marshal(body)
	require.NoError(e.t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	if e.csrf != "" {
		req.Header.Set(csrf.HeaderName, e.csrf)
	}
	return e.do(req)
}

func (e *env) get(path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return e.do(req)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func (e *env) register(username string) {
	e.fetchToken()
	w := e.postJSON("/api/auth/register", gin.H{
		"username": username, "email": username + "@example.com", "password": strongPassword,
	})
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRegisterLogsIn(t *testing.T) {
	e := newEnv(t)
	e.register("alice")

	w := e.get("/api/auth/me")
	require.Equal(t, http.StatusOK, w.Code)
	user := decode(t, w)["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.NotContains(t, w.Body.String(), "password")

	entries, _, err := e.audit.Query(context.Background(), models.AuditFilter{EventType: string(audit.RegisterSuccess), Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRegisterRejectsDuplicatesAndWeakPasswords(t *testing.T) {
	e := newEnv(t)
	e.register("alice")

	e.fetchToken()
	w := e.postJSON("/api/auth/register", gin.H{"username": "alice", "email": "new@example.com", "password": strongPassword})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, []any{"username"}, decode(t, w)["fields"])

	w = e.postJSON("/api/auth/register", gin.H{"username": "carol", "email": "carol@example.com", "password": "password"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginFailureAndSuccess(t *testing.T) {
	e := newEnv(t)
	e.register("bob")
	e.postJSON("/api/auth/logout", nil)

	e.fetchToken()
	w := e.postJSON("/api/auth/login", gin.H{"username": "bob", "password": "Wrong!Pass1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid username or password", decode(t, w)["error"])

	w = e.postJSON("/api/auth/login", gin.H{"username": "BOB@example.com", "password": strongPassword})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["csrfToken"])

	failures, _, err := e.audit.Query(context.Background(), models.AuditFilter{EventType: string(audit.LoginFailure), Limit: 5})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "invalid password", failures[0].Changes["reason"])
}

func TestLoginFormRerendersWithInput(t *testing.T) {
	e := newEnv(t)
	w := e.get("/login")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, e.csrf)

	form := url.Values{"username": {"ghost"}, "password": {"whatever"}, csrf.FieldName: {e.csrf}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = e.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `value="ghost"`)
	assert.Contains(t, w.Body.String(), "Invalid username or password")
}

func TestLogoutDestroysSession(t *testing.T) {
	e := newEnv(t)
	e.register("dave")
	w := e.postJSON("/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusUnauthorized, e.get("/api/auth/me").Code)
}

func TestBearerTokenFlow(t *testing.T) {
	e := newEnv(t)
	e.register("erin")

	// セッションを持たないクライアントとして CSRF トークンなしで発行できる
	api := &env{t: t, store: e.store, audit: e.audit, mgr: e.mgr, r: e.r}
	w := api.postJSON("/api/auth/token", gin.H{"username": "erin", "password": strongPassword})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Bearer", body["tokenType"])
	assert.Equal(t, float64(3600), body["expiresIn"])
	raw := body["token"].(string)

	w = api.get("/api/auth/me", "Authorization", "Bearer "+raw)
	require.Equal(t, http.StatusOK, w.Code)

	// Bearer 認証のリクエストは CSRF 検証の対象外
	req := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+raw)
	w = httptest.NewRecorder()
	api.r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = api.get("/api/auth/me", "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	e := newEnv(t)
	e.register("frank")
	assert.Equal(t, http.StatusForbidden, e.get("/api/admin").Code)

	u, err := e.store.GetUserByUsername(context.Background(), "frank")
	require.NoError(t, err)
	require.NoError(t, e.store.SetAdmin(context.Background(), u.ID, true))
	assert.Equal(t, http.StatusOK, e.get("/api/admin").Code)
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.mgr.EnsureAdmin(ctx, "root", "root@example.com", strongPassword))
	require.NoError(t, e.mgr.EnsureAdmin(ctx, "root", "root@example.com", strongPassword))

	u, err := e.store.GetUserByUsername(ctx, "root")
	require.NoError(t, err)
	assert.True(t, u.IsAdmin)
}
