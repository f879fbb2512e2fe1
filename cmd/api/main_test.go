package main

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

	"github.com/gin-contrib/sessions/memstore"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/config"
	"github.com/fengjnw/10-health-33915059-sub000/internal/csrf"
	"github.com/fengjnw/10-health-33915059-sub000/internal/mailer"
	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/ratelimit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage/memory"
	"github.com/fengjnw/10-health-33915059-sub000/internal/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const strongPassword = "Str0ng!Pass"

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

type server struct {
	store  *memory.Store
	audit  *audit.Logger
	mail   *outbox
	router *gin.Engine
}

func newServer(t *testing.T) *server {
	cfg := &config.Config{
		GinMode:            gin.TestMode,
		CORSAllowedOrigins: []string{"http://localhost:5173"},
		SessionIdle:        30 * time.Minute,
		SessionWarning:     25 * time.Minute,
		APIRatePerSecond:   1000,
		APIBurst:           1000,
		AuditRetention:     90 * 24 * time.Hour,
	}
	store := memory.New()
	met := metrics.New()
	al := audit.New(store, zap.NewNop(), met)
	limiter := ratelimit.NewService(ratelimit.Options{
		Policies: []ratelimit.Policy{
			ratelimit.LoginPolicy(), ratelimit.RegisterPolicy(), ratelimit.CodePolicy(), ratelimit.IssuePolicy(),
		},
		Metrics:  met,
		Audit:    al,
	})
	t.Cleanup(limiter.Close)
	mail := &outbox{}

	router, err := newRouter(deps{
		cfg:      cfg,
		log:      zap.NewNop(),
		repo:     store,
		sessions: memstore.NewStore([]byte("0123456789abcdef0123456789abcdef")),
		limiter:  limiter,
		audit:    al,
		metrics:  met,
		tokens:   token.NewIssuer("0123456789abcdef0123456789abcdef", time.Hour, "test"),
		mail:     mail,
	})
	require.NoError(t, err)
	return &server{store: store, audit: al, mail: mail, router: router}
}

// client はクッキーと CSRF トークンを保持するブラウザ代わりです。
type client struct {
	t      *testing.T
	srv    *server
	cookie *http.Cookie
	csrf   string
}

func (s *server) client(t *testing.T) *client {
	return &client{t: t, srv: s}
}

func (c *client) do(req *http.Request) *httptest.ResponseRecorder {
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	w := httptest.NewRecorder()
	c.srv.router.ServeHTTP(w, req)
	for _, ck := range w.Result().Cookies() {
		if ck.Name == session.CookieName {
			c.cookie = ck
		}
	}
	if tok := w.Header().Get(csrf.HeaderName); tok != "" {
		c.csrf = tok
	}
	return w
}

func (c *client) fetchToken() {
	w := c.do(httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	require.Equal(c.t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &body))
	c.csrf = body.CSRFToken
}

func (c *client) send(method, path string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		req = httptest.NewRequest(method, path, strings.NewReader(string(raw)))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
		req.Header.Set("Accept", "application/json")
	}
	if c.csrf != "" {
		req.Header.Set(csrf.HeaderName, c.csrf)
	}
	return c.do(req)
}

func (c *client) register(username string) {
	c.fetchToken()
	w := c.send(http.MethodPost, "/api/auth/register", gin.H{
		"username": username, "email": username + "@x.com", "password": strongPassword,
	})
	require.Equal(c.t, http.StatusCreated, w.Code, w.Body.String())
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t)
	c := srv.client(t)

	w := c.send(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = c.send(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_request_duration_seconds")
}

func TestRegisterCreateAndVisibility(t *testing.T) {
	srv := newServer(t)
	alice := srv.client(t)
	alice.register("alice")

	w := alice.send(http.MethodPost, "/api/activities", gin.H{
		"activity_type":    "Running",
		"duration_minutes": 30,
		"calories_burned":  300,
		"activity_time":    "2024-01-01T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)["activity"].(map[string]any)
	id := int64(created["id"].(float64))
	assert.Positive(t, id)

	u, err := srv.store.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, float64(u.ID), created["user_id"])

	path := "/api/activities/" + strconv.FormatInt(id, 10)
	w = alice.send(http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	anon := srv.client(t)
	w = anon.send(http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])

	bob := srv.client(t)
	bob.register("bob")
	w = bob.send(http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = bob.send(http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err = srv.store.GetActivity(context.Background(), id)
	assert.NoError(t, err)
}

func TestPublicActivityCannotBeModifiedByOthers(t *testing.T) {
	srv := newServer(t)
	alice := srv.client(t)
	alice.register("alice")
	w := alice.send(http.MethodPost, "/api/activities", gin.H{
		"activity_type": "Cycling", "duration_minutes": 60, "is_public": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := int64(decode(t, w)["activity"].(map[string]any)["id"].(float64))
	path := "/api/activities/" + strconv.FormatInt(id, 10)

	assert.Equal(t, http.StatusOK, srv.client(t).send(http.MethodGet, path, nil).Code)

	bob := srv.client(t)
	bob.register("bob")
	w = bob.send(http.MethodPatch, path, gin.H{"duration_minutes": 1})
	assert.Equal(t, http.StatusForbidden, w.Code)

	a, err := srv.store.GetActivity(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 60, a.DurationMinutes)
}

func TestMutationsRequireCSRFToken(t *testing.T) {
	srv := newServer(t)
	alice := srv.client(t)
	alice.register("alice")

	alice.csrf = ""
	w := alice.send(http.MethodPost, "/api/activities", gin.H{"activity_type": "Yoga", "duration_minutes": 20})
	assert.Equal(t, http.StatusForbidden, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["csrfToken"])

	entries, total, err := srv.store.SearchActivities(context.Background(), models.ActivityFilter{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, entries)

	violations, _, err := srv.audit.Query(context.Background(), models.AuditFilter{EventType: string(audit.CSRFViolation)})
	require.NoError(t, err)
	assert.Len(t, violations, 1)
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	srv := newServer(t)
	bob := srv.client(t)
	bob.register("bob")
	bob.send(http.MethodPost, "/api/auth/logout", nil)

	attacker := srv.client(t)
	attacker.fetchToken()
	for i := 0; i < 5; i++ {
		w := attacker.send(http.MethodPost, "/api/auth/login", gin.H{"username": "bob", "password": "wrong"})
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}

	w := attacker.send(http.MethodPost, "/api/auth/login", gin.H{"username": "bob", "password": strongPassword})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestLoginDoesNotResetCodeFailures(t *testing.T) {
	srv := newServer(t)
	alice := srv.client(t)
	alice.register("alice")

	w := alice.send(http.MethodPost, "/api/account/email", gin.H{"new_email": "victim@example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	wrong := "000000"
	if srv.mail.lastCode(t) == wrong {
		wrong = "111111"
	}

	var statuses []int
	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			w := alice.send(http.MethodPost, "/api/account/email/verify", gin.H{"code": wrong})
			statuses = append(statuses, w.Code)
		}
		w := alice.send(http.MethodPost, "/api/auth/login", gin.H{"username": "alice", "password": strongPassword})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		if tok, ok := decode(t, w)["csrfToken"].(string); ok {
			alice.csrf = tok
		}
	}

	for i, code := range statuses {
		if i < 5 {
			assert.Equal(t, http.StatusBadRequest, code, "attempt %d", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, code, "attempt %d", i+1)
	}
	u, err := srv.store.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@x.com", u.Email)
}

func TestAdminRoutesAreForbiddenForUsers(t *testing.T) {
	srv := newServer(t)
	alice := srv.client(t)
	alice.register("alice")

	assert.Equal(t, http.StatusForbidden, alice.send(http.MethodGet, "/api/admin/users", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, srv.client(t).send(http.MethodGet, "/api/admin/logs", nil).Code)

	u, err := srv.store.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, srv.store.SetAdmin(context.Background(), u.ID, true))

	w := alice.send(http.MethodGet, "/api/admin/logs?event_type=REGISTER_SUCCESS", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decode(t, w)["total"])
}

func TestSessionStatusAndLogout(t *testing.T) {
	srv := newServer(t)
	alice := srv.client(t)
	alice.register("alice")

	w := alice.send(http.MethodGet, "/internal/session", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(30*60), decode(t, w)["idleTimeoutSeconds"])

	w = alice.send(http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, alice.send(http.MethodGet, "/api/auth/me", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, alice.send(http.MethodGet, "/internal/stats", nil).Code)
}
