package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
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
	"github.com/fengjnw/10-health-33915059-sub000/internal/auth"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/pipeline"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage/memory"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testUserHeader = "X-Test-User"

type fixture struct {
	t     *testing.T
	store *memory.Store
	audit *audit.Logger
	r     *gin.Engine
	root  *models.User
	alice *models.User
}

func newFixture(t *testing.T) *fixture {
	store := memory.New()
	ctx := context.Background()
	f := &fixture{
		t:     t,
		store: store,
		audit: audit.New(store, zap.NewNop(), nil),
		root:  &models.User{Username: "root", Email: "root@example.com", PasswordHash: "x", IsAdmin: true},
		alice: &models.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x"},
	}
	require.NoError(t, store.CreateUser(ctx, f.root))
	require.NoError(t, store.CreateUser(ctx, f.alice))

	mgr := auth.NewManager(store, nil, f.audit, nil, nil)
	h := NewHandler(store, f.audit, 30*day)

	r := gin.New()
	web.Install(r)
	r.Use(sessions.Sessions(session.CookieName, memstore.NewStore([]byte("0123456789abcdef0123456789abcdef"))))
	r.Use(func(c *gin.Context) {
		if raw := c.GetHeader(testUserHeader); raw != "" {
			id, _ := strconv.ParseInt(raw, 10, 64)
			u, err := store.GetUserByID(c.Request.Context(), id)
			if err == nil {
				require.NoError(t, session.Store(c, session.Authenticated{User: u.Snapshot()}))
			}
		}
	})
	p := pipeline.New(mgr.Identify(), mgr.RequireAdmin())
	r.GET("/api/admin/logs", p.Then(h.Logs))
	r.POST("/api/admin/logs/purge", p.Then(h.Purge))
	r.GET("/api/admin/users", p.Then(h.Users))
	r.PATCH("/api/admin/users/:id", p.Then(h.UpdateUser))
	r.DELETE("/api/admin/users/:id", p.Then(h.DeleteUser))
	f.r = r
	return f
}

func (f *fixture) request(as *models.User, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Accept", "application/json")
	if as != nil {
		req.Header.Set(testUserHeader, strconv.FormatInt(as.ID, 10))
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (f *fixture) record(event audit.Event, userID int64, at time.Time) {
	id := userID
	f.audit.Record(context.Background(), models.AuditEntry{EventType: string(event), UserID: &id, CreatedAt: at})
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.request(nil, http.MethodGet, "/api/admin/users", "").Code)
	assert.Equal(t, http.StatusForbidden, f.request(f.alice, http.MethodGet, "/api/admin/users", "").Code)
	assert.Equal(t, http.StatusForbidden, f.request(f.alice, http.MethodPatch,
		"/api/admin/users/"+strconv.FormatInt(f.alice.ID, 10), `{"is_admin":true}`).Code)

	u, err := f.store.GetUserByID(context.Background(), f.alice.ID)
	require.NoError(t, err)
	assert.False(t, u.IsAdmin)
}

func TestLogsFilterAndPaginate(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.record(audit.LoginSuccess, f.alice.ID, now.Add(-48*time.Hour))
	f.record(audit.LoginFailure, f.alice.ID, now.Add(-time.Hour))
	f.record(audit.LoginSuccess, f.root.ID, now)

	var body struct {
		Items []models.AuditEntry `json:"items"`
		Total int                 `json:"total"`
		Page  int                 `json:"page"`
		Limit int                 `json:"limit"`
	}
	w := f.request(f.root, http.MethodGet, "/api/admin/logs?user_id="+strconv.FormatInt(f.alice.ID, 10), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &body)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, string(audit.LoginFailure), body.Items[0].EventType, "newest first")

	w = f.request(f.root, http.MethodGet, "/api/admin/logs?event_type=LOGIN_SUCCESS&limit=1&page=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &body)
	assert.Equal(t, 2, body.Total)
	require.Len(t, body.Items, 1)
	assert.Equal(t, f.alice.ID, *body.Items[0].UserID)
	assert.Equal(t, 2, body.Page)
	assert.Equal(t, 1, body.Limit)

	from := now.Add(-2 * time.Hour).Format(time.RFC3339)
	w = f.request(f.root, http.MethodGet, "/api/admin/logs?from="+from, "")
	decode(t, w, &body)
	assert.Equal(t, 2, body.Total)

	for _, q := range []string{"limit=0x", "limit=500", "from=yesterday", "user_id=abc"} {
		w := f.request(f.root, http.MethodGet, "/api/admin/logs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.record(audit.LoginSuccess, f.alice.ID, now.Add(-100*day))
	f.record(audit.LoginSuccess, f.alice.ID, now.Add(-40*day))
	f.record(audit.LoginSuccess, f.alice.ID, now.Add(-time.Hour))

	var body struct {
		Deleted       int64 `json:"deleted"`
		OlderThanDays int   `json:"olderThanDays"`
	}
	w := f.request(f.root, http.MethodPost, "/api/admin/logs/purge", `{"olderThanDays":60}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &body)
	assert.Equal(t, int64(1), body.Deleted)
	assert.Equal(t, 60, body.OlderThanDays)

	// 本文なしは設定の保持期間（30日）
	w = f.request(f.root, http.MethodPost, "/api/admin/logs/purge", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &body)
	assert.Equal(t, int64(1), body.Deleted)
	assert.Equal(t, 30, body.OlderThanDays)

	entries, _, err := f.audit.Query(context.Background(), models.AuditFilter{EventType: string(audit.AuditPurge)})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, f.root.ID, *entries[0].UserID)

	w = f.request(f.root, http.MethodPost, "/api/admin/logs/purge", `{"olderThanDays":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsersList(t *testing.T) {
	f := newFixture(t)

	var body struct {
		Items []map[string]any `json:"items"`
		Total int              `json:"total"`
	}
	w := f.request(f.root, http.MethodGet, "/api/admin/users?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &body)
	assert.Equal(t, 2, body.Total)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "root", body.Items[0]["username"])
	assert.NotContains(t, body.Items[0], "password_hash")
	assert.NotContains(t, body.Items[0], "PasswordHash")
}

func TestUpdateUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alicePath := "/api/admin/users/" + strconv.FormatInt(f.alice.ID, 10)

	w := f.request(f.root, http.MethodPatch, alicePath, `{"is_admin":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	u, err := f.store.GetUserByID(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.True(t, u.IsAdmin)

	entries, _, err := f.audit.Query(ctx, models.AuditFilter{EventType: string(audit.AdminUserUpdate)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, strconv.FormatInt(f.alice.ID, 10), entries[0].ResourceID)

	w = f.request(f.root, http.MethodPatch, alicePath, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(f.root, http.MethodPatch, "/api/admin/users/9999", `{"is_admin":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 自分自身の権限は外せない
	w = f.request(f.root, http.MethodPatch, "/api/admin/users/"+strconv.FormatInt(f.root.ID, 10), `{"is_admin":false}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	u, err = f.store.GetUserByID(ctx, f.root.ID)
	require.NoError(t, err)
	assert.True(t, u.IsAdmin)
}

func TestDeleteUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.request(f.root, http.MethodDelete, "/api/admin/users/"+strconv.FormatInt(f.root.ID, 10), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(f.root, http.MethodDelete, "/api/admin/users/"+strconv.FormatInt(f.alice.ID, 10), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, err := f.store.GetUserByID(ctx, f.alice.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	entries, _, err := f.audit.Query(ctx, models.AuditFilter{EventType: string(audit.AdminUserDelete)})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	w = f.request(f.root, http.MethodDelete, "/api/admin/users/"+strconv.FormatInt(f.alice.ID, 10), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeQueue struct {
	olderThan time.Duration
}

func (q *fakeQueue) EnqueuePurge(_ context.Context, olderThan time.Duration) (string, error) {
	q.olderThan = olderThan
	return "task-1", nil
}

func TestPurgeUsesQueueWhenConfigured(t *testing.T) {
	f := newFixture(t)
	q := &fakeQueue{}
	h := NewHandler(f.store, f.audit, 30*day).UseQueue(q)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(auth.ContextUserKey, f.root.Snapshot()) })
	r.POST("/purge", h.Purge)

	old := time.Now().UTC().Add(-100 * day)
	f.record(audit.LoginSuccess, f.alice.ID, old)

	req := httptest.NewRequest(http.MethodPost, "/purge", strings.NewReader(`{"olderThanDays":7}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var body struct {
		Queued bool   `json:"queued"`
		TaskID string `json:"taskId"`
	}
	decode(t, w, &body)
	assert.True(t, body.Queued)
	assert.Equal(t, "task-1", body.TaskID)
	assert.Equal(t, 7*day, q.olderThan)

	// 削除はキュー側で行うのでまだ残っている
	entries, _, err := f.audit.Query(context.Background(), models.AuditFilter{EventType: string(audit.LoginSuccess)})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
