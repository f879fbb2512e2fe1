package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testContext(method, path string) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("User-Agent", "audit-test")
	req.RemoteAddr = "203.0.113.9:5555"
	c.Request = req
	return c
}

func TestLogAuthFillsRequestData(t *testing.T) {
	store := memory.New()
	l := New(store, zap.NewNop(), nil)

	l.LogAuth(testContext(http.MethodPost, "/api/auth/login"), LoginFailure, Anonymous("alice"), "invalid password")

	entries, total, err := l.Query(context.Background(), models.AuditFilter{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	e := entries[0]
	assert.Equal(t, "LOGIN_FAILURE", e.EventType)
	assert.Nil(t, e.UserID)
	assert.Equal(t, "alice", e.Username)
	assert.Equal(t, "203.0.113.9", e.IPAddress)
	assert.Equal(t, "audit-test", e.UserAgent)
	assert.Equal(t, "/api/auth/login", e.RequestPath)
	assert.Equal(t, http.MethodPost, e.RequestMethod)
	assert.Equal(t, "invalid password", e.Changes["reason"])
}

func TestLogDataChange(t *testing.T) {
	store := memory.New()
	l := New(store, zap.NewNop(), nil)
	actor := ActorOf(models.UserSnapshot{ID: 4, Username: "bob"})

	l.LogDataChange(testContext(http.MethodDelete, "/api/activities/9"), ActivityDelete, actor, "fitness_activity", 9,
		map[string]any{"deleted": map[string]any{"activity_type": "Yoga"}})

	uid := int64(4)
	entries, _, err := l.Query(context.Background(), models.AuditFilter{UserID: &uid, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fitness_activity", entries[0].ResourceType)
	assert.Equal(t, "9", entries[0].ResourceID)
	assert.Contains(t, entries[0].Changes, "deleted")
}

type ctxCheckingRepo struct {
	*memory.Store
	sawCanceled bool
}

func (r *ctxCheckingRepo) InsertAudit(ctx context.Context, e *models.AuditEntry) error {
	if ctx.Err() != nil {
		r.sawCanceled = true
		return ctx.Err()
	}
	return r.Store.InsertAudit(ctx, e)
}

func TestWriteSurvivesCanceledRequest(t *testing.T) {
	repo := &ctxCheckingRepo{Store: memory.New()}
	l := New(repo, zap.NewNop(), nil)

	c := testContext(http.MethodPost, "/logout")
	ctx, cancel := context.WithCancel(c.Request.Context())
	cancel()
	c.Request = c.Request.WithContext(ctx)

	l.LogAuth(c, Logout, Actor{ID: 1, Username: "alice"}, "")
	require.NoError(t, l.Flush(context.Background()))
	assert.False(t, repo.sawCanceled)
}

type failingRepo struct{ *memory.Store }

func (failingRepo) InsertAudit(context.Context, *models.AuditEntry) error {
	return errors.New("connection refused")
}

type recordingSink struct {
	name    string
	err     error
	entries []models.AuditEntry
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) Write(_ context.Context, e models.AuditEntry) error {
	s.entries = append(s.entries, e)
	return s.err
}
func (s *recordingSink) Close() error { return nil }

func TestFailuresAreSwallowedAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := metrics.New()
	mirror := &recordingSink{name: "mirror", err: errors.New("broker down")}
	l := New(failingRepo{Store: memory.New()}, zap.New(core), m, mirror)

	assert.NotPanics(t, func() {
		l.LogSecurity(testContext(http.MethodPost, "/activities"), CSRFViolation, Anonymous(""), map[string]any{"reason": "missing token"})
	})
	require.NoError(t, l.Flush(context.Background()))

	require.Len(t, mirror.entries, 1)
	assert.Equal(t, 1, logs.FilterMessage("audit write failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("audit mirror failed").Len())
}

// slowRepo は release が閉じられるまで書き込みを止めます。
type slowRepo struct {
	*memory.Store
	release chan struct{}
}

func (r *slowRepo) InsertAudit(ctx context.Context, e *models.AuditEntry) error {
	<-r.release
	return r.Store.InsertAudit(ctx, e)
}

func TestLogAuthDoesNotWaitForRepository(t *testing.T) {
	repo := &slowRepo{Store: memory.New(), release: make(chan struct{})}
	l := New(repo, zap.NewNop(), nil)

	start := time.Now()
	l.LogAuth(testContext(http.MethodPost, "/api/auth/login"), LoginSuccess, Actor{ID: 1, Username: "alice"}, "")
	l.LogAuth(testContext(http.MethodPost, "/api/auth/logout"), Logout, Actor{ID: 1, Username: "alice"}, "")
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(repo.release)
	require.NoError(t, l.Close())
	_, total, err := repo.QueryAudit(context.Background(), models.AuditFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total, "close writes everything queued")
}

func TestFullQueueDropsEntries(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	repo := &slowRepo{Store: memory.New(), release: make(chan struct{})}
	l := newLogger(repo, zap.New(core), metrics.New(), 1)

	// ワーカーが1件目で止まっている間にキュー(1件)を埋める
	for i := 0; i < 10; i++ {
		l.LogSecurity(testContext(http.MethodPost, "/activities"), CSRFViolation, Anonymous(""), nil)
	}
	assert.GreaterOrEqual(t, logs.FilterMessage("audit entry dropped").Len(), 8)

	close(repo.release)
	require.NoError(t, l.Close())
	_, total, err := repo.QueryAudit(context.Background(), models.AuditFilter{Limit: 20})
	require.NoError(t, err)
	assert.LessOrEqual(t, total, 2)

	l.LogAuth(testContext(http.MethodGet, "/"), Logout, Actor{}, "")
	assert.Equal(t, 1, logs.FilterField(zap.Bool("closed", true)).Len())
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.LogAuth(testContext(http.MethodGet, "/"), Logout, Actor{}, "")
		l.Record(context.Background(), models.AuditEntry{EventType: "X"})
	})
	_, _, err := l.Query(context.Background(), models.AuditFilter{})
	assert.ErrorIs(t, err, ErrNoRepository)
	assert.NoError(t, l.Close())
}

func TestPurge(t *testing.T) {
	store := memory.New()
	l := New(store, zap.NewNop(), nil)
	now := time.Now()
	l.Record(context.Background(), models.AuditEntry{EventType: "OLD", CreatedAt: now.Add(-100 * 24 * time.Hour)})
	l.Record(context.Background(), models.AuditEntry{EventType: "NEW"})

	n, err := l.Purge(context.Background(), 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFileSinkWritesStructuredLine(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := newFileSinkWithLogger(zap.New(core))
	uid := int64(3)

	require.NoError(t, sink.Write(context.Background(), models.AuditEntry{
		EventType: "LOGIN_SUCCESS", UserID: &uid, Username: "carol", CreatedAt: time.Now(),
	}))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "LOGIN_SUCCESS", fields["event_type"])
	assert.Equal(t, int64(3), fields["user_id"])
}

type stubWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *stubWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkKeysByUser(t *testing.T) {
	w := &stubWriter{}
	sink := NewKafkaSinkWithWriter(w)
	uid := int64(12)

	require.NoError(t, sink.Write(context.Background(), models.AuditEntry{EventType: "LOGOUT", UserID: &uid}))
	require.NoError(t, sink.Write(context.Background(), models.AuditEntry{EventType: "LOGIN_FAILURE"}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "12", string(w.msgs[0].Key))
	assert.Equal(t, "anonymous", string(w.msgs[1].Key))
	assert.Equal(t, "LOGOUT", string(w.msgs[0].Headers[0].Value))

	l := New(nil, zap.NewNop(), nil, sink)
	require.NoError(t, l.Close())
	assert.True(t, w.closed)
}
