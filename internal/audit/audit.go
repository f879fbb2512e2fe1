// Package audit はセキュリティ上重要な操作を監査ログとして記録します。
// 記録は常にベストエフォートで、失敗してもリクエストの結果には影響しません。
// 書き込みはバックグラウンドの1本のワーカーが順に行い、呼び出し側は待ちません。
package audit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
)

// Event は監査イベントの種別です。
type Event string

const (
	LoginSuccess             Event = "LOGIN_SUCCESS"
	LoginFailure             Event = "LOGIN_FAILURE"
	Logout                   Event = "LOGOUT"
	RegisterSuccess          Event = "REGISTER_SUCCESS"
	RegisterFailure          Event = "REGISTER_FAILURE"
	TokenIssued              Event = "TOKEN_ISSUED"
	SessionTimeout           Event = "SESSION_TIMEOUT"
	CSRFViolation            Event = "CSRF_VIOLATION"
	RateLimitExceeded        Event = "RATE_LIMIT_EXCEEDED"
	ActivityCreate           Event = "ACTIVITY_CREATE"
	ActivityUpdate           Event = "ACTIVITY_UPDATE"
	ActivityDelete           Event = "ACTIVITY_DELETE"
	ProfileUpdate            Event = "PROFILE_UPDATE"
	PasswordChange           Event = "PASSWORD_CHANGE"
	EmailChangeRequested     Event = "EMAIL_CHANGE_REQUESTED"
	EmailChanged             Event = "EMAIL_CHANGED"
	PasswordResetRequested   Event = "PASSWORD_RESET_REQUESTED"
	PasswordReset            Event = "PASSWORD_RESET"
	AccountDeletionRequested Event = "ACCOUNT_DELETION_REQUESTED"
	AccountDeleted           Event = "ACCOUNT_DELETED"
	AdminUserUpdate          Event = "ADMIN_USER_UPDATE"
	AdminUserDelete          Event = "ADMIN_USER_DELETE"
	AuditPurge               Event = "AUDIT_PURGE"
)

const (
	writeTimeout = 3 * time.Second
	// queueSize を超えて溜まったエントリは破棄します。
	queueSize = 1024
)

// Actor は操作の主体です。ID が 0 の場合は未ログイン（ユーザー名のみ判明している場合を含む）です。
type Actor struct {
	ID       int64
	Username string
}

// ActorOf はセッションのユーザーを Actor に変換します。
func ActorOf(u models.UserSnapshot) Actor {
	return Actor{ID: u.ID, Username: u.Username}
}

// Anonymous は未ログインの主体です。
func Anonymous(username string) Actor {
	return Actor{Username: username}
}

func (a Actor) userID() *int64 {
	if a.ID <= 0 {
		return nil
	}
	id := a.ID
	return &id
}

// Repository は監査ログの永続化先です。
type Repository interface {
	InsertAudit(ctx context.Context, e *models.AuditEntry) error
	QueryAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, int, error)
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)
}

// Sink は監査ログの複製先（ファイル・Kafka など）です。
type Sink interface {
	Name() string
	Write(ctx context.Context, e models.AuditEntry) error
	Close() error
}

// Logger は監査ログの書き込み口です。nil でも安全に呼び出せます。
type Logger struct {
	repo    Repository
	sinks   []Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan job
	stopped chan struct{}
}

// job は書き込み待ちのエントリです。done が非 nil の場合は Flush の目印です。
type job struct {
	ctx   context.Context
	log   *zap.Logger
	entry models.AuditEntry
	done  chan struct{}
}

// New は Logger を生成し、書き込みワーカーを起動します。停止には Close を呼びます。
func New(repo Repository, log *zap.Logger, m *metrics.Metrics, sinks ...Sink) *Logger {
	return newLogger(repo, log, m, queueSize, sinks...)
}

func newLogger(repo Repository, log *zap.Logger, m *metrics.Metrics, size int, sinks ...Sink) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Logger{
		repo:    repo,
		sinks:   sinks,
		logger:  log.Named("audit"),
		metrics: m,
		now:     time.Now,
		queue:   make(chan job, size),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// LogAuth は認証関連のイベントを記録します。
func (l *Logger) LogAuth(c *gin.Context, event Event, actor Actor, reason string) {
	var changes map[string]any
	if reason != "" {
		changes = map[string]any{"reason": reason}
	}
	l.log(c, event, actor, "", "", changes)
}

// LogDataChange はデータ変更を記録します。changes は {before, after} または {deleted} です。
func (l *Logger) LogDataChange(c *gin.Context, event Event, actor Actor, resourceType string, resourceID int64, changes map[string]any) {
	l.log(c, event, actor, resourceType, strconv.FormatInt(resourceID, 10), changes)
}

// LogSecurity はセキュリティ違反（CSRF・レート制限・タイムアウト）を記録します。
func (l *Logger) LogSecurity(c *gin.Context, event Event, actor Actor, details map[string]any) {
	l.log(c, event, actor, "", "", details)
}

func (l *Logger) log(c *gin.Context, event Event, actor Actor, resourceType, resourceID string, changes map[string]any) {
	if l == nil {
		return
	}
	entry := models.AuditEntry{
		EventType:    string(event),
		UserID:       actor.userID(),
		Username:     actor.Username,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Changes:      changes,
		CreatedAt:    l.now().UTC(),
	}
	ctx := context.Background()
	log := l.logger
	if c != nil && c.Request != nil {
		entry.IPAddress = c.ClientIP()
		entry.UserAgent = c.Request.UserAgent()
		entry.RequestPath = c.Request.URL.Path
		entry.RequestMethod = c.Request.Method
		// リクエストがキャンセルされても書き込みは続ける
		ctx = context.WithoutCancel(c.Request.Context())
		if id := logger.RequestIDFrom(c); id != "" {
			log = log.With(zap.String("request_id", id))
		}
	}
	l.enqueue(ctx, log, entry)
}

// Record は組み立て済みのエントリを記録します。バックグラウンドジョブから使います。
func (l *Logger) Record(ctx context.Context, entry models.AuditEntry) {
	if l == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	l.enqueue(context.WithoutCancel(ctx), l.logger, entry)
}

// enqueue はエントリをワーカーに渡します。キューが満杯か停止済みの場合は破棄します。
func (l *Logger) enqueue(ctx context.Context, log *zap.Logger, entry models.AuditEntry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.closed {
		select {
		case l.queue <- job{ctx: ctx, log: log, entry: entry}:
			return
		default:
		}
	}
	l.metrics.AuditWriteFailed("queue")
	log.Error("audit entry dropped",
		zap.String("event", entry.EventType),
		zap.Bool("closed", l.closed),
		zap.Int("queued", len(l.queue)))
}

func (l *Logger) run() {
	defer close(l.stopped)
	for j := range l.queue {
		if j.done != nil {
			close(j.done)
			continue
		}
		l.write(j.ctx, j.log, j.entry)
	}
}

func (l *Logger) write(ctx context.Context, log *zap.Logger, entry models.AuditEntry) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if l.repo != nil {
		if err := l.repo.InsertAudit(ctx, &entry); err != nil {
			l.metrics.AuditWriteFailed("database")
			log.Error("audit write failed",
				zap.String("event", entry.EventType),
				zap.String("sink", "database"),
				logger.Err(err))
		}
	}
	for _, s := range l.sinks {
		if err := s.Write(ctx, entry); err != nil {
			l.metrics.AuditWriteFailed(s.Name())
			log.Warn("audit mirror failed",
				zap.String("event", entry.EventType),
				zap.String("sink", s.Name()),
				logger.Err(err))
		}
	}
}

// Flush はそれまでに受け付けたエントリの書き込みが終わるまで待ちます。
func (l *Logger) Flush(ctx context.Context) error {
	if l == nil {
		return nil
	}
	done := make(chan struct{})
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil
	}
	select {
	case l.queue <- job{done: done}:
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	l.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrNoRepository は永続化先がない状態で検索・削除しようとした場合のエラーです。
var ErrNoRepository = errors.New("audit repository not configured")

// Query は条件に一致する監査ログを新しい順に返します。書き込み待ちのエントリも含みます。
func (l *Logger) Query(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, int, error) {
	if l == nil || l.repo == nil {
		return nil, 0, ErrNoRepository
	}
	if err := l.Flush(ctx); err != nil {
		return nil, 0, err
	}
	return l.repo.QueryAudit(ctx, f)
}

// Purge は olderThan より古い監査ログを削除し、削除件数を返します。
func (l *Logger) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if l == nil || l.repo == nil {
		return 0, ErrNoRepository
	}
	if err := l.Flush(ctx); err != nil {
		return 0, err
	}
	n, err := l.repo.PurgeAudit(ctx, l.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	l.logger.Info("audit logs purged", zap.Int64("deleted", n), zap.Duration("older_than", olderThan))
	return n, nil
}

// Close は書き込み待ちのエントリを書き終えてから複製先を閉じます。
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.stopped

	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
