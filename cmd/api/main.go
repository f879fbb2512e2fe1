// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/memstore"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/admin"
	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/auth"
	"github.com/fengjnw/10-health-33915059-sub000/internal/config"
	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
	"github.com/fengjnw/10-health-33915059-sub000/internal/ratelimit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage/memory"
	"github.com/fengjnw/10-health-33915059-sub000/internal/token"
)

const shutdownTimeout = 10 * time.Second

var (
	_ repository = (*storage.Storage)(nil)
	_ repository = (*memory.Store)(nil)
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("server exited", logger.Err(err))
	}
}

// run は依存関係を組み立ててサーバーを起動し、ctx が終了するまで待ちます。
func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	met := metrics.New()

	repo, closeRepo, err := setupStorage(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer closeRepo()

	sinks, err := setupAuditSinks(cfg)
	if err != nil {
		return err
	}
	al := audit.New(repo, zl, met, sinks...)
	defer func() {
		if err := al.Close(); err != nil {
			zl.Warn("audit sink close failed", logger.Err(err))
		}
	}()

	sessionSecret := secretOrRandom(cfg.SessionSecret, "SESSION_SECRET", zl)
	store, closeSessions, err := setupSessions(cfg, sessionSecret)
	if err != nil {
		return err
	}
	defer closeSessions()

	limiter, closeLimiter, err := setupRateLimiter(cfg, zl, met, al)
	if err != nil {
		return err
	}
	defer closeLimiter()
	limiter.Start(ctx)

	tokens := token.NewIssuer(secretOrRandom(cfg.TokenSecret, "TOKEN_SECRET", zl), cfg.TokenTTL, cfg.TokenIssuer)

	if cfg.AdminUsername != "" {
		mgr := auth.NewManager(repo, tokens, al, met, zl)
		if err := mgr.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	mail, stopJobs, err := setupJobs(ctx, cfg, al, met, zl)
	if err != nil {
		return err
	}
	defer stopJobs()

	d := deps{
		cfg:      cfg,
		log:      zl,
		repo:     repo,
		sessions: store,
		limiter:  limiter,
		audit:    al,
		metrics:  met,
		tokens:   tokens,
		mail:     mail,
	}
	// キューが有効な場合（jobs.Manager）は管理画面からの削除もキュー経由にする
	if q, ok := mail.(admin.PurgeQueue); ok {
		d.purge = q
	}
	router, err := newRouter(d)
	if err != nil {
		return err
	}

	// サーバーの起動
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		zl.Info("starting API server", zap.String("addr", srv.Addr), zap.String("mode", cfg.GinMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// setupStorage は DATABASE_URL が設定されていれば PostgreSQL、なければインメモリストアを返します。
func setupStorage(ctx context.Context, cfg *config.Config, zl *zap.Logger) (repository, func(), error) {
	if cfg.DatabaseURL == "" {
		zl.Warn("DATABASE_URL is empty; using in-memory storage (data is lost on restart)")
		return memory.New(), func() {}, nil
	}
	if cfg.MigrateOnStart {
		if err := storage.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
	}
	st, err := storage.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

func setupAuditSinks(cfg *config.Config) ([]audit.Sink, error) {
	var sinks []audit.Sink
	if cfg.AuditLogFile != "" {
		fs, err := audit.NewFileSink(cfg.AuditLogFile)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if len(cfg.AuditKafkaBrokers) > 0 {
		sinks = append(sinks, audit.NewKafkaSink(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic))
	}
	return sinks, nil
}

// setupSessions はセッションストアを返します。redis の場合はクッキーに署名付きIDだけを載せます。
func setupSessions(cfg *config.Config, secret string) (sessions.Store, func(), error) {
	opts := session.Options(cfg.IsRelease(), 24*time.Hour)
	if cfg.SessionStore == "redis" {
		redisOpt, err := redis.ParseURL(cfg.SessionRedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse SESSION_REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpt)
		store := session.NewRedisStore(client, []byte(secret))
		store.Options(opts)
		return store, func() { _ = client.Close() }, nil
	}
	store := memstore.NewStore([]byte(secret))
	store.Options(opts)
	return store, func() {}, nil
}

func setupRateLimiter(cfg *config.Config, zl *zap.Logger, met *metrics.Metrics, al *audit.Logger) (*ratelimit.Service, func(), error) {
	var (
		store   ratelimit.Store
		closers []func()
	)
	if cfg.RateLimitStore == "redis" {
		redisOpt, err := redis.ParseURL(cfg.RateLimitRedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse RATE_LIMIT_REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpt)
		store = ratelimit.NewRedisStore(client)
		closers = append(closers, func() { _ = client.Close() })
	}
	svc := ratelimit.NewService(ratelimit.Options{
		Store: store,
		Policies: []ratelimit.Policy{
			{Name: ratelimit.PolicyLogin, Max: cfg.LoginMaxAttempts, Window: cfg.LoginWindow},
			{Name: ratelimit.PolicyRegister, Max: cfg.RegisterMaxAttempts, Window: cfg.RegisterWindow},
			{Name: ratelimit.PolicyCode, Max: cfg.CodeMaxAttempts, Window: cfg.CodeWindow, KeepOnSuccess: true},
			{Name: ratelimit.PolicyIssue, Max: cfg.IssueMaxAttempts, Window: cfg.IssueWindow, KeepOnSuccess: true},
		},
		SweepEvery: cfg.RateLimitSweep,
		Logger:     zl,
		Metrics:    met,
		Audit:      al,
	})
	return svc, func() {
		svc.Close()
		for _, c := range closers {
			c()
		}
	}, nil
}

// secretOrRandom はローカル開発用に、未設定の秘密鍵をプロセス限りの乱数で補います。
// release モードでは Config.Validate が未設定を拒否します。
func secretOrRandom(secret, name string, zl *zap.Logger) string {
	if secret != "" {
		return secret
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	zl.Warn(name + " is not set; using an ephemeral key")
	return hex.EncodeToString(buf)
}
