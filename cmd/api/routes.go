package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/account"
	"github.com/fengjnw/10-health-33915059-sub000/internal/activity"
	"github.com/fengjnw/10-health-33915059-sub000/internal/admin"
	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/auth"
	"github.com/fengjnw/10-health-33915059-sub000/internal/config"
	"github.com/fengjnw/10-health-33915059-sub000/internal/csrf"
	"github.com/fengjnw/10-health-33915059-sub000/internal/idle"
	"github.com/fengjnw/10-health-33915059-sub000/internal/jobs"
	"github.com/fengjnw/10-health-33915059-sub000/internal/logger"
	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
	"github.com/fengjnw/10-health-33915059-sub000/internal/pipeline"
	"github.com/fengjnw/10-health-33915059-sub000/internal/ratelimit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/session"
	"github.com/fengjnw/10-health-33915059-sub000/internal/token"
	"github.com/fengjnw/10-health-33915059-sub000/internal/web"
)

// repository は各パッケージが必要とする永続化操作の和です。
// storage.Storage（PostgreSQL）と memory.Store の両方が満たします。
type repository interface {
	auth.UserRepository
	account.Repository
	activity.Repository
	admin.Repository
	audit.Repository
	Ping(ctx context.Context) error
}

// deps はルーター構築に必要な依存関係です。
type deps struct {
	cfg      *config.Config
	log      *zap.Logger
	repo     repository
	sessions sessions.Store
	limiter  *ratelimit.Service
	audit    *audit.Logger
	metrics  *metrics.Metrics
	tokens   *token.Issuer
	mail     jobs.Dispatcher
	purge    admin.PurgeQueue // nil の場合は同期で削除する
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(repo repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := repo.Ping(ctx); err != nil {
			logger.From(c).Warn("health check failed", logger.Err(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "fitness-api"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "fitness-api",
			"version": "0.1.0",
		})
	}
}

func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSAllowedOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		csrf.HeaderName,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンと警告を読み取れるように公開
	corsConfig.ExposeHeaders = []string{csrf.HeaderName, "X-Session-Warning", "X-Session-Remaining", "Retry-After"}
	return cors.New(corsConfig)
}

// newRouter はミドルウェアとルーティングを配線したルーターを返します。
func newRouter(d deps) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(d.cfg.TrustedProxies); err != nil {
		return nil, err
	}
	web.Install(router)
	router.Use(
		logger.RequestID(d.log),
		logger.Access(),
		gin.Recovery(),
		d.metrics.Instrument(),
		corsMiddleware(d.cfg),
		sessions.Sessions(session.CookieName, d.sessions),
	)

	setupRoutes(router, d)
	return router, nil
}

// setupRoutes はページ・API・管理者向けルートを登録します。
// 各ルートは レート制限 → 無操作タイムアウト → 認証情報の解決 → CSRF → ハンドラー の順に通ります。
func setupRoutes(router *gin.Engine, d deps) {
	router.GET("/health", handleHealth(d.repo))
	router.GET("/metrics", d.metrics.Handler())

	mgr := auth.NewManager(d.repo, d.tokens, d.audit, d.metrics, d.log)
	idleGuard := idle.New(d.cfg.SessionIdle, d.cfg.SessionWarning, d.audit, d.metrics)
	csrfGuard := csrf.New(d.audit, d.metrics, auth.ViaBearer, csrf.SkipRoute(http.MethodPost, "/api/auth/token"))

	chain := []pipeline.Stage{idleGuard, mgr.Identify(), csrfGuard}
	base := pipeline.New(chain...)
	authed := base.Append(auth.RequireUser())
	adminOnly := base.Append(mgr.RequireAdmin())
	login := pipeline.New(d.limiter.Stage(ratelimit.PolicyLogin)).Append(chain...)
	register := pipeline.New(d.limiter.Stage(ratelimit.PolicyRegister)).Append(chain...)
	// 確認コードの入力と発行はログインとは別のカウンターで数える
	code := pipeline.New(d.limiter.Stage(ratelimit.PolicyCode)).Append(chain...)
	issue := pipeline.New(d.limiter.Stage(ratelimit.PolicyIssue)).Append(chain...)
	codeAuthed := code.Append(auth.RequireUser())
	issueAuthed := issue.Append(auth.RequireUser())

	activities := activity.NewHandler(activity.NewService(d.repo), d.repo, d.audit)
	accounts := account.NewHandler(account.NewService(d.repo, d.mail, d.log), d.audit)
	admins := admin.NewHandler(d.repo, d.audit, d.cfg.AuditRetention)
	if d.purge != nil {
		admins.UseQueue(d.purge)
	}

	// HTML ページ
	router.GET("/", base.Then(activities.Index))
	router.GET("/login", base.Then(mgr.LoginPage))
	router.POST("/login", login.Then(mgr.Login))
	router.GET("/register", base.Then(mgr.RegisterPage))
	router.POST("/register", register.Then(mgr.Register))
	router.POST("/logout", base.Then(mgr.Logout))
	router.GET("/activities/new", authed.Then(activities.NewForm))
	router.POST("/activities", authed.Then(activities.CreateForm))
	router.POST("/activities/:id/delete", authed.Then(activities.DeleteForm))

	// セッション専用の内部エンドポイント
	internal := router.Group("/internal")
	{
		internal.GET("/session", base.Then(idleGuard.StatusHandler))
		internal.GET("/stats", authed.Then(activities.Stats))
		internal.GET("/export", authed.Then(activities.Export))
	}

	api := router.Group("/api", d.limiter.Throttle(d.cfg.APIRatePerSecond, d.cfg.APIBurst))
	{
		api.GET("/csrf-token", csrf.TokenHandler)

		authRoutes := api.Group("/auth")
		{
			authRoutes.POST("/login", login.Then(mgr.Login))
			authRoutes.POST("/register", register.Then(mgr.Register))
			authRoutes.POST("/logout", base.Then(mgr.Logout))
			authRoutes.POST("/token", login.Then(mgr.Token))
			authRoutes.GET("/me", base.Then(mgr.Me))
		}

		activityRoutes := api.Group("/activities")
		{
			activityRoutes.GET("", base.Then(activities.List))
			activityRoutes.GET("/:id", base.Then(activities.Get))
			activityRoutes.POST("", authed.Then(activities.Create))
			activityRoutes.PATCH("/:id", authed.Then(activities.Update))
			activityRoutes.DELETE("/:id", authed.Then(activities.Delete))
		}

		accountRoutes := api.Group("/account")
		{
			accountRoutes.GET("", authed.Then(accounts.Profile))
			accountRoutes.PATCH("", authed.Then(accounts.UpdateProfile))
			accountRoutes.POST("/password", authed.Then(accounts.ChangePassword))
			accountRoutes.POST("/email", issueAuthed.Then(accounts.RequestEmailChange))
			accountRoutes.POST("/email/verify", codeAuthed.Then(accounts.ConfirmEmailChange))
			accountRoutes.POST("/delete", issueAuthed.Then(accounts.RequestDeletion))
			accountRoutes.POST("/delete/confirm", codeAuthed.Then(accounts.ConfirmDeletion))
		}

		api.POST("/password-reset", issue.Then(accounts.RequestPasswordReset))
		api.POST("/password-reset/confirm", code.Then(accounts.ConfirmPasswordReset))

		adminRoutes := api.Group("/admin")
		{
			adminRoutes.GET("/logs", adminOnly.Then(admins.Logs))
			adminRoutes.POST("/logs/purge", adminOnly.Then(admins.Purge))
			adminRoutes.GET("/users", adminOnly.Then(admins.Users))
			adminRoutes.PATCH("/users/:id", adminOnly.Then(admins.UpdateUser))
			adminRoutes.DELETE("/users/:id", adminOnly.Then(admins.DeleteUser))
		}
	}
}
