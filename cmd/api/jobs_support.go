package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/config"
	"github.com/fengjnw/10-health-33915059-sub000/internal/jobs"
	"github.com/fengjnw/10-health-33915059-sub000/internal/mailer"
	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
)

// inlinePurgeEvery はキューを使わない場合の監査ログ削除の間隔です。
const inlinePurgeEvery = 24 * time.Hour

// setupMailer は SMTP_HOST が設定されていれば SMTP、なければログに出力するだけのメーラーを返します。
func setupMailer(cfg *config.Config, zl *zap.Logger) (mailer.Mailer, error) {
	if cfg.SMTPHost == "" {
		zl.Warn("SMTP_HOST is empty; verification mails are written to the log")
		return mailer.NewLogMailer(zl), nil
	}
	return mailer.NewSMTPMailer(mailer.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.MailFrom,
	})
}

// setupJobs はメール送信と監査ログ削除の実行方法を決めます。
// QUEUE_REDIS_URL があれば Asynq のワーカーとスケジューラーを起動し、なければプロセス内で処理します。
func setupJobs(ctx context.Context, cfg *config.Config, al *audit.Logger, met *metrics.Metrics, zl *zap.Logger) (jobs.Dispatcher, func(), error) {
	mm, err := setupMailer(cfg, zl)
	if err != nil {
		return nil, nil, err
	}

	if cfg.QueueRedisURL == "" {
		inline := jobs.NewInline(mm, al, met, zl)
		purgeCtx, cancel := context.WithCancel(ctx)
		inline.StartPurge(purgeCtx, inlinePurgeEvery, cfg.AuditRetention)
		return inline, func() {
			cancel()
			inline.Wait()
		}, nil
	}

	manager, err := jobs.NewManager(jobs.Options{
		RedisURL:  cfg.QueueRedisURL,
		Mailer:    mm,
		Purger:    al,
		Retention: cfg.AuditRetention,
		Metrics:   met,
		Logger:    zl,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := manager.Start(); err != nil {
		manager.Shutdown()
		return nil, nil, err
	}
	return manager, manager.Shutdown, nil
}
